package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/codelaboratoryltd/fupd/pkg/fup"
	"github.com/codelaboratoryltd/fupd/pkg/policy"
	"github.com/codelaboratoryltd/fupd/pkg/radius"
	"github.com/codelaboratoryltd/fupd/pkg/usage"
)

// subscriberModel maps the billing suite's subscribers table. Speeds are
// stored as "down/up" rate strings and parsed once on read.
type subscriberModel struct {
	ID           int64  `gorm:"primaryKey"`
	Username     string `gorm:"size:64;uniqueIndex"`
	PackageID    int64  `gorm:"index"`
	CurrentSpeed string `gorm:"size:32"`
	Status       string `gorm:"size:16;index"`
	NASAddr      string `gorm:"size:64;column:nas_addr"`
}

func (subscriberModel) TableName() string { return "subscribers" }

// packageModel maps the billing suite's packages table.
type packageModel struct {
	ID             int64  `gorm:"primaryKey"`
	Name           string `gorm:"size:100"`
	QuotaBytes     uint64
	FupResetDay    int
	NormalSpeed    string `gorm:"size:32"`
	ThrottledSpeed string `gorm:"size:32"`
}

func (packageModel) TableName() string { return "packages" }

// sessionModel maps the suite's radacct-style sessions table.
type sessionModel struct {
	AcctSessionID string `gorm:"primaryKey;size:64;column:acct_session_id"`
	UserID        int64  `gorm:"index"`
	InputOctets   uint64
	OutputOctets  uint64
	StartedAt     time.Time `gorm:"index"`
	Status        string    `gorm:"size:10"` // online | offline
}

func (sessionModel) TableName() string { return "accounting_sessions" }

// Directory is the read view of the billing suite's subscriber tables. The
// only column the engine writes back is current_speed, the cached speed
// last confirmed by a NAS.
type Directory struct {
	db *gorm.DB
	// shared secrets are configuration, keyed by NAS address; the database
	// never stores them
	secrets    map[string]string
	defaultNAS radius.NAS
	logger     *zap.Logger
}

// NewDirectory creates a directory view over the shared database.
func NewDirectory(db *gorm.DB, secrets map[string]string, defaultNAS radius.NAS, logger *zap.Logger) *Directory {
	return &Directory{db: db, secrets: secrets, defaultNAS: defaultNAS, logger: logger}
}

// GetActiveSubscribers implements fup.Directory.
func (d *Directory) GetActiveSubscribers(ctx context.Context) ([]fup.Subscriber, error) {
	var rows []subscriberModel
	if err := d.db.WithContext(ctx).Where("status = ?", string(fup.StatusActive)).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("query subscribers: %w", err)
	}

	packages, err := d.loadPackages(ctx)
	if err != nil {
		return nil, err
	}

	subs := make([]fup.Subscriber, 0, len(rows))
	for i := range rows {
		sub, err := d.toSubscriber(&rows[i], packages[rows[i].PackageID])
		if err != nil {
			d.logger.Warn("skipping subscriber with bad directory data",
				zap.Int64("user_id", rows[i].ID),
				zap.Error(err),
			)
			continue
		}
		subs = append(subs, *sub)
	}
	return subs, nil
}

// GetSubscriber implements fup.Directory.
func (d *Directory) GetSubscriber(ctx context.Context, userID int64) (*fup.Subscriber, error) {
	var row subscriberModel
	err := d.db.WithContext(ctx).Where("id = ?", userID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("user %d: %w", userID, fup.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query subscriber %d: %w", userID, err)
	}

	var pkg packageModel
	if err := d.db.WithContext(ctx).Where("id = ?", row.PackageID).First(&pkg).Error; err != nil {
		return nil, fmt.Errorf("query package %d: %w", row.PackageID, err)
	}

	return d.toSubscriber(&row, &pkg)
}

// UpdateCurrentSpeed implements fup.Directory.
func (d *Directory) UpdateCurrentSpeed(ctx context.Context, userID int64, speed policy.Speed) error {
	tx := d.db.WithContext(ctx).
		Model(&subscriberModel{}).
		Where("id = ?", userID).
		Update("current_speed", speed.String())
	if tx.Error != nil {
		return fmt.Errorf("update current speed: %w", tx.Error)
	}
	if tx.RowsAffected == 0 {
		return fmt.Errorf("user %d: %w", userID, fup.ErrNotFound)
	}
	return nil
}

func (d *Directory) loadPackages(ctx context.Context) (map[int64]*packageModel, error) {
	var rows []packageModel
	if err := d.db.WithContext(ctx).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("query packages: %w", err)
	}
	out := make(map[int64]*packageModel, len(rows))
	for i := range rows {
		out[rows[i].ID] = &rows[i]
	}
	return out, nil
}

func (d *Directory) toSubscriber(row *subscriberModel, pkg *packageModel) (*fup.Subscriber, error) {
	if pkg == nil {
		return nil, fmt.Errorf("package %d not found", row.PackageID)
	}

	normal, err := policy.ParseSpeed(pkg.NormalSpeed)
	if err != nil {
		return nil, fmt.Errorf("package %d normal speed: %w", pkg.ID, err)
	}
	throttled, err := policy.ParseSpeed(pkg.ThrottledSpeed)
	if err != nil {
		return nil, fmt.Errorf("package %d throttled speed: %w", pkg.ID, err)
	}

	current := normal
	if row.CurrentSpeed != "" {
		if current, err = policy.ParseSpeed(row.CurrentSpeed); err != nil {
			return nil, fmt.Errorf("current speed: %w", err)
		}
	}

	nas := d.defaultNAS
	if row.NASAddr != "" {
		nas = radius.NAS{Addr: row.NASAddr, Secret: d.secrets[row.NASAddr]}
		if nas.Secret == "" {
			nas.Secret = d.defaultNAS.Secret
		}
	}

	return &fup.Subscriber{
		ID:       row.ID,
		Username: row.Username,
		Package: fup.Package{
			ID:             pkg.ID,
			Name:           pkg.Name,
			QuotaBytes:     pkg.QuotaBytes,
			FupResetDay:    pkg.FupResetDay,
			NormalSpeed:    normal,
			ThrottledSpeed: throttled,
		},
		CurrentSpeed: current,
		Status:       fup.SubscriberStatus(row.Status),
		NAS:          nas,
	}, nil
}

// Sink is the read-only accounting view over the suite's session table.
type Sink struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewSink creates an accounting sink view over the shared database.
func NewSink(db *gorm.DB, logger *zap.Logger) *Sink {
	return &Sink{db: db, logger: logger}
}

// GetSessions implements fup.AccountingSink.
func (s *Sink) GetSessions(ctx context.Context, userID int64, periodStart, periodEnd time.Time) ([]usage.Session, error) {
	var rows []sessionModel
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND started_at >= ? AND started_at < ?", userID, periodStart, periodEnd).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}

	sessions := make([]usage.Session, 0, len(rows))
	for _, r := range rows {
		sessions = append(sessions, usage.Session{
			SessionID:    r.AcctSessionID,
			UserID:       r.UserID,
			InputOctets:  r.InputOctets,
			OutputOctets: r.OutputOctets,
			StartedAt:    r.StartedAt,
			Online:       r.Status == "online",
		})
	}
	return sessions, nil
}
