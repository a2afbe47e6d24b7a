package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/codelaboratoryltd/fupd/pkg/fup"
	"github.com/codelaboratoryltd/fupd/pkg/policy"
)

// usageModel is the fup_usage table, one row per (user, period).
type usageModel struct {
	ID                uint64    `gorm:"primaryKey;autoIncrement"`
	UserID            int64     `gorm:"uniqueIndex:idx_user_period"`
	PeriodStart       time.Time `gorm:"uniqueIndex:idx_user_period"`
	PeriodEnd         time.Time
	TotalBytes        uint64
	QuotaBytes        uint64
	State             string `gorm:"size:20"`
	AppliedAt         time.Time
	OriginalDownKbps  uint32
	OriginalUpKbps    uint32
	ThrottledDownKbps uint32
	ThrottledUpKbps   uint32
}

func (usageModel) TableName() string { return "fup_usage" }

// coaModel is the fup_coa_requests audit table, append-only except for the
// single Pending to terminal status transition.
type coaModel struct {
	ID         string `gorm:"primaryKey;size:36"`
	UserID     int64  `gorm:"index"`
	NASAddr    string `gorm:"size:64"`
	Command    string `gorm:"size:20"`
	Attributes string `gorm:"size:255"`
	Status     string `gorm:"size:10;index"`
	Response   string `gorm:"size:255"`
	SentAt     time.Time
}

func (coaModel) TableName() string { return "fup_coa_requests" }

// SQL is the MySQL-backed fup.Store.
type SQL struct {
	db     *gorm.DB
	logger *zap.Logger
}

// Open connects to MySQL and migrates the engine's tables.
func Open(dsn string, logger *zap.Logger) (*SQL, error) {
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return NewSQL(db, logger)
}

// NewSQL wraps an existing gorm DB and migrates the engine's tables.
func NewSQL(db *gorm.DB, logger *zap.Logger) (*SQL, error) {
	if err := db.AutoMigrate(&usageModel{}, &coaModel{}); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &SQL{db: db, logger: logger}, nil
}

// DB exposes the underlying connection for the directory and sink views.
func (s *SQL) DB() *gorm.DB { return s.db }

// GetUsage implements fup.Store.
func (s *SQL) GetUsage(ctx context.Context, userID int64, periodStart time.Time) (*fup.UsageRecord, error) {
	var m usageModel
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND period_start = ?", userID, periodStart).
		First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query usage: %w", err)
	}
	return usageFromModel(&m), nil
}

// UpsertUsage implements fup.Store with an insert-or-update keyed on
// (user_id, period_start).
func (s *SQL) UpsertUsage(ctx context.Context, rec *fup.UsageRecord) error {
	m := usageToModel(rec)
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "user_id"}, {Name: "period_start"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"period_end", "total_bytes", "quota_bytes", "state", "applied_at",
			"original_down_kbps", "original_up_kbps",
			"throttled_down_kbps", "throttled_up_kbps",
		}),
	}).Create(m).Error
	if err != nil {
		return fmt.Errorf("upsert usage: %w", err)
	}
	return nil
}

// CreateCoARecord implements fup.Store.
func (s *SQL) CreateCoARecord(ctx context.Context, rec *fup.CoARecord) error {
	m := &coaModel{
		ID:         rec.ID,
		UserID:     rec.UserID,
		NASAddr:    rec.NASAddr,
		Command:    string(rec.Command),
		Attributes: rec.Attributes,
		Status:     string(rec.Status),
		Response:   rec.Response,
		SentAt:     rec.SentAt,
	}
	if err := s.db.WithContext(ctx).Create(m).Error; err != nil {
		return fmt.Errorf("create CoA record: %w", err)
	}
	return nil
}

// CompleteCoARecord implements fup.Store. The status guard in the WHERE
// clause makes the Pending to terminal transition happen at most once.
func (s *SQL) CompleteCoARecord(ctx context.Context, id string, status fup.CoAStatus, response string) error {
	tx := s.db.WithContext(ctx).
		Model(&coaModel{}).
		Where("id = ? AND status = ?", id, string(fup.CoAPending)).
		Updates(map[string]any{
			"status":   string(status),
			"response": response,
		})
	if tx.Error != nil {
		return fmt.Errorf("complete CoA record: %w", tx.Error)
	}
	if tx.RowsAffected == 0 {
		return fmt.Errorf("CoA record %s not found or not pending", id)
	}
	return nil
}

func usageFromModel(m *usageModel) *fup.UsageRecord {
	return &fup.UsageRecord{
		UserID:         m.UserID,
		PeriodStart:    m.PeriodStart,
		PeriodEnd:      m.PeriodEnd,
		TotalBytes:     m.TotalBytes,
		QuotaBytes:     m.QuotaBytes,
		State:          policy.State(m.State),
		AppliedAt:      m.AppliedAt,
		OriginalSpeed:  policy.Speed{DownKbps: m.OriginalDownKbps, UpKbps: m.OriginalUpKbps},
		ThrottledSpeed: policy.Speed{DownKbps: m.ThrottledDownKbps, UpKbps: m.ThrottledUpKbps},
	}
}

func usageToModel(rec *fup.UsageRecord) *usageModel {
	return &usageModel{
		UserID:            rec.UserID,
		PeriodStart:       rec.PeriodStart,
		PeriodEnd:         rec.PeriodEnd,
		TotalBytes:        rec.TotalBytes,
		QuotaBytes:        rec.QuotaBytes,
		State:             string(rec.State),
		AppliedAt:         rec.AppliedAt,
		OriginalDownKbps:  rec.OriginalSpeed.DownKbps,
		OriginalUpKbps:    rec.OriginalSpeed.UpKbps,
		ThrottledDownKbps: rec.ThrottledSpeed.DownKbps,
		ThrottledUpKbps:   rec.ThrottledSpeed.UpKbps,
	}
}
