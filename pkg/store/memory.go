// Package store provides the engine's persistence: usage and CoA records,
// plus subscriber-directory and accounting-sink implementations backed by
// the billing suite's MySQL schema. The in-memory variant backs tests and
// the demo.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/codelaboratoryltd/fupd/pkg/fup"
	"github.com/codelaboratoryltd/fupd/pkg/policy"
	"github.com/codelaboratoryltd/fupd/pkg/usage"
)

// Memory is an in-memory implementation of fup.Store, fup.Directory and
// fup.AccountingSink. Safe for concurrent use.
type Memory struct {
	mu     sync.RWMutex
	logger *zap.Logger

	subscribers map[int64]fup.Subscriber
	sessions    map[int64][]usage.Session
	usageRecs   map[string]fup.UsageRecord
	coaRecs     map[string]fup.CoARecord
	coaOrder    []string
}

// NewMemory creates an empty in-memory store.
func NewMemory(logger *zap.Logger) *Memory {
	return &Memory{
		logger:      logger,
		subscribers: make(map[int64]fup.Subscriber),
		sessions:    make(map[int64][]usage.Session),
		usageRecs:   make(map[string]fup.UsageRecord),
		coaRecs:     make(map[string]fup.CoARecord),
	}
}

func usageKey(userID int64, periodStart time.Time) string {
	return fmt.Sprintf("%d|%d", userID, periodStart.Unix())
}

// AddSubscriber seeds a subscriber.
func (m *Memory) AddSubscriber(sub fup.Subscriber) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribers[sub.ID] = sub
}

// AddSession seeds an accounting session.
func (m *Memory) AddSession(s usage.Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.UserID] = append(m.sessions[s.UserID], s)
}

// SetSessionOctets updates a seeded session's counters in place, the way a
// live NAS grows an online session between accounting reads.
func (m *Memory) SetSessionOctets(sessionID string, input, output uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for userID, sessions := range m.sessions {
		for i := range sessions {
			if sessions[i].SessionID == sessionID {
				sessions[i].InputOctets = input
				sessions[i].OutputOctets = output
				m.sessions[userID] = sessions
				return
			}
		}
	}
}

// GetActiveSubscribers implements fup.Directory.
func (m *Memory) GetActiveSubscribers(ctx context.Context) ([]fup.Subscriber, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	subs := make([]fup.Subscriber, 0, len(m.subscribers))
	for _, sub := range m.subscribers {
		if sub.Status == fup.StatusActive {
			subs = append(subs, sub)
		}
	}
	sort.Slice(subs, func(i, j int) bool { return subs[i].ID < subs[j].ID })
	return subs, nil
}

// GetSubscriber implements fup.Directory.
func (m *Memory) GetSubscriber(ctx context.Context, userID int64) (*fup.Subscriber, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sub, ok := m.subscribers[userID]
	if !ok {
		return nil, fmt.Errorf("user %d: %w", userID, fup.ErrNotFound)
	}
	return &sub, nil
}

// UpdateCurrentSpeed implements fup.Directory.
func (m *Memory) UpdateCurrentSpeed(ctx context.Context, userID int64, speed policy.Speed) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sub, ok := m.subscribers[userID]
	if !ok {
		return fmt.Errorf("user %d: %w", userID, fup.ErrNotFound)
	}
	sub.CurrentSpeed = speed
	m.subscribers[userID] = sub
	return nil
}

// GetSessions implements fup.AccountingSink.
func (m *Memory) GetSessions(ctx context.Context, userID int64, periodStart, periodEnd time.Time) ([]usage.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []usage.Session
	for _, s := range m.sessions[userID] {
		if !s.StartedAt.Before(periodStart) && s.StartedAt.Before(periodEnd) {
			out = append(out, s)
		}
	}
	return out, nil
}

// GetUsage implements fup.Store.
func (m *Memory) GetUsage(ctx context.Context, userID int64, periodStart time.Time) (*fup.UsageRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.usageRecs[usageKey(userID, periodStart)]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

// UpsertUsage implements fup.Store.
func (m *Memory) UpsertUsage(ctx context.Context, rec *fup.UsageRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.usageRecs[usageKey(rec.UserID, rec.PeriodStart)] = *rec
	return nil
}

// CreateCoARecord implements fup.Store.
func (m *Memory) CreateCoARecord(ctx context.Context, rec *fup.CoARecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.coaRecs[rec.ID]; exists {
		return fmt.Errorf("CoA record %s already exists", rec.ID)
	}
	m.coaRecs[rec.ID] = *rec
	m.coaOrder = append(m.coaOrder, rec.ID)
	return nil
}

// CompleteCoARecord implements fup.Store.
func (m *Memory) CompleteCoARecord(ctx context.Context, id string, status fup.CoAStatus, response string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.coaRecs[id]
	if !ok {
		return fmt.Errorf("CoA record %s not found", id)
	}
	if rec.Status != fup.CoAPending {
		return fmt.Errorf("CoA record %s already %s", id, rec.Status)
	}
	rec.Status = status
	rec.Response = response
	m.coaRecs[id] = rec
	return nil
}

// ListCoARecords returns the user's CoA audit trail in creation order.
// userID 0 lists all records.
func (m *Memory) ListCoARecords(userID int64) []fup.CoARecord {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []fup.CoARecord
	for _, id := range m.coaOrder {
		rec := m.coaRecs[id]
		if userID == 0 || rec.UserID == userID {
			out = append(out, rec)
		}
	}
	return out
}
