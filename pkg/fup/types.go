// Package fup enforces fair-usage policy: it reconciles per-subscriber
// usage against package quotas and pushes speed changes or disconnects to
// the subscriber's NAS over RADIUS CoA.
package fup

import (
	"context"
	"time"

	"github.com/codelaboratoryltd/fupd/pkg/policy"
	"github.com/codelaboratoryltd/fupd/pkg/radius"
	"github.com/codelaboratoryltd/fupd/pkg/usage"
)

// SubscriberStatus is the provisioning state of a subscriber.
type SubscriberStatus string

const (
	StatusActive    SubscriberStatus = "active"
	StatusSuspended SubscriberStatus = "suspended"
	StatusExpired   SubscriberStatus = "expired"
)

// Package is a service plan as seen by the FUP engine.
type Package struct {
	ID             int64        `json:"id"`
	Name           string       `json:"name"`
	QuotaBytes     uint64       `json:"quota_bytes"` // 0 = unlimited
	FupResetDay    int          `json:"fup_reset_day"`
	NormalSpeed    policy.Speed `json:"normal_speed"`
	ThrottledSpeed policy.Speed `json:"throttled_speed"`
}

// Subscriber is the read view the directory exposes to the engine.
type Subscriber struct {
	ID           int64            `json:"id"`
	Username     string           `json:"username"`
	Package      Package          `json:"package"`
	CurrentSpeed policy.Speed     `json:"current_speed"`
	Status       SubscriberStatus `json:"status"`

	// NAS terminating this subscriber's connection. When empty the
	// orchestrator's default NAS is used.
	NAS radius.NAS `json:"nas"`
}

// Directory is the subscriber directory the engine reads, plus the single
// write-back it is allowed: caching the speed actually applied on the NAS.
type Directory interface {
	GetActiveSubscribers(ctx context.Context) ([]Subscriber, error)
	GetSubscriber(ctx context.Context, userID int64) (*Subscriber, error)
	UpdateCurrentSpeed(ctx context.Context, userID int64, speed policy.Speed) error
}

// AccountingSink is the read-only store of session octet counters.
type AccountingSink = usage.SessionSource

// UsageRecord is the engine's persisted per-period usage state, at most
// one per (UserID, PeriodStart). TotalBytes is monotonically non-decreasing
// within a period; a new record is opened when the period rolls over.
type UsageRecord struct {
	UserID         int64        `json:"user_id"`
	PeriodStart    time.Time    `json:"period_start"`
	PeriodEnd      time.Time    `json:"period_end"`
	TotalBytes     uint64       `json:"total_bytes"`
	QuotaBytes     uint64       `json:"quota_bytes"` // snapshot at evaluation time
	State          policy.State `json:"state"`
	AppliedAt      time.Time    `json:"applied_at"`
	OriginalSpeed  policy.Speed `json:"original_speed"`
	ThrottledSpeed policy.Speed `json:"throttled_speed"`
}

// CommandType identifies the NAS command a CoA record captures.
type CommandType string

const (
	CommandSpeedChange CommandType = "speed_change"
	CommandDisconnect  CommandType = "disconnect"
)

// CoAStatus is the lifecycle state of one CoA request record.
type CoAStatus string

const (
	CoAPending CoAStatus = "pending"
	CoASuccess CoAStatus = "success"
	CoAFailed  CoAStatus = "failed"
)

// CoARecord is the audit record of one CoA/Disconnect attempt. A record is
// created Pending and transitions exactly once to Success or Failed; new
// attempts create new records.
type CoARecord struct {
	ID         string      `json:"id"`
	UserID     int64       `json:"user_id"`
	NASAddr    string      `json:"nas_addr"`
	Command    CommandType `json:"command"`
	Attributes string      `json:"attributes"` // human-readable summary, e.g. "user=alice rate=2M/1M"
	Status     CoAStatus   `json:"status"`
	Response   string      `json:"response"`
	SentAt     time.Time   `json:"sent_at"`
}

// Store persists the engine's usage and CoA records. Implementations must
// make UpsertUsage transactional update-or-insert keyed by
// (UserID, PeriodStart).
type Store interface {
	// GetUsage returns the record for the key, or nil when none exists.
	GetUsage(ctx context.Context, userID int64, periodStart time.Time) (*UsageRecord, error)
	UpsertUsage(ctx context.Context, rec *UsageRecord) error

	CreateCoARecord(ctx context.Context, rec *CoARecord) error
	// CompleteCoARecord moves a Pending record to its terminal status.
	CompleteCoARecord(ctx context.Context, id string, status CoAStatus, response string) error
}

// Transport delivers one encoded command to a NAS. *radius.Client
// implements it.
type Transport interface {
	Send(ctx context.Context, nas radius.NAS, code radius.Code, attrs []radius.Attribute) (*radius.Packet, error)
}

// CheckResult summarizes one CheckUser evaluation.
type CheckResult struct {
	UserID        int64             `json:"user_id"`
	Username      string            `json:"username"`
	PreviousState policy.State      `json:"previous_state"`
	NewState      policy.State      `json:"new_state"`
	ActionTaken   policy.ActionType `json:"action_taken"`
	UsagePercent  float64           `json:"usage_percent"`
	TotalBytes    uint64            `json:"total_bytes"`
	QuotaBytes    uint64            `json:"quota_bytes"`
}

// SweepResult aggregates one CheckAll pass.
type SweepResult struct {
	Checked    int `json:"checked"`
	FupApplied int `json:"fup_applied"`
	FupRemoved int `json:"fup_removed"`
	Errors     int `json:"errors"`
}

// ResetResult summarizes one ResetMonthly pass.
type ResetResult struct {
	ResetCount int `json:"reset_count"`
	Errors     int `json:"errors"`
}
