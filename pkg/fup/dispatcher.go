package fup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/codelaboratoryltd/fupd/pkg/metrics"
	"github.com/codelaboratoryltd/fupd/pkg/policy"
	"github.com/codelaboratoryltd/fupd/pkg/radius"
	"github.com/codelaboratoryltd/fupd/pkg/usage"
)

// Dispatcher realizes policy actions against a subscriber's NAS and keeps
// the CoA audit trail. Every attempt creates a fresh CoARecord; records
// transition once from Pending to Success or Failed and are never touched
// again.
type Dispatcher struct {
	transport  Transport
	store      Store
	directory  Directory
	defaultNAS radius.NAS
	metrics    *metrics.Metrics
	logger     *zap.Logger
}

// NewDispatcher creates a dispatcher. defaultNAS is used for subscribers
// whose directory entry carries no NAS of its own.
func NewDispatcher(transport Transport, store Store, directory Directory, defaultNAS radius.NAS, m *metrics.Metrics, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		transport:  transport,
		store:      store,
		directory:  directory,
		defaultNAS: defaultNAS,
		metrics:    m,
		logger:     logger,
	}
}

func (d *Dispatcher) nasFor(sub *Subscriber) radius.NAS {
	if sub.NAS.Addr != "" {
		return sub.NAS
	}
	return d.defaultNAS
}

// ApplySpeed pushes a speed change for the subscriber's live session. On
// ACK the directory's cached current speed is updated; on any failure it
// is left untouched, so the engine never claims a change the NAS did not
// confirm.
func (d *Dispatcher) ApplySpeed(ctx context.Context, sub *Subscriber, speed policy.Speed, sessionID string) error {
	attrs := []radius.Attribute{
		radius.UserName(sub.Username),
		radius.RateLimit(speed),
	}
	if sessionID != "" {
		attrs = append(attrs, radius.AcctSessionID(sessionID))
	}

	summary := fmt.Sprintf("user=%s rate=%s", sub.Username, speed)
	err := d.send(ctx, sub, CommandSpeedChange, radius.CodeCoARequest, attrs, summary)
	if err != nil {
		return err
	}

	if err := d.directory.UpdateCurrentSpeed(ctx, sub.ID, speed); err != nil {
		// The NAS has the new speed; a stale directory cache self-heals on
		// the next successful dispatch.
		d.logger.Warn("speed applied on NAS but directory update failed",
			zap.Int64("user_id", sub.ID),
			zap.Error(err),
		)
	}
	return nil
}

// Disconnect terminates the subscriber's live session. The session's Stop
// record arrives later through the normal accounting flow; the dispatcher
// never synthesizes one.
func (d *Dispatcher) Disconnect(ctx context.Context, sub *Subscriber, sessionID string) error {
	attrs := []radius.Attribute{
		radius.UserName(sub.Username),
	}
	if sessionID != "" {
		attrs = append(attrs, radius.AcctSessionID(sessionID))
	}

	summary := fmt.Sprintf("user=%s", sub.Username)
	return d.send(ctx, sub, CommandDisconnect, radius.CodeDisconnectRequest, attrs, summary)
}

// ResetUsage runs the monthly reset for a subscriber: opens a fresh Normal
// usage record for the new period and, when the cached speed differs from
// the package's normal speed, restores it on the NAS.
func (d *Dispatcher) ResetUsage(ctx context.Context, sub *Subscriber, now time.Time) error {
	period := usage.PeriodFor(sub.Package.FupResetDay, now)

	rec := &UsageRecord{
		UserID:         sub.ID,
		PeriodStart:    period.Start,
		PeriodEnd:      period.End,
		TotalBytes:     0,
		QuotaBytes:     sub.Package.QuotaBytes,
		State:          policy.StateNormal,
		AppliedAt:      now,
		OriginalSpeed:  sub.Package.NormalSpeed,
		ThrottledSpeed: sub.Package.ThrottledSpeed,
	}
	if err := d.store.UpsertUsage(ctx, rec); err != nil {
		return fmt.Errorf("open period record for user %d: %w", sub.ID, err)
	}

	d.logger.Info("usage period reset",
		zap.Int64("user_id", sub.ID),
		zap.String("username", sub.Username),
		zap.Time("period_start", period.Start),
	)

	if sub.CurrentSpeed == sub.Package.NormalSpeed {
		return nil
	}
	return d.ApplySpeed(ctx, sub, sub.Package.NormalSpeed, "")
}

// send runs one record-create / dispatch / record-complete cycle.
func (d *Dispatcher) send(ctx context.Context, sub *Subscriber, command CommandType, code radius.Code, attrs []radius.Attribute, summary string) error {
	nas := d.nasFor(sub)

	rec := &CoARecord{
		ID:         uuid.New().String(),
		UserID:     sub.ID,
		NASAddr:    nas.Addr,
		Command:    command,
		Attributes: summary,
		Status:     CoAPending,
		SentAt:     time.Now(),
	}
	if err := d.store.CreateCoARecord(ctx, rec); err != nil {
		return fmt.Errorf("create CoA record: %w", err)
	}

	start := time.Now()
	response, err := d.transport.Send(ctx, nas, code, attrs)
	elapsed := time.Since(start)

	status, detail := outcome(response, err)
	d.metrics.RecordCoARequest(string(command), string(status), elapsed.Seconds())

	if completeErr := d.store.CompleteCoARecord(ctx, rec.ID, status, detail); completeErr != nil {
		d.logger.Error("failed to complete CoA record",
			zap.String("record_id", rec.ID),
			zap.Error(completeErr),
		)
	}

	if err != nil {
		d.logger.Warn("CoA dispatch failed",
			zap.Int64("user_id", sub.ID),
			zap.String("command", string(command)),
			zap.String("nas", nas.Addr),
			zap.String("detail", detail),
		)
		if errors.Is(err, radius.ErrTimeout) {
			return fmt.Errorf("%w: %s: %v", ErrNasUnreachable, nas.Addr, err)
		}
		return fmt.Errorf("dispatch %s to %s: %w", command, nas.Addr, err)
	}

	d.logger.Info("CoA dispatched",
		zap.Int64("user_id", sub.ID),
		zap.String("command", string(command)),
		zap.String("nas", nas.Addr),
		zap.Duration("elapsed", elapsed),
	)
	return nil
}

// outcome maps a transport result to record status and response detail.
func outcome(response *radius.Packet, err error) (CoAStatus, string) {
	switch {
	case err == nil:
		return CoASuccess, response.Code.String()
	case errors.Is(err, radius.ErrNak) && response != nil:
		detail := response.Code.String()
		if cause, ok := response.ErrorCause(); ok {
			detail = fmt.Sprintf("%s error-cause=%d", detail, cause)
		}
		if msg := response.ReplyMessage(); msg != "" {
			detail = fmt.Sprintf("%s reply=%q", detail, msg)
		}
		return CoAFailed, detail
	default:
		return CoAFailed, err.Error()
	}
}
