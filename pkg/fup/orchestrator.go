package fup

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/codelaboratoryltd/fupd/pkg/metrics"
	"github.com/codelaboratoryltd/fupd/pkg/policy"
	"github.com/codelaboratoryltd/fupd/pkg/radius"
	"github.com/codelaboratoryltd/fupd/pkg/usage"
)

// OrchestratorConfig configures the FUP orchestrator.
type OrchestratorConfig struct {
	// Concurrency bounds simultaneous CheckUser calls during CheckAll so
	// sweeps do not saturate NAS devices with CoA traffic (default: 20).
	Concurrency int

	// DefaultNAS is used for subscribers without a NAS of their own.
	DefaultNAS radius.NAS

	// Now supplies the clock; defaults to time.Now.
	Now func() time.Time
}

// DefaultOrchestratorConfig returns sensible defaults.
func DefaultOrchestratorConfig() OrchestratorConfig {
	return OrchestratorConfig{
		Concurrency: 20,
	}
}

// CheckOptions tunes a single CheckUser call.
type CheckOptions struct {
	// ForceSync re-pushes the throttled speed for an already-Throttled
	// subscriber even when the NAS already confirmed it, re-syncing a NAS
	// suspected of losing state silently.
	ForceSync bool
}

// Orchestrator is the engine's public entry point. It runs the strict
// aggregate-evaluate-dispatch sequence per user, holds the per-user
// in-flight lock, and is the only writer of usage and CoA records.
type Orchestrator struct {
	cfg        OrchestratorConfig
	directory  Directory
	aggregator *usage.Aggregator
	store      Store
	dispatcher *Dispatcher
	metrics    *metrics.Metrics
	logger     *zap.Logger

	mu       sync.Mutex
	inFlight map[int64]struct{}
}

// NewOrchestrator wires the orchestrator and its dispatcher.
func NewOrchestrator(cfg OrchestratorConfig, directory Directory, sink AccountingSink, store Store, transport Transport, m *metrics.Metrics, logger *zap.Logger) *Orchestrator {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 20
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &Orchestrator{
		cfg:        cfg,
		directory:  directory,
		aggregator: usage.NewAggregator(sink, logger),
		store:      store,
		dispatcher: NewDispatcher(transport, store, directory, cfg.DefaultNAS, m, logger),
		metrics:    m,
		logger:     logger,
		inFlight:   make(map[int64]struct{}),
	}
}

// tryAcquire takes the per-user in-flight slot. Duplicate CoA dispatch for
// one user must never race: two concurrent speed changes could leave the
// NAS in either order's final state.
func (o *Orchestrator) tryAcquire(userID int64) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, busy := o.inFlight[userID]; busy {
		return false
	}
	o.inFlight[userID] = struct{}{}
	return true
}

func (o *Orchestrator) release(userID int64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.inFlight, userID)
}

// CheckUser evaluates one user and applies whatever enforcement the policy
// requires. A second call for the same user while one is in flight fails
// fast with ErrAlreadyEvaluating.
//
// When CoA dispatch fails, the usage record is still persisted with the
// new state: the record then says "should be throttled" while the NAS
// state is unknown. The directory's cached speed is only updated on ACK,
// so the next sweep sees the disagreement and re-dispatches. In that case
// CheckUser returns both the result and the dispatch error.
func (o *Orchestrator) CheckUser(ctx context.Context, userID int64, opts CheckOptions) (*CheckResult, error) {
	sub, err := o.directory.GetSubscriber(ctx, userID)
	if err != nil {
		return nil, err
	}

	if !o.tryAcquire(userID) {
		return nil, fmt.Errorf("user %d: %w", userID, ErrAlreadyEvaluating)
	}
	defer o.release(userID)

	res, err := o.evaluate(ctx, sub, opts)
	if err != nil {
		o.metrics.RecordEvaluationError()
	}
	return res, err
}

// evaluate runs the aggregate-evaluate-dispatch-persist sequence. Caller
// holds the user's in-flight slot.
func (o *Orchestrator) evaluate(ctx context.Context, sub *Subscriber, opts CheckOptions) (*CheckResult, error) {
	now := o.cfg.Now()
	period := usage.PeriodFor(sub.Package.FupResetDay, now)

	existing, err := o.store.GetUsage(ctx, sub.ID, period.Start)
	if err != nil {
		return nil, fmt.Errorf("load usage record for user %d: %w", sub.ID, err)
	}

	currentState := policy.StateNormal
	previousState := policy.StateNormal
	if existing != nil {
		currentState = existing.State
		previousState = existing.State
	} else {
		// Fresh period. Report the previous period's final state so a
		// rollover away from Throttled is visible to sweep accounting.
		prevPeriod := usage.PeriodFor(sub.Package.FupResetDay, period.Start.AddDate(0, 0, -1))
		if prev, err := o.store.GetUsage(ctx, sub.ID, prevPeriod.Start); err == nil && prev != nil {
			previousState = prev.State
		}
	}

	u, err := o.aggregator.ComputeUsage(ctx, sub.ID, period)
	if err != nil {
		return nil, err
	}

	total := u.TotalBytes
	if existing != nil && existing.TotalBytes > total {
		// Totals never decrease within a period; an accounting source
		// returning less than we already recorded means trimmed sessions.
		o.logger.Debug("keeping recorded total over smaller aggregate",
			zap.Int64("user_id", sub.ID),
			zap.Uint64("recorded", existing.TotalBytes),
			zap.Uint64("aggregated", total),
		)
		total = existing.TotalBytes
	}

	decision := policy.Evaluate(policy.Input{
		TotalBytes:   total,
		QuotaBytes:   sub.Package.QuotaBytes,
		Current:      currentState,
		Normal:       sub.Package.NormalSpeed,
		Throttled:    sub.Package.ThrottledSpeed,
		AppliedSpeed: sub.CurrentSpeed,
		ForceSync:    opts.ForceSync,
	})

	result := &CheckResult{
		UserID:        sub.ID,
		Username:      sub.Username,
		PreviousState: previousState,
		NewState:      decision.State,
		ActionTaken:   decision.Action.Type,
		UsagePercent:  decision.Percent,
		TotalBytes:    total,
		QuotaBytes:    sub.Package.QuotaBytes,
	}

	var dispatchErr error
	if decision.Action.Type == policy.ActionApplySpeed {
		dispatchErr = o.dispatcher.ApplySpeed(ctx, sub, decision.Action.Speed, u.ActiveSessionID)
	}

	rec := &UsageRecord{
		UserID:         sub.ID,
		PeriodStart:    period.Start,
		PeriodEnd:      period.End,
		TotalBytes:     total,
		QuotaBytes:     sub.Package.QuotaBytes,
		State:          decision.State,
		AppliedAt:      now,
		OriginalSpeed:  sub.CurrentSpeed,
		ThrottledSpeed: sub.Package.ThrottledSpeed,
	}
	if existing != nil {
		rec.OriginalSpeed = existing.OriginalSpeed
	}
	if err := o.store.UpsertUsage(ctx, rec); err != nil {
		return result, fmt.Errorf("persist usage record for user %d: %w", sub.ID, err)
	}

	o.metrics.RecordEvaluation(string(decision.State), string(decision.Action.Type), decision.Percent)

	o.logger.Info("user evaluated",
		zap.Int64("user_id", sub.ID),
		zap.String("username", sub.Username),
		zap.Float64("usage_percent", decision.Percent),
		zap.String("state", string(decision.State)),
		zap.String("action", string(decision.Action.Type)),
	)

	return result, dispatchErr
}

// CheckAll sweeps every active subscriber through CheckUser with bounded
// concurrency. Subscribers are interleaved across NAS devices so one NAS
// with many attached users does not starve the others. A single user's
// failure never aborts the sweep. When ctx expires, no new evaluations
// start, but evaluations already in flight run to completion: a CoA
// command in transit must not be abandoned, the NAS may already have
// applied it.
func (o *Orchestrator) CheckAll(ctx context.Context) (*SweepResult, error) {
	start := time.Now()

	subs, err := o.directory.GetActiveSubscribers(ctx)
	if err != nil {
		return nil, fmt.Errorf("enumerate subscribers: %w", err)
	}

	jobs := make(chan Subscriber)
	go func() {
		defer close(jobs)
		for _, sub := range interleaveByNAS(subs) {
			select {
			case jobs <- sub:
			case <-ctx.Done():
				return
			}
		}
	}()

	var (
		mu     sync.Mutex
		result SweepResult
		wg     sync.WaitGroup
	)

	// In-flight work is shielded from the sweep deadline.
	detached := context.WithoutCancel(ctx)

	for i := 0; i < o.cfg.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for sub := range jobs {
				res, err := o.CheckUser(detached, sub.ID, CheckOptions{})

				mu.Lock()
				result.Checked++
				if err != nil {
					result.Errors++
				}
				if res != nil {
					if res.NewState == policy.StateThrottled && res.PreviousState != policy.StateThrottled {
						result.FupApplied++
					}
					if res.PreviousState == policy.StateThrottled && res.NewState != policy.StateThrottled {
						result.FupRemoved++
					}
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	elapsed := time.Since(start)
	o.metrics.RecordSweep(elapsed.Seconds(), result.Checked, result.Errors)

	o.logger.Info("sweep complete",
		zap.Int("checked", result.Checked),
		zap.Int("fup_applied", result.FupApplied),
		zap.Int("fup_removed", result.FupRemoved),
		zap.Int("errors", result.Errors),
		zap.Duration("elapsed", elapsed),
	)

	return &result, nil
}

// ResetMonthly runs the monthly reset for every active subscriber whose
// package resets today: a fresh Normal usage record, plus a speed restore
// when the cached speed differs from the package's normal speed.
func (o *Orchestrator) ResetMonthly(ctx context.Context) (*ResetResult, error) {
	now := o.cfg.Now()

	subs, err := o.directory.GetActiveSubscribers(ctx)
	if err != nil {
		return nil, fmt.Errorf("enumerate subscribers: %w", err)
	}

	var result ResetResult
	for i := range subs {
		sub := &subs[i]
		if !usage.IsResetDay(sub.Package.FupResetDay, now) {
			continue
		}
		if !o.tryAcquire(sub.ID) {
			result.Errors++
			continue
		}
		err := o.dispatcher.ResetUsage(ctx, sub, now)
		o.release(sub.ID)
		if err != nil {
			o.logger.Warn("monthly reset failed",
				zap.Int64("user_id", sub.ID),
				zap.Error(err),
			)
			result.Errors++
			continue
		}
		result.ResetCount++
	}

	o.logger.Info("monthly reset complete",
		zap.Int("reset", result.ResetCount),
		zap.Int("errors", result.Errors),
	)
	return &result, nil
}

// DisconnectUser terminates the user's live session. Disconnection is
// never triggered by a quota breach; it exists as this separately invoked
// operation so operators keep a grace period in hand.
func (o *Orchestrator) DisconnectUser(ctx context.Context, userID int64) error {
	sub, err := o.directory.GetSubscriber(ctx, userID)
	if err != nil {
		return err
	}

	if !o.tryAcquire(userID) {
		return fmt.Errorf("user %d: %w", userID, ErrAlreadyEvaluating)
	}
	defer o.release(userID)

	period := usage.PeriodFor(sub.Package.FupResetDay, o.cfg.Now())
	u, err := o.aggregator.ComputeUsage(ctx, sub.ID, period)
	if err != nil {
		return err
	}

	return o.dispatcher.Disconnect(ctx, sub, u.ActiveSessionID)
}

// interleaveByNAS orders subscribers round-robin across their NAS
// addresses.
func interleaveByNAS(subs []Subscriber) []Subscriber {
	groups := make(map[string][]Subscriber)
	var order []string
	for _, sub := range subs {
		key := sub.NAS.Addr
		if _, seen := groups[key]; !seen {
			order = append(order, key)
		}
		groups[key] = append(groups[key], sub)
	}

	out := make([]Subscriber, 0, len(subs))
	for len(out) < len(subs) {
		for _, key := range order {
			if len(groups[key]) > 0 {
				out = append(out, groups[key][0])
				groups[key] = groups[key][1:]
			}
		}
	}
	return out
}
