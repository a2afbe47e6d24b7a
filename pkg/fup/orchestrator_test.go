package fup_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/codelaboratoryltd/fupd/pkg/fup"
	"github.com/codelaboratoryltd/fupd/pkg/policy"
	"github.com/codelaboratoryltd/fupd/pkg/radius"
	"github.com/codelaboratoryltd/fupd/pkg/store"
	"github.com/codelaboratoryltd/fupd/pkg/usage"
)

const gib = uint64(1) << 30

var (
	normalSpeed    = policy.Speed{DownKbps: 10_000, UpKbps: 10_000}
	throttledSpeed = policy.Speed{DownKbps: 2_000, UpKbps: 1_000}

	// Mid-period reference instant; reset day 1 puts the period at
	// [Mar 1, Apr 1).
	testNow = time.Date(2026, time.March, 15, 12, 0, 0, 0, time.UTC)
)

type coaCall struct {
	nas   radius.NAS
	code  radius.Code
	attrs []radius.Attribute
}

func (c coaCall) sessionID() string {
	for _, a := range c.attrs {
		if a.Type == radius.AttrAcctSessionID {
			return string(a.Value)
		}
	}
	return ""
}

func (c coaCall) rateLimit() (policy.Speed, bool) {
	for _, a := range c.attrs {
		if speed, ok := radius.ParseRateLimit(a); ok {
			return speed, true
		}
	}
	return policy.Speed{}, false
}

// mockTransport records every dispatch and answers via a scriptable
// respond function; the default answers ACK.
type mockTransport struct {
	mu      sync.Mutex
	calls   []coaCall
	respond func(coaCall) (*radius.Packet, error)
}

func (m *mockTransport) Send(ctx context.Context, nas radius.NAS, code radius.Code, attrs []radius.Attribute) (*radius.Packet, error) {
	call := coaCall{nas: nas, code: code, attrs: attrs}
	m.mu.Lock()
	m.calls = append(m.calls, call)
	respond := m.respond
	m.mu.Unlock()

	if respond != nil {
		return respond(call)
	}
	ackCode := radius.CodeCoAACK
	if code == radius.CodeDisconnectRequest {
		ackCode = radius.CodeDisconnectACK
	}
	return &radius.Packet{Code: ackCode}, nil
}

func (m *mockTransport) sent() []coaCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]coaCall(nil), m.calls...)
}

func testSubscriber(id int64, username string) fup.Subscriber {
	return fup.Subscriber{
		ID:       id,
		Username: username,
		Package: fup.Package{
			ID:             1,
			Name:           "Home 50GB",
			QuotaBytes:     50 * gib,
			FupResetDay:    1,
			NormalSpeed:    normalSpeed,
			ThrottledSpeed: throttledSpeed,
		},
		CurrentSpeed: normalSpeed,
		Status:       fup.StatusActive,
		NAS:          radius.NAS{Addr: "192.0.2.1", Secret: "s3cret"},
	}
}

func testEngine(t *testing.T) (*fup.Orchestrator, *store.Memory, *mockTransport) {
	t.Helper()
	mem := store.NewMemory(zap.NewNop())
	transport := &mockTransport{}
	cfg := fup.OrchestratorConfig{
		Concurrency: 4,
		Now:         func() time.Time { return testNow },
	}
	orch := fup.NewOrchestrator(cfg, mem, mem, mem, transport, nil, zap.NewNop())
	return orch, mem, transport
}

func seedSession(mem *store.Memory, userID int64, sessionID string, totalBytes uint64, online bool) {
	mem.AddSession(usage.Session{
		SessionID:    sessionID,
		UserID:       userID,
		InputOctets:  totalBytes / 2,
		OutputOctets: totalBytes - totalBytes/2,
		StartedAt:    testNow.Add(-72 * time.Hour),
		Online:       online,
	})
}

func TestCheckUser_UnderThreshold(t *testing.T) {
	orch, mem, transport := testEngine(t)
	mem.AddSubscriber(testSubscriber(42, "alice"))
	seedSession(mem, 42, "sess-1", 30*gib, true) // 60%

	res, err := orch.CheckUser(context.Background(), 42, fup.CheckOptions{})
	require.NoError(t, err)

	assert.Equal(t, policy.StateNormal, res.NewState)
	assert.Equal(t, policy.ActionNone, res.ActionTaken)
	assert.InDelta(t, 60.0, res.UsagePercent, 0.001)
	assert.Empty(t, transport.sent(), "no CoA below the warning threshold")

	rec, err := mem.GetUsage(context.Background(), 42, time.Date(2026, time.March, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, policy.StateNormal, rec.State)
	assert.Equal(t, 30*gib, rec.TotalBytes)
}

func TestCheckUser_WarningIsObserveOnly(t *testing.T) {
	orch, mem, transport := testEngine(t)
	mem.AddSubscriber(testSubscriber(42, "alice"))
	seedSession(mem, 42, "sess-1", 45*gib, true) // 90%

	res, err := orch.CheckUser(context.Background(), 42, fup.CheckOptions{})
	require.NoError(t, err)

	assert.Equal(t, policy.StateWarning, res.NewState)
	assert.Equal(t, policy.ActionNone, res.ActionTaken)
	assert.InDelta(t, 90.0, res.UsagePercent, 0.001)
	assert.Empty(t, transport.sent(), "warning never dispatches CoA")
}

func TestCheckUser_ThrottleOnBreach(t *testing.T) {
	orch, mem, transport := testEngine(t)
	mem.AddSubscriber(testSubscriber(42, "alice"))
	seedSession(mem, 42, "sess-1", 55*gib, true) // 110%

	res, err := orch.CheckUser(context.Background(), 42, fup.CheckOptions{})
	require.NoError(t, err)

	assert.Equal(t, policy.StateNormal, res.PreviousState)
	assert.Equal(t, policy.StateThrottled, res.NewState)
	assert.Equal(t, policy.ActionApplySpeed, res.ActionTaken)

	calls := transport.sent()
	require.Len(t, calls, 1)
	assert.Equal(t, radius.CodeCoARequest, calls[0].code)
	assert.Equal(t, "192.0.2.1", calls[0].nas.Addr)
	assert.Equal(t, "sess-1", calls[0].sessionID())

	speed, ok := calls[0].rateLimit()
	require.True(t, ok)
	assert.Equal(t, throttledSpeed, speed)

	// ACK confirmed, so the directory cache follows.
	sub, err := mem.GetSubscriber(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, throttledSpeed, sub.CurrentSpeed)

	records := mem.ListCoARecords(42)
	require.Len(t, records, 1)
	assert.Equal(t, fup.CommandSpeedChange, records[0].Command)
	assert.Equal(t, fup.CoASuccess, records[0].Status)
}

func TestCheckUser_ThrottledIsIdempotent(t *testing.T) {
	orch, mem, transport := testEngine(t)
	mem.AddSubscriber(testSubscriber(42, "alice"))
	seedSession(mem, 42, "sess-1", 55*gib, true)

	_, err := orch.CheckUser(context.Background(), 42, fup.CheckOptions{})
	require.NoError(t, err)
	require.Len(t, transport.sent(), 1)

	// Re-evaluating an already throttled user must not repeat the CoA.
	res, err := orch.CheckUser(context.Background(), 42, fup.CheckOptions{})
	require.NoError(t, err)
	assert.Equal(t, policy.StateThrottled, res.PreviousState)
	assert.Equal(t, policy.StateThrottled, res.NewState)
	assert.Equal(t, policy.ActionNone, res.ActionTaken)
	assert.Len(t, transport.sent(), 1)
}

func TestCheckUser_ForceSyncRepushes(t *testing.T) {
	orch, mem, transport := testEngine(t)
	mem.AddSubscriber(testSubscriber(42, "alice"))
	seedSession(mem, 42, "sess-1", 55*gib, true)

	_, err := orch.CheckUser(context.Background(), 42, fup.CheckOptions{})
	require.NoError(t, err)

	res, err := orch.CheckUser(context.Background(), 42, fup.CheckOptions{ForceSync: true})
	require.NoError(t, err)
	assert.Equal(t, policy.ActionApplySpeed, res.ActionTaken)
	assert.Len(t, transport.sent(), 2)
}

func TestCheckUser_ThrottledStickyBelowQuota(t *testing.T) {
	orch, mem, transport := testEngine(t)
	mem.AddSubscriber(testSubscriber(42, "alice"))
	seedSession(mem, 42, "sess-1", 55*gib, true)

	_, err := orch.CheckUser(context.Background(), 42, fup.CheckOptions{})
	require.NoError(t, err)

	// Counters can shrink only through session trimming; even if the
	// aggregate drops under quota, Throttled holds until the period
	// reset.
	mem.SetSessionOctets("sess-1", 10*gib, 10*gib)
	res, err := orch.CheckUser(context.Background(), 42, fup.CheckOptions{})
	require.NoError(t, err)
	assert.Equal(t, policy.StateThrottled, res.NewState)
	assert.Equal(t, policy.ActionNone, res.ActionTaken)
	assert.Len(t, transport.sent(), 1)

	// The recorded total also never regresses.
	assert.Equal(t, 55*gib, res.TotalBytes)
}

func TestCheckUser_NakPersistsRecord(t *testing.T) {
	orch, mem, transport := testEngine(t)
	transport.respond = func(coaCall) (*radius.Packet, error) {
		return &radius.Packet{
			Code: radius.CodeCoANAK,
			Attributes: []radius.Attribute{
				{Type: radius.AttrErrorCause, Value: []byte{0, 0, 1, 247}},
			},
		}, radius.ErrNak
	}
	mem.AddSubscriber(testSubscriber(42, "alice"))
	seedSession(mem, 42, "sess-1", 55*gib, true)

	res, err := orch.CheckUser(context.Background(), 42, fup.CheckOptions{})
	require.Error(t, err)
	require.NotNil(t, res)
	assert.Equal(t, policy.StateThrottled, res.NewState)

	// Usage state is authoritative even when the NAS refused; the next
	// sweep retries the dispatch.
	rec, err := mem.GetUsage(context.Background(), 42, time.Date(2026, time.March, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, policy.StateThrottled, rec.State)

	// The directory cache must not claim a speed the NAS rejected.
	sub, err := mem.GetSubscriber(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, normalSpeed, sub.CurrentSpeed)

	records := mem.ListCoARecords(42)
	require.Len(t, records, 1)
	assert.Equal(t, fup.CoAFailed, records[0].Status)
	assert.Contains(t, records[0].Response, "error-cause=503")
}

func TestCheckUser_TimeoutIsNasUnreachable(t *testing.T) {
	orch, mem, transport := testEngine(t)
	transport.respond = func(coaCall) (*radius.Packet, error) {
		return nil, radius.ErrTimeout
	}
	mem.AddSubscriber(testSubscriber(42, "alice"))
	seedSession(mem, 42, "sess-1", 55*gib, true)

	_, err := orch.CheckUser(context.Background(), 42, fup.CheckOptions{})
	require.ErrorIs(t, err, fup.ErrNasUnreachable)

	records := mem.ListCoARecords(42)
	require.Len(t, records, 1)
	assert.Equal(t, fup.CoAFailed, records[0].Status)
}

func TestCheckUser_RetryAfterFailedDispatch(t *testing.T) {
	orch, mem, transport := testEngine(t)
	transport.respond = func(coaCall) (*radius.Packet, error) {
		return nil, radius.ErrTimeout
	}
	mem.AddSubscriber(testSubscriber(42, "alice"))
	seedSession(mem, 42, "sess-1", 55*gib, true)

	_, err := orch.CheckUser(context.Background(), 42, fup.CheckOptions{})
	require.ErrorIs(t, err, fup.ErrNasUnreachable)

	// NAS back up. The record says Throttled but the directory cache
	// still reads the normal speed, so a plain re-check re-dispatches.
	transport.respond = nil
	res, err := orch.CheckUser(context.Background(), 42, fup.CheckOptions{})
	require.NoError(t, err)
	assert.Equal(t, policy.ActionApplySpeed, res.ActionTaken)
	assert.Len(t, transport.sent(), 2)

	sub, err := mem.GetSubscriber(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, throttledSpeed, sub.CurrentSpeed)

	// Once the NAS confirmed the speed, re-checks go quiet again.
	res, err = orch.CheckUser(context.Background(), 42, fup.CheckOptions{})
	require.NoError(t, err)
	assert.Equal(t, policy.ActionNone, res.ActionTaken)
	assert.Len(t, transport.sent(), 2)
}

func TestCheckAll_RedispatchAfterNASRecovery(t *testing.T) {
	orch, mem, transport := testEngine(t)
	transport.respond = func(coaCall) (*radius.Packet, error) {
		return nil, radius.ErrTimeout
	}
	mem.AddSubscriber(testSubscriber(42, "alice"))
	seedSession(mem, 42, "sess-1", 55*gib, true)

	// Sweep while the NAS is down: the record advances to Throttled but
	// the NAS never saw the speed change.
	first, err := orch.CheckAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, first.FupApplied)
	assert.Equal(t, 1, first.Errors)
	require.Len(t, transport.sent(), 1)

	sub, err := mem.GetSubscriber(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, normalSpeed, sub.CurrentSpeed)

	// NAS recovers. The next scheduled sweep closes the gap on its own.
	transport.respond = nil
	second, err := orch.CheckAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, second.Errors)
	require.Len(t, transport.sent(), 2)

	sub, err = mem.GetSubscriber(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, throttledSpeed, sub.CurrentSpeed)

	records := mem.ListCoARecords(42)
	require.Len(t, records, 2)
	assert.Equal(t, fup.CoAFailed, records[0].Status)
	assert.Equal(t, fup.CoASuccess, records[1].Status)
}

func TestCheckUser_UnknownUser(t *testing.T) {
	orch, _, _ := testEngine(t)
	_, err := orch.CheckUser(context.Background(), 999, fup.CheckOptions{})
	require.ErrorIs(t, err, fup.ErrNotFound)
}

func TestCheckUser_ConcurrentEvaluationFailsFast(t *testing.T) {
	orch, mem, transport := testEngine(t)
	mem.AddSubscriber(testSubscriber(42, "alice"))
	seedSession(mem, 42, "sess-1", 55*gib, true)

	entered := make(chan struct{})
	proceed := make(chan struct{})
	transport.respond = func(call coaCall) (*radius.Packet, error) {
		close(entered)
		<-proceed
		return &radius.Packet{Code: radius.CodeCoAACK}, nil
	}

	firstDone := make(chan error, 1)
	go func() {
		_, err := orch.CheckUser(context.Background(), 42, fup.CheckOptions{})
		firstDone <- err
	}()

	<-entered
	_, err := orch.CheckUser(context.Background(), 42, fup.CheckOptions{})
	require.ErrorIs(t, err, fup.ErrAlreadyEvaluating)

	close(proceed)
	require.NoError(t, <-firstDone)
	assert.Len(t, transport.sent(), 1)
}

func TestCheckAll_Sweep(t *testing.T) {
	orch, mem, transport := testEngine(t)

	over := testSubscriber(1, "over")
	warning := testSubscriber(2, "warning")
	normal := testSubscriber(3, "normal")
	suspended := testSubscriber(4, "suspended")
	suspended.Status = fup.StatusSuspended

	for _, sub := range []fup.Subscriber{over, warning, normal, suspended} {
		mem.AddSubscriber(sub)
	}
	seedSession(mem, 1, "sess-over", 60*gib, true)
	seedSession(mem, 2, "sess-warn", 45*gib, true)
	seedSession(mem, 3, "sess-norm", 10*gib, true)

	result, err := orch.CheckAll(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, result.Checked, "suspended subscribers are skipped")
	assert.Equal(t, 1, result.FupApplied)
	assert.Equal(t, 0, result.FupRemoved)
	assert.Equal(t, 0, result.Errors)
	assert.Len(t, transport.sent(), 1)

	// Second sweep changes nothing.
	again, err := orch.CheckAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, again.Checked)
	assert.Equal(t, 0, again.FupApplied)
	assert.Len(t, transport.sent(), 1)
}

func TestCheckAll_ErrorIsolation(t *testing.T) {
	orch, mem, transport := testEngine(t)
	transport.respond = func(call coaCall) (*radius.Packet, error) {
		if call.nas.Addr == "192.0.2.9" {
			return nil, radius.ErrTimeout
		}
		return &radius.Packet{Code: radius.CodeCoAACK}, nil
	}

	unreachable := testSubscriber(1, "unreachable")
	unreachable.NAS = radius.NAS{Addr: "192.0.2.9", Secret: "s3cret"}
	reachable := testSubscriber(2, "reachable")

	mem.AddSubscriber(unreachable)
	mem.AddSubscriber(reachable)
	seedSession(mem, 1, "sess-1", 60*gib, true)
	seedSession(mem, 2, "sess-2", 60*gib, true)

	result, err := orch.CheckAll(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, result.Checked)
	assert.Equal(t, 1, result.Errors)
	assert.Equal(t, 2, result.FupApplied, "record state advances even when the NAS is down")

	sub, err := mem.GetSubscriber(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, throttledSpeed, sub.CurrentSpeed, "one dead NAS does not block the others")
}

func TestResetMonthly(t *testing.T) {
	orch, mem, transport := testEngine(t)
	mem.AddSubscriber(testSubscriber(42, "alice"))
	seedSession(mem, 42, "sess-1", 55*gib, true)

	_, err := orch.CheckUser(context.Background(), 42, fup.CheckOptions{})
	require.NoError(t, err)
	require.Len(t, transport.sent(), 1)

	// Not the reset day: nothing happens.
	result, err := orch.ResetMonthly(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, result.ResetCount)

	// On April 1 the throttled subscriber gets a fresh Normal record and
	// the normal speed restored.
	resetNow := time.Date(2026, time.April, 1, 0, 10, 0, 0, time.UTC)
	orchReset, _, transportReset := testEngineAt(t, mem, resetNow)

	result, err = orchReset.ResetMonthly(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.ResetCount)
	assert.Equal(t, 0, result.Errors)

	calls := transportReset.sent()
	require.Len(t, calls, 1)
	speed, ok := calls[0].rateLimit()
	require.True(t, ok)
	assert.Equal(t, normalSpeed, speed)

	rec, err := mem.GetUsage(context.Background(), 42, time.Date(2026, time.April, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, policy.StateNormal, rec.State)
	assert.Zero(t, rec.TotalBytes)

	sub, err := mem.GetSubscriber(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, normalSpeed, sub.CurrentSpeed)
}

func TestResetMonthly_NoRestoreAtNormalSpeed(t *testing.T) {
	mem := store.NewMemory(zap.NewNop())
	mem.AddSubscriber(testSubscriber(42, "alice"))

	resetNow := time.Date(2026, time.April, 1, 0, 10, 0, 0, time.UTC)
	orch, _, transport := testEngineAt(t, mem, resetNow)

	result, err := orch.ResetMonthly(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.ResetCount)
	assert.Empty(t, transport.sent(), "no CoA when the speed is already normal")
}

func TestDisconnectUser(t *testing.T) {
	orch, mem, transport := testEngine(t)
	mem.AddSubscriber(testSubscriber(42, "alice"))
	seedSession(mem, 42, "sess-1", 55*gib, true)

	require.NoError(t, orch.DisconnectUser(context.Background(), 42))

	calls := transport.sent()
	require.Len(t, calls, 1)
	assert.Equal(t, radius.CodeDisconnectRequest, calls[0].code)
	assert.Equal(t, "sess-1", calls[0].sessionID())

	records := mem.ListCoARecords(42)
	require.Len(t, records, 1)
	assert.Equal(t, fup.CommandDisconnect, records[0].Command)
	assert.Equal(t, fup.CoASuccess, records[0].Status)
}

func TestCheckUser_QuotaBreachNeverDisconnects(t *testing.T) {
	orch, mem, transport := testEngine(t)
	mem.AddSubscriber(testSubscriber(42, "alice"))
	seedSession(mem, 42, "sess-1", 500*gib, true) // 1000%

	res, err := orch.CheckUser(context.Background(), 42, fup.CheckOptions{})
	require.NoError(t, err)
	assert.Equal(t, policy.StateThrottled, res.NewState)

	for _, call := range transport.sent() {
		assert.NotEqual(t, radius.CodeDisconnectRequest, call.code)
	}
}

func TestCheckUser_DefaultNASFallback(t *testing.T) {
	mem := store.NewMemory(zap.NewNop())
	transport := &mockTransport{}
	cfg := fup.OrchestratorConfig{
		Concurrency: 4,
		DefaultNAS:  radius.NAS{Addr: "10.0.0.1", Secret: "fallback"},
		Now:         func() time.Time { return testNow },
	}
	orch := fup.NewOrchestrator(cfg, mem, mem, mem, transport, nil, zap.NewNop())

	sub := testSubscriber(42, "alice")
	sub.NAS = radius.NAS{}
	mem.AddSubscriber(sub)
	seedSession(mem, 42, "sess-1", 55*gib, true)

	_, err := orch.CheckUser(context.Background(), 42, fup.CheckOptions{})
	require.NoError(t, err)

	calls := transport.sent()
	require.Len(t, calls, 1)
	assert.Equal(t, "10.0.0.1", calls[0].nas.Addr)
}

func TestCheckAll_DeadlineLetsInFlightFinish(t *testing.T) {
	mem := store.NewMemory(zap.NewNop())
	transport := &mockTransport{}

	var entered sync.Once
	enteredCh := make(chan struct{})
	proceed := make(chan struct{})
	transport.respond = func(coaCall) (*radius.Packet, error) {
		entered.Do(func() { close(enteredCh) })
		<-proceed
		return &radius.Packet{Code: radius.CodeCoAACK}, nil
	}

	cfg := fup.OrchestratorConfig{
		Concurrency: 1,
		Now:         func() time.Time { return testNow },
	}
	orch := fup.NewOrchestrator(cfg, mem, mem, mem, transport, nil, zap.NewNop())

	names := []string{"first", "second", "third"}
	for i, name := range names {
		id := int64(i + 1)
		mem.AddSubscriber(testSubscriber(id, name))
		seedSession(mem, id, "sess-"+name, 60*gib, true)
	}

	ctx, cancel := context.WithCancel(context.Background())
	type sweepOutcome struct {
		res *fup.SweepResult
		err error
	}
	done := make(chan sweepOutcome, 1)
	go func() {
		res, err := orch.CheckAll(ctx)
		done <- sweepOutcome{res, err}
	}()

	// The single worker is now blocked mid-dispatch for subscriber 1.
	// Cancel the sweep, give the feeder time to observe it, then let the
	// in-flight evaluation complete.
	<-enteredCh
	cancel()
	time.Sleep(100 * time.Millisecond)
	close(proceed)

	outcome := <-done
	require.NoError(t, outcome.err)
	assert.Equal(t, 1, outcome.res.Checked, "no new evaluations after the deadline")
	assert.Equal(t, 1, outcome.res.FupApplied)

	// The in-flight evaluation ran to completion and persisted.
	marchStart := time.Date(2026, time.March, 1, 0, 0, 0, 0, time.UTC)
	rec, err := mem.GetUsage(context.Background(), 1, marchStart)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, policy.StateThrottled, rec.State)

	// Unstarted subscribers were never touched.
	for id := int64(2); id <= 3; id++ {
		rec, err := mem.GetUsage(context.Background(), id, marchStart)
		require.NoError(t, err)
		assert.Nil(t, rec)
	}
	assert.Len(t, transport.sent(), 1)
}

func TestCheckUser_UnlimitedPackageRestoresSpeed(t *testing.T) {
	orch, mem, transport := testEngine(t)
	mem.AddSubscriber(testSubscriber(42, "alice"))
	seedSession(mem, 42, "sess-1", 55*gib, true)

	_, err := orch.CheckUser(context.Background(), 42, fup.CheckOptions{})
	require.NoError(t, err)
	require.Len(t, transport.sent(), 1)

	// The package switches to unlimited mid-period while the throttle is
	// live on the NAS.
	sub, err := mem.GetSubscriber(context.Background(), 42)
	require.NoError(t, err)
	sub.Package.QuotaBytes = 0
	mem.AddSubscriber(*sub)

	res, err := orch.CheckUser(context.Background(), 42, fup.CheckOptions{})
	require.NoError(t, err)
	assert.Equal(t, policy.StateThrottled, res.PreviousState)
	assert.Equal(t, policy.StateNormal, res.NewState)
	assert.Equal(t, policy.ActionApplySpeed, res.ActionTaken)

	calls := transport.sent()
	require.Len(t, calls, 2)
	speed, ok := calls[1].rateLimit()
	require.True(t, ok)
	assert.Equal(t, normalSpeed, speed)

	sub, err = mem.GetSubscriber(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, normalSpeed, sub.CurrentSpeed)
}

// testEngineAt builds an orchestrator over an existing store with a fixed
// clock.
func testEngineAt(t *testing.T, mem *store.Memory, now time.Time) (*fup.Orchestrator, *store.Memory, *mockTransport) {
	t.Helper()
	transport := &mockTransport{}
	cfg := fup.OrchestratorConfig{
		Concurrency: 4,
		Now:         func() time.Time { return now },
	}
	return fup.NewOrchestrator(cfg, mem, mem, mem, transport, nil, zap.NewNop()), mem, transport
}
