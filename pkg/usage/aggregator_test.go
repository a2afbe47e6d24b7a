package usage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type stubSource struct {
	sessions []Session
	err      error
}

func (s *stubSource) GetSessions(ctx context.Context, userID int64, periodStart, periodEnd time.Time) ([]Session, error) {
	return s.sessions, s.err
}

func TestComputeUsage(t *testing.T) {
	period := Period{Start: date(2026, time.March, 1), End: date(2026, time.April, 1)}

	source := &stubSource{sessions: []Session{
		{SessionID: "closed-1", UserID: 7, InputOctets: 1 << 30, OutputOctets: 2 << 30, StartedAt: date(2026, time.March, 2)},
		{SessionID: "online-1", UserID: 7, InputOctets: 500, OutputOctets: 700, StartedAt: date(2026, time.March, 10), Online: true},
		{SessionID: "online-2", UserID: 7, InputOctets: 100, OutputOctets: 100, StartedAt: date(2026, time.March, 20), Online: true},
		{SessionID: "last-month", UserID: 7, InputOctets: 9 << 40, OutputOctets: 9 << 40, StartedAt: date(2026, time.February, 25)},
	}}

	agg := NewAggregator(source, zap.NewNop())
	usage, err := agg.ComputeUsage(context.Background(), 7, period)
	require.NoError(t, err)

	assert.Equal(t, uint64(3<<30+1400), usage.TotalBytes)
	assert.Equal(t, 3, usage.Sessions)
	assert.Equal(t, "online-2", usage.ActiveSessionID, "most recently started online session")
}

func TestComputeUsage_GrowingCounters(t *testing.T) {
	period := Period{Start: date(2026, time.March, 1), End: date(2026, time.April, 1)}
	session := Session{SessionID: "s1", UserID: 7, InputOctets: 1000, OutputOctets: 1000, StartedAt: date(2026, time.March, 5), Online: true}
	source := &stubSource{sessions: []Session{session}}
	agg := NewAggregator(source, zap.NewNop())

	first, err := agg.ComputeUsage(context.Background(), 7, period)
	require.NoError(t, err)
	assert.Equal(t, uint64(2000), first.TotalBytes)

	// The online session's counters grew between sweeps. Totals are
	// absolute snapshots, so the second read replaces the first rather
	// than adding to it.
	session.InputOctets = 5000
	session.OutputOctets = 3000
	source.sessions = []Session{session}

	second, err := agg.ComputeUsage(context.Background(), 7, period)
	require.NoError(t, err)
	assert.Equal(t, uint64(8000), second.TotalBytes)
}

func TestComputeUsage_Empty(t *testing.T) {
	agg := NewAggregator(&stubSource{}, zap.NewNop())
	usage, err := agg.ComputeUsage(context.Background(), 7, PeriodFor(1, date(2026, time.March, 15)))
	require.NoError(t, err)
	assert.Zero(t, usage.TotalBytes)
	assert.Zero(t, usage.Sessions)
	assert.Empty(t, usage.ActiveSessionID)
}

func TestComputeUsage_SourceError(t *testing.T) {
	wantErr := errors.New("connection refused")
	agg := NewAggregator(&stubSource{err: wantErr}, zap.NewNop())
	_, err := agg.ComputeUsage(context.Background(), 7, PeriodFor(1, date(2026, time.March, 15)))
	require.ErrorIs(t, err, wantErr)
}

func TestPercent(t *testing.T) {
	assert.InDelta(t, 90.0, Percent(45<<30, 50<<30), 0.001)
	assert.InDelta(t, 120.0, Percent(60<<30, 50<<30), 0.001)
	assert.Zero(t, Percent(1<<40, 0), "zero quota reads as unlimited")
}
