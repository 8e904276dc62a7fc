package breaker

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/quarry/internal/config"
	"github.com/mattjoyce/quarry/internal/queue"
	"github.com/mattjoyce/quarry/internal/storage"
)

func newBreaker(t *testing.T) (*Breaker, *clockwork.FakeClock) {
	t.Helper()
	db, err := storage.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	return New(db, config.Defaults().Breaker, clock), clock
}

func record(t *testing.T, b *Breaker, plugin string, outcomes ...queue.Outcome) (State, bool) {
	t.Helper()
	var (
		st      State
		tripped bool
		err     error
	)
	for i, o := range outcomes {
		st, tripped, err = b.Record(context.Background(), plugin, "job-"+string(rune('a'+i)), o)
		require.NoError(t, err)
	}
	return st, tripped
}

func repeat(o queue.Outcome, n int) []queue.Outcome {
	out := make([]queue.Outcome, n)
	for i := range out {
		out[i] = o
	}
	return out
}

func TestFiveConsecutiveFailuresTrip(t *testing.T) {
	t.Parallel()
	b, clock := newBreaker(t)
	ctx := context.Background()

	st, tripped := record(t, b, "csv", repeat(queue.OutcomeFailed, 4)...)
	assert.False(t, tripped)
	assert.Equal(t, ModeActive, st.Mode)
	assert.Equal(t, 4, st.ConsecutiveFailures)

	st, tripped = record(t, b, "csv", queue.OutcomeFailed)
	assert.True(t, tripped)
	assert.Equal(t, ModePaused, st.Mode)
	assert.Equal(t, 1, st.TripCount)
	require.NotNil(t, st.ResumeAt)
	assert.Equal(t, clock.Now().Add(time.Minute), *st.ResumeAt)

	paused, err := b.PausedPlugins(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"csv"}, paused)
}

func TestManualResumeThenSuccessResetsStreak(t *testing.T) {
	t.Parallel()
	b, _ := newBreaker(t)
	ctx := context.Background()

	record(t, b, "csv", repeat(queue.OutcomeFailed, 5)...)
	require.NoError(t, b.Resume(ctx, "csv"))

	st, err := b.Get(ctx, "csv")
	require.NoError(t, err)
	assert.Equal(t, ModeActive, st.Mode)
	assert.Equal(t, 0, st.ConsecutiveFailures)
	assert.Equal(t, 0, st.TripCount)
	assert.Empty(t, st.Window)

	st, _ = record(t, b, "csv", queue.OutcomeFailed, queue.OutcomeFailed, queue.OutcomeSuccess)
	assert.Equal(t, 0, st.ConsecutiveFailures)
	assert.Equal(t, ModeActive, st.Mode)
}

func TestMixedOutcomesClassification(t *testing.T) {
	t.Parallel()
	b, _ := newBreaker(t)

	st, tripped := record(t, b, "csv",
		queue.OutcomeAborted, queue.OutcomeFailed, queue.OutcomeRejected,
		queue.OutcomeFailed, queue.OutcomeRejected, queue.OutcomeAborted)
	assert.False(t, tripped, "rejected outcomes neither count nor break the streak")
	assert.Equal(t, 4, st.ConsecutiveFailures)
	assert.Equal(t, "FFFF", st.Window)

	st, _ = record(t, b, "csv", queue.OutcomePartialSuccess)
	assert.Equal(t, 0, st.ConsecutiveFailures, "partial success counts as success")
	st, _ = record(t, b, "csv", queue.OutcomeCompletedWithWarnings)
	assert.Equal(t, "FFFFSS", st.Window)
}

func TestRollingRateTrips(t *testing.T) {
	t.Parallel()
	b, _ := newBreaker(t)

	// Alternate so the streak never reaches 5; the tenth sample trips.
	var seq []queue.Outcome
	for range 3 {
		seq = append(seq, queue.OutcomeFailed, queue.OutcomeFailed, queue.OutcomeSuccess)
	}
	st, tripped := record(t, b, "csv", seq...)
	assert.False(t, tripped, "below min samples")
	st, tripped = record(t, b, "csv", queue.OutcomeFailed)
	assert.True(t, tripped, "7 of 10 failed")
	assert.Equal(t, ModePaused, st.Mode)
	assert.Less(t, st.ConsecutiveFailures, 5)
}

func TestRateNeedsMinimumSamples(t *testing.T) {
	t.Parallel()
	b, _ := newBreaker(t)

	st, tripped := record(t, b, "csv", queue.OutcomeFailed, queue.OutcomeFailed, queue.OutcomeSuccess)
	assert.False(t, tripped)
	assert.InDelta(t, 2.0/3.0, st.FailureRate(), 1e-9)
}

func TestWindowIsBounded(t *testing.T) {
	t.Parallel()
	b, _ := newBreaker(t)

	st, _ := record(t, b, "csv", repeat(queue.OutcomeSuccess, 30)...)
	assert.Len(t, st.Window, 20)
}

func TestAutoResumeKeepsTripCountAndCooldownGrows(t *testing.T) {
	t.Parallel()
	b, clock := newBreaker(t)
	ctx := context.Background()

	record(t, b, "csv", repeat(queue.OutcomeFailed, 5)...)

	clock.Advance(59 * time.Second)
	paused, err := b.PausedPlugins(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"csv"}, paused)

	clock.Advance(time.Second)
	paused, err = b.PausedPlugins(ctx)
	require.NoError(t, err)
	assert.Empty(t, paused)

	st, err := b.Get(ctx, "csv")
	require.NoError(t, err)
	assert.Equal(t, ModeActive, st.Mode)
	assert.Equal(t, 0, st.ConsecutiveFailures)
	assert.Equal(t, 1, st.TripCount)

	st, tripped := record(t, b, "csv", repeat(queue.OutcomeFailed, 5)...)
	require.True(t, tripped)
	assert.Equal(t, 2, st.TripCount)
	assert.Equal(t, clock.Now().Add(2*time.Minute), *st.ResumeAt)
}

func TestCooldownCurve(t *testing.T) {
	t.Parallel()
	b := New(nil, config.Defaults().Breaker, clockwork.NewFakeClock())

	assert.Equal(t, time.Minute, b.Cooldown(1))
	assert.Equal(t, 2*time.Minute, b.Cooldown(2))
	assert.Equal(t, 16*time.Minute, b.Cooldown(5))
	assert.Equal(t, 30*time.Minute, b.Cooldown(6), "capped")
	assert.Equal(t, 30*time.Minute, b.Cooldown(40))
}

func TestResumeUnknownPlugin(t *testing.T) {
	t.Parallel()
	b, _ := newBreaker(t)
	assert.ErrorIs(t, b.Resume(context.Background(), "ghost"), ErrNotFound)
}

func TestPluginsAreIndependent(t *testing.T) {
	t.Parallel()
	b, _ := newBreaker(t)
	ctx := context.Background()

	record(t, b, "bad", repeat(queue.OutcomeFailed, 5)...)
	record(t, b, "good", repeat(queue.OutcomeSuccess, 5)...)

	paused, err := b.PausedPlugins(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"bad"}, paused)

	all, err := b.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}
