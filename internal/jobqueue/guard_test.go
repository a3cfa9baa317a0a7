package jobqueue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/BTreeMap/Postbox/internal/lifecycle"
	"github.com/BTreeMap/Postbox/internal/sleeper"
	"github.com/BTreeMap/Postbox/internal/testutil"
)

type guardFixture struct {
	guard   *Guard
	conn    *testutil.FakeConnectivity
	link    *testutil.FakeLink
	storage *lifecycle.Barrier
	sleeps  *testutil.RecordingSleeper
}

func newGuardFixture(online, linked, ready bool) *guardFixture {
	f := &guardFixture{
		conn:    testutil.NewFakeConnectivity(online),
		link:    testutil.NewFakeLink(linked),
		storage: lifecycle.NewBarrier("storage"),
		sleeps:  &testutil.RecordingSleeper{},
	}
	if ready {
		f.storage.Open()
	}
	f.guard = &Guard{Connectivity: f.conn, Link: f.link, Storage: f.storage, Sleeper: f.sleeps}
	return f
}

func TestGuard_NoBudgetReturnsImmediately(t *testing.T) {
	f := newGuardFixture(false, true, false)
	start := time.Now()
	ok := f.guard.ShouldContinue(context.Background(), ContinueParams{Attempt: 3, TimeRemaining: 0})
	assert.False(t, ok)
	assert.Less(t, time.Since(start), 50*time.Millisecond)
	assert.Equal(t, 0, f.conn.Waits(), "must not wait for connectivity")
	assert.Empty(t, f.sleeps.Sleeps())

	assert.False(t, f.guard.ShouldContinue(context.Background(), ContinueParams{TimeRemaining: -time.Second}))
}

func TestGuard_OnlineAndLinkedSleepsBackoff(t *testing.T) {
	f := newGuardFixture(true, true, true)
	ok := f.guard.ShouldContinue(context.Background(), ContinueParams{Attempt: 2, TimeRemaining: time.Hour})
	assert.True(t, ok)
	assert.Equal(t, 1, f.conn.Waits())
	if sleeps := f.sleeps.Sleeps(); assert.Len(t, sleeps, 1) {
		assert.InDelta(t, float64(1900*time.Millisecond), float64(sleeps[0]), float64(time.Millisecond))
	}
}

func TestGuard_UsesConfiguredBackoff(t *testing.T) {
	f := newGuardFixture(true, true, true)
	f.guard.Backoff = fixedDelay(7 * time.Second)
	assert.True(t, f.guard.ShouldContinue(context.Background(), ContinueParams{Attempt: 0, TimeRemaining: time.Hour}))
	assert.Equal(t, []time.Duration{7 * time.Second}, f.sleeps.Sleeps())
}

func TestGuard_OfflinePastBudgetGivesUp(t *testing.T) {
	f := newGuardFixture(false, true, true)
	ok := f.guard.ShouldContinue(context.Background(), ContinueParams{Attempt: 1, TimeRemaining: 10 * time.Millisecond})
	assert.False(t, ok)
	assert.Empty(t, f.sleeps.Sleeps())
}

func TestGuard_ComesOnlineWithinBudget(t *testing.T) {
	f := newGuardFixture(false, true, true)
	go func() {
		time.Sleep(10 * time.Millisecond)
		f.conn.SetOnline(true)
	}()
	assert.True(t, f.guard.ShouldContinue(context.Background(), ContinueParams{TimeRemaining: 2 * time.Second}))
}

func TestGuard_UnlinkedGivesUpWithoutWaitingForNetwork(t *testing.T) {
	f := newGuardFixture(false, false, true)
	assert.False(t, f.guard.ShouldContinue(context.Background(), ContinueParams{TimeRemaining: time.Hour}))
	assert.Equal(t, 0, f.conn.Waits())
}

func TestGuard_WaitsForStorage(t *testing.T) {
	f := newGuardFixture(true, true, false)
	go func() {
		time.Sleep(10 * time.Millisecond)
		f.storage.Open()
	}()
	assert.True(t, f.guard.ShouldContinue(context.Background(), ContinueParams{TimeRemaining: time.Hour, SkipWait: true}))

	g := newGuardFixture(true, true, false)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.False(t, g.guard.ShouldContinue(ctx, ContinueParams{TimeRemaining: time.Hour}))
}

func TestGuard_SkipWait(t *testing.T) {
	f := newGuardFixture(true, true, true)
	assert.True(t, f.guard.ShouldContinue(context.Background(), ContinueParams{Attempt: 9, TimeRemaining: time.Hour, SkipWait: true}))
	assert.Empty(t, f.sleeps.Sleeps())
}

func TestGuard_ShutdownEndsSleepAndContinues(t *testing.T) {
	f := newGuardFixture(true, true, true)
	sl := sleeper.New()
	f.guard.Sleeper = sl
	f.guard.Backoff = fixedDelay(time.Hour)
	go func() {
		time.Sleep(10 * time.Millisecond)
		sl.Shutdown()
	}()
	assert.True(t, f.guard.ShouldContinue(context.Background(), ContinueParams{TimeRemaining: 2 * time.Hour}))
}

func TestGuard_CancelledSleepStops(t *testing.T) {
	f := newGuardFixture(true, true, true)
	f.guard.Sleeper = sleeper.New()
	f.guard.Backoff = fixedDelay(time.Hour)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.False(t, f.guard.ShouldContinue(ctx, ContinueParams{TimeRemaining: 2 * time.Hour}))
}

func TestTimeRemaining(t *testing.T) {
	now := time.UnixMilli(10_000)
	assert.Equal(t, 5*time.Second, TimeRemaining(6_000, 9*time.Second, now))
	assert.True(t, TimeRemaining(0, time.Second, now) <= 0)
}

type fixedDelay time.Duration

func (d fixedDelay) Delay(int) time.Duration { return time.Duration(d) }
