package jobqueue

import (
	"context"
	"log/slog"
	"time"

	"github.com/BTreeMap/Postbox/internal/backoff"
)

// Guard decides whether a job attempt should go ahead. Jobs call it near the
// top of Run; the coordinator never calls it.
type Guard struct {
	Connectivity Connectivity
	Link         LinkState
	Storage      Readiness
	Sleeper      Sleeper
	// Backoff maps a 0-indexed attempt to its sleep. Defaults to the
	// exponential curve.
	Backoff backoff.Policy
}

// ContinueParams are the per-attempt inputs to ShouldContinue.
type ContinueParams struct {
	Attempt       int
	TimeRemaining time.Duration
	// SkipWait skips the backoff sleep for caller-forced retries.
	SkipWait bool
	Log      *slog.Logger
}

// TimeRemaining returns how much of budget is left for a job enqueued at
// timestampMs.
func TimeRemaining(timestampMs int64, budget time.Duration, now time.Time) time.Duration {
	return time.UnixMilli(timestampMs).Add(budget).Sub(now)
}

// ShouldContinue returns false when the job should stop trying: the budget is
// spent, connectivity did not come back in time, the device is unlinked or
// ctx ended. Otherwise it waits out the backoff for p.Attempt and returns
// true. A sleep cut short by shutdown also returns true.
func (g *Guard) ShouldContinue(ctx context.Context, p ContinueParams) bool {
	log := p.Log
	if log == nil {
		log = slog.Default()
	}

	if p.TimeRemaining <= 0 {
		log.Info("Guard.ShouldContinue: giving up because it's been too long")
		return false
	}

	if g.Link.IsDeviceLinked() {
		if err := g.Connectivity.WaitForOnline(ctx, p.TimeRemaining); err != nil {
			log.Info("Guard.ShouldContinue: did not come online in time, giving up", "error", err)
			return false
		}
	}

	if err := g.Storage.Wait(ctx); err != nil {
		log.Info("Guard.ShouldContinue: storage never became ready", "error", err)
		return false
	}

	if !g.Link.IsDeviceLinked() {
		log.Info("Guard.ShouldContinue: device not linked, giving up")
		return false
	}

	if p.SkipWait {
		return true
	}

	delay := g.delay(p.Attempt)
	log.Debug("Guard.ShouldContinue: sleeping before attempt", "delay", delay)
	if err := g.Sleeper.Sleep(ctx, delay, "continuation guard backoff"); err != nil {
		log.Info("Guard.ShouldContinue: backoff interrupted", "error", err)
		return false
	}
	return true
}

func (g *Guard) delay(attempt int) time.Duration {
	if g.Backoff != nil {
		return g.Backoff.Delay(attempt)
	}
	return backoff.ExponentialSleepTime(attempt + 1)
}
