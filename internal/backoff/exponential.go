package backoff

import (
	"math"
	"time"
)

const (
	// ExponentialFactor is the growth rate between consecutive retries.
	ExponentialFactor = 1.9
	// MaxExponentialDelay caps a single exponential sleep.
	MaxExponentialDelay = 15 * time.Minute
)

// ExponentialSleepTime returns how long to wait before the 1-indexed attempt.
// The first attempt runs immediately; the second waits one second and each
// later one waits ExponentialFactor times longer, up to MaxExponentialDelay.
func ExponentialSleepTime(attempt int) time.Duration {
	failures := attempt - 1
	if failures <= 0 {
		return 0
	}
	d := float64(time.Second) * math.Pow(ExponentialFactor, float64(failures-1))
	if d >= float64(MaxExponentialDelay) {
		return MaxExponentialDelay
	}
	return time.Duration(d)
}

// ExponentialMaxAttempts returns the number of attempts whose cumulative
// ExponentialSleepTime first reaches budget. It is always at least 1.
func ExponentialMaxAttempts(budget time.Duration) int {
	attempts := 0
	var total time.Duration
	for {
		attempts++
		total += ExponentialSleepTime(attempts)
		if total >= budget {
			return attempts
		}
	}
}

// Exponential is the time-budget policy: it knows how many attempts fit into
// Budget and delays each 0-indexed attempt along the exponential curve.
type Exponential struct {
	Budget time.Duration
}

// NewExponential creates an exponential policy for the given retry budget.
func NewExponential(budget time.Duration) *Exponential {
	return &Exponential{Budget: budget}
}

// Delay returns the sleep before the 0-indexed attempt.
func (e *Exponential) Delay(attempt int) time.Duration {
	return ExponentialSleepTime(attempt + 1)
}

// MaxAttempts returns ExponentialMaxAttempts(e.Budget).
func (e *Exponential) MaxAttempts() int {
	return ExponentialMaxAttempts(e.Budget)
}
