// Package backoff provides the retry delay policies used by the job queues.
//
// Two shapes are available: a fixed table that saturates at its longest
// entry (BackOff), and an exponential curve sized from a total retry budget
// (Exponential). Both satisfy Policy.
package backoff

import (
	"math/rand/v2"
	"time"
)

// Policy computes the delay imposed before a given attempt. Attempts are
// indexed from 0.
type Policy interface {
	Delay(attempt int) time.Duration
}

// Fibonacci is the default retry table.
var Fibonacci = seconds(1, 2, 3, 5, 8, 13, 21, 34, 55)

// ExtendedFibonacci continues Fibonacci up to roughly 27 minutes.
var ExtendedFibonacci = seconds(1, 2, 3, 5, 8, 13, 21, 34, 55, 89, 144, 233, 377, 610, 987, 1597)

func seconds(values ...int) []time.Duration {
	out := make([]time.Duration, len(values))
	for i, v := range values {
		out[i] = time.Duration(v) * time.Second
	}
	return out
}

// Option configures a BackOff.
type Option func(*BackOff)

// WithJitter adds up to j of random delay once the base delay exceeds j.
func WithJitter(j time.Duration) Option {
	return func(b *BackOff) { b.jitter = j }
}

// WithRandom replaces the random source used for jitter. r must return a
// value in [0, 1).
func WithRandom(r func() float64) Option {
	return func(b *BackOff) { b.random = r }
}

// BackOff walks a monotonically increasing table of delays. It is not safe
// for concurrent use; callers that share one must synchronize.
type BackOff struct {
	timeouts []time.Duration
	count    int
	jitter   time.Duration
	random   func() float64
}

// New creates a BackOff over timeouts. An empty table falls back to
// Fibonacci.
func New(timeouts []time.Duration, opts ...Option) *BackOff {
	b := &BackOff{random: rand.Float64}
	for _, opt := range opts {
		opt(b)
	}
	b.Reset(timeouts...)
	return b
}

// Get returns the delay at the current index.
func (b *BackOff) Get() time.Duration {
	return b.at(b.count)
}

// GetAndIncrement returns the current delay and advances the index, stopping
// at the last table entry.
func (b *BackOff) GetAndIncrement() time.Duration {
	d := b.Get()
	if !b.IsFull() {
		b.count++
	}
	return d
}

// Reset rewinds the index to 0 and optionally swaps in a new table.
func (b *BackOff) Reset(timeouts ...time.Duration) {
	if len(timeouts) > 0 {
		b.timeouts = append([]time.Duration(nil), timeouts...)
	} else if len(b.timeouts) == 0 {
		b.timeouts = append([]time.Duration(nil), Fibonacci...)
	}
	b.count = 0
}

// IsFull reports whether the index has reached the last table entry.
func (b *BackOff) IsFull() bool {
	return b.count == len(b.timeouts)-1
}

// GetIndex returns the current index.
func (b *BackOff) GetIndex() int {
	return b.count
}

// Len returns the table length.
func (b *BackOff) Len() int {
	return len(b.timeouts)
}

// Delay returns the delay for attempt without moving the index. Attempts
// past the end of the table saturate at the last entry.
func (b *BackOff) Delay(attempt int) time.Duration {
	return b.at(attempt)
}

func (b *BackOff) at(i int) time.Duration {
	if i < 0 {
		i = 0
	}
	if i > len(b.timeouts)-1 {
		i = len(b.timeouts) - 1
	}
	d := b.timeouts[i]
	if b.jitter > 0 && b.jitter < d {
		d += time.Duration(b.random() * float64(b.jitter))
	}
	return d
}
