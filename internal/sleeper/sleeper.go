// Package sleeper provides the cancellable sleep shared by every job queue.
//
// A single Sleeper is owned by the host application. Calling Shutdown wakes
// every pending Sleep so that a process with jobs sitting in multi-minute
// backoffs can exit promptly.
package sleeper

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrShutdown is returned by Sleep when the sleeper shut down and the caller
// asked not to be resolved on shutdown.
var ErrShutdown = errors.New("sleeper: shutting down")

// SleepOption configures a single Sleep call.
type SleepOption func(*sleepOpts)

type sleepOpts struct {
	resolveOnShutdown bool
}

// WithResolveOnShutdown controls whether Sleep returns nil (true, the
// default) or ErrShutdown (false) when interrupted by Shutdown. Callers that
// would otherwise loop back into another wait should pass false.
func WithResolveOnShutdown(resolve bool) SleepOption {
	return func(o *sleepOpts) { o.resolveOnShutdown = resolve }
}

// Sleeper hands out sleeps that all end when Shutdown is called.
type Sleeper struct {
	mu           sync.Mutex
	shuttingDown bool
	done         chan struct{}
}

// New creates a Sleeper.
func New() *Sleeper {
	return &Sleeper{done: make(chan struct{})}
}

// Sleep blocks for d. It returns early with ctx.Err() if ctx ends, or when
// the sleeper shuts down (see WithResolveOnShutdown). reason is only logged.
func (s *Sleeper) Sleep(ctx context.Context, d time.Duration, reason string, opts ...SleepOption) error {
	o := sleepOpts{resolveOnShutdown: true}
	for _, opt := range opts {
		opt(&o)
	}

	if s.IsShuttingDown() {
		slog.Debug("Sleeper.Sleep: already shutting down", "reason", reason)
		return o.shutdownResult()
	}
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		slog.Info("Sleeper.Sleep: interrupted by shutdown", "reason", reason, "duration", d)
		return o.shutdownResult()
	}
}

// Shutdown wakes every pending and future Sleep. It is safe to call more
// than once.
func (s *Sleeper) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shuttingDown {
		return
	}
	s.shuttingDown = true
	close(s.done)
	slog.Info("Sleeper.Shutdown: resolving pending sleeps")
}

// IsShuttingDown reports whether Shutdown has been called.
func (s *Sleeper) IsShuttingDown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shuttingDown
}

func (o sleepOpts) shutdownResult() error {
	if o.resolveOnShutdown {
		return nil
	}
	return ErrShutdown
}
