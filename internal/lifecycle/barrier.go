// Package lifecycle provides one-shot startup barriers shared between the
// host application and the job queues.
package lifecycle

import (
	"context"
	"log/slog"
	"sync"
)

// Barrier opens exactly once. Callbacks registered before it opens run when
// it opens; callbacks registered afterwards run immediately.
type Barrier struct {
	name      string
	mu        sync.Mutex
	open      bool
	ch        chan struct{}
	callbacks []func()
}

// NewBarrier creates a closed barrier. name is used for logging only.
func NewBarrier(name string) *Barrier {
	return &Barrier{name: name, ch: make(chan struct{})}
}

// Open releases every waiter. Calls after the first are no-ops.
func (b *Barrier) Open() {
	b.mu.Lock()
	if b.open {
		b.mu.Unlock()
		return
	}
	b.open = true
	close(b.ch)
	callbacks := b.callbacks
	b.callbacks = nil
	b.mu.Unlock()

	slog.Debug("Barrier.Open", "name", b.name, "callbacks", len(callbacks))
	for _, fn := range callbacks {
		fn()
	}
}

// OnReady runs fn once the barrier is open.
func (b *Barrier) OnReady(fn func()) {
	b.mu.Lock()
	if !b.open {
		b.callbacks = append(b.callbacks, fn)
		b.mu.Unlock()
		return
	}
	b.mu.Unlock()
	fn()
}

// Wait blocks until the barrier opens or ctx ends.
func (b *Barrier) Wait(ctx context.Context) error {
	select {
	case <-b.ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsOpen reports whether Open has been called.
func (b *Barrier) IsOpen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.open
}
