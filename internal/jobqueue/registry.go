package jobqueue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Managed is the queue-type-agnostic view of a Queue used by Registry.
type Managed interface {
	QueueType() string
	Start(ctx context.Context) error
	Shutdown(ctx context.Context) error
}

// Registry owns every queue in the process and starts and stops them
// together.
type Registry struct {
	mu     sync.RWMutex
	queues map[string]Managed
	order  []string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{queues: make(map[string]Managed)}
}

// Register adds a queue. Queue types must be unique.
func (r *Registry) Register(q Managed) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	qt := q.QueueType()
	if _, exists := r.queues[qt]; exists {
		return fmt.Errorf("jobqueue: queue type %q already registered", qt)
	}
	r.queues[qt] = q
	r.order = append(r.order, qt)
	slog.Debug("Registry.Register: queue registered", "queueType", qt)
	return nil
}

// Get returns the queue registered for queueType.
func (r *Registry) Get(queueType string) (Managed, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	q, ok := r.queues[queueType]
	return q, ok
}

// QueueTypes returns the registered queue types in registration order.
func (r *Registry) QueueTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// StartAll starts every queue concurrently and returns the first error.
// ctx is handed to each queue as its run context.
func (r *Registry) StartAll(ctx context.Context) error {
	var g errgroup.Group
	for _, q := range r.snapshot() {
		g.Go(func() error {
			if err := q.Start(ctx); err != nil {
				slog.Error("Registry.StartAll: queue failed to start", "queueType", q.QueueType(), "error", err)
				return err
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	slog.Info("Registry.StartAll: all queues started", "count", len(r.QueueTypes()))
	return nil
}

// ShutdownAll shuts every queue down concurrently, waiting at most until ctx
// ends.
func (r *Registry) ShutdownAll(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, q := range r.snapshot() {
		g.Go(func() error {
			return q.Shutdown(gctx)
		})
	}
	return g.Wait()
}

func (r *Registry) snapshot() []Managed {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Managed, 0, len(r.order))
	for _, qt := range r.order {
		out = append(out, r.queues[qt])
	}
	return out
}
