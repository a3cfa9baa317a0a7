// Package gate serializes work per key.
//
// A Gate maps an arbitrary key (a conversation ID, a storage key) to a Lane
// that runs submitted tasks one at a time in submission order. Different
// keys run concurrently. A lane is dropped from the registry as soon as it
// has nothing queued or running, so the registry only ever holds keys with
// live work.
package gate

import (
	"fmt"
	"log/slog"
	"sync"
)

// Task is a unit of work submitted to a lane.
type Task func() error

// Gate is a registry of lanes keyed by string. The zero value is not usable;
// call New.
type Gate struct {
	mu    sync.Mutex
	lanes map[string]*Lane
}

// New creates an empty Gate.
func New() *Gate {
	return &Gate{lanes: make(map[string]*Lane)}
}

// Lane executes tasks for one key with concurrency 1.
type Lane struct {
	gate    *Gate
	key     string
	queue   []queued
	running bool
	idle    []chan struct{}
}

type queued struct {
	task Task
	done chan error
}

// Lane returns the lane for key, creating it if needed. Calls with the same
// key return the same *Lane until that lane drains.
func (g *Gate) Lane(key string) *Lane {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.laneLocked(key)
}

func (g *Gate) laneLocked(key string) *Lane {
	if l, ok := g.lanes[key]; ok {
		return l
	}
	l := &Lane{gate: g, key: key}
	g.lanes[key] = l
	slog.Debug("Gate.Lane: created lane", "key", key)
	return l
}

// Submit queues task on the lane for key.
func (g *Gate) Submit(key string, task Task) <-chan error {
	return g.Lane(key).Submit(task)
}

// Len returns the number of lanes with queued or running work.
func (g *Gate) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.lanes)
}

// Idle returns a channel that is closed once the lane for key has drained.
// If there is no lane for key the channel is already closed.
func (g *Gate) Idle(key string) <-chan struct{} {
	g.mu.Lock()
	defer g.mu.Unlock()
	ch := make(chan struct{})
	l, ok := g.lanes[key]
	if !ok {
		close(ch)
		return ch
	}
	l.idle = append(l.idle, ch)
	return ch
}

// Key returns the key the lane serializes.
func (l *Lane) Key() string {
	return l.key
}

// Submit appends task to the lane. The returned channel receives the task's
// error (nil on success) once it has run. A panic inside task is converted
// into an error so the lane keeps draining.
func (l *Lane) Submit(task Task) <-chan error {
	g := l.gate
	g.mu.Lock()
	defer g.mu.Unlock()

	// A caller may hold a lane that already drained and left the registry.
	// Route to whichever lane currently owns the key so that one key never
	// has two lanes running at once.
	target := l
	if current, ok := g.lanes[l.key]; ok && current != l {
		target = current
	} else if !ok {
		g.lanes[l.key] = l
	}

	q := queued{task: task, done: make(chan error, 1)}
	target.queue = append(target.queue, q)
	if !target.running {
		target.running = true
		go target.drain()
	}
	return q.done
}

func (l *Lane) drain() {
	g := l.gate
	for {
		g.mu.Lock()
		if len(l.queue) == 0 {
			l.running = false
			if g.lanes[l.key] == l {
				delete(g.lanes, l.key)
			}
			for _, ch := range l.idle {
				close(ch)
			}
			l.idle = nil
			g.mu.Unlock()
			slog.Debug("Lane.drain: lane drained", "key", l.key)
			return
		}
		next := l.queue[0]
		l.queue[0] = queued{}
		l.queue = l.queue[1:]
		g.mu.Unlock()

		next.done <- run(next.task)
	}
}

func run(task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("gate: task panicked: %v", r)
		}
	}()
	return task()
}
