package jobqueue

import (
	"context"
	"log/slog"
	"sync"
)

// ParsedJob is a job whose data has been validated by its queue.
type ParsedJob[T any] struct {
	ID        string
	Timestamp int64 // ms since epoch, original enqueue time
	Data      T
}

// RunInfo carries per-attempt context into Run.
type RunInfo struct {
	// Attempt is the 0-indexed attempt number.
	Attempt int
	// MaxAttempts is the queue's attempt limit.
	MaxAttempts int
	// Log is prefixed with the queue type, job ID and attempt.
	Log *slog.Logger
}

// IsFinalAttempt reports whether this attempt is the last one the queue
// will make.
func (i RunInfo) IsFinalAttempt() bool {
	return i.Attempt+1 >= i.MaxAttempts
}

// Job is the handle returned by Add. Completion is closed once the job has
// left the queue, after its record was deleted (or, on interruption, left
// in place).
type Job[T any] struct {
	ID        string
	Timestamp int64
	Data      T

	dispatched bool // guarded by Queue.mu

	once    sync.Once
	done    chan struct{}
	err     error
	outcome Outcome
}

func newJob[T any](id string, ts int64, data T) *Job[T] {
	return &Job[T]{ID: id, Timestamp: ts, Data: data, done: make(chan struct{})}
}

// Completion is closed when the job is finished.
func (j *Job[T]) Completion() <-chan struct{} {
	return j.done
}

// Err returns the completion error once Completion is closed: nil for a
// completed job, a *JobError for one that gave up or was dropped, or the
// store/shutdown error that interrupted it.
func (j *Job[T]) Err() error {
	select {
	case <-j.done:
		return j.err
	default:
		return nil
	}
}

// Outcome returns the final outcome once Completion is closed.
func (j *Job[T]) Outcome() Outcome {
	select {
	case <-j.done:
		return j.outcome
	default:
		return 0
	}
}

// Wait blocks until the job is finished or ctx ends.
func (j *Job[T]) Wait(ctx context.Context) error {
	select {
	case <-j.done:
		return j.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (j *Job[T]) resolve(o Outcome, err error) {
	j.once.Do(func() {
		j.outcome = o
		j.err = err
		close(j.done)
	})
}
