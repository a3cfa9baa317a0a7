// Package jobqueue runs persisted jobs with per-key serialization, bounded
// retries and crash recovery. Each job type gets its own Queue; the shared
// store, gate and sleeper are passed in through Config.
package jobqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/BTreeMap/Postbox/internal/backoff"
	"github.com/BTreeMap/Postbox/internal/gate"
	"github.com/BTreeMap/Postbox/internal/sleeper"
	"github.com/BTreeMap/Postbox/internal/store"
)

// Runner is the job-type-specific part of a queue.
type Runner[T any] interface {
	// ParseData validates raw persisted data. An error here is permanent.
	ParseData(data json.RawMessage) (T, error)
	// Run performs one attempt. Returning NeedsRetry or a non-nil error asks
	// for another attempt; anything else finishes the job.
	Run(ctx context.Context, job ParsedJob[T], info RunInfo) (Result, error)
}

// LaneKeyer is implemented by runners whose jobs may run concurrently with
// each other. Jobs with equal keys run strictly in insertion order. Runners
// that do not implement it run their jobs one at a time.
type LaneKeyer[T any] interface {
	LaneKey(data T) string
}

// InsertFunc persists a new record, typically inside a caller's own
// transaction. It replaces the store's Insert for AddWithInsert.
type InsertFunc func(ctx context.Context, rec store.JobRecord) error

// Config configures a Queue. QueueType, MaxAttempts and Store are required.
type Config struct {
	QueueType   string
	MaxAttempts int
	Store       store.JobStore

	// Gate serializes jobs by lane key. Queues may share one gate; lane
	// keys are namespaced by queue type. Defaults to a private gate.
	Gate *gate.Gate
	// Backoff, when set, is waited out inside the lane before each retry.
	// Leave it nil for runners that wait in Guard.ShouldContinue.
	Backoff backoff.Policy
	// Sleeper is used for the Backoff wait. Defaults to a private sleeper.
	Sleeper Sleeper
	// Logger defaults to slog.Default().
	Logger *slog.Logger
	// Now defaults to time.Now.
	Now func() time.Time
	// OnOutcome, if set, is called after every attempt and every dropped
	// record.
	OnOutcome func(rec store.JobRecord, outcome Outcome)
}

// Queue coordinates persisted jobs of one type.
type Queue[T any] struct {
	cfg    Config
	runner Runner[T]
	keyer  LaneKeyer[T]
	log    *slog.Logger
	// ownSleeper is set when the queue created its own sleeper and must
	// shut it down itself.
	ownSleeper *sleeper.Sleeper

	mu           sync.Mutex
	started      bool
	shuttingDown bool
	runCtx       context.Context
	jobs         map[string]*Job[T] // not yet terminal in this process
	// loading holds the IDs dispatched while Start works through its
	// snapshot. A record that ran to completion via Add during LoadAll is
	// gone from jobs but must not be dispatched again from the snapshot.
	loading map[string]struct{}
	wg           sync.WaitGroup
}

// New creates a queue. It does nothing until Start.
func New[T any](cfg Config, runner Runner[T]) (*Queue[T], error) {
	if cfg.QueueType == "" {
		return nil, errors.New("jobqueue: queue type is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("jobqueue: %s: store is required", cfg.QueueType)
	}
	if runner == nil {
		return nil, fmt.Errorf("jobqueue: %s: runner is required", cfg.QueueType)
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.Gate == nil {
		cfg.Gate = gate.New()
	}
	var own *sleeper.Sleeper
	if cfg.Sleeper == nil {
		own = sleeper.New()
		cfg.Sleeper = own
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	q := &Queue[T]{
		cfg:    cfg,
		runner: runner,
		log:    cfg.Logger.With("queueType", cfg.QueueType),
		jobs:   make(map[string]*Job[T]),

		ownSleeper: own,
	}
	if k, ok := runner.(LaneKeyer[T]); ok {
		q.keyer = k
	}
	return q, nil
}

// QueueType returns the queue's type tag.
func (q *Queue[T]) QueueType() string {
	return q.cfg.QueueType
}

// MaxAttempts returns the attempt limit.
func (q *Queue[T]) MaxAttempts() int {
	return q.cfg.MaxAttempts
}

// Start loads every persisted record of this queue type and dispatches it.
// ctx bounds all job execution, not just the call. Calling Start twice
// returns ErrAlreadyStarted.
func (q *Queue[T]) Start(ctx context.Context) error {
	q.mu.Lock()
	if q.started {
		q.mu.Unlock()
		return ErrAlreadyStarted
	}
	q.started = true
	q.runCtx = ctx
	q.loading = make(map[string]struct{})
	q.mu.Unlock()

	recs, err := q.cfg.Store.LoadAll(ctx, q.cfg.QueueType)
	if err != nil {
		q.mu.Lock()
		q.started = false
		q.runCtx = nil
		q.loading = nil
		q.mu.Unlock()
		return fmt.Errorf("jobqueue: %s: load persisted jobs: %w", q.cfg.QueueType, err)
	}
	q.log.Info("Queue.Start: loaded persisted jobs", "count", len(recs))
	for _, rec := range recs {
		q.dispatch(rec, nil)
	}

	q.mu.Lock()
	q.loading = nil
	q.mu.Unlock()
	return nil
}

// Add persists a new job and, if the queue is started, dispatches it. Data is
// validated with the runner's ParseData before anything is written. After
// Shutdown, Add fails with ErrShuttingDown.
func (q *Queue[T]) Add(ctx context.Context, data T) (*Job[T], error) {
	return q.add(ctx, data, q.cfg.Store.Insert)
}

// AddWithInsert is Add with a caller-supplied persist step.
func (q *Queue[T]) AddWithInsert(ctx context.Context, data T, insert InsertFunc) (*Job[T], error) {
	if insert == nil {
		insert = q.cfg.Store.Insert
	}
	return q.add(ctx, data, insert)
}

func (q *Queue[T]) add(ctx context.Context, data T, insert InsertFunc) (*Job[T], error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("jobqueue: %s: encode job data: %w", q.cfg.QueueType, err)
	}
	parsed, err := q.runner.ParseData(raw)
	if err != nil {
		return nil, fmt.Errorf("jobqueue: %s: %w: %w", q.cfg.QueueType, ErrInvalidData, err)
	}

	rec := store.JobRecord{
		ID:        uuid.NewString(),
		QueueType: q.cfg.QueueType,
		Data:      raw,
		Timestamp: q.cfg.Now().UnixMilli(),
	}
	job := newJob(rec.ID, rec.Timestamp, parsed)

	// Register the handle before the record becomes visible so a concurrent
	// Start resolves this handle rather than creating its own.
	q.mu.Lock()
	if q.shuttingDown {
		q.mu.Unlock()
		return nil, fmt.Errorf("jobqueue: %s: %w", q.cfg.QueueType, ErrShuttingDown)
	}
	q.jobs[rec.ID] = job
	q.mu.Unlock()

	if err := insert(ctx, rec); err != nil {
		q.mu.Lock()
		delete(q.jobs, rec.ID)
		q.mu.Unlock()
		return nil, fmt.Errorf("jobqueue: %s: persist job: %w", q.cfg.QueueType, err)
	}
	q.log.Debug("Queue.Add: job persisted", "jobID", rec.ID)

	q.mu.Lock()
	started, stopping := q.started, q.shuttingDown
	if stopping {
		delete(q.jobs, rec.ID)
	}
	q.mu.Unlock()
	switch {
	case stopping:
		// Shutdown won the race with the insert. The record stays for the
		// next Start; this handle will never run.
		q.log.Info("Queue.Add: queue stopped before dispatch", "jobID", rec.ID)
		q.notify(rec, OutcomeInterrupted)
		job.resolve(OutcomeInterrupted, ErrShuttingDown)
	case started:
		q.dispatch(rec, job)
	}
	return job, nil
}

// Shutdown stops retries and waits for running attempts to finish or ctx to
// end. Unfinished records stay in the store for the next Start.
func (q *Queue[T]) Shutdown(ctx context.Context) error {
	q.mu.Lock()
	q.shuttingDown = true
	q.mu.Unlock()
	if q.ownSleeper != nil {
		q.ownSleeper.Shutdown()
	}

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		q.log.Info("Queue.Shutdown: all jobs settled")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsShuttingDown reports whether Shutdown has been called.
func (q *Queue[T]) IsShuttingDown() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.shuttingDown
}

// dispatch parses rec and hands it to its lane. A record that is already
// dispatched in this process is ignored. job may be nil.
func (q *Queue[T]) dispatch(rec store.JobRecord, job *Job[T]) {
	q.mu.Lock()
	if _, seen := q.loading[rec.ID]; seen {
		q.mu.Unlock()
		return
	}
	if existing, ok := q.jobs[rec.ID]; ok {
		job = existing
	}
	if (job != nil && job.dispatched) || q.shuttingDown {
		q.mu.Unlock()
		return
	}
	if q.loading != nil {
		q.loading[rec.ID] = struct{}{}
	}
	var zero T
	recovered := job == nil
	if recovered {
		job = newJob(rec.ID, rec.Timestamp, zero)
		q.jobs[rec.ID] = job
	}
	job.dispatched = true
	ctx := q.runCtx
	q.wg.Add(1)
	q.mu.Unlock()

	data, err := q.runner.ParseData(rec.Data)
	if err != nil {
		defer q.wg.Done()
		perr := &ParseError{QueueType: q.cfg.QueueType, JobID: rec.ID, Err: err}
		q.log.Error("Queue.dispatch: dropping job with unparseable data", "jobID", rec.ID, "error", perr)
		if derr := q.cfg.Store.Delete(ctx, rec.ID); derr != nil {
			q.log.Error("Queue.dispatch: failed to delete unparseable job", "jobID", rec.ID, "error", derr)
		}
		q.finish(job, rec, OutcomeDropped, &JobError{
			QueueType: q.cfg.QueueType, JobID: rec.ID, Attempts: rec.Attempts, Err: perr,
		})
		return
	}
	if recovered {
		job.Data = data
	}

	q.cfg.Gate.Submit(q.laneKey(data, rec.ID), func() error {
		defer q.wg.Done()
		q.runAttempts(ctx, job, rec, data)
		return nil
	})
}

// laneKey namespaces the runner's lane key by queue type. An empty key gives
// the job a lane of its own.
func (q *Queue[T]) laneKey(data T, id string) string {
	if q.keyer == nil {
		return q.cfg.QueueType
	}
	if k := q.keyer.LaneKey(data); k != "" {
		return q.cfg.QueueType + ":" + k
	}
	return q.cfg.QueueType + ":" + id
}

// Idle returns a channel closed once no job in data's lane is queued or
// running. For runners without lane keys that is the whole queue.
func (q *Queue[T]) Idle(data T) <-chan struct{} {
	return q.cfg.Gate.Idle(q.laneKey(data, ""))
}

// runAttempts runs the job until it reaches a terminal state or the queue
// stops. Retries happen inside the lane, so later jobs with the same key
// wait for this one.
func (q *Queue[T]) runAttempts(ctx context.Context, job *Job[T], rec store.JobRecord, data T) {
	parsed := ParsedJob[T]{ID: rec.ID, Timestamp: rec.Timestamp, Data: data}
	for {
		if err := ctx.Err(); err != nil {
			q.finish(job, rec, OutcomeInterrupted, err)
			return
		}
		if q.IsShuttingDown() {
			q.finish(job, rec, OutcomeInterrupted, ErrShuttingDown)
			return
		}
		attempt := rec.Attempts
		log := q.log.With("jobID", rec.ID, "attempt", attempt)
		log.Debug("Queue.runAttempts: running job")

		result, runErr := q.runOnce(ctx, parsed, RunInfo{
			Attempt:     attempt,
			MaxAttempts: q.cfg.MaxAttempts,
			Log:         log,
		})

		if runErr == nil && result != NeedsRetry {
			if err := q.cfg.Store.Delete(ctx, rec.ID); err != nil {
				log.Error("Queue.runAttempts: failed to delete completed job", "error", err)
				q.finish(job, rec, OutcomeInterrupted, err)
				return
			}
			log.Debug("Queue.runAttempts: job completed")
			q.finish(job, rec, OutcomeCompleted, nil)
			return
		}

		lastErr := runErr
		if lastErr == nil {
			lastErr = errNeedsRetry
		}
		if attempt+1 >= q.cfg.MaxAttempts {
			if err := q.cfg.Store.Delete(ctx, rec.ID); err != nil {
				log.Error("Queue.runAttempts: failed to delete given-up job", "error", err)
				q.finish(job, rec, OutcomeInterrupted, err)
				return
			}
			log.Warn("Queue.runAttempts: giving up on job", "attempts", attempt+1, "error", lastErr)
			q.finish(job, rec, OutcomeGivenUp, &JobError{
				QueueType: q.cfg.QueueType, JobID: rec.ID, Attempts: attempt + 1, Err: lastErr,
			})
			return
		}

		rec.Attempts = attempt + 1
		if err := q.cfg.Store.Update(ctx, rec.ID, rec.Attempts, rec.Timestamp); err != nil {
			log.Error("Queue.runAttempts: failed to persist retry", "error", err)
			q.finish(job, rec, OutcomeInterrupted, err)
			return
		}
		if runErr != nil {
			log.Error("Queue.runAttempts: job failed, rescheduled", "nextAttempt", rec.Attempts, "error", runErr)
		} else {
			log.Info("Queue.runAttempts: job rescheduled", "nextAttempt", rec.Attempts)
		}
		q.notify(rec, OutcomeRescheduled)

		if q.cfg.Backoff != nil {
			delay := q.cfg.Backoff.Delay(rec.Attempts)
			err := q.cfg.Sleeper.Sleep(ctx, delay, q.cfg.QueueType+" retry backoff",
				sleeper.WithResolveOnShutdown(false))
			if err != nil {
				q.finish(job, rec, OutcomeInterrupted, err)
				return
			}
		}
	}
}

// runOnce calls Run, turning a panic into an error.
func (q *Queue[T]) runOnce(ctx context.Context, job ParsedJob[T], info RunInfo) (result Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	return q.runner.Run(ctx, job, info)
}

func (q *Queue[T]) finish(job *Job[T], rec store.JobRecord, o Outcome, err error) {
	q.mu.Lock()
	delete(q.jobs, rec.ID)
	q.mu.Unlock()
	q.notify(rec, o)
	job.resolve(o, err)
}

func (q *Queue[T]) notify(rec store.JobRecord, o Outcome) {
	if q.cfg.OnOutcome != nil {
		q.cfg.OnOutcome(rec, o)
	}
}
