// Package jobs holds the concrete job types Postbox runs on top of
// jobqueue: outgoing conversation messages, read/viewed receipts and local
// storage-key cleanup.
package jobs

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/Postbox/internal/backoff"
	"github.com/BTreeMap/Postbox/internal/gate"
	"github.com/BTreeMap/Postbox/internal/jobqueue"
	"github.com/BTreeMap/Postbox/internal/store"
)

// DefaultMaxRetryTime is how long a network job keeps trying after it was
// enqueued.
const DefaultMaxRetryTime = 24 * time.Hour

// ErrUnsupported is returned by senders for message kinds their transport
// cannot carry. It is always wrapped with Permanent.
var ErrUnsupported = errors.New("not supported by this transport")

// errGaveUp is reported to give-up hooks when the guard stopped the job.
var errGaveUp = errors.New("gave up before sending")

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err, or anything it wraps, was marked with
// Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Deps are the collaborators shared by every queue built by NewQueues.
type Deps struct {
	Store    store.Store
	Gate     *gate.Gate
	Sleeper  jobqueue.Sleeper
	Guard    *jobqueue.Guard
	Storage  jobqueue.Readiness
	Messages MessageSender
	Receipts ReceiptSender

	// MaxRetryTime defaults to DefaultMaxRetryTime.
	MaxRetryTime time.Duration
	Logger       *slog.Logger
	Now          func() time.Time
	// OnMessageGiveUp is called when a conversation job stops without
	// sending.
	OnMessageGiveUp func(data ConversationJobData, reason error)
}

// Queues is the set of job queues the host application runs.
type Queues struct {
	Conversation     *jobqueue.Queue[ConversationJobData]
	Receipts         *jobqueue.Queue[ReceiptsJobData]
	RemoveStorageKey *jobqueue.Queue[RemoveStorageKeyJobData]
}

// NewQueues builds every queue and registers it with reg.
func NewQueues(d Deps, reg *jobqueue.Registry) (*Queues, error) {
	if d.MaxRetryTime <= 0 {
		d.MaxRetryTime = DefaultMaxRetryTime
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	networkAttempts := backoff.ExponentialMaxAttempts(d.MaxRetryTime)

	base := func(queueType string, maxAttempts int) jobqueue.Config {
		return jobqueue.Config{
			QueueType:   queueType,
			MaxAttempts: maxAttempts,
			Store:       d.Store,
			Gate:        d.Gate,
			Sleeper:     d.Sleeper,
			Logger:      d.Logger,
			Now:         d.Now,
		}
	}

	convRunner := &ConversationRunner{
		Guard:        d.Guard,
		Sender:       d.Messages,
		MaxRetryTime: d.MaxRetryTime,
		Now:          d.Now,
		OnGiveUp:     d.OnMessageGiveUp,
	}
	conv, err := jobqueue.New[ConversationJobData](base(ConversationQueueType, networkAttempts), convRunner)
	if err != nil {
		return nil, err
	}
	convRunner.LaneIdle = func(conversationID string) <-chan struct{} {
		return conv.Idle(ConversationJobData{ConversationID: conversationID})
	}

	receipts, err := jobqueue.New[ReceiptsJobData](
		base(ReceiptsQueueType, networkAttempts),
		&ReceiptsRunner{
			Guard:        d.Guard,
			Sender:       d.Receipts,
			MaxRetryTime: d.MaxRetryTime,
			Now:          d.Now,
		},
	)
	if err != nil {
		return nil, err
	}

	removeCfg := base(RemoveStorageKeyQueueType, len(backoff.Fibonacci))
	removeCfg.Backoff = backoff.New(backoff.Fibonacci, backoff.WithJitter(time.Second))
	removeKey, err := jobqueue.New[RemoveStorageKeyJobData](
		removeCfg,
		&RemoveStorageKeyRunner{Storage: d.Storage, Items: d.Store},
	)
	if err != nil {
		return nil, err
	}

	q := &Queues{Conversation: conv, Receipts: receipts, RemoveStorageKey: removeKey}
	for _, m := range []jobqueue.Managed{conv, receipts, removeKey} {
		if err := reg.Register(m); err != nil {
			return nil, fmt.Errorf("register %s queue: %w", m.QueueType(), err)
		}
	}
	return q, nil
}
