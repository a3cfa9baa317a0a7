package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/Postbox/internal/jobqueue"
	"github.com/BTreeMap/Postbox/internal/sleeper"
)

// ConversationQueueType tags outgoing conversation jobs.
const ConversationQueueType = "conversation"

// ConversationJobType selects what a conversation job sends.
type ConversationJobType string

const (
	NormalMessage     ConversationJobType = "NormalMessage"
	Reaction          ConversationJobType = "Reaction"
	DeleteForEveryone ConversationJobType = "DeleteForEveryone"
)

// ConversationJobData is the persisted payload of a conversation job.
type ConversationJobData struct {
	Type           ConversationJobType `json:"type"`
	ConversationID string              `json:"conversationId"`
	// Recipient is the transport address (phone number or JID).
	Recipient string `json:"recipient"`
	// MessageID is reused on every attempt so the receiver can dedupe.
	MessageID string `json:"messageId"`
	Body      string `json:"body,omitempty"`

	// Reaction and DeleteForEveryone target an earlier message.
	TargetMessageID string `json:"targetMessageId,omitempty"`
	TargetSender    string `json:"targetSender,omitempty"`
	Emoji           string `json:"emoji,omitempty"`
}

// MessageSender delivers conversation messages.
type MessageSender interface {
	SendText(ctx context.Context, recipient, messageID, body string) error
	SendReaction(ctx context.Context, recipient, targetSender, targetMessageID, emoji string) error
	SendRevoke(ctx context.Context, recipient, targetMessageID string) error
}

// ConversationRunner sends one message per job. Jobs for the same
// conversation are serialized.
//
// A send that fails with a RateLimited error blocks its conversation: every
// later attempt in that conversation waits until the block's retryAt before
// sending. The block is lifted by the next successful send, or once the
// conversation's lane has gone idle and retryAt has passed.
type ConversationRunner struct {
	Guard        *jobqueue.Guard
	Sender       MessageSender
	MaxRetryTime time.Duration
	Now          func() time.Time
	// OnGiveUp, if set, is told when a message will never be sent: the guard
	// stopped it, the transport rejected it, or the final attempt failed.
	OnGiveUp func(data ConversationJobData, reason error)
	// LaneIdle returns a channel closed when the conversation has no queued
	// or running jobs. Without it a block is only lifted by a send.
	LaneIdle func(conversationID string) <-chan struct{}

	blocks conversationBlocks
}

// ParseData implements jobqueue.Runner.
func (r *ConversationRunner) ParseData(raw json.RawMessage) (ConversationJobData, error) {
	var d ConversationJobData
	if err := json.Unmarshal(raw, &d); err != nil {
		return d, err
	}
	if d.ConversationID == "" || d.Recipient == "" {
		return d, fmt.Errorf("conversation job: missing conversation or recipient")
	}
	switch d.Type {
	case NormalMessage:
		if d.MessageID == "" {
			return d, fmt.Errorf("conversation job: message without id")
		}
	case Reaction:
		if d.TargetMessageID == "" {
			return d, fmt.Errorf("conversation job: reaction without target")
		}
	case DeleteForEveryone:
		if d.TargetMessageID == "" {
			return d, fmt.Errorf("conversation job: delete without target")
		}
	default:
		return d, fmt.Errorf("conversation job: unknown type %q", d.Type)
	}
	return d, nil
}

// LaneKey implements jobqueue.LaneKeyer.
func (r *ConversationRunner) LaneKey(d ConversationJobData) string {
	return d.ConversationID
}

// Run implements jobqueue.Runner.
func (r *ConversationRunner) Run(ctx context.Context, job jobqueue.ParsedJob[ConversationJobData], info jobqueue.RunInfo) (jobqueue.Result, error) {
	log := info.Log.With("conversationID", job.Data.ConversationID, "type", job.Data.Type)

	convID := job.Data.ConversationID
	remaining := jobqueue.TimeRemaining(job.Timestamp, r.MaxRetryTime, r.now())

	// The rate limit wait stands in for the guard's backoff sleep.
	blocked := false
	if retryAt, ok := r.blocks.until(convID); ok {
		blocked = true
		if wait := retryAt.Sub(r.now()); wait > 0 {
			if wait >= remaining {
				log.Warn("ConversationRunner.Run: rate limit outlasts the retry budget, giving up", "retryAt", retryAt)
				r.giveUp(job.Data, errRateLimited)
				return jobqueue.Done, nil
			}
			log.Info("ConversationRunner.Run: conversation is rate limited, waiting", "retryAt", retryAt, "wait", wait)
			if err := r.Guard.Sleeper.Sleep(ctx, wait, "conversation rate limit"); err != nil {
				return jobqueue.NeedsRetry, err
			}
			remaining = jobqueue.TimeRemaining(job.Timestamp, r.MaxRetryTime, r.now())
		}
	}

	if !r.Guard.ShouldContinue(ctx, jobqueue.ContinueParams{
		Attempt:       info.Attempt,
		TimeRemaining: remaining,
		SkipWait:      blocked,
		Log:           log,
	}) {
		r.giveUp(job.Data, errGaveUp)
		return jobqueue.Done, nil
	}

	err := r.send(ctx, job.Data)
	if err == nil {
		r.blocks.clear(convID)
		log.Debug("ConversationRunner.Run: sent")
		return jobqueue.Done, nil
	}
	if retryAfter, ok := RetryAfter(err); ok {
		retryAt, created := r.blocks.capture(convID, retryAfter, r.now())
		log.Warn("ConversationRunner.Run: rate limited", "retryAt", retryAt, "error", err)
		if created && r.LaneIdle != nil {
			go r.releaseWhenIdle(ctx, convID, log)
		}
	}
	if IsPermanent(err) {
		log.Warn("ConversationRunner.Run: permanent send failure, dropping", "error", err)
		r.giveUp(job.Data, err)
		return jobqueue.Done, nil
	}
	if info.IsFinalAttempt() {
		log.Warn("ConversationRunner.Run: final attempt failed", "error", err)
		r.giveUp(job.Data, err)
	}
	return jobqueue.NeedsRetry, err
}

// releaseWhenIdle lifts the block on convID once its lane has drained and
// retryAt has passed.
func (r *ConversationRunner) releaseWhenIdle(ctx context.Context, convID string, log *slog.Logger) {
	for {
		select {
		case <-r.LaneIdle(convID):
		case <-ctx.Done():
			return
		}
		retryAt, ok := r.blocks.until(convID)
		if !ok {
			return
		}
		if wait := retryAt.Sub(r.now()); wait > 0 {
			err := r.Guard.Sleeper.Sleep(ctx, wait, "conversation rate limit release",
				sleeper.WithResolveOnShutdown(false))
			if err != nil {
				return
			}
		}
		if r.blocks.clearIfUnchanged(convID, retryAt) {
			log.Info("ConversationRunner.releaseWhenIdle: rate limit lifted")
			return
		}
	}
}

func (r *ConversationRunner) send(ctx context.Context, d ConversationJobData) error {
	switch d.Type {
	case NormalMessage:
		return r.Sender.SendText(ctx, d.Recipient, d.MessageID, d.Body)
	case Reaction:
		return r.Sender.SendReaction(ctx, d.Recipient, d.TargetSender, d.TargetMessageID, d.Emoji)
	case DeleteForEveryone:
		return r.Sender.SendRevoke(ctx, d.Recipient, d.TargetMessageID)
	}
	return Permanent(fmt.Errorf("conversation job type %q: %w", d.Type, ErrUnsupported))
}

func (r *ConversationRunner) giveUp(d ConversationJobData, reason error) {
	if r.OnGiveUp != nil {
		r.OnGiveUp(d, reason)
	}
}

func (r *ConversationRunner) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}
