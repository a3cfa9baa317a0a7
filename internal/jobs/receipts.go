package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/BTreeMap/Postbox/internal/jobqueue"
)

// ReceiptsQueueType tags receipt jobs.
const ReceiptsQueueType = "receipts"

// ReceiptType is the kind of receipt being sent.
type ReceiptType string

const (
	ReceiptRead   ReceiptType = "read"
	ReceiptViewed ReceiptType = "viewed"
)

// Receipt acknowledges one incoming message.
type Receipt struct {
	ChatID    string `json:"chatId"`
	SenderID  string `json:"senderId"`
	MessageID string `json:"messageId"`
	Timestamp int64  `json:"timestamp"` // ms since epoch the message was read
}

// ReceiptsJobData is the persisted payload of a receipts job.
type ReceiptsJobData struct {
	Type     ReceiptType `json:"type"`
	Receipts []Receipt   `json:"receipts"`
}

// ReceiptSender delivers a batch of receipts for one chat and sender.
type ReceiptSender interface {
	SendReceipts(ctx context.Context, typ ReceiptType, chatID, senderID string, messageIDs []string, at time.Time) error
}

// ReceiptsRunner sends a batch of receipts, grouped by chat and sender.
type ReceiptsRunner struct {
	Guard        *jobqueue.Guard
	Sender       ReceiptSender
	MaxRetryTime time.Duration
	Now          func() time.Time
}

// ParseData implements jobqueue.Runner.
func (r *ReceiptsRunner) ParseData(raw json.RawMessage) (ReceiptsJobData, error) {
	var d ReceiptsJobData
	if err := json.Unmarshal(raw, &d); err != nil {
		return d, err
	}
	if d.Type != ReceiptRead && d.Type != ReceiptViewed {
		return d, fmt.Errorf("receipts job: unknown type %q", d.Type)
	}
	if len(d.Receipts) == 0 {
		return d, fmt.Errorf("receipts job: no receipts")
	}
	for i, rc := range d.Receipts {
		if rc.ChatID == "" || rc.MessageID == "" {
			return d, fmt.Errorf("receipts job: receipt %d missing chat or message id", i)
		}
	}
	return d, nil
}

// LaneKey implements jobqueue.LaneKeyer. Batches spanning chats share one
// lane.
func (r *ReceiptsRunner) LaneKey(d ReceiptsJobData) string {
	chat := d.Receipts[0].ChatID
	for _, rc := range d.Receipts[1:] {
		if rc.ChatID != chat {
			return "multi-chat"
		}
	}
	return chat
}

type receiptGroup struct {
	chatID, senderID string
	ids              []string
	latest           int64
}

// groupReceipts batches receipts by chat and sender, keeping first-seen
// order.
func groupReceipts(receipts []Receipt) []*receiptGroup {
	var groups []*receiptGroup
	index := make(map[[2]string]*receiptGroup)
	for _, rc := range receipts {
		k := [2]string{rc.ChatID, rc.SenderID}
		g, ok := index[k]
		if !ok {
			g = &receiptGroup{chatID: rc.ChatID, senderID: rc.SenderID}
			index[k] = g
			groups = append(groups, g)
		}
		g.ids = append(g.ids, rc.MessageID)
		if rc.Timestamp > g.latest {
			g.latest = rc.Timestamp
		}
	}
	return groups
}

// Run implements jobqueue.Runner.
func (r *ReceiptsRunner) Run(ctx context.Context, job jobqueue.ParsedJob[ReceiptsJobData], info jobqueue.RunInfo) (jobqueue.Result, error) {
	now := time.Now
	if r.Now != nil {
		now = r.Now
	}
	log := info.Log.With("receiptType", job.Data.Type, "count", len(job.Data.Receipts))

	remaining := jobqueue.TimeRemaining(job.Timestamp, r.MaxRetryTime, now())
	if !r.Guard.ShouldContinue(ctx, jobqueue.ContinueParams{
		Attempt:       info.Attempt,
		TimeRemaining: remaining,
		Log:           log,
	}) {
		return jobqueue.Done, nil
	}

	for _, g := range groupReceipts(job.Data.Receipts) {
		at := time.UnixMilli(g.latest)
		if g.latest == 0 {
			at = now()
		}
		if err := r.Sender.SendReceipts(ctx, job.Data.Type, g.chatID, g.senderID, g.ids, at); err != nil {
			if IsPermanent(err) {
				log.Warn("ReceiptsRunner.Run: permanent failure, dropping", "chatID", g.chatID, "error", err)
				return jobqueue.Done, nil
			}
			return jobqueue.NeedsRetry, fmt.Errorf("send %s receipts to %s: %w", job.Data.Type, g.chatID, err)
		}
	}
	log.Debug("ReceiptsRunner.Run: receipts sent")
	return jobqueue.Done, nil
}
