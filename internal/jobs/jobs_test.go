package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BTreeMap/Postbox/internal/backoff"
	"github.com/BTreeMap/Postbox/internal/gate"
	"github.com/BTreeMap/Postbox/internal/jobqueue"
	"github.com/BTreeMap/Postbox/internal/lifecycle"
	"github.com/BTreeMap/Postbox/internal/store"
	"github.com/BTreeMap/Postbox/internal/testutil"
)

type sentMessage struct {
	kind, recipient, id, body, target, emoji string
}

type sentReceipts struct {
	typ          ReceiptType
	chat, sender string
	ids          []string
	at           time.Time
}

// fakeSender records what it sends and fails according to failNext.
type fakeSender struct {
	mu       sync.Mutex
	messages []sentMessage
	receipts []sentReceipts
	failNext []error
}

func (f *fakeSender) nextErr() error {
	if len(f.failNext) == 0 {
		return nil
	}
	err := f.failNext[0]
	f.failNext = f.failNext[1:]
	return err
}

func (f *fakeSender) SendText(_ context.Context, recipient, messageID, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, sentMessage{kind: "text", recipient: recipient, id: messageID, body: body})
	return f.nextErr()
}

func (f *fakeSender) SendReaction(_ context.Context, recipient, targetSender, targetMessageID, emoji string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, sentMessage{kind: "reaction", recipient: recipient, target: targetMessageID, emoji: emoji})
	return f.nextErr()
}

func (f *fakeSender) SendRevoke(_ context.Context, recipient, targetMessageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, sentMessage{kind: "revoke", recipient: recipient, target: targetMessageID})
	return f.nextErr()
}

func (f *fakeSender) SendReceipts(_ context.Context, typ ReceiptType, chatID, senderID string, ids []string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.receipts = append(f.receipts, sentReceipts{typ: typ, chat: chatID, sender: senderID, ids: ids, at: at})
	return f.nextErr()
}

func (f *fakeSender) sent() []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentMessage(nil), f.messages...)
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	store   *store.InMemoryStore
	sender  *fakeSender
	conn    *testutil.FakeConnectivity
	link    *testutil.FakeLink
	sleeps  *testutil.RecordingSleeper
	clock   *fakeClock
	reg     *jobqueue.Registry
	queues  *Queues
	givenUp []error
	mu      sync.Mutex
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:  store.NewInMemoryStore(),
		sender: &fakeSender{},
		conn:   testutil.NewFakeConnectivity(true),
		link:   testutil.NewFakeLink(true),
		sleeps: &testutil.RecordingSleeper{},
		clock:  &fakeClock{t: time.UnixMilli(1_700_000_000_000)},
		reg:    jobqueue.NewRegistry(),
	}
	storage := lifecycle.NewBarrier("storage")
	storage.Open()

	queues, err := NewQueues(Deps{
		Store:   f.store,
		Gate:    gate.New(),
		Sleeper: f.sleeps,
		Guard: &jobqueue.Guard{
			Connectivity: f.conn,
			Link:         f.link,
			Storage:      storage,
			Sleeper:      f.sleeps,
		},
		Storage:  storage,
		Messages: f.sender,
		Receipts: f.sender,
		Now:      f.clock.Now,
		OnMessageGiveUp: func(_ ConversationJobData, reason error) {
			f.mu.Lock()
			f.givenUp = append(f.givenUp, reason)
			f.mu.Unlock()
		},
	}, f.reg)
	require.NoError(t, err)
	f.queues = queues
	return f
}

func (f *fixture) gaveUp() []error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]error(nil), f.givenUp...)
}

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func textMessage(conv, id string) ConversationJobData {
	return ConversationJobData{Type: NormalMessage, ConversationID: conv, Recipient: "+15550001", MessageID: id, Body: "hi"}
}

func TestNewQueues_RegistersEveryQueue(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, []string{ConversationQueueType, ReceiptsQueueType, RemoveStorageKeyQueueType}, f.reg.QueueTypes())
	assert.Equal(t, backoff.ExponentialMaxAttempts(DefaultMaxRetryTime), f.queues.Conversation.MaxAttempts())
	assert.Equal(t, len(backoff.Fibonacci), f.queues.RemoveStorageKey.MaxAttempts())
}

func TestConversationRunner_ParseData(t *testing.T) {
	r := &ConversationRunner{}
	tests := []struct {
		name string
		raw  string
		ok   bool
	}{
		{"text", `{"type":"NormalMessage","conversationId":"c","recipient":"r","messageId":"m"}`, true},
		{"reaction", `{"type":"Reaction","conversationId":"c","recipient":"r","targetMessageId":"m","emoji":"+"}`, true},
		{"revoke", `{"type":"DeleteForEveryone","conversationId":"c","recipient":"r","targetMessageId":"m"}`, true},
		{"unknown type", `{"type":"ProfileKey","conversationId":"c","recipient":"r"}`, false},
		{"text without id", `{"type":"NormalMessage","conversationId":"c","recipient":"r"}`, false},
		{"no recipient", `{"type":"NormalMessage","conversationId":"c","messageId":"m"}`, false},
		{"not json", `[`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.ParseData([]byte(tt.raw))
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestConversation_SendsAndDeletes(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.reg.StartAll(context.Background()))

	job, err := f.queues.Conversation.Add(context.Background(), textMessage("c1", "m1"))
	require.NoError(t, err)
	require.NoError(t, job.Wait(waitCtx(t)))

	assert.Equal(t, []sentMessage{{kind: "text", recipient: "+15550001", id: "m1", body: "hi"}}, f.sender.sent())
	assert.Equal(t, 0, f.store.Len())
}

func TestConversation_TransientFailureRetriesWithSameID(t *testing.T) {
	f := newFixture(t)
	f.sender.failNext = []error{errors.New("socket closed")}
	require.NoError(t, f.reg.StartAll(context.Background()))

	job, err := f.queues.Conversation.Add(context.Background(), textMessage("c1", "m1"))
	require.NoError(t, err)
	require.NoError(t, job.Wait(waitCtx(t)))

	sent := f.sender.sent()
	require.Len(t, sent, 2)
	assert.Equal(t, sent[0].id, sent[1].id)
	assert.Empty(t, f.gaveUp())
	// The guard slept the attempt-1 backoff before the retry.
	assert.Contains(t, f.sleeps.Sleeps(), backoff.ExponentialSleepTime(2))
}

func TestConversation_PermanentFailureDrops(t *testing.T) {
	f := newFixture(t)
	f.sender.failNext = []error{Permanent(errors.New("invalid recipient"))}
	require.NoError(t, f.reg.StartAll(context.Background()))

	job, err := f.queues.Conversation.Add(context.Background(), textMessage("c1", "m1"))
	require.NoError(t, err)
	require.NoError(t, job.Wait(waitCtx(t)))

	assert.Len(t, f.sender.sent(), 1)
	require.Len(t, f.gaveUp(), 1)
	assert.True(t, IsPermanent(f.gaveUp()[0]))
	assert.Equal(t, 0, f.store.Len())
}

func TestConversation_ExpiredBudgetNeverSends(t *testing.T) {
	f := newFixture(t)
	job, err := f.queues.Conversation.Add(context.Background(), textMessage("c1", "m1"))
	require.NoError(t, err)

	// The process was down for longer than the retry budget.
	f.clock.Advance(DefaultMaxRetryTime + time.Minute)
	require.NoError(t, f.reg.StartAll(context.Background()))
	require.NoError(t, job.Wait(waitCtx(t)))

	assert.Empty(t, f.sender.sent())
	assert.Equal(t, []error{errGaveUp}, f.gaveUp())
	assert.Equal(t, 0, f.store.Len())
}

func TestConversation_UnlinkedDeviceGivesUp(t *testing.T) {
	f := newFixture(t)
	f.link.SetLinked(false)
	require.NoError(t, f.reg.StartAll(context.Background()))

	job, err := f.queues.Conversation.Add(context.Background(), textMessage("c1", "m1"))
	require.NoError(t, err)
	require.NoError(t, job.Wait(waitCtx(t)))
	assert.Empty(t, f.sender.sent())
	assert.Equal(t, 0, f.conn.Waits())
}

func TestConversation_SameConversationKeepsOrder(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.reg.StartAll(context.Background()))

	var handles []*jobqueue.Job[ConversationJobData]
	for _, id := range []string{"m1", "m2", "m3"} {
		job, err := f.queues.Conversation.Add(context.Background(), textMessage("c1", id))
		require.NoError(t, err)
		handles = append(handles, job)
	}
	react, err := f.queues.Conversation.Add(context.Background(), ConversationJobData{
		Type: Reaction, ConversationID: "c1", Recipient: "+15550001", TargetMessageID: "m2", Emoji: "👍",
	})
	require.NoError(t, err)
	handles = append(handles, react)

	ctx := waitCtx(t)
	for _, h := range handles {
		require.NoError(t, h.Wait(ctx))
	}
	sent := f.sender.sent()
	require.Len(t, sent, 4)
	assert.Equal(t, []string{"m1", "m2", "m3"}, []string{sent[0].id, sent[1].id, sent[2].id})
	assert.Equal(t, "reaction", sent[3].kind)
	assert.Equal(t, "m2", sent[3].target)
}

func TestReceipts_GroupedByChatAndSender(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.reg.StartAll(context.Background()))

	job, err := f.queues.Receipts.Add(context.Background(), ReceiptsJobData{
		Type: ReceiptRead,
		Receipts: []Receipt{
			{ChatID: "g1", SenderID: "alice", MessageID: "1", Timestamp: 1000},
			{ChatID: "g1", SenderID: "bob", MessageID: "2", Timestamp: 2000},
			{ChatID: "g1", SenderID: "alice", MessageID: "3", Timestamp: 3000},
		},
	})
	require.NoError(t, err)
	require.NoError(t, job.Wait(waitCtx(t)))

	f.sender.mu.Lock()
	defer f.sender.mu.Unlock()
	require.Len(t, f.sender.receipts, 2)
	assert.Equal(t, "alice", f.sender.receipts[0].sender)
	assert.Equal(t, []string{"1", "3"}, f.sender.receipts[0].ids)
	assert.Equal(t, time.UnixMilli(3000), f.sender.receipts[0].at)
	assert.Equal(t, []string{"2"}, f.sender.receipts[1].ids)
}

func TestReceipts_LaneKey(t *testing.T) {
	r := &ReceiptsRunner{}
	assert.Equal(t, "g1", r.LaneKey(ReceiptsJobData{Receipts: []Receipt{{ChatID: "g1"}, {ChatID: "g1"}}}))
	assert.Equal(t, "multi-chat", r.LaneKey(ReceiptsJobData{Receipts: []Receipt{{ChatID: "g1"}, {ChatID: "g2"}}}))

	_, err := r.ParseData([]byte(`{"type":"read","receipts":[]}`))
	assert.Error(t, err)
}

func TestRemoveStorageKey_RemovesItem(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.PutItem(ctx, "senderKey:g1", "secret"))
	require.NoError(t, f.reg.StartAll(ctx))

	job, err := f.queues.RemoveStorageKey.Add(ctx, RemoveStorageKeyJobData{Key: "senderKey:g1"})
	require.NoError(t, err)
	require.NoError(t, job.Wait(waitCtx(t)))

	_, ok, err := f.store.GetItem(ctx, "senderKey:g1")
	require.NoError(t, err)
	assert.False(t, ok)
}

type flakyRemover struct {
	mu    sync.Mutex
	fails int
	calls int
}

func (r *flakyRemover) RemoveItem(context.Context, string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.calls <= r.fails {
		return errors.New("database is locked")
	}
	return nil
}

func TestRemoveStorageKey_RetriesWithQueueBackoff(t *testing.T) {
	storage := lifecycle.NewBarrier("storage")
	storage.Open()
	remover := &flakyRemover{fails: 2}
	sleeps := &testutil.RecordingSleeper{}
	q, err := jobqueue.New[RemoveStorageKeyJobData](jobqueue.Config{
		QueueType:   RemoveStorageKeyQueueType,
		MaxAttempts: 5,
		Store:       store.NewInMemoryStore(),
		Backoff:     backoff.New(backoff.Fibonacci),
		Sleeper:     sleeps,
	}, &RemoveStorageKeyRunner{Storage: storage, Items: remover})
	require.NoError(t, err)
	require.NoError(t, q.Start(context.Background()))

	job, err := q.Add(context.Background(), RemoveStorageKeyJobData{Key: "k"})
	require.NoError(t, err)
	require.NoError(t, job.Wait(waitCtx(t)))
	assert.Equal(t, 3, remover.calls)
	assert.Equal(t, []time.Duration{2 * time.Second, 3 * time.Second}, sleeps.Sleeps())
}

func TestPermanent(t *testing.T) {
	assert.Nil(t, Permanent(nil))
	base := errors.New("x")
	err := Permanent(base)
	assert.True(t, IsPermanent(err))
	assert.ErrorIs(t, err, base)
	assert.False(t, IsPermanent(base))
}

func newConversationRunner(t *testing.T) (*ConversationRunner, *fakeSender, *testutil.RecordingSleeper, *fakeClock) {
	t.Helper()
	storage := lifecycle.NewBarrier("storage")
	storage.Open()
	sender := &fakeSender{}
	sleeps := &testutil.RecordingSleeper{}
	clock := &fakeClock{t: time.UnixMilli(1_700_000_000_000)}
	r := &ConversationRunner{
		Guard: &jobqueue.Guard{
			Connectivity: testutil.NewFakeConnectivity(true),
			Link:         testutil.NewFakeLink(true),
			Storage:      storage,
			Sleeper:      sleeps,
		},
		Sender:       sender,
		MaxRetryTime: DefaultMaxRetryTime,
		Now:          clock.Now,
	}
	return r, sender, sleeps, clock
}

func parsedConversationJob(id string, ts time.Time, d ConversationJobData) jobqueue.ParsedJob[ConversationJobData] {
	return jobqueue.ParsedJob[ConversationJobData]{ID: id, Timestamp: ts.UnixMilli(), Data: d}
}

func TestConversation_RateLimitHoldsLaterJobsUntilRetryAt(t *testing.T) {
	r, sender, sleeps, clock := newConversationRunner(t)
	ctx := context.Background()
	info := jobqueue.RunInfo{Attempt: 0, MaxAttempts: 10, Log: slog.Default()}
	start := clock.Now()

	sender.failNext = []error{RateLimited(errors.New("429 Too Many Requests"), 30*time.Second)}
	res, err := r.Run(ctx, parsedConversationJob("a", start, textMessage("c1", "m1")), info)
	require.Error(t, err)
	assert.Equal(t, jobqueue.NeedsRetry, res)

	clock.Advance(10 * time.Second)
	before := len(sleeps.Sleeps())
	res, err = r.Run(ctx, parsedConversationJob("b", clock.Now(), textMessage("c1", "m2")), info)
	require.NoError(t, err)
	assert.Equal(t, jobqueue.Done, res)

	// The second job waited out the rest of the block instead of the guard's
	// backoff, then sent.
	assert.Equal(t, []time.Duration{20 * time.Second}, sleeps.Sleeps()[before:])
	sent := sender.sent()
	require.Len(t, sent, 2)
	assert.Equal(t, "m2", sent[1].id)

	_, blocked := r.blocks.until("c1")
	assert.False(t, blocked, "a successful send lifts the block")
}

func TestConversation_RateLimitDoesNotBlockOtherConversations(t *testing.T) {
	r, sender, sleeps, clock := newConversationRunner(t)
	ctx := context.Background()
	info := jobqueue.RunInfo{Attempt: 0, MaxAttempts: 10, Log: slog.Default()}

	sender.failNext = []error{RateLimited(errors.New("429"), time.Hour)}
	_, err := r.Run(ctx, parsedConversationJob("a", clock.Now(), textMessage("c1", "m1")), info)
	require.Error(t, err)

	_, err = r.Run(ctx, parsedConversationJob("b", clock.Now(), textMessage("c2", "m2")), info)
	require.NoError(t, err)
	assert.NotContains(t, sleeps.Sleeps(), time.Hour)
	assert.Len(t, sender.sent(), 2)
}

func TestConversation_RateLimitPastBudgetGivesUp(t *testing.T) {
	f := newFixture(t)
	f.sender.failNext = []error{RateLimited(errors.New("429"), 2*DefaultMaxRetryTime)}
	require.NoError(t, f.reg.StartAll(context.Background()))

	job, err := f.queues.Conversation.Add(context.Background(), textMessage("c1", "m1"))
	require.NoError(t, err)
	require.NoError(t, job.Wait(waitCtx(t)))

	assert.Len(t, f.sender.sent(), 1)
	require.Len(t, f.gaveUp(), 1)
	assert.ErrorIs(t, f.gaveUp()[0], errRateLimited)
	assert.Equal(t, 0, f.store.Len())
}

func TestConversation_RateLimitedRetryWaitsForRetryAt(t *testing.T) {
	f := newFixture(t)
	f.sender.failNext = []error{RateLimited(errors.New("429"), 30*time.Second)}
	require.NoError(t, f.reg.StartAll(context.Background()))

	first, err := f.queues.Conversation.Add(context.Background(), textMessage("c1", "m1"))
	require.NoError(t, err)
	second, err := f.queues.Conversation.Add(context.Background(), textMessage("c1", "m2"))
	require.NoError(t, err)

	ctx := waitCtx(t)
	require.NoError(t, first.Wait(ctx))
	require.NoError(t, second.Wait(ctx))

	sent := f.sender.sent()
	require.Len(t, sent, 3)
	assert.Equal(t, []string{"m1", "m1", "m2"}, []string{sent[0].id, sent[1].id, sent[2].id})
	assert.Contains(t, f.sleeps.Sleeps(), 30*time.Second)
	assert.NotContains(t, f.sleeps.Sleeps(), backoff.ExponentialSleepTime(2),
		"the rate limit wait replaces the guard backoff")
	assert.Empty(t, f.gaveUp())
}

func TestConversationBlocks_Capture(t *testing.T) {
	var b conversationBlocks
	now := time.UnixMilli(1_700_000_000_000)

	retryAt, created := b.capture("c1", 30*time.Second, now)
	assert.True(t, created)
	assert.Equal(t, now.Add(30*time.Second), retryAt)

	// Repeated limits back off in minutes along the Fibonacci table.
	retryAt, created = b.capture("c1", time.Second, now)
	assert.False(t, created)
	assert.Equal(t, now.Add(3*time.Minute), retryAt)
	retryAt, _ = b.capture("c1", time.Second, now)
	assert.Equal(t, now.Add(5*time.Minute), retryAt)

	// A server delay longer than the backoff wins.
	retryAt, _ = b.capture("c1", time.Hour, now)
	assert.Equal(t, now.Add(time.Hour), retryAt)

	// retryAt never moves earlier.
	retryAt, _ = b.capture("c1", time.Second, now)
	assert.Equal(t, now.Add(time.Hour), retryAt)

	assert.False(t, b.clearIfUnchanged("c1", now.Add(time.Minute)), "block was extended")
	assert.True(t, b.clearIfUnchanged("c1", now.Add(time.Hour)))
	_, ok := b.until("c1")
	assert.False(t, ok)
}

func TestConversationRunner_ReleasesBlockWhenLaneIsIdle(t *testing.T) {
	r, _, sleeps, clock := newConversationRunner(t)
	idle := make(chan struct{})
	r.LaneIdle = func(string) <-chan struct{} { return idle }
	r.blocks.capture("c1", 30*time.Second, clock.Now())

	done := make(chan struct{})
	go func() {
		r.releaseWhenIdle(context.Background(), "c1", slog.Default())
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("block released while the lane was busy")
	case <-time.After(20 * time.Millisecond):
	}
	_, ok := r.blocks.until("c1")
	require.True(t, ok)

	close(idle)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("block not released after the lane went idle")
	}
	_, ok = r.blocks.until("c1")
	assert.False(t, ok)
	assert.Equal(t, []time.Duration{30 * time.Second}, sleeps.Sleeps())
}

func TestConversationRunner_ReleaseStopsWithContext(t *testing.T) {
	r, _, _, clock := newConversationRunner(t)
	r.LaneIdle = func(string) <-chan struct{} { return make(chan struct{}) }
	r.blocks.capture("c1", 30*time.Second, clock.Now())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r.releaseWhenIdle(ctx, "c1", slog.Default())

	_, ok := r.blocks.until("c1")
	assert.True(t, ok, "a cancelled release keeps the block")
}

func TestRetryAfter(t *testing.T) {
	_, ok := RetryAfter(errors.New("plain"))
	assert.False(t, ok)

	d, ok := RetryAfter(fmt.Errorf("send: %w", RateLimited(errors.New("429"), 0)))
	assert.True(t, ok)
	assert.Equal(t, DefaultRetryAfter, d)

	d, ok = RetryAfter(RateLimited(errors.New("429"), 5*time.Second))
	assert.True(t, ok)
	assert.Equal(t, 5*time.Second, d)
	assert.Nil(t, RateLimited(nil, time.Second))
}
