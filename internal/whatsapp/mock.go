package whatsapp

import (
	"context"
	"sync"
	"time"

	"github.com/BTreeMap/Postbox/internal/jobs"
)

// MockClient stands in for Client when no WhatsApp account is available. It
// is always online and linked unless told otherwise, and records what it
// was asked to send.
type MockClient struct {
	mu       sync.Mutex
	online   bool
	linked   bool
	sendErr  error
	Messages []MockMessage
	Receipts []MockReceipts
}

// MockMessage is one recorded send.
type MockMessage struct {
	Kind      string // "text", "reaction" or "revoke"
	Recipient string
	MessageID string
	Body      string
}

// MockReceipts is one recorded receipt batch.
type MockReceipts struct {
	Type       jobs.ReceiptType
	ChatID     string
	SenderID   string
	MessageIDs []string
}

// NewMockClient creates an online, linked mock.
func NewMockClient() *MockClient {
	return &MockClient{online: true, linked: true}
}

// SetOnline changes the connectivity state.
func (m *MockClient) SetOnline(online bool) {
	m.mu.Lock()
	m.online = online
	m.mu.Unlock()
}

// SetLinked changes the link state.
func (m *MockClient) SetLinked(linked bool) {
	m.mu.Lock()
	m.linked = linked
	m.mu.Unlock()
}

// FailSends makes every send return err (nil restores success).
func (m *MockClient) FailSends(err error) {
	m.mu.Lock()
	m.sendErr = err
	m.mu.Unlock()
}

func (m *MockClient) IsOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// WaitForOnline polls the mock's state until timeout.
func (m *MockClient) WaitForOnline(ctx context.Context, timeout time.Duration) error {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(10 * time.Millisecond)
	defer tick.Stop()
	for {
		if m.IsOnline() {
			return nil
		}
		select {
		case <-deadline.C:
			return ErrTimeout
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
		}
	}
}

func (m *MockClient) IsDeviceLinked() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.linked
}

func (m *MockClient) record(msg MockMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Messages = append(m.Messages, msg)
	return m.sendErr
}

func (m *MockClient) SendText(ctx context.Context, recipient, messageID, body string) error {
	if _, err := ParseRecipient(recipient); err != nil {
		return jobs.Permanent(err)
	}
	return m.record(MockMessage{Kind: "text", Recipient: recipient, MessageID: messageID, Body: body})
}

func (m *MockClient) SendReaction(ctx context.Context, recipient, targetSender, targetMessageID, emoji string) error {
	return m.record(MockMessage{Kind: "reaction", Recipient: recipient, MessageID: targetMessageID, Body: emoji})
}

func (m *MockClient) SendRevoke(ctx context.Context, recipient, targetMessageID string) error {
	return m.record(MockMessage{Kind: "revoke", Recipient: recipient, MessageID: targetMessageID})
}

func (m *MockClient) SendReceipts(ctx context.Context, typ jobs.ReceiptType, chatID, senderID string, messageIDs []string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Receipts = append(m.Receipts, MockReceipts{Type: typ, ChatID: chatID, SenderID: senderID, MessageIDs: messageIDs})
	return m.sendErr
}

// Sent returns a copy of the recorded messages.
func (m *MockClient) Sent() []MockMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]MockMessage(nil), m.Messages...)
}
