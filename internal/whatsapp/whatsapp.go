// Package whatsapp wraps the Whatsmeow client as the Postbox transport.
//
// The Client is the job queues' connectivity and link-state oracle, and it
// sends the messages and receipts produced by the conversation and receipts
// jobs.
package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/mdp/qrterminal/v3"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"

	"github.com/BTreeMap/Postbox/internal/jobqueue"
	"github.com/BTreeMap/Postbox/internal/jobs"
	"github.com/BTreeMap/Postbox/internal/store"
)

// Constants for WhatsApp client configuration
const (
	// DefaultSQLitePath is the default path for the whatsmeow SQLite database
	DefaultSQLitePath = "/var/lib/postbox/whatsmeow.db"
	// JIDSuffix is the WhatsApp JID suffix for regular users
	JIDSuffix = "s.whatsapp.net"
	// DefaultIncomingBufferSize is the buffer of the Incoming channel
	DefaultIncomingBufferSize = 100
)

// ErrTimeout is returned by WaitForOnline when the client stays offline for
// the whole timeout.
var ErrTimeout = errors.New("whatsapp: timed out waiting for connection")

// Compile-time checks for the roles the client plays.
var (
	_ jobqueue.Connectivity = (*Client)(nil)
	_ jobqueue.LinkState    = (*Client)(nil)
	_ jobs.MessageSender    = (*Client)(nil)
	_ jobs.ReceiptSender    = (*Client)(nil)
)

// IncomingMessage is a text message received from a contact.
type IncomingMessage struct {
	ChatID    string
	SenderID  string
	MessageID string
	Body      string
	Timestamp time.Time
}

// Opts holds configuration options for the WhatsApp client.
type Opts struct {
	DBDSN       string // whatsmeow database connection string
	QRPath      string // path to write login QR code
	NumericCode bool   // print the raw pairing code instead of a QR code
}

// Option defines a configuration option for the WhatsApp client.
type Option func(*Opts)

// WithDBDSN sets the whatsmeow database connection string.
func WithDBDSN(dsn string) Option {
	return func(o *Opts) {
		o.DBDSN = dsn
	}
}

// WithQRCodeOutput writes the login QR code to path instead of stdout.
func WithQRCodeOutput(path string) Option {
	return func(o *Opts) {
		o.QRPath = path
	}
}

// WithNumericCode prints the raw pairing code instead of a QR code.
func WithNumericCode() Option {
	return func(o *Opts) {
		o.NumericCode = true
	}
}

// Client wraps the Whatsmeow client and tracks its connection and link
// state from client events.
type Client struct {
	waClient *whatsmeow.Client

	mu       sync.Mutex
	online   bool
	linked   bool
	onlineCh chan struct{} // closed while online
	incoming chan IncomingMessage
}

func newClient(wa *whatsmeow.Client, linked bool) *Client {
	return &Client{
		waClient: wa,
		linked:   linked,
		onlineCh: make(chan struct{}),
		incoming: make(chan IncomingMessage, DefaultIncomingBufferSize),
	}
}

// NewClient opens the whatsmeow device store, links the device by QR code if
// needed and connects.
func NewClient(ctx context.Context, opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("WhatsApp NewClient options set", "DBDSN_set", cfg.DBDSN != "", "QRPath_set", cfg.QRPath != "", "NumericCode", cfg.NumericCode)

	dbDSN := cfg.DBDSN
	if dbDSN == "" {
		dbDSN = DefaultSQLitePath
		slog.Debug("No WhatsApp database DSN provided, using default SQLite path", "default_path", dbDSN)
	}
	dbDriver := driverForDSN(dbDSN)
	if dbDriver == "sqlite3" && !hasForeignKeys(dbDSN) {
		slog.Warn("SQLite database for WhatsApp does not appear to have foreign keys enabled. "+
			"The whatsmeow library strongly recommends enabling foreign keys for data integrity.",
			"dsn_example", "file:"+dbDSN+"?_foreign_keys=on")
	}

	container, err := sqlstore.New(ctx, dbDriver, dbDSN, waLog.Stdout("Database", "INFO", true))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize WhatsApp database store: %w", err)
	}
	deviceStore, err := container.GetFirstDevice(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get device from WhatsApp store: %w", err)
	}

	wa := whatsmeow.NewClient(deviceStore, waLog.Stdout("Client", "INFO", true))
	c := newClient(wa, wa.Store.ID != nil)
	wa.AddEventHandler(c.handleEvent)

	if wa.Store.ID == nil {
		if err := c.link(ctx, cfg); err != nil {
			return nil, err
		}
	} else {
		slog.Debug("WhatsApp already linked, connecting to server")
		if err := wa.Connect(); err != nil {
			return nil, fmt.Errorf("failed to connect to WhatsApp server: %w", err)
		}
	}
	slog.Info("WhatsApp client connected")
	return c, nil
}

// link runs the QR pairing flow until whatsmeow closes the QR channel.
func (c *Client) link(ctx context.Context, cfg Opts) error {
	slog.Info("WhatsApp link required; starting QR code flow")
	qrChan, _ := c.waClient.GetQRChannel(ctx)
	if err := c.waClient.Connect(); err != nil {
		return fmt.Errorf("failed to connect to WhatsApp during login: %w", err)
	}
	writer := io.Writer(os.Stdout)
	if cfg.QRPath != "" {
		f, err := os.Create(cfg.QRPath)
		if err != nil {
			return fmt.Errorf("failed to create QR file: %w", err)
		}
		defer f.Close()
		writer = f
	}
	for evt := range qrChan {
		if evt.Event == "code" {
			if cfg.NumericCode {
				fmt.Fprintln(writer, evt.Code)
			} else {
				qrterminal.GenerateHalfBlock(evt.Code, qrterminal.L, writer)
			}
			continue
		}
		slog.Info("WhatsApp login event", "event", evt.Event)
	}
	return nil
}

// handleEvent keeps the oracle state current and forwards incoming text.
func (c *Client) handleEvent(evt interface{}) {
	switch v := evt.(type) {
	case *events.Connected:
		c.setOnline(true)
	case *events.Disconnected:
		c.setOnline(false)
	case *events.PairSuccess:
		c.setLinked(true)
	case *events.LoggedOut:
		slog.Warn("WhatsApp device logged out", "reason", v.Reason)
		c.setLinked(false)
		c.setOnline(false)
	case *events.Message:
		c.handleIncomingMessage(v)
	}
}

func (c *Client) handleIncomingMessage(evt *events.Message) {
	if evt.Message == nil || evt.Info.IsFromMe {
		return
	}
	var text string
	switch {
	case evt.Message.Conversation != nil:
		text = evt.Message.GetConversation()
	case evt.Message.ExtendedTextMessage != nil:
		text = evt.Message.GetExtendedTextMessage().GetText()
	default:
		return
	}
	msg := IncomingMessage{
		ChatID:    evt.Info.Chat.String(),
		SenderID:  evt.Info.Sender.String(),
		MessageID: string(evt.Info.ID),
		Body:      text,
		Timestamp: evt.Info.Timestamp,
	}
	select {
	case c.incoming <- msg:
	default:
		slog.Warn("WhatsApp incoming channel full, dropping message", "chat", msg.ChatID, "id", msg.MessageID)
	}
}

// Incoming returns received text messages.
func (c *Client) Incoming() <-chan IncomingMessage {
	return c.incoming
}

func (c *Client) setOnline(online bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if online == c.online {
		return
	}
	c.online = online
	if online {
		close(c.onlineCh)
	} else {
		c.onlineCh = make(chan struct{})
	}
	slog.Debug("WhatsApp connectivity changed", "online", online)
}

func (c *Client) setLinked(linked bool) {
	c.mu.Lock()
	c.linked = linked
	c.mu.Unlock()
}

// IsOnline reports whether the client is connected.
func (c *Client) IsOnline() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.online
}

// WaitForOnline blocks until the client is connected. It returns ErrTimeout
// after timeout, or ctx.Err().
func (c *Client) WaitForOnline(ctx context.Context, timeout time.Duration) error {
	c.mu.Lock()
	ch := c.onlineCh
	c.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ch:
		return nil
	case <-timer.C:
		return ErrTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsDeviceLinked reports whether this device is paired and not logged out.
func (c *Client) IsDeviceLinked() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.linked
}

// SendText sends a text message. messageID is reused on every retry so
// the recipient sees one message.
func (c *Client) SendText(ctx context.Context, recipient, messageID, body string) error {
	if body == "" {
		return jobs.Permanent(fmt.Errorf("message body cannot be empty"))
	}
	jid, err := ParseRecipient(recipient)
	if err != nil {
		return jobs.Permanent(err)
	}
	msg := &waE2E.Message{Conversation: &body}
	return c.send(ctx, jid, msg, whatsmeow.SendRequestExtra{ID: types.MessageID(messageID)})
}

// SendReaction reacts to targetMessageID. An empty targetSender means the
// message came from the chat's other party.
func (c *Client) SendReaction(ctx context.Context, recipient, targetSender, targetMessageID, emoji string) error {
	chat, err := ParseRecipient(recipient)
	if err != nil {
		return jobs.Permanent(err)
	}
	sender := chat
	if targetSender != "" {
		if sender, err = ParseRecipient(targetSender); err != nil {
			return jobs.Permanent(err)
		}
	}
	if err := c.ready(); err != nil {
		return err
	}
	msg := c.waClient.BuildReaction(chat, sender, types.MessageID(targetMessageID), emoji)
	return c.send(ctx, chat, msg)
}

// SendRevoke deletes one of our own messages for everyone.
func (c *Client) SendRevoke(ctx context.Context, recipient, targetMessageID string) error {
	chat, err := ParseRecipient(recipient)
	if err != nil {
		return jobs.Permanent(err)
	}
	if err := c.ready(); err != nil {
		return err
	}
	msg := c.waClient.BuildRevoke(chat, types.EmptyJID, types.MessageID(targetMessageID))
	return c.send(ctx, chat, msg)
}

// SendReceipts marks messageIDs from senderID in chatID as read or viewed.
func (c *Client) SendReceipts(ctx context.Context, typ jobs.ReceiptType, chatID, senderID string, messageIDs []string, at time.Time) error {
	chat, err := ParseRecipient(chatID)
	if err != nil {
		return jobs.Permanent(err)
	}
	sender := chat
	if senderID != "" {
		if sender, err = ParseRecipient(senderID); err != nil {
			return jobs.Permanent(err)
		}
	}
	if err := c.ready(); err != nil {
		return err
	}
	ids := make([]types.MessageID, len(messageIDs))
	for i, id := range messageIDs {
		ids[i] = types.MessageID(id)
	}
	var extra []types.ReceiptType
	if typ == jobs.ReceiptViewed {
		extra = append(extra, types.ReceiptTypePlayed)
	}
	if err := c.waClient.MarkRead(ctx, ids, at, chat, sender, extra...); err != nil {
		return fmt.Errorf("failed to send %s receipts to %s: %w", typ, chatID, err)
	}
	slog.Debug("WhatsApp receipts sent", "type", typ, "chat", chatID, "count", len(ids))
	return nil
}

func (c *Client) ready() error {
	if c.waClient == nil {
		return fmt.Errorf("whatsapp client not initialized")
	}
	if c.waClient.Store == nil {
		return fmt.Errorf("whatsapp client store not available")
	}
	return nil
}

func (c *Client) send(ctx context.Context, to types.JID, msg *waE2E.Message, extra ...whatsmeow.SendRequestExtra) error {
	if err := c.ready(); err != nil {
		return err
	}
	if _, err := c.waClient.SendMessage(ctx, to, msg, extra...); err != nil {
		slog.Error("Failed to send WhatsApp message", "error", err, "to", to.String())
		return classifySendError(fmt.Errorf("failed to send message to %s: %w", to.String(), err))
	}
	slog.Debug("WhatsApp message sent", "to", to.String())
	return nil
}

// classifySendError marks the server's rate-overlimit reply so the
// conversation is held before the next send.
func classifySendError(err error) error {
	if errors.Is(err, whatsmeow.ErrIQRateOverLimit) {
		return jobs.RateLimited(err, 0)
	}
	return err
}

// Disconnect closes the connection to WhatsApp.
func (c *Client) Disconnect() {
	if c.waClient != nil {
		c.waClient.Disconnect()
	}
	c.setOnline(false)
}

// ParseRecipient accepts a full JID or an E.164 phone number.
func ParseRecipient(s string) (types.JID, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return types.EmptyJID, fmt.Errorf("recipient cannot be empty")
	}
	if strings.Contains(s, "@") {
		jid, err := types.ParseJID(s)
		if err != nil {
			return types.EmptyJID, fmt.Errorf("invalid recipient %q: %w", s, err)
		}
		return jid, nil
	}
	number := strings.TrimPrefix(s, "+")
	for _, r := range number {
		if r < '0' || r > '9' {
			return types.EmptyJID, fmt.Errorf("invalid phone number %q", s)
		}
	}
	return types.NewJID(number, JIDSuffix), nil
}

func driverForDSN(dsn string) string {
	if store.DetectDSNType(dsn) == "postgres" {
		return "postgres"
	}
	return "sqlite3"
}

func hasForeignKeys(dsn string) bool {
	return strings.Contains(dsn, "_foreign_keys") || strings.Contains(dsn, "foreign_keys")
}
