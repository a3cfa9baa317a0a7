// Package twiliowhatsapp sends WhatsApp messages through the Twilio API. It
// is the transport Postbox uses when Twilio credentials are configured
// instead of a linked device.
package twiliowhatsapp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/twilio/twilio-go"
	twilioClient "github.com/twilio/twilio-go/client"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/BTreeMap/Postbox/internal/jobqueue"
	"github.com/BTreeMap/Postbox/internal/jobs"
)

// Compile-time checks for the roles the client plays.
var (
	_ jobqueue.Connectivity = (*Client)(nil)
	_ jobqueue.LinkState    = (*Client)(nil)
	_ jobs.MessageSender    = (*Client)(nil)
	_ jobs.ReceiptSender    = (*Client)(nil)
)

// Opts holds configuration options for the Twilio WhatsApp client.
type Opts struct {
	AccountSID string
	AuthToken  string
	FromWhats  string
}

// Option defines a configuration option for the Twilio WhatsApp client.
type Option func(*Opts)

// WithAccountSID sets the Twilio account SID.
func WithAccountSID(sid string) Option {
	return func(o *Opts) { o.AccountSID = sid }
}

// WithAuthToken sets the Twilio auth token.
func WithAuthToken(token string) Option {
	return func(o *Opts) { o.AuthToken = token }
}

// WithFromWhats sets the sending number, "whatsapp:+1234567890".
func WithFromWhats(from string) Option {
	return func(o *Opts) { o.FromWhats = from }
}

// messageCreator is the part of the Twilio API the client uses.
type messageCreator interface {
	CreateMessage(params *twilioApi.CreateMessageParams) (*twilioApi.ApiV2010Message, error)
}

// Client wraps Twilio REST API for WhatsApp
type Client struct {
	api       messageCreator
	fromWhats string // WhatsApp number in "whatsapp:+1234567890" format
}

// NewClient builds a client from options, falling back to TWILIO_ACCOUNT_SID,
// TWILIO_AUTH_TOKEN and TWILIO_FROM_NUMBER.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.AccountSID == "" {
		cfg.AccountSID = os.Getenv("TWILIO_ACCOUNT_SID")
	}
	if cfg.AuthToken == "" {
		cfg.AuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	}
	if cfg.FromWhats == "" {
		cfg.FromWhats = os.Getenv("TWILIO_FROM_NUMBER")
	}
	slog.Debug("Twilio client config loaded",
		"AccountSID_set", cfg.AccountSID != "",
		"AuthToken_set", cfg.AuthToken != "",
		"FromWhats_set", cfg.FromWhats != "")

	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, fmt.Errorf("account SID and auth token must be provided")
	}
	if cfg.FromWhats == "" {
		return nil, fmt.Errorf("fromWhats number must be provided")
	}

	rest := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})
	return &Client{api: rest.Api, fromWhats: cfg.FromWhats}, nil
}

// IsOnline always reports true; Twilio is reached per request.
func (c *Client) IsOnline() bool { return true }

// WaitForOnline returns immediately.
func (c *Client) WaitForOnline(ctx context.Context, _ time.Duration) error {
	return ctx.Err()
}

// IsDeviceLinked reports whether the client has credentials.
func (c *Client) IsDeviceLinked() bool { return c.api != nil }

// SendText sends a WhatsApp message using Twilio API. Twilio has no
// client-side message IDs, so messageID is only logged.
func (c *Client) SendText(ctx context.Context, recipient, messageID, body string) error {
	if recipient == "" || body == "" {
		return jobs.Permanent(fmt.Errorf("recipient and body must be set"))
	}
	params := &twilioApi.CreateMessageParams{}
	params.SetTo("whatsapp:" + recipient)
	params.SetFrom(c.fromWhats)
	params.SetBody(body)

	resp, err := c.api.CreateMessage(params)
	if err != nil {
		slog.Error("Twilio SendText failed", "to", recipient, "messageID", messageID, "error", err)
		return classify(fmt.Errorf("failed to send message to %s: %w", recipient, err))
	}
	sid := ""
	if resp != nil && resp.Sid != nil {
		sid = *resp.Sid
	}
	slog.Debug("Twilio message sent", "to", recipient, "messageID", messageID, "sid", sid)
	return nil
}

// SendReaction is not available through Twilio.
func (c *Client) SendReaction(ctx context.Context, recipient, targetSender, targetMessageID, emoji string) error {
	return jobs.Permanent(fmt.Errorf("twilio reaction: %w", jobs.ErrUnsupported))
}

// SendRevoke is not available through Twilio.
func (c *Client) SendRevoke(ctx context.Context, recipient, targetMessageID string) error {
	return jobs.Permanent(fmt.Errorf("twilio revoke: %w", jobs.ErrUnsupported))
}

// SendReceipts is not available through Twilio.
func (c *Client) SendReceipts(ctx context.Context, typ jobs.ReceiptType, chatID, senderID string, messageIDs []string, at time.Time) error {
	return jobs.Permanent(fmt.Errorf("twilio %s receipts: %w", typ, jobs.ErrUnsupported))
}

// classify marks rate limiting so the conversation is held, and other client
// errors as permanent.
func classify(err error) error {
	var restErr *twilioClient.TwilioRestError
	if !errors.As(err, &restErr) {
		return err
	}
	switch {
	case restErr.Status == http.StatusTooManyRequests:
		return jobs.RateLimited(err, 0)
	case restErr.Status >= 400 && restErr.Status < 500:
		return jobs.Permanent(err)
	}
	return err
}
