package twiliowhatsapp

import (
	"context"
	"errors"
	"testing"
	"time"

	twilioClient "github.com/twilio/twilio-go/client"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/BTreeMap/Postbox/internal/jobs"
)

type fakeAPI struct {
	params []*twilioApi.CreateMessageParams
	err    error
}

func (f *fakeAPI) CreateMessage(params *twilioApi.CreateMessageParams) (*twilioApi.ApiV2010Message, error) {
	f.params = append(f.params, params)
	if f.err != nil {
		return nil, f.err
	}
	sid := "SM123"
	return &twilioApi.ApiV2010Message{Sid: &sid}, nil
}

func TestClient_SendText(t *testing.T) {
	api := &fakeAPI{}
	c := &Client{api: api, fromWhats: "whatsapp:+15550000"}

	if err := c.SendText(context.Background(), "+15551111", "m1", "Hello Test"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(api.params) != 1 {
		t.Fatalf("expected 1 message, got %d", len(api.params))
	}
	p := api.params[0]
	if *p.To != "whatsapp:+15551111" || *p.From != "whatsapp:+15550000" || *p.Body != "Hello Test" {
		t.Errorf("unexpected params to=%s from=%s body=%s", *p.To, *p.From, *p.Body)
	}
}

func TestClient_ErrorClassification(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		permanent   bool
		rateLimited bool
	}{
		{"bad request", &twilioClient.TwilioRestError{Status: 400, Message: "invalid To"}, true, false},
		{"rate limited", &twilioClient.TwilioRestError{Status: 429}, false, true},
		{"server error", &twilioClient.TwilioRestError{Status: 503}, false, false},
		{"network", errors.New("connection reset"), false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &Client{api: &fakeAPI{err: tt.err}, fromWhats: "whatsapp:+15550000"}
			err := c.SendText(context.Background(), "+15551111", "m1", "hi")
			if err == nil {
				t.Fatal("expected error")
			}
			if got := jobs.IsPermanent(err); got != tt.permanent {
				t.Errorf("IsPermanent = %v, want %v (%v)", got, tt.permanent, err)
			}
			retryAfter, ok := jobs.RetryAfter(err)
			if ok != tt.rateLimited {
				t.Errorf("RetryAfter ok = %v, want %v (%v)", ok, tt.rateLimited, err)
			}
			if ok && retryAfter != jobs.DefaultRetryAfter {
				t.Errorf("RetryAfter = %v, want %v", retryAfter, jobs.DefaultRetryAfter)
			}
		})
	}
}

func TestClient_UnsupportedKindsArePermanent(t *testing.T) {
	c := &Client{api: &fakeAPI{}, fromWhats: "whatsapp:+15550000"}
	ctx := context.Background()
	for _, err := range []error{
		c.SendReaction(ctx, "+1", "", "m1", "x"),
		c.SendRevoke(ctx, "+1", "m1"),
		c.SendReceipts(ctx, jobs.ReceiptRead, "+1", "", []string{"m1"}, time.Time{}),
	} {
		if !jobs.IsPermanent(err) || !errors.Is(err, jobs.ErrUnsupported) {
			t.Errorf("expected permanent ErrUnsupported, got %v", err)
		}
	}
}

func TestNewClient_RequiresCredentials(t *testing.T) {
	t.Setenv("TWILIO_ACCOUNT_SID", "")
	t.Setenv("TWILIO_AUTH_TOKEN", "")
	t.Setenv("TWILIO_FROM_NUMBER", "")
	if _, err := NewClient(); err == nil {
		t.Error("expected error without credentials")
	}
	if _, err := NewClient(WithAccountSID("AC1"), WithAuthToken("tok")); err == nil {
		t.Error("expected error without from number")
	}
	c, err := NewClient(WithAccountSID("AC1"), WithAuthToken("tok"), WithFromWhats("whatsapp:+1"))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if !c.IsDeviceLinked() || !c.IsOnline() {
		t.Error("configured client should be linked and online")
	}
}
