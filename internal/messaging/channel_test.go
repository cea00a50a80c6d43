package messaging

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/BTreeMap/CoachPipe/internal/models"
)

func TestCanonicalizePhone(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{"digits", "15551234567", "15551234567", false},
		{"e164", "+1 (555) 123-4567", "15551234567", false},
		{"whatsapp style", "whatsapp:+15551234567", "15551234567", false},
		{"empty", "", "", true},
		{"no digits", "abc", "", true},
		{"too short", "12345", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := CanonicalizePhone(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("CanonicalizePhone(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("CanonicalizePhone(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestSMSChannel_SendMessage(t *testing.T) {
	sender := NewMockSender()
	ch := NewSMSChannel(sender)
	ctx := context.Background()

	if err := ch.SendMessage(ctx, "+1 555 123 4567", "hello"); err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	sent := sender.Sent()
	if len(sent) != 1 || sent[0].To != "15551234567" || sent[0].Body != "hello" {
		t.Fatalf("unexpected sends %+v", sent)
	}
	select {
	case r := <-ch.Receipts():
		if r.Status != models.MessageStatusSent || r.To != "15551234567" {
			t.Errorf("unexpected receipt %+v", r)
		}
	case <-time.After(time.Second):
		t.Fatal("expected a sent receipt")
	}

	sender.Err = errors.New("provider down")
	if err := ch.SendMessage(ctx, "15551234567", "again"); err == nil {
		t.Fatal("expected provider error")
	}
	if r := <-ch.Receipts(); r.Status != models.MessageStatusFailed {
		t.Errorf("expected failed receipt, got %+v", r)
	}

	if err := ch.SendMessage(ctx, "123", "short"); err == nil {
		t.Error("expected validation error for short number")
	}

	if err := ch.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if err := ch.Stop(); err != nil {
		t.Fatalf("second Stop failed: %v", err)
	}
	if err := ch.SendMessage(ctx, "15551234567", "late"); !errors.Is(err, ErrServiceStopped) {
		t.Errorf("expected ErrServiceStopped, got %v", err)
	}
}

func postForm(t *testing.T, h http.HandlerFunc, form url.Values) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rr := httptest.NewRecorder()
	h(rr, req)
	return rr
}

func TestSMSChannel_InboundWebhook(t *testing.T) {
	ch := NewSMSChannel(NewMockSender())

	rr := postForm(t, ch.InboundWebhookHandler, url.Values{
		"From": {"+15551234567"}, "Body": {"I slept badly"}, "MessageSid": {"SM123"},
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	select {
	case resp := <-ch.Responses():
		if resp.ID != "SM123" || resp.From != "15551234567" || resp.Body != "I slept badly" {
			t.Errorf("unexpected response %+v", resp)
		}
	default:
		t.Fatal("expected an inbound response")
	}

	if rr := postForm(t, ch.InboundWebhookHandler, url.Values{"From": {"+15551234567"}}); rr.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for missing body, got %d", rr.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/webhook", nil)
	rr = httptest.NewRecorder()
	ch.InboundWebhookHandler(rr, req)
	if rr.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405, got %d", rr.Code)
	}

	ch.Stop()
	rr = postForm(t, ch.InboundWebhookHandler, url.Values{"From": {"+15551234567"}, "Body": {"hi"}})
	if rr.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503 after stop, got %d", rr.Code)
	}
}

func TestSMSChannel_StatusWebhook(t *testing.T) {
	ch := NewSMSChannel(NewMockSender())

	tests := []struct {
		status string
		want   models.MessageStatus
		emits  bool
	}{
		{"delivered", models.MessageStatusDelivered, true},
		{"undelivered", models.MessageStatusFailed, true},
		{"sent", models.MessageStatusSent, true},
		{"queued", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.status, func(t *testing.T) {
			rr := postForm(t, ch.StatusWebhookHandler, url.Values{"MessageStatus": {tt.status}, "To": {"+15551234567"}})
			if rr.Code != http.StatusNoContent {
				t.Fatalf("expected 204, got %d", rr.Code)
			}
			select {
			case r := <-ch.Receipts():
				if !tt.emits {
					t.Fatalf("unexpected receipt %+v", r)
				}
				if r.Status != tt.want || r.To != "15551234567" {
					t.Errorf("unexpected receipt %+v", r)
				}
			default:
				if tt.emits {
					t.Fatal("expected a receipt")
				}
			}
		})
	}
}
