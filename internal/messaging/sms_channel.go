package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/BTreeMap/CoachPipe/internal/models"
)

// SMSChannel implements Channel over a Sender, usually a TwilioClient.
// Inbound messages and status callbacks arrive through its webhook handlers.
type SMSChannel struct {
	sender    Sender
	receipts  chan models.Receipt
	responses chan models.Response
	done      chan struct{}
	mu        sync.RWMutex
	stopped   bool
}

var _ Channel = (*SMSChannel)(nil)

// NewSMSChannel creates an SMSChannel around the given sender.
func NewSMSChannel(sender Sender) *SMSChannel {
	return &SMSChannel{
		sender:    sender,
		receipts:  make(chan models.Receipt, DefaultChannelBufferSize),
		responses: make(chan models.Response, DefaultChannelBufferSize),
		done:      make(chan struct{}),
	}
}

// ValidateAndCanonicalizeRecipient reduces a phone number to its digits.
func (s *SMSChannel) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return CanonicalizePhone(recipient)
}

// Start is a no-op; inbound traffic arrives over HTTP.
func (s *SMSChannel) Start(ctx context.Context) error {
	return nil
}

// Stop closes the event channels. Further sends fail with ErrServiceStopped.
func (s *SMSChannel) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	s.stopped = true
	close(s.done)
	close(s.receipts)
	close(s.responses)
	return nil
}

func (s *SMSChannel) isStopped() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stopped
}

// SendMessage sends a message and emits a sent receipt.
func (s *SMSChannel) SendMessage(ctx context.Context, to string, body string) error {
	if s.isStopped() {
		return ErrServiceStopped
	}
	canonicalTo, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		slog.Error("SMSChannel.SendMessage: validation error", "error", err, "to", to)
		return err
	}
	if err := s.sender.SendMessage(ctx, canonicalTo, body); err != nil {
		s.emitReceipt(models.Receipt{To: canonicalTo, Status: models.MessageStatusFailed, Time: time.Now().Unix()})
		return err
	}
	s.emitReceipt(models.Receipt{To: canonicalTo, Status: models.MessageStatusSent, Time: time.Now().Unix()})
	return nil
}

// Receipts returns the channel for message receipts.
func (s *SMSChannel) Receipts() <-chan models.Receipt {
	return s.receipts
}

// Responses returns the channel for inbound user messages.
func (s *SMSChannel) Responses() <-chan models.Response {
	return s.responses
}

// emitReceipt and emitResponse hold the read lock across the send so Stop
// cannot close the channel underneath them.
func (s *SMSChannel) emitReceipt(receipt models.Receipt) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stopped {
		return
	}
	select {
	case s.receipts <- receipt:
	case <-time.After(DefaultChannelTimeout):
		slog.Warn("SMSChannel receipts channel blocked, dropping receipt", "to", receipt.To, "timeout", DefaultChannelTimeout)
	}
}

func (s *SMSChannel) emitResponse(response models.Response) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stopped {
		slog.Warn("SMSChannel dropping inbound response (channel stopped)", "from", response.From)
		return false
	}
	select {
	case s.responses <- response:
		slog.Debug("SMSChannel emitted inbound response", "from", response.From)
		return true
	case <-time.After(DefaultChannelTimeout):
		slog.Warn("SMSChannel responses channel blocked, dropping message", "from", response.From, "timeout", DefaultChannelTimeout)
		return false
	}
}

// InboundWebhookHandler handles Twilio's inbound message webhook and emits
// each message on Responses.
func (s *SMSChannel) InboundWebhookHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		slog.Error("SMSChannel: failed to parse inbound webhook form", "error", err)
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}

	from := r.FormValue("From")
	body := r.FormValue("Body")
	if from == "" || body == "" {
		slog.Warn("SMSChannel: inbound webhook missing fields", "from_set", from != "", "body_set", body != "")
		http.Error(w, "Missing required fields", http.StatusBadRequest)
		return
	}
	canonical, err := CanonicalizePhone(from)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	slog.Info("SMSChannel: inbound message", "from", canonical, "sid", r.FormValue("MessageSid"))
	if !s.emitResponse(models.Response{
		ID:   r.FormValue("MessageSid"),
		From: canonical,
		Body: body,
		Time: time.Now().Unix(),
	}) {
		http.Error(w, "Service unavailable", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "OK")
}

// StatusWebhookHandler handles Twilio delivery status callbacks and emits
// them as receipts.
func (s *SMSChannel) StatusWebhookHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}
	status, ok := receiptStatus(r.FormValue("MessageStatus"))
	if !ok {
		// queued/sending/etc. carry nothing new
		w.WriteHeader(http.StatusNoContent)
		return
	}
	to, err := CanonicalizePhone(r.FormValue("To"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.emitReceipt(models.Receipt{To: to, Status: status, Time: time.Now().Unix()})
	w.WriteHeader(http.StatusNoContent)
}

func receiptStatus(twilioStatus string) (models.MessageStatus, bool) {
	switch twilioStatus {
	case "sent":
		return models.MessageStatusSent, true
	case "delivered", "read":
		return models.MessageStatusDelivered, true
	case "failed", "undelivered":
		return models.MessageStatusFailed, true
	}
	return "", false
}
