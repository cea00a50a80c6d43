// Package messaging delivers coaching messages to users and receives their
// replies. A Channel is the transport; the outbox deliverer in this package
// routes pipeline deliveries through the store so sends survive restarts.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/BTreeMap/CoachPipe/internal/models"
)

const (
	// DefaultChannelBufferSize defines the buffer size for receipt and response channels
	DefaultChannelBufferSize = 100
	// DefaultChannelTimeout bounds a blocked emit before the event is dropped
	DefaultChannelTimeout = 1 * time.Second
	// MinPhoneDigits is the shortest accepted recipient after canonicalization
	MinPhoneDigits = 6
)

// ErrServiceStopped is returned when sending on a stopped channel.
var ErrServiceStopped = errors.New("messaging: channel stopped")

var phoneNumberRegex = regexp.MustCompile(`[^0-9]`)

// Channel defines a pluggable message delivery abstraction.
type Channel interface {
	// ValidateAndCanonicalizeRecipient validates and canonicalizes a recipient identifier.
	ValidateAndCanonicalizeRecipient(recipient string) (string, error)

	// SendMessage sends a message to a recipient.
	SendMessage(ctx context.Context, to string, body string) error

	// Start begins any background processing.
	Start(ctx context.Context) error

	// Stop stops background processing and closes the event channels.
	Stop() error

	// Receipts returns a channel of receipt events.
	Receipts() <-chan models.Receipt

	// Responses returns a channel of inbound user messages.
	Responses() <-chan models.Response
}

// CanonicalizePhone strips everything but digits and requires at least
// MinPhoneDigits of them.
func CanonicalizePhone(recipient string) (string, error) {
	if recipient == "" {
		return "", fmt.Errorf("recipient cannot be empty")
	}
	canonical := phoneNumberRegex.ReplaceAllString(recipient, "")
	if canonical == "" {
		return "", fmt.Errorf("invalid phone number: no digits found in recipient %q", recipient)
	}
	if len(canonical) < MinPhoneDigits {
		return "", fmt.Errorf("invalid phone number: %q is too short (minimum %d digits required)", canonical, MinPhoneDigits)
	}
	if canonical != recipient {
		slog.Debug("messaging.CanonicalizePhone: canonicalized recipient", "original", recipient, "canonical", canonical)
	}
	return canonical, nil
}
