package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/CoachPipe/internal/store"
)

// OutboxKindNudge marks outbox rows produced by the nudge pipeline.
const OutboxKindNudge = "nudge"

// Directory resolves a user to a deliverable recipient.
type Directory interface {
	Recipient(ctx context.Context, userID string) (string, error)
}

// StaticDirectory maps user ids to phone numbers. Users without an entry are
// assumed to be keyed by their phone number.
type StaticDirectory map[string]string

// Recipient returns the canonical phone number for userID.
func (d StaticDirectory) Recipient(ctx context.Context, userID string) (string, error) {
	if to, ok := d[userID]; ok {
		return CanonicalizePhone(to)
	}
	return CanonicalizePhone(userID)
}

// UserID is the reverse lookup used for inbound messages.
func (d StaticDirectory) UserID(phone string) string {
	for user, to := range d {
		if canonical, err := CanonicalizePhone(to); err == nil && canonical == phone {
			return user
		}
	}
	return phone
}

type outboxPayload struct {
	To   string `json:"to"`
	Body string `json:"body"`
}

type dedupeKeyCtx struct{}

// WithDedupeKey attaches an outbox dedupe key to ctx. A second delivery with
// the same key while the first is pending or sent is dropped by the store.
func WithDedupeKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, dedupeKeyCtx{}, key)
}

// DedupeKeyFrom returns the dedupe key attached to ctx, if any.
func DedupeKeyFrom(ctx context.Context) string {
	key, _ := ctx.Value(dedupeKeyCtx{}).(string)
	return key
}

// OutboxDeliverer queues pipeline deliveries in the store outbox.
type OutboxDeliverer struct {
	repo      store.OutboxRepo
	directory Directory
}

// NewOutboxDeliverer creates an OutboxDeliverer.
func NewOutboxDeliverer(repo store.OutboxRepo, directory Directory) *OutboxDeliverer {
	if directory == nil {
		directory = StaticDirectory{}
	}
	return &OutboxDeliverer{repo: repo, directory: directory}
}

// Deliver resolves the recipient and enqueues the message.
func (d *OutboxDeliverer) Deliver(ctx context.Context, userID, message string) error {
	to, err := d.directory.Recipient(ctx, userID)
	if err != nil {
		return fmt.Errorf("messaging: resolve recipient for %s: %w", userID, err)
	}
	payload, err := json.Marshal(outboxPayload{To: to, Body: message})
	if err != nil {
		return fmt.Errorf("messaging: marshal outbox payload: %w", err)
	}
	id, err := d.repo.EnqueueOutboxMessage(ctx, userID, OutboxKindNudge, string(payload), DedupeKeyFrom(ctx))
	if err != nil {
		return fmt.Errorf("messaging: enqueue: %w", err)
	}
	slog.Debug("OutboxDeliverer.Deliver: queued", "userID", userID, "id", id)
	return nil
}

// OutboxSendFunc returns the store.OutboxSendFunc that sends queued rows over ch.
func OutboxSendFunc(ch Channel) store.OutboxSendFunc {
	return func(ctx context.Context, msg store.OutboxMessage) error {
		var p outboxPayload
		if err := json.Unmarshal([]byte(msg.PayloadJSON), &p); err != nil {
			return fmt.Errorf("messaging: decode outbox payload %s: %w", msg.ID, err)
		}
		return ch.SendMessage(ctx, p.To, p.Body)
	}
}
