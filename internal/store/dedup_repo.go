package store

import (
	"context"
	"time"
)

// DedupRecord is one inbound provider message id.
type DedupRecord struct {
	MessageID   string     `json:"message_id" db:"message_id"`
	UserID      string     `json:"user_id" db:"user_id"`
	ReceivedAt  time.Time  `json:"received_at" db:"received_at"`
	ProcessedAt *time.Time `json:"processed_at" db:"processed_at"`
}

// DedupRepo deduplicates inbound messages; providers retry webhooks.
type DedupRepo interface {
	// IsDuplicate reports whether a message ID has been recorded.
	IsDuplicate(ctx context.Context, messageID string) (bool, error)

	// RecordInbound records a message ID. It returns false when the ID was
	// already recorded.
	RecordInbound(ctx context.Context, messageID, userID string) (bool, error)

	// MarkProcessed sets processed_at for a message.
	MarkProcessed(ctx context.Context, messageID string) error
}
