package store

import (
	"context"
	"time"
)

// OutboxStatus represents the lifecycle state of an outbox message.
type OutboxStatus string

const (
	OutboxStatusQueued   OutboxStatus = "queued"
	OutboxStatusSending  OutboxStatus = "sending"
	OutboxStatusSent     OutboxStatus = "sent"
	OutboxStatusFailed   OutboxStatus = "failed"
	OutboxStatusCanceled OutboxStatus = "canceled"
)

// DefaultOutboxMaxAttempts bounds delivery retries before a message is marked failed.
const DefaultOutboxMaxAttempts = 5

// OutboxMessage is a durable outgoing message. Deliveries go through the
// outbox so a crash between decision and send does not lose or repeat them.
type OutboxMessage struct {
	ID            string       `json:"id" db:"id"`
	UserID        string       `json:"user_id" db:"user_id"`
	Kind          string       `json:"kind" db:"kind"`
	PayloadJSON   string       `json:"payload_json" db:"payload_json"`
	Status        OutboxStatus `json:"status" db:"status"`
	Attempts      int          `json:"attempts" db:"attempts"`
	NextAttemptAt *time.Time   `json:"next_attempt_at" db:"next_attempt_at"`
	DedupeKey     string       `json:"dedupe_key" db:"dedupe_key"`
	LockedAt      *time.Time   `json:"locked_at" db:"locked_at"`
	LastError     string       `json:"last_error" db:"last_error"`
	CreatedAt     time.Time    `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at" db:"updated_at"`
}

// OutboxRepo defines the interface for durable outbox message persistence.
type OutboxRepo interface {
	// EnqueueOutboxMessage inserts a new outbox message. If dedupeKey is
	// non-empty and a queued, sending or sent message with that key exists,
	// the existing ID is returned.
	EnqueueOutboxMessage(ctx context.Context, userID, kind, payloadJSON, dedupeKey string) (string, error)

	// ClaimDueOutboxMessages marks up to limit queued messages whose
	// next_attempt_at <= now (or is NULL) as sending and returns them.
	ClaimDueOutboxMessages(ctx context.Context, now time.Time, limit int) ([]OutboxMessage, error)

	// MarkOutboxMessageSent marks a message as successfully sent.
	MarkOutboxMessageSent(ctx context.Context, id string) error

	// FailOutboxMessage records a send failure and schedules a retry at
	// nextAttemptAt, or marks the message failed after DefaultOutboxMaxAttempts.
	FailOutboxMessage(ctx context.Context, id string, errMsg string, nextAttemptAt time.Time) error

	// RequeueStaleSendingMessages resets messages stuck in sending since
	// before staleBefore back to queued (crash recovery).
	RequeueStaleSendingMessages(ctx context.Context, staleBefore time.Time) (int, error)

	// GetOutboxMessage retrieves a message by ID; (nil, nil) when missing.
	GetOutboxMessage(ctx context.Context, id string) (*OutboxMessage, error)
}
