// Package store provides storage backends for CoachPipe.
//
// It persists daily signal sets, baselines, wake events, calendar load, MVD
// state, user profiles, nudge feedback and the audit decision log, plus the
// durable job queue, the delivery outbox and inbound dedup records. An in-memory store
// covers the domain tables for tests; SQLite and Postgres cover everything.
package store

import (
	"context"
	"strings"
	"time"

	"github.com/BTreeMap/CoachPipe/internal/models"
)

// Store is the domain persistence surface. Getters return (nil, nil) when
// the record does not exist.
type Store interface {
	SaveSignals(ctx context.Context, s models.DailySignalSet) error
	GetSignals(ctx context.Context, userID, date string) (*models.DailySignalSet, error)

	SaveBaseline(ctx context.Context, b models.UserBaseline) error
	GetBaseline(ctx context.Context, userID string) (*models.UserBaseline, error)

	SaveProfile(ctx context.Context, p models.UserProfile) error
	GetProfile(ctx context.Context, userID string) (*models.UserProfile, error)
	// ListUserIDs returns every user with a profile or a baseline.
	ListUserIDs(ctx context.Context) ([]string, error)

	// UpsertWakeEvent inserts the day's wake event or replaces it when the
	// stored one is untriggered and has lower confidence. It returns the row
	// as stored afterwards.
	UpsertWakeEvent(ctx context.Context, e models.WakeEvent) (models.WakeEvent, error)
	GetWakeEvent(ctx context.Context, userID, date string) (*models.WakeEvent, error)
	// MarkWakeTriggered flips the triggered flag once; it reports whether
	// this call did the flip.
	MarkWakeTriggered(ctx context.Context, userID, date string) (bool, error)
	// SetWakeSkipReason records why an untriggered event's anchor did not
	// send. It leaves triggered events alone.
	SetWakeSkipReason(ctx context.Context, userID, date string, reason models.WakeSkipReason) error

	SaveCalendar(ctx context.Context, c models.CalendarDay) error
	GetCalendar(ctx context.Context, userID, date string) (*models.CalendarDay, error)

	SaveMVDState(ctx context.Context, s models.MVDState) error
	GetMVDState(ctx context.Context, userID string) (*models.MVDState, error)

	RecordDecision(ctx context.Context, d models.Decision) error
	// ListDecisions returns decisions created at or after since, newest first.
	// limit <= 0 means no limit.
	ListDecisions(ctx context.Context, userID string, since time.Time, limit int) ([]models.Decision, error)

	RecordFeedback(ctx context.Context, f models.NudgeFeedback) error
	// ListFeedback returns feedback created at or after since, oldest first.
	ListFeedback(ctx context.Context, userID string, since time.Time) ([]models.NudgeFeedback, error)

	AddReceipt(ctx context.Context, r models.Receipt) error
	GetReceipts(ctx context.Context) ([]models.Receipt, error)

	Close() error
}

// Backend is a Store that also carries the durable job queue, the outbox and
// inbound dedup. SQLiteStore and PostgresStore implement it.
type Backend interface {
	Store
	JobRepo
	OutboxRepo
	DedupRepo
}

// Opts holds configuration options for the SQL stores.
type Opts struct {
	DSN string
}

// Option defines a configuration option for the SQL stores.
type Option func(*Opts)

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithPostgresDSN sets the Postgres connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// DetectDSNType reports "postgres" for Postgres URLs and key/value
// connection strings, and "sqlite" for everything else.
func DetectDSNType(dsn string) string {
	d := strings.TrimSpace(dsn)
	if strings.HasPrefix(d, "postgres://") || strings.HasPrefix(d, "postgresql://") ||
		strings.Contains(d, "host=") || strings.Contains(d, "dbname=") {
		return "postgres"
	}
	return "sqlite"
}
