package store

import (
	"context"
	"time"
)

// JobStatus represents the lifecycle state of a job.
type JobStatus string

const (
	JobStatusQueued   JobStatus = "queued"
	JobStatusRunning  JobStatus = "running"
	JobStatusDone     JobStatus = "done"
	JobStatusFailed   JobStatus = "failed"
	JobStatusCanceled JobStatus = "canceled"
)

// DefaultJobMaxAttempts is how many times a job runs before it is marked failed.
const DefaultJobMaxAttempts = 3

// Job is a durable scheduled task, such as a Morning Anchor delivery at the
// optimal minute of the wake window.
type Job struct {
	ID          string     `json:"id" db:"id"`
	Kind        string     `json:"kind" db:"kind"`
	RunAt       time.Time  `json:"run_at" db:"run_at"`
	PayloadJSON string     `json:"payload_json" db:"payload_json"`
	Status      JobStatus  `json:"status" db:"status"`
	Attempt     int        `json:"attempt" db:"attempt"`
	MaxAttempts int        `json:"max_attempts" db:"max_attempts"`
	LastError   string     `json:"last_error" db:"last_error"`
	LockedAt    *time.Time `json:"locked_at" db:"locked_at"`
	DedupeKey   string     `json:"dedupe_key" db:"dedupe_key"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at" db:"updated_at"`
}

// JobRepo defines the interface for durable job persistence.
type JobRepo interface {
	// EnqueueJob inserts a new job. If dedupeKey is non-empty and a non-terminal
	// job with that key already exists, the existing job ID is returned.
	EnqueueJob(ctx context.Context, kind string, runAt time.Time, payloadJSON string, dedupeKey string) (string, error)

	// ClaimDueJobs marks up to limit queued jobs whose run_at <= now as running
	// and returns them.
	ClaimDueJobs(ctx context.Context, now time.Time, limit int) ([]Job, error)

	// CompleteJob marks a job as done.
	CompleteJob(ctx context.Context, id string) error

	// FailJob records the error and reschedules at nextRunAt, or marks the job
	// failed once max_attempts is reached.
	FailJob(ctx context.Context, id string, errMsg string, nextRunAt time.Time) error

	// RescheduleJob moves a queued job to runAt. It reports false when the
	// job is missing or no longer queued.
	RescheduleJob(ctx context.Context, id string, runAt time.Time) (bool, error)

	// CancelJob marks a job as canceled.
	CancelJob(ctx context.Context, id string) error

	// RequeueStaleRunningJobs resets jobs running since before staleBefore
	// back to queued (crash recovery).
	RequeueStaleRunningJobs(ctx context.Context, staleBefore time.Time) (int, error)

	// GetJob retrieves a single job by ID; (nil, nil) when missing.
	GetJob(ctx context.Context, id string) (*Job, error)
}
