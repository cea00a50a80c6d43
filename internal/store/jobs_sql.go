package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/CoachPipe/internal/util"
)

const jobColumns = `id, kind, run_at, COALESCE(payload_json, '') AS payload_json, status, attempt, max_attempts,
	COALESCE(last_error, '') AS last_error, locked_at, COALESCE(dedupe_key, '') AS dedupe_key, created_at, updated_at`

func (s *sqlStore) EnqueueJob(ctx context.Context, kind string, runAt time.Time, payloadJSON string, dedupeKey string) (string, error) {
	if dedupeKey != "" {
		var existingID string
		err := s.db.GetContext(ctx, &existingID, s.db.Rebind(
			`SELECT id FROM jobs WHERE dedupe_key = ? AND status NOT IN ('done', 'canceled', 'failed')`), dedupeKey)
		if err == nil {
			slog.Debug(s.name+".EnqueueJob: dedupe hit", "dedupeKey", dedupeKey, "existingID", existingID)
			return existingID, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("dedupe check failed: %w", err)
		}
	}

	id := util.GenerateJobID()
	now := time.Now().UTC()
	_, err := s.exec(ctx,
		`INSERT INTO jobs (id, kind, run_at, payload_json, status, attempt, max_attempts, dedupe_key, created_at, updated_at)
		 VALUES (?, ?, ?, ?, 'queued', 0, ?, ?, ?, ?)`,
		id, kind, runAt.UTC(), payloadJSON, DefaultJobMaxAttempts, nilIfEmpty(dedupeKey), now, now)
	if err != nil {
		return "", fmt.Errorf("enqueue job failed: %w", err)
	}
	slog.Debug(s.name+".EnqueueJob", "id", id, "kind", kind, "runAt", runAt)
	return id, nil
}

func (s *sqlStore) CompleteJob(ctx context.Context, id string) error {
	if _, err := s.exec(ctx, `UPDATE jobs SET status = 'done', locked_at = NULL, updated_at = ? WHERE id = ?`, time.Now().UTC(), id); err != nil {
		return fmt.Errorf("complete job failed: %w", err)
	}
	return nil
}

func (s *sqlStore) FailJob(ctx context.Context, id string, errMsg string, nextRunAt time.Time) error {
	var row struct {
		Attempt     int `db:"attempt"`
		MaxAttempts int `db:"max_attempts"`
	}
	if err := s.db.GetContext(ctx, &row, s.db.Rebind(`SELECT attempt, max_attempts FROM jobs WHERE id = ?`), id); err != nil {
		return fmt.Errorf("fail job lookup failed: %w", err)
	}

	now := time.Now().UTC()
	attempt := row.Attempt + 1
	var err error
	if attempt >= row.MaxAttempts {
		_, err = s.exec(ctx,
			`UPDATE jobs SET status = 'failed', attempt = ?, last_error = ?, locked_at = NULL, updated_at = ? WHERE id = ?`,
			attempt, errMsg, now, id)
	} else {
		_, err = s.exec(ctx,
			`UPDATE jobs SET status = 'queued', attempt = ?, last_error = ?, run_at = ?, locked_at = NULL, updated_at = ? WHERE id = ?`,
			attempt, errMsg, nextRunAt.UTC(), now, id)
	}
	if err != nil {
		return fmt.Errorf("fail job update failed: %w", err)
	}
	return nil
}

func (s *sqlStore) RescheduleJob(ctx context.Context, id string, runAt time.Time) (bool, error) {
	res, err := s.exec(ctx, `UPDATE jobs SET run_at = ?, updated_at = ? WHERE id = ? AND status = 'queued'`,
		runAt.UTC(), time.Now().UTC(), id)
	if err != nil {
		return false, fmt.Errorf("reschedule job failed: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 1 {
		slog.Debug(s.name+".RescheduleJob", "id", id, "runAt", runAt)
	}
	return n == 1, nil
}

func (s *sqlStore) CancelJob(ctx context.Context, id string) error {
	if _, err := s.exec(ctx, `UPDATE jobs SET status = 'canceled', locked_at = NULL, updated_at = ? WHERE id = ?`, time.Now().UTC(), id); err != nil {
		return fmt.Errorf("cancel job failed: %w", err)
	}
	return nil
}

func (s *sqlStore) RequeueStaleRunningJobs(ctx context.Context, staleBefore time.Time) (int, error) {
	result, err := s.exec(ctx,
		`UPDATE jobs SET status = 'queued', locked_at = NULL, updated_at = ? WHERE status = 'running' AND locked_at < ?`,
		time.Now().UTC(), staleBefore.UTC())
	if err != nil {
		return 0, fmt.Errorf("requeue stale jobs failed: %w", err)
	}
	n, _ := result.RowsAffected()
	if n > 0 {
		slog.Info(s.name+".RequeueStaleRunningJobs", "requeued", n)
	}
	return int(n), nil
}

func (s *sqlStore) GetJob(ctx context.Context, id string) (*Job, error) {
	var j Job
	err := s.db.GetContext(ctx, &j, s.db.Rebind(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job failed: %w", err)
	}
	return &j, nil
}

// ClaimDueJobs selects then marks; the single SQLite connection serialises claimers.
func (s *SQLiteStore) ClaimDueJobs(ctx context.Context, now time.Time, limit int) ([]Job, error) {
	now = now.UTC()
	var jobs []Job
	err := s.db.SelectContext(ctx, &jobs,
		`SELECT `+jobColumns+` FROM jobs WHERE status = 'queued' AND run_at <= ? ORDER BY run_at ASC LIMIT ?`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("claim due jobs query failed: %w", err)
	}
	for i := range jobs {
		if _, err := s.exec(ctx, `UPDATE jobs SET status = 'running', locked_at = ?, updated_at = ? WHERE id = ?`, now, now, jobs[i].ID); err != nil {
			return nil, fmt.Errorf("mark job running failed: %w", err)
		}
		jobs[i].Status = JobStatusRunning
		jobs[i].LockedAt = &now
	}
	return jobs, nil
}

// ClaimDueJobs claims with SKIP LOCKED so several runners can share the table.
func (s *PostgresStore) ClaimDueJobs(ctx context.Context, now time.Time, limit int) ([]Job, error) {
	var jobs []Job
	err := s.db.SelectContext(ctx, &jobs,
		`UPDATE jobs SET status = 'running', locked_at = $1, updated_at = $1
		 WHERE id IN (
		   SELECT id FROM jobs WHERE status = 'queued' AND run_at <= $1
		   ORDER BY run_at ASC LIMIT $2
		   FOR UPDATE SKIP LOCKED
		 )
		 RETURNING `+jobColumns, now.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("claim due jobs failed: %w", err)
	}
	return jobs, nil
}

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
