package flow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/CoachPipe/internal/messaging"
	"github.com/BTreeMap/CoachPipe/internal/models"
	"github.com/BTreeMap/CoachPipe/internal/store"
)

// Job kinds run by the store's JobRunner.
const (
	JobKindMorningAnchor = "morning_anchor"
)

// MorningAnchorPayload is the JSON payload for morning_anchor jobs.
type MorningAnchorPayload struct {
	UserID string `json:"user_id"`
	Date   string `json:"date"`
}

// MorningAnchorKey is the dedupe key shared by the job and its outbox message.
func MorningAnchorKey(userID, date string) string {
	return JobKindMorningAnchor + ":" + userID + ":" + date
}

// EnqueueMorningAnchor schedules the Morning Anchor for a user's day. A
// second call for the same day returns the pending job, moved to runAt.
func EnqueueMorningAnchor(ctx context.Context, jobs store.JobRepo, userID, date string, runAt time.Time) (string, error) {
	payload, err := json.Marshal(MorningAnchorPayload{UserID: userID, Date: date})
	if err != nil {
		return "", fmt.Errorf("marshal morning_anchor payload: %w", err)
	}
	id, err := jobs.EnqueueJob(ctx, JobKindMorningAnchor, runAt, string(payload), MorningAnchorKey(userID, date))
	if err != nil {
		return "", fmt.Errorf("enqueue morning_anchor: %w", err)
	}
	// A dedupe hit returns the pending job, which may still hold an older wake's minute.
	if _, err := jobs.RescheduleJob(ctx, id, runAt); err != nil {
		return id, fmt.Errorf("reschedule morning_anchor: %w", err)
	}
	slog.Info("flow.EnqueueMorningAnchor", "userID", userID, "date", date, "runAt", runAt, "jobID", id)
	return id, nil
}

// RegisterJobHandlers registers the coaching job handlers with the runner.
func RegisterJobHandlers(runner *store.JobRunner, coach *Coach) {
	runner.RegisterHandler(JobKindMorningAnchor, makeMorningAnchorHandler(coach))
}

func makeMorningAnchorHandler(coach *Coach) store.JobHandler {
	return func(ctx context.Context, payload string) error {
		var p MorningAnchorPayload
		if err := json.Unmarshal([]byte(payload), &p); err != nil {
			return fmt.Errorf("invalid morning_anchor payload: %w", err)
		}
		slog.Info("JobHandler.morning_anchor: executing", "userID", p.UserID, "date", p.Date)

		// Idempotency: a triggered wake event means the anchor already ran.
		ev, err := coach.store.GetWakeEvent(ctx, p.UserID, p.Date)
		if err != nil {
			return fmt.Errorf("failed to read wake event: %w", err)
		}
		if ev == nil || ev.Triggered {
			slog.Info("JobHandler.morning_anchor: nothing to do", "userID", p.UserID, "date", p.Date, "found", ev != nil)
			return nil
		}

		// A retry after a crash re-evaluates; the outbox key keeps it to one send.
		dctx := messaging.WithDedupeKey(ctx, MorningAnchorKey(p.UserID, p.Date))
		result, err := coach.EvaluateMorningAnchor(dctx, p.UserID)
		if err != nil {
			return fmt.Errorf("morning anchor evaluation failed: %w", err)
		}
		d := result.Decision
		if d.Outcome != models.OutcomeDelivered {
			// Nothing was sent: the event stays open to a later upgrade.
			reason := anchorSkipReason(d)
			if err := coach.store.SetWakeSkipReason(ctx, p.UserID, p.Date, reason); err != nil {
				return fmt.Errorf("failed to record wake skip reason: %w", err)
			}
			slog.Info("JobHandler.morning_anchor: not delivered", "userID", p.UserID, "outcome", d.Outcome, "skipReason", reason)
			return nil
		}
		if _, err := coach.store.MarkWakeTriggered(ctx, p.UserID, p.Date); err != nil {
			return fmt.Errorf("failed to mark wake triggered: %w", err)
		}
		slog.Info("JobHandler.morning_anchor: done", "userID", p.UserID, "outcome", d.Outcome, "reason", d.Reason)
		return nil
	}
}

// anchorSkipReason names why an anchor run did not send: the suppression rule
// when one fired, the decision outcome otherwise.
func anchorSkipReason(d models.Decision) models.WakeSkipReason {
	if d.RuleID != "" {
		return models.WakeSkipReason(d.RuleID)
	}
	return models.WakeSkipReason(d.Outcome)
}
