package store

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

func TestSQLiteStore_JobRepo_EnqueueAndGet(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	id, err := s.EnqueueJob(ctx, "morning_anchor", time.Now().Add(time.Hour), `{"user_id":"u1"}`, "")
	if err != nil {
		t.Fatalf("EnqueueJob failed: %v", err)
	}
	job, err := s.GetJob(ctx, id)
	if err != nil || job == nil {
		t.Fatalf("GetJob failed: %+v, %v", job, err)
	}
	if job.Kind != "morning_anchor" || job.Status != JobStatusQueued || job.PayloadJSON != `{"user_id":"u1"}` {
		t.Errorf("unexpected job: %+v", job)
	}
	if job.MaxAttempts != DefaultJobMaxAttempts {
		t.Errorf("expected max attempts %d, got %d", DefaultJobMaxAttempts, job.MaxAttempts)
	}

	missing, err := s.GetJob(ctx, "job_missing")
	if err != nil || missing != nil {
		t.Errorf("expected (nil, nil) for missing job, got %+v, %v", missing, err)
	}
}

func TestSQLiteStore_JobRepo_DedupeKey(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()
	runAt := time.Now().Add(time.Hour)

	id1, err := s.EnqueueJob(ctx, "morning_anchor", runAt, `{}`, "morning_anchor:u1:2024-03-01")
	if err != nil {
		t.Fatalf("EnqueueJob 1 failed: %v", err)
	}
	id2, err := s.EnqueueJob(ctx, "morning_anchor", runAt, `{}`, "morning_anchor:u1:2024-03-01")
	if err != nil {
		t.Fatalf("EnqueueJob 2 failed: %v", err)
	}
	if id2 != id1 {
		t.Errorf("expected dedupe to return %q, got %q", id1, id2)
	}

	if err := s.CompleteJob(ctx, id1); err != nil {
		t.Fatalf("CompleteJob failed: %v", err)
	}
	id3, err := s.EnqueueJob(ctx, "morning_anchor", runAt, `{}`, "morning_anchor:u1:2024-03-01")
	if err != nil {
		t.Fatalf("EnqueueJob 3 failed: %v", err)
	}
	if id3 == id1 {
		t.Error("expected a new job once the old one is done")
	}
}

func TestSQLiteStore_JobRepo_ClaimDueJobs(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	pastID, _ := s.EnqueueJob(ctx, "past", time.Now().Add(-time.Hour), `{}`, "")
	if _, err := s.EnqueueJob(ctx, "future", time.Now().Add(time.Hour), `{}`, ""); err != nil {
		t.Fatalf("EnqueueJob failed: %v", err)
	}

	jobs, err := s.ClaimDueJobs(ctx, time.Now(), 10)
	if err != nil {
		t.Fatalf("ClaimDueJobs failed: %v", err)
	}
	if len(jobs) != 1 || jobs[0].ID != pastID {
		t.Fatalf("expected only the past job, got %+v", jobs)
	}
	if jobs[0].Status != JobStatusRunning {
		t.Errorf("expected running status, got %q", jobs[0].Status)
	}

	again, err := s.ClaimDueJobs(ctx, time.Now(), 10)
	if err != nil {
		t.Fatalf("second ClaimDueJobs failed: %v", err)
	}
	if len(again) != 0 {
		t.Errorf("expected nothing left to claim, got %d", len(again))
	}
}

func TestSQLiteStore_JobRepo_RescheduleJob(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	id, _ := s.EnqueueJob(ctx, "k", time.Now().Add(time.Hour), `{}`, "k:1")
	moved, err := s.RescheduleJob(ctx, id, time.Now().Add(-time.Minute))
	if err != nil || !moved {
		t.Fatalf("expected queued job to move, got %v, %v", moved, err)
	}
	jobs, err := s.ClaimDueJobs(ctx, time.Now(), 10)
	if err != nil {
		t.Fatalf("ClaimDueJobs failed: %v", err)
	}
	if len(jobs) != 1 || jobs[0].ID != id {
		t.Fatalf("expected the moved job to be due, got %+v", jobs)
	}

	moved, err = s.RescheduleJob(ctx, id, time.Now().Add(time.Hour))
	if err != nil || moved {
		t.Errorf("a running job must not move, got %v, %v", moved, err)
	}
	if moved, err = s.RescheduleJob(ctx, "missing", time.Now()); err != nil || moved {
		t.Errorf("expected no-op for a missing job, got %v, %v", moved, err)
	}
}

func TestSQLiteStore_JobRepo_FailUntilMaxAttempts(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	id, _ := s.EnqueueJob(ctx, "k", time.Now().Add(-time.Minute), `{}`, "")
	for i := 1; i <= DefaultJobMaxAttempts; i++ {
		if err := s.FailJob(ctx, id, "boom", time.Now().Add(-time.Second)); err != nil {
			t.Fatalf("FailJob %d failed: %v", i, err)
		}
		job, _ := s.GetJob(ctx, id)
		want := JobStatusQueued
		if i == DefaultJobMaxAttempts {
			want = JobStatusFailed
		}
		if job.Status != want || job.Attempt != i || job.LastError != "boom" {
			t.Errorf("after %d failures: got status %q attempt %d error %q", i, job.Status, job.Attempt, job.LastError)
		}
	}
}

func TestSQLiteStore_JobRepo_CancelJob(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	id, _ := s.EnqueueJob(ctx, "k", time.Now().Add(-time.Minute), `{}`, "")
	if err := s.CancelJob(ctx, id); err != nil {
		t.Fatalf("CancelJob failed: %v", err)
	}
	jobs, _ := s.ClaimDueJobs(ctx, time.Now(), 10)
	if len(jobs) != 0 {
		t.Errorf("canceled job was claimed")
	}
}

func TestSQLiteStore_JobRepo_RequeueStale(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	id, _ := s.EnqueueJob(ctx, "k", time.Now().Add(-2*time.Hour), `{}`, "")
	if _, err := s.ClaimDueJobs(ctx, time.Now().Add(-time.Hour), 10); err != nil {
		t.Fatalf("ClaimDueJobs failed: %v", err)
	}
	n, err := s.RequeueStaleRunningJobs(ctx, time.Now().Add(-5*time.Minute))
	if err != nil {
		t.Fatalf("RequeueStaleRunningJobs failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 requeued job, got %d", n)
	}
	job, _ := s.GetJob(ctx, id)
	if job.Status != JobStatusQueued || job.LockedAt != nil {
		t.Errorf("expected queued and unlocked, got %+v", job)
	}
}

func TestSQLiteStore_OutboxRepo_EnqueueClaimSend(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	id, err := s.EnqueueOutboxMessage(ctx, "u1", "nudge", `{"to":"15551234567","body":"hi"}`, "nudge:u1:1")
	if err != nil {
		t.Fatalf("EnqueueOutboxMessage failed: %v", err)
	}
	dup, err := s.EnqueueOutboxMessage(ctx, "u1", "nudge", `{}`, "nudge:u1:1")
	if err != nil || dup != id {
		t.Errorf("expected dedupe hit %q, got %q (%v)", id, dup, err)
	}

	msgs, err := s.ClaimDueOutboxMessages(ctx, time.Now(), 10)
	if err != nil {
		t.Fatalf("ClaimDueOutboxMessages failed: %v", err)
	}
	if len(msgs) != 1 || msgs[0].UserID != "u1" || msgs[0].Status != OutboxStatusSending {
		t.Fatalf("unexpected claim: %+v", msgs)
	}
	if err := s.MarkOutboxMessageSent(ctx, id); err != nil {
		t.Fatalf("MarkOutboxMessageSent failed: %v", err)
	}
	msg, _ := s.GetOutboxMessage(ctx, id)
	if msg.Status != OutboxStatusSent {
		t.Errorf("expected sent, got %q", msg.Status)
	}

	// a sent message still blocks its dedupe key
	again, _ := s.EnqueueOutboxMessage(ctx, "u1", "nudge", `{}`, "nudge:u1:1")
	if again != id {
		t.Errorf("expected sent message to keep dedupe key, got new id %q", again)
	}
}

func TestSQLiteStore_OutboxRepo_FailAndRetry(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	id, _ := s.EnqueueOutboxMessage(ctx, "u1", "nudge", `{}`, "")
	if _, err := s.ClaimDueOutboxMessages(ctx, time.Now(), 10); err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	retryAt := time.Now().Add(time.Minute)
	if err := s.FailOutboxMessage(ctx, id, "provider down", retryAt); err != nil {
		t.Fatalf("FailOutboxMessage failed: %v", err)
	}
	msg, _ := s.GetOutboxMessage(ctx, id)
	if msg.Status != OutboxStatusQueued || msg.Attempts != 1 || msg.LastError != "provider down" {
		t.Errorf("unexpected message after failure: %+v", msg)
	}

	early, _ := s.ClaimDueOutboxMessages(ctx, time.Now(), 10)
	if len(early) != 0 {
		t.Errorf("message claimed before its retry time")
	}
	late, _ := s.ClaimDueOutboxMessages(ctx, retryAt.Add(time.Second), 10)
	if len(late) != 1 {
		t.Errorf("expected message to be claimable after retry time, got %d", len(late))
	}

	for i := 0; i < DefaultOutboxMaxAttempts; i++ {
		s.FailOutboxMessage(ctx, id, "provider down", time.Now())
	}
	msg, _ = s.GetOutboxMessage(ctx, id)
	if msg.Status != OutboxStatusFailed {
		t.Errorf("expected failed after max attempts, got %q", msg.Status)
	}
}

func TestSQLiteStore_OutboxRepo_RequeueStale(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	id, _ := s.EnqueueOutboxMessage(ctx, "u1", "nudge", `{}`, "")
	if _, err := s.ClaimDueOutboxMessages(ctx, time.Now().Add(-time.Hour), 10); err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	n, err := s.RequeueStaleSendingMessages(ctx, time.Now().Add(-5*time.Minute))
	if err != nil || n != 1 {
		t.Fatalf("expected 1 requeued message, got %d (%v)", n, err)
	}
	msg, _ := s.GetOutboxMessage(ctx, id)
	if msg.Status != OutboxStatusQueued {
		t.Errorf("expected queued, got %q", msg.Status)
	}
}

func TestSQLiteStore_DedupRepo(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	dup, err := s.IsDuplicate(ctx, "SM1")
	if err != nil || dup {
		t.Fatalf("expected unseen message, got %v (%v)", dup, err)
	}
	fresh, err := s.RecordInbound(ctx, "SM1", "15551234567")
	if err != nil || !fresh {
		t.Fatalf("expected first record to be fresh, got %v (%v)", fresh, err)
	}
	fresh, err = s.RecordInbound(ctx, "SM1", "15551234567")
	if err != nil || fresh {
		t.Errorf("expected second record to be a duplicate, got %v (%v)", fresh, err)
	}
	dup, _ = s.IsDuplicate(ctx, "SM1")
	if !dup {
		t.Error("expected IsDuplicate after record")
	}
	if err := s.MarkProcessed(ctx, "SM1"); err != nil {
		t.Errorf("MarkProcessed failed: %v", err)
	}
}

func TestJobRunner_Poll(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	var calls int32
	runner := NewJobRunner(s, WithPollInterval(time.Hour))
	runner.RegisterHandler("ok", func(ctx context.Context, payload string) error {
		atomic.AddInt32(&calls, 1)
		return nil
	})
	runner.RegisterHandler("bad", func(ctx context.Context, payload string) error {
		return errors.New("handler failed")
	})

	okID, _ := s.EnqueueJob(ctx, "ok", time.Now().Add(-time.Second), `{}`, "")
	badID, _ := s.EnqueueJob(ctx, "bad", time.Now().Add(-time.Second), `{}`, "")
	orphanID, _ := s.EnqueueJob(ctx, "nobody", time.Now().Add(-time.Second), `{}`, "")

	if done := runner.Poll(ctx, time.Now()); done != 1 {
		t.Errorf("expected 1 completed job, got %d", done)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Errorf("expected handler called once, got %d", calls)
	}

	ok, _ := s.GetJob(ctx, okID)
	if ok.Status != JobStatusDone {
		t.Errorf("expected done, got %q", ok.Status)
	}
	bad, _ := s.GetJob(ctx, badID)
	if bad.Status != JobStatusQueued || bad.Attempt != 1 || !bad.RunAt.After(time.Now()) {
		t.Errorf("expected failed job rescheduled with backoff, got %+v", bad)
	}
	orphan, _ := s.GetJob(ctx, orphanID)
	if orphan.Status != JobStatusQueued || orphan.LastError == "" {
		t.Errorf("expected unhandled job rescheduled, got %+v", orphan)
	}
}

func TestJobRunnerRestartRecovery(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "restart.db")

	s1, err := NewSQLiteStore(WithSQLiteDSN(dbPath))
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	id, _ := s1.EnqueueJob(ctx, "morning_anchor", time.Now().Add(-2*time.Hour), `{"user_id":"u1"}`, "")
	// claimed an hour ago, then the process died
	if _, err := s1.ClaimDueJobs(ctx, time.Now().Add(-time.Hour), 10); err != nil {
		t.Fatalf("ClaimDueJobs failed: %v", err)
	}
	s1.Close()

	s2, err := NewSQLiteStore(WithSQLiteDSN(dbPath))
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer s2.Close()

	var got string
	runner := NewJobRunner(s2)
	runner.RegisterHandler("morning_anchor", func(ctx context.Context, payload string) error {
		got = payload
		return nil
	})
	if err := runner.RecoverStaleJobs(ctx); err != nil {
		t.Fatalf("RecoverStaleJobs failed: %v", err)
	}
	if done := runner.Poll(ctx, time.Now()); done != 1 {
		t.Fatalf("expected recovered job to run, got %d", done)
	}
	if got != `{"user_id":"u1"}` {
		t.Errorf("unexpected payload %q", got)
	}
	job, _ := s2.GetJob(ctx, id)
	if job.Status != JobStatusDone {
		t.Errorf("expected done, got %q", job.Status)
	}
}

func TestOutboxSender_PollAndRecovery(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	var sent []string
	fail := true
	sender := NewOutboxSender(s, func(ctx context.Context, msg OutboxMessage) error {
		if fail {
			return errors.New("provider down")
		}
		sent = append(sent, msg.ID)
		return nil
	})

	id, _ := s.EnqueueOutboxMessage(ctx, "u1", "nudge", `{}`, "")
	if n := sender.Poll(ctx, time.Now()); n != 0 {
		t.Fatalf("expected no sends while failing, got %d", n)
	}
	msg, _ := s.GetOutboxMessage(ctx, id)
	if msg.Attempts != 1 || msg.NextAttemptAt == nil {
		t.Fatalf("expected retry scheduled, got %+v", msg)
	}

	fail = false
	if n := sender.Poll(ctx, msg.NextAttemptAt.Add(time.Second)); n != 1 {
		t.Fatalf("expected retry to send, got %d", n)
	}
	if len(sent) != 1 || sent[0] != id {
		t.Errorf("unexpected sends %v", sent)
	}

	// stale sending rows come back on startup
	stuck, _ := s.EnqueueOutboxMessage(ctx, "u2", "nudge", `{}`, "")
	s.ClaimDueOutboxMessages(ctx, time.Now().Add(-time.Hour), 10)
	if err := sender.RecoverStaleMessages(ctx); err != nil {
		t.Fatalf("RecoverStaleMessages failed: %v", err)
	}
	if n := sender.Poll(ctx, time.Now()); n != 1 {
		t.Errorf("expected recovered message to send, got %d", n)
	}
	msg, _ = s.GetOutboxMessage(ctx, stuck)
	if msg.Status != OutboxStatusSent {
		t.Errorf("expected sent, got %q", msg.Status)
	}
}
