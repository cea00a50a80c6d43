package store

import (
	"context"
	"log/slog"
	"time"
)

// OutboxSendFunc performs the actual send for one outbox message.
type OutboxSendFunc func(ctx context.Context, msg OutboxMessage) error

// OutboxSender periodically claims due outbox messages and sends them.
type OutboxSender struct {
	repo     OutboxRepo
	sendFunc OutboxSendFunc
	opts     RunnerOpts
}

// NewOutboxSender creates an OutboxSender; the default poll interval is 5s.
func NewOutboxSender(repo OutboxRepo, sendFunc OutboxSendFunc, opts ...RunnerOption) *OutboxSender {
	return &OutboxSender{
		repo:     repo,
		sendFunc: sendFunc,
		opts:     applyRunnerOpts(5*time.Second, opts),
	}
}

// RecoverStaleMessages requeues messages stuck in sending. Call once at startup.
func (s *OutboxSender) RecoverStaleMessages(ctx context.Context) error {
	n, err := s.repo.RequeueStaleSendingMessages(ctx, time.Now().Add(-s.opts.StaleThreshold))
	if err != nil {
		return err
	}
	if n > 0 {
		slog.Info("OutboxSender.RecoverStaleMessages: requeued stale messages", "count", n)
	}
	return nil
}

// Run polls until ctx is cancelled.
func (s *OutboxSender) Run(ctx context.Context) {
	slog.Info("OutboxSender.Run: starting outbox sender", "pollInterval", s.opts.PollInterval)

	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("OutboxSender.Run: stopping")
			return
		case <-ticker.C:
			s.Poll(ctx, time.Now())
		}
	}
}

// Poll claims messages due at now and sends them. It returns the number sent.
func (s *OutboxSender) Poll(ctx context.Context, now time.Time) int {
	msgs, err := s.repo.ClaimDueOutboxMessages(ctx, now, s.opts.ClaimLimit)
	if err != nil {
		slog.Error("OutboxSender.Poll: claim failed", "error", err)
		return 0
	}

	sent := 0
	for _, msg := range msgs {
		slog.Debug("OutboxSender.Poll: sending message", "id", msg.ID, "userID", msg.UserID, "kind", msg.Kind)
		if err := s.sendFunc(ctx, msg); err != nil {
			slog.Error("OutboxSender.Poll: send failed", "id", msg.ID, "error", err)
			// 10s, 20s, 40s, ...
			backoff := time.Duration(10*(1<<msg.Attempts)) * time.Second
			if err := s.repo.FailOutboxMessage(ctx, msg.ID, err.Error(), now.Add(backoff)); err != nil {
				slog.Error("OutboxSender.Poll: fail message error", "id", msg.ID, "error", err)
			}
			continue
		}
		if err := s.repo.MarkOutboxMessageSent(ctx, msg.ID); err != nil {
			slog.Error("OutboxSender.Poll: mark sent error", "id", msg.ID, "error", err)
			continue
		}
		sent++
	}
	return sent
}
