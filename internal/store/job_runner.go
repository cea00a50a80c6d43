package store

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// JobHandler executes one job. It receives the job's payload JSON.
type JobHandler func(ctx context.Context, payload string) error

// RunnerOpts holds tuning for JobRunner and OutboxSender.
type RunnerOpts struct {
	PollInterval   time.Duration
	StaleThreshold time.Duration
	ClaimLimit     int
}

// RunnerOption defines a configuration option for the pollers.
type RunnerOption func(*RunnerOpts)

// WithPollInterval sets how often the poller claims due work.
func WithPollInterval(d time.Duration) RunnerOption {
	return func(o *RunnerOpts) { o.PollInterval = d }
}

// WithStaleThreshold sets how long a claim may be held before startup recovery requeues it.
func WithStaleThreshold(d time.Duration) RunnerOption {
	return func(o *RunnerOpts) { o.StaleThreshold = d }
}

// WithClaimLimit caps the number of rows claimed per poll.
func WithClaimLimit(n int) RunnerOption {
	return func(o *RunnerOpts) { o.ClaimLimit = n }
}

func applyRunnerOpts(defaultPoll time.Duration, opts []RunnerOption) RunnerOpts {
	o := RunnerOpts{PollInterval: defaultPoll, StaleThreshold: 5 * time.Minute, ClaimLimit: 10}
	for _, opt := range opts {
		opt(&o)
	}
	if o.PollInterval <= 0 {
		o.PollInterval = defaultPoll
	}
	if o.ClaimLimit <= 0 {
		o.ClaimLimit = 10
	}
	return o
}

// JobRunner periodically claims due jobs and dispatches them to handlers
// registered by kind.
type JobRunner struct {
	repo     JobRepo
	handlers map[string]JobHandler
	mu       sync.RWMutex
	opts     RunnerOpts
}

// NewJobRunner creates a JobRunner; the default poll interval is 10s.
func NewJobRunner(repo JobRepo, opts ...RunnerOption) *JobRunner {
	return &JobRunner{
		repo:     repo,
		handlers: make(map[string]JobHandler),
		opts:     applyRunnerOpts(10*time.Second, opts),
	}
}

// RegisterHandler registers a handler for a job kind.
func (r *JobRunner) RegisterHandler(kind string, handler JobHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[kind] = handler
	slog.Debug("JobRunner.RegisterHandler", "kind", kind)
}

// RecoverStaleJobs requeues jobs left running by a crashed process. Call once at startup.
func (r *JobRunner) RecoverStaleJobs(ctx context.Context) error {
	n, err := r.repo.RequeueStaleRunningJobs(ctx, time.Now().Add(-r.opts.StaleThreshold))
	if err != nil {
		return err
	}
	if n > 0 {
		slog.Info("JobRunner.RecoverStaleJobs: requeued stale jobs", "count", n)
	}
	return nil
}

// Run polls until ctx is cancelled.
func (r *JobRunner) Run(ctx context.Context) {
	slog.Info("JobRunner.Run: starting job runner", "pollInterval", r.opts.PollInterval)

	ticker := time.NewTicker(r.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("JobRunner.Run: stopping")
			return
		case <-ticker.C:
			r.Poll(ctx, time.Now())
		}
	}
}

// Poll claims jobs due at now and runs them. It returns the number of jobs
// that completed.
func (r *JobRunner) Poll(ctx context.Context, now time.Time) int {
	jobs, err := r.repo.ClaimDueJobs(ctx, now, r.opts.ClaimLimit)
	if err != nil {
		slog.Error("JobRunner.Poll: claim failed", "error", err)
		return 0
	}

	completed := 0
	for _, job := range jobs {
		r.mu.RLock()
		handler, ok := r.handlers[job.Kind]
		r.mu.RUnlock()

		if !ok {
			slog.Warn("JobRunner.Poll: no handler for job kind", "kind", job.Kind, "id", job.ID)
			if err := r.repo.FailJob(ctx, job.ID, "no handler registered for kind: "+job.Kind, now.Add(time.Minute)); err != nil {
				slog.Error("JobRunner.Poll: fail job error", "id", job.ID, "error", err)
			}
			continue
		}

		slog.Debug("JobRunner.Poll: executing job", "id", job.ID, "kind", job.Kind, "attempt", job.Attempt)
		if err := handler(ctx, job.PayloadJSON); err != nil {
			slog.Error("JobRunner.Poll: job execution failed", "id", job.ID, "kind", job.Kind, "error", err)
			// 30s, 60s, 120s, ...
			backoff := time.Duration(30*(1<<job.Attempt)) * time.Second
			if err := r.repo.FailJob(ctx, job.ID, err.Error(), now.Add(backoff)); err != nil {
				slog.Error("JobRunner.Poll: fail job error", "id", job.ID, "error", err)
			}
			continue
		}
		if err := r.repo.CompleteJob(ctx, job.ID); err != nil {
			slog.Error("JobRunner.Poll: complete job error", "id", job.ID, "error", err)
			continue
		}
		completed++
		slog.Debug("JobRunner.Poll: job completed", "id", job.ID, "kind", job.Kind)
	}
	return completed
}
