// Package scheduler provides cron-based periodic triggers for CoachPipe.
//
// The daily MVD sweep and the nudge tick run as cron tasks; one-off
// per-user deliveries such as the Morning Anchor go through the store's
// durable job queue instead.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/BTreeMap/CoachPipe/internal/models"
	"github.com/BTreeMap/CoachPipe/internal/pipeline"
)

// Default cron specs and task timeout.
const (
	DefaultMVDSweepSpec  = "0 5 * * *"
	DefaultNudgeTickSpec = "*/30 7-21 * * *"
	DefaultTaskTimeout   = 10 * time.Minute
)

// Task is one scheduled run.
type Task func(ctx context.Context) error

// Opts holds configuration options for Scheduler.
type Opts struct {
	Location *time.Location
	Timeout  time.Duration
}

// Option defines a configuration option for Scheduler.
type Option func(*Opts)

// WithLocation evaluates cron specs in loc instead of the local zone.
func WithLocation(loc *time.Location) Option {
	return func(o *Opts) { o.Location = loc }
}

// WithTaskTimeout bounds each task run.
func WithTaskTimeout(d time.Duration) Option {
	return func(o *Opts) { o.Timeout = d }
}

// Scheduler provides cron-based job scheduling.
type Scheduler struct {
	cron    *cron.Cron
	ctx     context.Context
	cancel  context.CancelFunc
	timeout time.Duration
}

// NewScheduler creates and starts a cron scheduler. Overlapping runs of the
// same task are skipped and panics are recovered.
func NewScheduler(opts ...Option) *Scheduler {
	o := Opts{Location: time.Local, Timeout: DefaultTaskTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	if o.Location == nil {
		o.Location = time.Local
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultTaskTimeout
	}
	logger := slogLogger{}
	// Use standard 5-field cron parser (min, hour, dom, month, dow)
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	c := cron.New(
		cron.WithParser(parser),
		cron.WithLocation(o.Location),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	ctx, cancel := context.WithCancel(context.Background())
	c.Start()
	return &Scheduler{cron: c, ctx: ctx, cancel: cancel, timeout: o.Timeout}
}

// AddJob schedules a task using the provided cron expression.
// It returns an error if the expression is invalid.
func (s *Scheduler) AddJob(expr string, task func()) error {
	_, err := s.cron.AddFunc(expr, task)
	return err
}

// AddTask schedules a named task. Each run gets its own timeout and is
// cancelled when the scheduler stops; errors are logged.
func (s *Scheduler) AddTask(name, expr string, task Task) error {
	_, err := s.cron.AddFunc(expr, func() {
		s.run(name, task)
	})
	if err != nil {
		return fmt.Errorf("scheduler: add %s (%q): %w", name, expr, err)
	}
	slog.Info("Scheduler.AddTask: scheduled", "task", name, "spec", expr)
	return nil
}

func (s *Scheduler) run(name string, task Task) {
	ctx, cancel := context.WithTimeout(s.ctx, s.timeout)
	defer cancel()
	start := time.Now()
	if err := task(ctx); err != nil {
		slog.Error("Scheduler: task failed", "task", name, "error", err, "elapsed", time.Since(start))
		return
	}
	slog.Debug("Scheduler: task done", "task", name, "elapsed", time.Since(start))
}

// Stop stops the cron scheduler, cancels running tasks and waits for them
// to return.
func (s *Scheduler) Stop() {
	done := s.cron.Stop()
	s.cancel()
	<-done.Done()
}

// Coach is the part of the coaching flow driven by cron.
type Coach interface {
	SweepMVD(ctx context.Context) (int, error)
	EvaluateAll(ctx context.Context) ([]pipeline.Evaluation, error)
}

// Specs are the cron expressions for the coaching tasks. An empty spec
// disables its task.
type Specs struct {
	MVDSweep  string `yaml:"mvd_sweep"`
	NudgeTick string `yaml:"nudge_tick"`
}

// DefaultSpecs returns the production schedule.
func DefaultSpecs() Specs {
	return Specs{MVDSweep: DefaultMVDSweepSpec, NudgeTick: DefaultNudgeTickSpec}
}

// RegisterCoachTasks schedules the MVD sweep and the nudge tick.
func RegisterCoachTasks(s *Scheduler, c Coach, specs Specs) error {
	if specs.MVDSweep != "" {
		if err := s.AddTask("mvd_sweep", specs.MVDSweep, MVDSweepTask(c)); err != nil {
			return err
		}
	}
	if specs.NudgeTick != "" {
		if err := s.AddTask("nudge_tick", specs.NudgeTick, NudgeTickTask(c)); err != nil {
			return err
		}
	}
	return nil
}

// MVDSweepTask re-evaluates MVD for every user.
func MVDSweepTask(c Coach) Task {
	return func(ctx context.Context) error {
		active, err := c.SweepMVD(ctx)
		if err != nil {
			return fmt.Errorf("mvd sweep: %w", err)
		}
		slog.Info("Scheduler: mvd sweep", "active", active)
		return nil
	}
}

// NudgeTickTask runs the nudge pipeline for every user.
func NudgeTickTask(c Coach) Task {
	return func(ctx context.Context) error {
		evs, err := c.EvaluateAll(ctx)
		if err != nil {
			return fmt.Errorf("nudge tick: %w", err)
		}
		delivered, failed := 0, 0
		for _, ev := range evs {
			switch {
			case ev.Err != "":
				failed++
			case ev.Decision.Outcome == models.OutcomeDelivered:
				delivered++
			}
		}
		slog.Info("Scheduler: nudge tick", "users", len(evs), "delivered", delivered, "failed", failed)
		return nil
	}
}

// slogLogger adapts cron's logger to slog.
type slogLogger struct{}

func (slogLogger) Info(msg string, keysAndValues ...interface{}) {
	slog.Debug("cron: "+msg, keysAndValues...)
}

func (slogLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	slog.Error("cron: "+msg, append([]interface{}{"error", err}, keysAndValues...)...)
}
