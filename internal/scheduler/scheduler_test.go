package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/CoachPipe/internal/models"
	"github.com/BTreeMap/CoachPipe/internal/pipeline"
)

func TestSchedulerAddJob(t *testing.T) {
	s := NewScheduler()
	defer s.Stop()
	// Should add a valid cron job without error
	if err := s.AddJob("* * * * *", func() {}); err != nil {
		t.Errorf("Expected no error adding job, got %v", err)
	}
	if err := s.AddJob("not a spec", func() {}); err == nil {
		t.Error("Expected error for invalid spec")
	}
}

func TestSchedulerAddTaskInvalidSpec(t *testing.T) {
	s := NewScheduler(WithLocation(time.UTC), WithTaskTimeout(time.Second))
	defer s.Stop()
	if err := s.AddTask("bad", "61 * * * *", func(ctx context.Context) error { return nil }); err == nil {
		t.Error("Expected error for out-of-range minute")
	}
}

func TestSchedulerRunCancelledOnStop(t *testing.T) {
	s := NewScheduler(WithTaskTimeout(time.Minute))
	started := make(chan struct{})
	var got error
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.run("blocking", func(ctx context.Context) error {
			close(started)
			<-ctx.Done()
			got = ctx.Err()
			return got
		})
	}()
	<-started
	s.Stop()
	wg.Wait()
	if !errors.Is(got, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", got)
	}
}

type fakeCoach struct {
	mu       sync.Mutex
	sweeps   int
	ticks    int
	sweepErr error
}

func (f *fakeCoach) SweepMVD(ctx context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sweeps++
	return 2, f.sweepErr
}

func (f *fakeCoach) EvaluateAll(ctx context.Context) ([]pipeline.Evaluation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ticks++
	return []pipeline.Evaluation{
		{Decision: models.Decision{UserID: "u1", Outcome: models.OutcomeDelivered}},
		{Decision: models.Decision{UserID: "u2"}, Err: "malformed"},
	}, nil
}

func TestCoachTasks(t *testing.T) {
	c := &fakeCoach{}
	ctx := context.Background()
	if err := MVDSweepTask(c)(ctx); err != nil {
		t.Fatalf("MVDSweepTask failed: %v", err)
	}
	if err := NudgeTickTask(c)(ctx); err != nil {
		t.Fatalf("NudgeTickTask failed: %v", err)
	}
	if c.sweeps != 1 || c.ticks != 1 {
		t.Errorf("expected one sweep and one tick, got %d and %d", c.sweeps, c.ticks)
	}

	c.sweepErr = errors.New("store down")
	if err := MVDSweepTask(c)(ctx); err == nil {
		t.Error("expected sweep error to propagate")
	}
}

func TestRegisterCoachTasks(t *testing.T) {
	s := NewScheduler()
	defer s.Stop()
	c := &fakeCoach{}
	if err := RegisterCoachTasks(s, c, DefaultSpecs()); err != nil {
		t.Fatalf("RegisterCoachTasks failed: %v", err)
	}
	if n := len(s.cron.Entries()); n != 2 {
		t.Errorf("expected 2 entries, got %d", n)
	}
	if err := RegisterCoachTasks(s, c, Specs{MVDSweep: "bogus"}); err == nil {
		t.Error("expected error for bad spec")
	}
	if err := RegisterCoachTasks(s, c, Specs{}); err != nil {
		t.Errorf("empty specs should disable tasks, got %v", err)
	}
}
