package flow

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/BTreeMap/CoachPipe/internal/messaging"
	"github.com/BTreeMap/CoachPipe/internal/models"
	"github.com/BTreeMap/CoachPipe/internal/pipeline"
	"github.com/BTreeMap/CoachPipe/internal/signal"
	"github.com/BTreeMap/CoachPipe/internal/store"
	"github.com/BTreeMap/CoachPipe/internal/testutil"
	"github.com/BTreeMap/CoachPipe/internal/wake"
)

const testPhone = "15551234567"

type stubGenerator struct {
	text string
	err  error
}

func (g *stubGenerator) Generate(ctx context.Context, req models.GenerationRequest) (string, error) {
	return g.text, g.err
}

func newTestSQLiteStoreForFlow(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLiteStore(store.WithSQLiteDSN(filepath.Join(t.TempDir(), "flow.db")))
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func fixedClock() time.Time { return testutil.FixedNow }

// anchorProfile is a Morning Anchor user with quiet hours disabled so a
// 06:45 evaluation can deliver.
func anchorProfile() models.UserProfile {
	return models.UserProfile{
		UserID:               testPhone,
		Timezone:             "UTC",
		MorningAnchorEnabled: true,
		ActiveProtocols:      3,
		QuietHours:           &models.MinuteWindow{},
	}
}

func TestCoach_DetectWakeAndMorningAnchor(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLiteStoreForFlow(t)
	p := pipeline.New(NewCatalog(nil), &stubGenerator{text: "Step outside for ten minutes of morning light."},
		messaging.NewOutboxDeliverer(s, nil), pipeline.WithRecorder(s))
	coach := NewCoach(s, p, WithJobRepo(s), WithClock(fixedClock))

	if _, err := coach.SaveProfile(ctx, anchorProfile()); err != nil {
		t.Fatalf("SaveProfile failed: %v", err)
	}

	wakeAt := time.Date(2026, 3, 2, 6, 30, 0, 0, time.UTC)
	res, err := coach.DetectWake(ctx, WakeRequest{
		UserID:  testPhone,
		Signals: []wake.Signal{{Method: models.WakeMethodMovement, At: wakeAt}},
	})
	if err != nil {
		t.Fatalf("DetectWake failed: %v", err)
	}
	if res.Action != wake.ActionCreate || res.Stored == nil || res.JobID == "" {
		t.Fatalf("expected a created event with a job, got %+v", res)
	}

	job, err := s.GetJob(ctx, res.JobID)
	if err != nil || job == nil {
		t.Fatalf("GetJob failed: %+v, %v", job, err)
	}
	if !job.RunAt.Equal(wakeAt.Add(wake.WindowOptimalOffset)) {
		t.Errorf("expected run at optimal minute %v, got %v", wakeAt.Add(wake.WindowOptimalOffset), job.RunAt)
	}

	// a weaker signal keeps the event and the pending job
	again, err := coach.DetectWake(ctx, WakeRequest{
		UserID:  testPhone,
		Signals: []wake.Signal{{Method: models.WakeMethodManual, At: wakeAt.Add(5 * time.Minute)}},
	})
	if err != nil {
		t.Fatalf("second DetectWake failed: %v", err)
	}
	if again.Action != wake.ActionKeep || again.JobID != res.JobID {
		t.Errorf("expected keep with job %s, got action %s job %s", res.JobID, again.Action, again.JobID)
	}

	runner := store.NewJobRunner(s)
	RegisterJobHandlers(runner, coach)
	if done := runner.Poll(ctx, wakeAt.Add(time.Hour)); done != 1 {
		t.Fatalf("expected the morning anchor job to complete, got %d", done)
	}

	ev, _ := s.GetWakeEvent(ctx, testPhone, testutil.FixedDate)
	if ev == nil || !ev.Triggered {
		t.Fatalf("expected wake event triggered, got %+v", ev)
	}
	decisions, _ := s.ListDecisions(ctx, testPhone, time.Time{}, 0)
	if len(decisions) != 1 || decisions[0].Outcome != models.OutcomeDelivered {
		t.Fatalf("expected one delivered decision, got %+v", decisions)
	}

	// a late duplicate job is a no-op
	if _, err := EnqueueMorningAnchor(ctx, s, testPhone, testutil.FixedDate, wakeAt); err != nil {
		t.Fatalf("EnqueueMorningAnchor failed: %v", err)
	}
	runner.Poll(ctx, wakeAt.Add(time.Hour))
	msgs, err := s.ClaimDueOutboxMessages(ctx, wakeAt.Add(24*time.Hour), 10)
	if err != nil {
		t.Fatalf("ClaimDueOutboxMessages failed: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected exactly one outbox message, got %d", len(msgs))
	}
	if msgs[0].DedupeKey != MorningAnchorKey(testPhone, testutil.FixedDate) {
		t.Errorf("unexpected dedupe key %q", msgs[0].DedupeKey)
	}

	// once triggered, detection no longer schedules
	after, err := coach.DetectWake(ctx, WakeRequest{
		UserID:  testPhone,
		Signals: []wake.Signal{{Method: models.WakeMethodHRVSpike, At: wakeAt}},
	})
	if err != nil {
		t.Fatalf("DetectWake after trigger failed: %v", err)
	}
	if after.SkipReason != models.WakeSkipAlreadyTriggered || after.JobID != "" {
		t.Errorf("expected already_triggered skip, got %+v", after)
	}
}

func TestCoach_SuppressedAnchorLeavesWakeUpgradable(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLiteStoreForFlow(t)
	now := testutil.FixedNow // 06:45, inside the default 22:00-07:00 quiet hours
	p := pipeline.New(NewCatalog(nil), &stubGenerator{text: "Good morning, start with a glass of water."},
		messaging.NewOutboxDeliverer(s, nil), pipeline.WithRecorder(s))
	coach := NewCoach(s, p, WithJobRepo(s), WithClock(func() time.Time { return now }))

	profile := anchorProfile()
	profile.QuietHours = nil
	if _, err := coach.SaveProfile(ctx, profile); err != nil {
		t.Fatalf("SaveProfile failed: %v", err)
	}

	wakeAt := time.Date(2026, 3, 2, 6, 0, 0, 0, time.UTC)
	first, err := coach.DetectWake(ctx, WakeRequest{
		UserID:  testPhone,
		Signals: []wake.Signal{{Method: models.WakeMethodMovement, At: wakeAt}},
	})
	if err != nil || first.JobID == "" {
		t.Fatalf("expected a scheduled anchor, got %+v, %v", first, err)
	}

	runner := store.NewJobRunner(s)
	RegisterJobHandlers(runner, coach)
	if done := runner.Poll(ctx, wakeAt.Add(wake.WindowOptimalOffset)); done != 1 {
		t.Fatalf("expected the anchor job to complete, got %d", done)
	}
	decisions, _ := s.ListDecisions(ctx, testPhone, time.Time{}, 0)
	if len(decisions) != 1 || decisions[0].Outcome != models.OutcomeSuppressed || decisions[0].RuleID != models.RuleQuietHours {
		t.Fatalf("expected a quiet_hours suppression, got %+v", decisions)
	}
	ev, _ := s.GetWakeEvent(ctx, testPhone, testutil.FixedDate)
	if ev == nil || ev.Triggered || ev.SkipReason != models.WakeSkipReason(models.RuleQuietHours) {
		t.Fatalf("expected an untriggered event with quiet_hours skip, got %+v", ev)
	}

	// the same detection again does not re-run the anchor
	kept, err := coach.DetectWake(ctx, WakeRequest{
		UserID:  testPhone,
		Signals: []wake.Signal{{Method: models.WakeMethodMovement, At: wakeAt}},
	})
	if err != nil {
		t.Fatalf("repeat DetectWake failed: %v", err)
	}
	if kept.Action != wake.ActionKeep || kept.JobID != "" {
		t.Errorf("expected keep without a job, got action %s job %q", kept.Action, kept.JobID)
	}

	now = time.Date(2026, 3, 2, 7, 15, 0, 0, time.UTC)
	hrvAt := time.Date(2026, 3, 2, 6, 40, 0, 0, time.UTC)
	up, err := coach.DetectWake(ctx, WakeRequest{
		UserID:  testPhone,
		Signals: []wake.Signal{{Method: models.WakeMethodHRVSpike, At: hrvAt}},
	})
	if err != nil {
		t.Fatalf("upgrade DetectWake failed: %v", err)
	}
	if up.Action != wake.ActionUpgrade || up.JobID == "" || up.JobID == first.JobID {
		t.Fatalf("expected an upgrade with a new job, got %+v", up)
	}
	if up.Stored == nil || up.Stored.Method != models.WakeMethodHRVSpike || up.Stored.SkipReason != models.WakeSkipNone {
		t.Errorf("expected the hrv_spike event to replace the skipped one, got %+v", up.Stored)
	}

	if done := runner.Poll(ctx, now); done != 1 {
		t.Fatalf("expected the rescheduled anchor to complete, got %d", done)
	}
	ev, _ = s.GetWakeEvent(ctx, testPhone, testutil.FixedDate)
	if ev == nil || !ev.Triggered {
		t.Fatalf("expected the event triggered after delivery, got %+v", ev)
	}
	decisions, _ = s.ListDecisions(ctx, testPhone, time.Time{}, 0)
	if len(decisions) != 2 || decisions[0].Outcome != models.OutcomeDelivered {
		t.Errorf("expected the newest decision delivered, got %+v", decisions)
	}
}

func TestCoach_UpgradeMovesPendingAnchor(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLiteStoreForFlow(t)
	coach := NewCoach(s, pipeline.New(NewCatalog(nil), &stubGenerator{}, nil), WithJobRepo(s), WithClock(fixedClock))
	if _, err := coach.SaveProfile(ctx, anchorProfile()); err != nil {
		t.Fatalf("SaveProfile failed: %v", err)
	}

	movementAt := time.Date(2026, 3, 2, 6, 30, 0, 0, time.UTC)
	first, err := coach.DetectWake(ctx, WakeRequest{
		UserID:  testPhone,
		Signals: []wake.Signal{{Method: models.WakeMethodMovement, At: movementAt}},
	})
	if err != nil || first.JobID == "" {
		t.Fatalf("expected a scheduled anchor, got %+v, %v", first, err)
	}

	hrvAt := time.Date(2026, 3, 2, 6, 10, 0, 0, time.UTC)
	up, err := coach.DetectWake(ctx, WakeRequest{
		UserID:  testPhone,
		Signals: []wake.Signal{{Method: models.WakeMethodHRVSpike, At: hrvAt}},
	})
	if err != nil {
		t.Fatalf("upgrade DetectWake failed: %v", err)
	}
	if up.Action != wake.ActionUpgrade || up.JobID != first.JobID {
		t.Fatalf("expected an upgrade reusing job %s, got %+v", first.JobID, up)
	}
	job, err := s.GetJob(ctx, up.JobID)
	if err != nil || job == nil {
		t.Fatalf("GetJob failed: %+v, %v", job, err)
	}
	if want := hrvAt.Add(wake.WindowOptimalOffset); !job.RunAt.Equal(want) {
		t.Errorf("expected the pending anchor moved to %v, got %v", want, job.RunAt)
	}
}

func TestCoach_DetectWakeDisabled(t *testing.T) {
	ctx := context.Background()
	s := store.NewInMemoryStore()
	coach := NewCoach(s, pipeline.New(NewCatalog(nil), &stubGenerator{}, nil), WithClock(fixedClock))

	res, err := coach.DetectWake(ctx, WakeRequest{
		UserID:  "u1",
		Signals: []wake.Signal{{Method: models.WakeMethodMovement, At: testutil.FixedNow}},
	})
	if err != nil {
		t.Fatalf("DetectWake failed: %v", err)
	}
	if res.SkipReason != models.WakeSkipFeatureDisabled || res.Stored != nil {
		t.Errorf("expected feature_disabled skip, got %+v", res)
	}
}

func TestCoach_DetectWakeBadDate(t *testing.T) {
	coach := NewCoach(store.NewInMemoryStore(), pipeline.New(NewCatalog(nil), &stubGenerator{}, nil))
	_, err := coach.DetectWake(context.Background(), WakeRequest{UserID: "u1", Date: "03/02/2026"})
	if !errors.Is(err, models.ErrMalformedInput) {
		t.Errorf("expected ErrMalformedInput, got %v", err)
	}
}

func TestCoach_IngestSignalsFoldsEachDayOnce(t *testing.T) {
	ctx := context.Background()
	s := store.NewInMemoryStore()
	coach := NewCoach(s, pipeline.New(NewCatalog(nil), &stubGenerator{}, nil), WithClock(fixedClock))

	rows := []signal.RawSignalRow{{
		UserID: "u1", Date: "2026-03-01", Source: models.SourceWearable,
		RecordedAt: testutil.FixedNow, HRVRMSSD: models.Float(60),
	}}
	if _, err := coach.IngestSignals(ctx, rows); err != nil {
		t.Fatalf("IngestSignals failed: %v", err)
	}
	// a later sync for the same day adds a metric without refolding
	rows[0].HRVRMSSD = nil
	rows[0].RestingHR = models.Float(52)
	sets, err := coach.IngestSignals(ctx, rows)
	if err != nil {
		t.Fatalf("second IngestSignals failed: %v", err)
	}
	if len(sets) != 1 || sets[0].HRVRMSSD == nil || sets[0].RestingHR == nil {
		t.Fatalf("expected merged day with both metrics, got %+v", sets)
	}

	b, _ := s.GetBaseline(ctx, "u1")
	if b == nil || b.Metrics[models.MetricHRVRMSSD].Count != 1 {
		t.Fatalf("expected HRV folded once, got %+v", b)
	}
	if _, ok := b.Metrics[models.MetricRestingHR]; ok {
		t.Errorf("resting HR from a re-sync should not be folded")
	}

	next := []signal.RawSignalRow{{
		UserID: "u1", Date: "2026-03-02", Source: models.SourceWearable,
		RecordedAt: testutil.FixedNow, HRVRMSSD: models.Float(64),
	}}
	if _, err := coach.IngestSignals(ctx, next); err != nil {
		t.Fatalf("IngestSignals next day failed: %v", err)
	}
	b, _ = s.GetBaseline(ctx, "u1")
	if b.Metrics[models.MetricHRVRMSSD].Count != 2 {
		t.Errorf("expected 2 HRV samples, got %d", b.Metrics[models.MetricHRVRMSSD].Count)
	}
}

func TestCoach_IngestSignalsRejectsMalformed(t *testing.T) {
	coach := NewCoach(store.NewInMemoryStore(), pipeline.New(NewCatalog(nil), &stubGenerator{}, nil))
	_, err := coach.IngestSignals(context.Background(), []signal.RawSignalRow{{Date: "2026-03-01", Source: models.SourceWearable}})
	if !errors.Is(err, models.ErrMalformedInput) {
		t.Errorf("expected ErrMalformedInput, got %v", err)
	}
}

func TestCoach_RecoveryNotReadyIsRecorded(t *testing.T) {
	ctx := context.Background()
	s := store.NewInMemoryStore()
	coach := NewCoach(s, pipeline.New(NewCatalog(nil), &stubGenerator{}, nil, pipeline.WithRecorder(s)), WithClock(fixedClock))

	set := testutil.WearableSignals("u1", 0, 0, 4, 7.5)
	if err := s.SaveSignals(ctx, set); err != nil {
		t.Fatalf("SaveSignals failed: %v", err)
	}
	out, err := coach.Recovery(ctx, "u1", testutil.FixedDate)
	if err != nil {
		t.Fatalf("Recovery failed: %v", err)
	}
	if out.NotReady == nil {
		t.Fatalf("expected baseline_not_ready, got %+v", out)
	}
	decisions, _ := s.ListDecisions(ctx, "u1", time.Time{}, 0)
	if len(decisions) != 1 || decisions[0].Outcome != models.OutcomeNotReady {
		t.Errorf("expected a not_ready decision, got %+v", decisions)
	}

	if err := s.SaveBaseline(ctx, testutil.ReadyBaseline("u1", 20)); err != nil {
		t.Fatalf("SaveBaseline failed: %v", err)
	}
	out, err = coach.Recovery(ctx, "u1", "")
	if err != nil {
		t.Fatalf("Recovery failed: %v", err)
	}
	if !out.Ready() {
		t.Errorf("expected a score with a ready baseline, got %+v", out)
	}
}

func TestCoach_ManualMVDHeldThroughSweep(t *testing.T) {
	ctx := context.Background()
	s := store.NewInMemoryStore()
	coach := NewCoach(s, pipeline.New(NewCatalog(nil), &stubGenerator{}, nil), WithClock(fixedClock))

	if _, err := coach.SaveProfile(ctx, models.UserProfile{UserID: "u1", Timezone: "UTC"}); err != nil {
		t.Fatalf("SaveProfile failed: %v", err)
	}
	st, err := coach.OverrideMVD(ctx, "u1", models.MVDTypeTravel, true)
	if err != nil {
		t.Fatalf("OverrideMVD failed: %v", err)
	}
	if !st.Active || st.Source != models.MVDSourceManual {
		t.Fatalf("unexpected override state %+v", st)
	}

	active, err := coach.SweepMVD(ctx)
	if err != nil {
		t.Fatalf("SweepMVD failed: %v", err)
	}
	if active != 1 {
		t.Errorf("expected 1 active user, got %d", active)
	}
	stored, _ := s.GetMVDState(ctx, "u1")
	if stored.Type != models.MVDTypeTravel || stored.Source != models.MVDSourceManual {
		t.Errorf("manual override lost in sweep: %+v", stored)
	}

	if _, err := coach.OverrideMVD(ctx, "u1", models.MVDTypeNone, false); err != nil {
		t.Fatalf("deactivate failed: %v", err)
	}
	if _, err := coach.OverrideMVD(ctx, "u1", models.MVDTypeNone, true); !errors.Is(err, models.ErrInvalidMVDType) {
		t.Errorf("expected ErrInvalidMVDType, got %v", err)
	}
}

type nopDeliverer struct{}

func (nopDeliverer) Deliver(ctx context.Context, userID, message string) error { return nil }

func TestCoach_StoredCalendarKeepsHeavyCalendarMVD(t *testing.T) {
	ctx := context.Background()
	s := store.NewInMemoryStore()
	coach := NewCoach(s, pipeline.New(NewCatalog(nil), &stubGenerator{text: "Take a short walk."}, nopDeliverer{}),
		WithClock(fixedClock))
	if _, err := coach.SaveProfile(ctx, anchorProfile()); err != nil {
		t.Fatalf("SaveProfile failed: %v", err)
	}

	next := testutil.FixedNow.Add(-time.Hour)
	day, err := coach.SaveCalendar(ctx, models.CalendarDay{UserID: testPhone, MeetingHours: 7, NextMeetingAt: &next})
	if err != nil {
		t.Fatalf("SaveCalendar failed: %v", err)
	}
	if day.Date != testutil.FixedDate {
		t.Errorf("expected today's date, got %q", day.Date)
	}

	st, err := coach.EvaluateMVD(ctx, testPhone, Calendar{})
	if err != nil {
		t.Fatalf("EvaluateMVD failed: %v", err)
	}
	if !st.Active || st.Type != models.MVDTypeSemiActive || st.TriggerReason != models.TriggerHeavyCalendar {
		t.Fatalf("expected heavy-calendar semi_active, got %+v", st)
	}

	// the nudge tick and the daily sweep read the stored calendar too
	evs, err := coach.EvaluateAll(ctx)
	if err != nil || len(evs) != 1 {
		t.Fatalf("EvaluateAll failed: %+v, %v", evs, err)
	}
	stored, _ := s.GetMVDState(ctx, testPhone)
	if stored == nil || !stored.Active || stored.Type != models.MVDTypeSemiActive {
		t.Errorf("tick dropped the heavy-calendar MVD: %+v", stored)
	}
	if active, err := coach.SweepMVD(ctx); err != nil || active != 1 {
		t.Errorf("expected 1 active user after sweep, got %d, %v", active, err)
	}

	snap, err := coach.Snapshot(ctx, testPhone, Calendar{})
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	if snap.MeetingHours != 7 || snap.Suppression.MeetingLoadHours != 7 || snap.User.MeetingHours != 7 {
		t.Errorf("expected stored meeting hours in the snapshot, got %+v", snap)
	}
	if snap.User.NextMeetingAt != nil {
		t.Errorf("a meeting that already started should be dropped, got %v", snap.User.NextMeetingAt)
	}
	snap, _ = coach.Snapshot(ctx, testPhone, Calendar{MeetingHours: 2})
	if snap.MeetingHours != 2 {
		t.Errorf("a supplied calendar should win, got %v", snap.MeetingHours)
	}
}

func TestCoach_SaveCalendarValidates(t *testing.T) {
	coach := NewCoach(store.NewInMemoryStore(), pipeline.New(NewCatalog(nil), &stubGenerator{}, nil), WithClock(fixedClock))
	ctx := context.Background()
	if _, err := coach.SaveCalendar(ctx, models.CalendarDay{MeetingHours: 1}); !errors.Is(err, models.ErrEmptyUserID) {
		t.Errorf("expected ErrEmptyUserID, got %v", err)
	}
	if _, err := coach.SaveCalendar(ctx, models.CalendarDay{UserID: "u1", MeetingHours: 25}); !errors.Is(err, models.ErrMalformedInput) {
		t.Errorf("expected ErrMalformedInput for 25h, got %v", err)
	}
	if _, err := coach.SaveCalendar(ctx, models.CalendarDay{UserID: "u1", Date: "2026/03/02"}); !errors.Is(err, models.ErrMalformedInput) {
		t.Errorf("expected ErrMalformedInput for a bad date, got %v", err)
	}
}

func TestCoach_EvaluateNudgeUsesStoredHistory(t *testing.T) {
	ctx := context.Background()
	s := store.NewInMemoryStore()
	deliverer := messaging.NewOutboxDeliverer(newTestSQLiteStoreForFlow(t), nil)
	coach := NewCoach(s, pipeline.New(NewCatalog(nil), &stubGenerator{text: "Take a short walk."}, deliverer, pipeline.WithRecorder(s)),
		WithClock(fixedClock))

	if _, err := coach.SaveProfile(ctx, anchorProfile()); err != nil {
		t.Fatalf("SaveProfile failed: %v", err)
	}
	ev, err := coach.EvaluateNudge(ctx, testPhone, Calendar{})
	if err != nil {
		t.Fatalf("EvaluateNudge failed: %v", err)
	}
	if ev.Decision.Outcome != models.OutcomeDelivered {
		t.Fatalf("expected delivery, got %+v", ev.Decision)
	}

	// the first delivery starts the cooldown for the next run
	ev, err = coach.EvaluateNudge(ctx, testPhone, Calendar{})
	if err != nil {
		t.Fatalf("second EvaluateNudge failed: %v", err)
	}
	if ev.Decision.Outcome != models.OutcomeSuppressed || ev.Decision.RuleID != models.RuleCooldown {
		t.Errorf("expected cooldown suppression, got %+v", ev.Decision)
	}
}

func TestCoach_RecordFeedbackValidates(t *testing.T) {
	coach := NewCoach(store.NewInMemoryStore(), pipeline.New(NewCatalog(nil), &stubGenerator{}, nil))
	err := coach.RecordFeedback(context.Background(), models.NudgeFeedback{UserID: "u1", ProtocolID: "p", Action: "maybe"})
	if !errors.Is(err, models.ErrMalformedInput) {
		t.Errorf("expected ErrMalformedInput, got %v", err)
	}
}

func TestSummarize(t *testing.T) {
	now := testutil.FixedNow
	delivered := func(protocol string, at time.Time) models.Decision {
		return models.Decision{UserID: "u1", Stage: models.StageDelivery, Outcome: models.OutcomeDelivered, ProtocolID: protocol, CreatedAt: at}
	}
	decisions := []models.Decision{
		delivered("proto_a", now.Add(-30*time.Minute)),
		delivered("proto_b", now.Add(-26*time.Hour)),
		{UserID: "u1", Stage: models.StageSuppression, Outcome: models.OutcomeSuppressed, ProtocolID: "proto_a", CreatedAt: now.Add(-10 * time.Minute)},
		{UserID: "u1", Stage: models.StageSafety, Outcome: models.OutcomeDelivered, CreatedAt: now.Add(-5 * time.Minute)},
	}
	feedback := []models.NudgeFeedback{
		{UserID: "u1", ProtocolID: "proto_b", Kind: "sleep", Action: models.FeedbackCompleted, CreatedAt: now.Add(-25 * time.Hour)},
		{UserID: "u1", ProtocolID: "proto_c", Kind: "stress", Action: models.FeedbackDismissed, CreatedAt: now.Add(-3 * time.Hour)},
		{UserID: "u1", ProtocolID: "proto_c", Kind: "stress", Action: models.FeedbackDismissed, CreatedAt: now.Add(-2 * time.Hour)},
		{UserID: "u1", ProtocolID: "proto_a", Action: models.FeedbackDismissed, CreatedAt: now.Add(-time.Hour)},
	}

	h := summarize(now, decisions, feedback)
	if h.sentToday != 1 {
		t.Errorf("sentToday = %d, want 1", h.sentToday)
	}
	if h.lastNudgeAt == nil || !h.lastNudgeAt.Equal(now.Add(-30*time.Minute)) {
		t.Errorf("lastNudgeAt = %v", h.lastNudgeAt)
	}
	if diff := cmp.Diff(map[string]int{"sleep": 0, "stress": 2, "proto_a": 1}, h.dismissals); diff != "" {
		t.Errorf("dismissals mismatch (-want +got):\n%s", diff)
	}
	if got := h.byProtocol["proto_b"]; got.Shown != 1 || got.Completed != 1 {
		t.Errorf("proto_b history = %+v", got)
	}
	if diff := cmp.Diff([]float64{1, 0}, h.completionRates); diff != "" {
		t.Errorf("completion rates mismatch (-want +got):\n%s", diff)
	}
	if h.streak != 1 {
		t.Errorf("streak = %d, want 1", h.streak)
	}
}

func TestStreakDays(t *testing.T) {
	now := testutil.FixedNow
	day := func(offset int) string { return now.AddDate(0, 0, offset).Format(models.DateLayout) }
	tests := []struct {
		name string
		done map[string]int
		want int
	}{
		{"none", map[string]int{}, 0},
		{"today only", map[string]int{day(0): 1}, 1},
		{"ends yesterday", map[string]int{day(-1): 1, day(-2): 2}, 2},
		{"gap breaks streak", map[string]int{day(0): 1, day(-1): 1, day(-3): 1}, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := streakDays(now, tt.done); got != tt.want {
				t.Errorf("streakDays() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestMergeSignals_ManualOnlyFillsGaps(t *testing.T) {
	prev := models.DailySignalSet{UserID: "u1", Date: "2026-03-01", Source: models.SourceWearable,
		SleepHours: models.Float(7), HRVRMSSD: models.Float(60)}
	next := models.DailySignalSet{UserID: "u1", Date: "2026-03-01", Source: models.SourceManual,
		SleepHours: models.Float(5), EnergyLevel: models.Float(3), AlcoholReported: true}

	got := mergeSignals(prev, next)
	if *got.SleepHours != 7 {
		t.Errorf("manual sleep overrode wearable: %v", *got.SleepHours)
	}
	if got.EnergyLevel == nil || *got.EnergyLevel != 3 || !got.AlcoholReported {
		t.Errorf("manual gaps not filled: %+v", got)
	}
	if got.Source != models.SourceWearable {
		t.Errorf("source = %s, want wearable", got.Source)
	}
}
