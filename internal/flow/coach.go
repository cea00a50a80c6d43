// Package flow orchestrates coaching runs against storage. The Coach loads
// per-user state, assembles pipeline snapshots, persists what the stages
// produce and turns wake detections into durable Morning Anchor jobs.
package flow

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/CoachPipe/internal/baseline"
	"github.com/BTreeMap/CoachPipe/internal/models"
	"github.com/BTreeMap/CoachPipe/internal/mvd"
	"github.com/BTreeMap/CoachPipe/internal/pipeline"
	"github.com/BTreeMap/CoachPipe/internal/recovery"
	"github.com/BTreeMap/CoachPipe/internal/signal"
	"github.com/BTreeMap/CoachPipe/internal/store"
	"github.com/BTreeMap/CoachPipe/internal/wake"
)

// DefaultLookback bounds how much decision and feedback history a snapshot reads.
const DefaultLookback = 30 * 24 * time.Hour

// Coach runs the pipeline for stored users.
type Coach struct {
	store    store.Store
	jobs     store.JobRepo
	pipeline *pipeline.Pipeline
	clock    func() time.Time
	lookback time.Duration
}

// Opts holds configuration options for Coach.
type Opts struct {
	Jobs     store.JobRepo
	Clock    func() time.Time
	Lookback time.Duration
}

// Option defines a configuration option for Coach.
type Option func(*Opts)

// WithJobRepo enables durable Morning Anchor scheduling.
func WithJobRepo(repo store.JobRepo) Option {
	return func(o *Opts) { o.Jobs = repo }
}

// WithClock overrides time.Now, for tests.
func WithClock(clock func() time.Time) Option {
	return func(o *Opts) { o.Clock = clock }
}

// WithLookback sets the history window read into each snapshot.
func WithLookback(d time.Duration) Option {
	return func(o *Opts) { o.Lookback = d }
}

// NewCoach creates a Coach over a store and a pipeline.
func NewCoach(st store.Store, p *pipeline.Pipeline, opts ...Option) *Coach {
	o := Opts{Clock: time.Now, Lookback: DefaultLookback}
	for _, opt := range opts {
		opt(&o)
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	if o.Lookback <= 0 {
		o.Lookback = DefaultLookback
	}
	return &Coach{store: st, jobs: o.Jobs, pipeline: p, clock: o.Clock, lookback: o.Lookback}
}

// Profile returns the stored profile, or defaults when none exists.
func (c *Coach) Profile(ctx context.Context, userID string) (models.UserProfile, error) {
	if userID == "" {
		return models.UserProfile{}, models.ErrEmptyUserID
	}
	p, err := c.store.GetProfile(ctx, userID)
	if err != nil {
		return models.UserProfile{}, fmt.Errorf("load profile: %w", err)
	}
	if p == nil {
		return models.UserProfile{UserID: userID}, nil
	}
	return *p, nil
}

// SaveProfile validates and stores a profile.
func (c *Coach) SaveProfile(ctx context.Context, p models.UserProfile) (models.UserProfile, error) {
	if err := p.Validate(); err != nil {
		return models.UserProfile{}, err
	}
	p.UpdatedAt = c.clock().UTC()
	if err := c.store.SaveProfile(ctx, p); err != nil {
		return models.UserProfile{}, err
	}
	slog.Info("Coach.SaveProfile", "userID", p.UserID)
	stored, err := c.store.GetProfile(ctx, p.UserID)
	if err != nil || stored == nil {
		return p, err
	}
	return *stored, nil
}

// localNow returns the current time in the user's zone.
func (c *Coach) localNow(p models.UserProfile) (time.Time, error) {
	loc, err := p.Location()
	if err != nil {
		return time.Time{}, err
	}
	return c.clock().In(loc), nil
}

// IngestSignals normalises raw rows, merges them into the stored day and
// folds days seen for the first time into the user's baseline.
func (c *Coach) IngestSignals(ctx context.Context, rows []signal.RawSignalRow) ([]models.DailySignalSet, error) {
	sets, err := signal.Normalize(rows)
	if err != nil {
		return nil, err
	}
	now := c.clock().UTC()
	out := make([]models.DailySignalSet, 0, len(sets))
	for _, set := range sets {
		prev, err := c.store.GetSignals(ctx, set.UserID, set.Date)
		if err != nil {
			return out, fmt.Errorf("load signals: %w", err)
		}
		if prev != nil {
			set = mergeSignals(*prev, set)
		}
		set.UpdatedAt = now
		if err := c.store.SaveSignals(ctx, set); err != nil {
			return out, err
		}
		if prev == nil {
			if err := c.foldBaseline(ctx, set, now); err != nil {
				return out, err
			}
		}
		out = append(out, set)
	}
	slog.Debug("Coach.IngestSignals", "rows", len(rows), "sets", len(out))
	return out, nil
}

func (c *Coach) foldBaseline(ctx context.Context, set models.DailySignalSet, now time.Time) error {
	b, err := c.store.GetBaseline(ctx, set.UserID)
	if err != nil {
		return fmt.Errorf("load baseline: %w", err)
	}
	cur := baseline.New(set.UserID)
	if b != nil {
		cur = *b
	}
	return c.store.SaveBaseline(ctx, baseline.Update(cur, set, now))
}

// mergeSignals overlays next onto prev. A manual set never replaces
// wearable readings; it only fills gaps.
func mergeSignals(prev, next models.DailySignalSet) models.DailySignalSet {
	fillOnly := prev.Source == models.SourceWearable && next.Source == models.SourceManual
	pick := func(old, new *float64) *float64 {
		if new == nil || (fillOnly && old != nil) {
			return old
		}
		return new
	}
	out := prev
	out.HRVScore = pick(prev.HRVScore, next.HRVScore)
	out.HRVRMSSD = pick(prev.HRVRMSSD, next.HRVRMSSD)
	out.HRVSDNN = pick(prev.HRVSDNN, next.HRVSDNN)
	out.RestingHR = pick(prev.RestingHR, next.RestingHR)
	out.SleepHours = pick(prev.SleepHours, next.SleepHours)
	out.SleepQuality = pick(prev.SleepQuality, next.SleepQuality)
	out.RespiratoryRate = pick(prev.RespiratoryRate, next.RespiratoryRate)
	out.TempDeviation = pick(prev.TempDeviation, next.TempDeviation)
	out.EnergyLevel = pick(prev.EnergyLevel, next.EnergyLevel)
	out.AlcoholReported = prev.AlcoholReported || next.AlcoholReported
	if next.CyclePhase != models.CyclePhaseNone && !(fillOnly && prev.CyclePhase != models.CyclePhaseNone) {
		out.CyclePhase = next.CyclePhase
	}
	if next.Source == models.SourceWearable {
		out.Source = models.SourceWearable
	}
	return out
}

// Recovery scores a stored day. An empty date means the user's today.
func (c *Coach) Recovery(ctx context.Context, userID, date string) (models.RecoveryOutcome, error) {
	p, err := c.Profile(ctx, userID)
	if err != nil {
		return models.RecoveryOutcome{}, err
	}
	now, err := c.localNow(p)
	if err != nil {
		return models.RecoveryOutcome{}, err
	}
	if date == "" {
		date = now.Format(models.DateLayout)
	} else if _, err := models.ParseDate(date); err != nil {
		return models.RecoveryOutcome{}, fmt.Errorf("%w: %w", models.ErrMalformedInput, err)
	}
	set, b, err := c.loadDay(ctx, userID, date)
	if err != nil {
		return models.RecoveryOutcome{}, err
	}
	return c.pipeline.ComputeRecovery(ctx, set, b, now)
}

func (c *Coach) loadDay(ctx context.Context, userID, date string) (models.DailySignalSet, models.UserBaseline, error) {
	set := models.DailySignalSet{UserID: userID, Date: date}
	stored, err := c.store.GetSignals(ctx, userID, date)
	if err != nil {
		return set, models.UserBaseline{}, fmt.Errorf("load signals: %w", err)
	}
	if stored != nil {
		set = *stored
	}
	b := baseline.New(userID)
	sb, err := c.store.GetBaseline(ctx, userID)
	if err != nil {
		return set, b, fmt.Errorf("load baseline: %w", err)
	}
	if sb != nil {
		b = *sb
	}
	return set, b, nil
}

// WakeRequest carries the wake signals reported for a user.
type WakeRequest struct {
	UserID         string        `json:"user_id"`
	Date           string        `json:"date,omitempty"` // user's local date, today when empty
	Signals        []wake.Signal `json:"signals"`
	TravelDetected bool          `json:"travel_detected,omitempty"`
}

// WakeResult is the detection output plus what was persisted.
type WakeResult struct {
	wake.Output
	Stored *models.WakeEvent `json:"stored,omitempty"`
	JobID  string            `json:"job_id,omitempty"`
}

// DetectWake fuses wake signals, upserts the day's event and schedules the
// Morning Anchor at the optimal minute of the delivery window. An upgrade
// moves a still-queued anchor to the new optimal minute.
func (c *Coach) DetectWake(ctx context.Context, req WakeRequest) (WakeResult, error) {
	p, err := c.Profile(ctx, req.UserID)
	if err != nil {
		return WakeResult{}, err
	}
	loc, err := p.Location()
	if err != nil {
		return WakeResult{}, err
	}
	now := c.clock().In(loc)
	date := req.Date
	if date == "" {
		date = now.Format(models.DateLayout)
	} else if _, err := models.ParseDate(date); err != nil {
		return WakeResult{}, fmt.Errorf("%w: %w", models.ErrMalformedInput, err)
	}

	existing, err := c.store.GetWakeEvent(ctx, req.UserID, date)
	if err != nil {
		return WakeResult{}, fmt.Errorf("load wake event: %w", err)
	}
	out := wake.Detect(wake.Input{
		UserID:          req.UserID,
		Date:            date,
		Location:        loc,
		Signals:         req.Signals,
		Enabled:         p.MorningAnchorEnabled,
		DoNotDisturb:    p.DoNotDisturb,
		TravelDetected:  req.TravelDetected || p.TravelMode,
		WeekendSleepIn:  p.WeekendSleepIn,
		Workdays:        p.Workdays,
		ActiveProtocols: p.ActiveProtocols,
		Existing:        existing,
		Now:             now,
	})

	res := WakeResult{Output: out, Stored: existing}
	if out.Action == wake.ActionCreate || out.Action == wake.ActionUpgrade {
		stored, err := c.store.UpsertWakeEvent(ctx, *out.Event)
		if err != nil {
			return res, err
		}
		res.Stored = &stored
	}
	if out.Window == nil || res.Stored == nil || res.Stored.Triggered || c.jobs == nil {
		return res, nil
	}
	// A kept event whose anchor already ran without sending waits for an upgrade.
	if out.Action == wake.ActionKeep && res.Stored.SkipReason != models.WakeSkipNone {
		return res, nil
	}

	id, err := EnqueueMorningAnchor(ctx, c.jobs, req.UserID, date, out.Window.Optimal)
	if err != nil {
		return res, err
	}
	res.JobID = id
	return res, nil
}

// Calendar is the aggregate calendar load for today. An empty Calendar means
// "use the stored day", see SaveCalendar.
type Calendar struct {
	MeetingHours  float64    `json:"meeting_hours"`
	NextMeetingAt *time.Time `json:"next_meeting_at,omitempty"`
}

func (cal Calendar) empty() bool {
	return cal.MeetingHours == 0 && cal.NextMeetingAt == nil
}

// SaveCalendar stores a user's meeting load for a local date, today when the
// date is empty.
func (c *Coach) SaveCalendar(ctx context.Context, day models.CalendarDay) (models.CalendarDay, error) {
	p, err := c.Profile(ctx, day.UserID)
	if err != nil {
		return models.CalendarDay{}, err
	}
	now, err := c.localNow(p)
	if err != nil {
		return models.CalendarDay{}, err
	}
	if day.Date == "" {
		day.Date = now.Format(models.DateLayout)
	}
	if err := day.Validate(); err != nil {
		return models.CalendarDay{}, err
	}
	day.UpdatedAt = now.UTC()
	if err := c.store.SaveCalendar(ctx, day); err != nil {
		return models.CalendarDay{}, err
	}
	slog.Info("Coach.SaveCalendar", "userID", day.UserID, "date", day.Date, "meetingHours", day.MeetingHours)
	return day, nil
}

// EvaluateNudge runs the pipeline for one stored user and persists the
// resolved MVD state.
func (c *Coach) EvaluateNudge(ctx context.Context, userID string, cal Calendar) (pipeline.Evaluation, error) {
	return c.evaluate(ctx, userID, cal, models.GenerationNudge)
}

// EvaluateMorningAnchor runs the pipeline with the Morning Anchor prompt.
func (c *Coach) EvaluateMorningAnchor(ctx context.Context, userID string) (pipeline.Evaluation, error) {
	return c.evaluate(ctx, userID, Calendar{}, models.GenerationMorningAnchor)
}

func (c *Coach) evaluate(ctx context.Context, userID string, cal Calendar, kind models.GenerationKind) (pipeline.Evaluation, error) {
	snap, err := c.Snapshot(ctx, userID, cal)
	if err != nil {
		return pipeline.Evaluation{}, err
	}
	snap.Kind = kind
	ev, err := c.pipeline.EvaluateNudge(ctx, snap)
	if err != nil {
		return ev, err
	}
	c.saveMVD(ctx, ev.MVD)
	return ev, nil
}

// EvaluateAll runs the pipeline for every known user.
func (c *Coach) EvaluateAll(ctx context.Context) ([]pipeline.Evaluation, error) {
	ids, err := c.store.ListUserIDs(ctx)
	if err != nil {
		return nil, err
	}
	snaps := make([]pipeline.Snapshot, 0, len(ids))
	for _, id := range ids {
		snap, err := c.Snapshot(ctx, id, Calendar{})
		if err != nil {
			slog.Error("Coach.EvaluateAll: snapshot failed", "userID", id, "error", err)
			continue
		}
		snaps = append(snaps, snap)
	}
	evs, err := c.pipeline.EvaluateBatch(ctx, snaps)
	for _, ev := range evs {
		if ev.Err == "" {
			c.saveMVD(ctx, ev.MVD)
		}
	}
	return evs, err
}

// EvaluateMVD re-checks MVD for a user without running the rest of the pipeline.
func (c *Coach) EvaluateMVD(ctx context.Context, userID string, cal Calendar) (models.MVDState, error) {
	snap, err := c.Snapshot(ctx, userID, cal)
	if err != nil {
		return models.MVDState{}, err
	}
	var score *float64
	if out, err := recovery.Compute(snap.Signals, snap.Baseline); err == nil && out.Ready() {
		score = &out.Result.Score
	}
	st := c.pipeline.ResolveMVD(snap, score)
	if err := c.store.SaveMVDState(ctx, st); err != nil {
		return st, err
	}
	return st, nil
}

// OverrideMVD applies a user's manual MVD request.
func (c *Coach) OverrideMVD(ctx context.Context, userID string, t models.MVDType, active bool) (models.MVDState, error) {
	p, err := c.Profile(ctx, userID)
	if err != nil {
		return models.MVDState{}, err
	}
	now, err := c.localNow(p)
	if err != nil {
		return models.MVDState{}, err
	}
	var st models.MVDState
	if active {
		st, err = mvd.ForceActivate(userID, t, now)
	} else {
		st, err = mvd.ForceDeactivate(userID, now)
	}
	if err != nil {
		return st, err
	}
	if err := c.store.SaveMVDState(ctx, st); err != nil {
		return st, err
	}
	return st, nil
}

// SweepMVD re-evaluates MVD for every known user and returns how many are active.
func (c *Coach) SweepMVD(ctx context.Context) (int, error) {
	ids, err := c.store.ListUserIDs(ctx)
	if err != nil {
		return 0, err
	}
	active := 0
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return active, err
		}
		st, err := c.EvaluateMVD(ctx, id, Calendar{})
		if err != nil {
			slog.Error("Coach.SweepMVD: evaluation failed", "userID", id, "error", err)
			continue
		}
		if st.Active {
			active++
		}
	}
	slog.Info("Coach.SweepMVD: done", "users", len(ids), "active", active)
	return active, nil
}

// RecordFeedback stores a user's reaction to a nudge.
func (c *Coach) RecordFeedback(ctx context.Context, f models.NudgeFeedback) error {
	if err := f.Validate(); err != nil {
		return err
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = c.clock().UTC()
	}
	return c.store.RecordFeedback(ctx, f)
}

// Chat answers a chat message in the user's local time.
func (c *Coach) Chat(ctx context.Context, userID, text string) (pipeline.ChatReply, error) {
	p, err := c.Profile(ctx, userID)
	if err != nil {
		return pipeline.ChatReply{}, err
	}
	now, err := c.localNow(p)
	if err != nil {
		return pipeline.ChatReply{}, err
	}
	return c.pipeline.HandleChat(ctx, userID, text, now)
}

func (c *Coach) saveMVD(ctx context.Context, st models.MVDState) {
	if st.UserID == "" {
		return
	}
	if err := c.store.SaveMVDState(ctx, st); err != nil {
		slog.Error("Coach: failed to save mvd state", "userID", st.UserID, "error", err)
	}
}
