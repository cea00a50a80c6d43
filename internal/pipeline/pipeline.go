// Package pipeline runs the decision stages for one user in order: recovery,
// MVD, candidate retrieval, confidence, suppression, generation, safety and
// delivery. Every run ends in a recorded Decision with a machine-readable
// reason; collaborator failures degrade to a suppressed decision.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/BTreeMap/CoachPipe/internal/confidence"
	"github.com/BTreeMap/CoachPipe/internal/models"
	"github.com/BTreeMap/CoachPipe/internal/mvd"
	"github.com/BTreeMap/CoachPipe/internal/recovery"
	"github.com/BTreeMap/CoachPipe/internal/safety"
	"github.com/BTreeMap/CoachPipe/internal/suppression"
)

// CandidateSource returns protocol candidates for a user.
type CandidateSource interface {
	Candidates(ctx context.Context, userID string, now time.Time) ([]models.NudgeCandidate, error)
}

// TextGenerator produces nudge or chat text.
type TextGenerator interface {
	Generate(ctx context.Context, req models.GenerationRequest) (string, error)
}

// Deliverer sends a message to a user.
type Deliverer interface {
	Deliver(ctx context.Context, userID, message string) error
}

// DecisionRecorder persists audit decisions.
type DecisionRecorder interface {
	RecordDecision(ctx context.Context, d models.Decision) error
}

// Defaults.
const (
	DefaultGenerationTimeout = 20 * time.Second
	DefaultBatchConcurrency  = 8
)

// Snapshot is everything one nudge evaluation reads. The caller assembles it
// from storage; the pipeline never fetches state itself.
type Snapshot struct {
	UserID   string                `json:"user_id"`
	Now      time.Time             `json:"now"` // user's local time
	Signals  models.DailySignalSet `json:"signals"`
	Baseline models.UserBaseline   `json:"baseline"`

	CompletionRates    []float64        `json:"completion_rates,omitempty"`
	TimezoneShiftHours float64          `json:"timezone_shift_hours"`
	MeetingHours       float64          `json:"meeting_hours"`
	CurrentMVD         *models.MVDState `json:"current_mvd,omitempty"`

	User        confidence.UserContext    `json:"user"`
	Suppression models.SuppressionContext `json:"suppression"`

	// Kind selects the generation prompt; empty means a regular nudge.
	Kind models.GenerationKind `json:"kind,omitempty"`
}

// Evaluation is the full trace of one nudge evaluation.
type Evaluation struct {
	Decision   models.Decision         `json:"decision"`
	Recovery   models.RecoveryOutcome  `json:"recovery"`
	MVD        models.MVDState         `json:"mvd"`
	Candidates []models.NudgeCandidate `json:"candidates,omitempty"`
	Err        string                  `json:"error,omitempty"`
}

// Pipeline wires the stages to their collaborators.
type Pipeline struct {
	candidates  CandidateSource
	generator   TextGenerator
	deliverer   Deliverer
	recorder    DecisionRecorder
	suppression *suppression.Engine
	genTimeout  time.Duration
	concurrency int
}

// Opts holds configuration options for Pipeline.
type Opts struct {
	Suppression       *suppression.Engine
	GenerationTimeout time.Duration
	BatchConcurrency  int
	Recorder          DecisionRecorder
}

// Option defines a function that configures Opts.
type Option func(*Opts)

// WithSuppressionEngine overrides the default suppression engine.
func WithSuppressionEngine(e *suppression.Engine) Option {
	return func(o *Opts) { o.Suppression = e }
}

// WithGenerationTimeout bounds each text generation call.
func WithGenerationTimeout(d time.Duration) Option {
	return func(o *Opts) { o.GenerationTimeout = d }
}

// WithBatchConcurrency bounds EvaluateBatch fan-out.
func WithBatchConcurrency(n int) Option {
	return func(o *Opts) { o.BatchConcurrency = n }
}

// WithRecorder records every decision.
func WithRecorder(r DecisionRecorder) Option {
	return func(o *Opts) { o.Recorder = r }
}

// New creates a pipeline.
func New(candidates CandidateSource, generator TextGenerator, deliverer Deliverer, opts ...Option) *Pipeline {
	o := Opts{GenerationTimeout: DefaultGenerationTimeout, BatchConcurrency: DefaultBatchConcurrency}
	for _, opt := range opts {
		opt(&o)
	}
	if o.Suppression == nil {
		o.Suppression = suppression.NewEngine()
	}
	if o.GenerationTimeout <= 0 {
		o.GenerationTimeout = DefaultGenerationTimeout
	}
	if o.BatchConcurrency <= 0 {
		o.BatchConcurrency = DefaultBatchConcurrency
	}
	return &Pipeline{
		candidates:  candidates,
		generator:   generator,
		deliverer:   deliverer,
		recorder:    o.Recorder,
		suppression: o.Suppression,
		genTimeout:  o.GenerationTimeout,
		concurrency: o.BatchConcurrency,
	}
}

// EvaluateNudge runs one nudge evaluation. The only error is malformed input;
// every other outcome is a recorded decision.
func (p *Pipeline) EvaluateNudge(ctx context.Context, snap Snapshot) (Evaluation, error) {
	if snap.UserID == "" {
		return Evaluation{}, fmt.Errorf("pipeline: %w: %w", models.ErrMalformedInput, models.ErrEmptyUserID)
	}
	slog.Debug("pipeline.EvaluateNudge: start", "userID", snap.UserID)

	var ev Evaluation
	if snap.Signals.UserID == "" {
		snap.Signals.UserID = snap.UserID
	}
	rec, err := recovery.Compute(snap.Signals, snap.Baseline)
	if err != nil {
		return Evaluation{}, fmt.Errorf("pipeline: recovery: %w", err)
	}
	ev.Recovery = rec

	var score *float64
	var zone models.Zone
	if rec.Ready() {
		score = &rec.Result.Score
		zone = rec.Result.Zone
	}

	ev.MVD = p.ResolveMVD(snap, score)
	d := models.Decision{UserID: snap.UserID, Zone: zone, MVDType: ev.MVD.ActiveType()}

	cands, err := p.candidates.Candidates(ctx, snap.UserID, snap.Now)
	if err != nil {
		slog.Error("pipeline.EvaluateNudge: candidate source failed", "userID", snap.UserID, "error", err)
		return p.finish(ctx, ev, d, snap.Now, models.StageCandidates, models.OutcomeSuppressed, models.ReasonCandidateSourceFailed), nil
	}
	if len(cands) == 0 {
		return p.finish(ctx, ev, d, snap.Now, models.StageCandidates, models.OutcomeSkipped, models.ReasonNoCandidates), nil
	}
	cands = mvd.FilterEligible(cands, &ev.MVD)
	if len(cands) == 0 {
		return p.finish(ctx, ev, d, snap.Now, models.StageMVD, models.OutcomeSuppressed, models.ReasonNoEligibleCandidates), nil
	}

	user := snap.User
	user.Now = snap.Now
	user.MeetingHours = snap.MeetingHours
	ranked := confidence.Rank(cands, user)

	sctx := snap.Suppression
	sctx.Now = snap.Now
	sctx.Zone = zone
	sctx.MeetingLoadHours = snap.MeetingHours
	sctx.MVD = &ev.MVD

	chosen := -1
	for i := range ranked {
		v := p.suppression.Evaluate(ranked[i], sctx)
		ranked[i].Verdict = &v
		if v.Allowed {
			chosen = i
			break
		}
	}
	ev.Candidates = ranked
	if chosen < 0 {
		top := ranked[0]
		d.ProtocolID = top.ProtocolID
		d.Confidence = top.Confidence
		d.RuleID = top.Verdict.RuleID
		return p.finish(ctx, ev, d, snap.Now, models.StageSuppression, models.OutcomeSuppressed, top.Verdict.Reason), nil
	}

	c := &ev.Candidates[chosen]
	d.ProtocolID = c.ProtocolID
	d.Confidence = c.Confidence

	kind := snap.Kind
	if kind == "" {
		kind = models.GenerationNudge
	}
	text, err := p.generate(ctx, models.GenerationRequest{
		UserID:    snap.UserID,
		Kind:      kind,
		Candidate: c,
		Zone:      zone,
		MVDType:   ev.MVD.ActiveType(),
	})
	if err != nil {
		slog.Error("pipeline.EvaluateNudge: generation failed", "userID", snap.UserID, "protocolID", c.ProtocolID, "error", err)
		return p.finish(ctx, ev, d, snap.Now, models.StageGeneration, models.OutcomeSuppressed, models.ReasonGenerationFailed), nil
	}

	scan := safety.ScanAIOutput(text, safety.SourceNudge)
	verdict := scan.Verdict()
	c.Safety = &verdict
	c.Text = &scan.Text
	d.Message = scan.Text
	reason := ""
	if scan.Suppressed {
		reason = models.ReasonSafetyFallback
	}

	if err := p.deliverer.Deliver(ctx, snap.UserID, scan.Text); err != nil {
		slog.Error("pipeline.EvaluateNudge: delivery failed", "userID", snap.UserID, "error", err)
		return p.finish(ctx, ev, d, snap.Now, models.StageDelivery, models.OutcomeSuppressed, models.ReasonDeliveryFailed), nil
	}
	return p.finish(ctx, ev, d, snap.Now, models.StageDelivery, models.OutcomeDelivered, reason), nil
}

// ResolveMVD keeps a manual override set earlier the same local day; any
// other state is re-evaluated automatically.
func (p *Pipeline) ResolveMVD(snap Snapshot, score *float64) models.MVDState {
	cur := snap.CurrentMVD
	if cur != nil && cur.Source == models.MVDSourceManual && sameDay(cur.LastCheckedAt, snap.Now) {
		return *cur
	}
	return mvd.Evaluate(mvd.Context{
		UserID:             snap.UserID,
		Now:                snap.Now,
		RecoveryScore:      score,
		CompletionRates:    snap.CompletionRates,
		TimezoneShiftHours: snap.TimezoneShiftHours,
		MeetingHours:       snap.MeetingHours,
		Current:            cur,
	})
}

func sameDay(a, b time.Time) bool {
	return a.Format(models.DateLayout) == b.In(a.Location()).Format(models.DateLayout)
}

func (p *Pipeline) generate(ctx context.Context, req models.GenerationRequest) (string, error) {
	if p.generator == nil {
		return "", fmt.Errorf("pipeline: no text generator configured")
	}
	gctx, cancel := context.WithTimeout(ctx, p.genTimeout)
	defer cancel()
	text, err := p.generator.Generate(gctx, req)
	if err != nil {
		return "", err
	}
	if text == "" {
		return "", models.ErrEmptyText
	}
	return text, nil
}

func (p *Pipeline) finish(ctx context.Context, ev Evaluation, d models.Decision, now time.Time,
	stage models.DecisionStage, outcome models.DecisionOutcome, reason string) Evaluation {
	d.Stage = stage
	d.Outcome = outcome
	d.Reason = reason
	ev.Decision = p.record(ctx, d, now)
	slog.Debug("pipeline: decision", "userID", d.UserID, "stage", stage, "outcome", outcome, "reason", reason, "rule", d.RuleID)
	return ev
}

// record stamps and persists a decision. Recording failures are logged and
// never change the outcome.
func (p *Pipeline) record(ctx context.Context, d models.Decision, now time.Time) models.Decision {
	d.ID = uuid.NewString()
	if now.IsZero() {
		now = time.Now()
	}
	d.CreatedAt = now.UTC()
	if p.recorder != nil {
		if err := p.recorder.RecordDecision(ctx, d); err != nil {
			slog.Error("pipeline: failed to record decision", "userID", d.UserID, "decisionID", d.ID, "error", err)
		}
	}
	return d
}

// EvaluateBatch evaluates many users concurrently. Results are in input
// order; one user's failure never affects another.
func (p *Pipeline) EvaluateBatch(ctx context.Context, snaps []Snapshot) ([]Evaluation, error) {
	results := make([]Evaluation, len(snaps))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)
	for i := range snaps {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			ev, err := p.EvaluateNudge(gctx, snaps[i])
			if err != nil {
				ev.Decision.UserID = snaps[i].UserID
				ev.Err = err.Error()
			}
			results[i] = ev
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return results, fmt.Errorf("pipeline: batch cancelled: %w", err)
	}
	slog.Debug("pipeline.EvaluateBatch: done", "users", len(snaps))
	return results, nil
}

// ComputeRecovery scores a day on its own. A baseline that is not ready is
// recorded as a not_ready decision so the gap shows up in the audit log.
func (p *Pipeline) ComputeRecovery(ctx context.Context, s models.DailySignalSet, b models.UserBaseline, now time.Time) (models.RecoveryOutcome, error) {
	out, err := recovery.Compute(s, b)
	if err != nil {
		return out, fmt.Errorf("pipeline: recovery: %w", err)
	}
	if out.NotReady != nil {
		p.record(ctx, models.Decision{
			UserID:  s.UserID,
			Stage:   models.StageRecovery,
			Outcome: models.OutcomeNotReady,
			Reason:  models.ReasonBaselineNotReady,
		}, now)
	}
	return out, nil
}
