// Package suppression is the final delivery gate for nudges. Rules run in a
// fixed priority order and the first one that blocks wins; later rules are
// never evaluated.
package suppression

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/CoachPipe/internal/confidence"
	"github.com/BTreeMap/CoachPipe/internal/models"
	"github.com/BTreeMap/CoachPipe/internal/mvd"
)

// Settings are the tunable rule thresholds.
type Settings struct {
	DailyCap            int                 `yaml:"daily_cap"`
	QuietHours          models.MinuteWindow `yaml:"quiet_hours"`
	Cooldown            time.Duration       `yaml:"cooldown"`
	FatigueDismissals   int                 `yaml:"fatigue_dismissals"`
	MeetingLoadHours    float64             `yaml:"meeting_load_hours"`
	StreakDays          int                 `yaml:"streak_days"`
	StreakMaxPerDay     int                 `yaml:"streak_max_per_day"`
	ConfidenceThreshold float64             `yaml:"confidence_threshold"`
}

// DefaultSettings returns the production defaults.
func DefaultSettings() Settings {
	return Settings{
		DailyCap:            5,
		QuietHours:          models.MinuteWindow{StartMinute: 22 * 60, EndMinute: 7 * 60},
		Cooldown:            90 * time.Minute,
		FatigueDismissals:   3,
		MeetingLoadHours:    6,
		StreakDays:          21,
		StreakMaxPerDay:     2,
		ConfidenceThreshold: confidence.LowConfidenceThreshold,
	}
}

// Check reports whether a rule blocks the candidate, with a human-readable reason.
type Check func(c models.NudgeCandidate, ctx models.SuppressionContext, s Settings) (blocked bool, reason string)

// Rule pairs a rule id with its check.
type Rule struct {
	ID    models.RuleID
	Check Check
}

// DefaultRules returns the rules in priority order.
func DefaultRules() []Rule {
	return []Rule{
		{models.RuleDailyCap, dailyCap},
		{models.RuleQuietHours, quietHours},
		{models.RuleCooldown, cooldown},
		{models.RuleFatigue, fatigue},
		{models.RuleMeetingAwareness, meetingAwareness},
		{models.RuleLowRecovery, lowRecovery},
		{models.RuleStreakRespect, streakRespect},
		{models.RuleLowConfidence, lowConfidence},
		{models.RuleMVDActive, mvdActive},
	}
}

// Engine evaluates an ordered rule list. It holds no mutable state.
type Engine struct {
	rules    []Rule
	settings Settings
}

// Opts holds configuration options for Engine.
type Opts struct {
	Settings *Settings
	Rules    []Rule
}

// Option defines a function that configures Opts.
type Option func(*Opts)

// WithSettings overrides the default thresholds.
func WithSettings(s Settings) Option {
	return func(o *Opts) { o.Settings = &s }
}

// WithRules replaces the rule list. Intended for tests.
func WithRules(rules []Rule) Option {
	return func(o *Opts) { o.Rules = rules }
}

// NewEngine creates an engine with the default rule order.
func NewEngine(opts ...Option) *Engine {
	var o Opts
	for _, opt := range opts {
		opt(&o)
	}
	e := &Engine{rules: DefaultRules(), settings: DefaultSettings()}
	if o.Settings != nil {
		e.settings = *o.Settings
	}
	if o.Rules != nil {
		e.rules = o.Rules
	}
	return e
}

// Settings returns the engine's thresholds.
func (e *Engine) Settings() Settings {
	return e.settings
}

// Evaluate returns Allowed, or Blocked with the first matching rule.
func (e *Engine) Evaluate(c models.NudgeCandidate, ctx models.SuppressionContext) models.SuppressionVerdict {
	for _, r := range e.rules {
		if blocked, reason := r.Check(c, ctx, e.settings); blocked {
			slog.Debug("suppression.Evaluate: blocked", "protocolID", c.ProtocolID, "rule", r.ID, "reason", reason)
			return models.SuppressionVerdict{Allowed: false, RuleID: r.ID, Reason: reason}
		}
	}
	slog.Debug("suppression.Evaluate: allowed", "protocolID", c.ProtocolID)
	return models.SuppressionVerdict{Allowed: true}
}

func dailyCap(c models.NudgeCandidate, ctx models.SuppressionContext, s Settings) (bool, string) {
	limit := s.DailyCap
	if c.Severity == models.SeverityCritical {
		limit++
	}
	if ctx.NudgesSentToday >= limit {
		return true, fmt.Sprintf("daily cap of %d reached", limit)
	}
	return false, ""
}

func quietHours(_ models.NudgeCandidate, ctx models.SuppressionContext, s Settings) (bool, string) {
	w := s.QuietHours
	if ctx.QuietHours != nil {
		w = *ctx.QuietHours
	}
	if w.Contains(models.MinuteOfDay(ctx.Now)) {
		return true, "inside quiet hours"
	}
	return false, ""
}

func cooldown(_ models.NudgeCandidate, ctx models.SuppressionContext, s Settings) (bool, string) {
	if ctx.LastNudgeAt == nil {
		return false, ""
	}
	if since := ctx.Now.Sub(*ctx.LastNudgeAt); since < s.Cooldown {
		return true, fmt.Sprintf("last nudge %s ago, cooldown %s", since.Round(time.Minute), s.Cooldown)
	}
	return false, ""
}

func fatigue(c models.NudgeCandidate, ctx models.SuppressionContext, s Settings) (bool, string) {
	if n := ctx.ConsecutiveDismissals[c.Kind()]; n >= s.FatigueDismissals {
		return true, fmt.Sprintf("%d consecutive dismissals of %s", n, c.Kind())
	}
	return false, ""
}

func meetingAwareness(_ models.NudgeCandidate, ctx models.SuppressionContext, s Settings) (bool, string) {
	if ctx.MeetingLoadHours >= s.MeetingLoadHours {
		return true, fmt.Sprintf("meeting load %.1fh", ctx.MeetingLoadHours)
	}
	return false, ""
}

func lowRecovery(c models.NudgeCandidate, ctx models.SuppressionContext, _ Settings) (bool, string) {
	if ctx.Zone == models.ZoneRed && !mvd.IsProtocolApprovedForMVD(c.ProtocolID, models.MVDTypeFull) {
		return true, "red zone restricts to MVD protocols"
	}
	return false, ""
}

func streakRespect(_ models.NudgeCandidate, ctx models.SuppressionContext, s Settings) (bool, string) {
	if ctx.StreakDays >= s.StreakDays && ctx.NudgesSentToday >= s.StreakMaxPerDay {
		return true, fmt.Sprintf("%d-day streak, %d sent today", ctx.StreakDays, ctx.NudgesSentToday)
	}
	return false, ""
}

func lowConfidence(c models.NudgeCandidate, _ models.SuppressionContext, s Settings) (bool, string) {
	if c.Confidence < s.ConfidenceThreshold {
		return true, fmt.Sprintf("confidence %.2f below %.2f", c.Confidence, s.ConfidenceThreshold)
	}
	return false, ""
}

func mvdActive(c models.NudgeCandidate, ctx models.SuppressionContext, _ Settings) (bool, string) {
	t := ctx.MVD.ActiveType()
	if t != models.MVDTypeNone && !mvd.IsProtocolApprovedForMVD(c.ProtocolID, t) {
		return true, fmt.Sprintf("not on %s allow-list", t)
	}
	return false, ""
}
