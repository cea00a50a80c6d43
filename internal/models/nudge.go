package models

import "time"

// NudgeSource is where a candidate nudge originated.
type NudgeSource string

const (
	NudgeSourceSchedule NudgeSource = "schedule"
	NudgeSourceNudge    NudgeSource = "nudge"
	NudgeSourceManual   NudgeSource = "manual"
)

// EvidenceLevel is the ordinal evidence strength of a protocol.
type EvidenceLevel string

const (
	EvidenceVeryHigh EvidenceLevel = "very_high"
	EvidenceHigh     EvidenceLevel = "high"
	EvidenceModerate EvidenceLevel = "moderate"
	EvidenceEmerging EvidenceLevel = "emerging"
)

// TimeOfDay is a protocol's preferred delivery window.
type TimeOfDay string

const (
	TimeOfDayAny       TimeOfDay = "any"
	TimeOfDayMorning   TimeOfDay = "morning"
	TimeOfDayAfternoon TimeOfDay = "afternoon"
	TimeOfDayEvening   TimeOfDay = "evening"
)

// NudgeSeverity distinguishes ordinary nudges from critical ones.
type NudgeSeverity string

const (
	SeverityNormal   NudgeSeverity = "normal"
	SeverityCritical NudgeSeverity = "critical"
)

// RuleID identifies the suppression rule that blocked a nudge.
type RuleID string

const (
	RuleNone             RuleID = ""
	RuleDailyCap         RuleID = "daily_cap"
	RuleQuietHours       RuleID = "quiet_hours"
	RuleCooldown         RuleID = "cooldown"
	RuleFatigue          RuleID = "fatigue"
	RuleMeetingAwareness RuleID = "meeting_awareness"
	RuleLowRecovery      RuleID = "low_recovery"
	RuleStreakRespect    RuleID = "streak_respect"
	RuleLowConfidence    RuleID = "low_confidence"
	RuleMVDActive        RuleID = "mvd_active"
)

// SuppressionVerdict is Allowed, or Blocked with the rule that matched.
type SuppressionVerdict struct {
	Allowed bool   `json:"allowed"`
	RuleID  RuleID `json:"rule_id,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// SafetySeverity is the severity of a safety-scan match.
type SafetySeverity string

const (
	SafetyNone   SafetySeverity = "none"
	SafetyLow    SafetySeverity = "low"
	SafetyMedium SafetySeverity = "medium"
	SafetyHigh   SafetySeverity = "high"
)

// Rank orders severities so that higher is more severe.
func (s SafetySeverity) Rank() int {
	switch s {
	case SafetyLow:
		return 1
	case SafetyMedium:
		return 2
	case SafetyHigh:
		return 3
	default:
		return 0
	}
}

// SafetyVerdict is the outcome of scanning generated text.
type SafetyVerdict struct {
	Safe           bool           `json:"safe"`
	Severity       SafetySeverity `json:"severity"`
	MatchedPhrases []string       `json:"matched_phrases,omitempty"`
}

// NudgeCandidate is one proactive coaching message under consideration.
type NudgeCandidate struct {
	ProtocolID    string              `json:"protocol_id"`
	ProtocolName  string              `json:"protocol_name,omitempty"`
	Category      string              `json:"category,omitempty"`
	ModuleID      string              `json:"module_id,omitempty"`
	Source        NudgeSource         `json:"source"`
	EvidenceLevel EvidenceLevel       `json:"evidence_level,omitempty"`
	PreferredTime TimeOfDay           `json:"preferred_time,omitempty"`
	Severity      NudgeSeverity       `json:"severity,omitempty"`
	Confidence    float64             `json:"confidence"`
	LowConfidence bool                `json:"low_confidence,omitempty"`
	Verdict       *SuppressionVerdict `json:"verdict,omitempty"`
	Text          *string             `json:"text,omitempty"`
	Safety        *SafetyVerdict      `json:"safety,omitempty"`
}

// Kind is the grouping used for dismissal fatigue; the category, or the protocol id.
func (c NudgeCandidate) Kind() string {
	if c.Category != "" {
		return c.Category
	}
	return c.ProtocolID
}

// MinuteWindow is a local-time window in minutes after midnight. End may be
// smaller than Start, in which case the window wraps past midnight.
type MinuteWindow struct {
	StartMinute int `json:"start_minute" yaml:"start_minute"`
	EndMinute   int `json:"end_minute" yaml:"end_minute"`
}

// Contains reports whether minute-of-day m falls inside the window [start, end).
func (w MinuteWindow) Contains(m int) bool {
	if w.StartMinute == w.EndMinute {
		return false
	}
	if w.StartMinute < w.EndMinute {
		return m >= w.StartMinute && m < w.EndMinute
	}
	return m >= w.StartMinute || m < w.EndMinute
}

// MinuteOfDay returns the minutes after local midnight for t.
func MinuteOfDay(t time.Time) int {
	return t.Hour()*60 + t.Minute()
}

// SuppressionContext is the read-only snapshot assembled per decision.
// It is recomputed for every evaluation and never persisted.
type SuppressionContext struct {
	Now                   time.Time      `json:"now"` // in the user's local zone
	NudgesSentToday       int            `json:"nudges_sent_today"`
	LastNudgeAt           *time.Time     `json:"last_nudge_at,omitempty"`
	ConsecutiveDismissals map[string]int `json:"consecutive_dismissals,omitempty"` // by nudge kind
	QuietHours            *MinuteWindow  `json:"quiet_hours,omitempty"`
	Zone                  Zone           `json:"zone,omitempty"`
	StreakDays            int            `json:"streak_days"`
	MeetingLoadHours      float64        `json:"meeting_load_hours"`
	MVD                   *MVDState      `json:"mvd,omitempty"`
}
