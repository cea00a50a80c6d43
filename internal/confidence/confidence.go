// Package confidence scores how well a candidate nudge fits the user right
// now. It only marks low confidence; the suppression engine decides whether
// that blocks delivery.
package confidence

import (
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/BTreeMap/CoachPipe/internal/models"
)

// Factor weights. They sum to 1.0.
const (
	WeightGoalFit      = 0.25
	WeightMemory       = 0.25
	WeightTimeFit      = 0.20
	WeightConflictRisk = 0.15
	WeightEvidence     = 0.15
)

// LowConfidenceThreshold is the shared cut-off read by suppression.
const LowConfidenceThreshold = 0.50

const (
	goalFitMatch   = 1.0
	goalFitRelated = 0.6
	goalFitNone    = 0.2
	goalFitNoGoals = 0.5

	timeFitInside   = 1.0
	timeFitAdjacent = 0.5
	timeFitOutside  = 0.1
	timeFitAny      = 0.7
	adjacentMinutes = 60

	conflictDayHours       = 8.0
	imminentMeetingWindow  = 15 * time.Minute
	imminentMeetingPenalty = 0.5
)

var evidenceScores = map[models.EvidenceLevel]float64{
	models.EvidenceVeryHigh: 1.0,
	models.EvidenceHigh:     0.85,
	models.EvidenceModerate: 0.65,
	models.EvidenceEmerging: 0.45,
}

const evidenceUnknown = 0.30

// Preferred-time windows in local minutes.
var timeWindows = map[models.TimeOfDay]models.MinuteWindow{
	models.TimeOfDayMorning:   {StartMinute: 5 * 60, EndMinute: 12 * 60},
	models.TimeOfDayAfternoon: {StartMinute: 12 * 60, EndMinute: 17 * 60},
	models.TimeOfDayEvening:   {StartMinute: 17 * 60, EndMinute: 22 * 60},
}

// History is a user's interaction record with one protocol.
type History struct {
	Shown     int `json:"shown"`
	Completed int `json:"completed"`
	Dismissed int `json:"dismissed"`
}

// UserContext is what the scorer knows about the user.
type UserContext struct {
	Goals         []string           `json:"goals,omitempty"`
	History       map[string]History `json:"history,omitempty"` // by protocol id
	Now           time.Time          `json:"now"`               // user's local time
	MeetingHours  float64            `json:"meeting_hours"`
	NextMeetingAt *time.Time         `json:"next_meeting_at,omitempty"`
}

// Factors are the unweighted factor scores, each in [0,1].
type Factors struct {
	GoalFit      float64 `json:"goal_fit"`
	Memory       float64 `json:"memory"`
	TimeFit      float64 `json:"time_fit"`
	ConflictRisk float64 `json:"conflict_risk"`
	Evidence     float64 `json:"evidence"`
}

// Result is the scored confidence of one candidate.
type Result struct {
	Confidence    float64 `json:"confidence"`
	Factors       Factors `json:"factors"`
	LowConfidence bool    `json:"low_confidence"`
}

// Score computes the weighted confidence of a candidate.
func Score(c models.NudgeCandidate, u UserContext) Result {
	f := Factors{
		GoalFit:      goalFit(c.Category, u.Goals),
		Memory:       memory(u.History[c.ProtocolID]),
		TimeFit:      timeFit(c.PreferredTime, u.Now),
		ConflictRisk: conflict(u),
		Evidence:     evidence(c.EvidenceLevel),
	}
	total := WeightGoalFit*f.GoalFit +
		WeightMemory*f.Memory +
		WeightTimeFit*f.TimeFit +
		WeightConflictRisk*f.ConflictRisk +
		WeightEvidence*f.Evidence
	total = math.Round(clamp01(total)*1000) / 1000
	return Result{Confidence: total, Factors: f, LowConfidence: total < LowConfidenceThreshold}
}

// Rank scores every candidate and sorts by confidence, highest first, with
// protocol id as the tie-break. The input slice is not modified.
func Rank(candidates []models.NudgeCandidate, u UserContext) []models.NudgeCandidate {
	out := make([]models.NudgeCandidate, len(candidates))
	copy(out, candidates)
	for i := range out {
		r := Score(out[i], u)
		out[i].Confidence = r.Confidence
		out[i].LowConfidence = r.LowConfidence
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Confidence != out[j].Confidence {
			return out[i].Confidence > out[j].Confidence
		}
		return out[i].ProtocolID < out[j].ProtocolID
	})
	slog.Debug("confidence.Rank", "candidates", len(out))
	return out
}

func goalFit(category string, goals []string) float64 {
	if len(goals) == 0 {
		return goalFitNoGoals
	}
	cat := normalize(category)
	if cat == "" {
		return goalFitNone
	}
	best := goalFitNone
	for _, g := range goals {
		goal := normalize(g)
		switch {
		case goal == cat:
			return goalFitMatch
		case goal != "" && related(goal, cat):
			best = goalFitRelated
		}
	}
	return best
}

// related treats a goal and category as related when one contains the other
// or they share a word.
func related(a, b string) bool {
	if strings.Contains(a, b) || strings.Contains(b, a) {
		return true
	}
	words := make(map[string]bool)
	for _, w := range strings.Split(a, "_") {
		if w != "" {
			words[w] = true
		}
	}
	for _, w := range strings.Split(b, "_") {
		if words[w] {
			return true
		}
	}
	return false
}

// memory is the Laplace-smoothed completion rate less the dismissal share.
func memory(h History) float64 {
	denom := float64(h.Shown + 2)
	return clamp01(float64(h.Completed+1)/denom - float64(h.Dismissed)/denom)
}

func timeFit(pref models.TimeOfDay, now time.Time) float64 {
	w, ok := timeWindows[pref]
	if !ok {
		return timeFitAny
	}
	m := models.MinuteOfDay(now)
	if w.Contains(m) {
		return timeFitInside
	}
	if minuteDistance(m, w.StartMinute) <= adjacentMinutes || minuteDistance(m, w.EndMinute) <= adjacentMinutes {
		return timeFitAdjacent
	}
	return timeFitOutside
}

func minuteDistance(a, b int) int {
	d := a - b
	if d < 0 {
		d = -d
	}
	if d > 720 {
		d = 1440 - d
	}
	return d
}

func conflict(u UserContext) float64 {
	v := clamp01(1 - u.MeetingHours/conflictDayHours)
	if u.NextMeetingAt != nil {
		until := u.NextMeetingAt.Sub(u.Now)
		if until >= 0 && until <= imminentMeetingWindow {
			v *= imminentMeetingPenalty
		}
	}
	return v
}

func evidence(l models.EvidenceLevel) float64 {
	if v, ok := evidenceScores[l]; ok {
		return v
	}
	return evidenceUnknown
}

func normalize(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.NewReplacer("-", "_", " ", "_").Replace(s)
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
