// Package recovery converts a day's signals and the user's baseline into a
// 0-100 recovery score, a zone, a confidence value and advisory edge-case
// flags. Users without wearables are scored by the check-in scorer instead.
package recovery

import (
	"fmt"
	"log/slog"
	"math"

	"github.com/BTreeMap/CoachPipe/internal/baseline"
	"github.com/BTreeMap/CoachPipe/internal/models"
)

// Zone breakpoints over the final score. MVD and suppression read the zone,
// so these are the only place the bands are defined.
const (
	// RedCutoff: scores strictly below it are red.
	RedCutoff = 34.0
	// GreenCutoff: scores at or above it are green.
	GreenCutoff = 67.0
)

// Wearable component weights.
const (
	WeightHRV           = 0.40
	WeightRestingHR     = 0.25
	WeightSleepQuality  = 0.20
	WeightSleepDuration = 0.10
	WeightRespiratory   = 0.05
)

const (
	// ZScoreClamp bounds each metric's z-score before weighting.
	ZScoreClamp = 3.0
	// WearableConfidenceCap is the ceiling for wearable-derived confidence.
	WearableConfidenceCap = 0.90
	// ConfidenceSaturationDays is the history length at which sample-size
	// confidence stops growing.
	ConfidenceSaturationDays = 30
	// MinComponentSamples is the history a non-core metric needs before it
	// contributes a z-score instead of a neutral value.
	MinComponentSamples = 3

	// TempPenaltyThreshold is the deviation (deg C) above which the penalty starts.
	TempPenaltyThreshold = 0.3
	// TempPenaltyPerDegree is the penalty in score points per degree above threshold.
	TempPenaltyPerDegree = 20.0
	// TempPenaltyMax caps the temperature penalty.
	TempPenaltyMax = 15.0

	neutralScore = 50.0
)

// ZoneFor maps a score to its zone using the fixed breakpoints.
func ZoneFor(score float64) models.Zone {
	switch {
	case score < RedCutoff:
		return models.ZoneRed
	case score >= GreenCutoff:
		return models.ZoneGreen
	default:
		return models.ZoneYellow
	}
}

// Compute scores a day of signals. Manual signal sets go to the check-in
// scorer; wearable sets require a ready baseline. Expected insufficiency is
// returned in the outcome, never as an error.
func Compute(s models.DailySignalSet, b models.UserBaseline) (models.RecoveryOutcome, error) {
	if s.UserID == "" {
		return models.RecoveryOutcome{}, fmt.Errorf("recovery: %w: %w", models.ErrMalformedInput, models.ErrEmptyUserID)
	}
	if s.Source == models.SourceManual {
		return ScoreCheckIn(s), nil
	}
	return ScoreWearable(s, b), nil
}

type component struct {
	name   string
	metric models.Metric
	weight float64
	invert bool // higher raw values mean worse recovery
}

// ScoreWearable computes the wearable recovery score against a baseline.
func ScoreWearable(s models.DailySignalSet, b models.UserBaseline) models.RecoveryOutcome {
	ready, samples, minimum := baseline.Readiness(b)
	if !ready {
		slog.Debug("recovery.ScoreWearable: baseline not ready", "userID", s.UserID, "samples", samples, "minimum", minimum)
		return models.RecoveryOutcome{NotReady: &models.BaselineNotReady{SampleCount: samples, MinimumRequired: minimum}}
	}

	hrvMetric := pickHRV(s, b)
	if _, ok := s.Value(hrvMetric); !ok {
		if _, ok := s.Value(models.MetricRestingHR); !ok {
			slog.Debug("recovery.ScoreWearable: no core signals", "userID", s.UserID, "date", s.Date)
			return models.RecoveryOutcome{NoSignals: true}
		}
	}

	components := []component{
		{"hrv", hrvMetric, WeightHRV, false},
		{"resting_hr", models.MetricRestingHR, WeightRestingHR, true},
		{"sleep_quality", models.MetricSleepQuality, WeightSleepQuality, false},
		{"sleep_duration", models.MetricSleepHours, WeightSleepDuration, false},
		{"respiratory_rate", models.MetricRespiratory, WeightRespiratory, true},
	}

	var weighted, coverage float64
	breakdown := make([]models.ScoreComponent, 0, len(components)+1)
	for _, c := range components {
		sc := models.ScoreComponent{Name: c.name, Weight: c.weight, Score: neutralScore}
		if v, ok := s.Value(c.metric); ok && b.Metric(c.metric).Count >= MinComponentSamples {
			z := clamp(baseline.ZScore(b, c.metric, v), -ZScoreClamp, ZScoreClamp)
			if c.invert {
				z = -z
			}
			sc.ZScore = z
			sc.Score = neutralScore + z*neutralScore/ZScoreClamp
			sc.Present = true
			coverage += c.weight
		}
		sc.Contribution = c.weight * sc.Score
		weighted += sc.Contribution
		breakdown = append(breakdown, sc)
	}

	penalty := temperaturePenalty(s, weighted)
	breakdown = append(breakdown, models.ScoreComponent{
		Name:         "temperature_penalty",
		Contribution: -penalty,
		Present:      s.TempDeviation != nil,
	})

	score := roundTo(clamp(weighted-penalty, 0, 100), 1)
	sampleFactor := math.Min(1, float64(samples)/ConfidenceSaturationDays)
	confidence := math.Min(WearableConfidenceCap, (0.5+0.4*sampleFactor)*coverage)

	res := &models.RecoveryResult{
		UserID:     s.UserID,
		Date:       s.Date,
		Score:      score,
		Zone:       ZoneFor(score),
		Confidence: roundTo(confidence, 2),
		Method:     models.MethodWearable,
		Breakdown:  breakdown,
		EdgeCases:  DetectEdgeCases(s, b),
	}
	slog.Debug("recovery.ScoreWearable completed", "userID", s.UserID, "date", s.Date,
		"score", res.Score, "zone", res.Zone, "confidence", res.Confidence, "illnessRisk", res.EdgeCases.IllnessRisk)
	return models.RecoveryOutcome{Result: res}
}

// pickHRV prefers the baseline's dominant HRV metric, falling back to any
// other HRV reading today that has a ready baseline.
func pickHRV(s models.DailySignalSet, b models.UserBaseline) models.Metric {
	primary := baseline.HRVMetric(b)
	if _, ok := s.Value(primary); ok {
		return primary
	}
	for _, m := range []models.Metric{models.MetricHRVRMSSD, models.MetricHRVScore, models.MetricHRVSDNN} {
		if _, ok := s.Value(m); ok && baseline.MetricReady(b, m) {
			return m
		}
	}
	return primary
}

func temperaturePenalty(s models.DailySignalSet, weighted float64) float64 {
	if s.TempDeviation == nil || *s.TempDeviation <= TempPenaltyThreshold {
		return 0
	}
	p := math.Min(TempPenaltyMax, (*s.TempDeviation-TempPenaltyThreshold)*TempPenaltyPerDegree)
	return math.Min(p, weighted)
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func roundTo(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
