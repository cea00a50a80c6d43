package recovery

import (
	"log/slog"

	"github.com/BTreeMap/CoachPipe/internal/models"
)

// Check-in component weights.
const (
	CheckInWeightSleepQuality  = 0.40
	CheckInWeightSleepDuration = 0.35
	CheckInWeightEnergy        = 0.25
)

const (
	// CheckInConfidenceCap is fixed regardless of history length; self-report
	// never earns more certainty than this.
	CheckInConfidenceCap = 0.60

	checkInSleepFloorHours  = 4.0
	checkInSleepTargetHours = 8.0
)

// ScoreCheckIn scores a manual check-in without a baseline. Sleep quality and
// energy are 1-5 ordinals mapped onto 0-100; sleep duration maps 4h to 0 and
// 8h or more to 100.
func ScoreCheckIn(s models.DailySignalSet) models.RecoveryOutcome {
	type input struct {
		name   string
		weight float64
		value  *float64
		scale  func(float64) float64
	}
	ordinal := func(v float64) float64 { return (v - 1) / 4 * 100 }
	duration := func(h float64) float64 {
		return (h - checkInSleepFloorHours) / (checkInSleepTargetHours - checkInSleepFloorHours) * 100
	}
	inputs := []input{
		{"sleep_quality", CheckInWeightSleepQuality, s.SleepQuality, ordinal},
		{"sleep_duration", CheckInWeightSleepDuration, s.SleepHours, duration},
		{"energy_level", CheckInWeightEnergy, s.EnergyLevel, ordinal},
	}

	var total, coverage float64
	breakdown := make([]models.ScoreComponent, 0, len(inputs))
	for _, in := range inputs {
		sc := models.ScoreComponent{Name: in.name, Weight: in.weight, Score: neutralScore}
		if in.value != nil {
			sc.Score = clamp(in.scale(*in.value), 0, 100)
			sc.Present = true
			coverage += in.weight
		}
		sc.Contribution = in.weight * sc.Score
		total += sc.Contribution
		breakdown = append(breakdown, sc)
	}
	if coverage == 0 {
		slog.Debug("recovery.ScoreCheckIn: no check-in inputs", "userID", s.UserID, "date", s.Date)
		return models.RecoveryOutcome{NoSignals: true}
	}

	score := roundTo(clamp(total, 0, 100), 1)
	res := &models.RecoveryResult{
		UserID:     s.UserID,
		Date:       s.Date,
		Score:      score,
		Zone:       ZoneFor(score),
		Confidence: roundTo(CheckInConfidenceCap*coverage, 2),
		Method:     models.MethodCheckIn,
		Breakdown:  breakdown,
		EdgeCases:  checkInEdgeCases(s),
	}
	slog.Debug("recovery.ScoreCheckIn completed", "userID", s.UserID, "date", s.Date, "score", res.Score, "zone", res.Zone)
	return models.RecoveryOutcome{Result: res}
}
