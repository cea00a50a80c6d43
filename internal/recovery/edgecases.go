package recovery

import (
	"github.com/BTreeMap/CoachPipe/internal/baseline"
	"github.com/BTreeMap/CoachPipe/internal/models"
)

// Edge-case thresholds. These only raise advisory flags.
const (
	IllnessHRVZThreshold = -1.0
	IllnessRHRZThreshold = 1.0
	IllnessTempThreshold = 0.5
	AlcoholHRVZThreshold = -1.5
	AlcoholRHRZThreshold = 1.0
)

// DetectEdgeCases derives illness risk, alcohol and menstrual-phase flags.
// It runs independently of the score and never changes it.
func DetectEdgeCases(s models.DailySignalSet, b models.UserBaseline) models.EdgeCases {
	hrvSuppressed, rhrElevated := false, false
	var hrvZ, rhrZ float64
	haveHRV, haveRHR := false, false

	hrvMetric := pickHRV(s, b)
	if v, ok := s.Value(hrvMetric); ok && b.Metric(hrvMetric).Count > 0 {
		hrvZ = baseline.ZScore(b, hrvMetric, v)
		haveHRV = true
		hrvSuppressed = hrvZ <= IllnessHRVZThreshold
	}
	if v, ok := s.Value(models.MetricRestingHR); ok && b.Metric(models.MetricRestingHR).Count > 0 {
		rhrZ = baseline.ZScore(b, models.MetricRestingHR, v)
		haveRHR = true
		rhrElevated = rhrZ >= IllnessRHRZThreshold
	}

	cyclic := cyclicTemperaturePhase(s.CyclePhase)
	tempElevated := s.TempDeviation != nil && *s.TempDeviation >= IllnessTempThreshold

	indicators := 0
	if hrvSuppressed {
		indicators++
	}
	if rhrElevated {
		indicators++
	}
	if tempElevated && !cyclic {
		indicators++
	}

	alcohol := s.AlcoholReported ||
		(haveHRV && haveRHR && hrvZ <= AlcoholHRVZThreshold && rhrZ >= AlcoholRHRZThreshold && !tempElevated)

	return models.EdgeCases{
		IllnessRisk:         illnessLevel(indicators),
		Alcohol:             alcohol,
		MenstrualAdjustment: cyclic,
	}
}

func checkInEdgeCases(s models.DailySignalSet) models.EdgeCases {
	cyclic := cyclicTemperaturePhase(s.CyclePhase)
	indicators := 0
	if s.TempDeviation != nil && *s.TempDeviation >= IllnessTempThreshold && !cyclic {
		indicators++
	}
	return models.EdgeCases{
		IllnessRisk:         illnessLevel(indicators),
		Alcohol:             s.AlcoholReported,
		MenstrualAdjustment: cyclic,
	}
}

// cyclicTemperaturePhase reports phases where resting temperature runs high
// on its own, so a temperature rise is not an illness indicator.
func cyclicTemperaturePhase(p models.CyclePhase) bool {
	return p == models.CyclePhaseLuteal || p == models.CyclePhaseMenstrual
}

func illnessLevel(indicators int) models.IllnessRisk {
	switch {
	case indicators >= 3:
		return models.IllnessRiskHigh
	case indicators == 2:
		return models.IllnessRiskMedium
	case indicators == 1:
		return models.IllnessRiskLow
	default:
		return models.IllnessRiskNone
	}
}
