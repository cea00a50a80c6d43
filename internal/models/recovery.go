package models

// Zone is the qualitative banding of a recovery or check-in score.
type Zone string

const (
	ZoneRed    Zone = "red"
	ZoneYellow Zone = "yellow"
	ZoneGreen  Zone = "green"
)

// IllnessRisk is an ordinal risk level derived from simultaneous indicators.
type IllnessRisk string

const (
	IllnessRiskNone   IllnessRisk = "none"
	IllnessRiskLow    IllnessRisk = "low"
	IllnessRiskMedium IllnessRisk = "medium"
	IllnessRiskHigh   IllnessRisk = "high"
)

// Elevated reports whether the risk is medium or high.
func (r IllnessRisk) Elevated() bool {
	return r == IllnessRiskMedium || r == IllnessRiskHigh
}

// ScoreMethod identifies which scorer produced a result.
type ScoreMethod string

const (
	MethodWearable ScoreMethod = "wearable"
	MethodCheckIn  ScoreMethod = "checkin"
)

// EdgeCases are advisory flags that never change the numeric score.
type EdgeCases struct {
	IllnessRisk         IllnessRisk `json:"illness_risk"`
	Alcohol             bool        `json:"alcohol"`
	MenstrualAdjustment bool        `json:"menstrual_adjustment"`
}

// ScoreComponent is one weighted contribution to a score.
type ScoreComponent struct {
	Name         string  `json:"name"`
	Weight       float64 `json:"weight"`
	ZScore       float64 `json:"z_score,omitempty"`
	Score        float64 `json:"score"`        // 0-100 before weighting
	Contribution float64 `json:"contribution"` // weight * score, or a negative penalty
	Present      bool    `json:"present"`
}

// RecoveryResult is the output of the recovery or check-in scorer.
type RecoveryResult struct {
	UserID     string           `json:"user_id"`
	Date       string           `json:"date"`
	Score      float64          `json:"score"`
	Zone       Zone             `json:"zone"`
	Confidence float64          `json:"confidence"`
	Method     ScoreMethod      `json:"method"`
	Breakdown  []ScoreComponent `json:"breakdown"`
	EdgeCases  EdgeCases        `json:"edge_cases"`
}

// BaselineNotReady replaces a score when the baseline lacks history.
type BaselineNotReady struct {
	SampleCount     int `json:"sample_count"`
	MinimumRequired int `json:"minimum_required"`
}

// RecoveryOutcome carries exactly one of Result, NotReady or NoSignals.
type RecoveryOutcome struct {
	Result    *RecoveryResult   `json:"result,omitempty"`
	NotReady  *BaselineNotReady `json:"baseline_not_ready,omitempty"`
	NoSignals bool              `json:"no_signals,omitempty"`
}

// Ready reports whether the outcome carries a score.
func (o RecoveryOutcome) Ready() bool {
	return o.Result != nil
}
