package models

import "time"

// SignalSource tags where a daily signal set came from.
type SignalSource string

const (
	SourceWearable SignalSource = "wearable"
	SourceManual   SignalSource = "manual"
)

// CyclePhase is the self-reported menstrual-cycle phase, if tracked.
type CyclePhase string

const (
	CyclePhaseNone       CyclePhase = ""
	CyclePhaseMenstrual  CyclePhase = "menstrual"
	CyclePhaseFollicular CyclePhase = "follicular"
	CyclePhaseOvulatory  CyclePhase = "ovulatory"
	CyclePhaseLuteal     CyclePhase = "luteal"
)

// Metric names a baseline-tracked signal.
type Metric string

const (
	MetricHRVScore      Metric = "hrv_score"
	MetricHRVRMSSD      Metric = "hrv_rmssd"
	MetricHRVSDNN       Metric = "hrv_sdnn"
	MetricRestingHR     Metric = "resting_hr"
	MetricSleepHours    Metric = "sleep_hours"
	MetricSleepQuality  Metric = "sleep_quality"
	MetricRespiratory   Metric = "respiratory_rate"
	MetricTempDeviation Metric = "temperature_deviation"
	MetricEnergy        Metric = "energy_level"
)

// DailySignalSet is the canonical per-user, per-date signal bundle.
// Every metric is optional; nil means "not reported".
type DailySignalSet struct {
	UserID          string       `json:"user_id"`
	Date            string       `json:"date"` // YYYY-MM-DD
	HRVScore        *float64     `json:"hrv_score,omitempty"`
	HRVRMSSD        *float64     `json:"hrv_rmssd,omitempty"` // ms
	HRVSDNN         *float64     `json:"hrv_sdnn,omitempty"`  // ms
	RestingHR       *float64     `json:"resting_hr,omitempty"`
	SleepHours      *float64     `json:"sleep_hours,omitempty"`
	SleepQuality    *float64     `json:"sleep_quality,omitempty"` // 1-5
	RespiratoryRate *float64     `json:"respiratory_rate,omitempty"`
	TempDeviation   *float64     `json:"temperature_deviation,omitempty"` // deg C from baseline skin temp
	EnergyLevel     *float64     `json:"energy_level,omitempty"`          // 1-5
	AlcoholReported bool         `json:"alcohol_reported,omitempty"`
	CyclePhase      CyclePhase   `json:"cycle_phase,omitempty"`
	Source          SignalSource `json:"source"`
	UpdatedAt       time.Time    `json:"updated_at"`
}

// Value returns the reading for a metric and whether it was reported.
func (s DailySignalSet) Value(m Metric) (float64, bool) {
	var p *float64
	switch m {
	case MetricHRVScore:
		p = s.HRVScore
	case MetricHRVRMSSD:
		p = s.HRVRMSSD
	case MetricHRVSDNN:
		p = s.HRVSDNN
	case MetricRestingHR:
		p = s.RestingHR
	case MetricSleepHours:
		p = s.SleepHours
	case MetricSleepQuality:
		p = s.SleepQuality
	case MetricRespiratory:
		p = s.RespiratoryRate
	case MetricTempDeviation:
		p = s.TempDeviation
	case MetricEnergy:
		p = s.EnergyLevel
	}
	if p == nil {
		return 0, false
	}
	return *p, true
}

// Float returns a pointer to v, for populating optional metrics.
func Float(v float64) *float64 {
	return &v
}

// MetricBaseline holds the rolling statistics of one metric for one user.
type MetricBaseline struct {
	Mean      float64   `json:"mean"`
	StdDev    float64   `json:"std_dev"`
	Variance  float64   `json:"variance"`
	Count     int       `json:"count"`
	UpdatedAt time.Time `json:"updated_at"`
}

// UserBaseline is a user's per-metric rolling baseline.
type UserBaseline struct {
	UserID  string                    `json:"user_id"`
	Metrics map[Metric]MetricBaseline `json:"metrics"`
}

// Metric returns the baseline for m, or a zero value with Count 0.
func (b UserBaseline) Metric(m Metric) MetricBaseline {
	if b.Metrics == nil {
		return MetricBaseline{}
	}
	return b.Metrics[m]
}
