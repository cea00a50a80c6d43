// Package signal converts raw wearable and check-in rows into canonical
// daily signal sets.
package signal

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/BTreeMap/CoachPipe/internal/models"
)

// RawSignalRow is one reading batch as it arrives from a wearable sync or a
// manual check-in submission.
type RawSignalRow struct {
	UserID          string              `json:"user_id"`
	Date            string              `json:"date"`
	Source          models.SignalSource `json:"source"`
	RecordedAt      time.Time           `json:"recorded_at"`
	HRVScore        *float64            `json:"hrv_score,omitempty"`
	HRVRMSSD        *float64            `json:"hrv_rmssd,omitempty"`
	HRVSDNN         *float64            `json:"hrv_sdnn,omitempty"`
	RestingHR       *float64            `json:"resting_hr,omitempty"`
	SleepHours      *float64            `json:"sleep_hours,omitempty"`
	SleepHoursRange string              `json:"sleep_hours_range,omitempty"` // check-in bucket, e.g. "6-7"
	SleepQuality    *float64            `json:"sleep_quality,omitempty"`
	RespiratoryRate *float64            `json:"respiratory_rate,omitempty"`
	TempDeviation   *float64            `json:"temperature_deviation,omitempty"`
	EnergyLevel     *float64            `json:"energy_level,omitempty"`
	AlcoholReported bool                `json:"alcohol_reported,omitempty"`
	CyclePhase      models.CyclePhase   `json:"cycle_phase,omitempty"`
}

// valueRange is an inclusive physiological range for a metric.
type valueRange struct {
	min, max float64
}

var validRanges = map[models.Metric]valueRange{
	models.MetricHRVScore:      {1, 300},
	models.MetricHRVRMSSD:      {1, 300},
	models.MetricHRVSDNN:       {1, 300},
	models.MetricRestingHR:     {25, 220},
	models.MetricSleepHours:    {0, 24},
	models.MetricSleepQuality:  {1, 5},
	models.MetricRespiratory:   {4, 40},
	models.MetricTempDeviation: {-5, 5},
	models.MetricEnergy:        {1, 5},
}

// sleepBucketMidpoints maps categorical check-in sleep ranges to representative hours.
var sleepBucketMidpoints = map[string]float64{
	"<5":  4.5,
	"5-6": 5.5,
	"6-7": 6.5,
	"7-8": 7.5,
	"8+":  8.5,
}

// SleepBucketHours returns the midpoint hours for a check-in sleep bucket.
func SleepBucketHours(bucket string) (float64, bool) {
	key := strings.ReplaceAll(strings.TrimSpace(bucket), " ", "")
	h, ok := sleepBucketMidpoints[key]
	return h, ok
}

// Normalize merges raw rows into one DailySignalSet per user and date.
// Wearable readings take precedence over manual ones for the same metric;
// within a source the most recent row wins. Out-of-range readings are dropped.
func Normalize(rows []RawSignalRow) ([]models.DailySignalSet, error) {
	type key struct{ user, date string }

	ordered := make([]RawSignalRow, 0, len(rows))
	for i, r := range rows {
		if strings.TrimSpace(r.UserID) == "" {
			return nil, fmt.Errorf("row %d: %w: %w", i, models.ErrMalformedInput, models.ErrEmptyUserID)
		}
		if _, err := models.ParseDate(r.Date); err != nil {
			return nil, fmt.Errorf("row %d: %w: %w", i, models.ErrMalformedInput, err)
		}
		if r.Source != models.SourceWearable && r.Source != models.SourceManual {
			return nil, fmt.Errorf("row %d: %w: unknown source %q", i, models.ErrMalformedInput, r.Source)
		}
		ordered = append(ordered, r)
	}

	// Manual rows first, then wearable; each group oldest first, so later
	// application overrides earlier.
	sort.SliceStable(ordered, func(i, j int) bool {
		pi, pj := sourcePriority(ordered[i].Source), sourcePriority(ordered[j].Source)
		if pi != pj {
			return pi < pj
		}
		return ordered[i].RecordedAt.Before(ordered[j].RecordedAt)
	})

	merged := make(map[key]*models.DailySignalSet)
	var keys []key
	for _, r := range ordered {
		k := key{r.UserID, r.Date}
		set, ok := merged[k]
		if !ok {
			set = &models.DailySignalSet{UserID: r.UserID, Date: r.Date, Source: models.SourceManual}
			merged[k] = set
			keys = append(keys, k)
		}
		apply(set, r)
	}

	sort.Slice(keys, func(i, j int) bool {
		if keys[i].user != keys[j].user {
			return keys[i].user < keys[j].user
		}
		return keys[i].date < keys[j].date
	})

	out := make([]models.DailySignalSet, 0, len(keys))
	for _, k := range keys {
		out = append(out, *merged[k])
	}
	slog.Debug("signal.Normalize completed", "rows", len(rows), "sets", len(out))
	return out, nil
}

func sourcePriority(s models.SignalSource) int {
	if s == models.SourceWearable {
		return 1
	}
	return 0
}

// apply overlays the valid readings of r onto set.
func apply(set *models.DailySignalSet, r RawSignalRow) {
	contributed := false
	take := func(dst **float64, m models.Metric, v *float64) {
		if v == nil {
			return
		}
		rg := validRanges[m]
		if *v < rg.min || *v > rg.max {
			slog.Warn("signal.Normalize: dropping out-of-range reading",
				"userID", r.UserID, "date", r.Date, "metric", m, "value", *v)
			return
		}
		val := *v
		*dst = &val
		contributed = true
	}

	take(&set.HRVScore, models.MetricHRVScore, r.HRVScore)
	take(&set.HRVRMSSD, models.MetricHRVRMSSD, r.HRVRMSSD)
	take(&set.HRVSDNN, models.MetricHRVSDNN, r.HRVSDNN)
	take(&set.RestingHR, models.MetricRestingHR, r.RestingHR)
	take(&set.SleepQuality, models.MetricSleepQuality, r.SleepQuality)
	take(&set.RespiratoryRate, models.MetricRespiratory, r.RespiratoryRate)
	take(&set.TempDeviation, models.MetricTempDeviation, r.TempDeviation)
	take(&set.EnergyLevel, models.MetricEnergy, r.EnergyLevel)

	switch {
	case r.SleepHours != nil:
		take(&set.SleepHours, models.MetricSleepHours, r.SleepHours)
	case r.SleepHoursRange != "":
		if h, ok := SleepBucketHours(r.SleepHoursRange); ok {
			take(&set.SleepHours, models.MetricSleepHours, &h)
		} else {
			slog.Warn("signal.Normalize: unknown sleep bucket", "userID", r.UserID, "bucket", r.SleepHoursRange)
		}
	}

	if r.AlcoholReported {
		set.AlcoholReported = true
	}
	if r.CyclePhase != models.CyclePhaseNone {
		set.CyclePhase = r.CyclePhase
	}
	if r.Source == models.SourceWearable && contributed {
		set.Source = models.SourceWearable
	}
	if r.RecordedAt.After(set.UpdatedAt) {
		set.UpdatedAt = r.RecordedAt
	}
}
