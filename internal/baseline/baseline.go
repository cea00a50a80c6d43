// Package baseline maintains each user's rolling per-metric statistics and
// reports when enough history exists to score against them.
package baseline

import (
	"math"
	"time"

	"github.com/BTreeMap/CoachPipe/internal/models"
)

const (
	// MinHistoryDays is the sample count a full baseline needs before scoring.
	MinHistoryDays = 14
	// MinSDNNHistoryDays is the relaxed requirement for an SDNN-only HRV baseline.
	MinSDNNHistoryDays = 7
	// RollingWindowDays bounds the effective sample size of the rolling statistics.
	RollingWindowDays = 30
)

// stdDevFloors keep z-scores finite for metrics with very stable history.
var stdDevFloors = map[models.Metric]float64{
	models.MetricHRVScore:      2.0,
	models.MetricHRVRMSSD:      2.0,
	models.MetricHRVSDNN:       2.0,
	models.MetricRestingHR:     1.0,
	models.MetricSleepHours:    0.25,
	models.MetricSleepQuality:  0.25,
	models.MetricRespiratory:   0.2,
	models.MetricTempDeviation: 0.1,
	models.MetricEnergy:        0.25,
}

// TrackedMetrics lists the metrics folded into a baseline, in a stable order.
var TrackedMetrics = []models.Metric{
	models.MetricHRVScore,
	models.MetricHRVRMSSD,
	models.MetricHRVSDNN,
	models.MetricRestingHR,
	models.MetricSleepHours,
	models.MetricSleepQuality,
	models.MetricRespiratory,
	models.MetricTempDeviation,
	models.MetricEnergy,
}

// New returns an empty baseline for a user.
func New(userID string) models.UserBaseline {
	return models.UserBaseline{UserID: userID, Metrics: make(map[models.Metric]models.MetricBaseline)}
}

// Update folds one day of signals into the baseline and returns the result.
// The input baseline is not modified.
//
// Statistics use an exponentially weighted mean and variance with
// alpha = 1/min(n, RollingWindowDays), which equals the exact population
// mean and variance until the window fills.
func Update(b models.UserBaseline, s models.DailySignalSet, now time.Time) models.UserBaseline {
	out := models.UserBaseline{UserID: b.UserID, Metrics: make(map[models.Metric]models.MetricBaseline, len(b.Metrics)+1)}
	if out.UserID == "" {
		out.UserID = s.UserID
	}
	for m, mb := range b.Metrics {
		out.Metrics[m] = mb
	}
	for _, m := range TrackedMetrics {
		v, ok := s.Value(m)
		if !ok {
			continue
		}
		out.Metrics[m] = fold(out.Metrics[m], v, now)
	}
	return out
}

func fold(mb models.MetricBaseline, x float64, now time.Time) models.MetricBaseline {
	n := mb.Count + 1
	alpha := 1.0 / float64(min(n, RollingWindowDays))
	delta := x - mb.Mean
	mb.Mean += alpha * delta
	mb.Variance = (1 - alpha) * (mb.Variance + alpha*delta*delta)
	mb.StdDev = math.Sqrt(mb.Variance)
	mb.Count = n
	mb.UpdatedAt = now
	return mb
}

// StdDev returns the metric's standard deviation with its floor applied.
func StdDev(b models.UserBaseline, m models.Metric) float64 {
	return math.Max(b.Metric(m).StdDev, stdDevFloors[m])
}

// ZScore returns (v - mean) / floored stddev for metric m.
func ZScore(b models.UserBaseline, m models.Metric, v float64) float64 {
	return (v - b.Metric(m).Mean) / StdDev(b, m)
}

// HRVMetric picks the HRV metric with the most history, preferring RMSSD,
// then the vendor score, then SDNN.
func HRVMetric(b models.UserBaseline) models.Metric {
	best := models.MetricHRVRMSSD
	for _, m := range []models.Metric{models.MetricHRVScore, models.MetricHRVSDNN} {
		if b.Metric(m).Count > b.Metric(best).Count {
			best = m
		}
	}
	return best
}

// MinimumFor returns the history length required for a metric to be ready.
func MinimumFor(m models.Metric) int {
	if m == models.MetricHRVSDNN {
		return MinSDNNHistoryDays
	}
	return MinHistoryDays
}

// MetricReady reports whether a single metric has enough history.
func MetricReady(b models.UserBaseline, m models.Metric) bool {
	return b.Metric(m).Count >= MinimumFor(m)
}

// Readiness reports whether the baseline supports a full recovery score:
// HRV and resting HR must both be ready. It returns the limiting sample count
// and the minimum that applies to it.
func Readiness(b models.UserBaseline) (ready bool, samples int, minimum int) {
	hrv := HRVMetric(b)
	hrvCount, hrvMin := b.Metric(hrv).Count, MinimumFor(hrv)
	rhrCount := b.Metric(models.MetricRestingHR).Count

	if hrvCount < hrvMin || rhrCount < MinHistoryDays {
		if hrvMin-hrvCount >= MinHistoryDays-rhrCount {
			return false, hrvCount, hrvMin
		}
		return false, rhrCount, MinHistoryDays
	}
	return true, min(hrvCount, rhrCount), MinHistoryDays
}
