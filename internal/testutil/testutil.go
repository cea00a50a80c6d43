// Package testutil provides common test fixtures and helpers for CoachPipe tests.
package testutil

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/BTreeMap/CoachPipe/internal/models"
)

// Fixture baseline statistics. Tests derive z-scores from these, e.g. an
// RMSSD of 45 is z = -1.5.
const (
	BaselineHRVMean          = 60.0
	BaselineHRVStdDev        = 10.0
	BaselineRHRMean          = 55.0
	BaselineRHRStdDev        = 5.0
	BaselineSleepQualityMean = 3.5
	BaselineSleepQualitySD   = 0.5
	BaselineSleepHoursMean   = 7.5
	BaselineSleepHoursSD     = 0.5
	BaselineRespMean         = 14.0
	BaselineRespSD           = 1.0
)

// FixedDate is the calendar date used by fixtures.
const FixedDate = "2026-03-02"

// FixedNow is a Monday morning in UTC used as "now" by fixtures.
var FixedNow = time.Date(2026, 3, 2, 6, 45, 0, 0, time.UTC)

// ReadyBaseline returns a baseline whose metrics all have the given sample count.
func ReadyBaseline(userID string, samples int) models.UserBaseline {
	mb := func(mean, sd float64) models.MetricBaseline {
		return models.MetricBaseline{Mean: mean, StdDev: sd, Variance: sd * sd, Count: samples, UpdatedAt: FixedNow}
	}
	return models.UserBaseline{
		UserID: userID,
		Metrics: map[models.Metric]models.MetricBaseline{
			models.MetricHRVRMSSD:     mb(BaselineHRVMean, BaselineHRVStdDev),
			models.MetricRestingHR:    mb(BaselineRHRMean, BaselineRHRStdDev),
			models.MetricSleepQuality: mb(BaselineSleepQualityMean, BaselineSleepQualitySD),
			models.MetricSleepHours:   mb(BaselineSleepHoursMean, BaselineSleepHoursSD),
			models.MetricRespiratory:  mb(BaselineRespMean, BaselineRespSD),
		},
	}
}

// WearableSignals returns a wearable signal set with readings at the given
// z-scores against ReadyBaseline for HRV and resting HR, plus sleep inputs.
func WearableSignals(userID string, hrvZ, rhrZ, sleepQuality, sleepHours float64) models.DailySignalSet {
	return models.DailySignalSet{
		UserID:          userID,
		Date:            FixedDate,
		HRVRMSSD:        models.Float(BaselineHRVMean + hrvZ*BaselineHRVStdDev),
		RestingHR:       models.Float(BaselineRHRMean + rhrZ*BaselineRHRStdDev),
		SleepQuality:    models.Float(sleepQuality),
		SleepHours:      models.Float(sleepHours),
		RespiratoryRate: models.Float(BaselineRespMean),
		Source:          models.SourceWearable,
		UpdatedAt:       FixedNow,
	}
}

// Candidate returns a nudge candidate with sensible defaults.
func Candidate(protocolID string, confidence float64) models.NudgeCandidate {
	return models.NudgeCandidate{
		ProtocolID:    protocolID,
		ProtocolName:  protocolID,
		Category:      "recovery",
		Source:        models.NudgeSourceNudge,
		EvidenceLevel: models.EvidenceHigh,
		PreferredTime: models.TimeOfDayAny,
		Severity:      models.SeverityNormal,
		Confidence:    confidence,
	}
}

// AssertHTTPStatus checks the HTTP status code and fails the test if it doesn't match.
func AssertHTTPStatus(t *testing.T, expected, actual int, context string) {
	t.Helper()
	if actual != expected {
		t.Errorf("%s: expected status %d, got %d", context, expected, actual)
	}
}

// AssertJSONResponse decodes JSON response and validates the status field.
func AssertJSONResponse(t *testing.T, rr *httptest.ResponseRecorder, expectedStatus models.APIStatus) map[string]interface{} {
	t.Helper()
	var response map[string]interface{}
	if err := json.NewDecoder(rr.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode JSON response: %v", err)
	}

	if status, ok := response["status"].(string); ok {
		if status != string(expectedStatus) {
			t.Errorf("expected status '%s', got '%s' (message: %v)", expectedStatus, status, response["message"])
		}
	} else {
		t.Error("response missing or invalid 'status' field")
	}

	return response
}

// CreateHTTPRequest creates an HTTP request with optional JSON body for testing.
func CreateHTTPRequest(t *testing.T, method, url string, body interface{}) *http.Request {
	t.Helper()
	reqBody := bytes.NewBuffer(nil)
	if body != nil {
		reqBody = bytes.NewBuffer(MustMarshalJSON(t, body))
	}

	req, err := http.NewRequest(method, url, reqBody)
	if err != nil {
		t.Fatalf("failed to create HTTP request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return req
}

// MustMarshalJSON marshals an object to JSON and fails test on error.
func MustMarshalJSON(t *testing.T, v interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("failed to marshal JSON: %v", err)
	}
	return data
}
