// Package models defines the core data structures for CoachPipe.
//
// It includes the daily signal set, baselines, recovery results, wake events,
// MVD state, nudge candidates and audit decisions, which are shared across
// the pipeline stages, the store and the API.
package models

import (
	"errors"
	"time"
)

// DateLayout is the canonical calendar-date layout used for user+date keys.
const DateLayout = "2006-01-02"

// Error variables for better error handling and testability
var (
	ErrMalformedInput = errors.New("malformed input")
	ErrEmptyUserID    = errors.New("user id cannot be empty")
	ErrInvalidDate    = errors.New("date must be in YYYY-MM-DD format")
	ErrNoSignals      = errors.New("no signals for date")
	ErrNotFound       = errors.New("not found")
	ErrInvalidMVDType = errors.New("invalid MVD type")
	ErrEmptyText      = errors.New("text cannot be empty")
)

// ParseDate parses a YYYY-MM-DD date, wrapping failures in ErrInvalidDate.
func ParseDate(date string) (time.Time, error) {
	t, err := time.Parse(DateLayout, date)
	if err != nil {
		return time.Time{}, ErrInvalidDate
	}
	return t, nil
}

// APIStatus represents the status of an API response.
type APIStatus string

const (
	// APIStatusOK indicates an API request completed successfully.
	APIStatusOK APIStatus = "ok"
	// APIStatusError indicates an API request failed with an error.
	APIStatusError APIStatus = "error"
	// APIStatusScheduled indicates an API request resulted in a scheduled task.
	APIStatusScheduled APIStatus = "scheduled"
	// APIStatusRecorded indicates data was successfully recorded via API.
	APIStatusRecorded APIStatus = "recorded"
)

// APIResponse represents a standard API response with a status and optional data.
type APIResponse struct {
	Status  string      `json:"status"`            // status of the API response
	Message string      `json:"message,omitempty"` // optional message for error responses or additional info
	Result  interface{} `json:"result,omitempty"`  // optional result data for successful responses
}

// APIResponseBuilder provides a fluent interface for building API responses.
type APIResponseBuilder struct {
	response APIResponse
}

// NewAPIResponseBuilder creates a new APIResponseBuilder instance.
func NewAPIResponseBuilder() *APIResponseBuilder {
	return &APIResponseBuilder{}
}

// WithStatus sets the status of the API response.
func (b *APIResponseBuilder) WithStatus(status APIStatus) *APIResponseBuilder {
	b.response.Status = string(status)
	return b
}

// WithMessage sets the message of the API response.
func (b *APIResponseBuilder) WithMessage(message string) *APIResponseBuilder {
	b.response.Message = message
	return b
}

// WithResult sets the result data of the API response.
func (b *APIResponseBuilder) WithResult(result interface{}) *APIResponseBuilder {
	b.response.Result = result
	return b
}

// Build constructs and returns the final APIResponse.
func (b *APIResponseBuilder) Build() APIResponse {
	return b.response
}

// Success creates a successful API response with optional result data.
func Success(result interface{}) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusOK).
		WithResult(result).
		Build()
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusError).
		WithMessage(message).
		Build()
}

// ScheduledWithResult creates a scheduled API response carrying the scheduled item.
func ScheduledWithResult(message string, result interface{}) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusScheduled).
		WithMessage(message).
		WithResult(result).
		Build()
}

// RecordedWithResult creates a recorded API response carrying the stored data.
func RecordedWithResult(result interface{}) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusRecorded).
		WithResult(result).
		Build()
}
