package models

import (
	"fmt"
	"math"
	"time"
)

// UserProfile holds the per-user settings the pipeline reads when it runs
// without a caller-supplied snapshot (scheduled jobs, cron ticks).
type UserProfile struct {
	UserID   string   `json:"user_id"`
	Phone    string   `json:"phone,omitempty"`
	Timezone string   `json:"timezone,omitempty"` // IANA name, UTC when empty
	Goals    []string `json:"goals,omitempty"`

	QuietHours   *MinuteWindow  `json:"quiet_hours,omitempty"`
	DoNotDisturb *MinuteWindow  `json:"do_not_disturb,omitempty"`
	Workdays     []time.Weekday `json:"workdays,omitempty"`

	MorningAnchorEnabled bool    `json:"morning_anchor_enabled"`
	WeekendSleepIn       bool    `json:"weekend_sleep_in,omitempty"`
	TravelMode           bool    `json:"travel_mode,omitempty"`
	TimezoneShiftHours   float64 `json:"timezone_shift_hours,omitempty"`
	ActiveProtocols      int     `json:"active_protocols"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate checks required fields and the timezone name.
func (p UserProfile) Validate() error {
	if p.UserID == "" {
		return ErrEmptyUserID
	}
	if _, err := p.Location(); err != nil {
		return err
	}
	return nil
}

// Location resolves Timezone, defaulting to UTC.
func (p UserProfile) Location() (*time.Location, error) {
	if p.Timezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(p.Timezone)
	if err != nil {
		return nil, fmt.Errorf("%w: unknown timezone %q", ErrMalformedInput, p.Timezone)
	}
	return loc, nil
}

// FeedbackAction is what a user did with a delivered nudge.
type FeedbackAction string

const (
	FeedbackCompleted FeedbackAction = "completed"
	FeedbackDismissed FeedbackAction = "dismissed"
)

// NudgeFeedback records one user reaction to a delivered nudge.
type NudgeFeedback struct {
	UserID     string         `json:"user_id"`
	ProtocolID string         `json:"protocol_id"`
	Kind       string         `json:"kind,omitempty"` // candidate kind, see NudgeCandidate.Kind
	Action     FeedbackAction `json:"action"`
	CreatedAt  time.Time      `json:"created_at"`
}

// Validate checks required fields.
func (f NudgeFeedback) Validate() error {
	if f.UserID == "" {
		return ErrEmptyUserID
	}
	if f.ProtocolID == "" {
		return fmt.Errorf("%w: protocol id required", ErrMalformedInput)
	}
	if f.Action != FeedbackCompleted && f.Action != FeedbackDismissed {
		return fmt.Errorf("%w: unknown feedback action %q", ErrMalformedInput, f.Action)
	}
	return nil
}

// MaxMeetingHours bounds a day's reported meeting load.
const MaxMeetingHours = 24

// CalendarDay is a user's aggregate meeting load for one local date. Scheduled
// runs read it when no caller-supplied calendar is given.
type CalendarDay struct {
	UserID        string     `json:"user_id"`
	Date          string     `json:"date,omitempty"` // user's local date, today when empty
	MeetingHours  float64    `json:"meeting_hours"`
	NextMeetingAt *time.Time `json:"next_meeting_at,omitempty"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// Validate checks required fields and the meeting hours range.
func (c CalendarDay) Validate() error {
	if c.UserID == "" {
		return ErrEmptyUserID
	}
	if _, err := ParseDate(c.Date); err != nil {
		return fmt.Errorf("%w: %w", ErrMalformedInput, err)
	}
	if math.IsNaN(c.MeetingHours) || c.MeetingHours < 0 || c.MeetingHours > MaxMeetingHours {
		return fmt.Errorf("%w: meeting_hours %v outside [0, %d]", ErrMalformedInput, c.MeetingHours, MaxMeetingHours)
	}
	return nil
}
