package models

import (
	"strings"
	"time"
)

// MVDType is the closed set of Minimum Viable Day modes. MVDTypeNone means inactive.
type MVDType string

const (
	MVDTypeNone       MVDType = ""
	MVDTypeFull       MVDType = "full"
	MVDTypeSemiActive MVDType = "semi_active"
	MVDTypeTravel     MVDType = "travel"
)

// ParseMVDType parses a user-supplied MVD type, accepting "none" and "" as inactive.
func ParseMVDType(s string) (MVDType, error) {
	switch MVDType(strings.ToLower(strings.TrimSpace(s))) {
	case MVDTypeFull:
		return MVDTypeFull, nil
	case MVDTypeSemiActive:
		return MVDTypeSemiActive, nil
	case MVDTypeTravel:
		return MVDTypeTravel, nil
	case "", "none":
		return MVDTypeNone, nil
	}
	return MVDTypeNone, ErrInvalidMVDType
}

// MVDTrigger names a condition that can activate MVD.
type MVDTrigger string

const (
	TriggerLowRecovery     MVDTrigger = "low_recovery"
	TriggerTimezoneShift   MVDTrigger = "timezone_shift"
	TriggerHeavyCalendar   MVDTrigger = "heavy_calendar"
	TriggerConsistencyDrop MVDTrigger = "consistency_drop"
	TriggerManual          MVDTrigger = "manual"
)

// MVDSource records who last decided the MVD state.
type MVDSource string

const (
	MVDSourceAuto   MVDSource = "auto"
	MVDSourceManual MVDSource = "manual"
)

// MVDState is a user's current Minimum Viable Day state.
type MVDState struct {
	UserID        string       `json:"user_id"`
	Active        bool         `json:"active"`
	Type          MVDType      `json:"type,omitempty"`
	TriggerReason MVDTrigger   `json:"trigger_reason,omitempty"`
	Triggers      []MVDTrigger `json:"triggers,omitempty"`
	ActivatedAt   *time.Time   `json:"activated_at,omitempty"`
	ExitCondition string       `json:"exit_condition,omitempty"`
	LastCheckedAt time.Time    `json:"last_checked_at"`
	Source        MVDSource    `json:"source"`
}

// ActiveType returns the MVD type if active, otherwise MVDTypeNone.
func (s *MVDState) ActiveType() MVDType {
	if s == nil || !s.Active {
		return MVDTypeNone
	}
	return s.Type
}
