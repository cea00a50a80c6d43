package models

import "time"

// WakeMethod is the closed set of wake-detection methods.
type WakeMethod string

const (
	WakeMethodHRVSpike    WakeMethod = "hrv_spike"
	WakeMethodMovement    WakeMethod = "movement"
	WakeMethodPhoneUnlock WakeMethod = "phone_unlock"
	WakeMethodManual      WakeMethod = "manual"
)

// IsValid checks if the method is one of the known wake methods.
func (m WakeMethod) IsValid() bool {
	switch m {
	case WakeMethodHRVSpike, WakeMethodMovement, WakeMethodPhoneUnlock, WakeMethodManual:
		return true
	default:
		return false
	}
}

// WakeSkipReason is a terminal, non-error reason a wake did not trigger.
type WakeSkipReason string

const (
	WakeSkipNone              WakeSkipReason = ""
	WakeSkipFeatureDisabled   WakeSkipReason = "feature_disabled"
	WakeSkipAlreadyTriggered  WakeSkipReason = "already_triggered"
	WakeSkipDoNotDisturb      WakeSkipReason = "do_not_disturb"
	WakeSkipTravelDetected    WakeSkipReason = "travel_detected"
	WakeSkipWeekendSleepIn    WakeSkipReason = "weekend_sleep_in"
	WakeSkipNoActiveProtocols WakeSkipReason = "no_active_protocols"
	WakeSkipNoSignal          WakeSkipReason = "no_signal"
	WakeSkipOutsideWindow     WakeSkipReason = "outside_unlock_window"
)

// WakeEvent is the canonical wake event for one user and date.
type WakeEvent struct {
	UserID     string         `json:"user_id"`
	Date       string         `json:"date"`
	WakeTime   time.Time      `json:"wake_time"`
	Method     WakeMethod     `json:"method"`
	Confidence float64        `json:"confidence"`
	Triggered  bool           `json:"triggered"`
	SkipReason WakeSkipReason `json:"skip_reason,omitempty"`
	UpdatedAt  time.Time      `json:"updated_at"`
}
