// Package mvd decides when a user's day drops into Minimum Viable Day mode
// and which protocols stay eligible while it is active.
package mvd

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/CoachPipe/internal/models"
)

// Activation and exit thresholds.
const (
	LowRecoveryThreshold     = 35.0
	ExitRecoveryThreshold    = 55.0
	ConsistencyThreshold     = 0.40
	ConsistencyMinDays       = 3
	TimezoneShiftHours       = 3.0
	HeavyCalendarHours       = 6.0
	exitConditionRecovery    = "recovery score >= 55"
	exitConditionTravel      = "timezone shift < 3h"
	exitConditionCalendar    = "meeting load < 6h"
	exitConditionConsistency = "completion rate >= 0.40"
	exitConditionManual      = "manual deactivation or next automatic check"
)

// Context is the input to one automatic evaluation.
type Context struct {
	UserID string    `json:"user_id"`
	Now    time.Time `json:"now"`
	// RecoveryScore is nil when no score is available today.
	RecoveryScore *float64 `json:"recovery_score,omitempty"`
	// CompletionRates are daily protocol completion rates, oldest first.
	CompletionRates    []float64        `json:"completion_rates,omitempty"`
	TimezoneShiftHours float64          `json:"timezone_shift_hours"`
	MeetingHours       float64          `json:"meeting_hours"`
	Current            *models.MVDState `json:"current,omitempty"`
}

// triggerPriority is the stable order used to pick the reason among
// triggers that map to the same type.
var triggerPriority = []models.MVDTrigger{
	models.TriggerLowRecovery,
	models.TriggerTimezoneShift,
	models.TriggerHeavyCalendar,
	models.TriggerConsistencyDrop,
}

// TypeFor maps a trigger to its MVD type.
func TypeFor(t models.MVDTrigger) models.MVDType {
	switch t {
	case models.TriggerLowRecovery:
		return models.MVDTypeFull
	case models.TriggerTimezoneShift:
		return models.MVDTypeTravel
	case models.TriggerHeavyCalendar, models.TriggerConsistencyDrop:
		return models.MVDTypeSemiActive
	default:
		return models.MVDTypeNone
	}
}

// Restrictiveness orders types; a higher value wins when several fire.
func Restrictiveness(t models.MVDType) int {
	switch t {
	case models.MVDTypeFull:
		return 3
	case models.MVDTypeTravel:
		return 2
	case models.MVDTypeSemiActive:
		return 1
	default:
		return 0
	}
}

// Evaluate runs the automatic detection. It always returns an automatic
// state, so a manual override lasts only until the next call.
func Evaluate(c Context) models.MVDState {
	fired := firedTriggers(c)

	// Hysteresis: an automatic low-recovery MVD holds until recovery clears
	// the exit threshold, even when the score is back above activation.
	if held(c) && !contains(fired, models.TriggerLowRecovery) {
		fired = append([]models.MVDTrigger{models.TriggerLowRecovery}, fired...)
	}

	state := models.MVDState{
		UserID:        c.UserID,
		LastCheckedAt: c.Now,
		Source:        models.MVDSourceAuto,
	}
	if len(fired) == 0 {
		if c.Current.ActiveType() != models.MVDTypeNone {
			slog.Info("mvd.Evaluate: deactivated", "userID", c.UserID, "previousType", c.Current.Type)
		}
		return state
	}

	reason := resolve(fired)
	state.Active = true
	state.Type = TypeFor(reason)
	state.TriggerReason = reason
	state.Triggers = fired
	state.ExitCondition = exitCondition(reason)

	activated := c.Now
	if c.Current != nil && c.Current.Active && c.Current.ActivatedAt != nil {
		activated = *c.Current.ActivatedAt
	}
	state.ActivatedAt = &activated

	if c.Current.ActiveType() != state.Type {
		slog.Info("mvd.Evaluate: activated", "userID", c.UserID, "type", state.Type, "reason", reason)
	}
	slog.Debug("mvd.Evaluate", "userID", c.UserID, "type", state.Type, "triggers", fired)
	return state
}

// firedTriggers returns the triggers that fire on their own, in priority order.
func firedTriggers(c Context) []models.MVDTrigger {
	var fired []models.MVDTrigger
	if c.RecoveryScore != nil && *c.RecoveryScore < LowRecoveryThreshold {
		fired = append(fired, models.TriggerLowRecovery)
	}
	if c.TimezoneShiftHours >= TimezoneShiftHours || c.TimezoneShiftHours <= -TimezoneShiftHours {
		fired = append(fired, models.TriggerTimezoneShift)
	}
	if c.MeetingHours >= HeavyCalendarHours {
		fired = append(fired, models.TriggerHeavyCalendar)
	}
	if consistencyDropped(c.CompletionRates) {
		fired = append(fired, models.TriggerConsistencyDrop)
	}
	return fired
}

func held(c Context) bool {
	cur := c.Current
	if cur == nil || !cur.Active || cur.Source != models.MVDSourceAuto || cur.TriggerReason != models.TriggerLowRecovery {
		return false
	}
	// Without a score there is nothing to exit on.
	return c.RecoveryScore == nil || *c.RecoveryScore < ExitRecoveryThreshold
}

func consistencyDropped(rates []float64) bool {
	if len(rates) < ConsistencyMinDays {
		return false
	}
	for _, r := range rates[len(rates)-ConsistencyMinDays:] {
		if r >= ConsistencyThreshold {
			return false
		}
	}
	return true
}

// resolve picks the most restrictive type, then the highest-priority trigger for it.
func resolve(fired []models.MVDTrigger) models.MVDTrigger {
	best := models.MVDTrigger("")
	for _, t := range triggerPriority {
		if !contains(fired, t) {
			continue
		}
		if best == "" || Restrictiveness(TypeFor(t)) > Restrictiveness(TypeFor(best)) {
			best = t
		}
	}
	return best
}

func exitCondition(reason models.MVDTrigger) string {
	switch reason {
	case models.TriggerLowRecovery:
		return exitConditionRecovery
	case models.TriggerTimezoneShift:
		return exitConditionTravel
	case models.TriggerHeavyCalendar:
		return exitConditionCalendar
	case models.TriggerConsistencyDrop:
		return exitConditionConsistency
	default:
		return exitConditionManual
	}
}

func contains(ts []models.MVDTrigger, t models.MVDTrigger) bool {
	for _, x := range ts {
		if x == t {
			return true
		}
	}
	return false
}

// ForceActivate puts the user into MVD of the given type on their own request.
func ForceActivate(userID string, t models.MVDType, now time.Time) (models.MVDState, error) {
	if userID == "" {
		return models.MVDState{}, fmt.Errorf("mvd: %w", models.ErrEmptyUserID)
	}
	if t == models.MVDTypeNone {
		return models.MVDState{}, fmt.Errorf("mvd: cannot activate type none: %w", models.ErrInvalidMVDType)
	}
	slog.Info("mvd.ForceActivate", "userID", userID, "type", t)
	return models.MVDState{
		UserID:        userID,
		Active:        true,
		Type:          t,
		TriggerReason: models.TriggerManual,
		Triggers:      []models.MVDTrigger{models.TriggerManual},
		ActivatedAt:   &now,
		ExitCondition: exitConditionManual,
		LastCheckedAt: now,
		Source:        models.MVDSourceManual,
	}, nil
}

// ForceDeactivate turns MVD off on the user's request.
func ForceDeactivate(userID string, now time.Time) (models.MVDState, error) {
	if userID == "" {
		return models.MVDState{}, fmt.Errorf("mvd: %w", models.ErrEmptyUserID)
	}
	slog.Info("mvd.ForceDeactivate", "userID", userID)
	return models.MVDState{
		UserID:        userID,
		LastCheckedAt: now,
		Source:        models.MVDSourceManual,
	}, nil
}
