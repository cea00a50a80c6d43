// Package wake fuses wake signals into one canonical wake event per user and
// date, and derives the Morning Anchor delivery window from it.
package wake

import (
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/BTreeMap/CoachPipe/internal/models"
)

// Method priors, ordered by accuracy.
const (
	PriorHRVSpike    = 0.95
	PriorMovement    = 0.85
	PriorManual      = 0.70
	PriorPhoneUnlock = 0.60
)

const (
	// ConfirmedUnlockBoost is added when the user confirms an unlock wake in the app.
	ConfirmedUnlockBoost = 0.25
	// CorroborationBoost is added per other method seen within CorroborationWindow.
	CorroborationBoost  = 0.05
	CorroborationWindow = 30 * time.Minute
	// OffHoursUnlockFactor discounts an unconfirmed unlock outside typical workday wake hours.
	OffHoursUnlockFactor = 0.85
	MaxConfidence        = 1.0
)

// Delivery window offsets from wake time.
const (
	WindowStartOffset   = 15 * time.Minute
	WindowOptimalOffset = 30 * time.Minute
	WindowEndOffset     = 90 * time.Minute
)

// Local minute-of-day windows for unconfirmed phone unlocks.
var (
	// UnlockAcceptWindow bounds when an unconfirmed unlock counts at all.
	UnlockAcceptWindow = models.MinuteWindow{StartMinute: 5 * 60, EndMinute: 11 * 60}
	// WorkdayWakeWindow is the undiscounted range on workdays.
	WorkdayWakeWindow = models.MinuteWindow{StartMinute: 6 * 60, EndMinute: 9*60 + 30}
)

// Signal is one observation suggesting the user is awake.
type Signal struct {
	Method    models.WakeMethod `json:"method"`
	At        time.Time         `json:"at"`
	Confirmed bool              `json:"confirmed,omitempty"` // phone unlock confirmed in the app
}

// Input is everything Detect needs; the caller loads it from storage.
type Input struct {
	UserID          string               `json:"user_id"`
	Date            string               `json:"date"`
	Location        *time.Location       `json:"-"`
	Signals         []Signal             `json:"signals"`
	Enabled         bool                 `json:"enabled"`
	DoNotDisturb    *models.MinuteWindow `json:"do_not_disturb,omitempty"`
	TravelDetected  bool                 `json:"travel_detected,omitempty"`
	WeekendSleepIn  bool                 `json:"weekend_sleep_in,omitempty"` // sleep-in pattern seen on recent non-workdays
	Workdays        []time.Weekday       `json:"workdays,omitempty"`        // defaults to Monday-Friday
	ActiveProtocols int                  `json:"active_protocols"`
	Existing        *models.WakeEvent    `json:"existing,omitempty"`
	Now             time.Time            `json:"now"`
}

// Action tells the caller what to do with the stored event.
type Action string

const (
	ActionCreate  Action = "create"
	ActionUpgrade Action = "upgrade"
	ActionKeep    Action = "keep"
	ActionSkip    Action = "skip"
)

// Window is the Morning Anchor delivery window.
type Window struct {
	Start   time.Time `json:"start"`
	Optimal time.Time `json:"optimal"`
	End     time.Time `json:"end"`
}

// Output is the result of one detection.
type Output struct {
	Detected     bool                  `json:"detected"`
	Action       Action                `json:"action"`
	SkipReason   models.WakeSkipReason `json:"skip_reason,omitempty"`
	Method       models.WakeMethod     `json:"method,omitempty"`
	Confidence   float64               `json:"confidence"`
	WithinWindow bool                  `json:"within_window"`
	Event        *models.WakeEvent     `json:"event,omitempty"`
	Window       *Window               `json:"window,omitempty"`
}

// Prior returns the base confidence of a method.
func Prior(m models.WakeMethod) float64 {
	switch m {
	case models.WakeMethodHRVSpike:
		return PriorHRVSpike
	case models.WakeMethodMovement:
		return PriorMovement
	case models.WakeMethodManual:
		return PriorManual
	case models.WakeMethodPhoneUnlock:
		return PriorPhoneUnlock
	default:
		return 0
	}
}

// DeliveryWindow returns the Morning Anchor window for a wake time.
func DeliveryWindow(wakeAt time.Time) Window {
	return Window{
		Start:   wakeAt.Add(WindowStartOffset),
		Optimal: wakeAt.Add(WindowOptimalOffset),
		End:     wakeAt.Add(WindowEndOffset),
	}
}

type scored struct {
	sig        Signal
	confidence float64
	inWindow   bool
}

// Detect fuses the input signals. It is pure: identical input gives
// identical output.
func Detect(in Input) Output {
	if !in.Enabled {
		return skip(in, models.WakeSkipFeatureDisabled)
	}
	if in.Existing != nil && in.Existing.Triggered {
		out := skip(in, models.WakeSkipAlreadyTriggered)
		out.Event = in.Existing
		return out
	}

	signals := localSignals(in)
	if len(signals) == 0 {
		return skip(in, models.WakeSkipNoSignal)
	}

	day := signals[0].At.Weekday()
	if d, err := models.ParseDate(in.Date); err == nil {
		day = d.Weekday()
	}
	workday := isWorkday(day, in.Workdays)
	var candidates []scored
	rejectedUnlock := false
	for _, s := range signals {
		sc, ok := scoreSignal(s, workday)
		if !ok {
			rejectedUnlock = true
			continue
		}
		candidates = append(candidates, sc)
	}
	if len(candidates) == 0 {
		if rejectedUnlock {
			return skip(in, models.WakeSkipOutsideWindow)
		}
		return skip(in, models.WakeSkipNoSignal)
	}

	// Highest confidence first; earlier time, then method name, breaks ties.
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.confidence != b.confidence {
			return a.confidence > b.confidence
		}
		if !a.sig.At.Equal(b.sig.At) {
			return a.sig.At.Before(b.sig.At)
		}
		return a.sig.Method < b.sig.Method
	})
	primary := candidates[0]
	confidence := math.Min(MaxConfidence, primary.confidence+corroboration(primary.sig, signals))
	confidence = math.Round(confidence*100) / 100

	event := &models.WakeEvent{
		UserID:     in.UserID,
		Date:       in.Date,
		WakeTime:   primary.sig.At,
		Method:     primary.sig.Method,
		Confidence: confidence,
		UpdatedAt:  in.Now,
	}
	out := Output{
		Detected:     true,
		Method:       primary.sig.Method,
		Confidence:   confidence,
		WithinWindow: primary.inWindow,
		Event:        event,
	}

	if reason := gate(in, primary.sig.At, workday); reason != models.WakeSkipNone {
		event.SkipReason = reason
		out.Action = ActionSkip
		out.SkipReason = reason
		slog.Debug("wake.Detect: skipped", "userID", in.UserID, "date", in.Date, "reason", reason)
		return out
	}

	switch {
	case in.Existing == nil:
		out.Action = ActionCreate
	case confidence > in.Existing.Confidence:
		out.Action = ActionUpgrade
	default:
		out.Action = ActionKeep
		out.Event = in.Existing
		out.Method = in.Existing.Method
		out.Confidence = in.Existing.Confidence
	}
	w := DeliveryWindow(out.Event.WakeTime)
	out.Window = &w
	slog.Debug("wake.Detect: detected", "userID", in.UserID, "date", in.Date,
		"method", out.Method, "confidence", out.Confidence, "action", out.Action)
	return out
}

func skip(in Input, reason models.WakeSkipReason) Output {
	slog.Debug("wake.Detect: skipped", "userID", in.UserID, "date", in.Date, "reason", reason)
	return Output{Action: ActionSkip, SkipReason: reason}
}

// localSignals returns valid signals in the user's zone, sorted by time.
func localSignals(in Input) []Signal {
	out := make([]Signal, 0, len(in.Signals))
	for _, s := range in.Signals {
		if !s.Method.IsValid() || s.At.IsZero() {
			continue
		}
		if in.Location != nil {
			s.At = s.At.In(in.Location)
		}
		out = append(out, s)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].At.Equal(out[j].At) {
			return out[i].At.Before(out[j].At)
		}
		return out[i].Method < out[j].Method
	})
	return out
}

// scoreSignal applies the method prior and the phone-unlock rules. It
// reports false for an unconfirmed unlock outside the accept window.
func scoreSignal(s Signal, workday bool) (scored, bool) {
	conf := Prior(s.Method)
	if s.Method != models.WakeMethodPhoneUnlock {
		return scored{sig: s, confidence: conf, inWindow: true}, true
	}
	if s.Confirmed {
		return scored{sig: s, confidence: math.Min(MaxConfidence, conf+ConfirmedUnlockBoost), inWindow: true}, true
	}
	minute := models.MinuteOfDay(s.At)
	if !UnlockAcceptWindow.Contains(minute) {
		return scored{}, false
	}
	if !workday || !WorkdayWakeWindow.Contains(minute) {
		conf *= OffHoursUnlockFactor
	}
	return scored{sig: s, confidence: conf, inWindow: true}, true
}

// corroboration counts distinct other methods seen near the primary signal.
func corroboration(primary Signal, signals []Signal) float64 {
	seen := make(map[models.WakeMethod]bool)
	for _, s := range signals {
		if s.Method == primary.Method || seen[s.Method] {
			continue
		}
		d := s.At.Sub(primary.At)
		if d < 0 {
			d = -d
		}
		if d <= CorroborationWindow {
			seen[s.Method] = true
		}
	}
	return float64(len(seen)) * CorroborationBoost
}

// gate applies the post-detection skip reasons in priority order.
func gate(in Input, wakeAt time.Time, workday bool) models.WakeSkipReason {
	switch {
	case in.DoNotDisturb != nil && in.DoNotDisturb.Contains(models.MinuteOfDay(wakeAt)):
		return models.WakeSkipDoNotDisturb
	case in.TravelDetected:
		return models.WakeSkipTravelDetected
	case in.WeekendSleepIn && !workday:
		return models.WakeSkipWeekendSleepIn
	case in.ActiveProtocols <= 0:
		return models.WakeSkipNoActiveProtocols
	}
	return models.WakeSkipNone
}

func isWorkday(d time.Weekday, workdays []time.Weekday) bool {
	if len(workdays) == 0 {
		return d != time.Saturday && d != time.Sunday
	}
	for _, w := range workdays {
		if w == d {
			return true
		}
	}
	return false
}
