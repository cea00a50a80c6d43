package flow

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/BTreeMap/CoachPipe/internal/confidence"
	"github.com/BTreeMap/CoachPipe/internal/models"
	"github.com/BTreeMap/CoachPipe/internal/pipeline"
)

// Snapshot assembles everything one evaluation reads from storage.
func (c *Coach) Snapshot(ctx context.Context, userID string, cal Calendar) (pipeline.Snapshot, error) {
	p, err := c.Profile(ctx, userID)
	if err != nil {
		return pipeline.Snapshot{}, err
	}
	now, err := c.localNow(p)
	if err != nil {
		return pipeline.Snapshot{}, err
	}
	date := now.Format(models.DateLayout)
	set, b, err := c.loadDay(ctx, userID, date)
	if err != nil {
		return pipeline.Snapshot{}, err
	}
	if cal.empty() {
		if cal, err = c.storedCalendar(ctx, userID, date, now); err != nil {
			return pipeline.Snapshot{}, err
		}
	}
	cur, err := c.store.GetMVDState(ctx, userID)
	if err != nil {
		return pipeline.Snapshot{}, fmt.Errorf("load mvd state: %w", err)
	}

	since := now.Add(-c.lookback)
	decisions, err := c.store.ListDecisions(ctx, userID, since, 0)
	if err != nil {
		return pipeline.Snapshot{}, fmt.Errorf("load decisions: %w", err)
	}
	feedback, err := c.store.ListFeedback(ctx, userID, since)
	if err != nil {
		return pipeline.Snapshot{}, fmt.Errorf("load feedback: %w", err)
	}
	h := summarize(now, decisions, feedback)

	return pipeline.Snapshot{
		UserID:             userID,
		Now:                now,
		Signals:            set,
		Baseline:           b,
		CompletionRates:    h.completionRates,
		TimezoneShiftHours: p.TimezoneShiftHours,
		MeetingHours:       cal.MeetingHours,
		CurrentMVD:         cur,
		User: confidence.UserContext{
			Goals:         p.Goals,
			History:       h.byProtocol,
			Now:           now,
			MeetingHours:  cal.MeetingHours,
			NextMeetingAt: cal.NextMeetingAt,
		},
		Suppression: models.SuppressionContext{
			Now:                   now,
			NudgesSentToday:       h.sentToday,
			LastNudgeAt:           h.lastNudgeAt,
			ConsecutiveDismissals: h.dismissals,
			QuietHours:            p.QuietHours,
			StreakDays:            h.streak,
			MeetingLoadHours:      cal.MeetingHours,
		},
	}, nil
}

// storedCalendar returns the saved meeting load for a local date, dropping a
// next meeting that has already started.
func (c *Coach) storedCalendar(ctx context.Context, userID, date string, now time.Time) (Calendar, error) {
	day, err := c.store.GetCalendar(ctx, userID, date)
	if err != nil {
		return Calendar{}, fmt.Errorf("load calendar: %w", err)
	}
	if day == nil {
		return Calendar{}, nil
	}
	cal := Calendar{MeetingHours: day.MeetingHours}
	if day.NextMeetingAt != nil && !day.NextMeetingAt.Before(now) {
		next := day.NextMeetingAt.In(now.Location())
		cal.NextMeetingAt = &next
	}
	return cal, nil
}

// history is what a snapshot derives from past decisions and feedback.
type history struct {
	sentToday       int
	lastNudgeAt     *time.Time
	dismissals      map[string]int
	byProtocol      map[string]confidence.History
	completionRates []float64
	streak          int
}

func isNudgeDelivery(d models.Decision) bool {
	return d.Stage == models.StageDelivery && d.Outcome == models.OutcomeDelivered
}

// summarize folds decisions (any order) and feedback (oldest first) into
// the suppression and confidence history. Days are the user's local days.
func summarize(now time.Time, decisions []models.Decision, feedback []models.NudgeFeedback) history {
	loc := now.Location()
	today := now.Format(models.DateLayout)
	h := history{
		dismissals: make(map[string]int),
		byProtocol: make(map[string]confidence.History),
	}

	sentByDay := make(map[string]int)
	for _, d := range decisions {
		if !isNudgeDelivery(d) {
			continue
		}
		at := d.CreatedAt.In(loc)
		day := at.Format(models.DateLayout)
		sentByDay[day]++
		if day == today {
			h.sentToday++
		}
		if h.lastNudgeAt == nil || at.After(*h.lastNudgeAt) {
			h.lastNudgeAt = &at
		}
		if d.ProtocolID != "" {
			ph := h.byProtocol[d.ProtocolID]
			ph.Shown++
			h.byProtocol[d.ProtocolID] = ph
		}
	}

	doneByDay := make(map[string]int)
	for _, f := range feedback {
		kind := f.Kind
		if kind == "" {
			kind = f.ProtocolID
		}
		ph := h.byProtocol[f.ProtocolID]
		switch f.Action {
		case models.FeedbackCompleted:
			h.dismissals[kind] = 0
			ph.Completed++
			doneByDay[f.CreatedAt.In(loc).Format(models.DateLayout)]++
		case models.FeedbackDismissed:
			h.dismissals[kind]++
			ph.Dismissed++
		}
		h.byProtocol[f.ProtocolID] = ph
	}

	days := make([]string, 0, len(sentByDay))
	for day := range sentByDay {
		days = append(days, day)
	}
	sort.Strings(days)
	for _, day := range days {
		rate := float64(doneByDay[day]) / float64(sentByDay[day])
		if rate > 1 {
			rate = 1
		}
		h.completionRates = append(h.completionRates, rate)
	}
	h.streak = streakDays(now, doneByDay)
	return h
}

// streakDays counts consecutive local days with a completion, ending today
// or, when today has none yet, yesterday.
func streakDays(now time.Time, doneByDay map[string]int) int {
	day := now
	if doneByDay[day.Format(models.DateLayout)] == 0 {
		day = day.AddDate(0, 0, -1)
	}
	n := 0
	for doneByDay[day.Format(models.DateLayout)] > 0 {
		n++
		day = day.AddDate(0, 0, -1)
	}
	return n
}
