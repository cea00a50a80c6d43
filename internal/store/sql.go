package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/BTreeMap/CoachPipe/internal/models"
)

// sqlStore implements Store over any sqlx database. Queries are written with
// '?' placeholders and rebound for the driver.
type sqlStore struct {
	db   *sqlx.DB
	name string // for log lines
}

type wakeRow struct {
	UserID     string    `db:"user_id"`
	Date       string    `db:"date"`
	WakeTime   time.Time `db:"wake_time"`
	Method     string    `db:"method"`
	Confidence float64   `db:"confidence"`
	Triggered  bool      `db:"triggered"`
	SkipReason string    `db:"skip_reason"`
	UpdatedAt  time.Time `db:"updated_at"`
}

func (r wakeRow) event() models.WakeEvent {
	return models.WakeEvent{
		UserID:     r.UserID,
		Date:       r.Date,
		WakeTime:   r.WakeTime,
		Method:     models.WakeMethod(r.Method),
		Confidence: r.Confidence,
		Triggered:  r.Triggered,
		SkipReason: models.WakeSkipReason(r.SkipReason),
		UpdatedAt:  r.UpdatedAt,
	}
}

type calendarRow struct {
	UserID        string     `db:"user_id"`
	Date          string     `db:"date"`
	MeetingHours  float64    `db:"meeting_hours"`
	NextMeetingAt *time.Time `db:"next_meeting_at"`
	UpdatedAt     time.Time  `db:"updated_at"`
}

type mvdRow struct {
	UserID        string     `db:"user_id"`
	Active        bool       `db:"active"`
	Type          string     `db:"type"`
	TriggerReason string     `db:"trigger_reason"`
	Triggers      string     `db:"triggers"`
	ActivatedAt   *time.Time `db:"activated_at"`
	ExitCondition string     `db:"exit_condition"`
	LastCheckedAt time.Time  `db:"last_checked_at"`
	Source        string     `db:"source"`
}

type decisionRow struct {
	ID         string    `db:"id"`
	UserID     string    `db:"user_id"`
	Stage      string    `db:"stage"`
	Outcome    string    `db:"outcome"`
	RuleID     string    `db:"rule_id"`
	Reason     string    `db:"reason"`
	ProtocolID string    `db:"protocol_id"`
	Confidence float64   `db:"confidence"`
	Zone       string    `db:"zone"`
	MVDType    string    `db:"mvd_type"`
	Message    string    `db:"message"`
	CreatedAt  time.Time `db:"created_at"`
}

type feedbackRow struct {
	UserID     string    `db:"user_id"`
	ProtocolID string    `db:"protocol_id"`
	Kind       string    `db:"kind"`
	Action     string    `db:"action"`
	CreatedAt  time.Time `db:"created_at"`
}

func (s *sqlStore) exec(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.db.Rebind(query), args...)
}

func (s *sqlStore) SaveSignals(ctx context.Context, set models.DailySignalSet) error {
	if set.UserID == "" {
		return models.ErrEmptyUserID
	}
	payload, err := json.Marshal(set)
	if err != nil {
		return fmt.Errorf("marshal signals: %w", err)
	}
	updated := set.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}
	_, err = s.exec(ctx,
		`INSERT INTO signals (user_id, date, source, payload, updated_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (user_id, date) DO UPDATE SET source = excluded.source, payload = excluded.payload, updated_at = excluded.updated_at`,
		set.UserID, set.Date, string(set.Source), string(payload), updated.UTC())
	if err != nil {
		slog.Error(s.name+".SaveSignals failed", "error", err, "userID", set.UserID, "date", set.Date)
		return fmt.Errorf("save signals for %s: %w", set.UserID, err)
	}
	slog.Debug(s.name+".SaveSignals succeeded", "userID", set.UserID, "date", set.Date)
	return nil
}

func (s *sqlStore) GetSignals(ctx context.Context, userID, date string) (*models.DailySignalSet, error) {
	var payload string
	err := s.db.GetContext(ctx, &payload, s.db.Rebind(`SELECT payload FROM signals WHERE user_id = ? AND date = ?`), userID, date)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get signals for %s: %w", userID, err)
	}
	var set models.DailySignalSet
	if err := json.Unmarshal([]byte(payload), &set); err != nil {
		return nil, fmt.Errorf("decode signals for %s: %w", userID, err)
	}
	return &set, nil
}

func (s *sqlStore) SaveBaseline(ctx context.Context, b models.UserBaseline) error {
	if b.UserID == "" {
		return models.ErrEmptyUserID
	}
	metrics, err := json.Marshal(b.Metrics)
	if err != nil {
		return fmt.Errorf("marshal baseline: %w", err)
	}
	_, err = s.exec(ctx,
		`INSERT INTO baselines (user_id, metrics, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT (user_id) DO UPDATE SET metrics = excluded.metrics, updated_at = excluded.updated_at`,
		b.UserID, string(metrics), time.Now().UTC())
	if err != nil {
		slog.Error(s.name+".SaveBaseline failed", "error", err, "userID", b.UserID)
		return fmt.Errorf("save baseline for %s: %w", b.UserID, err)
	}
	return nil
}

func (s *sqlStore) GetBaseline(ctx context.Context, userID string) (*models.UserBaseline, error) {
	var metrics string
	err := s.db.GetContext(ctx, &metrics, s.db.Rebind(`SELECT metrics FROM baselines WHERE user_id = ?`), userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get baseline for %s: %w", userID, err)
	}
	b := models.UserBaseline{UserID: userID}
	if err := json.Unmarshal([]byte(metrics), &b.Metrics); err != nil {
		return nil, fmt.Errorf("decode baseline for %s: %w", userID, err)
	}
	return &b, nil
}

func (s *sqlStore) SaveProfile(ctx context.Context, p models.UserProfile) error {
	if p.UserID == "" {
		return models.ErrEmptyUserID
	}
	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = now
	}
	payload, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal profile: %w", err)
	}
	_, err = s.exec(ctx,
		`INSERT INTO profiles (user_id, payload, created_at, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (user_id) DO UPDATE SET payload = excluded.payload, updated_at = excluded.updated_at`,
		p.UserID, string(payload), p.CreatedAt.UTC(), p.UpdatedAt.UTC())
	if err != nil {
		slog.Error(s.name+".SaveProfile failed", "error", err, "userID", p.UserID)
		return fmt.Errorf("save profile for %s: %w", p.UserID, err)
	}
	return nil
}

func (s *sqlStore) GetProfile(ctx context.Context, userID string) (*models.UserProfile, error) {
	var row struct {
		Payload   string    `db:"payload"`
		CreatedAt time.Time `db:"created_at"`
	}
	err := s.db.GetContext(ctx, &row, s.db.Rebind(`SELECT payload, created_at FROM profiles WHERE user_id = ?`), userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get profile for %s: %w", userID, err)
	}
	var p models.UserProfile
	if err := json.Unmarshal([]byte(row.Payload), &p); err != nil {
		return nil, fmt.Errorf("decode profile for %s: %w", userID, err)
	}
	// the first write wins for created_at
	p.CreatedAt = row.CreatedAt
	return &p, nil
}

func (s *sqlStore) ListUserIDs(ctx context.Context) ([]string, error) {
	var ids []string
	err := s.db.SelectContext(ctx, &ids,
		`SELECT user_id FROM profiles UNION SELECT user_id FROM baselines ORDER BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	return ids, nil
}

func (s *sqlStore) UpsertWakeEvent(ctx context.Context, e models.WakeEvent) (models.WakeEvent, error) {
	if e.UserID == "" {
		return models.WakeEvent{}, models.ErrEmptyUserID
	}
	updated := e.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}
	_, err := s.exec(ctx,
		`INSERT INTO wake_events (user_id, date, wake_time, method, confidence, triggered, skip_reason, updated_at)
		 VALUES (?, ?, ?, ?, ?, FALSE, ?, ?)
		 ON CONFLICT (user_id, date) DO UPDATE SET
		   wake_time = excluded.wake_time,
		   method = excluded.method,
		   confidence = excluded.confidence,
		   skip_reason = excluded.skip_reason,
		   updated_at = excluded.updated_at
		 WHERE wake_events.triggered = FALSE AND excluded.confidence > wake_events.confidence`,
		e.UserID, e.Date, e.WakeTime.UTC(), string(e.Method), e.Confidence, string(e.SkipReason), updated.UTC())
	if err != nil {
		slog.Error(s.name+".UpsertWakeEvent failed", "error", err, "userID", e.UserID, "date", e.Date)
		return models.WakeEvent{}, fmt.Errorf("upsert wake event for %s: %w", e.UserID, err)
	}
	stored, err := s.GetWakeEvent(ctx, e.UserID, e.Date)
	if err != nil {
		return models.WakeEvent{}, err
	}
	if stored == nil {
		return models.WakeEvent{}, fmt.Errorf("upsert wake event for %s: %w", e.UserID, models.ErrNotFound)
	}
	return *stored, nil
}

func (s *sqlStore) GetWakeEvent(ctx context.Context, userID, date string) (*models.WakeEvent, error) {
	var row wakeRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(
		`SELECT user_id, date, wake_time, method, confidence, triggered, skip_reason, updated_at
		 FROM wake_events WHERE user_id = ? AND date = ?`), userID, date)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get wake event for %s: %w", userID, err)
	}
	e := row.event()
	return &e, nil
}

func (s *sqlStore) MarkWakeTriggered(ctx context.Context, userID, date string) (bool, error) {
	res, err := s.exec(ctx,
		`UPDATE wake_events SET triggered = TRUE, updated_at = ? WHERE user_id = ? AND date = ? AND triggered = FALSE`,
		time.Now().UTC(), userID, date)
	if err != nil {
		return false, fmt.Errorf("mark wake triggered for %s: %w", userID, err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (s *sqlStore) SetWakeSkipReason(ctx context.Context, userID, date string, reason models.WakeSkipReason) error {
	_, err := s.exec(ctx,
		`UPDATE wake_events SET skip_reason = ?, updated_at = ? WHERE user_id = ? AND date = ? AND triggered = FALSE`,
		string(reason), time.Now().UTC(), userID, date)
	if err != nil {
		return fmt.Errorf("set wake skip reason for %s: %w", userID, err)
	}
	return nil
}

func (s *sqlStore) SaveCalendar(ctx context.Context, c models.CalendarDay) error {
	if c.UserID == "" {
		return models.ErrEmptyUserID
	}
	updated := c.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}
	var next *time.Time
	if c.NextMeetingAt != nil {
		t := c.NextMeetingAt.UTC()
		next = &t
	}
	_, err := s.exec(ctx,
		`INSERT INTO calendar_days (user_id, date, meeting_hours, next_meeting_at, updated_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (user_id, date) DO UPDATE SET
		   meeting_hours = excluded.meeting_hours,
		   next_meeting_at = excluded.next_meeting_at,
		   updated_at = excluded.updated_at`,
		c.UserID, c.Date, c.MeetingHours, next, updated.UTC())
	if err != nil {
		slog.Error(s.name+".SaveCalendar failed", "error", err, "userID", c.UserID, "date", c.Date)
		return fmt.Errorf("save calendar for %s: %w", c.UserID, err)
	}
	slog.Debug(s.name+".SaveCalendar succeeded", "userID", c.UserID, "date", c.Date, "meetingHours", c.MeetingHours)
	return nil
}

func (s *sqlStore) GetCalendar(ctx context.Context, userID, date string) (*models.CalendarDay, error) {
	var row calendarRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(
		`SELECT user_id, date, meeting_hours, next_meeting_at, updated_at
		 FROM calendar_days WHERE user_id = ? AND date = ?`), userID, date)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get calendar for %s: %w", userID, err)
	}
	return &models.CalendarDay{
		UserID:        row.UserID,
		Date:          row.Date,
		MeetingHours:  row.MeetingHours,
		NextMeetingAt: row.NextMeetingAt,
		UpdatedAt:     row.UpdatedAt,
	}, nil
}

func (s *sqlStore) SaveMVDState(ctx context.Context, st models.MVDState) error {
	if st.UserID == "" {
		return models.ErrEmptyUserID
	}
	triggers, err := json.Marshal(st.Triggers)
	if err != nil {
		return fmt.Errorf("marshal mvd triggers: %w", err)
	}
	var activated interface{}
	if st.ActivatedAt != nil {
		activated = st.ActivatedAt.UTC()
	}
	_, err = s.exec(ctx,
		`INSERT INTO mvd_states (user_id, active, type, trigger_reason, triggers, activated_at, exit_condition, last_checked_at, source)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (user_id) DO UPDATE SET
		   active = excluded.active,
		   type = excluded.type,
		   trigger_reason = excluded.trigger_reason,
		   triggers = excluded.triggers,
		   activated_at = excluded.activated_at,
		   exit_condition = excluded.exit_condition,
		   last_checked_at = excluded.last_checked_at,
		   source = excluded.source`,
		st.UserID, st.Active, string(st.Type), string(st.TriggerReason), string(triggers), activated,
		st.ExitCondition, st.LastCheckedAt.UTC(), string(st.Source))
	if err != nil {
		slog.Error(s.name+".SaveMVDState failed", "error", err, "userID", st.UserID)
		return fmt.Errorf("save mvd state for %s: %w", st.UserID, err)
	}
	return nil
}

func (s *sqlStore) GetMVDState(ctx context.Context, userID string) (*models.MVDState, error) {
	var row mvdRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(
		`SELECT user_id, active, type, trigger_reason, triggers, activated_at, exit_condition, last_checked_at, source
		 FROM mvd_states WHERE user_id = ?`), userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get mvd state for %s: %w", userID, err)
	}
	st := models.MVDState{
		UserID:        row.UserID,
		Active:        row.Active,
		Type:          models.MVDType(row.Type),
		TriggerReason: models.MVDTrigger(row.TriggerReason),
		ActivatedAt:   row.ActivatedAt,
		ExitCondition: row.ExitCondition,
		LastCheckedAt: row.LastCheckedAt,
		Source:        models.MVDSource(row.Source),
	}
	if err := json.Unmarshal([]byte(row.Triggers), &st.Triggers); err != nil {
		return nil, fmt.Errorf("decode mvd triggers for %s: %w", userID, err)
	}
	return &st, nil
}

func (s *sqlStore) RecordDecision(ctx context.Context, d models.Decision) error {
	_, err := s.exec(ctx,
		`INSERT INTO decisions (id, user_id, stage, outcome, rule_id, reason, protocol_id, confidence, zone, mvd_type, message, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.UserID, string(d.Stage), string(d.Outcome), string(d.RuleID), d.Reason, d.ProtocolID,
		d.Confidence, string(d.Zone), string(d.MVDType), d.Message, d.CreatedAt.UTC())
	if err != nil {
		slog.Error(s.name+".RecordDecision failed", "error", err, "userID", d.UserID, "id", d.ID)
		return fmt.Errorf("record decision %s: %w", d.ID, err)
	}
	return nil
}

func (s *sqlStore) ListDecisions(ctx context.Context, userID string, since time.Time, limit int) ([]models.Decision, error) {
	query := `SELECT id, user_id, stage, outcome, rule_id, reason, protocol_id, confidence, zone, mvd_type, message, created_at
		 FROM decisions WHERE user_id = ? AND created_at >= ? ORDER BY created_at DESC, id DESC`
	args := []interface{}{userID, since.UTC()}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	var rows []decisionRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("list decisions for %s: %w", userID, err)
	}
	out := make([]models.Decision, 0, len(rows))
	for _, r := range rows {
		out = append(out, models.Decision{
			ID:         r.ID,
			UserID:     r.UserID,
			Stage:      models.DecisionStage(r.Stage),
			Outcome:    models.DecisionOutcome(r.Outcome),
			RuleID:     models.RuleID(r.RuleID),
			Reason:     r.Reason,
			ProtocolID: r.ProtocolID,
			Confidence: r.Confidence,
			Zone:       models.Zone(r.Zone),
			MVDType:    models.MVDType(r.MVDType),
			Message:    r.Message,
			CreatedAt:  r.CreatedAt,
		})
	}
	return out, nil
}

func (s *sqlStore) RecordFeedback(ctx context.Context, f models.NudgeFeedback) error {
	_, err := s.exec(ctx,
		`INSERT INTO nudge_feedback (user_id, protocol_id, kind, action, created_at) VALUES (?, ?, ?, ?, ?)`,
		f.UserID, f.ProtocolID, f.Kind, string(f.Action), f.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("record feedback for %s: %w", f.UserID, err)
	}
	return nil
}

func (s *sqlStore) ListFeedback(ctx context.Context, userID string, since time.Time) ([]models.NudgeFeedback, error) {
	var rows []feedbackRow
	err := s.db.SelectContext(ctx, &rows, s.db.Rebind(
		`SELECT user_id, protocol_id, kind, action, created_at FROM nudge_feedback
		 WHERE user_id = ? AND created_at >= ? ORDER BY created_at ASC, id ASC`), userID, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("list feedback for %s: %w", userID, err)
	}
	out := make([]models.NudgeFeedback, 0, len(rows))
	for _, r := range rows {
		out = append(out, models.NudgeFeedback{
			UserID:     r.UserID,
			ProtocolID: r.ProtocolID,
			Kind:       r.Kind,
			Action:     models.FeedbackAction(r.Action),
			CreatedAt:  r.CreatedAt,
		})
	}
	return out, nil
}

func (s *sqlStore) AddReceipt(ctx context.Context, r models.Receipt) error {
	_, err := s.exec(ctx, `INSERT INTO receipts (recipient, status, time) VALUES (?, ?, ?)`, r.To, string(r.Status), r.Time)
	if err != nil {
		slog.Error(s.name+".AddReceipt failed", "error", err, "to", r.To)
		return fmt.Errorf("failed to insert receipt for %s: %w", r.To, err)
	}
	return nil
}

func (s *sqlStore) GetReceipts(ctx context.Context) ([]models.Receipt, error) {
	var rows []struct {
		To     string `db:"recipient"`
		Status string `db:"status"`
		Time   int64  `db:"time"`
	}
	if err := s.db.SelectContext(ctx, &rows, `SELECT recipient, status, time FROM receipts ORDER BY id`); err != nil {
		return nil, fmt.Errorf("failed to query receipts: %w", err)
	}
	out := make([]models.Receipt, 0, len(rows))
	for _, r := range rows {
		out = append(out, models.Receipt{To: r.To, Status: models.MessageStatus(r.Status), Time: r.Time})
	}
	return out, nil
}

// Close closes the database connection.
func (s *sqlStore) Close() error {
	slog.Debug("Closing " + s.name + " database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close "+s.name+" database", "error", err)
	}
	return err
}
