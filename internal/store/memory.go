package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/BTreeMap/CoachPipe/internal/models"
)

// InMemoryStore is a mutex-guarded Store used by tests and local runs.
type InMemoryStore struct {
	mu        sync.RWMutex
	signals   map[string]models.DailySignalSet
	baselines map[string]models.UserBaseline
	profiles  map[string]models.UserProfile
	wakes     map[string]models.WakeEvent
	calendars map[string]models.CalendarDay
	mvd       map[string]models.MVDState
	decisions []models.Decision
	feedback  []models.NudgeFeedback
	receipts  []models.Receipt
}

var _ Store = (*InMemoryStore)(nil)

// NewInMemoryStore creates an empty InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		signals:   make(map[string]models.DailySignalSet),
		baselines: make(map[string]models.UserBaseline),
		profiles:  make(map[string]models.UserProfile),
		wakes:     make(map[string]models.WakeEvent),
		calendars: make(map[string]models.CalendarDay),
		mvd:       make(map[string]models.MVDState),
	}
}

func dayKey(userID, date string) string {
	return userID + "|" + date
}

func (s *InMemoryStore) SaveSignals(ctx context.Context, set models.DailySignalSet) error {
	if set.UserID == "" {
		return models.ErrEmptyUserID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.signals[dayKey(set.UserID, set.Date)] = set
	return nil
}

func (s *InMemoryStore) GetSignals(ctx context.Context, userID, date string) (*models.DailySignalSet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	set, ok := s.signals[dayKey(userID, date)]
	if !ok {
		return nil, nil
	}
	return &set, nil
}

func (s *InMemoryStore) SaveBaseline(ctx context.Context, b models.UserBaseline) error {
	if b.UserID == "" {
		return models.ErrEmptyUserID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	metrics := make(map[models.Metric]models.MetricBaseline, len(b.Metrics))
	for k, v := range b.Metrics {
		metrics[k] = v
	}
	b.Metrics = metrics
	s.baselines[b.UserID] = b
	return nil
}

func (s *InMemoryStore) GetBaseline(ctx context.Context, userID string) (*models.UserBaseline, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.baselines[userID]
	if !ok {
		return nil, nil
	}
	metrics := make(map[models.Metric]models.MetricBaseline, len(b.Metrics))
	for k, v := range b.Metrics {
		metrics[k] = v
	}
	b.Metrics = metrics
	return &b, nil
}

func (s *InMemoryStore) SaveProfile(ctx context.Context, p models.UserProfile) error {
	if p.UserID == "" {
		return models.ErrEmptyUserID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.profiles[p.UserID]; ok && p.CreatedAt.IsZero() {
		p.CreatedAt = existing.CreatedAt
	}
	s.profiles[p.UserID] = p
	return nil
}

func (s *InMemoryStore) GetProfile(ctx context.Context, userID string) (*models.UserProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.profiles[userID]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (s *InMemoryStore) ListUserIDs(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[string]bool)
	var ids []string
	for id := range s.profiles {
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	for id := range s.baselines {
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *InMemoryStore) UpsertWakeEvent(ctx context.Context, e models.WakeEvent) (models.WakeEvent, error) {
	if e.UserID == "" {
		return models.WakeEvent{}, models.ErrEmptyUserID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := dayKey(e.UserID, e.Date)
	existing, ok := s.wakes[key]
	if ok && (existing.Triggered || e.Confidence <= existing.Confidence) {
		return existing, nil
	}
	e.Triggered = false
	s.wakes[key] = e
	return e, nil
}

func (s *InMemoryStore) GetWakeEvent(ctx context.Context, userID, date string) (*models.WakeEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.wakes[dayKey(userID, date)]
	if !ok {
		return nil, nil
	}
	return &e, nil
}

func (s *InMemoryStore) MarkWakeTriggered(ctx context.Context, userID, date string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := dayKey(userID, date)
	e, ok := s.wakes[key]
	if !ok || e.Triggered {
		return false, nil
	}
	e.Triggered = true
	e.UpdatedAt = time.Now().UTC()
	s.wakes[key] = e
	return true, nil
}

func (s *InMemoryStore) SetWakeSkipReason(ctx context.Context, userID, date string, reason models.WakeSkipReason) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := dayKey(userID, date)
	e, ok := s.wakes[key]
	if !ok || e.Triggered {
		return nil
	}
	e.SkipReason = reason
	e.UpdatedAt = time.Now().UTC()
	s.wakes[key] = e
	return nil
}

func (s *InMemoryStore) SaveCalendar(ctx context.Context, c models.CalendarDay) error {
	if c.UserID == "" {
		return models.ErrEmptyUserID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calendars[dayKey(c.UserID, c.Date)] = c
	return nil
}

func (s *InMemoryStore) GetCalendar(ctx context.Context, userID, date string) (*models.CalendarDay, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.calendars[dayKey(userID, date)]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (s *InMemoryStore) SaveMVDState(ctx context.Context, st models.MVDState) error {
	if st.UserID == "" {
		return models.ErrEmptyUserID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	st.Triggers = append([]models.MVDTrigger(nil), st.Triggers...)
	s.mvd[st.UserID] = st
	return nil
}

func (s *InMemoryStore) GetMVDState(ctx context.Context, userID string) (*models.MVDState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.mvd[userID]
	if !ok {
		return nil, nil
	}
	st.Triggers = append([]models.MVDTrigger(nil), st.Triggers...)
	return &st, nil
}

func (s *InMemoryStore) RecordDecision(ctx context.Context, d models.Decision) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.decisions = append(s.decisions, d)
	return nil
}

func (s *InMemoryStore) ListDecisions(ctx context.Context, userID string, since time.Time, limit int) ([]models.Decision, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Decision
	for i := len(s.decisions) - 1; i >= 0; i-- {
		d := s.decisions[i]
		if d.UserID != userID || d.CreatedAt.Before(since) {
			continue
		}
		out = append(out, d)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *InMemoryStore) RecordFeedback(ctx context.Context, f models.NudgeFeedback) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.feedback = append(s.feedback, f)
	return nil
}

func (s *InMemoryStore) ListFeedback(ctx context.Context, userID string, since time.Time) ([]models.NudgeFeedback, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.NudgeFeedback
	for _, f := range s.feedback {
		if f.UserID == userID && !f.CreatedAt.Before(since) {
			out = append(out, f)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *InMemoryStore) AddReceipt(ctx context.Context, r models.Receipt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.receipts = append(s.receipts, r)
	return nil
}

func (s *InMemoryStore) GetReceipts(ctx context.Context) ([]models.Receipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.Receipt(nil), s.receipts...), nil
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error {
	return nil
}
