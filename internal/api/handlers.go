package api

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/BTreeMap/CoachPipe/internal/flow"
	"github.com/BTreeMap/CoachPipe/internal/models"
	"github.com/BTreeMap/CoachPipe/internal/safety"
	"github.com/BTreeMap/CoachPipe/internal/signal"
)

// DefaultDecisionLimit caps GET /decisions when no limit is given.
const DefaultDecisionLimit = 50

// SignalsRequest is the body of POST /signals.
type SignalsRequest struct {
	Rows []signal.RawSignalRow `json:"rows"`
}

// UserRequest is the body of the per-user evaluation endpoints.
type UserRequest struct {
	UserID   string        `json:"user_id"`
	Calendar flow.Calendar `json:"calendar"`
}

// OverrideRequest is the body of POST /mvd/override.
type OverrideRequest struct {
	UserID string `json:"user_id"`
	Type   string `json:"type,omitempty"`
	Active bool   `json:"active"`
}

// ScanRequest is the body of POST /safety/scan. Kind "ai" scans generated
// text for the given source; anything else scans user input.
type ScanRequest struct {
	Text   string        `json:"text"`
	Kind   string        `json:"kind,omitempty"`
	Source safety.Source `json:"source,omitempty"`
}

// ChatRequest is the body of POST /chat.
type ChatRequest struct {
	UserID string `json:"user_id"`
	Text   string `json:"text"`
}

func (s *Server) ingestSignalsHandler(w http.ResponseWriter, r *http.Request) {
	var req SignalsRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if len(req.Rows) == 0 {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing required field: rows"))
		return
	}
	sets, err := s.coach.IngestSignals(r.Context(), req.Rows)
	if err != nil {
		writeError(w, err)
		return
	}
	slog.Info("Server.ingestSignalsHandler: stored", "rows", len(req.Rows), "sets", len(sets))
	writeJSONResponse(w, http.StatusCreated, models.RecordedWithResult(sets))
}

func (s *Server) recoveryHandler(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing required parameter: user_id"))
		return
	}
	out, err := s.coach.Recovery(r.Context(), userID, r.URL.Query().Get("date"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(out))
}

func (s *Server) wakeHandler(w http.ResponseWriter, r *http.Request) {
	var req flow.WakeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	res, err := s.coach.DetectWake(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	if res.JobID != "" {
		writeJSONResponse(w, http.StatusCreated, models.ScheduledWithResult("Morning Anchor scheduled", res))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(res))
}

func (s *Server) calendarHandler(w http.ResponseWriter, r *http.Request) {
	var day models.CalendarDay
	if !decodeJSON(w, r, &day) {
		return
	}
	stored, err := s.coach.SaveCalendar(r.Context(), day)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusCreated, models.RecordedWithResult(stored))
}

func (s *Server) evaluateMVDHandler(w http.ResponseWriter, r *http.Request) {
	var req UserRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	st, err := s.coach.EvaluateMVD(r.Context(), req.UserID, req.Calendar)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(st))
}

func (s *Server) overrideMVDHandler(w http.ResponseWriter, r *http.Request) {
	var req OverrideRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	t := models.MVDTypeNone
	if req.Active {
		var err error
		if t, err = models.ParseMVDType(req.Type); err != nil {
			writeError(w, err)
			return
		}
	}
	st, err := s.coach.OverrideMVD(r.Context(), req.UserID, t, req.Active)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(st))
}

func (s *Server) evaluateNudgeHandler(w http.ResponseWriter, r *http.Request) {
	var req UserRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	ev, err := s.coach.EvaluateNudge(r.Context(), req.UserID, req.Calendar)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(ev))
}

func (s *Server) feedbackHandler(w http.ResponseWriter, r *http.Request) {
	var f models.NudgeFeedback
	if !decodeJSON(w, r, &f) {
		return
	}
	if err := s.coach.RecordFeedback(r.Context(), f); err != nil {
		writeError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusCreated, models.RecordedWithResult(f))
}

func (s *Server) getProfileHandler(w http.ResponseWriter, r *http.Request) {
	p, err := s.coach.Profile(r.Context(), r.URL.Query().Get("user_id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(p))
}

func (s *Server) saveProfileHandler(w http.ResponseWriter, r *http.Request) {
	var p models.UserProfile
	if !decodeJSON(w, r, &p) {
		return
	}
	stored, err := s.coach.SaveProfile(r.Context(), p)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(stored))
}

func (s *Server) safetyScanHandler(w http.ResponseWriter, r *http.Request) {
	var req ScanRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing required field: text"))
		return
	}
	if req.Kind == "ai" {
		source := req.Source
		if source == "" {
			source = safety.SourceNudge
		}
		writeJSONResponse(w, http.StatusOK, models.Success(safety.ScanAIOutput(req.Text, source)))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(safety.ScanUserInput(req.Text)))
}

func (s *Server) chatHandler(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	reply, err := s.coach.Chat(r.Context(), req.UserID, req.Text)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(reply))
}

func (s *Server) decisionsHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	userID := q.Get("user_id")
	if userID == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing required parameter: user_id"))
		return
	}
	var since time.Time
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeJSONResponse(w, http.StatusBadRequest, models.Error(fmt.Sprintf("Invalid since %q: want RFC3339", v)))
			return
		}
		since = t
	}
	limit := DefaultDecisionLimit
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeJSONResponse(w, http.StatusBadRequest, models.Error(fmt.Sprintf("Invalid limit %q", v)))
			return
		}
		limit = n
	}
	decisions, err := s.st.ListDecisions(r.Context(), userID, since, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if decisions == nil {
		decisions = []models.Decision{}
	}
	writeJSONResponse(w, http.StatusOK, models.Success(decisions))
}

func (s *Server) receiptsHandler(w http.ResponseWriter, r *http.Request) {
	receipts, err := s.st.GetReceipts(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	slog.Debug("Server.receiptsHandler: receipts fetched", "count", len(receipts))
	writeJSONResponse(w, http.StatusOK, models.Success(receipts))
}

// healthHandler reports liveness plus a store round-trip.
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	healthData := map[string]interface{}{
		"status":    "healthy",
		"timestamp": s.now().UTC().Format(time.RFC3339),
	}
	statusCode := http.StatusOK
	if _, err := s.st.ListUserIDs(r.Context()); err != nil {
		slog.Warn("Health check: store unavailable", "error", err)
		healthData["status"] = "degraded"
		healthData["error"] = "Failed to reach store"
		statusCode = http.StatusServiceUnavailable
	}
	writeJSONResponse(w, statusCode, healthData)
}
