package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/CoachPipe/internal/flow"
	"github.com/BTreeMap/CoachPipe/internal/messaging"
	"github.com/BTreeMap/CoachPipe/internal/models"
	"github.com/BTreeMap/CoachPipe/internal/pipeline"
	"github.com/BTreeMap/CoachPipe/internal/store"
	"github.com/BTreeMap/CoachPipe/internal/testutil"
	"github.com/BTreeMap/CoachPipe/internal/wake"
)

type stubGenerator struct{ text string }

func (g stubGenerator) Generate(ctx context.Context, req models.GenerationRequest) (string, error) {
	return g.text, nil
}

type recordingDeliverer struct {
	mu   sync.Mutex
	sent []string
}

func (d *recordingDeliverer) Deliver(ctx context.Context, userID, message string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sent = append(d.sent, userID+": "+message)
	return nil
}

type testServer struct {
	srv       *Server
	handler   http.Handler
	st        *store.InMemoryStore
	deliverer *recordingDeliverer
}

func newTestServer(t *testing.T, opts ...Option) *testServer {
	t.Helper()
	st := store.NewInMemoryStore()
	d := &recordingDeliverer{}
	p := pipeline.New(flow.NewCatalog(nil), stubGenerator{text: "Get ten minutes of daylight."}, d, pipeline.WithRecorder(st))
	coach := flow.NewCoach(st, p, flow.WithClock(func() time.Time { return testutil.FixedNow }))
	srv := NewServer(coach, st, opts...)
	srv.now = func() time.Time { return testutil.FixedNow }
	return &testServer{srv: srv, handler: srv.Handler(), st: st, deliverer: d}
}

func (ts *testServer) do(t *testing.T, method, target string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	rr := httptest.NewRecorder()
	ts.handler.ServeHTTP(rr, testutil.CreateHTTPRequest(t, method, target, body))
	return rr
}

func TestHealthHandler(t *testing.T) {
	ts := newTestServer(t)
	rr := ts.do(t, http.MethodGet, "/health", nil)
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "health")
	if !strings.Contains(rr.Body.String(), `"healthy"`) {
		t.Errorf("unexpected body %s", rr.Body.String())
	}
	if rr := ts.do(t, http.MethodPost, "/health", nil); rr.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405, got %d", rr.Code)
	}
}

func TestSignalsAndRecovery(t *testing.T) {
	ts := newTestServer(t)

	rr := ts.do(t, http.MethodPost, "/signals", SignalsRequest{Rows: nil})
	testutil.AssertHTTPStatus(t, http.StatusBadRequest, rr.Code, "empty rows")

	rr = ts.do(t, http.MethodPost, "/signals", map[string]interface{}{
		"rows": []map[string]interface{}{{
			"user_id": "u1", "date": testutil.FixedDate, "source": "wearable",
			"recorded_at": testutil.FixedNow, "hrv_rmssd": 48.5,
		}},
	})
	testutil.AssertHTTPStatus(t, http.StatusCreated, rr.Code, "ingest")
	testutil.AssertJSONResponse(t, rr, models.APIStatusRecorded)

	rr = ts.do(t, http.MethodPost, "/signals", map[string]interface{}{
		"rows": []map[string]interface{}{{"user_id": "u1", "date": "yesterday", "source": "wearable"}},
	})
	testutil.AssertHTTPStatus(t, http.StatusBadRequest, rr.Code, "bad date")

	rr = ts.do(t, http.MethodGet, "/recovery", nil)
	testutil.AssertHTTPStatus(t, http.StatusBadRequest, rr.Code, "missing user")

	rr = ts.do(t, http.MethodGet, "/recovery?user_id=u1&date="+testutil.FixedDate, nil)
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "recovery")
	resp := testutil.AssertJSONResponse(t, rr, models.APIStatusOK)
	result, _ := resp["result"].(map[string]interface{})
	if _, ok := result["baseline_not_ready"]; !ok {
		t.Errorf("expected baseline_not_ready, got %v", result)
	}
}

func TestUnknownFieldsRejected(t *testing.T) {
	ts := newTestServer(t)
	rr := ts.do(t, http.MethodPost, "/chat", map[string]string{"user_id": "u1", "txt": "hi"})
	testutil.AssertHTTPStatus(t, http.StatusBadRequest, rr.Code, "unknown field")
}

func TestProfileWakeAndNudge(t *testing.T) {
	ts := newTestServer(t)

	rr := ts.do(t, http.MethodPut, "/profiles", models.UserProfile{
		UserID: "15551234567", Timezone: "UTC", MorningAnchorEnabled: true,
		ActiveProtocols: 3, QuietHours: &models.MinuteWindow{},
	})
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "save profile")

	rr = ts.do(t, http.MethodPut, "/profiles", models.UserProfile{UserID: "u2", Timezone: "Nowhere/Land"})
	testutil.AssertHTTPStatus(t, http.StatusBadRequest, rr.Code, "bad timezone")

	rr = ts.do(t, http.MethodGet, "/profiles?user_id=15551234567", nil)
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "get profile")

	rr = ts.do(t, http.MethodPost, "/nudges/evaluate", UserRequest{UserID: "15551234567"})
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "evaluate")
	if len(ts.deliverer.sent) != 1 {
		t.Fatalf("expected one delivery, got %v", ts.deliverer.sent)
	}

	rr = ts.do(t, http.MethodPost, "/nudges/feedback", models.NudgeFeedback{
		UserID: "15551234567", ProtocolID: "proto_morning_light", Action: models.FeedbackCompleted,
	})
	testutil.AssertHTTPStatus(t, http.StatusCreated, rr.Code, "feedback")

	rr = ts.do(t, http.MethodPost, "/nudges/feedback", models.NudgeFeedback{UserID: "15551234567", ProtocolID: "x", Action: "ignored"})
	testutil.AssertHTTPStatus(t, http.StatusBadRequest, rr.Code, "bad feedback")

	rr = ts.do(t, http.MethodGet, "/decisions?user_id=15551234567&limit=10", nil)
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "decisions")
	resp := testutil.AssertJSONResponse(t, rr, models.APIStatusOK)
	if list, _ := resp["result"].([]interface{}); len(list) != 1 {
		t.Errorf("expected 1 decision, got %v", resp["result"])
	}

	for _, q := range []string{"", "?user_id=u1&limit=0", "?user_id=u1&since=yesterday"} {
		if rr := ts.do(t, http.MethodGet, "/decisions"+q, nil); rr.Code != http.StatusBadRequest {
			t.Errorf("GET /decisions%s: expected 400, got %d", q, rr.Code)
		}
	}

	// no job repo is configured, so detection answers without scheduling
	rr = ts.do(t, http.MethodPost, "/wake", flow.WakeRequest{
		UserID:  "15551234567",
		Signals: []wake.Signal{{Method: models.WakeMethodManual, At: testutil.FixedNow.Add(-15 * time.Minute)}},
	})
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "wake")
	resp = testutil.AssertJSONResponse(t, rr, models.APIStatusOK)
	if result, _ := resp["result"].(map[string]interface{}); result["job_id"] != nil {
		t.Errorf("expected no job id, got %v", result["job_id"])
	}

	rr = ts.do(t, http.MethodPost, "/wake", flow.WakeRequest{UserID: "15551234567", Date: "03/02/2026"})
	testutil.AssertHTTPStatus(t, http.StatusBadRequest, rr.Code, "bad wake date")
}

func TestMVDEndpoints(t *testing.T) {
	ts := newTestServer(t)

	rr := ts.do(t, http.MethodPost, "/mvd/override", OverrideRequest{UserID: "u1", Type: "Travel", Active: true})
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "override")
	resp := testutil.AssertJSONResponse(t, rr, models.APIStatusOK)
	if result, _ := resp["result"].(map[string]interface{}); result["type"] != "travel" {
		t.Errorf("expected travel, got %v", result)
	}

	rr = ts.do(t, http.MethodPost, "/mvd/evaluate", UserRequest{UserID: "u1"})
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "evaluate")
	st, _ := ts.st.GetMVDState(context.Background(), "u1")
	if st == nil || st.Type != models.MVDTypeTravel {
		t.Errorf("manual override should hold, got %+v", st)
	}

	rr = ts.do(t, http.MethodPost, "/mvd/override", OverrideRequest{UserID: "u1", Type: "weekend", Active: true})
	testutil.AssertHTTPStatus(t, http.StatusBadRequest, rr.Code, "bad type")

	rr = ts.do(t, http.MethodPost, "/mvd/override", OverrideRequest{UserID: "u1"})
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "deactivate")

	rr = ts.do(t, http.MethodPost, "/mvd/evaluate", UserRequest{})
	testutil.AssertHTTPStatus(t, http.StatusBadRequest, rr.Code, "missing user")
}

func TestCalendarEndpoint(t *testing.T) {
	ts := newTestServer(t)

	rr := ts.do(t, http.MethodPost, "/calendar", models.CalendarDay{UserID: "u1", MeetingHours: 7})
	testutil.AssertHTTPStatus(t, http.StatusCreated, rr.Code, "calendar")
	resp := testutil.AssertJSONResponse(t, rr, models.APIStatusRecorded)
	if result, _ := resp["result"].(map[string]interface{}); result["date"] != testutil.FixedDate {
		t.Errorf("expected today's date, got %v", result)
	}
	day, _ := ts.st.GetCalendar(context.Background(), "u1", testutil.FixedDate)
	if day == nil || day.MeetingHours != 7 {
		t.Fatalf("expected stored calendar, got %+v", day)
	}

	// evaluation without a calendar in the body uses the stored day
	rr = ts.do(t, http.MethodPost, "/mvd/evaluate", UserRequest{UserID: "u1"})
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "evaluate")
	resp = testutil.AssertJSONResponse(t, rr, models.APIStatusOK)
	if result, _ := resp["result"].(map[string]interface{}); result["type"] != "semi_active" {
		t.Errorf("expected semi_active from stored calendar, got %v", result)
	}

	rr = ts.do(t, http.MethodPost, "/calendar", models.CalendarDay{UserID: "u1", MeetingHours: -1})
	testutil.AssertHTTPStatus(t, http.StatusBadRequest, rr.Code, "negative hours")
	rr = ts.do(t, http.MethodPost, "/calendar", models.CalendarDay{MeetingHours: 1})
	testutil.AssertHTTPStatus(t, http.StatusBadRequest, rr.Code, "missing user")
}

func TestSafetyScanAndChat(t *testing.T) {
	ts := newTestServer(t)

	rr := ts.do(t, http.MethodPost, "/safety/scan", ScanRequest{Text: "I want to die"})
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "scan")
	resp := testutil.AssertJSONResponse(t, rr, models.APIStatusOK)
	if result, _ := resp["result"].(map[string]interface{}); result["requires_crisis_response"] != true {
		t.Errorf("expected crisis response, got %v", result)
	}

	rr = ts.do(t, http.MethodPost, "/safety/scan", ScanRequest{Text: "Take a short walk.", Kind: "ai"})
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "ai scan")
	resp = testutil.AssertJSONResponse(t, rr, models.APIStatusOK)
	if result, _ := resp["result"].(map[string]interface{}); result["safe"] != true {
		t.Errorf("expected safe, got %v", result)
	}

	rr = ts.do(t, http.MethodPost, "/safety/scan", ScanRequest{Text: "  "})
	testutil.AssertHTTPStatus(t, http.StatusBadRequest, rr.Code, "empty scan")

	rr = ts.do(t, http.MethodPost, "/chat", ChatRequest{UserID: "u1", Text: "How should I train today?"})
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "chat")
	resp = testutil.AssertJSONResponse(t, rr, models.APIStatusOK)
	if result, _ := resp["result"].(map[string]interface{}); result["reply"] != "Get ten minutes of daylight." {
		t.Errorf("unexpected reply %v", result)
	}

	rr = ts.do(t, http.MethodPost, "/chat", ChatRequest{UserID: "u1"})
	testutil.AssertHTTPStatus(t, http.StatusBadRequest, rr.Code, "empty chat")
}

func TestTwilioWebhooksMounted(t *testing.T) {
	ch := messaging.NewSMSChannel(messaging.NewMockSender())
	ts := newTestServer(t, WithSMSChannel(ch))

	form := url.Values{"From": {"+15551234567"}, "Body": {"done"}, "MessageSid": {"SM1"}}
	req := httptest.NewRequest(http.MethodPost, "/webhooks/twilio/inbound", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rr := httptest.NewRecorder()
	ts.handler.ServeHTTP(rr, req)
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "inbound webhook")
	if resp := <-ch.Responses(); resp.ID != "SM1" {
		t.Errorf("unexpected response %+v", resp)
	}

	plain := newTestServer(t)
	if rr := plain.do(t, http.MethodPost, "/webhooks/twilio/inbound", nil); rr.Code != http.StatusNotFound {
		t.Errorf("webhooks should not be mounted without a channel, got %d", rr.Code)
	}
}

func TestReceiptsHandler(t *testing.T) {
	ts := newTestServer(t)
	if err := ts.st.AddReceipt(context.Background(), models.Receipt{To: "15551234567", Status: models.MessageStatusSent}); err != nil {
		t.Fatalf("AddReceipt failed: %v", err)
	}
	rr := ts.do(t, http.MethodGet, "/receipts", nil)
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "receipts")
	resp := testutil.AssertJSONResponse(t, rr, models.APIStatusOK)
	if list, _ := resp["result"].([]interface{}); len(list) != 1 {
		t.Errorf("expected 1 receipt, got %v", resp["result"])
	}
}

func TestServerRunShutsDown(t *testing.T) {
	ts := newTestServer(t, WithAddr("127.0.0.1:0"))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ts.srv.Run(ctx) }()
	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}
