package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/BTreeMap/CoachPipe/internal/flow"
	"github.com/BTreeMap/CoachPipe/internal/messaging"
	"github.com/BTreeMap/CoachPipe/internal/store"
)

// Defaults for the HTTP server.
const (
	DefaultAddr            = ":8080"
	DefaultShutdownTimeout = 10 * time.Second
	DefaultReadTimeout     = 15 * time.Second
	DefaultWriteTimeout    = 60 * time.Second
)

// Opts holds configuration options for the API server.
type Opts struct {
	Addr string
	SMS  *messaging.SMSChannel
}

// Option defines a configuration option for the API server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithSMSChannel mounts the Twilio inbound and status webhooks.
func WithSMSChannel(ch *messaging.SMSChannel) Option {
	return func(o *Opts) { o.SMS = ch }
}

// Server serves the coaching API.
type Server struct {
	coach *flow.Coach
	st    store.Store
	sms   *messaging.SMSChannel
	addr  string
	now   func() time.Time
}

// NewServer creates a Server over a coach and the store it reads.
func NewServer(coach *flow.Coach, st store.Store, opts ...Option) *Server {
	o := Opts{Addr: DefaultAddr}
	for _, opt := range opts {
		opt(&o)
	}
	if o.Addr == "" {
		o.Addr = DefaultAddr
	}
	return &Server{coach: coach, st: st, sms: o.SMS, addr: o.Addr, now: time.Now}
}

// Handler returns the routed, logged handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.healthHandler)

	mux.HandleFunc("POST /signals", s.ingestSignalsHandler)
	mux.HandleFunc("GET /recovery", s.recoveryHandler)
	mux.HandleFunc("POST /wake", s.wakeHandler)
	mux.HandleFunc("POST /calendar", s.calendarHandler)

	mux.HandleFunc("POST /mvd/evaluate", s.evaluateMVDHandler)
	mux.HandleFunc("POST /mvd/override", s.overrideMVDHandler)

	mux.HandleFunc("POST /nudges/evaluate", s.evaluateNudgeHandler)
	mux.HandleFunc("POST /nudges/feedback", s.feedbackHandler)

	mux.HandleFunc("GET /profiles", s.getProfileHandler)
	mux.HandleFunc("PUT /profiles", s.saveProfileHandler)

	mux.HandleFunc("POST /safety/scan", s.safetyScanHandler)
	mux.HandleFunc("POST /chat", s.chatHandler)

	mux.HandleFunc("GET /decisions", s.decisionsHandler)
	mux.HandleFunc("GET /receipts", s.receiptsHandler)

	if s.sms != nil {
		mux.HandleFunc("POST /webhooks/twilio/inbound", s.sms.InboundWebhookHandler)
		mux.HandleFunc("POST /webhooks/twilio/status", s.sms.StatusWebhookHandler)
	}
	return loggingMiddleware(mux)
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.addr,
		Handler:      s.Handler(),
		ReadTimeout:  DefaultReadTimeout,
		WriteTimeout: DefaultWriteTimeout,
	}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server.Run: listening", "addr", s.addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("api: listen on %s: %w", s.addr, err)
	case <-ctx.Done():
	}
	slog.Info("Server.Run: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("api: shutdown: %w", err)
	}
	return nil
}

// statusRecorder captures the status code for request logging.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		slog.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", float64(time.Since(start).Microseconds())/1000.0)
	})
}
