// Package api provides the HTTP server for PromptCall.
//
// It serves the Twilio voice webhooks that drive each test call, plus a small JSON API
// for placing calls, listing scenarios and reading transcripts.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/BTreeMap/PromptCall/internal/flow"
	"github.com/BTreeMap/PromptCall/internal/metrics"
	"github.com/BTreeMap/PromptCall/internal/models"
	"github.com/BTreeMap/PromptCall/internal/telephony"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Default server settings.
const (
	DefaultAddr            = ":5000"
	DefaultScenario        = "appointment_scheduling"
	DefaultShutdownTimeout = 30 * time.Second
	recordingTimeout       = 10 * time.Minute
)

// ScenarioCatalog resolves and lists scenario definitions.
type ScenarioCatalog interface {
	Scenario(name string) (*models.ScenarioDefinition, error)
	List() ([]*models.ScenarioDefinition, error)
}

// TranscriptReader loads stored transcripts.
type TranscriptReader interface {
	Load(callSID string) (*models.Transcript, error)
}

// RecordingHandler processes a finished recording.
type RecordingHandler interface {
	HandleRecording(ctx context.Context, callSID, recordingURL string) (string, error)
}

// CallPlacer places outbound test calls.
type CallPlacer interface {
	PlaceCall(ctx context.Context, req telephony.CallRequest) (string, error)
}

// Opts holds configuration for the API server.
type Opts struct {
	Addr            string
	BaseURL         string // public URL Twilio reaches this server on
	DefaultScenario string
	TestLineNumber  string // default destination for POST /calls
	SignatureToken  string // auth token; non-empty enables webhook signature checks
	Caller          CallPlacer
	Recordings      RecordingHandler
	Metrics         *metrics.Metrics
}

// Option configures the API server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithBaseURL sets the public base URL used for call webhooks and signature checks.
func WithBaseURL(u string) Option {
	return func(o *Opts) { o.BaseURL = u }
}

// WithDefaultScenario sets the scenario used when a webhook names none.
func WithDefaultScenario(name string) Option {
	return func(o *Opts) { o.DefaultScenario = name }
}

// WithTestLineNumber sets the default number POST /calls dials.
func WithTestLineNumber(number string) Option {
	return func(o *Opts) { o.TestLineNumber = number }
}

// WithSignatureValidation rejects webhooks that are not signed with authToken.
func WithSignatureValidation(authToken string) Option {
	return func(o *Opts) { o.SignatureToken = authToken }
}

// WithCaller enables POST /calls.
func WithCaller(c CallPlacer) Option {
	return func(o *Opts) { o.Caller = c }
}

// WithRecordings sets the handler for the recording-complete webhook.
func WithRecordings(r RecordingHandler) Option {
	return func(o *Opts) { o.Recordings = r }
}

// WithMetrics exposes /metrics and records call placement.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Opts) { o.Metrics = m }
}

// Server holds the HTTP routes and their collaborators.
type Server struct {
	cfg         Opts
	conv        *flow.Conversation
	scenarios   ScenarioCatalog
	transcripts TranscriptReader
	validator   *telephony.SignatureValidator
	router      chi.Router

	// background tracks recording work that outlives its webhook request.
	background sync.WaitGroup
}

// NewServer creates a server. transcripts may be nil, which disables GET /transcripts.
func NewServer(conv *flow.Conversation, scenarios ScenarioCatalog, transcripts TranscriptReader, opts ...Option) *Server {
	cfg := Opts{
		Addr:            DefaultAddr,
		DefaultScenario: DefaultScenario,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	s := &Server{
		cfg:         cfg,
		conv:        conv,
		scenarios:   scenarios,
		transcripts: transcripts,
	}
	if cfg.SignatureToken != "" {
		s.validator = telephony.NewSignatureValidator(cfg.SignatureToken, cfg.BaseURL)
	}
	s.router = s.routes()
	slog.Debug("api.NewServer: configured", "addr", cfg.Addr, "baseURL", cfg.BaseURL,
		"signatureValidation", s.validator != nil, "caller", cfg.Caller != nil, "recordings", cfg.Recordings != nil)
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	r.Group(func(r chi.Router) {
		r.Use(s.verifySignature)
		r.Post(telephony.PathVoice, s.voiceHandler)
		r.Post(telephony.PathAgentResponse, s.agentResponseHandler)
		r.Post(telephony.PathRecordingComplete, s.recordingCompleteHandler)
		r.Post(telephony.PathCallStatus, s.callStatusHandler)
	})

	r.Post("/calls", s.placeCallHandler)
	r.Get("/scenarios", s.scenariosHandler)
	r.Get("/transcripts/{callSid}", s.transcriptHandler)
	r.Get("/health", s.healthHandler)
	if s.cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.cfg.Metrics.Handler())
	}
	return r
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Wait blocks until background recording work has finished.
func (s *Server) Wait() {
	s.background.Wait()
}

// Run serves until ctx is cancelled, then shuts down gracefully and waits for
// background recording work.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server.Run: listening", "addr", s.cfg.Addr, "baseURL", s.cfg.BaseURL)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		slog.Error("Server.Run: server failed", "error", err)
		return err
	case <-ctx.Done():
	}

	slog.Info("Server.Run: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server.Run: graceful shutdown failed", "error", err)
		return err
	}
	s.Wait()
	slog.Info("Server.Run: stopped")
	return nil
}

// requestLogger logs each request at debug level with chi's request ID.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		slog.Debug("Server: request handled", "method", r.Method, "path", r.URL.Path,
			"status", ww.Status(), "elapsed", time.Since(start), "requestID", middleware.GetReqID(r.Context()))
	})
}

// verifySignature rejects unsigned webhooks with 403 when validation is enabled.
func (s *Server) verifySignature(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.validator == nil {
			next.ServeHTTP(w, r)
			return
		}
		if err := r.ParseForm(); err != nil {
			writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid form body"))
			return
		}
		if !s.validator.Valid(r) {
			slog.Warn("Server.verifySignature: rejected webhook", "path", r.URL.Path, "remote", r.RemoteAddr)
			writeJSONResponse(w, http.StatusForbidden, models.Error("Invalid Twilio signature"))
			return
		}
		next.ServeHTTP(w, r)
	})
}
