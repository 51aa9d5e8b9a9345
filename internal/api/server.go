// Package api exposes the job manager over HTTP: REST endpoints, a WebSocket
// push channel and a server-sent event stream, all reading one job state.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"genflow/internal/domain"
	"genflow/internal/orchestrator"
)

type JobService interface {
	Submit(ctx context.Context, in orchestrator.SubmitInput) (domain.Job, error)
	GetJob(ctx context.Context, jobID string) (domain.Job, error)
	ListJobs(ctx context.Context, limit int) ([]domain.Job, error)
	Cancel(ctx context.Context, jobID string) (domain.Job, error)
	ListJobDecisions(ctx context.Context, jobID string, limit int) ([]domain.DecisionLog, error)
	GetVariant(ctx context.Context, variantID string) (domain.Variant, error)
	SubmitFeedback(ctx context.Context, variantID string, rating int, comment string) (domain.Feedback, error)
	ListFeedback(ctx context.Context, variantID string) ([]domain.Feedback, error)
}

type EventSource interface {
	Snapshot(ctx context.Context, jobID string) ([]domain.Event, error)
	Watch(ctx context.Context, jobID string, emit func(domain.Event) error) error
}

type TokenVerifier interface {
	Verify(token string) (string, error)
}

type Server struct {
	jobs     JobService
	events   EventSource
	verifier TokenVerifier
	logger   *slog.Logger

	closeOnce sync.Once
	closing   chan struct{}
}

func New(jobs JobService, events EventSource, verifier TokenVerifier, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		jobs:     jobs,
		events:   events,
		verifier: verifier,
		logger:   logger,
		closing:  make(chan struct{}),
	}
}

// Close releases push connections that are being held open. The HTTP server
// does not track hijacked connections, so Shutdown alone leaves them running.
func (s *Server) Close() {
	s.closeOnce.Do(func() { close(s.closing) })
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)

	mux.Handle("POST /v1/generate", s.requireBearer(s.handleGenerate))
	mux.Handle("GET /v1/jobs", s.requireBearer(s.handleListJobs))
	mux.Handle("GET /v1/jobs/{id}", s.requireBearer(s.handleGetJob))
	mux.Handle("POST /v1/jobs/{id}/cancel", s.requireBearer(s.handleCancel))
	mux.Handle("GET /v1/jobs/{id}/decisions", s.requireBearer(s.handleDecisions))
	mux.Handle("GET /v1/variants/{id}", s.requireBearer(s.handleGetVariant))
	mux.Handle("GET /v1/variants/{id}/feedback", s.requireBearer(s.handleListFeedback))
	mux.Handle("POST /v1/feedback/{variant_id}", s.requireBearer(s.handleFeedback))

	// Browsers cannot set headers on these transports; the token rides in the query.
	mux.HandleFunc("GET /v1/jobs/{id}/events", s.handlePush)
	mux.HandleFunc("GET /v1/jobs/{id}/stream", s.handleStream)

	return s.loggingMiddleware(mux)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) requireBearer(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, err := s.verifier.Verify(bearerToken(r)); err != nil {
			writeError(w, err)
			return
		}
		next(w, r)
	})
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

func queryToken(r *http.Request) string {
	if token := strings.TrimSpace(r.URL.Query().Get("token")); token != "" {
		return token
	}
	return bearerToken(r)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrJobAlreadyFinal):
		return http.StatusConflict
	case errors.Is(err, domain.ErrStreamTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), map[string]any{
		"error": err.Error(),
	})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("http request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}

func queryInt(r *http.Request, key string, def int) int {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return def
	}
	return v
}
