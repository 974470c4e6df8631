package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/downloader-pool/internal/metrics"
	"github.com/JakeFAU/downloader-pool/internal/task"
	"github.com/JakeFAU/downloader-pool/internal/worker"
)

const requestTimeout = 60 * time.Second

// TaskService is the task side of the pool used by the API.
type TaskService interface {
	NewTask(spec task.Spec) (*task.Task, error)
	Lookup(key string) (*task.Task, bool)
	Stats() task.Stats
}

// WorkerLister returns worker snapshots.
type WorkerLister interface {
	Workers() []worker.Snapshot
}

// Kicker asks the dispatcher for an immediate pass.
type Kicker interface {
	Kick()
}

// SubmitLimiter decides whether a client may submit another task.
type SubmitLimiter interface {
	Allow(key string) bool
}

// Option customizes a Server.
type Option func(*Server)

// WithArchive serves the archive routes and falls back to the archive in task lookups.
func WithArchive(h *ArchiveHandler) Option { return func(s *Server) { s.archive = h } }

// WithSubmitLimiter rate limits POST /v1/tasks per client address.
func WithSubmitLimiter(l SubmitLimiter) Option { return func(s *Server) { s.limiter = l } }

// Server wires HTTP handlers to the pool.
type Server struct {
	router  chi.Router
	tasks   TaskService
	workers WorkerLister
	kicker  Kicker
	archive *ArchiveHandler
	limiter SubmitLimiter
	logger  *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(tasks TaskService, workers WorkerLister, kicker Kicker, logger *zap.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		tasks:   tasks,
		workers: workers,
		kicker:  kicker,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	archive := s.archive
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(requestTimeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/workers", s.listWorkers)
		r.Get("/stats", s.stats)
		r.Post("/tasks", s.submitTask)
		r.Get("/tasks/{task_id}", s.getTask)
		if archive != nil {
			r.Route("/archive/tasks", func(r chi.Router) {
				r.Get("/", archive.ListTasks)
				r.Get("/{trace_id}", archive.GetTask)
				r.Get("/{trace_id}/events", archive.ListTaskEvents)
			})
		}
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// readyz reports ready once at least one worker can take a fetch.
func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	ready := 0
	for _, snap := range s.workers.Workers() {
		if snap.State == worker.StateReady || snap.State == worker.StateBusy {
			ready++
		}
	}
	if ready == 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "no connected workers"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready", "workers": ready})
}

func (s *Server) listWorkers(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"workers": s.workers.Workers()})
}

func (s *Server) stats(w http.ResponseWriter, _ *http.Request) {
	byState := map[worker.State]int{}
	for _, snap := range s.workers.Workers() {
		byState[snap.State]++
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"tasks":   s.tasks.Stats(),
		"workers": byState,
	})
}

type taskRequest struct {
	URL         string `json:"url"`
	UserAgent   string `json:"user_agent"`
	MaxAttempts int    `json:"max_attempts"`
	// TimePerAttempt is a Go duration string such as "20s".
	TimePerAttempt string `json:"time_per_attempt"`
}

func (req taskRequest) spec() (task.Spec, error) {
	spec := task.Spec{URL: req.URL, UserAgent: req.UserAgent, MaxAttempts: req.MaxAttempts}
	if req.MaxAttempts < 0 {
		return task.Spec{}, errors.New("max_attempts must be >= 0")
	}
	if req.TimePerAttempt != "" {
		d, err := time.ParseDuration(req.TimePerAttempt)
		if err != nil || d < 0 {
			return task.Spec{}, errors.New("invalid time_per_attempt")
		}
		spec.TimePerAttempt = d
	}
	return spec, nil
}

// submitTask handles POST /v1/tasks. With ?wait=true it blocks until the task is
// finished (200) or terminated (502).
func (s *Server) submitTask(w http.ResponseWriter, r *http.Request) {
	if s.limiter != nil && !s.limiter.Allow(clientKey(r)) {
		metrics.ObserveSubmissionRejected()
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusTooManyRequests, "too many task submissions")
		return
	}
	var req taskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	spec, err := req.spec()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	wait := false
	if raw := r.URL.Query().Get("wait"); raw != "" {
		if wait, err = strconv.ParseBool(raw); err != nil {
			writeError(w, http.StatusBadRequest, "invalid wait")
			return
		}
	}

	t, err := s.tasks.NewTask(spec)
	if err != nil {
		if errors.Is(err, task.ErrInvalidURL) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Error("create task failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to create task")
		return
	}
	if s.kicker != nil {
		s.kicker.Kick()
	}
	if !wait {
		writeJSON(w, http.StatusAccepted, map[string]any{"task": t.Snapshot()})
		return
	}

	_, err = t.Wait(r.Context())
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]any{"task": t.Snapshot()})
	case errors.Is(err, task.ErrTerminated):
		writeJSON(w, http.StatusBadGateway, map[string]any{"task": t.Snapshot(), "error": err.Error()})
	default:
		writeJSON(w, http.StatusGatewayTimeout, map[string]any{"task": t.Snapshot(), "error": err.Error()})
	}
}

// getTask looks the task up in memory first and falls back to the archive for
// trace ids that are no longer cached.
func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "task_id")
	if t, ok := s.tasks.Lookup(key); ok {
		writeJSON(w, http.StatusOK, map[string]any{"task": t.Snapshot()})
		return
	}
	if s.archive != nil {
		if id, err := uuid.Parse(key); err == nil {
			s.archive.writeTask(w, r, id)
			return
		}
	}
	writeError(w, http.StatusNotFound, "task not found")
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequestID returns the id assigned by the request id middleware.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("request completed",
				zap.String("request_id", RequestID(r.Context())),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Duration("duration", time.Since(start)),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("error", rec), zap.String("path", r.URL.Path))
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
