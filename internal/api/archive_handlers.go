package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/downloader-pool/internal/store"
)

const (
	defaultTaskLimit   = 50
	maxTaskLimit       = 500
	defaultEventsLimit = 100
	maxEventsLimit     = 1000
	archiveTimeout     = 3 * time.Second
)

// ArchiveHandler exposes read-only endpoints over archived task runs.
type ArchiveHandler struct {
	repo    store.TaskRepository
	timeout time.Duration
	logger  *zap.Logger
}

// NewArchiveHandler wires the repository and logger.
func NewArchiveHandler(repo store.TaskRepository, logger *zap.Logger) *ArchiveHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ArchiveHandler{
		repo:    repo,
		timeout: archiveTimeout,
		logger:  logger,
	}
}

// ListTasks handles GET /v1/archive/tasks?status=&limit=&offset=. It returns
// {"tasks": [...]} on success, 400 for invalid filters, 503 when the repo is
// unavailable, or 500 if the repository call fails.
func (h *ArchiveHandler) ListTasks(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "task archive unavailable")
		return
	}
	limit, offset, err := parseLimitOffset(r, defaultTaskLimit, maxTaskLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var status *store.TaskRunStatus
	if raw := strings.TrimSpace(r.URL.Query().Get("status")); raw != "" {
		val, parseErr := parseStatus(raw)
		if parseErr != nil {
			writeError(w, http.StatusBadRequest, parseErr.Error())
			return
		}
		status = &val
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	runs, err := h.repo.ListTasks(ctx, status, limit, offset)
	if err != nil {
		h.logger.Error("list archived tasks failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list tasks")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": toRunDTOs(runs)})
}

// GetTask handles GET /v1/archive/tasks/{trace_id}.
func (h *ArchiveHandler) GetTask(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "task archive unavailable")
		return
	}
	traceID, err := parseTraceID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	h.writeTask(w, r, traceID)
}

func (h *ArchiveHandler) writeTask(w http.ResponseWriter, r *http.Request, traceID uuid.UUID) {
	if h.repo == nil {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	run, err := h.repo.GetTask(ctx, traceID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "task not found")
			return
		}
		h.logger.Error("get archived task failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load task")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"archived_task": toRunDTO(run)})
}

// ListTaskEvents handles GET /v1/archive/tasks/{trace_id}/events?limit=&offset=.
func (h *ArchiveHandler) ListTaskEvents(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "task archive unavailable")
		return
	}
	traceID, err := parseTraceID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit, offset, err := parseLimitOffset(r, defaultEventsLimit, maxEventsLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	events, err := h.repo.ListTaskEvents(ctx, traceID, limit, offset)
	if err != nil {
		h.logger.Error("list task events failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list task events")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": toEventDTOs(events)})
}

func parseTraceID(r *http.Request) (uuid.UUID, error) {
	raw := chi.URLParam(r, "trace_id")
	if raw == "" {
		return uuid.UUID{}, errors.New("trace_id is required")
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.UUID{}, errors.New("invalid trace_id")
	}
	return id, nil
}

func parseLimitOffset(r *http.Request, def, maxLimit int) (int, int, error) {
	q := r.URL.Query()
	limit := def
	if limStr := q.Get("limit"); limStr != "" {
		val, err := strconv.Atoi(limStr)
		if err != nil || val <= 0 {
			return 0, 0, errors.New("invalid limit")
		}
		limit = min(val, maxLimit)
	}
	offset := 0
	if offStr := q.Get("offset"); offStr != "" {
		val, err := strconv.Atoi(offStr)
		if err != nil || val < 0 {
			return 0, 0, errors.New("invalid offset")
		}
		offset = val
	}
	return limit, offset, nil
}

func parseStatus(input string) (store.TaskRunStatus, error) {
	switch strings.ToLower(input) {
	case "pending", "queued":
		return store.RunPending, nil
	case "finished", "success":
		return store.RunFinished, nil
	case "terminated", "failed":
		return store.RunTerminated, nil
	default:
		return "", errors.New("invalid status")
	}
}

func toRunDTOs(in []store.TaskRun) []runDTO {
	out := make([]runDTO, 0, len(in))
	for _, run := range in {
		out = append(out, toRunDTO(run))
	}
	return out
}

func toRunDTO(run store.TaskRun) runDTO {
	return runDTO{
		TraceID:    run.TraceID.String(),
		ID:         run.ShortID,
		URL:        run.URL,
		QueuedAt:   run.QueuedAt,
		FinishedAt: run.FinishedAt,
		Status:     string(run.Status),
		Attempts:   run.Attempts,
		StatusCode: run.StatusCode,
		Bytes:      run.Bytes,
		Error:      run.ErrorMessage,
	}
}

func toEventDTOs(in []store.TaskEvent) []eventDTO {
	out := make([]eventDTO, 0, len(in))
	for _, e := range in {
		out = append(out, eventDTO{
			At:       e.At,
			Stage:    e.Stage,
			WorkerID: e.WorkerID,
			Attempts: e.Attempts,
			Note:     e.Note,
		})
	}
	return out
}

type runDTO struct {
	TraceID    string     `json:"trace_id"`
	ID         string     `json:"id"`
	URL        string     `json:"url"`
	QueuedAt   time.Time  `json:"queued_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Status     string     `json:"status"`
	Attempts   int        `json:"attempts"`
	StatusCode *int       `json:"status_code,omitempty"`
	Bytes      int64      `json:"bytes"`
	Error      *string    `json:"error,omitempty"`
}

type eventDTO struct {
	At       time.Time `json:"at"`
	Stage    string    `json:"stage"`
	WorkerID string    `json:"worker_id,omitempty"`
	Attempts int       `json:"attempts"`
	Note     string    `json:"note,omitempty"`
}
