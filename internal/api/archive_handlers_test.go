package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/downloader-pool/internal/store"
)

func TestArchiveHandlerListTasks(t *testing.T) {
	t.Parallel()

	code := 200
	finished := time.Now()
	repo := &fakeTaskRepo{
		runs: []store.TaskRun{{
			TraceID:    uuid.Must(uuid.NewV7()),
			ShortID:    "0a1b2c3d4e",
			URL:        "https://example.com",
			QueuedAt:   finished.Add(-time.Second),
			FinishedAt: &finished,
			Status:     store.RunFinished,
			StatusCode: &code,
			Bytes:      42,
		}},
	}
	handler := NewArchiveHandler(repo, zap.NewNop())

	req := httptest.NewRequest(http.MethodGet, "/v1/archive/tasks?status=finished&limit=10&offset=5", nil)
	rec := httptest.NewRecorder()
	handler.ListTasks(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Tasks []runDTO `json:"tasks"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Tasks, 1)
	require.Equal(t, "0a1b2c3d4e", body.Tasks[0].ID)
	require.Equal(t, 200, *body.Tasks[0].StatusCode)
	require.NotNil(t, repo.lastStatus)
	require.Equal(t, store.RunFinished, *repo.lastStatus)
	require.Equal(t, 10, repo.lastLimit)
	require.Equal(t, 5, repo.lastOffset)
}

func TestArchiveHandlerListTasksClampsLimit(t *testing.T) {
	t.Parallel()

	repo := &fakeTaskRepo{}
	handler := NewArchiveHandler(repo, nil)
	rec := httptest.NewRecorder()
	handler.ListTasks(rec, httptest.NewRequest(http.MethodGet, "/v1/archive/tasks?limit=100000", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	require.Nil(t, repo.lastStatus)
	require.Equal(t, maxTaskLimit, repo.lastLimit)
}

func TestArchiveHandlerRejectsBadQuery(t *testing.T) {
	t.Parallel()

	handler := NewArchiveHandler(&fakeTaskRepo{}, nil)
	for _, target := range []string{
		"/v1/archive/tasks?status=bogus",
		"/v1/archive/tasks?limit=0",
		"/v1/archive/tasks?offset=-1",
	} {
		rec := httptest.NewRecorder()
		handler.ListTasks(rec, httptest.NewRequest(http.MethodGet, target, nil))
		require.Equal(t, http.StatusBadRequest, rec.Code, target)
	}
}

func TestArchiveHandlerGetTask(t *testing.T) {
	t.Parallel()

	traceID := uuid.Must(uuid.NewV7())
	repo := &fakeTaskRepo{runs: []store.TaskRun{{TraceID: traceID, Status: store.RunTerminated}}}
	handler := NewArchiveHandler(repo, nil)

	rec := httptest.NewRecorder()
	handler.GetTask(rec, withTraceIDParam(httptest.NewRequest(http.MethodGet, "/", nil), traceID.String()))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), string(store.RunTerminated))

	rec = httptest.NewRecorder()
	handler.GetTask(rec, withTraceIDParam(httptest.NewRequest(http.MethodGet, "/", nil), "nope"))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	repo.err = store.ErrNotFound
	rec = httptest.NewRecorder()
	handler.GetTask(rec, withTraceIDParam(httptest.NewRequest(http.MethodGet, "/", nil), traceID.String()))
	require.Equal(t, http.StatusNotFound, rec.Code)

	repo.err = errors.New("db down")
	rec = httptest.NewRecorder()
	handler.GetTask(rec, withTraceIDParam(httptest.NewRequest(http.MethodGet, "/", nil), traceID.String()))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestArchiveHandlerListTaskEvents(t *testing.T) {
	t.Parallel()

	traceID := uuid.Must(uuid.NewV7())
	repo := &fakeTaskRepo{events: []store.TaskEvent{
		{TraceID: traceID, At: time.Unix(1, 0), Stage: "TASK_QUEUED"},
		{TraceID: traceID, At: time.Unix(2, 0), Stage: "TASK_DISPATCHED", WorkerID: "w1"},
	}}
	handler := NewArchiveHandler(repo, nil)

	rec := httptest.NewRecorder()
	handler.ListTaskEvents(rec, withTraceIDParam(httptest.NewRequest(http.MethodGet, "/?limit=1", nil), traceID.String()))
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Events []eventDTO `json:"events"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Events, 2)
	require.Equal(t, "w1", body.Events[1].WorkerID)
	require.Equal(t, 1, repo.lastLimit)
}

func TestArchiveHandlerWithoutRepository(t *testing.T) {
	t.Parallel()

	handler := NewArchiveHandler(nil, nil)
	rec := httptest.NewRecorder()
	handler.ListTasks(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func withTraceIDParam(r *http.Request, id string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add("trace_id", id)
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}

type fakeTaskRepo struct {
	runs   []store.TaskRun
	events []store.TaskEvent
	err    error

	lastStatus *store.TaskRunStatus
	lastLimit  int
	lastOffset int
}

var _ store.TaskRepository = (*fakeTaskRepo)(nil)

func (f *fakeTaskRepo) UpsertTaskStart(context.Context, store.TaskRun) error { return f.err }

func (f *fakeTaskRepo) AppendEvents(context.Context, []store.TaskEvent) error { return f.err }

func (f *fakeTaskRepo) CompleteTask(context.Context, uuid.UUID, store.Completion) error {
	return f.err
}

func (f *fakeTaskRepo) GetTask(_ context.Context, traceID uuid.UUID) (store.TaskRun, error) {
	if f.err != nil {
		return store.TaskRun{}, f.err
	}
	for _, run := range f.runs {
		if run.TraceID == traceID {
			return run, nil
		}
	}
	return store.TaskRun{}, store.ErrNotFound
}

func (f *fakeTaskRepo) ListTasks(_ context.Context, status *store.TaskRunStatus, limit, offset int) ([]store.TaskRun, error) {
	f.lastStatus, f.lastLimit, f.lastOffset = status, limit, offset
	return f.runs, f.err
}

func (f *fakeTaskRepo) ListTaskEvents(_ context.Context, _ uuid.UUID, limit, offset int) ([]store.TaskEvent, error) {
	f.lastLimit, f.lastOffset = limit, offset
	return f.events, f.err
}
