package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/downloader-pool/internal/store"
)

var runColumns = []string{
	"trace_id", "short_id", "url", "queued_at", "finished_at",
	"status", "attempts", "status_code", "bytes", "error_message",
}

func newMockStore(t *testing.T) (*TaskStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	s, err := NewTaskStoreWithPool(mock, "", "")
	require.NoError(t, err)
	return s, mock
}

func TestNewTaskStoreValidatesTables(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	_, err = NewTaskStoreWithPool(mock, "runs; drop table x", "")
	require.ErrorContains(t, err, "invalid table name")
	_, err = NewTaskStoreWithPool(nil, "", "")
	require.Error(t, err)
	_, err = NewTaskStore(context.Background(), TaskStoreConfig{})
	require.ErrorContains(t, err, "db.dsn is required")
}

func TestUpsertTaskStartInsertsRow(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	run := store.TaskRun{
		TraceID:  uuid.New(),
		ShortID:  "b94d27b993",
		URL:      "http://example.com",
		QueuedAt: time.Unix(1_700_000_000, 0).UTC(),
	}
	mock.ExpectExec("INSERT INTO task_runs").
		WithArgs(run.TraceID, run.ShortID, run.URL, run.QueuedAt, store.RunPending).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, s.UpsertTaskStart(context.Background(), run))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendEventsUsesOneStatement(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	id := uuid.New()
	at := time.Unix(1_700_000_000, 0).UTC()
	events := []store.TaskEvent{
		{TraceID: id, At: at, Stage: "TASK_QUEUED"},
		{TraceID: id, At: at, Stage: "TASK_DISPATCHED", WorkerID: "10.0.0.1:22"},
	}
	mock.ExpectExec(`INSERT INTO task_events \(trace_id, at, stage, worker_id, attempts, note\) VALUES \(\$1, \$2, \$3, \$4, \$5, \$6\), \(\$7`).
		WithArgs(
			id, at, "TASK_QUEUED", "", 0, "",
			id, at, "TASK_DISPATCHED", "10.0.0.1:22", 0, "",
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 2))

	require.NoError(t, s.AppendEvents(context.Background(), events))
	require.NoError(t, s.AppendEvents(context.Background(), nil), "empty batch is a no-op")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCompleteTaskReportsMissingRun(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	id := uuid.New()
	at := time.Unix(1_700_000_000, 0).UTC()
	code := 200
	c := store.Completion{FinishedAt: at, Status: store.RunFinished, StatusCode: &code, Bytes: 10}

	mock.ExpectExec("UPDATE task_runs").
		WithArgs(at, store.RunFinished, 0, &code, int64(10), (*string)(nil), id).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("UPDATE task_runs").
		WithArgs(at, store.RunFinished, 0, &code, int64(10), (*string)(nil), id).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	require.NoError(t, s.CompleteTask(context.Background(), id, c))
	require.ErrorIs(t, s.CompleteTask(context.Background(), id, c), store.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetTask(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	id := uuid.New()
	queued := time.Unix(1_700_000_000, 0).UTC()
	finished := queued.Add(3 * time.Second)
	code := 404

	mock.ExpectQuery("SELECT (.+) FROM task_runs").
		WithArgs(id).
		WillReturnRows(pgxmock.NewRows(runColumns).AddRow(
			id, "abc", "http://example.com", queued, &finished,
			store.RunFinished, 1, &code, int64(42), (*string)(nil),
		))
	mock.ExpectQuery("SELECT (.+) FROM task_runs").
		WithArgs(id).
		WillReturnRows(pgxmock.NewRows(runColumns))

	run, err := s.GetTask(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, id, run.TraceID)
	require.Equal(t, store.RunFinished, run.Status)
	require.Equal(t, finished, *run.FinishedAt)
	require.Equal(t, 404, *run.StatusCode)
	require.EqualValues(t, 42, run.Bytes)
	require.Nil(t, run.ErrorMessage)

	_, err = s.GetTask(context.Background(), id)
	require.ErrorIs(t, err, store.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListTaskEvents(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	id := uuid.New()
	at := time.Unix(1_700_000_000, 0).UTC()
	mock.ExpectQuery("SELECT (.+) FROM task_events").
		WithArgs(id, 50, 0).
		WillReturnRows(pgxmock.NewRows([]string{"trace_id", "at", "stage", "worker_id", "attempts", "note"}).
			AddRow(id, at, "TASK_QUEUED", "", 0, "").
			AddRow(id, at, "TASK_TERMINATED", "w1", 1, "exit status 7"))

	events, err := s.ListTaskEvents(context.Background(), id, 50, 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, "exit status 7", events[1].Note)
	require.NoError(t, mock.ExpectationsWereMet())
}
