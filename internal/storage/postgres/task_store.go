// Package postgres provides the Postgres-backed task archive.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/downloader-pool/internal/store"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Default table names.
const (
	DefaultRunsTable   = "task_runs"
	DefaultEventsTable = "task_events"
)

// TaskStoreConfig controls the connection pool and table names.
type TaskStoreConfig struct {
	DSN             string
	RunsTable       string
	EventsTable     string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// TaskStore implements store.TaskRepository on Postgres.
type TaskStore struct {
	pool   pool
	runs   string
	events string
}

var _ store.TaskRepository = (*TaskStore)(nil)

// NewTaskStore connects to Postgres using cfg.
func NewTaskStore(ctx context.Context, cfg TaskStoreConfig) (*TaskStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s, err := NewTaskStoreWithPool(p, cfg.RunsTable, cfg.EventsTable)
	if err != nil {
		p.Close()
		return nil, err
	}
	return s, nil
}

// NewTaskStoreWithPool constructs a store from an existing pool.
func NewTaskStoreWithPool(p pool, runsTable, eventsTable string) (*TaskStore, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if runsTable == "" {
		runsTable = DefaultRunsTable
	}
	if eventsTable == "" {
		eventsTable = DefaultEventsTable
	}
	for _, name := range []string{runsTable, eventsTable} {
		if !validTableName.MatchString(name) {
			return nil, fmt.Errorf("invalid table name %q", name)
		}
	}
	return &TaskStore{pool: p, runs: runsTable, events: eventsTable}, nil
}

// Close releases the underlying pool resources.
func (s *TaskStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// EnsureSchema creates the archive tables when they do not exist.
func (s *TaskStore) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
	trace_id      uuid PRIMARY KEY,
	short_id      text NOT NULL,
	url           text NOT NULL,
	queued_at     timestamptz NOT NULL,
	finished_at   timestamptz,
	status        text NOT NULL,
	attempts      integer NOT NULL DEFAULT 0,
	status_code   integer,
	bytes         bigint NOT NULL DEFAULT 0,
	error_message text
);
CREATE TABLE IF NOT EXISTS %[2]s (
	id        bigserial PRIMARY KEY,
	trace_id  uuid NOT NULL REFERENCES %[1]s (trace_id),
	at        timestamptz NOT NULL,
	stage     text NOT NULL,
	worker_id text NOT NULL DEFAULT '',
	attempts  integer NOT NULL,
	note      text NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS %[2]s_trace_id_idx ON %[2]s (trace_id, at);`, s.runs, s.events)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("ensure task schema: %w", err)
	}
	return nil
}

// UpsertTaskStart inserts the run row once.
func (s *TaskStore) UpsertTaskStart(ctx context.Context, run store.TaskRun) error {
	query := fmt.Sprintf(`
INSERT INTO %s (trace_id, short_id, url, queued_at, status)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (trace_id) DO NOTHING`, s.runs)
	status := run.Status
	if status == "" {
		status = store.RunPending
	}
	if _, err := s.pool.Exec(ctx, query, run.TraceID, run.ShortID, run.URL, run.QueuedAt, status); err != nil {
		return fmt.Errorf("insert task run: %w", err)
	}
	return nil
}

// AppendEvents inserts every event with a single statement.
func (s *TaskStore) AppendEvents(ctx context.Context, events []store.TaskEvent) error {
	if len(events) == 0 {
		return nil
	}
	const cols = 6
	var b strings.Builder
	fmt.Fprintf(&b, "INSERT INTO %s (trace_id, at, stage, worker_id, attempts, note) VALUES ", s.events)
	args := make([]any, 0, len(events)*cols)
	for i, e := range events {
		if i > 0 {
			b.WriteString(", ")
		}
		n := i * cols
		fmt.Fprintf(&b, "($%d, $%d, $%d, $%d, $%d, $%d)", n+1, n+2, n+3, n+4, n+5, n+6)
		args = append(args, e.TraceID, e.At, e.Stage, e.WorkerID, e.Attempts, e.Note)
	}
	if _, err := s.pool.Exec(ctx, b.String(), args...); err != nil {
		return fmt.Errorf("insert task events: %w", err)
	}
	return nil
}

// CompleteTask records the terminal outcome. It returns store.ErrNotFound when
// the run row is missing.
func (s *TaskStore) CompleteTask(ctx context.Context, traceID uuid.UUID, c store.Completion) error {
	query := fmt.Sprintf(`
UPDATE %s
SET finished_at = $1, status = $2, attempts = $3, status_code = $4, bytes = $5, error_message = $6
WHERE trace_id = $7`, s.runs)
	tag, err := s.pool.Exec(ctx, query,
		c.FinishedAt, c.Status, c.Attempts, c.StatusCode, c.Bytes, c.ErrorMessage, traceID)
	if err != nil {
		return fmt.Errorf("complete task run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("complete task run %s: %w", traceID, store.ErrNotFound)
	}
	return nil
}

// GetTask loads one run.
func (s *TaskStore) GetTask(ctx context.Context, traceID uuid.UUID) (store.TaskRun, error) {
	query := fmt.Sprintf(`
SELECT trace_id, short_id, url, queued_at, finished_at, status, attempts, status_code, bytes, error_message
FROM %s
WHERE trace_id = $1`, s.runs)
	run, err := scanRun(s.pool.QueryRow(ctx, query, traceID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.TaskRun{}, store.ErrNotFound
		}
		return store.TaskRun{}, fmt.Errorf("get task run: %w", err)
	}
	return run, nil
}

// ListTasks returns runs newest first, optionally filtered by status.
func (s *TaskStore) ListTasks(ctx context.Context, status *store.TaskRunStatus, limit, offset int) ([]store.TaskRun, error) {
	query := fmt.Sprintf(`
SELECT trace_id, short_id, url, queued_at, finished_at, status, attempts, status_code, bytes, error_message
FROM %s
WHERE ($1::text IS NULL OR status = $1)
ORDER BY queued_at DESC
LIMIT $2 OFFSET $3`, s.runs)
	rows, err := s.pool.Query(ctx, query, status, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list task runs: %w", err)
	}
	defer rows.Close()

	var runs []store.TaskRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list task runs: %w", err)
	}
	return runs, nil
}

// ListTaskEvents returns the events of one run, oldest first.
func (s *TaskStore) ListTaskEvents(ctx context.Context, traceID uuid.UUID, limit, offset int) ([]store.TaskEvent, error) {
	query := fmt.Sprintf(`
SELECT trace_id, at, stage, worker_id, attempts, note
FROM %s
WHERE trace_id = $1
ORDER BY at, id
LIMIT $2 OFFSET $3`, s.events)
	rows, err := s.pool.Query(ctx, query, traceID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list task events: %w", err)
	}
	defer rows.Close()

	var events []store.TaskEvent
	for rows.Next() {
		var e store.TaskEvent
		if err := rows.Scan(&e.TraceID, &e.At, &e.Stage, &e.WorkerID, &e.Attempts, &e.Note); err != nil {
			return nil, fmt.Errorf("scan task event: %w", err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list task events: %w", err)
	}
	return events, nil
}

func scanRun(row pgx.Row) (store.TaskRun, error) {
	var run store.TaskRun
	err := row.Scan(
		&run.TraceID,
		&run.ShortID,
		&run.URL,
		&run.QueuedAt,
		&run.FinishedAt,
		&run.Status,
		&run.Attempts,
		&run.StatusCode,
		&run.Bytes,
		&run.ErrorMessage,
	)
	return run, err
}
