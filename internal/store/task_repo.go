// Package store declares interfaces for archiving task runs.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound signals that the requested record does not exist.
var ErrNotFound = errors.New("task record not found")

// TaskRunStatus mirrors the task_runs status column.
type TaskRunStatus string

// Task run statuses persisted in task_runs.status.
const (
	RunPending    TaskRunStatus = "pending"
	RunFinished   TaskRunStatus = "finished"
	RunTerminated TaskRunStatus = "terminated"
)

// TaskRun models one row of task_runs.
type TaskRun struct {
	// TraceID is the primary key.
	TraceID uuid.UUID
	// ShortID is the display fingerprint.
	ShortID string
	URL     string
	// QueuedAt is when the task entered the queue.
	QueuedAt time.Time
	// FinishedAt is nil until the task is finished or terminated.
	FinishedAt *time.Time
	Status     TaskRunStatus
	Attempts   int
	// StatusCode is the final HTTP status of a finished task.
	StatusCode *int
	// Bytes is the size of the final response.
	Bytes int64
	// ErrorMessage holds the last failure of a terminated task.
	ErrorMessage *string
}

// TaskEvent models one row of task_events.
type TaskEvent struct {
	TraceID  uuid.UUID
	At       time.Time
	Stage    string
	WorkerID string
	Attempts int
	Note     string
}

// Completion carries the terminal outcome of a task.
type Completion struct {
	FinishedAt   time.Time
	Status       TaskRunStatus
	Attempts     int
	StatusCode   *int
	Bytes        int64
	ErrorMessage *string
}

// TaskRepository persists task runs and their lifecycle events.
type TaskRepository interface {
	// UpsertTaskStart inserts the run row; repeated calls are no-ops.
	UpsertTaskStart(ctx context.Context, run TaskRun) error
	// AppendEvents stores lifecycle events in order.
	AppendEvents(ctx context.Context, events []TaskEvent) error
	// CompleteTask records the terminal outcome of a run.
	CompleteTask(ctx context.Context, traceID uuid.UUID, c Completion) error

	// GetTask loads a single run or returns ErrNotFound.
	GetTask(ctx context.Context, traceID uuid.UUID) (TaskRun, error)
	// ListTasks returns runs filtered by optional status plus limit/offset.
	ListTasks(ctx context.Context, status *TaskRunStatus, limit, offset int) ([]TaskRun, error)
	// ListTaskEvents returns the events of one run, oldest first.
	ListTaskEvents(ctx context.Context, traceID uuid.UUID, limit, offset int) ([]TaskEvent, error)
}
