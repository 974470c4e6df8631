// Package progress defines the task lifecycle events emitted by the pool.
package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Stage denotes the lifecycle milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageQueued       Stage = "TASK_QUEUED"
	StageDispatched   Stage = "TASK_DISPATCHED"
	StageError        Stage = "TASK_ERROR"
	StageRedispatched Stage = "TASK_REDISPATCHED"
	StageFinished     Stage = "TASK_FINISHED"
	StageTerminated   Stage = "TASK_TERMINATED"
)

// Terminal reports whether the stage ends a task.
func (s Stage) Terminal() bool {
	return s == StageFinished || s == StageTerminated
}

// StatusClass is a coarse HTTP response grouping.
type StatusClass string

// Supported HTTP status classes tracked for finished tasks.
const (
	Status2xx   StatusClass = "2xx"
	Status3xx   StatusClass = "3xx"
	Status4xx   StatusClass = "4xx"
	Status5xx   StatusClass = "5xx"
	StatusOther StatusClass = "other"
)

// Event captures a single step of a task lifecycle.
type Event struct {
	// TaskID is the 16-byte form of the task trace UUID.
	TaskID [16]byte
	// ShortID is the display fingerprint of the task.
	ShortID string
	// TS is the timestamp recorded on the task log.
	TS time.Time
	// Stage denotes which lifecycle milestone occurred.
	Stage Stage
	// URL is the requested URL.
	URL string
	// Site is the lowercase host of URL.
	Site string
	// WorkerID names the worker for dispatch, error and finish stages.
	WorkerID string
	// Attempts is the failed attempt count at the time of the event.
	Attempts int
	// StatusCode is the final HTTP status of a finished task.
	StatusCode int
	// StatusClass groups StatusCode.
	StatusClass StatusClass
	// Bytes is the response size of a finished task.
	Bytes int64
	// Dur is the time since the task was queued, set on terminal stages.
	Dur time.Duration
	// Note carries error text or the final location.
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.TaskID == [16]byte{} {
		return errors.New("task id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageQueued, StageRedispatched, StageTerminated:
	case StageDispatched, StageError:
		if e.WorkerID == "" {
			return fmt.Errorf("%s requires worker id", e.Stage)
		}
	case StageFinished:
		if e.StatusClass == "" {
			return errors.New("finished requires status class")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// TaskUUID converts the binary task ID to uuid.UUID for repositories.
func (e Event) TaskUUID() uuid.UUID {
	return uuid.UUID(e.TaskID)
}

// UUIDToBytes encodes a uuid.UUID into the Event form.
func UUIDToBytes(id uuid.UUID) [16]byte {
	var dest [16]byte
	copy(dest[:], id[:])
	return dest
}

// ClassifyStatus groups HTTP status codes.
func ClassifyStatus(code int) StatusClass {
	switch {
	case code >= 200 && code < 300:
		return Status2xx
	case code >= 300 && code < 400:
		return Status3xx
	case code >= 400 && code < 500:
		return Status4xx
	case code >= 500 && code < 600:
		return Status5xx
	default:
		return StatusOther
	}
}
