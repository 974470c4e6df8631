// Package task holds fetch tasks, their lifecycle state machine and the pending queue
// the dispatcher drains.
package task

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/JakeFAU/downloader-pool/internal/httpresp"
)

// State is a task lifecycle state.
type State string

const (
	// StateReady means the task waits for a worker.
	StateReady State = "ready"
	// StateDispatched means a fetch for the task is in flight.
	StateDispatched State = "dispatched"
	// StateFinished means the task has a response. Terminal.
	StateFinished State = "finished"
	// StateTerminated means the task failed maxAttempts times. Terminal.
	StateTerminated State = "terminated"
)

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateFinished || s == StateTerminated
}

// Log event names.
const (
	EventQueued        = "queued"
	EventDispatched    = "dispatched"
	EventError         = "error"
	EventRedispatching = "redispatching"
	EventFinished      = "finished"
	EventTerminated    = "terminated"
	EventInterrupted   = "interrupted"
)

var (
	// ErrInvalidTransition is returned when a transition does not start from the
	// required state.
	ErrInvalidTransition = errors.New("invalid task transition")
	// ErrTerminated is returned by Wait for tasks that exhausted their attempts.
	ErrTerminated = errors.New("task terminated")
	// ErrInvalidURL is returned for URLs that are not absolute http(s) URLs.
	ErrInvalidURL = errors.New("invalid task url")
)

// Spec is what a caller supplies to create a task. Zero values take pool defaults.
type Spec struct {
	URL            string        `json:"url"`
	UserAgent      string        `json:"user_agent,omitempty"`
	MaxAttempts    int           `json:"max_attempts,omitempty"`
	TimePerAttempt time.Duration `json:"time_per_attempt,omitempty"`
}

// LogEntry is one timestamped lifecycle event of a task.
type LogEntry struct {
	At       time.Time `json:"at"`
	Event    string    `json:"event"`
	Message  string    `json:"message,omitempty"`
	WorkerID string    `json:"worker_id,omitempty"`
	Attempts int       `json:"attempts"`
}

// Observer receives every log entry right after it is recorded on the task.
type Observer interface {
	TaskEvent(t *Task, entry LogEntry)
}

// Task is a unit of fetch work.
type Task struct {
	id             string
	traceID        string
	url            string
	userAgent      string
	maxAttempts    int
	timePerAttempt time.Duration
	createdAt      time.Time
	observer       Observer

	mu       sync.RWMutex
	state    State
	attempts int
	workerID string
	response *httpresp.Response
	lastErr  error
	logs     []LogEntry
	done     chan struct{}
}

// ID is the short fingerprint of the task. It is a display key and may collide.
func (t *Task) ID() string { return t.id }

// TraceID is the unique identifier of the task.
func (t *Task) TraceID() string { return t.traceID }

// URL returns the requested URL.
func (t *Task) URL() string { return t.url }

// UserAgent returns the user agent sent with every attempt.
func (t *Task) UserAgent() string { return t.userAgent }

// MaxAttempts returns the attempt bound.
func (t *Task) MaxAttempts() int { return t.maxAttempts }

// TimePerAttempt returns the fetch timeout of one attempt.
func (t *Task) TimePerAttempt() time.Duration { return t.timePerAttempt }

// CreatedAt returns the creation time.
func (t *Task) CreatedAt() time.Time { return t.createdAt }

// State returns the current state.
func (t *Task) State() State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state
}

// Attempts returns the number of failed attempts so far.
func (t *Task) Attempts() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.attempts
}

// Response returns the response of a finished task.
func (t *Task) Response() (httpresp.Response, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.response == nil {
		return httpresp.Response{}, false
	}
	return *t.response, true
}

// Err returns the error of the most recent failed attempt.
func (t *Task) Err() error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.lastErr
}

// Logs returns a copy of the lifecycle log.
func (t *Task) Logs() []LogEntry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]LogEntry(nil), t.logs...)
}

// Done is closed once the task is finished or terminated.
func (t *Task) Done() <-chan struct{} { return t.done }

// Wait blocks until the task is finished or terminated, or ctx is done.
func (t *Task) Wait(ctx context.Context) (httpresp.Response, error) {
	select {
	case <-t.done:
	case <-ctx.Done():
		return httpresp.Response{}, fmt.Errorf("wait for task %s: %w", t.id, ctx.Err())
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.state == StateFinished {
		return *t.response, nil
	}
	if t.lastErr != nil {
		return httpresp.Response{}, fmt.Errorf("%w after %d attempts: %w", ErrTerminated, t.attempts, t.lastErr)
	}
	return httpresp.Response{}, fmt.Errorf("%w after %d attempts", ErrTerminated, t.attempts)
}

// Dispatch moves a ready task to dispatched on the given worker.
func (t *Task) Dispatch(workerID string, at time.Time) error {
	t.mu.Lock()
	if t.state != StateReady {
		state := t.state
		t.mu.Unlock()
		return fmt.Errorf("dispatch task %s from %s: %w", t.id, state, ErrInvalidTransition)
	}
	t.state = StateDispatched
	t.workerID = workerID
	entry := t.appendLocked(at, EventDispatched, "", workerID)
	t.mu.Unlock()
	t.notify(entry)
	return nil
}

// Finish attaches the response of a dispatched task and makes it terminal.
func (t *Task) Finish(resp httpresp.Response, at time.Time) error {
	t.mu.Lock()
	if t.state != StateDispatched {
		state := t.state
		t.mu.Unlock()
		return fmt.Errorf("finish task %s from %s: %w", t.id, state, ErrInvalidTransition)
	}
	t.state = StateFinished
	t.response = &resp
	entry := t.appendLocked(at, EventFinished, fmt.Sprintf("%d %s", resp.Code, resp.Location), t.workerID)
	t.mu.Unlock()
	t.notify(entry)
	close(t.done)
	return nil
}

// Fail records a failed attempt of a dispatched task. It returns true when the task
// went back to ready and should be redispatched, false when it was terminated.
func (t *Task) Fail(cause error, at time.Time) (bool, error) {
	t.mu.Lock()
	if t.state != StateDispatched {
		state := t.state
		t.mu.Unlock()
		return false, fmt.Errorf("fail task %s from %s: %w", t.id, state, ErrInvalidTransition)
	}
	t.attempts++
	t.lastErr = cause
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	entries := []LogEntry{t.appendLocked(at, EventError, msg, t.workerID)}
	retry := t.attempts < t.maxAttempts
	if retry {
		t.state = StateReady
	} else {
		t.state = StateTerminated
		entries = append(entries, t.appendLocked(at, EventTerminated, msg, t.workerID))
	}
	t.workerID = ""
	t.mu.Unlock()

	for _, e := range entries {
		t.notify(e)
	}
	if !retry {
		close(t.done)
	}
	return retry, nil
}

// Interrupt returns a dispatched task to ready without counting an attempt. It is
// used when the pool itself abandons the fetch, for example on shutdown.
func (t *Task) Interrupt(cause error, at time.Time) error {
	t.mu.Lock()
	if t.state != StateDispatched {
		state := t.state
		t.mu.Unlock()
		return fmt.Errorf("interrupt task %s from %s: %w", t.id, state, ErrInvalidTransition)
	}
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	entry := t.appendLocked(at, EventInterrupted, msg, t.workerID)
	t.state = StateReady
	t.workerID = ""
	t.mu.Unlock()
	t.notify(entry)
	return nil
}

func (t *Task) record(at time.Time, event, msg string) {
	t.mu.Lock()
	entry := t.appendLocked(at, event, msg, "")
	t.mu.Unlock()
	t.notify(entry)
}

// appendLocked requires t.mu.
func (t *Task) appendLocked(at time.Time, event, msg, workerID string) LogEntry {
	entry := LogEntry{At: at, Event: event, Message: msg, WorkerID: workerID, Attempts: t.attempts}
	t.logs = append(t.logs, entry)
	return entry
}

func (t *Task) notify(entry LogEntry) {
	if t.observer != nil {
		t.observer.TaskEvent(t, entry)
	}
}

// Snapshot is the serializable view of a task.
type Snapshot struct {
	ID             string             `json:"id"`
	TraceID        string             `json:"trace_id"`
	URL            string             `json:"url"`
	UserAgent      string             `json:"user_agent"`
	MaxAttempts    int                `json:"max_attempts"`
	TimePerAttempt time.Duration      `json:"time_per_attempt"`
	Attempts       int                `json:"attempts"`
	State          State              `json:"state"`
	CreatedAt      time.Time          `json:"created_at"`
	Response       *httpresp.Response `json:"response,omitempty"`
	Error          string             `json:"error,omitempty"`
	Logs           []LogEntry         `json:"logs"`
}

// Snapshot returns an immutable copy of the task.
func (t *Task) Snapshot() Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s := Snapshot{
		ID:             t.id,
		TraceID:        t.traceID,
		URL:            t.url,
		UserAgent:      t.userAgent,
		MaxAttempts:    t.maxAttempts,
		TimePerAttempt: t.timePerAttempt,
		Attempts:       t.attempts,
		State:          t.state,
		CreatedAt:      t.createdAt,
		Logs:           append([]LogEntry(nil), t.logs...),
	}
	if t.response != nil {
		resp := *t.response
		s.Response = &resp
	}
	if t.lastErr != nil {
		s.Error = t.lastErr.Error()
	}
	return s
}
