package task

import (
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/downloader-pool/internal/hash/sha256"
)

// Pool-wide defaults applied to specs that leave a field empty.
const (
	DefaultUserAgent          = "Mozilla/5.0 (compatible; downloader-pool/1.0)"
	DefaultMaxAttempts        = 3
	DefaultTimePerAttempt     = 15 * time.Second
	DefaultCompletedCacheSize = 1000
)

// Defaults fill in unset Spec fields.
type Defaults struct {
	UserAgent      string
	MaxAttempts    int
	TimePerAttempt time.Duration
}

// Config controls a Queue.
type Config struct {
	Defaults           Defaults
	CompletedCacheSize int
}

// Clock supplies timestamps.
type Clock interface {
	Now() time.Time
}

// IDGenerator creates trace ids.
type IDGenerator interface {
	NewID() (string, error)
}

// Stats summarizes the queue.
type Stats struct {
	Ready      int `json:"ready"`
	Dispatched int `json:"dispatched"`
	Completed  int `json:"completed"`
}

// Queue owns pending tasks and a bounded cache of completed ones.
type Queue struct {
	defaults Defaults
	hasher   *sha256.Hasher
	ids      IDGenerator
	clock    Clock
	observer Observer
	logger   *zap.Logger

	mu        sync.Mutex
	pending   []*Task
	live      map[string]*Task
	completed *lru.Cache[string, *Task]
}

// NewQueue builds an empty queue.
func NewQueue(cfg Config, ids IDGenerator, clock Clock, observer Observer, logger *zap.Logger) (*Queue, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if ids == nil {
		return nil, fmt.Errorf("new queue: id generator is required")
	}
	if clock == nil {
		return nil, fmt.Errorf("new queue: clock is required")
	}
	d := cfg.Defaults
	if d.UserAgent == "" {
		d.UserAgent = DefaultUserAgent
	}
	if d.MaxAttempts <= 0 {
		d.MaxAttempts = DefaultMaxAttempts
	}
	if d.TimePerAttempt <= 0 {
		d.TimePerAttempt = DefaultTimePerAttempt
	}
	size := cfg.CompletedCacheSize
	if size <= 0 {
		size = DefaultCompletedCacheSize
	}
	cache, err := lru.New[string, *Task](size)
	if err != nil {
		return nil, fmt.Errorf("new completed cache: %w", err)
	}
	return &Queue{
		defaults:  d,
		hasher:    sha256.New(sha256.DefaultLength),
		ids:       ids,
		clock:     clock,
		observer:  observer,
		logger:    logger,
		live:      make(map[string]*Task),
		completed: cache,
	}, nil
}

// NewTask validates spec, fills defaults and appends the task to the pending list.
func (q *Queue) NewTask(spec Spec) (*Task, error) {
	if err := validateURL(spec.URL); err != nil {
		return nil, err
	}
	traceID, err := q.ids.NewID()
	if err != nil {
		return nil, fmt.Errorf("new task: %w", err)
	}
	now := q.clock.Now()
	t := &Task{
		id:             q.hasher.Fingerprint(now, spec.URL),
		traceID:        traceID,
		url:            spec.URL,
		userAgent:      firstNonEmpty(spec.UserAgent, q.defaults.UserAgent),
		maxAttempts:    spec.MaxAttempts,
		timePerAttempt: spec.TimePerAttempt,
		createdAt:      now,
		observer:       q.observer,
		state:          StateReady,
		done:           make(chan struct{}),
	}
	if t.maxAttempts <= 0 {
		t.maxAttempts = q.defaults.MaxAttempts
	}
	if t.timePerAttempt <= 0 {
		t.timePerAttempt = q.defaults.TimePerAttempt
	}

	q.mu.Lock()
	q.pending = append(q.pending, t)
	q.live[t.traceID] = t
	q.mu.Unlock()

	q.logger.Debug("task queued", zap.String("task_id", t.id), zap.String("url", t.url))
	t.record(now, EventQueued, "")
	return t, nil
}

// Redispatch puts a ready task at the front of the pending list so it is serviced before
// anything queued after it. A stale entry of the same task is removed first.
func (q *Queue) Redispatch(t *Task) error {
	if s := t.State(); s != StateReady {
		return fmt.Errorf("redispatch task %s from %s: %w", t.id, s, ErrInvalidTransition)
	}
	q.mu.Lock()
	rest := make([]*Task, 0, len(q.pending)+1)
	rest = append(rest, t)
	for _, p := range q.pending {
		if p != t {
			rest = append(rest, p)
		}
	}
	q.pending = rest
	q.live[t.traceID] = t
	q.mu.Unlock()

	t.record(q.clock.Now(), EventRedispatching, "")
	return nil
}

// FindAndDispatch makes one front-to-back pass over the pending list. Terminal tasks
// move to the completed cache, dispatched tasks are set aside, and ready tasks are
// offered to pred until it returns true. Set-aside tasks go back to the front in their
// original order. pred runs under the queue lock and must not call back into the queue.
func (q *Queue) FindAndDispatch(pred func(*Task) bool) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	pending := q.pending
	aside := make([]*Task, 0, len(pending))
	found := false
	i := 0
	for ; i < len(pending) && !found; i++ {
		t := pending[i]
		switch t.State() {
		case StateFinished, StateTerminated:
			q.archiveLocked(t)
		case StateDispatched:
			aside = append(aside, t)
		case StateReady:
			aside = append(aside, t)
			found = pred(t)
		}
	}
	q.pending = append(aside, pending[i:]...)
	return found
}

// archiveLocked requires q.mu.
func (q *Queue) archiveLocked(t *Task) {
	delete(q.live, t.traceID)
	q.completed.Add(completedKey(t.id, t.url), t)
}

// Completed returns a finished or terminated task from the cache.
func (q *Queue) Completed(id, rawURL string) (*Task, bool) {
	return q.completed.Get(completedKey(id, rawURL))
}

// Lookup finds a task by trace id or short id, pending tasks first.
func (q *Queue) Lookup(key string) (*Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if t, ok := q.live[key]; ok {
		return t, true
	}
	for _, t := range q.pending {
		if t.id == key {
			return t, true
		}
	}
	values := q.completed.Values()
	for i := len(values) - 1; i >= 0; i-- {
		if t := values[i]; t.id == key || t.traceID == key {
			return t, true
		}
	}
	return nil, false
}

// Len returns the number of tasks in the pending list.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Stats counts pending tasks by state and cached completed tasks.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	var s Stats
	for _, t := range q.pending {
		switch t.State() {
		case StateReady:
			s.Ready++
		case StateDispatched:
			s.Dispatched++
		case StateFinished, StateTerminated:
			s.Completed++
		}
	}
	s.Completed += q.completed.Len()
	return s
}

func completedKey(id, rawURL string) string {
	return id + " " + rawURL
}

func validateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidURL, err)
	}
	scheme := strings.ToLower(u.Scheme)
	if (scheme != "http" && scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: %q must be an absolute http(s) url", ErrInvalidURL, raw)
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
