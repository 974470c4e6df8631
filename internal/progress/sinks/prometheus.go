package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/downloader-pool/internal/progress"
)

// PrometheusSink exports task lifecycle metrics. It owns counters for queued,
// retried and completed tasks, a pending gauge and per-site response counters.
type PrometheusSink struct {
	tasksQueued    prometheus.Counter
	tasksRetried   prometheus.Counter
	tasksCompleted *prometheus.CounterVec
	tasksPending   prometheus.Gauge
	taskLatency    *prometheus.HistogramVec

	responses     *prometheus.CounterVec
	responseBytes *prometheus.CounterVec

	tracker *taskTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		tasksQueued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dlpool_tasks_queued_total",
			Help: "Total tasks accepted into the queue.",
		}),
		tasksRetried: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dlpool_tasks_redispatched_total",
			Help: "Total failed attempts that were put back at the front of the queue.",
		}),
		tasksCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dlpool_tasks_completed_total",
			Help: "Total tasks that reached a terminal state, partitioned by result.",
		}, []string{"result"}),
		tasksPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dlpool_tasks_pending",
			Help: "Tasks queued but not yet finished or terminated.",
		}),
		taskLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dlpool_task_latency_seconds",
			Help:    "Time from queueing to a terminal state.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 15, 30, 60, 120, 300},
		}, []string{"result"}),
		responses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dlpool_task_responses_total",
			Help: "Finished tasks partitioned by site and final status class.",
		}, []string{"site", "status_class"}),
		responseBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dlpool_task_response_bytes_total",
			Help: "Bytes of final responses per site.",
		}, []string{"site"}),
		tracker: newTaskTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.tasksQueued,
		s.tasksRetried,
		s.tasksCompleted,
		s.tasksPending,
		s.taskLatency,
		s.responses,
		s.responseBytes,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from the batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	switch evt.Stage {
	case progress.StageQueued:
		s.tasksQueued.Inc()
		if s.tracker.start(evt.TaskID) {
			s.tasksPending.Inc()
		}
	case progress.StageRedispatched:
		s.tasksRetried.Inc()
	case progress.StageFinished:
		s.complete(evt, "finished")
		s.handleResponse(evt)
	case progress.StageTerminated:
		s.complete(evt, "terminated")
	}
}

func (s *PrometheusSink) complete(evt progress.Event, result string) {
	s.tasksCompleted.WithLabelValues(result).Inc()
	if evt.Dur > 0 {
		s.taskLatency.WithLabelValues(result).Observe(evt.Dur.Seconds())
	}
	if s.tracker.complete(evt.TaskID) {
		s.tasksPending.Dec()
	}
}

func (s *PrometheusSink) handleResponse(evt progress.Event) {
	site := evt.Site
	if site == "" {
		site = "unknown"
	}
	statusClass := string(evt.StatusClass)
	if statusClass == "" {
		statusClass = string(progress.StatusOther)
	}
	s.responses.WithLabelValues(site, statusClass).Inc()
	if evt.Bytes > 0 {
		s.responseBytes.WithLabelValues(site).Add(float64(evt.Bytes))
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type taskTracker struct {
	mu      sync.Mutex
	pending map[[16]byte]struct{}
}

func newTaskTracker() *taskTracker {
	return &taskTracker{pending: make(map[[16]byte]struct{})}
}

func (t *taskTracker) start(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.pending[id]; ok {
		return false
	}
	t.pending[id] = struct{}{}
	return true
}

func (t *taskTracker) complete(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.pending[id]; !ok {
		return false
	}
	delete(t.pending, id)
	return true
}
