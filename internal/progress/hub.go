package progress

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Config controls buffering and batching for the Hub. Zero values take defaults.
type Config struct {
	// BufferSize is the number of queued events before non-terminal events are dropped (4096).
	BufferSize int
	// OverflowSize is the number of terminal events held aside while the buffer is full (1024).
	OverflowSize int
	// MaxBatchEvents flushes a batch once it holds this many events (1000).
	MaxBatchEvents int
	// MaxBatchWait bounds how long the oldest event of a partial batch waits (500ms).
	MaxBatchWait time.Duration
	// SinkTimeout bounds each Consume call (10s).
	SinkTimeout time.Duration
	// BaseContext is the parent of every sink call.
	BaseContext context.Context
	Logger      *zap.Logger
}

const (
	defaultBufferSize     = 4096
	defaultOverflowSize   = 1024
	defaultMaxBatchEvents = 1000
	defaultMaxBatchWait   = 500 * time.Millisecond
	defaultSinkTimeout    = 10 * time.Second
	dropLogInterval       = 5 * time.Second
)

// Hub batches task events and fans them out to sinks from a single goroutine.
// Emit never blocks the caller, which is usually the dispatcher loop. When the
// buffer is full, finished and terminated events go to a bounded overflow lane so
// the archive and completion notifications keep them; other stages are dropped.
type Hub struct {
	cfg    Config
	sinks  []Sink
	logger *zap.Logger

	events chan Event
	wake   chan struct{}

	mu       sync.Mutex
	overflow []Event
	closed   bool

	dropped    atomic.Int64
	unreported atomic.Int64
	dropReport *rate.Sometimes

	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	closeCtx  context.Context
}

// NewHub starts a Hub delivering to sinks.
func NewHub(cfg Config, sinks ...Sink) *Hub {
	h := newHub(cfg, sinks...)
	go h.run()
	return h
}

func newHub(cfg Config, sinks ...Sink) *Hub {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	if cfg.OverflowSize <= 0 {
		cfg.OverflowSize = defaultOverflowSize
	}
	if cfg.MaxBatchEvents <= 0 {
		cfg.MaxBatchEvents = defaultMaxBatchEvents
	}
	if cfg.MaxBatchWait <= 0 {
		cfg.MaxBatchWait = defaultMaxBatchWait
	}
	if cfg.SinkTimeout <= 0 {
		cfg.SinkTimeout = defaultSinkTimeout
	}
	if cfg.BaseContext == nil {
		cfg.BaseContext = context.Background()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	var live []Sink
	for _, s := range sinks {
		if s != nil {
			live = append(live, s)
		}
	}
	return &Hub{
		cfg:        cfg,
		sinks:      live,
		logger:     logger,
		events:     make(chan Event, cfg.BufferSize),
		wake:       make(chan struct{}, 1),
		dropReport: &rate.Sometimes{Interval: dropLogInterval},
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Emit queues evt for the sinks. Invalid events and events emitted after Close
// are discarded.
func (h *Hub) Emit(evt Event) {
	if h == nil {
		return
	}
	if err := evt.Validate(); err != nil {
		h.logger.Debug("discarding invalid progress event", zap.Error(err))
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	select {
	case h.events <- evt:
		return
	default:
	}
	if evt.Stage.Terminal() && len(h.overflow) < h.cfg.OverflowSize {
		h.overflow = append(h.overflow, evt)
		select {
		case h.wake <- struct{}{}:
		default:
		}
		return
	}
	h.drop(evt)
}

func (h *Hub) drop(evt Event) {
	h.dropped.Add(1)
	h.unreported.Add(1)
	h.dropReport.Do(func() {
		h.logger.Warn("progress events dropped due to backpressure",
			zap.Int64("dropped", h.unreported.Swap(0)),
			zap.String("last_stage", string(evt.Stage)),
		)
	})
}

// Dropped reports how many events were discarded because the hub was saturated.
func (h *Hub) Dropped() int64 {
	if h == nil {
		return 0
	}
	return h.dropped.Load()
}

// Close stops accepting events, flushes what is queued, closes the sinks and
// waits for the delivery goroutine. Repeated calls only wait.
func (h *Hub) Close(ctx context.Context) error {
	if h == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	h.closeOnce.Do(func() {
		h.mu.Lock()
		h.closed = true
		h.closeCtx = ctx
		h.mu.Unlock()
		close(h.stop)
	})
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("progress hub close wait: %w", ctx.Err())
	}
}

func (h *Hub) run() {
	defer close(h.done)
	b := newBatcher(h.cfg.MaxBatchEvents, h.cfg.MaxBatchWait, h.flush)
	defer b.timer.Stop()
	for {
		select {
		case evt := <-h.events:
			b.add(evt)
		case <-h.wake:
			h.drainOverflow(b)
		case <-b.timer.C:
			b.armed = false
			b.emit()
		case <-h.stop:
			h.drainOverflow(b)
			b.emit()
			h.closeSinks()
			return
		}
	}
}

// drainOverflow moves the buffered events into b ahead of the overflow lane, so a
// terminal event never reaches sinks before the earlier events of its task.
func (h *Hub) drainOverflow(b *batcher) {
	for n := len(h.events); n > 0; n-- {
		b.add(<-h.events)
	}
	h.mu.Lock()
	held := h.overflow
	h.overflow = nil
	h.mu.Unlock()
	for _, evt := range held {
		b.add(evt)
	}
}

func (h *Hub) flush(batch []Event) {
	out := append([]Event(nil), batch...)
	for _, sink := range h.sinks {
		ctx, cancel := context.WithTimeout(h.cfg.BaseContext, h.cfg.SinkTimeout)
		if err := sink.Consume(ctx, out); err != nil {
			h.logger.Warn("progress sink consume failed", zap.Error(err), zap.Int("events", len(out)))
		}
		cancel()
	}
}

func (h *Hub) closeSinks() {
	ctx := h.closeCtx
	if ctx == nil {
		ctx = context.Background()
	}
	for _, sink := range h.sinks {
		if err := sink.Close(ctx); err != nil {
			h.logger.Warn("progress sink close failed", zap.Error(err))
		}
	}
}

// batcher accumulates events until max is reached or the first event has waited wait.
type batcher struct {
	events []Event
	max    int
	wait   time.Duration
	timer  *time.Timer
	armed  bool
	flush  func([]Event)
}

func newBatcher(max int, wait time.Duration, flush func([]Event)) *batcher {
	timer := time.NewTimer(wait)
	timer.Stop()
	return &batcher{
		events: make([]Event, 0, max),
		max:    max,
		wait:   wait,
		timer:  timer,
		flush:  flush,
	}
}

func (b *batcher) add(evt Event) {
	b.events = append(b.events, evt)
	if len(b.events) >= b.max {
		b.emit()
		return
	}
	if !b.armed {
		b.timer.Reset(b.wait)
		b.armed = true
	}
}

func (b *batcher) emit() {
	if b.armed {
		if !b.timer.Stop() {
			select {
			case <-b.timer.C:
			default:
			}
		}
		b.armed = false
	}
	if len(b.events) == 0 {
		return
	}
	b.flush(b.events)
	b.events = b.events[:0]
}
