// Package dispatcher pairs ready tasks with eligible workers and applies fetch results
// back onto the task lifecycle.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/downloader-pool/internal/httpresp"
	"github.com/JakeFAU/downloader-pool/internal/metrics"
	"github.com/JakeFAU/downloader-pool/internal/policy/throttle"
	"github.com/JakeFAU/downloader-pool/internal/task"
	"github.com/JakeFAU/downloader-pool/internal/worker"
)

// DefaultInterval is the tick between dispatch passes.
const DefaultInterval = 100 * time.Millisecond

// TaskSource is the pending-task side of the pool.
type TaskSource interface {
	FindAndDispatch(pred func(*task.Task) bool) bool
	Redispatch(t *task.Task) error
}

// WorkerPool is the worker side of the pool.
type WorkerPool interface {
	FindAndDispatch(pred func(*worker.Worker) bool) bool
	Acquire(w *worker.Worker) bool
	Release(w *worker.Worker)
	Handle(ctx context.Context, w *worker.Worker, req worker.FetchRequest) (worker.FetchResult, error)
}

// Matcher decides whether a worker may fetch a URL now.
type Matcher interface {
	Matches(w throttle.Cooldowns, rawURL string) bool
}

// Clock supplies timestamps and tickers.
type Clock interface {
	Now() time.Time
	Ticker(d time.Duration) (<-chan time.Time, func())
}

// Config controls the dispatch loop.
type Config struct {
	Interval time.Duration
}

type completion struct {
	task   *task.Task
	worker *worker.Worker
	result worker.FetchResult
	err    error
}

// Dispatcher owns every task and worker state change. All of them happen on the
// goroutine running Run; fetches run on their own goroutines and report back over a
// channel.
type Dispatcher struct {
	tasks   TaskSource
	workers WorkerPool
	matcher Matcher
	clock   Clock
	cfg     Config
	logger  *zap.Logger
	parse   func(raw []byte, location string) (httpresp.Response, error)

	kick     chan struct{}
	results  chan completion
	inflight int
}

// New creates a Dispatcher.
func New(tasks TaskSource, workers WorkerPool, matcher Matcher, clock Clock, cfg Config, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	return &Dispatcher{
		tasks:   tasks,
		workers: workers,
		matcher: matcher,
		clock:   clock,
		cfg:     cfg,
		logger:  logger,
		parse:   httpresp.Parse,
		kick:    make(chan struct{}, 1),
		results: make(chan completion, 64),
	}
}

// Kick asks the loop to run a dispatch pass before the next tick.
func (d *Dispatcher) Kick() {
	select {
	case d.kick <- struct{}{}:
	default:
	}
}

// Run drives the scheduling loop until ctx is done. In-flight fetches are then
// cancelled and their outcomes applied before Run returns.
func (d *Dispatcher) Run(ctx context.Context) error {
	ticks, stop := d.clock.Ticker(d.cfg.Interval)
	defer stop()

	d.logger.Info("dispatcher started", zap.Duration("interval", d.cfg.Interval))
	d.drain(ctx)
	for {
		select {
		case <-ctx.Done():
			for d.inflight > 0 {
				d.complete(ctx, <-d.results)
			}
			d.logger.Info("dispatcher stopped")
			return nil
		case <-ticks:
			d.drain(ctx)
		case <-d.kick:
			d.drain(ctx)
		case c := <-d.results:
			d.complete(ctx, c)
			d.drain(ctx)
		}
	}
}

// drain dispatches every currently dispatchable (task, worker) pair.
func (d *Dispatcher) drain(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	offer := func(t *task.Task) bool {
		ok := d.workers.FindAndDispatch(func(w *worker.Worker) bool {
			booking := &deferredCooldowns{Cooldowns: w}
			if !d.matcher.Matches(booking, t.URL()) {
				return false
			}
			return d.dispatch(ctx, t, w, booking.commit)
		})
		if !ok {
			metrics.ObserveThrottleDeferral()
		}
		return ok
	}
	dispatched := 0
	for d.tasks.FindAndDispatch(offer) {
		dispatched++
	}
	if dispatched > 0 {
		d.logger.Debug("dispatch pass", zap.Int("dispatched", dispatched), zap.Int("inflight", d.inflight))
	}
}

// dispatch acquires w and starts the fetch. book records the politeness cooldown
// and runs only once the fetch is certain to start.
func (d *Dispatcher) dispatch(ctx context.Context, t *task.Task, w *worker.Worker, book func()) bool {
	if !d.workers.Acquire(w) {
		return false
	}
	if err := t.Dispatch(w.ID(), d.clock.Now()); err != nil {
		d.workers.Release(w)
		d.logger.Error("dispatch task", zap.String("task_id", t.ID()), zap.Error(err))
		return false
	}
	book()
	d.inflight++
	d.logger.Debug("task dispatched",
		zap.String("task_id", t.ID()),
		zap.String("worker_id", w.ID()),
		zap.String("url", t.URL()),
		zap.Int("attempts", t.Attempts()),
	)

	req := worker.FetchRequest{URL: t.URL(), UserAgent: t.UserAgent(), Timeout: t.TimePerAttempt()}
	go func() {
		res, err := d.workers.Handle(ctx, w, req)
		d.results <- completion{task: t, worker: w, result: res, err: err}
	}()
	return true
}

// complete releases the worker and finishes, retries or terminates the task. A failed
// fetch never disables the worker. A fetch cut short by ctx does not count as an
// attempt; the task goes back to the front of the queue.
func (d *Dispatcher) complete(ctx context.Context, c completion) {
	d.inflight--
	d.workers.Release(c.worker)
	t := c.task
	logger := d.logger.With(zap.String("task_id", t.ID()), zap.String("worker_id", c.worker.ID()))

	if c.err != nil && ctx.Err() != nil && errors.Is(c.err, ctx.Err()) {
		if err := t.Interrupt(c.err, d.clock.Now()); err != nil {
			logger.Error("interrupt task", zap.Error(err))
			return
		}
		logger.Info("task interrupted", zap.Int("attempts", t.Attempts()))
		if err := d.tasks.Redispatch(t); err != nil {
			logger.Error("redispatch task", zap.Error(err))
		}
		return
	}

	err := c.err
	if err == nil {
		resp, perr := d.parse(c.result.Raw, t.URL())
		if perr == nil {
			if ferr := t.Finish(resp, d.clock.Now()); ferr != nil {
				logger.Error("finish task", zap.Error(ferr))
				return
			}
			logger.Info("task finished",
				zap.Int("code", resp.Code),
				zap.String("location", resp.Location),
				zap.Duration("elapsed", c.result.Duration),
			)
			return
		}
		err = fmt.Errorf("parse response: %w", perr)
	}

	retry, ferr := t.Fail(err, d.clock.Now())
	if ferr != nil {
		logger.Error("fail task", zap.Error(ferr))
		return
	}
	if !retry {
		logger.Warn("task terminated", zap.Int("attempts", t.Attempts()), zap.Error(err))
		return
	}
	logger.Info("task redispatching", zap.Int("attempts", t.Attempts()), zap.Error(err))
	if rerr := d.tasks.Redispatch(t); rerr != nil {
		logger.Error("redispatch task", zap.Error(rerr))
	}
}

// deferredCooldowns reads a worker's cooldowns but holds back the booking made by
// the matcher until commit.
type deferredCooldowns struct {
	throttle.Cooldowns
	domain string
	at     time.Time
	booked bool
}

func (c *deferredCooldowns) SetNextAccess(domain string, at time.Time) {
	c.domain, c.at, c.booked = domain, at, true
}

func (c *deferredCooldowns) commit() {
	if c.booked {
		c.Cooldowns.SetNextAccess(c.domain, c.at)
	}
}
