// Package dispatcher contains end-to-end tests of the scheduling loop over fake
// ssh and curl subprocesses.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/downloader-pool/internal/clock/system"
	"github.com/JakeFAU/downloader-pool/internal/command/commandtest"
	"github.com/JakeFAU/downloader-pool/internal/httpresp"
	"github.com/JakeFAU/downloader-pool/internal/id/uuid"
	"github.com/JakeFAU/downloader-pool/internal/policy/throttle"
	"github.com/JakeFAU/downloader-pool/internal/task"
	"github.com/JakeFAU/downloader-pool/internal/tunnel"
	"github.com/JakeFAU/downloader-pool/internal/worker"
)

const okResponse = "HTTP/1.1 200 OK\r\nContent-Type: text/plain\r\n\r\nok"

type curlScript func(call commandtest.Call, p *commandtest.Process)

type testPool struct {
	queue   *task.Queue
	reg     *worker.Registry
	matcher *throttle.Matcher
	disp    *Dispatcher
	runner  *commandtest.Runner
	// stop cancels the pool context and waits for Run to return.
	stop func()
}

func (p *testPool) curlCalls() []commandtest.Call {
	var out []commandtest.Call
	for _, c := range p.runner.Calls() {
		if c.Name == "curl" {
			out = append(out, c)
		}
	}
	return out
}

func newTestPool(t *testing.T, workers int, curl curlScript, intervals ...throttle.Interval) *testPool {
	t.Helper()

	runner := &commandtest.Runner{OnStart: func(call commandtest.Call) (*commandtest.Process, error) {
		p := commandtest.NewProcess(100)
		switch call.Name {
		case "ssh":
			go p.WriteStdout("Last login: Mon Oct 12 10:00:00 2026\r\n")
		case "curl":
			go curl(call, p)
		}
		return p, nil
	}}
	reg := worker.NewRegistry(worker.Config{
		BaseSOCKSPort: 9200,
		Tunnel:        tunnel.Config{CloseGrace: 5 * time.Millisecond},
	}, runner, zap.NewNop())
	for i := 0; i < workers; i++ {
		_, err := reg.NewWorker(worker.Spec{Host: fmt.Sprintf("10.0.0.%d", i+1), User: "crawler"})
		require.NoError(t, err)
	}

	clk := system.New()
	queue, err := task.NewQueue(task.Config{}, uuid.New(), clk, nil, zap.NewNop())
	require.NoError(t, err)

	matcher := throttle.New()
	for _, iv := range intervals {
		matcher.SetDomainInterval(iv.Domain, iv)
	}
	disp := New(queue, reg, matcher, clk, Config{Interval: 5 * time.Millisecond}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	reg.Start(ctx)
	require.Eventually(t, func() bool {
		for _, w := range reg.Workers() {
			if w.State != worker.StateReady {
				return false
			}
		}
		return true
	}, 2*time.Second, 5*time.Millisecond)

	done := make(chan error, 1)
	go func() { done <- disp.Run(ctx) }()
	var once sync.Once
	stop := func() {
		once.Do(func() {
			cancel()
			require.NoError(t, <-done)
		})
	}
	t.Cleanup(func() {
		stop()
		reg.Stop()
	})
	return &testPool{queue: queue, reg: reg, matcher: matcher, disp: disp, runner: runner, stop: stop}
}

func waitTask(t *testing.T, tk *task.Task) (httpresp.Response, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return tk.Wait(ctx)
}

func respond(body string) curlScript {
	return func(_ commandtest.Call, p *commandtest.Process) {
		p.WriteStdout(body)
		p.Exit(nil)
	}
}

func fail(_ commandtest.Call, p *commandtest.Process) {
	p.WriteStderr("curl: (52) Empty reply from server\n")
	p.Exit(errors.New("exit status 52"))
}

func TestTaskTerminatesAfterMaxAttempts(t *testing.T) {
	t.Parallel()

	pool := newTestPool(t, 1, fail)
	tk, err := pool.queue.NewTask(task.Spec{URL: "http://example.com", MaxAttempts: 2})
	require.NoError(t, err)
	pool.disp.Kick()

	_, err = waitTask(t, tk)
	require.ErrorIs(t, err, task.ErrTerminated)
	require.Equal(t, task.StateTerminated, tk.State())
	require.Equal(t, 2, tk.Attempts())
	require.Len(t, pool.curlCalls(), 2, "never more dispatches than maxAttempts")

	snap := pool.reg.Workers()[0]
	require.Equal(t, worker.StateReady, snap.State, "fetch failures do not disable the worker")
	require.Equal(t, 2, snap.Stats.FailedDownloads)
}

func TestTaskRetriesThenFinishes(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	pool := newTestPool(t, 1, func(call commandtest.Call, p *commandtest.Process) {
		if calls.Add(1) == 1 {
			fail(call, p)
			return
		}
		respond(okResponse)(call, p)
	})
	tk, err := pool.queue.NewTask(task.Spec{URL: "http://example.com/page", MaxAttempts: 3})
	require.NoError(t, err)

	resp, err := waitTask(t, tk)
	require.NoError(t, err)
	require.Equal(t, 200, resp.Code)
	require.Equal(t, "ok", string(resp.Raw))
	require.Equal(t, 1, tk.Attempts())

	var events []string
	for _, e := range tk.Logs() {
		events = append(events, e.Event)
	}
	require.Equal(t, []string{
		task.EventQueued, task.EventDispatched, task.EventError,
		task.EventRedispatching, task.EventDispatched, task.EventFinished,
	}, events)
}

func TestParseFailureCountsAsFetchFailure(t *testing.T) {
	t.Parallel()

	pool := newTestPool(t, 1, respond("not an http response"))
	tk, err := pool.queue.NewTask(task.Spec{URL: "http://example.com", MaxAttempts: 1})
	require.NoError(t, err)

	_, err = waitTask(t, tk)
	require.ErrorIs(t, err, task.ErrTerminated)
	require.ErrorIs(t, tk.Err(), httpresp.ErrMalformedStatusLine)
}

func TestRedirectChainIsFollowed(t *testing.T) {
	t.Parallel()

	raw := "HTTP/1.1 301 Moved Permanently\r\nLocation: http://b/\r\n\r\n" +
		"HTTP/1.1 200 OK\r\nContent-Length: 1\r\n\r\nX"
	pool := newTestPool(t, 1, respond(raw))
	tk, err := pool.queue.NewTask(task.Spec{URL: "http://a/"})
	require.NoError(t, err)

	resp, err := waitTask(t, tk)
	require.NoError(t, err)
	require.Equal(t, 200, resp.Code)
	require.Equal(t, "http://b/", resp.Location)
	require.Equal(t, []string{"http://a/"}, resp.OtherLocations)
	require.Equal(t, "X", string(resp.Raw))
}

func TestWorkerRunsOneFetchAtATime(t *testing.T) {
	t.Parallel()

	var active, peak atomic.Int32
	pool := newTestPool(t, 1, func(_ commandtest.Call, p *commandtest.Process) {
		n := active.Add(1)
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		active.Add(-1)
		p.WriteStdout(okResponse)
		p.Exit(nil)
	})

	var tasks []*task.Task
	for i := 0; i < 5; i++ {
		tk, err := pool.queue.NewTask(task.Spec{URL: fmt.Sprintf("http://site%d.example/", i)})
		require.NoError(t, err)
		tasks = append(tasks, tk)
	}
	for _, tk := range tasks {
		_, err := waitTask(t, tk)
		require.NoError(t, err)
	}
	require.EqualValues(t, 1, peak.Load())
}

func TestFIFOWithSingleWorker(t *testing.T) {
	t.Parallel()

	pool := newTestPool(t, 1, respond(okResponse))
	var tasks []*task.Task
	for _, u := range []string{"http://first.example/", "http://second.example/", "http://third.example/"} {
		tk, err := pool.queue.NewTask(task.Spec{URL: u})
		require.NoError(t, err)
		tasks = append(tasks, tk)
	}
	for _, tk := range tasks {
		_, err := waitTask(t, tk)
		require.NoError(t, err)
	}

	calls := pool.curlCalls()
	require.Len(t, calls, 3)
	for i, tk := range tasks {
		require.Equal(t, tk.URL(), calls[i].Args[len(calls[i].Args)-1])
	}
}

func TestSameWorkerRespectsDomainInterval(t *testing.T) {
	t.Parallel()

	const gap = 60 * time.Millisecond
	pool := newTestPool(t, 1, respond(okResponse), throttle.Interval{Domain: "example.com", Min: gap})

	var tasks []*task.Task
	for i := 0; i < 3; i++ {
		tk, err := pool.queue.NewTask(task.Spec{URL: fmt.Sprintf("http://www.example.com/%d", i)})
		require.NoError(t, err)
		tasks = append(tasks, tk)
	}
	var dispatched []time.Time
	for _, tk := range tasks {
		_, err := waitTask(t, tk)
		require.NoError(t, err)
		for _, e := range tk.Logs() {
			if e.Event == task.EventDispatched {
				dispatched = append(dispatched, e.At)
			}
		}
	}

	require.Len(t, dispatched, 3)
	for i := 1; i < len(dispatched); i++ {
		// The log stamp is taken just after the throttle decision.
		require.GreaterOrEqual(t, dispatched[i].Sub(dispatched[i-1]), gap-2*time.Millisecond)
	}
	require.Len(t, pool.curlCalls(), 3)
}

// Cooldowns are tracked per worker, so two workers may hit the same domain at once
// while a third fetch must wait for a cooldown to expire.
func TestDomainIntervalIsPerWorker(t *testing.T) {
	t.Parallel()

	pool := newTestPool(t, 2, respond(okResponse), throttle.Interval{Domain: "example.com", Min: time.Hour})

	first, err := pool.queue.NewTask(task.Spec{URL: "http://example.com/1"})
	require.NoError(t, err)
	second, err := pool.queue.NewTask(task.Spec{URL: "http://example.com/2"})
	require.NoError(t, err)
	_, err = waitTask(t, first)
	require.NoError(t, err)
	_, err = waitTask(t, second)
	require.NoError(t, err)
	require.NotEqual(t, first.Logs()[1].WorkerID, second.Logs()[1].WorkerID)

	third, err := pool.queue.NewTask(task.Spec{URL: "http://example.com/3"})
	require.NoError(t, err)
	other, err := pool.queue.NewTask(task.Spec{URL: "http://other.example/"})
	require.NoError(t, err)
	_, err = waitTask(t, other)
	require.NoError(t, err, "other domains are not blocked")
	require.Equal(t, task.StateReady, third.State())
}

func TestKickIsNonBlocking(t *testing.T) {
	t.Parallel()

	d := New(nil, nil, nil, system.New(), Config{}, nil)
	for i := 0; i < 10; i++ {
		d.Kick()
	}
	require.Len(t, d.kick, 1)
	require.Equal(t, DefaultInterval, d.cfg.Interval)
}

func TestShutdownReturnsInFlightTaskToQueue(t *testing.T) {
	t.Parallel()

	started := make(chan struct{})
	pool := newTestPool(t, 1, func(_ commandtest.Call, _ *commandtest.Process) {
		close(started)
	})
	tk, err := pool.queue.NewTask(task.Spec{URL: "http://example.com", MaxAttempts: 1, TimePerAttempt: time.Minute})
	require.NoError(t, err)
	pool.disp.Kick()

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		require.FailNow(t, "fetch never started")
	}
	require.Equal(t, task.StateDispatched, tk.State())
	pool.stop()

	require.Equal(t, task.StateReady, tk.State(), "shutdown is not a failed attempt")
	require.Zero(t, tk.Attempts())
	select {
	case <-tk.Done():
		require.FailNow(t, "interrupted task must not complete")
	default:
	}
	logs := tk.Logs()
	require.Equal(t, task.EventRedispatching, logs[len(logs)-1].Event)
	require.Equal(t, task.EventInterrupted, logs[len(logs)-2].Event)
	require.Zero(t, pool.reg.Workers()[0].Stats.FailedDownloads)
}

// refusingPool offers its worker to every predicate but never lets it be acquired.
type refusingPool struct {
	w *worker.Worker
}

func (p refusingPool) FindAndDispatch(pred func(*worker.Worker) bool) bool { return pred(p.w) }

func (refusingPool) Acquire(*worker.Worker) bool { return false }

func (refusingPool) Release(*worker.Worker) {}

func (refusingPool) Handle(context.Context, *worker.Worker, worker.FetchRequest) (worker.FetchResult, error) {
	return worker.FetchResult{}, errors.New("fetch must not start")
}

func TestCooldownNotBookedWhenAcquireFails(t *testing.T) {
	t.Parallel()

	reg := worker.NewRegistry(worker.Config{}, &commandtest.Runner{}, zap.NewNop())
	w, err := reg.NewWorker(worker.Spec{Host: "10.0.0.1"})
	require.NoError(t, err)

	clk := system.New()
	queue, err := task.NewQueue(task.Config{}, uuid.New(), clk, nil, zap.NewNop())
	require.NoError(t, err)
	tk, err := queue.NewTask(task.Spec{URL: "http://www.example.com/a"})
	require.NoError(t, err)

	matcher := throttle.New()
	matcher.SetDomainInterval("example.com", throttle.Interval{Min: time.Hour})
	d := New(queue, refusingPool{w: w}, matcher, clk, Config{}, zap.NewNop())
	d.drain(context.Background())

	require.Equal(t, task.StateReady, tk.State())
	_, booked := w.NextAccess("example.com")
	require.False(t, booked, "no cooldown for a fetch that never ran")
	require.True(t, matcher.Matches(w, "http://www.example.com/b"))
}
