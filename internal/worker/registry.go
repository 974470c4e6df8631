package worker

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/downloader-pool/internal/command"
	"github.com/JakeFAU/downloader-pool/internal/metrics"
	"github.com/JakeFAU/downloader-pool/internal/tunnel"
)

const defaultBaseSOCKSPort = 10000

var (
	// ErrDuplicateWorker is returned when a host:port is registered twice.
	ErrDuplicateWorker = errors.New("duplicate worker")
	// ErrInvalidSpec is returned for a worker without a host.
	ErrInvalidSpec = errors.New("invalid worker spec")
)

// Config controls the registry.
type Config struct {
	// BaseSOCKSPort is the local port of the first worker; later workers count up.
	BaseSOCKSPort int
	CurlPath      string
	// Tunnel carries timeouts, backoff and the ssh path shared by every worker.
	Tunnel tunnel.Config
}

// Registry holds every worker of the pool.
type Registry struct {
	cfg    Config
	runner command.Runner
	logger *zap.Logger
	perm   func(n int) []int

	mu      sync.RWMutex
	workers []*Worker
	byID    map[string]*Worker
	runCtx  context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg Config, runner command.Runner, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	if runner == nil {
		runner = command.NewExecRunner()
	}
	if cfg.BaseSOCKSPort <= 0 {
		cfg.BaseSOCKSPort = defaultBaseSOCKSPort
	}
	if cfg.CurlPath == "" {
		cfg.CurlPath = "curl"
	}
	return &Registry{
		cfg:    cfg,
		runner: runner,
		logger: logger,
		perm:   rand.Perm,
		byID:   make(map[string]*Worker),
	}
}

// NewWorker registers a worker in the unresponsive state with the next local SOCKS
// port. If the registry is already started, its tunnel is brought up immediately.
func (r *Registry) NewWorker(spec Spec) (*Worker, error) {
	if spec.Host == "" {
		return nil, fmt.Errorf("new worker: %w: host is required", ErrInvalidSpec)
	}
	if spec.Port <= 0 {
		spec.Port = 22
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	id := spec.ID()
	if _, ok := r.byID[id]; ok {
		return nil, fmt.Errorf("new worker %s: %w", id, ErrDuplicateWorker)
	}
	w := newWorker(spec, r.cfg.BaseSOCKSPort+len(r.workers))
	w.conn = r.newConnection(w)
	r.workers = append(r.workers, w)
	r.byID[id] = w
	r.logger.Info("worker registered",
		zap.String("worker_id", id),
		zap.Int("socks_port", w.socksPort),
	)
	if r.runCtx != nil {
		r.superviseLocked(w)
	}
	return w, nil
}

func (r *Registry) newConnection(w *Worker) *tunnel.Connection {
	cfg := r.cfg.Tunnel
	cfg.Host = w.spec.Host
	cfg.Port = w.spec.Port
	cfg.User = w.spec.User
	cfg.Identity = w.spec.Identity
	cfg.SOCKSPort = w.socksPort

	hooks := tunnel.Hooks{
		OnConnected: func() {
			metrics.ObserveTunnelAttempt("connected")
			w.onConnected()
		},
		OnAttemptFailed: func(err error, failures int) {
			denied := errors.Is(err, tunnel.ErrPermissionDenied)
			if denied {
				metrics.ObserveTunnelAttempt("denied")
			} else {
				metrics.ObserveTunnelAttempt("failed")
			}
			w.onAttemptFailed(denied, failures)
		},
		OnDisconnected: func(error) {
			metrics.ObserveTunnelDrop()
			w.onDisconnected()
		},
	}
	return tunnel.New(cfg, r.runner, hooks, r.logger.Named("tunnel").With(zap.String("worker_id", w.id)))
}

// Get returns the worker with the given id.
func (r *Registry) Get(id string) (*Worker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.byID[id]
	return w, ok
}

// Len returns the number of registered workers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.workers)
}

// Workers returns snapshots in registration order.
func (r *Registry) Workers() []Snapshot {
	r.mu.RLock()
	list := append([]*Worker(nil), r.workers...)
	r.mu.RUnlock()

	out := make([]Snapshot, 0, len(list))
	for _, w := range list {
		out = append(out, w.Snapshot())
	}
	return out
}

// FindAndDispatch visits workers in a uniformly random order and returns true on the
// first ready worker accepted by pred.
func (r *Registry) FindAndDispatch(pred func(*Worker) bool) bool {
	r.mu.RLock()
	list := append([]*Worker(nil), r.workers...)
	r.mu.RUnlock()

	for _, i := range r.perm(len(list)) {
		w := list[i]
		if w.State() != StateReady {
			continue
		}
		if pred(w) {
			return true
		}
	}
	return false
}

// Acquire marks a ready worker busy. It returns false if the worker was not ready
// or a previous fetch is still running on it.
func (r *Registry) Acquire(w *Worker) bool {
	return w.acquire()
}

// Release ends the fetch started by Acquire. A worker whose tunnel dropped during
// the fetch stays unresponsive; one that reconnected meanwhile becomes ready.
func (r *Registry) Release(w *Worker) {
	w.release()
}

// Start begins connection supervision for every registered worker.
func (r *Registry) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.runCtx != nil {
		return
	}
	r.runCtx, r.cancel = context.WithCancel(ctx)
	for _, w := range r.workers {
		r.superviseLocked(w)
	}
	r.logger.Info("worker supervision started", zap.Int("workers", len(r.workers)))
}

func (r *Registry) superviseLocked(w *Worker) {
	ctx := r.runCtx
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := w.conn.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			r.logger.Warn("tunnel supervision ended", zap.String("worker_id", w.id), zap.Error(err))
		}
	}()
}

// Stop closes every tunnel concurrently and waits for supervision to end.
func (r *Registry) Stop() {
	r.mu.Lock()
	list := append([]*Worker(nil), r.workers...)
	cancel := r.cancel
	r.mu.Unlock()

	var closers errgroup.Group
	for _, w := range list {
		closers.Go(func() error {
			if err := w.conn.Close(); err != nil {
				r.logger.Warn("close tunnel", zap.String("worker_id", w.id), zap.Error(err))
			}
			return nil
		})
	}
	_ = closers.Wait()
	r.wg.Wait()
	if cancel != nil {
		cancel()
	}
	for _, w := range list {
		w.mu.Lock()
		w.setStateLocked(StateUnresponsive)
		w.mu.Unlock()
	}
	r.logger.Info("worker supervision stopped")
}
