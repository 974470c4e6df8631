// Package server builds the downloader pool from configuration and runs it.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/downloader-pool/internal/api"
	"github.com/JakeFAU/downloader-pool/internal/clock/system"
	"github.com/JakeFAU/downloader-pool/internal/command"
	"github.com/JakeFAU/downloader-pool/internal/config"
	"github.com/JakeFAU/downloader-pool/internal/dispatcher"
	idgen "github.com/JakeFAU/downloader-pool/internal/id/uuid"
	"github.com/JakeFAU/downloader-pool/internal/logging"
	"github.com/JakeFAU/downloader-pool/internal/metrics"
	"github.com/JakeFAU/downloader-pool/internal/policy/ratelimit"
	"github.com/JakeFAU/downloader-pool/internal/policy/throttle"
	"github.com/JakeFAU/downloader-pool/internal/progress"
	progresssinks "github.com/JakeFAU/downloader-pool/internal/progress/sinks"
	memorypublisher "github.com/JakeFAU/downloader-pool/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/downloader-pool/internal/publisher/pubsub"
	"github.com/JakeFAU/downloader-pool/internal/repository"
	pgstore "github.com/JakeFAU/downloader-pool/internal/storage/postgres"
	"github.com/JakeFAU/downloader-pool/internal/store"
	"github.com/JakeFAU/downloader-pool/internal/task"
	"github.com/JakeFAU/downloader-pool/internal/tunnel"
	"github.com/JakeFAU/downloader-pool/internal/worker"
)

const (
	defaultTopic        = "task-completions"
	memoryPublishLimit  = 1000
	defaultShutdownWait = 10 * time.Second
)

// Option customizes Build.
type Option func(*options)

type options struct {
	logger     *zap.Logger
	runner     command.Runner
	registerer prometheus.Registerer
	listener   net.Listener
}

// WithLogger skips logger construction from config.
func WithLogger(l *zap.Logger) Option { return func(o *options) { o.logger = l } }

// WithRunner replaces the os/exec runner used for ssh and curl.
func WithRunner(r command.Runner) Option { return func(o *options) { o.runner = r } }

// WithRegisterer registers the task metrics somewhere other than the default registry.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// WithListener serves HTTP on ln instead of listening on server.port.
func WithListener(ln net.Listener) Option { return func(o *options) { o.listener = ln } }

// App contains the application's dependencies.
type App struct {
	cfg      *config.Config
	logger   *zap.Logger
	listener net.Listener

	tasks      *task.Queue
	workers    *worker.Registry
	matcher    *throttle.Matcher
	dispatch   *dispatcher.Dispatcher
	hub        *progress.Hub
	apiServer  *api.Server
	taskStore  *pgstore.TaskStore
	pubsub     *gcppublisher.Publisher
	memoryPub  *memorypublisher.Publisher
	repository store.TaskRepository
}

// Build creates the application's dependencies. Workers are registered but their
// tunnels are not started until Run.
func Build(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.logger
	if logger == nil {
		var err error
		logger, err = logging.New(cfg.Logging)
		if err != nil {
			return nil, fmt.Errorf("logger init failed: %w", err)
		}
		zap.ReplaceGlobals(logger)
	}
	metrics.Init()

	app := &App{cfg: cfg, logger: logger, listener: o.listener}
	logger.Info("building application",
		zap.Int("server_port", cfg.Server.Port),
		zap.Int("worker_groups", len(cfg.WorkerGroups)),
		zap.Int("sites", len(cfg.Sites)),
	)

	if err := app.setupThrottle(ctx); err != nil {
		return nil, err
	}
	if err := app.setupDatabase(ctx); err != nil {
		return nil, err
	}
	sinks, err := app.setupSinks(ctx, o.registerer)
	if err != nil {
		app.closeInfrastructure(ctx)
		return nil, err
	}
	app.hub = progress.NewHub(progress.Config{
		BufferSize:     cfg.Progress.BufferSize,
		OverflowSize:   cfg.Progress.OverflowSize,
		MaxBatchEvents: cfg.Progress.MaxBatchEvents,
		MaxBatchWait:   cfg.Progress.MaxBatchWait,
		SinkTimeout:    cfg.Progress.SinkTimeout,
		Logger:         logger.Named("progress_hub"),
	}, sinks...)

	app.tasks, err = task.NewQueue(task.Config{
		Defaults: task.Defaults{
			UserAgent:      cfg.Pool.UserAgent,
			MaxAttempts:    cfg.Pool.MaxAttempts,
			TimePerAttempt: cfg.Pool.TimePerAttempt,
		},
		CompletedCacheSize: cfg.Pool.CompletedCacheSize,
	}, idgen.New(), system.New(), progress.NewTaskObserver(app.hub, logger.Named("progress")), logger.Named("tasks"))
	if err != nil {
		app.closeInfrastructure(ctx)
		return nil, fmt.Errorf("task queue init failed: %w", err)
	}

	if err := app.setupWorkers(o.runner); err != nil {
		app.closeInfrastructure(ctx)
		return nil, err
	}

	app.dispatch = dispatcher.New(app.tasks, app.workers, app.matcher, system.New(),
		dispatcher.Config{Interval: cfg.Pool.DispatchInterval}, logger.Named("dispatcher"))

	apiOpts := []api.Option{}
	if app.repository != nil {
		apiOpts = append(apiOpts, api.WithArchive(api.NewArchiveHandler(app.repository, logger.Named("archive"))))
	}
	limiter, err := ratelimit.New(ratelimit.Config{RPS: cfg.Server.SubmitRPS, Burst: cfg.Server.SubmitBurst})
	if err != nil {
		app.closeInfrastructure(ctx)
		return nil, fmt.Errorf("submit limiter init failed: %w", err)
	}
	if limiter.Enabled() {
		apiOpts = append(apiOpts, api.WithSubmitLimiter(limiter))
		logger.Info("task submission rate limit enabled",
			zap.Float64("rps", cfg.Server.SubmitRPS),
			zap.Int("burst", cfg.Server.SubmitBurst),
		)
	}
	app.apiServer = api.NewServer(app.tasks, app.workers, app.dispatch, logger.Named("api"), apiOpts...)
	return app, nil
}

// setupThrottle installs the configured sites, then the repository document on top.
func (a *App) setupThrottle(ctx context.Context) error {
	a.matcher = throttle.New()
	for _, iv := range a.cfg.SiteIntervals() {
		a.matcher.SetDomainInterval(iv.Domain, iv)
	}
	if a.cfg.Repository.URL == "" {
		return nil
	}
	loader := repository.NewLoader(repository.Config{
		UserAgent: a.cfg.Pool.UserAgent,
		Timeout:   a.cfg.Repository.Timeout,
	}, a.logger.Named("repository"))
	intervals, err := loader.Load(ctx, a.cfg.Repository.URL)
	if err != nil {
		return fmt.Errorf("load site repository: %w", err)
	}
	for _, iv := range intervals {
		a.matcher.SetDomainInterval(iv.Domain, iv)
	}
	a.logger.Info("site repository loaded",
		zap.String("url", a.cfg.Repository.URL),
		zap.Int("sites", len(intervals)),
	)
	return nil
}

func (a *App) setupDatabase(ctx context.Context) error {
	if a.cfg.DB.DSN == "" {
		a.logger.Warn("no DSN specified for database, task archive disabled")
		return nil
	}
	s, err := pgstore.NewTaskStore(ctx, pgstore.TaskStoreConfig{
		DSN:             a.cfg.DB.DSN,
		MaxConns:        a.cfg.DB.MaxConns,
		MinConns:        a.cfg.DB.MinConns,
		MaxConnLifetime: a.cfg.DB.MaxConnLifetime,
	})
	if err != nil {
		return fmt.Errorf("task store init failed: %w", err)
	}
	if a.cfg.DB.EnsureSchema {
		if err := s.EnsureSchema(ctx); err != nil {
			s.Close()
			return fmt.Errorf("task store schema: %w", err)
		}
	}
	a.taskStore = s
	a.repository = s
	a.logger.Info("task archive initialized")
	return nil
}

func (a *App) setupSinks(ctx context.Context, reg prometheus.Registerer) ([]progress.Sink, error) {
	var sinks []progress.Sink
	promSink, err := progresssinks.NewPrometheusSink(reg)
	if err != nil {
		return nil, fmt.Errorf("prometheus sink init failed: %w", err)
	}
	sinks = append(sinks, promSink)
	if a.cfg.Progress.LogEvents {
		sinks = append(sinks, progresssinks.NewLogSink(a.logger.Named("progress_log")))
	}
	if a.repository != nil {
		sinks = append(sinks, progresssinks.NewStoreSink(a.repository, a.logger.Named("progress_store")))
	}

	topic := a.cfg.PubSub.TopicName
	var pub progresssinks.Publisher
	if topic == "" {
		a.logger.Warn("no Pub/Sub topic configured, using in-memory publisher")
		a.memoryPub = memorypublisher.NewBounded(memoryPublishLimit)
		pub = a.memoryPub
		topic = defaultTopic
	} else {
		a.pubsub, err = gcppublisher.Dial(ctx, a.cfg.PubSub.ProjectID, topic)
		if err != nil {
			return nil, fmt.Errorf("pubsub publisher init failed: %w", err)
		}
		pub = a.pubsub
		a.logger.Info("Pub/Sub publisher initialized",
			zap.String("project", a.cfg.PubSub.ProjectID),
			zap.String("topic", topic),
		)
	}
	sinks = append(sinks, progresssinks.NewPublishSink(pub, topic, a.logger.Named("progress_publish")))
	return sinks, nil
}

func (a *App) setupWorkers(runner command.Runner) error {
	if runner == nil {
		runner = command.NewExecRunner()
	}
	a.workers = worker.NewRegistry(worker.Config{
		BaseSOCKSPort: a.cfg.Pool.BaseSOCKSPort,
		CurlPath:      a.cfg.Pool.CurlPath,
		Tunnel: tunnel.Config{
			SSHPath:        a.cfg.Tunnel.SSHPath,
			ConnectTimeout: a.cfg.Tunnel.ConnectTimeout,
			CloseGrace:     a.cfg.Tunnel.CloseGrace,
			BackoffBase:    a.cfg.Tunnel.BackoffBase,
			BackoffMax:     a.cfg.Tunnel.BackoffMax,
		},
	}, runner, a.logger.Named("workers"))
	for _, spec := range a.cfg.WorkerSpecs() {
		if _, err := a.workers.NewWorker(spec); err != nil {
			return fmt.Errorf("register worker %s: %w", spec.Host, err)
		}
	}
	return nil
}

// Handler exposes the HTTP API, mainly for tests.
func (a *App) Handler() http.Handler { return a.apiServer.Handler() }

// Tasks returns the task queue.
func (a *App) Tasks() *task.Queue { return a.tasks }

// Workers returns the worker registry.
func (a *App) Workers() *worker.Registry { return a.workers }

// Notifications returns the in-memory completion publisher, or nil when Pub/Sub is used.
func (a *App) Notifications() *memorypublisher.Publisher { return a.memoryPub }

// Run starts the tunnels, the dispatcher and the HTTP server and blocks until ctx
// is cancelled or one of them fails. It always closes the app before returning.
func (a *App) Run(ctx context.Context) error {
	ln := a.listener
	if ln == nil {
		var err error
		ln, err = net.Listen("tcp", fmt.Sprintf(":%d", a.cfg.Server.Port))
		if err != nil {
			a.Close(context.Background())
			return fmt.Errorf("listen: %w", err)
		}
	}
	srv := &http.Server{
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: a.cfg.Server.ReadHeaderTimeout,
	}

	a.workers.Start(ctx)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.dispatch.Run(gctx)
	})
	g.Go(func() error {
		a.logger.Info("http server started", zap.String("addr", ln.Addr().String()))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("shutdown initiated")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout())
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		return nil
	})
	err := g.Wait()

	closeCtx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout())
	defer cancel()
	a.Close(closeCtx)
	return err
}

func (a *App) shutdownTimeout() time.Duration {
	if a.cfg.Server.ShutdownTimeout > 0 {
		return a.cfg.Server.ShutdownTimeout
	}
	return defaultShutdownWait
}

// Close stops the tunnels and flushes progress sinks. The dispatcher must have
// returned already.
func (a *App) Close(ctx context.Context) {
	if a.workers != nil {
		a.workers.Stop()
	}
	a.closeInfrastructure(ctx)
	a.logger.Info("shutdown complete")
	_ = a.logger.Sync()
}

func (a *App) closeInfrastructure(ctx context.Context) {
	if a.hub != nil {
		if err := a.hub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
	}
	if a.pubsub != nil {
		if err := a.pubsub.Close(); err != nil {
			a.logger.Warn("pubsub publisher close failed", zap.Error(err))
		}
	}
	if a.taskStore != nil {
		a.taskStore.Close()
	}
}
