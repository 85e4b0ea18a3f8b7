// Package server assembles clipqueue's components from configuration and runs
// the supervisor API and the worker loops.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/storage"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/aininja-pro/DriveShop-Clip-sub000/internal/api"
	"github.com/aininja-pro/DriveShop-Clip-sub000/internal/clock/system"
	"github.com/aininja-pro/DriveShop-Clip-sub000/internal/config"
	"github.com/aininja-pro/DriveShop-Clip-sub000/internal/discovery"
	"github.com/aininja-pro/DriveShop-Clip-sub000/internal/dispatcher"
	"github.com/aininja-pro/DriveShop-Clip-sub000/internal/handlers"
	"github.com/aininja-pro/DriveShop-Clip-sub000/internal/hash/sha256"
	"github.com/aininja-pro/DriveShop-Clip-sub000/internal/id/uuid"
	"github.com/aininja-pro/DriveShop-Clip-sub000/internal/joblog"
	"github.com/aininja-pro/DriveShop-Clip-sub000/internal/joblog/sinks"
	"github.com/aininja-pro/DriveShop-Clip-sub000/internal/jobs"
	"github.com/aininja-pro/DriveShop-Clip-sub000/internal/loans"
	"github.com/aininja-pro/DriveShop-Clip-sub000/internal/policy/allowlist"
	"github.com/aininja-pro/DriveShop-Clip-sub000/internal/policy/ratelimit"
	"github.com/aininja-pro/DriveShop-Clip-sub000/internal/policy/robots"
	memorypublisher "github.com/aininja-pro/DriveShop-Clip-sub000/internal/publisher/memory"
	gcppublisher "github.com/aininja-pro/DriveShop-Clip-sub000/internal/publisher/pubsub"
	"github.com/aininja-pro/DriveShop-Clip-sub000/internal/retry"
	"github.com/aininja-pro/DriveShop-Clip-sub000/internal/scoring"
	"github.com/aininja-pro/DriveShop-Clip-sub000/internal/source"
	"github.com/aininja-pro/DriveShop-Clip-sub000/internal/source/headless"
	"github.com/aininja-pro/DriveShop-Clip-sub000/internal/source/web"
	"github.com/aininja-pro/DriveShop-Clip-sub000/internal/source/youtube"
	gcsstorage "github.com/aininja-pro/DriveShop-Clip-sub000/internal/storage/gcs"
	localstorage "github.com/aininja-pro/DriveShop-Clip-sub000/internal/storage/local"
	memorystorage "github.com/aininja-pro/DriveShop-Clip-sub000/internal/storage/memory"
	pgstore "github.com/aininja-pro/DriveShop-Clip-sub000/internal/storage/postgres"
	"github.com/aininja-pro/DriveShop-Clip-sub000/internal/supervisor"
	"github.com/aininja-pro/DriveShop-Clip-sub000/internal/telemetry"
	"github.com/aininja-pro/DriveShop-Clip-sub000/internal/worker"
)

// Stores groups the persistence backends selected by configuration.
type Stores struct {
	Jobs     jobs.Store
	Logs     jobs.LogStore
	Leases   jobs.LeaseStore
	Notifier jobs.Notifier
	Retry    retry.Store
	Results  discovery.ResultStore
}

// App contains the application's dependencies.
type App struct {
	cfg        *config.Config
	logger     *zap.Logger
	clock      *system.Clock
	ids        *uuid.Generator
	pool       *pgxpool.Pool
	stores     Stores
	ledger     *retry.Ledger
	supervisor *supervisor.Service
	hub        *joblog.Hub

	pubsubClient *pubsub.Client
	gcpPublisher *gcppublisher.Publisher
	storage      *storage.Client
	renderer     *headless.Chromedp
	providers    *telemetry.Providers
	registerer   prometheus.Registerer
}

// Option customizes Build.
type Option func(*App)

// WithRegisterer sends the job log and OpenTelemetry collectors to reg instead
// of the default Prometheus registry.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(a *App) { a.registerer = reg }
}

// Build creates the dependencies every command needs: telemetry, stores, the
// retry ledger, the job log hub and the supervisor service.
func Build(ctx context.Context, cfg *config.Config, logger *zap.Logger, opts ...Option) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	app := &App{
		cfg:        cfg,
		logger:     logger,
		clock:      system.New(),
		ids:        uuid.NewUUIDGenerator(),
		registerer: prometheus.DefaultRegisterer,
	}
	for _, opt := range opts {
		opt(app)
	}
	logger.Info("building application dependencies",
		zap.Int("server_port", cfg.Server.Port),
		zap.Bool("postgres", cfg.Database.DSN != ""),
		zap.String("archive_backend", cfg.Storage.Backend),
	)

	providers, err := telemetry.Init(ctx, cfg.Telemetry, telemetry.Options{Registerer: app.registerer})
	if err != nil {
		return nil, fmt.Errorf("telemetry init failed: %w", err)
	}
	app.providers = providers

	if err := app.setupStores(ctx); err != nil {
		app.Close(ctx)
		return nil, err
	}

	policy, err := retryPolicy(cfg.Retry)
	if err != nil {
		app.Close(ctx)
		return nil, err
	}
	app.ledger = retry.NewLedger(app.stores.Retry, policy, app.clock, logger.Named("retry"))

	if err := app.setupJobLog(); err != nil {
		app.Close(ctx)
		return nil, err
	}

	app.supervisor, err = supervisor.New(supervisor.Deps{
		Store:    app.stores.Jobs,
		Logs:     app.stores.Logs,
		Leases:   app.stores.Leases,
		Notifier: app.stores.Notifier,
		Retry:    app.ledger,
		IDs:      app.ids,
		Clock:    app.clock,
	}, logger.Named("supervisor"))
	if err != nil {
		app.Close(ctx)
		return nil, fmt.Errorf("supervisor init failed: %w", err)
	}
	return app, nil
}

// Supervisor returns the control surface shared by the API and the CLI.
func (a *App) Supervisor() *supervisor.Service { return a.supervisor }

// InMemory reports whether the stores live in this process only.
func (a *App) InMemory() bool { return a.pool == nil }

func (a *App) setupStores(ctx context.Context) error {
	if a.cfg.Database.DSN == "" {
		a.logger.Warn("no database DSN configured, using in-memory stores")
		a.stores = Stores{
			Jobs:     memorystorage.NewJobStore(),
			Logs:     memorystorage.NewLogStore(),
			Leases:   memorystorage.NewLeaseStore(),
			Notifier: memorystorage.NewNotifier(),
			Retry:    memorystorage.NewRetryStore(),
			Results:  memorystorage.NewResultStore(),
		}
		return nil
	}
	pool, err := pgstore.Open(ctx, pgstore.PoolConfig{DSN: a.cfg.Database.DSN, MaxConns: a.cfg.Database.MaxConns})
	if err != nil {
		return fmt.Errorf("postgres init failed: %w", err)
	}
	a.pool = pool
	stores, err := postgresStores(pool)
	if err != nil {
		return err
	}
	a.stores = stores
	a.logger.Info("postgres stores initialized")
	return nil
}

func postgresStores(pool *pgxpool.Pool) (Stores, error) {
	var (
		s   Stores
		err error
	)
	if s.Jobs, err = pgstore.NewJobStore(pool); err != nil {
		return Stores{}, fmt.Errorf("job store init failed: %w", err)
	}
	if s.Logs, err = pgstore.NewLogStore(pool); err != nil {
		return Stores{}, fmt.Errorf("log store init failed: %w", err)
	}
	if s.Leases, err = pgstore.NewLeaseStore(pool); err != nil {
		return Stores{}, fmt.Errorf("lease store init failed: %w", err)
	}
	if s.Notifier, err = pgstore.NewNotifier(pool, pool); err != nil {
		return Stores{}, fmt.Errorf("notifier init failed: %w", err)
	}
	if s.Retry, err = pgstore.NewRetryStore(pool); err != nil {
		return Stores{}, fmt.Errorf("retry store init failed: %w", err)
	}
	if s.Results, err = pgstore.NewResultStore(pool); err != nil {
		return Stores{}, fmt.Errorf("result store init failed: %w", err)
	}
	return s, nil
}

func retryPolicy(cfg config.RetryConfig) (retry.Policy, error) {
	if len(cfg.Cooldowns) == 0 {
		return retry.DefaultPolicy(), nil
	}
	overrides := make(map[retry.Outcome]time.Duration, len(cfg.Cooldowns))
	for name, d := range cfg.Cooldowns {
		overrides[retry.Outcome(name)] = d
	}
	policy, err := retry.NewPolicy(overrides)
	if err != nil {
		return retry.Policy{}, fmt.Errorf("retry policy: %w", err)
	}
	return policy, nil
}

func (a *App) setupJobLog() error {
	promSink, err := sinks.NewPrometheusSink(a.registerer)
	if err != nil {
		return fmt.Errorf("job log metrics sink: %w", err)
	}
	hubCfg := joblog.Config{
		BufferSize:   a.cfg.JobLog.BufferSize,
		MaxBatch:     a.cfg.JobLog.MaxBatch,
		MaxBatchWait: a.cfg.JobLog.MaxBatchWait,
		SinkTimeout:  a.cfg.JobLog.SinkTimeout,
	}
	a.hub = joblog.NewHub(hubCfg, a.logger.Named("joblog"),
		sinks.NewStoreSink(a.stores.Logs),
		sinks.NewLogSink(a.logger.Named("joblog_entries")),
		promSink,
	)
	a.logger.Info("job log hub initialized",
		zap.Int("buffer_size", hubCfg.BufferSize),
		zap.Int("max_batch", hubCfg.MaxBatch),
		zap.Duration("max_batch_wait", hubCfg.MaxBatchWait),
	)
	return nil
}

// Migrate applies the schema migrations. It requires a postgres DSN.
func (a *App) Migrate(ctx context.Context) error {
	if a.pool == nil {
		return errors.New("migrate requires database.dsn")
	}
	if err := pgstore.Migrate(ctx, a.pool); err != nil {
		return err
	}
	a.logger.Info("migrations applied")
	return nil
}

func (a *App) setupArchive(ctx context.Context) (discovery.Archive, error) {
	switch a.cfg.Storage.Backend {
	case config.BackendGCS:
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		a.storage = client
		archive, err := gcsstorage.New(client, gcsstorage.Config{Bucket: a.cfg.Storage.Bucket, Prefix: a.cfg.Storage.Prefix}, sha256.New())
		if err != nil {
			return nil, fmt.Errorf("gcs archive init failed: %w", err)
		}
		a.logger.Info("using GCS archive", zap.String("bucket", a.cfg.Storage.Bucket))
		return archive, nil
	case config.BackendMemory:
		a.logger.Info("using in-memory archive")
		return memorystorage.NewBlobStore(), nil
	case config.BackendLocal:
		archive, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Storage.LocalDir}, sha256.New())
		if err != nil {
			return nil, fmt.Errorf("local archive init failed: %w", err)
		}
		a.logger.Info("using local archive", zap.String("path", a.cfg.Storage.LocalDir))
		return archive, nil
	default:
		a.logger.Info("payload archive disabled")
		return nil, nil
	}
}

func (a *App) setupPublisher(ctx context.Context) (discovery.Publisher, error) {
	if a.cfg.PubSub.ProjectID == "" {
		a.logger.Warn("no Pub/Sub project configured, using in-memory publisher")
		return memorypublisher.New(), nil
	}
	client, err := pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	a.pubsubClient = client
	a.gcpPublisher, err = gcppublisher.New(client)
	if err != nil {
		return nil, fmt.Errorf("pubsub publisher init failed: %w", err)
	}
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.TopicName),
	)
	return a.gcpPublisher, nil
}

func (a *App) setupSource() (discovery.SourceAdapter, allowlist.RobotsPolicy, error) {
	src := a.cfg.Sources
	limiter := ratelimit.New(ratelimit.Config{
		DefaultRPS:   src.RateLimit.DefaultRPS,
		DefaultBurst: src.RateLimit.DefaultBurst,
		PerDomainRPS: src.RateLimit.PerDomainRPS,
	})
	opts := []web.Option{web.WithRateLimiter(limiter), web.WithLogger(a.logger.Named("web"))}
	if src.Headless.Enabled {
		renderer, err := headless.NewChromedp(headless.Config{
			MaxParallel:       src.Headless.MaxParallel,
			UserAgent:         src.UserAgent,
			NavigationTimeout: src.Headless.NavigationTimeout,
			SettleDelay:       src.Headless.SettleDelay,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("headless renderer init failed: %w", err)
		}
		a.renderer = renderer
		opts = append(opts, web.WithRenderer(renderer))
		a.logger.Info("headless promotion enabled", zap.Int("max_parallel", src.Headless.MaxParallel))
	}
	webAdapter := web.New(web.Config{
		UserAgent:     src.UserAgent,
		Timeout:       a.cfg.Discovery.FetchTimeout,
		PromoteBelow:  src.PromoteBelow,
		MinTextLength: src.MinTextLength,
		MaxBodyBytes:  src.MaxBodyBytes,
	}, opts...)

	var video discovery.SourceAdapter
	if src.YouTube.Enabled {
		video = youtube.New(limiter)
	}
	robotsPolicy := robots.New(robots.Config{
		Enabled:   src.Robots.Enabled,
		UserAgent: src.UserAgent,
		Timeout:   src.Robots.Timeout,
		CacheTTL:  src.Robots.CacheTTL,
	}, a.logger.Named("robots"))
	return source.NewRouter(webAdapter, video), robotsPolicy, nil
}

// Registry builds the discovery engine and the job handlers.
func (a *App) Registry(ctx context.Context) (*handlers.Registry, error) {
	archive, err := a.setupArchive(ctx)
	if err != nil {
		return nil, err
	}
	publisher, err := a.setupPublisher(ctx)
	if err != nil {
		return nil, err
	}
	adapter, robotsPolicy, err := a.setupSource()
	if err != nil {
		return nil, err
	}
	scorer := scoring.NewKeyword(a.clock.Now)
	authorizer := allowlist.New(
		allowlist.WithRobots(robotsPolicy),
		allowlist.WithBlockedDomains(a.cfg.Discovery.BlockedDomains),
	)
	opts := discovery.Options{
		Source:     adapter,
		Scorer:     scorer,
		Authorizer: authorizer,
		Results:    a.stores.Results,
		Ledger:     a.ledger,
		Archive:    archive,
		Publisher:  publisher,
		IDs:        a.ids,
		Clock:      a.clock,
		Logger:     a.logger.Named("discovery"),
	}
	engine, err := discovery.NewEngine(discovery.Config{
		ScoreFloor:    a.cfg.Discovery.ScoreFloor,
		FetchTimeout:  a.cfg.Discovery.FetchTimeout,
		ResultTopic:   a.cfg.PubSub.TopicName,
		ArchivePrefix: a.cfg.Storage.Prefix,
	}, opts)
	if err != nil {
		return nil, fmt.Errorf("discovery engine init failed: %w", err)
	}

	loader := loans.NewLoader(&http.Client{Timeout: a.cfg.Sources.LoansTimeout}, a.logger.Named("loans"))
	csvUpload, err := handlers.NewCSVUpload(handlers.CSVUploadConfig{
		Concurrency:         a.cfg.Discovery.Concurrency,
		MaxInFlightEntities: a.cfg.Discovery.MaxInFlightEntities,
	}, loader, a.ledger, engine, a.logger)
	if err != nil {
		return nil, err
	}
	reprocess, err := handlers.NewReprocess(a.stores.Results, scorer, a.cfg.Discovery.ReprocessPageSize, a.logger)
	if err != nil {
		return nil, err
	}

	registry := handlers.NewRegistry()
	registry.Register(jobs.TypeCSVUpload, csvUpload)
	registry.Register(jobs.TypeHistoricalReprocessing, reprocess)
	return registry, nil
}

// Workers builds cfg.Worker.Count claim loops sharing one handler registry.
func (a *App) Workers(ctx context.Context, version string) ([]dispatcher.Loop, error) {
	registry, err := a.Registry(ctx)
	if err != nil {
		return nil, err
	}
	base := a.cfg.Worker.ID
	if base == "" {
		base = defaultWorkerID()
	}
	loops := make([]dispatcher.Loop, 0, a.cfg.Worker.Count)
	for i := 0; i < a.cfg.Worker.Count; i++ {
		id := base
		if a.cfg.Worker.Count > 1 {
			id = fmt.Sprintf("%s-%d", base, i)
		}
		w, err := worker.New(worker.Config{
			ID:                   id,
			Version:              version,
			HeartbeatInterval:    a.cfg.Worker.HeartbeatInterval,
			PollInterval:         a.cfg.Worker.PollInterval,
			ProgressBatch:        a.cfg.Worker.ProgressBatch,
			MaxConsecutiveErrors: a.cfg.Worker.MaxConsecutiveErrors,
			BackoffBase:          a.cfg.Worker.BackoffBase,
			BackoffCap:           a.cfg.Worker.BackoffCap,
			FinalizeTimeout:      a.cfg.Worker.FinalizeTimeout,
		}, worker.Deps{
			Store:    a.stores.Jobs,
			Leases:   a.stores.Leases,
			Notifier: a.stores.Notifier,
			Handler:  registry,
			Logs:     a.hub,
			Clock:    a.clock,
		}, a.logger.Named("worker"))
		if err != nil {
			return nil, fmt.Errorf("worker init failed: %w", err)
		}
		loops = append(loops, w)
	}
	return loops, nil
}

// Reaper builds the stale-job reaper.
func (a *App) Reaper() (*worker.Reaper, error) {
	reaper, err := worker.NewReaper(worker.ReaperConfig{
		Interval:   a.cfg.Worker.ReaperInterval,
		StaleAfter: a.cfg.Worker.StaleAfter(),
	}, a.stores.Jobs, a.stores.Leases, a.clock, a.logger.Named("reaper"))
	if err != nil {
		return nil, fmt.Errorf("reaper init failed: %w", err)
	}
	return reaper, nil
}

func defaultWorkerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	suffix, err := uuid.NewUUIDGenerator().NewID()
	if err != nil {
		return fmt.Sprintf("%s-%d", host, os.Getpid())
	}
	return fmt.Sprintf("%s-%d-%s", host, os.Getpid(), suffix[len(suffix)-8:])
}

// Serve runs the supervisor API until ctx ends. The reaper runs alongside it
// when enabled, and with in-memory stores the workers do too since nothing
// outside this process can reach the queue.
func (a *App) Serve(ctx context.Context, version string) error {
	var reaper dispatcher.Loop
	if a.cfg.Server.RunReaper {
		r, err := a.Reaper()
		if err != nil {
			return err
		}
		reaper = r
	}
	var background func(context.Context) error
	switch {
	case a.InMemory():
		loops, err := a.Workers(ctx, version)
		if err != nil {
			return err
		}
		background = dispatcher.New(loops, reaper, a.logger.Named("dispatcher")).Run
	case reaper != nil:
		background = reaper.Run
	}

	var ready api.ReadyFunc
	if a.pool != nil {
		ready = a.pool.Ping
	}
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           api.NewServer(a.supervisor, ready, *a.cfg, a.logger.Named("api")).Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("shutdown initiated")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), a.cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		return nil
	})
	if background != nil {
		g.Go(func() error { return background(gctx) })
	}
	return g.Wait()
}

// Work runs the worker loops until ctx ends or a loop gives up.
func (a *App) Work(ctx context.Context, version string) error {
	loops, err := a.Workers(ctx, version)
	if err != nil {
		return err
	}
	d := dispatcher.New(loops, nil, a.logger.Named("dispatcher"))
	a.logger.Info("dispatcher started", zap.Int("workers", len(loops)))
	return d.Run(ctx)
}

// Close releases every resource Build and the setup helpers acquired.
func (a *App) Close(ctx context.Context) {
	if a.hub != nil {
		if err := a.hub.Close(ctx); err != nil {
			a.logger.Warn("job log hub close failed", zap.Error(err))
		}
	}
	if a.gcpPublisher != nil {
		a.gcpPublisher.Close()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.storage != nil {
		if err := a.storage.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.renderer != nil {
		a.renderer.Close()
	}
	if a.pool != nil {
		a.pool.Close()
	}
	if err := a.providers.Shutdown(ctx); err != nil {
		a.logger.Warn("telemetry shutdown failed", zap.Error(err))
	}
	a.logger.Info("shutdown complete")
}
