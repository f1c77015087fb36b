// Package server builds the harvester's dependency graph from configuration
// and runs its long-lived components until shutdown.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/grant-harvester/internal/analysis"
	"github.com/JakeFAU/grant-harvester/internal/analysis/claude"
	"github.com/JakeFAU/grant-harvester/internal/analysis/gemini"
	"github.com/JakeFAU/grant-harvester/internal/api"
	"github.com/JakeFAU/grant-harvester/internal/clock/system"
	"github.com/JakeFAU/grant-harvester/internal/config"
	"github.com/JakeFAU/grant-harvester/internal/crawler"
	collyfetcher "github.com/JakeFAU/grant-harvester/internal/fetcher/colly"
	headlessfetcher "github.com/JakeFAU/grant-harvester/internal/fetcher/headless"
	"github.com/JakeFAU/grant-harvester/internal/hash/sha256"
	"github.com/JakeFAU/grant-harvester/internal/headless/detector"
	"github.com/JakeFAU/grant-harvester/internal/id/uuid"
	"github.com/JakeFAU/grant-harvester/internal/lifecycle"
	"github.com/JakeFAU/grant-harvester/internal/logging"
	"github.com/JakeFAU/grant-harvester/internal/metrics"
	"github.com/JakeFAU/grant-harvester/internal/monitor"
	"github.com/JakeFAU/grant-harvester/internal/pipeline"
	"github.com/JakeFAU/grant-harvester/internal/policy/ratelimit"
	"github.com/JakeFAU/grant-harvester/internal/progress"
	progresssinks "github.com/JakeFAU/grant-harvester/internal/progress/sinks"
	gcppublisher "github.com/JakeFAU/grant-harvester/internal/publisher/pubsub"
	"github.com/JakeFAU/grant-harvester/internal/scheduler"
	"github.com/JakeFAU/grant-harvester/internal/service"
	gcsstorage "github.com/JakeFAU/grant-harvester/internal/storage/gcs"
	localstorage "github.com/JakeFAU/grant-harvester/internal/storage/local"
	memorystorage "github.com/JakeFAU/grant-harvester/internal/storage/memory"
	pgstore "github.com/JakeFAU/grant-harvester/internal/storage/postgres"
	"github.com/JakeFAU/grant-harvester/internal/telemetry"
	"github.com/JakeFAU/grant-harvester/internal/webhook"
)

// stores groups the persistence backends selected by db.driver.
type stores struct {
	jobs     crawler.JobStore
	contents crawler.ContentStore
	records  crawler.RecordStore
}

// Option customizes Build.
type Option func(*App)

// WithRegisterer registers the event and OTel collectors with reg instead
// of the default Prometheus registry.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(a *App) { a.registerer = reg }
}

// App contains the application's dependencies.
type App struct {
	cfg        config.Config
	logger     *zap.Logger
	registerer prometheus.Registerer

	db        *pgstore.DB
	gcs       *gcsstorage.BlobStore
	publisher *gcppublisher.Publisher
	renderer  *headlessfetcher.Renderer
	telemetry *telemetry.Providers

	hub       *progress.Hub
	bus       *progress.Bus
	scheduler *scheduler.Scheduler
	service   *service.JobService
	monitor   *monitor.Monitor
	api       *api.Server
}

// Build creates the application's dependencies. On error every resource
// opened so far is released.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (app *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	app = &App{cfg: cfg, logger: logger}
	for _, opt := range opts {
		opt(app)
	}
	defer func() {
		if err != nil {
			app.closeInfrastructure(context.WithoutCancel(ctx))
			app = nil
		}
	}()

	logger.Info("building application dependencies",
		zap.Int("port", cfg.Server.Port),
		zap.String("db_driver", cfg.DB.Driver),
		zap.String("storage_backend", cfg.Storage.Backend),
		zap.String("ai_provider", cfg.AI.Provider),
		zap.Bool("headless", cfg.Headless.Enabled),
		zap.Int("monitors", len(cfg.Monitors)),
	)

	metrics.Init()
	if cfg.Telemetry.Enabled {
		app.telemetry, err = telemetry.Init(ctx, telemetry.Config{
			ServiceName: logging.ServiceName,
			Version:     cfg.Telemetry.Version,
			ProjectID:   cfg.Telemetry.ProjectID,
			SampleRatio: cfg.Telemetry.SampleRatio,
			Registerer:  app.registerer,
		})
		if err != nil {
			return nil, fmt.Errorf("telemetry init failed: %w", err)
		}
	}

	st, err := app.setupStores(ctx)
	if err != nil {
		return nil, err
	}
	blobs, err := app.setupBlobStore(ctx)
	if err != nil {
		return nil, err
	}
	if err = app.setupEvents(ctx); err != nil {
		return nil, err
	}

	clock := system.New()
	ids := uuid.New()
	notifier := webhook.NewDispatcher(nil, webhook.Config{
		Secret:    cfg.Webhook.Secret,
		Timeout:   cfg.Webhook.Timeout,
		UserAgent: cfg.Crawler.UserAgent,
	}, clock, logger.Named("webhook"))
	machine := lifecycle.NewMachine(st.jobs, app.bus, notifier, clock, logger.Named("lifecycle"))

	analyzer, err := app.setupAnalysis(ctx, st, machine, ids, clock)
	if err != nil {
		return nil, err
	}
	if err = app.setupRenderer(); err != nil {
		return nil, err
	}

	limiter := ratelimit.New(ratelimit.Config{DefaultRPS: cfg.Crawler.HostRPS, DefaultBurst: cfg.Crawler.HostBurst})
	fetcher := collyfetcher.New(collyfetcher.Config{
		UserAgent:     cfg.Crawler.UserAgent,
		RespectRobots: cfg.Crawler.RespectRobots,
		Timeout:       cfg.Crawler.Timeout,
		MaxPages:      cfg.Crawler.MaxPages,
		MaxBodyBytes:  cfg.Crawler.MaxBodyBytes,
	}, limiter, logger.Named("fetcher"))

	deps := pipeline.Deps{
		Fetcher:  fetcher,
		Detector: detector.NewHeuristic(cfg.Headless.PromotionThreshold),
		Contents: st.contents,
		Blobs:    blobs,
		Hasher:   sha256.New(),
		Machine:  machine,
		IDs:      ids,
		Clock:    clock,
	}
	if app.renderer != nil {
		deps.Renderer = app.renderer
	}
	if analyzer != nil {
		deps.Analyzer = analyzer
	}
	executor := pipeline.NewExecutor(deps, pipeline.Config{
		BlobPrefix:     cfg.Pipeline.BlobPrefix,
		MaxPages:       cfg.Crawler.MaxPages,
		FetchAttempts:  cfg.Pipeline.FetchAttempts,
		FetchBaseDelay: cfg.Pipeline.FetchBaseDelay,
		FetchMaxDelay:  cfg.Pipeline.FetchMaxDelay,
	}, logger.Named("pipeline"))

	app.scheduler = scheduler.New(scheduler.Config{
		TickInterval:  cfg.Scheduler.TickInterval,
		MaxConcurrent: cfg.Scheduler.MaxConcurrentJobs,
	}, st.jobs, machine, executor, logger.Named("scheduler"))

	app.service = service.NewJobService(
		st.jobs, st.contents, st.records,
		machine, app.scheduler, app.bus,
		ids, clock, logger.Named("service"),
	)

	entries := make([]monitor.Entry, 0, len(cfg.Monitors))
	for _, m := range cfg.Monitors {
		entries = append(entries, monitor.Entry{URL: m.URL, Schedule: m.Schedule, Priority: m.Priority, OwnerID: m.OwnerID})
	}
	app.monitor, err = monitor.New(entries, app.service, logger.Named("monitor"))
	if err != nil {
		return nil, fmt.Errorf("monitor init failed: %w", err)
	}

	apiKey := ""
	if cfg.Auth.Enabled {
		apiKey = cfg.Auth.APIKey
	}
	app.api = api.NewServer(app.service, api.Config{
		APIKey:            apiKey,
		RequestTimeout:    cfg.Server.RequestTimeout,
		HeartbeatInterval: cfg.Server.HeartbeatInterval,
	}, logger.Named("api"), app.readinessChecks()...)

	return app, nil
}

func (a *App) setupStores(ctx context.Context) (stores, error) {
	if a.cfg.DB.Driver != "postgres" {
		a.logger.Warn("using in-memory stores; jobs are lost on restart")
		return stores{
			jobs:     memorystorage.NewJobStore(),
			contents: memorystorage.NewContentStore(),
			records:  memorystorage.NewRecordStore(),
		}, nil
	}
	db, err := pgstore.Open(ctx, pgstore.Config{
		DSN:             a.cfg.DB.DSN,
		MaxConns:        a.cfg.DB.MaxConns,
		MinConns:        a.cfg.DB.MinConns,
		MaxConnLifetime: a.cfg.DB.MaxConnLifetime,
	})
	if err != nil {
		return stores{}, fmt.Errorf("postgres init failed: %w", err)
	}
	a.db = db
	if err := db.Migrate(ctx); err != nil {
		return stores{}, fmt.Errorf("postgres migrate failed: %w", err)
	}
	a.logger.Info("postgres stores initialized",
		zap.Int32("max_conns", a.cfg.DB.MaxConns),
		zap.Duration("max_conn_lifetime", a.cfg.DB.MaxConnLifetime),
	)
	return stores{
		jobs:     pgstore.NewJobStore(db),
		contents: pgstore.NewContentStore(db),
		records:  pgstore.NewRecordStore(db),
	}, nil
}

// setupBlobStore returns nil for backend none; raw HTML then stays on the content row.
func (a *App) setupBlobStore(ctx context.Context) (crawler.BlobStore, error) {
	switch a.cfg.Storage.Backend {
	case "gcs":
		store, err := gcsstorage.Dial(ctx, gcsstorage.Config{Bucket: a.cfg.Storage.GCSBucket})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.gcs = store
		a.logger.Info("using GCS storage backend", zap.String("bucket", a.cfg.Storage.GCSBucket))
		return store, nil
	case "local":
		store, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Storage.LocalDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		a.logger.Info("using local storage backend", zap.String("path", a.cfg.Storage.LocalDir))
		return store, nil
	case "memory":
		a.logger.Info("using in-memory storage backend")
		return memorystorage.NewBlobStore(), nil
	default:
		a.logger.Info("raw artifact archival disabled")
		return nil, nil
	}
}

func (a *App) setupEvents(ctx context.Context) error {
	promSink, err := progresssinks.NewPrometheusSink(a.registerer)
	if err != nil {
		return fmt.Errorf("prometheus sink init failed: %w", err)
	}
	sinkList := []progress.Sink{
		progresssinks.NewLogSink(a.logger.Named("events")),
		promSink,
	}
	if a.cfg.PubSub.ProjectID != "" {
		a.publisher, err = gcppublisher.Dial(ctx, a.cfg.PubSub.ProjectID)
		if err != nil {
			return fmt.Errorf("pubsub init failed: %w", err)
		}
		sinkList = append(sinkList, progresssinks.NewPublisherSink(a.publisher, a.cfg.PubSub.Topic, a.logger.Named("events")))
		a.logger.Info("Pub/Sub publisher initialized",
			zap.String("project", a.cfg.PubSub.ProjectID),
			zap.String("topic", a.cfg.PubSub.Topic),
		)
	}
	a.hub = progress.NewHub(progress.HubConfig{
		BufferSize:     a.cfg.Events.BufferSize,
		MaxBatchEvents: a.cfg.Events.MaxBatch,
		MaxBatchWait:   a.cfg.Events.MaxBatchWait,
		Logger:         a.logger.Named("event_hub"),
	}, sinkList...)
	a.bus = progress.NewBus(a.hub, a.logger.Named("event_bus"))
	return nil
}

func (a *App) setupAnalysis(
	ctx context.Context,
	st stores,
	stats analysis.StatsRecorder,
	ids crawler.IDGenerator,
	clock crawler.Clock,
) (*analysis.Stage, error) {
	var completer analysis.Completer
	switch a.cfg.AI.Provider {
	case "gemini":
		client, err := gemini.New(ctx, gemini.Config{
			APIKey:      a.cfg.AI.APIKey,
			Model:       a.cfg.AI.Model,
			Temperature: float32(a.cfg.AI.Temperature),
		})
		if err != nil {
			return nil, fmt.Errorf("gemini init failed: %w", err)
		}
		completer = client
	case "claude":
		client, err := claude.New(claude.Config{
			APIKey:      a.cfg.AI.APIKey,
			Model:       a.cfg.AI.Model,
			MaxTokens:   a.cfg.AI.MaxTokens,
			Temperature: a.cfg.AI.Temperature,
		})
		if err != nil {
			return nil, fmt.Errorf("claude init failed: %w", err)
		}
		completer = client
	default:
		a.logger.Warn("AI analysis disabled; ai_extract jobs will fail")
		return nil, nil
	}

	stageCfg := analysis.DefaultConfig()
	stageCfg.MinLength = a.cfg.AI.MinLength
	stageCfg.MaxChars = a.cfg.AI.MaxChars
	stageCfg.Attempts = a.cfg.AI.Attempts
	stageCfg.Backoff = a.cfg.AI.Backoff
	if len(a.cfg.AI.Keywords) > 0 {
		stageCfg.Keywords = a.cfg.AI.Keywords
	}
	a.logger.Info("AI analysis enabled", zap.String("provider", a.cfg.AI.Provider), zap.String("model", a.cfg.AI.Model))
	return analysis.NewStage(
		stageCfg,
		analysis.NewLLMExtractor(completer),
		st.contents,
		st.records,
		stats,
		ids,
		clock,
		a.logger.Named("analysis"),
	), nil
}

func (a *App) setupRenderer() error {
	if !a.cfg.Headless.Enabled {
		return nil
	}
	renderer, err := headlessfetcher.NewChromedp(headlessfetcher.Config{
		MaxParallel:       a.cfg.Headless.MaxParallel,
		UserAgent:         a.cfg.Crawler.UserAgent,
		NavigationTimeout: a.cfg.Headless.NavTimeout,
	})
	if err != nil {
		return fmt.Errorf("headless renderer init failed: %w", err)
	}
	a.renderer = renderer
	a.logger.Info("using headless renderer", zap.Int("max_parallel", a.cfg.Headless.MaxParallel))
	return nil
}

func (a *App) readinessChecks() []api.ReadinessCheck {
	checks := []api.ReadinessCheck{
		func(ctx context.Context) error {
			select {
			case <-a.scheduler.Ready():
				return nil
			case <-ctx.Done():
				return errors.New("scheduler still recovering")
			default:
				return errors.New("scheduler still recovering")
			}
		},
	}
	if a.db != nil {
		checks = append(checks, a.db.Ping)
	}
	if a.gcs != nil {
		checks = append(checks, a.gcs.Ping)
	}
	return checks
}

// Service exposes the job service, for in-process callers such as the CLI.
func (a *App) Service() *service.JobService {
	return a.service
}

// Handler returns the HTTP handler.
func (a *App) Handler() http.Handler {
	return a.api.Handler()
}

// RunWorkers runs the scheduler and the monitor schedules until ctx is done.
func (a *App) RunWorkers(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := a.scheduler.Run(ctx); err != nil {
			return fmt.Errorf("scheduler: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return a.monitor.Run(ctx)
	})
	return g.Wait()
}

// Run serves HTTP and runs the workers until ctx is done, then shuts down
// within the configured shutdown timeout.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.RunWorkers(gctx)
	})
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
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("server shutdown error", zap.Error(err))
		}
		return nil
	})

	err := g.Wait()
	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.Server.ShutdownTimeout)
	defer cancel()
	a.Close(closeCtx)
	return err
}

// Close releases every resource the App opened. Call it once the workers
// stopped.
func (a *App) Close(ctx context.Context) {
	a.closeInfrastructure(ctx)
	if err := a.telemetry.Shutdown(ctx); err != nil {
		a.logger.Warn("telemetry shutdown failed", zap.Error(err))
	}
	a.logger.Info("shutdown complete")
}

func (a *App) closeInfrastructure(ctx context.Context) {
	if a.hub != nil {
		if err := a.hub.Close(ctx); err != nil {
			a.logger.Warn("event hub close failed", zap.Error(err))
		}
	}
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.renderer != nil {
		a.renderer.Close()
	}
	if a.gcs != nil {
		if err := a.gcs.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.db != nil {
		a.db.Close()
	}
}

// Migrate applies the Postgres schema and exits.
func Migrate(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	if cfg.DB.Driver != "postgres" {
		return fmt.Errorf("migrate requires db.driver=postgres, got %q", cfg.DB.Driver)
	}
	db, err := pgstore.Open(ctx, pgstore.Config{DSN: cfg.DB.DSN, MaxConns: 1})
	if err != nil {
		return fmt.Errorf("postgres init failed: %w", err)
	}
	defer db.Close()
	if err := db.Migrate(ctx); err != nil {
		return fmt.Errorf("postgres migrate failed: %w", err)
	}
	logger.Info("schema applied")
	return nil
}
