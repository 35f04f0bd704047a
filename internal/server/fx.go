// Package server builds the application's dependencies and runs it.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/JakeFAU/ledi-watcher/internal/api"
	"github.com/JakeFAU/ledi-watcher/internal/clock/system"
	"github.com/JakeFAU/ledi-watcher/internal/config"
	"github.com/JakeFAU/ledi-watcher/internal/detector"
	"github.com/JakeFAU/ledi-watcher/internal/extract"
	collyfetcher "github.com/JakeFAU/ledi-watcher/internal/fetcher/colly"
	headlessfetcher "github.com/JakeFAU/ledi-watcher/internal/fetcher/headless"
	"github.com/JakeFAU/ledi-watcher/internal/hash/sha256"
	"github.com/JakeFAU/ledi-watcher/internal/health"
	"github.com/JakeFAU/ledi-watcher/internal/id/uuid"
	"github.com/JakeFAU/ledi-watcher/internal/logging"
	mailapi "github.com/JakeFAU/ledi-watcher/internal/mail/api"
	mailmemory "github.com/JakeFAU/ledi-watcher/internal/mail/memory"
	mailsmtp "github.com/JakeFAU/ledi-watcher/internal/mail/smtp"
	"github.com/JakeFAU/ledi-watcher/internal/metrics"
	"github.com/JakeFAU/ledi-watcher/internal/monitor"
	"github.com/JakeFAU/ledi-watcher/internal/notifier"
	"github.com/JakeFAU/ledi-watcher/internal/orchestrator"
	"github.com/JakeFAU/ledi-watcher/internal/policy/pacing"
	gcppublisher "github.com/JakeFAU/ledi-watcher/internal/publisher/pubsub"
	"github.com/JakeFAU/ledi-watcher/internal/scheduler"
	"github.com/JakeFAU/ledi-watcher/internal/scraper"
	badgerstore "github.com/JakeFAU/ledi-watcher/internal/storage/badger"
	gcsstorage "github.com/JakeFAU/ledi-watcher/internal/storage/gcs"
	localstorage "github.com/JakeFAU/ledi-watcher/internal/storage/local"
	memorystorage "github.com/JakeFAU/ledi-watcher/internal/storage/memory"
	pgstore "github.com/JakeFAU/ledi-watcher/internal/storage/postgres"
	"github.com/JakeFAU/ledi-watcher/internal/store"
	"github.com/JakeFAU/ledi-watcher/internal/subscription"
	"github.com/JakeFAU/ledi-watcher/internal/telemetry"
)

// Version is stamped at build time with -ldflags.
var Version = "dev"

// App contains the application's dependencies.
type App struct {
	cfg    *config.Config
	logger *zap.Logger

	repo         *store.Repository
	orchestrator *orchestrator.Orchestrator
	reporter     *health.Reporter
	apiServer    *api.Server
	scheduler    *scheduler.Scheduler

	headless     *headlessfetcher.Fetcher
	badger       *badgerstore.Store
	postgres     *pgstore.KVStore
	storage      *storage.Client
	pubsubClient *pubsub.Client
	publisher    *gcppublisher.Publisher
	telemetry    *telemetry.Providers
}

// NewApp creates a new App with the given configuration.
func NewApp(cfg *config.Config, logger *zap.Logger) (*App, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Info("creating application",
		zap.Int("server_port", cfg.Server.Port),
		zap.String("store_backend", cfg.Store.Backend),
		zap.String("mail_provider", cfg.Mail.Provider),
		zap.String("version", Version),
	)
	return &App{cfg: cfg, logger: logger}, nil
}

// Build creates the application's dependencies, including the process-wide
// logger, metrics and telemetry.
func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	logger, err := logging.NewWithLevel(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	metrics.Init()

	app, err := NewApp(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("app init failed: %w", err)
	}
	app.telemetry, err = telemetry.Init(ctx, telemetry.Config{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: Version,
		ProjectID:      cfg.Telemetry.ProjectID,
		SampleRatio:    cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		return nil, fmt.Errorf("telemetry init failed: %w", err)
	}
	if err := app.wire(ctx); err != nil {
		app.Close(ctx) //nolint:errcheck // best-effort cleanup of partial init
		return nil, err
	}
	return app, nil
}

// wire builds every domain component on top of the configured backends.
func (a *App) wire(ctx context.Context) error {
	a.logger.Info("building application dependencies")
	clock := system.New()

	kv, err := setupStorage(ctx, a)
	if err != nil {
		return err
	}
	a.repo, err = store.New(kv, store.Options{
		MetricsCap: a.cfg.Store.MetricsCap,
		ErrorsCap:  a.cfg.Store.ErrorsCap,
	})
	if err != nil {
		return fmt.Errorf("store init failed: %w", err)
	}

	mailer, err := setupMailer(a)
	if err != nil {
		return err
	}
	notify, err := notifier.New(notifier.Config{
		From:     a.cfg.Mail.From,
		FromName: a.cfg.Mail.FromName,
		SiteURL:  a.cfg.Notifier.SiteURL,
	}, mailer, pacing.New(pacing.Config{
		Interval:    time.Duration(a.cfg.Notifier.PacingMs) * time.Millisecond,
		DomainRPS:   a.cfg.Notifier.DomainRPS,
		DomainBurst: a.cfg.Notifier.DomainBurst,
	}), a.logger.Named("notifier"))
	if err != nil {
		return fmt.Errorf("notifier init failed: %w", err)
	}

	scrapers, err := setupScrapers(a, clock)
	if err != nil {
		return err
	}
	det, err := detector.New(a.cfg.Detector.Comparison)
	if err != nil {
		return fmt.Errorf("detector init failed: %w", err)
	}

	publisher, err := setupPublisher(ctx, a)
	if err != nil {
		return err
	}
	deps := orchestrator.Dependencies{
		Scrapers:      scrapers,
		Detector:      det,
		Store:         a.repo,
		Notifier:      notify,
		Fingerprinter: sha256.New(),
		Clock:         clock,
		IDs:           uuid.NewGenerator(),
		Logger:        a.logger.Named("orchestrator"),
	}
	if publisher != nil {
		deps.Publisher = publisher
	}
	a.orchestrator, err = orchestrator.New(orchestrator.Config{
		RecoveryDelay: a.cfg.RecoveryDelay(),
		Topic:         a.cfg.PubSub.TopicName,
	}, deps)
	if err != nil {
		return fmt.Errorf("orchestrator init failed: %w", err)
	}

	a.reporter, err = health.NewReporter(a.repo, clock, health.DefaultWindow, a.logger.Named("health"))
	if err != nil {
		return fmt.Errorf("health reporter init failed: %w", err)
	}
	subs, err := subscription.NewService(a.repo, notify, a.logger.Named("subscription"))
	if err != nil {
		return fmt.Errorf("subscription service init failed: %w", err)
	}
	a.apiServer = api.NewServer(subs, a.reporter, a.orchestrator, api.Options{
		APIKey:         a.cfg.Server.APIKey,
		AllowedOrigin:  a.cfg.Server.AllowedOrigin,
		RequestTimeout: a.cfg.RequestTimeout(),
	}, a.logger.Named("api"))

	if a.cfg.Schedule.Enabled {
		loc, err := a.cfg.Location()
		if err != nil {
			return err
		}
		a.scheduler, err = scheduler.New(scheduler.Config{
			Spec:     a.cfg.Schedule.Cron,
			Location: loc,
		}, a.orchestrator, a.logger.Named("scheduler"))
		if err != nil {
			return fmt.Errorf("scheduler init failed: %w", err)
		}
	}
	return nil
}

// Run starts the HTTP server and the scheduler and blocks until the
// context is canceled or a termination signal arrives.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("application started")
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if a.scheduler != nil {
		a.scheduler.Start(ctx)
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	if a.scheduler != nil {
		select {
		case <-a.scheduler.Stop().Done():
		case <-shutdownCtx.Done():
			a.logger.Warn("scheduled run still in progress at shutdown")
		}
	}

	return a.Close(shutdownCtx)
}

// CheckNow runs a single update check, recovery included.
func (a *App) CheckNow(ctx context.Context) (orchestrator.RunResult, error) {
	result, err := a.orchestrator.Run(ctx)
	if err != nil {
		return result, fmt.Errorf("update check: %w", err)
	}
	return result, nil
}

// Health returns the current health report.
func (a *App) Health(ctx context.Context) (health.Report, error) {
	report, err := a.reporter.Report(ctx)
	if err != nil {
		return report, fmt.Errorf("health report: %w", err)
	}
	return report, nil
}

// Close releases every backend client. It is safe on a partially built App.
func (a *App) Close(ctx context.Context) error {
	a.closeInfrastructure()
	a.closeObservability(ctx)
	a.logger.Info("shutdown complete")
	return nil
}

func (a *App) closeInfrastructure() {
	if a.headless != nil {
		a.headless.Close()
	}
	if a.publisher != nil {
		a.publisher.Stop()
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
	if a.badger != nil {
		if err := a.badger.Close(); err != nil {
			a.logger.Warn("badger close failed", zap.Error(err))
		}
	}
	if a.postgres != nil {
		a.postgres.Close()
	}
}

func (a *App) closeObservability(ctx context.Context) {
	if err := a.logger.Sync(); err != nil {
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
	if a.telemetry != nil {
		if err := a.telemetry.Shutdown(ctx); err != nil {
			a.logger.Warn("telemetry shutdown failed", zap.Error(err))
		}
	}
}

func setupStorage(ctx context.Context, app *App) (monitor.KV, error) {
	cfg := app.cfg.Store
	switch cfg.Backend {
	case "gcs":
		app.logger.Info("using GCS storage backend", zap.String("bucket", cfg.GCS.Bucket))
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		app.storage = client
		kv, err := gcsstorage.New(client, gcsstorage.Config{Bucket: cfg.GCS.Bucket, Prefix: cfg.GCS.Prefix})
		if err != nil {
			return nil, fmt.Errorf("gcs store init failed: %w", err)
		}
		return kv, nil
	case "postgres":
		app.logger.Info("using postgres storage backend", zap.String("table", cfg.Postgres.Table))
		kv, err := pgstore.NewKVStore(ctx, pgstore.Config{
			DSN:             cfg.Postgres.DSN,
			Table:           cfg.Postgres.Table,
			MaxConns:        cfg.Postgres.MaxConns,
			MinConns:        cfg.Postgres.MinConns,
			MaxConnLifetime: time.Duration(cfg.Postgres.MaxConnLifetimeMinutes) * time.Minute,
		})
		if err != nil {
			return nil, fmt.Errorf("postgres store init failed: %w", err)
		}
		app.postgres = kv
		return kv, nil
	case "badger":
		app.logger.Info("using badger storage backend",
			zap.String("dir", cfg.Badger.Dir), zap.Bool("in_memory", cfg.Badger.InMemory))
		kv, err := badgerstore.Open(badgerstore.Config{Dir: cfg.Badger.Dir, InMemory: cfg.Badger.InMemory})
		if err != nil {
			return nil, fmt.Errorf("badger store init failed: %w", err)
		}
		app.badger = kv
		return kv, nil
	case "local":
		app.logger.Info("using local storage backend", zap.String("path", cfg.Local.BaseDir))
		kv, err := localstorage.New(localstorage.Config{BaseDir: cfg.Local.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("local store init failed: %w", err)
		}
		return kv, nil
	default:
		app.logger.Warn("using in-memory storage backend, state is lost on restart")
		return memorystorage.NewStore(), nil
	}
}

func setupMailer(app *App) (monitor.Mailer, error) {
	cfg := app.cfg.Mail
	switch cfg.Provider {
	case "api":
		app.logger.Info("using e-mail API transport", zap.String("endpoint", cfg.API.Endpoint))
		client, err := mailapi.New(mailapi.Config{
			Endpoint: cfg.API.Endpoint,
			APIKey:   cfg.API.APIKey,
			Timeout:  time.Duration(cfg.API.TimeoutSeconds) * time.Second,
		})
		if err != nil {
			return nil, fmt.Errorf("mail api init failed: %w", err)
		}
		return client, nil
	case "smtp":
		app.logger.Info("using SMTP transport", zap.String("host", cfg.SMTP.Host), zap.Int("port", cfg.SMTP.Port))
		mailer, err := mailsmtp.New(mailsmtp.Config{
			Host:     cfg.SMTP.Host,
			Port:     cfg.SMTP.Port,
			Username: cfg.SMTP.Username,
			Password: cfg.SMTP.Password,
		})
		if err != nil {
			return nil, fmt.Errorf("smtp mailer init failed: %w", err)
		}
		return mailer, nil
	default:
		app.logger.Warn("mail provider is log, e-mails are not delivered")
		return mailmemory.New(app.logger.Named("mail")), nil
	}
}

// setupScrapers returns the blog and LEDI scrapers, the latter carrying the
// changelog companion.
func setupScrapers(app *App, clock monitor.Clock) ([]orchestrator.Scraper, error) {
	cfg := app.cfg
	extractor, err := extract.New(cfg.Scraper.Extractor)
	if err != nil {
		return nil, fmt.Errorf("extractor init failed: %w", err)
	}
	fetcher := collyfetcher.New(collyfetcher.Config{
		UserAgent:   cfg.Scraper.UserAgent,
		Timeout:     cfg.ScrapeTimeout(),
		MaxBodySize: cfg.Scraper.MaxBodyBytes,
	})
	var renderer monitor.Fetcher
	if cfg.Headless.Enabled {
		app.headless, err = headlessfetcher.NewChromedp(headlessfetcher.Config{
			UserAgent:         cfg.Scraper.UserAgent,
			NavigationTimeout: time.Duration(cfg.Headless.NavTimeoutSec) * time.Second,
			WaitSelector:      cfg.Headless.WaitSelector,
			SettleDelay:       time.Duration(cfg.Headless.SettleMs) * time.Millisecond,
			ExecPath:          cfg.Headless.ExecPath,
		})
		if err != nil {
			app.logger.Warn("headless fetcher init failed, continuing without rendering", zap.Error(err))
		} else {
			renderer = app.headless
			app.logger.Info("using headless fallback renderer")
		}
	}

	scrapeCfg := scraper.Config{
		UserAgent:      cfg.Scraper.UserAgent,
		Accept:         cfg.Scraper.Accept,
		AcceptLanguage: cfg.Scraper.AcceptLanguage,
		Timeout:        cfg.ScrapeTimeout(),
		Retry: scraper.RetryPolicy{
			MaxAttempts:  cfg.Scraper.MaxAttempts,
			InitialDelay: time.Duration(cfg.Scraper.BackoffInitialMs) * time.Millisecond,
			MaxDelay:     time.Duration(cfg.Scraper.BackoffMaxMs) * time.Millisecond,
		},
	}
	build := func(src config.SourceConfig, kind monitor.SourceKind) (*scraper.Scraper, error) {
		deps := scraper.Dependencies{
			Fetcher:   fetcher,
			Extractor: extractor,
			Clock:     clock,
			Logger:    app.logger.Named("scraper"),
		}
		if src.Render && renderer != nil {
			deps.Headless = renderer
		}
		s, err := scraper.New(scraper.Source{
			Name:             src.Name,
			Kind:             kind,
			URL:              src.URL,
			Rules:            src.Rules,
			HeadlessFallback: src.Render && renderer != nil,
		}, scrapeCfg, deps)
		if err != nil {
			return nil, fmt.Errorf("scraper %s init failed: %w", src.Name, err)
		}
		return s, nil
	}

	blog, err := build(cfg.Sources.Blog, monitor.SourceBlog)
	if err != nil {
		return nil, err
	}
	ledi, err := build(cfg.Sources.Ledi, monitor.SourceLedi)
	if err != nil {
		return nil, err
	}
	changelog, err := build(cfg.Sources.Changelog, monitor.SourceLedi)
	if err != nil {
		return nil, err
	}
	return []orchestrator.Scraper{blog, ledi.WithChangelog(changelog)}, nil
}

// setupPublisher returns nil when no Pub/Sub topic is configured.
func setupPublisher(ctx context.Context, app *App) (*gcppublisher.Publisher, error) {
	if app.cfg.PubSub.TopicName == "" || app.cfg.PubSub.ProjectID == "" {
		app.logger.Info("no Pub/Sub topic configured, change events are not published")
		return nil, nil
	}
	var err error
	app.pubsubClient, err = pubsub.NewClient(ctx, app.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	app.publisher = gcppublisher.New(app.pubsubClient.Topic(app.cfg.PubSub.TopicName))
	app.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", app.cfg.PubSub.ProjectID),
		zap.String("topic", app.cfg.PubSub.TopicName),
	)
	return app.publisher, nil
}
