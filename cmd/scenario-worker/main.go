package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/wolfman30/clinic-assistant/cmd/mainconfig"
	"github.com/wolfman30/clinic-assistant/internal/binder"
	appconfig "github.com/wolfman30/clinic-assistant/internal/config"
	"github.com/wolfman30/clinic-assistant/internal/crm"
	"github.com/wolfman30/clinic-assistant/internal/delivery"
	"github.com/wolfman30/clinic-assistant/internal/jobs"
	"github.com/wolfman30/clinic-assistant/internal/observability/metrics"
	"github.com/wolfman30/clinic-assistant/internal/scenario"
	"github.com/wolfman30/clinic-assistant/internal/telegram"
	"github.com/wolfman30/clinic-assistant/pkg/logging"
)

func main() {
	mainconfig.LoadEnv()
	cfg := appconfig.Load()
	logger := logging.New(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.DatabaseURL == "" || cfg.TelegramBotToken == "" {
		logger.Error("scenario worker requires DATABASE_URL and TELEGRAM_BOT_TOKEN")
		os.Exit(1)
	}

	pool, err := mainconfig.Postgres(ctx, cfg)
	if err != nil {
		logger.Error("failed to connect postgres", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	rdb := mainconfig.Redis(cfg)
	defer func() { _ = rdb.Close() }()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	scenarioMetrics := metrics.NewScenarioMetrics(reg)
	jobMetrics := metrics.NewJobMetrics(reg)

	queue, err := mainconfig.NewQueue(ctx, cfg, rdb, logger.Component("queue"))
	if err != nil {
		logger.Error("failed to build job queue", "error", err)
		os.Exit(1)
	}

	bot, err := telegram.New(telegram.Config{
		BaseURL: cfg.TelegramBaseURL,
		Token:   cfg.TelegramBotToken,
		Logger:  logger.Component("telegram"),
	})
	if err != nil {
		logger.Error("failed to create telegram client", "error", err)
		os.Exit(1)
	}

	store := scenario.NewStore(pool)
	resolver, err := mainconfig.NewMediaResolver(ctx, cfg, store, logger.Component("media"))
	if err != nil {
		logger.Error("failed to build media resolver", "error", err)
		os.Exit(1)
	}

	h := delivery.Handlers{
		Scheduler:  mainconfig.NewScheduler(cfg, queue, store, scenarioMetrics, jobMetrics, logger),
		Executor:   mainconfig.NewExecutor(cfg, bot, rdb, store, resolver, scenarioMetrics, logger),
		Purger:     store,
		PurgeAfter: cfg.PurgeAfter,
		Logger:     logger.Component("handlers"),
	}
	if syncer, err := newSyncer(cfg, store, resolver, scenarioMetrics, logger); err != nil {
		logger.Error("failed to build crm syncer", "error", err)
		os.Exit(1)
	} else if syncer != nil {
		h.Syncer = syncer
	}

	worker := jobs.NewWorker(queue, logger.Component("worker")).
		WithPollDelay(cfg.WorkerPollDelay).
		WithMaxJobs(cfg.WorkerMaxJobs).
		WithJobTimeout(cfg.JobTimeout).
		WithMetrics(jobMetrics)
	periodic := h.Register(worker)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return worker.Run(gctx) })
	minutes := mainconfig.PeriodicMinutes(cfg.SweepInterval)
	for _, name := range periodic {
		p := jobs.NewPeriodic(queue, name, logger.Component("periodic")).WithMinutes(minutes...)
		g.Go(func() error { return p.Run(gctx) })
	}

	metricsSrv := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		ReadHeaderTimeout: 5 * time.Second,
	}
	g.Go(func() error {
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return metricsSrv.Shutdown(shutdownCtx)
	})

	logger.Info("scenario worker started",
		"queue_backend", cfg.QueueBackend,
		"periodic", periodic,
		"minutes", minutes,
		"metrics_addr", cfg.MetricsAddr,
	)
	if err := g.Wait(); err != nil {
		logger.Error("scenario worker stopped", "error", err)
		os.Exit(1)
	}
	logger.Info("scenario worker stopped")
}

// newSyncer returns nil when no CRM is configured; the refresh job is then
// not registered.
func newSyncer(cfg *appconfig.Config, store *scenario.Store, media binder.MediaResolver,
	sm *metrics.ScenarioMetrics, logger *logging.Logger) (*binder.Syncer, error) {
	if cfg.CRMBaseURL == "" {
		logger.Warn("CRM_BASE_URL not set; crm refresh disabled")
		return nil, nil
	}
	stages := binder.DefaultStageTable()
	if cfg.StageTablePath != "" {
		loaded, err := binder.LoadStageTable(cfg.StageTablePath)
		if err != nil {
			return nil, err
		}
		stages = loaded
	}
	client, err := crm.New(crm.Config{
		BaseURL:  cfg.CRMBaseURL,
		APIKey:   cfg.CRMAPIKey,
		Timeout:  cfg.CRMTimeout,
		Location: cfg.Location(),
		Logger:   logger.Component("crm"),
	})
	if err != nil {
		return nil, err
	}
	b := binder.New(store, stages, logger.Component("binder")).
		WithMedia(media).
		WithMetrics(sm)
	return binder.NewSyncer(b, store, client, logger.Component("syncer")).
		WithWindow(cfg.CRMWindowBefore, cfg.CRMWindowAfter), nil
}
