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
	"github.com/redis/go-redis/v9"

	"github.com/wolfman30/clinic-assistant/cmd/mainconfig"
	"github.com/wolfman30/clinic-assistant/internal/api/router"
	appconfig "github.com/wolfman30/clinic-assistant/internal/config"
	"github.com/wolfman30/clinic-assistant/internal/http/handlers"
	httpmiddleware "github.com/wolfman30/clinic-assistant/internal/http/middleware"
	"github.com/wolfman30/clinic-assistant/internal/observability/metrics"
	"github.com/wolfman30/clinic-assistant/internal/scenario"
	"github.com/wolfman30/clinic-assistant/internal/telegram"
	"github.com/wolfman30/clinic-assistant/pkg/logging"
)

func main() {
	mainconfig.LoadEnv()
	cfg := appconfig.Load()

	logger := logging.New(cfg.LogLevel)
	logger.Info("starting clinic-assistant API server",
		"env", cfg.Env,
		"port", cfg.Port,
		"queue_backend", cfg.QueueBackend,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.DatabaseURL == "" {
		logger.Error("API server requires DATABASE_URL")
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

	reg, metricsHandler := setupMetrics()
	scenarioMetrics := metrics.NewScenarioMetrics(reg)
	jobMetrics := metrics.NewJobMetrics(reg)

	store := scenario.NewStore(pool)
	queue, err := mainconfig.NewQueue(ctx, cfg, rdb, logger.Component("queue"))
	if err != nil {
		logger.Error("failed to build job queue", "error", err)
		os.Exit(1)
	}
	scheduler := mainconfig.NewScheduler(cfg, queue, store, scenarioMetrics, jobMetrics, logger)

	adminCfg := handlers.AdminScenariosConfig{
		Editor:    scenario.NewEditor(store, logger.Component("editor")),
		Sessions:  scenario.NewSessionStore(rdb, cfg.AdminSessionTTL),
		Templates: store,
		Welcome:   scheduler,
		SendLimit: httpmiddleware.RateLimit(
			httpmiddleware.NewRateLimiter(float64(cfg.ManualSendPerMinute)/60, cfg.ManualSendBurst),
			httpmiddleware.ByURLParam("recipient"),
		),
		Logger: logger.Component("admin"),
	}
	if cfg.TelegramBotToken != "" {
		bot, err := telegram.New(telegram.Config{
			BaseURL: cfg.TelegramBaseURL,
			Token:   cfg.TelegramBotToken,
			Logger:  logger.Component("telegram"),
		})
		if err != nil {
			logger.Error("failed to create telegram client", "error", err)
			os.Exit(1)
		}
		resolver, err := mainconfig.NewMediaResolver(ctx, cfg, store, logger.Component("media"))
		if err != nil {
			logger.Error("failed to build media resolver", "error", err)
			os.Exit(1)
		}
		adminCfg.Sender = mainconfig.NewExecutor(cfg, bot, rdb, store, resolver, scenarioMetrics, logger)
	} else {
		logger.Warn("TELEGRAM_BOT_TOKEN not set; manual send endpoint disabled")
	}

	r := router.New(&router.Config{
		Logger:             logger,
		AdminScenarios:     handlers.NewAdminScenariosHandler(adminCfg),
		MetricsHandler:     metricsHandler,
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
		HealthChecks: map[string]router.HealthCheck{
			"postgres": pool.Ping,
			"redis":    redisPing(rdb),
		},
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}

func setupMetrics() (*prometheus.Registry, http.Handler) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg, promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

func redisPing(rdb *redis.Client) router.HealthCheck {
	return func(ctx context.Context) error {
		return rdb.Ping(ctx).Err()
	}
}
