package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rijsilva/smartzap-dispatch/internal/api"
	"github.com/rijsilva/smartzap-dispatch/internal/config"
	"github.com/rijsilva/smartzap-dispatch/internal/engine"
	"github.com/rijsilva/smartzap-dispatch/internal/store"
	"github.com/rijsilva/smartzap-dispatch/internal/throttle"
	"github.com/rijsilva/smartzap-dispatch/internal/transport"
	"github.com/rijsilva/smartzap-dispatch/internal/websocket"
	"github.com/rijsilva/smartzap-dispatch/internal/worker"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	// Initialize PostgreSQL
	ctx := context.Background()
	pgStore, err := store.NewPostgres(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		logger.Error("failed to connect to postgres", "error", err)
		os.Exit(1)
	}
	defer pgStore.Close()
	logger.Info("connected to PostgreSQL")

	// Run database migrations
	if err := pgStore.RunMigrations(ctx, "migrations"); err != nil {
		logger.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}
	logger.Info("database migrations applied")

	// Initialize Redis
	redisStore, err := store.NewRedis(ctx, cfg.RedisURL)
	if err != nil {
		logger.Error("failed to connect to redis", "error", err)
		os.Exit(1)
	}
	defer redisStore.Close()
	logger.Info("connected to Redis")

	settings := config.NewSettingsStore(redisStore.Client(), logger)
	dispatchSettings := settings.Load(ctx)

	// Adaptive pacing
	rateStore := store.NewRateStateStore(redisStore.Client(), logger)
	adaptive := throttle.New(rateStore, dispatchSettings.ThrottleConfig(), logger)

	// Delivery status pipeline
	suppressions := engine.NewSuppressionEngine(pgStore, redisStore.Client(), logger)
	alerts := engine.NewAccountAlertSink(redisStore.Client(), logger)

	hub := websocket.NewHub(logger)
	go hub.Run()

	notifier := engine.NewNotifier(logger)
	notifier.Register("alerts", engine.FailureHook(alerts, suppressions, logger))
	notifier.Register("recovery", engine.RecoveryHook(alerts))
	notifier.Register("progress", engine.ProgressHook(pgStore, hub, logger))

	processor := engine.NewProcessor(pgStore, pgStore, notifier, logger)

	// Outbound dispatch
	sender := transport.NewGraphSender(cfg.GraphBaseURL, cfg.GraphToken, dispatchSettings.SendTimeout(), logger)
	runner := worker.NewRunner(pgStore, pgStore, pgStore, redisStore, adaptive, sender, logger)
	manager := worker.NewManager(runner, logger)

	webhooks := api.NewWebhookHandler(processor, suppressions, cfg.WebhookVerifyToken, logger)

	// Setup router
	router := api.NewRouter(api.RouterDeps{
		Manager:  manager,
		Postgres: pgStore,
		Redis:    redisStore,
		Settings: settings,
		Alerts:   alerts,
		Throttle: adaptive,
		Webhooks: webhooks,
		Hub:      hub,
	})

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		logger.Info("server starting", "port", cfg.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal for graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
		os.Exit(1)
	}

	logger.Info("server stopped")
}
