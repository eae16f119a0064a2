// Package main provides the entrypoint for the MarketPulse worker, which
// keeps popular symbols warm in the cache and records provider health.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/marketpulse/marketpulse/internal/api/response"
	"github.com/marketpulse/marketpulse/internal/app"
	"github.com/marketpulse/marketpulse/internal/config"
	"github.com/marketpulse/marketpulse/internal/telemetry"
	"github.com/marketpulse/marketpulse/internal/worker"
)

// Version and BuildTime are set at compile time via ldflags
var (
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	const serviceName = "marketpulse-worker"

	log := zerolog.New(os.Stdout).
		With().
		Timestamp().
		Str("service", serviceName).
		Str("version", Version).
		Logger()

	log.Info().
		Str("build_time", BuildTime).
		Msg("starting MarketPulse worker")

	cfg, err := config.Load(os.Getenv(config.FileEnv))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tp, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName:    serviceName,
		ServiceVersion: Version,
		Environment:    cfg.Server.Env,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		Enabled:        cfg.Telemetry.Enabled,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize telemetry")
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if shutdownErr := tp.Shutdown(shutdownCtx); shutdownErr != nil {
			log.Error().Err(shutdownErr).Msg("failed to shutdown telemetry")
		}
	}()

	core, err := app.New(ctx, cfg, app.Options{Logger: log, Metrics: tp.Metrics})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build market data core")
	}
	defer func() {
		if closeErr := core.Close(); closeErr != nil {
			log.Error().Err(closeErr).Msg("failed to close market data core")
		}
	}()
	if err := core.Start(ctx, false); err != nil {
		log.Fatal().Err(err).Msg("failed to start market data core")
	}

	refreshCfg, err := worker.RefreshConfigFrom(cfg.Worker)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid worker targets")
	}
	refresh := worker.NewRefreshJob(worker.RefreshJobConfig{
		Config: refreshCfg,
		Getter: core.Orchestrator,
		Logger: log,
	})
	healthCheck := worker.NewHealthCheckJob(worker.HealthCheckJobConfig{
		Registry: core.Registry,
		Scorer:   core.Scorer,
		Store:    core.Store,
		Logger:   log,
	})

	scheduler := worker.NewScheduler(worker.SchedulerConfig{
		Refresh:             refresh,
		HealthCheck:         healthCheck,
		RefreshInterval:     cfg.Worker.RefreshInterval,
		HealthCheckInterval: cfg.Worker.HealthCheckInterval,
		Logger:              log,
	})
	if err := scheduler.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to start scheduler")
	}
	defer scheduler.Stop()

	// Triggered jobs are optional; the schedule runs without them.
	if cfg.Worker.PubSubProject != "" && cfg.Worker.PubSubSubscription != "" {
		handler, err := worker.NewPubSubHandler(ctx, worker.PubSubConfig{
			ProjectID:        cfg.Worker.PubSubProject,
			SubscriptionName: cfg.Worker.PubSubSubscription,
			Dispatcher:       worker.NewDispatcher(refresh, healthCheck, log),
			Logger:           log,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("failed to create pubsub handler")
		}
		defer func() { _ = handler.Close() }()

		go func() {
			if err := handler.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error().Err(err).Msg("pubsub handler stopped")
			}
		}()
	}

	// Worker also exposes a health endpoint for the platform's health checks.
	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
		response.JSON(w, req, http.StatusOK, map[string]interface{}{
			"status":  "healthy",
			"version": Version,
			"jobs":    scheduler.Jobs(),
			"refresh": refresh.MetricsSnapshot(),
		})
	})

	server := &http.Server{
		Addr:         ":" + strconv.Itoa(cfg.Worker.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	go func() {
		log.Info().Str("addr", server.Addr).Msg("health check server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("health server error")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down worker")
	cancel()

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("health server forced to shutdown")
	}

	log.Info().Msg("worker stopped")
}
