// Package main provides the entrypoint for the MarketPulse API server.
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

	"github.com/rs/zerolog"

	"github.com/marketpulse/marketpulse/internal/api"
	"github.com/marketpulse/marketpulse/internal/api/middleware"
	"github.com/marketpulse/marketpulse/internal/app"
	"github.com/marketpulse/marketpulse/internal/config"
	"github.com/marketpulse/marketpulse/internal/telemetry"
)

// Version and BuildTime are set at compile time via ldflags.
var (
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	const serviceName = "marketpulse-api"

	// Setup structured logging
	log := zerolog.New(os.Stdout).
		With().
		Timestamp().
		Str("service", serviceName).
		Str("version", Version).
		Logger()

	log.Info().
		Str("build_time", BuildTime).
		Msg("starting MarketPulse API")

	cfg, err := config.Load(os.Getenv(config.FileEnv))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	// Initialize OpenTelemetry
	ctx := context.Background()
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
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownErr := tp.Shutdown(shutdownCtx); shutdownErr != nil {
			log.Error().Err(shutdownErr).Msg("failed to shutdown telemetry")
		}
	}()

	if cfg.Telemetry.Enabled {
		log.Info().
			Str("otlp_endpoint", cfg.Telemetry.OTLPEndpoint).
			Msg("OpenTelemetry initialized")
	}

	// Initialize metrics
	metrics, err := middleware.NewMetrics()
	if err != nil {
		log.Error().Err(err).Msg("failed to initialize metrics")
		os.Exit(1) //nolint:gocritic // intentional exit, telemetry cleanup is best-effort
	}

	core, err := app.New(ctx, cfg, app.Options{Logger: log, Metrics: tp.Metrics})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build market data core")
	}
	defer func() {
		if closeErr := core.Close(); closeErr != nil {
			log.Error().Err(closeErr).Msg("failed to close market data core")
		}
	}()

	if err := core.Start(ctx, true); err != nil {
		log.Fatal().Err(err).Msg("failed to start market data core")
	}
	log.Info().
		Strs("providers", cfg.EnabledProviders()).
		Bool("stream", cfg.Stream.Enabled).
		Msg("market data core started")

	routerCfg := api.RouterConfig{
		Version:             Version,
		BuildTime:           BuildTime,
		Logger:              log,
		ServiceName:         serviceName,
		Metrics:             metrics,
		RequireTLS:          cfg.Server.RequireTLS,
		Orchestrator:        core.Orchestrator,
		Credentials:         core.Credentials,
		Registry:            core.Registry,
		Scorer:              core.Scorer,
		Cache:               core.Cache,
		MarketDataRateLimit: ptr(middleware.PerMinute(cfg.Server.RateLimit)),
	}
	if core.HasDatabase() {
		routerCfg.Ping = core.Ping
	}
	if cfg.Stream.Enabled {
		routerCfg.Stream = core.Stream
		routerCfg.Hub = core.Hub
	}
	router := api.NewRouter(routerCfg)

	// Create HTTP server
	server := &http.Server{
		Addr:         ":" + strconv.Itoa(cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Info().
			Str("addr", server.Addr).
			Msg("server listening")

		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down server")

	// Websocket clients are hijacked and not tracked by Shutdown.
	core.Hub.Close()

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}

	log.Info().Msg("server stopped")
}

func ptr[T any](v T) *T {
	return &v
}
