// Package api provides the HTTP API for MarketPulse.
package api

import (
	"context"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/marketpulse/marketpulse/internal/api/handler"
	"github.com/marketpulse/marketpulse/internal/api/middleware"
	"github.com/marketpulse/marketpulse/internal/cache"
	"github.com/marketpulse/marketpulse/internal/credential"
	"github.com/marketpulse/marketpulse/internal/health"
	"github.com/marketpulse/marketpulse/internal/orchestrator"
	"github.com/marketpulse/marketpulse/internal/stream"
)

// RouterConfig holds configuration for the router.
type RouterConfig struct {
	Version     string
	BuildTime   string
	Logger      zerolog.Logger
	ServiceName string
	Metrics     *middleware.Metrics
	RequireTLS  bool

	Orchestrator *orchestrator.Orchestrator
	Credentials  *credential.Manager
	Registry     *health.Registry
	Scorer       *health.Scorer
	Cache        *cache.Cache

	// Stream and Hub are nil when streaming is disabled.
	Stream stream.Feed
	Hub    *stream.Hub

	// Ping checks the database for readiness. Optional.
	Ping func(ctx context.Context) error

	// MarketDataRateLimit overrides the per-client market data limit. A zero
	// RequestLimit disables it.
	MarketDataRateLimit *middleware.RateLimitConfig
}

// NewRouter creates a new chi router with all API routes configured.
func NewRouter(cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "marketpulse-api"
	}

	// Global middleware - order matters
	r.Use(middleware.RequestID)            // Generate/propagate request ID first
	r.Use(middleware.Tracing(serviceName)) // Distributed tracing
	if cfg.Metrics != nil {
		r.Use(cfg.Metrics.Middleware()) // HTTP metrics
	}
	r.Use(middleware.Logger(cfg.Logger))         // Structured logging
	r.Use(middleware.Recovery(cfg.Logger))       // Panic recovery
	r.Use(chimiddleware.RealIP)                  // Real IP extraction
	r.Use(middleware.SecurityHeaders)            // Security headers (HSTS, CSP, etc.)
	r.Use(middleware.RequireTLS(cfg.RequireTLS)) // TLS enforcement behind a load balancer
	r.Use(middleware.ContentTypeJSON)            // JSON content type

	// Initialize handlers
	opsHandler := handler.NewOpsHandler(handler.OpsConfig{
		Version:      cfg.Version,
		BuildTime:    cfg.BuildTime,
		Orchestrator: cfg.Orchestrator,
		Cache:        cfg.Cache,
		Stream:       cfg.Stream,
		Ping:         cfg.Ping,
	})
	marketHandler := handler.NewMarketHandler(cfg.Orchestrator)
	providersHandler := handler.NewProvidersHandler(cfg.Orchestrator, cfg.Credentials, cfg.Registry, cfg.Scorer)
	systemHandler := handler.NewSystemHandler(cfg.Cache, cfg.Orchestrator, cfg.Logger)
	streamHandler := handler.NewStreamHandler(cfg.Stream, cfg.Hub)

	marketLimit := middleware.MarketDataRateLimit
	if cfg.MarketDataRateLimit != nil {
		marketLimit = *cfg.MarketDataRateLimit
	}
	marketRateLimit := middleware.Passthrough
	if marketLimit.RequestLimit > 0 {
		marketRateLimit = middleware.RateLimitByClient(marketLimit) // 120 req/min per client by default
	}
	standardRateLimit := middleware.RateLimitByIP(middleware.StandardRateLimit) // 100 req/min
	adminRateLimit := middleware.RateLimitByIP(middleware.AdminRateLimit)       // 10 req/min

	// API v1 routes
	r.Route("/v1", func(r chi.Router) {
		r.Route("/ops", func(r chi.Router) {
			r.Get("/health", opsHandler.HealthCheck)
			r.Get("/ready", opsHandler.ReadinessCheck)
			r.With(standardRateLimit).Get("/status", opsHandler.SystemStatus)
		})

		r.With(marketRateLimit).Get("/market-data/{dataType}/{symbol}", marketHandler.GetMarketData)

		r.Route("/providers", func(r chi.Router) {
			r.Use(standardRateLimit)
			r.Get("/", providersHandler.ListProviders)
			r.Route("/{provider}", func(r chi.Router) {
				r.Get("/", providersHandler.GetProvider)
				r.Get("/credentials", providersHandler.GetCredentials)
			})
		})

		r.With(standardRateLimit).Get("/health/summary", providersHandler.HealthSummary)

		r.Route("/cache", func(r chi.Router) {
			r.With(standardRateLimit).Get("/stats", systemHandler.CacheStats)
			r.With(adminRateLimit).Post("/flush", systemHandler.FlushCache)
		})

		r.With(standardRateLimit).Get("/orchestrator/stats", systemHandler.OrchestratorStats)

		r.Route("/stream", func(r chi.Router) {
			r.Use(standardRateLimit)
			r.Get("/status", streamHandler.Status)
			r.Get("/ws", streamHandler.WebSocket)
		})
	})

	return r
}
