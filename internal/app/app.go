// Package app assembles the market data core from configuration. Binaries
// build one App and share it between their surfaces.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/marketpulse/marketpulse/internal/cache"
	"github.com/marketpulse/marketpulse/internal/config"
	"github.com/marketpulse/marketpulse/internal/credential"
	"github.com/marketpulse/marketpulse/internal/database"
	"github.com/marketpulse/marketpulse/internal/health"
	"github.com/marketpulse/marketpulse/internal/orchestrator"
	"github.com/marketpulse/marketpulse/internal/planner"
	"github.com/marketpulse/marketpulse/internal/provider"
	"github.com/marketpulse/marketpulse/internal/provider/alphavantage"
	"github.com/marketpulse/marketpulse/internal/provider/binance"
	"github.com/marketpulse/marketpulse/internal/provider/coingecko"
	"github.com/marketpulse/marketpulse/internal/provider/finnhub"
	"github.com/marketpulse/marketpulse/internal/storage"
	"github.com/marketpulse/marketpulse/internal/stream"
	"github.com/marketpulse/marketpulse/internal/telemetry"
)

// providerOrder is the preference order used to break health-score ties.
var providerOrder = []string{
	coingecko.ProviderName,
	binance.ProviderName,
	alphavantage.ProviderName,
	finnhub.ProviderName,
}

// Options tune how an App is built.
type Options struct {
	Logger zerolog.Logger

	// Metrics is optional. Instruments are skipped when nil.
	Metrics *telemetry.ProviderMetrics

	// SkipDatabase uses the in-memory store even when a database is configured.
	SkipDatabase bool
}

// App holds every long-lived component.
type App struct {
	Config       *config.Config
	Logger       zerolog.Logger
	Metrics      *telemetry.ProviderMetrics
	Credentials  *credential.Manager
	Registry     *health.Registry
	Scorer       *health.Scorer
	Planner      *planner.Planner
	Cache        *cache.Cache
	Store        storage.Store
	Orchestrator *orchestrator.Orchestrator
	Stream       *stream.Mux
	Hub          *stream.Hub

	pool    *pgxpool.Pool
	closers []func() error
	cancel  context.CancelFunc
}

// New builds the core. Nothing is started until Start is called.
func New(ctx context.Context, cfg *config.Config, opts Options) (*App, error) {
	logger := opts.Logger
	a := &App{Config: cfg, Logger: logger, Metrics: opts.Metrics}

	a.Credentials = credential.NewManager(credential.ManagerConfig{
		Backoff: credential.BackoffConfig{Base: cfg.Credentials.BackoffBase, Max: cfg.Credentials.BackoffMax},
		Logger:  logger.With().Str("component", "credentials").Logger(),
	})
	a.Registry = health.NewRegistry()

	weights, thresholds := cfg.Health.Weights, cfg.Health.Thresholds
	a.Scorer = health.NewScorer(health.ScorerConfig{
		Weights:           &weights,
		Thresholds:        &thresholds,
		BlacklistCooldown: cfg.Health.BlacklistCooldown,
	})

	providers, err := BuildProviders(cfg)
	if err != nil {
		return nil, err
	}
	for _, p := range providers {
		pc := cfg.Providers[p.Name()]
		a.Credentials.Register(p.Name(), pc.APIKeys, credential.Limit{Calls: pc.CallsPerWindow, Window: pc.Window})
	}

	a.Planner = planner.New(planner.Config{
		Workers:        cfg.Planner.Workers,
		QueueCapacity:  cfg.Planner.QueueCapacity,
		MaxAttempts:    cfg.Planner.MaxAttempts,
		InitialBackoff: cfg.Planner.InitialBackoff,
		MaxBackoff:     cfg.Planner.MaxBackoff,
		CallTimeout:    cfg.Planner.CallTimeout,
		BatchWindow:    cfg.Planner.BatchWindow,
		Credentials:    a.Credentials,
		Registry:       a.Registry,
		Metrics:        opts.Metrics,
		Logger:         logger,
	})

	if a.Cache, err = a.buildCache(ctx); err != nil {
		_ = a.Close()
		return nil, err
	}
	if a.Store, err = a.buildStore(ctx, opts.SkipDatabase); err != nil {
		_ = a.Close()
		return nil, err
	}

	a.Orchestrator, err = orchestrator.New(orchestrator.Config{
		Providers:           providers,
		Cache:               a.Cache,
		Planner:             a.Planner,
		Registry:            a.Registry,
		Scorer:              a.Scorer,
		Store:               a.Store,
		MaxProviderSwitches: cfg.Orchestrator.MaxProviderSwitches,
		StaleTTL:            cfg.Orchestrator.StaleTTL,
		MaxAttempts:         cfg.Planner.MaxAttempts,
		CallTimeout:         2 * cfg.Planner.CallTimeout,
		HistorySize:         cfg.Orchestrator.HistorySize,
		Logger:              logger,
	})
	if err != nil {
		_ = a.Close()
		return nil, err
	}

	if a.Stream, err = a.buildStream(); err != nil {
		_ = a.Close()
		return nil, err
	}
	a.Hub = stream.NewHub(a.Stream, stream.HubConfig{SendBuffer: cfg.Stream.ClientBuffer, Logger: logger})

	return a, nil
}

// buildStream creates one manager per feed. The exchange feed routes first,
// so Finnhub only takes topics the exchange does not list.
func (a *App) buildStream() (*stream.Mux, error) {
	sc := a.Config.Stream
	managerConfig := func(url string, codec stream.Codec) stream.Config {
		return stream.Config{
			URL:                   url,
			Codec:                 codec,
			Cache:                 a.Cache,
			MaxReconnectAttempts:  sc.MaxReconnectAttempts,
			InitialReconnectDelay: sc.InitialReconnectDelay,
			MaxReconnectDelay:     sc.MaxReconnectDelay,
			Metrics:               a.Metrics,
			Logger:                a.Logger,
		}
	}

	managers := []*stream.Manager{stream.NewManager(managerConfig(sc.URL, stream.BinanceCodec{}))}
	if sc.Finnhub.Enabled {
		keys := a.Config.Providers[finnhub.ProviderName].APIKeys
		if len(keys) == 0 {
			return nil, errors.New("stream.finnhub is enabled without a finnhub API key")
		}
		url, err := stream.FinnhubURL(sc.Finnhub.URL, keys[0])
		if err != nil {
			return nil, err
		}
		managers = append(managers, stream.NewManager(managerConfig(url, stream.FinnhubCodec{})))
	}
	return stream.NewMux(managers...), nil
}

// BuildProviders creates the enabled provider clients in preference order.
func BuildProviders(cfg *config.Config) ([]provider.Provider, error) {
	known := make(map[string]bool, len(providerOrder))
	for _, name := range providerOrder {
		known[name] = true
	}
	for name, pc := range cfg.Providers {
		if pc.Enabled && !known[name] {
			return nil, fmt.Errorf("unknown provider %q", name)
		}
	}

	var providers []provider.Provider
	for _, name := range providerOrder {
		pc, ok := cfg.Providers[name]
		if !ok || !pc.Enabled {
			continue
		}
		switch name {
		case coingecko.ProviderName:
			providers = append(providers, coingecko.NewClient(coingecko.ClientConfig{BaseURL: pc.BaseURL, Timeout: pc.Timeout}))
		case binance.ProviderName:
			providers = append(providers, binance.NewClient(binance.ClientConfig{BaseURL: pc.BaseURL, Timeout: pc.Timeout}))
		case alphavantage.ProviderName:
			providers = append(providers, alphavantage.NewClient(alphavantage.ClientConfig{BaseURL: pc.BaseURL, Timeout: pc.Timeout}))
		case finnhub.ProviderName:
			providers = append(providers, finnhub.NewClient(finnhub.ClientConfig{BaseURL: pc.BaseURL, Timeout: pc.Timeout}))
		}
	}
	if len(providers) == 0 {
		return nil, errors.New("no providers enabled")
	}
	return providers, nil
}

func (a *App) buildCache(ctx context.Context) (*cache.Cache, error) {
	cc := a.Config.Cache
	cfg := cache.Config{
		L1:      cache.NewMemoryTier(cache.MemoryConfig{MaxEntries: cc.L1MaxEntries}),
		Policy:  a.Config.CachePolicy(),
		Metrics: a.Metrics,
		Logger:  a.Logger,
	}

	if cc.RedisURL != "" {
		l2, err := cache.NewRedisTierFromURL(ctx, cc.RedisURL, cc.RedisPrefix)
		if err != nil {
			return nil, fmt.Errorf("cache L2: %w", err)
		}
		a.closers = append(a.closers, l2.Close)
		cfg.L2 = l2
		a.Logger.Info().Msg("cache L2 (redis) enabled")
	}

	if cc.DurableDriver != "" {
		l3, err := cache.OpenSQLTier(ctx, cache.SQLConfig{Driver: cc.DurableDriver, DSN: cc.DurableDSN})
		if err != nil {
			return nil, fmt.Errorf("cache L3: %w", err)
		}
		a.closers = append(a.closers, l3.Close)
		cfg.L3 = l3
		a.Logger.Info().Str("driver", cc.DurableDriver).Msg("cache L3 enabled")
	}

	return cache.New(cfg), nil
}

func (a *App) buildStore(ctx context.Context, skipDatabase bool) (storage.Store, error) {
	if skipDatabase || !a.Config.Database.Enabled() {
		return storage.NewMemoryStore(0), nil
	}

	pool, err := database.Connect(ctx, a.Config.Database)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	a.pool = pool

	store := storage.NewPostgresStore(pool)
	if err := store.Migrate(ctx); err != nil {
		return nil, err
	}
	a.Logger.Info().
		Str("host", a.Config.Database.Host).
		Int("port", a.Config.Database.Port).
		Str("database", a.Config.Database.Database).
		Msg("database connected")
	return store, nil
}

// Start launches the planner workers and the cache sweeper. When withStream
// is set and the stream is enabled, the feeds are connected and the
// configured topics are subscribed.
func (a *App) Start(ctx context.Context, withStream bool) error {
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	a.cancel = cancel

	a.Planner.Start(runCtx)
	if a.Config.Cache.SweepInterval > 0 {
		a.Cache.StartSweeper(runCtx, a.Config.Cache.SweepInterval)
	}

	if !withStream || !a.Config.Stream.Enabled {
		return nil
	}
	for _, raw := range a.Config.Stream.Topics {
		topic, err := stream.ParseTopic(raw)
		if err != nil {
			return err
		}
		logger := a.Logger.With().Str("topic", topic.String()).Logger()
		if _, err := a.Stream.Subscribe(topic, func(msg stream.Message) {
			logger.Trace().Int("bytes", len(msg.Data)).Msg("stream message")
		}); err != nil {
			return err
		}
	}

	dialCtx, dialCancel := context.WithTimeout(ctx, 15*time.Second)
	defer dialCancel()
	if err := a.Stream.Connect(dialCtx); err != nil {
		// The API still serves REST data without the feeds.
		a.Logger.Error().Err(err).Msg("failed to connect market stream")
	}
	return nil
}

// Ping checks the database connection. It is a no-op without a database.
func (a *App) Ping(ctx context.Context) error {
	if a.pool == nil {
		return nil
	}
	return a.pool.Ping(ctx)
}

// HasDatabase reports whether the app persists to Postgres.
func (a *App) HasDatabase() bool {
	return a.pool != nil
}

// Close stops every component and releases connections.
func (a *App) Close() error {
	var errs []error
	if a.Hub != nil {
		a.Hub.Close()
	}
	if a.Stream != nil {
		if err := a.Stream.Disconnect(); err != nil {
			errs = append(errs, err)
		}
	}
	if a.Planner != nil {
		a.Planner.Stop()
	}
	if a.cancel != nil {
		a.cancel()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	if a.pool != nil {
		a.pool.Close()
	}
	return errors.Join(errs...)
}
