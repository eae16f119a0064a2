// Package orchestrator serves market data requests from the tiered cache or
// the healthiest provider that supports them, switching providers on failure
// and falling back to stale values when none can answer.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/marketpulse/marketpulse/internal/cache"
	"github.com/marketpulse/marketpulse/internal/health"
	"github.com/marketpulse/marketpulse/internal/planner"
	"github.com/marketpulse/marketpulse/internal/provider"
	"github.com/marketpulse/marketpulse/internal/storage"
)

// StaleNamespace holds long-lived copies of every fetched value.
const StaleNamespace = "stale"

// Config holds configuration for the orchestrator.
type Config struct {
	// Providers in preference order. Ties in health score keep this order.
	Providers []provider.Provider

	Cache    *cache.Cache
	Planner  *planner.Planner
	Registry *health.Registry
	Scorer   *health.Scorer

	// Store receives normalized prices. Optional.
	Store storage.Store

	// MaxProviderSwitches bounds how many further providers are tried after
	// the first one fails.
	// Default: 2
	MaxProviderSwitches int

	// StaleTTL is how long stale copies are kept.
	// Default: 24 hours
	StaleTTL time.Duration

	// MaxAttempts is the planner attempt budget per provider.
	// Default: 3
	MaxAttempts int

	// CallTimeout is the deadline of each provider request, requeues included.
	// Default: 30 seconds
	CallTimeout time.Duration

	// HistorySize bounds the request history.
	// Default: 1000
	HistorySize int

	Logger zerolog.Logger
}

// Orchestrator is the market data facade.
type Orchestrator struct {
	providers []provider.Provider
	byName    map[string]provider.Provider
	cache     *cache.Cache
	planner   *planner.Planner
	registry  *health.Registry
	scorer    *health.Scorer
	store     storage.Store
	config    Config
	logger    zerolog.Logger

	group singleflight.Group

	totalRequests    atomic.Int64
	cacheHits        atomic.Int64
	providerFetches  atomic.Int64
	staleServed      atomic.Int64
	failures         atomic.Int64
	providerSwitches atomic.Int64
	deduplicated     atomic.Int64

	mu      sync.Mutex
	usage   map[string]int64
	history []RequestRecord
	next    int
}

// New creates an orchestrator. Providers and Planner are required.
func New(cfg Config) (*Orchestrator, error) {
	if len(cfg.Providers) == 0 {
		return nil, errors.New("orchestrator: no providers configured")
	}
	if cfg.Planner == nil {
		return nil, errors.New("orchestrator: planner is required")
	}
	if cfg.Cache == nil {
		cfg.Cache = cache.New(cache.Config{L1: cache.NewMemoryTier(cache.MemoryConfig{}), Logger: cfg.Logger})
	}
	if cfg.Registry == nil {
		cfg.Registry = health.NewRegistry()
	}
	if cfg.Scorer == nil {
		cfg.Scorer = health.NewScorer(health.ScorerConfig{})
	}
	if cfg.MaxProviderSwitches < 0 {
		cfg.MaxProviderSwitches = 0
	} else if cfg.MaxProviderSwitches == 0 {
		cfg.MaxProviderSwitches = 2
	}
	if cfg.StaleTTL <= 0 {
		cfg.StaleTTL = 24 * time.Hour
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 30 * time.Second
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 1000
	}

	o := &Orchestrator{
		providers: cfg.Providers,
		byName:    make(map[string]provider.Provider, len(cfg.Providers)),
		cache:     cfg.Cache,
		planner:   cfg.Planner,
		registry:  cfg.Registry,
		scorer:    cfg.Scorer,
		store:     cfg.Store,
		config:    cfg,
		logger:    cfg.Logger.With().Str("component", "orchestrator").Logger(),
		usage:     make(map[string]int64),
		history:   make([]RequestRecord, 0, cfg.HistorySize),
	}
	for _, p := range cfg.Providers {
		if _, dup := o.byName[p.Name()]; dup {
			return nil, fmt.Errorf("orchestrator: duplicate provider %q", p.Name())
		}
		o.byName[p.Name()] = p
		o.registry.Register(p.Name())
	}
	return o, nil
}

// GetMarketData answers a request from the cache or a provider.
func (o *Orchestrator) GetMarketData(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()
	o.totalRequests.Add(1)

	req.Symbol = provider.NormalizeSymbol(req.Symbol)
	if err := o.validate(req); err != nil {
		o.failures.Add(1)
		o.recordHistory(req, nil, nil, err, start)
		return nil, err
	}

	key := cache.Key(string(req.DataType), req.Symbol, req.Params)

	if resp, ok := o.fromCache(ctx, string(req.DataType), key, false); ok {
		o.cacheHits.Add(1)
		o.recordHistory(req, resp, nil, nil, start)
		return resp, nil
	}

	// Concurrent misses for the same key share one fetch. The fetch outlives
	// a cancelled caller so that other waiters still get the result.
	ch := o.group.DoChan(key, func() (interface{}, error) {
		return o.fetch(context.WithoutCancel(ctx), req, key)
	})

	select {
	case <-ctx.Done():
		o.failures.Add(1)
		o.recordHistory(req, nil, nil, ctx.Err(), start)
		return nil, ctx.Err()
	case res := <-ch:
		if res.Shared {
			o.deduplicated.Add(1)
		}
		out, _ := res.Val.(*fetchOutcome)
		var tried []string
		if out != nil {
			tried = out.tried
		}
		if res.Err != nil {
			o.failures.Add(1)
			o.recordHistory(req, nil, tried, res.Err, start)
			return nil, res.Err
		}
		resp := *out.resp
		o.recordHistory(req, &resp, tried, nil, start)
		return &resp, nil
	}
}

func (o *Orchestrator) validate(req Request) error {
	if req.Symbol == "" {
		return fmt.Errorf("%w: symbol is required", ErrInvalidRequest)
	}
	if _, ok := provider.ParseDataType(string(req.DataType)); !ok {
		return fmt.Errorf("%w: unknown data type %q", ErrInvalidRequest, req.DataType)
	}
	for _, p := range o.providers {
		if p.SupportsDataType(req.DataType) {
			return nil
		}
	}
	return fmt.Errorf("%w: no provider serves %s", provider.ErrUnsupportedDataType, req.DataType)
}

func (o *Orchestrator) fromCache(ctx context.Context, namespace, key string, stale bool) (*Response, bool) {
	var payload provider.Payload
	entry, ok := o.cache.GetJSON(ctx, namespace, key, &payload)
	if !ok {
		return nil, false
	}
	return &Response{
		DataType:  payload.DataType,
		Symbol:    payload.Symbol,
		Data:      payload.Data,
		Source:    payload.Provider,
		FetchedAt: payload.FetchedAt,
		FromCache: true,
		Stale:     stale,
		CacheTier: string(entry.Tier),
	}, true
}

type fetchOutcome struct {
	resp  *Response
	tried []string
}

func (o *Orchestrator) fetch(ctx context.Context, req Request, key string) (*fetchOutcome, error) {
	candidates := o.rank(req.DataType)
	out := &fetchOutcome{}

	var (
		attempts []Attempt
		cause    = provider.ErrProviderUnavailable
	)
	for i, score := range candidates {
		if i > o.config.MaxProviderSwitches {
			break
		}
		if i > 0 {
			o.providerSwitches.Add(1)
		}

		p := o.byName[score.Provider]
		out.tried = append(out.tried, p.Name())
		o.providerFetches.Add(1)

		result, err := o.planner.Submit(ctx, planner.CallRequest{
			Provider:    p,
			DataType:    req.DataType,
			Symbol:      req.Symbol,
			Params:      req.Params,
			Priority:    req.Priority,
			BatchKey:    req.BatchKey,
			MaxAttempts: o.config.MaxAttempts,
			Deadline:    time.Now().Add(o.config.CallTimeout),
		})
		if err == nil {
			o.countUsage(p.Name())
			o.persist(ctx, key, result.Payload)
			out.resp = &Response{
				DataType:  req.DataType,
				Symbol:    result.Payload.Symbol,
				Data:      result.Payload.Data,
				Source:    result.Payload.Provider,
				FetchedAt: result.Payload.FetchedAt,
			}
			return out, nil
		}

		attempts = append(attempts, o.attempt(p.Name(), err))
		o.logger.Warn().
			Err(err).
			Str("provider", p.Name()).
			Str("data_type", string(req.DataType)).
			Str("symbol", req.Symbol).
			Int("attempts", result.Attempts).
			Msg("provider fetch failed")

		if errors.Is(err, provider.ErrBackpressured) {
			cause = provider.ErrBackpressured
			break
		}
		if errors.Is(err, planner.ErrStopped) {
			break
		}
	}

	if resp, ok := o.fromCache(ctx, StaleNamespace, key, true); ok {
		o.staleServed.Add(1)
		o.logger.Info().
			Str("data_type", string(req.DataType)).
			Str("symbol", req.Symbol).
			Str("source", resp.Source).
			Time("fetched_at", resp.FetchedAt).
			Msg("serving stale value")
		out.resp = resp
		return out, nil
	}

	return out, &FetchError{
		DataType: req.DataType,
		Symbol:   req.Symbol,
		Attempts: attempts,
		Err:      cause,
	}
}

// persist writes a fresh payload to the cache, its stale copy and storage.
// Failures are logged and never fail the request.
func (o *Orchestrator) persist(ctx context.Context, key string, payload *provider.Payload) {
	data, err := json.Marshal(payload)
	if err != nil {
		o.logger.Error().Err(err).Msg("encode payload for cache")
		return
	}
	if err := o.cache.Set(ctx, string(payload.DataType), key, data, 0); err != nil {
		o.logger.Warn().Err(err).Str("key", key).Msg("cache write failed")
	}
	if err := o.cache.Set(ctx, StaleNamespace, key, data, o.config.StaleTTL); err != nil {
		o.logger.Warn().Err(err).Str("key", key).Msg("stale cache write failed")
	}

	if o.store == nil {
		return
	}
	if record, ok := storage.PriceRecordFromPayload(payload); ok {
		if err := o.store.SavePrices(ctx, []storage.PriceRecord{record}); err != nil {
			o.logger.Warn().Err(err).Str("symbol", record.Symbol).Msg("persist price failed")
		}
	}
}

func (o *Orchestrator) attempt(name string, err error) Attempt {
	m, _ := o.registry.Snapshot(name)
	score := o.scorer.Score(m)
	return Attempt{
		Provider:    name,
		Error:       err.Error(),
		HealthScore: score.Overall,
		Status:      score.Status,
	}
}

// rank orders the providers that serve a data type: Healthy first, then
// Degraded and Unknown, then Unhealthy. Blacklisted providers inside their
// cooldown are left out.
func (o *Orchestrator) rank(dataType provider.DataType) []health.Score {
	scores := make([]health.Score, 0, len(o.providers))
	for _, p := range o.providers {
		if !p.SupportsDataType(dataType) {
			continue
		}
		m, ok := o.registry.Snapshot(p.Name())
		if !ok {
			m = health.ProviderMetrics{Provider: p.Name()}
		}
		if o.scorer.Excluded(m) {
			o.logger.Debug().Str("provider", p.Name()).Msg("skipping blacklisted provider")
			continue
		}
		scores = append(scores, o.scorer.Score(m))
	}

	sort.SliceStable(scores, func(i, j int) bool {
		ti, tj := statusTier(scores[i].Status), statusTier(scores[j].Status)
		if ti != tj {
			return ti < tj
		}
		return scores[i].Overall > scores[j].Overall
	})
	return scores
}

func statusTier(s health.Status) int {
	switch s {
	case health.StatusHealthy:
		return 0
	case health.StatusDegraded, health.StatusUnknown:
		return 1
	default:
		return 2
	}
}

// Candidates returns the provider names that would be tried for a data type,
// in order.
func (o *Orchestrator) Candidates(dataType provider.DataType) []string {
	ranked := o.rank(dataType)
	names := make([]string, 0, len(ranked))
	for _, s := range ranked {
		names = append(names, s.Provider)
	}
	return names
}

func (o *Orchestrator) countUsage(name string) {
	o.mu.Lock()
	o.usage[name]++
	o.mu.Unlock()
}

func (o *Orchestrator) recordHistory(req Request, resp *Response, tried []string, err error, start time.Time) {
	record := RequestRecord{
		ID:        uuid.NewString(),
		DataType:  req.DataType,
		Symbol:    req.Symbol,
		Priority:  req.Priority.String(),
		Success:   err == nil,
		Providers: tried,
		Duration:  time.Since(start),
		At:        start.UTC(),
	}
	if resp != nil {
		record.Source = resp.Source
		record.FromCache = resp.FromCache
		record.Stale = resp.Stale
	}
	if err != nil {
		record.Error = err.Error()
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.history) < o.config.HistorySize {
		o.history = append(o.history, record)
		return
	}
	o.history[o.next] = record
	o.next = (o.next + 1) % o.config.HistorySize
}

// History returns up to limit recent requests, newest first. A non-positive
// limit returns the whole history.
func (o *Orchestrator) History(limit int) []RequestRecord {
	o.mu.Lock()
	defer o.mu.Unlock()

	n := len(o.history)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]RequestRecord, 0, limit)
	for i := 0; i < limit; i++ {
		// The newest record sits just before o.next once the ring is full.
		idx := (o.next - 1 - i + n) % n
		if n < o.config.HistorySize {
			idx = n - 1 - i
		}
		out = append(out, o.history[idx])
	}
	return out
}

// Providers returns the configured provider names in preference order.
func (o *Orchestrator) Providers() []string {
	names := make([]string, 0, len(o.providers))
	for _, p := range o.providers {
		names = append(names, p.Name())
	}
	return names
}

// Provider returns a configured provider by name.
func (o *Orchestrator) Provider(name string) (provider.Provider, bool) {
	p, ok := o.byName[strings.ToLower(strings.TrimSpace(name))]
	return p, ok
}
