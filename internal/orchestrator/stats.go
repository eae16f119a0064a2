package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/marketpulse/marketpulse/internal/cache"
	"github.com/marketpulse/marketpulse/internal/health"
	"github.com/marketpulse/marketpulse/internal/planner"
	"github.com/marketpulse/marketpulse/internal/provider"
)

// batchConcurrency bounds the number of concurrent requests of a batch.
const batchConcurrency = 8

// BatchGet runs requests concurrently. Results keep the input order and each
// carries its own error.
func (o *Orchestrator) BatchGet(ctx context.Context, reqs []Request) []BatchResult {
	results := make([]BatchResult, len(reqs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(batchConcurrency)
	for i, req := range reqs {
		g.Go(func() error {
			resp, err := o.GetMarketData(gctx, req)
			results[i] = BatchResult{Request: req, Response: resp, Err: err}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// Prefetch warms the cache for symbols at batch priority. It returns the
// number of symbols served and the joined errors of the rest.
func (o *Orchestrator) Prefetch(ctx context.Context, dataType provider.DataType, symbols []string, params map[string]string) (int, error) {
	reqs := make([]Request, 0, len(symbols))
	for _, s := range symbols {
		reqs = append(reqs, Request{
			DataType: dataType,
			Symbol:   s,
			Params:   params,
			Priority: planner.PriorityBatch,
			BatchKey: "prefetch:" + string(dataType),
		})
	}

	var (
		warmed int
		errs   []error
	)
	for _, r := range o.BatchGet(ctx, reqs) {
		if r.Err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", r.Request.Symbol, r.Err))
			continue
		}
		warmed++
	}
	return warmed, errors.Join(errs...)
}

// Statistics returns the lifetime counters.
func (o *Orchestrator) Statistics() Statistics {
	stats := Statistics{
		TotalRequests:    o.totalRequests.Load(),
		CacheHits:        o.cacheHits.Load(),
		ProviderFetches:  o.providerFetches.Load(),
		StaleServed:      o.staleServed.Load(),
		Failures:         o.failures.Load(),
		ProviderSwitches: o.providerSwitches.Load(),
		Deduplicated:     o.deduplicated.Load(),
		Queue:            o.planner.QueueStatus(),
	}
	if stats.TotalRequests > 0 {
		stats.CacheHitRate = float64(stats.CacheHits) / float64(stats.TotalRequests)
	}

	o.mu.Lock()
	stats.ProviderUsage = make(map[string]int64, len(o.usage))
	for name, n := range o.usage {
		stats.ProviderUsage[name] = n
	}
	o.mu.Unlock()
	return stats
}

// GetProviderMetrics returns the metrics and health of one provider.
func (o *Orchestrator) GetProviderMetrics(name string) (ProviderSnapshot, bool) {
	p, ok := o.Provider(name)
	if !ok {
		return ProviderSnapshot{}, false
	}
	m, ok := o.registry.Snapshot(p.Name())
	if !ok {
		m = health.ProviderMetrics{Provider: p.Name()}
	}
	return o.snapshot(p, m), true
}

// GetAllProviderMetrics returns every provider in preference order.
func (o *Orchestrator) GetAllProviderMetrics() []ProviderSnapshot {
	out := make([]ProviderSnapshot, 0, len(o.providers))
	for _, p := range o.providers {
		snap, _ := o.GetProviderMetrics(p.Name())
		out = append(out, snap)
	}
	return out
}

func (o *Orchestrator) snapshot(p provider.Provider, m health.ProviderMetrics) ProviderSnapshot {
	score := o.scorer.Score(m)
	var supported []provider.DataType
	for _, dt := range provider.AllDataTypes() {
		if p.SupportsDataType(dt) {
			supported = append(supported, dt)
		}
	}
	return ProviderSnapshot{
		ProviderName:        p.Name(),
		TotalRequests:       m.TotalRequests,
		SuccessfulRequests:  m.SuccessfulRequests,
		FailedRequests:      m.FailedRequests,
		RateLimitedRequests: m.RateLimitedRequests,
		AvgLatencyMs:        m.AvgLatencyMs,
		MinLatencyMs:        m.MinLatencyMs,
		MaxLatencyMs:        m.MaxLatencyMs,
		ConsecutiveFailures: m.ConsecutiveFailures,
		HealthScore:         score.Overall,
		ErrorRate:           m.ErrorRate(),
		Status:              score.Status,
		Blacklisted:         o.scorer.ShouldBlacklist(score),
		Score:               score,
		SupportedDataTypes:  supported,
		LastSuccessAt:       m.LastSuccessAt,
		LastFailureAt:       m.LastFailureAt,
		LastError:           m.LastError,
		CircuitState:        provider.CircuitState(p),
	}
}

// HealthScores returns the score of every configured provider.
func (o *Orchestrator) HealthScores() []health.Score {
	return o.scorer.ScoreAll(o.metrics())
}

// GetHealthSummary aggregates the health of every configured provider.
func (o *Orchestrator) GetHealthSummary() health.Summary {
	return o.scorer.Summary(o.metrics())
}

// GetCacheStats returns the per-tier cache counters.
func (o *Orchestrator) GetCacheStats() cache.Stats {
	return o.cache.Stats()
}

// FlushCache empties every cache tier, stale copies included.
func (o *Orchestrator) FlushCache(ctx context.Context) error {
	return o.cache.Flush(ctx)
}

// Scorer returns the health scorer.
func (o *Orchestrator) Scorer() *health.Scorer {
	return o.scorer
}

func (o *Orchestrator) metrics() []health.ProviderMetrics {
	out := make([]health.ProviderMetrics, 0, len(o.providers))
	for _, p := range o.providers {
		m, ok := o.registry.Snapshot(p.Name())
		if !ok {
			m = health.ProviderMetrics{Provider: p.Name()}
		}
		out = append(out, m)
	}
	return out
}
