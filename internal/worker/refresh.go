package worker

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/marketpulse/marketpulse/internal/orchestrator"
	"github.com/marketpulse/marketpulse/internal/planner"
	"github.com/marketpulse/marketpulse/internal/provider"
)

// MarketDataGetter is the part of the orchestrator the refresh job needs.
type MarketDataGetter interface {
	GetMarketData(ctx context.Context, req orchestrator.Request) (*orchestrator.Response, error)
}

// RefreshJob keeps configured symbols warm in the cache by requesting them
// at batch priority.
type RefreshJob struct {
	config  RefreshConfig
	getter  MarketDataGetter
	logger  zerolog.Logger
	metrics *RefreshMetrics
}

// RefreshMetrics tracks refresh job statistics.
type RefreshMetrics struct {
	mu sync.RWMutex

	// Counters
	TotalRuns         int64
	SuccessfulRefresh int64
	FailedRefreshes   int64
	StaleRefreshes    int64
	CacheHits         int64

	// Timings
	LastRefreshAt       time.Time
	LastRefreshDuration time.Duration
	TotalDuration       time.Duration
}

// RefreshJobConfig holds configuration for creating a RefreshJob.
type RefreshJobConfig struct {
	Config RefreshConfig
	Getter MarketDataGetter
	Logger zerolog.Logger
}

// NewRefreshJob creates a new refresh job processor.
func NewRefreshJob(cfg RefreshJobConfig) *RefreshJob {
	return &RefreshJob{
		config:  cfg.Config.withDefaults(),
		getter:  cfg.Getter,
		logger:  cfg.Logger.With().Str("job", "provider_refresh").Logger(),
		metrics: &RefreshMetrics{},
	}
}

// RefreshResult contains the result of a refresh operation.
type RefreshResult struct {
	StartTime  time.Time
	EndTime    time.Time
	Duration   time.Duration
	Total      int
	Successful int
	Failed     int
	Stale      int
	CacheHits  int
	Errors     []RefreshError
}

// RefreshError represents an error during refresh.
type RefreshError struct {
	DataType provider.DataType
	Symbol   string
	Error    string
}

type refreshItem struct {
	dataType provider.DataType
	symbol   string
	params   map[string]string
}

type itemResult struct {
	item      refreshItem
	resp      *orchestrator.Response
	err       error
	cancelled bool
}

// Run executes the refresh job for all configured targets.
func (j *RefreshJob) Run(ctx context.Context) *RefreshResult {
	return j.RunTargets(ctx, j.config.Targets)
}

// RunTargets refreshes the given targets instead of the configured ones.
func (j *RefreshJob) RunTargets(ctx context.Context, targets []RefreshTarget) *RefreshResult {
	startTime := time.Now()

	var items []refreshItem
	for _, t := range targets {
		for _, s := range t.Symbols {
			items = append(items, refreshItem{dataType: t.DataType, symbol: s, params: t.Params})
		}
	}
	result := &RefreshResult{StartTime: startTime, Total: len(items)}

	j.logger.Info().
		Int("total_symbols", result.Total).
		Int("concurrency", j.config.Concurrency).
		Msg("starting provider refresh job")

	// Create work channels
	itemsChan := make(chan refreshItem, len(items))
	resultsChan := make(chan itemResult, len(items))

	// Start workers
	var wg sync.WaitGroup
	for i := 0; i < j.config.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			j.refreshWorker(ctx, itemsChan, resultsChan)
		}()
	}

	for _, it := range items {
		itemsChan <- it
	}
	close(itemsChan)

	go func() {
		wg.Wait()
		close(resultsChan)
	}()

	for r := range resultsChan {
		switch {
		case r.cancelled:
			result.Failed++
			result.Errors = append(result.Errors, RefreshError{DataType: r.item.dataType, Symbol: r.item.symbol, Error: ctx.Err().Error()})
		case r.err != nil:
			result.Failed++
			result.Errors = append(result.Errors, RefreshError{DataType: r.item.dataType, Symbol: r.item.symbol, Error: r.err.Error()})
		case r.resp.Stale:
			result.Stale++
		case r.resp.FromCache:
			result.CacheHits++
			result.Successful++
		default:
			result.Successful++
		}
	}

	result.EndTime = time.Now()
	result.Duration = result.EndTime.Sub(startTime)

	j.updateMetrics(result)

	j.logger.Info().
		Dur("duration", result.Duration).
		Int("successful", result.Successful).
		Int("failed", result.Failed).
		Int("stale", result.Stale).
		Int("cache_hits", result.CacheHits).
		Msg("provider refresh job completed")

	return result
}

func (j *RefreshJob) refreshWorker(ctx context.Context, items <-chan refreshItem, results chan<- itemResult) {
	for it := range items {
		if ctx.Err() != nil {
			results <- itemResult{item: it, cancelled: true}
			continue
		}
		results <- j.refreshItem(ctx, it)
	}
}

func (j *RefreshJob) refreshItem(ctx context.Context, it refreshItem) itemResult {
	itemCtx, cancel := context.WithTimeout(ctx, j.config.Timeout)
	defer cancel()

	resp, err := j.getter.GetMarketData(itemCtx, orchestrator.Request{
		DataType: it.dataType,
		Symbol:   it.symbol,
		Params:   it.params,
		Priority: planner.PriorityBatch,
		BatchKey: "refresh:" + string(it.dataType),
	})
	if err != nil {
		j.logger.Warn().
			Err(err).
			Str("data_type", string(it.dataType)).
			Str("symbol", it.symbol).
			Msg("refresh failed")
	}
	return itemResult{item: it, resp: resp, err: err}
}

func (j *RefreshJob) updateMetrics(result *RefreshResult) {
	j.metrics.mu.Lock()
	defer j.metrics.mu.Unlock()

	j.metrics.TotalRuns++
	j.metrics.SuccessfulRefresh += int64(result.Successful)
	j.metrics.FailedRefreshes += int64(result.Failed)
	j.metrics.StaleRefreshes += int64(result.Stale)
	j.metrics.CacheHits += int64(result.CacheHits)
	j.metrics.LastRefreshAt = result.EndTime
	j.metrics.LastRefreshDuration = result.Duration
	j.metrics.TotalDuration += result.Duration
}

// GetMetrics returns a copy of the current metrics.
func (j *RefreshJob) GetMetrics() RefreshMetrics {
	j.metrics.mu.RLock()
	defer j.metrics.mu.RUnlock()

	return RefreshMetrics{
		TotalRuns:           j.metrics.TotalRuns,
		SuccessfulRefresh:   j.metrics.SuccessfulRefresh,
		FailedRefreshes:     j.metrics.FailedRefreshes,
		StaleRefreshes:      j.metrics.StaleRefreshes,
		CacheHits:           j.metrics.CacheHits,
		LastRefreshAt:       j.metrics.LastRefreshAt,
		LastRefreshDuration: j.metrics.LastRefreshDuration,
		TotalDuration:       j.metrics.TotalDuration,
	}
}

// MetricsSnapshot returns a snapshot of the current metrics as a map.
func (j *RefreshJob) MetricsSnapshot() map[string]interface{} {
	m := j.GetMetrics()
	return map[string]interface{}{
		"total_runs":            m.TotalRuns,
		"successful_refreshes":  m.SuccessfulRefresh,
		"failed_refreshes":      m.FailedRefreshes,
		"stale_refreshes":       m.StaleRefreshes,
		"cache_hits":            m.CacheHits,
		"last_refresh_at":       m.LastRefreshAt,
		"last_refresh_duration": m.LastRefreshDuration.String(),
		"total_duration":        m.TotalDuration.String(),
	}
}
