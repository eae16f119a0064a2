package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/marketpulse/marketpulse/internal/health"
	"github.com/marketpulse/marketpulse/internal/storage"
)

// HealthCheckJobConfig holds configuration for creating a HealthCheckJob.
type HealthCheckJobConfig struct {
	Registry *health.Registry
	Scorer   *health.Scorer

	// Store persists one HealthRecord per provider and run. Optional.
	Store storage.Store

	Logger zerolog.Logger

	// Now is used for CheckedAt. Default: time.Now
	Now func() time.Time
}

// HealthCheckJob scores every provider, reports status changes and
// blacklisting, and persists the scores.
type HealthCheckJob struct {
	registry *health.Registry
	scorer   *health.Scorer
	store    storage.Store
	logger   zerolog.Logger
	now      func() time.Time

	mu       sync.Mutex
	previous map[string]health.Status
	runs     int64
}

// Transition is a provider status change between two runs.
type Transition struct {
	Provider string
	From     health.Status
	To       health.Status
}

// HealthCheckResult contains the outcome of one run.
type HealthCheckResult struct {
	CheckedAt   time.Time
	Summary     health.Summary
	Scores      []health.Score
	Transitions []Transition
	Blacklisted []string
}

// NewHealthCheckJob creates a new health check job.
func NewHealthCheckJob(cfg HealthCheckJobConfig) *HealthCheckJob {
	if cfg.Scorer == nil {
		cfg.Scorer = health.NewScorer(health.ScorerConfig{})
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &HealthCheckJob{
		registry: cfg.Registry,
		scorer:   cfg.Scorer,
		store:    cfg.Store,
		logger:   cfg.Logger.With().Str("job", "health_check").Logger(),
		now:      cfg.Now,
		previous: make(map[string]health.Status),
	}
}

// Run scores all providers. It fails only when the scores cannot be persisted.
func (j *HealthCheckJob) Run(ctx context.Context) (*HealthCheckResult, error) {
	metrics := j.registry.All()
	result := &HealthCheckResult{
		CheckedAt: j.now().UTC(),
		Summary:   j.scorer.Summary(metrics),
		Scores:    make([]health.Score, 0, len(metrics)),
	}
	records := make([]storage.HealthRecord, 0, len(metrics))

	j.mu.Lock()
	first := j.runs == 0
	j.runs++
	for _, m := range metrics {
		score := j.scorer.Score(m)
		blacklisted := j.scorer.ShouldBlacklist(score)
		result.Scores = append(result.Scores, score)

		if prev, seen := j.previous[m.Provider]; !first && seen && prev != score.Status {
			result.Transitions = append(result.Transitions, Transition{Provider: m.Provider, From: prev, To: score.Status})
		}
		j.previous[m.Provider] = score.Status

		if blacklisted {
			result.Blacklisted = append(result.Blacklisted, m.Provider)
		}

		records = append(records, storage.HealthRecord{
			Provider:      m.Provider,
			Overall:       score.Overall,
			Latency:       score.Latency,
			Reliability:   score.Reliability,
			Freshness:     score.Freshness,
			ErrorRate:     score.ErrorRate,
			Status:        string(score.Status),
			Blacklisted:   blacklisted,
			TotalRequests: m.TotalRequests,
			AvgLatencyMs:  m.AvgLatencyMs,
			CheckedAt:     result.CheckedAt,
		})
	}
	j.mu.Unlock()

	for _, t := range result.Transitions {
		event := j.logger.Info()
		if rank(t.To) < rank(t.From) {
			event = j.logger.Warn()
		}
		event.
			Str("provider", t.Provider).
			Str("from", string(t.From)).
			Str("to", string(t.To)).
			Msg("provider status changed")
	}
	for _, name := range result.Blacklisted {
		j.logger.Error().Str("provider", name).Msg("provider blacklisted")
	}

	j.logger.Info().
		Int("providers", result.Summary.Total).
		Int("healthy", result.Summary.Healthy).
		Int("degraded", result.Summary.Degraded).
		Int("unhealthy", result.Summary.Unhealthy).
		Float64("average_score", result.Summary.AverageScore).
		Str("best_provider", result.Summary.BestProvider).
		Msg("health check completed")

	if j.store != nil && len(records) > 0 {
		if err := j.store.SaveProviderHealth(ctx, records); err != nil {
			return result, fmt.Errorf("persisting provider health: %w", err)
		}
	}
	return result, nil
}

// rank orders statuses from worst to best.
func rank(s health.Status) int {
	switch s {
	case health.StatusUnhealthy:
		return 0
	case health.StatusDegraded:
		return 1
	case health.StatusUnknown:
		return 2
	default:
		return 3
	}
}
