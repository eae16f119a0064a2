package health_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marketpulse/marketpulse/internal/health"
)

var fixedNow = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

func newScorer() *health.Scorer {
	return health.NewScorer(health.ScorerConfig{
		Now: func() time.Time { return fixedNow },
	})
}

func ago(d time.Duration) *time.Time {
	t := fixedNow.Add(-d)
	return &t
}

func TestScorer_NoTrafficIsUnknown(t *testing.T) {
	score := newScorer().Score(health.ProviderMetrics{Provider: "coingecko"})

	assert.Equal(t, health.StatusUnknown, score.Status)
	assert.Equal(t, 50.0, score.Overall)
	assert.Equal(t, 50.0, score.Latency)
	assert.Equal(t, 50.0, score.Reliability)
	assert.Equal(t, 50.0, score.Freshness)
	assert.Equal(t, 50.0, score.ErrorRate)
}

func TestScorer_HealthyProvider(t *testing.T) {
	score := newScorer().Score(health.ProviderMetrics{
		Provider:           "coingecko",
		TotalRequests:      100,
		SuccessfulRequests: 96,
		FailedRequests:     4,
		AvgLatencyMs:       80,
		LastSuccessAt:      ago(0),
	})

	assert.Equal(t, 100.0, score.Latency)
	assert.InDelta(t, 92.5, score.Reliability, 0.001)
	assert.Equal(t, 100.0, score.Freshness)
	assert.Equal(t, 85.0, score.ErrorRate)
	assert.InDelta(t, 94.375, score.Overall, 0.001)
	assert.Equal(t, health.StatusHealthy, score.Status)
}

func TestScorer_BlacklistScenario(t *testing.T) {
	scorer := newScorer()
	score := scorer.Score(health.ProviderMetrics{
		Provider:            "alpha_vantage",
		TotalRequests:       50,
		SuccessfulRequests:  5,
		FailedRequests:      45,
		AvgLatencyMs:        6000,
		ConsecutiveFailures: 20,
	})

	assert.Equal(t, 30.0, score.Latency)
	assert.Equal(t, 0.0, score.Reliability)
	assert.Equal(t, 50.0, score.Freshness)
	assert.Equal(t, 0.0, score.ErrorRate)
	assert.InDelta(t, 17.5, score.Overall, 0.001)
	assert.Equal(t, health.StatusUnhealthy, score.Status)
	assert.True(t, scorer.ShouldBlacklist(score))
	assert.False(t, scorer.ShouldRetry(score))
}

func TestScorer_LatencyBreakpoints(t *testing.T) {
	tests := []struct {
		latency  float64
		expected float64
	}{
		{50, 100},
		{100, 100},
		{300, 95},
		{500, 90},
		{1250, 80},
		{2000, 70},
		{3500, 55},
		{5000, 40},
		{7000, 20},
		{20000, 0},
	}

	scorer := newScorer()
	for _, tt := range tests {
		score := scorer.Score(health.ProviderMetrics{
			TotalRequests:      10,
			SuccessfulRequests: 10,
			AvgLatencyMs:       tt.latency,
			LastSuccessAt:      ago(0),
		})
		assert.InDelta(t, tt.expected, score.Latency, 0.001, "latency %v", tt.latency)
	}
}

func TestScorer_LatencyMonotonic(t *testing.T) {
	scorer := newScorer()
	previous := 101.0
	for latency := 0.0; latency <= 12000; latency += 37 {
		score := scorer.Score(health.ProviderMetrics{
			TotalRequests:      10,
			SuccessfulRequests: 9,
			FailedRequests:     1,
			AvgLatencyMs:       latency,
			LastSuccessAt:      ago(time.Minute),
		})
		require.LessOrEqual(t, score.Latency, previous, "latency %v", latency)
		previous = score.Latency
	}
}

func TestScorer_FreshnessDecay(t *testing.T) {
	tests := []struct {
		name     string
		age      time.Duration
		expected float64
	}{
		{"just now", 0, 100},
		{"one minute", time.Minute, 100},
		{"three minutes", 3 * time.Minute, 95},
		{"fifteen minutes", 15 * time.Minute, 70},
		{"one hour", time.Hour, 40},
		{"one hour plus 360s", time.Hour + 360*time.Second, 30},
		{"one day", 24 * time.Hour, 0},
	}

	scorer := newScorer()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			score := scorer.Score(health.ProviderMetrics{
				TotalRequests:      1,
				SuccessfulRequests: 1,
				AvgLatencyMs:       10,
				LastSuccessAt:      ago(tt.age),
			})
			assert.InDelta(t, tt.expected, score.Freshness, 0.001)
		})
	}
}

func TestScorer_FreshnessUsesMostRecentActivity(t *testing.T) {
	score := newScorer().Score(health.ProviderMetrics{
		TotalRequests:      2,
		SuccessfulRequests: 1,
		FailedRequests:     1,
		LastSuccessAt:      ago(2 * time.Hour),
		LastFailureAt:      ago(10 * time.Second),
	})
	assert.Equal(t, 100.0, score.Freshness)
}

func TestScorer_ErrorRateSteps(t *testing.T) {
	tests := []struct {
		failed      int64
		rateLimited int64
		expected    float64
	}{
		{0, 0, 100},
		{1, 0, 95},
		{2, 3, 85},
		{10, 0, 70},
		{15, 5, 50},
		{30, 0, 30},
		{60, 0, 0},
	}

	scorer := newScorer()
	for _, tt := range tests {
		score := scorer.Score(health.ProviderMetrics{
			TotalRequests:       100,
			SuccessfulRequests:  100 - tt.failed - tt.rateLimited,
			FailedRequests:      tt.failed,
			RateLimitedRequests: tt.rateLimited,
			LastSuccessAt:       ago(0),
		})
		assert.InDelta(t, tt.expected, score.ErrorRate, 0.001, "failed=%d rateLimited=%d", tt.failed, tt.rateLimited)
	}
}

func TestScorer_ScoresStayInRange(t *testing.T) {
	scorer := newScorer()
	for total := int64(1); total <= 200; total += 13 {
		for success := int64(0); success <= total; success += 7 {
			for _, latency := range []float64{0, 90, 450, 2500, 9000, 1e6} {
				score := scorer.Score(health.ProviderMetrics{
					TotalRequests:       total,
					SuccessfulRequests:  success,
					FailedRequests:      total - success,
					AvgLatencyMs:        latency,
					LastFailureAt:       ago(time.Duration(total) * time.Minute),
					ConsecutiveFailures: total - success,
				})
				for _, v := range []float64{score.Overall, score.Latency, score.Reliability, score.Freshness, score.ErrorRate} {
					require.GreaterOrEqual(t, v, 0.0)
					require.LessOrEqual(t, v, 100.0)
				}
				switch {
				case score.Overall >= 70:
					assert.Equal(t, health.StatusHealthy, score.Status)
				case score.Overall >= 40:
					assert.Equal(t, health.StatusDegraded, score.Status)
				default:
					assert.Equal(t, health.StatusUnhealthy, score.Status)
				}
			}
		}
	}
}

func TestScorer_CustomWeights(t *testing.T) {
	weights := health.Weights{Latency: 1}
	scorer := health.NewScorer(health.ScorerConfig{
		Weights: &weights,
		Now:     func() time.Time { return fixedNow },
	})

	score := scorer.Score(health.ProviderMetrics{
		TotalRequests:  10,
		FailedRequests: 10,
		AvgLatencyMs:   50,
	})
	assert.Equal(t, 100.0, score.Overall)
	assert.Equal(t, health.StatusHealthy, score.Status)
}

func TestWeights_Validate(t *testing.T) {
	require.NoError(t, health.DefaultWeights().Validate())
	assert.Error(t, health.Weights{Latency: 0.5, Reliability: 0.2}.Validate())
	assert.Error(t, health.Weights{Latency: -0.5, Reliability: 1.5}.Validate())
}

func TestScorer_RecommendedAndSummary(t *testing.T) {
	scorer := newScorer()
	metrics := []health.ProviderMetrics{
		{Provider: "binance", TotalRequests: 100, SuccessfulRequests: 100, AvgLatencyMs: 40, LastSuccessAt: ago(0)},
		{Provider: "coingecko", TotalRequests: 100, SuccessfulRequests: 80, FailedRequests: 20, AvgLatencyMs: 2500, LastSuccessAt: ago(10 * time.Minute)},
		{Provider: "alpha_vantage", TotalRequests: 50, SuccessfulRequests: 5, FailedRequests: 45, AvgLatencyMs: 6000},
		{Provider: "finnhub"},
	}

	best, ok := scorer.Recommended(metrics)
	require.True(t, ok)
	assert.Equal(t, "binance", best)

	summary := scorer.Summary(metrics)
	assert.Equal(t, 4, summary.Total)
	assert.Equal(t, 1, summary.Healthy)
	assert.Equal(t, 1, summary.Degraded)
	assert.Equal(t, 1, summary.Unhealthy)
	assert.Equal(t, 1, summary.Unknown)
	assert.Equal(t, "binance", summary.BestProvider)
	assert.Greater(t, summary.AverageScore, 0.0)

	_, ok = scorer.Recommended(nil)
	assert.False(t, ok)
}

func TestScorer_ExcludedHonoursCooldown(t *testing.T) {
	scorer := newScorer()
	failing := health.ProviderMetrics{
		Provider:           "alpha_vantage",
		TotalRequests:      50,
		SuccessfulRequests: 5,
		FailedRequests:     45,
		AvgLatencyMs:       20000,
		LastFailureAt:      ago(4 * time.Minute),
	}
	assert.True(t, scorer.Excluded(failing))

	failing.LastFailureAt = ago(10 * time.Minute)
	assert.False(t, scorer.Excluded(failing))

	healthy := health.ProviderMetrics{Provider: "binance", TotalRequests: 1, SuccessfulRequests: 1, LastSuccessAt: ago(0)}
	assert.False(t, scorer.Excluded(healthy))
}
