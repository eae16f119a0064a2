package health

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"time"
)

// Status is the tri-state health classification plus Unknown.
type Status string

// Status values.
const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
	StatusUnknown   Status = "unknown"
)

// neutralScore is reported for every sub-score of a provider with no traffic.
const neutralScore = 50.0

// Weights controls how sub-scores combine into the overall score.
type Weights struct {
	Latency     float64 `mapstructure:"latency" yaml:"latency"`
	Reliability float64 `mapstructure:"reliability" yaml:"reliability"`
	Freshness   float64 `mapstructure:"freshness" yaml:"freshness"`
	ErrorRate   float64 `mapstructure:"error_rate" yaml:"error_rate"`
}

// DefaultWeights returns the standard weighting.
func DefaultWeights() Weights {
	return Weights{
		Latency:     0.25,
		Reliability: 0.35,
		Freshness:   0.20,
		ErrorRate:   0.20,
	}
}

// Validate checks that weights are non-negative and sum to 1.
func (w Weights) Validate() error {
	if w.Latency < 0 || w.Reliability < 0 || w.Freshness < 0 || w.ErrorRate < 0 {
		return errors.New("health weights must be non-negative")
	}
	sum := w.Latency + w.Reliability + w.Freshness + w.ErrorRate
	if math.Abs(sum-1) > 0.001 {
		return fmt.Errorf("health weights must sum to 1, got %.3f", sum)
	}
	return nil
}

// Thresholds holds the interpolation breakpoints for every sub-score.
type Thresholds struct {
	// Latency breakpoints in milliseconds scoring 100, 90, 70 and 40.
	LatencyExcellentMs  float64 `mapstructure:"latency_excellent_ms" yaml:"latency_excellent_ms"`
	LatencyGoodMs       float64 `mapstructure:"latency_good_ms" yaml:"latency_good_ms"`
	LatencyAcceptableMs float64 `mapstructure:"latency_acceptable_ms" yaml:"latency_acceptable_ms"`
	LatencyPoorMs       float64 `mapstructure:"latency_poor_ms" yaml:"latency_poor_ms"`

	// Success-rate breakpoints scoring 100, 90, 70 and 40.
	ReliabilityExcellent  float64 `mapstructure:"reliability_excellent" yaml:"reliability_excellent"`
	ReliabilityGood       float64 `mapstructure:"reliability_good" yaml:"reliability_good"`
	ReliabilityAcceptable float64 `mapstructure:"reliability_acceptable" yaml:"reliability_acceptable"`
	ReliabilityPoor       float64 `mapstructure:"reliability_poor" yaml:"reliability_poor"`

	// Age breakpoints scoring 100, 90, 70 and 40.
	FreshnessExcellent  time.Duration `mapstructure:"freshness_excellent" yaml:"freshness_excellent"`
	FreshnessGood       time.Duration `mapstructure:"freshness_good" yaml:"freshness_good"`
	FreshnessAcceptable time.Duration `mapstructure:"freshness_acceptable" yaml:"freshness_acceptable"`
	FreshnessPoor       time.Duration `mapstructure:"freshness_poor" yaml:"freshness_poor"`

	// Error-rate ceilings scoring 95, 85, 70 and 50.
	ErrorRateExcellent  float64 `mapstructure:"error_rate_excellent" yaml:"error_rate_excellent"`
	ErrorRateGood       float64 `mapstructure:"error_rate_good" yaml:"error_rate_good"`
	ErrorRateAcceptable float64 `mapstructure:"error_rate_acceptable" yaml:"error_rate_acceptable"`
	ErrorRatePoor       float64 `mapstructure:"error_rate_poor" yaml:"error_rate_poor"`

	// Status cut-offs on the overall score.
	HealthyScore  float64 `mapstructure:"healthy_score" yaml:"healthy_score"`
	DegradedScore float64 `mapstructure:"degraded_score" yaml:"degraded_score"`

	// Blacklisting requires both the overall and reliability scores below these.
	BlacklistScore       float64 `mapstructure:"blacklist_score" yaml:"blacklist_score"`
	BlacklistReliability float64 `mapstructure:"blacklist_reliability" yaml:"blacklist_reliability"`
}

// DefaultThresholds returns the standard breakpoints.
func DefaultThresholds() Thresholds {
	return Thresholds{
		LatencyExcellentMs:    100,
		LatencyGoodMs:         500,
		LatencyAcceptableMs:   2000,
		LatencyPoorMs:         5000,
		ReliabilityExcellent:  0.99,
		ReliabilityGood:       0.95,
		ReliabilityAcceptable: 0.90,
		ReliabilityPoor:       0.80,
		FreshnessExcellent:    60 * time.Second,
		FreshnessGood:         5 * time.Minute,
		FreshnessAcceptable:   15 * time.Minute,
		FreshnessPoor:         time.Hour,
		ErrorRateExcellent:    0.01,
		ErrorRateGood:         0.05,
		ErrorRateAcceptable:   0.10,
		ErrorRatePoor:         0.20,
		HealthyScore:          70,
		DegradedScore:         40,
		BlacklistScore:        20,
		BlacklistReliability:  30,
	}
}

// Score is the derived health of one provider.
type Score struct {
	Provider    string  `json:"provider"`
	Overall     float64 `json:"overallScore"`
	Latency     float64 `json:"latencyScore"`
	Reliability float64 `json:"reliabilityScore"`
	Freshness   float64 `json:"freshnessScore"`
	ErrorRate   float64 `json:"errorRateScore"`
	Status      Status  `json:"status"`
}

// Summary aggregates scores across providers.
type Summary struct {
	Total        int     `json:"total"`
	Healthy      int     `json:"healthy"`
	Degraded     int     `json:"degraded"`
	Unhealthy    int     `json:"unhealthy"`
	Unknown      int     `json:"unknown"`
	AverageScore float64 `json:"averageScore"`
	BestProvider string  `json:"bestProvider,omitempty"`
}

// ScorerConfig configures a Scorer. Zero values fall back to defaults.
type ScorerConfig struct {
	Weights    *Weights
	Thresholds *Thresholds

	// BlacklistCooldown is how long a blacklisted provider stays excluded
	// after its last failure before it may be tried again.
	// Default: 5 minutes
	BlacklistCooldown time.Duration

	// Now is the time source. Default: time.Now
	Now func() time.Time
}

// Scorer converts ProviderMetrics into Scores. It holds no mutable state.
type Scorer struct {
	weights           Weights
	thresholds        Thresholds
	blacklistCooldown time.Duration
	now               func() time.Time
}

// NewScorer creates a scorer.
func NewScorer(cfg ScorerConfig) *Scorer {
	s := &Scorer{
		weights:           DefaultWeights(),
		thresholds:        DefaultThresholds(),
		blacklistCooldown: cfg.BlacklistCooldown,
		now:               cfg.Now,
	}
	if cfg.Weights != nil {
		s.weights = *cfg.Weights
	}
	if cfg.Thresholds != nil {
		s.thresholds = *cfg.Thresholds
	}
	if s.blacklistCooldown == 0 {
		s.blacklistCooldown = 5 * time.Minute
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// Score computes the health score of one provider.
func (s *Scorer) Score(m ProviderMetrics) Score {
	if m.TotalRequests == 0 {
		return Score{
			Provider:    m.Provider,
			Overall:     neutralScore,
			Latency:     neutralScore,
			Reliability: neutralScore,
			Freshness:   neutralScore,
			ErrorRate:   neutralScore,
			Status:      StatusUnknown,
		}
	}

	score := Score{
		Provider:    m.Provider,
		Latency:     s.latencyScore(m.AvgLatencyMs),
		Reliability: s.reliabilityScore(m.SuccessRate()),
		Freshness:   s.freshnessScore(m.LastActivity()),
		ErrorRate:   s.errorRateScore(m.ErrorRate()),
	}
	score.Overall = clamp(s.weights.Latency*score.Latency +
		s.weights.Reliability*score.Reliability +
		s.weights.Freshness*score.Freshness +
		s.weights.ErrorRate*score.ErrorRate)
	score.Status = s.status(score.Overall)
	return score
}

func (s *Scorer) status(overall float64) Status {
	switch {
	case overall >= s.thresholds.HealthyScore:
		return StatusHealthy
	case overall >= s.thresholds.DegradedScore:
		return StatusDegraded
	default:
		return StatusUnhealthy
	}
}

func (s *Scorer) latencyScore(avgMs float64) float64 {
	t := s.thresholds
	return descending(avgMs, []knot{
		{t.LatencyExcellentMs, 100},
		{t.LatencyGoodMs, 90},
		{t.LatencyAcceptableMs, 70},
		{t.LatencyPoorMs, 40},
	}, 100)
}

func (s *Scorer) freshnessScore(last *time.Time) float64 {
	if last == nil {
		return neutralScore
	}
	age := s.now().Sub(*last).Seconds()
	if age < 0 {
		age = 0
	}
	t := s.thresholds
	return descending(age, []knot{
		{t.FreshnessExcellent.Seconds(), 100},
		{t.FreshnessGood.Seconds(), 90},
		{t.FreshnessAcceptable.Seconds(), 70},
		{t.FreshnessPoor.Seconds(), 40},
	}, 36)
}

func (s *Scorer) reliabilityScore(rate float64) float64 {
	t := s.thresholds
	switch {
	case rate >= t.ReliabilityExcellent:
		return 100
	case rate >= t.ReliabilityGood:
		return lerp(rate, t.ReliabilityGood, t.ReliabilityExcellent, 90, 100)
	case rate >= t.ReliabilityAcceptable:
		return lerp(rate, t.ReliabilityAcceptable, t.ReliabilityGood, 70, 90)
	case rate >= t.ReliabilityPoor:
		return lerp(rate, t.ReliabilityPoor, t.ReliabilityAcceptable, 40, 70)
	default:
		return clamp(40 - (t.ReliabilityPoor-rate)*100)
	}
}

func (s *Scorer) errorRateScore(rate float64) float64 {
	t := s.thresholds
	switch {
	case rate <= 0:
		return 100
	case rate <= t.ErrorRateExcellent:
		return 95
	case rate <= t.ErrorRateGood:
		return 85
	case rate <= t.ErrorRateAcceptable:
		return 70
	case rate <= t.ErrorRatePoor:
		return 50
	default:
		return clamp(50 - (rate-t.ErrorRatePoor)*200)
	}
}

// ShouldBlacklist reports whether the provider should be removed from rotation.
func (s *Scorer) ShouldBlacklist(score Score) bool {
	return score.Status == StatusUnhealthy &&
		score.Overall < s.thresholds.BlacklistScore &&
		score.Reliability < s.thresholds.BlacklistReliability
}

// ShouldRetry reports whether the provider is usable but needs watching.
func (s *Scorer) ShouldRetry(score Score) bool {
	return score.Overall >= s.thresholds.BlacklistScore && score.Overall < s.thresholds.HealthyScore
}

// Excluded reports whether a provider is blacklisted and still inside its
// cooldown window. After the cooldown it may serve a trial request.
func (s *Scorer) Excluded(m ProviderMetrics) bool {
	if !s.ShouldBlacklist(s.Score(m)) {
		return false
	}
	if m.LastFailureAt == nil {
		return true
	}
	return s.now().Sub(*m.LastFailureAt) < s.blacklistCooldown
}

// ScoreAll scores every provider, preserving input order.
func (s *Scorer) ScoreAll(metrics []ProviderMetrics) []Score {
	scores := make([]Score, 0, len(metrics))
	for _, m := range metrics {
		scores = append(scores, s.Score(m))
	}
	return scores
}

// Recommended returns the provider with the highest overall score.
func (s *Scorer) Recommended(metrics []ProviderMetrics) (string, bool) {
	scores := s.Ranked(metrics)
	if len(scores) == 0 {
		return "", false
	}
	return scores[0].Provider, true
}

// Ranked returns scores ordered by overall score, best first. Ties keep
// input order.
func (s *Scorer) Ranked(metrics []ProviderMetrics) []Score {
	scores := s.ScoreAll(metrics)
	sort.SliceStable(scores, func(i, j int) bool {
		return scores[i].Overall > scores[j].Overall
	})
	return scores
}

// Summary aggregates the health of all providers.
func (s *Scorer) Summary(metrics []ProviderMetrics) Summary {
	summary := Summary{Total: len(metrics)}
	if len(metrics) == 0 {
		return summary
	}

	var total float64
	for _, score := range s.ScoreAll(metrics) {
		total += score.Overall
		switch score.Status {
		case StatusHealthy:
			summary.Healthy++
		case StatusDegraded:
			summary.Degraded++
		case StatusUnhealthy:
			summary.Unhealthy++
		default:
			summary.Unknown++
		}
	}
	summary.AverageScore = total / float64(len(metrics))
	summary.BestProvider, _ = s.Recommended(metrics)
	return summary
}

type knot struct {
	x     float64
	score float64
}

// descending interpolates a metric where smaller is better. Past the last
// knot the score drops one point per tailStep units.
func descending(x float64, knots []knot, tailStep float64) float64 {
	if x <= knots[0].x {
		return knots[0].score
	}
	for i := 1; i < len(knots); i++ {
		if x <= knots[i].x {
			return lerp(x, knots[i-1].x, knots[i].x, knots[i-1].score, knots[i].score)
		}
	}
	last := knots[len(knots)-1]
	return clamp(last.score - (x-last.x)/tailStep)
}

func lerp(x, x0, x1, y0, y1 float64) float64 {
	if x1 == x0 {
		return y1
	}
	return clamp(y0 + (y1-y0)*(x-x0)/(x1-x0))
}

func clamp(v float64) float64 {
	return math.Max(0, math.Min(100, v))
}
