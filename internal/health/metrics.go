// Package health tracks live per-provider call metrics and turns them into
// composite health scores used for routing and blacklisting.
package health

import (
	"sort"
	"sync"
	"time"
)

// ProviderMetrics are the raw counters for one provider.
type ProviderMetrics struct {
	Provider            string
	TotalRequests       int64
	SuccessfulRequests  int64
	FailedRequests      int64
	RateLimitedRequests int64
	AvgLatencyMs        float64
	MinLatencyMs        float64
	MaxLatencyMs        float64
	ConsecutiveFailures int64
	LastSuccessAt       *time.Time
	LastFailureAt       *time.Time
	LastError           string
}

// SuccessRate returns successful/total, or 0 with no traffic.
func (m ProviderMetrics) SuccessRate() float64 {
	if m.TotalRequests == 0 {
		return 0
	}
	return float64(m.SuccessfulRequests) / float64(m.TotalRequests)
}

// ErrorRate returns (failed+rateLimited)/total, or 0 with no traffic.
func (m ProviderMetrics) ErrorRate() float64 {
	if m.TotalRequests == 0 {
		return 0
	}
	return float64(m.FailedRequests+m.RateLimitedRequests) / float64(m.TotalRequests)
}

// LastActivity returns the most recent success or failure time.
func (m ProviderMetrics) LastActivity() *time.Time {
	switch {
	case m.LastSuccessAt == nil:
		return m.LastFailureAt
	case m.LastFailureAt == nil:
		return m.LastSuccessAt
	case m.LastSuccessAt.After(*m.LastFailureAt):
		return m.LastSuccessAt
	default:
		return m.LastFailureAt
	}
}

// Registry holds the live metrics of every known provider.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]*providerState
	now       func() time.Time
}

type providerState struct {
	metrics        ProviderMetrics
	totalLatencyMs float64
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		providers: make(map[string]*providerState),
		now:       time.Now,
	}
}

// SetClock replaces the time source. Used by tests.
func (r *Registry) SetClock(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
}

// Register makes a provider known before it has served any traffic.
func (r *Registry) Register(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stateLocked(name)
}

func (r *Registry) stateLocked(name string) *providerState {
	p, ok := r.providers[name]
	if !ok {
		p = &providerState{metrics: ProviderMetrics{Provider: name}}
		r.providers[name] = p
	}
	return p
}

// RecordSuccess records a completed successful call.
func (r *Registry) RecordSuccess(name string, latency time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p := r.stateLocked(name)
	p.recordLatency(latency)
	p.metrics.SuccessfulRequests++
	p.metrics.ConsecutiveFailures = 0
	now := r.now()
	p.metrics.LastSuccessAt = &now
}

// RecordFailure records a failed call. Rate-limited calls are counted
// separately from other failures.
func (r *Registry) RecordFailure(name string, latency time.Duration, rateLimited bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p := r.stateLocked(name)
	p.recordLatency(latency)
	if rateLimited {
		p.metrics.RateLimitedRequests++
	} else {
		p.metrics.FailedRequests++
	}
	p.metrics.ConsecutiveFailures++
	now := r.now()
	p.metrics.LastFailureAt = &now
	if err != nil {
		p.metrics.LastError = err.Error()
	}
}

func (p *providerState) recordLatency(latency time.Duration) {
	ms := float64(latency) / float64(time.Millisecond)
	m := &p.metrics
	m.TotalRequests++
	p.totalLatencyMs += ms
	m.AvgLatencyMs = p.totalLatencyMs / float64(m.TotalRequests)
	if m.TotalRequests == 1 || ms < m.MinLatencyMs {
		m.MinLatencyMs = ms
	}
	if ms > m.MaxLatencyMs {
		m.MaxLatencyMs = ms
	}
}

// Snapshot returns a copy of one provider's metrics.
func (r *Registry) Snapshot(name string) (ProviderMetrics, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.providers[name]
	if !ok {
		return ProviderMetrics{}, false
	}
	return p.metrics.copy(), true
}

// All returns copies of every provider's metrics, sorted by name.
func (r *Registry) All() []ProviderMetrics {
	r.mu.RLock()
	defer r.mu.RUnlock()

	all := make([]ProviderMetrics, 0, len(r.providers))
	for _, p := range r.providers {
		all = append(all, p.metrics.copy())
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Provider < all[j].Provider })
	return all
}

// Reset clears a provider's counters.
func (r *Registry) Reset(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[name] = &providerState{metrics: ProviderMetrics{Provider: name}}
}

// Names returns all registered provider names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (m ProviderMetrics) copy() ProviderMetrics {
	c := m
	if m.LastSuccessAt != nil {
		t := *m.LastSuccessAt
		c.LastSuccessAt = &t
	}
	if m.LastFailureAt != nil {
		t := *m.LastFailureAt
		c.LastFailureAt = &t
	}
	return c
}
