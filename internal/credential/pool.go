package credential

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Pool holds the credentials of a single provider.
type Pool struct {
	provider    string
	credentials []*Credential
	backoff     BackoffConfig
	now         func() time.Time
	logger      zerolog.Logger
}

// BackoffConfig controls the cooldown applied after a rate-limit failure.
type BackoffConfig struct {
	// Base is the cooldown after the first rate-limit failure.
	// Default: 5 seconds
	Base time.Duration

	// Max caps the cooldown.
	// Default: 5 minutes
	Max time.Duration
}

// DefaultBackoffConfig returns the default cooldown settings.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		Base: 5 * time.Second,
		Max:  5 * time.Minute,
	}
}

// Cooldown returns the rate-limit cooldown for the given failure streak.
func (b BackoffConfig) Cooldown(consecutiveFailures int64) time.Duration {
	if consecutiveFailures < 1 {
		consecutiveFailures = 1
	}
	d := b.Base
	for i := int64(1); i < consecutiveFailures; i++ {
		d *= 2
		if d >= b.Max {
			return b.Max
		}
	}
	if d > b.Max {
		return b.Max
	}
	return d
}

// Select returns the least used usable credential and consumes one call from
// its rate allowance.
func (p *Pool) Select() (*Credential, error) {
	now := p.now()

	type candidate struct {
		cred     *Credential
		usage    int64
		failures int64
	}

	candidates := make([]candidate, 0, len(p.credentials))
	for _, c := range p.credentials {
		c.mu.Lock()
		if !c.rateLimitedUntil.After(now) {
			candidates = append(candidates, candidate{
				cred:     c,
				usage:    c.usageCount,
				failures: c.consecutiveFailures,
			})
		}
		c.mu.Unlock()
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		aDemoted, bDemoted := a.failures >= demoteAfter, b.failures >= demoteAfter
		if aDemoted != bDemoted {
			return !aDemoted
		}
		if a.usage != b.usage {
			return a.usage < b.usage
		}
		return a.failures < b.failures
	})

	for _, cand := range candidates {
		c := cand.cred
		c.mu.Lock()
		// State may have changed since the scan.
		if c.rateLimitedUntil.After(now) || !c.limiter.AllowN(now, 1) {
			c.mu.Unlock()
			continue
		}
		c.usageCount++
		c.lastUsedAt = now
		c.mu.Unlock()
		return c, nil
	}

	return nil, fmt.Errorf("%s: %w", p.provider, ErrNoKeyAvailable)
}

// ReportSuccess resets the failure streak of a credential.
func (p *Pool) ReportSuccess(c *Credential) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.consecutiveFailures = 0
	c.rateLimitedUntil = time.Time{}
}

// ReportFailure records a failed call. A rate-limit failure parks the
// credential for a cooldown that grows with its failure streak.
func (p *Pool) ReportFailure(c *Credential, isRateLimit bool) {
	c.mu.Lock()
	c.consecutiveFailures++
	failures := c.consecutiveFailures
	var until time.Time
	if isRateLimit {
		until = p.now().Add(p.backoff.Cooldown(failures))
		c.rateLimitedUntil = until
	}
	c.mu.Unlock()

	if isRateLimit {
		p.logger.Warn().
			Str("provider", p.provider).
			Str("credential", c.ID).
			Int64("consecutive_failures", failures).
			Time("rate_limited_until", until).
			Msg("credential rate limited")
	} else if failures == demoteAfter {
		p.logger.Warn().
			Str("provider", p.provider).
			Str("credential", c.ID).
			Msg("credential demoted after repeated failures")
	}
}

// Status returns a secret-free view of every credential.
func (p *Pool) Status() []Status {
	statuses := make([]Status, 0, len(p.credentials))
	for _, c := range p.credentials {
		statuses = append(statuses, c.Status())
	}
	return statuses
}

// Size returns the number of credentials in the pool.
func (p *Pool) Size() int {
	return len(p.credentials)
}

// ManagerConfig holds configuration for a Manager.
type ManagerConfig struct {
	Backoff BackoffConfig
	Logger  zerolog.Logger

	// Now is the time source. Default: time.Now
	Now func() time.Time
}

// Manager maps provider names to credential pools.
type Manager struct {
	mu      sync.RWMutex
	pools   map[string]*Pool
	backoff BackoffConfig
	now     func() time.Time
	logger  zerolog.Logger
}

// NewManager creates an empty manager.
func NewManager(cfg ManagerConfig) *Manager {
	backoff := cfg.Backoff
	defaults := DefaultBackoffConfig()
	if backoff.Base <= 0 {
		backoff.Base = defaults.Base
	}
	if backoff.Max <= 0 {
		backoff.Max = defaults.Max
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Manager{
		pools:   make(map[string]*Pool),
		backoff: backoff,
		now:     now,
		logger:  cfg.Logger,
	}
}

// Register creates the pool for a provider, replacing any existing one.
// With no secrets the provider gets a single anonymous credential so that
// keyless endpoints still go through rate limiting.
func (m *Manager) Register(provider string, secrets []string, limit Limit) *Pool {
	if len(secrets) == 0 {
		secrets = []string{""}
	}

	pool := &Pool{
		provider: provider,
		backoff:  m.backoff,
		now:      m.now,
		logger:   m.logger,
	}
	for i, secret := range secrets {
		pool.credentials = append(pool.credentials, &Credential{
			ID:       fmt.Sprintf("%s-%d", provider, i+1),
			Provider: provider,
			secret:   secret,
			limiter:  limit.limiter(),
		})
	}

	m.mu.Lock()
	m.pools[provider] = pool
	m.mu.Unlock()
	return pool
}

// Pool returns the pool of a provider.
func (m *Manager) Pool(provider string) (*Pool, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.pools[provider]
	return p, ok
}

// Select picks a credential for the provider.
func (m *Manager) Select(provider string) (*Credential, error) {
	pool, ok := m.Pool(provider)
	if !ok {
		return nil, fmt.Errorf("%s: %w", provider, ErrNoKeyAvailable)
	}
	return pool.Select()
}

// ReportSuccess records a successful call made with c.
func (m *Manager) ReportSuccess(c *Credential) {
	if pool, ok := m.Pool(c.Provider); ok {
		pool.ReportSuccess(c)
	}
}

// ReportFailure records a failed call made with c.
func (m *Manager) ReportFailure(c *Credential, isRateLimit bool) {
	if pool, ok := m.Pool(c.Provider); ok {
		pool.ReportFailure(c, isRateLimit)
	}
}

// Status returns the credential states of a provider.
func (m *Manager) Status(provider string) ([]Status, bool) {
	pool, ok := m.Pool(provider)
	if !ok {
		return nil, false
	}
	return pool.Status(), true
}

// Providers returns the registered provider names.
func (m *Manager) Providers() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.pools))
	for name := range m.pools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
