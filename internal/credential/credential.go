// Package credential manages per-provider API key pools with individual
// rate-limit and failure state.
package credential

import (
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ErrNoKeyAvailable is returned when every credential of a provider is
// rate-limited or unknown.
var ErrNoKeyAvailable = errors.New("no credential available")

// demoteAfter is the number of consecutive failures that pushes a credential
// behind all others during selection.
const demoteAfter = 3

// Credential is one API key and its mutable usage state.
type Credential struct {
	ID       string
	Provider string
	secret   string

	mu                  sync.Mutex
	limiter             *rate.Limiter
	usageCount          int64
	consecutiveFailures int64
	rateLimitedUntil    time.Time
	lastUsedAt          time.Time
}

// Secret returns the key material.
func (c *Credential) Secret() string {
	return c.secret
}

// Status is a secret-free view of a credential.
type Status struct {
	ID                  string     `json:"id"`
	Provider            string     `json:"provider"`
	UsageCount          int64      `json:"usageCount"`
	ConsecutiveFailures int64      `json:"consecutiveFailures"`
	RateLimitedUntil    *time.Time `json:"rateLimitedUntil,omitempty"`
	LastUsedAt          *time.Time `json:"lastUsedAt,omitempty"`
	Demoted             bool       `json:"demoted"`
}

// Status returns the current state of the credential.
func (c *Credential) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Status{
		ID:                  c.ID,
		Provider:            c.Provider,
		UsageCount:          c.usageCount,
		ConsecutiveFailures: c.consecutiveFailures,
		Demoted:             c.consecutiveFailures >= demoteAfter,
	}
	if !c.rateLimitedUntil.IsZero() {
		t := c.rateLimitedUntil
		s.RateLimitedUntil = &t
	}
	if !c.lastUsedAt.IsZero() {
		t := c.lastUsedAt
		s.LastUsedAt = &t
	}
	return s
}

// Limit is a calls-per-window allowance.
type Limit struct {
	Calls  int
	Window time.Duration
}

// Unlimited reports whether the limit imposes no allowance.
func (l Limit) Unlimited() bool {
	return l.Calls <= 0 || l.Window <= 0
}

func (l Limit) limiter() *rate.Limiter {
	if l.Unlimited() {
		return rate.NewLimiter(rate.Inf, 1)
	}
	every := l.Window / time.Duration(l.Calls)
	return rate.NewLimiter(rate.Every(every), l.Calls)
}
