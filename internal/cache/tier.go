// Package cache implements a three-level read-through, write-through cache:
// an in-process L1, a shared Redis L2 and a durable SQL L3.
package cache

import (
	"context"
	"sort"
	"strings"
	"time"
)

// Level names a cache tier.
type Level string

// Cache levels, fastest first.
const (
	LevelL1 Level = "L1"
	LevelL2 Level = "L2"
	LevelL3 Level = "L3"
)

// Item is a stored value with its absolute expiry.
type Item struct {
	Value     []byte
	ExpiresAt time.Time
}

// Tier is one cache level. A miss is reported as (Item{}, false, nil); errors
// are reserved for an unreachable backend.
type Tier interface {
	Get(ctx context.Context, key string) (Item, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Flush(ctx context.Context) error
}

// Sweeper is implemented by tiers that need periodic removal of expired entries.
type Sweeper interface {
	Sweep(ctx context.Context) (int, error)
}

// EvictionCounter is implemented by tiers that evict entries for capacity.
type EvictionCounter interface {
	Evictions() int64
}

// TierTTL holds the TTL of each level. A zero TTL skips that level.
type TierTTL struct {
	L1 time.Duration `mapstructure:"l1" yaml:"l1"`
	L2 time.Duration `mapstructure:"l2" yaml:"l2"`
	L3 time.Duration `mapstructure:"l3" yaml:"l3"`
}

// For returns the TTL of a level.
func (t TierTTL) For(level Level) time.Duration {
	switch level {
	case LevelL1:
		return t.L1
	case LevelL2:
		return t.L2
	case LevelL3:
		return t.L3
	default:
		return 0
	}
}

// Cap limits every level to at most ttl. A non-positive ttl leaves t unchanged.
func (t TierTTL) Cap(ttl time.Duration) TierTTL {
	if ttl <= 0 {
		return t
	}
	capped := func(d time.Duration) time.Duration {
		if d > ttl {
			return ttl
		}
		return d
	}
	return TierTTL{L1: capped(t.L1), L2: capped(t.L2), L3: capped(t.L3)}
}

// TTLPolicy maps namespaces to tier TTLs.
type TTLPolicy struct {
	Default    TierTTL            `mapstructure:"default" yaml:"default"`
	Namespaces map[string]TierTTL `mapstructure:"namespaces" yaml:"namespaces"`
}

// For returns the TTLs of a namespace, falling back to Default.
func (p TTLPolicy) For(namespace string) TierTTL {
	if ttl, ok := p.Namespaces[namespace]; ok {
		return ttl
	}
	return p.Default
}

// DefaultTTLPolicy returns TTLs tuned to how quickly each data type goes stale.
func DefaultTTLPolicy() TTLPolicy {
	return TTLPolicy{
		Default: TierTTL{L1: time.Minute, L2: 5 * time.Minute, L3: 15 * time.Minute},
		Namespaces: map[string]TierTTL{
			"crypto_price": {L1: 10 * time.Second, L2: 30 * time.Second, L3: 2 * time.Minute},
			"stock_price":  {L1: time.Minute, L2: 5 * time.Minute, L3: 15 * time.Minute},
			"historical":   {L1: time.Hour, L2: 12 * time.Hour, L3: 24 * time.Hour},
			"ticker":       {L1: 10 * time.Second, L2: time.Minute},
			"trades":       {L1: time.Minute, L2: 5 * time.Minute},
			"order_book":   {L1: 5 * time.Second, L2: 10 * time.Second},
			"stale":        {L2: 24 * time.Hour, L3: 24 * time.Hour},
		},
	}
}

// Key builds a deterministic cache key from a data type, symbol and params.
func Key(dataType, symbol string, params map[string]string) string {
	var b strings.Builder
	b.WriteString(dataType)
	b.WriteByte(':')
	b.WriteString(strings.ToUpper(strings.TrimSpace(symbol)))
	if len(params) == 0 {
		return b.String()
	}

	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	b.WriteByte(':')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(params[k])
	}
	return b.String()
}
