package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/marketpulse/marketpulse/internal/telemetry"
)

// ErrTierUnavailable wraps backend failures of a tier.
var ErrTierUnavailable = errors.New("cache tier unavailable")

// Config holds configuration for the tiered cache. Any tier may be nil.
type Config struct {
	L1 Tier
	L2 Tier
	L3 Tier

	Policy  TTLPolicy
	Metrics *telemetry.ProviderMetrics
	Logger  zerolog.Logger

	// Now is the time source used to cap promotion TTLs. Default: time.Now
	Now func() time.Time
}

// Entry is a cache hit.
type Entry struct {
	Namespace string
	Key       string
	Value     []byte
	Tier      Level
	ExpiresAt time.Time
}

// TierStats are the counters of one tier.
type TierStats struct {
	Hits      int64   `json:"hits"`
	Misses    int64   `json:"misses"`
	Total     int64   `json:"total"`
	HitRate   float64 `json:"hitRate"`
	Writes    int64   `json:"writes"`
	Errors    int64   `json:"errors"`
	Evictions int64   `json:"evictions"`
	Enabled   bool    `json:"enabled"`
}

// Stats reports every tier.
type Stats struct {
	L1 TierStats `json:"L1"`
	L2 TierStats `json:"L2"`
	L3 TierStats `json:"L3"`
}

type tierCounters struct {
	hits   atomic.Int64
	misses atomic.Int64
	writes atomic.Int64
	errors atomic.Int64
}

type level struct {
	name     Level
	tier     Tier
	counters tierCounters
}

// Cache reads through and writes through its tiers. Promotion on read is
// best effort: concurrent readers may promote the same value twice.
type Cache struct {
	levels  [3]*level
	policy  TTLPolicy
	metrics *telemetry.ProviderMetrics
	logger  zerolog.Logger
	now     func() time.Time
}

// New creates a tiered cache.
func New(cfg Config) *Cache {
	policy := cfg.Policy
	if policy.Default == (TierTTL{}) && len(policy.Namespaces) == 0 {
		policy = DefaultTTLPolicy()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Cache{
		levels: [3]*level{
			{name: LevelL1, tier: cfg.L1},
			{name: LevelL2, tier: cfg.L2},
			{name: LevelL3, tier: cfg.L3},
		},
		policy:  policy,
		metrics: cfg.Metrics,
		logger:  cfg.Logger.With().Str("component", "cache").Logger(),
		now:     cfg.Now,
	}
}

func fullKey(namespace, key string) string {
	return namespace + ":" + key
}

// Get checks each tier in order. A hit below L1 is copied into every faster
// tier using that tier's own TTL, never past the hit entry's expiry. Tier
// errors count as misses.
func (c *Cache) Get(ctx context.Context, namespace, key string) (Entry, bool) {
	k := fullKey(namespace, key)
	ttls := c.policy.For(namespace)

	for i, lvl := range c.levels {
		if lvl.tier == nil {
			continue
		}

		item, ok, err := lvl.tier.Get(ctx, k)
		if err != nil {
			lvl.counters.errors.Add(1)
			c.logger.Warn().
				Err(err).
				Str("tier", string(lvl.name)).
				Str("key", k).
				Msg("cache tier read failed, treating as miss")
		}
		if err != nil || !ok {
			lvl.counters.misses.Add(1)
			c.metrics.RecordCacheMiss(ctx, string(lvl.name), namespace)
			continue
		}

		lvl.counters.hits.Add(1)
		c.metrics.RecordCacheHit(ctx, string(lvl.name), namespace)
		c.promote(ctx, k, item, ttls, i)

		return Entry{
			Namespace: namespace,
			Key:       key,
			Value:     item.Value,
			Tier:      lvl.name,
			ExpiresAt: item.ExpiresAt,
		}, true
	}
	return Entry{}, false
}

func (c *Cache) promote(ctx context.Context, k string, item Item, ttls TierTTL, hitIndex int) {
	if hitIndex == 0 {
		return
	}
	if !item.ExpiresAt.IsZero() {
		remaining := item.ExpiresAt.Sub(c.now())
		if remaining <= 0 {
			return
		}
		ttls = ttls.Cap(remaining)
	}
	for j := 0; j < hitIndex; j++ {
		faster := c.levels[j]
		ttl := ttls.For(faster.name)
		if faster.tier == nil || ttl <= 0 {
			continue
		}
		if err := faster.tier.Set(ctx, k, item.Value, ttl); err != nil {
			faster.counters.errors.Add(1)
			c.logger.Warn().Err(err).Str("tier", string(faster.name)).Msg("cache promotion failed")
			continue
		}
		faster.counters.writes.Add(1)
	}
}

// Set writes a value to every tier. A positive ttl caps the namespace TTLs.
// When the namespace skips every configured tier, the value goes to the
// slowest configured tier with the namespace's longest TTL, so a durable
// namespace still works on an L1-only cache.
// The returned error lists failed tiers; callers should log it and carry on.
func (c *Cache) Set(ctx context.Context, namespace, key string, value []byte, ttl time.Duration) error {
	k := fullKey(namespace, key)
	ttls := c.policy.For(namespace).Cap(ttl)

	var (
		errs    []error
		written bool
	)
	for _, lvl := range c.levels {
		tierTTL := ttls.For(lvl.name)
		if lvl.tier == nil || tierTTL <= 0 {
			continue
		}
		written = true
		if err := c.write(ctx, lvl, k, value, tierTTL); err != nil {
			errs = append(errs, err)
		}
	}
	if !written {
		if lvl, tierTTL := c.fallback(ttls); lvl != nil {
			if err := c.write(ctx, lvl, k, value, tierTTL); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

func (c *Cache) write(ctx context.Context, lvl *level, k string, value []byte, ttl time.Duration) error {
	if err := lvl.tier.Set(ctx, k, value, ttl); err != nil {
		lvl.counters.errors.Add(1)
		return fmt.Errorf("%s: %w: %w", lvl.name, ErrTierUnavailable, err)
	}
	lvl.counters.writes.Add(1)
	return nil
}

// fallback picks the slowest configured tier and the longest TTL in ttls.
func (c *Cache) fallback(ttls TierTTL) (*level, time.Duration) {
	longest := max(ttls.L1, ttls.L2, ttls.L3)
	if longest <= 0 {
		return nil, 0
	}
	for i := len(c.levels) - 1; i >= 0; i-- {
		if c.levels[i].tier != nil {
			return c.levels[i], longest
		}
	}
	return nil, 0
}

// GetJSON decodes a cached JSON value into dst.
func (c *Cache) GetJSON(ctx context.Context, namespace, key string, dst interface{}) (Entry, bool) {
	entry, ok := c.Get(ctx, namespace, key)
	if !ok {
		return Entry{}, false
	}
	if err := json.Unmarshal(entry.Value, dst); err != nil {
		c.logger.Warn().Err(err).Str("key", fullKey(namespace, key)).Msg("discarding undecodable cache entry")
		_ = c.Delete(ctx, namespace, key)
		return Entry{}, false
	}
	return entry, true
}

// SetJSON encodes v as JSON and writes it through.
func (c *Cache) SetJSON(ctx context.Context, namespace, key string, v interface{}, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode cache value: %w", err)
	}
	return c.Set(ctx, namespace, key, data, ttl)
}

// Delete removes a key from every tier.
func (c *Cache) Delete(ctx context.Context, namespace, key string) error {
	k := fullKey(namespace, key)
	var errs []error
	for _, lvl := range c.levels {
		if lvl.tier == nil {
			continue
		}
		if err := lvl.tier.Delete(ctx, k); err != nil {
			lvl.counters.errors.Add(1)
			errs = append(errs, fmt.Errorf("%s: %w", lvl.name, err))
		}
	}
	return errors.Join(errs...)
}

// Flush empties every tier.
func (c *Cache) Flush(ctx context.Context) error {
	var errs []error
	for _, lvl := range c.levels {
		if lvl.tier == nil {
			continue
		}
		if err := lvl.tier.Flush(ctx); err != nil {
			lvl.counters.errors.Add(1)
			errs = append(errs, fmt.Errorf("%s: %w", lvl.name, err))
		}
	}
	c.logger.Info().Msg("cache flushed")
	return errors.Join(errs...)
}

// Sweep removes expired entries from tiers that need it.
func (c *Cache) Sweep(ctx context.Context) int {
	removed := 0
	for _, lvl := range c.levels {
		sweeper, ok := lvl.tier.(Sweeper)
		if !ok {
			continue
		}
		n, err := sweeper.Sweep(ctx)
		if err != nil {
			lvl.counters.errors.Add(1)
			c.logger.Warn().Err(err).Str("tier", string(lvl.name)).Msg("cache sweep failed")
			continue
		}
		removed += n
	}
	return removed
}

// StartSweeper runs Sweep every interval until ctx is done.
func (c *Cache) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := c.Sweep(ctx); n > 0 {
					c.logger.Debug().Int("removed", n).Msg("swept expired cache entries")
				}
			}
		}
	}()
}

// Stats returns the counters of every tier.
func (c *Cache) Stats() Stats {
	return Stats{
		L1: c.levels[0].stats(),
		L2: c.levels[1].stats(),
		L3: c.levels[2].stats(),
	}
}

// Policy returns the TTL policy.
func (c *Cache) Policy() TTLPolicy {
	return c.policy
}

func (l *level) stats() TierStats {
	s := TierStats{
		Hits:    l.counters.hits.Load(),
		Misses:  l.counters.misses.Load(),
		Writes:  l.counters.writes.Load(),
		Errors:  l.counters.errors.Load(),
		Enabled: l.tier != nil,
	}
	s.Total = s.Hits + s.Misses
	if s.Total > 0 {
		s.HitRate = float64(s.Hits) / float64(s.Total)
	}
	if ec, ok := l.tier.(EvictionCounter); ok {
		s.Evictions = ec.Evictions()
	}
	return s
}
