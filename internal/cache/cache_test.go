package cache_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marketpulse/marketpulse/internal/cache"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type tiers struct {
	clock  *fakeClock
	redis  *miniredis.Miniredis
	memory *cache.MemoryTier
	l2     *cache.RedisTier
	l3     *cache.SQLTier
}

func newTiers(t *testing.T) *tiers {
	t.Helper()
	clock := newFakeClock()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	l3, err := cache.OpenSQLTier(context.Background(), cache.SQLConfig{
		Driver: cache.DriverSQLite,
		DSN:    ":memory:",
		Now:    clock.Now,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = l3.Close() })

	return &tiers{
		clock:  clock,
		redis:  mr,
		memory: cache.NewMemoryTier(cache.MemoryConfig{MaxEntries: 100, Now: clock.Now}),
		l2:     cache.NewRedisTier(client, "test:"),
		l3:     l3,
	}
}

// advance moves both the local clock and the Redis server clock.
func (tr *tiers) advance(d time.Duration) {
	tr.clock.Advance(d)
	tr.redis.FastForward(d)
}

func testPolicy() cache.TTLPolicy {
	return cache.TTLPolicy{
		Default: cache.TierTTL{L1: time.Second, L2: 10 * time.Second, L3: time.Minute},
		Namespaces: map[string]cache.TierTTL{
			"l2only": {L2: 10 * time.Second},
		},
	}
}

func newCache(tr *tiers) *cache.Cache {
	return cache.New(cache.Config{
		L1:     tr.memory,
		L2:     tr.l2,
		L3:     tr.l3,
		Policy: testPolicy(),
		Logger: zerolog.Nop(),
		Now:    tr.clock.Now,
	})
}

func TestCache_TieringScenario(t *testing.T) {
	tr := newTiers(t)
	c := newCache(tr)
	ctx := context.Background()

	_, ok := c.Get(ctx, "quote", "BTC")
	require.False(t, ok)
	stats := c.Stats()
	assert.Equal(t, int64(1), stats.L1.Misses)
	assert.Equal(t, int64(1), stats.L2.Misses)
	assert.Equal(t, int64(1), stats.L3.Misses)

	require.NoError(t, c.Set(ctx, "quote", "BTC", []byte(`{"price":"64000"}`), 0))

	entry, ok := c.Get(ctx, "quote", "BTC")
	require.True(t, ok)
	assert.Equal(t, cache.LevelL1, entry.Tier)
	assert.JSONEq(t, `{"price":"64000"}`, string(entry.Value))

	tr.advance(2 * time.Second)

	entry, ok = c.Get(ctx, "quote", "BTC")
	require.True(t, ok)
	assert.Equal(t, cache.LevelL2, entry.Tier)

	entry, ok = c.Get(ctx, "quote", "BTC")
	require.True(t, ok)
	assert.Equal(t, cache.LevelL1, entry.Tier, "L2 hit re-promotes into L1")

	tr.advance(15 * time.Second)

	entry, ok = c.Get(ctx, "quote", "BTC")
	require.True(t, ok)
	assert.Equal(t, cache.LevelL3, entry.Tier)

	tr.advance(2 * time.Minute)
	_, ok = c.Get(ctx, "quote", "BTC")
	assert.False(t, ok)

	stats = c.Stats()
	assert.Equal(t, int64(2), stats.L1.Hits)
	assert.Equal(t, int64(1), stats.L2.Hits)
	assert.Equal(t, int64(1), stats.L3.Hits)
	assert.Equal(t, stats.L1.Hits+stats.L1.Misses, stats.L1.Total)
	assert.Equal(t, int64(4), stats.L1.Misses)
	assert.InDelta(t, 2.0/6.0, stats.L1.HitRate, 0.0001)
	assert.True(t, stats.L1.Enabled)
}

func TestCache_ExplicitTTLCapsTiers(t *testing.T) {
	tr := newTiers(t)
	c := newCache(tr)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "quote", "ETH", []byte("1"), 500*time.Millisecond))
	_, ok := c.Get(ctx, "quote", "ETH")
	require.True(t, ok)

	tr.advance(time.Second)
	_, ok = c.Get(ctx, "quote", "ETH")
	assert.False(t, ok, "every tier expires after the explicit ttl")
}

func TestCache_ZeroTTLSkipsTier(t *testing.T) {
	tr := newTiers(t)
	c := newCache(tr)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "l2only", "SOL", []byte("1"), 0))
	assert.Equal(t, 0, tr.memory.Len())

	entry, ok := c.Get(ctx, "l2only", "SOL")
	require.True(t, ok)
	assert.Equal(t, cache.LevelL2, entry.Tier)
	assert.Equal(t, 0, tr.memory.Len(), "no promotion into a tier with zero ttl")
}

func TestCache_PromotionKeepsHitExpiry(t *testing.T) {
	tr := newTiers(t)
	c := newCache(tr)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "quote", "XRP", []byte("1"), 0))
	tr.advance(59*time.Second + 500*time.Millisecond)

	entry, ok := c.Get(ctx, "quote", "XRP")
	require.True(t, ok)
	assert.Equal(t, cache.LevelL3, entry.Tier)
	assert.Equal(t, 1, tr.memory.Len(), "promoted into L1")

	tr.advance(700 * time.Millisecond)
	_, ok = c.Get(ctx, "quote", "XRP")
	assert.False(t, ok, "promoted copies expire with the L3 entry")
}

func TestCache_NamespaceWithoutL1FallsBackToSlowestTier(t *testing.T) {
	clock := newFakeClock()
	memory := cache.NewMemoryTier(cache.MemoryConfig{Now: clock.Now})
	c := cache.New(cache.Config{
		L1:     memory,
		Policy: cache.DefaultTTLPolicy(),
		Logger: zerolog.Nop(),
		Now:    clock.Now,
	})
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "stale", "BTC", []byte("1"), time.Hour))
	assert.Equal(t, 1, memory.Len())

	clock.Advance(59 * time.Minute)
	entry, ok := c.Get(ctx, "stale", "BTC")
	require.True(t, ok)
	assert.Equal(t, cache.LevelL1, entry.Tier)

	clock.Advance(2 * time.Minute)
	_, ok = c.Get(ctx, "stale", "BTC")
	assert.False(t, ok, "the explicit ttl still caps the fallback write")
	assert.Equal(t, int64(1), c.Stats().L1.Writes)
}

type brokenTier struct{}

func (brokenTier) Get(context.Context, string) (cache.Item, bool, error) {
	return cache.Item{}, false, errors.New("connection refused")
}

func (brokenTier) Set(context.Context, string, []byte, time.Duration) error {
	return errors.New("connection refused")
}

func (brokenTier) Delete(context.Context, string) error { return nil }

func (brokenTier) Flush(context.Context) error { return nil }

func TestCache_TierErrorsAreMisses(t *testing.T) {
	tr := newTiers(t)
	c := cache.New(cache.Config{
		L1:     tr.memory,
		L2:     brokenTier{},
		L3:     tr.l3,
		Policy: testPolicy(),
		Logger: zerolog.Nop(),
		Now:    tr.clock.Now,
	})
	ctx := context.Background()

	err := c.Set(ctx, "quote", "ADA", []byte("1"), 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, cache.ErrTierUnavailable)

	tr.advance(2 * time.Second)
	entry, ok := c.Get(ctx, "quote", "ADA")
	require.True(t, ok)
	assert.Equal(t, cache.LevelL3, entry.Tier)

	stats := c.Stats()
	// One failed write, one failed read and one failed promotion.
	assert.Equal(t, int64(3), stats.L2.Errors)
	assert.Equal(t, int64(1), stats.L2.Misses)
}

func TestCache_JSONHelpersAndFlush(t *testing.T) {
	tr := newTiers(t)
	c := newCache(tr)
	ctx := context.Background()

	type quote struct {
		Symbol string `json:"symbol"`
		Price  string `json:"price"`
	}
	require.NoError(t, c.SetJSON(ctx, "quote", "BTC", quote{Symbol: "BTC", Price: "1"}, 0))

	var got quote
	_, ok := c.GetJSON(ctx, "quote", "BTC", &got)
	require.True(t, ok)
	assert.Equal(t, "BTC", got.Symbol)

	require.NoError(t, c.Flush(ctx))
	_, ok = c.Get(ctx, "quote", "BTC")
	assert.False(t, ok)
}

func TestCache_Sweep(t *testing.T) {
	tr := newTiers(t)
	c := newCache(tr)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "quote", "A", []byte("1"), 0))
	require.NoError(t, c.Set(ctx, "quote", "B", []byte("1"), 0))
	tr.advance(2 * time.Minute)

	assert.Equal(t, 4, c.Sweep(ctx), "two expired rows in L1 and two in L3")
	assert.Equal(t, 0, tr.memory.Len())
}

func TestKey_Deterministic(t *testing.T) {
	a := cache.Key("historical", " btc ", map[string]string{"interval": "1d", "days": "30"})
	b := cache.Key("historical", "BTC", map[string]string{"days": "30", "interval": "1d"})
	assert.Equal(t, a, b)
	assert.Equal(t, "historical:BTC:days=30&interval=1d", a)
	assert.Equal(t, "crypto_price:ETH", cache.Key("crypto_price", "eth", nil))
}

func TestTierTTL_Cap(t *testing.T) {
	ttl := cache.TierTTL{L1: time.Second, L2: time.Minute, L3: time.Hour}
	assert.Equal(t, cache.TierTTL{L1: time.Second, L2: 30 * time.Second, L3: 30 * time.Second}, ttl.Cap(30*time.Second))
	assert.Equal(t, ttl, ttl.Cap(0))
	assert.Equal(t, cache.TierTTL{}, cache.TierTTL{}.Cap(time.Minute))
}
