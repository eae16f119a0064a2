package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marketpulse/marketpulse/internal/config"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "marketpulse.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 3, cfg.Planner.Workers)
	assert.Equal(t, 256, cfg.Planner.QueueCapacity)
	assert.Equal(t, 15*time.Second, cfg.Planner.CallTimeout)
	assert.Equal(t, 250*time.Millisecond, cfg.Planner.BatchWindow)
	assert.InDelta(t, 0.35, cfg.Health.Weights.Reliability, 1e-9)
	assert.Equal(t, 5*time.Minute, cfg.Health.BlacklistCooldown)
	assert.Equal(t, 24*time.Hour, cfg.Orchestrator.StaleTTL)
	assert.Equal(t, []string{"binance", "coingecko"}, cfg.EnabledProviders())
	assert.False(t, cfg.Database.Enabled())
	assert.Equal(t, "localdev", cfg.Database.Password)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9090
planner:
  workers: 8
  call_timeout: 5s
providers:
  finnhub:
    enabled: true
    api_keys: ["k1", "k2"]
    calls_per_window: 60
    window: 1m
cache:
  ttl:
    crypto_price: {l1: 2s, l2: 20s}
`)
	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 8, cfg.Planner.Workers)
	assert.Equal(t, 5*time.Second, cfg.Planner.CallTimeout)
	// Untouched keys keep their defaults.
	assert.Equal(t, 256, cfg.Planner.QueueCapacity)
	assert.Equal(t, []string{"k1", "k2"}, cfg.Providers["finnhub"].APIKeys)
	assert.Contains(t, cfg.EnabledProviders(), "finnhub")

	policy := cfg.CachePolicy()
	assert.Equal(t, 2*time.Second, policy.For("crypto_price").L1)
	assert.Equal(t, time.Duration(0), policy.For("crypto_price").L3)
	assert.Equal(t, time.Hour, policy.For("historical").L1)
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	t.Setenv("MARKETPULSE_SERVER_PORT", "7070")
	t.Setenv("MARKETPULSE_PLANNER_MAX_BACKOFF", "30s")
	t.Setenv("MARKETPULSE_PROVIDERS_COINGECKO_API_KEYS", "a,b,c")
	t.Setenv("MARKETPULSE_DATABASE_PASSWORD", "s3cret")

	cfg, err := config.Load("")
	require.NoError(t, err)

	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, 30*time.Second, cfg.Planner.MaxBackoff)
	assert.Equal(t, []string{"a", "b", "c"}, cfg.Providers["coingecko"].APIKeys)
	assert.Equal(t, "s3cret", cfg.Database.Password)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*config.Config)
		wantErr string
	}{
		{name: "defaults are valid", mutate: func(*config.Config) {}},
		{
			name:    "database idle above open",
			mutate:  func(c *config.Config) { c.Database.Host = "db"; c.Database.MaxIdleConns = 50 },
			wantErr: "max_idle_conns",
		},
		{
			name:    "zero workers",
			mutate:  func(c *config.Config) { c.Planner.Workers = 0 },
			wantErr: "planner.workers",
		},
		{
			name:    "negative capacity",
			mutate:  func(c *config.Config) { c.Planner.QueueCapacity = -1 },
			wantErr: "planner.queue_capacity",
		},
		{
			name:    "negative batch window",
			mutate:  func(c *config.Config) { c.Planner.BatchWindow = -time.Second },
			wantErr: "planner.batch_window",
		},
		{
			name:    "weights do not sum to one",
			mutate:  func(c *config.Config) { c.Health.Weights.Latency = 0.5 },
			wantErr: "health.weights",
		},
		{
			name: "no providers enabled",
			mutate: func(c *config.Config) {
				for name, p := range c.Providers {
					p.Enabled = false
					c.Providers[name] = p
				}
			},
			wantErr: "at least one provider",
		},
		{
			name:    "bad stream topic",
			mutate:  func(c *config.Config) { c.Stream.Topics = []string{"candles:BTC"} },
			wantErr: "stream.topics",
		},
		{
			name:    "equity topic without a trade feed",
			mutate:  func(c *config.Config) { c.Stream.Topics = []string{"trades:AAPL"} },
			wantErr: "no enabled feed serves trades:AAPL",
		},
		{
			name: "equity topic on the finnhub feed",
			mutate: func(c *config.Config) {
				c.Stream.Enabled = true
				c.Stream.Finnhub.Enabled = true
				c.Stream.Topics = []string{"ticker:BTCUSDT", "trades:AAPL"}
				p := c.Providers["finnhub"]
				p.APIKeys = []string{"token"}
				c.Providers["finnhub"] = p
			},
		},
		{
			name: "finnhub feed without a key",
			mutate: func(c *config.Config) {
				c.Stream.Enabled = true
				c.Stream.Finnhub.Enabled = true
			},
			wantErr: "stream.finnhub",
		},
		{
			name:    "unknown cache namespace",
			mutate:  func(c *config.Config) { c.Cache.TTL["futures"] = c.CachePolicy().Default },
			wantErr: "cache.ttl",
		},
		{
			name:    "unknown durable driver",
			mutate:  func(c *config.Config) { c.Cache.DurableDriver = "mysql" },
			wantErr: "cache.durable_driver",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default()
			tt.mutate(&cfg)
			errs := cfg.Validate()
			if tt.wantErr == "" {
				assert.Empty(t, errs)
				return
			}
			require.NotEmpty(t, errs)
			assert.Contains(t, errs[0].Error(), tt.wantErr)
		})
	}
}

func TestRedacted(t *testing.T) {
	cfg := config.Default()
	p := cfg.Providers["finnhub"]
	p.APIKeys = []string{"abcdef123456", "xy"}
	cfg.Providers["finnhub"] = p

	red := cfg.Redacted()
	assert.Equal(t, []string{"****3456", "****"}, red.Providers["finnhub"].APIKeys)
	assert.Empty(t, red.Database.Password)
	assert.Equal(t, "abcdef123456", cfg.Providers["finnhub"].APIKeys[0])
}
