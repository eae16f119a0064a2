// Package config loads the service configuration from defaults, an optional
// YAML file and MARKETPULSE_ environment variables.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/marketpulse/marketpulse/internal/cache"
	"github.com/marketpulse/marketpulse/internal/database"
	"github.com/marketpulse/marketpulse/internal/health"
	"github.com/marketpulse/marketpulse/internal/provider"
	"github.com/marketpulse/marketpulse/internal/stream"
)

// EnvPrefix prefixes every environment override, e.g. MARKETPULSE_SERVER_PORT.
const EnvPrefix = "MARKETPULSE"

// FileEnv names the variable holding the config file path for the binaries.
const FileEnv = "MARKETPULSE_CONFIG"

// Config is the top-level configuration.
type Config struct {
	Server       ServerConfig              `mapstructure:"server" yaml:"server"`
	Telemetry    TelemetryConfig           `mapstructure:"telemetry" yaml:"telemetry"`
	Database     database.Config           `mapstructure:"database" yaml:"database"`
	Cache        CacheConfig               `mapstructure:"cache" yaml:"cache"`
	Planner      PlannerConfig             `mapstructure:"planner" yaml:"planner"`
	Health       HealthConfig              `mapstructure:"health" yaml:"health"`
	Credentials  CredentialConfig          `mapstructure:"credentials" yaml:"credentials"`
	Providers    map[string]ProviderConfig `mapstructure:"providers" yaml:"providers"`
	Orchestrator OrchestratorConfig        `mapstructure:"orchestrator" yaml:"orchestrator"`
	Stream       StreamConfig              `mapstructure:"stream" yaml:"stream"`
	Worker       WorkerConfig              `mapstructure:"worker" yaml:"worker"`
}

// ServerConfig controls the HTTP API.
type ServerConfig struct {
	Port int    `mapstructure:"port" yaml:"port"`
	Env  string `mapstructure:"env" yaml:"env"`

	// RateLimit is the per-client allowance per minute on market data
	// routes. Zero disables it.
	RateLimit int `mapstructure:"rate_limit" yaml:"rate_limit"`

	// RequireTLS rejects requests forwarded over plain HTTP.
	RequireTLS bool `mapstructure:"require_tls" yaml:"require_tls"`
}

// TelemetryConfig controls OpenTelemetry export.
type TelemetryConfig struct {
	Enabled        bool   `mapstructure:"enabled" yaml:"enabled"`
	OTLPEndpoint   string `mapstructure:"otlp_endpoint" yaml:"otlp_endpoint"`
	ServiceVersion string `mapstructure:"service_version" yaml:"service_version"`
}

// CacheConfig selects and tunes the cache tiers.
type CacheConfig struct {
	L1MaxEntries int `mapstructure:"l1_max_entries" yaml:"l1_max_entries"`

	// RedisURL enables the L2 tier.
	RedisURL    string `mapstructure:"redis_url" yaml:"redis_url"`
	RedisPrefix string `mapstructure:"redis_prefix" yaml:"redis_prefix"`

	// DurableDriver enables the L3 tier: "sqlite3", "pgx" or empty.
	DurableDriver string `mapstructure:"durable_driver" yaml:"durable_driver"`
	DurableDSN    string `mapstructure:"durable_dsn" yaml:"durable_dsn"`

	SweepInterval time.Duration `mapstructure:"sweep_interval" yaml:"sweep_interval"`

	// TTL overrides per namespace. Unlisted namespaces keep their defaults.
	TTL map[string]cache.TierTTL `mapstructure:"ttl" yaml:"ttl"`
}

// PlannerConfig tunes the call planner.
type PlannerConfig struct {
	Workers        int           `mapstructure:"workers" yaml:"workers"`
	QueueCapacity  int           `mapstructure:"queue_capacity" yaml:"queue_capacity"`
	MaxAttempts    int           `mapstructure:"max_attempts" yaml:"max_attempts"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff" yaml:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff" yaml:"max_backoff"`
	CallTimeout    time.Duration `mapstructure:"call_timeout" yaml:"call_timeout"`
	BatchWindow    time.Duration `mapstructure:"batch_window" yaml:"batch_window"`
}

// HealthConfig tunes provider scoring.
type HealthConfig struct {
	Weights           health.Weights    `mapstructure:"weights" yaml:"weights"`
	Thresholds        health.Thresholds `mapstructure:"thresholds" yaml:"thresholds"`
	BlacklistCooldown time.Duration     `mapstructure:"blacklist_cooldown" yaml:"blacklist_cooldown"`
}

// CredentialConfig tunes the rate-limit cooldown of credentials.
type CredentialConfig struct {
	BackoffBase time.Duration `mapstructure:"backoff_base" yaml:"backoff_base"`
	BackoffMax  time.Duration `mapstructure:"backoff_max" yaml:"backoff_max"`
}

// ProviderConfig configures one upstream provider.
type ProviderConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	BaseURL string `mapstructure:"base_url" yaml:"base_url"`

	// APIKeys may be set from the environment as a comma-separated list.
	APIKeys []string `mapstructure:"api_keys" yaml:"api_keys"`

	// CallsPerWindow and Window limit each key. Zero means unlimited.
	CallsPerWindow int           `mapstructure:"calls_per_window" yaml:"calls_per_window"`
	Window         time.Duration `mapstructure:"window" yaml:"window"`
	Timeout        time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// OrchestratorConfig tunes provider failover.
type OrchestratorConfig struct {
	MaxProviderSwitches int           `mapstructure:"max_provider_switches" yaml:"max_provider_switches"`
	StaleTTL            time.Duration `mapstructure:"stale_ttl" yaml:"stale_ttl"`
	HistorySize         int           `mapstructure:"history_size" yaml:"history_size"`
}

// StreamConfig configures the real-time feed.
type StreamConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	URL     string `mapstructure:"url" yaml:"url"`

	// Topics are subscribed at startup, e.g. "ticker:BTCUSDT".
	Topics []string `mapstructure:"topics" yaml:"topics"`

	MaxReconnectAttempts  int           `mapstructure:"max_reconnect_attempts" yaml:"max_reconnect_attempts"`
	InitialReconnectDelay time.Duration `mapstructure:"initial_reconnect_delay" yaml:"initial_reconnect_delay"`
	MaxReconnectDelay     time.Duration `mapstructure:"max_reconnect_delay" yaml:"max_reconnect_delay"`

	// ClientBuffer is the per-client queue of the downstream websocket.
	ClientBuffer int `mapstructure:"client_buffer" yaml:"client_buffer"`

	// Finnhub adds a trade feed for topics the exchange feed does not serve.
	Finnhub FinnhubStreamConfig `mapstructure:"finnhub" yaml:"finnhub"`
}

// FinnhubStreamConfig configures the Finnhub trade feed. It authenticates
// with the first providers.finnhub API key.
type FinnhubStreamConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	URL     string `mapstructure:"url" yaml:"url"`
}

// RefreshTarget is a set of symbols refreshed for one data type.
type RefreshTarget struct {
	DataType string            `mapstructure:"data_type" yaml:"data_type"`
	Symbols  []string          `mapstructure:"symbols" yaml:"symbols"`
	Params   map[string]string `mapstructure:"params" yaml:"params,omitempty"`
}

// WorkerConfig configures the background worker.
type WorkerConfig struct {
	Port                int             `mapstructure:"port" yaml:"port"`
	RefreshInterval     time.Duration   `mapstructure:"refresh_interval" yaml:"refresh_interval"`
	HealthCheckInterval time.Duration   `mapstructure:"health_check_interval" yaml:"health_check_interval"`
	Concurrency         int             `mapstructure:"concurrency" yaml:"concurrency"`
	Timeout             time.Duration   `mapstructure:"timeout" yaml:"timeout"`
	Targets             []RefreshTarget `mapstructure:"targets" yaml:"targets"`

	// PubSubProject and PubSubSubscription enable triggered jobs.
	PubSubProject      string `mapstructure:"pubsub_project" yaml:"pubsub_project"`
	PubSubSubscription string `mapstructure:"pubsub_subscription" yaml:"pubsub_subscription"`
}

// Default returns the built-in configuration.
func Default() Config {
	db := database.DefaultConfig()
	db.Host = ""

	return Config{
		Server:    ServerConfig{Port: 8080, Env: "development", RateLimit: 120},
		Telemetry: TelemetryConfig{OTLPEndpoint: "localhost:4317", ServiceVersion: "0.1.0"},
		Database:  db,
		Cache: CacheConfig{
			L1MaxEntries:  10000,
			RedisPrefix:   cache.DefaultRedisPrefix,
			DurableDriver: cache.DriverSQLite,
			DurableDSN:    "file:marketpulse-cache.db?cache=shared",
			SweepInterval: time.Minute,
			TTL:           map[string]cache.TierTTL{},
		},
		Planner: PlannerConfig{
			Workers:        3,
			QueueCapacity:  256,
			MaxAttempts:    3,
			InitialBackoff: 250 * time.Millisecond,
			MaxBackoff:     10 * time.Second,
			CallTimeout:    15 * time.Second,
			BatchWindow:    250 * time.Millisecond,
		},
		Health: HealthConfig{
			Weights:           health.DefaultWeights(),
			Thresholds:        health.DefaultThresholds(),
			BlacklistCooldown: 5 * time.Minute,
		},
		Credentials: CredentialConfig{BackoffBase: 5 * time.Second, BackoffMax: 5 * time.Minute},
		Providers: map[string]ProviderConfig{
			"coingecko":    {Enabled: true, CallsPerWindow: 30, Window: time.Minute, Timeout: 10 * time.Second},
			"binance":      {Enabled: true, CallsPerWindow: 1200, Window: time.Minute, Timeout: 10 * time.Second},
			"alphavantage": {Enabled: false, CallsPerWindow: 5, Window: time.Minute, Timeout: 10 * time.Second},
			"finnhub":      {Enabled: false, CallsPerWindow: 60, Window: time.Minute, Timeout: 10 * time.Second},
		},
		Orchestrator: OrchestratorConfig{MaxProviderSwitches: 2, StaleTTL: 24 * time.Hour, HistorySize: 1000},
		Stream: StreamConfig{
			URL:                   stream.DefaultBinanceURL,
			Topics:                []string{"ticker:BTCUSDT", "ticker:ETHUSDT"},
			MaxReconnectAttempts:  10,
			InitialReconnectDelay: 500 * time.Millisecond,
			MaxReconnectDelay:     30 * time.Second,
			ClientBuffer:          256,
			Finnhub:               FinnhubStreamConfig{URL: stream.DefaultFinnhubURL},
		},
		Worker: WorkerConfig{
			Port:                8081,
			RefreshInterval:     5 * time.Minute,
			HealthCheckInterval: time.Minute,
			Concurrency:         3,
			Timeout:             30 * time.Second,
			Targets: []RefreshTarget{
				{DataType: string(provider.DataTypeCryptoPrice), Symbols: []string{"BTC", "ETH", "SOL"}},
			},
		},
	}
}

// Load reads configuration from the given path (or defaults) with
// environment variable overrides (prefix MARKETPULSE_).
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	// Defaults are loaded as a base document so that every key is known to
	// AutomaticEnv.
	defaults, err := yaml.Marshal(Default())
	if err != nil {
		return nil, fmt.Errorf("encoding defaults: %w", err)
	}
	if err := v.ReadConfig(bytes.NewReader(defaults)); err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}
	v.SetDefault("database.password", database.DefaultConfig().Password)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, fmt.Errorf("validating config: %w", errors.Join(errs...))
	}
	return &cfg, nil
}

// Validate checks the configuration for logical errors. It collects every
// issue instead of stopping at the first.
func (c *Config) Validate() []error {
	var errs []error

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("config: server.port must be between 1 and 65535, got %d", c.Server.Port))
	}
	if c.Planner.Workers <= 0 {
		errs = append(errs, fmt.Errorf("config: planner.workers must be greater than 0, got %d", c.Planner.Workers))
	}
	if c.Planner.QueueCapacity <= 0 {
		errs = append(errs, fmt.Errorf("config: planner.queue_capacity must be greater than 0, got %d", c.Planner.QueueCapacity))
	}
	if c.Planner.BatchWindow < 0 {
		errs = append(errs, fmt.Errorf("config: planner.batch_window must not be negative, got %s", c.Planner.BatchWindow))
	}
	if err := c.Database.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("config: %w", err))
	}
	if err := c.Health.Weights.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("config: health.weights: %w", err))
	}

	switch c.Cache.DurableDriver {
	case "", cache.DriverSQLite, cache.DriverPostgres:
	default:
		errs = append(errs, fmt.Errorf("config: cache.durable_driver must be one of [%s, %s], got %q",
			cache.DriverSQLite, cache.DriverPostgres, c.Cache.DurableDriver))
	}
	for ns := range c.Cache.TTL {
		if ns == "default" || ns == "stale" {
			continue
		}
		if _, ok := provider.ParseDataType(ns); !ok {
			errs = append(errs, fmt.Errorf("config: cache.ttl has unknown namespace %q", ns))
		}
	}

	enabled := 0
	for name, p := range c.Providers {
		if !p.Enabled {
			continue
		}
		enabled++
		if p.CallsPerWindow < 0 || (p.CallsPerWindow > 0 && p.Window <= 0) {
			errs = append(errs, fmt.Errorf("config: providers.%s needs a positive window when calls_per_window is set", name))
		}
	}
	if enabled == 0 {
		errs = append(errs, errors.New("config: at least one provider must be enabled"))
	}

	finnhubFeed := c.Stream.Enabled && c.Stream.Finnhub.Enabled
	if finnhubFeed && len(c.Providers["finnhub"].APIKeys) == 0 {
		errs = append(errs, errors.New("config: stream.finnhub needs an API key in providers.finnhub.api_keys"))
	}
	for _, raw := range c.Stream.Topics {
		topic, err := stream.ParseTopic(raw)
		if err != nil {
			errs = append(errs, fmt.Errorf("config: stream.topics: %w", err))
			continue
		}
		if !(stream.BinanceCodec{}).Supports(topic) && !(finnhubFeed && (stream.FinnhubCodec{}).Supports(topic)) {
			errs = append(errs, fmt.Errorf("config: stream.topics: no enabled feed serves %s", topic))
		}
	}
	for i, t := range c.Worker.Targets {
		if _, ok := provider.ParseDataType(t.DataType); !ok {
			errs = append(errs, fmt.Errorf("config: worker.targets[%d] has unknown data_type %q", i, t.DataType))
		}
	}

	return errs
}

// CachePolicy returns the default TTL policy with configured overrides.
func (c *Config) CachePolicy() cache.TTLPolicy {
	policy := cache.DefaultTTLPolicy()
	for ns, ttl := range c.Cache.TTL {
		if ns == "default" {
			policy.Default = ttl
			continue
		}
		policy.Namespaces[ns] = ttl
	}
	return policy
}

// EnabledProviders returns the names of enabled providers.
func (c *Config) EnabledProviders() []string {
	var names []string
	for name, p := range c.Providers {
		if p.Enabled {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Redacted returns a copy safe to print: API keys are masked.
func (c Config) Redacted() Config {
	providers := make(map[string]ProviderConfig, len(c.Providers))
	for name, p := range c.Providers {
		keys := make([]string, len(p.APIKeys))
		for i, k := range p.APIKeys {
			keys[i] = mask(k)
		}
		p.APIKeys = keys
		providers[name] = p
	}
	c.Providers = providers
	c.Database.Password = ""
	return c
}

func mask(secret string) string {
	if len(secret) <= 4 {
		return "****"
	}
	return "****" + secret[len(secret)-4:]
}
