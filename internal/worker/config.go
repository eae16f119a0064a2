// Package worker provides background job processing for MarketPulse.
package worker

import (
	"fmt"
	"time"

	"github.com/marketpulse/marketpulse/internal/config"
	"github.com/marketpulse/marketpulse/internal/provider"
)

// RefreshTarget is a set of symbols to keep warm for one data type.
type RefreshTarget struct {
	DataType provider.DataType
	Symbols  []string

	// Params are forwarded to the provider, e.g. vs_currency or interval.
	Params map[string]string
}

// RefreshConfig holds configuration for the provider refresh job.
type RefreshConfig struct {
	// Targets are the symbols to refresh.
	// If empty, uses DefaultRefreshTargets.
	Targets []RefreshTarget

	// Concurrency is the number of concurrent refresh operations.
	// Default: 3
	Concurrency int

	// Timeout is the timeout for each refresh operation.
	// Default: 30 seconds
	Timeout time.Duration
}

// DefaultRefreshConfig returns the default refresh configuration.
func DefaultRefreshConfig() RefreshConfig {
	return RefreshConfig{
		Targets:     DefaultRefreshTargets(),
		Concurrency: 3,
		Timeout:     30 * time.Second,
	}
}

// DefaultRefreshTargets returns the most traded crypto assets.
func DefaultRefreshTargets() []RefreshTarget {
	return []RefreshTarget{
		{
			DataType: provider.DataTypeCryptoPrice,
			Symbols:  []string{"BTC", "ETH", "SOL", "BNB", "XRP"},
		},
		{
			DataType: provider.DataTypeTicker,
			Symbols:  []string{"BTCUSDT", "ETHUSDT"},
		},
	}
}

// TotalSymbols returns the number of requests one run issues.
func (c RefreshConfig) TotalSymbols() int {
	total := 0
	for _, target := range c.Targets {
		total += len(target.Symbols)
	}
	return total
}

func (c RefreshConfig) withDefaults() RefreshConfig {
	def := DefaultRefreshConfig()
	if len(c.Targets) == 0 {
		c.Targets = def.Targets
	}
	if c.Concurrency <= 0 {
		c.Concurrency = def.Concurrency
	}
	if c.Timeout <= 0 {
		c.Timeout = def.Timeout
	}
	return c
}

// RefreshConfigFrom converts the worker section of the service configuration.
func RefreshConfigFrom(wc config.WorkerConfig) (RefreshConfig, error) {
	cfg := RefreshConfig{Concurrency: wc.Concurrency, Timeout: wc.Timeout}
	for i, t := range wc.Targets {
		dataType, ok := provider.ParseDataType(t.DataType)
		if !ok {
			return RefreshConfig{}, fmt.Errorf("worker target %d: unknown data type %q", i, t.DataType)
		}
		if len(t.Symbols) == 0 {
			continue
		}
		cfg.Targets = append(cfg.Targets, RefreshTarget{DataType: dataType, Symbols: t.Symbols, Params: t.Params})
	}
	return cfg, nil
}
