package models

import (
	"encoding/json"

	"github.com/marketpulse/marketpulse/internal/cache"
	"github.com/marketpulse/marketpulse/internal/credential"
	"github.com/marketpulse/marketpulse/internal/health"
	"github.com/marketpulse/marketpulse/internal/orchestrator"
	"github.com/marketpulse/marketpulse/internal/planner"
	"github.com/marketpulse/marketpulse/internal/stream"
)

// MarketData is the response of GET /v1/market-data/{dataType}/{symbol}.
type MarketData struct {
	DataType  string          `json:"dataType"`
	Symbol    string          `json:"symbol"`
	Data      json.RawMessage `json:"data"`
	Source    string          `json:"source"`
	FetchedAt Timestamp       `json:"fetchedAt"`
	FromCache bool            `json:"fromCache"`
	Stale     bool            `json:"stale"`
	CacheTier string          `json:"cacheTier,omitempty"`
	Priority  string          `json:"priority"`
}

// NewMarketData converts an orchestrator response.
func NewMarketData(resp *orchestrator.Response, priority planner.Priority) MarketData {
	return MarketData{
		DataType:  string(resp.DataType),
		Symbol:    resp.Symbol,
		Data:      resp.Data,
		Source:    resp.Source,
		FetchedAt: Timestamp(resp.FetchedAt),
		FromCache: resp.FromCache,
		Stale:     resp.Stale,
		CacheTier: resp.CacheTier,
		Priority:  priority.String(),
	}
}

// ProviderList is the response of GET /v1/providers.
type ProviderList struct {
	Providers   []orchestrator.ProviderSnapshot `json:"providers"`
	Recommended string                          `json:"recommended,omitempty"`
}

// ProviderCredentials is the response of GET /v1/providers/{provider}/credentials.
type ProviderCredentials struct {
	Provider    string              `json:"provider"`
	Credentials []credential.Status `json:"credentials"`
}

// HealthSummary is the response of GET /v1/health/summary.
type HealthSummary struct {
	health.Summary
	Ranking []health.Score `json:"ranking"`
	Time    Timestamp      `json:"time"`
}

// CacheStats is the response of GET /v1/cache/stats.
type CacheStats struct {
	Tiers cache.Stats `json:"tiers"`
	Time  Timestamp   `json:"time"`
}

// OrchestratorStats is the response of GET /v1/orchestrator/stats.
type OrchestratorStats struct {
	orchestrator.Statistics
	History []orchestrator.RequestRecord `json:"history"`
}

// StreamStatus is the response of GET /v1/stream/status.
type StreamStatus struct {
	stream.Status
	Enabled bool  `json:"enabled"`
	Clients int   `json:"clients"`
	Dropped int64 `json:"droppedMessages"`
}
