package orchestrator

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/marketpulse/marketpulse/internal/health"
	"github.com/marketpulse/marketpulse/internal/planner"
	"github.com/marketpulse/marketpulse/internal/provider"
)

// ErrInvalidRequest is returned for requests without a symbol or with an
// unknown data type.
var ErrInvalidRequest = errors.New("invalid market data request")

// Request asks for one piece of market data.
type Request struct {
	DataType provider.DataType
	Symbol   string
	Params   map[string]string
	Priority planner.Priority

	// BatchKey groups PriorityBatch requests so that identical calls inside
	// the planner's batch window are made once.
	BatchKey string
}

// Response is the answer to a Request.
type Response struct {
	DataType  provider.DataType `json:"dataType"`
	Symbol    string            `json:"symbol"`
	Data      json.RawMessage   `json:"data"`
	Source    string            `json:"source"`
	FetchedAt time.Time         `json:"fetchedAt"`
	FromCache bool              `json:"fromCache"`
	Stale     bool              `json:"stale"`
	CacheTier string            `json:"cacheTier,omitempty"`
}

// Attempt describes one provider tried for a request.
type Attempt struct {
	Provider    string        `json:"provider"`
	Error       string        `json:"error"`
	HealthScore float64       `json:"healthScore"`
	Status      health.Status `json:"status"`
}

// FetchError is returned when no provider could serve a request and no stale
// value was available. It unwraps to provider.ErrProviderUnavailable or
// provider.ErrBackpressured.
type FetchError struct {
	DataType provider.DataType
	Symbol   string
	Attempts []Attempt
	Err      error
}

func (e *FetchError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s: %v", e.DataType, e.Symbol, e.Err)
	if len(e.Attempts) > 0 {
		b.WriteString(" (tried")
		for i, a := range e.Attempts {
			if i > 0 {
				b.WriteByte(',')
			}
			fmt.Fprintf(&b, " %s[%s %.1f]: %s", a.Provider, a.Status, a.HealthScore, a.Error)
		}
		b.WriteByte(')')
	}
	return b.String()
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// ProviderSnapshot is the externally visible view of a provider's metrics.
type ProviderSnapshot struct {
	ProviderName        string              `json:"providerName"`
	TotalRequests       int64               `json:"totalRequests"`
	SuccessfulRequests  int64               `json:"successfulRequests"`
	FailedRequests      int64               `json:"failedRequests"`
	RateLimitedRequests int64               `json:"rateLimitedRequests"`
	AvgLatencyMs        float64             `json:"avgLatencyMs"`
	MinLatencyMs        float64             `json:"minLatencyMs"`
	MaxLatencyMs        float64             `json:"maxLatencyMs"`
	ConsecutiveFailures int64               `json:"consecutiveFailures"`
	HealthScore         float64             `json:"healthScore"`
	ErrorRate           float64             `json:"errorRate"`
	Status              health.Status       `json:"status"`
	Blacklisted         bool                `json:"blacklisted"`
	Score               health.Score        `json:"score"`
	SupportedDataTypes  []provider.DataType `json:"supportedDataTypes"`
	LastSuccessAt       *time.Time          `json:"lastSuccessAt,omitempty"`
	LastFailureAt       *time.Time          `json:"lastFailureAt,omitempty"`
	LastError           string              `json:"lastError,omitempty"`
	CircuitState        string              `json:"circuitState,omitempty"`
}

// RequestRecord is one entry of the request history.
type RequestRecord struct {
	ID        string            `json:"id"`
	DataType  provider.DataType `json:"dataType"`
	Symbol    string            `json:"symbol"`
	Priority  string            `json:"priority"`
	Source    string            `json:"source,omitempty"`
	FromCache bool              `json:"fromCache"`
	Stale     bool              `json:"stale"`
	Success   bool              `json:"success"`
	Error     string            `json:"error,omitempty"`
	Providers []string          `json:"providersTried,omitempty"`
	Duration  time.Duration     `json:"durationNs"`
	At        time.Time         `json:"at"`
}

// Statistics are the orchestrator's lifetime counters.
type Statistics struct {
	TotalRequests    int64               `json:"totalRequests"`
	CacheHits        int64               `json:"cacheHits"`
	CacheHitRate     float64             `json:"cacheHitRate"`
	ProviderFetches  int64               `json:"providerFetches"`
	StaleServed      int64               `json:"staleServed"`
	Failures         int64               `json:"failures"`
	ProviderSwitches int64               `json:"providerSwitches"`
	Deduplicated     int64               `json:"deduplicated"`
	ProviderUsage    map[string]int64    `json:"providerUsage"`
	Queue            planner.QueueStatus `json:"queue"`
}

// BatchResult pairs a batch request with its outcome.
type BatchResult struct {
	Request  Request
	Response *Response
	Err      error
}
