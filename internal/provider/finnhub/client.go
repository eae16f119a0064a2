// Package finnhub provides a client for the Finnhub stock quote API.
package finnhub

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/marketpulse/marketpulse/internal/provider"
	"github.com/marketpulse/marketpulse/internal/provider/resilience"
)

const (
	// DefaultBaseURL is the base URL for the Finnhub API.
	DefaultBaseURL = "https://finnhub.io/api/v1"

	// ProviderName identifies this provider.
	ProviderName = "finnhub"

	tokenHeader = "X-Finnhub-Token"
)

// ClientConfig holds configuration for the Finnhub client.
type ClientConfig struct {
	// BaseURL is the API base URL (defaults to DefaultBaseURL).
	BaseURL string

	// HTTPClient executes requests. If nil, a resilient client is created.
	HTTPClient provider.HTTPDoer

	// Timeout for individual API requests (default: 10s).
	Timeout time.Duration
}

// Client is a Finnhub API client.
type Client struct {
	baseURL    string
	httpClient provider.HTTPDoer
}

// NewClient creates a new Finnhub client.
func NewClient(cfg ClientConfig) *Client {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		rc := resilience.DefaultClientConfig(ProviderName)
		if cfg.Timeout > 0 {
			rc.Timeout = cfg.Timeout
		}
		httpClient = resilience.NewClient(rc)
	}

	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: httpClient,
	}
}

// Name returns the provider name.
func (c *Client) Name() string {
	return ProviderName
}

// CircuitState reports the breaker state of the underlying transport.
func (c *Client) CircuitState() string {
	return provider.TransportState(c.httpClient)
}

// SupportsDataType reports whether the data type is served.
func (c *Client) SupportsDataType(dataType provider.DataType) bool {
	return dataType == provider.DataTypeStockPrice
}

// quoteResponse is the /quote payload. Unknown symbols come back as all zeros.
type quoteResponse struct {
	Current       decimal.Decimal `json:"c"`
	Change        decimal.Decimal `json:"d"`
	ChangePercent decimal.Decimal `json:"dp"`
	High          decimal.Decimal `json:"h"`
	Low           decimal.Decimal `json:"l"`
	Open          decimal.Decimal `json:"o"`
	PreviousClose decimal.Decimal `json:"pc"`
	Timestamp     int64           `json:"t"`
}

// Fetch retrieves a real-time stock quote.
func (c *Client) Fetch(ctx context.Context, req provider.Request) (*provider.Payload, error) {
	if req.DataType != provider.DataTypeStockPrice {
		return nil, fmt.Errorf("%s: %w: %s", ProviderName, provider.ErrUnsupportedDataType, req.DataType)
	}

	symbol := provider.NormalizeSymbol(req.Symbol)
	q := url.Values{}
	q.Set("symbol", symbol)

	header := http.Header{}
	if req.APIKey != "" {
		header.Set(tokenHeader, req.APIKey)
	}

	var qr quoteResponse
	if err := provider.GetJSON(ctx, c.httpClient, ProviderName, c.baseURL+"/quote?"+q.Encode(), header, &qr); err != nil {
		return nil, err
	}
	if qr.Timestamp == 0 && qr.Current.IsZero() {
		return nil, fmt.Errorf("%s: %w: %s", ProviderName, provider.ErrSymbolNotFound, symbol)
	}

	quote := &provider.Quote{
		Symbol:       symbol,
		Price:        qr.Current,
		Change24h:    qr.Change,
		ChangePct24h: qr.ChangePercent,
		High24h:      qr.High,
		Low24h:       qr.Low,
		Currency:     "USD",
		Timestamp:    time.Unix(qr.Timestamp, 0).UTC(),
		Source:       ProviderName,
	}
	return provider.NewPayload(ProviderName, req.DataType, symbol, quote)
}
