// Package alphavantage provides a client for the Alpha Vantage stock API.
package alphavantage

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/marketpulse/marketpulse/internal/provider"
	"github.com/marketpulse/marketpulse/internal/provider/resilience"
)

const (
	// DefaultBaseURL is the Alpha Vantage query endpoint.
	DefaultBaseURL = "https://www.alphavantage.co/query"

	// ProviderName identifies this provider.
	ProviderName = "alphavantage"

	dateLayout = "2006-01-02"
)

// ClientConfig holds configuration for the Alpha Vantage client.
type ClientConfig struct {
	// BaseURL is the query endpoint (defaults to DefaultBaseURL).
	BaseURL string

	// HTTPClient executes requests. If nil, a resilient client is created.
	HTTPClient provider.HTTPDoer

	// Timeout for individual API requests (default: 10s).
	Timeout time.Duration
}

// Client is an Alpha Vantage API client. Every call needs an API key.
type Client struct {
	baseURL    string
	httpClient provider.HTTPDoer
}

// NewClient creates a new Alpha Vantage client.
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

	return &Client{baseURL: baseURL, httpClient: httpClient}
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
	return dataType == provider.DataTypeStockPrice || dataType == provider.DataTypeHistorical
}

// Fetch retrieves a global quote or a daily series.
func (c *Client) Fetch(ctx context.Context, req provider.Request) (*provider.Payload, error) {
	switch req.DataType {
	case provider.DataTypeStockPrice:
		quote, err := c.fetchQuote(ctx, req)
		if err != nil {
			return nil, err
		}
		return provider.NewPayload(ProviderName, req.DataType, req.Symbol, quote)
	case provider.DataTypeHistorical:
		series, err := c.fetchDaily(ctx, req)
		if err != nil {
			return nil, err
		}
		return provider.NewPayload(ProviderName, req.DataType, req.Symbol, series)
	default:
		return nil, fmt.Errorf("%s: %w: %s", ProviderName, provider.ErrUnsupportedDataType, req.DataType)
	}
}

// query calls the API and returns the decoded top-level object. Alpha Vantage
// answers 200 for every outcome, so throttling and bad symbols are detected
// from the "Note", "Information" and "Error Message" fields.
func (c *Client) query(ctx context.Context, params url.Values, apiKey string) (map[string]json.RawMessage, error) {
	params.Set("apikey", apiKey)

	var body map[string]json.RawMessage
	if err := provider.GetJSON(ctx, c.httpClient, ProviderName, c.baseURL+"?"+params.Encode(), http.Header{}, &body); err != nil {
		return nil, err
	}

	for _, field := range []string{"Note", "Information"} {
		if raw, ok := body[field]; ok {
			var msg string
			_ = json.Unmarshal(raw, &msg)
			return nil, &provider.UpstreamError{
				Provider:   ProviderName,
				StatusCode: http.StatusOK,
				Err:        fmt.Errorf("%w: %s", provider.ErrRateLimited, msg),
			}
		}
	}
	if raw, ok := body["Error Message"]; ok {
		var msg string
		_ = json.Unmarshal(raw, &msg)
		return nil, &provider.UpstreamError{
			Provider:   ProviderName,
			StatusCode: http.StatusOK,
			Err:        fmt.Errorf("%w: %s", provider.ErrSymbolNotFound, msg),
		}
	}
	return body, nil
}

// API response types (from the Alpha Vantage API).

type globalQuote struct {
	Symbol           string          `json:"01. symbol"`
	Open             decimal.Decimal `json:"02. open"`
	High             decimal.Decimal `json:"03. high"`
	Low              decimal.Decimal `json:"04. low"`
	Price            decimal.Decimal `json:"05. price"`
	Volume           decimal.Decimal `json:"06. volume"`
	LatestTradingDay string          `json:"07. latest trading day"`
	PreviousClose    decimal.Decimal `json:"08. previous close"`
	Change           decimal.Decimal `json:"09. change"`
	ChangePercent    string          `json:"10. change percent"`
}

type dailyBar struct {
	Open   decimal.Decimal `json:"1. open"`
	High   decimal.Decimal `json:"2. high"`
	Low    decimal.Decimal `json:"3. low"`
	Close  decimal.Decimal `json:"4. close"`
	Volume decimal.Decimal `json:"5. volume"`
}

func (c *Client) fetchQuote(ctx context.Context, req provider.Request) (*provider.Quote, error) {
	symbol := provider.NormalizeSymbol(req.Symbol)
	params := url.Values{}
	params.Set("function", "GLOBAL_QUOTE")
	params.Set("symbol", symbol)

	body, err := c.query(ctx, params, req.APIKey)
	if err != nil {
		return nil, err
	}

	var gq globalQuote
	if raw, ok := body["Global Quote"]; ok {
		if err := json.Unmarshal(raw, &gq); err != nil {
			return nil, &provider.UpstreamError{Provider: ProviderName, StatusCode: http.StatusOK, Err: fmt.Errorf("%w: decode quote: %v", provider.ErrUpstream, err)}
		}
	}
	if gq.Symbol == "" {
		return nil, fmt.Errorf("%s: %w: %s", ProviderName, provider.ErrSymbolNotFound, symbol)
	}

	changePct, err := decimal.NewFromString(strings.TrimSuffix(strings.TrimSpace(gq.ChangePercent), "%"))
	if err != nil {
		changePct = decimal.Zero
	}
	ts := time.Now().UTC()
	if day, err := time.Parse(dateLayout, gq.LatestTradingDay); err == nil {
		ts = day
	}

	return &provider.Quote{
		Symbol:       symbol,
		Price:        gq.Price,
		Change24h:    gq.Change,
		ChangePct24h: changePct,
		Volume24h:    gq.Volume,
		High24h:      gq.High,
		Low24h:       gq.Low,
		Currency:     "USD",
		Timestamp:    ts,
		Source:       ProviderName,
	}, nil
}

func (c *Client) fetchDaily(ctx context.Context, req provider.Request) (*provider.Series, error) {
	symbol := provider.NormalizeSymbol(req.Symbol)
	days, err := strconv.Atoi(req.Param("days", "30"))
	if err != nil || days <= 0 {
		return nil, fmt.Errorf("%s: invalid days %q", ProviderName, req.Param("days", ""))
	}

	params := url.Values{}
	params.Set("function", "TIME_SERIES_DAILY")
	params.Set("symbol", symbol)
	outputSize := "compact"
	if days > 100 {
		outputSize = "full"
	}
	params.Set("outputsize", outputSize)

	body, err := c.query(ctx, params, req.APIKey)
	if err != nil {
		return nil, err
	}

	var bars map[string]dailyBar
	raw, ok := body["Time Series (Daily)"]
	if !ok {
		return nil, fmt.Errorf("%s: %w: %s", ProviderName, provider.ErrSymbolNotFound, symbol)
	}
	if err := json.Unmarshal(raw, &bars); err != nil {
		return nil, &provider.UpstreamError{Provider: ProviderName, StatusCode: http.StatusOK, Err: fmt.Errorf("%w: decode series: %v", provider.ErrUpstream, err)}
	}

	dates := make([]string, 0, len(bars))
	for d := range bars {
		dates = append(dates, d)
	}
	sort.Strings(dates)
	if len(dates) > days {
		dates = dates[len(dates)-days:]
	}

	candles := make([]provider.Candle, 0, len(dates))
	for _, d := range dates {
		t, err := time.Parse(dateLayout, d)
		if err != nil {
			continue
		}
		bar := bars[d]
		candles = append(candles, provider.Candle{
			Time:   t,
			Open:   bar.Open,
			High:   bar.High,
			Low:    bar.Low,
			Close:  bar.Close,
			Volume: bar.Volume,
		})
	}

	return &provider.Series{
		Symbol:   symbol,
		Interval: "1d",
		Currency: "USD",
		Candles:  candles,
		Source:   ProviderName,
	}, nil
}
