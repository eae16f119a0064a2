// Package binance provides a REST client for Binance spot market data.
package binance

import (
	"context"
	"encoding/json"
	"errors"
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
	// DefaultBaseURL is the base URL for the Binance spot REST API.
	DefaultBaseURL = "https://api.binance.com"

	// ProviderName identifies this provider.
	ProviderName = "binance"

	// DefaultQuoteAsset is appended to bare base assets ("BTC" -> "BTCUSDT").
	DefaultQuoteAsset = "USDT"

	apiKeyHeader = "X-MBX-APIKEY"

	// statusBanned is sent after continuing to call while rate limited.
	statusBanned = 418
)

var intervals = map[string]bool{
	"1m": true, "3m": true, "5m": true, "15m": true, "30m": true,
	"1h": true, "2h": true, "4h": true, "6h": true, "8h": true, "12h": true,
	"1d": true, "3d": true, "1w": true, "1M": true,
}

// ClientConfig holds configuration for the Binance client.
type ClientConfig struct {
	// BaseURL is the API base URL (defaults to DefaultBaseURL).
	BaseURL string

	// HTTPClient executes requests. If nil, a resilient client is created.
	HTTPClient provider.HTTPDoer

	// Timeout for individual API requests (default: 10s).
	Timeout time.Duration
}

// Client is a Binance REST client.
type Client struct {
	baseURL    string
	httpClient provider.HTTPDoer
}

// NewClient creates a new Binance client.
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
	switch dataType {
	case provider.DataTypeCryptoPrice, provider.DataTypeTicker, provider.DataTypeHistorical:
		return true
	default:
		return false
	}
}

// Fetch retrieves a 24h ticker quote or klines.
func (c *Client) Fetch(ctx context.Context, req provider.Request) (*provider.Payload, error) {
	var (
		data interface{}
		err  error
	)
	switch req.DataType {
	case provider.DataTypeCryptoPrice, provider.DataTypeTicker:
		data, err = c.fetchTicker(ctx, req)
	case provider.DataTypeHistorical:
		data, err = c.fetchKlines(ctx, req)
	default:
		return nil, fmt.Errorf("%s: %w: %s", ProviderName, provider.ErrUnsupportedDataType, req.DataType)
	}
	if err != nil {
		return nil, classify(err)
	}
	return provider.NewPayload(ProviderName, req.DataType, req.Symbol, data)
}

// QuoteAssets are the quote currencies recognised by IsPair.
var QuoteAssets = []string{"USDT", "USDC", "FDUSD", "BUSD", "BTC", "ETH", "BNB", "EUR", "TRY"}

// IsPair reports whether symbol looks like a spot pair such as "ETHBTC".
func IsPair(symbol string) bool {
	s := provider.NormalizeSymbol(symbol)
	if strings.ContainsAny(s, ":/") {
		return false
	}
	for _, q := range QuoteAssets {
		if strings.HasSuffix(s, q) && len(s) > len(q) {
			return true
		}
	}
	return false
}

// Pair returns the exchange symbol for a request, e.g. "BTCUSDT".
func Pair(symbol, quoteAsset string) string {
	s := provider.NormalizeSymbol(strings.ReplaceAll(symbol, "/", ""))
	if quoteAsset == "" {
		quoteAsset = DefaultQuoteAsset
	}
	quoteAsset = strings.ToUpper(quoteAsset)
	if strings.HasSuffix(s, quoteAsset) && len(s) > len(quoteAsset) {
		return s
	}
	return s + quoteAsset
}

// classify maps Binance specific answers onto the shared taxonomy.
// 400 is sent for unknown symbols, 418 for IP bans after rate limiting.
func classify(err error) error {
	var upstream *provider.UpstreamError
	if !errors.As(err, &upstream) {
		return err
	}
	switch upstream.StatusCode {
	case statusBanned:
		return &provider.UpstreamError{Provider: ProviderName, StatusCode: upstream.StatusCode, Err: provider.ErrRateLimited}
	case http.StatusBadRequest:
		return &provider.UpstreamError{Provider: ProviderName, StatusCode: upstream.StatusCode, Err: provider.ErrSymbolNotFound}
	default:
		return err
	}
}

// API response types (from the Binance API).

type ticker24h struct {
	Symbol             string          `json:"symbol"`
	PriceChange        decimal.Decimal `json:"priceChange"`
	PriceChangePercent decimal.Decimal `json:"priceChangePercent"`
	LastPrice          decimal.Decimal `json:"lastPrice"`
	HighPrice          decimal.Decimal `json:"highPrice"`
	LowPrice           decimal.Decimal `json:"lowPrice"`
	Volume             decimal.Decimal `json:"volume"`
	CloseTime          int64           `json:"closeTime"`
}

func (c *Client) header(apiKey string) http.Header {
	h := http.Header{}
	if apiKey != "" {
		h.Set(apiKeyHeader, apiKey)
	}
	return h
}

func (c *Client) fetchTicker(ctx context.Context, req provider.Request) (*provider.Quote, error) {
	quoteAsset := req.Param("quote", DefaultQuoteAsset)
	q := url.Values{}
	q.Set("symbol", Pair(req.Symbol, quoteAsset))

	var t ticker24h
	if err := provider.GetJSON(ctx, c.httpClient, ProviderName, c.baseURL+"/api/v3/ticker/24hr?"+q.Encode(), c.header(req.APIKey), &t); err != nil {
		return nil, err
	}
	return QuoteFromTicker(req.Symbol, strings.ToUpper(quoteAsset), t.LastPrice, t.PriceChange, t.PriceChangePercent,
		t.Volume, t.HighPrice, t.LowPrice, time.UnixMilli(t.CloseTime)), nil
}

// QuoteFromTicker builds a normalized quote from 24h ticker fields. It is
// shared by the REST client and the stream codec.
func QuoteFromTicker(symbol, currency string, last, change, changePct, volume, high, low decimal.Decimal, at time.Time) *provider.Quote {
	return &provider.Quote{
		Symbol:       provider.NormalizeSymbol(symbol),
		Price:        last,
		Change24h:    change,
		ChangePct24h: changePct,
		Volume24h:    volume,
		High24h:      high,
		Low24h:       low,
		Currency:     currency,
		Timestamp:    at.UTC(),
		Source:       ProviderName,
	}
}

func (c *Client) fetchKlines(ctx context.Context, req provider.Request) (*provider.Series, error) {
	interval := req.Param("interval", "1d")
	if !intervals[interval] {
		return nil, fmt.Errorf("%s: invalid interval %q", ProviderName, interval)
	}
	quoteAsset := req.Param("quote", DefaultQuoteAsset)

	q := url.Values{}
	q.Set("symbol", Pair(req.Symbol, quoteAsset))
	q.Set("interval", interval)
	q.Set("limit", req.Param("limit", "30"))

	// Each row is [openTime, "open", "high", "low", "close", "volume", closeTime, ...].
	var rows [][]json.RawMessage
	if err := provider.GetJSON(ctx, c.httpClient, ProviderName, c.baseURL+"/api/v3/klines?"+q.Encode(), c.header(req.APIKey), &rows); err != nil {
		return nil, err
	}

	candles := make([]provider.Candle, 0, len(rows))
	for i, row := range rows {
		candle, err := parseKline(row)
		if err != nil {
			return nil, &provider.UpstreamError{
				Provider:   ProviderName,
				StatusCode: http.StatusOK,
				Err:        fmt.Errorf("%w: kline %d: %v", provider.ErrUpstream, i, err),
			}
		}
		candles = append(candles, candle)
	}

	return &provider.Series{
		Symbol:   provider.NormalizeSymbol(req.Symbol),
		Interval: interval,
		Currency: strings.ToUpper(quoteAsset),
		Candles:  candles,
		Source:   ProviderName,
	}, nil
}

func parseKline(row []json.RawMessage) (provider.Candle, error) {
	if len(row) < 6 {
		return provider.Candle{}, fmt.Errorf("expected 6 fields, got %d", len(row))
	}
	var openTime int64
	if err := json.Unmarshal(row[0], &openTime); err != nil {
		return provider.Candle{}, fmt.Errorf("open time: %w", err)
	}
	var values [5]decimal.Decimal
	for i := range values {
		if err := json.Unmarshal(row[i+1], &values[i]); err != nil {
			return provider.Candle{}, fmt.Errorf("field %d: %w", i+1, err)
		}
	}
	return provider.Candle{
		Time:   time.UnixMilli(openTime).UTC(),
		Open:   values[0],
		High:   values[1],
		Low:    values[2],
		Close:  values[3],
		Volume: values[4],
	}, nil
}
