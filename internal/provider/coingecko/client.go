// Package coingecko provides a client for the CoinGecko API.
package coingecko

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/marketpulse/marketpulse/internal/provider"
	"github.com/marketpulse/marketpulse/internal/provider/resilience"
)

const (
	// DefaultBaseURL is the base URL for the public CoinGecko API.
	DefaultBaseURL = "https://api.coingecko.com/api/v3"

	// ProviderName identifies this provider.
	ProviderName = "coingecko"

	apiKeyHeader = "x-cg-demo-api-key"
)

// coinIDs maps common tickers to CoinGecko coin ids. Unknown symbols are
// looked up by their lower-cased name, or via the "id" request param.
var coinIDs = map[string]string{
	"BTC":   "bitcoin",
	"ETH":   "ethereum",
	"USDT":  "tether",
	"BNB":   "binancecoin",
	"SOL":   "solana",
	"XRP":   "ripple",
	"USDC":  "usd-coin",
	"ADA":   "cardano",
	"DOGE":  "dogecoin",
	"AVAX":  "avalanche-2",
	"DOT":   "polkadot",
	"LINK":  "chainlink",
	"MATIC": "matic-network",
	"LTC":   "litecoin",
	"TRX":   "tron",
}

// ClientConfig holds configuration for the CoinGecko client.
type ClientConfig struct {
	// BaseURL is the API base URL (defaults to DefaultBaseURL).
	BaseURL string

	// HTTPClient executes requests. If nil, a resilient client is created.
	HTTPClient provider.HTTPDoer

	// Timeout for individual API requests (default: 10s).
	Timeout time.Duration
}

// Client is a CoinGecko API client.
type Client struct {
	baseURL    string
	httpClient provider.HTTPDoer
}

// NewClient creates a new CoinGecko client.
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
	return dataType == provider.DataTypeCryptoPrice || dataType == provider.DataTypeHistorical
}

// Fetch retrieves a quote or an OHLC series.
func (c *Client) Fetch(ctx context.Context, req provider.Request) (*provider.Payload, error) {
	switch req.DataType {
	case provider.DataTypeCryptoPrice:
		quote, err := c.fetchQuote(ctx, req)
		if err != nil {
			return nil, err
		}
		return provider.NewPayload(ProviderName, req.DataType, req.Symbol, quote)
	case provider.DataTypeHistorical:
		series, err := c.fetchOHLC(ctx, req)
		if err != nil {
			return nil, err
		}
		return provider.NewPayload(ProviderName, req.DataType, req.Symbol, series)
	default:
		return nil, fmt.Errorf("%s: %w: %s", ProviderName, provider.ErrUnsupportedDataType, req.DataType)
	}
}

// API response types (from the CoinGecko API).

type marketData struct {
	ID                       string          `json:"id"`
	Symbol                   string          `json:"symbol"`
	CurrentPrice             decimal.Decimal `json:"current_price"`
	High24h                  decimal.Decimal `json:"high_24h"`
	Low24h                   decimal.Decimal `json:"low_24h"`
	PriceChange24h           decimal.Decimal `json:"price_change_24h"`
	PriceChangePercentage24h decimal.Decimal `json:"price_change_percentage_24h"`
	TotalVolume              decimal.Decimal `json:"total_volume"`
	LastUpdated              time.Time       `json:"last_updated"`
}

func coinID(req provider.Request) string {
	if id := req.Param("id", ""); id != "" {
		return id
	}
	symbol := provider.NormalizeSymbol(req.Symbol)
	if id, ok := coinIDs[symbol]; ok {
		return id
	}
	return strings.ToLower(symbol)
}

func (c *Client) header(apiKey string) http.Header {
	h := http.Header{}
	if apiKey != "" {
		h.Set(apiKeyHeader, apiKey)
	}
	return h
}

func (c *Client) fetchQuote(ctx context.Context, req provider.Request) (*provider.Quote, error) {
	currency := strings.ToLower(req.Param("currency", "usd"))
	q := url.Values{}
	q.Set("vs_currency", currency)
	q.Set("ids", coinID(req))

	var markets []marketData
	endpoint := c.baseURL + "/coins/markets?" + q.Encode()
	if err := provider.GetJSON(ctx, c.httpClient, ProviderName, endpoint, c.header(req.APIKey), &markets); err != nil {
		return nil, err
	}
	if len(markets) == 0 {
		return nil, fmt.Errorf("%s: %w: %s", ProviderName, provider.ErrSymbolNotFound, req.Symbol)
	}

	m := markets[0]
	ts := m.LastUpdated
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	return &provider.Quote{
		Symbol:       provider.NormalizeSymbol(req.Symbol),
		Price:        m.CurrentPrice,
		Change24h:    m.PriceChange24h,
		ChangePct24h: m.PriceChangePercentage24h,
		Volume24h:    m.TotalVolume,
		High24h:      m.High24h,
		Low24h:       m.Low24h,
		Currency:     strings.ToUpper(currency),
		Timestamp:    ts,
		Source:       ProviderName,
	}, nil
}

func (c *Client) fetchOHLC(ctx context.Context, req provider.Request) (*provider.Series, error) {
	currency := strings.ToLower(req.Param("currency", "usd"))
	days := req.Param("days", "30")
	if _, err := strconv.Atoi(days); err != nil && days != "max" {
		return nil, fmt.Errorf("%s: invalid days %q", ProviderName, days)
	}

	q := url.Values{}
	q.Set("vs_currency", currency)
	q.Set("days", days)

	// Each row is [timestamp_ms, open, high, low, close].
	var rows [][]decimal.Decimal
	endpoint := fmt.Sprintf("%s/coins/%s/ohlc?%s", c.baseURL, url.PathEscape(coinID(req)), q.Encode())
	if err := provider.GetJSON(ctx, c.httpClient, ProviderName, endpoint, c.header(req.APIKey), &rows); err != nil {
		return nil, err
	}

	candles := make([]provider.Candle, 0, len(rows))
	for _, row := range rows {
		if len(row) < 5 {
			continue
		}
		candles = append(candles, provider.Candle{
			Time:  time.UnixMilli(row[0].IntPart()).UTC(),
			Open:  row[1],
			High:  row[2],
			Low:   row[3],
			Close: row[4],
		})
	}

	return &provider.Series{
		Symbol:   provider.NormalizeSymbol(req.Symbol),
		Interval: "ohlc:" + days + "d",
		Currency: strings.ToUpper(currency),
		Candles:  candles,
		Source:   ProviderName,
	}, nil
}
