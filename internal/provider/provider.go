// Package provider defines the contract every upstream market-data source
// implements, the normalized payload types, and the shared error taxonomy.
package provider

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// DataType identifies a class of market data.
type DataType string

// Supported data types.
const (
	DataTypeCryptoPrice DataType = "crypto_price"
	DataTypeStockPrice  DataType = "stock_price"
	DataTypeHistorical  DataType = "historical"
	DataTypeTicker      DataType = "ticker"
	DataTypeTrades      DataType = "trades"
	DataTypeOrderBook   DataType = "order_book"
)

// AllDataTypes lists every known data type.
func AllDataTypes() []DataType {
	return []DataType{
		DataTypeCryptoPrice,
		DataTypeStockPrice,
		DataTypeHistorical,
		DataTypeTicker,
		DataTypeTrades,
		DataTypeOrderBook,
	}
}

// ParseDataType validates a data type string.
func ParseDataType(s string) (DataType, bool) {
	dt := DataType(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range AllDataTypes() {
		if dt == known {
			return dt, true
		}
	}
	return "", false
}

// IsPrice reports whether the data type yields a single Quote.
func (d DataType) IsPrice() bool {
	return d == DataTypeCryptoPrice || d == DataTypeStockPrice || d == DataTypeTicker
}

// Provider is an upstream market-data source.
type Provider interface {
	// Name returns the stable provider identifier used for metrics and credentials.
	Name() string

	// SupportsDataType reports whether Fetch can serve the data type.
	SupportsDataType(dataType DataType) bool

	// Fetch retrieves and normalizes data for a symbol.
	Fetch(ctx context.Context, req Request) (*Payload, error)
}

// Request is a single outbound fetch.
type Request struct {
	DataType DataType
	Symbol   string
	Params   map[string]string

	// APIKey is the credential secret selected for this call. Empty for
	// anonymous access.
	APIKey string
}

// Param returns a request parameter or the fallback if unset.
func (r Request) Param(key, fallback string) string {
	if v, ok := r.Params[key]; ok && v != "" {
		return v
	}
	return fallback
}

// Payload is a normalized provider response.
type Payload struct {
	Provider  string          `json:"provider"`
	DataType  DataType        `json:"dataType"`
	Symbol    string          `json:"symbol"`
	Data      json.RawMessage `json:"data"`
	FetchedAt time.Time       `json:"fetchedAt"`
}

// NewPayload marshals normalized data into a Payload.
func NewPayload(providerName string, dataType DataType, symbol string, data interface{}) (*Payload, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Payload{
		Provider:  providerName,
		DataType:  dataType,
		Symbol:    NormalizeSymbol(symbol),
		Data:      raw,
		FetchedAt: time.Now().UTC(),
	}, nil
}

// Quote is a normalized price snapshot.
type Quote struct {
	Symbol       string          `json:"symbol"`
	Price        decimal.Decimal `json:"price"`
	Change24h    decimal.Decimal `json:"change24h"`
	ChangePct24h decimal.Decimal `json:"changePct24h"`
	Volume24h    decimal.Decimal `json:"volume24h"`
	High24h      decimal.Decimal `json:"high24h"`
	Low24h       decimal.Decimal `json:"low24h"`
	Currency     string          `json:"currency"`
	Timestamp    time.Time       `json:"timestamp"`
	Source       string          `json:"source"`
}

// Candle is one OHLCV bar of a historical series.
type Candle struct {
	Time   time.Time       `json:"time"`
	Open   decimal.Decimal `json:"open"`
	High   decimal.Decimal `json:"high"`
	Low    decimal.Decimal `json:"low"`
	Close  decimal.Decimal `json:"close"`
	Volume decimal.Decimal `json:"volume"`
}

// Series is a normalized historical series.
type Series struct {
	Symbol   string   `json:"symbol"`
	Interval string   `json:"interval"`
	Currency string   `json:"currency"`
	Candles  []Candle `json:"candles"`
	Source   string   `json:"source"`
}

// NormalizeSymbol upper-cases and trims a symbol.
func NormalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

// CanonicalParams renders params as a stable "k=v&k=v" string.
func CanonicalParams(params map[string]string) string {
	if len(params) == 0 {
		return ""
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(params[k])
	}
	return b.String()
}
