package stream

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/marketpulse/marketpulse/internal/provider"
	"github.com/marketpulse/marketpulse/internal/provider/binance"
)

// DefaultBinanceURL is the combined-stream endpoint.
const DefaultBinanceURL = "wss://stream.binance.com:9443/stream"

// Codec translates between topics and a feed's wire format.
type Codec interface {
	// Feed names the upstream.
	Feed() string

	// Supports reports whether the feed can stream a topic.
	Supports(topic Topic) bool

	// SubscribeFrames encodes the subscription requests for topics.
	SubscribeFrames(id int64, topics []Topic) ([][]byte, error)

	// UnsubscribeFrames encodes the unsubscription requests for topics.
	UnsubscribeFrames(id int64, topics []Topic) ([][]byte, error)

	// Decode turns an inbound frame into messages. Control frames such as
	// acknowledgements decode to no messages.
	Decode(frame []byte) ([]Message, error)
}

// BinanceCodec speaks the Binance websocket protocol.
type BinanceCodec struct {
	// QuoteAsset is the currency reported on ticker quotes. Default: USDT
	QuoteAsset string
}

func (c BinanceCodec) Feed() string { return binance.ProviderName }

// Supports accepts the ticker, trade and depth streams of spot pairs.
func (c BinanceCodec) Supports(t Topic) bool {
	return isStreamType(t.StreamType) && binance.IsPair(t.Symbol)
}

type binanceRequest struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int64    `json:"id"`
}

// SubscribeFrames encodes every topic into a single request.
func (c BinanceCodec) SubscribeFrames(id int64, topics []Topic) ([][]byte, error) {
	return c.request("SUBSCRIBE", id, topics)
}

func (c BinanceCodec) UnsubscribeFrames(id int64, topics []Topic) ([][]byte, error) {
	return c.request("UNSUBSCRIBE", id, topics)
}

func (c BinanceCodec) request(method string, id int64, topics []Topic) ([][]byte, error) {
	params := make([]string, 0, len(topics))
	for _, t := range topics {
		name, err := streamName(t)
		if err != nil {
			return nil, err
		}
		params = append(params, name)
	}
	frame, err := json.Marshal(binanceRequest{Method: method, Params: params, ID: id})
	if err != nil {
		return nil, err
	}
	return [][]byte{frame}, nil
}

func streamName(t Topic) (string, error) {
	symbol := strings.ToLower(t.Symbol)
	switch t.StreamType {
	case provider.DataTypeTicker:
		return symbol + "@ticker", nil
	case provider.DataTypeTrades:
		return symbol + "@trade", nil
	case provider.DataTypeOrderBook:
		return symbol + "@depth20@100ms", nil
	default:
		return "", fmt.Errorf("%w: %s", ErrInvalidTopic, t)
	}
}

// topicFromStream maps a stream name such as "btcusdt@depth20@100ms" back to
// its topic.
func topicFromStream(name string) (Topic, bool) {
	symbol, kind, ok := strings.Cut(name, "@")
	if !ok {
		return Topic{}, false
	}
	kind, _, _ = strings.Cut(kind, "@")

	var dt provider.DataType
	switch {
	case kind == "ticker":
		dt = provider.DataTypeTicker
	case kind == "trade":
		dt = provider.DataTypeTrades
	case strings.HasPrefix(kind, "depth"):
		dt = provider.DataTypeOrderBook
	default:
		return Topic{}, false
	}
	return Topic{StreamType: dt, Symbol: provider.NormalizeSymbol(symbol)}, true
}

type binanceEnvelope struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`

	// Present on acknowledgements.
	ID     *int64          `json:"id"`
	Result json.RawMessage `json:"result"`

	// Present on raw (non-combined) events.
	Event  string `json:"e"`
	Symbol string `json:"s"`
}

type binanceTicker struct {
	EventTime          int64           `json:"E"`
	Symbol             string          `json:"s"`
	PriceChange        decimal.Decimal `json:"p"`
	PriceChangePercent decimal.Decimal `json:"P"`
	LastPrice          decimal.Decimal `json:"c"`
	HighPrice          decimal.Decimal `json:"h"`
	LowPrice           decimal.Decimal `json:"l"`
	Volume             decimal.Decimal `json:"v"`
}

// Decode accepts combined-stream envelopes and raw events. Ticker events are
// normalized to a provider.Quote; trades and depth updates are passed through.
func (c BinanceCodec) Decode(frame []byte) ([]Message, error) {
	var env binanceEnvelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	if env.ID != nil {
		return nil, nil
	}

	var (
		topic Topic
		data  json.RawMessage
		ok    bool
	)
	switch {
	case env.Stream != "":
		topic, ok = topicFromStream(env.Stream)
		data = env.Data
	case env.Event != "" && env.Symbol != "":
		topic, ok = topicFromEvent(env.Event, env.Symbol)
		data = frame
	}
	if !ok {
		return nil, nil
	}

	if topic.StreamType == provider.DataTypeTicker {
		normalized, err := c.quote(data)
		if err != nil {
			return nil, err
		}
		data = normalized
	}

	return []Message{{Topic: topic, Data: data}}, nil
}

func topicFromEvent(event, symbol string) (Topic, bool) {
	var dt provider.DataType
	switch event {
	case "24hrTicker":
		dt = provider.DataTypeTicker
	case "trade":
		dt = provider.DataTypeTrades
	case "depthUpdate":
		dt = provider.DataTypeOrderBook
	default:
		return Topic{}, false
	}
	return Topic{StreamType: dt, Symbol: provider.NormalizeSymbol(symbol)}, true
}

func (c BinanceCodec) quote(data json.RawMessage) (json.RawMessage, error) {
	var t binanceTicker
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("decode ticker: %w", err)
	}
	currency := c.QuoteAsset
	if currency == "" {
		currency = binance.DefaultQuoteAsset
	}
	q := binance.QuoteFromTicker(t.Symbol, currency, t.LastPrice, t.PriceChange, t.PriceChangePercent,
		t.Volume, t.HighPrice, t.LowPrice, time.UnixMilli(t.EventTime))
	return json.Marshal(q)
}
