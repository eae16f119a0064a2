package stream

import (
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/shopspring/decimal"

	"github.com/marketpulse/marketpulse/internal/provider"
	"github.com/marketpulse/marketpulse/internal/provider/finnhub"
)

// DefaultFinnhubURL is the Finnhub trade websocket endpoint.
const DefaultFinnhubURL = "wss://ws.finnhub.io"

// FinnhubURL adds an API token to a Finnhub websocket URL.
func FinnhubURL(base, token string) (string, error) {
	if base == "" {
		base = DefaultFinnhubURL
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse finnhub stream url: %w", err)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// FinnhubCodec speaks the Finnhub websocket protocol. Finnhub streams trades
// only and takes one frame per symbol.
type FinnhubCodec struct{}

func (FinnhubCodec) Feed() string { return finnhub.ProviderName }

// Supports accepts trade topics of any symbol, including exchange prefixed
// ones such as "BINANCE:BTCUSDT".
func (FinnhubCodec) Supports(t Topic) bool {
	return t.StreamType == provider.DataTypeTrades && t.Symbol != ""
}

type finnhubRequest struct {
	Type   string `json:"type"`
	Symbol string `json:"symbol"`
}

func (c FinnhubCodec) SubscribeFrames(_ int64, topics []Topic) ([][]byte, error) {
	return c.frames("subscribe", topics)
}

func (c FinnhubCodec) UnsubscribeFrames(_ int64, topics []Topic) ([][]byte, error) {
	return c.frames("unsubscribe", topics)
}

func (c FinnhubCodec) frames(kind string, topics []Topic) ([][]byte, error) {
	out := make([][]byte, 0, len(topics))
	for _, t := range topics {
		if !c.Supports(t) {
			return nil, fmt.Errorf("%w: %s", ErrInvalidTopic, t)
		}
		frame, err := json.Marshal(finnhubRequest{Type: kind, Symbol: t.Symbol})
		if err != nil {
			return nil, err
		}
		out = append(out, frame)
	}
	return out, nil
}

type finnhubEnvelope struct {
	Type string         `json:"type"`
	Data []finnhubTrade `json:"data"`
	Msg  string         `json:"msg"`
}

type finnhubTrade struct {
	Symbol     string          `json:"s"`
	Price      decimal.Decimal `json:"p"`
	Volume     decimal.Decimal `json:"v"`
	Timestamp  int64           `json:"t"`
	Conditions []string        `json:"c"`
}

// Trade is a normalized trade print.
type Trade struct {
	Symbol     string          `json:"symbol"`
	Price      decimal.Decimal `json:"price"`
	Volume     decimal.Decimal `json:"volume"`
	Conditions []string        `json:"conditions,omitempty"`
	Time       time.Time       `json:"time"`
	Source     string          `json:"source"`
}

// Decode turns a trade frame into one message per print. Pings decode to no
// messages and error frames to an error.
func (FinnhubCodec) Decode(frame []byte) ([]Message, error) {
	var env finnhubEnvelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	switch env.Type {
	case "trade":
	case "error":
		return nil, fmt.Errorf("finnhub stream error: %s", env.Msg)
	default:
		return nil, nil
	}

	msgs := make([]Message, 0, len(env.Data))
	for _, tr := range env.Data {
		topic, err := NewTopic(provider.DataTypeTrades, tr.Symbol)
		if err != nil {
			continue
		}
		data, err := json.Marshal(Trade{
			Symbol:     topic.Symbol,
			Price:      tr.Price,
			Volume:     tr.Volume,
			Conditions: tr.Conditions,
			Time:       time.UnixMilli(tr.Timestamp).UTC(),
			Source:     finnhub.ProviderName,
		})
		if err != nil {
			return nil, fmt.Errorf("encode trade: %w", err)
		}
		msgs = append(msgs, Message{Topic: topic, Data: data})
	}
	return msgs, nil
}
