// Package stream maintains long-lived websocket feeds, one per exchange, fans
// inbound messages out to topic subscribers and snapshots the latest value of
// every topic into the tiered cache.
package stream

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/marketpulse/marketpulse/internal/provider"
)

// Errors returned by the manager.
var (
	ErrNotConnected   = errors.New("stream not connected")
	ErrUnknownHandle  = errors.New("unknown subscription handle")
	ErrInvalidTopic   = errors.New("invalid topic")
	ErrReconnectLimit = errors.New("reconnect attempts exhausted")
)

// State is the connection state.
type State string

// Connection states.
const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
)

// StreamTypes lists the data types a feed can stream.
func StreamTypes() []provider.DataType {
	return []provider.DataType{provider.DataTypeTicker, provider.DataTypeTrades, provider.DataTypeOrderBook}
}

func isStreamType(dt provider.DataType) bool {
	for _, t := range StreamTypes() {
		if t == dt {
			return true
		}
	}
	return false
}

// Topic is a stream type and symbol, written "ticker:BTCUSDT".
type Topic struct {
	StreamType provider.DataType
	Symbol     string
}

// NewTopic builds a normalized topic.
func NewTopic(streamType provider.DataType, symbol string) (Topic, error) {
	t := Topic{StreamType: streamType, Symbol: provider.NormalizeSymbol(symbol)}
	if !isStreamType(streamType) || t.Symbol == "" {
		return Topic{}, fmt.Errorf("%w: %s:%s", ErrInvalidTopic, streamType, symbol)
	}
	return t, nil
}

// ParseTopic parses "streamType:SYMBOL".
func ParseTopic(s string) (Topic, error) {
	streamType, symbol, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return Topic{}, fmt.Errorf("%w: %q", ErrInvalidTopic, s)
	}
	dt, _ := provider.ParseDataType(streamType)
	return NewTopic(dt, symbol)
}

func (t Topic) String() string {
	return string(t.StreamType) + ":" + t.Symbol
}

// MarshalText implements encoding.TextMarshaler.
func (t Topic) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *Topic) UnmarshalText(b []byte) error {
	parsed, err := ParseTopic(string(b))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// Message is one decoded inbound event.
type Message struct {
	Topic      Topic           `json:"topic"`
	Data       json.RawMessage `json:"data"`
	ReceivedAt time.Time       `json:"receivedAt"`
}

// Callback receives messages of a topic. Callbacks run concurrently and a
// panicking callback does not affect the others.
type Callback func(Message)

// Handle identifies one subscription.
type Handle struct {
	ID    string
	Topic Topic
}

// TopicStatus reports one topic.
type TopicStatus struct {
	Topic       string `json:"topic"`
	Subscribers int    `json:"subscribers"`
}

// Status reports the manager.
type Status struct {
	Feed          string        `json:"feed"`
	URL           string        `json:"url"`
	State         State         `json:"state"`
	Topics        []TopicStatus `json:"topics"`
	Messages      int64         `json:"messages"`
	Reconnects    int64         `json:"reconnects"`
	ConnectedAt   *time.Time    `json:"connectedAt,omitempty"`
	LastMessageAt *time.Time    `json:"lastMessageAt,omitempty"`

	// Feeds holds per-feed status when several feeds are merged.
	Feeds []Status `json:"feeds,omitempty"`
}
