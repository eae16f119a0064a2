package stream_test

import (
	"encoding/json"
	"net/url"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marketpulse/marketpulse/internal/stream"
)

func TestFinnhubCodec_Frames(t *testing.T) {
	codec := stream.FinnhubCodec{}
	topics := []stream.Topic{mustTopic(t, "trades:AAPL"), mustTopic(t, "trades:binance:btcusdt")}

	frames, err := codec.SubscribeFrames(1, topics)
	require.NoError(t, err)
	require.Len(t, frames, 2)
	assert.JSONEq(t, `{"type":"subscribe","symbol":"AAPL"}`, string(frames[0]))
	assert.JSONEq(t, `{"type":"subscribe","symbol":"BINANCE:BTCUSDT"}`, string(frames[1]))

	frames, err = codec.UnsubscribeFrames(2, topics[:1])
	require.NoError(t, err)
	require.Len(t, frames, 1)
	assert.JSONEq(t, `{"type":"unsubscribe","symbol":"AAPL"}`, string(frames[0]))

	_, err = codec.SubscribeFrames(3, []stream.Topic{mustTopic(t, "ticker:AAPL")})
	assert.ErrorIs(t, err, stream.ErrInvalidTopic)
	assert.False(t, codec.Supports(mustTopic(t, "order_book:AAPL")))
	assert.Equal(t, "finnhub", codec.Feed())
}

func TestFinnhubCodec_DecodeTrades(t *testing.T) {
	frame := []byte(`{"type":"trade","data":[` +
		`{"s":"AAPL","p":189.52,"v":100,"t":1700000000000,"c":["1","12"]},` +
		`{"s":"BINANCE:BTCUSDT","p":42000.5,"v":0.01,"t":1700000000500}]}`)

	msgs, err := stream.FinnhubCodec{}.Decode(frame)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "trades:AAPL", msgs[0].Topic.String())
	assert.Equal(t, "trades:BINANCE:BTCUSDT", msgs[1].Topic.String())

	var trade stream.Trade
	require.NoError(t, json.Unmarshal(msgs[0].Data, &trade))
	assert.Equal(t, "AAPL", trade.Symbol)
	assert.True(t, decimal.RequireFromString("189.52").Equal(trade.Price))
	assert.True(t, decimal.NewFromInt(100).Equal(trade.Volume))
	assert.Equal(t, []string{"1", "12"}, trade.Conditions)
	assert.Equal(t, time.UnixMilli(1700000000000).UTC(), trade.Time)
	assert.Equal(t, "finnhub", trade.Source)
}

func TestFinnhubCodec_DecodeControlFrames(t *testing.T) {
	msgs, err := stream.FinnhubCodec{}.Decode([]byte(`{"type":"ping"}`))
	require.NoError(t, err)
	assert.Empty(t, msgs)

	_, err = stream.FinnhubCodec{}.Decode([]byte(`{"type":"error","msg":"Invalid token"}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Invalid token")

	_, err = stream.FinnhubCodec{}.Decode([]byte(`not json`))
	assert.Error(t, err)
}

func TestFinnhubURL(t *testing.T) {
	raw, err := stream.FinnhubURL("", "secret")
	require.NoError(t, err)
	u, err := url.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "ws.finnhub.io", u.Host)
	assert.Equal(t, "secret", u.Query().Get("token"))

	raw, err = stream.FinnhubURL("wss://proxy.test/ws?region=eu", "k")
	require.NoError(t, err)
	u, err = url.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "eu", u.Query().Get("region"))
	assert.Equal(t, "k", u.Query().Get("token"))
}
