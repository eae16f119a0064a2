package stream_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marketpulse/marketpulse/internal/provider"
	"github.com/marketpulse/marketpulse/internal/stream"
)

func TestBinanceCodec_Frames(t *testing.T) {
	codec := stream.BinanceCodec{}
	topics := []stream.Topic{
		mustTopic(t, "ticker:BTCUSDT"),
		mustTopic(t, "trades:BTCUSDT"),
		mustTopic(t, "order_book:ETHUSDT"),
	}

	frames, err := codec.SubscribeFrames(7, topics)
	require.NoError(t, err)
	require.Len(t, frames, 1)
	assert.JSONEq(t, `{"method":"SUBSCRIBE","params":["btcusdt@ticker","btcusdt@trade","ethusdt@depth20@100ms"],"id":7}`, string(frames[0]))

	frames, err = codec.UnsubscribeFrames(8, topics[:1])
	require.NoError(t, err)
	require.Len(t, frames, 1)
	assert.JSONEq(t, `{"method":"UNSUBSCRIBE","params":["btcusdt@ticker"],"id":8}`, string(frames[0]))

	_, err = codec.SubscribeFrames(9, []stream.Topic{{StreamType: provider.DataTypeHistorical, Symbol: "BTC"}})
	assert.ErrorIs(t, err, stream.ErrInvalidTopic)

	assert.True(t, codec.Supports(topics[2]))
	assert.False(t, codec.Supports(mustTopic(t, "trades:AAPL")), "equities are not spot pairs")
}

func TestBinanceCodec_DecodeTicker(t *testing.T) {
	msgs, err := stream.BinanceCodec{}.Decode(tickerFrame("btcusdt", "42000.10"))
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "ticker:BTCUSDT", msgs[0].Topic.String())

	var q provider.Quote
	require.NoError(t, json.Unmarshal(msgs[0].Data, &q))
	assert.True(t, decimal.RequireFromString("42000.10").Equal(q.Price))
	assert.True(t, decimal.RequireFromString("0.25").Equal(q.ChangePct24h))
	assert.True(t, decimal.RequireFromString("1234.5").Equal(q.Volume24h))
	assert.Equal(t, "USDT", q.Currency)
	assert.Equal(t, "binance", q.Source)
	assert.Equal(t, time.UnixMilli(1700000000000).UTC(), q.Timestamp)
}

func TestBinanceCodec_DecodePassThrough(t *testing.T) {
	codec := stream.BinanceCodec{}

	trade := `{"e":"trade","E":1700000000000,"s":"ETHUSDT","t":12345,"p":"2200.01","q":"0.5"}`
	msgs, err := codec.Decode([]byte(trade))
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "trades:ETHUSDT", msgs[0].Topic.String())
	assert.JSONEq(t, trade, string(msgs[0].Data))

	depth := `{"stream":"btcusdt@depth20@100ms","data":{"lastUpdateId":1,"bids":[["42000","1"]],"asks":[]}}`
	msgs, err = codec.Decode([]byte(depth))
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "order_book:BTCUSDT", msgs[0].Topic.String())
	assert.JSONEq(t, `{"lastUpdateId":1,"bids":[["42000","1"]],"asks":[]}`, string(msgs[0].Data))
}

func TestBinanceCodec_DecodeIgnoresControlFrames(t *testing.T) {
	codec := stream.BinanceCodec{}

	msgs, err := codec.Decode([]byte(`{"result":null,"id":3}`))
	require.NoError(t, err)
	assert.Empty(t, msgs)

	msgs, err = codec.Decode([]byte(`{"stream":"btcusdt@kline_1m","data":{}}`))
	require.NoError(t, err)
	assert.Empty(t, msgs)

	_, err = codec.Decode([]byte(`not json`))
	assert.Error(t, err)
}
