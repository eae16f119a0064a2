package stream_test

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marketpulse/marketpulse/internal/stream"
)

func newFinnhubManager(t *testing.T, dialer stream.Dialer) *stream.Manager {
	t.Helper()
	m := stream.NewManager(stream.Config{
		URL:                   "wss://finnhub.test?token=secret",
		Codec:                 stream.FinnhubCodec{},
		Dialer:                dialer,
		MaxReconnectAttempts:  3,
		InitialReconnectDelay: time.Millisecond,
		MaxReconnectDelay:     5 * time.Millisecond,
		Logger:                zerolog.Nop(),
	})
	t.Cleanup(func() { _ = m.Disconnect() })
	return m
}

func finnhubWrites(t *testing.T, c *fakeConn) []map[string]string {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]map[string]string, 0, len(c.writes))
	for _, w := range c.writes {
		var frame map[string]string
		require.NoError(t, json.Unmarshal(w, &frame))
		out = append(out, frame)
	}
	return out
}

func TestMux_RoutesTopicsToTheServingFeed(t *testing.T) {
	binanceConn, finnhubConn := newFakeConn(), newFakeConn()
	binanceFeed := newManager(t, &fakeDialer{conns: []*fakeConn{binanceConn}}, nil, nil)
	finnhubFeed := newFinnhubManager(t, &fakeDialer{conns: []*fakeConn{finnhubConn}})
	mux := stream.NewMux(binanceFeed, finnhubFeed)

	var equityTrades atomic.Int32
	_, err := mux.Subscribe(mustTopic(t, "ticker:BTCUSDT"), func(stream.Message) {})
	require.NoError(t, err)
	_, err = mux.Subscribe(mustTopic(t, "trades:BTCUSDT"), func(stream.Message) {})
	require.NoError(t, err)
	equity, err := mux.Subscribe(mustTopic(t, "trades:aapl"), func(stream.Message) { equityTrades.Add(1) })
	require.NoError(t, err)

	_, err = mux.Subscribe(mustTopic(t, "order_book:AAPL"), func(stream.Message) {})
	assert.ErrorIs(t, err, stream.ErrInvalidTopic)

	require.NoError(t, mux.Connect(context.Background()))

	reqs := binanceConn.requests(t)
	require.Len(t, reqs, 1)
	assert.ElementsMatch(t, []string{"btcusdt@ticker", "btcusdt@trade"}, reqs[0].Params)
	assert.Equal(t, []map[string]string{{"type": "subscribe", "symbol": "AAPL"}}, finnhubWrites(t, finnhubConn))

	finnhubConn.incoming <- []byte(`{"type":"trade","data":[{"s":"AAPL","p":189.5,"v":10,"t":1700000000000}]}`)
	assert.Eventually(t, func() bool { return equityTrades.Load() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, mux.Unsubscribe(equity))
	assert.Equal(t, map[string]string{"type": "unsubscribe", "symbol": "AAPL"}, finnhubWrites(t, finnhubConn)[1])
}

func TestMux_StatusMergesFeeds(t *testing.T) {
	binanceConn := newFakeConn()
	binanceFeed := newManager(t, &fakeDialer{conns: []*fakeConn{binanceConn}}, nil, nil)
	finnhubFeed := newFinnhubManager(t, &fakeDialer{})
	mux := stream.NewMux(binanceFeed, finnhubFeed)

	_, err := mux.Subscribe(mustTopic(t, "ticker:ETHUSDT"), func(stream.Message) {})
	require.NoError(t, err)
	_, err = mux.Subscribe(mustTopic(t, "trades:MSFT"), func(stream.Message) {})
	require.NoError(t, err)

	err = mux.Connect(context.Background())
	require.Error(t, err, "the finnhub dial is refused")
	assert.Contains(t, err.Error(), "finnhub")

	st := mux.Status()
	assert.Equal(t, "binance,finnhub", st.Feed)
	assert.Equal(t, stream.StateDisconnected, st.State)
	assert.Nil(t, st.ConnectedAt)
	require.Len(t, st.Feeds, 2)
	assert.Equal(t, stream.StateConnected, st.Feeds[0].State)
	assert.Equal(t, stream.StateDisconnected, st.Feeds[1].State)
	assert.NotContains(t, st.Feeds[1].URL, "secret")

	topics := make([]string, 0, len(st.Topics))
	for _, ts := range st.Topics {
		topics = append(topics, ts.Topic)
	}
	assert.Equal(t, []string{"ticker:ETHUSDT", "trades:MSFT"}, topics)

	require.NoError(t, mux.Disconnect())
	assert.Equal(t, stream.StateDisconnected, binanceFeed.State())
}
