package stream_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marketpulse/marketpulse/internal/stream"
)

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

// upstream acts as the exchange: it acknowledges SUBSCRIBE requests and then
// pushes one ticker event.
func upstream(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		for {
			var req struct {
				Method string `json:"method"`
				ID     int64  `json:"id"`
			}
			if err := ws.ReadJSON(&req); err != nil {
				return
			}
			_ = ws.WriteJSON(map[string]interface{}{"result": nil, "id": req.ID})
			if req.Method == "SUBSCRIBE" {
				_ = ws.WriteMessage(websocket.TextMessage, tickerFrame("btcusdt", "42000.10"))
			}
		}
	}))
	t.Cleanup(server.Close)
	return server
}

func TestWebsocketDialer_EndToEnd(t *testing.T) {
	server := upstream(t)
	m := stream.NewManager(stream.Config{
		URL:    wsURL(server),
		Logger: zerolog.Nop(),
	})
	t.Cleanup(func() { _ = m.Disconnect() })

	received := make(chan stream.Message, 1)
	_, err := m.Subscribe(mustTopic(t, "ticker:BTCUSDT"), func(msg stream.Message) { received <- msg })
	require.NoError(t, err)
	require.NoError(t, m.Connect(context.Background()))

	select {
	case msg := <-received:
		assert.Equal(t, "ticker:BTCUSDT", msg.Topic.String())
	case <-time.After(2 * time.Second):
		t.Fatal("no message from upstream")
	}
}

func TestHub_RelaysSubscribedTopics(t *testing.T) {
	conn := newFakeConn()
	m := newManager(t, &fakeDialer{conns: []*fakeConn{conn}}, nil, nil)
	require.NoError(t, m.Connect(context.Background()))

	hub := stream.NewHub(m, stream.HubConfig{SendBuffer: 8, Logger: zerolog.Nop()})
	server := httptest.NewServer(hub)
	t.Cleanup(server.Close)
	t.Cleanup(hub.Close)

	client, _, err := websocket.DefaultDialer.Dial(wsURL(server), nil)
	require.NoError(t, err)
	defer client.Close()

	require.NoError(t, client.WriteJSON(map[string]interface{}{
		"action": "subscribe",
		"topics": []string{"ticker:btcusdt", "bogus"},
	}))

	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	var reply map[string]interface{}
	require.NoError(t, client.ReadJSON(&reply))
	assert.Equal(t, "error", reply["type"])
	require.NoError(t, client.ReadJSON(&reply))
	assert.Equal(t, "subscribed", reply["type"])
	assert.Equal(t, []interface{}{"ticker:BTCUSDT"}, reply["topics"])
	assert.Equal(t, 1, hub.Clients())

	assert.Eventually(t, func() bool { return len(conn.requests(t)) == 1 }, time.Second, 5*time.Millisecond)
	conn.incoming <- tickerFrame("btcusdt", "42000.10")

	_, data, err := client.ReadMessage()
	require.NoError(t, err)
	var msg stream.Message
	require.NoError(t, json.Unmarshal(data, &msg))
	assert.Equal(t, "ticker:BTCUSDT", msg.Topic.String())

	// Closing the client releases its manager subscriptions.
	require.NoError(t, client.Close())
	assert.Eventually(t, func() bool { return len(m.Status().Topics) == 0 }, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return hub.Clients() == 0 }, time.Second, 5*time.Millisecond)
}
