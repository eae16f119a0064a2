package stream

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxClientFrame = 4096
)

// HubConfig holds configuration for a downstream fan-out hub.
type HubConfig struct {
	// SendBuffer is the per-client queue length. Messages to a full queue are
	// dropped. Default: 256
	SendBuffer int

	// CheckOrigin validates the upgrade request. Default: allow all
	CheckOrigin func(r *http.Request) bool

	Logger zerolog.Logger
}

// Hub relays feed topics to downstream websocket clients. Clients send
// {"action":"subscribe","topics":["ticker:BTCUSDT"]} and receive Message
// frames.
type Hub struct {
	feed     Feed
	upgrader websocket.Upgrader
	buffer   int
	logger   zerolog.Logger

	mu      sync.Mutex
	clients map[*hubClient]struct{}
	dropped atomic.Int64
}

type hubClient struct {
	hub  *Hub
	ws   *websocket.Conn
	send chan []byte

	mu      sync.Mutex
	handles map[Topic]Handle
	closed  bool
}

type clientCommand struct {
	Action string   `json:"action"`
	Topics []string `json:"topics"`
}

type clientReply struct {
	Type   string   `json:"type"`
	Topics []string `json:"topics,omitempty"`
	Error  string   `json:"error,omitempty"`
}

// NewHub creates a hub on top of a feed.
func NewHub(feed Feed, cfg HubConfig) *Hub {
	if cfg.SendBuffer == 0 {
		cfg.SendBuffer = 256
	}
	if cfg.CheckOrigin == nil {
		cfg.CheckOrigin = func(*http.Request) bool { return true }
	}
	return &Hub{
		feed: feed,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     cfg.CheckOrigin,
		},
		buffer:  cfg.SendBuffer,
		logger:  cfg.Logger.With().Str("component", "stream_hub").Logger(),
		clients: make(map[*hubClient]struct{}),
	}
}

// ServeHTTP upgrades the request and serves the client until it disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	c := &hubClient{
		hub:     h,
		ws:      ws,
		send:    make(chan []byte, h.buffer),
		handles: make(map[Topic]Handle),
	}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	go c.writePump()
	c.readPump()
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Dropped returns the number of messages dropped on full client queues.
func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	clients := make([]*hubClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		_ = c.ws.Close()
	}
}

func (h *Hub) remove(c *hubClient) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
}

func (c *hubClient) readPump() {
	defer c.close()

	c.ws.SetReadLimit(maxClientFrame)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var cmd clientCommand
		if err := c.ws.ReadJSON(&cmd); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Debug().Err(err).Msg("websocket client read failed")
			}
			return
		}
		c.handle(cmd)
	}
}

func (c *hubClient) handle(cmd clientCommand) {
	var done []string
	for _, raw := range cmd.Topics {
		topic, err := ParseTopic(raw)
		if err != nil {
			c.reply(clientReply{Type: "error", Error: err.Error()})
			continue
		}

		switch cmd.Action {
		case "subscribe":
			if c.subscribe(topic) {
				done = append(done, topic.String())
			}
		case "unsubscribe":
			if c.unsubscribe(topic) {
				done = append(done, topic.String())
			}
		default:
			c.reply(clientReply{Type: "error", Error: "unknown action " + cmd.Action})
			return
		}
	}
	c.reply(clientReply{Type: cmd.Action + "d", Topics: done})
}

func (c *hubClient) subscribe(topic Topic) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	if _, ok := c.handles[topic]; ok {
		return true
	}
	h, err := c.hub.feed.Subscribe(topic, c.deliver)
	if err != nil {
		c.hub.logger.Warn().Err(err).Str("topic", topic.String()).Msg("client subscribe failed")
		return false
	}
	c.handles[topic] = h
	return true
}

func (c *hubClient) unsubscribe(topic Topic) bool {
	c.mu.Lock()
	h, ok := c.handles[topic]
	delete(c.handles, topic)
	c.mu.Unlock()
	if !ok {
		return false
	}
	return c.hub.feed.Unsubscribe(h) == nil
}

func (c *hubClient) deliver(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	c.enqueue(data)
}

func (c *hubClient) reply(r clientReply) {
	data, err := json.Marshal(r)
	if err != nil {
		return
	}
	c.enqueue(data)
}

// enqueue never blocks the manager's fan-out: slow clients lose messages.
func (c *hubClient) enqueue(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- data:
	default:
		c.hub.dropped.Add(1)
	}
}

func (c *hubClient) close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	handles := c.handles
	c.handles = nil
	close(c.send)
	c.mu.Unlock()

	for _, h := range handles {
		_ = c.hub.feed.Unsubscribe(h)
	}
	c.hub.remove(c)
	_ = c.ws.Close()
}

func (c *hubClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
