package stream

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Conn is a message-oriented upstream connection.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// Dialer opens upstream connections.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// WebsocketDialer dials upstream feeds over websocket.
type WebsocketDialer struct {
	// HandshakeTimeout bounds the opening handshake. Default: 10 seconds
	HandshakeTimeout time.Duration

	// WriteTimeout bounds each frame write. Default: 10 seconds
	WriteTimeout time.Duration

	// PongTimeout is how long the connection may stay silent before a read
	// fails. Every inbound frame or pong extends it. Default: 60 seconds
	PongTimeout time.Duration
}

// Dial opens a websocket connection.
func (d WebsocketDialer) Dial(ctx context.Context, url string) (Conn, error) {
	if d.HandshakeTimeout == 0 {
		d.HandshakeTimeout = 10 * time.Second
	}
	if d.WriteTimeout == 0 {
		d.WriteTimeout = 10 * time.Second
	}
	if d.PongTimeout == 0 {
		d.PongTimeout = 60 * time.Second
	}

	dialer := websocket.Dialer{HandshakeTimeout: d.HandshakeTimeout}
	ws, resp, err := dialer.DialContext(ctx, url, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}

	c := &wsConn{ws: ws, writeTimeout: d.WriteTimeout, pongTimeout: d.PongTimeout}
	_ = ws.SetReadDeadline(time.Now().Add(d.PongTimeout))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(d.PongTimeout))
	})
	// Exchanges ping the client; answer and keep the connection alive.
	ws.SetPingHandler(func(data string) error {
		_ = ws.SetReadDeadline(time.Now().Add(d.PongTimeout))
		c.mu.Lock()
		defer c.mu.Unlock()
		return ws.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(d.WriteTimeout))
	})
	return c, nil
}

type wsConn struct {
	ws           *websocket.Conn
	mu           sync.Mutex
	writeTimeout time.Duration
	pongTimeout  time.Duration
}

func (c *wsConn) ReadMessage() ([]byte, error) {
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		return nil, err
	}
	_ = c.ws.SetReadDeadline(time.Now().Add(c.pongTimeout))
	return data, nil
}

func (c *wsConn) WriteMessage(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) Close() error {
	c.mu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.mu.Unlock()
	return c.ws.Close()
}
