package transport

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Conn is one physical duplex connection carrying encoded frames.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Ping() error
	Close() error
}

// Dialer opens a Conn to target.
type Dialer interface {
	Dial(ctx context.Context, target string) (Conn, error)
}

// WebsocketDialer dials the backend with gorilla/websocket.
type WebsocketDialer struct {
	HandshakeTimeout time.Duration
	PongWait         time.Duration
	WriteWait        time.Duration
	ReadLimit        int64
}

func (d *WebsocketDialer) Dial(ctx context.Context, target string) (Conn, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: d.HandshakeTimeout,
	}

	ws, resp, err := dialer.DialContext(ctx, target, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket connect: %s: %w", resp.Status, err)
		}
		return nil, fmt.Errorf("websocket connect: %w", err)
	}

	if d.ReadLimit > 0 {
		ws.SetReadLimit(d.ReadLimit)
	}
	c := &wsConn{ws: ws, pongWait: d.PongWait, writeWait: d.WriteWait}
	c.extendReadDeadline()
	ws.SetPongHandler(func(string) error {
		c.extendReadDeadline()
		return nil
	})
	return c, nil
}

type wsConn struct {
	ws        *websocket.Conn
	pongWait  time.Duration
	writeWait time.Duration
	// gorilla allows one concurrent writer
	writeMu sync.Mutex
}

func (c *wsConn) extendReadDeadline() {
	if c.pongWait > 0 {
		c.ws.SetReadDeadline(time.Now().Add(c.pongWait))
	}
}

func (c *wsConn) ReadMessage() ([]byte, error) {
	for {
		messageType, data, err := c.ws.ReadMessage()
		if err != nil {
			return nil, err
		}
		c.extendReadDeadline()
		switch messageType {
		case websocket.TextMessage, websocket.BinaryMessage:
			return data, nil
		}
	}
}

func (c *wsConn) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.writeWait > 0 {
		c.ws.SetWriteDeadline(time.Now().Add(c.writeWait))
	}
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) Ping() error {
	deadline := time.Now().Add(c.writeWait)
	if c.writeWait <= 0 {
		deadline = time.Time{}
	}
	return c.ws.WriteControl(websocket.PingMessage, nil, deadline)
}

func (c *wsConn) Close() error {
	c.writeMu.Lock()
	_ = c.ws.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	c.writeMu.Unlock()
	return c.ws.Close()
}
