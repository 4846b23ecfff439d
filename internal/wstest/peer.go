package wstest

import (
	"time"

	"ai-docchat-client/internal/protocol"

	"github.com/gofiber/websocket/v2"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20
)

// peer is one client connection held by the backend.
type peer struct {
	backend    *Backend
	conn       *websocket.Conn
	documentID string

	// Buffered channel of outbound frames.
	send chan []byte
}

// readPump decodes client frames and answers them through the responder.
func (p *peer) readPump() {
	defer func() {
		p.backend.unregister(p)
		p.conn.Close()
	}()
	p.conn.SetReadLimit(maxMessageSize)
	p.conn.SetReadDeadline(time.Now().Add(pongWait))
	p.conn.SetPongHandler(func(string) error {
		p.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := p.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				p.backend.logger.Warn(module, "Unexpected close", map[string]interface{}{"error": err.Error()})
			}
			return
		}
		frame, err := protocol.DecodeFrame(raw)
		if err != nil {
			p.backend.logger.Warn(module, "Undecodable client frame", map[string]interface{}{"error": err.Error()})
			continue
		}
		for _, out := range p.backend.handle(p.documentID, frame) {
			data, err := out.Encode()
			if err != nil {
				continue
			}
			p.enqueue(data)
		}
	}
}

func (p *peer) enqueue(data []byte) bool {
	defer func() { _ = recover() }()
	select {
	case p.send <- data:
		return true
	default:
		p.backend.logger.Warn(module, "Peer send buffer full, dropping frame", map[string]interface{}{"document_id": p.documentID})
		return false
	}
}

// writePump writes queued frames and keeps the connection alive with pings.
func (p *peer) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		p.conn.Close()
	}()

	for {
		select {
		case message, ok := <-p.send:
			p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The backend closed the channel.
				p.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			// One frame per websocket message; the client decodes messages individually.
			if err := p.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
