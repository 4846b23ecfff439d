// Package wstest runs a loopback document-chat backend on a real socket so the
// websocket dialer and the client can be exercised end to end.
package wstest

import (
	"fmt"
	"net"
	"sync"

	"ai-docchat-client/internal/pkg/logger"
	"ai-docchat-client/internal/protocol"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
)

const module = "Backend"

// Responder answers one client frame. Returned frames go back to the same peer in order.
type Responder func(documentID string, frame protocol.Frame) []protocol.Frame

type Backend struct {
	app     *fiber.App
	ln      net.Listener
	token   string
	respond Responder
	logger  logger.ILogger

	mu       sync.RWMutex
	peers    map[string][]*peer
	received []protocol.Frame
	upgrades int
}

// Start listens on an ephemeral loopback port. Connections must carry token.
func Start(token string, respond Responder, log logger.ILogger) (*Backend, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("listen: %w", err)
	}

	b := &Backend{
		app:     fiber.New(fiber.Config{DisableStartupMessage: true}),
		ln:      ln,
		token:   token,
		respond: respond,
		logger:  log,
		peers:   make(map[string][]*peer),
	}
	b.registerRoutes()

	go func() {
		if err := b.app.Listener(ln); err != nil {
			log.Warn(module, "Listener stopped", map[string]interface{}{"error": err.Error()})
		}
	}()
	return b, nil
}

func (b *Backend) registerRoutes() {
	ws := b.app.Group("/ws")
	ws.Use(func(c *fiber.Ctx) error {
		if c.Query("token") != b.token {
			b.logger.Warn(module, "Invalid token in WS handshake", nil)
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Invalid token"})
		}
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	ws.Get("/documents/:documentId", websocket.New(b.serve))
}

func (b *Backend) serve(c *websocket.Conn) {
	p := &peer{backend: b, conn: c, documentID: c.Params("documentId"), send: make(chan []byte, 256)}
	b.register(p)

	go p.writePump()
	p.readPump()
}

func (b *Backend) register(p *peer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.peers[p.documentID] = append(b.peers[p.documentID], p)
	b.upgrades++
	b.logger.Info(module, "Peer registered", map[string]interface{}{"document_id": p.documentID})
}

func (b *Backend) unregister(p *peer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	peers := b.peers[p.documentID]
	for i, other := range peers {
		if other == p {
			b.peers[p.documentID] = append(peers[:i:i], peers[i+1:]...)
			close(p.send)
			break
		}
	}
	if len(b.peers[p.documentID]) == 0 {
		delete(b.peers, p.documentID)
	}
}

func (b *Backend) handle(documentID string, frame protocol.Frame) []protocol.Frame {
	b.mu.Lock()
	b.received = append(b.received, frame)
	b.mu.Unlock()
	if b.respond == nil {
		return nil
	}
	return b.respond(documentID, frame)
}

// URL is the base the client appends /<documentID>?token= to.
func (b *Backend) URL() string {
	return "ws://" + b.ln.Addr().String() + "/ws/documents"
}

// Push sends frame to every peer of documentID and reports how many got it.
func (b *Backend) Push(documentID string, frame protocol.Frame) int {
	data, err := frame.Encode()
	if err != nil {
		return 0
	}
	b.mu.RLock()
	peers := append([]*peer(nil), b.peers[documentID]...)
	b.mu.RUnlock()

	n := 0
	for _, p := range peers {
		if p.enqueue(data) {
			n++
		}
	}
	return n
}

// DropAll closes every connection without a close handshake.
func (b *Backend) DropAll() {
	b.mu.RLock()
	var all []*peer
	for _, peers := range b.peers {
		all = append(all, peers...)
	}
	b.mu.RUnlock()
	for _, p := range all {
		p.conn.Close()
	}
}

func (b *Backend) Peers(documentID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.peers[documentID])
}

// Upgrades counts successful websocket handshakes.
func (b *Backend) Upgrades() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.upgrades
}

// Received returns the frames seen with the given type, in arrival order.
func (b *Backend) Received(frameType string) []protocol.Frame {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []protocol.Frame
	for _, f := range b.received {
		if f.Type == frameType {
			out = append(out, f)
		}
	}
	return out
}

func (b *Backend) Close() error {
	return b.app.Shutdown()
}
