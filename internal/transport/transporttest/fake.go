// Package transporttest provides an in-memory connection and dialer so the session
// and everything built on it can be tested without sockets. The "server" end of a
// Conn is driven by the test through Push/Next/Drop.
package transporttest

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"ai-docchat-client/internal/protocol"
	"ai-docchat-client/internal/transport"
)

var (
	ErrClosed     = errors.New("fake connection closed")
	ErrDialFailed = errors.New("fake dial failed")
)

// Conn is one in-memory duplex connection.
type Conn struct {
	inbound   chan []byte
	outbound  chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func NewConn() *Conn {
	return &Conn{
		inbound:  make(chan []byte, 256),
		outbound: make(chan []byte, 1024),
		closed:   make(chan struct{}),
	}
}

// Client side.

func (c *Conn) ReadMessage() ([]byte, error) {
	select {
	case data := <-c.inbound:
		return data, nil
	case <-c.closed:
		return nil, ErrClosed
	}
}

func (c *Conn) WriteMessage(data []byte) error {
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}
	select {
	case c.outbound <- data:
		return nil
	case <-c.closed:
		return ErrClosed
	}
}

func (c *Conn) Ping() error {
	select {
	case <-c.closed:
		return ErrClosed
	default:
		return nil
	}
}

func (c *Conn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

// Server side.

// PushRaw delivers raw bytes to the client.
func (c *Conn) PushRaw(data []byte) {
	select {
	case c.inbound <- data:
	case <-c.closed:
	}
}

// Push delivers a frame built from tag and payload to the client.
func (c *Conn) Push(t testing.TB, tag string, payload interface{}) {
	t.Helper()
	f, err := protocol.NewFrame(tag, payload)
	if err != nil {
		t.Fatalf("build frame %s: %v", tag, err)
	}
	raw, err := f.Encode()
	if err != nil {
		t.Fatalf("encode frame %s: %v", tag, err)
	}
	c.PushRaw(raw)
}

// Next waits for the next frame the client wrote.
func (c *Conn) Next(t testing.TB, timeout time.Duration) protocol.Frame {
	t.Helper()
	select {
	case raw := <-c.outbound:
		f, err := protocol.DecodeFrame(raw)
		if err != nil {
			t.Fatalf("client wrote undecodable frame %q: %v", raw, err)
		}
		return f
	case <-time.After(timeout):
		t.Fatalf("no frame written within %s", timeout)
	}
	return protocol.Frame{}
}

// TryNext returns the next written frame if one arrives within timeout.
func (c *Conn) TryNext(timeout time.Duration) (protocol.Frame, bool) {
	select {
	case raw := <-c.outbound:
		f, err := protocol.DecodeFrame(raw)
		return f, err == nil
	case <-time.After(timeout):
		return protocol.Frame{}, false
	}
}

// Drop simulates the network dropping the connection.
func (c *Conn) Drop() {
	_ = c.Close()
}

func (c *Conn) IsClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// Serve answers every frame the client writes with the frames respond returns,
// until the connection closes.
func (c *Conn) Serve(respond func(protocol.Frame) []protocol.Frame) {
	go func() {
		for {
			select {
			case raw := <-c.outbound:
				f, err := protocol.DecodeFrame(raw)
				if err != nil {
					continue
				}
				for _, out := range respond(f) {
					data, err := json.Marshal(out)
					if err != nil {
						continue
					}
					c.PushRaw(data)
				}
			case <-c.closed:
				return
			}
		}
	}()
}

// Dialer hands out Conns. Dials can be made to fail.
type Dialer struct {
	mu       sync.Mutex
	failNext int
	gate     chan struct{}
	targets  []string
	conns    chan *Conn
	respond  func(protocol.Frame) []protocol.Frame
}

func NewDialer() *Dialer {
	return &Dialer{conns: make(chan *Conn, 64)}
}

var _ transport.Dialer = (*Dialer)(nil)

func (d *Dialer) Dial(ctx context.Context, target string) (transport.Conn, error) {
	d.mu.Lock()
	d.targets = append(d.targets, target)
	gate := d.gate
	d.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	d.mu.Lock()
	if d.failNext > 0 {
		d.failNext--
		d.mu.Unlock()
		return nil, ErrDialFailed
	}
	respond := d.respond
	d.mu.Unlock()

	c := NewConn()
	if respond != nil {
		c.Serve(respond)
	}
	select {
	case d.conns <- c:
	default:
	}
	return c, nil
}

// Serve makes every connection dialed from now on answer with respond.
func (d *Dialer) Serve(respond func(protocol.Frame) []protocol.Frame) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.respond = respond
}

// FailNext makes the next n dials fail.
func (d *Dialer) FailNext(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failNext = n
}

// Hold blocks dials until the returned release func is called.
func (d *Dialer) Hold() (release func()) {
	gate := make(chan struct{})
	d.mu.Lock()
	d.gate = gate
	d.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			d.mu.Lock()
			d.gate = nil
			d.mu.Unlock()
			close(gate)
		})
	}
}

func (d *Dialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.targets)
}

func (d *Dialer) Targets() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.targets...)
}

// NextConn waits for the next successfully dialed connection.
func (d *Dialer) NextConn(t testing.TB, timeout time.Duration) *Conn {
	t.Helper()
	select {
	case c := <-d.conns:
		return c
	case <-time.After(timeout):
		t.Fatalf("no connection dialed within %s", timeout)
	}
	return nil
}
