// Package transport owns the physical connection of one document: connect, queued
// sends while disconnected, inbound demultiplexing and reconnect with backoff.
package transport

import (
	"context"
	"errors"
	"sync"
	"time"

	"ai-docchat-client/internal/dispatch"
	"ai-docchat-client/internal/pkg/logger"
	"ai-docchat-client/internal/protocol"
)

const module = "Transport"

var (
	ErrSessionClosed      = errors.New("session closed")
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")
	errConnectionLost     = errors.New("connection lost")
)

type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateOpen:
		return "OPEN"
	default:
		return "CLOSED"
	}
}

type Settings struct {
	Backoff    Backoff
	PingPeriod time.Duration
}

func DefaultSettings() *Settings {
	return &Settings{
		Backoff:    Backoff{Base: time.Second, MaxAttempts: 5},
		PingPeriod: 54 * time.Second,
	}
}

// connectAttempt is the shared handle every concurrent Connect caller waits on.
type connectAttempt struct {
	done chan struct{}
	err  error
}

type Session struct {
	documentID string
	target     string
	dialer     Dialer
	dispatcher *dispatch.Dispatcher
	settings   *Settings
	logger     logger.ILogger
	notifier   *notifier

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	state      State
	conn       Conn
	connDone   chan struct{}
	connecting *connectAttempt
	queue      [][]byte
	attempts   int
	timer      *time.Timer
	closed     bool
	exhausted  bool

	stateObservers []func(State)
	openObservers  []func()
	retryObservers []func(attempt int, delay time.Duration)
	giveUpObserver []func()
}

func NewSession(documentID, target string, dialer Dialer, settings *Settings, log logger.ILogger) *Session {
	if settings == nil {
		settings = DefaultSettings()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		documentID: documentID,
		target:     target,
		dialer:     dialer,
		dispatcher: dispatch.New(log),
		settings:   settings,
		logger:     log,
		notifier:   newNotifier(),
		ctx:        ctx,
		cancel:     cancel,
		state:      StateClosed,
	}
}

func (s *Session) DocumentID() string { return s.documentID }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Attempts is the number of reconnects scheduled since the last successful open.
func (s *Session) Attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

func (s *Session) QueueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Connect is idempotent. Concurrent callers share one attempt and see the same result.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if s.state == StateOpen {
		s.mu.Unlock()
		return nil
	}
	attempt := s.connecting
	if attempt == nil {
		attempt = &connectAttempt{done: make(chan struct{})}
		s.connecting = attempt
		s.setStateLocked(StateConnecting)
		go s.dial(attempt)
	}
	s.mu.Unlock()

	select {
	case <-attempt.done:
		return attempt.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) dial(attempt *connectAttempt) {
	s.logger.Debug(module, "Dialing", map[string]interface{}{"document_id": s.documentID})
	conn, err := s.dialer.Dial(s.ctx, s.target)

	s.mu.Lock()
	if err == nil && s.closed {
		_ = conn.Close()
		err = ErrSessionClosed
	}
	if err != nil {
		if s.connecting == attempt {
			s.connecting = nil
		}
		if !s.closed {
			s.setStateLocked(StateClosed)
			s.scheduleReconnectLocked()
		}
		s.mu.Unlock()

		s.logger.Warn(module, "Connect failed", map[string]interface{}{
			"document_id": s.documentID,
			"error":       err.Error(),
		})
		attempt.err = err
		close(attempt.done)
		return
	}

	s.conn = conn
	s.connDone = make(chan struct{})
	s.attempts = 0
	s.exhausted = false
	done := s.connDone
	s.mu.Unlock()

	go s.readLoop(conn, done)
	go s.pingLoop(conn, done)

	if err := s.flush(conn, attempt); err != nil {
		s.handleDrop(conn, err)
		attempt.err = err
		close(attempt.done)
		return
	}

	s.logger.Info(module, "Connection open", map[string]interface{}{"document_id": s.documentID})
	close(attempt.done)
}

// flush writes queued frames in enqueue order and only then marks the session OPEN,
// so a frame sent after the flush can never overtake a queued one.
func (s *Session) flush(conn Conn, attempt *connectAttempt) error {
	for {
		s.mu.Lock()
		if s.conn != conn {
			s.mu.Unlock()
			return errConnectionLost
		}
		if len(s.queue) == 0 {
			if s.connecting == attempt {
				s.connecting = nil
			}
			s.setStateLocked(StateOpen)
			for _, fn := range s.openObservers {
				s.notifier.post(fn)
			}
			s.mu.Unlock()
			return nil
		}
		batch := s.queue
		s.queue = nil
		s.mu.Unlock()

		for i, raw := range batch {
			if err := conn.WriteMessage(raw); err != nil {
				s.mu.Lock()
				if !s.closed {
					s.queue = append(append([][]byte{}, batch[i:]...), s.queue...)
				}
				s.mu.Unlock()
				return err
			}
		}
		s.logger.Debug(module, "Flushed queued frames", map[string]interface{}{
			"document_id": s.documentID,
			"count":       len(batch),
		})
	}
}

// Send writes a frame now when OPEN, otherwise queues it and makes sure a connect is
// underway. Queued frames survive reconnects and are written in enqueue order.
// Send does not wait for the connection; correlated callers bound their wait with
// their own timeout.
func (s *Session) Send(ctx context.Context, eventType string, payload interface{}) error {
	frame, err := protocol.NewFrame(eventType, payload)
	if err != nil {
		return err
	}
	raw, err := frame.Encode()
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}

	if s.state == StateOpen && s.conn != nil {
		conn := s.conn
		s.mu.Unlock()
		if err := conn.WriteMessage(raw); err != nil {
			s.mu.Lock()
			if !s.closed {
				s.queue = append([][]byte{raw}, s.queue...)
			}
			s.mu.Unlock()
			s.logger.Warn(module, "Write failed, frame requeued", map[string]interface{}{
				"document_id": s.documentID,
				"type":        eventType,
				"error":       err.Error(),
			})
			s.handleDrop(conn, err)
		}
		return nil
	}

	if s.exhausted {
		s.mu.Unlock()
		return ErrReconnectExhausted
	}

	s.queue = append(s.queue, raw)
	needConnect := s.connecting == nil && s.timer == nil
	s.mu.Unlock()

	s.logger.Debug(module, "Frame queued", map[string]interface{}{
		"document_id": s.documentID,
		"type":        eventType,
	})
	if needConnect {
		go func() { _ = s.Connect(s.ctx) }()
	}
	return nil
}

func (s *Session) readLoop(conn Conn, done chan struct{}) {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			s.handleDrop(conn, err)
			return
		}
		frame, err := protocol.DecodeFrame(data)
		if err != nil {
			s.logger.Warn(module, "Dropping unparseable frame", map[string]interface{}{
				"document_id": s.documentID,
				"error":       err.Error(),
				"size":        len(data),
			})
			continue
		}
		select {
		case <-done:
			return
		default:
		}
		s.dispatcher.Dispatch(frame)
	}
}

func (s *Session) pingLoop(conn Conn, done chan struct{}) {
	if s.settings.PingPeriod <= 0 {
		return
	}
	ticker := time.NewTicker(s.settings.PingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := conn.Ping(); err != nil {
				s.handleDrop(conn, err)
				return
			}
		}
	}
}

// handleDrop retires conn once; later calls for the same conn are no-ops.
func (s *Session) handleDrop(conn Conn, cause error) {
	s.mu.Lock()
	if s.conn != conn {
		s.mu.Unlock()
		return
	}
	s.conn = nil
	close(s.connDone)
	s.connecting = nil
	if !s.closed {
		s.setStateLocked(StateClosed)
		s.scheduleReconnectLocked()
	}
	s.mu.Unlock()

	_ = conn.Close()
	s.logger.Warn(module, "Connection lost", map[string]interface{}{
		"document_id": s.documentID,
		"error":       cause.Error(),
	})
}

func (s *Session) scheduleReconnectLocked() {
	if s.closed || s.timer != nil || s.connecting != nil {
		return
	}
	if s.settings.Backoff.Exhausted(s.attempts) {
		s.exhausted = true
		for _, fn := range s.giveUpObserver {
			s.notifier.post(fn)
		}
		s.logger.Error(module, "Giving up reconnecting", map[string]interface{}{
			"document_id": s.documentID,
			"attempts":    s.attempts,
		})
		return
	}

	attempt := s.attempts
	delay := s.settings.Backoff.Delay(attempt)
	s.attempts++
	for _, fn := range s.retryObservers {
		fn := fn
		s.notifier.post(func() { fn(attempt, delay) })
	}
	s.logger.Info(module, "Reconnect scheduled", map[string]interface{}{
		"document_id": s.documentID,
		"attempt":     attempt,
		"delay_ms":    delay.Milliseconds(),
	})

	s.timer = time.AfterFunc(delay, func() {
		s.mu.Lock()
		s.timer = nil
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return
		}
		_ = s.Connect(s.ctx)
	})
}

func (s *Session) setStateLocked(state State) {
	if s.state == state {
		return
	}
	s.state = state
	for _, fn := range s.stateObservers {
		fn := fn
		s.notifier.post(func() { fn(state) })
	}
}

// Close is terminal: no reconnects, connection closed, listeners and queue cleared.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	conn := s.conn
	if conn != nil {
		close(s.connDone)
	}
	s.conn = nil
	dropped := len(s.queue)
	s.queue = nil
	s.setStateLocked(StateClosed)
	s.mu.Unlock()

	s.cancel()
	s.dispatcher.Clear()
	if conn != nil {
		_ = conn.Close()
	}
	s.notifier.stop()

	s.logger.Info(module, "Session closed", map[string]interface{}{
		"document_id":    s.documentID,
		"dropped_frames": dropped,
	})
	return nil
}

// OnMessage registers a listener for inbound frames tagged eventType.
func (s *Session) OnMessage(eventType string, handler dispatch.Handler) dispatch.ListenerID {
	return s.dispatcher.On(eventType, handler)
}

func (s *Session) Off(eventType string, id dispatch.ListenerID) {
	s.dispatcher.Off(eventType, id)
}

// OnStateChange observes CONNECTING/OPEN/CLOSED transitions in order.
func (s *Session) OnStateChange(fn func(State)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stateObservers = append(s.stateObservers, fn)
}

// OnOpen runs after every successful open, once queued frames are flushed.
func (s *Session) OnOpen(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.openObservers = append(s.openObservers, fn)
}

func (s *Session) OnReconnectScheduled(fn func(attempt int, delay time.Duration)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retryObservers = append(s.retryObservers, fn)
}

// OnGiveUp runs when the attempt cap is reached.
func (s *Session) OnGiveUp(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.giveUpObserver = append(s.giveUpObserver, fn)
}
