// Package streaming relays a streamed assistant reply: one request, any number of
// cumulative token frames, then a completed or error frame.
package streaming

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"ai-docchat-client/internal/dispatch"
	"ai-docchat-client/internal/pkg/logger"
	"ai-docchat-client/internal/protocol"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const module = "Relay"

var (
	ErrStreamInProgress = errors.New("a streamed reply is already in progress for this conversation")
	// ErrNotSent marks failures where the request never left the client.
	ErrNotSent = errors.New("stream request was not sent")
)

type DeadlinePolicy int

const (
	// DeadlineFixed counts the timeout from the initial send.
	DeadlineFixed DeadlinePolicy = iota
	// DeadlineResetOnToken restarts the full timeout on every token.
	DeadlineResetOnToken
)

func ParseDeadlinePolicy(s string) DeadlinePolicy {
	if s == "reset_on_token" {
		return DeadlineResetOnToken
	}
	return DeadlineFixed
}

func (p DeadlinePolicy) String() string {
	if p == DeadlineResetOnToken {
		return "reset_on_token"
	}
	return "fixed"
}

type Phase int

const (
	PhaseIdle Phase = iota
	PhaseStreaming
)

type Transport interface {
	Send(ctx context.Context, eventType string, payload interface{}) error
	OnMessage(eventType string, handler dispatch.Handler) dispatch.ListenerID
	Off(eventType string, id dispatch.ListenerID)
}

// StateSink receives the streaming state of each conversation. *store.Store
// satisfies it.
type StateSink interface {
	BeginStreaming(conversationID, targetMessageID string)
	UpdateStreaming(conversationID, content string) bool
	EndStreaming(conversationID string)
}

// Handlers are called from the connection's read loop, in frame order.
type Handlers struct {
	OnToken    func(content string)
	OnComplete func(message protocol.MessagePayload)
	OnError    func(err error)
}

type Settings struct {
	Timeout time.Duration
	Policy  DeadlinePolicy
}

type result struct {
	message *protocol.MessagePayload
	err     error
}

type stream struct {
	conversationID string
	handlers       Handlers
	done           chan result
	reset          chan struct{}
}

type Relay struct {
	transport Transport
	state     StateSink
	logger    logger.ILogger
	tracer    trace.Tracer
	settings  Settings

	mu        sync.Mutex
	active    map[string]*stream
	listeners map[string]dispatch.ListenerID
}

func NewRelay(transport Transport, state StateSink, settings Settings, log logger.ILogger) *Relay {
	if settings.Timeout <= 0 {
		settings.Timeout = protocol.DefaultSendTimeout
	}
	r := &Relay{
		transport: transport,
		state:     state,
		logger:    log,
		tracer:    otel.Tracer("ai-docchat-client/streaming"),
		settings:  settings,
		active:    make(map[string]*stream),
		listeners: make(map[string]dispatch.ListenerID),
	}
	r.listeners[protocol.TagStreamToken] = transport.OnMessage(protocol.TagStreamToken, r.handleToken)
	r.listeners[protocol.OpStreamMessage.Completed] = transport.OnMessage(protocol.OpStreamMessage.Completed, r.handleCompleted)
	r.listeners[protocol.OpStreamMessage.Error] = transport.OnMessage(protocol.OpStreamMessage.Error, r.handleError)
	return r
}

// Phase reports whether the conversation has a stream in flight.
func (r *Relay) Phase(conversationID string) Phase {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.active[conversationID]; ok {
		return PhaseStreaming
	}
	return PhaseIdle
}

// SendStreaming sends content and blocks until the reply completes, fails or times
// out. The conversation id is the placeholder id the streamed content targets.
func (r *Relay) SendStreaming(ctx context.Context, conversationID, content string, h Handlers) (*protocol.MessagePayload, error) {
	req := protocol.SendMessageRequest{ConversationID: conversationID, Content: content}
	if err := protocol.Validate(req); err != nil {
		return nil, err
	}
	slot, err := r.Reserve(conversationID, h)
	if err != nil {
		return nil, err
	}
	return slot.Send(ctx, content)
}

// Slot is a conversation reserved for one stream. Exactly one of Send or Release
// must be called.
type Slot struct {
	relay *Relay
	st    *stream
}

// Reserve moves the conversation to Streaming without sending anything, so callers
// can prepare local state knowing no other stream will start. A busy conversation
// returns ErrStreamInProgress.
func (r *Relay) Reserve(conversationID string, h Handlers) (*Slot, error) {
	st := &stream{
		conversationID: conversationID,
		handlers:       h,
		done:           make(chan result, 1),
		reset:          make(chan struct{}, 1),
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, busy := r.active[conversationID]; busy {
		return nil, ErrStreamInProgress
	}
	r.active[conversationID] = st
	return &Slot{relay: r, st: st}, nil
}

// Release gives the reservation back unused.
func (s *Slot) Release() {
	s.relay.retire(s.st)
}

// Send sends content on the reserved conversation and blocks until the reply
// completes, fails or times out. A payload that fails validation is ErrNotSent.
func (s *Slot) Send(ctx context.Context, content string) (*protocol.MessagePayload, error) {
	r, st := s.relay, s.st
	conversationID := st.conversationID

	req := protocol.SendMessageRequest{ConversationID: conversationID, Content: content}
	if err := protocol.Validate(req); err != nil {
		r.retire(st)
		return nil, fmt.Errorf("%w: %w", ErrNotSent, err)
	}

	ctx, span := r.tracer.Start(ctx, "ws.stream "+protocol.OpStreamMessage.Request, trace.WithAttributes(
		attribute.String("docchat.conversation_id", conversationID),
		attribute.String("docchat.deadline_policy", r.settings.Policy.String()),
	))
	defer span.End()

	r.state.BeginStreaming(conversationID, conversationID)

	if err := r.transport.Send(ctx, protocol.OpStreamMessage.Request, req); err != nil {
		return r.fail(span, st, fmt.Errorf("%w: %w", ErrNotSent, err))
	}

	timer := time.NewTimer(r.settings.Timeout)
	defer timer.Stop()

	for {
		select {
		case res := <-st.done:
			if res.err != nil {
				span.RecordError(res.err)
				span.SetStatus(codes.Error, res.err.Error())
			} else {
				span.SetStatus(codes.Ok, "")
			}
			return res.message, res.err
		case <-st.reset:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(r.settings.Timeout)
		case <-timer.C:
			return r.fail(span, st, &protocol.TimeoutError{Op: protocol.OpStreamMessage.Request, After: r.settings.Timeout})
		case <-ctx.Done():
			return r.fail(span, st, ctx.Err())
		}
	}
}

// fail settles st locally unless a frame already settled it.
func (r *Relay) fail(span trace.Span, st *stream, err error) (*protocol.MessagePayload, error) {
	if !r.retire(st) {
		res := <-st.done
		return res.message, res.err
	}
	r.state.EndStreaming(st.conversationID)
	r.logger.Warn(module, "Stream failed", map[string]interface{}{
		"conversation_id": st.conversationID,
		"error":           err.Error(),
	})
	if st.handlers.OnError != nil {
		st.handlers.OnError(err)
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return nil, err
}

func (r *Relay) retire(st *stream) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active[st.conversationID] != st {
		return false
	}
	delete(r.active, st.conversationID)
	return true
}

func (r *Relay) lookup(conversationID string) *stream {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active[conversationID]
}

func (r *Relay) handleToken(f protocol.Frame) {
	var tok protocol.StreamToken
	if err := f.Decode(&tok); err != nil {
		r.logger.Warn(module, "Undecodable stream token", map[string]interface{}{"error": err.Error()})
		return
	}
	st := r.lookup(tok.ConversationID)
	if st == nil {
		r.logger.Debug(module, "Token for idle conversation ignored", map[string]interface{}{"conversation_id": tok.ConversationID})
		return
	}

	r.state.UpdateStreaming(tok.ConversationID, tok.Content)
	if st.handlers.OnToken != nil {
		st.handlers.OnToken(tok.Content)
	}
	if r.settings.Policy == DeadlineResetOnToken {
		select {
		case st.reset <- struct{}{}:
		default:
		}
	}
}

func (r *Relay) handleCompleted(f protocol.Frame) {
	var done protocol.StreamCompleted
	if err := f.Decode(&done); err != nil {
		r.logger.Warn(module, "Undecodable stream completion", map[string]interface{}{"error": err.Error()})
		return
	}
	st := r.lookup(done.ConversationID)
	if st == nil || !r.retire(st) {
		r.logger.Debug(module, "Completion for idle conversation ignored", map[string]interface{}{"conversation_id": done.ConversationID})
		return
	}

	r.state.EndStreaming(st.conversationID)
	if st.handlers.OnComplete != nil {
		st.handlers.OnComplete(done.Message)
	}
	msg := done.Message
	st.done <- result{message: &msg}
}

func (r *Relay) handleError(f protocol.Frame) {
	var p protocol.ErrorPayload
	_ = f.Decode(&p)

	st := r.lookup(p.ConversationID)
	if st == nil && p.ConversationID == "" {
		st = r.soleActive()
	}
	if st == nil || !r.retire(st) {
		r.logger.Debug(module, "Stream error for idle conversation ignored", map[string]interface{}{"conversation_id": p.ConversationID})
		return
	}

	err := protocol.ErrorFromPayload(protocol.OpStreamMessage.Request, f.Data)
	r.state.EndStreaming(st.conversationID)
	if st.handlers.OnError != nil {
		st.handlers.OnError(err)
	}
	st.done <- result{err: err}
}

// soleActive routes an error without a conversation id when only one stream could
// have produced it.
func (r *Relay) soleActive() *stream {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.active) != 1 {
		return nil
	}
	for _, st := range r.active {
		return st
	}
	return nil
}

// Close removes the relay's listeners. Streams in flight run into their deadline.
func (r *Relay) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for tag, id := range r.listeners {
		r.transport.Off(tag, id)
	}
	r.listeners = make(map[string]dispatch.ListenerID)
}
