// Package correlator turns "send X, expect X.completed or X.error" into one call
// that settles exactly once: completed payload, server error, or timeout.
package correlator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"ai-docchat-client/internal/dispatch"
	"ai-docchat-client/internal/pkg/logger"
	"ai-docchat-client/internal/protocol"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const module = "Correlator"

// Transport is the part of the session the correlator needs.
type Transport interface {
	Send(ctx context.Context, eventType string, payload interface{}) error
	OnMessage(eventType string, handler dispatch.Handler) dispatch.ListenerID
	Off(eventType string, id dispatch.ListenerID)
}

type Request struct {
	Op      protocol.Op
	Payload interface{}
	Timeout time.Duration
	// Expect names response fields that identify the request, such as
	// conversation_id. A response carrying one of them with a different value
	// answers some other request and never settles this one.
	Expect map[string]interface{}
}

type outcome struct {
	data json.RawMessage
	err  error
}

type exchange struct {
	requestID string
	op        protocol.Op
	expect    map[string]json.RawMessage
	result    chan outcome
	settled   bool
}

// accepts reports whether a response with these top-level fields can answer ex.
// Fields the response leaves out are not checked.
func (ex *exchange) accepts(fields map[string]json.RawMessage) bool {
	for key, want := range ex.expect {
		got, ok := fields[key]
		if !ok || string(got) == "null" {
			continue
		}
		if !bytes.Equal(bytes.TrimSpace(got), want) {
			return false
		}
	}
	return true
}

// route holds the pending exchanges of one tag pair, oldest first, and the two
// dispatcher listeners serving them.
type route struct {
	pending     []*exchange
	completedID dispatch.ListenerID
	errorID     dispatch.ListenerID
}

type Correlator struct {
	transport Transport
	logger    logger.ILogger
	tracer    trace.Tracer
	timeouts  Timeouts

	mu     sync.Mutex
	routes map[protocol.Op]*route
}

func New(transport Transport, timeouts Timeouts, log logger.ILogger) *Correlator {
	return &Correlator{
		transport: transport,
		logger:    log,
		tracer:    otel.Tracer("ai-docchat-client/correlator"),
		timeouts:  timeouts,
		routes:    make(map[protocol.Op]*route),
	}
}

// Call sends the request and waits for exactly one outcome. Responses that carry a
// request_id are matched by id; others resolve the oldest pending exchange of the
// tag pair whose Expect fields they do not contradict, since one connection
// delivers in order. A late reply to a retired exchange then matches nothing.
func (c *Correlator) Call(ctx context.Context, req Request) (json.RawMessage, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = protocol.DefaultReadTimeout
	}

	ctx, span := c.tracer.Start(ctx, "ws.call "+req.Op.Request,
		trace.WithAttributes(attribute.String("docchat.completed_tag", req.Op.Completed)))
	defer span.End()

	ex := &exchange{
		requestID: uuid.NewString(),
		op:        req.Op,
		result:    make(chan outcome, 1),
	}
	if len(req.Expect) > 0 {
		ex.expect = make(map[string]json.RawMessage, len(req.Expect))
		for key, v := range req.Expect {
			raw, err := json.Marshal(v)
			if err != nil {
				return nil, fmt.Errorf("marshal expected %s: %w", key, err)
			}
			ex.expect[key] = raw
		}
	}
	payload, err := withRequestID(req.Payload, ex.requestID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	c.register(ex)

	if err := c.transport.Send(ctx, req.Op.Request, payload); err != nil {
		c.retire(ex)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("send %s: %w", req.Op.Request, err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var out outcome
	select {
	case out = <-ex.result:
	case <-timer.C:
		if c.retire(ex) {
			out.err = &protocol.TimeoutError{Op: req.Op.Request, After: timeout}
			c.logger.Warn(module, "Exchange timed out", map[string]interface{}{
				"op":         req.Op.Request,
				"timeout_ms": timeout.Milliseconds(),
			})
		} else {
			out = <-ex.result
		}
	case <-ctx.Done():
		if c.retire(ex) {
			out.err = ctx.Err()
		} else {
			out = <-ex.result
		}
	}

	if out.err != nil {
		span.RecordError(out.err)
		span.SetStatus(codes.Error, out.err.Error())
		return nil, out.err
	}
	span.SetStatus(codes.Ok, "")
	return out.data, nil
}

func (c *Correlator) register(ex *exchange) {
	c.mu.Lock()
	defer c.mu.Unlock()

	r, ok := c.routes[ex.op]
	if !ok {
		op := ex.op
		r = &route{}
		r.completedID = c.transport.OnMessage(op.Completed, func(f protocol.Frame) { c.resolve(op, f, false) })
		r.errorID = c.transport.OnMessage(op.Error, func(f protocol.Frame) { c.resolve(op, f, true) })
		c.routes[op] = r
	}
	r.pending = append(r.pending, ex)
}

// retire removes ex if nobody settled it yet. It reports whether the caller won.
func (c *Correlator) retire(ex *exchange) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ex.settled {
		return false
	}
	ex.settled = true
	if r, ok := c.routes[ex.op]; ok {
		for i, p := range r.pending {
			if p == ex {
				r.pending = append(r.pending[:i:i], r.pending[i+1:]...)
				break
			}
		}
		c.dropRouteIfIdleLocked(ex.op, r)
	}
	return true
}

func (c *Correlator) dropRouteIfIdleLocked(op protocol.Op, r *route) {
	if len(r.pending) > 0 {
		return
	}
	c.transport.Off(op.Completed, r.completedID)
	c.transport.Off(op.Error, r.errorID)
	delete(c.routes, op)
}

func (c *Correlator) resolve(op protocol.Op, frame protocol.Frame, isError bool) {
	var fields map[string]json.RawMessage
	_ = json.Unmarshal(frame.Data, &fields)
	var requestID string
	if raw, ok := fields["request_id"]; ok {
		_ = json.Unmarshal(raw, &requestID)
	}

	c.mu.Lock()
	r, ok := c.routes[op]
	var ex *exchange
	if ok {
		idx := -1
		for i, p := range r.pending {
			if requestID != "" {
				if p.requestID == requestID {
					idx = i
					break
				}
				continue
			}
			if p.accepts(fields) {
				idx = i
				break
			}
		}
		if idx >= 0 {
			ex = r.pending[idx]
			ex.settled = true
			r.pending = append(r.pending[:idx:idx], r.pending[idx+1:]...)
			c.dropRouteIfIdleLocked(op, r)
		}
	}
	c.mu.Unlock()

	if ex == nil {
		c.logger.Debug(module, "Ignoring response with no pending exchange", map[string]interface{}{
			"type":       frame.Type,
			"request_id": requestID,
		})
		return
	}

	if isError {
		ex.result <- outcome{err: protocol.ErrorFromPayload(op.Request, frame.Data)}
		return
	}
	ex.result <- outcome{data: frame.Data}
}

// Pending is the number of unsettled exchanges.
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, r := range c.routes {
		n += len(r.pending)
	}
	return n
}

// withRequestID adds a request_id field to object payloads. Non-object payloads are
// sent unchanged and fall back to FIFO matching.
func withRequestID(payload interface{}, id string) (json.RawMessage, error) {
	if payload == nil {
		payload = struct{}{}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil || obj == nil {
		return raw, nil
	}
	idRaw, _ := json.Marshal(id)
	obj["request_id"] = idRaw
	return json.Marshal(obj)
}
