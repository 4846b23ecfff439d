package docchat

import (
	"context"
	"sync"
	"time"

	"ai-docchat-client/internal/eventbus"
	"ai-docchat-client/internal/pkg/logger"
	"ai-docchat-client/pkg/events"
)

const (
	outboxLimit          = 1024
	outboxPublishTimeout = 2 * time.Second
)

// outbox publishes state events one at a time, in post order, on its own
// goroutine. Store observers run on the connection's read loop and must not wait
// on the bus. When the bus falls behind by outboxLimit events the oldest are dropped.
type outbox struct {
	bus    eventbus.Publisher
	logger logger.ILogger

	mu     sync.Mutex
	queue  []events.Event
	signal chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func newOutbox(bus eventbus.Publisher, log logger.ILogger) *outbox {
	ctx, cancel := context.WithCancel(context.Background())
	o := &outbox{
		bus:    bus,
		logger: log,
		signal: make(chan struct{}, 1),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go o.run()
	return o
}

func (o *outbox) post(e events.Event) {
	o.mu.Lock()
	dropped := 0
	if len(o.queue) >= outboxLimit {
		dropped = len(o.queue) - outboxLimit + 1
		o.queue = o.queue[dropped:]
	}
	o.queue = append(o.queue, e)
	o.mu.Unlock()

	if dropped > 0 {
		o.logger.Warn(module, "State bus is behind, oldest events dropped", map[string]interface{}{"dropped": dropped})
	}
	select {
	case o.signal <- struct{}{}:
	default:
	}
}

func (o *outbox) run() {
	defer close(o.done)
	for {
		select {
		case <-o.signal:
			o.drain()
		case <-o.ctx.Done():
			return
		}
	}
}

func (o *outbox) drain() {
	for o.ctx.Err() == nil {
		o.mu.Lock()
		if len(o.queue) == 0 {
			o.mu.Unlock()
			return
		}
		e := o.queue[0]
		o.queue = o.queue[1:]
		o.mu.Unlock()
		o.publish(e)
	}
}

func (o *outbox) publish(e events.Event) {
	ctx, cancel := context.WithTimeout(o.ctx, outboxPublishTimeout)
	defer cancel()
	if err := o.bus.Publish(ctx, e); err != nil && o.ctx.Err() == nil {
		o.logger.Warn(module, "Failed to publish state event", map[string]interface{}{
			"type":  e.EventType(),
			"error": err.Error(),
		})
	}
}

// pending reports how many events wait to be published.
func (o *outbox) pending() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.queue)
}

// stop discards queued events, cancels the in-flight publish and waits for the
// goroutine to end.
func (o *outbox) stop() {
	o.once.Do(o.cancel)
	<-o.done
	o.mu.Lock()
	discarded := len(o.queue)
	o.queue = nil
	o.mu.Unlock()
	if discarded > 0 {
		o.logger.Debug(module, "Unpublished state events discarded", map[string]interface{}{"count": discarded})
	}
}
