// Package dispatch demultiplexes inbound frames by their type tag.
package dispatch

import (
	"fmt"
	"sync"

	"ai-docchat-client/internal/pkg/logger"
	"ai-docchat-client/internal/protocol"
)

const module = "Dispatcher"

// Handler receives one inbound frame.
type Handler func(frame protocol.Frame)

// ListenerID identifies a registration; funcs are not comparable so Off needs it.
type ListenerID uint64

type listener struct {
	id      ListenerID
	handler Handler
	once    bool
}

type Dispatcher struct {
	mu        sync.Mutex
	listeners map[string][]listener
	nextID    ListenerID
	logger    logger.ILogger
}

func New(log logger.ILogger) *Dispatcher {
	return &Dispatcher{
		listeners: make(map[string][]listener),
		logger:    log,
	}
}

// On registers handler for tag. Handlers for one tag run in registration order.
func (d *Dispatcher) On(tag string, handler Handler) ListenerID {
	return d.add(tag, handler, false)
}

// Once registers a handler that is removed before its first invocation.
func (d *Dispatcher) Once(tag string, handler Handler) ListenerID {
	return d.add(tag, handler, true)
}

func (d *Dispatcher) add(tag string, handler Handler, once bool) ListenerID {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	id := d.nextID
	d.listeners[tag] = append(d.listeners[tag], listener{id: id, handler: handler, once: once})
	return id
}

// Off removes one registration. Unknown ids are ignored.
func (d *Dispatcher) Off(tag string, id ListenerID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.removeLocked(tag, id)
}

func (d *Dispatcher) removeLocked(tag string, id ListenerID) bool {
	ls := d.listeners[tag]
	for i, l := range ls {
		if l.id == id {
			rest := make([]listener, 0, len(ls)-1)
			rest = append(rest, ls[:i]...)
			rest = append(rest, ls[i+1:]...)
			if len(rest) == 0 {
				delete(d.listeners, tag)
			} else {
				d.listeners[tag] = rest
			}
			return true
		}
	}
	return false
}

// Dispatch invokes every listener registered for frame.Type. The listener list is
// snapshotted first, so handlers may register or remove listeners while running.
func (d *Dispatcher) Dispatch(frame protocol.Frame) int {
	d.mu.Lock()
	snapshot := append([]listener(nil), d.listeners[frame.Type]...)
	for _, l := range snapshot {
		if l.once {
			d.removeLocked(frame.Type, l.id)
		}
	}
	d.mu.Unlock()

	if len(snapshot) == 0 {
		d.logger.Debug(module, "No listener for frame", map[string]interface{}{"type": frame.Type})
		return 0
	}

	for _, l := range snapshot {
		d.invoke(frame, l)
	}
	return len(snapshot)
}

func (d *Dispatcher) invoke(frame protocol.Frame, l listener) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error(module, "Listener panicked", map[string]interface{}{
				"type":     frame.Type,
				"listener": uint64(l.id),
				"error":    fmt.Sprint(r),
			})
		}
	}()
	l.handler(frame)
}

func (d *Dispatcher) ListenerCount(tag string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.listeners[tag])
}

// Clear drops every registration.
func (d *Dispatcher) Clear() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.listeners = make(map[string][]listener)
}
