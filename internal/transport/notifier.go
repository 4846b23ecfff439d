package transport

import "sync"

// notifier runs callbacks one at a time, in post order, on its own goroutine, so
// observers never run under the session lock and may call back into the session.
type notifier struct {
	mu     sync.Mutex
	queue  []func()
	signal chan struct{}
	done   chan struct{}
	once   sync.Once
}

func newNotifier() *notifier {
	n := &notifier{
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go n.run()
	return n
}

func (n *notifier) post(f func()) {
	n.mu.Lock()
	n.queue = append(n.queue, f)
	n.mu.Unlock()
	select {
	case n.signal <- struct{}{}:
	default:
	}
}

func (n *notifier) run() {
	for {
		select {
		case <-n.signal:
			n.drain()
		case <-n.done:
			n.drain()
			return
		}
	}
}

func (n *notifier) drain() {
	for {
		n.mu.Lock()
		if len(n.queue) == 0 {
			n.mu.Unlock()
			return
		}
		f := n.queue[0]
		n.queue = n.queue[1:]
		n.mu.Unlock()
		f()
	}
}

// stop delivers what is already queued and then ends the goroutine.
func (n *notifier) stop() {
	n.once.Do(func() { close(n.done) })
}
