package conn

import "sync"

// notifier delivers state transitions to listeners in the order they
// were queued, without holding the manager's lock. A listener may cause
// a further transition; it is queued and delivered after the listener
// returns.
type notifier struct {
	mu        sync.Mutex
	queue     []State
	delivery  sync.Mutex
	listeners []func(State)
}

func (n *notifier) subscribe(fn func(State)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.listeners = append(n.listeners, fn)
}

func (n *notifier) push(s State) {
	n.mu.Lock()
	n.queue = append(n.queue, s)
	n.mu.Unlock()
}

func (n *notifier) flush() {
	for {
		if !n.delivery.TryLock() {
			// The current holder drains whatever we queued.
			return
		}
		for {
			n.mu.Lock()
			if len(n.queue) == 0 {
				n.mu.Unlock()
				break
			}
			s := n.queue[0]
			n.queue = n.queue[1:]
			listeners := make([]func(State), len(n.listeners))
			copy(listeners, n.listeners)
			n.mu.Unlock()

			for _, fn := range listeners {
				fn(s)
			}
		}
		n.delivery.Unlock()

		n.mu.Lock()
		empty := len(n.queue) == 0
		n.mu.Unlock()
		if empty {
			return
		}
	}
}
