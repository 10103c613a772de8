package events

import "sync"

// Subscription is a live listener on one topic.
type Subscription struct {
	C   <-chan any
	bus *Bus
	ev  Event
	ch  chan any
}

// Bus is a lightweight in-process pub/sub broker. Slow subscribers never
// block publishers; overflowing messages are dropped.
type Bus struct {
	mu     sync.RWMutex
	subs   map[Event][]chan any
	closed bool
}

func NewBus() *Bus {
	return &Bus{subs: make(map[Event][]chan any)}
}

// Subscribe registers a listener for an event.
func (b *Bus) Subscribe(e Event, buffer int) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan any, buffer)
	b.subs[e] = append(b.subs[e], ch)
	return &Subscription{C: ch, bus: b, ev: e, ch: ch}
}

// Unsubscribe detaches the listener and closes its channel.
func (s *Subscription) Unsubscribe() {
	b := s.bus
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subs[s.ev]
	for i, c := range subs {
		if c == s.ch {
			close(c)
			b.subs[s.ev] = append(subs[:i], subs[i+1:]...)
			return
		}
	}
}

// Publish fan-outs the payload to subscribers without blocking.
func (b *Bus) Publish(e Event, payload any) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, ch := range b.subs[e] {
		select {
		case ch <- payload:
		default:
			// drop when the subscriber is behind
		}
	}
}

// Close shuts the bus; subsequent publishes are no-ops.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, subs := range b.subs {
		for _, ch := range subs {
			close(ch)
		}
	}
	b.subs = make(map[Event][]chan any)
}
