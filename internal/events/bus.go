package events

import "sync"

// Bus is a lightweight broadcast broker feeding the operator websocket
// stream. Every session event is published; subscribers get their own
// buffered channel.
type Bus struct {
	mu   sync.RWMutex
	subs []chan Envelope
}

// NewBus creates an event bus.
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers a listener and returns the channel and an
// unsubscribe function.
func (b *Bus) Subscribe(buffer int) (<-chan Envelope, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Envelope, buffer)
	b.subs = append(b.subs, ch)

	unsub := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, c := range b.subs {
			if c == ch {
				close(c)
				b.subs = append(b.subs[:i], b.subs[i+1:]...)
				break
			}
		}
	}

	return ch, unsub
}

// Publish fans the envelope out to subscribers without blocking.
func (b *Bus) Publish(env Envelope) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- env:
		default:
			// drop if subscriber is slow; keep broker non-blocking
		}
	}
}

// Emit makes the bus usable as a Sink.
func (b *Bus) Emit(env Envelope) { b.Publish(env) }
