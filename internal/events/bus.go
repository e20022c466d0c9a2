package events

import (
	"sync"

	"github.com/ElJoseRuiz/gestiona-trades/pkg/db"
)

// Bus is a lightweight fan-out of lifecycle events to live observers
// (dashboard websocket clients). Subscribers receive value snapshots; a slow
// subscriber drops messages rather than blocking the engine.
type Bus struct {
	mu   sync.RWMutex
	subs []chan db.Event
}

// NewBus creates an event bus.
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers a listener and returns its channel plus an unsubscribe
// function.
func (b *Bus) Subscribe(buffer int) (<-chan db.Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan db.Event, buffer)
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

// Publish fans the event out without blocking.
func (b *Bus) Publish(ev db.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			// drop if subscriber is slow; keep the broker non-blocking
		}
	}
}
