package marketdata

import "sync"

// Subscription is one receiver attached to a Hub.
type Subscription[T any] struct {
	ch chan T
}

// C returns the receive side of the subscription.
func (s *Subscription[T]) C() <-chan T {
	return s.ch
}

// Hub fans values out to any number of subscribers. Broadcast never blocks:
// a subscriber that cannot keep up misses values instead of stalling the
// producer.
type Hub[T any] struct {
	mu   sync.RWMutex
	subs map[*Subscription[T]]struct{}
}

// NewHub builds an empty hub.
func NewHub[T any]() *Hub[T] {
	return &Hub[T]{subs: make(map[*Subscription[T]]struct{})}
}

// Subscribe attaches a new receiver with the given channel buffer.
func (h *Hub[T]) Subscribe(buffer int) *Subscription[T] {
	sub := &Subscription[T]{ch: make(chan T, buffer)}
	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()
	return sub
}

// Unsubscribe detaches a receiver and closes its channel.
func (h *Hub[T]) Unsubscribe(sub *Subscription[T]) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.subs[sub]; !ok {
		return
	}
	delete(h.subs, sub)
	close(sub.ch)
}

// Broadcast delivers value to every subscriber that has buffer room.
func (h *Hub[T]) Broadcast(value T) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for sub := range h.subs {
		select {
		case sub.ch <- value:
		default:
		}
	}
}

// Len reports the number of attached subscribers.
func (h *Hub[T]) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
