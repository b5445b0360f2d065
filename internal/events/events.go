// internal/events/events.go

// Package events provides the ordered subscription primitive shared by the
// engines. Delivery is push-based and synchronous: subscribers observe
// publishes in the exact order they occurred, per publisher.
package events

import "sync"

// Unsubscribe removes the associated handler. Safe to call more than once
// and safe to call from inside the handler itself.
type Unsubscribe func()

// Emitter fans out values of type T to subscribers in subscription order.
type Emitter[T any] struct {
	mu     sync.Mutex
	nextID uint64
	subs   []subscription[T]
}

type subscription[T any] struct {
	id      uint64
	handler func(T)
}

// Subscribe registers a handler and returns its unsubscribe handle.
func (e *Emitter[T]) Subscribe(handler func(T)) Unsubscribe {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextID++
	id := e.nextID
	e.subs = append(e.subs, subscription[T]{id: id, handler: handler})
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		for i, s := range e.subs {
			if s.id == id {
				e.subs = append(e.subs[:i:i], e.subs[i+1:]...)
				break
			}
		}
	}
}

// Publish delivers ev to every current subscriber, in subscription order.
// The subscriber list is snapshotted first so a handler may unsubscribe
// itself (or others) without corrupting the iteration.
func (e *Emitter[T]) Publish(ev T) {
	e.mu.Lock()
	snapshot := make([]subscription[T], len(e.subs))
	copy(snapshot, e.subs)
	e.mu.Unlock()

	for _, s := range snapshot {
		s.handler(ev)
	}
}

// Len reports the current subscriber count.
func (e *Emitter[T]) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.subs)
}
