// Package event provides a typed publish/subscribe emitter with explicit
// unsubscribe.
package event

import (
	"log/slog"
	"sync"
)

// Emitter delivers values of type T to registered subscribers in
// registration order. A subscriber that panics is recovered and logged; the
// remaining subscribers still receive the value.
//
// The zero value is ready to use. All methods are safe for concurrent use.
type Emitter[T any] struct {
	name string

	mu     sync.RWMutex
	nextID uint64
	subs   []subscription[T]
}

type subscription[T any] struct {
	id uint64
	fn func(T)
}

// New returns an Emitter whose name appears in panic logs.
func New[T any](name string) *Emitter[T] {
	return &Emitter[T]{name: name}
}

// Subscribe registers fn and returns a function that removes it. The
// returned function is idempotent.
func (e *Emitter[T]) Subscribe(fn func(T)) (unsubscribe func()) {
	if fn == nil {
		return func() {}
	}
	e.mu.Lock()
	e.nextID++
	id := e.nextID
	e.subs = append(e.subs, subscription[T]{id: id, fn: fn})
	e.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { e.remove(id) })
	}
}

// Emit calls every subscriber with v on the calling goroutine. Subscribers
// added or removed during Emit take effect on the next call.
func (e *Emitter[T]) Emit(v T) {
	e.mu.RLock()
	subs := make([]subscription[T], len(e.subs))
	copy(subs, e.subs)
	e.mu.RUnlock()

	for _, s := range subs {
		e.call(s, v)
	}
}

// Len returns the number of registered subscribers.
func (e *Emitter[T]) Len() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.subs)
}

func (e *Emitter[T]) call(s subscription[T], v T) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("event subscriber panicked",
				"emitter", e.name,
				"subscriber", s.id,
				"panic", r,
			)
		}
	}()
	s.fn(v)
}

func (e *Emitter[T]) remove(id uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, s := range e.subs {
		if s.id == id {
			e.subs = append(e.subs[:i:i], e.subs[i+1:]...)
			return
		}
	}
}
