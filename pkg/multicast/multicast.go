// Package multicast provides a small synchronous fan-out primitive.
//
// An S[V] delivers every emitted value to all current listeners before
// Emit returns, so a caller that mutates state and then reads it back is
// guaranteed to observe its own change. Replay[V] additionally retains
// the latest value and hands it to late subscribers on attach.
package multicast

import (
	"sync"
)

// S is a synchronous multicast stream of V.
type S[V any] struct {
	mu        sync.Mutex
	listeners map[int]func(V)
	serial    int
}

func New[V any]() *S[V] {
	return &S[V]{listeners: make(map[int]func(V))}
}

// Subscribe attaches fn and returns a detach function. fn is invoked
// inline from Emit; it must not block or re-enter the stream.
func (s *S[V]) Subscribe(fn func(V)) (cancel func()) {
	s.mu.Lock()
	id := s.serial
	s.serial++
	s.listeners[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

// Emit delivers v to every listener synchronously.
func (s *S[V]) Emit(v V) {
	s.mu.Lock()
	fns := make([]func(V), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn(v)
	}
}

// Len returns the number of attached listeners.
func (s *S[V]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.listeners)
}

// Chan attaches a buffered channel listener. Values emitted while the
// buffer is full are dropped for that listener only.
func (s *S[V]) Chan(buf int) (ch chan V, cancel func()) {
	ch = make(chan V, buf)
	cancel = s.Subscribe(func(v V) {
		select {
		case ch <- v:
		default:
		}
	})
	return
}

// Replay is a multicast stream that retains the latest emitted value.
type Replay[V any] struct {
	S[V]
	mu     sync.Mutex
	latest V
	have   bool
}

func NewReplay[V any]() *Replay[V] {
	return &Replay[V]{S: S[V]{listeners: make(map[int]func(V))}}
}

// Emit stores v as the latest value and fans it out.
func (r *Replay[V]) Emit(v V) {
	r.mu.Lock()
	r.latest = v
	r.have = true
	r.mu.Unlock()
	r.S.Emit(v)
}

// Latest returns the most recently emitted value, if any.
func (r *Replay[V]) Latest() (v V, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.latest, r.have
}

// Subscribe attaches fn, first replaying the latest value when one has
// been emitted.
func (r *Replay[V]) Subscribe(fn func(V)) (cancel func()) {
	r.mu.Lock()
	v, have := r.latest, r.have
	r.mu.Unlock()
	if have {
		fn(v)
	}
	return r.S.Subscribe(fn)
}
