// Package fanout is a keyed in-process publish/subscribe used for live ride
// feeds. Delivery is latest-wins: a slow subscriber loses its oldest buffered
// value rather than blocking the publisher.
package fanout

import (
	"sync"
	"sync/atomic"
)

type Hub[T any] struct {
	mu   sync.RWMutex
	subs map[string]map[*Subscription[T]]struct{}
	buf  int
}

func NewHub[T any](buffer int) *Hub[T] {
	if buffer <= 0 {
		buffer = 1
	}
	return &Hub[T]{subs: make(map[string]map[*Subscription[T]]struct{}), buf: buffer}
}

type Subscription[T any] struct {
	key     string
	c       chan T
	hub     *Hub[T]
	closed  bool // guarded by hub.mu
	dropped atomic.Int64
}

// C is closed when the subscription is closed by either side.
func (s *Subscription[T]) C() <-chan T { return s.c }

func (s *Subscription[T]) Key() string { return s.key }

// Dropped counts values discarded because the subscriber lagged.
func (s *Subscription[T]) Dropped() int64 { return s.dropped.Load() }

func (s *Subscription[T]) Close() {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	s.hub.removeLocked(s)
}

func (h *Hub[T]) Subscribe(key string) *Subscription[T] {
	s := &Subscription[T]{key: key, c: make(chan T, h.buf), hub: h}
	h.mu.Lock()
	set, ok := h.subs[key]
	if !ok {
		set = make(map[*Subscription[T]]struct{})
		h.subs[key] = set
	}
	set[s] = struct{}{}
	h.mu.Unlock()
	return s
}

// Publish delivers v to every subscriber of key and returns how many there were.
func (h *Hub[T]) Publish(key string, v T) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	set := h.subs[key]
	for s := range set {
		for {
			select {
			case s.c <- v:
			default:
				select {
				case <-s.c:
					s.dropped.Add(1)
				default:
				}
				continue
			}
			break
		}
	}
	return len(set)
}

// CloseKey ends every subscription of key.
func (h *Hub[T]) CloseKey(key string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.subs[key] {
		h.removeLocked(s)
	}
}

func (h *Hub[T]) Count(key string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[key])
}

func (h *Hub[T]) removeLocked(s *Subscription[T]) {
	if s.closed {
		return
	}
	s.closed = true
	close(s.c)
	if set, ok := h.subs[s.key]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(h.subs, s.key)
		}
	}
}
