// Package stream fans recorded lifecycle events out to live subscribers
// (the admin SSE feed). Delivery is best-effort: slow subscribers drop
// events rather than stall the recorder.
package stream

import (
	"sync"

	"keygate.io/internal/audit"
)

const subscriberBuffer = 16

// Stream fan-outs audit events to all active subscribers.
type Stream struct {
	mu   sync.RWMutex
	subs map[int]chan audit.Event
	next int
}

// New initialises an empty stream.
func New() *Stream {
	return &Stream{subs: make(map[int]chan audit.Event)}
}

// Subscribe registers a listener. The returned cancel func must be called
// when the subscriber goes away.
func (s *Stream) Subscribe() (<-chan audit.Event, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.next
	s.next++
	ch := make(chan audit.Event, subscriberBuffer)
	s.subs[id] = ch
	cancel := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if sub, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

// Publish delivers the event to every subscriber without blocking.
func (s *Stream) Publish(ev audit.Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
