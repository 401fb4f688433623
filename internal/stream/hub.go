// Package stream provides a multicast, replay-free event hub.
// Every subscriber owns an unbounded FIFO queue drained by its own goroutine,
// so publishers never block on slow consumers and each subscriber observes
// values in publish order.
package stream

import (
	"sync"
)

// Hub broadcasts published values to all current subscribers.
// The zero value is not usable; construct with NewHub.
type Hub[T any] struct {
	mu     sync.Mutex
	subs   map[*Subscription[T]]struct{}
	closed bool
}

// NewHub creates an empty hub.
func NewHub[T any]() *Hub[T] {
	return &Hub[T]{subs: make(map[*Subscription[T]]struct{})}
}

// Publish delivers v to every current subscriber. Late subscribers do not see it.
func (h *Hub[T]) Publish(v T) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	for s := range h.subs {
		s.push(v)
	}
}

// Subscribe registers a new subscriber. Subscribing to a closed hub returns a
// subscription whose channel is already closed.
func (h *Hub[T]) Subscribe() *Subscription[T] {
	s := newSubscription(h)
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		s.Close()
		return s
	}
	h.subs[s] = struct{}{}
	h.mu.Unlock()
	return s
}

// Subscribers reports the number of live subscriptions.
func (h *Hub[T]) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close ends the stream. Subscribers drain what was already queued and then
// see their channel closed.
func (h *Hub[T]) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	subs := h.subs
	h.subs = make(map[*Subscription[T]]struct{})
	h.mu.Unlock()

	for s := range subs {
		s.finish()
	}
}

func (h *Hub[T]) remove(s *Subscription[T]) {
	h.mu.Lock()
	delete(h.subs, s)
	h.mu.Unlock()
}

// Subscription is one consumer's view of a Hub.
type Subscription[T any] struct {
	hub *Hub[T]

	mu       sync.Mutex
	cond     *sync.Cond
	queue    []T
	draining bool // hub closed; deliver what is queued then stop

	out       chan T
	done      chan struct{}
	exited    chan struct{}
	closeOnce sync.Once
}

func newSubscription[T any](h *Hub[T]) *Subscription[T] {
	s := &Subscription[T]{
		hub:    h,
		out:    make(chan T),
		done:   make(chan struct{}),
		exited: make(chan struct{}),
	}
	s.cond = sync.NewCond(&s.mu)
	go s.pump()
	return s
}

// C returns the channel values are delivered on. It is closed after the
// subscription ends.
func (s *Subscription[T]) C() <-chan T {
	return s.out
}

// Done is closed once Close has been called.
func (s *Subscription[T]) Done() <-chan struct{} {
	return s.done
}

// Close unsubscribes. Once Close returns no further value is delivered.
func (s *Subscription[T]) Close() {
	s.closeOnce.Do(func() {
		s.hub.remove(s)
		close(s.done)
		s.mu.Lock()
		s.queue = nil
		s.cond.Broadcast()
		s.mu.Unlock()
	})
	<-s.exited
}

func (s *Subscription[T]) push(v T) {
	s.mu.Lock()
	select {
	case <-s.done:
	default:
		s.queue = append(s.queue, v)
		s.cond.Signal()
	}
	s.mu.Unlock()
}

func (s *Subscription[T]) finish() {
	s.mu.Lock()
	s.draining = true
	s.cond.Broadcast()
	s.mu.Unlock()
}

func (s *Subscription[T]) cancelled() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *Subscription[T]) pump() {
	defer close(s.exited)
	defer close(s.out)

	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.draining && !s.cancelled() {
			s.cond.Wait()
		}
		if s.cancelled() || len(s.queue) == 0 {
			s.mu.Unlock()
			return
		}
		v := s.queue[0]
		var zero T
		s.queue[0] = zero
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.out <- v:
		case <-s.done:
			return
		}
	}
}
