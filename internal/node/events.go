package node

import (
	"context"
	"encoding/json"
	"sync"
)

// EventHandler receives the parameters of a backend event.
type EventHandler func(params []json.RawMessage)

// Attempt is an in-flight Connect. It settles once with the connect result.
type Attempt struct {
	done chan struct{}
	err  error
}

func newAttempt() *Attempt { return &Attempt{done: make(chan struct{})} }

func (a *Attempt) finish(err error) {
	a.err = err
	close(a.done)
}

// Done is closed when the attempt finishes.
func (a *Attempt) Done() <-chan struct{} { return a.done }

// Wait blocks until the attempt finishes or ctx is done.
func (a *Attempt) Wait(ctx context.Context) error {
	select {
	case <-a.done:
		return a.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CloseEvent is delivered when an established connection is lost.
// Reconnect is nil unless auto-reconnect was enabled, in which case it
// tracks the reconnection started on the caller's behalf.
type CloseEvent struct {
	Reconnect *Attempt
}

// CloseHandler receives close notifications.
type CloseHandler func(ev CloseEvent)

type subscription struct {
	id uint64
	fn EventHandler
}

// subscribers is an explicit subscriber list per "domain:event" name.
type subscribers struct {
	mu     sync.Mutex
	nextID uint64
	events map[string][]subscription
	closes map[uint64]CloseHandler
}

func newSubscribers() *subscribers {
	return &subscribers{
		events: make(map[string][]subscription),
		closes: make(map[uint64]CloseHandler),
	}
}

func (s *subscribers) on(name string, fn EventHandler) func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	id := s.nextID
	s.events[name] = append(s.events[name], subscription{id: id, fn: fn})

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		subs := s.events[name]
		for i, sub := range subs {
			if sub.id == id {
				s.events[name] = append(subs[:i:i], subs[i+1:]...)
				break
			}
		}
		if len(s.events[name]) == 0 {
			delete(s.events, name)
		}
	}
}

func (s *subscribers) onClose(fn CloseHandler) func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	id := s.nextID
	s.closes[id] = fn

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.closes, id)
	}
}

func (s *subscribers) dispatch(name string, params []json.RawMessage) {
	s.mu.Lock()
	subs := append([]subscription(nil), s.events[name]...)
	s.mu.Unlock()

	for _, sub := range subs {
		sub.fn(params)
	}
}

func (s *subscribers) dispatchClose(ev CloseEvent) {
	s.mu.Lock()
	handlers := make([]CloseHandler, 0, len(s.closes))
	for _, fn := range s.closes {
		handlers = append(handlers, fn)
	}
	s.mu.Unlock()

	for _, fn := range handlers {
		fn(ev)
	}
}

// callbackQueue runs user callbacks in push order on a goroutine of its own,
// keeping them off the read loop. The goroutine exits once the queue drains.
type callbackQueue struct {
	mu      sync.Mutex
	items   []func()
	running bool
}

func (q *callbackQueue) push(fn func()) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.items = append(q.items, fn)
	if !q.running {
		q.running = true
		go q.drain()
	}
}

func (q *callbackQueue) drain() {
	for {
		q.mu.Lock()
		if len(q.items) == 0 {
			q.running = false
			q.mu.Unlock()
			return
		}
		fn := q.items[0]
		q.items[0] = nil
		q.items = q.items[1:]
		q.mu.Unlock()

		fn()
	}
}
