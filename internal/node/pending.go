package node

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

// ErrBinaryResponse is returned when a binary response is decoded into
// anything other than *[]byte.
var ErrBinaryResponse = errors.New("binary response can only be decoded into *[]byte")

// Response is the result of a command. Exactly one of Raw and Binary is set.
type Response struct {
	Raw    json.RawMessage
	Binary []byte
}

// IsBinary reports whether the response arrived on the binary fast path.
func (r Response) IsBinary() bool { return r.Binary != nil }

// Decode unmarshals the response into v.
func (r Response) Decode(v any) error {
	if r.Binary != nil {
		b, ok := v.(*[]byte)
		if !ok {
			return ErrBinaryResponse
		}
		*b = r.Binary
		return nil
	}
	return json.Unmarshal(r.Raw, v)
}

// CommandError is a failure reported by a backend handler.
type CommandError struct {
	ID      uint32
	Message string
	Stack   string
}

func (e *CommandError) Error() string { return e.Message }

// ProgressFunc receives commandProgress notifications for one command.
type ProgressFunc func(message json.RawMessage)

// Pending is an outstanding command. It settles exactly once, either with a
// response or with an error.
type Pending struct {
	id       uint32
	progress ProgressFunc
	// callbacks orders progress notifications before the settle that
	// follows them. Nil when there is no progress callback.
	callbacks *callbackQueue

	once sync.Once
	done chan struct{}
	resp Response
	err  error
}

func newPending(progress ProgressFunc) *Pending {
	p := &Pending{progress: progress, done: make(chan struct{})}
	if progress != nil {
		p.callbacks = &callbackQueue{}
	}
	return p
}

// ID returns the correlation id, or 0 if the command was never sent.
func (p *Pending) ID() uint32 { return p.id }

// Done is closed once the command has settled.
func (p *Pending) Done() <-chan struct{} { return p.done }

// Wait blocks until the command settles or ctx is done. Giving up on ctx does
// not cancel the command.
func (p *Pending) Wait(ctx context.Context) (Response, error) {
	select {
	case <-p.done:
		return p.resp, p.err
	case <-ctx.Done():
		return Response{}, ctx.Err()
	}
}

// Result returns the settled outcome. It must only be called after Done is closed.
func (p *Pending) Result() (Response, error) {
	<-p.done
	return p.resp, p.err
}

// settle records the outcome. It reports false if the command had already settled.
func (p *Pending) settle(resp Response, err error) bool {
	settled := false
	p.once.Do(func() {
		p.resp, p.err = resp, err
		settled = true
		close(p.done)
	})
	return settled
}

// later runs fn behind any queued progress notifications, or right away when
// the command has no progress callback.
func (p *Pending) later(fn func()) {
	if p.callbacks == nil {
		fn()
		return
	}
	p.callbacks.push(fn)
}

func (p *Pending) notify(message json.RawMessage) {
	if p.progress == nil {
		return
	}
	select {
	case <-p.done:
	default:
		p.progress(message)
	}
}

// pendingTable maps correlation ids to outstanding commands of one connection.
type pendingTable struct {
	mu     sync.Mutex
	nextID uint32
	items  map[uint32]*Pending
}

func newPendingTable() *pendingTable {
	return &pendingTable{nextID: 1, items: make(map[uint32]*Pending)}
}

// add assigns the next free id to p. The counter wraps from 2^32-1 to 0 and
// skips ids that are still outstanding.
func (t *pendingTable) add(p *Pending) uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()

	for {
		id := t.nextID
		t.nextID++
		if _, busy := t.items[id]; busy {
			continue
		}
		p.id = id
		t.items[id] = p
		return id
	}
}

func (t *pendingTable) get(id uint32) *Pending {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.items[id]
}

// take removes and returns the command with the given id.
func (t *pendingTable) take(id uint32) *Pending {
	t.mu.Lock()
	defer t.mu.Unlock()
	p := t.items[id]
	delete(t.items, id)
	return p
}

// rejectAll settles every outstanding command with err and empties the table.
func (t *pendingTable) rejectAll(err error) int {
	t.mu.Lock()
	items := t.items
	t.items = make(map[uint32]*Pending)
	t.mu.Unlock()

	for id, p := range items {
		p.settle(Response{}, fmt.Errorf("command %d: %w", id, err))
	}
	return len(items)
}

func (t *pendingTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.items)
}
