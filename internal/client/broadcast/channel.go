package broadcast

import (
	"errors"
	"sync"
)

var ErrClosed = errors.New("broadcast channel closed")

// Channel is a same-origin publish/subscribe transport. A message posted on
// a channel is delivered to the subscribers of every other endpoint with
// the same name, never back to the posting endpoint.
type Channel interface {
	Post(msg []byte) error
	// Subscribe registers fn and returns a function that removes it.
	Subscribe(fn func(msg []byte)) (cancel func())
	Close() error
}

// Hub connects in-process endpoints by channel name.
type Hub struct {
	mu        sync.Mutex
	endpoints map[string]map[*endpoint]struct{}
}

func NewHub() *Hub {
	return &Hub{endpoints: make(map[string]map[*endpoint]struct{})}
}

// Open returns a new endpoint on the named channel.
func (h *Hub) Open(name string) Channel {
	e := &endpoint{hub: h, name: name, subs: make(map[int]func([]byte))}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.endpoints[name] == nil {
		h.endpoints[name] = make(map[*endpoint]struct{})
	}
	h.endpoints[name][e] = struct{}{}
	return e
}

func (h *Hub) deliver(from *endpoint, msg []byte) {
	h.mu.Lock()
	var fns []func([]byte)
	for e := range h.endpoints[from.name] {
		if e == from {
			continue
		}
		fns = append(fns, e.handlers()...)
	}
	h.mu.Unlock()

	for _, fn := range fns {
		fn(append([]byte(nil), msg...))
	}
}

func (h *Hub) remove(e *endpoint) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.endpoints[e.name], e)
	if len(h.endpoints[e.name]) == 0 {
		delete(h.endpoints, e.name)
	}
}

type endpoint struct {
	hub  *Hub
	name string

	mu     sync.Mutex
	subs   map[int]func([]byte)
	next   int
	closed bool
}

func (e *endpoint) Post(msg []byte) error {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return ErrClosed
	}
	e.hub.deliver(e, msg)
	return nil
}

func (e *endpoint) Subscribe(fn func([]byte)) func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	id := e.next
	e.next++
	e.subs[id] = fn
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.subs, id)
	}
}

func (e *endpoint) handlers() []func([]byte) {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]func([]byte), 0, len(e.subs))
	for _, fn := range e.subs {
		out = append(out, fn)
	}
	return out
}

func (e *endpoint) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.subs = make(map[int]func([]byte))
	e.mu.Unlock()

	e.hub.remove(e)
	return nil
}

// Noop is the channel used when no transport is available.
type Noop struct{}

func (Noop) Post([]byte) error             { return nil }
func (Noop) Subscribe(func([]byte)) func() { return func() {} }
func (Noop) Close() error                  { return nil }
