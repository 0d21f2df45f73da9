package client

import "sync"

type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Reconnecting
	Closed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// handlers is an ordered callback list. Callbacks run on the emitting
// goroutine in registration order.
type handlers[T any] struct {
	mu   sync.Mutex
	next int
	list []handler[T]
}

type handler[T any] struct {
	id int
	fn func(T)
}

func (h *handlers[T]) add(fn func(T)) func() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.next++
	id := h.next
	h.list = append(h.list, handler[T]{id: id, fn: fn})
	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		for i, e := range h.list {
			if e.id == id {
				h.list = append(h.list[:i:i], h.list[i+1:]...)
				return
			}
		}
	}
}

func (h *handlers[T]) emit(v T) {
	h.mu.Lock()
	list := h.list
	h.mu.Unlock()
	for _, e := range list {
		e.fn(v)
	}
}
