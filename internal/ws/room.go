package ws

import (
	"sync"
)

// room is the local member set of one room. A room that became empty is
// marked dead and never reused; joiners retry on a fresh one.
type room struct {
	mu    sync.RWMutex
	conns map[*clientConn]struct{}
	dead  bool
}

func newRoom() *room { return &room{conns: map[*clientConn]struct{}{}} }

func (r *room) add(c *clientConn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.dead {
		return false
	}
	r.conns[c] = struct{}{}
	return true
}

// remove reports whether the room is now empty (and dead).
func (r *room) remove(c *clientConn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.conns, c)
	if len(r.conns) == 0 {
		r.dead = true
	}
	return r.dead
}

func (r *room) snapshot() []*clientConn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conns := make([]*clientConn, 0, len(r.conns))
	for c := range r.conns {
		conns = append(conns, c)
	}
	return conns
}

func (r *room) broadcast(msg []byte) {
	// Take a quick snapshot of the current connections
	conns := r.snapshot()

	// Enqueue outside the lock; a stalled queue drops that connection only.
	for _, c := range conns {
		c.enqueue(msg)
	}
}
