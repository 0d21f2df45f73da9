package ws

import (
	"encoding/json"
	"sync"

	"grouprelay/internal/message"

	"go.uber.org/zap"
)

// Hub is the local room registry: roomID -> *room. Locking is per room.
type Hub struct {
	rooms sync.Map
}

func NewHub() *Hub { return &Hub{} }

// Join is idempotent.
func (h *Hub) Join(roomID string, c *clientConn) {
	for {
		v, _ := h.rooms.LoadOrStore(roomID, newRoom())
		r := v.(*room)
		if r.add(c) {
			return
		}
		h.rooms.CompareAndDelete(roomID, r)
	}
}

func (h *Hub) Leave(roomID string, c *clientConn) {
	v, ok := h.rooms.Load(roomID)
	if !ok {
		return
	}
	r := v.(*room)
	if r.remove(c) {
		h.rooms.CompareAndDelete(roomID, r)
	}
}

// Members returns the connections currently joined to roomID on this instance.
func (h *Hub) Members(roomID string) []*clientConn {
	if v, ok := h.rooms.Load(roomID); ok {
		return v.(*room).snapshot()
	}
	return nil
}

// Rooms returns the number of rooms with at least one local member.
func (h *Hub) Rooms() int {
	n := 0
	h.rooms.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Broadcast writes an encoded frame to every local member of roomID.
func (h *Hub) Broadcast(roomID string, frame []byte) {
	if v, ok := h.rooms.Load(roomID); ok {
		v.(*room).broadcast(frame)
	}
}

// Deliver is called by the pub/sub bridge for every published message.
func (h *Hub) Deliver(roomID string, m *message.Message) {
	frame, err := encodeFrame(EventMessage, m)
	if err != nil {
		zap.L().Error("ws.encode_message", zap.String("message_id", m.ID), zap.Error(err))
		return
	}
	h.Broadcast(roomID, frame)
}

func encodeFrame(event string, body any) ([]byte, error) {
	env := Envelope{Event: event}
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		env.Body = raw
	}
	return json.Marshal(env)
}
