package ws

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"grouprelay/internal/message"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func detachedConn(id string, queue int) *clientConn {
	return newClientConn(id, "u-"+id, nil, queue)
}

func drain(c *clientConn) [][]byte {
	var out [][]byte
	for {
		select {
		case f := <-c.send:
			out = append(out, f)
		default:
			return out
		}
	}
}

func TestHub_JoinIsIdempotent(t *testing.T) {
	h := NewHub()
	c := detachedConn("a", 8)

	h.Join("g1", c)
	h.Join("g1", c)
	assert.Len(t, h.Members("g1"), 1)

	h.Broadcast("g1", []byte("x"))
	assert.Len(t, drain(c), 1)
}

func TestHub_LeaveCollectsEmptyRooms(t *testing.T) {
	h := NewHub()
	a, b := detachedConn("a", 8), detachedConn("b", 8)

	h.Join("g1", a)
	h.Join("g1", b)
	h.Join("g2", a)
	assert.Equal(t, 2, h.Rooms())

	h.Leave("g1", a)
	assert.ElementsMatch(t, []*clientConn{b}, h.Members("g1"))

	h.Leave("g1", b)
	h.Leave("g2", a)
	assert.Empty(t, h.Members("g1"))
	assert.Equal(t, 0, h.Rooms())

	// leaving twice or leaving an unknown room is harmless
	h.Leave("g1", b)
	h.Leave("nope", a)

	// a collected room comes back on the next join
	h.Join("g1", a)
	assert.Len(t, h.Members("g1"), 1)
}

func TestHub_DeliverEncodesMessageFrame(t *testing.T) {
	h := NewHub()
	c := detachedConn("a", 8)
	h.Join("g1", c)

	h.Deliver("g1", &message.Message{ID: "m1", RoomID: "g1", UserID: "u1", Content: "hi"})
	h.Deliver("other", &message.Message{ID: "m2", RoomID: "other", UserID: "u1", Content: "hi"})

	frames := drain(c)
	require.Len(t, frames, 1)
	assert.JSONEq(t,
		`{"event":"message","body":{"id":"m1","roomId":"g1","userId":"u1","sender":"","content":"hi","createdAt":"0001-01-01T00:00:00Z","time":""}}`,
		string(frames[0]))
}

func TestHub_SlowConsumerDoesNotBlockOthers(t *testing.T) {
	h := NewHub()
	slow, fast := detachedConn("slow", 1), detachedConn("fast", 16)
	slow.stall = 10 * time.Millisecond
	h.Join("g1", slow)
	h.Join("g1", fast)

	for i := 0; i < 5; i++ {
		h.Broadcast("g1", []byte(fmt.Sprint(i)))
	}

	assert.Len(t, drain(fast), 5)
	select {
	case <-slow.done:
	default:
		t.Fatal("slow consumer should have been closed")
	}
	assert.False(t, slow.enqueue([]byte("late")))
}

func TestEnqueue_WaitsForRoomInsteadOfDropping(t *testing.T) {
	c := detachedConn("a", 1)
	c.stall = 2 * time.Second

	require.True(t, c.enqueue([]byte("1")))

	// a reader that frees the slot shortly after the queue fills up
	go func() {
		time.Sleep(20 * time.Millisecond)
		<-c.send
	}()
	assert.True(t, c.enqueue([]byte("2")))

	select {
	case <-c.done:
		t.Fatal("a draining connection must not be closed")
	default:
	}
	assert.Equal(t, [][]byte{[]byte("2")}, drain(c))
}

func TestReply_BlocksUntilQueuedOrClosed(t *testing.T) {
	c := detachedConn("a", 1)
	c.reply(EventJoined, RoomAck{RoomID: "g1"})

	returned := make(chan struct{})
	go func() {
		c.reply(EventJoined, RoomAck{RoomID: "g2"})
		close(returned)
	}()

	select {
	case <-returned:
		t.Fatal("reply must wait for room in the queue")
	case <-time.After(30 * time.Millisecond):
	}

	c.close()
	select {
	case <-returned:
	case <-time.After(time.Second):
		t.Fatal("reply must give up once the connection closes")
	}
	assert.Len(t, drain(c), 1)
}

func TestHub_ConcurrentJoinLeave(t *testing.T) {
	h := NewHub()
	const n = 64
	conns := make([]*clientConn, n)
	for i := range conns {
		conns[i] = detachedConn(fmt.Sprint(i), 4096)
	}

	var wg sync.WaitGroup
	for i, c := range conns {
		wg.Add(1)
		go func(i int, c *clientConn) {
			defer wg.Done()
			room := fmt.Sprintf("g%d", i%4)
			for j := 0; j < 100; j++ {
				h.Join(room, c)
				h.Broadcast(room, []byte("x"))
				h.Leave(room, c)
			}
			if i%2 == 0 {
				h.Join(room, c)
			}
		}(i, c)
	}
	wg.Wait()

	total := 0
	for r := 0; r < 4; r++ {
		total += len(h.Members(fmt.Sprintf("g%d", r)))
	}
	assert.Equal(t, n/2, total)
	assert.Equal(t, 4, h.Rooms())
}
