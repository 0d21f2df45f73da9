package ws

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// clientConn is one live websocket session bound to a single user. All
// socket writes happen on writePump; everyone else enqueues frames.
type clientConn struct {
	id      string
	userID  string
	rawConn *websocket.Conn
	send    chan []byte

	// stall bounds how long fan-out waits on a full queue before the
	// connection is treated as a slow consumer.
	stall time.Duration

	// rooms is owned by the connection's reader goroutine.
	rooms map[string]struct{}

	done      chan struct{}
	closeOnce sync.Once
}

func newClientConn(id, userID string, rawConn *websocket.Conn, queueSize int) *clientConn {
	return &clientConn{
		id:      id,
		userID:  userID,
		rawConn: rawConn,
		send:    make(chan []byte, queueSize),
		stall:   writeWait,
		rooms:   make(map[string]struct{}),
		done:    make(chan struct{}),
	}
}

// enqueue queues a fan-out frame. A full queue is waited on for up to
// stall; a connection that cannot drain it in that time is closed.
func (c *clientConn) enqueue(frame []byte) bool {
	select {
	case <-c.done:
		return false
	case c.send <- frame:
		return true
	default:
	}

	t := time.NewTimer(c.stall)
	defer t.Stop()
	select {
	case <-c.done:
		return false
	case c.send <- frame:
		return true
	case <-t.C:
		zap.L().Warn("ws.slow_consumer", zap.String("conn_id", c.id), zap.String("user_id", c.userID))
		c.close()
		return false
	}
}

// reply queues the answer to one of the connection's own frames. It
// blocks the caller (the connection's reader) until there is room, so a
// client that does not read its replies stops being read.
func (c *clientConn) reply(event string, body any) {
	frame, err := encodeFrame(event, body)
	if err != nil {
		zap.L().Error("ws.encode", zap.String("event", event), zap.Error(err))
		return
	}
	select {
	case <-c.done:
	case c.send <- frame:
	}
}

func (c *clientConn) replyError(code, reason string) {
	c.reply(EventError, ErrorBody{Code: code, Error: reason})
}

// notify sends an unsolicited event on the fan-out path.
func (c *clientConn) notify(event string, body any) {
	frame, err := encodeFrame(event, body)
	if err != nil {
		zap.L().Error("ws.encode", zap.String("event", event), zap.Error(err))
		return
	}
	c.enqueue(frame)
}

// close is safe to call from any goroutine, any number of times. The
// write pump flushes what is already queued, sends a close frame and
// then closes the socket, which unblocks the reader.
func (c *clientConn) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *clientConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
		_ = c.rawConn.Close()
	}()

	for {
		select {
		case frame := <-c.send:
			_ = c.rawConn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.rawConn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.rawConn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.rawConn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			c.flush()
			return
		}
	}
}

// flush writes every frame still queued, all within one writeWait.
func (c *clientConn) flush() {
	deadline := time.Now().Add(writeWait)
	_ = c.rawConn.SetWriteDeadline(deadline)
	for {
		select {
		case frame := <-c.send:
			if err := c.rawConn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		default:
			_ = c.rawConn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				deadline)
			return
		}
	}
}
