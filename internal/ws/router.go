package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	"go.uber.org/zap"
)

var (
	ErrUnknownEvent = errors.New("unknown event")
	ErrBadPayload   = errors.New("malformed payload")
	ErrInternal     = errors.New("internal error")
)

// ConnContext is what a handler knows about the calling connection.
type ConnContext struct {
	ConnID string
	UserID string
	conn   *clientConn
}

// internal (untyped) handler signature.
type rawHandler func(ctx context.Context, c *ConnContext, body json.RawMessage) (any, error)

type route struct {
	ack     string
	handler rawHandler
}

// Router keeps a map[event]handler, à‑la gin.Engine.
type Router struct {
	mu     sync.RWMutex
	routes map[string]route
}

func NewRouter() *Router { return &Router{routes: make(map[string]route)} }

// Register binds an event to a strongly‑typed handler. On success the
// result is sent back as ackEvent; an empty ackEvent sends nothing.
func Register[Req any, Res any](
	r *Router,
	event string,
	ackEvent string,
	h func(ctx context.Context, c *ConnContext, req Req) (Res, error),
) {
	if event == "" {
		panic("ws router: empty event")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.routes[event] = route{
		ack: ackEvent,
		handler: func(ctx context.Context, c *ConnContext, body json.RawMessage) (any, error) {
			var req Req
			if len(body) > 0 {
				if err := json.Unmarshal(body, &req); err != nil {
					return nil, fmt.Errorf("%w: %v", ErrBadPayload, err)
				}
			}
			return h(ctx, c, req)
		},
	}
}

// dispatch is called by the server's reader loop. A panicking handler
// fails that one frame, not the connection or the process.
func (r *Router) dispatch(ctx context.Context, c *ConnContext, env Envelope) (ack string, res any, err error) {
	r.mu.RLock()
	rt, ok := r.routes[env.Event]
	r.mu.RUnlock()
	if !ok {
		return "", nil, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Event)
	}

	defer func() {
		if p := recover(); p != nil {
			zap.L().Error("ws.handler_panic",
				zap.String("event", env.Event),
				zap.String("conn_id", c.ConnID),
				zap.Any("panic", p),
				zap.ByteString("stack", debug.Stack()),
			)
			ack, res, err = "", nil, ErrInternal
		}
	}()

	res, err = rt.handler(ctx, c, env.Body)
	return rt.ack, res, err
}
