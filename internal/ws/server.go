package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"grouprelay/internal/message"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 25 * time.Second // must be < pongWait
	handlerTimeout = 5 * time.Second
)

// ErrTransport marks failures of the pub/sub or persistence backends.
var ErrTransport = errors.New("transport error")

// Publisher hands an accepted message to every relay instance.
type Publisher interface {
	Publish(ctx context.Context, m *message.Message) error
}

// Persister stores an accepted message without blocking the caller.
type Persister interface {
	Submit(m *message.Message, done func(error))
}

type Options struct {
	MaxMessageBytes int64
	SendQueueSize   int
	// AllowedOrigins is consulted only when AllowAnyOrigin is false.
	AllowedOrigins []string
	AllowAnyOrigin bool
}

type WsServer struct {
	hub       *Hub
	router    *Router
	publisher Publisher
	persister Persister
	upgrader  websocket.Upgrader
	opts      Options

	conns sync.Map // *clientConn -> struct{}
}

func NewWsServer(h *Hub, pub Publisher, persister Persister, opts Options) *WsServer {
	if opts.SendQueueSize <= 0 {
		opts.SendQueueSize = 256
	}
	srv := &WsServer{
		hub:       h,
		router:    NewRouter(),
		publisher: pub,
		persister: persister,
		opts:      opts,
	}
	srv.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     srv.checkOrigin,
	}
	srv.registerHandlers() // ← all WS endpoints configured here
	return srv
}

// ---------------------------------------------------------------------------
//  Public: Gin entry‑point
// ---------------------------------------------------------------------------

// Handle upgrades the request and serves the connection until it closes.
// The user id comes from an upstream authenticator, either as ?user_id=
// or the X-User-ID header.
func (s *WsServer) Handle(ginCtx *gin.Context) {
	userID := ginCtx.GetHeader("X-User-ID")
	if userID == "" {
		userID = ginCtx.Query("user_id")
	}
	if userID == "" {
		ginCtx.JSON(http.StatusBadRequest, gin.H{"error": "user_id is required"})
		return
	}

	rawConn, err := s.upgrader.Upgrade(ginCtx.Writer, ginCtx.Request, nil)
	if err != nil {
		// the upgrader already answered with an HTTP error
		zap.L().Warn("ws.accept", zap.Error(err))
		return
	}

	conn := newClientConn(uuid.NewString(), userID, rawConn, s.opts.SendQueueSize)
	s.conns.Store(conn, struct{}{})
	zap.L().Debug("ws.connect", zap.String("conn_id", conn.id), zap.String("user_id", userID))

	go conn.writePump()
	s.reader(conn)
}

// Shutdown closes every live connection. Each one flushes its queue and
// gets a normal close frame; readers then run the usual disconnect path.
func (s *WsServer) Shutdown() {
	n := 0
	s.conns.Range(func(k, _ any) bool {
		k.(*clientConn).close()
		n++
		return true
	})
	zap.L().Info("ws.shutdown", zap.Int("connections", n))
}

// ---------------------------------------------------------------------------
//  Private helpers
// ---------------------------------------------------------------------------

func (s *WsServer) checkOrigin(r *http.Request) bool {
	if s.opts.AllowAnyOrigin {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		// non-browser client
		return true
	}
	for _, o := range s.opts.AllowedOrigins {
		if o == origin {
			return true
		}
	}
	zap.L().Warn("ws.origin_rejected", zap.String("origin", origin))
	return false
}

func (s *WsServer) registerHandlers() {
	// 🔹 join-room -------------------------------------------------------------
	Register(
		s.router,
		EventJoinRoom,
		EventJoined,
		func(_ context.Context, cc *ConnContext, req RoomRequest) (RoomAck, error) {
			if req.RoomID == "" {
				return RoomAck{}, message.ErrInvalidRoom
			}
			if _, ok := cc.conn.rooms[req.RoomID]; !ok {
				cc.conn.rooms[req.RoomID] = struct{}{}
				s.hub.Join(req.RoomID, cc.conn)
			}
			return RoomAck{RoomID: req.RoomID}, nil
		},
	)

	// 🔹 leave-room ------------------------------------------------------------
	Register(
		s.router,
		EventLeaveRoom,
		EventLeft,
		func(_ context.Context, cc *ConnContext, req RoomRequest) (RoomAck, error) {
			if req.RoomID == "" {
				return RoomAck{}, message.ErrInvalidRoom
			}
			delete(cc.conn.rooms, req.RoomID)
			s.hub.Leave(req.RoomID, cc.conn)
			return RoomAck{RoomID: req.RoomID}, nil
		},
	)

	// 🔹 send-message ----------------------------------------------------------
	// The echo through the bridge is the sender's confirmation, so no ack.
	Register(
		s.router,
		EventSendMessage,
		"",
		func(ctx context.Context, cc *ConnContext, req message.SendRequest) (any, error) {
			return nil, s.send(ctx, cc, req)
		},
	)
}

// send persists and publishes in parallel: fan-out never waits for storage.
func (s *WsServer) send(ctx context.Context, cc *ConnContext, req message.SendRequest) error {
	m, err := message.New(req, cc.UserID, time.Now())
	if err != nil {
		return err
	}

	conn := cc.conn
	s.persister.Submit(m, func(err error) {
		if err != nil {
			conn.notify(EventError, ErrorBody{Code: CodeTransportError, Error: fmt.Sprintf("message %s was delivered but not saved", m.ID)})
		}
	})

	if err := s.publisher.Publish(ctx, m); err != nil {
		zap.L().Warn("ws.publish_failed: degraded mode, local-only delivery",
			zap.String("room_id", m.RoomID),
			zap.String("message_id", m.ID),
			zap.Error(err),
		)
		s.hub.Deliver(m.RoomID, m)
		return fmt.Errorf("%w: message reached this relay instance only", ErrTransport)
	}
	return nil
}

func (s *WsServer) reader(conn *clientConn) {
	defer s.disconnect(conn)

	conn.rawConn.SetReadLimit(s.opts.MaxMessageBytes)
	_ = conn.rawConn.SetReadDeadline(time.Now().Add(pongWait))
	conn.rawConn.SetPongHandler(func(string) error {
		return conn.rawConn.SetReadDeadline(time.Now().Add(pongWait))
	})

	cc := &ConnContext{ConnID: conn.id, UserID: conn.userID, conn: conn}

	for {
		_, data, err := conn.rawConn.ReadMessage()
		if err != nil {
			// client closed, timed out or exceeded the read limit
			zap.L().Debug("ws.read_end", zap.String("conn_id", conn.id), zap.Error(err))
			return
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			conn.replyError(CodeInvalidInput, "malformed frame")
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
		ack, res, err := s.router.dispatch(ctx, cc, env)
		cancel()

		// ---- error -> {"event":"error", "body":{...}} ---------------
		if err != nil {
			conn.replyError(errorCode(err), err.Error())
			continue
		}

		// ---- success -> {"event":"<ack>", "body":{...}} -------------
		if ack != "" {
			conn.reply(ack, res)
		}
	}
}

// disconnect runs on every exit path of the reader: membership is removed
// before the connection is closed.
func (s *WsServer) disconnect(conn *clientConn) {
	for roomID := range conn.rooms {
		s.hub.Leave(roomID, conn)
	}
	conn.rooms = map[string]struct{}{}
	s.conns.Delete(conn)
	conn.close()
	zap.L().Debug("ws.disconnect", zap.String("conn_id", conn.id), zap.String("user_id", conn.userID))
}

func errorCode(err error) string {
	switch {
	case message.IsInvalidInput(err),
		errors.Is(err, ErrUnknownEvent),
		errors.Is(err, ErrBadPayload):
		return CodeInvalidInput
	case errors.Is(err, ErrTransport):
		return CodeTransportError
	default:
		return CodeInternalError
	}
}
