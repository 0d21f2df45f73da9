// Package client is a reconnecting websocket client for the relay.
package client

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"grouprelay/internal/message"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait   = 10 * time.Second
	readTimeout = 90 * time.Second
	chunkSize   = 64 << 10

	DefaultMaxAttempts = 5
	DefaultBaseDelay   = time.Second
	DefaultMaxDelay    = 30 * time.Second
	DefaultMaxFileSize = 10 << 20
)

var (
	ErrNotConnected     = errors.New("client: not connected")
	ErrFileTooLarge     = errors.New("client: file too large")
	ErrRetriesExhausted = errors.New("client: reconnect attempts exhausted")
	ErrClosed           = errors.New("client: closed")
)

// Message is a relayed chat message.
type Message = message.Message

// ServerError is an error event sent by the relay.
type ServerError struct {
	Code   string `json:"code"`
	Reason string `json:"error"`
}

func (e *ServerError) Error() string { return e.Code + ": " + e.Reason }

type Options struct {
	URL    string // ws://host:port/ws
	UserID string
	Sender string // display name attached to outgoing messages
	Header http.Header

	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxFileSize int64

	Dialer *websocket.Dialer
}

type frame struct {
	Event string          `json:"event"`
	Body  json.RawMessage `json:"body,omitempty"`
}

type roomBody struct {
	RoomID string `json:"roomId"`
}

type Client struct {
	opts Options

	mu     sync.Mutex
	state  State
	conn   *websocket.Conn
	rooms  map[string]struct{} // rooms to be joined on every connect
	cancel context.CancelFunc

	writeMu sync.Mutex

	onMessage handlers[*Message]
	onError   handlers[error]
	onState   handlers[State]
	onJoined  handlers[string]
	onLeft    handlers[string]

	done     chan struct{}
	doneOnce sync.Once
	err      error
}

func New(opts Options) (*Client, error) {
	if opts.URL == "" {
		return nil, errors.New("client: URL is required")
	}
	if opts.UserID == "" {
		return nil, errors.New("client: UserID is required")
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = DefaultBaseDelay
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = DefaultMaxDelay
	}
	if opts.MaxDelay < opts.BaseDelay {
		opts.MaxDelay = opts.BaseDelay
	}
	if opts.MaxFileSize <= 0 {
		opts.MaxFileSize = DefaultMaxFileSize
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	return &Client{
		opts:  opts,
		rooms: make(map[string]struct{}),
		done:  make(chan struct{}),
	}, nil
}

// Dial builds a client and starts connecting in the background.
func Dial(ctx context.Context, opts Options) (*Client, error) {
	c, err := New(opts)
	if err != nil {
		return nil, err
	}
	if err := c.Start(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// Start launches the connection loop. It returns immediately; watch
// OnStateChange or Done for the outcome.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.state == Closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.cancel != nil {
		c.mu.Unlock()
		return errors.New("client: already started")
	}
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.mu.Unlock()

	go c.run(ctx)
	return nil
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Done is closed once the client reaches Closed.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err is the reason the client closed; nil after Close or context cancel.
func (c *Client) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

func (c *Client) OnMessage(fn func(*Message)) (unsubscribe func()) { return c.onMessage.add(fn) }
func (c *Client) OnError(fn func(error)) (unsubscribe func())      { return c.onError.add(fn) }
func (c *Client) OnStateChange(fn func(State)) (unsubscribe func()) { return c.onState.add(fn) }
func (c *Client) OnJoined(fn func(roomID string)) (unsubscribe func()) {
	return c.onJoined.add(fn)
}
func (c *Client) OnLeft(fn func(roomID string)) (unsubscribe func()) { return c.onLeft.add(fn) }

// JoinRoom remembers the room and joins it now if connected, otherwise on
// the next connect. Rooms are re-joined after every reconnect.
func (c *Client) JoinRoom(roomID string) error {
	if roomID == "" {
		return message.ErrInvalidRoom
	}
	c.mu.Lock()
	if c.state == Closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.rooms[roomID] = struct{}{}
	conn := c.liveConn()
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	return c.write(context.Background(), conn, "join-room", roomBody{RoomID: roomID})
}

func (c *Client) LeaveRoom(roomID string) error {
	if roomID == "" {
		return message.ErrInvalidRoom
	}
	c.mu.Lock()
	if c.state == Closed {
		c.mu.Unlock()
		return ErrClosed
	}
	delete(c.rooms, roomID)
	conn := c.liveConn()
	c.mu.Unlock()

	// a dropped connection already left every room on the relay
	if conn == nil {
		return nil
	}
	return c.write(context.Background(), conn, "leave-room", roomBody{RoomID: roomID})
}

// SendMessage sends a text message and returns its id. The relay echoes
// it back through OnMessage once it has been fanned out.
func (c *Client) SendMessage(ctx context.Context, roomID, content string) (string, error) {
	req := message.SendRequest{
		ID:      uuid.NewString(),
		RoomID:  roomID,
		UserID:  c.opts.UserID,
		Sender:  c.opts.Sender,
		Content: content,
	}
	if err := req.Validate(); err != nil {
		return "", err
	}
	return req.ID, c.send(ctx, req)
}

// SendFile reads size bytes from r and sends them inline as a base64 data
// URL. progress, if set, receives the read percentage after every chunk.
func (c *Client) SendFile(ctx context.Context, roomID, name string, r io.Reader, size int64, progress func(pct float64)) (string, error) {
	if size > c.opts.MaxFileSize {
		return "", fmt.Errorf("%w: %d bytes exceeds %d", ErrFileTooLarge, size, c.opts.MaxFileSize)
	}
	if roomID == "" {
		return "", message.ErrInvalidRoom
	}
	if c.currentConn() == nil {
		return "", ErrNotConnected
	}

	data, err := readChunks(ctx, r, size, c.opts.MaxFileSize, progress)
	if err != nil {
		return "", err
	}

	req := message.SendRequest{
		ID:       uuid.NewString(),
		RoomID:   roomID,
		UserID:   c.opts.UserID,
		Sender:   c.opts.Sender,
		FileName: name,
		FileData: dataURL(data),
	}
	if err := req.Validate(); err != nil {
		return "", err
	}
	return req.ID, c.send(ctx, req)
}

// Close is terminal: the connection is dropped and no reconnect happens.
// It waits for the connection loop, so it must not be called from a handler.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.state == Closed {
		c.mu.Unlock()
		return nil
	}
	cancel, conn, started := c.cancel, c.conn, c.cancel != nil
	c.mu.Unlock()

	if !started {
		c.finish(nil)
		return nil
	}
	cancel()
	if conn != nil {
		c.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		_ = conn.Close()
	}
	<-c.done
	return nil
}

func (c *Client) run(ctx context.Context) {
	c.setState(Connecting)
	failures := 0
	for {
		conn, _, err := c.opts.Dialer.DialContext(ctx, c.dialURL(), c.opts.Header)
		if err != nil {
			if ctx.Err() != nil {
				c.finish(nil)
				return
			}
			failures++
			zap.L().Debug("client.dial", zap.Int("attempt", failures), zap.Error(err))
			if failures >= c.opts.MaxAttempts {
				err = fmt.Errorf("%w: %d attempts, last error: %v", ErrRetriesExhausted, failures, err)
				c.onError.emit(err)
				c.finish(err)
				return
			}
			c.setState(Reconnecting)
			if !sleep(ctx, c.backoff(failures)) {
				c.finish(nil)
				return
			}
			continue
		}

		failures = 0
		stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
		rooms := c.attach(conn)

		// acks for the rejoins are read while they are still being sent
		rejoined := make(chan struct{})
		go func() {
			defer close(rejoined)
			c.rejoin(ctx, conn, rooms)
		}()
		err = c.readLoop(conn)
		stop()
		c.detach(conn)
		<-rejoined

		if ctx.Err() != nil {
			c.finish(nil)
			return
		}
		zap.L().Debug("client.connection_lost", zap.Error(err))
		c.setState(Reconnecting)
		if !sleep(ctx, c.opts.BaseDelay) {
			c.finish(nil)
			return
		}
	}
}

// backoff returns the delay before retry n (1-based): BaseDelay doubled
// per failure, capped at MaxDelay.
func (c *Client) backoff(n int) time.Duration {
	d := c.opts.BaseDelay
	for i := 1; i < n; i++ {
		d *= 2
		if d >= c.opts.MaxDelay {
			return c.opts.MaxDelay
		}
	}
	return d
}

func (c *Client) dialURL() string {
	sep := "?"
	if strings.Contains(c.opts.URL, "?") {
		sep = "&"
	}
	return c.opts.URL + sep + "user_id=" + url.QueryEscape(c.opts.UserID)
}

// attach installs conn and moves to Connected in the same critical section
// that snapshots the rooms, so a JoinRoom either lands in the snapshot or
// sees the live connection.
func (c *Client) attach(conn *websocket.Conn) []string {
	conn.SetReadLimit(2 * c.opts.MaxFileSize)
	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})
	return c.markConnected(conn)
}

func (c *Client) markConnected(conn *websocket.Conn) []string {
	c.mu.Lock()
	if c.state == Closed {
		c.mu.Unlock()
		return nil
	}
	c.conn = conn
	rooms := make([]string, 0, len(c.rooms))
	for id := range c.rooms {
		rooms = append(rooms, id)
	}
	changed := c.state != Connected
	c.state = Connected
	c.mu.Unlock()

	if changed {
		c.onState.emit(Connected)
	}
	return rooms
}

func (c *Client) rejoin(ctx context.Context, conn *websocket.Conn, rooms []string) {
	for _, id := range rooms {
		if err := c.write(ctx, conn, "join-room", roomBody{RoomID: id}); err != nil {
			zap.L().Warn("client.rejoin", zap.String("room_id", id), zap.Error(err))
			return
		}
	}
}

func (c *Client) detach(conn *websocket.Conn) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
	_ = conn.Close()
}

// readLoop dispatches frames in arrival order until the connection drops.
func (c *Client) readLoop(conn *websocket.Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))

		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			zap.L().Warn("client.decode", zap.Error(err))
			continue
		}
		c.dispatch(f)
	}
}

func (c *Client) dispatch(f frame) {
	switch f.Event {
	case "message":
		var m Message
		if err := json.Unmarshal(f.Body, &m); err != nil || m.ID == "" {
			zap.L().Warn("client.invalid_message", zap.ByteString("body", f.Body))
			return
		}
		c.onMessage.emit(&m)
	case "error":
		var e ServerError
		if err := json.Unmarshal(f.Body, &e); err != nil {
			e = ServerError{Code: "internal_error", Reason: string(f.Body)}
		}
		c.onError.emit(&e)
	case "joined", "left":
		var r roomBody
		if err := json.Unmarshal(f.Body, &r); err != nil {
			return
		}
		if f.Event == "joined" {
			c.onJoined.emit(r.RoomID)
		} else {
			c.onLeft.emit(r.RoomID)
		}
	default:
		zap.L().Debug("client.unknown_event", zap.String("event", f.Event))
	}
}

func (c *Client) send(ctx context.Context, req message.SendRequest) error {
	conn := c.currentConn()
	if conn == nil {
		return ErrNotConnected
	}
	return c.write(ctx, conn, "send-message", req)
}

func (c *Client) write(ctx context.Context, conn *websocket.Conn, event string, body any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(frame{Event: event, Body: raw})
	if err != nil {
		return err
	}

	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(deadline)
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	}
	return nil
}

func (c *Client) currentConn() *websocket.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.liveConn()
}

// liveConn must be called with mu held.
func (c *Client) liveConn() *websocket.Conn {
	if c.state != Connected {
		return nil
	}
	return c.conn
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	if c.state == s || c.state == Closed {
		c.mu.Unlock()
		return
	}
	c.state = s
	c.mu.Unlock()
	c.onState.emit(s)
}

func (c *Client) finish(err error) {
	c.doneOnce.Do(func() {
		c.err = err
		c.setState(Closed)
		close(c.done)
	})
}

func readChunks(ctx context.Context, r io.Reader, size, limit int64, progress func(float64)) ([]byte, error) {
	buf := make([]byte, 0, max(size, 0))
	chunk := make([]byte, chunkSize)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		n, err := r.Read(chunk)
		buf = append(buf, chunk[:n]...)
		if int64(len(buf)) > limit {
			return nil, fmt.Errorf("%w: more than %d bytes read", ErrFileTooLarge, limit)
		}
		if n > 0 && progress != nil && size > 0 {
			pct := float64(len(buf)) / float64(size) * 100
			if pct > 100 {
				pct = 100
			}
			progress(pct)
		}
		if errors.Is(err, io.EOF) {
			return buf, nil
		}
		if err != nil {
			return nil, fmt.Errorf("read file: %w", err)
		}
	}
}

func dataURL(data []byte) string {
	mt := strings.ReplaceAll(mimetype.Detect(data).String(), " ", "")
	return "data:" + mt + ";base64," + base64.StdEncoding.EncodeToString(data)
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
