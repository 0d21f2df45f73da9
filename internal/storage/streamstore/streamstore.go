package streamstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"grouprelay/internal/message"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	enqueueFunc    = "message_enqueue"
	dedupKeyPrefix = "relay:msg_seen:"

	// Stream entry fields, shared with syncmsg.
	FieldRoom    = "room"
	FieldMessage = "msg"
)

// Store appends messages to a capped Redis stream through the
// message_enqueue function; syncmsg moves them into Postgres.
type Store struct {
	rdc      redis.Cmdable
	stream   string
	maxLen   int64
	dedupTTL time.Duration
}

func New(rdc redis.Cmdable, stream string, maxLen int64, dedupTTL time.Duration) *Store {
	return &Store{rdc: rdc, stream: stream, maxLen: maxLen, dedupTTL: dedupTTL}
}

func dedupKey(m *message.Message) string {
	return dedupKeyPrefix + m.RoomID + ":" + m.ID
}

// Append enqueues m unless the same (room, id) was enqueued within the dedup window.
func (s *Store) Append(ctx context.Context, m *message.Message) error {
	payload, err := json.Marshal(m)
	if err != nil {
		return err
	}
	added, err := s.rdc.FCall(ctx, enqueueFunc,
		[]string{dedupKey(m), s.stream},
		int64(s.dedupTTL/time.Second),
		s.maxLen,
		m.RoomID,
		string(payload),
	).Int()
	if err != nil {
		return fmt.Errorf("enqueue message %s: %w", m.ID, err)
	}
	if added == 0 {
		zap.L().Debug("streamstore.duplicate", zap.String("room_id", m.RoomID), zap.String("message_id", m.ID))
	}
	return nil
}
