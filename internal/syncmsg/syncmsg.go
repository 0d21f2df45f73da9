package syncmsg

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"grouprelay/internal/message"
	"grouprelay/internal/storage/streamstore"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	Group     = "relay-persist"
	batchSize = 100
	blockFor  = 2 * time.Second
)

// BatchStore is the durable side of the outbox.
type BatchStore interface {
	AppendBatch(ctx context.Context, msgs []*message.Message) error
}

type Syncer struct {
	rdc      redis.Cmdable
	store    BatchStore
	stream   string
	consumer string
}

func New(rdc redis.Cmdable, store BatchStore, stream, consumer string) *Syncer {
	return &Syncer{rdc: rdc, store: store, stream: stream, consumer: consumer}
}

// Run tails the outbox stream through a consumer group and persists every
// entry. Entries are acked only after their batch commits, so a crash
// redelivers them on the next start (inserts are idempotent).
func (s *Syncer) Run(ctx context.Context) error {
	if err := s.ensureGroup(ctx); err != nil {
		return err
	}

	// Pending entries of this consumer first ("0"), then new ones (">").
	cursor := "0"
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		res, err := s.rdc.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    Group,
			Consumer: s.consumer,
			Streams:  []string{s.stream, cursor},
			Count:    batchSize,
			Block:    blockFor,
		}).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			if ctx.Err() != nil {
				return nil
			}
			zap.L().Warn("syncmsg.xreadgroup", zap.Error(err))
			sleep(ctx, time.Second)
			continue
		}
		if len(res) == 0 || len(res[0].Messages) == 0 {
			cursor = ">"
			continue
		}
		if err := s.persist(ctx, res[0].Messages); err != nil {
			zap.L().Error("syncmsg.persist", zap.Int("entries", len(res[0].Messages)), zap.Error(err))
			// retry the pending list from the start
			cursor = "0"
			sleep(ctx, time.Second)
			continue
		}
	}
}

func (s *Syncer) ensureGroup(ctx context.Context) error {
	err := s.rdc.XGroupCreateMkStream(ctx, s.stream, Group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return err
	}
	return nil
}

func (s *Syncer) persist(ctx context.Context, entries []redis.XMessage) error {
	msgs := make([]*message.Message, 0, len(entries))
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, e.ID)
		raw, _ := e.Values[streamstore.FieldMessage].(string)
		var m message.Message
		if err := json.Unmarshal([]byte(raw), &m); err != nil {
			// poison entry: ack it so it does not block the stream
			zap.L().Warn("syncmsg.decode", zap.String("entry", e.ID), zap.Error(err))
			continue
		}
		msgs = append(msgs, &m)
	}

	if err := s.store.AppendBatch(ctx, msgs); err != nil {
		return err
	}

	// the batch is committed; ack it even if shutdown has started
	ackCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	return s.rdc.XAck(ackCtx, s.stream, Group, ids...).Err()
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
