package pubsub

import (
	"context"
	"encoding/json"
	"fmt"

	"grouprelay/internal/message"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Sink receives every message published by any relay instance.
type Sink interface {
	Deliver(roomID string, m *message.Message)
}

// Envelope is the tagged payload carried on the shared channel.
type Envelope struct {
	RoomID  string           `json:"roomId"`
	Message *message.Message `json:"message"`
}

// Bridge fans messages out across relay instances over one Redis channel.
// Redis keeps per-connection publish order, so messages published for a
// room from one instance arrive in order; across instances the order is
// best-effort.
type Bridge struct {
	rdb     redis.UniversalClient
	channel string
}

func New(rdb redis.UniversalClient, channel string) *Bridge {
	return &Bridge{rdb: rdb, channel: channel}
}

func (b *Bridge) Publish(ctx context.Context, m *message.Message) error {
	payload, err := json.Marshal(Envelope{RoomID: m.RoomID, Message: m})
	if err != nil {
		return err
	}
	if err := b.rdb.Publish(ctx, b.channel, string(payload)).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", b.channel, err)
	}
	return nil
}

// Run subscribes to the shared channel and hands every decoded message to
// sink until ctx is cancelled. It returns an error only if the initial
// subscription fails; go-redis re-subscribes after transient drops.
func (b *Bridge) Run(ctx context.Context, sink Sink) error {
	ps := b.rdb.Subscribe(ctx, b.channel)
	defer ps.Close()

	if _, err := ps.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("subscribe %s: %w", b.channel, err)
	}
	zap.L().Info("pubsub.subscribed", zap.String("channel", b.channel))

	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-ch:
			if !ok {
				return nil
			}
			dispatch(sink, m.Payload)
		}
	}
}

func dispatch(sink Sink, payload string) {
	var env Envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		zap.L().Warn("pubsub.decode", zap.Error(err))
		return
	}
	if env.RoomID == "" || env.Message == nil {
		zap.L().Warn("pubsub.malformed", zap.String("payload", truncate(payload, 128)))
		return
	}
	sink.Deliver(env.RoomID, env.Message)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
