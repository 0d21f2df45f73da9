package directory

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const cacheKeyPrefix = "relay:user_name:"

// Cached fronts another Directory with a Redis name cache. Cache failures
// fall through to the underlying directory.
type Cached struct {
	next Directory
	rdc  redis.Cmdable
	ttl  time.Duration
}

func NewCached(next Directory, rdc redis.Cmdable, ttl time.Duration) *Cached {
	return &Cached{next: next, rdc: rdc, ttl: ttl}
}

func (c *Cached) GetUsersByIds(ctx context.Context, ids []string) (map[string]string, error) {
	ids = unique(ids)
	if len(ids) == 0 {
		return map[string]string{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = cacheKeyPrefix + id
	}
	vals, err := c.rdc.MGet(ctx, keys...).Result()
	if err != nil {
		zap.L().Warn("directory.cache_get", zap.Error(err))
		return c.next.GetUsersByIds(ctx, ids)
	}

	out := make(map[string]string, len(ids))
	var missing []string
	for i, v := range vals {
		if name, ok := v.(string); ok {
			out[ids[i]] = name
			continue
		}
		missing = append(missing, ids[i])
	}
	if len(missing) == 0 {
		return out, nil
	}

	fetched, err := c.next.GetUsersByIds(ctx, missing)
	if err != nil {
		return nil, err
	}

	pipe := c.rdc.Pipeline()
	queued := 0
	for _, id := range missing {
		name, ok := fetched[id]
		if !ok {
			continue
		}
		out[id] = name
		pipe.Set(ctx, cacheKeyPrefix+id, name, c.ttl)
		queued++
	}
	if queued > 0 {
		if _, err := pipe.Exec(ctx); err != nil {
			zap.L().Warn("directory.cache_set", zap.Error(err))
		}
	}
	return out, nil
}
