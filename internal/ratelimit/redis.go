package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "authcore:ratelimit:"

// Redis counts requests per key in a fixed window using INCR and EXPIRE in
// one MULTI/EXEC, so the counter and its TTL are set together.
type Redis struct {
	client *redis.Client
	limit  int64
	window time.Duration
}

// NewRedis allows perMinute requests per key per minute.
func NewRedis(client *redis.Client, perMinute int) *Redis {
	return &Redis{client: client, limit: int64(perMinute), window: time.Minute}
}

func (r *Redis) Allow(ctx context.Context, key string) (bool, error) {
	key = redisKeyPrefix + key

	var incr *redis.IntCmd
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, key)
		// NX keeps the window anchored at the first request.
		pipe.ExpireNX(ctx, key, r.window)
		return nil
	})
	if err != nil {
		return true, fmt.Errorf("ratelimit: redis INCR %s: %w", key, err)
	}
	return incr.Val() <= r.limit, nil
}

// Ping checks connectivity at startup.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
