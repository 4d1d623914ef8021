package auth

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLimiter is a fixed-window counter backed by Redis, the "shared
// Redis-style counter" spec.md §5 names as the multi-instance alternative
// to InProcessLimiter's per-process token buckets: every instance behind a
// load balancer shares the same counters instead of each enforcing its own
// independent budget.
type RedisLimiter struct {
	client *redis.Client
	limit  int64
	window time.Duration
}

// NewRedisLimiter returns a limiter allowing `limit` requests per actor
// per window.
func NewRedisLimiter(client *redis.Client, limit int64, window time.Duration) *RedisLimiter {
	return &RedisLimiter{client: client, limit: limit, window: window}
}

func (l *RedisLimiter) Allow(ctx context.Context, actorID string) (bool, error) {
	key := "receiptgate:ratelimit:" + actorID
	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		return false, err
	}
	if count == 1 {
		if err := l.client.Expire(ctx, key, l.window).Err(); err != nil {
			return false, err
		}
	}
	return count <= l.limit, nil
}
