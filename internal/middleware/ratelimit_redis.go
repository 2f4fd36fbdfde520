package middleware

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "devicekey:ratelimit:"

// RedisRateLimiter is a fixed-window limiter shared by every API instance.
type RedisRateLimiter struct {
	redis redis.UniversalClient
	nowFn func() time.Time
}

// NewRedisRateLimiter creates a limiter backed by the given Redis client
func NewRedisRateLimiter(client redis.UniversalClient, nowFn func() time.Time) *RedisRateLimiter {
	if nowFn == nil {
		nowFn = time.Now
	}
	return &RedisRateLimiter{redis: client, nowFn: nowFn}
}

// Allow increments the window counter; the first hit in a window sets its TTL.
func (l *RedisRateLimiter) Allow(ctx context.Context, b Bucket, key string) (Result, error) {
	k := redisKeyPrefix + b.Name + ":" + key

	count, err := l.redis.Incr(ctx, k).Result()
	if err != nil {
		return Result{}, fmt.Errorf("redis incr: %w", err)
	}
	if count == 1 {
		if err := l.redis.PExpire(ctx, k, b.Window).Err(); err != nil {
			return Result{}, fmt.Errorf("redis expire: %w", err)
		}
	}

	ttl, err := l.redis.PTTL(ctx, k).Result()
	if err != nil {
		return Result{}, fmt.Errorf("redis pttl: %w", err)
	}
	if ttl < 0 {
		// A key left without expiry by a failed PExpire would never reset.
		if err := l.redis.PExpire(ctx, k, b.Window).Err(); err != nil {
			return Result{}, fmt.Errorf("redis expire: %w", err)
		}
		ttl = b.Window
	}

	now := l.nowFn()
	res := Result{
		Allowed:   count <= int64(b.Max),
		Limit:     b.Max,
		Remaining: max(0, b.Max-int(count)),
		ResetAt:   now.Add(ttl),
	}
	if !res.Allowed {
		res.RetryAfter = ttl
	}
	return res, nil
}
