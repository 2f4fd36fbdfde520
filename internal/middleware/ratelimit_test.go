package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devicekey/server/internal/logging"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

var testBucket = Bucket{Name: "test", Max: 3, Window: time.Minute}

func TestRateLimiter_WindowAndReset(t *testing.T) {
	clock := newFakeClock()
	rl := NewRateLimiter(clock.Now)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		res, err := rl.Allow(ctx, testBucket, "ip:1.2.3.4")
		require.NoError(t, err)
		assert.True(t, res.Allowed, "request %d", i+1)
		assert.Equal(t, 2-i, res.Remaining)
	}

	clock.Advance(20 * time.Second)
	res, err := rl.Allow(ctx, testBucket, "ip:1.2.3.4")
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, 0, res.Remaining)
	assert.Equal(t, 40*time.Second, res.RetryAfter)

	other, err := rl.Allow(ctx, testBucket, "ip:5.6.7.8")
	require.NoError(t, err)
	assert.True(t, other.Allowed, "keys are independent")

	clock.Advance(40 * time.Second)
	res, err = rl.Allow(ctx, testBucket, "ip:1.2.3.4")
	require.NoError(t, err)
	assert.True(t, res.Allowed, "a new window starts once the old one has elapsed")
	assert.Equal(t, 2, res.Remaining)
}

func TestRateLimiter_BucketsAreSeparate(t *testing.T) {
	rl := NewRateLimiter(newFakeClock().Now)
	ctx := context.Background()
	one := Bucket{Name: "one", Max: 1, Window: time.Minute}
	two := Bucket{Name: "two", Max: 1, Window: time.Minute}

	res, _ := rl.Allow(ctx, one, "k")
	assert.True(t, res.Allowed)
	res, _ = rl.Allow(ctx, one, "k")
	assert.False(t, res.Allowed)
	res, _ = rl.Allow(ctx, two, "k")
	assert.True(t, res.Allowed)
}

func TestRateLimiter_PrunesExpiredWindows(t *testing.T) {
	clock := newFakeClock()
	rl := NewRateLimiter(clock.Now)
	ctx := context.Background()

	for i := 0; i <= pruneThreshold; i++ {
		_, err := rl.Allow(ctx, testBucket, fmt.Sprintf("k%d", i))
		require.NoError(t, err)
	}
	require.Equal(t, pruneThreshold+1, rl.Len())

	clock.Advance(2 * time.Minute)
	_, err := rl.Allow(ctx, testBucket, "fresh")
	require.NoError(t, err)
	assert.Equal(t, 1, rl.Len())
}

func TestRateLimitMiddleware_HeadersAnd429(t *testing.T) {
	clock := newFakeClock()
	rl := NewRateLimiter(clock.Now)
	b := Bucket{Name: "mw", Max: 2, Window: time.Minute}
	handler := RateLimitMiddleware(rl, b, GetIPKey, logging.Discard())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	do := func(remote string, forwarded string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/auth/register", nil)
		req.RemoteAddr = remote
		if forwarded != "" {
			req.Header.Set("X-Forwarded-For", forwarded)
		}
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	first := do("10.0.0.1:5000", "")
	assert.Equal(t, http.StatusNoContent, first.Code)
	assert.Equal(t, "2", first.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "1", first.Header().Get("X-RateLimit-Remaining"))
	assert.Equal(t, fmt.Sprint(clock.Now().Add(time.Minute).Unix()), first.Header().Get("X-RateLimit-Reset"))

	assert.Equal(t, http.StatusNoContent, do("10.0.0.1:5001", "").Code)

	// Spoofed forwarding headers do not buy a fresh budget.
	clock.Advance(30*time.Second + 500*time.Millisecond)
	denied := do("10.0.0.1:5002", "203.0.113.9")
	assert.Equal(t, http.StatusTooManyRequests, denied.Code)
	assert.Equal(t, "30", denied.Header().Get("Retry-After"))
	assert.Equal(t, "0", denied.Header().Get("X-RateLimit-Remaining"))

	var body errorBody
	require.NoError(t, json.NewDecoder(denied.Body).Decode(&body))
	assert.Equal(t, "TOO_MANY_ATTEMPTS", body.Error.Code)

	assert.Equal(t, http.StatusNoContent, do("10.0.0.2:5000", "").Code)
}

type brokenLimiter struct{}

func (brokenLimiter) Allow(context.Context, Bucket, string) (Result, error) {
	return Result{}, errors.New("connection refused")
}

func TestEnforce_LimiterErrorLetsRequestThrough(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/recovery/use", nil)
	rec := httptest.NewRecorder()
	assert.True(t, Enforce(rec, req, brokenLimiter{}, testBucket, "k", logging.Discard()))
	assert.Empty(t, rec.Header().Get("X-RateLimit-Limit"))
}

func TestGetIPKey(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "[2001:db8::1]:443"
	assert.Equal(t, "ip:2001:db8::1", GetIPKey(req))

	req.RemoteAddr = "unix"
	assert.Equal(t, "ip:unix", GetIPKey(req))
}

func newRedisLimiter(t *testing.T) (*RedisRateLimiter, *miniredis.Miniredis, *fakeClock) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	clock := newFakeClock()
	return NewRedisRateLimiter(client, clock.Now), mr, clock
}

func TestRedisRateLimiter_WindowAndReset(t *testing.T) {
	rl, mr, _ := newRedisLimiter(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		res, err := rl.Allow(ctx, testBucket, "phone:+15550000001")
		require.NoError(t, err)
		assert.True(t, res.Allowed, "request %d", i+1)
		assert.Equal(t, 2-i, res.Remaining)
	}

	res, err := rl.Allow(ctx, testBucket, "phone:+15550000001")
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, time.Minute, res.RetryAfter)

	key := redisKeyPrefix + "test:phone:+15550000001"
	assert.True(t, mr.Exists(key))
	assert.Equal(t, time.Minute, mr.TTL(key))

	mr.FastForward(time.Minute)
	res, err = rl.Allow(ctx, testBucket, "phone:+15550000001")
	require.NoError(t, err)
	assert.True(t, res.Allowed, "the key expires with its window")
}

func TestRedisRateLimiter_RestoresMissingExpiry(t *testing.T) {
	rl, mr, _ := newRedisLimiter(t)
	key := redisKeyPrefix + "test:code:abc"
	require.NoError(t, mr.Set(key, "1"))

	res, err := rl.Allow(context.Background(), testBucket, "code:abc")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, time.Minute, mr.TTL(key))
}

func TestRedisRateLimiter_ErrorIsReturned(t *testing.T) {
	rl, mr, _ := newRedisLimiter(t)
	mr.Close()

	_, err := rl.Allow(context.Background(), testBucket, "k")
	assert.Error(t, err)
}
