package middleware

import (
	"context"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/devicekey/server/internal/model"
)

// pruneThreshold is the table size above which expired windows are dropped on access
const pruneThreshold = 10_000

// Bucket names a rate limit: at most Max requests per Window for each key
type Bucket struct {
	Name   string
	Max    int
	Window time.Duration
}

// Result is the outcome of one Allow call
type Result struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
	// RetryAfter is set when the request is denied.
	RetryAfter time.Duration
}

// Limiter counts requests per bucket and key
type Limiter interface {
	Allow(ctx context.Context, bucket Bucket, key string) (Result, error)
}

type window struct {
	count   int
	resetAt time.Time
}

// RateLimiter is an in-memory fixed-window limiter. State is process-local and resets on restart.
type RateLimiter struct {
	mu      sync.Mutex
	windows map[string]*window
	nowFn   func() time.Time
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(nowFn func() time.Time) *RateLimiter {
	if nowFn == nil {
		nowFn = time.Now
	}
	return &RateLimiter{windows: make(map[string]*window), nowFn: nowFn}
}

// Allow checks if a request is allowed for the given key
func (rl *RateLimiter) Allow(_ context.Context, b Bucket, key string) (Result, error) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.nowFn()
	rl.prune(now, b.Window)

	k := b.Name + ":" + key
	w, ok := rl.windows[k]
	if !ok || !w.resetAt.After(now) {
		w = &window{count: 1, resetAt: now.Add(b.Window)}
		rl.windows[k] = w
		return Result{Allowed: true, Limit: b.Max, Remaining: b.Max - 1, ResetAt: w.resetAt}, nil
	}

	if w.count >= b.Max {
		return Result{
			Allowed:    false,
			Limit:      b.Max,
			Remaining:  0,
			ResetAt:    w.resetAt,
			RetryAfter: w.resetAt.Sub(now),
		}, nil
	}

	w.count++
	return Result{Allowed: true, Limit: b.Max, Remaining: max(0, b.Max-w.count), ResetAt: w.resetAt}, nil
}

// prune drops windows that ended at least one window ago, once the table grows large.
func (rl *RateLimiter) prune(now time.Time, window time.Duration) {
	if len(rl.windows) <= pruneThreshold {
		return
	}
	cutoff := now.Add(-window)
	for k, w := range rl.windows {
		if !w.resetAt.After(cutoff) {
			delete(rl.windows, k)
		}
	}
}

// Len reports how many windows are tracked.
func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.windows)
}

// KeyFunc derives the limiter key from a request
type KeyFunc func(*http.Request) string

// RateLimitMiddleware rejects requests over the bucket's budget with 429.
func RateLimitMiddleware(limiter Limiter, b Bucket, keyFunc KeyFunc, logger *slog.Logger) func(http.Handler) http.Handler {
	if keyFunc == nil {
		keyFunc = GetIPKey
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !Enforce(w, r, limiter, b, keyFunc(r), logger) {
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Enforce applies one bucket to key, writing the rate-limit headers. When the
// request is over budget it writes the 429 response and returns false. Limiter
// failures are logged and let the request through.
func Enforce(w http.ResponseWriter, r *http.Request, limiter Limiter, b Bucket, key string, logger *slog.Logger) bool {
	res, err := limiter.Allow(r.Context(), b, key)
	if err != nil {
		if logger != nil {
			logger.WarnContext(r.Context(), "rate limiter unavailable", "bucket", b.Name, "error", err)
		}
		return true
	}

	h := w.Header()
	h.Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(ceilSeconds(res.ResetAt.UnixMilli()), 10))
	if res.Allowed {
		return true
	}

	retry := max(1, ceilSeconds(res.RetryAfter.Milliseconds()))
	h.Set("Retry-After", strconv.FormatInt(retry, 10))
	respondWithError(w, http.StatusTooManyRequests, model.KindTooManyAttempts, "too many requests")
	return false
}

func ceilSeconds(ms int64) int64 {
	return int64(math.Ceil(float64(ms) / 1000))
}

// GetIPKey keys on the connection's remote address. Forwarding headers are
// client-controlled and deliberately ignored.
func GetIPKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "ip:" + host
}

// GetPhoneKey creates a rate limit key from phone number
func GetPhoneKey(phone string) string {
	return "phone:" + phone
}

// GetCodeKey creates a rate limit key from a hashed recovery code
func GetCodeKey(codeHash string) string {
	return "code:" + codeHash
}
