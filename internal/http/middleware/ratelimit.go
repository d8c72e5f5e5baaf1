// Package middleware holds HTTP middlewares shared by the dispatch stub.
package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/example/hotride/internal/auth"
)

// Bucket is a token bucket: Rate tokens per second up to Burst.
type Bucket struct {
	Rate  float64
	Burst float64
}

// RateLimiter throttles drivers with a token bucket kept in Redis, so every
// stub replica shares the same budget. Polling and decisions get separate
// buckets.
type RateLimiter struct {
	client redis.Scripter
	poll   Bucket
	decide Bucket
	script *redis.Script
	logger *zap.Logger
	now    func() time.Time
}

// NewRateLimiter returns nil when client is nil; a nil limiter lets every
// request through.
func NewRateLimiter(client redis.Scripter, poll, decide Bucket, logger *zap.Logger) *RateLimiter {
	if client == nil {
		return nil
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RateLimiter{
		client: client,
		poll:   poll,
		decide: decide,
		script: redis.NewScript(tokenBucketLua),
		logger: logger,
		now:    time.Now,
	}
}

func (l *RateLimiter) Middleware(next http.Handler) http.Handler {
	if l == nil || (l.poll.Rate <= 0 && l.decide.Rate <= 0) {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		bucket, scope := l.decide, "decide"
		if isReadMethod(r.Method) {
			bucket, scope = l.poll, "poll"
		}
		if bucket.Rate <= 0 || bucket.Burst <= 0 {
			next.ServeHTTP(w, r)
			return
		}

		allowed, retryAfter, err := l.allow(r.Context(), scope, identify(r), bucket)
		if err != nil {
			// fail open
			l.logger.Warn("rate limit check failed", zap.Error(err))
			next.ServeHTTP(w, r)
			return
		}
		if !allowed {
			w.Header().Set("Retry-After", formatRetryAfter(retryAfter))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_ = json.NewEncoder(w).Encode(map[string]string{"detail": "Too many requests"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (l *RateLimiter) allow(ctx context.Context, scope, identifier string, b Bucket) (bool, time.Duration, error) {
	key := strings.Join([]string{"rl", scope, identifier}, ":")
	result, err := l.script.Run(ctx, l.client, []string{key}, l.now().UnixMilli(), b.Rate, b.Burst, 1).Result()
	if err != nil {
		return false, 0, fmt.Errorf("token bucket: %w", err)
	}
	values, ok := result.([]interface{})
	if !ok || len(values) != 2 {
		return false, 0, errors.New("unexpected token bucket reply")
	}
	allowed, ok := values[0].(int64)
	if !ok {
		return false, 0, errors.New("unexpected token bucket reply")
	}
	if allowed == 1 {
		return true, 0, nil
	}
	waitMs, err := strconv.ParseInt(fmt.Sprint(values[1]), 10, 64)
	if err != nil {
		return false, 0, fmt.Errorf("token bucket wait: %w", err)
	}
	return false, time.Duration(waitMs) * time.Millisecond, nil
}

// identify prefers the authenticated driver, then the forwarded client address.
func identify(r *http.Request) string {
	if claims, ok := auth.ClaimsFromContext(r.Context()); ok {
		return "driver:" + claims.DriverID
	}
	if fwd := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); fwd != "" {
		return "ip:" + strings.TrimSpace(strings.Split(fwd, ",")[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "ip:" + host
}

func isReadMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	default:
		return false
	}
}

func formatRetryAfter(d time.Duration) string {
	seconds := int(math.Ceil(d.Seconds()))
	if seconds < 1 {
		seconds = 1
	}
	return strconv.Itoa(seconds)
}

// tokenBucketLua returns {1, 0} when a token was taken, else {0, wait_ms}.
// Integer replies keep Lua number truncation out of the picture.
const tokenBucketLua = `
local key = KEYS[1]
local now_ms = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local capacity = tonumber(ARGV[3])
local requested = tonumber(ARGV[4])

local state = redis.call('HMGET', key, 'tokens', 'ts')
local tokens = tonumber(state[1]) or capacity
local last = tonumber(state[2]) or now_ms

local elapsed = math.max(0, now_ms - last)
tokens = math.min(capacity, tokens + elapsed * rate / 1000)

local wait_ms = 0
local allowed = 0
if tokens >= requested then
  tokens = tokens - requested
  allowed = 1
else
  wait_ms = math.ceil((requested - tokens) / rate * 1000)
end

redis.call('HSET', key, 'tokens', tostring(tokens), 'ts', tostring(now_ms))
redis.call('PEXPIRE', key, math.ceil(capacity / rate * 1000) + 1000)
return {allowed, wait_ms}
`
