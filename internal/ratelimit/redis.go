package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// slidingWindowScript trims the window, refuses when full, otherwise records
// the hit. ARGV: now_ms, cutoff_ms, limit, member, window_ms.
// Returns {allowed, count, oldest_ms}.
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local limit = tonumber(ARGV[3])
redis.call("ZREMRANGEBYSCORE", key, "-inf", ARGV[2])
local count = redis.call("ZCARD", key)
if count >= limit then
  local oldest = redis.call("ZRANGE", key, 0, 0, "WITHSCORES")
  return {0, count, oldest[2] or ARGV[1]}
end
redis.call("ZADD", key, ARGV[1], ARGV[4])
redis.call("PEXPIRE", key, ARGV[5])
return {1, count + 1, "0"}
`)

// RedisCounter shares sliding windows across instances through Redis.
// When Redis is unreachable it falls back to a local counter so limits keep
// being enforced per instance.
type RedisCounter struct {
	Client   redis.UniversalClient
	Prefix   string
	Timeout  time.Duration
	Fallback *MemoryCounter
	Log      zerolog.Logger

	// degraded is set while hits go to Fallback, so the outage is logged once.
	degraded atomic.Bool
}

// NewRedisCounter returns a counter with the default key prefix.
func NewRedisCounter(client redis.UniversalClient) *RedisCounter {
	return &RedisCounter{
		Client:   client,
		Prefix:   "govgate:rl:",
		Timeout:  2 * time.Second,
		Fallback: NewMemoryCounter(),
		Log:      zerolog.Nop(),
	}
}

func (r *RedisCounter) Allow(ctx context.Context, key string, limit int, window time.Duration, now time.Time) (Result, error) {
	if r.Client == nil {
		return r.fallback(ctx, key, limit, window, now, fmt.Errorf("ratelimit: no redis client"))
	}

	ctx, cancel := context.WithTimeout(ctx, r.Timeout)
	defer cancel()

	nowMs := now.UnixMilli()
	res, err := slidingWindowScript.Run(ctx, r.Client,
		[]string{r.Prefix + key},
		nowMs, nowMs-window.Milliseconds(), limit, strconv.FormatInt(nowMs, 10)+"-"+uuid.NewString(), window.Milliseconds(),
	).Result()
	if err != nil {
		return r.fallback(ctx, key, limit, window, now, fmt.Errorf("ratelimit: redis: %w", err))
	}

	vals, ok := res.([]interface{})
	if !ok || len(vals) < 3 {
		return r.fallback(ctx, key, limit, window, now, fmt.Errorf("ratelimit: unexpected script reply %T", res))
	}
	if r.degraded.CompareAndSwap(true, false) {
		r.Log.Info().Msg("redis rate limiter recovered, limits are shared again")
	}
	allowed := toInt64(vals[0]) == 1
	count := int(toInt64(vals[1]))
	out := Result{Allowed: allowed, Count: count, Limit: limit}
	if !allowed {
		oldest := time.UnixMilli(toInt64(vals[2]))
		out.RetryAfter = oldest.Add(window).Sub(now)
	}
	return out, nil
}

func (r *RedisCounter) fallback(ctx context.Context, key string, limit int, window time.Duration, now time.Time, cause error) (Result, error) {
	if r.Fallback == nil {
		return Result{}, cause
	}
	if r.degraded.CompareAndSwap(false, true) {
		r.Log.Warn().Err(cause).Msg("redis rate limiter unavailable, enforcing limits per instance")
	}
	return r.Fallback.Allow(ctx, key, limit, window, now)
}

func toInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case string:
		f, _ := strconv.ParseFloat(n, 64)
		return int64(f)
	}
	return 0
}
