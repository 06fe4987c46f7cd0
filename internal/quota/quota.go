// Package quota implements C4: submission rate limiting and the
// concurrency ceiling a principal cannot exceed. The concurrency check
// itself lives inside internal/store.CreateJob's transaction, since it
// must be atomic with placement; this package owns the independent,
// Redis-backed submission rate limit.
package quota

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"bastion-dispatcher/internal/apierr"
)

// Limiter enforces a sliding-window submission rate per principal using a
// Redis sorted set: one member per accepted submission, scored by its
// timestamp, trimmed to the active window on every check.
type Limiter struct {
	client       *redis.Client
	maxPerWindow int
	window       time.Duration
}

// NewLimiter builds a Limiter allowing maxPerWindow submissions per window.
func NewLimiter(client *redis.Client, maxPerWindow int, window time.Duration) *Limiter {
	return &Limiter{client: client, maxPerWindow: maxPerWindow, window: window}
}

// Allow checks principal's window and, only if the submission is within
// the rate limit, records it. On rejection it returns an apierr.QuotaRate
// carrying the number of seconds until the oldest entry in the window
// expires.
func (l *Limiter) Allow(ctx context.Context, principal string) error {
	now := time.Now().UnixMilli()
	windowMs := l.window.Milliseconds()

	res, err := slidingWindowScript.Run(ctx, l.client, []string{"quota:rate:" + principal},
		l.maxPerWindow, windowMs, now).Result()
	if err != nil {
		return apierr.Wrap(apierr.Storage, "evaluate rate limit", err)
	}

	arr, ok := res.([]interface{})
	if !ok || len(arr) < 2 {
		return apierr.New(apierr.Storage, "unexpected rate limit script result")
	}
	allowed := toInt64(arr[0]) == 1
	if !allowed {
		retryAfterMs := toInt64(arr[1])
		retryAfter := int(retryAfterMs/1000) + 1
		if retryAfter < 1 {
			retryAfter = 1
		}
		return apierr.RateLimited(retryAfter)
	}
	return nil
}

func toInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case float64:
		return int64(n)
	default:
		return 0
	}
}

// slidingWindowScript trims the principal's window, checks the remaining
// count against the limit, and (only if allowed) records the new entry,
// all atomically so concurrent submissions can't race past the limit.
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local max_count = tonumber(ARGV[1])
local window_ms = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local cutoff = now - window_ms

redis.call('ZREMRANGEBYSCORE', key, '-inf', cutoff)

local count = redis.call('ZCARD', key)
if count >= max_count then
  local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
  local retry_after = window_ms
  if oldest[2] ~= nil then
    retry_after = window_ms - (now - tonumber(oldest[2]))
  end
  return {0, retry_after}
end

redis.call('ZADD', key, now, now .. ':' .. math.random())
redis.call('PEXPIRE', key, window_ms)
return {1, 0}
`)
