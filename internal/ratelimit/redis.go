package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// luaSlidingWindow atomically prunes, checks and records one event.
//
// KEYS[1] = sorted set of admitted events, scored by time in ms
// ARGV[1] = window in ms
// ARGV[2] = limit
// ARGV[3] = unique member for this event
//
// Returns {allowed (0/1), remaining, retry_after_ms}. Time comes from the
// Redis server so every instance shares one clock.
const luaSlidingWindow = `
local t = redis.call('TIME')
local now = tonumber(t[1]) * 1000 + math.floor(tonumber(t[2]) / 1000)
local window = tonumber(ARGV[1])
local limit = tonumber(ARGV[2])

redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', now - window)
local count = redis.call('ZCARD', KEYS[1])
if count >= limit then
    local oldest = redis.call('ZRANGE', KEYS[1], 0, 0, 'WITHSCORES')
    local retry = window
    if oldest[2] then
        retry = tonumber(oldest[2]) + window - now
    end
    return {0, 0, retry}
end
redis.call('ZADD', KEYS[1], now, ARGV[3])
redis.call('PEXPIRE', KEYS[1], window)
return {1, limit - count - 1, 0}
`

// Redis is a sliding-window limiter shared by every instance using the same
// Redis server.
type Redis struct {
	rdb    redis.Scripter
	script *redis.Script
	prefix string
	limit  int
	window time.Duration
}

// NewRedis creates a Redis-backed limiter. Keys are stored as prefix+key.
func NewRedis(rdb redis.Scripter, prefix string, limit int, window time.Duration) *Redis {
	if prefix == "" {
		prefix = "creditd:ratelimit:"
	}
	return &Redis{
		rdb:    rdb,
		script: redis.NewScript(luaSlidingWindow),
		prefix: prefix,
		limit:  limit,
		window: window,
	}
}

// Allow records an event for key if the window has room.
func (r *Redis) Allow(ctx context.Context, key string) (Decision, error) {
	res, err := r.script.Run(ctx, r.rdb, []string{r.prefix + key},
		r.window.Milliseconds(), r.limit, uuid.NewString()).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("ratelimit: lua script: %w", err)
	}
	if len(res) != 3 {
		return Decision{}, fmt.Errorf("ratelimit: unexpected script result %v", res)
	}
	return Decision{
		Allowed:    res[0] == 1,
		Limit:      r.limit,
		Remaining:  int(res[1]),
		RetryAfter: time.Duration(res[2]) * time.Millisecond,
	}, nil
}
