// Package ratelimit implements per-user message-send rate limiting using
// Redis sliding window counters with atomic Lua scripts.
package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// slidingWindowScript is an atomic Lua script that implements a sliding window
// rate limiter using a sorted set.
// KEYS[1] = Redis key
// ARGV[1] = current unix timestamp (nanoseconds as string)
// ARGV[2] = window size in nanoseconds
// ARGV[3] = limit (max requests per window)
// Returns: 1 if allowed, 0 if rate limited.
var slidingWindowScript = redis.NewScript(`
		local key    = KEYS[1]
		local now    = tonumber(ARGV[1])
		local window = tonumber(ARGV[2])
		local limit  = tonumber(ARGV[3])

		-- Remove expired entries.
		redis.call('ZREMRANGEBYSCORE', key, 0, now - window)

		local count = redis.call('ZCARD', key)
		if count >= limit then
			return 0
		end

		-- Add current request with a unique member (now + random suffix).
		local member = tostring(now) .. tostring(math.random(1, 1000000))
		redis.call('ZADD', key, now, member)
		redis.call('PEXPIRE', key, math.ceil(window / 1000000))  -- window is in ns; PEXPIRE wants ms
		return 1
`)

// SendLimiter enforces a per-user messages-per-minute cap using a Redis
// sliding window.
type SendLimiter struct {
	rdb      *redis.Client
	rpmLimit int
}

// NewSendLimiter creates a SendLimiter allowing rpmLimit sends per user per
// minute. rpmLimit must be > 0; values ≤ 0 will block every request.
func NewSendLimiter(rdb *redis.Client, rpmLimit int) *SendLimiter {
	return &SendLimiter{rdb: rdb, rpmLimit: rpmLimit}
}

// Allow returns true if userID may send another message now.
func (l *SendLimiter) Allow(ctx context.Context, userID string) (bool, error) {
	now := time.Now().UnixNano()
	window := time.Minute.Nanoseconds()

	result, err := slidingWindowScript.Run(ctx, l.rdb,
		[]string{"ratelimit:user:" + userID + ":rpm"},
		now, window, l.rpmLimit,
	).Int()
	if err != nil {
		// Redis unavailable — allow request (graceful degradation).
		return true, nil
	}

	return result == 1, nil
}
