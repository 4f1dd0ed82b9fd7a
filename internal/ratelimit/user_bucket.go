// Package ratelimit throttles admission traffic per user with a distributed
// token bucket in Redis, so a burst from one user cannot starve the
// admission path for everyone on the same API instance fleet.
package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// UserBucket is a Redis-backed token bucket keyed by user id. Admission
// requests are weighted: a bulk submission spends one token per post, so a
// full batch counts the same against the budget as the equivalent single
// requests.
type UserBucket struct {
	client   *redis.Client
	capacity int
	refill   float64 // tokens per second
	ttl      time.Duration
}

// NewUserBucket constructs a bucket with the provided capacity/refill.
func NewUserBucket(client *redis.Client, capacity int, refillPerSecond float64, ttl time.Duration) *UserBucket {
	return &UserBucket{
		client:   client,
		capacity: capacity,
		refill:   refillPerSecond,
		ttl:      ttl,
	}
}

// Allow consumes a single token for the user if available.
func (b *UserBucket) Allow(ctx context.Context, userID string) (bool, float64, error) {
	return b.AllowN(ctx, userID, 1)
}

// AllowN consumes n tokens atomically, all or nothing. Returns the allowed
// flag and the remaining token count.
func (b *UserBucket) AllowN(ctx context.Context, userID string, n int) (bool, float64, error) {
	if n < 1 {
		n = 1
	}
	now := time.Now().UnixMilli()
	res, err := bucketScript.Run(ctx, b.client, []string{"sched:rl:" + userID}, b.capacity, b.refill, now, b.ttl.Milliseconds(), n).Result()
	if err != nil {
		return false, 0, err
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) < 2 {
		return false, 0, err
	}
	allowed := arr[0].(int64) == 1
	var tokens float64
	switch v := arr[1].(type) {
	case int64:
		tokens = float64(v)
	case float64:
		tokens = v
	}
	return allowed, tokens, nil
}

var bucketScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill = tonumber(ARGV[2]) -- tokens per second
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])
local want = tonumber(ARGV[5])

local data = redis.call('HMGET', key, 'tokens', 'last_ms')
local tokens = tonumber(data[1])
local last = tonumber(data[2])
if tokens == nil then tokens = capacity end
if last == nil then last = now end

local delta = math.max(0, now - last)
tokens = math.min(capacity, tokens + delta / 1000 * refill)

local allowed = 0
if tokens >= want then
  allowed = 1
  tokens = tokens - want
end

redis.call('HMSET', key, 'tokens', tokens, 'last_ms', now)
if ttl > 0 then redis.call('PEXPIRE', key, ttl) end
return {allowed, tokens}
`)
