// Package ratelimit throttles action dispatch per tenant and action type.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/WatchBeam/clock"
	"github.com/redis/go-redis/v9"
)

// TokenBucket implements a distributed token bucket rate limiter using Redis.
// Every scheduler and API instance sharing the Redis sees the same buckets.
type TokenBucket struct {
	client   redis.Scripter
	clock    clock.Clock
	capacity int
	refill   float64 // tokens per second
	ttl      time.Duration
}

// NewTokenBucket constructs a bucket with the provided capacity/refill.
func NewTokenBucket(client redis.Scripter, capacity int, refillPerSecond float64, ttl time.Duration) *TokenBucket {
	return &TokenBucket{
		client:   client,
		clock:    clock.C,
		capacity: capacity,
		refill:   refillPerSecond,
		ttl:      ttl,
	}
}

// WithClock replaces the time source used to compute refills.
func (b *TokenBucket) WithClock(clk clock.Clock) *TokenBucket {
	b.clock = clk
	return b
}

// Allow consumes a single token for the given key if available.
// Returns allowed flag and current token count.
func (b *TokenBucket) Allow(ctx context.Context, key string) (bool, float64, error) {
	now := b.clock.Now().UnixMilli()
	res, err := bucketScript.Run(ctx, b.client, []string{key}, b.capacity, b.refill, now, b.ttl.Milliseconds()).Result()
	if err != nil {
		return false, 0, fmt.Errorf("token bucket %s: %w", key, err)
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) < 2 {
		return false, 0, fmt.Errorf("token bucket %s: unexpected reply %v", key, res)
	}
	allowed, _ := arr[0].(int64)
	var tokens float64
	switch v := arr[1].(type) {
	case int64:
		tokens = float64(v)
	case float64:
		tokens = v
	}
	return allowed == 1, tokens, nil
}

// Lua numbers are truncated to integers in replies, so tokens is reported floored.
var bucketScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill = tonumber(ARGV[2]) -- tokens per second
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local data = redis.call('HMGET', key, 'tokens', 'last_ms')
local tokens = tonumber(data[1])
local last = tonumber(data[2])
if tokens == nil then tokens = capacity end
if last == nil then last = now end

local delta = math.max(0, now - last)
local add = delta / 1000 * refill
tokens = math.min(capacity, tokens + add)

local allowed = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
end

redis.call('HMSET', key, 'tokens', tokens, 'last_ms', now)
if ttl > 0 then redis.call('PEXPIRE', key, ttl) end
return {allowed, tokens}
`)
