package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/WatchBeam/clock"
	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBucket(t *testing.T, capacity int, refill float64) (*TokenBucket, *clock.MockClock) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	clk := clock.NewMockClock()
	return NewTokenBucket(client, capacity, refill, time.Minute).WithClock(clk), clk
}

func TestTokenBucket(t *testing.T) {
	ctx := context.Background()
	bucket, _ := newBucket(t, 2, 1)

	allowed, _, err := bucket.Allow(ctx, "ratelimit:acme:send_sms")
	require.NoError(t, err)
	assert.True(t, allowed, "first token")
	allowed, _, _ = bucket.Allow(ctx, "ratelimit:acme:send_sms")
	assert.True(t, allowed, "second token")
	allowed, _, _ = bucket.Allow(ctx, "ratelimit:acme:send_sms")
	assert.False(t, allowed, "third token should be rejected")

	allowed, _, _ = bucket.Allow(ctx, "ratelimit:other:send_sms")
	assert.True(t, allowed, "buckets are per key")
}

func TestTokenBucketRefills(t *testing.T) {
	ctx := context.Background()
	bucket, clk := newBucket(t, 1, 0.5)

	allowed, _, _ := bucket.Allow(ctx, "k")
	require.True(t, allowed)
	allowed, _, _ = bucket.Allow(ctx, "k")
	require.False(t, allowed)

	clk.AddTime(time.Second)
	allowed, _, _ = bucket.Allow(ctx, "k")
	assert.False(t, allowed, "half a token is not enough")

	clk.AddTime(2 * time.Second)
	allowed, _, _ = bucket.Allow(ctx, "k")
	assert.True(t, allowed)
}
