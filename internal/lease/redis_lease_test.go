package lease

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLeases(t *testing.T) (*RedisLeases, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisLeases(client), mr
}

func TestLockIsExclusiveAndRenewable(t *testing.T) {
	ctx := context.Background()
	l, mr := newLeases(t)

	ok, err := l.Lock(ctx, "sequences:p0", "worker-a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = l.Lock(ctx, "sequences:p0", "worker-b", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "held by another owner")

	ok, err = l.Lock(ctx, "sequences:p0", "worker-a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "owner renews")

	mr.FastForward(2 * time.Minute)
	ok, err = l.Lock(ctx, "sequences:p0", "worker-b", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "expired lock can be taken")
}

func TestUnlockOnlyByOwner(t *testing.T) {
	ctx := context.Background()
	l, _ := newLeases(t)

	ok, err := l.Lock(ctx, "p1", "worker-a", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, l.Unlock(ctx, "p1", "worker-b"))
	ok, _ = l.Lock(ctx, "p1", "worker-b", time.Minute)
	assert.False(t, ok, "foreign unlock must not release")

	require.NoError(t, l.Unlock(ctx, "p1", "worker-a"))
	ok, _ = l.Lock(ctx, "p1", "worker-b", time.Minute)
	assert.True(t, ok)

	assert.NoError(t, l.Unlock(ctx, "never-locked", "worker-a"))
}

func TestClaim(t *testing.T) {
	ctx := context.Background()
	l, mr := newLeases(t)

	ok, err := l.Claim(ctx, "acme:rule-1:job-1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = l.Claim(ctx, "acme:rule-1:job-1", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	mr.FastForward(61 * time.Second)
	ok, _ = l.Claim(ctx, "acme:rule-1:job-1", time.Minute)
	assert.True(t, ok)
}

func TestMembers(t *testing.T) {
	ctx := context.Background()
	l, _ := newLeases(t)
	now := time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC)

	require.NoError(t, l.Announce(ctx, "worker-a", now, time.Minute))
	require.NoError(t, l.Announce(ctx, "worker-b", now.Add(-2*time.Minute), time.Minute))

	members, err := l.Members(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, []string{"worker-a"}, members)

	require.NoError(t, l.Withdraw(ctx, "worker-a"))
	members, err = l.Members(ctx, now)
	require.NoError(t, err)
	assert.Empty(t, members)
}
