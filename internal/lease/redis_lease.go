// Package lease coordinates scheduler instances through Redis: leader leases per
// partition, claim-before-dispatch slots for rule firing, and live membership.
package lease

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"fieldflow/internal/config"
)

// RedisLeases implements Locker and Claimer on a single Redis.
type RedisLeases struct {
	client     *redis.Client
	lockPrefix string
	claimKey   string
	membersKey string
}

// NewRedisClient builds the shared Redis client from config.
func NewRedisClient(cfg config.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
}

// NewRedisLeases wraps client. Keys are namespaced under "fieldflow:".
func NewRedisLeases(client *redis.Client) *RedisLeases {
	return &RedisLeases{
		client:     client,
		lockPrefix: "fieldflow:lock:",
		claimKey:   "fieldflow:claim:",
		membersKey: "fieldflow:scheduler:members",
	}
}

func (l *RedisLeases) lockKey(name string) string {
	return l.lockPrefix + name
}

// Lock acquires name for owner, or renews it when owner already holds it.
func (l *RedisLeases) Lock(ctx context.Context, name, owner string, expiration time.Duration) (bool, error) {
	res, err := lockScript.Run(ctx, l.client, []string{l.lockKey(name)}, owner, expiration.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("lock %s: %w", name, err)
	}
	return res == 1, nil
}

// Unlock releases name if owner holds it. Unlocking a lock held by someone else,
// or not held at all, is not an error.
func (l *RedisLeases) Unlock(ctx context.Context, name, owner string) error {
	if err := unlockScript.Run(ctx, l.client, []string{l.lockKey(name)}, owner).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("unlock %s: %w", name, err)
	}
	return nil
}

// Claim takes a one-shot slot that expires after ttl. Only the first caller for a
// key within ttl wins.
func (l *RedisLeases) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.claimKey+key, time.Now().UTC().Format(time.RFC3339Nano), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("claim %s: %w", key, err)
	}
	return ok, nil
}

// Announce records member as alive until now+ttl.
func (l *RedisLeases) Announce(ctx context.Context, member string, now time.Time, ttl time.Duration) error {
	return l.client.ZAdd(ctx, l.membersKey, redis.Z{
		Score:  float64(now.Add(ttl).UnixMilli()),
		Member: member,
	}).Err()
}

// Members lists members whose announcement has not expired, pruning the rest.
func (l *RedisLeases) Members(ctx context.Context, now time.Time) ([]string, error) {
	cutoff := fmt.Sprintf("%d", now.UnixMilli())
	pipe := l.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, l.membersKey, "-inf", "("+cutoff)
	live := pipe.ZRangeByScore(ctx, l.membersKey, &redis.ZRangeBy{Min: cutoff, Max: "+inf"})
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	return live.Val(), nil
}

// Withdraw removes member immediately, for graceful shutdown.
func (l *RedisLeases) Withdraw(ctx context.Context, member string) error {
	return l.client.ZRem(ctx, l.membersKey, member).Err()
}

var lockScript = redis.NewScript(`
local current = redis.call('GET', KEYS[1])
if current == ARGV[1] then
  redis.call('PEXPIRE', KEYS[1], ARGV[2])
  return 1
end
if current then
  return 0
end
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
return 1
`)

var unlockScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)
