package lease

import (
	"context"
	"time"
)

// Locker obtains non-blocking, expiring locks on a named resource for an owner.
// Locking again as the same owner renews the expiration.
type Locker interface {
	Lock(ctx context.Context, name, owner string, expiration time.Duration) (bool, error)
	Unlock(ctx context.Context, name, owner string) error
}

// Claimer hands out one-shot slots used to claim a rule firing before dispatch.
type Claimer interface {
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// NopLocker always grants the lock. It is used when a single scheduler runs
// without Redis.
type NopLocker struct{}

func (NopLocker) Lock(context.Context, string, string, time.Duration) (bool, error) {
	return true, nil
}

func (NopLocker) Unlock(context.Context, string, string) error {
	return nil
}
