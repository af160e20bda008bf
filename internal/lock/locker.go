package lock

import (
	"context"
	"time"
)

// Backend names, used as metric labels only.
const (
	BackendRedis = "redis"
	BackendLocal = "local"
)

// Locker is a lock store with an atomic set-if-absent-with-expiry primitive.
// Callers hold a Lease and never see which backend serves it.
type Locker interface {
	// Acquire returns a lease, or a nil lease when key is already held.
	Acquire(ctx context.Context, key string, ttl time.Duration) (*Lease, error)
	// Release deletes key only if token still holds it.
	Release(ctx context.Context, key, token string) (bool, error)
	// Extend resets the TTL of key only if token still holds it.
	Extend(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
	Backend() string
}

// Lease is one holder's claim on a lock key.
type Lease struct {
	Key       string
	Token     string
	ExpiresAt time.Time

	locker Locker
}

// Release gives the lock up. It is a no-op returning false when the lease
// has already expired and the key was taken by another holder.
func (l *Lease) Release(ctx context.Context) (bool, error) {
	return l.locker.Release(ctx, l.Key, l.Token)
}

// Extend pushes the expiry of a still-held lease to now+ttl.
func (l *Lease) Extend(ctx context.Context, ttl time.Duration) (bool, error) {
	ok, err := l.locker.Extend(ctx, l.Key, l.Token, ttl)
	if ok {
		l.ExpiresAt = time.Now().Add(ttl)
	}

	return ok, err
}
