package lock

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	cerrors "github.com/dueldanov/custody/internal/errors"
)

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// RedisLocker holds locks in redis, shared by every replica. Expired
// entries vanish through native key expiry.
type RedisLocker struct {
	client *redis.Client
	prefix string
}

// NewRedisLocker stores lock entries under prefix + "lock:" + key.
func NewRedisLocker(client *redis.Client, prefix string) *RedisLocker {
	return &RedisLocker{client: client, prefix: prefix + "lock:"}
}

func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (*Lease, error) {
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, l.prefix+key, token, ttl).Result()
	if err != nil {
		return nil, cerrors.StoreUnavailable(errors.Wrap(err, "redis lock acquire"))
	}
	if !ok {
		return nil, nil
	}

	return &Lease{Key: key, Token: token, ExpiresAt: time.Now().Add(ttl), locker: l}, nil
}

func (l *RedisLocker) Release(ctx context.Context, key, token string) (bool, error) {
	n, err := releaseScript.Run(ctx, l.client, []string{l.prefix + key}, token).Int64()
	if err != nil {
		return false, cerrors.StoreUnavailable(errors.Wrap(err, "redis lock release"))
	}

	return n == 1, nil
}

func (l *RedisLocker) Extend(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	n, err := extendScript.Run(ctx, l.client, []string{l.prefix + key}, token, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, cerrors.StoreUnavailable(errors.Wrap(err, "redis lock extend"))
	}

	return n == 1, nil
}

func (l *RedisLocker) Backend() string {
	return BackendRedis
}
