package idempotency

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	cerrors "github.com/dueldanov/custody/internal/errors"
)

const pendingPrefix = "pending:"

var completeScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  redis.call("SET", KEYS[1], ARGV[2], "PX", ARGV[3])
  return 1
end
return 0
`)

var abandonScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisStore keeps records in redis with native expiry. A reserved key
// holds "pending:<token>" until the operation completes.
type RedisStore struct {
	client *redis.Client
	prefix string
}

func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix + "idem:"}
}

func (s *RedisStore) Reserve(ctx context.Context, key string, inflightTTL time.Duration) (*Record, *Reservation, error) {
	res := &Reservation{Key: key, Token: uuid.NewString()}

	ok, err := s.client.SetNX(ctx, s.prefix+key, pendingPrefix+res.Token, inflightTTL).Result()
	if err != nil {
		return nil, nil, cerrors.StoreUnavailable(errors.Wrap(err, "redis idempotency reserve"))
	}
	if ok {
		return nil, res, nil
	}

	value, err := s.client.Get(ctx, s.prefix+key).Result()
	if errors.Is(err, redis.Nil) {
		// freed between SETNX and GET; report in flight and let the client retry
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, cerrors.StoreUnavailable(errors.Wrap(err, "redis idempotency get"))
	}
	if strings.HasPrefix(value, pendingPrefix) {
		return nil, nil, nil
	}

	record := &Record{}
	if err := json.Unmarshal([]byte(value), record); err != nil {
		return nil, nil, cerrors.Wrap(err, cerrors.CodeUnsupportedFormat, "corrupt idempotency record")
	}

	return record, nil, nil
}

func (s *RedisStore) Complete(ctx context.Context, res *Reservation, record *Record, ttl time.Duration) (bool, error) {
	value, err := json.Marshal(record)
	if err != nil {
		return false, cerrors.Wrap(err, cerrors.CodeInternal, "failed to encode idempotency record")
	}

	n, err := completeScript.Run(ctx, s.client, []string{s.prefix + res.Key}, pendingPrefix+res.Token, value, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, cerrors.StoreUnavailable(errors.Wrap(err, "redis idempotency complete"))
	}

	return n == 1, nil
}

func (s *RedisStore) Abandon(ctx context.Context, res *Reservation) error {
	if err := abandonScript.Run(ctx, s.client, []string{s.prefix + res.Key}, pendingPrefix+res.Token).Err(); err != nil {
		return cerrors.StoreUnavailable(errors.Wrap(err, "redis idempotency abandon"))
	}

	return nil
}

func (s *RedisStore) Backend() string {
	return BackendRedis
}
