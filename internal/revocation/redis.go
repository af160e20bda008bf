package revocation

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/iotaledger/hive.go/logger"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	cerrors "github.com/dueldanov/custody/internal/errors"
	"github.com/dueldanov/custody/internal/monitoring"
)

// trackScript pushes one token entry per list, trims each list to the cap
// and extends the list expiry to cover the longest-lived entry.
var trackScript = redis.NewScript(`
local cap = tonumber(ARGV[1])
local function track(key, entry, ttl)
  if entry == "" then
    return
  end
  redis.call("LPUSH", key, entry)
  redis.call("LTRIM", key, 0, cap - 1)
  local current = redis.call("PTTL", key)
  if current < tonumber(ttl) then
    redis.call("PEXPIRE", key, ttl)
  end
end
track(KEYS[1], ARGV[2], ARGV[3])
track(KEYS[2], ARGV[4], ARGV[5])
return 1
`)

// RedisRegistry shares the blacklist and session index between replicas.
//
// When redis fails the registry degrades to its local fallback: the failure
// is logged and counted, revocations are still recorded locally, and checks
// consult the fallback. With failOpen a hash unknown to the fallback counts
// as not revoked; otherwise the check fails with StoreUnavailable.
type RedisRegistry struct {
	*logger.WrappedLogger

	client      *redis.Client
	prefix      string
	maxSessions int
	fallback    *LocalRegistry
	failOpen    bool
	metrics     *monitoring.Metrics
}

func NewRedisRegistry(log *logger.Logger, client *redis.Client, prefix string, maxSessions int, failOpen bool, metrics *monitoring.Metrics) *RedisRegistry {
	if maxSessions <= 0 {
		maxSessions = DefaultMaxSessions
	}

	return &RedisRegistry{
		WrappedLogger: logger.NewWrappedLogger(log),
		client:        client,
		prefix:        prefix,
		maxSessions:   maxSessions,
		fallback:      NewLocalRegistry(maxSessions),
		failOpen:      failOpen,
		metrics:       metrics,
	}
}

// Fallback returns the local registry used while redis is unavailable.
func (r *RedisRegistry) Fallback() *LocalRegistry {
	return r.fallback
}

func (r *RedisRegistry) Revoke(ctx context.Context, hash string, ttl time.Duration) error {
	if err := r.client.Set(ctx, r.revokedKey(hash), "1", ttl).Err(); err != nil {
		_ = r.fallback.Revoke(ctx, hash, ttl)
		r.degraded("revoke", err)

		// The revocation holds in this process only, which the caller must know.
		return cerrors.StoreUnavailable(errors.Wrap(err, "redis revoke"))
	}

	return nil
}

func (r *RedisRegistry) IsRevoked(ctx context.Context, hash string) (bool, error) {
	// Revocations recorded during an outage live only in the fallback.
	if revoked, _ := r.fallback.IsRevoked(ctx, hash); revoked {
		return true, nil
	}

	n, err := r.client.Exists(ctx, r.revokedKey(hash)).Result()
	if err != nil {
		r.degraded("revocation check", err)
		if r.failOpen {
			return false, nil
		}

		return false, cerrors.StoreUnavailable(errors.Wrap(err, "redis revocation check"))
	}

	return n > 0, nil
}

func (r *RedisRegistry) TrackSession(ctx context.Context, userID string, session Session) error {
	now := time.Now()
	accessEntry, accessTTL := encodeTracked(session.AccessHash, session.AccessExpiresAt, now)
	refreshEntry, refreshTTL := encodeTracked(session.RefreshHash, session.RefreshExpiresAt, now)

	err := trackScript.Run(ctx, r.client,
		[]string{r.sessionsKey(userID, "access"), r.sessionsKey(userID, "refresh")},
		r.maxSessions, accessEntry, accessTTL, refreshEntry, refreshTTL,
	).Err()
	if err != nil {
		_ = r.fallback.TrackSession(ctx, userID, session)
		r.degraded("session tracking", err)
		if r.failOpen {
			return nil
		}

		return cerrors.StoreUnavailable(errors.Wrap(err, "redis track session"))
	}

	return nil
}

func (r *RedisRegistry) Sessions(ctx context.Context, userID string) (*SessionIndex, error) {
	access, err := r.client.LRange(ctx, r.sessionsKey(userID, "access"), 0, -1).Result()
	if err != nil {
		return nil, cerrors.StoreUnavailable(errors.Wrap(err, "redis sessions"))
	}
	refresh, err := r.client.LRange(ctx, r.sessionsKey(userID, "refresh"), 0, -1).Result()
	if err != nil {
		return nil, cerrors.StoreUnavailable(errors.Wrap(err, "redis sessions"))
	}

	return &SessionIndex{Access: decodeTracked(access), Refresh: decodeTracked(refresh)}, nil
}

func (r *RedisRegistry) RevokeAll(ctx context.Context, userID string) (int, error) {
	// Sessions tracked while redis was down are only in the fallback.
	count, _ := r.fallback.RevokeAll(ctx, userID)

	index, err := r.Sessions(ctx, userID)
	if err != nil {
		r.degraded("revoke all", err)
		return count, err
	}

	now := time.Now()
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, list := range [][]TrackedToken{index.Access, index.Refresh} {
			for _, token := range list {
				ttl := token.ExpiresAt.Sub(now)
				if ttl <= 0 {
					continue
				}
				pipe.Set(ctx, r.revokedKey(token.Hash), "1", ttl)
				count++
			}
		}
		pipe.Del(ctx, r.sessionsKey(userID, "access"), r.sessionsKey(userID, "refresh"))

		return nil
	})
	if err != nil {
		for _, list := range [][]TrackedToken{index.Access, index.Refresh} {
			for _, token := range list {
				if ttl := token.ExpiresAt.Sub(now); ttl > 0 {
					_ = r.fallback.Revoke(ctx, token.Hash, ttl)
				}
			}
		}
		r.degraded("revoke all", err)

		return count, cerrors.StoreUnavailable(errors.Wrap(err, "redis revoke all"))
	}

	return count, nil
}

func (r *RedisRegistry) Backend() string {
	return BackendRedis
}

func (r *RedisRegistry) degraded(op string, err error) {
	r.metrics.RecordRevocationDegraded()
	r.LogWarnf("revocation store unavailable during %s, using in-process fallback (fail open: %t): %v", op, r.failOpen, err)
}

func (r *RedisRegistry) revokedKey(hash string) string {
	return r.prefix + "revoked:" + hash
}

func (r *RedisRegistry) sessionsKey(userID, kind string) string {
	return r.prefix + "sessions:" + userID + ":" + kind
}

// encodeTracked renders a list entry as "<hash>|<expiry unix ms>". Tokens
// without a hash or already expired are not tracked.
func encodeTracked(hash string, expiresAt, now time.Time) (string, int64) {
	ttl := expiresAt.Sub(now)
	if hash == "" || ttl <= 0 {
		return "", 0
	}

	return hash + "|" + strconv.FormatInt(expiresAt.UnixMilli(), 10), ttl.Milliseconds()
}

func decodeTracked(entries []string) []TrackedToken {
	tokens := make([]TrackedToken, 0, len(entries))
	for _, entry := range entries {
		hash, ms, ok := strings.Cut(entry, "|")
		if !ok {
			continue
		}
		expiresMs, err := strconv.ParseInt(ms, 10, 64)
		if err != nil {
			continue
		}
		tokens = append(tokens, TrackedToken{Hash: hash, ExpiresAt: time.UnixMilli(expiresMs)})
	}

	return tokens
}
