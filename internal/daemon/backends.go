package daemon

import (
	"context"

	"github.com/iotaledger/hive.go/logger"
	"github.com/redis/go-redis/v9"

	"github.com/dueldanov/custody/internal/config"
	"github.com/dueldanov/custody/internal/idempotency"
	"github.com/dueldanov/custody/internal/lock"
	"github.com/dueldanov/custody/internal/monitoring"
	"github.com/dueldanov/custody/internal/revocation"
	"github.com/dueldanov/custody/internal/store"
)

const (
	BackendRedis = "redis"
	BackendLocal = "local"
)

// Backends holds the coordination backend chosen once at startup. Redis is
// nil when the process runs on in-process backends.
type Backends struct {
	Redis *redis.Client
}

func (b *Backends) Name() string {
	if b.Redis != nil {
		return BackendRedis
	}

	return BackendLocal
}

// SelectBackends connects to redis when it is enabled and reachable. Any
// other case falls back to in-process backends, which only coordinate
// within this process.
func SelectBackends(ctx context.Context, log *logger.Logger, cfg *config.Config) *Backends {
	l := logger.NewWrappedLogger(log)

	if cfg.Redis.Enabled {
		client, err := store.NewRedis(ctx, store.RedisOptions{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err == nil {
			l.LogInfof("using redis at %s for locks, idempotency and revocation", cfg.Redis.Addr)
			return &Backends{Redis: client}
		}
		l.LogWarnf("redis at %s is unreachable: %v", cfg.Redis.Addr, err)
	}

	l.LogWarn("locks, idempotency and revocation are process-local; they do not coordinate across instances")
	if cfg.Replicas > 1 {
		l.LogErrorf("running %d replicas on process-local backends: wallet locks, idempotency keys and token revocations are NOT shared between them", cfg.Replicas)
	}

	return &Backends{}
}

func newLocker(b *Backends, cfg *config.Config) lock.Locker {
	if b.Redis != nil {
		return lock.NewRedisLocker(b.Redis, cfg.Redis.Prefix)
	}

	return lock.NewLocalLocker()
}

func newIdempotencyStore(b *Backends, cfg *config.Config) idempotency.Store {
	if b.Redis != nil {
		return idempotency.NewRedisStore(b.Redis, cfg.Redis.Prefix)
	}

	return idempotency.NewLocalStore()
}

func newRevocationRegistry(log *logger.Logger, b *Backends, cfg *config.Config, metrics *monitoring.Metrics) revocation.Registry {
	if b.Redis != nil {
		return revocation.NewRedisRegistry(log, b.Redis, cfg.Redis.Prefix, cfg.Revocation.MaxSessions, cfg.Revocation.FailOpen, metrics)
	}

	return revocation.NewLocalRegistry(cfg.Revocation.MaxSessions)
}
