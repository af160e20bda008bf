package store

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	cerrors "github.com/dueldanov/custody/internal/errors"
)

// RedisOptions selects the shared redis used by the lock, idempotency and
// revocation components when more than one replica runs.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
}

// NewRedis connects to redis and checks the connection with a short ping.
func NewRedis(ctx context.Context, opts RedisOptions) (*redis.Client, error) {
	addr := opts.Addr
	if addr == "" {
		addr = "localhost:6379"
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	ctxPing, cancel := context.WithTimeout(ctx, time.Second*2)
	defer cancel()
	if err := client.Ping(ctxPing).Err(); err != nil {
		_ = client.Close()
		return nil, cerrors.StoreUnavailable(err)
	}

	return client, nil
}
