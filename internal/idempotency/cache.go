package idempotency

import (
	"context"
	"time"

	"github.com/iotaledger/hive.go/logger"

	cerrors "github.com/dueldanov/custody/internal/errors"
	"github.com/dueldanov/custody/internal/monitoring"
)

// DefaultInflightTTL bounds how long a crashed request keeps its key
// reserved.
const DefaultInflightTTL = time.Minute

// Response is what a wrapped operation returns and what retries replay.
type Response struct {
	StatusCode int
	Body       []byte
	Header     map[string][]string
	// Replayed is set on responses served from the cache.
	Replayed bool
}

// Operation is a side-effecting request handler.
type Operation func(ctx context.Context) (*Response, error)

// Cache deduplicates retried requests that carry an idempotency key.
type Cache struct {
	*logger.WrappedLogger

	store       Store
	ttl         time.Duration
	inflightTTL time.Duration
	metrics     *monitoring.Metrics
}

func NewCache(log *logger.Logger, store Store, ttl time.Duration, metrics *monitoring.Metrics) *Cache {
	return &Cache{
		WrappedLogger: logger.NewWrappedLogger(log),
		store:         store,
		ttl:           ttl,
		inflightTTL:   DefaultInflightTTL,
		metrics:       metrics,
	}
}

// Wrap runs op once per key within ttl and replays its response to every
// retry. An empty key bypasses the cache. A retry arriving while the first
// request still runs gets a lock conflict. Failed operations are not cached,
// so the client may retry them.
func (c *Cache) Wrap(ctx context.Context, key string, ttl time.Duration, op Operation) (*Response, error) {
	if key == "" {
		return op(ctx)
	}
	if ttl <= 0 {
		ttl = c.ttl
	}

	record, res, err := c.store.Reserve(ctx, key, c.inflightTTL)
	if err != nil {
		return nil, err
	}
	if record != nil {
		c.metrics.RecordIdempotencyReplay()
		return &Response{StatusCode: record.StatusCode, Body: record.Body, Header: record.Header, Replayed: true}, nil
	}
	if res == nil {
		return nil, cerrors.LockConflict("request " + key)
	}

	// The reservation is freed only when op fails or panics. After op
	// succeeded it is kept even if the record cannot be stored, so retries
	// see a conflict until it expires instead of running op again.
	succeeded := false
	defer func() {
		if succeeded {
			return
		}
		if err := c.store.Abandon(context.WithoutCancel(ctx), res); err != nil {
			c.LogWarnf("failed to free idempotency key %s: %v", key, err)
		}
	}()

	c.metrics.RecordIdempotencyExecution()
	resp, err := op(ctx)
	if err != nil {
		return nil, err
	}
	succeeded = true
	if resp == nil {
		resp = &Response{}
	}

	stored, err := c.store.Complete(context.WithoutCancel(ctx), res, &Record{
		StatusCode: resp.StatusCode,
		Body:       resp.Body,
		Header:     resp.Header,
	}, ttl)
	switch {
	case err != nil:
		c.LogWarnf("failed to store idempotent response for %s: %v", key, err)
	case !stored:
		c.LogWarnf("idempotency reservation for %s expired before the operation finished", key)
	}

	return resp, nil
}

// Scope returns a view of the cache whose keys are namespaced by scope,
// usually the authenticated user, so clients cannot collide on keys.
func (c *Cache) Scope(scope string) *ScopedCache {
	return &ScopedCache{cache: c, scope: scope}
}

type ScopedCache struct {
	cache *Cache
	scope string
}

func (s *ScopedCache) Wrap(ctx context.Context, key string, ttl time.Duration, op Operation) (*Response, error) {
	if key == "" {
		return op(ctx)
	}

	return s.cache.Wrap(ctx, s.scope+":"+key, ttl, op)
}
