package lock

import (
	"context"
	"time"

	"github.com/iotaledger/hive.go/logger"

	cerrors "github.com/dueldanov/custody/internal/errors"
	"github.com/dueldanov/custody/internal/monitoring"
)

const releaseTimeout = 5 * time.Second

// ExclusiveOperationLock keeps at most one operation per key inside its
// protected section. TTL expiry is the only recovery from a crashed or hung
// holder, so ttl must cover the slowest legitimate operation.
type ExclusiveOperationLock struct {
	*logger.WrappedLogger

	locker     Locker
	defaultTTL time.Duration
	metrics    *monitoring.Metrics
}

func NewExclusiveOperationLock(log *logger.Logger, locker Locker, defaultTTL time.Duration, metrics *monitoring.Metrics) *ExclusiveOperationLock {
	return &ExclusiveOperationLock{
		WrappedLogger: logger.NewWrappedLogger(log),
		locker:        locker,
		defaultTTL:    defaultTTL,
		metrics:       metrics,
	}
}

// Acquire returns a lease on key, or nil when it is held elsewhere.
// A ttl of 0 selects the default.
func (l *ExclusiveOperationLock) Acquire(ctx context.Context, key string, ttl time.Duration) (*Lease, error) {
	if key == "" {
		return nil, cerrors.InvalidArgument("lock key is required")
	}
	if ttl <= 0 {
		ttl = l.defaultTTL
	}

	lease, err := l.locker.Acquire(ctx, key, ttl)
	if err != nil {
		return nil, err
	}
	if lease == nil {
		l.metrics.RecordLockConflict()
		return nil, nil
	}
	l.metrics.RecordLockAcquired(l.locker.Backend())

	return lease, nil
}

// WithLock runs fn while holding key. When key is held elsewhere fn does not
// run and a lock conflict is returned. The lease is released on every exit
// path of fn, panics included, even when ctx is already cancelled.
func (l *ExclusiveOperationLock) WithLock(ctx context.Context, key string, ttl time.Duration, fn func(ctx context.Context) error) error {
	lease, err := l.Acquire(ctx, key, ttl)
	if err != nil {
		return err
	}
	if lease == nil {
		return cerrors.LockConflict("operation on " + key)
	}

	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
		defer cancel()

		released, err := lease.Release(releaseCtx)
		switch {
		case err != nil:
			l.LogWarnf("failed to release lock %s: %v", key, err)
		case !released:
			l.LogWarnf("lock %s expired before release, operation outlived its ttl", key)
		}
	}()

	return fn(ctx)
}

// Backend names the active lock backend.
func (l *ExclusiveOperationLock) Backend() string {
	return l.locker.Backend()
}
