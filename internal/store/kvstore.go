package store

import (
	"context"
	"sync"

	"github.com/iotaledger/hive.go/kvstore"
	"github.com/pkg/errors"

	cerrors "github.com/dueldanov/custody/internal/errors"
)

// custodyRealm isolates custody rows inside a shared kvstore.
var custodyRealm = []byte{0xC5}

// KVRowStore is a RowStore over a hive.go kvstore, usually the in-memory
// mapdb for single-process deployments and tests.
type KVRowStore struct {
	mu    sync.Mutex
	store kvstore.KVStore
}

// NewKVRowStore scopes store to the custody realm.
func NewKVRowStore(store kvstore.KVStore) (*KVRowStore, error) {
	realm, err := store.WithRealm(custodyRealm)
	if err != nil {
		return nil, cerrors.StoreUnavailable(errors.Wrap(err, "open custody realm"))
	}

	return &KVRowStore{store: realm}, nil
}

func (s *KVRowStore) Get(_ context.Context, key []byte) ([]byte, error) {
	value, err := s.store.Get(key)
	if errors.Is(err, kvstore.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, cerrors.StoreUnavailable(err)
	}

	return clone(value), nil
}

func (s *KVRowStore) Put(_ context.Context, key, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.store.Set(key, clone(value)); err != nil {
		return cerrors.StoreUnavailable(err)
	}

	return nil
}

func (s *KVRowStore) Update(_ context.Context, key []byte, fn UpdateFunc) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.store.Get(key)
	exists := true
	if errors.Is(err, kvstore.ErrKeyNotFound) {
		current, exists = nil, false
	} else if err != nil {
		return nil, cerrors.StoreUnavailable(err)
	}

	next, err := fn(clone(current), exists)
	if err != nil {
		return nil, err
	}
	if next == nil {
		return clone(current), nil
	}

	if err := s.store.Set(key, clone(next)); err != nil {
		return nil, cerrors.StoreUnavailable(err)
	}

	return next, nil
}

func (s *KVRowStore) Delete(_ context.Context, key []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.store.Delete(key); err != nil && !errors.Is(err, kvstore.ErrKeyNotFound) {
		return cerrors.StoreUnavailable(err)
	}

	return nil
}

func (s *KVRowStore) Iterate(_ context.Context, prefix []byte, fn func(key, value []byte) bool) error {
	if err := s.store.Iterate(prefix, func(key kvstore.Key, value kvstore.Value) bool {
		return fn(clone(key), clone(value))
	}); err != nil {
		return cerrors.StoreUnavailable(err)
	}

	return nil
}

func (s *KVRowStore) Close() error {
	return s.store.Flush()
}
