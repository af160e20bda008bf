package store

import (
	"context"

	"github.com/dgraph-io/badger/v4"
	"github.com/pkg/errors"

	cerrors "github.com/dueldanov/custody/internal/errors"
)

const maxConflictRetries = 16

// BadgerRowStore is the durable RowStore used by custodyctl and by custodyd
// with store.engine=badger.
type BadgerRowStore struct {
	db *badger.DB
}

// OpenBadger opens (or creates) a badger database at path. An empty path
// opens an in-memory database.
func OpenBadger(path string) (*BadgerRowStore, error) {
	opts := badger.DefaultOptions(path).WithLoggingLevel(badger.ERROR)
	if path == "" {
		opts = opts.WithInMemory(true)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, cerrors.StoreUnavailable(errors.Wrapf(err, "open badger at %q", path))
	}

	return &BadgerRowStore{db: db}, nil
}

func (s *BadgerRowStore) Get(_ context.Context, key []byte) ([]byte, error) {
	var value []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)

		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, cerrors.StoreUnavailable(errors.Wrap(err, "badger get"))
	}

	return value, nil
}

func (s *BadgerRowStore) Put(_ context.Context, key, value []byte) error {
	if err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, clone(value))
	}); err != nil {
		return cerrors.StoreUnavailable(errors.Wrap(err, "badger put"))
	}

	return nil
}

// Update runs fn in a read-write transaction and retries on write conflicts,
// so fn may run more than once.
func (s *BadgerRowStore) Update(ctx context.Context, key []byte, fn UpdateFunc) ([]byte, error) {
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		var stored []byte
		var fnErr error
		err := s.db.Update(func(txn *badger.Txn) error {
			var current []byte
			exists := true

			item, err := txn.Get(key)
			switch {
			case errors.Is(err, badger.ErrKeyNotFound):
				exists = false
			case err != nil:
				return err
			default:
				if current, err = item.ValueCopy(nil); err != nil {
					return err
				}
			}

			next, err := fn(current, exists)
			if err != nil {
				fnErr = err
				return err
			}
			if next == nil {
				stored = current
				return nil
			}
			stored = next

			return txn.Set(key, clone(next))
		})

		switch {
		case err == nil:
			return stored, nil
		case fnErr != nil:
			return nil, fnErr
		case errors.Is(err, badger.ErrConflict) && attempt < maxConflictRetries:
			continue
		default:
			return nil, cerrors.StoreUnavailable(errors.Wrap(err, "badger update"))
		}
	}
}

func (s *BadgerRowStore) Delete(_ context.Context, key []byte) error {
	if err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key)
	}); err != nil {
		return cerrors.StoreUnavailable(errors.Wrap(err, "badger delete"))
	}

	return nil
}

func (s *BadgerRowStore) Iterate(_ context.Context, prefix []byte, fn func(key, value []byte) bool) error {
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			value, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if !fn(item.KeyCopy(nil), value) {
				return nil
			}
		}

		return nil
	})
	if err != nil {
		return cerrors.StoreUnavailable(errors.Wrap(err, "badger iterate"))
	}

	return nil
}

func (s *BadgerRowStore) Close() error {
	return s.db.Close()
}
