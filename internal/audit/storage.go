package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	cerrors "github.com/dueldanov/custody/internal/errors"
	"github.com/dueldanov/custody/internal/store"
)

// MemoryStorage keeps entries in process. It is meant for tests and for
// runs on the memory row store engine.
type MemoryStorage struct {
	mu      sync.RWMutex
	entries []*Entry
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{}
}

func (s *MemoryStorage) Store(_ context.Context, entries []*Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries = append(s.entries, entries...)

	return nil
}

func (s *MemoryStorage) Query(_ context.Context, filter *Filter) ([]*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	results := make([]*Entry, 0)
	for _, entry := range s.entries {
		if filter.matches(entry) {
			results = append(results, entry)
		}
	}

	return filter.page(results), nil
}

// RowStorage persists entries in the custody row store under PrefixAudit.
type RowStorage struct {
	rows store.RowStore
}

func NewRowStorage(rows store.RowStore) *RowStorage {
	return &RowStorage{rows: rows}
}

func (s *RowStorage) Store(ctx context.Context, entries []*Entry) error {
	for _, entry := range entries {
		value, err := json.Marshal(entry)
		if err != nil {
			return cerrors.Wrap(err, cerrors.CodeInternal, "failed to encode audit entry")
		}
		if err := s.rows.Put(ctx, entryKey(entry.Sequence), value); err != nil {
			return err
		}
	}

	return nil
}

func (s *RowStorage) Query(ctx context.Context, filter *Filter) ([]*Entry, error) {
	var (
		results []*Entry
		decErr  error
	)
	if err := s.rows.Iterate(ctx, store.Key(store.PrefixAudit), func(_, value []byte) bool {
		entry := &Entry{}
		if err := json.Unmarshal(value, entry); err != nil {
			decErr = cerrors.Wrap(err, cerrors.CodeUnsupportedFormat, "corrupt audit entry")
			return false
		}
		if filter.matches(entry) {
			results = append(results, entry)
		}

		return true
	}); err != nil {
		return nil, err
	}
	if decErr != nil {
		return nil, decErr
	}

	// The memory engine iterates in no particular order.
	sort.Slice(results, func(i, j int) bool {
		return results[i].Sequence < results[j].Sequence
	})

	return filter.page(results), nil
}

func entryKey(sequence uint64) []byte {
	return store.Key(store.PrefixAudit, fmt.Sprintf("%020d", sequence))
}
