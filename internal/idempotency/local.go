package idempotency

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

type localEntry struct {
	token     string
	record    *Record
	expiresAt time.Time
}

// LocalStore is the in-process fallback store.
type LocalStore struct {
	mu      sync.Mutex
	entries map[string]*localEntry
	now     func() time.Time
}

func NewLocalStore() *LocalStore {
	return &LocalStore{
		entries: make(map[string]*localEntry),
		now:     time.Now,
	}
}

func (s *LocalStore) Reserve(_ context.Context, key string, inflightTTL time.Duration) (*Record, *Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if entry, ok := s.entries[key]; ok && now.Before(entry.expiresAt) {
		if entry.record != nil {
			return copyRecord(entry.record), nil, nil
		}
		return nil, nil, nil
	}

	res := &Reservation{Key: key, Token: uuid.NewString()}
	s.entries[key] = &localEntry{token: res.Token, expiresAt: now.Add(inflightTTL)}

	return nil, res, nil
}

func (s *LocalStore) Complete(_ context.Context, res *Reservation, record *Record, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[res.Key]
	if !ok || entry.record != nil || entry.token != res.Token {
		return false, nil
	}
	entry.record = copyRecord(record)
	entry.expiresAt = s.now().Add(ttl)

	return true, nil
}

func (s *LocalStore) Abandon(_ context.Context, res *Reservation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry, ok := s.entries[res.Key]; ok && entry.record == nil && entry.token == res.Token {
		delete(s.entries, res.Key)
	}

	return nil
}

func (s *LocalStore) Backend() string {
	return BackendLocal
}

// Sweep drops expired records and stale reservations.
func (s *LocalStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	removed := 0
	for key, entry := range s.entries {
		if !now.Before(entry.expiresAt) {
			delete(s.entries, key)
			removed++
		}
	}

	return removed
}

// Run sweeps every interval until ctx is done.
func (s *LocalStore) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}

func (s *LocalStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.entries)
}

func copyRecord(r *Record) *Record {
	out := &Record{StatusCode: r.StatusCode}
	if r.Body != nil {
		out.Body = append([]byte(nil), r.Body...)
	}
	if r.Header != nil {
		out.Header = make(map[string][]string, len(r.Header))
		for k, v := range r.Header {
			out.Header[k] = append([]string(nil), v...)
		}
	}

	return out
}
