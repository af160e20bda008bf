package lock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

type localEntry struct {
	token     string
	expiresAt time.Time
}

// LocalLocker is the in-process fallback. It only excludes holders inside
// one process.
type LocalLocker struct {
	mu      sync.Mutex
	entries map[string]localEntry
	now     func() time.Time
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{
		entries: make(map[string]localEntry),
		now:     time.Now,
	}
}

func (l *LocalLocker) Acquire(_ context.Context, key string, ttl time.Duration) (*Lease, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if entry, ok := l.entries[key]; ok && now.Before(entry.expiresAt) {
		return nil, nil
	}

	entry := localEntry{token: uuid.NewString(), expiresAt: now.Add(ttl)}
	l.entries[key] = entry

	return &Lease{Key: key, Token: entry.token, ExpiresAt: entry.expiresAt, locker: l}, nil
}

func (l *LocalLocker) Release(_ context.Context, key, token string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.entries[key]
	if !ok || entry.token != token {
		return false, nil
	}
	delete(l.entries, key)

	return true, nil
}

func (l *LocalLocker) Extend(_ context.Context, key, token string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	entry, ok := l.entries[key]
	if !ok || entry.token != token || !now.Before(entry.expiresAt) {
		return false, nil
	}
	entry.expiresAt = now.Add(ttl)
	l.entries[key] = entry

	return true, nil
}

func (l *LocalLocker) Backend() string {
	return BackendLocal
}

// Sweep drops expired entries and returns how many were removed.
func (l *LocalLocker) Sweep() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	removed := 0
	for key, entry := range l.entries {
		if !now.Before(entry.expiresAt) {
			delete(l.entries, key)
			removed++
		}
	}

	return removed
}

// Run sweeps every interval until ctx is done.
func (l *LocalLocker) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Sweep()
		}
	}
}

// Len returns the number of entries, expired ones included until swept.
func (l *LocalLocker) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return len(l.entries)
}
