package revocation

import (
	"context"
	"sync"
	"time"
)

// LocalRegistry is the in-process registry. It is also the fallback the
// redis registry degrades to.
type LocalRegistry struct {
	mu          sync.Mutex
	revoked     map[string]time.Time
	sessions    map[string]*SessionIndex
	maxSessions int
	now         func() time.Time
}

func NewLocalRegistry(maxSessions int) *LocalRegistry {
	if maxSessions <= 0 {
		maxSessions = DefaultMaxSessions
	}

	return &LocalRegistry{
		revoked:     make(map[string]time.Time),
		sessions:    make(map[string]*SessionIndex),
		maxSessions: maxSessions,
		now:         time.Now,
	}
}

func (r *LocalRegistry) Revoke(_ context.Context, hash string, ttl time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.revokeLocked(hash, r.now().Add(ttl))

	return nil
}

func (r *LocalRegistry) revokeLocked(hash string, expiresAt time.Time) {
	if current, ok := r.revoked[hash]; ok && current.After(expiresAt) {
		return
	}
	r.revoked[hash] = expiresAt
}

func (r *LocalRegistry) IsRevoked(_ context.Context, hash string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	expiresAt, ok := r.revoked[hash]

	return ok && r.now().Before(expiresAt), nil
}

func (r *LocalRegistry) TrackSession(_ context.Context, userID string, session Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	index, ok := r.sessions[userID]
	if !ok {
		index = &SessionIndex{}
		r.sessions[userID] = index
	}

	if session.AccessHash != "" {
		index.Access = r.push(index.Access, TrackedToken{Hash: session.AccessHash, ExpiresAt: session.AccessExpiresAt})
	}
	if session.RefreshHash != "" {
		index.Refresh = r.push(index.Refresh, TrackedToken{Hash: session.RefreshHash, ExpiresAt: session.RefreshExpiresAt})
	}

	return nil
}

// push prepends token and evicts the oldest entries beyond the cap.
func (r *LocalRegistry) push(list []TrackedToken, token TrackedToken) []TrackedToken {
	list = append([]TrackedToken{token}, list...)
	if len(list) > r.maxSessions {
		list = list[:r.maxSessions]
	}

	return list
}

func (r *LocalRegistry) Sessions(_ context.Context, userID string) (*SessionIndex, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	index, ok := r.sessions[userID]
	if !ok {
		return &SessionIndex{}, nil
	}

	return &SessionIndex{
		Access:  append([]TrackedToken(nil), index.Access...),
		Refresh: append([]TrackedToken(nil), index.Refresh...),
	}, nil
}

func (r *LocalRegistry) RevokeAll(_ context.Context, userID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	index, ok := r.sessions[userID]
	if !ok {
		return 0, nil
	}
	delete(r.sessions, userID)

	now := r.now()
	count := 0
	for _, list := range [][]TrackedToken{index.Access, index.Refresh} {
		for _, token := range list {
			if !now.Before(token.ExpiresAt) {
				continue
			}
			r.revokeLocked(token.Hash, token.ExpiresAt)
			count++
		}
	}

	return count, nil
}

func (r *LocalRegistry) Backend() string {
	return BackendLocal
}

// Sweep drops expired blacklist entries and expired tracked tokens.
func (r *LocalRegistry) Sweep() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	removed := 0
	for hash, expiresAt := range r.revoked {
		if !now.Before(expiresAt) {
			delete(r.revoked, hash)
			removed++
		}
	}

	for userID, index := range r.sessions {
		index.Access = unexpired(index.Access, now)
		index.Refresh = unexpired(index.Refresh, now)
		if len(index.Access) == 0 && len(index.Refresh) == 0 {
			delete(r.sessions, userID)
		}
	}

	return removed
}

// Run sweeps every interval until ctx is done.
func (r *LocalRegistry) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep()
		}
	}
}

// Len returns the number of blacklist entries, expired ones included until
// swept.
func (r *LocalRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.revoked)
}

func unexpired(list []TrackedToken, now time.Time) []TrackedToken {
	out := list[:0]
	for _, token := range list {
		if now.Before(token.ExpiresAt) {
			out = append(out, token)
		}
	}

	return out
}
