package revocation

import (
	"context"
	"time"
)

const (
	BackendRedis = "redis"
	BackendLocal = "local"

	DefaultMaxSessions = 10
)

// Session is one login: the hashes of its access and refresh tokens and
// when each expires. Either half may be empty.
type Session struct {
	AccessHash       string
	AccessExpiresAt  time.Time
	RefreshHash      string
	RefreshExpiresAt time.Time
}

// TrackedToken is a token hash in a user's session index.
type TrackedToken struct {
	Hash      string
	ExpiresAt time.Time
}

// SessionIndex lists a user's tracked tokens, newest first.
type SessionIndex struct {
	Access  []TrackedToken
	Refresh []TrackedToken
}

// Registry is the revocation blacklist plus the per-user session index.
// Each list of the index keeps only the most recent max-sessions entries.
type Registry interface {
	// Revoke blacklists hash for ttl.
	Revoke(ctx context.Context, hash string, ttl time.Duration) error
	IsRevoked(ctx context.Context, hash string) (bool, error)
	TrackSession(ctx context.Context, userID string, session Session) error
	Sessions(ctx context.Context, userID string) (*SessionIndex, error)
	// RevokeAll blacklists every unexpired tracked token of userID for its
	// remaining lifetime, clears the index and returns how many were
	// blacklisted.
	RevokeAll(ctx context.Context, userID string) (int, error)
	Backend() string
}
