package revocation

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/iotaledger/hive.go/logger"
	"github.com/iotaledger/hive.go/runtime/event"

	cerrors "github.com/dueldanov/custody/internal/errors"
	"github.com/dueldanov/custody/internal/monitoring"
)

// DefaultMaxTTL bounds every blacklist entry; no credential the
// authentication layer issues lives longer.
const DefaultMaxTTL = 30 * 24 * time.Hour

type Events struct {
	SessionsRevoked *event.Event2[string, int] // userID, tokens blacklisted
}

// Service is the revocation API used by the authentication middleware.
type Service struct {
	*logger.WrappedLogger

	Events *Events

	registry Registry
	maxTTL   time.Duration
	metrics  *monitoring.Metrics
	now      func() time.Time
}

func NewService(log *logger.Logger, registry Registry, maxTTL time.Duration, metrics *monitoring.Metrics) *Service {
	if maxTTL <= 0 {
		maxTTL = DefaultMaxTTL
	}

	return &Service{
		WrappedLogger: logger.NewWrappedLogger(log),
		Events: &Events{
			SessionsRevoked: event.New2[string, int](),
		},
		registry: registry,
		maxTTL:   maxTTL,
		metrics:  metrics,
		now:      time.Now,
	}
}

// HashToken returns the hex SHA-256 of a raw token. Only hashes are stored.
func HashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// TokenExpiry reads the exp claim of a JWT without verifying its signature;
// the token was verified when it was issued or presented. A token without
// exp yields the zero time.
func TokenExpiry(raw string) (time.Time, error) {
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return time.Time{}, cerrors.InvalidArgument("token is not a JWT")
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, nil
	}

	return claims.ExpiresAt.Time, nil
}

// Revoke blacklists hash for ttl, capped at the maximum token lifetime.
// A non-positive ttl means the token is already dead and nothing is stored.
func (s *Service) Revoke(ctx context.Context, hash string, ttl time.Duration) error {
	if hash == "" {
		return cerrors.InvalidArgument("token hash is required")
	}
	if ttl <= 0 {
		return nil
	}
	if ttl > s.maxTTL {
		ttl = s.maxTTL
	}

	if err := s.registry.Revoke(ctx, hash, ttl); err != nil {
		return err
	}
	s.metrics.RecordRevocation()
	s.LogDebugf("revoked token %s for %s", shortHash(hash), ttl)

	return nil
}

// RevokeToken blacklists a raw JWT until its exp. Tokens without exp are
// blacklisted for the maximum lifetime.
func (s *Service) RevokeToken(ctx context.Context, raw string) error {
	expiresAt, err := TokenExpiry(raw)
	if err != nil {
		return err
	}

	ttl := s.maxTTL
	if !expiresAt.IsZero() {
		ttl = expiresAt.Sub(s.now())
	}

	return s.Revoke(ctx, HashToken(raw), ttl)
}

func (s *Service) IsRevoked(ctx context.Context, hash string) (bool, error) {
	return s.registry.IsRevoked(ctx, hash)
}

// Validate returns a revoked error for a blacklisted hash.
func (s *Service) Validate(ctx context.Context, hash string) error {
	revoked, err := s.registry.IsRevoked(ctx, hash)
	if err != nil {
		return err
	}
	if revoked {
		return cerrors.Revoked()
	}

	return nil
}

// TrackSession adds a login to the user's session index.
func (s *Service) TrackSession(ctx context.Context, userID string, session Session) error {
	if userID == "" {
		return cerrors.InvalidArgument("user id is required")
	}

	return s.registry.TrackSession(ctx, userID, session)
}

func (s *Service) Sessions(ctx context.Context, userID string) (*SessionIndex, error) {
	return s.registry.Sessions(ctx, userID)
}

// RevokeAll logs the user out everywhere and returns how many tokens were
// blacklisted.
func (s *Service) RevokeAll(ctx context.Context, userID string) (int, error) {
	if userID == "" {
		return 0, cerrors.InvalidArgument("user id is required")
	}

	count, err := s.registry.RevokeAll(ctx, userID)
	for i := 0; i < count; i++ {
		s.metrics.RecordRevocation()
	}
	if err != nil {
		s.LogErrorf("logout everywhere for user %s incomplete, %d tokens revoked: %v", userID, count, err)
		return count, err
	}

	s.LogInfof("logged out user %s everywhere, %d tokens revoked", userID, count)
	s.Events.SessionsRevoked.Trigger(userID, count)

	return count, nil
}

// Backend names the active registry backend.
func (s *Service) Backend() string {
	return s.registry.Backend()
}

func shortHash(hash string) string {
	if len(hash) > 8 {
		return hash[:8]
	}

	return hash
}
