package idempotency

import (
	"context"
	"time"
)

const (
	BackendRedis = "redis"
	BackendLocal = "local"
)

// Record is a completed response kept for replay.
type Record struct {
	StatusCode int                 `json:"statusCode"`
	Body       []byte              `json:"body"`
	Header     map[string][]string `json:"header,omitempty"`
}

// Reservation is the claim of one request on a key while its operation runs.
type Reservation struct {
	Key   string
	Token string
}

// Store keeps idempotency records. A key is either free, reserved by one
// in-flight request, or completed with a record.
type Store interface {
	// Reserve claims key. It returns the completed record if there is one,
	// a reservation if the caller must execute, or neither when another
	// request holds the key.
	Reserve(ctx context.Context, key string, inflightTTL time.Duration) (*Record, *Reservation, error)
	// Complete replaces a held reservation with record for ttl. It reports
	// false when the reservation was lost in the meantime.
	Complete(ctx context.Context, res *Reservation, record *Record, ttl time.Duration) (bool, error)
	// Abandon frees a held reservation.
	Abandon(ctx context.Context, res *Reservation) error
	Backend() string
}
