package store

import (
	"context"

	"github.com/iotaledger/hive.go/serializer/v2/marshalutil"

	cerrors "github.com/dueldanov/custody/internal/errors"
)

// Key prefixes of the custody row space.
const (
	PrefixKeyringKey    byte = 1
	PrefixKeyringSecret byte = 2
	PrefixWalletKey     byte = 3
	PrefixSeed          byte = 4
	PrefixAudit         byte = 5
	PrefixSeedArchive   byte = 6
)

// ErrNotFound is returned for a key that holds no row.
var ErrNotFound = cerrors.New(cerrors.CodeNotFound, "record not found")

// UpdateFunc computes the next value of a row from its current one.
// Returning a nil value with a nil error leaves the row unchanged; returning
// an error aborts the update and is passed through to the caller.
type UpdateFunc func(current []byte, exists bool) ([]byte, error)

// RowStore is the durable row store behind the keyring, wallet keys and
// seeds. Update is atomic with respect to other Updates of the same key.
type RowStore interface {
	Get(ctx context.Context, key []byte) ([]byte, error)
	Put(ctx context.Context, key, value []byte) error
	// Update applies fn atomically and returns the value stored afterwards.
	Update(ctx context.Context, key []byte, fn UpdateFunc) ([]byte, error)
	Delete(ctx context.Context, key []byte) error
	// Iterate calls fn for every row under prefix until fn returns false.
	Iterate(ctx context.Context, prefix []byte, fn func(key, value []byte) bool) error
	Close() error
}

// Key builds a row key from a prefix byte and path parts. Each part is
// terminated by a zero byte so a shorter path is a strict iteration prefix
// of a longer one.
func Key(prefix byte, parts ...string) []byte {
	size := 1
	for _, p := range parts {
		size += len(p) + 1
	}

	ms := marshalutil.New(size)
	ms.WriteByte(prefix)
	for _, p := range parts {
		ms.WriteBytes([]byte(p))
		ms.WriteByte(0)
	}

	return ms.Bytes()
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)

	return out
}
