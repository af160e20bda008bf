package crypto

import (
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/hkdf"

	cerrors "github.com/dueldanov/custody/internal/errors"
)

// DeriveKey derives a 32-byte subkey of masterKey for one purpose, so a
// single master key never encrypts under two different roles.
func DeriveKey(masterKey []byte, info string) ([]byte, error) {
	if len(masterKey) != KeySize {
		return nil, cerrors.Configuration("master key must be exactly 32 bytes")
	}

	out := make([]byte, KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, masterKey, nil, []byte(info)), out); err != nil {
		return nil, cerrors.Wrap(err, cerrors.CodeInternal, "key derivation failed")
	}

	return out, nil
}
