package crypto

import (
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"

	cerrors "github.com/dueldanov/custody/internal/errors"
)

const (
	// KeySize is the size of master keys and data keys.
	KeySize = chacha20poly1305.KeySize
	// NonceSize is the 96-bit per-call random IV.
	NonceSize = chacha20poly1305.NonceSize
	// TagSize is the 128-bit authentication tag.
	TagSize = chacha20poly1305.Overhead
)

// Sealed is the output of one AEAD seal, with the tag split off the
// ciphertext so it can be stored as its own field.
type Sealed struct {
	Nonce      []byte
	Ciphertext []byte
	Tag        []byte
}

// AEAD provides ChaCha20-Poly1305 authenticated encryption with a 96-bit
// random nonce per call.
//
// Every Open failure is reported as the same authentication error: a wrong
// key, a modified nonce, tag or ciphertext and mismatching associated data
// are indistinguishable to the caller.
type AEAD struct {
	aead cipher.AEAD
}

// NewAEAD creates an AEAD for a 32-byte key.
func NewAEAD(key []byte) (*AEAD, error) {
	if len(key) != KeySize {
		return nil, cerrors.InvalidArgument(fmt.Sprintf("key must be %d bytes, got %d", KeySize, len(key)))
	}

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, cerrors.Wrap(err, cerrors.CodeInternal, "failed to create cipher")
	}

	return &AEAD{aead: aead}, nil
}

// Seal encrypts plaintext and binds aad into the tag.
func (a *AEAD) Seal(plaintext, aad []byte) (*Sealed, error) {
	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, cerrors.Wrap(err, cerrors.CodeInternal, "failed to generate nonce")
	}

	out := a.aead.Seal(nil, nonce, plaintext, aad)
	split := len(out) - TagSize

	return &Sealed{
		Nonce:      nonce,
		Ciphertext: out[:split],
		Tag:        out[split:],
	}, nil
}

// Open verifies and decrypts s. The same aad used for Seal must be supplied.
func (a *AEAD) Open(s *Sealed, aad []byte) ([]byte, error) {
	if s == nil || len(s.Nonce) != NonceSize || len(s.Tag) != TagSize {
		return nil, cerrors.Authentication()
	}

	buf := make([]byte, 0, len(s.Ciphertext)+TagSize)
	buf = append(buf, s.Ciphertext...)
	buf = append(buf, s.Tag...)

	plaintext, err := a.aead.Open(nil, s.Nonce, buf, aad)
	if err != nil {
		return nil, cerrors.Authentication()
	}

	return plaintext, nil
}

// Packed returns nonce ‖ tag ‖ ciphertext, the compact single-blob layout
// used for wrapped data keys and legacy seed payloads.
func (s *Sealed) Packed() []byte {
	out := make([]byte, 0, len(s.Nonce)+len(s.Tag)+len(s.Ciphertext))
	out = append(out, s.Nonce...)
	out = append(out, s.Tag...)
	out = append(out, s.Ciphertext...)

	return out
}

// UnpackSealed splits a nonce ‖ tag ‖ ciphertext blob. A blob too short to
// hold nonce and tag is an authentication failure, like any other tamper.
func UnpackSealed(b []byte) (*Sealed, error) {
	if len(b) < NonceSize+TagSize {
		return nil, cerrors.Authentication()
	}

	return &Sealed{
		Nonce:      b[:NonceSize],
		Tag:        b[NonceSize : NonceSize+TagSize],
		Ciphertext: b[NonceSize+TagSize:],
	}, nil
}
