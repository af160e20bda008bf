package crypto

import (
	"encoding/base64"
	"sync"

	"github.com/google/uuid"

	cerrors "github.com/dueldanov/custody/internal/errors"
)

// DataKey is a freshly generated per-secret key.
//
// Wrapped is the only form that may be persisted. Plaintext is for immediate
// one-time use and must be destroyed by the caller.
type DataKey struct {
	KeyID     string
	Wrapped   string
	Plaintext *SecretBuffer
}

// Destroy erases the plaintext key.
func (d *DataKey) Destroy() {
	if d != nil {
		d.Plaintext.Destroy()
	}
}

// DataKeyManager generates data keys and wraps/unwraps them under a master key.
//
// Wrapped layout: base64(nonce ‖ tag ‖ ciphertext).
// Unwrap failures are never retried.
type DataKeyManager struct {
	mu   sync.RWMutex
	aead *AEAD
}

// NewDataKeyManager creates a manager for masterKey. A missing or malformed
// master key is a configuration error. The manager does not retain masterKey.
func NewDataKeyManager(masterKey []byte) (*DataKeyManager, error) {
	if len(masterKey) != KeySize {
		return nil, cerrors.Configuration("master key must be exactly 32 bytes")
	}

	aead, err := NewAEAD(masterKey)
	if err != nil {
		return nil, cerrors.Wrap(err, cerrors.CodeConfiguration, "invalid master key")
	}

	return &DataKeyManager{aead: aead}, nil
}

// GenerateDataKey creates a new random data key and its wrapped form.
func (m *DataKeyManager) GenerateDataKey() (*DataKey, error) {
	aead, err := m.cipher()
	if err != nil {
		return nil, err
	}

	key, err := GenerateKey()
	if err != nil {
		return nil, err
	}
	plaintext := WrapSecret(key)

	sealed, err := aead.Seal(plaintext.Bytes(), nil)
	if err != nil {
		plaintext.Destroy()
		return nil, err
	}

	return &DataKey{
		KeyID:     uuid.New().String(),
		Wrapped:   base64.StdEncoding.EncodeToString(sealed.Packed()),
		Plaintext: plaintext,
	}, nil
}

// Wrap encrypts an existing data key under the master key.
func (m *DataKeyManager) Wrap(dataKey []byte) (string, error) {
	if len(dataKey) != KeySize {
		return "", cerrors.InvalidArgument("data key must be exactly 32 bytes")
	}

	aead, err := m.cipher()
	if err != nil {
		return "", err
	}

	sealed, err := aead.Seal(dataKey, nil)
	if err != nil {
		return "", err
	}

	return base64.StdEncoding.EncodeToString(sealed.Packed()), nil
}

// Unwrap recovers the plaintext data key. A tampered blob or a blob wrapped
// under another master key is an authentication error.
func (m *DataKeyManager) Unwrap(wrapped string) (*SecretBuffer, error) {
	aead, err := m.cipher()
	if err != nil {
		return nil, err
	}

	raw, err := base64.StdEncoding.DecodeString(wrapped)
	if err != nil {
		return nil, cerrors.Authentication()
	}

	sealed, err := UnpackSealed(raw)
	if err != nil {
		return nil, err
	}

	key, err := aead.Open(sealed, nil)
	if err != nil {
		return nil, err
	}

	if len(key) != KeySize {
		ClearBytes(key)
		return nil, cerrors.Authentication()
	}

	return WrapSecret(key), nil
}

// Close drops the master key cipher; later calls fail with a configuration error.
func (m *DataKeyManager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.aead = nil
}

func (m *DataKeyManager) cipher() (*AEAD, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.aead == nil {
		return nil, cerrors.Configuration("master key is not available")
	}

	return m.aead, nil
}
