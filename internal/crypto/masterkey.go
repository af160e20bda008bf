package crypto

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/iotaledger/hive.go/logger"

	cerrors "github.com/dueldanov/custody/internal/errors"
)

// ParseMasterKey decodes a master key given as 64 hex characters or as
// base64 of exactly 32 bytes. Anything else fails closed.
func ParseMasterKey(encoded string) ([]byte, error) {
	encoded = strings.TrimSpace(encoded)
	if encoded == "" {
		return nil, cerrors.Configuration("master key is empty")
	}

	if len(encoded) == hex.EncodedLen(KeySize) {
		if key, err := hex.DecodeString(encoded); err == nil {
			return key, nil
		}
	}

	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding} {
		key, err := enc.DecodeString(encoded)
		if err != nil {
			continue
		}
		if len(key) == KeySize {
			return key, nil
		}
		ClearBytes(key)
	}

	return nil, cerrors.Configuration(fmt.Sprintf("master key must decode to exactly %d bytes (hex-%d or base64)", KeySize, hex.EncodedLen(KeySize)))
}

// GenerateKey returns a fresh random 32-byte key.
func GenerateKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, cerrors.Wrap(err, cerrors.CodeInternal, "failed to generate key")
	}

	return key, nil
}

// MasterKeyStore resolves the single root key of one trust domain.
//
// Resolution order: the configured literal, then the secret source, then a
// freshly generated key that is persisted to the source before use. A key
// that cannot be persisted is never used.
type MasterKeyStore struct {
	*logger.WrappedLogger

	name       string
	configured string
	source     SecretSource

	mu  sync.Mutex
	key []byte
}

// NewMasterKeyStore creates a store for the master key called name.
// configured may be empty; source may be nil when configured is set.
func NewMasterKeyStore(log *logger.Logger, name, configured string, source SecretSource) *MasterKeyStore {
	return &MasterKeyStore{
		WrappedLogger: logger.NewWrappedLogger(log),
		name:          name,
		configured:    configured,
		source:        source,
	}
}

// Load returns a copy of the master key; the caller owns and should erase it.
func (m *MasterKeyStore) Load(ctx context.Context) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.key == nil {
		key, err := m.resolve(ctx)
		if err != nil {
			return nil, err
		}
		m.key = key
	}

	out := make([]byte, len(m.key))
	copy(out, m.key)

	return out, nil
}

// Close erases the cached key.
func (m *MasterKeyStore) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	ClearBytes(m.key)
	m.key = nil
}

func (m *MasterKeyStore) resolve(ctx context.Context) ([]byte, error) {
	if m.configured != "" {
		key, err := ParseMasterKey(m.configured)
		if err != nil {
			return nil, err
		}
		m.LogInfof("master key %s loaded from configuration", m.name)

		return key, nil
	}

	if m.source == nil {
		return nil, cerrors.Configuration(fmt.Sprintf("master key %s is not configured and no secret source is available", m.name))
	}

	encoded, err := m.source.Get(ctx, m.name)
	switch {
	case err == nil:
		key, err := ParseMasterKey(encoded)
		if err != nil {
			return nil, err
		}
		m.LogInfof("master key %s loaded from secret source", m.name)

		return key, nil

	case cerrors.Is(err, ErrSecretNotFound):
		return m.provision(ctx)

	default:
		return nil, cerrors.Wrap(err, cerrors.CodeConfiguration, fmt.Sprintf("failed to read master key %s", m.name))
	}
}

// provision generates and persists a key, then re-reads the source so that
// every process racing on first boot ends up with the stored value.
func (m *MasterKeyStore) provision(ctx context.Context) ([]byte, error) {
	key, err := GenerateKey()
	if err != nil {
		return nil, err
	}
	encoded := hex.EncodeToString(key)
	ClearBytes(key)

	err = m.source.Set(ctx, m.name, encoded)
	switch {
	case err == nil:
		m.LogWarnf("no master key %s found, generated and persisted a new one", m.name)
	case cerrors.Is(err, ErrSecretExists):
		m.LogInfof("master key %s was provisioned concurrently, using the stored key", m.name)
	default:
		return nil, cerrors.Wrap(err, cerrors.CodeConfiguration, fmt.Sprintf("failed to persist generated master key %s", m.name))
	}

	stored, err := m.source.Get(ctx, m.name)
	if err != nil {
		return nil, cerrors.Wrap(err, cerrors.CodeConfiguration, fmt.Sprintf("failed to read back master key %s", m.name))
	}

	return ParseMasterKey(stored)
}
