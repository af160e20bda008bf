package kms

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"

	cerrors "github.com/dueldanov/custody/internal/errors"
	"github.com/dueldanov/custody/internal/store"
)

// KeyRecord is the persisted form of a keyring entry. The data key is only
// ever stored wrapped.
type KeyRecord struct {
	KeyID          string    `json:"keyId"`
	WrappedDataKey string    `json:"wrappedDataKey"`
	CreatedAt      time.Time `json:"createdAt"`
	Active         bool      `json:"active"`
}

// SecretRecord is a named secret. Envelope is bound to Name as associated
// data.
type SecretRecord struct {
	Name      string    `json:"name"`
	Envelope  string    `json:"envelope"`
	KeyID     string    `json:"keyId"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Expired reports whether the secret is past its TTL at now.
func (r *SecretRecord) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// KeyringStore persists keyring entries and named secrets in a row store.
type KeyringStore struct {
	rows store.RowStore
}

func NewKeyringStore(rows store.RowStore) *KeyringStore {
	return &KeyringStore{rows: rows}
}

func (s *KeyringStore) SaveKey(ctx context.Context, record *KeyRecord) error {
	return s.put(ctx, store.Key(store.PrefixKeyringKey, record.KeyID), record)
}

func (s *KeyringStore) LoadKeys(ctx context.Context) ([]*KeyRecord, error) {
	var records []*KeyRecord
	err := s.iterate(ctx, store.PrefixKeyringKey, func(value []byte) error {
		record := &KeyRecord{}
		if err := json.Unmarshal(value, record); err != nil {
			return err
		}
		records = append(records, record)

		return nil
	})

	return records, err
}

func (s *KeyringStore) SaveSecret(ctx context.Context, record *SecretRecord) error {
	return s.put(ctx, store.Key(store.PrefixKeyringSecret, record.Name), record)
}

func (s *KeyringStore) DeleteSecret(ctx context.Context, name string) error {
	return s.rows.Delete(ctx, store.Key(store.PrefixKeyringSecret, name))
}

func (s *KeyringStore) LoadSecrets(ctx context.Context) ([]*SecretRecord, error) {
	var records []*SecretRecord
	err := s.iterate(ctx, store.PrefixKeyringSecret, func(value []byte) error {
		record := &SecretRecord{}
		if err := json.Unmarshal(value, record); err != nil {
			return err
		}
		records = append(records, record)

		return nil
	})

	return records, err
}

func (s *KeyringStore) put(ctx context.Context, key []byte, v interface{}) error {
	value, err := json.Marshal(v)
	if err != nil {
		return cerrors.Wrap(err, cerrors.CodeInternal, "failed to encode keyring record")
	}

	return s.rows.Put(ctx, key, value)
}

func (s *KeyringStore) iterate(ctx context.Context, prefix byte, fn func(value []byte) error) error {
	var decodeErr error
	if err := s.rows.Iterate(ctx, store.Key(prefix), func(_, value []byte) bool {
		if err := fn(value); err != nil {
			decodeErr = errors.Wrap(err, "decode keyring record")
			return false
		}

		return true
	}); err != nil {
		return err
	}
	if decodeErr != nil {
		return cerrors.Wrap(decodeErr, cerrors.CodeUnsupportedFormat, "corrupt keyring record")
	}

	return nil
}
