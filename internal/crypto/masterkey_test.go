package crypto

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"strings"
	"sync"
	"testing"

	"github.com/iotaledger/hive.go/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cerrors "github.com/dueldanov/custody/internal/errors"
)

func TestParseMasterKey(t *testing.T) {
	key := testKey(7)

	for name, encoded := range map[string]string{
		"hex":        hex.EncodeToString(key),
		"hex upper":  strings.ToUpper(hex.EncodeToString(key)),
		"base64":     base64.StdEncoding.EncodeToString(key),
		"base64 raw": base64.RawStdEncoding.EncodeToString(key),
		"base64 url": base64.RawURLEncoding.EncodeToString(key),
		"whitespace": "  " + hex.EncodeToString(key) + "\n",
	} {
		t.Run(name, func(t *testing.T) {
			parsed, err := ParseMasterKey(encoded)
			require.NoError(t, err)
			require.Equal(t, key, parsed)
		})
	}
}

func TestParseMasterKeyFailsClosed(t *testing.T) {
	for name, encoded := range map[string]string{
		"empty":        "",
		"short hex":    hex.EncodeToString(make([]byte, 16)),
		"long hex":     hex.EncodeToString(make([]byte, 33)),
		"short base64": base64.StdEncoding.EncodeToString(make([]byte, 31)),
		"garbage":      "not a key at all",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := ParseMasterKey(encoded)
			require.ErrorIs(t, err, cerrors.ErrConfiguration)
		})
	}
}

func TestMasterKeyStoreConfigured(t *testing.T) {
	key := testKey(8)
	store := NewMasterKeyStore(logger.NewNopLogger(), "wallet-master-key", hex.EncodeToString(key), nil)

	loaded, err := store.Load(context.Background())
	require.NoError(t, err)
	require.Equal(t, key, loaded)

	// Callers own the returned copy.
	ClearBytes(loaded)
	again, err := store.Load(context.Background())
	require.NoError(t, err)
	require.Equal(t, key, again)

	bad := NewMasterKeyStore(logger.NewNopLogger(), "wallet-master-key", "abcd", nil)
	_, err = bad.Load(context.Background())
	require.ErrorIs(t, err, cerrors.ErrConfiguration)
}

func TestMasterKeyStoreFromSource(t *testing.T) {
	ctx := context.Background()
	src, err := NewFileSecretSource(t.TempDir())
	require.NoError(t, err)

	key := testKey(9)
	require.NoError(t, src.Set(ctx, "wallet-master-key", base64.StdEncoding.EncodeToString(key)))

	store := NewMasterKeyStore(logger.NewNopLogger(), "wallet-master-key", "", src)
	loaded, err := store.Load(ctx)
	require.NoError(t, err)
	require.Equal(t, key, loaded)
}

func TestMasterKeyStoreProvisionsAndReuses(t *testing.T) {
	ctx := context.Background()
	src, err := NewFileSecretSource(t.TempDir())
	require.NoError(t, err)

	first := NewMasterKeyStore(logger.NewNopLogger(), "kms-master-key", "", src)
	generated, err := first.Load(ctx)
	require.NoError(t, err)
	require.Len(t, generated, KeySize)

	persisted, err := src.Get(ctx, "kms-master-key")
	require.NoError(t, err)
	require.Equal(t, hex.EncodeToString(generated), persisted)

	// A restarted process resolves the same key.
	second := NewMasterKeyStore(logger.NewNopLogger(), "kms-master-key", "", src)
	reloaded, err := second.Load(ctx)
	require.NoError(t, err)
	require.Equal(t, generated, reloaded)
}

func TestMasterKeyStoreConcurrentProvisioning(t *testing.T) {
	ctx := context.Background()

	for round := 0; round < 50; round++ {
		dir := t.TempDir()

		keys := make([][]byte, 4)
		var wg sync.WaitGroup
		for i := range keys {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()

				src, err := NewFileSecretSource(dir)
				if !assert.NoError(t, err) {
					return
				}
				key, err := NewMasterKeyStore(logger.NewNopLogger(), "wallet-master-key", "", src).Load(ctx)
				assert.NoError(t, err)
				keys[i] = key
			}(i)
		}
		wg.Wait()

		src, err := NewFileSecretSource(dir)
		require.NoError(t, err)
		persisted, err := NewMasterKeyStore(logger.NewNopLogger(), "wallet-master-key", "", src).Load(ctx)
		require.NoError(t, err)

		for i, key := range keys {
			require.Equal(t, persisted, key, "round %d store %d runs with a key that is not on disk", round, i)
		}
	}
}

// racingSource reports that another writer stored the key between Get and Set.
type racingSource struct {
	stored string
	gets   int
}

func (s *racingSource) Get(_ context.Context, _ string) (string, error) {
	s.gets++
	if s.gets == 1 {
		return "", ErrSecretNotFound
	}

	return s.stored, nil
}

func (s *racingSource) Set(_ context.Context, _, _ string) error {
	return ErrSecretExists
}

func TestMasterKeyStoreUsesKeyStoredByOtherWriter(t *testing.T) {
	winner := testKey(12)
	src := &racingSource{stored: hex.EncodeToString(winner)}

	loaded, err := NewMasterKeyStore(logger.NewNopLogger(), "kms-master-key", "", src).Load(context.Background())
	require.NoError(t, err)
	require.Equal(t, winner, loaded)
	require.Equal(t, 2, src.gets)
}

func TestMasterKeyStoreRefusesUnpersistedKey(t *testing.T) {
	store := NewMasterKeyStore(logger.NewNopLogger(), "wallet-master-key", "", NewEnvSecretSource("CUSTODY_UNSET_"))

	_, err := store.Load(context.Background())
	require.ErrorIs(t, err, cerrors.ErrConfiguration)

	none := NewMasterKeyStore(logger.NewNopLogger(), "wallet-master-key", "", nil)
	_, err = none.Load(context.Background())
	require.ErrorIs(t, err, cerrors.ErrConfiguration)
}

func TestMasterKeyStoreClose(t *testing.T) {
	key := testKey(11)
	store := NewMasterKeyStore(logger.NewNopLogger(), "k", hex.EncodeToString(key), nil)

	_, err := store.Load(context.Background())
	require.NoError(t, err)

	store.Close()
	require.Nil(t, store.key)

	loaded, err := store.Load(context.Background())
	require.NoError(t, err)
	require.Equal(t, key, loaded)
}
