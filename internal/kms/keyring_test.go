package kms

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/iotaledger/hive.go/kvstore/mapdb"
	"github.com/iotaledger/hive.go/logger"
	"github.com/stretchr/testify/require"

	"github.com/dueldanov/custody/internal/crypto"
	cerrors "github.com/dueldanov/custody/internal/errors"
	"github.com/dueldanov/custody/internal/monitoring"
	"github.com/dueldanov/custody/internal/store"
)

func kmsMasterKey(seed byte) []byte {
	key := make([]byte, crypto.KeySize)
	for i := range key {
		key[i] = seed ^ byte(i*7)
	}
	return key
}

func newTestKeyring(t *testing.T, keyringStore *KeyringStore) *KeyringService {
	t.Helper()

	k, err := NewKeyringService(logger.NewNopLogger(), kmsMasterKey(1), keyringStore, monitoring.NewMetrics(), 0)
	require.NoError(t, err)
	t.Cleanup(k.Close)

	return k
}

func newRowStore(t *testing.T) store.RowStore {
	t.Helper()

	rows, err := store.NewKVRowStore(mapdb.NewMapDB())
	require.NoError(t, err)

	return rows
}

func TestKeyringRequiresValidMasterKey(t *testing.T) {
	_, err := NewKeyringService(logger.NewNopLogger(), make([]byte, 31), nil, nil, 0)
	require.ErrorIs(t, err, cerrors.ErrConfiguration)
}

func TestKeyringRotationPreservesDecryptability(t *testing.T) {
	ctx := context.Background()
	k := newTestKeyring(t, nil)

	first, err := k.Rotate(ctx)
	require.NoError(t, err)
	require.Equal(t, first, k.ActiveKeyID())

	enc, err := k.Encrypt(ctx, []byte("epoch one"), []byte("ctx"))
	require.NoError(t, err)

	var rotated []string
	k.Events.KeyRotated.Hook(func(previous, next string) {
		rotated = append(rotated, previous+"->"+next)
	})

	second, err := k.Rotate(ctx)
	require.NoError(t, err)
	require.NotEqual(t, first, second)
	require.Equal(t, []string{first + "->" + second}, rotated)

	out, err := k.Decrypt(enc, []byte("ctx"))
	require.NoError(t, err)
	require.Equal(t, "epoch one", string(out))

	keys := k.Keys()
	require.Len(t, keys, 2)
	require.Equal(t, first, keys[0].KeyID)
	require.False(t, keys[0].Active)
	require.Equal(t, second, keys[1].KeyID)
	require.True(t, keys[1].Active)

	enc2, err := k.Encrypt(ctx, []byte("epoch two"), nil)
	require.NoError(t, err)
	env, err := crypto.ParseEnvelope(enc2)
	require.NoError(t, err)
	require.Equal(t, second, env.KeyID)
}

func TestKeyringEncryptCreatesFirstKey(t *testing.T) {
	ctx := context.Background()
	k := newTestKeyring(t, nil)
	require.Empty(t, k.ActiveKeyID())

	enc, err := k.Encrypt(ctx, []byte("x"), nil)
	require.NoError(t, err)
	require.NotEmpty(t, k.ActiveKeyID())

	_, err = k.Decrypt(enc, []byte("other"))
	require.ErrorIs(t, err, cerrors.ErrAuthentication)
}

func TestKeyringSecrets(t *testing.T) {
	ctx := context.Background()
	k := newTestKeyring(t, nil)

	require.NoError(t, k.StoreSecret(ctx, "exchange-api-key", []byte("s3cr3t"), SecretOptions{TTLDays: 1}))

	value, err := k.GetSecret(ctx, "exchange-api-key")
	require.NoError(t, err)
	require.Equal(t, "s3cr3t", string(value))
	require.Equal(t, []string{"exchange-api-key"}, k.ListSecrets())

	_, err = k.GetSecret(ctx, "missing")
	require.ErrorIs(t, err, cerrors.ErrNotFound)

	require.ErrorIs(t, k.StoreSecret(ctx, "", []byte("v"), SecretOptions{}), cerrors.ErrInvalidArgument)
	require.ErrorIs(t, k.StoreSecret(ctx, "n", []byte("v"), SecretOptions{TTLDays: -1}), cerrors.ErrInvalidArgument)

	require.NoError(t, k.DeleteSecret(ctx, "exchange-api-key"))
	_, err = k.GetSecret(ctx, "exchange-api-key")
	require.ErrorIs(t, err, cerrors.ErrNotFound)
	require.ErrorIs(t, k.DeleteSecret(ctx, "exchange-api-key"), cerrors.ErrNotFound)
}

// TestKeyringSecretBoundToName moves one secret's envelope under another
// name and checks it no longer decrypts.
func TestKeyringSecretBoundToName(t *testing.T) {
	ctx := context.Background()
	k := newTestKeyring(t, nil)

	require.NoError(t, k.StoreSecret(ctx, "a", []byte("value-a"), SecretOptions{}))
	require.NoError(t, k.StoreSecret(ctx, "b", []byte("value-b"), SecretOptions{}))

	k.mu.Lock()
	k.secrets["b"].Envelope = k.secrets["a"].Envelope
	k.mu.Unlock()

	_, err := k.GetSecret(ctx, "b")
	require.ErrorIs(t, err, cerrors.ErrAuthentication)
}

func TestKeyringSecretExpiry(t *testing.T) {
	ctx := context.Background()
	k := newTestKeyring(t, nil)

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	k.now = func() time.Time { return now }

	require.NoError(t, k.StoreSecret(ctx, "short", []byte("v"), SecretOptions{TTLDays: 1}))
	require.NoError(t, k.StoreSecret(ctx, "default", []byte("v"), SecretOptions{}))

	var expired []string
	k.Events.SecretExpired.Hook(func(name string) { expired = append(expired, name) })

	now = now.Add(24 * time.Hour)

	_, err := k.GetSecret(ctx, "short")
	require.ErrorIs(t, err, cerrors.ErrNotFound)
	_, err = k.GetSecretStrict(ctx, "short")
	require.ErrorIs(t, err, cerrors.ErrExpired)
	require.Equal(t, []string{"default"}, k.ListSecrets())

	require.Equal(t, 1, k.Sweep(ctx))
	require.Equal(t, []string{"short"}, expired)

	_, err = k.GetSecretStrict(ctx, "short")
	require.ErrorIs(t, err, cerrors.ErrNotFound)

	now = now.Add(time.Duration(DefaultTTLDays) * 24 * time.Hour)
	require.Empty(t, k.ListSecrets())
	require.Equal(t, 1, k.Sweep(ctx))
}

// deleteHookRows runs onDelete before the first row deletion.
type deleteHookRows struct {
	store.RowStore
	once     sync.Once
	onDelete func()
}

func (r *deleteHookRows) Delete(ctx context.Context, key []byte) error {
	r.once.Do(r.onDelete)
	return r.RowStore.Delete(ctx, key)
}

func TestKeyringSweepKeepsSecretStoredDuringSweep(t *testing.T) {
	ctx := context.Background()
	rows := &deleteHookRows{RowStore: newRowStore(t)}

	k := newTestKeyring(t, NewKeyringStore(rows))
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	k.now = func() time.Time { return now }

	require.NoError(t, k.StoreSecret(ctx, "api-token", []byte("old"), SecretOptions{TTLDays: 1}))
	now = now.Add(48 * time.Hour)

	var expired []string
	k.Events.SecretExpired.Hook(func(name string) { expired = append(expired, name) })

	// A writer replaces the secret while the sweep is deleting it.
	stored := make(chan error, 1)
	rows.onDelete = func() {
		go func() {
			stored <- k.StoreSecret(ctx, "api-token", []byte("fresh"), SecretOptions{})
		}()
		time.Sleep(50 * time.Millisecond)
	}

	k.Sweep(ctx)
	require.NoError(t, <-stored)

	value, err := k.GetSecret(ctx, "api-token")
	require.NoError(t, err)
	require.Equal(t, "fresh", string(value))
	require.LessOrEqual(t, len(expired), 1)

	restarted := newTestKeyring(t, NewKeyringStore(rows))
	restarted.now = k.now
	require.NoError(t, restarted.Load(ctx))
	value, err = restarted.GetSecret(ctx, "api-token")
	require.NoError(t, err)
	require.Equal(t, "fresh", string(value))
}

func TestKeyringSweepSkipsReplacedSecret(t *testing.T) {
	ctx := context.Background()
	k := newTestKeyring(t, NewKeyringStore(newRowStore(t)))
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	k.now = func() time.Time { return now }

	require.NoError(t, k.StoreSecret(ctx, "api-token", []byte("old"), SecretOptions{TTLDays: 1}))
	k.mu.RLock()
	stale := k.secrets["api-token"]
	k.mu.RUnlock()

	require.NoError(t, k.StoreSecret(ctx, "api-token", []byte("fresh"), SecretOptions{}))

	var expired []string
	k.Events.SecretExpired.Hook(func(name string) { expired = append(expired, name) })

	require.False(t, k.sweepSecret(ctx, "api-token", stale))
	require.Empty(t, expired)

	value, err := k.GetSecret(ctx, "api-token")
	require.NoError(t, err)
	require.Equal(t, "fresh", string(value))
}

func TestKeyringDurableStore(t *testing.T) {
	ctx := context.Background()
	rows := newRowStore(t)

	k := newTestKeyring(t, NewKeyringStore(rows))
	_, err := k.Rotate(ctx)
	require.NoError(t, err)
	require.NoError(t, k.StoreSecret(ctx, "webhook-signing", []byte("whsec"), SecretOptions{}))
	second, err := k.Rotate(ctx)
	require.NoError(t, err)
	require.NoError(t, k.StoreSecret(ctx, "smtp", []byte("pw"), SecretOptions{}))

	restarted := newTestKeyring(t, NewKeyringStore(rows))
	require.NoError(t, restarted.Load(ctx))
	require.Equal(t, second, restarted.ActiveKeyID())
	require.Len(t, restarted.Keys(), 2)

	value, err := restarted.GetSecret(ctx, "webhook-signing")
	require.NoError(t, err)
	require.Equal(t, "whsec", string(value))

	value, err = restarted.GetSecret(ctx, "smtp")
	require.NoError(t, err)
	require.Equal(t, "pw", string(value))

	records, err := NewKeyringStore(rows).LoadKeys(ctx)
	require.NoError(t, err)
	for _, record := range records {
		require.Equal(t, record.KeyID == second, record.Active, record.KeyID)
		require.NotEmpty(t, record.WrappedDataKey)
	}
}

func TestKeyringLoadWithWrongMasterKey(t *testing.T) {
	ctx := context.Background()
	rows := newRowStore(t)

	k := newTestKeyring(t, NewKeyringStore(rows))
	_, err := k.Rotate(ctx)
	require.NoError(t, err)

	other, err := NewKeyringService(logger.NewNopLogger(), kmsMasterKey(2), NewKeyringStore(rows), nil, 0)
	require.NoError(t, err)
	defer other.Close()

	require.ErrorIs(t, other.Load(ctx), cerrors.ErrAuthentication)
}

// TestKeyringLoadResolvesInterruptedRotation simulates a crash between
// persisting a new key and retiring the old one.
func TestKeyringLoadResolvesInterruptedRotation(t *testing.T) {
	ctx := context.Background()
	rows := newRowStore(t)
	keyringStore := NewKeyringStore(rows)

	k := newTestKeyring(t, keyringStore)
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	k.now = func() time.Time { return base }
	older, err := k.Rotate(ctx)
	require.NoError(t, err)
	k.now = func() time.Time { return base.Add(time.Hour) }
	newer, err := k.Rotate(ctx)
	require.NoError(t, err)

	records, err := keyringStore.LoadKeys(ctx)
	require.NoError(t, err)
	for _, record := range records {
		if record.KeyID == older {
			record.Active = true
			require.NoError(t, keyringStore.SaveKey(ctx, record))
		}
	}

	restarted := newTestKeyring(t, keyringStore)
	require.NoError(t, restarted.Load(ctx))
	require.Equal(t, newer, restarted.ActiveKeyID())

	records, err = keyringStore.LoadKeys(ctx)
	require.NoError(t, err)
	for _, record := range records {
		require.Equal(t, record.KeyID == newer, record.Active)
	}
}

func TestKeyringRun(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	k := newTestKeyring(t, nil)

	now := time.Now()
	k.mu.Lock()
	k.now = func() time.Time { return now }
	k.mu.Unlock()
	require.NoError(t, k.StoreSecret(ctx, "s", []byte("v"), SecretOptions{TTLDays: 1}))

	swept := make(chan string, 1)
	k.Events.SecretExpired.Hook(func(name string) { swept <- name })

	k.mu.Lock()
	k.now = func() time.Time { return now.Add(48 * time.Hour) }
	k.mu.Unlock()

	done := make(chan struct{})
	go func() {
		k.Run(ctx, 10*time.Millisecond)
		close(done)
	}()

	select {
	case name := <-swept:
		require.Equal(t, "s", name)
	case <-time.After(2 * time.Second):
		t.Fatal("expired secret was not swept")
	}

	cancel()
	<-done
}
