package kms

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/iotaledger/hive.go/logger"
	"github.com/iotaledger/hive.go/runtime/event"

	"github.com/dueldanov/custody/internal/crypto"
	cerrors "github.com/dueldanov/custody/internal/errors"
	"github.com/dueldanov/custody/internal/monitoring"
)

// KeyringWrapInfo is the HKDF info string of the key that wraps keyring
// entries at rest.
const KeyringWrapInfo = "custody-keyring-v1"

const DefaultTTLDays = 90

// KeyInfo is keyring entry metadata. It never carries key material.
type KeyInfo struct {
	KeyID     string
	CreatedAt time.Time
	Active    bool
}

// SecretOptions controls StoreSecret.
type SecretOptions struct {
	// TTLDays is the secret lifetime in days; 0 selects the service default.
	TTLDays int
}

type Events struct {
	KeyRotated    *event.Event2[string, string] // previous keyID, new keyID
	SecretExpired *event.Event1[string]         // secret name
}

type keyEntry struct {
	KeyInfo
	wrapped string
	dataKey *crypto.SecretBuffer
}

// KeyringService holds the KMS data keys and the named secret store.
//
// Rotation is additive: retired keys stay available for decryption so every
// ciphertext tagged with their keyID remains readable.
type KeyringService struct {
	*logger.WrappedLogger

	Events *Events

	mu       sync.RWMutex
	keys     map[string]*keyEntry
	activeID string
	secrets  map[string]*SecretRecord

	// secretsMu orders secret writes so the durable row and the map entry
	// change together.
	secretsMu sync.Mutex

	wrapper        *crypto.DataKeyManager
	cipher         *crypto.EnvelopeCipher
	store          *KeyringStore
	metrics        *monitoring.Metrics
	defaultTTLDays int
	now            func() time.Time
}

// NewKeyringService creates a keyring protected by the KMS master key.
// store may be nil for a purely in-memory keyring.
func NewKeyringService(log *logger.Logger, masterKey []byte, store *KeyringStore, metrics *monitoring.Metrics, defaultTTLDays int) (*KeyringService, error) {
	wrapKey, err := crypto.DeriveKey(masterKey, KeyringWrapInfo)
	if err != nil {
		return nil, err
	}
	defer crypto.ClearBytes(wrapKey)

	wrapper, err := crypto.NewDataKeyManager(wrapKey)
	if err != nil {
		return nil, err
	}

	if defaultTTLDays <= 0 {
		defaultTTLDays = DefaultTTLDays
	}

	return &KeyringService{
		WrappedLogger: logger.NewWrappedLogger(log),
		Events: &Events{
			KeyRotated:    event.New2[string, string](),
			SecretExpired: event.New1[string](),
		},
		keys:           make(map[string]*keyEntry),
		secrets:        make(map[string]*SecretRecord),
		wrapper:        wrapper,
		cipher:         crypto.NewEnvelopeCipher(wrapper),
		store:          store,
		metrics:        metrics,
		defaultTTLDays: defaultTTLDays,
		now:            time.Now,
	}, nil
}

// Load restores persisted keys and secrets. When several keys are marked
// active (an interrupted rotation) the newest wins and the others are
// retired.
func (k *KeyringService) Load(ctx context.Context) error {
	if k.store == nil {
		return nil
	}

	keyRecords, err := k.store.LoadKeys(ctx)
	if err != nil {
		return err
	}
	secretRecords, err := k.store.LoadSecrets(ctx)
	if err != nil {
		return err
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	sort.Slice(keyRecords, func(i, j int) bool {
		return keyRecords[i].CreatedAt.Before(keyRecords[j].CreatedAt)
	})

	for _, record := range keyRecords {
		dataKey, err := k.wrapper.Unwrap(record.WrappedDataKey)
		if err != nil {
			k.LogErrorf("keyring entry %s cannot be unwrapped with the configured KMS master key", record.KeyID)
			return err
		}

		if old, ok := k.keys[record.KeyID]; ok {
			old.dataKey.Destroy()
		}
		k.keys[record.KeyID] = &keyEntry{
			KeyInfo: KeyInfo{KeyID: record.KeyID, CreatedAt: record.CreatedAt, Active: record.Active},
			wrapped: record.WrappedDataKey,
			dataKey: dataKey,
		}
		if record.Active {
			k.activeID = record.KeyID
		}
	}

	for id, entry := range k.keys {
		if id == k.activeID || !entry.Active {
			continue
		}
		entry.Active = false
		if err := k.store.SaveKey(ctx, entry.record()); err != nil {
			return err
		}
		k.LogWarnf("retired stale active keyring entry %s", id)
	}

	for _, record := range secretRecords {
		k.secrets[record.Name] = record
	}

	k.updateKeyGauges()
	k.LogInfof("keyring loaded: %d keys, %d secrets, active key %s", len(k.keys), len(k.secrets), k.activeID)

	return nil
}

// Rotate creates a new active data key and retires the current ones.
// It returns the new keyID.
func (k *KeyringService) Rotate(ctx context.Context) (string, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	return k.rotateLocked(ctx)
}

func (k *KeyringService) rotateLocked(ctx context.Context) (string, error) {
	dk, err := k.wrapper.GenerateDataKey()
	if err != nil {
		return "", err
	}

	entry := &keyEntry{
		KeyInfo: KeyInfo{KeyID: dk.KeyID, CreatedAt: k.now(), Active: true},
		wrapped: dk.Wrapped,
		dataKey: dk.Plaintext,
	}

	// The new key is persisted before the old ones are retired, so a crash in
	// between leaves two active keys, which Load resolves.
	if k.store != nil {
		if err := k.store.SaveKey(ctx, entry.record()); err != nil {
			dk.Destroy()
			return "", err
		}
	}

	previous := k.activeID
	for _, old := range k.keys {
		if !old.Active {
			continue
		}
		old.Active = false
		if k.store != nil {
			if err := k.store.SaveKey(ctx, old.record()); err != nil {
				k.LogWarnf("failed to persist retirement of keyring entry %s: %v", old.KeyID, err)
			}
		}
	}

	k.keys[entry.KeyID] = entry
	k.activeID = entry.KeyID

	k.metrics.RecordKeyringRotation()
	k.updateKeyGauges()
	k.LogInfof("keyring rotated, active key %s", entry.KeyID)
	k.Events.KeyRotated.Trigger(previous, entry.KeyID)

	return entry.KeyID, nil
}

// ActiveKeyID returns the current active keyID, empty before the first
// rotation.
func (k *KeyringService) ActiveKeyID() string {
	k.mu.RLock()
	defer k.mu.RUnlock()

	return k.activeID
}

// Keys lists keyring metadata, oldest first.
func (k *KeyringService) Keys() []KeyInfo {
	k.mu.RLock()
	defer k.mu.RUnlock()

	infos := make([]KeyInfo, 0, len(k.keys))
	for _, entry := range k.keys {
		infos = append(infos, entry.KeyInfo)
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].CreatedAt.Before(infos[j].CreatedAt)
	})

	return infos
}

// Encrypt seals plaintext under the active key, creating one if the keyring
// is empty.
func (k *KeyringService) Encrypt(ctx context.Context, plaintext, aad []byte) (string, error) {
	k.mu.Lock()
	if k.activeID == "" {
		if _, err := k.rotateLocked(ctx); err != nil {
			k.mu.Unlock()
			return "", err
		}
	}
	active := k.keys[k.activeID]
	k.mu.Unlock()

	// Rotation never destroys a retired key, so the buffer stays valid.
	return k.cipher.Encrypt(plaintext, crypto.EncryptOptions{
		DataKey:        active.dataKey.Bytes(),
		KeyID:          active.KeyID,
		WrappedDataKey: active.wrapped,
		AAD:            aad,
	})
}

// Decrypt opens an envelope produced by Encrypt with any key of the ring.
// Envelopes naming an unknown keyID are opened through their wrapped data
// key.
func (k *KeyringService) Decrypt(envelope string, aad []byte) ([]byte, error) {
	env, err := crypto.ParseEnvelope(envelope)
	if err != nil {
		return nil, err
	}

	opts := crypto.DecryptOptions{AAD: aad}

	k.mu.RLock()
	if entry, ok := k.keys[env.KeyID]; ok {
		opts.DataKey = entry.dataKey.Bytes()
	}
	k.mu.RUnlock()

	plaintext, err := k.cipher.Decrypt(envelope, opts)
	if cerrors.Is(err, cerrors.ErrAuthentication) {
		k.metrics.RecordAuthFailure(k.cipher.Scheme().String())
	}

	return plaintext, err
}

// StoreSecret encrypts value bound to name and stores it with a TTL,
// replacing any previous secret of that name.
func (k *KeyringService) StoreSecret(ctx context.Context, name string, value []byte, opts SecretOptions) error {
	if name == "" {
		return cerrors.InvalidArgument("secret name is required")
	}
	if opts.TTLDays < 0 {
		return cerrors.InvalidArgument("ttl days must not be negative")
	}

	ttlDays := opts.TTLDays
	if ttlDays == 0 {
		ttlDays = k.defaultTTLDays
	}

	envelope, err := k.Encrypt(ctx, value, []byte(name))
	if err != nil {
		return err
	}

	env, err := crypto.ParseEnvelope(envelope)
	if err != nil {
		return err
	}

	now := k.now()
	record := &SecretRecord{
		Name:      name,
		Envelope:  envelope,
		KeyID:     env.KeyID,
		CreatedAt: now,
		ExpiresAt: now.Add(time.Duration(ttlDays) * 24 * time.Hour),
	}

	k.secretsMu.Lock()
	defer k.secretsMu.Unlock()

	if k.store != nil {
		if err := k.store.SaveSecret(ctx, record); err != nil {
			return err
		}
	}

	k.mu.Lock()
	k.secrets[name] = record
	k.mu.Unlock()

	return nil
}

// GetSecret returns the secret value. Missing and expired secrets are both
// reported as not found.
func (k *KeyringService) GetSecret(_ context.Context, name string) ([]byte, error) {
	record, err := k.lookup(name)
	if err != nil {
		return nil, err
	}
	if record.Expired(k.now()) {
		return nil, cerrors.NotFound("secret " + name)
	}

	return k.Decrypt(record.Envelope, []byte(name))
}

// GetSecretStrict is GetSecret but reports an expired secret as expired.
func (k *KeyringService) GetSecretStrict(_ context.Context, name string) ([]byte, error) {
	record, err := k.lookup(name)
	if err != nil {
		return nil, err
	}
	if record.Expired(k.now()) {
		return nil, cerrors.Expired("secret " + name)
	}

	return k.Decrypt(record.Envelope, []byte(name))
}

// DeleteSecret removes a secret.
func (k *KeyringService) DeleteSecret(ctx context.Context, name string) error {
	k.secretsMu.Lock()
	defer k.secretsMu.Unlock()

	if _, err := k.lookup(name); err != nil {
		return err
	}

	if k.store != nil {
		if err := k.store.DeleteSecret(ctx, name); err != nil {
			return err
		}
	}

	k.mu.Lock()
	delete(k.secrets, name)
	k.mu.Unlock()

	return nil
}

// ListSecrets returns the sorted names of all non-expired secrets.
func (k *KeyringService) ListSecrets() []string {
	k.mu.RLock()
	defer k.mu.RUnlock()

	now := k.now()
	names := make([]string, 0, len(k.secrets))
	for name, record := range k.secrets {
		if !record.Expired(now) {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	return names
}

// Sweep deletes expired secrets and returns how many were removed. A secret
// stored again after the scan is kept.
func (k *KeyringService) Sweep(ctx context.Context) int {
	k.mu.RLock()
	now := k.now()
	expired := make(map[string]*SecretRecord)
	for name, record := range k.secrets {
		if record.Expired(now) {
			expired[name] = record
		}
	}
	k.mu.RUnlock()

	removed := 0
	for name, record := range expired {
		if k.sweepSecret(ctx, name, record) {
			removed++
			k.Events.SecretExpired.Trigger(name)
		}
	}

	if removed > 0 {
		k.LogInfof("swept %d expired secrets", removed)
	}

	return removed
}

func (k *KeyringService) sweepSecret(ctx context.Context, name string, record *SecretRecord) bool {
	k.secretsMu.Lock()
	defer k.secretsMu.Unlock()

	k.mu.RLock()
	current := k.secrets[name]
	k.mu.RUnlock()
	if current != record {
		return false
	}

	if k.store != nil {
		if err := k.store.DeleteSecret(ctx, name); err != nil {
			k.LogWarnf("failed to delete expired secret %s: %v", name, err)
			return false
		}
	}

	k.mu.Lock()
	delete(k.secrets, name)
	k.mu.Unlock()

	return true
}

// Run sweeps expired secrets every interval until ctx is done.
func (k *KeyringService) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			k.Sweep(ctx)
		}
	}
}

// Close erases every data key held in memory.
func (k *KeyringService) Close() {
	k.mu.Lock()
	defer k.mu.Unlock()

	for _, entry := range k.keys {
		entry.dataKey.Destroy()
	}
	k.keys = make(map[string]*keyEntry)
	k.activeID = ""
	k.wrapper.Close()
}

func (k *KeyringService) lookup(name string) (*SecretRecord, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()

	record, ok := k.secrets[name]
	if !ok {
		return nil, cerrors.NotFound("secret " + name)
	}

	return record, nil
}

func (k *KeyringService) updateKeyGauges() {
	active := 0
	for _, entry := range k.keys {
		if entry.Active {
			active++
		}
	}
	k.metrics.UpdateKeyringKeys(active, len(k.keys)-active)
}

func (e *keyEntry) record() *KeyRecord {
	return &KeyRecord{
		KeyID:          e.KeyID,
		WrappedDataKey: e.wrapped,
		CreatedAt:      e.CreatedAt,
		Active:         e.Active,
	}
}
