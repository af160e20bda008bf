package wallet

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/iotaledger/hive.go/logger"
	"github.com/iotaledger/hive.go/runtime/event"

	"github.com/dueldanov/custody/internal/crypto"
	cerrors "github.com/dueldanov/custody/internal/errors"
	"github.com/dueldanov/custody/internal/lock"
	"github.com/dueldanov/custody/internal/monitoring"
	"github.com/dueldanov/custody/internal/store"
)

// Seed reveal results, used as metric labels.
const (
	revealRevealed = "revealed"
	revealConflict = "conflict"
	revealNotFound = "not_found"
	revealError    = "error"
)

var (
	errKeyExists        = cerrors.New(cerrors.CodeLockConflict, "wallet key already exists")
	errSeedProvisioned  = cerrors.New(cerrors.CodeLockConflict, "seed already provisioned")
	errSeedRevealed     = cerrors.New(cerrors.CodeLockConflict, "seed already revealed")
	errSeedChanged      = cerrors.New(cerrors.CodeLockConflict, "seed record changed during provisioning")
	errSeedUnrecognized = cerrors.New(cerrors.CodeUnsupportedFormat, "unrecognized seed record")
)

type Events struct {
	KeyCreated   *event.Event1[string]         // walletID
	SeedRevealed *event.Event2[string, string] // network, address
	SeedRevoked  *event.Event2[string, string] // network, address
}

// Service runs the custody flows on wallet keys and recovery seeds.
type Service struct {
	*logger.WrappedLogger

	Events *Events

	rows    store.RowStore
	keys    *crypto.EnvelopeCipher
	seeds   *crypto.SeedVault
	lock    *lock.ExclusiveOperationLock
	lockTTL time.Duration
	metrics *monitoring.Metrics
	now     func() time.Time
}

// NewService creates the custody service. keys encrypts wallet private keys
// under per-wallet data keys; seeds encrypts mnemonics directly under the
// wallet master key.
func NewService(log *logger.Logger, rows store.RowStore, keys *crypto.EnvelopeCipher, seeds *crypto.SeedVault, opLock *lock.ExclusiveOperationLock, lockTTL time.Duration, metrics *monitoring.Metrics) *Service {
	return &Service{
		WrappedLogger: logger.NewWrappedLogger(log),
		Events: &Events{
			KeyCreated:   event.New1[string](),
			SeedRevealed: event.New2[string, string](),
			SeedRevoked:  event.New2[string, string](),
		},
		rows:    rows,
		keys:    keys,
		seeds:   seeds,
		lock:    opLock,
		lockTTL: lockTTL,
		metrics: metrics,
		now:     time.Now,
	}
}

// CreateKey encrypts privateKey for walletID and stores it. privateKey is
// erased before CreateKey returns, on success and on failure.
func (s *Service) CreateKey(ctx context.Context, walletID string, privateKey []byte) (*KeyRecord, error) {
	defer crypto.ClearBytes(privateKey)

	if walletID == "" {
		return nil, cerrors.InvalidArgument("wallet id is required")
	}
	if len(privateKey) == 0 {
		return nil, cerrors.InvalidArgument("private key is empty")
	}

	envelope, err := s.keys.EncryptWithNewKey(privateKey, []byte(walletID))
	if err != nil {
		return nil, err
	}
	env, err := crypto.ParseEnvelope(envelope)
	if err != nil {
		return nil, err
	}

	record := &KeyRecord{
		WalletID:  walletID,
		Envelope:  envelope,
		KeyID:     env.KeyID,
		CreatedAt: s.now(),
	}
	value, err := json.Marshal(record)
	if err != nil {
		return nil, cerrors.Wrap(err, cerrors.CodeInternal, "failed to encode key record")
	}

	if _, err := s.rows.Update(ctx, store.Key(store.PrefixWalletKey, walletID), func(_ []byte, exists bool) ([]byte, error) {
		if exists {
			return nil, errKeyExists
		}
		return value, nil
	}); err != nil {
		return nil, err
	}

	s.LogInfof("stored private key for wallet %s (data key %s)", walletID, record.KeyID)
	s.Events.KeyCreated.Trigger(walletID)

	return record, nil
}

// KeyRecord returns the stored record of walletID.
func (s *Service) KeyRecord(ctx context.Context, walletID string) (*KeyRecord, error) {
	value, err := s.rows.Get(ctx, store.Key(store.PrefixWalletKey, walletID))
	if cerrors.Is(err, store.ErrNotFound) {
		return nil, cerrors.NotFound("wallet key " + walletID)
	}
	if err != nil {
		return nil, err
	}

	record := &KeyRecord{}
	if err := json.Unmarshal(value, record); err != nil {
		return nil, cerrors.Wrap(err, cerrors.CodeUnsupportedFormat, "corrupt key record")
	}

	return record, nil
}

// WithPrivateKey runs fn with the decrypted private key of walletID while
// holding the wallet's exclusive lock. A concurrent operation on the same
// wallet fails with a lock conflict. The key is erased when fn returns,
// including when fn fails or panics; fn must not retain it.
func (s *Service) WithPrivateKey(ctx context.Context, walletID string, fn func(ctx context.Context, privateKey []byte) error) error {
	return s.lock.WithLock(ctx, lockKey(walletID), s.lockTTL, func(ctx context.Context) error {
		record, err := s.KeyRecord(ctx, walletID)
		if err != nil {
			return err
		}

		privateKey, err := s.keys.Decrypt(record.Envelope, crypto.DecryptOptions{AAD: []byte(walletID)})
		if err != nil {
			if cerrors.Is(err, cerrors.ErrAuthentication) {
				s.metrics.RecordAuthFailure(s.keys.Scheme().String())
				s.LogErrorf("private key of wallet %s failed authentication", walletID)
			}
			return err
		}

		return crypto.WithSecret(privateKey, func(key []byte) error {
			return fn(ctx, key)
		})
	})
}

// ProvisionSeed encrypts mnemonic for address on network and stores it.
// It fails with a conflict while a live record exists; a revoked record is
// replaced. mnemonic is erased before ProvisionSeed returns.
func (s *Service) ProvisionSeed(ctx context.Context, address, network string, mnemonic []byte) (*SeedRecord, error) {
	defer crypto.ClearBytes(mnemonic)

	if address == "" || network == "" {
		return nil, cerrors.InvalidArgument("address and network are required")
	}
	if len(mnemonic) == 0 {
		return nil, cerrors.InvalidArgument("mnemonic is empty")
	}

	encrypted, err := s.seeds.Encrypt(mnemonic)
	if err != nil {
		return nil, err
	}

	record := &SeedRecord{
		Address:       address,
		Network:       network,
		EncryptedSeed: *encrypted,
		CreatedAt:     s.now(),
	}
	value, err := json.Marshal(record)
	if err != nil {
		return nil, cerrors.Wrap(err, cerrors.CodeInternal, "failed to encode seed record")
	}

	archived, err := s.archiveRevokedSeed(ctx, address, network)
	if err != nil {
		return nil, err
	}

	if _, err := s.rows.Update(ctx, seedKey(address, network), func(current []byte, exists bool) ([]byte, error) {
		if !exists {
			return value, nil
		}
		existing, err := decodeSeed(current)
		if err != nil {
			return nil, err
		}
		if !existing.Revoked {
			return nil, errSeedProvisioned
		}
		// Only a revoked record already copied to the archive is replaced.
		if archived == nil || !existing.CreatedAt.Equal(archived.CreatedAt) {
			return nil, errSeedChanged
		}

		return value, nil
	}); err != nil {
		return nil, err
	}

	s.LogInfof("provisioned recovery seed for %s on %s", address, network)

	return record, nil
}

// RevealSeed returns the mnemonic of address on network to its first caller
// only. The shown flag is set atomically before decryption, so among any
// number of concurrent callers exactly one succeeds and the others get a
// conflict. The caller must Destroy the returned buffer.
func (s *Service) RevealSeed(ctx context.Context, address, network string) (*crypto.SecretBuffer, error) {
	shownAt := s.now()

	stored, err := s.rows.Update(ctx, seedKey(address, network), func(current []byte, exists bool) ([]byte, error) {
		if !exists {
			return nil, cerrors.NotFound("seed")
		}
		record, err := decodeSeed(current)
		if err != nil {
			return nil, err
		}
		if record.Revoked {
			return nil, cerrors.NotFound("seed")
		}
		if record.SeedShownAt != nil {
			return nil, errSeedRevealed
		}

		record.SeedShownAt = &shownAt
		return json.Marshal(record)
	})
	if err != nil {
		switch cerrors.Code(err) {
		case cerrors.CodeLockConflict:
			s.metrics.RecordSeedReveal(revealConflict)
			s.LogWarnf("repeated reveal attempt for seed of %s on %s", address, network)
		case cerrors.CodeNotFound:
			s.metrics.RecordSeedReveal(revealNotFound)
		default:
			s.metrics.RecordSeedReveal(revealError)
		}
		return nil, err
	}

	record, err := decodeSeed(stored)
	if err != nil {
		s.metrics.RecordSeedReveal(revealError)
		return nil, err
	}

	mnemonic, err := s.seeds.Decrypt(&record.EncryptedSeed)
	if err != nil {
		// The record is already marked shown and stays that way.
		s.metrics.RecordSeedReveal(revealError)
		if cerrors.Is(err, cerrors.ErrAuthentication) {
			s.metrics.RecordAuthFailure(s.seeds.Scheme().String())
		}
		s.LogErrorf("seed of %s on %s marked shown but failed to decrypt: %v", address, network, err)
		return nil, err
	}

	s.metrics.RecordSeedReveal(revealRevealed)
	s.LogInfof("revealed recovery seed for %s on %s", address, network)
	s.Events.SeedRevealed.Trigger(network, address)

	return crypto.WrapSecret(mnemonic), nil
}

// RevokeSeed soft-deletes a seed record. Revoking twice is a no-op.
func (s *Service) RevokeSeed(ctx context.Context, address, network string) error {
	changed := false
	if _, err := s.rows.Update(ctx, seedKey(address, network), func(current []byte, exists bool) ([]byte, error) {
		if !exists {
			return nil, cerrors.NotFound("seed")
		}
		record, err := decodeSeed(current)
		if err != nil {
			return nil, err
		}
		if record.Revoked {
			changed = false
			return nil, nil
		}

		record.Revoked = true
		changed = true
		return json.Marshal(record)
	}); err != nil {
		return err
	}

	if changed {
		s.LogInfof("revoked recovery seed for %s on %s", address, network)
		s.Events.SeedRevoked.Trigger(network, address)
	}

	return nil
}

// SeedStatus reports whether a seed was shown or revoked.
func (s *Service) SeedStatus(ctx context.Context, address, network string) (*SeedStatus, error) {
	value, err := s.rows.Get(ctx, seedKey(address, network))
	if cerrors.Is(err, store.ErrNotFound) {
		return nil, cerrors.NotFound("seed")
	}
	if err != nil {
		return nil, err
	}

	record, err := decodeSeed(value)
	if err != nil {
		return nil, err
	}

	return record.status(), nil
}

// archiveRevokedSeed copies a revoked seed record to the archive so that
// provisioning a new seed never destroys it. It returns the archived record,
// or nil when the current record is absent or not revoked.
func (s *Service) archiveRevokedSeed(ctx context.Context, address, network string) (*SeedRecord, error) {
	current, err := s.rows.Get(ctx, seedKey(address, network))
	if cerrors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	record, err := decodeSeed(current)
	if err != nil {
		return nil, err
	}
	if !record.Revoked {
		return nil, errSeedProvisioned
	}

	if err := s.rows.Put(ctx, seedArchiveKey(record), current); err != nil {
		return nil, err
	}

	return record, nil
}

// SeedHistory returns the archived revoked seeds of address on network,
// oldest first.
func (s *Service) SeedHistory(ctx context.Context, address, network string) ([]*SeedStatus, error) {
	var (
		history   []*SeedStatus
		decodeErr error
	)
	if err := s.rows.Iterate(ctx, store.Key(store.PrefixSeedArchive, network, address), func(_, value []byte) bool {
		record, err := decodeSeed(value)
		if err != nil {
			decodeErr = err
			return false
		}
		history = append(history, record.status())

		return true
	}); err != nil {
		return nil, err
	}
	if decodeErr != nil {
		return nil, decodeErr
	}

	sort.Slice(history, func(i, j int) bool {
		return history[i].CreatedAt.Before(history[j].CreatedAt)
	})

	return history, nil
}

func decodeSeed(value []byte) (*SeedRecord, error) {
	record := &SeedRecord{}
	if err := json.Unmarshal(value, record); err != nil {
		if cerrors.Code(err) == cerrors.CodeUnsupportedFormat {
			return nil, err
		}
		return nil, errSeedUnrecognized
	}

	return record, nil
}

func seedKey(address, network string) []byte {
	return store.Key(store.PrefixSeed, network, address)
}

func seedArchiveKey(record *SeedRecord) []byte {
	return store.Key(store.PrefixSeedArchive, record.Network, record.Address, record.CreatedAt.UTC().Format(time.RFC3339Nano))
}

func lockKey(walletID string) string {
	return "wallet:" + walletID
}
