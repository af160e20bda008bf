package daemon

import (
	"context"

	"github.com/iotaledger/hive.go/kvstore/mapdb"
	"github.com/iotaledger/hive.go/logger"
	"github.com/pkg/errors"
	"go.uber.org/dig"

	"github.com/dueldanov/custody/internal/audit"
	"github.com/dueldanov/custody/internal/config"
	"github.com/dueldanov/custody/internal/crypto"
	"github.com/dueldanov/custody/internal/idempotency"
	"github.com/dueldanov/custody/internal/kms"
	"github.com/dueldanov/custody/internal/lock"
	"github.com/dueldanov/custody/internal/monitoring"
	"github.com/dueldanov/custody/internal/revocation"
	"github.com/dueldanov/custody/internal/store"
	"github.com/dueldanov/custody/internal/wallet"
)

// SecretEnvPrefix prefixes environment variables read by the secret source,
// e.g. CUSTODY_SECRET_WALLET_MASTER_KEY.
const SecretEnvPrefix = "CUSTODY_SECRET_"

// MasterKeys holds the two independent trust domains.
type MasterKeys struct {
	Wallet *crypto.MasterKeyStore
	KMS    *crypto.MasterKeyStore
}

func (m *MasterKeys) Close() {
	m.Wallet.Close()
	m.KMS.Close()
}

// Custody is the fully wired engine.
type Custody struct {
	dig.In

	Config      *config.Config
	Metrics     *monitoring.Metrics
	Rows        store.RowStore
	Backends    *Backends
	MasterKeys  *MasterKeys
	Keyring     *kms.KeyringService
	Wallets     *wallet.Service
	Locks       *lock.ExclusiveOperationLock
	Locker      lock.Locker
	Idempotency *idempotency.Cache
	IdemStore   idempotency.Store
	Revocation  *revocation.Service
	Registry    revocation.Registry
	Audit       *audit.Trail
}

// NewContainer provides every custody component. Master keys are resolved
// and the keyring is loaded when a component first asks for them.
func NewContainer(ctx context.Context, log *logger.Logger, cfg *config.Config) (*dig.Container, error) {
	c := dig.New()

	providers := []interface{}{
		func() *config.Config { return cfg },
		func() *logger.Logger { return log },
		monitoring.NewMetrics,
		provideSecretSource,
		provideRowStore,
		func() *Backends { return SelectBackends(ctx, log.Named("Backends"), cfg) },
		provideMasterKeys,
		func(keys *MasterKeys, rows store.RowStore, metrics *monitoring.Metrics) (*kms.KeyringService, error) {
			return provideKeyring(ctx, log.Named("Keyring"), cfg, keys, rows, metrics)
		},
		newLocker,
		func(locker lock.Locker, metrics *monitoring.Metrics) *lock.ExclusiveOperationLock {
			return lock.NewExclusiveOperationLock(log.Named("Lock"), locker, cfg.Lock.DefaultTTL, metrics)
		},
		newIdempotencyStore,
		func(s idempotency.Store, metrics *monitoring.Metrics) *idempotency.Cache {
			return idempotency.NewCache(log.Named("Idempotency"), s, cfg.Idempotency.TTL, metrics)
		},
		func(b *Backends, metrics *monitoring.Metrics) revocation.Registry {
			return newRevocationRegistry(log.Named("Revocation"), b, cfg, metrics)
		},
		func(r revocation.Registry, metrics *monitoring.Metrics) *revocation.Service {
			return revocation.NewService(log.Named("Revocation"), r, cfg.Revocation.MaxTTL, metrics)
		},
		func(rows store.RowStore) (*audit.Trail, error) {
			trail := audit.NewTrail(log.Named("Audit"), audit.NewRowStorage(rows), cfg.Audit.BufferSize, cfg.Audit.FlushInterval)
			if err := trail.Resume(ctx); err != nil {
				return nil, err
			}

			return trail, nil
		},
		func(keys *MasterKeys, rows store.RowStore, opLock *lock.ExclusiveOperationLock, metrics *monitoring.Metrics) (*wallet.Service, error) {
			return provideWallet(ctx, log.Named("Wallet"), cfg, keys, rows, opLock, metrics)
		},
	}

	for _, provider := range providers {
		if err := c.Provide(provider); err != nil {
			return nil, err
		}
	}

	return c, nil
}

func provideSecretSource(cfg *config.Config) (crypto.SecretSource, error) {
	files, err := crypto.NewFileSecretSource(cfg.Secrets.Dir)
	if err != nil {
		return nil, err
	}

	return crypto.NewChainSecretSource(crypto.NewEnvSecretSource(SecretEnvPrefix), files), nil
}

func provideRowStore(cfg *config.Config) (store.RowStore, error) {
	if cfg.Store.Engine == config.StoreEngineBadger {
		return store.OpenBadger(cfg.Store.Path)
	}

	return store.NewKVRowStore(mapdb.NewMapDB())
}

func provideMasterKeys(log *logger.Logger, cfg *config.Config, source crypto.SecretSource) *MasterKeys {
	return &MasterKeys{
		Wallet: crypto.NewMasterKeyStore(log.Named("WalletMasterKey"), cfg.Custody.Name, cfg.Custody.MasterKey, source),
		KMS:    crypto.NewMasterKeyStore(log.Named("KMSMasterKey"), cfg.KMS.Name, cfg.KMS.MasterKey, source),
	}
}

func provideKeyring(ctx context.Context, log *logger.Logger, cfg *config.Config, keys *MasterKeys, rows store.RowStore, metrics *monitoring.Metrics) (*kms.KeyringService, error) {
	masterKey, err := keys.KMS.Load(ctx)
	if err != nil {
		return nil, err
	}
	defer crypto.ClearBytes(masterKey)

	keyring, err := kms.NewKeyringService(log, masterKey, kms.NewKeyringStore(rows), metrics, cfg.KMS.DefaultTTLDays)
	if err != nil {
		return nil, err
	}

	if err := keyring.Load(ctx); err != nil {
		keyring.Close()
		return nil, err
	}

	return keyring, nil
}

func provideWallet(ctx context.Context, log *logger.Logger, cfg *config.Config, keys *MasterKeys, rows store.RowStore, opLock *lock.ExclusiveOperationLock, metrics *monitoring.Metrics) (*wallet.Service, error) {
	masterKey, err := keys.Wallet.Load(ctx)
	if err != nil {
		return nil, err
	}
	defer crypto.ClearBytes(masterKey)

	dataKeys, err := crypto.NewDataKeyManager(masterKey)
	if err != nil {
		return nil, err
	}
	seeds, err := crypto.NewSeedVault(masterKey)
	if err != nil {
		return nil, err
	}

	return wallet.NewService(log, rows, crypto.NewEnvelopeCipher(dataKeys), seeds, opLock, cfg.Lock.DefaultTTL, metrics), nil
}

// Resolve builds the engine without starting any background work.
func Resolve(c *dig.Container) (*Custody, error) {
	var custody *Custody
	if err := c.Invoke(func(deps Custody) {
		custody = &deps
	}); err != nil {
		return nil, err
	}
	attachAudit(custody)

	return custody, nil
}

// Close releases what Resolve acquired. Start registers the same steps as
// shutdown hooks instead.
func (c *Custody) Close() error {
	c.Audit.Close()
	c.Keyring.Close()
	c.MasterKeys.Close()
	if c.Backends.Redis != nil {
		_ = c.Backends.Redis.Close()
	}

	return c.Rows.Close()
}

// Start resolves the engine, registers its sweepers and shutdown hooks on d
// and starts d.
func Start(c *dig.Container, d *Daemon) (*Custody, error) {
	custody, err := Resolve(c)
	if err != nil {
		return nil, err
	}

	cfg := custody.Config

	var regErr error
	worker := func(name string, run func(ctx context.Context), priority int) {
		if err := d.BackgroundWorker(name, run, priority); err != nil && regErr == nil {
			regErr = errors.Wrapf(err, "failed to register %s", name)
		}
	}
	onShutdown := func(name string, fn func(), priority int) {
		if err := d.OnShutdown(name, fn, priority); err != nil && regErr == nil {
			regErr = errors.Wrapf(err, "failed to register %s", name)
		}
	}

	onShutdown("row store", func() {
		if err := custody.Rows.Close(); err != nil {
			d.LogErrorf("failed to close row store: %v", err)
		}
	}, PriorityCloseStore)

	if custody.Backends.Redis != nil {
		onShutdown("redis", func() {
			_ = custody.Backends.Redis.Close()
		}, PriorityCloseRedis)
	}

	onShutdown("master keys", func() {
		custody.Keyring.Close()
		custody.MasterKeys.Close()
	}, PriorityMasterKeys)

	worker("audit trail", custody.Audit.Run, PriorityAudit)

	worker("keyring gc", func(ctx context.Context) {
		custody.Keyring.Run(ctx, cfg.KMS.GCInterval)
	}, PriorityKeyringGC)

	if local, ok := custody.Locker.(*lock.LocalLocker); ok {
		worker("lock sweeper", func(ctx context.Context) {
			local.Run(ctx, cfg.Lock.SweepInterval)
		}, PriorityLockSweeper)
	}

	if local, ok := custody.IdemStore.(*idempotency.LocalStore); ok {
		worker("idempotency sweeper", func(ctx context.Context) {
			local.Run(ctx, cfg.Idempotency.SweepInterval)
		}, PriorityIdempotencySweeper)
	}

	var registry *revocation.LocalRegistry
	switch r := custody.Registry.(type) {
	case *revocation.LocalRegistry:
		registry = r
	case *revocation.RedisRegistry:
		registry = r.Fallback()
	}
	if registry != nil {
		worker("revocation sweeper", func(ctx context.Context) {
			registry.Run(ctx, cfg.Revocation.SweepInterval)
		}, PriorityRevocationSweeper)
	}

	if regErr != nil {
		return nil, regErr
	}

	d.Start()
	d.LogInfof("custody engine started (store %s, backend %s, active keyring key %s)",
		cfg.Store.Engine, custody.Backends.Name(), custody.Keyring.ActiveKeyID())

	return custody, nil
}
