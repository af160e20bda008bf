package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/dueldanov/custody/internal/crypto"
	cerrors "github.com/dueldanov/custody/internal/errors"
)

const (
	EnvPrefix = "CUSTODY"

	StoreEngineMemory = "memory"
	StoreEngineBadger = "badger"
)

type MasterKeyConfig struct {
	// MasterKey is a 64-char hex or base64 32-byte key. Empty means the key
	// is read from or provisioned into the secret source under Name.
	MasterKey string `mapstructure:"master_key" usage:"master key literal (hex or base64)"`
	Name      string `mapstructure:"master_key_name" usage:"secret source name of the master key"`
}

type SecretsConfig struct {
	Dir string `mapstructure:"dir" usage:"directory of the file secret source"`
}

type StoreConfig struct {
	Engine string `mapstructure:"engine" usage:"row store engine (memory, badger)"`
	Path   string `mapstructure:"path" usage:"badger database directory"`
}

type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled" usage:"use redis for locks, idempotency and revocation"`
	Addr     string `mapstructure:"addr" usage:"redis address"`
	Password string `mapstructure:"password" usage:"redis password"`
	DB       int    `mapstructure:"db" usage:"redis database"`
	Prefix   string `mapstructure:"prefix" usage:"key prefix for every redis key"`
}

type LockConfig struct {
	DefaultTTL    time.Duration `mapstructure:"default_ttl" usage:"lock lease duration"`
	SweepInterval time.Duration `mapstructure:"sweep_interval" usage:"local lock sweep interval"`
}

type IdempotencyConfig struct {
	TTL           time.Duration `mapstructure:"ttl" usage:"how long a completed response is replayed"`
	SweepInterval time.Duration `mapstructure:"sweep_interval" usage:"local cache sweep interval"`
}

type RevocationConfig struct {
	FailOpen      bool          `mapstructure:"fail_open" usage:"treat unknown tokens as valid while redis is down"`
	MaxSessions   int           `mapstructure:"max_sessions" usage:"tracked tokens per user and kind"`
	MaxTTL        time.Duration `mapstructure:"max_ttl" usage:"upper bound of a revocation entry"`
	SweepInterval time.Duration `mapstructure:"sweep_interval" usage:"local registry sweep interval"`
}

type KMSConfig struct {
	MasterKeyConfig `mapstructure:",squash"`
	DefaultTTLDays  int           `mapstructure:"default_ttl_days" usage:"secret lifetime when none is given"`
	GCInterval      time.Duration `mapstructure:"gc_interval" usage:"expired secret sweep interval"`
}

type AuditConfig struct {
	BufferSize    int           `mapstructure:"buffer_size" usage:"audit entries buffered between flushes"`
	FlushInterval time.Duration `mapstructure:"flush_interval" usage:"audit flush interval"`
}

type MetricsConfig struct {
	BindAddress string `mapstructure:"bind_address" usage:"bind address of the /metrics endpoint"`
}

type Config struct {
	Custody     MasterKeyConfig   `mapstructure:"custody"`
	KMS         KMSConfig         `mapstructure:"kms"`
	Secrets     SecretsConfig     `mapstructure:"secrets"`
	Store       StoreConfig       `mapstructure:"store"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Lock        LockConfig        `mapstructure:"lock"`
	Idempotency IdempotencyConfig `mapstructure:"idempotency"`
	Revocation  RevocationConfig  `mapstructure:"revocation"`
	Audit       AuditConfig       `mapstructure:"audit"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
	Replicas    int               `mapstructure:"replicas" usage:"number of daemon instances sharing the stores"`
}

// New returns a viper instance with the defaults and environment binding
// applied. Flags may be bound to it before Load.
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return v
}

func SetDefaults(v *viper.Viper) {
	v.SetDefault("custody.master_key", "")
	v.SetDefault("custody.master_key_name", "wallet-master-key")
	v.SetDefault("kms.master_key", "")
	v.SetDefault("kms.master_key_name", "kms-master-key")
	v.SetDefault("kms.default_ttl_days", 90)
	v.SetDefault("kms.gc_interval", time.Hour)

	v.SetDefault("secrets.dir", ".custody/secrets")

	v.SetDefault("store.engine", StoreEngineMemory)
	v.SetDefault("store.path", ".custody/db")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.prefix", "custody:")

	v.SetDefault("lock.default_ttl", 30*time.Second)
	v.SetDefault("lock.sweep_interval", 10*time.Second)

	v.SetDefault("idempotency.ttl", 24*time.Hour)
	v.SetDefault("idempotency.sweep_interval", time.Minute)

	v.SetDefault("revocation.fail_open", true)
	v.SetDefault("revocation.max_sessions", 10)
	v.SetDefault("revocation.max_ttl", 30*24*time.Hour)
	v.SetDefault("revocation.sweep_interval", time.Minute)

	v.SetDefault("audit.buffer_size", 256)
	v.SetDefault("audit.flush_interval", 5*time.Second)

	v.SetDefault("replicas", 1)
	v.SetDefault("metrics.bind_address", "localhost:9311")
}

// Load reads file (optional, YAML) into v and returns the validated
// configuration.
func Load(v *viper.Viper, file string) (*Config, error) {
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, cerrors.Wrap(err, cerrors.CodeConfiguration, "failed to read config file")
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, cerrors.Wrap(err, cerrors.CodeConfiguration, "failed to decode configuration")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate fails closed on malformed master keys and nonsensical values.
func (c *Config) Validate() error {
	for _, key := range []struct {
		name  string
		value string
	}{
		{"custody.master_key", c.Custody.MasterKey},
		{"kms.master_key", c.KMS.MasterKey},
	} {
		if key.value == "" {
			continue
		}
		decoded, err := crypto.ParseMasterKey(key.value)
		if err != nil {
			return cerrors.Configuration(key.name + " is malformed")
		}
		crypto.ClearBytes(decoded)
	}

	if c.Custody.Name == "" || c.KMS.Name == "" {
		return cerrors.Configuration("master key names must not be empty")
	}
	if c.Custody.MasterKey != "" && c.Custody.MasterKey == c.KMS.MasterKey {
		return cerrors.Configuration("custody and kms master keys must differ")
	}

	switch c.Store.Engine {
	case StoreEngineMemory:
	case StoreEngineBadger:
		if c.Store.Path == "" {
			return cerrors.Configuration("store.path is required for the badger engine")
		}
	default:
		return cerrors.Configuration("unknown store engine " + c.Store.Engine)
	}

	if c.Lock.DefaultTTL <= 0 || c.Idempotency.TTL <= 0 {
		return cerrors.Configuration("lock and idempotency ttls must be positive")
	}
	if c.Revocation.MaxSessions <= 0 {
		return cerrors.Configuration("revocation.max_sessions must be positive")
	}
	if c.Replicas < 1 {
		return cerrors.Configuration("replicas must be at least 1")
	}

	return nil
}
