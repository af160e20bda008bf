package crypto

import (
	"context"
	"os"
	"strings"

	cerrors "github.com/dueldanov/custody/internal/errors"
)

// ErrSecretNotFound is returned by a SecretSource that has no value for a name.
var ErrSecretNotFound = cerrors.New(cerrors.CodeNotFound, "secret not found")

// ErrSecretExists is returned by Set when another writer stored the name first.
var ErrSecretExists = cerrors.New(cerrors.CodeLockConflict, "secret already exists")

// SecretSource is the key-value source master keys are loaded from and,
// when none is configured, persisted to after generation.
type SecretSource interface {
	Get(ctx context.Context, name string) (string, error)
	Set(ctx context.Context, name, value string) error
}

// EnvSecretSource reads secrets from environment variables. It is read-only.
type EnvSecretSource struct {
	prefix string
}

// NewEnvSecretSource maps name "wallet-master-key" with prefix "CUSTODY_"
// to the variable CUSTODY_WALLET_MASTER_KEY.
func NewEnvSecretSource(prefix string) *EnvSecretSource {
	return &EnvSecretSource{prefix: prefix}
}

func (s *EnvSecretSource) Get(_ context.Context, name string) (string, error) {
	value, ok := os.LookupEnv(s.variable(name))
	if !ok || strings.TrimSpace(value) == "" {
		return "", ErrSecretNotFound
	}

	return strings.TrimSpace(value), nil
}

func (s *EnvSecretSource) Set(_ context.Context, name, _ string) error {
	return cerrors.Configuration("environment secret source is read-only, cannot persist " + s.variable(name))
}

func (s *EnvSecretSource) variable(name string) string {
	return s.prefix + strings.ToUpper(strings.NewReplacer("-", "_", ".", "_").Replace(name))
}

// ChainSecretSource consults its sources in order; the first hit wins.
// Set writes to the first source that accepts the write.
type ChainSecretSource struct {
	sources []SecretSource
}

func NewChainSecretSource(sources ...SecretSource) *ChainSecretSource {
	return &ChainSecretSource{sources: sources}
}

func (c *ChainSecretSource) Get(ctx context.Context, name string) (string, error) {
	for _, src := range c.sources {
		value, err := src.Get(ctx, name)
		if err == nil {
			return value, nil
		}
		if !cerrors.Is(err, ErrSecretNotFound) {
			return "", err
		}
	}

	return "", ErrSecretNotFound
}

func (c *ChainSecretSource) Set(ctx context.Context, name, value string) error {
	var lastErr error = cerrors.Configuration("no writable secret source")
	for _, src := range c.sources {
		if err := src.Set(ctx, name, value); err != nil {
			if cerrors.Is(err, ErrSecretExists) {
				return err
			}
			lastErr = err
			continue
		}

		return nil
	}

	return lastErr
}
