package main

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	cerrors "github.com/dueldanov/custody/internal/errors"
)

// execute runs one custodyctl invocation against dir and returns stdout.
func execute(t *testing.T, dir, stdin string, args ...string) (string, error) {
	t.Helper()

	cmd, c := newRootCmd()
	defer func() { require.NoError(t, c.close()) }()
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(append([]string{
		"--store-path", filepath.Join(dir, "db"),
		"--secrets-dir", filepath.Join(dir, "secrets"),
	}, args...))

	err := cmd.Execute()

	return out.String(), err
}

func TestMasterKeyLifecycle(t *testing.T) {
	dir := t.TempDir()

	_, err := execute(t, dir, "", "masterkey", "check")
	require.ErrorIs(t, err, cerrors.ErrConfiguration)

	out, err := execute(t, dir, "", "masterkey", "init")
	require.NoError(t, err)
	require.Contains(t, out, "wallet-master-key: ready")
	require.Contains(t, out, "kms-master-key: ready")

	out, err = execute(t, dir, "", "masterkey", "check")
	require.NoError(t, err)
	require.Contains(t, out, "master keys ok")

	out, err = execute(t, dir, "", "masterkey", "generate")
	require.NoError(t, err)
	require.Len(t, strings.TrimSpace(out), 64)
}

func TestSeedRevealOnceAcrossInvocations(t *testing.T) {
	dir := t.TempDir()
	mnemonic := "legal winner thank year wave sausage worth useful legal winner thank yellow"

	_, err := execute(t, dir, mnemonic+"\n", "seed", "provision", "mainnet", "addr-1")
	require.NoError(t, err)

	out, err := execute(t, dir, "", "seed", "status", "mainnet", "addr-1")
	require.NoError(t, err)
	require.Contains(t, out, "shown=false")

	out, err = execute(t, dir, "", "seed", "reveal", "mainnet", "addr-1")
	require.NoError(t, err)
	require.Equal(t, mnemonic+"\n", out)

	_, err = execute(t, dir, "", "seed", "reveal", "mainnet", "addr-1")
	require.ErrorIs(t, err, cerrors.ErrLockConflict)

	out, err = execute(t, dir, "", "seed", "status", "mainnet", "addr-1")
	require.NoError(t, err)
	require.Contains(t, out, "shown=true")

	_, err = execute(t, dir, "", "seed", "revoke", "mainnet", "addr-1")
	require.NoError(t, err)
	_, err = execute(t, dir, "new words for the same address\n", "seed", "provision", "mainnet", "addr-1")
	require.NoError(t, err)

	out, err = execute(t, dir, "", "seed", "history", "mainnet", "addr-1")
	require.NoError(t, err)
	require.Equal(t, 1, strings.Count(out, "\n"))
	require.Contains(t, out, "shown=true revoked=true")
}

func TestKeyringAndSecrets(t *testing.T) {
	dir := t.TempDir()

	first, err := execute(t, dir, "", "keyring", "rotate")
	require.NoError(t, err)

	_, err = execute(t, dir, "s3cr3t\n", "secret", "put", "exchange-api-key")
	require.NoError(t, err)

	second, err := execute(t, dir, "", "keyring", "rotate")
	require.NoError(t, err)
	require.NotEqual(t, first, second)

	out, err := execute(t, dir, "", "keyring", "list")
	require.NoError(t, err)
	require.Contains(t, out, strings.TrimSpace(first))
	require.Contains(t, out, strings.TrimSpace(second))

	out, err = execute(t, dir, "", "secret", "get", "exchange-api-key")
	require.NoError(t, err)
	require.Equal(t, "s3cr3t\n", out)

	out, err = execute(t, dir, "", "secret", "list")
	require.NoError(t, err)
	require.Equal(t, "exchange-api-key\n", out)

	_, err = execute(t, dir, "", "secret", "delete", "exchange-api-key")
	require.NoError(t, err)

	_, err = execute(t, dir, "", "secret", "get", "exchange-api-key")
	require.ErrorIs(t, err, cerrors.ErrNotFound)

	_, err = execute(t, dir, "", "secret", "put", "empty")
	require.ErrorIs(t, err, cerrors.ErrInvalidArgument)
}

func TestWalletImport(t *testing.T) {
	dir := t.TempDir()

	out, err := execute(t, dir, strings.Repeat("ab", 32)+"\n", "wallet", "import", "wallet-1")
	require.NoError(t, err)
	require.Contains(t, out, "stored key for wallet-1")

	_, err = execute(t, dir, strings.Repeat("ab", 32)+"\n", "wallet", "import", "wallet-1")
	require.ErrorIs(t, err, cerrors.ErrLockConflict)

	_, err = execute(t, dir, "not hex\n", "wallet", "import", "wallet-2")
	require.ErrorIs(t, err, cerrors.ErrInvalidArgument)
}
