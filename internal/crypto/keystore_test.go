package crypto

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cerrors "github.com/dueldanov/custody/internal/errors"
)

func TestFileSecretSourceSetAndGet(t *testing.T) {
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "secrets")

	src, err := NewFileSecretSource(dir)
	require.NoError(t, err)
	require.Equal(t, dir, src.Dir())

	info, err := os.Stat(dir)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(SecretDirMode), info.Mode().Perm())

	_, err = src.Get(ctx, "wallet-master-key")
	require.ErrorIs(t, err, ErrSecretNotFound)

	require.NoError(t, src.Set(ctx, "wallet-master-key", "deadbeef\n"))

	info, err = os.Stat(filepath.Join(dir, "wallet-master-key"+SecretFileSuffix))
	require.NoError(t, err)
	require.Equal(t, os.FileMode(SecretFileMode), info.Mode().Perm())

	value, err := src.Get(ctx, "wallet-master-key")
	require.NoError(t, err)
	require.Equal(t, "deadbeef", value)
}

func TestFileSecretSourceNeverOverwrites(t *testing.T) {
	ctx := context.Background()
	src, err := NewFileSecretSource(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, src.Set(ctx, "k", "first"))
	require.ErrorIs(t, src.Set(ctx, "k", "second"), ErrSecretExists)

	value, err := src.Get(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, "first", value)
}

func TestFileSecretSourceConcurrentSet(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	const writers = 16
	var (
		wg   sync.WaitGroup
		wins atomic.Int32
	)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()

			src, err := NewFileSecretSource(dir)
			if !assert.NoError(t, err) {
				return
			}
			err = src.Set(ctx, "shared", fmt.Sprintf("value-%d", i))
			if err == nil {
				wins.Add(1)
				return
			}
			assert.ErrorIs(t, err, ErrSecretExists)
		}(i)
	}
	wg.Wait()
	require.EqualValues(t, 1, wins.Load())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1, "temporary files must not be left behind")
}

func TestFileSecretSourceRejectsLoosePermissions(t *testing.T) {
	dir := t.TempDir()
	src, err := NewFileSecretSource(dir)
	require.NoError(t, err)

	path := filepath.Join(dir, "loose"+SecretFileSuffix)
	require.NoError(t, os.WriteFile(path, []byte("value"), 0600))
	require.NoError(t, os.Chmod(path, 0644))

	_, err = src.Get(context.Background(), "loose")
	require.ErrorIs(t, err, cerrors.ErrConfiguration)
}

func TestFileSecretSourceFixesDirectoryPermissions(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "open")
	require.NoError(t, os.Mkdir(dir, 0755))
	require.NoError(t, os.Chmod(dir, 0755))

	_, err := NewFileSecretSource(dir)
	require.NoError(t, err)

	info, err := os.Stat(dir)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(SecretDirMode), info.Mode().Perm())
}

func TestFileSecretSourceInvalidNames(t *testing.T) {
	src, err := NewFileSecretSource(t.TempDir())
	require.NoError(t, err)

	for _, name := range []string{"", "../escape", "a/b", `a\b`, ".hidden"} {
		_, err := src.Get(context.Background(), name)
		require.ErrorIs(t, err, cerrors.ErrInvalidArgument, "name %q", name)
		require.ErrorIs(t, src.Set(context.Background(), name, "v"), cerrors.ErrInvalidArgument, "name %q", name)
	}
}
