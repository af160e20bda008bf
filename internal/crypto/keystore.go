package crypto

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	cerrors "github.com/dueldanov/custody/internal/errors"
)

const (
	SecretFileSuffix = ".key"
	SecretFileMode   = 0600 // Read/write for owner only
	SecretDirMode    = 0700 // Read/write/execute for owner only
)

// FileSecretSource stores each named secret in its own owner-only file.
type FileSecretSource struct {
	dir string
}

// NewFileSecretSource creates a file secret source rooted at dir.
func NewFileSecretSource(dir string) (*FileSecretSource, error) {
	if err := os.MkdirAll(dir, SecretDirMode); err != nil {
		return nil, cerrors.Wrap(err, cerrors.CodeConfiguration, "failed to create secret directory")
	}

	info, err := os.Stat(dir)
	if err != nil {
		return nil, cerrors.Wrap(err, cerrors.CodeConfiguration, "failed to stat secret directory")
	}

	if !info.IsDir() {
		return nil, cerrors.Configuration(fmt.Sprintf("secret path is not a directory: %s", dir))
	}

	// Directory is accessible by group or others - fix it
	if info.Mode().Perm()&0077 != 0 {
		if err := os.Chmod(dir, SecretDirMode); err != nil {
			return nil, cerrors.Wrap(err, cerrors.CodeConfiguration, "failed to fix secret directory permissions")
		}
	}

	return &FileSecretSource{dir: dir}, nil
}

// Get reads the secret stored under name.
func (s *FileSecretSource) Get(_ context.Context, name string) (string, error) {
	path, err := s.path(name)
	if err != nil {
		return "", err
	}

	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return "", ErrSecretNotFound
	}
	if err != nil {
		return "", cerrors.Wrap(err, cerrors.CodeStoreUnavailable, "failed to stat secret file")
	}

	if info.Mode().Perm() != SecretFileMode {
		return "", cerrors.Configuration(fmt.Sprintf("secret file %s has invalid permissions %o", name, info.Mode().Perm()))
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return "", cerrors.Wrap(err, cerrors.CodeStoreUnavailable, "failed to read secret file")
	}

	return strings.TrimSpace(string(data)), nil
}

// Set writes a new secret. Existing secrets are never overwritten: the value
// goes to a private temp file that is then hard-linked into place, so a
// concurrent writer either wins the link or gets ErrSecretExists.
func (s *FileSecretSource) Set(_ context.Context, name, value string) error {
	path, err := s.path(name)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(s.dir, "."+name+".tmp-*")
	if err != nil {
		return cerrors.Wrap(err, cerrors.CodeStoreUnavailable, "failed to create temporary secret file")
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if err := writeSecretFile(tmp, value); err != nil {
		return err
	}

	if err := os.Link(tmpPath, path); err != nil {
		if os.IsExist(err) {
			return cerrors.New(cerrors.CodeLockConflict, fmt.Sprintf("secret %s already exists", name))
		}
		return cerrors.Wrap(err, cerrors.CodeStoreUnavailable, "failed to link secret file")
	}

	return nil
}

func writeSecretFile(f *os.File, value string) error {
	defer f.Close()

	if err := f.Chmod(SecretFileMode); err != nil {
		return cerrors.Wrap(err, cerrors.CodeStoreUnavailable, "failed to set secret file permissions")
	}
	if _, err := f.WriteString(value); err != nil {
		return cerrors.Wrap(err, cerrors.CodeStoreUnavailable, "failed to write temporary secret file")
	}
	if err := f.Sync(); err != nil {
		return cerrors.Wrap(err, cerrors.CodeStoreUnavailable, "failed to sync temporary secret file")
	}

	return f.Close()
}

// Dir returns the backing directory (for logging/debugging).
func (s *FileSecretSource) Dir() string {
	return s.dir
}

func (s *FileSecretSource) path(name string) (string, error) {
	if name == "" || strings.ContainsAny(name, `/\`) || strings.HasPrefix(name, ".") {
		return "", cerrors.InvalidArgument(fmt.Sprintf("invalid secret name %q", name))
	}

	return filepath.Join(s.dir, name+SecretFileSuffix), nil
}
