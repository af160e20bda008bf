package crypto

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSecretBufferDestroy(t *testing.T) {
	raw := []byte("super secret key material")
	buf := WrapSecret(raw)

	require.Equal(t, 25, buf.Len())
	copied := buf.Copy()
	require.Equal(t, "super secret key material", string(copied))

	buf.Destroy()
	require.True(t, buf.Destroyed())
	require.Nil(t, buf.Bytes())
	require.Nil(t, buf.Copy())
	require.Zero(t, buf.Len())
	require.Equal(t, make([]byte, len(raw)), raw)

	// Copies are independent of the buffer.
	require.Equal(t, "super secret key material", string(copied))

	buf.Destroy()
	var nilBuf *SecretBuffer
	nilBuf.Destroy()
}

func TestNewSecretBuffer(t *testing.T) {
	buf := NewSecretBuffer(KeySize)
	defer buf.Destroy()

	require.Equal(t, make([]byte, KeySize), buf.Bytes())
}

func TestClearBytes(t *testing.T) {
	b := []byte{1, 2, 3, 4}
	ClearBytes(b)
	require.Equal(t, []byte{0, 0, 0, 0}, b)

	ClearBytes(nil)
}

func TestWithSecretErasesOnError(t *testing.T) {
	raw := []byte("private key")
	errBoom := errors.New("boom")

	err := WithSecret(raw, func(secret []byte) error {
		require.Equal(t, "private key", string(secret))
		return errBoom
	})
	require.ErrorIs(t, err, errBoom)
	require.Equal(t, make([]byte, len(raw)), raw)
}

func TestWithSecretErasesOnPanic(t *testing.T) {
	raw := []byte("private key")

	require.Panics(t, func() {
		_ = WithSecret(raw, func([]byte) error {
			panic("signer failed")
		})
	})
	require.Equal(t, make([]byte, len(raw)), raw)
}
