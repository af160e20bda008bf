package crypto

import (
	"encoding/base64"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	cerrors "github.com/dueldanov/custody/internal/errors"
)

func newTestCipher(t *testing.T) (*EnvelopeCipher, *DataKeyManager) {
	t.Helper()

	keys, err := NewDataKeyManager(testKey(10))
	require.NoError(t, err)

	return NewEnvelopeCipher(keys), keys
}

// mutateEnvelope decodes enc, applies fn to the JSON fields and re-encodes.
func mutateEnvelope(t *testing.T, enc string, fn func(env *Envelope)) string {
	t.Helper()

	env, err := ParseEnvelope(enc)
	require.NoError(t, err)
	fn(env)

	out, err := env.Encode()
	require.NoError(t, err)

	return out
}

func flipBase64Bit(t *testing.T, field string, bit int) string {
	t.Helper()

	raw, err := base64.StdEncoding.DecodeString(field)
	require.NoError(t, err)
	raw[bit/8%len(raw)] ^= 1 << (bit % 8)

	return base64.StdEncoding.EncodeToString(raw)
}

func TestEnvelopeRoundTrip(t *testing.T) {
	cipher, keys := newTestCipher(t)

	dk, err := keys.GenerateDataKey()
	require.NoError(t, err)
	defer dk.Destroy()

	for _, plaintext := range [][]byte{{}, []byte("k"), []byte(strings.Repeat("private-key-", 40))} {
		enc, err := cipher.Encrypt(plaintext, EncryptOptions{
			DataKey:        dk.Plaintext.Bytes(),
			KeyID:          dk.KeyID,
			WrappedDataKey: dk.Wrapped,
		})
		require.NoError(t, err)
		require.True(t, strings.HasPrefix(enc, EnvelopePrefix))

		out, err := cipher.Decrypt(enc, DecryptOptions{})
		require.NoError(t, err)
		require.Equal(t, string(plaintext), string(out))
	}
}

func TestEnvelopeWireFormat(t *testing.T) {
	cipher, _ := newTestCipher(t)

	enc, err := cipher.EncryptWithNewKey([]byte("payload"), []byte("user-1"))
	require.NoError(t, err)

	body, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(enc, EnvelopePrefix))
	require.NoError(t, err)

	var fields map[string]interface{}
	require.NoError(t, json.Unmarshal(body, &fields))
	require.EqualValues(t, 1, fields["v"])
	require.Equal(t, AlgorithmAEAD256, fields["alg"])
	require.Equal(t, true, fields["aad"])
	for _, name := range []string{"keyId", "wrappedDataKey", "iv", "tag", "ciphertext"} {
		require.NotEmpty(t, fields[name], name)
	}

	iv, err := base64.StdEncoding.DecodeString(fields["iv"].(string))
	require.NoError(t, err)
	require.Len(t, iv, NonceSize)

	tag, err := base64.StdEncoding.DecodeString(fields["tag"].(string))
	require.NoError(t, err)
	require.Len(t, tag, TagSize)
}

// TestEnvelopeAADScenario encrypts a 32-byte secret bound to one user and
// checks another user's context cannot open it.
func TestEnvelopeAADScenario(t *testing.T) {
	cipher, _ := newTestCipher(t)

	secret := []byte("correct horse battery staple....")
	require.Len(t, secret, 32)

	enc, err := cipher.EncryptWithNewKey(secret, []byte("user-42"))
	require.NoError(t, err)

	out, err := cipher.Decrypt(enc, DecryptOptions{AAD: []byte("user-42")})
	require.NoError(t, err)
	require.Equal(t, secret, out)

	_, err = cipher.Decrypt(enc, DecryptOptions{AAD: []byte("user-43")})
	require.ErrorIs(t, err, cerrors.ErrAuthentication)

	_, err = cipher.Decrypt(enc, DecryptOptions{})
	require.ErrorIs(t, err, cerrors.ErrAuthentication)
}

func TestEnvelopeTamperDetection(t *testing.T) {
	cipher, _ := newTestCipher(t)

	enc, err := cipher.EncryptWithNewKey([]byte("wallet private key material"), nil)
	require.NoError(t, err)

	_, otherKeys := newTestCipher(t)
	otherDK, err := otherKeys.GenerateDataKey()
	require.NoError(t, err)
	defer otherDK.Destroy()

	testCases := []struct {
		name   string
		modify func(env *Envelope)
	}{
		{"ciphertext bit", func(env *Envelope) { env.Ciphertext = flipBase64Bit(t, env.Ciphertext, 13) }},
		{"tag bit", func(env *Envelope) { env.Tag = flipBase64Bit(t, env.Tag, 100) }},
		{"iv bit", func(env *Envelope) { env.IV = flipBase64Bit(t, env.IV, 7) }},
		{"key id", func(env *Envelope) { env.KeyID = "another-key" }},
		{"aad flag", func(env *Envelope) { env.AAD = true }},
		{"wrapped key swapped", func(env *Envelope) { env.WrappedDataKey = otherDK.Wrapped }},
		{"wrapped key bit", func(env *Envelope) { env.WrappedDataKey = flipBase64Bit(t, env.WrappedDataKey, 40) }},
		{"iv not base64", func(env *Envelope) { env.IV = "***" }},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			tampered := mutateEnvelope(t, enc, tc.modify)

			out, err := cipher.Decrypt(tampered, DecryptOptions{})
			require.Nil(t, out)
			require.ErrorIs(t, err, cerrors.ErrAuthentication)
			require.Equal(t, cerrors.Authentication().Error(), err.Error())
		})
	}
}

func TestEnvelopeWrongDataKey(t *testing.T) {
	cipher, keys := newTestCipher(t)

	enc, err := cipher.EncryptWithNewKey([]byte("data"), nil)
	require.NoError(t, err)

	other, err := keys.GenerateDataKey()
	require.NoError(t, err)
	defer other.Destroy()

	_, err = cipher.Decrypt(enc, DecryptOptions{DataKey: other.Plaintext.Bytes()})
	require.ErrorIs(t, err, cerrors.ErrAuthentication)

	_, err = cipher.Decrypt(enc, DecryptOptions{WrappedDataKey: other.Wrapped})
	require.ErrorIs(t, err, cerrors.ErrAuthentication)
}

func TestEnvelopeWrongMasterKey(t *testing.T) {
	cipher, _ := newTestCipher(t)

	enc, err := cipher.EncryptWithNewKey([]byte("data"), nil)
	require.NoError(t, err)

	otherKeys, err := NewDataKeyManager(testKey(99))
	require.NoError(t, err)

	_, err = NewEnvelopeCipher(otherKeys).Decrypt(enc, DecryptOptions{})
	require.ErrorIs(t, err, cerrors.ErrAuthentication)
}

func TestEnvelopeUnsupportedFormat(t *testing.T) {
	cipher, _ := newTestCipher(t)

	for _, input := range []string{
		"",
		"plain text",
		"v2:" + base64.StdEncoding.EncodeToString([]byte(`{"v":2}`)),
		"v1:not-base64!!",
		"v1:" + base64.StdEncoding.EncodeToString([]byte(`{"v":2,"alg":"aead-256"}`)),
		"v1:" + base64.StdEncoding.EncodeToString([]byte(`{"v":1,"alg":"rot13"}`)),
	} {
		_, err := cipher.Decrypt(input, DecryptOptions{})
		require.ErrorIs(t, err, cerrors.ErrUnsupportedFormat, "input %q", input)
	}
}

func TestEnvelopeLegacyFallback(t *testing.T) {
	cipher, _ := newTestCipher(t)

	var seen string
	legacy := func(encoded string) ([]byte, error) {
		seen = encoded
		return []byte("legacy plaintext"), nil
	}

	out, err := cipher.Decrypt("old-scheme:abcdef", DecryptOptions{Legacy: legacy})
	require.NoError(t, err)
	require.Equal(t, "legacy plaintext", string(out))
	require.Equal(t, "old-scheme:abcdef", seen)

	migrated, err := cipher.Reencrypt("old-scheme:abcdef", DecryptOptions{Legacy: legacy, AAD: []byte("ctx")})
	require.NoError(t, err)

	out, err = cipher.Decrypt(migrated, DecryptOptions{AAD: []byte("ctx")})
	require.NoError(t, err)
	require.Equal(t, "legacy plaintext", string(out))
}

func TestEnvelopeRequiresMasterKey(t *testing.T) {
	cipher := NewEnvelopeCipher(nil)

	_, err := cipher.EncryptWithNewKey([]byte("x"), nil)
	require.ErrorIs(t, err, cerrors.ErrConfiguration)

	withKey, _ := newTestCipher(t)
	enc, err := withKey.EncryptWithNewKey([]byte("x"), nil)
	require.NoError(t, err)

	_, err = cipher.Decrypt(enc, DecryptOptions{})
	require.ErrorIs(t, err, cerrors.ErrConfiguration)
}

func TestDataKeyManager(t *testing.T) {
	_, err := NewDataKeyManager(nil)
	require.ErrorIs(t, err, cerrors.ErrConfiguration)

	keys, err := NewDataKeyManager(testKey(5))
	require.NoError(t, err)

	dk, err := keys.GenerateDataKey()
	require.NoError(t, err)
	require.NotEmpty(t, dk.KeyID)
	require.Equal(t, KeySize, dk.Plaintext.Len())

	unwrapped, err := keys.Unwrap(dk.Wrapped)
	require.NoError(t, err)
	require.Equal(t, dk.Plaintext.Bytes(), unwrapped.Bytes())
	unwrapped.Destroy()

	_, err = keys.Unwrap(flipBase64Bit(t, dk.Wrapped, 200))
	require.ErrorIs(t, err, cerrors.ErrAuthentication)

	_, err = keys.Unwrap("%%%")
	require.ErrorIs(t, err, cerrors.ErrAuthentication)

	rewrapped, err := keys.Wrap(dk.Plaintext.Bytes())
	require.NoError(t, err)
	require.NotEqual(t, dk.Wrapped, rewrapped)

	dk.Destroy()
	require.True(t, dk.Plaintext.Destroyed())

	keys.Close()
	_, err = keys.Unwrap(rewrapped)
	require.ErrorIs(t, err, cerrors.ErrConfiguration)
	_, err = keys.GenerateDataKey()
	require.ErrorIs(t, err, cerrors.ErrConfiguration)
}
