package crypto

import (
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"strings"

	cerrors "github.com/dueldanov/custody/internal/errors"
)

const (
	EnvelopeVersion  = 1
	EnvelopePrefix   = "v1:"
	AlgorithmAEAD256 = "aead-256"
)

// Envelope is the self-describing form of one enveloped secret.
//
// Every header field is bound into the authentication tag together with the
// caller's associated data, so changing any field fails verification.
type Envelope struct {
	Version        int    `json:"v"`
	Algorithm      string `json:"alg"`
	KeyID          string `json:"keyId"`
	WrappedDataKey string `json:"wrappedDataKey"`
	IV             string `json:"iv"`
	Tag            string `json:"tag"`
	Ciphertext     string `json:"ciphertext"`
	AAD            bool   `json:"aad,omitempty"`
}

// Encode serializes the envelope as "v1:" + base64(json).
func (e *Envelope) Encode() (string, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return "", cerrors.Wrap(err, cerrors.CodeInternal, "failed to encode envelope")
	}

	return EnvelopePrefix + base64.StdEncoding.EncodeToString(data), nil
}

// ParseEnvelope parses an encoded envelope. Anything that is not a v1
// envelope is an unsupported format.
func ParseEnvelope(encoded string) (*Envelope, error) {
	if !strings.HasPrefix(encoded, EnvelopePrefix) {
		return nil, cerrors.UnsupportedFormat("missing envelope version tag")
	}

	data, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(encoded, EnvelopePrefix))
	if err != nil {
		return nil, cerrors.UnsupportedFormat("envelope body is not base64")
	}

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, cerrors.UnsupportedFormat("envelope body is not a v1 envelope")
	}

	if env.Version != EnvelopeVersion || env.Algorithm != AlgorithmAEAD256 {
		return nil, cerrors.UnsupportedFormat("unrecognized envelope version or algorithm")
	}

	return &env, nil
}

// boundAAD is the associated data actually fed to the AEAD: every header
// field length-prefixed, followed by the caller's associated data.
func (e *Envelope) boundAAD(aad []byte) []byte {
	flag := "0"
	if e.AAD {
		flag = "1"
	}

	fields := [][]byte{
		{byte(e.Version)},
		[]byte(e.Algorithm),
		[]byte(e.KeyID),
		[]byte(e.WrappedDataKey),
		[]byte(flag),
		aad,
	}

	size := 0
	for _, f := range fields {
		size += 4 + len(f)
	}

	out := make([]byte, 0, size)
	for _, f := range fields {
		out = binary.BigEndian.AppendUint32(out, uint32(len(f)))
		out = append(out, f...)
	}

	return out
}

// LegacyDecryptFunc decrypts a secret written by a retired scheme.
type LegacyDecryptFunc func(encoded string) ([]byte, error)

// EncryptOptions carries the data key for one Encrypt call.
type EncryptOptions struct {
	DataKey        []byte
	KeyID          string
	WrappedDataKey string
	AAD            []byte
}

// DecryptOptions controls how the data key is resolved on Decrypt.
//
// DataKey, when set, is used directly (keyring path). Otherwise the wrapped
// data key (WrappedDataKey, or the one recorded in the envelope) is
// unwrapped under the master key.
type DecryptOptions struct {
	DataKey        []byte
	WrappedDataKey string
	AAD            []byte
	Legacy         LegacyDecryptFunc
}

// EnvelopeCipher encrypts secrets under per-secret data keys.
type EnvelopeCipher struct {
	keys *DataKeyManager
}

// NewEnvelopeCipher creates a cipher; keys may be nil when every call
// supplies its plaintext data key.
func NewEnvelopeCipher(keys *DataKeyManager) *EnvelopeCipher {
	return &EnvelopeCipher{keys: keys}
}

// Scheme reports SchemeEnveloped.
func (c *EnvelopeCipher) Scheme() EncryptionScheme {
	return SchemeEnveloped
}

// Encrypt seals plaintext under opts.DataKey and returns the encoded envelope.
func (c *EnvelopeCipher) Encrypt(plaintext []byte, opts EncryptOptions) (string, error) {
	if opts.KeyID == "" {
		return "", cerrors.InvalidArgument("key id is required")
	}

	aead, err := NewAEAD(opts.DataKey)
	if err != nil {
		return "", err
	}

	env := &Envelope{
		Version:        EnvelopeVersion,
		Algorithm:      AlgorithmAEAD256,
		KeyID:          opts.KeyID,
		WrappedDataKey: opts.WrappedDataKey,
		AAD:            len(opts.AAD) > 0,
	}

	sealed, err := aead.Seal(plaintext, env.boundAAD(opts.AAD))
	if err != nil {
		return "", err
	}

	env.IV = base64.StdEncoding.EncodeToString(sealed.Nonce)
	env.Tag = base64.StdEncoding.EncodeToString(sealed.Tag)
	env.Ciphertext = base64.StdEncoding.EncodeToString(sealed.Ciphertext)

	return env.Encode()
}

// EncryptWithNewKey generates a data key, encrypts plaintext with it and
// erases the plaintext data key before returning.
func (c *EnvelopeCipher) EncryptWithNewKey(plaintext, aad []byte) (string, error) {
	if c.keys == nil {
		return "", cerrors.Configuration("no master key configured for envelope encryption")
	}

	dk, err := c.keys.GenerateDataKey()
	if err != nil {
		return "", err
	}
	defer dk.Destroy()

	return c.Encrypt(plaintext, EncryptOptions{
		DataKey:        dk.Plaintext.Bytes(),
		KeyID:          dk.KeyID,
		WrappedDataKey: dk.Wrapped,
		AAD:            aad,
	})
}

// Decrypt verifies and decrypts an encoded envelope.
//
// Input without a recognized version tag goes to opts.Legacy when set and
// is an unsupported format otherwise. Tamper, a wrong data key and wrong
// associated data all yield the same authentication error.
func (c *EnvelopeCipher) Decrypt(encoded string, opts DecryptOptions) ([]byte, error) {
	env, err := ParseEnvelope(encoded)
	if err != nil {
		if opts.Legacy != nil {
			return opts.Legacy(encoded)
		}
		return nil, err
	}

	dataKey := opts.DataKey
	if dataKey == nil {
		if c.keys == nil {
			return nil, cerrors.Configuration("no master key configured for envelope decryption")
		}

		wrapped := opts.WrappedDataKey
		if wrapped == "" {
			wrapped = env.WrappedDataKey
		}

		buf, err := c.keys.Unwrap(wrapped)
		if err != nil {
			return nil, err
		}
		defer buf.Destroy()

		dataKey = buf.Bytes()
	}

	aead, err := NewAEAD(dataKey)
	if err != nil {
		return nil, cerrors.Authentication()
	}

	sealed, err := env.sealed()
	if err != nil {
		return nil, err
	}

	return aead.Open(sealed, env.boundAAD(opts.AAD))
}

// Reencrypt decrypts encoded (legacy input included) and encrypts the
// plaintext again under a fresh data key.
func (c *EnvelopeCipher) Reencrypt(encoded string, opts DecryptOptions) (string, error) {
	plaintext, err := c.Decrypt(encoded, opts)
	if err != nil {
		return "", err
	}
	defer ClearBytes(plaintext)

	return c.EncryptWithNewKey(plaintext, opts.AAD)
}

func (e *Envelope) sealed() (*Sealed, error) {
	nonce, err := base64.StdEncoding.DecodeString(e.IV)
	if err != nil {
		return nil, cerrors.Authentication()
	}

	tag, err := base64.StdEncoding.DecodeString(e.Tag)
	if err != nil {
		return nil, cerrors.Authentication()
	}

	ciphertext, err := base64.StdEncoding.DecodeString(e.Ciphertext)
	if err != nil {
		return nil, cerrors.Authentication()
	}

	return &Sealed{Nonce: nonce, Tag: tag, Ciphertext: ciphertext}, nil
}
