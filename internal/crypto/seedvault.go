package crypto

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"strings"

	cerrors "github.com/dueldanov/custody/internal/errors"
)

const SeedVersion = "v1"

// EncryptedSeed is the structured on-disk form of a recovery mnemonic.
//
// It also unmarshals from the legacy string form
// "v1:" + base64(iv ‖ tag ‖ ciphertext), so records written by either
// shape decode into the same value.
type EncryptedSeed struct {
	Ciphertext string `json:"ciphertext"`
	IV         string `json:"iv"`
	Tag        string `json:"tag"`
	Version    string `json:"v"`
}

// UnmarshalJSON accepts both the structured object and the legacy string.
func (s *EncryptedSeed) UnmarshalJSON(data []byte) error {
	parsed, err := ParseSeedPayload(data)
	if err != nil {
		return err
	}
	*s = *parsed

	return nil
}

// ParseSeedPayload detects the stored seed shape and returns it in the
// structured form. raw is either a JSON object, a JSON string, or the bare
// legacy string.
func ParseSeedPayload(raw []byte) (*EncryptedSeed, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, cerrors.UnsupportedFormat("empty seed payload")
	}

	switch trimmed[0] {
	case '{':
		type plain EncryptedSeed
		var p plain
		if err := json.Unmarshal(trimmed, &p); err != nil {
			return nil, cerrors.UnsupportedFormat("seed payload is not a structured seed")
		}
		if p.Version != SeedVersion {
			return nil, cerrors.UnsupportedFormat("unrecognized seed version")
		}
		s := EncryptedSeed(p)

		return &s, nil

	case '"':
		var legacy string
		if err := json.Unmarshal(trimmed, &legacy); err != nil {
			return nil, cerrors.UnsupportedFormat("seed payload is not a legacy seed string")
		}

		return parseLegacySeed(legacy)

	default:
		return parseLegacySeed(string(trimmed))
	}
}

func parseLegacySeed(encoded string) (*EncryptedSeed, error) {
	if !strings.HasPrefix(encoded, EnvelopePrefix) {
		return nil, cerrors.UnsupportedFormat("missing seed version tag")
	}

	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(encoded, EnvelopePrefix))
	if err != nil {
		return nil, cerrors.UnsupportedFormat("legacy seed body is not base64")
	}

	sealed, err := UnpackSealed(raw)
	if err != nil {
		return nil, err
	}

	return &EncryptedSeed{
		Ciphertext: base64.StdEncoding.EncodeToString(sealed.Ciphertext),
		IV:         base64.StdEncoding.EncodeToString(sealed.Nonce),
		Tag:        base64.StdEncoding.EncodeToString(sealed.Tag),
		Version:    SeedVersion,
	}, nil
}

// SeedVault encrypts recovery mnemonics directly under its master key, with
// no per-secret data key. It is a separate trust path from EnvelopeCipher and
// rotating the envelope keys never touches it.
type SeedVault struct {
	aead *AEAD
}

// NewSeedVault creates a vault for masterKey. The vault does not retain
// masterKey.
func NewSeedVault(masterKey []byte) (*SeedVault, error) {
	if len(masterKey) != KeySize {
		return nil, cerrors.Configuration("seed master key must be exactly 32 bytes")
	}

	aead, err := NewAEAD(masterKey)
	if err != nil {
		return nil, cerrors.Wrap(err, cerrors.CodeConfiguration, "invalid seed master key")
	}

	return &SeedVault{aead: aead}, nil
}

// Scheme reports SchemeDirect.
func (v *SeedVault) Scheme() EncryptionScheme {
	return SchemeDirect
}

// Encrypt seals a mnemonic into the structured form.
func (v *SeedVault) Encrypt(mnemonic []byte) (*EncryptedSeed, error) {
	sealed, err := v.aead.Seal(mnemonic, nil)
	if err != nil {
		return nil, err
	}

	return &EncryptedSeed{
		Ciphertext: base64.StdEncoding.EncodeToString(sealed.Ciphertext),
		IV:         base64.StdEncoding.EncodeToString(sealed.Nonce),
		Tag:        base64.StdEncoding.EncodeToString(sealed.Tag),
		Version:    SeedVersion,
	}, nil
}

// EncryptLegacy seals a mnemonic into the legacy string form.
func (v *SeedVault) EncryptLegacy(mnemonic []byte) (string, error) {
	sealed, err := v.aead.Seal(mnemonic, nil)
	if err != nil {
		return "", err
	}

	return EnvelopePrefix + base64.StdEncoding.EncodeToString(sealed.Packed()), nil
}

// Decrypt verifies and decrypts a structured seed.
func (v *SeedVault) Decrypt(seed *EncryptedSeed) ([]byte, error) {
	if seed == nil {
		return nil, cerrors.InvalidArgument("seed is nil")
	}
	if seed.Version != SeedVersion {
		return nil, cerrors.UnsupportedFormat("unrecognized seed version")
	}

	nonce, err := base64.StdEncoding.DecodeString(seed.IV)
	if err != nil {
		return nil, cerrors.Authentication()
	}
	tag, err := base64.StdEncoding.DecodeString(seed.Tag)
	if err != nil {
		return nil, cerrors.Authentication()
	}
	ciphertext, err := base64.StdEncoding.DecodeString(seed.Ciphertext)
	if err != nil {
		return nil, cerrors.Authentication()
	}

	return v.aead.Open(&Sealed{Nonce: nonce, Tag: tag, Ciphertext: ciphertext}, nil)
}

// DecryptPayload detects the stored shape of raw and decrypts it.
func (v *SeedVault) DecryptPayload(raw []byte) ([]byte, error) {
	seed, err := ParseSeedPayload(raw)
	if err != nil {
		return nil, err
	}

	return v.Decrypt(seed)
}
