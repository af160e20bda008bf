package crypto

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"strings"
)

// EncryptionScheme tags which custody path protects a stored secret.
//
// The two schemes are separate trust domains: enveloped secrets rotate with
// their data keys, direct secrets (recovery seeds) only with their master key.
type EncryptionScheme uint8

const (
	SchemeUnknown EncryptionScheme = iota
	// SchemeEnveloped is a per-secret data key wrapped under the master key.
	SchemeEnveloped
	// SchemeDirect is encryption directly under the master key.
	SchemeDirect
)

func (s EncryptionScheme) String() string {
	switch s {
	case SchemeEnveloped:
		return "enveloped"
	case SchemeDirect:
		return "direct"
	default:
		return "unknown"
	}
}

// DetectScheme inspects a stored blob without decrypting it.
func DetectScheme(blob []byte) EncryptionScheme {
	trimmed := bytes.TrimSpace(blob)
	if len(trimmed) == 0 {
		return SchemeUnknown
	}

	if trimmed[0] == '{' {
		if _, err := ParseSeedPayload(trimmed); err == nil {
			return SchemeDirect
		}
		return SchemeUnknown
	}

	encoded := string(trimmed)
	if trimmed[0] == '"' {
		if err := json.Unmarshal(trimmed, &encoded); err != nil {
			return SchemeUnknown
		}
	}

	if !strings.HasPrefix(encoded, EnvelopePrefix) {
		return SchemeUnknown
	}

	if _, err := ParseEnvelope(encoded); err == nil {
		return SchemeEnveloped
	}

	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(encoded, EnvelopePrefix))
	if err != nil || len(raw) < NonceSize+TagSize {
		return SchemeUnknown
	}

	return SchemeDirect
}
