package wallet

import (
	"time"

	"github.com/dueldanov/custody/internal/crypto"
)

// KeyRecord is a wallet private key at rest. Envelope is bound to WalletID
// as associated data, so a record copied to another wallet does not decrypt.
type KeyRecord struct {
	WalletID  string    `json:"walletId"`
	Envelope  string    `json:"envelope"`
	KeyID     string    `json:"keyId"`
	CreatedAt time.Time `json:"createdAt"`
}

// SeedRecord is a recovery mnemonic at rest. SeedShownAt moves from nil to
// a timestamp exactly once; Revoked is a soft delete.
type SeedRecord struct {
	Address       string               `json:"address"`
	Network       string               `json:"network"`
	EncryptedSeed crypto.EncryptedSeed `json:"encryptedSeed"`
	SeedShownAt   *time.Time           `json:"seedShownAt"`
	Revoked       bool                 `json:"revoked"`
	CreatedAt     time.Time            `json:"createdAt"`
}

// SeedStatus describes a seed record without its ciphertext.
type SeedStatus struct {
	Address   string
	Network   string
	Shown     bool
	ShownAt   *time.Time
	Revoked   bool
	CreatedAt time.Time
}

func (r *SeedRecord) status() *SeedStatus {
	return &SeedStatus{
		Address:   r.Address,
		Network:   r.Network,
		Shown:     r.SeedShownAt != nil,
		ShownAt:   r.SeedShownAt,
		Revoked:   r.Revoked,
		CreatedAt: r.CreatedAt,
	}
}
