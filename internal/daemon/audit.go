package daemon

import (
	"strconv"

	"github.com/dueldanov/custody/internal/audit"
)

// attachAudit records every custody event on the audit trail.
func attachAudit(c *Custody) {
	trail := c.Audit

	c.Wallets.Events.KeyCreated.Hook(func(walletID string) {
		trail.Record(audit.CategoryWalletKey, "created", walletID, nil)
	})
	c.Wallets.Events.SeedRevealed.Hook(func(network, address string) {
		trail.Record(audit.CategorySeed, "revealed", network+"/"+address, nil)
	})
	c.Wallets.Events.SeedRevoked.Hook(func(network, address string) {
		trail.Record(audit.CategorySeed, "revoked", network+"/"+address, nil)
	})

	c.Keyring.Events.KeyRotated.Hook(func(previous, current string) {
		trail.Record(audit.CategoryKeyring, "rotated", current, map[string]string{"previous": previous})
	})
	c.Keyring.Events.SecretExpired.Hook(func(name string) {
		trail.Record(audit.CategorySecret, "expired", name, nil)
	})

	c.Revocation.Events.SessionsRevoked.Hook(func(userID string, count int) {
		trail.Record(audit.CategorySession, "revoked_all", userID, map[string]string{"tokens": strconv.Itoa(count)})
	})
}
