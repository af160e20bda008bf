package main

import (
	"bytes"
	"encoding/hex"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dueldanov/custody/internal/config"
	"github.com/dueldanov/custody/internal/crypto"
	"github.com/dueldanov/custody/internal/daemon"
	cerrors "github.com/dueldanov/custody/internal/errors"
)

func newMasterKeyCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "masterkey",
		Short: "Provision and check the wallet and KMS master keys",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Provision missing master keys into the secret source",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.container.Invoke(func(keys *daemon.MasterKeys) error {
				defer keys.Close()

				for _, store := range []struct {
					name string
					keys *crypto.MasterKeyStore
				}{
					{c.cfg.Custody.Name, keys.Wallet},
					{c.cfg.KMS.Name, keys.KMS},
				} {
					key, err := store.keys.Load(cmd.Context())
					if err != nil {
						return err
					}
					crypto.ClearBytes(key)
					fmt.Fprintf(cmd.OutOrStdout(), "%s: ready\n", store.name)
				}

				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "check",
		Short: "Verify both master keys resolve without provisioning them",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.container.Invoke(func(cfg *config.Config, source crypto.SecretSource) error {
				walletKey, err := resolveMasterKey(cmd, source, cfg.Custody)
				if err != nil {
					return err
				}
				defer crypto.ClearBytes(walletKey)

				kmsKey, err := resolveMasterKey(cmd, source, cfg.KMS.MasterKeyConfig)
				if err != nil {
					return err
				}
				defer crypto.ClearBytes(kmsKey)

				if bytes.Equal(walletKey, kmsKey) {
					return cerrors.Configuration("wallet and kms master keys are identical")
				}
				fmt.Fprintln(cmd.OutOrStdout(), "master keys ok")

				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "generate",
		Short: "Print a fresh random master key in hex for use in configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			key, err := crypto.GenerateKey()
			if err != nil {
				return err
			}
			defer crypto.ClearBytes(key)

			fmt.Fprintln(cmd.OutOrStdout(), hex.EncodeToString(key))

			return nil
		},
	})

	return cmd
}

func resolveMasterKey(cmd *cobra.Command, source crypto.SecretSource, cfg config.MasterKeyConfig) ([]byte, error) {
	origin := "configuration"
	encoded := cfg.MasterKey
	if encoded == "" {
		origin = "secret source"
		value, err := source.Get(cmd.Context(), cfg.Name)
		if err != nil {
			if cerrors.Is(err, crypto.ErrSecretNotFound) {
				return nil, cerrors.Configuration(cfg.Name + " is not provisioned; run masterkey init")
			}
			return nil, err
		}
		encoded = value
	}

	key, err := crypto.ParseMasterKey(encoded)
	if err != nil {
		return nil, err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s: valid (%s)\n", cfg.Name, origin)

	return key, nil
}
