package main

import (
	"encoding/hex"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dueldanov/custody/internal/crypto"
	cerrors "github.com/dueldanov/custody/internal/errors"
)

func newWalletCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "wallet",
		Short: "Import wallet private keys",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "import <wallet-id>",
		Short: "Encrypt and store the hex private key read from stdin",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := c.custody()
			if err != nil {
				return err
			}

			encoded, err := readSecretInput(cmd.InOrStdin())
			if err != nil {
				return err
			}
			defer crypto.ClearBytes(encoded)

			privateKey := make([]byte, hex.DecodedLen(len(encoded)))
			if _, err := hex.Decode(privateKey, encoded); err != nil {
				crypto.ClearBytes(privateKey)
				return cerrors.InvalidArgument("private key must be hex encoded")
			}

			record, err := engine.Wallets.CreateKey(cmd.Context(), args[0], privateKey)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "stored key for %s (data key %s)\n", record.WalletID, record.KeyID)

			return nil
		},
	})

	return cmd
}
