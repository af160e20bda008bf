package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dueldanov/custody/internal/crypto"
	"github.com/dueldanov/custody/internal/kms"
)

func newSecretCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secret",
		Short: "Manage named KMS secrets",
	}

	var ttlDays int
	put := &cobra.Command{
		Use:   "put <name>",
		Short: "Store the value read from stdin under name",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := c.custody()
			if err != nil {
				return err
			}

			value, err := readSecretInput(cmd.InOrStdin())
			if err != nil {
				return err
			}
			defer crypto.ClearBytes(value)

			return engine.Keyring.StoreSecret(cmd.Context(), args[0], value, kms.SecretOptions{TTLDays: ttlDays})
		},
	}
	put.Flags().IntVar(&ttlDays, "ttl-days", 0, "lifetime in days (0 selects kms.default_ttl_days)")

	cmd.AddCommand(put,
		&cobra.Command{
			Use:   "get <name>",
			Short: "Print a secret",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				engine, err := c.custody()
				if err != nil {
					return err
				}

				value, err := engine.Keyring.GetSecretStrict(cmd.Context(), args[0])
				if err != nil {
					return err
				}

				return crypto.WithSecret(value, func(secret []byte) error {
					_, err := fmt.Fprintf(cmd.OutOrStdout(), "%s\n", secret)
					return err
				})
			},
		},
		&cobra.Command{
			Use:   "delete <name>",
			Short: "Delete a secret",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				engine, err := c.custody()
				if err != nil {
					return err
				}

				return engine.Keyring.DeleteSecret(cmd.Context(), args[0])
			},
		},
		&cobra.Command{
			Use:   "list",
			Short: "List the names of live secrets",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				engine, err := c.custody()
				if err != nil {
					return err
				}

				for _, name := range engine.Keyring.ListSecrets() {
					fmt.Fprintln(cmd.OutOrStdout(), name)
				}

				return nil
			},
		},
	)

	return cmd
}
