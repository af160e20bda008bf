package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newSeedCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Provision, reveal and revoke recovery seeds",
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "provision <network> <address>",
			Short: "Store the mnemonic read from stdin for address",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				engine, err := c.custody()
				if err != nil {
					return err
				}

				mnemonic, err := readSecretInput(cmd.InOrStdin())
				if err != nil {
					return err
				}

				_, err = engine.Wallets.ProvisionSeed(cmd.Context(), args[1], args[0], mnemonic)

				return err
			},
		},
		&cobra.Command{
			Use:   "reveal <network> <address>",
			Short: "Print the mnemonic; this succeeds only once per seed",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				engine, err := c.custody()
				if err != nil {
					return err
				}

				mnemonic, err := engine.Wallets.RevealSeed(cmd.Context(), args[1], args[0])
				if err != nil {
					return err
				}
				defer mnemonic.Destroy()

				_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s\n", mnemonic.Bytes())

				return err
			},
		},
		&cobra.Command{
			Use:   "status <network> <address>",
			Short: "Show whether a seed was revealed or revoked",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				engine, err := c.custody()
				if err != nil {
					return err
				}

				status, err := engine.Wallets.SeedStatus(cmd.Context(), args[1], args[0])
				if err != nil {
					return err
				}

				shownAt := "-"
				if status.ShownAt != nil {
					shownAt = status.ShownAt.Format(time.RFC3339)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "shown=%t shown_at=%s revoked=%t\n", status.Shown, shownAt, status.Revoked)

				return nil
			},
		},
		&cobra.Command{
			Use:   "revoke <network> <address>",
			Short: "Revoke a seed so it can no longer be revealed",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				engine, err := c.custody()
				if err != nil {
					return err
				}

				return engine.Wallets.RevokeSeed(cmd.Context(), args[1], args[0])
			},
		},
		&cobra.Command{
			Use:   "history <network> <address>",
			Short: "List the revoked seeds replaced by later provisioning",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				engine, err := c.custody()
				if err != nil {
					return err
				}

				history, err := engine.Wallets.SeedHistory(cmd.Context(), args[1], args[0])
				if err != nil {
					return err
				}

				for _, status := range history {
					fmt.Fprintf(cmd.OutOrStdout(), "created_at=%s shown=%t revoked=%t\n",
						status.CreatedAt.Format(time.RFC3339), status.Shown, status.Revoked)
				}

				return nil
			},
		},
	)

	return cmd
}
