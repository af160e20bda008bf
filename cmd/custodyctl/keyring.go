package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func newKeyringCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keyring",
		Short: "Rotate and inspect the KMS keyring",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "rotate",
		Short: "Create a new active keyring key; older keys stay available for decryption",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			engine, err := c.custody()
			if err != nil {
				return err
			}

			keyID, err := engine.Keyring.Rotate(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), keyID)

			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List keyring keys",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			engine, err := c.custody()
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "KEY ID\tCREATED\tACTIVE")
			for _, key := range engine.Keyring.Keys() {
				fmt.Fprintf(w, "%s\t%s\t%t\n", key.KeyID, key.CreatedAt.Format(time.RFC3339), key.Active)
			}

			return w.Flush()
		},
	})

	return cmd
}
