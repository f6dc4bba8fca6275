package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"pkt.systems/iprotod/internal/version"
)

func newVersionCommand() *cobra.Command {
	var banner bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print the iprotod version",
		RunE: func(cmd *cobra.Command, args []string) error {
			if banner {
				_, err := fmt.Fprintln(cmd.OutOrStdout(), version.Banner())
				return err
			}
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", version.Module(), version.Current())
			return err
		},
	}
	cmd.Flags().BoolVar(&banner, "banner", false, "print only the version advertised in the greeting")
	return cmd
}
