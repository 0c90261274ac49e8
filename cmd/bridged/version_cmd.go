package main

import (
	"fmt"

	"github.com/spf13/cobra"

	bridged "github.com/scriptbridge/bridged"
)

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the bridged version",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "bridged %s\n", bridged.Version)
			return err
		},
	}
}
