package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tonk/lesionseg"
)

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "lesionseg %s (commit %s, built %s)\n", lesionseg.Version, GitCommit, BuildTime)
		},
	}
}
