package cmd

import (
	"github.com/spf13/cobra"

	"github.com/crankbench/crank/internal/common/build"
)

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print agent version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			return build.Print(cmd.OutOrStdout())
		},
	}
}
