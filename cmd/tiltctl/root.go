package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "tiltctl",
		Short: "Offline tools for the tiltguard trade readiness gate",
		Long: "Scores a captured signal set without a server, database or hosted model,\n" +
			"and validates policy files before they are deployed.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newScoreCmd(), newPolicyCmd(), newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "tiltctl %s (%s)\n", Version, Commit)
		},
	}
}
