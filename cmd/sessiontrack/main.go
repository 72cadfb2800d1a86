package main

import (
	"fmt"
	"os"
	_ "time/tzdata"

	"github.com/spf13/cobra"

	"github.com/wesm/sessiontrack/internal/config"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = ""
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "sessiontrack",
		Short: "Session time tracking and analytics service",
		Long: `sessiontrack records user session lifecycles (start, pause,
resume, end) and page visits per application, and serves
aggregated analytics over HTTP.

Data is stored in ~/.sessiontrack/ by default. Every flag can
also be set in <data-dir>/config.toml or through SESSIONTRACK_*
environment variables.`,
		SilenceUsage: true,
		RunE:         runServe,
	}
	config.RegisterServeFlags(root.Flags())

	root.AddCommand(
		newServeCmd(),
		newImportCmd(),
		newPruneCmd(),
		newTokenCmd(),
		newVersionCmd(),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(),
				"sessiontrack %s (commit %s, built %s)\n",
				version, commit, buildDate)
			return err
		},
	}
}
