package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/wesm/sessiontrack/internal/config"
	"github.com/wesm/sessiontrack/internal/ingest"
	"github.com/wesm/sessiontrack/internal/tracking"
)

func newImportCmd() *cobra.Command {
	var strict bool
	cmd := &cobra.Command{
		Use:   "import <file>...",
		Short: "Replay event scripts into the store",
		Long: `Replay one or more event scripts. Each line is one directive:

  start  <app> <user> <time>
  pause  <app> <user> <time> [session_id]
  resume <app> <user> <time> [session_id]
  end    <app> <user> <time> [session_id]
  visit  <app> <user> <page> <timespent> [time]

Directives the service rejects are logged and skipped.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			store, closeStore, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer closeStore()

			runner := ingest.NewRunner(tracking.NewService(store,
				tracking.WithStoreTimeout(cfg.StoreTimeout),
			))
			out := cmd.OutOrStdout()
			var failed int
			for _, path := range args {
				res, err := runner.ImportFile(cmd.Context(), path)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "%s: %d applied, %d failed\n",
					path, res.Applied, res.Failed)
				failed += res.Failed
			}
			if strict && failed > 0 {
				return fmt.Errorf("%d directives failed", failed)
			}
			return nil
		},
	}
	config.RegisterStoreFlags(cmd.Flags())
	cmd.Flags().BoolVar(&strict, "strict", false,
		"Exit with an error if any directive is rejected")
	return cmd
}
