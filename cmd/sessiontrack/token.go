package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/wesm/sessiontrack/internal/auth"
	"github.com/wesm/sessiontrack/internal/config"
)

// newTokenCmd issues a bearer token signed with the configured
// secret, for scripts and manual testing.
func newTokenCmd() *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token <user>",
		Short: "Issue a signed bearer token for a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if ttl <= 0 {
				return fmt.Errorf("--ttl must be positive, got %s", ttl)
			}
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			tok, err := auth.New(cfg.JWTSecret).Issue(args[0], ttl)
			if err != nil {
				return fmt.Errorf("issuing token: %w", err)
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), tok)
			return err
		},
	}
	config.RegisterStoreFlags(cmd.Flags())
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour,
		"Token lifetime")
	return cmd
}
