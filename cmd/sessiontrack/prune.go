package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/wesm/sessiontrack/internal/config"
	"github.com/wesm/sessiontrack/internal/tracking"
)

// PruneConfig holds parsed prune options.
type PruneConfig struct {
	Before time.Time
	DryRun bool
	Yes    bool
}

func parsePruneDate(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, errors.New("--before is required")
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}, fmt.Errorf(
			"invalid --before date %q: use YYYY-MM-DD", s,
		)
	}
	return t, nil
}

// Pruner removes old history from a store.
type Pruner struct {
	Store tracking.Pruner
	Out   io.Writer
	In    io.Reader
}

// Prune counts what would be removed, asks for confirmation unless
// cfg.Yes is set, then deletes.
func (p *Pruner) Prune(ctx context.Context, cfg PruneConfig) error {
	found, err := p.Store.Prune(ctx, cfg.Before, true)
	if err != nil {
		return fmt.Errorf("counting prune candidates: %w", err)
	}

	day := cfg.Before.Format("2006-01-02")
	fmt.Fprintf(p.Out,
		"Found %d ended sessions and %d page visits before %s\n",
		found.Sessions, found.Visits, day,
	)
	if found.Sessions == 0 && found.Visits == 0 {
		return nil
	}
	if cfg.DryRun {
		fmt.Fprintln(p.Out, "Dry run: no changes made.")
		return nil
	}

	if !cfg.Yes && !confirm(p.In, p.Out, "\nDelete them?") {
		fmt.Fprintln(p.Out, "Aborted.")
		return nil
	}

	deleted, err := p.Store.Prune(ctx, cfg.Before, false)
	if err != nil {
		return fmt.Errorf("pruning: %w", err)
	}
	fmt.Fprintf(p.Out, "Deleted %d sessions and %d page visits\n",
		deleted.Sessions, deleted.Visits)
	return nil
}

func confirm(r io.Reader, w io.Writer, msg string) bool {
	fmt.Fprintf(w, "%s [y/N] ", msg)
	scanner := bufio.NewScanner(r)
	scanner.Scan()
	ans := strings.ToLower(strings.TrimSpace(scanner.Text()))
	return ans == "y" || ans == "yes"
}

func newPruneCmd() *cobra.Command {
	var (
		before string
		cfg    PruneConfig
	)
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete ended sessions and page visits before a date",
		Long: `Delete ended sessions created before --before and page
visits recorded before it. Open sessions are never removed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			t, err := parsePruneDate(before)
			if err != nil {
				return err
			}
			cfg.Before = t

			appCfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			store, closeStore, err := openStore(cmd.Context(), appCfg)
			if err != nil {
				return err
			}
			defer closeStore()

			pr, ok := store.(tracking.Pruner)
			if !ok {
				return fmt.Errorf("store %s does not support pruning", appCfg.Store)
			}
			p := &Pruner{
				Store: pr,
				Out:   cmd.OutOrStdout(),
				In:    cmd.InOrStdin(),
			}
			return p.Prune(cmd.Context(), cfg)
		},
	}
	config.RegisterStoreFlags(cmd.Flags())
	cmd.Flags().StringVar(&before, "before", "",
		"Remove history before this date (YYYY-MM-DD)")
	cmd.Flags().BoolVar(&cfg.DryRun, "dry-run", false,
		"Show what would be pruned without deleting")
	cmd.Flags().BoolVar(&cfg.Yes, "yes", false,
		"Skip confirmation prompt")
	return cmd
}
