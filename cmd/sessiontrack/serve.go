package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/wesm/sessiontrack/internal/config"
	"github.com/wesm/sessiontrack/internal/db"
	"github.com/wesm/sessiontrack/internal/ingest"
	"github.com/wesm/sessiontrack/internal/mongostore"
	"github.com/wesm/sessiontrack/internal/server"
	"github.com/wesm/sessiontrack/internal/tracking"
)

const (
	inboxDebounce   = 500 * time.Millisecond
	shutdownTimeout = 10 * time.Second
	connectTimeout  = 10 * time.Second
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server (default command)",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}
	config.RegisterServeFlags(cmd.Flags())
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(
		cmd.Context(), os.Interrupt, syscall.SIGTERM,
	)
	defer stop()

	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	if cfg.InboxDir != "" {
		stopInbox, err := startInbox(cfg, store)
		if err != nil {
			return err
		}
		defer stopInbox()
	}

	port := server.FindAvailablePort(cfg.Host, cfg.Port)
	if port != cfg.Port {
		fmt.Fprintf(cmd.OutOrStdout(),
			"Port %d in use, using %d\n", cfg.Port, port)
	}
	cfg.Port = port

	srv := server.New(cfg, store,
		server.WithVersion(server.VersionInfo{
			Version:   version,
			Commit:    commit,
			BuildDate: buildDate,
		}),
	)
	fmt.Fprintf(cmd.OutOrStdout(),
		"sessiontrack %s listening at http://%s:%d (store: %s)\n",
		version, cfg.Host, cfg.Port, cfg.Store)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}

	log.Println("shutting down")
	shutdownCtx, cancel := context.WithTimeout(
		context.Background(), shutdownTimeout,
	)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// loadConfig resolves configuration from the command's flags and
// makes sure the data directory exists.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	cfg, err := config.Load(cmd.Flags())
	if err != nil {
		return cfg, fmt.Errorf("loading config: %w", err)
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return cfg, fmt.Errorf("creating data dir: %w", err)
	}
	return cfg, nil
}

// openStore opens the configured backend. The returned func
// releases it.
func openStore(
	ctx context.Context, cfg config.Config,
) (tracking.Store, func(), error) {
	switch cfg.Store {
	case config.StoreMongo:
		cctx, cancel := context.WithTimeout(ctx, connectTimeout)
		defer cancel()
		ms, err := mongostore.Connect(cctx, cfg.MongoURL, cfg.MongoDatabase)
		if err != nil {
			return nil, nil, fmt.Errorf("opening mongo store: %w", err)
		}
		return ms, func() {
			dctx, cancel := context.WithTimeout(
				context.Background(), shutdownTimeout,
			)
			defer cancel()
			if err := ms.Close(dctx); err != nil {
				log.Printf("closing mongo store: %v", err)
			}
		}, nil
	default:
		database, err := db.Open(cfg.DBPath)
		if err != nil {
			return nil, nil, fmt.Errorf("opening database: %w", err)
		}
		return database, func() {
			if err := database.Close(); err != nil {
				log.Printf("closing database: %v", err)
			}
		}, nil
	}
}

// startInbox watches cfg.InboxDir for event scripts and returns a
// func that stops the watcher.
func startInbox(
	cfg config.Config, store tracking.Store,
) (func(), error) {
	svc := tracking.NewService(store,
		tracking.WithStoreTimeout(cfg.StoreTimeout),
	)
	inbox, err := ingest.NewInbox(
		cfg.InboxDir, inboxDebounce, ingest.NewRunner(svc),
	)
	if err != nil {
		return nil, fmt.Errorf("starting inbox: %w", err)
	}
	inbox.Start()
	log.Printf("watching %s for event scripts", cfg.InboxDir)
	return inbox.Stop, nil
}
