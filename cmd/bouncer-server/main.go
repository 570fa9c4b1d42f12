// Command bouncer-server is the main daemon: it accepts framed connections
// from the local delivery hook, the observer/journal publishers, and the
// remote client CLI, spools raw mail to disk, dispatches it through the
// bounce parser into the database, and optionally polls an IMAP mailbox as
// a fallback delivery path.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nxmango/bouncer/internal/config"
	"github.com/nxmango/bouncer/internal/dispatch"
	"github.com/nxmango/bouncer/internal/imapoll"
	"github.com/nxmango/bouncer/internal/ingest"
	"github.com/nxmango/bouncer/internal/metrics"
	"github.com/nxmango/bouncer/internal/obslog"
	"github.com/nxmango/bouncer/internal/rungroup"
	"github.com/nxmango/bouncer/internal/spool"
	"github.com/nxmango/bouncer/internal/store"
)

var rootCmd = &cobra.Command{
	Use:   "bouncer-server [config-path]",
	Short: "Bounce mail ingestion, spool dispatch, and IMAP fallback daemon",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runServe,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// resourceTracker holds everything cleanup needs to tear down in reverse
// order of initialization, mirroring the teacher's own shutdown pattern.
type resourceTracker struct {
	log        *obslog.Logger
	db         *store.DB
	metricsSrv *http.Server
}

func runServe(cmd *cobra.Command, args []string) error {
	explicit := ""
	if len(args) == 1 {
		explicit = args[0]
	}
	cfgPath := config.ResolvePath(explicit, "BOUNCER_CONFIG_PATH", "bouncer-server.yaml")

	cfg, err := config.LoadServerConfig(cfgPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := obslog.New(obslog.Config{
		Level: cfg.Logging.Level, Format: cfg.Logging.Format,
		Output: cfg.Logging.Output, AddSource: cfg.Logging.AddSource,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	resources := &resourceTracker{log: logger}
	cleanup := func() {
		if resources.metricsSrv != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := resources.metricsSrv.Shutdown(shutdownCtx); err != nil {
				logger.Error("metrics server shutdown error", "error", err.Error())
			}
		}
		if resources.db != nil {
			if err := resources.db.Close(); err != nil {
				logger.Error("database close error", "error", err.Error())
			}
		}
		logger.Info("shutdown complete")
	}
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "PANIC during server operation: %v\n", r)
			cleanup()
			panic(r)
		}
	}()

	logger.Info("bouncer-server starting", "config_path", cfgPath, "listen", cfg.Listen)

	sp := spool.New(cfg.Spool.Root)
	if err := sp.EnsureDirs(); err != nil {
		cleanup()
		return fmt.Errorf("failed to create spool directories: %w", err)
	}
	logger.Info("spool ready", "root", cfg.Spool.Root)

	db, err := store.Open(cfg.Database.Path)
	if err != nil {
		cleanup()
		return fmt.Errorf("failed to open database: %w", err)
	}
	resources.db = db

	migrateCtx, migrateCancel := context.WithTimeout(context.Background(), 30*time.Second)
	err = db.Migrate(migrateCtx)
	migrateCancel()
	if err != nil {
		cleanup()
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	logger.Info("database ready", "path", cfg.Database.Path)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ingestSrv := ingest.New(cfg.Listen, sp, db)
	dispatcher := dispatch.New(sp, db, cfg.Spool.WorkerConcurrency, time.Duration(cfg.Spool.IncomingScanSecs)*time.Second)
	dispatcher.PathQueueSize = cfg.Spool.ChannelCapacity
	poller := imapoll.New(cfg.IMAP, db, logger.IMAP().Logger)

	var wg rungroup.Group
	wg.Go(func() error { return ingestSrv.Run(ctx) })
	wg.Go(func() error { return dispatcher.Run(ctx) })
	wg.Go(func() error { return poller.Run(ctx) })

	if cfg.Metrics.Listen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		srv := &http.Server{Addr: cfg.Metrics.Listen, Handler: mux}
		resources.metricsSrv = srv
		wg.Go(func() error {
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = srv.Shutdown(shutdownCtx)
			}()
			logger.Info("metrics listener starting", "addr", cfg.Metrics.Listen)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return fmt.Errorf("metrics listener: %w", err)
			}
			return nil
		})
	}

	logger.Info("bouncer-server running; press ctrl-c to stop")
	<-ctx.Done()
	logger.Info("shutdown signal received")

	if err := wg.Wait(); err != nil {
		logger.Error("component reported error during shutdown", "error", err.Error())
	}
	cleanup()
	return nil
}
