// Command bouncer-journal reads postfix log lines directly out of the
// systemd journal, correlates them the same way as bouncer-observer, and
// publishes completed delivery outcomes to bouncer-server. The underlying
// sdjournal reader is Linux-only; internal/journal provides a stub Watcher
// on other platforms whose Run always fails, which this binary turns into a
// one-line notice and a non-zero exit.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nxmango/bouncer/internal/config"
	"github.com/nxmango/bouncer/internal/journal"
	"github.com/nxmango/bouncer/internal/observer"
	"github.com/nxmango/bouncer/internal/obslog"
	"github.com/nxmango/bouncer/internal/rungroup"
)

var rootCmd = &cobra.Command{
	Use:   "bouncer-journal [config-path]",
	Short: "systemd journal observer that correlates and forwards delivery outcomes",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runServe,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	explicit := ""
	if len(args) == 1 {
		explicit = args[0]
	}
	cfgPath := config.ResolvePath(explicit, "JOURNAL_CONFIG_PATH", "bouncer-journal.yaml")

	cfg, err := config.LoadJournalConfig(cfgPath)
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
	logger.Info("bouncer-journal starting", "config_path", cfgPath, "unit", cfg.Unit, "identifiers", cfg.Identifiers)

	corr, err := observer.NewCorrelationStore(cfg.Correlation)
	if err != nil {
		return fmt.Errorf("failed to build correlation store: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	publisher := observer.NewPublisher(cfg.Publisher, logger.Journal().Logger)
	pipeline := observer.NewPipeline(corr, time.Duration(cfg.Publisher.MappingTTLSecs)*time.Second, publisher, logger.Journal().Logger)
	watcher := journal.NewWatcher(cfg, pipeline, logger.Journal().Logger)

	var wg rungroup.Group
	wg.Go(func() error { return publisher.Run(ctx) })
	wg.Go(func() error { pipeline.RunPruner(ctx); return nil })

	// The watcher runs on its own channel rather than through rungroup.Group:
	// on non-Linux builds its Run returns immediately with an error (sdjournal
	// is Linux-only), and that must stop the daemon right away instead of
	// waiting around for a shutdown signal that will never arrive.
	watcherErrCh := make(chan error, 1)
	go func() { watcherErrCh <- watcher.Run(ctx) }()

	logger.Info("bouncer-journal running; press ctrl-c to stop")

	var watcherErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
		watcherErr = <-watcherErrCh
	case watcherErr = <-watcherErrCh:
		stop()
	}

	if err := wg.Wait(); err != nil && watcherErr == nil {
		watcherErr = err
	}
	if watcherErr != nil {
		return watcherErr
	}
	logger.Info("shutdown complete")
	return nil
}
