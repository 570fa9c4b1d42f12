// Command bouncer-observer listens for syslog datagrams forwarded by
// rsyslog/syslog-ng, correlates postfix/cleanup and postfix/smtp log lines
// by queue id, and publishes completed delivery outcomes to bouncer-server.
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
	"github.com/nxmango/bouncer/internal/observer"
	"github.com/nxmango/bouncer/internal/obslog"
	"github.com/nxmango/bouncer/internal/rungroup"
)

var rootCmd = &cobra.Command{
	Use:   "bouncer-observer [config-path]",
	Short: "UDP syslog observer that correlates and forwards delivery outcomes",
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
	cfgPath := config.ResolvePath(explicit, "OBSERVER_CONFIG_PATH", "bouncer-observer.yaml")

	cfg, err := config.LoadObserverConfig(cfgPath)
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
	logger.Info("bouncer-observer starting", "config_path", cfgPath, "listen_udp", cfg.ListenUDP)

	corr, err := observer.NewCorrelationStore(cfg.Correlation)
	if err != nil {
		return fmt.Errorf("failed to build correlation store: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	publisher := observer.NewPublisher(cfg.Publisher, logger.Observer().Logger)
	pipeline := observer.NewPipeline(corr, time.Duration(cfg.Publisher.MappingTTLSecs)*time.Second, publisher, logger.Observer().Logger)
	listener := &observer.UDPListener{Addr: cfg.ListenUDP, Pipeline: pipeline, Log: logger.Observer().Logger}

	var wg rungroup.Group
	wg.Go(func() error { return publisher.Run(ctx) })
	wg.Go(func() error { pipeline.RunPruner(ctx); return nil })
	wg.Go(func() error { return listener.Run(ctx) })

	logger.Info("bouncer-observer running; press ctrl-c to stop")
	<-ctx.Done()
	logger.Info("shutdown signal received")

	if err := wg.Wait(); err != nil {
		logger.Error("component reported error during shutdown", "error", err.Error())
	}
	logger.Info("shutdown complete")
	return nil
}
