package main

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/saaslog/collector/internal/puller"
	"github.com/saaslog/collector/pkg/config"
	"github.com/saaslog/collector/pkg/connector/registry"
	"github.com/saaslog/collector/pkg/logger"
	"github.com/saaslog/collector/pkg/metrics"

	// Import all available sources to register them
	_ "github.com/saaslog/collector/pkg/connector/sources/gitlab"
	_ "github.com/saaslog/collector/pkg/connector/sources/gworkspace"
	_ "github.com/saaslog/collector/pkg/connector/sources/okta"
)

var version = "0.1.0"

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	root := &cobra.Command{
		Use:   "collector",
		Short: "Collector - incremental SaaS audit log puller",
		Long: `Collector pulls audit and event logs from SaaS providers (GitLab, Okta,
Google Workspace) into append-only NDJSON files. Each run fetches only events
newer than the per-source watermark, so repeated runs are incremental and
idempotent.`,
	}

	// Version command
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Collector v%s\n", version)
			fmt.Printf("Go version: %s\n", runtime.Version())
			fmt.Printf("OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	})

	// List command to show available sources
	root.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List available source connectors",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("Available Source Connectors:")
			for _, source := range registry.ListSources() {
				fmt.Printf("  - %s\n", source)
			}
		},
	})

	// Main pull command
	var configFile string
	pullCmd := &cobra.Command{
		Use:   "pull",
		Short: "Run one collection cycle",
		Long: `Run one collection cycle over every enabled source in the configuration.
Intended to be invoked periodically, for example from a systemd timer or cron.

Example:
  collector pull --config /etc/collector/config.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPull(configFile)
		},
	}
	pullCmd.Flags().StringVarP(&configFile, "config", "c", "config.yaml", "Configuration file")
	root.AddCommand(pullCmd)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runPull(configFile string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Encoding:    cfg.Logging.Encoding,
		Development: cfg.Logging.Development,
	}); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Puller.MetricsListen != "" {
		srv := &http.Server{Addr: cfg.Puller.MetricsListen, Handler: metrics.Handler()}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics listener failed", zap.Error(err))
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	p, err := puller.New(cfg)
	if err != nil {
		return err
	}

	start := time.Now()
	logger.Info("starting collection cycle",
		zap.Int("sources", len(cfg.Sources)), zap.String("state_dir", cfg.StateDir))

	if err := p.Run(ctx); err != nil {
		// A run where some sources failed but the rest completed is still a
		// successful invocation; the failed sources retry from the same
		// watermark next cycle.
		var partial *puller.PartialFailure
		if !stderrors.As(err, &partial) {
			return err
		}
		logger.Warn("collection cycle finished with failed sources",
			zap.Int("failed", partial.Failed), zap.Int("total", partial.Total),
			zap.Duration("elapsed", time.Since(start)))
		return nil
	}

	logger.Info("collection cycle finished", zap.Duration("elapsed", time.Since(start)))
	return nil
}
