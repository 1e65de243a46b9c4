package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/smartroute-ai/gateway/config"
	"github.com/smartroute-ai/gateway/health"
	"github.com/smartroute-ai/gateway/mcp"
	"github.com/smartroute-ai/gateway/proxy"
	"github.com/smartroute-ai/gateway/router"
	"github.com/smartroute-ai/gateway/telemetry"
	"github.com/smartroute-ai/gateway/trace"
)

func main() {
	var dataDir string
	var logLevel string

	rootCmd := &cobra.Command{
		Use:   "smartroute",
		Short: "Smart chat-completion routing and failover gateway",
		Long:  "Classifies chat requests into tiers and routes them across configured models with automatic failover.",
	}
	rootCmd.PersistentFlags().StringVar(&dataDir, "data", "./data", "directory for config, stats, and logs")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level override: debug, info, warn, error")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(dataDir, logLevel)
		},
	})
	rootCmd.AddCommand(&cobra.Command{
		Use:   "mcp",
		Short: "Serve gateway tools over the Model Context Protocol on stdio",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMCP(dataDir, logLevel)
		},
	})
	rootCmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate the config file and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(dataDir)
		},
	})

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runServe(dataDir, levelOverride string) error {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	boot, err := config.LoadBootstrap(dataDir)
	if err != nil {
		return err
	}
	level := boot.LogLevel
	if levelOverride != "" {
		level = levelOverride
	}
	if level == "" {
		level = "info"
	}
	logger, err := newLogger(level)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	store, err := config.Open(filepath.Join(dataDir, "config.json"), logger.Named("config"))
	if err != nil {
		return err
	}
	snap := store.Snapshot()

	hs := health.NewStore(filepath.Join(dataDir, "model_stats.json"), snap.Health.DecayRate, logger.Named("health"))
	hs.Reconcile(snap.AllModels())
	store.OnChange(func(next *config.Snapshot) {
		hs.SetDecayRate(next.Health.DecayRate)
		hs.Reconcile(next.AllModels())
	})

	logs, err := telemetry.Open(filepath.Join(dataDir, "request_logs.db"))
	if err != nil {
		return err
	}
	defer logs.Close()

	bus := trace.NewBus(os.Stdout)
	engine := router.NewEngine(store, hs, bus, logs, logger.Named("router"))
	srv := proxy.NewServer(store, engine, hs, logs, bus, boot.CORSOrigins, logger.Named("proxy"))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Run(gctx, boot.Listen)
	})
	g.Go(func() error {
		if err := config.Watch(gctx, store, logger.Named("config")); !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	err = g.Wait()
	hs.Flush()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("gateway stopped")
	return nil
}

// runMCP wires the same core as serve but keeps stdout clean for the MCP
// transport: logs go to stderr and the trace bus has no terminal sink.
func runMCP(dataDir, levelOverride string) error {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	level := levelOverride
	if level == "" {
		level = "warn"
	}
	logger, err := newLogger(level)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	store, err := config.Open(filepath.Join(dataDir, "config.json"), logger.Named("config"))
	if err != nil {
		return err
	}
	snap := store.Snapshot()

	hs := health.NewStore(filepath.Join(dataDir, "model_stats.json"), snap.Health.DecayRate, logger.Named("health"))
	hs.Reconcile(snap.AllModels())

	logs, err := telemetry.Open(filepath.Join(dataDir, "request_logs.db"))
	if err != nil {
		return err
	}
	defer logs.Close()

	bus := trace.NewBus(nil)
	engine := router.NewEngine(store, hs, bus, logs, logger.Named("router"))

	return mcp.NewServer(store, engine, hs, logs).Start()
}

func runValidate(dataDir string) error {
	logger := zap.NewNop()
	store, err := config.Open(filepath.Join(dataDir, "config.json"), logger)
	if err != nil {
		return err
	}
	snap := store.Snapshot()
	fmt.Printf("config OK: %d models across %d tiers\n", len(snap.AllModels()), len(config.Tiers))
	return nil
}

// newLogger builds a production zap logger at the given level, writing to
// stderr so stdout stays free for trace lines and the MCP transport.
func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q", level)
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}
	return cfg.Build()
}
