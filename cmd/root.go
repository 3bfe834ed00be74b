// Package cmd defines and implements the CLI commands for the realtime-911 executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-911/internal/app"
	"github.com/JakeFAU/realtime-911/internal/config"
	"github.com/JakeFAU/realtime-911/internal/logging"
)

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// newApp is the application factory. It's a variable so tests can inject
// overrides such as an in-memory publisher.
var newApp = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (*app.App, error) {
	return app.New(ctx, cfg, logger)
}

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "realtime-911",
		Short: "Ingests the Seattle Fire real-time 911 feed.",
		Long: `realtime-911 polls the Seattle Fire Department real-time 911 dispatch page,
normalizes each incident and keeps a bounded in-memory view of active and
recently closed incidents, served over a small read-only HTTP API.`,
		SilenceUsage: true,

		// Config and logger are built here so every subcommand gets the same
		// wiring; the App lands in the command context.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			zap.ReplaceGlobals(logger)

			a, err := newApp(cmd.Context(), cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, a))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML, TOML or JSON); FEED_* env vars override it")
	cmd.AddCommand(newServeCmd(), newPollCmd())
	return cmd
}

func resolveApp(ctx context.Context) (*app.App, error) {
	if ctx == nil {
		return nil, errors.New("command context is not set")
	}
	a, ok := ctx.Value(appKey).(*app.App)
	if !ok || a == nil {
		return nil, errors.New("application services are not initialized")
	}
	return a, nil
}

// closeApp releases provider clients and flushes the logger. It runs from
// each RunE because cobra skips post-run hooks when RunE fails.
func closeApp(a *app.App) {
	if err := a.Close(); err != nil {
		a.Logger.Warn("error closing application services", zap.Error(err))
	}
	// Sync on stderr/stdout sinks returns EINVAL on some platforms.
	_ = a.Logger.Sync()
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
