package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pario-ai/tiercache/pkg/app"
	"github.com/pario-ai/tiercache/pkg/config"
	"github.com/pario-ai/tiercache/pkg/logging"
)

var version = "dev"

func main() {
	var configPath string

	root := &cobra.Command{
		Use:           "tiercache",
		Short:         "Tiered answer cache with quota metering",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "tiercache.yaml", "path to config file")

	root.AddCommand(
		newServeCmd(&configPath),
		newAskCmd(&configPath),
		newMemoryCmd(&configPath),
		newUsageCmd(&configPath),
		newCacheCmd(&configPath),
		newStatsCmd(&configPath),
		newRetentionCmd(&configPath),
		newMCPCmd(&configPath),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// buildApp loads the config, sets up logging and assembles every component.
func buildApp(ctx context.Context, configPath string) (*app.App, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.New(cfg.Log)
	if err != nil {
		return nil, fmt.Errorf("init logging: %w", err)
	}
	a, err := app.Build(ctx, cfg, logger)
	if err != nil {
		_ = logger.Sync()
		return nil, err
	}
	return a, nil
}

func closeApp(a *app.App) {
	if err := a.Close(); err != nil {
		a.Logger.Warn("close failed", zap.Error(err))
	}
	_ = a.Logger.Sync()
}
