package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pario-ai/tiercache/pkg/mcp"
)

func newMCPCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Start tiercache as an MCP server on stdio",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := buildApp(ctx, *configPath)
			if err != nil {
				return err
			}
			defer closeApp(a)

			deps := mcp.Deps{
				Orchestrator: a.Orchestrator,
				Ledger:       a.Ledger,
				Tracker:      a.Tracker,
				Policy:       a.Ledger,
				Caches:       map[string]mcp.CacheStatter{},
				SessionGap:   a.Config.Session.GapTimeout,
				Logger:       a.Logger.With(zap.String("component", "mcp")),
			}
			if a.Exact != nil {
				deps.Caches["exact"] = a.Exact
			}
			if a.Semantic != nil {
				deps.Caches["semantic"] = a.Semantic
				deps.Memory = a.Orchestrator
			}

			// stdout carries the protocol; logs go to stderr or the log file.
			return mcp.New(deps, version).Run(ctx, os.Stdin, os.Stdout)
		},
	}
}
