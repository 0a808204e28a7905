package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pario-ai/tiercache/pkg/server"
)

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and the retention loop",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := buildApp(ctx, *configPath)
			if err != nil {
				return err
			}
			defer closeApp(a)

			deps := server.Deps{
				Orchestrator: a.Orchestrator,
				Ledger:       a.Ledger,
				Tracker:      a.Tracker,
				Policy:       a.Ledger,
				Caches:       map[string]server.StatsSource{},
				Logger:       a.Logger.With(zap.String("component", "server")),
			}
			if a.Exact != nil {
				deps.Caches["exact"] = a.Exact
			}
			if a.Semantic != nil {
				deps.Caches["semantic"] = a.Semantic
				deps.Memory = a.Orchestrator
			}
			if a.Metrics != nil {
				deps.Metrics = a.Metrics.Handler()
			}
			srv := server.New(a.Config, deps)

			a.Logger.Info("starting tiercache", zap.String("config", *configPath), zap.String("version", version))
			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error { return srv.ListenAndServe(gctx) })
			g.Go(func() error { return a.Retention.Run(gctx) })
			return g.Wait()
		},
	}
}
