package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pario-ai/tiercache/pkg/app"
	"github.com/pario-ai/tiercache/pkg/config"
	"github.com/pario-ai/tiercache/pkg/models"
)

func printCacheStats(tier string, s models.CacheStats) {
	fmt.Printf("%s cache\n  Entries:  %d\n  Hits:     %d\n  Misses:   %d\n  Hit Rate: %.1f%%\n",
		tier, s.Entries, s.Hits, s.Misses, s.HitRate()*100)
}

func newCacheCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Manage the exact and semantic caches",
	}

	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Show cache statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			if cfg.Cache.Enabled {
				c, err := app.OpenExact(ctx, cfg)
				if err != nil {
					return err
				}
				defer func() { _ = c.Close() }()
				stats, err := c.Stats(ctx)
				if err != nil {
					return err
				}
				printCacheStats("exact", stats)
			}
			if cfg.Semantic.Enabled {
				sc, err := app.OpenSemantic(ctx, cfg)
				if err != nil {
					return err
				}
				defer func() { _ = sc.Close() }()
				stats, err := sc.Stats(ctx)
				if err != nil {
					return err
				}
				printCacheStats("semantic", stats)
			}
			return nil
		},
	}

	var expiredOnly bool
	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Clear exact cache entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			if !cfg.Cache.Enabled {
				fmt.Println("Exact cache is disabled.")
				return nil
			}
			c, err := app.OpenExact(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer func() { _ = c.Close() }()

			n, err := c.Clear(cmd.Context(), expiredOnly)
			if err != nil {
				return err
			}
			if expiredOnly {
				fmt.Printf("Cleared %d expired entries.\n", n)
			} else {
				fmt.Printf("Cleared %d entries.\n", n)
			}
			return nil
		},
	}
	clearCmd.Flags().BoolVar(&expiredOnly, "expired", false, "only clear expired entries")

	cmd.AddCommand(statsCmd, clearCmd)
	return cmd
}
