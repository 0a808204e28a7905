package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/pario-ai/tiercache/pkg/models"
	"github.com/pario-ai/tiercache/pkg/orchestrator"
)

func newAskCmd(configPath *string) *cobra.Command {
	var req orchestrator.Request

	cmd := &cobra.Command{
		Use:   "ask <question>",
		Short: "Answer one question through the cache tiers",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			a, err := buildApp(ctx, *configPath)
			if err != nil {
				return err
			}
			defer closeApp(a)

			req.Query = strings.Join(args, " ")
			if req.SessionID, err = a.Tracker.ResolveSession(ctx, "cli", req.SessionID, a.Config.Session.GapTimeout); err != nil {
				return err
			}
			res, err := a.Orchestrator.Answer(ctx, req)
			if res.Denial != nil {
				for _, v := range res.Denial.Violations {
					fmt.Fprintf(cmd.ErrOrStderr(), "denied: %s: %s\n", v.Reason, v.Message)
				}
			}
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, res.Text)
			fmt.Fprintln(out)
			fmt.Fprintf(out, "source=%s tokens=%d", res.Source, res.TokensUsed)
			if res.Source == models.SourceSemantic {
				fmt.Fprintf(out, " similarity=%.3f", res.Similarity)
			}
			fmt.Fprintln(out)
			return nil
		},
	}

	cmd.Flags().StringVar(&req.SessionID, "session", "", "session ID for conversation context and scoping")
	cmd.Flags().StringVar(&req.ArticleID, "article", "", "article the question is about")
	cmd.Flags().BoolVar(&req.SkipCache, "skip-cache", false, "bypass both cache tiers")
	cmd.Flags().BoolVar(&req.UseMemory, "memory", false, "give the model the closest earlier exchanges as context")
	return cmd
}

func newMemoryCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "memory",
		Short: "Inspect semantic memory",
	}

	var q orchestrator.MemoryQuery
	searchCmd := &cobra.Command{
		Use:   "search <query>",
		Short: "List earlier exchanges closest in meaning to a query",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			a, err := buildApp(ctx, *configPath)
			if err != nil {
				return err
			}
			defer closeApp(a)

			q.Query = strings.Join(args, " ")
			hits, err := a.Orchestrator.SearchMemory(ctx, q)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(hits) == 0 {
				fmt.Fprintln(out, "No related exchanges found.")
				return nil
			}
			for _, h := range hits {
				fmt.Fprintf(out, "%.3f  %s\n  Q: %s\n  A: %s\n", h.Similarity, h.Record.InsertedAt.UTC().Format("2006-01-02T15:04:05Z"), h.Record.Query, h.Record.Response)
			}
			return nil
		},
	}
	searchCmd.Flags().StringVar(&q.SessionID, "session", "", "session to search when caching is scoped by session")
	searchCmd.Flags().StringVar(&q.ArticleID, "article", "", "article whose exchanges to search")
	searchCmd.Flags().IntVar(&q.Limit, "limit", 0, "maximum results (default semantic.memory_items)")

	cmd.AddCommand(searchCmd)
	return cmd
}
