package main

import (
	"fmt"
	"os"
	"slices"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/pario-ai/tiercache/pkg/config"
	"github.com/pario-ai/tiercache/pkg/tracker"
)

func newStatsCmd(configPath *string) *cobra.Command {
	var (
		days      int
		sessions  bool
		sessionID string
		limit     int
	)

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show daily answer statistics, sessions and conversation history",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}

			tr, err := tracker.Open(cfg.DBPath)
			if err != nil {
				return err
			}
			defer tr.Close()

			ctx := cmd.Context()

			// Conversation history, newest first
			if sessionID != "" {
				turns, err := tr.History(ctx, sessionID, min(max(limit, 1), 100))
				if err != nil {
					return err
				}
				if len(turns) == 0 {
					fmt.Println("No history found for session.")
					return nil
				}
				slices.Reverse(turns)
				w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "TIME\tSOURCE\tQUERY\tANSWER")
				for _, t := range turns {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
						t.CreatedAt.Format("2006-01-02T15:04:05"), t.Source, truncate(t.Query, 48), truncate(t.Response, 64))
				}
				return w.Flush()
			}

			if sessions {
				sess, err := tr.ListSessions(ctx, "")
				if err != nil {
					return err
				}
				if len(sess) == 0 {
					fmt.Println("No sessions found.")
					return nil
				}
				w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "SESSION ID\tCLIENT\tSTARTED\tLAST ACTIVITY\tREQUESTS\tTOTAL TOKENS")
				for _, s := range sess {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\n",
						s.ID, s.ClientKey, s.StartedAt.Format("2006-01-02T15:04:05"), s.LastActivity.Format("2006-01-02T15:04:05"), s.RequestCount, s.TotalTokens)
				}
				return w.Flush()
			}

			stats, err := tr.DailyStats(ctx, days)
			if err != nil {
				return err
			}
			if len(stats) == 0 {
				fmt.Println("No answers recorded.")
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "DAY\tQUERIES\tTOKENS\tEXACT\tSEMANTIC\tLIVE\tDENIED\tHIT RATE\tAVG MS")
			for _, d := range stats {
				fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%d\t%d\t%.1f%%\t%.1f\n",
					d.Day, d.TotalQueries, d.TotalTokens, d.ExactHits, d.SemanticHits, d.LiveCalls, d.Denials, d.CacheHitRate()*100, d.AvgLatencyMs)
			}
			return w.Flush()
		},
	}

	cmd.Flags().IntVar(&days, "days", 7, "number of days including today")
	cmd.Flags().BoolVar(&sessions, "sessions", false, "list sessions")
	cmd.Flags().StringVar(&sessionID, "session-id", "", "show conversation history for a session")
	cmd.Flags().IntVar(&limit, "limit", 10, "maximum turns of history (1-100)")
	return cmd
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
