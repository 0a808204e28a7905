package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/pario-ai/tiercache/pkg/config"
	"github.com/pario-ai/tiercache/pkg/ledger"
	"github.com/pario-ai/tiercache/pkg/models"
)

func openLedger(configPath string) (*ledger.Ledger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	return ledger.Open(cfg.LedgerDSN(), cfg.Quota.Policy)
}

func newUsageCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "usage",
		Short: "Show quota consumption",
	}

	snapshotCmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Show tokens used today, this month and requests this minute",
		RunE: func(cmd *cobra.Command, args []string) error {
			l, err := openLedger(*configPath)
			if err != nil {
				return err
			}
			defer func() { _ = l.Close() }()

			s, err := l.Snapshot(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("Today:       %d tokens (%d reserved), %d requests\n", s.DailyTokens, s.DailyReserved, s.DailyRequests)
			fmt.Printf("This month:  %d tokens (%d reserved)\n", s.MonthlyTokens, s.MonthlyReserved)
			fmt.Printf("This minute: %d requests\n", s.RequestsThisMinute)
			return nil
		},
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show usage against every quota ceiling",
		RunE: func(cmd *cobra.Command, args []string) error {
			l, err := openLedger(*configPath)
			if err != nil {
				return err
			}
			defer func() { _ = l.Close() }()

			if !l.Policy().Enabled {
				fmt.Println("Quota enforcement is disabled.")
			}
			statuses, err := l.Status(cmd.Context())
			if err != nil {
				return err
			}
			if len(statuses) == 0 {
				fmt.Println("No quota ceilings configured.")
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "SCOPE\tPERIOD\tMETRIC\tLIMIT\tUSED\tREMAINING\tRESETS")
			for _, s := range statuses {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%d\t%s\n",
					s.Scope, s.PeriodKey, s.Metric, s.Limit, s.Used, s.Remaining, l.ResetsAt(s.Scope).Format("2006-01-02T15:04:05Z"))
			}
			return w.Flush()
		},
	}

	var days int
	historyCmd := &cobra.Command{
		Use:   "history",
		Short: "Show tokens consumed per day",
		RunE: func(cmd *cobra.Command, args []string) error {
			l, err := openLedger(*configPath)
			if err != nil {
				return err
			}
			defer func() { _ = l.Close() }()

			history, err := l.History(cmd.Context(), days)
			if err != nil {
				return err
			}
			if len(history) == 0 {
				fmt.Println("No usage recorded.")
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "DAY\tTOKENS\tREQUESTS")
			for _, d := range history {
				fmt.Fprintf(w, "%s\t%d\t%d\n", d.Day, d.Tokens, d.Requests)
			}
			return w.Flush()
		},
	}
	historyCmd.Flags().IntVar(&days, "days", 7, "number of days including today")

	cmd.AddCommand(snapshotCmd, statusCmd, historyCmd, newSetPolicyCmd(configPath))
	return cmd
}

// newSetPolicyCmd changes the ceilings of a running server. The policy lives
// in the serving process, so this goes over HTTP rather than to the database.
func newSetPolicyCmd(configPath *string) *cobra.Command {
	var (
		serverURL string
		apiKey    string
		enabled   bool
		ceilings  = map[string]*int64{
			"requests-per-minute": new(int64),
			"tokens-per-request":  new(int64),
			"tokens-per-day":      new(int64),
			"tokens-per-month":    new(int64),
		}
	)

	cmd := &cobra.Command{
		Use:   "set-policy",
		Short: "Change quota ceilings on a running server until it exits",
		RunE: func(cmd *cobra.Command, args []string) error {
			patch := map[string]any{}
			if cmd.Flags().Changed("enabled") {
				patch["enabled"] = enabled
			}
			for flag, v := range ceilings {
				if cmd.Flags().Changed(flag) {
					patch[strings.ReplaceAll(flag, "-", "_")] = *v
				}
			}
			if len(patch) == 0 {
				return fmt.Errorf("nothing to change; pass --enabled or a ceiling flag")
			}
			if serverURL == "" {
				cfg, err := config.Load(*configPath)
				if err != nil {
					return err
				}
				serverURL = serverBaseURL(cfg.Listen)
			}
			if apiKey == "" {
				apiKey = os.Getenv("TIERCACHE_ADMIN_KEY")
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()
			p, err := patchPolicy(ctx, http.DefaultClient, serverURL, apiKey, patch)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "enabled=%t requests_per_minute=%d tokens_per_request=%d tokens_per_day=%d tokens_per_month=%d\n",
				p.Enabled, p.RequestsPerMinute, p.TokensPerRequest, p.TokensPerDay, p.TokensPerMonth)
			return nil
		},
	}
	cmd.Flags().StringVar(&serverURL, "server", "", "server base URL (default derived from listen)")
	cmd.Flags().StringVar(&apiKey, "api-key", "", "admin key (default $TIERCACHE_ADMIN_KEY)")
	cmd.Flags().BoolVar(&enabled, "enabled", true, "enforce ceilings at all")
	for flag, v := range ceilings {
		cmd.Flags().Int64Var(v, flag, 0, "new "+strings.ReplaceAll(flag, "-", " ")+" ceiling, 0 disables it")
	}
	return cmd
}

// serverBaseURL turns a listen address into a URL for a local client.
func serverBaseURL(listen string) string {
	if strings.HasPrefix(listen, ":") {
		listen = "localhost" + listen
	}
	return "http://" + listen
}

func patchPolicy(ctx context.Context, client *http.Client, baseURL, apiKey string, patch map[string]any) (models.QuotaPolicy, error) {
	body, err := json.Marshal(patch)
	if err != nil {
		return models.QuotaPolicy{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, strings.TrimSuffix(baseURL, "/")+"/v1/usage/policy", bytes.NewReader(body))
	if err != nil {
		return models.QuotaPolicy{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
	resp, err := client.Do(req)
	if err != nil {
		return models.QuotaPolicy{}, fmt.Errorf("update policy: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		var e struct {
			Error struct {
				Message string `json:"message"`
			} `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&e)
		return models.QuotaPolicy{}, fmt.Errorf("update policy: %s: %s", resp.Status, e.Error.Message)
	}
	var p models.QuotaPolicy
	if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
		return models.QuotaPolicy{}, fmt.Errorf("decode policy: %w", err)
	}
	return p, nil
}
