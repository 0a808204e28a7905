package mcp

import (
	"fmt"
	"strings"
	"time"

	"github.com/pario-ai/tiercache/pkg/models"
	"github.com/pario-ai/tiercache/pkg/orchestrator"
)

const timeLayout = "2006-01-02 15:04:05"

// formatAnswer renders an answer followed by where it came from.
func formatAnswer(res orchestrator.Result) string {
	var b strings.Builder
	b.WriteString(res.Text)
	b.WriteString("\n\n")
	fmt.Fprintf(&b, "Source:   %s\n", res.Source)
	if res.Source == models.SourceSemantic {
		fmt.Fprintf(&b, "Match:    %.3f\n", res.Similarity)
	}
	fmt.Fprintf(&b, "Tokens:   %d\n", res.TokensUsed)
	if res.SessionID != "" {
		fmt.Fprintf(&b, "Session:  %s\n", res.SessionID)
	}
	return b.String()
}

// formatDenial lists the violated ceilings of a denied request.
func formatDenial(res orchestrator.Result) string {
	var b strings.Builder
	b.WriteString("Request denied by quota:\n")
	for _, v := range res.Denial.Violations {
		fmt.Fprintf(&b, "  %-20s %s\n", v.Reason, v.Message)
	}
	return b.String()
}

// formatUsage formats a usage snapshot as text.
func formatUsage(s models.UsageSnapshot) string {
	return fmt.Sprintf("Usage at %s\n"+
		"  Today:        %d tokens (%d reserved), %d requests\n"+
		"  This month:   %d tokens (%d reserved)\n"+
		"  This minute:  %d requests\n",
		s.TakenAt.Format(timeLayout),
		s.DailyTokens, s.DailyReserved, s.DailyRequests,
		s.MonthlyTokens, s.MonthlyReserved,
		s.RequestsThisMinute)
}

// formatQuotaStatus formats quota statuses as a text table.
func formatQuotaStatus(statuses []models.QuotaStatus, resetsAt func(models.Scope) time.Time) string {
	if len(statuses) == 0 {
		return "No quota ceilings configured."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-8s %-16s %-9s %12s %12s %12s %6s  %s\n",
		"Scope", "Period", "Metric", "Limit", "Used", "Remaining", "Usage%", "Resets")
	b.WriteString(strings.Repeat("-", 104) + "\n")
	for _, s := range statuses {
		pct := float64(0)
		if s.Limit > 0 {
			pct = float64(s.Used) / float64(s.Limit) * 100
		}
		fmt.Fprintf(&b, "%-8s %-16s %-9s %12d %12d %12d %5.1f%%  %s\n",
			s.Scope, s.PeriodKey, s.Metric, s.Limit, s.Used, s.Remaining, pct,
			resetsAt(s.Scope).UTC().Format(timeLayout))
	}
	return b.String()
}

// formatCacheStats formats one tier's cache stats as text.
func formatCacheStats(tier string, stats models.CacheStats) string {
	return fmt.Sprintf("%s cache\n"+
		"  Entries:  %d\n"+
		"  Hits:     %d\n"+
		"  Misses:   %d\n"+
		"  Hit Rate: %.1f%%\n",
		tier, stats.Entries, stats.Hits, stats.Misses, stats.HitRate()*100)
}

// formatDailyStats formats daily answer statistics as a text table.
func formatDailyStats(stats []models.DailyStats) string {
	if len(stats) == 0 {
		return "No answers recorded."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-10s %8s %10s %6s %9s %6s %7s %7s %10s\n",
		"Day", "Queries", "Tokens", "Exact", "Semantic", "Live", "Denied", "Hit%", "Avg ms")
	b.WriteString(strings.Repeat("-", 83) + "\n")
	for _, d := range stats {
		fmt.Fprintf(&b, "%-10s %8d %10d %6d %9d %6d %7d %6.1f%% %10.1f\n",
			d.Day, d.TotalQueries, d.TotalTokens, d.ExactHits, d.SemanticHits, d.LiveCalls, d.Denials,
			d.CacheHitRate()*100, d.AvgLatencyMs)
	}
	return b.String()
}

// formatHistory formats conversation turns in the order given.
func formatHistory(turns []models.ConversationTurn) string {
	if len(turns) == 0 {
		return "No history found for this session."
	}
	var b strings.Builder
	for i, t := range turns {
		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "[%s] (%s)\nQ: %s\nA: %s\n", t.CreatedAt.Format(timeLayout), t.Source, t.Query, t.Response)
	}
	return b.String()
}

// formatMemory lists recalled exchanges, closest first.
func formatMemory(hits []models.SemanticHit) string {
	if len(hits) == 0 {
		return "No related exchanges found."
	}
	var b strings.Builder
	for i, h := range hits {
		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "[%.3f] %s\nQ: %s\nA: %s\n", h.Similarity, h.Record.InsertedAt.Format(timeLayout), h.Record.Query, h.Record.Response)
	}
	return b.String()
}

// formatPolicy shows each ceiling, or "off" when it is disabled.
func formatPolicy(p models.QuotaPolicy) string {
	ceiling := func(v int64) string {
		if v <= 0 {
			return "off"
		}
		return fmt.Sprintf("%d", v)
	}
	return fmt.Sprintf("Quota policy (enabled: %t)\n"+
		"  Requests per minute: %s\n"+
		"  Tokens per request:  %s\n"+
		"  Tokens per day:      %s\n"+
		"  Tokens per month:    %s\n",
		p.Enabled, ceiling(p.RequestsPerMinute), ceiling(p.TokensPerRequest),
		ceiling(p.TokensPerDay), ceiling(p.TokensPerMonth))
}
