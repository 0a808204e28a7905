package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/pario-ai/tiercache/pkg/models"
)

// evaluate checks every ceiling independently and reports all violations.
func evaluate(p models.QuotaPolicy, estimated int64, minute, day, month models.UsageCounter) *models.Denial {
	var vs []models.Violation

	if p.RequestsPerMinute > 0 && minute.Requests >= p.RequestsPerMinute {
		vs = append(vs, models.Violation{
			Reason:  models.DeniedRequestsPerMinute,
			Used:    minute.Requests,
			Limit:   p.RequestsPerMinute,
			Message: fmt.Sprintf("Rate limit reached (%d/%d requests this minute)", minute.Requests, p.RequestsPerMinute),
		})
	}
	if p.TokensPerRequest > 0 && estimated > p.TokensPerRequest {
		vs = append(vs, models.Violation{
			Reason:  models.DeniedTokensPerRequest,
			Used:    estimated,
			Limit:   p.TokensPerRequest,
			Message: fmt.Sprintf("Request too large (%d estimated tokens, max %d)", estimated, p.TokensPerRequest),
		})
	}
	if v, ok := tokenCeiling(models.DeniedTokensPerDay, "Daily", day.Used(), estimated, p.TokensPerDay); ok {
		vs = append(vs, v)
	}
	if v, ok := tokenCeiling(models.DeniedTokensPerMonth, "Monthly", month.Used(), estimated, p.TokensPerMonth); ok {
		vs = append(vs, v)
	}

	if len(vs) == 0 {
		return nil
	}
	return &models.Denial{Violations: vs}
}

// tokenCeiling denies when the period is already at its ceiling or the
// estimate would push it past.
func tokenCeiling(reason models.DenialReason, label string, used, estimated, limit int64) (models.Violation, bool) {
	if limit <= 0 {
		return models.Violation{}, false
	}
	switch {
	case used >= limit:
		return models.Violation{
			Reason:  reason,
			Used:    used,
			Limit:   limit,
			Message: fmt.Sprintf("%s token limit reached (%d/%d)", label, used, limit),
		}, true
	case used+estimated > limit:
		return models.Violation{
			Reason:  reason,
			Used:    used,
			Limit:   limit,
			Message: fmt.Sprintf("%s token limit would be exceeded (%d + %d > %d)", label, used, estimated, limit),
		}, true
	}
	return models.Violation{}, false
}

// Snapshot returns consumption for the current minute, day and month.
func (l *Ledger) Snapshot(ctx context.Context) (models.UsageSnapshot, error) {
	now := l.now().UTC()
	keys := keysAt(now)

	minute, err := l.readCounter(ctx, l.db, models.ScopeMinute, keys.minute, false)
	if err != nil {
		return models.UsageSnapshot{}, fmt.Errorf("usage snapshot: %w", err)
	}
	day, err := l.readCounter(ctx, l.db, models.ScopeDay, keys.day, false)
	if err != nil {
		return models.UsageSnapshot{}, fmt.Errorf("usage snapshot: %w", err)
	}
	month, err := l.readCounter(ctx, l.db, models.ScopeMonth, keys.month, false)
	if err != nil {
		return models.UsageSnapshot{}, fmt.Errorf("usage snapshot: %w", err)
	}

	return models.UsageSnapshot{
		DailyTokens:        day.TokensConsumed,
		MonthlyTokens:      month.TokensConsumed,
		RequestsThisMinute: minute.Requests,
		DailyReserved:      day.TokensReserved,
		MonthlyReserved:    month.TokensReserved,
		DailyRequests:      day.Requests,
		TakenAt:            now,
	}, nil
}

// Status returns used vs ceiling for every configured period ceiling.
func (l *Ledger) Status(ctx context.Context) ([]models.QuotaStatus, error) {
	p := l.Policy()
	snap, err := l.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	keys := keysAt(snap.TakenAt)

	var out []models.QuotaStatus
	add := func(scope models.Scope, key, metric string, used, limit int64) {
		if limit <= 0 {
			return
		}
		remaining := limit - used
		if remaining < 0 {
			remaining = 0
		}
		out = append(out, models.QuotaStatus{
			Scope: scope, PeriodKey: key, Metric: metric,
			Used: used, Limit: limit, Remaining: remaining,
		})
	}
	add(models.ScopeMinute, keys.minute, "requests", snap.RequestsThisMinute, p.RequestsPerMinute)
	add(models.ScopeDay, keys.day, "tokens", snap.DailyTokens+snap.DailyReserved, p.TokensPerDay)
	add(models.ScopeMonth, keys.month, "tokens", snap.MonthlyTokens+snap.MonthlyReserved, p.TokensPerMonth)
	return out, nil
}

// History returns per-day consumption for the last days days, newest first.
func (l *Ledger) History(ctx context.Context, days int) ([]models.DailyUsage, error) {
	if days <= 0 {
		days = 7
	}
	since := models.PeriodKey(models.ScopeDay, l.now().UTC().AddDate(0, 0, -(days - 1)))
	rows, err := l.db.QueryContext(ctx, l.db.Rebind(
		`SELECT period_key, tokens_consumed, requests FROM usage_counters
		 WHERE scope = ? AND period_key >= ? ORDER BY period_key DESC`),
		string(models.ScopeDay), since)
	if err != nil {
		return nil, fmt.Errorf("usage history: %w", err)
	}
	defer rows.Close()

	var out []models.DailyUsage
	for rows.Next() {
		var d models.DailyUsage
		if err := rows.Scan(&d.Day, &d.Tokens, &d.Requests); err != nil {
			return nil, fmt.Errorf("scan usage history: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// periodStart returns the UTC start of the period containing t.
func periodStart(scope models.Scope, t time.Time) time.Time {
	t = t.UTC()
	switch scope {
	case models.ScopeMinute:
		return t.Truncate(time.Minute)
	case models.ScopeMonth:
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	default:
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	}
}

// ResetsAt returns when the period of scope that is current now rolls over.
func (l *Ledger) ResetsAt(scope models.Scope) time.Time {
	start := periodStart(scope, l.now())
	switch scope {
	case models.ScopeMinute:
		return start.Add(time.Minute)
	case models.ScopeMonth:
		return start.AddDate(0, 1, 0)
	default:
		return start.AddDate(0, 0, 1)
	}
}
