package models

import (
	"fmt"
	"time"
)

// Usage represents token usage from an LLM response.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Scope is the period granularity of a usage counter.
type Scope string

const (
	ScopeMinute Scope = "minute"
	ScopeDay    Scope = "day"
	ScopeMonth  Scope = "month"
)

// Period key layouts, always rendered in UTC.
const (
	MinuteKeyLayout = "2006-01-02T15:04"
	DayKeyLayout    = "2006-01-02"
	MonthKeyLayout  = "2006-01"
)

// PeriodKey returns the counter key for scope at t.
func PeriodKey(scope Scope, t time.Time) string {
	t = t.UTC()
	switch scope {
	case ScopeMinute:
		return t.Format(MinuteKeyLayout)
	case ScopeMonth:
		return t.Format(MonthKeyLayout)
	default:
		return t.Format(DayKeyLayout)
	}
}

// UsageCounter is one persisted (scope, period) row of the quota ledger.
type UsageCounter struct {
	Scope          Scope  `json:"scope"`
	PeriodKey      string `json:"period_key"`
	TokensConsumed int64  `json:"tokens_consumed"`
	TokensReserved int64  `json:"tokens_reserved"`
	Requests       int64  `json:"requests"`
}

// Used returns consumed plus in-flight tokens.
func (c UsageCounter) Used() int64 {
	return c.TokensConsumed + c.TokensReserved
}

// QuotaPolicy holds admission ceilings. A zero ceiling is unlimited.
type QuotaPolicy struct {
	Enabled           bool  `json:"enabled" yaml:"enabled"`
	RequestsPerMinute int64 `json:"requests_per_minute" yaml:"requests_per_minute"`
	TokensPerRequest  int64 `json:"tokens_per_request" yaml:"tokens_per_request"`
	TokensPerDay      int64 `json:"tokens_per_day" yaml:"tokens_per_day"`
	TokensPerMonth    int64 `json:"tokens_per_month" yaml:"tokens_per_month"`
}

// Validate rejects negative ceilings.
func (p QuotaPolicy) Validate() error {
	for _, c := range []struct {
		name  string
		value int64
	}{
		{"requests_per_minute", p.RequestsPerMinute},
		{"tokens_per_request", p.TokensPerRequest},
		{"tokens_per_day", p.TokensPerDay},
		{"tokens_per_month", p.TokensPerMonth},
	} {
		if c.value < 0 {
			return fmt.Errorf("%s must not be negative, got %d", c.name, c.value)
		}
	}
	return nil
}

// DenialReason names the ceiling that refused admission.
type DenialReason string

const (
	DeniedRequestsPerMinute DenialReason = "requests_per_minute"
	DeniedTokensPerRequest  DenialReason = "tokens_per_request"
	DeniedTokensPerDay      DenialReason = "tokens_per_day"
	DeniedTokensPerMonth    DenialReason = "tokens_per_month"
)

// Violation describes one exceeded ceiling.
type Violation struct {
	Reason  DenialReason `json:"reason"`
	Used    int64        `json:"used"`
	Limit   int64        `json:"limit"`
	Message string       `json:"message"`
}

// Denial is returned by admission when one or more ceilings refuse a request.
type Denial struct {
	Violations []Violation `json:"violations"`
}

// Reasons lists the violated ceilings in evaluation order.
func (d *Denial) Reasons() []DenialReason {
	if d == nil {
		return nil
	}
	out := make([]DenialReason, 0, len(d.Violations))
	for _, v := range d.Violations {
		out = append(out, v.Reason)
	}
	return out
}

// Has reports whether reason is among the violations.
func (d *Denial) Has(reason DenialReason) bool {
	for _, r := range d.Reasons() {
		if r == reason {
			return true
		}
	}
	return false
}

// Reservation is a provisional hold on quota for one model call.
type Reservation struct {
	ID              string    `json:"id"`
	EstimatedTokens int64     `json:"estimated_tokens"`
	MinuteKey       string    `json:"minute_key"`
	DayKey          string    `json:"day_key"`
	MonthKey        string    `json:"month_key"`
	CreatedAt       time.Time `json:"created_at"`
}

// UsageSnapshot is the point-in-time view of the current periods.
type UsageSnapshot struct {
	DailyTokens        int64     `json:"daily_tokens"`
	MonthlyTokens      int64     `json:"monthly_tokens"`
	RequestsThisMinute int64     `json:"requests_this_minute"`
	DailyReserved      int64     `json:"daily_reserved"`
	MonthlyReserved    int64     `json:"monthly_reserved"`
	DailyRequests      int64     `json:"daily_requests"`
	TakenAt            time.Time `json:"taken_at"`
}

// QuotaStatus shows current usage against one ceiling.
type QuotaStatus struct {
	Scope     Scope  `json:"scope"`
	PeriodKey string `json:"period_key"`
	Metric    string `json:"metric"`
	Used      int64  `json:"used"`
	Limit     int64  `json:"limit"`
	Remaining int64  `json:"remaining"`
}

// DailyUsage is one day of ledger history.
type DailyUsage struct {
	Day      string `json:"day"`
	Tokens   int64  `json:"tokens"`
	Requests int64  `json:"requests"`
}
