package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"strings"

	"go.uber.org/zap"

	"github.com/pario-ai/tiercache/pkg/models"
	"github.com/pario-ai/tiercache/pkg/orchestrator"
)

// Tool argument structs.

type answerArgs struct {
	Query     string `json:"query"`
	SessionID string `json:"session_id"`
	ArticleID string `json:"article_id"`
	SkipCache bool   `json:"skip_cache"`
	UseMemory bool   `json:"use_memory"`
}

type memoryArgs struct {
	Query     string `json:"query"`
	SessionID string `json:"session_id"`
	ArticleID string `json:"article_id"`
	Limit     int    `json:"limit"`
}

// policyArgs fields are pointers so absent ones keep their current value.
type policyArgs struct {
	Enabled           *bool  `json:"enabled"`
	RequestsPerMinute *int64 `json:"requests_per_minute"`
	TokensPerRequest  *int64 `json:"tokens_per_request"`
	TokensPerDay      *int64 `json:"tokens_per_day"`
	TokensPerMonth    *int64 `json:"tokens_per_month"`
}

func (a policyArgs) apply(p models.QuotaPolicy) models.QuotaPolicy {
	if a.Enabled != nil {
		p.Enabled = *a.Enabled
	}
	for _, f := range []struct {
		src *int64
		dst *int64
	}{
		{a.RequestsPerMinute, &p.RequestsPerMinute},
		{a.TokensPerRequest, &p.TokensPerRequest},
		{a.TokensPerDay, &p.TokensPerDay},
		{a.TokensPerMonth, &p.TokensPerMonth},
	} {
		if f.src != nil {
			*f.dst = *f.src
		}
	}
	return p
}

type daysArgs struct {
	Days int `json:"days"`
}

type historyArgs struct {
	SessionID string `json:"session_id"`
	Limit     int    `json:"limit"`
}

// toolHandler is a function that handles a tool call.
type toolHandler func(ctx context.Context, s *Server, args json.RawMessage) ToolCallResult

// toolHandlers maps tool names to their handlers.
var toolHandlers = map[string]toolHandler{
	"tiercache_answer":          handleAnswer,
	"tiercache_usage":           handleUsage,
	"tiercache_quota_status":    handleQuotaStatus,
	"tiercache_cache_stats":     handleCacheStats,
	"tiercache_daily_stats":     handleDailyStats,
	"tiercache_session_history": handleSessionHistory,
	"tiercache_memory_search":   handleMemorySearch,
	"tiercache_policy":          handlePolicy,
	"tiercache_set_policy":      handleSetPolicy,
}

func ceilingSchema(desc string) map[string]any {
	return map[string]any{"type": "integer", "minimum": 0, "description": desc}
}

var noArgs = map[string]any{
	"type":       "object",
	"properties": map[string]any{},
}

// allTools is the list of tool definitions exposed via tools/list.
var allTools = []ToolDefinition{
	{
		Name:        "tiercache_answer",
		Description: "Answer a question, serving it from the exact or semantic cache when possible and calling the model otherwise.",
		InputSchema: map[string]any{
			"type":     "object",
			"required": []string{"query"},
			"properties": map[string]any{
				"query": map[string]any{
					"type":        "string",
					"description": "The question to answer",
				},
				"session_id": map[string]any{
					"type":        "string",
					"description": "Conversation session (optional, auto-detected when omitted)",
				},
				"article_id": map[string]any{
					"type":        "string",
					"description": "Article the question is about (optional)",
				},
				"skip_cache": map[string]any{
					"type":        "boolean",
					"description": "Bypass both cache tiers (optional)",
				},
				"use_memory": map[string]any{
					"type":        "boolean",
					"description": "Give the model the closest earlier exchanges as context (optional)",
				},
			},
		},
	},
	{
		Name:        "tiercache_memory_search",
		Description: "Find earlier answered questions closest in meaning to a query, without a similarity threshold.",
		InputSchema: map[string]any{
			"type":     "object",
			"required": []string{"query"},
			"properties": map[string]any{
				"query": map[string]any{
					"type":        "string",
					"description": "Text to search for",
				},
				"session_id": map[string]any{
					"type":        "string",
					"description": "Session to search when caching is scoped by session (optional)",
				},
				"article_id": map[string]any{
					"type":        "string",
					"description": "Article whose exchanges to search (optional)",
				},
				"limit": map[string]any{
					"type":        "integer",
					"description": "Maximum results, 1 to 50 (optional)",
				},
			},
		},
	},
	{
		Name:        "tiercache_policy",
		Description: "Show the quota ceilings in force.",
		InputSchema: noArgs,
	},
	{
		Name:        "tiercache_set_policy",
		Description: "Change quota ceilings until the server exits. Omitted fields keep their value; 0 disables a ceiling.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"enabled":             map[string]any{"type": "boolean", "description": "Enforce ceilings at all"},
				"requests_per_minute": ceilingSchema("Requests per minute"),
				"tokens_per_request":  ceilingSchema("Estimated tokens per request"),
				"tokens_per_day":      ceilingSchema("Tokens per UTC day"),
				"tokens_per_month":    ceilingSchema("Tokens per UTC month"),
			},
		},
	},
	{
		Name:        "tiercache_usage",
		Description: "Show tokens consumed and reserved today and this month, and requests this minute.",
		InputSchema: noArgs,
	},
	{
		Name:        "tiercache_quota_status",
		Description: "Show usage against every configured quota ceiling and when each period resets.",
		InputSchema: noArgs,
	},
	{
		Name:        "tiercache_cache_stats",
		Description: "Show exact and semantic cache statistics (entries, hits, misses, hit rate).",
		InputSchema: noArgs,
	},
	{
		Name:        "tiercache_daily_stats",
		Description: "Show per-day answer statistics: queries, tokens, exact and semantic hits, denials and latency.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"days": map[string]any{
					"type":        "integer",
					"description": "Number of days including today (optional, default 7)",
				},
			},
		},
	},
	{
		Name:        "tiercache_session_history",
		Description: "Show the answered questions of a session, newest first.",
		InputSchema: map[string]any{
			"type":     "object",
			"required": []string{"session_id"},
			"properties": map[string]any{
				"session_id": map[string]any{
					"type":        "string",
					"description": "The session ID to inspect",
				},
				"limit": map[string]any{
					"type":        "integer",
					"description": "Maximum turns, 1 to 100 (optional, default 10)",
				},
			},
		},
	},
}

func textResult(text string) ToolCallResult {
	return ToolCallResult{
		Content: []ContentBlock{{Type: "text", Text: text}},
	}
}

func errorResult(text string) ToolCallResult {
	return ToolCallResult{
		Content: []ContentBlock{{Type: "text", Text: text}},
		IsError: true,
	}
}

func decodeArgs(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, v)
}

func handleAnswer(ctx context.Context, s *Server, rawArgs json.RawMessage) ToolCallResult {
	var args answerArgs
	if err := decodeArgs(rawArgs, &args); err != nil {
		return errorResult("Invalid arguments: " + err.Error())
	}
	if strings.TrimSpace(args.Query) == "" {
		return errorResult("query is required")
	}

	sessionID := args.SessionID
	if s.deps.Tracker != nil {
		sid, err := s.deps.Tracker.ResolveSession(ctx, "mcp", args.SessionID, s.deps.SessionGap)
		if err != nil {
			s.logger.Warn("session resolve failed", zap.Error(err))
		} else {
			sessionID = sid
		}
	}

	res, err := s.deps.Orchestrator.Answer(ctx, orchestrator.Request{
		Query:     args.Query,
		SessionID: sessionID,
		ArticleID: args.ArticleID,
		SkipCache: args.SkipCache,
		UseMemory: args.UseMemory,
	})
	if err != nil {
		if res.Denial != nil {
			return errorResult(formatDenial(res))
		}
		var oe *orchestrator.Error
		if errors.As(err, &oe) {
			return errorResult("Answer failed (" + string(oe.Kind) + "): " + oe.Reason)
		}
		return errorResult("Answer failed: " + err.Error())
	}
	return textResult(formatAnswer(res))
}

func handleUsage(ctx context.Context, s *Server, _ json.RawMessage) ToolCallResult {
	snap, err := s.deps.Orchestrator.UsageSnapshot(ctx)
	if err != nil {
		return errorResult("Error fetching usage: " + err.Error())
	}
	return textResult(formatUsage(snap))
}

func handleQuotaStatus(ctx context.Context, s *Server, _ json.RawMessage) ToolCallResult {
	if s.deps.Ledger == nil {
		return textResult("Quota ledger is not configured.")
	}
	statuses, err := s.deps.Ledger.Status(ctx)
	if err != nil {
		return errorResult("Error fetching quota status: " + err.Error())
	}
	return textResult(formatQuotaStatus(statuses, s.deps.Ledger.ResetsAt))
}

func handleCacheStats(ctx context.Context, s *Server, _ json.RawMessage) ToolCallResult {
	if len(s.deps.Caches) == 0 {
		return textResult("Cache is not configured.")
	}
	tiers := make([]string, 0, len(s.deps.Caches))
	for tier := range s.deps.Caches {
		tiers = append(tiers, tier)
	}
	slices.Sort(tiers)

	var b strings.Builder
	for _, tier := range tiers {
		stats, err := s.deps.Caches[tier].Stats(ctx)
		if err != nil {
			return errorResult("Error fetching " + tier + " cache stats: " + err.Error())
		}
		b.WriteString(formatCacheStats(tier, stats))
	}
	return textResult(b.String())
}

func handleDailyStats(ctx context.Context, s *Server, rawArgs json.RawMessage) ToolCallResult {
	if s.deps.Tracker == nil {
		return textResult("Answer log is not configured.")
	}
	var args daysArgs
	if err := decodeArgs(rawArgs, &args); err != nil {
		return errorResult("Invalid arguments: " + err.Error())
	}
	stats, err := s.deps.Tracker.DailyStats(ctx, args.Days)
	if err != nil {
		return errorResult("Error fetching daily stats: " + err.Error())
	}
	return textResult(formatDailyStats(stats))
}

func handleSessionHistory(ctx context.Context, s *Server, rawArgs json.RawMessage) ToolCallResult {
	if s.deps.Tracker == nil {
		return textResult("Answer log is not configured.")
	}
	var args historyArgs
	if err := decodeArgs(rawArgs, &args); err != nil {
		return errorResult("Invalid arguments: " + err.Error())
	}
	if args.SessionID == "" {
		return errorResult("session_id is required")
	}
	limit := args.Limit
	if limit == 0 {
		limit = 10
	}
	turns, err := s.deps.Tracker.History(ctx, args.SessionID, min(max(limit, 1), 100))
	if err != nil {
		return errorResult("Error fetching session history: " + err.Error())
	}
	slices.Reverse(turns)
	return textResult(formatHistory(turns))
}

func handleMemorySearch(ctx context.Context, s *Server, rawArgs json.RawMessage) ToolCallResult {
	if s.deps.Memory == nil {
		return textResult("Semantic memory is not configured.")
	}
	var args memoryArgs
	if err := decodeArgs(rawArgs, &args); err != nil {
		return errorResult("Invalid arguments: " + err.Error())
	}
	if strings.TrimSpace(args.Query) == "" {
		return errorResult("query is required")
	}
	hits, err := s.deps.Memory.SearchMemory(ctx, orchestrator.MemoryQuery{
		Query:     args.Query,
		SessionID: args.SessionID,
		ArticleID: args.ArticleID,
		Limit:     min(max(args.Limit, 0), 50),
	})
	if err != nil {
		return errorResult("Error searching memory: " + err.Error())
	}
	return textResult(formatMemory(hits))
}

func handlePolicy(_ context.Context, s *Server, _ json.RawMessage) ToolCallResult {
	if s.deps.Policy == nil {
		return textResult("Quota ledger is not configured.")
	}
	return textResult(formatPolicy(s.deps.Policy.Policy()))
}

func handleSetPolicy(_ context.Context, s *Server, rawArgs json.RawMessage) ToolCallResult {
	if s.deps.Policy == nil {
		return textResult("Quota ledger is not configured.")
	}
	var args policyArgs
	if err := decodeArgs(rawArgs, &args); err != nil {
		return errorResult("Invalid arguments: " + err.Error())
	}
	policy := args.apply(s.deps.Policy.Policy())
	if err := policy.Validate(); err != nil {
		return errorResult("Invalid policy: " + err.Error())
	}
	s.deps.Policy.SetPolicy(policy)
	s.logger.Info("quota policy updated", zap.Any("policy", policy))
	return textResult(formatPolicy(policy))
}
