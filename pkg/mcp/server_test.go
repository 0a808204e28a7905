package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/pario-ai/tiercache/pkg/models"
	"github.com/pario-ai/tiercache/pkg/orchestrator"
)

// fakeTracker implements tracker.Tracker for testing.
type fakeTracker struct {
	daily    []models.DailyStats
	turns    []models.ConversationTurn
	gotLimit int
}

func (f *fakeTracker) Record(_ context.Context, _ models.AnswerRecord) error { return nil }
func (f *fakeTracker) DailyStats(_ context.Context, _ int) ([]models.DailyStats, error) {
	return f.daily, nil
}
func (f *fakeTracker) History(_ context.Context, _ string, limit int) ([]models.ConversationTurn, error) {
	f.gotLimit = limit
	return append([]models.ConversationTurn(nil), f.turns...), nil
}
func (f *fakeTracker) ResolveSession(_ context.Context, _, explicit string, _ time.Duration) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	return "sess_20260301_abcdef", nil
}
func (f *fakeTracker) ListSessions(_ context.Context, _ string) ([]models.Session, error) {
	return nil, nil
}
func (f *fakeTracker) Prune(_ context.Context, _ time.Duration) (int64, error) { return 0, nil }
func (f *fakeTracker) Close() error                                            { return nil }

type fakeAnswerer struct {
	result orchestrator.Result
	err    error
	got    orchestrator.Request
	snap   models.UsageSnapshot
}

func (f *fakeAnswerer) Answer(_ context.Context, req orchestrator.Request) (orchestrator.Result, error) {
	f.got = req
	return f.result, f.err
}
func (f *fakeAnswerer) UsageSnapshot(_ context.Context) (models.UsageSnapshot, error) {
	return f.snap, nil
}

type fakeLedger struct {
	statuses []models.QuotaStatus
}

func (f *fakeLedger) Status(_ context.Context) ([]models.QuotaStatus, error) { return f.statuses, nil }
func (f *fakeLedger) ResetsAt(_ models.Scope) time.Time {
	return time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
}

// fakeCache implements CacheStatter for testing.
type fakeCache struct {
	stats models.CacheStats
}

func (f *fakeCache) Stats(_ context.Context) (models.CacheStats, error) { return f.stats, nil }

func sendAndReceive(t *testing.T, srv *Server, req Request) Response {
	t.Helper()
	line, err := json.Marshal(req)
	if err != nil {
		t.Fatal(err)
	}
	line = append(line, '\n')

	var out bytes.Buffer
	if err := srv.Run(context.Background(), bytes.NewReader(line), &out); err != nil {
		t.Fatal(err)
	}

	var resp Response
	if err := json.Unmarshal(out.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v\nraw: %s", err, out.String())
	}
	return resp
}

func callTool(t *testing.T, srv *Server, name, args string) ToolCallResult {
	t.Helper()
	params, _ := json.Marshal(ToolCallParams{Name: name, Arguments: json.RawMessage(args)})
	resp := sendAndReceive(t, srv, Request{
		JSONRPC: "2.0",
		ID:      json.RawMessage(`1`),
		Method:  "tools/call",
		Params:  params,
	})
	if resp.Error != nil {
		t.Fatalf("unexpected error: %v", resp.Error)
	}
	data, _ := json.Marshal(resp.Result)
	var result ToolCallResult
	json.Unmarshal(data, &result)
	if len(result.Content) == 0 {
		t.Fatal("expected content")
	}
	return result
}

func TestInitialize(t *testing.T) {
	srv := New(Deps{Orchestrator: &fakeAnswerer{}}, "test")
	resp := sendAndReceive(t, srv, Request{
		JSONRPC: "2.0",
		ID:      json.RawMessage(`1`),
		Method:  "initialize",
	})

	if resp.Error != nil {
		t.Fatalf("unexpected error: %v", resp.Error)
	}

	data, _ := json.Marshal(resp.Result)
	var result InitializeResult
	json.Unmarshal(data, &result)

	if result.ProtocolVersion != "2024-11-05" {
		t.Errorf("protocol version = %s, want 2024-11-05", result.ProtocolVersion)
	}
	if result.ServerInfo.Name != "tiercache" {
		t.Errorf("server name = %s, want tiercache", result.ServerInfo.Name)
	}
}

func TestToolsList(t *testing.T) {
	srv := New(Deps{Orchestrator: &fakeAnswerer{}}, "test")
	resp := sendAndReceive(t, srv, Request{
		JSONRPC: "2.0",
		ID:      json.RawMessage(`2`),
		Method:  "tools/list",
	})

	data, _ := json.Marshal(resp.Result)
	var result ToolsListResult
	json.Unmarshal(data, &result)

	if len(result.Tools) != len(toolHandlers) {
		t.Errorf("got %d tools, want %d", len(result.Tools), len(toolHandlers))
	}
	for _, tool := range result.Tools {
		if _, ok := toolHandlers[tool.Name]; !ok {
			t.Errorf("listed tool %s has no handler", tool.Name)
		}
	}
}

func TestToolCallAnswer(t *testing.T) {
	ans := &fakeAnswerer{result: orchestrator.Result{
		Text:       "The resolution concerns Arctic shipping lanes.",
		Source:     models.SourceSemantic,
		Similarity: 0.91,
		SessionID:  "sess_20260301_abcdef",
	}}
	srv := New(Deps{Orchestrator: ans, Tracker: &fakeTracker{}}, "test")

	result := callTool(t, srv, "tiercache_answer", `{"query":"What is the Arctic resolution about?","article_id":"a1"}`)
	if result.IsError {
		t.Fatalf("unexpected tool error: %s", result.Content[0].Text)
	}
	text := result.Content[0].Text
	if !strings.Contains(text, "Arctic shipping") || !strings.Contains(text, "semantic") || !strings.Contains(text, "0.910") {
		t.Errorf("unexpected answer output: %s", text)
	}
	if ans.got.SessionID != "sess_20260301_abcdef" || ans.got.ArticleID != "a1" {
		t.Errorf("unexpected request: %+v", ans.got)
	}
}

func TestToolCallAnswerDenied(t *testing.T) {
	ans := &fakeAnswerer{
		result: orchestrator.Result{
			Source: models.SourceDenied,
			Denial: &models.Denial{Violations: []models.Violation{
				{Reason: models.DeniedTokensPerDay, Message: "daily token limit of 100000 reached"},
			}},
		},
		err: &orchestrator.Error{Kind: orchestrator.KindAdmissionDenied, Reason: "daily token limit of 100000 reached"},
	}
	srv := New(Deps{Orchestrator: ans}, "test")

	result := callTool(t, srv, "tiercache_answer", `{"query":"hello"}`)
	if !result.IsError {
		t.Error("expected isError=true for a denial")
	}
	if !strings.Contains(result.Content[0].Text, "tokens_per_day") {
		t.Errorf("expected denial reason, got: %s", result.Content[0].Text)
	}
}

func TestToolCallAnswerUpstreamFailure(t *testing.T) {
	ans := &fakeAnswerer{err: &orchestrator.Error{Kind: orchestrator.KindUpstreamFatal, Reason: "model call failed"}}
	srv := New(Deps{Orchestrator: ans}, "test")

	result := callTool(t, srv, "tiercache_answer", `{"query":"hello"}`)
	if !result.IsError || !strings.Contains(result.Content[0].Text, "upstream_fatal") {
		t.Errorf("unexpected result: %+v", result)
	}
}

func TestToolCallAnswerMissingQuery(t *testing.T) {
	srv := New(Deps{Orchestrator: &fakeAnswerer{}}, "test")
	result := callTool(t, srv, "tiercache_answer", `{"query":"  "}`)
	if !result.IsError {
		t.Error("expected isError=true for missing query")
	}
}

func TestToolCallUsageAndQuota(t *testing.T) {
	ans := &fakeAnswerer{snap: models.UsageSnapshot{DailyTokens: 99500, MonthlyTokens: 120000, DailyReserved: 250}}
	led := &fakeLedger{statuses: []models.QuotaStatus{
		{Scope: models.ScopeDay, PeriodKey: "2026-03-01", Metric: "tokens", Used: 99750, Limit: 100000, Remaining: 250},
	}}
	srv := New(Deps{Orchestrator: ans, Ledger: led}, "test")

	text := callTool(t, srv, "tiercache_usage", "").Content[0].Text
	if !strings.Contains(text, "99500") || !strings.Contains(text, "250 reserved") {
		t.Errorf("unexpected usage output: %s", text)
	}

	text = callTool(t, srv, "tiercache_quota_status", "").Content[0].Text
	if !strings.Contains(text, "99.8%") || !strings.Contains(text, "2026-03-02 00:00:00") {
		t.Errorf("unexpected quota output: %s", text)
	}
}

func TestToolCallCacheNotConfigured(t *testing.T) {
	srv := New(Deps{Orchestrator: &fakeAnswerer{}}, "test")

	result := callTool(t, srv, "tiercache_cache_stats", "")
	if !strings.Contains(result.Content[0].Text, "not configured") {
		t.Errorf("expected 'not configured', got: %s", result.Content[0].Text)
	}
}

func TestToolCallCacheStats(t *testing.T) {
	srv := New(Deps{
		Orchestrator: &fakeAnswerer{},
		Caches: map[string]CacheStatter{
			"exact":    &fakeCache{stats: models.CacheStats{Entries: 42, Hits: 10, Misses: 5}},
			"semantic": &fakeCache{stats: models.CacheStats{Entries: 7, Hits: 1, Misses: 3}},
		},
	}, "test")

	text := callTool(t, srv, "tiercache_cache_stats", "").Content[0].Text
	if !strings.Contains(text, "42") || !strings.Contains(text, "66.7%") || !strings.Contains(text, "25.0%") {
		t.Errorf("unexpected cache stats output: %s", text)
	}
	if strings.Index(text, "exact") > strings.Index(text, "semantic") {
		t.Errorf("expected tiers in name order, got: %s", text)
	}
}

func TestToolCallDailyStats(t *testing.T) {
	tr := &fakeTracker{daily: []models.DailyStats{
		{Day: "2026-03-01", TotalQueries: 4, TotalTokens: 1700, ExactHits: 1, SemanticHits: 1, LiveCalls: 2, AvgLatencyMs: 235.5},
	}}
	srv := New(Deps{Orchestrator: &fakeAnswerer{}, Tracker: tr}, "test")

	text := callTool(t, srv, "tiercache_daily_stats", `{"days":3}`).Content[0].Text
	if !strings.Contains(text, "2026-03-01") || !strings.Contains(text, "50.0%") || !strings.Contains(text, "235.5") {
		t.Errorf("unexpected daily stats output: %s", text)
	}
}

func TestToolCallSessionHistory(t *testing.T) {
	tr := &fakeTracker{turns: []models.ConversationTurn{
		{Query: "first question", Response: "first answer", Source: models.SourceLive},
		{Query: "second question", Response: "second answer", Source: models.SourceExact},
	}}
	srv := New(Deps{Orchestrator: &fakeAnswerer{}, Tracker: tr}, "test")

	text := callTool(t, srv, "tiercache_session_history", `{"session_id":"abc-123","limit":1000}`).Content[0].Text
	if strings.Index(text, "second question") > strings.Index(text, "first question") {
		t.Errorf("expected newest turn first, got: %s", text)
	}
	if tr.gotLimit != 100 {
		t.Errorf("limit = %d, want clamped to 100", tr.gotLimit)
	}
}

func TestToolCallSessionHistoryMissingID(t *testing.T) {
	srv := New(Deps{Orchestrator: &fakeAnswerer{}, Tracker: &fakeTracker{}}, "test")

	result := callTool(t, srv, "tiercache_session_history", `{}`)
	if !result.IsError {
		t.Error("expected isError=true for missing session_id")
	}
}

func TestUnknownTool(t *testing.T) {
	srv := New(Deps{Orchestrator: &fakeAnswerer{}}, "test")
	result := callTool(t, srv, "tiercache_unknown", "")
	if !result.IsError {
		t.Error("expected isError=true for unknown tool")
	}
}

func TestNotificationNoResponse(t *testing.T) {
	srv := New(Deps{Orchestrator: &fakeAnswerer{}}, "test")

	line, _ := json.Marshal(Request{
		JSONRPC: "2.0",
		Method:  "notifications/initialized",
	})
	line = append(line, '\n')

	var out bytes.Buffer
	_ = srv.Run(context.Background(), bytes.NewReader(line), &out)

	if out.Len() != 0 {
		t.Errorf("expected no output for notification, got: %s", out.String())
	}
}

func TestParseAndVersionErrors(t *testing.T) {
	srv := New(Deps{Orchestrator: &fakeAnswerer{}}, "test")

	var out bytes.Buffer
	input := "not json\n" + `{"jsonrpc":"1.0","id":3,"method":"ping"}` + "\n"
	if err := srv.Run(context.Background(), strings.NewReader(input), &out); err != nil {
		t.Fatal(err)
	}

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 responses, got %d: %s", len(lines), out.String())
	}
	var parse, version Response
	json.Unmarshal([]byte(lines[0]), &parse)
	json.Unmarshal([]byte(lines[1]), &version)
	if parse.Error == nil || parse.Error.Code != CodeParseError {
		t.Errorf("expected parse error, got %+v", parse)
	}
	if version.Error == nil || version.Error.Code != CodeInvalidRequest {
		t.Errorf("expected invalid request, got %+v", version)
	}
}

func TestUnknownMethod(t *testing.T) {
	srv := New(Deps{Orchestrator: &fakeAnswerer{}}, "test")
	resp := sendAndReceive(t, srv, Request{
		JSONRPC: "2.0",
		ID:      json.RawMessage(`9`),
		Method:  "unknown/method",
	})

	if resp.Error == nil {
		t.Fatal("expected error for unknown method")
	}
	if resp.Error.Code != CodeMethodNotFound {
		t.Errorf("error code = %d, want %d", resp.Error.Code, CodeMethodNotFound)
	}
}

type fakeMemory struct {
	hits []models.SemanticHit
	got  orchestrator.MemoryQuery
}

func (f *fakeMemory) SearchMemory(_ context.Context, q orchestrator.MemoryQuery) ([]models.SemanticHit, error) {
	f.got = q
	return f.hits, nil
}

type fakePolicy struct {
	policy models.QuotaPolicy
	sets   int
}

func (f *fakePolicy) Policy() models.QuotaPolicy { return f.policy }
func (f *fakePolicy) SetPolicy(p models.QuotaPolicy) {
	f.policy = p
	f.sets++
}

func TestToolCallAnswerUseMemory(t *testing.T) {
	ans := &fakeAnswerer{result: orchestrator.Result{Text: "ok", Source: models.SourceLive}}
	srv := New(Deps{Orchestrator: ans}, "test")

	if result := callTool(t, srv, "tiercache_answer", `{"query":"And the vote?","use_memory":true}`); result.IsError {
		t.Fatalf("unexpected tool error: %s", result.Content[0].Text)
	}
	if !ans.got.UseMemory {
		t.Error("use_memory was not passed to the orchestrator")
	}
}

func TestToolCallMemorySearch(t *testing.T) {
	mem := &fakeMemory{hits: []models.SemanticHit{{
		Record: models.EmbeddingRecord{
			Query:      "What is the Arctic resolution about?",
			Response:   "Shipping lanes.",
			InsertedAt: time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC),
		},
		Similarity: 0.734,
	}}}
	srv := New(Deps{Orchestrator: &fakeAnswerer{}, Memory: mem}, "test")

	result := callTool(t, srv, "tiercache_memory_search", `{"query":"arctic vote","article_id":"a1","limit":900}`)
	if result.IsError {
		t.Fatalf("unexpected tool error: %s", result.Content[0].Text)
	}
	text := result.Content[0].Text
	if !strings.Contains(text, "[0.734]") || !strings.Contains(text, "A: Shipping lanes.") {
		t.Errorf("unexpected memory output: %s", text)
	}
	if mem.got.ArticleID != "a1" || mem.got.Limit != 50 {
		t.Errorf("unexpected memory query: %+v", mem.got)
	}

	if result := callTool(t, srv, "tiercache_memory_search", `{}`); !result.IsError {
		t.Error("expected an error for a missing query")
	}

	srv = New(Deps{Orchestrator: &fakeAnswerer{}}, "test")
	if text := callTool(t, srv, "tiercache_memory_search", `{"query":"x"}`).Content[0].Text; !strings.Contains(text, "not configured") {
		t.Errorf("expected not configured, got %s", text)
	}
}

func TestToolCallSetPolicy(t *testing.T) {
	pol := &fakePolicy{policy: models.QuotaPolicy{Enabled: true, TokensPerDay: 100000, TokensPerMonth: 2000000}}
	srv := New(Deps{Orchestrator: &fakeAnswerer{}, Policy: pol}, "test")

	result := callTool(t, srv, "tiercache_set_policy", `{"tokens_per_request":500,"tokens_per_month":0}`)
	if result.IsError {
		t.Fatalf("unexpected tool error: %s", result.Content[0].Text)
	}
	want := models.QuotaPolicy{Enabled: true, TokensPerRequest: 500, TokensPerDay: 100000}
	if pol.policy != want {
		t.Errorf("got policy %+v, want %+v", pol.policy, want)
	}
	if text := result.Content[0].Text; !strings.Contains(text, "Tokens per month:    off") {
		t.Errorf("unexpected policy output: %s", text)
	}

	if result := callTool(t, srv, "tiercache_set_policy", `{"tokens_per_day":-1}`); !result.IsError {
		t.Error("expected an error for a negative ceiling")
	}
	if pol.sets != 1 {
		t.Errorf("rejected update must not be applied, got %d sets", pol.sets)
	}

	if text := callTool(t, srv, "tiercache_policy", "").Content[0].Text; !strings.Contains(text, "Tokens per request:  500") {
		t.Errorf("unexpected policy output: %s", text)
	}
}
