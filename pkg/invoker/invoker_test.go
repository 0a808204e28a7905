package invoker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pario-ai/tiercache/pkg/config"
	"github.com/pario-ai/tiercache/pkg/models"
)

func newTestInvoker(t *testing.T, providers ...config.ProviderConfig) *Invoker {
	t.Helper()
	cfg := config.Default()
	cfg.Providers = providers
	cfg.Model.Name = "answer"
	cfg.Model.SystemPrompt = "You are a debate research assistant."
	cfg.Invoke.Timeout = 2 * time.Second
	if len(providers) > 1 {
		var targets []config.RouteTarget
		for _, p := range providers {
			targets = append(targets, config.RouteTarget{Provider: p.Name, Model: p.Name + "-model"})
		}
		cfg.Router.Routes = []config.RouteConfig{{Model: "answer", Targets: targets}}
	}
	return New(cfg, nil)
}

func openAIServer(t *testing.T, status int, body string, calls *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls != nil {
			calls.Add(1)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

const okCompletion = `{"id":"c1","model":"gpt-4o","choices":[{"index":0,"message":{"role":"assistant","content":"The resolution concerns Arctic sovereignty."},"finish_reason":"stop"}],"usage":{"prompt_tokens":120,"completion_tokens":730,"total_tokens":850}}`

func TestInvokeOpenAI(t *testing.T) {
	var got models.ChatCompletionRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-1", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(okCompletion))
	}))
	defer srv.Close()

	inv := newTestInvoker(t, config.ProviderConfig{Name: "openai", URL: srv.URL, APIKey: "sk-1"})
	ans, err := inv.Invoke(context.Background(), Prompt{
		Query:   "What is the Arctic resolution about?",
		History: []models.ConversationTurn{{Query: "hi", Response: "hello"}},
	})
	require.NoError(t, err)

	assert.Equal(t, "The resolution concerns Arctic sovereignty.", ans.Text)
	assert.Equal(t, int64(850), ans.TokensUsed())
	assert.Equal(t, "openai", ans.Provider)

	require.Len(t, got.Messages, 4)
	assert.Equal(t, "system", got.Messages[0].Role)
	assert.Equal(t, "assistant", got.Messages[2].Role)
	assert.Equal(t, "What is the Arctic resolution about?", got.Messages[3].Content)
	require.NotNil(t, got.MaxTokens)
	assert.Equal(t, 1000, *got.MaxTokens)
}

func TestInvokeAnthropic(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "sk-ant", r.Header.Get("x-api-key"))
		assert.Equal(t, anthropicVersion, r.Header.Get("anthropic-version"))
		var req models.AnthropicRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "You are a debate research assistant.", req.System)
		_, _ = w.Write([]byte(`{"id":"m1","model":"claude-sonnet","content":[{"type":"text","text":"Sovereignty claims."}],"usage":{"input_tokens":100,"output_tokens":50}}`))
	}))
	defer srv.Close()

	inv := newTestInvoker(t, config.ProviderConfig{Name: "anthropic", URL: srv.URL, APIKey: "sk-ant", Type: "anthropic"})
	ans, err := inv.Invoke(context.Background(), Prompt{Query: "q"})
	require.NoError(t, err)
	assert.Equal(t, "Sovereignty claims.", ans.Text)
	assert.Equal(t, int64(150), ans.TokensUsed())
}

func TestInvokeSendsMemoryAsSystemNote(t *testing.T) {
	memory := []models.SemanticHit{{
		Record:     models.EmbeddingRecord{Query: "Which states border the Arctic?", Response: "Five coastal states."},
		Similarity: 0.7,
	}}

	var got models.ChatCompletionRequest
	oai := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(okCompletion))
	}))
	defer oai.Close()

	inv := newTestInvoker(t, config.ProviderConfig{Name: "openai", URL: oai.URL})
	_, err := inv.Invoke(context.Background(), Prompt{Query: "q", Memory: memory})
	require.NoError(t, err)
	require.Len(t, got.Messages, 3)
	assert.Equal(t, "You are a debate research assistant.", got.Messages[0].Content)
	assert.Equal(t, "system", got.Messages[1].Role)
	assert.Contains(t, got.Messages[1].Content, "Q: Which states border the Arctic?\nA: Five coastal states.")
	assert.Equal(t, "q", got.Messages[2].Content)

	var system string
	ant := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req models.AnthropicRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		system = req.System
		_, _ = w.Write([]byte(`{"content":[{"type":"text","text":"ok"}],"usage":{"input_tokens":1,"output_tokens":1}}`))
	}))
	defer ant.Close()

	inv = newTestInvoker(t, config.ProviderConfig{Name: "anthropic", URL: ant.URL, Type: "anthropic"})
	_, err = inv.Invoke(context.Background(), Prompt{Query: "q", Memory: memory})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(system, "You are a debate research assistant.\n\nRelevant earlier exchanges:"), system)
}

func TestMemoryNoteEmpty(t *testing.T) {
	assert.Empty(t, Prompt{Query: "q"}.MemoryNote())
}

func TestInvokeFailureKinds(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		kind      Kind
		transient bool
	}{
		{"rate limited", http.StatusTooManyRequests, `{"error":{"message":"slow down","type":"rate_limit"}}`, KindRateLimited, true},
		{"account quota", http.StatusTooManyRequests, `{"error":{"message":"You exceeded your quota","code":"insufficient_quota"}}`, KindQuotaExceededUpstream, false},
		{"payment required", http.StatusPaymentRequired, `{}`, KindQuotaExceededUpstream, false},
		{"bad gateway", http.StatusBadGateway, ``, KindTimeout, true},
		{"unavailable", http.StatusServiceUnavailable, ``, KindTimeout, true},
		{"gateway timeout", http.StatusGatewayTimeout, ``, KindTimeout, true},
		{"bad request", http.StatusBadRequest, `{"error":{"message":"bad"}}`, KindInvalidResponse, false},
		{"garbage body", http.StatusOK, `not json`, KindInvalidResponse, false},
		{"empty completion", http.StatusOK, `{"choices":[]}`, KindInvalidResponse, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := openAIServer(t, tt.status, tt.body, nil)
			inv := newTestInvoker(t, config.ProviderConfig{Name: "openai", URL: srv.URL})

			_, err := inv.Invoke(context.Background(), Prompt{Query: "q"})
			f, ok := AsFailure(err)
			require.True(t, ok, "expected *Failure, got %v", err)
			assert.Equal(t, tt.kind, f.Kind)
			assert.Equal(t, tt.transient, f.Transient())
		})
	}
}

func TestInvokeTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	cfg := config.Default()
	cfg.Providers = []config.ProviderConfig{{Name: "slow", URL: srv.URL}}
	cfg.Invoke.Timeout = 50 * time.Millisecond
	inv := New(cfg, nil)

	_, err := inv.Invoke(context.Background(), Prompt{Query: "q"})
	f, ok := AsFailure(err)
	require.True(t, ok)
	assert.Equal(t, KindTimeout, f.Kind)
	assert.True(t, f.Transient())
}

func TestInvokeFallsBackOnTransient(t *testing.T) {
	var primary, secondary atomic.Int32
	bad := openAIServer(t, http.StatusServiceUnavailable, ``, &primary)
	good := openAIServer(t, http.StatusOK, okCompletion, &secondary)

	inv := newTestInvoker(t,
		config.ProviderConfig{Name: "primary", URL: bad.URL},
		config.ProviderConfig{Name: "secondary", URL: good.URL})

	ans, err := inv.Invoke(context.Background(), Prompt{Query: "q"})
	require.NoError(t, err)
	assert.Equal(t, "secondary", ans.Provider)
	assert.Equal(t, int32(1), primary.Load())
	assert.Equal(t, int32(1), secondary.Load())
}

func TestInvokeStopsOnFatal(t *testing.T) {
	var secondary atomic.Int32
	bad := openAIServer(t, http.StatusBadRequest, `{}`, nil)
	good := openAIServer(t, http.StatusOK, okCompletion, &secondary)

	inv := newTestInvoker(t,
		config.ProviderConfig{Name: "primary", URL: bad.URL},
		config.ProviderConfig{Name: "secondary", URL: good.URL})

	_, err := inv.Invoke(context.Background(), Prompt{Query: "q"})
	f, ok := AsFailure(err)
	require.True(t, ok)
	assert.Equal(t, KindInvalidResponse, f.Kind)
	assert.Zero(t, secondary.Load(), "fatal failures must not fall through")
}

func TestBreakerOpensAsRateLimited(t *testing.T) {
	var calls atomic.Int32
	srv := openAIServer(t, http.StatusBadGateway, ``, &calls)

	cfg := config.Default()
	cfg.Providers = []config.ProviderConfig{{Name: "openai", URL: srv.URL}}
	cfg.Invoke.Breaker.ConsecutiveFailures = 2
	cfg.Invoke.Breaker.OpenTimeout = time.Minute
	inv := New(cfg, nil)

	for range 2 {
		_, err := inv.Invoke(context.Background(), Prompt{Query: "q"})
		f, _ := AsFailure(err)
		require.Equal(t, KindTimeout, f.Kind)
	}

	_, err := inv.Invoke(context.Background(), Prompt{Query: "q"})
	f, ok := AsFailure(err)
	require.True(t, ok)
	assert.Equal(t, KindRateLimited, f.Kind)
	assert.Equal(t, int32(2), calls.Load(), "open breaker must not reach upstream")
}

func TestFatalFailuresDoNotTripBreaker(t *testing.T) {
	var calls atomic.Int32
	srv := openAIServer(t, http.StatusBadRequest, `{}`, &calls)

	cfg := config.Default()
	cfg.Providers = []config.ProviderConfig{{Name: "openai", URL: srv.URL}}
	cfg.Invoke.Breaker.ConsecutiveFailures = 1
	inv := New(cfg, nil)

	for range 3 {
		_, err := inv.Invoke(context.Background(), Prompt{Query: "q"})
		f, _ := AsFailure(err)
		require.Equal(t, KindInvalidResponse, f.Kind)
	}
	assert.Equal(t, int32(3), calls.Load())
}
