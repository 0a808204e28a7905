// Package invoker performs the paid language-model call behind the caches.
package invoker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/pario-ai/tiercache/pkg/config"
	"github.com/pario-ai/tiercache/pkg/models"
	"github.com/pario-ai/tiercache/pkg/router"
)

const (
	anthropicVersion      = "2023-06-01"
	defaultAnthropicLimit = 1024
	maxResponseBytes      = 4 << 20
)

// Prompt is a single question with its prior conversation. Memory holds
// related earlier exchanges, sent to the model as a system note.
type Prompt struct {
	Query   string
	History []models.ConversationTurn
	Memory  []models.SemanticHit
}

// MemoryNote renders p.Memory as system text, or "" when there is none.
func (p Prompt) MemoryNote() string {
	if len(p.Memory) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Relevant earlier exchanges:")
	for _, m := range p.Memory {
		fmt.Fprintf(&b, "\nQ: %s\nA: %s", m.Record.Query, m.Record.Response)
	}
	return b.String()
}

// Answer is a successful completion.
type Answer struct {
	Text     string
	Usage    models.Usage
	Model    string
	Provider string
}

// TokensUsed returns the total tokens billed for the answer.
func (a Answer) TokensUsed() int64 { return int64(a.Usage.TotalTokens) }

// Invoker calls upstream providers with fallback routing and a circuit breaker
// per provider.
type Invoker struct {
	router   *router.Router
	model    config.ModelConfig
	timeout  time.Duration
	client   *http.Client
	breakers map[string]*gobreaker.CircuitBreaker
	logger   *zap.Logger
}

// New creates an Invoker from the given configuration.
func New(cfg *config.Config, logger *zap.Logger) *Invoker {
	if logger == nil {
		logger = zap.NewNop()
	}
	inv := &Invoker{
		router:   router.New(cfg),
		model:    cfg.Model,
		timeout:  cfg.Invoke.Timeout,
		client:   &http.Client{},
		breakers: make(map[string]*gobreaker.CircuitBreaker, len(cfg.Providers)),
		logger:   logger,
	}
	trip := cfg.Invoke.Breaker.ConsecutiveFailures
	for _, p := range cfg.Providers {
		inv.breakers[p.Name] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        p.Name,
			MaxRequests: 1,
			Timeout:     cfg.Invoke.Breaker.OpenTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return trip > 0 && counts.ConsecutiveFailures >= trip
			},
			IsSuccessful: func(err error) bool {
				f, ok := AsFailure(err)
				return err == nil || (ok && !f.Transient())
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Warn("circuit breaker state change",
					zap.String("provider", name),
					zap.String("from", from.String()),
					zap.String("to", to.String()))
			},
		})
	}
	return inv
}

// Model returns the configured model alias.
func (i *Invoker) Model() string { return i.model.Name }

// Invoke asks the configured model. Routes are tried in order; a transient
// failure moves to the next route, a fatal failure stops immediately. The
// returned error is always a *Failure.
func (i *Invoker) Invoke(ctx context.Context, p Prompt) (Answer, error) {
	routes, err := i.router.Resolve(i.model.Name)
	if err != nil {
		return Answer{}, invalid("", "no route", err)
	}

	var last *Failure
	for _, route := range routes {
		ans, err := i.attempt(ctx, route, p)
		if err == nil {
			return ans, nil
		}
		f, ok := AsFailure(err)
		if !ok {
			f = classifyTransport(route.Provider.Name, err)
		}
		last = f
		if !f.Transient() || ctx.Err() != nil {
			break
		}
		i.logger.Warn("upstream failed, trying next route",
			zap.String("provider", route.Provider.Name),
			zap.String("model", route.Model),
			zap.String("kind", string(f.Kind)),
			zap.Error(f))
	}
	return Answer{}, last
}

func (i *Invoker) attempt(ctx context.Context, route router.Route, p Prompt) (Answer, error) {
	if i.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, i.timeout)
		defer cancel()
	}

	call := func() (any, error) {
		if route.Format() == router.FormatAnthropic {
			return i.callAnthropic(ctx, route, p)
		}
		return i.callOpenAI(ctx, route, p)
	}

	var out any
	var err error
	if cb, ok := i.breakers[route.Provider.Name]; ok {
		out, err = cb.Execute(call)
	} else {
		out, err = call()
	}
	if err != nil {
		return Answer{}, err
	}
	return out.(Answer), nil
}

func (i *Invoker) messages(p Prompt) []models.ChatMessage {
	msgs := make([]models.ChatMessage, 0, 2*len(p.History)+1)
	for _, turn := range p.History {
		msgs = append(msgs,
			models.ChatMessage{Role: "user", Content: turn.Query},
			models.ChatMessage{Role: "assistant", Content: turn.Response})
	}
	return append(msgs, models.ChatMessage{Role: "user", Content: p.Query})
}

func (i *Invoker) callOpenAI(ctx context.Context, route router.Route, p Prompt) (Answer, error) {
	var system []models.ChatMessage
	if i.model.SystemPrompt != "" {
		system = append(system, models.ChatMessage{Role: "system", Content: i.model.SystemPrompt})
	}
	if note := p.MemoryNote(); note != "" {
		system = append(system, models.ChatMessage{Role: "system", Content: note})
	}
	msgs := append(system, i.messages(p)...)
	req := models.ChatCompletionRequest{Model: route.Model, Messages: msgs}
	temp := i.model.Temperature
	req.Temperature = &temp
	if i.model.MaxCompletionTokens > 0 {
		n := i.model.MaxCompletionTokens
		req.MaxTokens = &n
	}

	headers := map[string]string{"Authorization": "Bearer " + route.Provider.APIKey}
	body, err := i.post(ctx, route, "/v1/chat/completions", headers, req)
	if err != nil {
		return Answer{}, err
	}

	var resp models.ChatCompletionResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return Answer{}, invalid(route.Provider.Name, "undecodable completion", err)
	}
	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
		return Answer{}, invalid(route.Provider.Name, "empty completion", nil)
	}
	ans := Answer{
		Text:     resp.Choices[0].Message.Content,
		Model:    resp.Model,
		Provider: route.Provider.Name,
	}
	if resp.Usage != nil {
		ans.Usage = *resp.Usage
	}
	if ans.Model == "" {
		ans.Model = route.Model
	}
	return ans, nil
}

func (i *Invoker) callAnthropic(ctx context.Context, route router.Route, p Prompt) (Answer, error) {
	req := models.AnthropicRequest{
		Model:     route.Model,
		Messages:  i.messages(p),
		System:    i.model.SystemPrompt,
		MaxTokens: i.model.MaxCompletionTokens,
	}
	if note := p.MemoryNote(); note != "" {
		req.System = strings.TrimSpace(req.System + "\n\n" + note)
	}
	if req.MaxTokens <= 0 {
		req.MaxTokens = defaultAnthropicLimit
	}
	temp := i.model.Temperature
	req.Temperature = &temp

	headers := map[string]string{
		"x-api-key":         route.Provider.APIKey,
		"anthropic-version": anthropicVersion,
	}
	body, err := i.post(ctx, route, "/v1/messages", headers, req)
	if err != nil {
		return Answer{}, err
	}

	var resp models.AnthropicResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return Answer{}, invalid(route.Provider.Name, "undecodable completion", err)
	}
	var text strings.Builder
	for _, c := range resp.Content {
		if c.Type == "text" {
			text.WriteString(c.Text)
		}
	}
	if strings.TrimSpace(text.String()) == "" {
		return Answer{}, invalid(route.Provider.Name, "empty completion", nil)
	}
	ans := Answer{Text: text.String(), Model: resp.Model, Provider: route.Provider.Name}
	if resp.Usage != nil {
		ans.Usage = *resp.Usage.ToUsage()
	}
	if ans.Model == "" {
		ans.Model = route.Model
	}
	return ans, nil
}

// post sends a JSON request and returns the body of a 2xx response.
func (i *Invoker) post(ctx context.Context, route router.Route, path string, headers map[string]string, payload any) ([]byte, error) {
	target, err := url.Parse(route.Provider.URL)
	if err != nil {
		return nil, invalid(route.Provider.Name, "invalid provider URL", err)
	}
	reqBody, err := json.Marshal(payload)
	if err != nil {
		return nil, invalid(route.Provider.Name, "encode request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(target.String(), "/")+path, bytes.NewReader(reqBody))
	if err != nil {
		return nil, invalid(route.Provider.Name, "create request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := i.client.Do(req)
	if err != nil {
		return nil, classifyTransport(route.Provider.Name, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, classifyTransport(route.Provider.Name, fmt.Errorf("read response: %w", err))
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, classifyStatus(route.Provider.Name, resp.StatusCode, body)
	}
	return body, nil
}

func upstreamMessage(body []byte) string {
	var e models.UpstreamError
	if err := json.Unmarshal(body, &e); err != nil {
		return ""
	}
	return e.Error.Message
}
