// Package server exposes the answer pipeline and its usage, statistics and
// cache views over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/pario-ai/tiercache/pkg/config"
	"github.com/pario-ai/tiercache/pkg/models"
	"github.com/pario-ai/tiercache/pkg/orchestrator"
	"github.com/pario-ai/tiercache/pkg/tracker"
)

// SourceHeader carries the tier that produced an answer.
const SourceHeader = "X-Tiercache-Source"

// SessionHeader is an alternative to the session_id body field.
const SessionHeader = "X-Tiercache-Session"

// Answerer is the orchestrator as the server uses it.
type Answerer interface {
	Answer(ctx context.Context, req orchestrator.Request) (orchestrator.Result, error)
	UsageSnapshot(ctx context.Context) (models.UsageSnapshot, error)
}

// Quota reports ledger state.
type Quota interface {
	Status(ctx context.Context) ([]models.QuotaStatus, error)
	History(ctx context.Context, days int) ([]models.DailyUsage, error)
	ResetsAt(scope models.Scope) time.Time
}

// StatsSource is a cache tier that reports its counters.
type StatsSource interface {
	Stats(ctx context.Context) (models.CacheStats, error)
}

// MemorySearcher looks up earlier exchanges by meaning.
type MemorySearcher interface {
	SearchMemory(ctx context.Context, q orchestrator.MemoryQuery) ([]models.SemanticHit, error)
}

// PolicyStore holds the quota ceilings of the running process.
type PolicyStore interface {
	Policy() models.QuotaPolicy
	SetPolicy(p models.QuotaPolicy)
}

// Deps are the collaborators of a Server. Tracker, Caches, Metrics, Memory
// and Policy are optional.
type Deps struct {
	Orchestrator Answerer
	Ledger       Quota
	Tracker      tracker.Tracker
	Caches       map[string]StatsSource
	Memory       MemorySearcher
	Policy       PolicyStore
	Metrics      http.Handler
	Logger       *zap.Logger
}

// Server is the tiercache HTTP API.
type Server struct {
	cfg    *config.Config
	deps   Deps
	keys   map[string]struct{}
	admins map[string]struct{}
	logger *zap.Logger
	mux    *http.ServeMux
}

// New creates a Server wired with all dependencies.
func New(cfg *config.Config, deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	s := &Server{
		cfg:    cfg,
		deps:   deps,
		keys:   make(map[string]struct{}, len(cfg.APIKeys)),
		admins: make(map[string]struct{}, len(cfg.AdminKeys)),
		logger: deps.Logger,
		mux:    http.NewServeMux(),
	}
	for _, k := range cfg.APIKeys {
		s.keys[k] = struct{}{}
	}
	for _, k := range cfg.AdminKeys {
		s.admins[k] = struct{}{}
	}

	s.mux.HandleFunc("POST /v1/answer", s.authorize(s.handleAnswer))
	s.mux.HandleFunc("GET /v1/usage", s.authorize(s.handleUsage))
	s.mux.HandleFunc("GET /v1/usage/status", s.authorize(s.handleUsageStatus))
	s.mux.HandleFunc("GET /v1/usage/history", s.authorize(s.handleUsageHistory))
	s.mux.HandleFunc("GET /v1/usage/policy", s.authorize(s.handleGetPolicy))
	s.mux.HandleFunc("PATCH /v1/usage/policy", s.authorizeAdmin(s.handlePatchPolicy))
	s.mux.HandleFunc("POST /v1/memory/search", s.authorize(s.handleMemorySearch))
	s.mux.HandleFunc("GET /v1/stats", s.authorize(s.handleStats))
	s.mux.HandleFunc("GET /v1/sessions", s.authorize(s.handleSessions))
	s.mux.HandleFunc("GET /v1/sessions/{id}/history", s.authorize(s.handleSessionHistory))
	s.mux.HandleFunc("GET /v1/cache/stats", s.authorize(s.handleCacheStats))
	s.mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if deps.Metrics != nil {
		path := cfg.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		s.mux.Handle("GET "+path, deps.Metrics)
	}
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// ListenAndServe starts the server with graceful shutdown support.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("tiercache listening", zap.String("addr", s.cfg.Listen))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// authorize rejects requests without a configured API key. With no keys
// configured every request passes.
func (s *Server) authorize(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if len(s.keys) > 0 {
			key := extractAPIKey(r)
			if key == "" {
				writeJSONError(w, http.StatusUnauthorized, "missing API key")
				return
			}
			if _, ok := s.keys[key]; !ok {
				writeJSONError(w, http.StatusUnauthorized, "unknown API key")
				return
			}
		}
		next(w, r)
	}
}

// authorizeAdmin admits only configured admin keys. With none configured
// the route is closed.
func (s *Server) authorizeAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if len(s.admins) == 0 {
			writeJSONError(w, http.StatusForbidden, "policy updates are disabled; configure admin_keys")
			return
		}
		key := extractAPIKey(r)
		if key == "" {
			writeJSONError(w, http.StatusUnauthorized, "missing API key")
			return
		}
		if _, ok := s.admins[key]; !ok {
			writeJSONError(w, http.StatusUnauthorized, "unknown admin key")
			return
		}
		next(w, r)
	}
}

type answerRequest struct {
	Query     string `json:"query"`
	SessionID string `json:"session_id,omitempty"`
	ArticleID string `json:"article_id,omitempty"`
	SkipCache bool   `json:"skip_cache,omitempty"`
	UseMemory bool   `json:"use_memory,omitempty"`
}

type answerResponse struct {
	Text          string                `json:"text"`
	Source        models.Source         `json:"source"`
	Similarity    float64               `json:"similarity,omitempty"`
	TokensUsed    int64                 `json:"tokens_used"`
	SessionID     string                `json:"session_id,omitempty"`
	RequestID     string                `json:"request_id"`
	DeniedReasons []models.DenialReason `json:"denied_reasons,omitempty"`
	Violations    []models.Violation    `json:"violations,omitempty"`
}

const maxAnswerBody = 1 << 20

func (s *Server) handleAnswer(w http.ResponseWriter, r *http.Request) {
	var req answerRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxAnswerBody)).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		writeJSONError(w, http.StatusBadRequest, "query is required")
		return
	}
	if req.SessionID == "" {
		req.SessionID = r.Header.Get(SessionHeader)
	}
	sessionID := s.resolveSessionID(r, req.SessionID)

	res, err := s.deps.Orchestrator.Answer(r.Context(), orchestrator.Request{
		Query:     req.Query,
		SessionID: sessionID,
		ArticleID: req.ArticleID,
		SkipCache: req.SkipCache,
		UseMemory: req.UseMemory,
	})

	resp := answerResponse{
		Text:       res.Text,
		Source:     res.Source,
		Similarity: res.Similarity,
		TokensUsed: res.TokensUsed,
		SessionID:  res.SessionID,
		RequestID:  res.RequestID,
	}
	if res.Source != "" {
		w.Header().Set(SourceHeader, string(res.Source))
	}

	switch kind := orchestrator.KindOf(err); {
	case err == nil:
		writeJSON(w, http.StatusOK, resp)
	case kind == orchestrator.KindAdmissionDenied && res.Denial != nil:
		resp.DeniedReasons = res.Denial.Reasons()
		resp.Violations = res.Denial.Violations
		if secs := s.retryAfter(res.Denial); secs > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(secs))
		}
		writeJSON(w, http.StatusTooManyRequests, resp)
	default:
		status := statusFor(kind)
		if status >= http.StatusInternalServerError {
			s.logger.Warn("answer failed", zap.String("request_id", res.RequestID), zap.String("kind", string(kind)), zap.Error(err))
		}
		writeJSONError(w, status, reasonOf(err))
	}
}

func statusFor(kind orchestrator.ErrorKind) int {
	switch kind {
	case orchestrator.KindAdmissionDenied:
		return http.StatusTooManyRequests
	case orchestrator.KindInvalidRequest:
		return http.StatusBadRequest
	case orchestrator.KindUpstreamFatal:
		return http.StatusBadGateway
	case orchestrator.KindUpstreamTransient, orchestrator.KindLedgerUnavailable:
		return http.StatusServiceUnavailable
	case orchestrator.KindCancelled:
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

// reasonOf returns the user-facing part of an orchestrator error.
func reasonOf(err error) string {
	var oe *orchestrator.Error
	if errors.As(err, &oe) && oe.Reason != "" {
		return oe.Reason
	}
	return "internal error"
}

// retryAfter returns the seconds until the latest period among the violated
// ceilings resets. A per-request violation never clears by waiting.
func (s *Server) retryAfter(d *models.Denial) int {
	var until time.Time
	for _, reason := range d.Reasons() {
		var scope models.Scope
		switch reason {
		case models.DeniedRequestsPerMinute:
			scope = models.ScopeMinute
		case models.DeniedTokensPerDay:
			scope = models.ScopeDay
		case models.DeniedTokensPerMonth:
			scope = models.ScopeMonth
		default:
			return 0
		}
		if t := s.deps.Ledger.ResetsAt(scope); t.After(until) {
			until = t
		}
	}
	if until.IsZero() {
		return 0
	}
	return int(math.Ceil(time.Until(until).Seconds()))
}

// resolveSessionID registers explicit sessions and auto-detects the rest by
// client key. Callers without a key cannot be told apart, so each of their
// requests starts a new session. Without a tracker the explicit ID is passed
// through.
func (s *Server) resolveSessionID(r *http.Request, explicit string) string {
	if s.deps.Tracker == nil {
		return explicit
	}
	clientKey, gap := extractAPIKey(r), s.cfg.Session.GapTimeout
	if clientKey == "" {
		clientKey, gap = "anonymous", 0
	}
	sid, err := s.deps.Tracker.ResolveSession(r.Context(), clientKey, explicit, gap)
	if err != nil {
		s.logger.Warn("session resolve failed", zap.Error(err))
		return explicit
	}
	return sid
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	snap, err := s.deps.Orchestrator.UsageSnapshot(r.Context())
	if err != nil {
		s.logger.Warn("usage snapshot failed", zap.Error(err))
		writeJSONError(w, http.StatusServiceUnavailable, "ledger unavailable")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

type quotaStatusView struct {
	models.QuotaStatus
	ResetsAt time.Time `json:"resets_at"`
}

func (s *Server) handleUsageStatus(w http.ResponseWriter, r *http.Request) {
	statuses, err := s.deps.Ledger.Status(r.Context())
	if err != nil {
		s.logger.Warn("quota status failed", zap.Error(err))
		writeJSONError(w, http.StatusServiceUnavailable, "ledger unavailable")
		return
	}
	views := make([]quotaStatusView, 0, len(statuses))
	for _, st := range statuses {
		views = append(views, quotaStatusView{QuotaStatus: st, ResetsAt: s.deps.Ledger.ResetsAt(st.Scope)})
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleUsageHistory(w http.ResponseWriter, r *http.Request) {
	days := intParam(r, "days", 7, 1, 366)
	history, err := s.deps.Ledger.History(r.Context(), days)
	if err != nil {
		s.logger.Warn("usage history failed", zap.Error(err))
		writeJSONError(w, http.StatusServiceUnavailable, "ledger unavailable")
		return
	}
	writeJSON(w, http.StatusOK, nonNil(history))
}

func (s *Server) handleGetPolicy(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Policy == nil {
		writeJSONError(w, http.StatusNotFound, "quota policy unavailable")
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Policy.Policy())
}

// handlePatchPolicy decodes the body over the current policy, so absent
// fields keep their value. The change lasts until the process exits.
func (s *Server) handlePatchPolicy(w http.ResponseWriter, r *http.Request) {
	if s.deps.Policy == nil {
		writeJSONError(w, http.StatusNotFound, "quota policy unavailable")
		return
	}
	policy := s.deps.Policy.Policy()
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxAnswerBody)).Decode(&policy); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := policy.Validate(); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.deps.Policy.SetPolicy(policy)
	s.logger.Info("quota policy updated",
		zap.Bool("enabled", policy.Enabled),
		zap.Int64("requests_per_minute", policy.RequestsPerMinute),
		zap.Int64("tokens_per_request", policy.TokensPerRequest),
		zap.Int64("tokens_per_day", policy.TokensPerDay),
		zap.Int64("tokens_per_month", policy.TokensPerMonth),
	)
	writeJSON(w, http.StatusOK, policy)
}

type memorySearchRequest struct {
	Query     string `json:"query"`
	SessionID string `json:"session_id,omitempty"`
	ArticleID string `json:"article_id,omitempty"`
	Limit     int    `json:"limit,omitempty"`
}

type memoryHitView struct {
	Query      string    `json:"query"`
	Response   string    `json:"response"`
	Similarity float64   `json:"similarity"`
	InsertedAt time.Time `json:"inserted_at"`
}

const maxMemoryResults = 50

func (s *Server) handleMemorySearch(w http.ResponseWriter, r *http.Request) {
	if s.deps.Memory == nil {
		writeJSONError(w, http.StatusServiceUnavailable, orchestrator.ErrNoMemory.Error())
		return
	}
	var req memorySearchRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxAnswerBody)).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		writeJSONError(w, http.StatusBadRequest, "query is required")
		return
	}
	hits, err := s.deps.Memory.SearchMemory(r.Context(), orchestrator.MemoryQuery{
		Query:     req.Query,
		SessionID: req.SessionID,
		ArticleID: req.ArticleID,
		Limit:     min(max(req.Limit, 0), maxMemoryResults),
	})
	switch {
	case err == nil:
	case orchestrator.KindOf(err) == orchestrator.KindInvalidRequest:
		writeJSONError(w, http.StatusBadRequest, reasonOf(err))
		return
	case errors.Is(err, orchestrator.ErrNoMemory):
		writeJSONError(w, http.StatusServiceUnavailable, err.Error())
		return
	default:
		s.logger.Warn("memory search failed", zap.Error(err))
		writeJSONError(w, http.StatusServiceUnavailable, "semantic memory unavailable")
		return
	}
	views := make([]memoryHitView, 0, len(hits))
	for _, h := range hits {
		views = append(views, memoryHitView{
			Query:      h.Record.Query,
			Response:   h.Record.Response,
			Similarity: h.Similarity,
			InsertedAt: h.Record.InsertedAt,
		})
	}
	writeJSON(w, http.StatusOK, views)
}

type dailyStatsView struct {
	models.DailyStats
	CacheHitRate float64 `json:"cache_hit_rate"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if s.deps.Tracker == nil {
		writeJSONError(w, http.StatusNotFound, "answer log disabled")
		return
	}
	stats, err := s.deps.Tracker.DailyStats(r.Context(), intParam(r, "days", 7, 1, 366))
	if err != nil {
		s.logger.Warn("daily stats failed", zap.Error(err))
		writeJSONError(w, http.StatusInternalServerError, "failed to query stats")
		return
	}
	views := make([]dailyStatsView, 0, len(stats))
	for _, st := range stats {
		views = append(views, dailyStatsView{DailyStats: st, CacheHitRate: st.CacheHitRate()})
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if s.deps.Tracker == nil {
		writeJSONError(w, http.StatusNotFound, "answer log disabled")
		return
	}
	sessions, err := s.deps.Tracker.ListSessions(r.Context(), r.URL.Query().Get("client_key"))
	if err != nil {
		s.logger.Warn("list sessions failed", zap.Error(err))
		writeJSONError(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}
	writeJSON(w, http.StatusOK, nonNil(sessions))
}

// handleSessionHistory returns a session's turns newest first.
func (s *Server) handleSessionHistory(w http.ResponseWriter, r *http.Request) {
	if s.deps.Tracker == nil {
		writeJSONError(w, http.StatusNotFound, "answer log disabled")
		return
	}
	limit := intParam(r, "limit", 10, 1, 100)
	turns, err := s.deps.Tracker.History(r.Context(), r.PathValue("id"), limit)
	if err != nil {
		s.logger.Warn("session history failed", zap.Error(err))
		writeJSONError(w, http.StatusInternalServerError, "failed to query history")
		return
	}
	slices.Reverse(turns)
	writeJSON(w, http.StatusOK, nonNil(turns))
}

type cacheStatsView struct {
	models.CacheStats
	HitRate float64 `json:"hit_rate"`
}

func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	out := make(map[string]cacheStatsView, len(s.deps.Caches))
	for tier, src := range s.deps.Caches {
		st, err := src.Stats(r.Context())
		if err != nil {
			s.logger.Warn("cache stats failed", zap.String("tier", tier), zap.Error(err))
			writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("%s cache unavailable", tier))
			return
		}
		out[tier] = cacheStatsView{CacheStats: st, HitRate: st.HitRate()}
	}
	writeJSON(w, http.StatusOK, out)
}

// intParam parses a query parameter, falling back to def when absent or
// malformed and clamping to [lo, hi].
func intParam(r *http.Request, name string, def, lo, hi int) int {
	v := def
	if raw := r.URL.Query().Get(name); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			v = n
		}
	}
	return min(max(v, lo), hi)
}

func nonNil[T any](v []T) []T {
	if v == nil {
		return []T{}
	}
	return v
}

func extractAPIKey(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	if key := r.Header.Get("x-api-key"); key != "" {
		return key
	}
	return ""
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	fmt.Fprintf(w, `{"error":{"message":%q,"type":"tiercache_error","code":%d}}`, message, code)
}
