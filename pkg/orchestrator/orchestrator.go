// Package orchestrator runs every query through the exact cache, the
// semantic cache, quota admission and finally the model, in that order.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pario-ai/tiercache/pkg/fingerprint"
	"github.com/pario-ai/tiercache/pkg/invoker"
	"github.com/pario-ai/tiercache/pkg/metrics"
	"github.com/pario-ai/tiercache/pkg/models"
)

// ExactCache is the fingerprint-keyed tier.
type ExactCache interface {
	Get(ctx context.Context, fingerprint string) (models.CacheEntry, bool, error)
	Put(ctx context.Context, fingerprint, response string, ttl time.Duration) error
}

// SemanticCache is the similarity tier.
type SemanticCache interface {
	Search(ctx context.Context, scope string, vec []float32, threshold float64) (models.SemanticHit, bool, error)
	Insert(ctx context.Context, scope, query string, vec []float32, response string) (models.EmbeddingRecord, error)
	Recall(ctx context.Context, scope string, vec []float32, k int) ([]models.SemanticHit, error)
}

// Embedder turns a query into a vector for the semantic tier.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Ledger admits and meters model calls.
type Ledger interface {
	Reserve(ctx context.Context, estimated int64) (models.Reservation, *models.Denial, error)
	Commit(ctx context.Context, res models.Reservation, actual int64) error
	Release(ctx context.Context, res models.Reservation) error
	Snapshot(ctx context.Context) (models.UsageSnapshot, error)
}

// Invoker makes the model call.
type Invoker interface {
	Invoke(ctx context.Context, p invoker.Prompt) (invoker.Answer, error)
}

// Estimator predicts the token cost of a prompt.
type Estimator interface {
	Estimate(prompt string) int64
}

// Journal records answers and supplies conversation history.
type Journal interface {
	Record(ctx context.Context, rec models.AnswerRecord) error
	History(ctx context.Context, sessionID string, limit int) ([]models.ConversationTurn, error)
}

// Request is one query.
type Request struct {
	Query     string
	SessionID string
	ArticleID string
	// SkipCache bypasses both cache tiers in both directions. Admission and
	// metering still apply.
	SkipCache bool
	// UseMemory sends the closest earlier exchanges to the model with the
	// question.
	UseMemory bool
}

// MemoryQuery asks for the stored exchanges closest to Query.
type MemoryQuery struct {
	Query     string
	SessionID string
	ArticleID string
	// Limit bounds the results; non-positive uses Options.MemoryItems.
	Limit int
}

// Result is the outcome of Answer.
type Result struct {
	Text       string         `json:"text,omitempty"`
	Source     models.Source  `json:"source"`
	Similarity float64        `json:"similarity,omitempty"`
	TokensUsed int64          `json:"tokens_used"`
	Denial     *models.Denial `json:"denial,omitempty"`
	SessionID  string         `json:"session_id,omitempty"`
	Model      string         `json:"model,omitempty"`
	Attempts   int            `json:"attempts,omitempty"`
	RequestID  string         `json:"request_id"`
	Path       []State        `json:"-"`
}

// Deps are the collaborators of an Orchestrator. Exact, Semantic and Embedder
// are optional; a nil tier is skipped. Journal is optional.
type Deps struct {
	Exact     ExactCache
	Semantic  SemanticCache
	Embedder  Embedder
	Ledger    Ledger
	Invoker   Invoker
	Estimator Estimator
	Journal   Journal
	Logger    *zap.Logger
	Metrics   *metrics.Recorder
}

// Options tune the cascade.
type Options struct {
	// Threshold is the inclusive cosine similarity a semantic hit needs.
	Threshold float64
	// TTL applies to exact cache entries.
	TTL time.Duration
	// ScopeBySession keys both caches by session as well as by article.
	ScopeBySession bool
	// MaxAttempts bounds model calls per request, including the first.
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
	// HistoryTurns of the session are sent as conversation context.
	HistoryTurns int
	// SettleTimeout bounds commit and release once the caller is gone.
	SettleTimeout time.Duration
	// MemoryItems is how many earlier exchanges UseMemory recalls.
	MemoryItems int
}

// Orchestrator is the single entry point for answering queries.
type Orchestrator struct {
	exact     ExactCache
	semantic  SemanticCache
	embedder  Embedder
	ledger    Ledger
	invoker   Invoker
	estimator Estimator
	journal   Journal
	logger    *zap.Logger
	metrics   *metrics.Recorder
	opts      Options

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// New validates deps and opts and returns an Orchestrator.
func New(deps Deps, opts Options) (*Orchestrator, error) {
	switch {
	case deps.Ledger == nil:
		return nil, errors.New("orchestrator: ledger is required")
	case deps.Invoker == nil:
		return nil, errors.New("orchestrator: invoker is required")
	case deps.Estimator == nil:
		return nil, errors.New("orchestrator: token estimator is required")
	case deps.Semantic != nil && deps.Embedder == nil:
		return nil, errors.New("orchestrator: semantic tier needs an embedder")
	case deps.Semantic != nil && (opts.Threshold <= 0 || opts.Threshold > 1):
		return nil, fmt.Errorf("orchestrator: similarity threshold %v outside (0, 1]", opts.Threshold)
	}
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 1
	}
	if opts.SettleTimeout <= 0 {
		opts.SettleTimeout = 5 * time.Second
	}
	if opts.MemoryItems <= 0 {
		opts.MemoryItems = 3
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.Nop()
	}
	return &Orchestrator{
		exact:     deps.Exact,
		semantic:  deps.Semantic,
		embedder:  deps.Embedder,
		ledger:    deps.Ledger,
		invoker:   deps.Invoker,
		estimator: deps.Estimator,
		journal:   deps.Journal,
		logger:    deps.Logger,
		metrics:   deps.Metrics,
		opts:      opts,
		now:       time.Now,
		sleep:     sleepCtx,
	}, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// run carries one request through the cascade.
type run struct {
	req     Request
	started time.Time
	log     *zap.Logger
	fp      string
	scope   string
	vec     []float32
	result  Result
	err     error
}

// Answer runs req through the cascade. A denial returns a Result carrying
// the denial together with a KindAdmissionDenied error.
func (o *Orchestrator) Answer(ctx context.Context, req Request) (Result, error) {
	req.Query = strings.TrimSpace(req.Query)
	r := &run{
		req:     req,
		started: o.now(),
		result:  Result{RequestID: uuid.NewString(), SessionID: req.SessionID},
	}
	r.log = o.logger.With(zap.String("request_id", r.result.RequestID))

	state := StateStart
	for {
		r.result.Path = append(r.result.Path, state)
		if state.Terminal() {
			break
		}
		switch state {
		case StateStart:
			state = o.start(r)
		case StateExactCheck:
			state = o.exactCheck(ctx, r)
		case StateSemanticCheck:
			state = o.semanticCheck(ctx, r)
		case StateAdmissionCheck, StateInvoke:
			// Admission and invocation alternate inside callModel: every
			// retry re-reserves.
			state = o.callModel(ctx, r)
		case StatePopulate:
			state = o.populate(ctx, r)
		case StateHit:
			state = o.hit(ctx, r)
		default:
			state = StateFailed
		}
	}
	return r.result, r.err
}

func (o *Orchestrator) start(r *run) State {
	if r.req.Query == "" {
		r.err = &Error{Kind: KindInvalidRequest, Reason: "query is empty"}
		return StateFailed
	}
	fc := o.fingerprintContext(r.req.ArticleID, r.req.SessionID)
	r.fp = fingerprint.Of(r.req.Query, fc)
	r.scope = scopeKey(fc)

	if r.req.SkipCache {
		return StateAdmissionCheck
	}
	return StateExactCheck
}

func (o *Orchestrator) fingerprintContext(articleID, sessionID string) fingerprint.Context {
	fc := fingerprint.Context{ArticleID: articleID}
	if o.opts.ScopeBySession {
		fc.SessionID = sessionID
	}
	return fc
}

// scopeKey names the semantic partition for a context. It is never empty.
func scopeKey(fc fingerprint.Context) string {
	var parts []string
	if fc.ArticleID != "" {
		parts = append(parts, "article:"+fc.ArticleID)
	}
	if fc.SessionID != "" {
		parts = append(parts, "session:"+fc.SessionID)
	}
	if len(parts) == 0 {
		return "global"
	}
	return strings.Join(parts, "|")
}

func (o *Orchestrator) exactCheck(ctx context.Context, r *run) State {
	if o.exact == nil {
		return StateSemanticCheck
	}
	entry, ok, err := o.exact.Get(ctx, r.fp)
	if err != nil {
		o.degrade(ctx, r, "exact", err)
		return StateSemanticCheck
	}
	if !ok {
		return StateSemanticCheck
	}
	r.result.Text = entry.Response
	r.result.Source = models.SourceExact
	return StateHit
}

func (o *Orchestrator) semanticCheck(ctx context.Context, r *run) State {
	if o.semantic == nil {
		return StateAdmissionCheck
	}
	vec, err := o.embedder.Embed(ctx, r.req.Query)
	if err != nil {
		o.degrade(ctx, r, "embedder", err)
		return StateAdmissionCheck
	}
	r.vec = vec

	hit, ok, err := o.semantic.Search(ctx, r.scope, vec, o.opts.Threshold)
	if err != nil {
		o.degrade(ctx, r, "semantic", err)
		return StateAdmissionCheck
	}
	if !ok {
		return StateAdmissionCheck
	}

	r.result.Text = hit.Record.Response
	r.result.Source = models.SourceSemantic
	r.result.Similarity = hit.Similarity
	if o.exact != nil {
		if err := o.exact.Put(ctx, r.fp, hit.Record.Response, o.opts.TTL); err != nil {
			o.degrade(ctx, r, "exact", err)
		}
	}
	r.log.Debug("semantic hit",
		zap.String("matched_query", hit.Record.Query),
		zap.Float64("similarity", hit.Similarity))
	return StateHit
}

// hit is the bookkeeping step shared by both cache tiers.
func (o *Orchestrator) hit(ctx context.Context, r *run) State {
	o.finish(ctx, r, models.AnswerRecord{})
	return StateDone
}

// degrade logs and counts a cache failure that is being treated as a miss.
// A caller that has gone away is not a backend failure.
func (o *Orchestrator) degrade(ctx context.Context, r *run, tier string, err error) {
	if contextDone(ctx, err) {
		r.log.Debug("cache tier skipped, request context done", zap.String("tier", tier), zap.Error(err))
		return
	}
	o.metrics.CacheError(ctx, tier)
	r.log.Warn("cache tier unavailable, treating as miss", zap.String("tier", tier), zap.Error(err))
}

func (o *Orchestrator) prompt(ctx context.Context, r *run) invoker.Prompt {
	p := invoker.Prompt{Query: r.req.Query}
	if r.req.UseMemory {
		p.Memory = o.recall(ctx, r)
	}
	if o.journal == nil || r.req.SessionID == "" || o.opts.HistoryTurns <= 0 {
		return p
	}
	turns, err := o.journal.History(ctx, r.req.SessionID, o.opts.HistoryTurns)
	if err != nil {
		r.log.Warn("conversation history unavailable", zap.Error(err))
		return p
	}
	p.History = turns
	return p
}

// recall fetches related exchanges for the prompt. Failures only cost the
// extra context.
func (o *Orchestrator) recall(ctx context.Context, r *run) []models.SemanticHit {
	if o.semantic == nil {
		return nil
	}
	if r.vec == nil {
		vec, err := o.embedder.Embed(ctx, r.req.Query)
		if err != nil {
			o.degrade(ctx, r, "embedder", err)
			return nil
		}
		r.vec = vec
	}
	hits, err := o.semantic.Recall(ctx, r.scope, r.vec, o.opts.MemoryItems)
	if err != nil {
		o.degrade(ctx, r, "semantic", err)
		return nil
	}
	return hits
}

func estimateText(p invoker.Prompt) string {
	if len(p.History) == 0 && len(p.Memory) == 0 {
		return p.Query
	}
	var b strings.Builder
	if note := p.MemoryNote(); note != "" {
		b.WriteString(note)
		b.WriteByte('\n')
	}
	for _, t := range p.History {
		b.WriteString(t.Query)
		b.WriteByte('\n')
		b.WriteString(t.Response)
		b.WriteByte('\n')
	}
	b.WriteString(p.Query)
	return b.String()
}

func (o *Orchestrator) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	if o.opts.InitialBackoff > 0 {
		b.InitialInterval = o.opts.InitialBackoff
	}
	if o.opts.MaxBackoff > 0 {
		b.MaxInterval = o.opts.MaxBackoff
	}
	if o.opts.Multiplier > 0 {
		b.Multiplier = o.opts.Multiplier
	}
	b.Reset()
	return b
}

// callModel reserves, invokes and settles, retrying transient failures.
// Rate limiting retries up to MaxAttempts with exponential backoff; a timeout
// is retried once.
func (o *Orchestrator) callModel(ctx context.Context, r *run) State {
	p := o.prompt(ctx, r)
	estimate := o.estimator.Estimate(estimateText(p))
	bo := o.newBackOff()
	timeoutRetried := false

	for attempt := 1; ; attempt++ {
		r.result.Attempts = attempt
		if attempt > 1 {
			r.result.Path = append(r.result.Path, StateAdmissionCheck)
		}

		if err := ctx.Err(); err != nil {
			return o.cancelled(ctx, r, err)
		}
		res, denial, err := o.ledger.Reserve(ctx, estimate)
		if err != nil {
			if contextDone(ctx, err) {
				return o.cancelled(ctx, r, err)
			}
			r.log.Error("quota ledger unavailable", zap.Error(err))
			r.err = &Error{Kind: KindLedgerUnavailable, Reason: "quota ledger unavailable", Err: err}
			o.finish(ctx, r, models.AnswerRecord{DeniedReason: string(KindLedgerUnavailable)})
			return StateFailed
		}
		if denial != nil {
			return o.deny(ctx, r, denial)
		}
		o.metrics.Tokens(ctx, "reserved", estimate)

		r.result.Path = append(r.result.Path, StateInvoke)
		ans, err := o.invoker.Invoke(ctx, p)
		if err == nil {
			actual := ans.TokensUsed()
			if actual <= 0 {
				actual = estimate
			}
			settleCtx, cancel := o.settleContext(ctx)
			cerr := o.ledger.Commit(settleCtx, res, actual)
			cancel()

			r.result.Text = ans.Text
			r.result.Source = models.SourceLive
			r.result.TokensUsed = actual
			r.result.Model = ans.Model
			if cerr != nil {
				r.log.Error("commit failed", zap.String("reservation", res.ID), zap.Error(cerr))
				r.err = &Error{Kind: KindLedgerUnavailable, Reason: "could not record token usage", Err: cerr}
			} else {
				o.metrics.Tokens(ctx, "consumed", actual)
			}
			return StatePopulate
		}

		o.release(ctx, r, res, estimate)
		if cerr := ctx.Err(); cerr != nil {
			return o.cancelled(ctx, r, cerr)
		}
		f, isFailure := invoker.AsFailure(err)
		if !isFailure {
			f = &invoker.Failure{Kind: invoker.KindInvalidResponse, Reason: "model call failed", Err: err}
		}
		o.metrics.UpstreamFailure(ctx, string(f.Kind))
		r.log.Warn("model call failed",
			zap.Int("attempt", attempt),
			zap.String("kind", string(f.Kind)),
			zap.Error(err))

		if !f.Transient() {
			r.err = &Error{Kind: KindUpstreamFatal, Reason: f.Reason, Err: f}
			return o.fail(ctx, r)
		}

		retry := attempt < o.opts.MaxAttempts
		if f.Kind == invoker.KindTimeout {
			retry = retry && !timeoutRetried
			timeoutRetried = true
		}
		if !retry {
			r.err = &Error{Kind: KindUpstreamTransient, Reason: f.Reason, Err: f}
			return o.fail(ctx, r)
		}

		wait := bo.NextBackOff()
		if wait == backoff.Stop {
			wait = o.opts.MaxBackoff
		}
		if err := o.sleep(ctx, wait); err != nil {
			return o.cancelled(ctx, r, err)
		}
	}
}

func contextDone(ctx context.Context, err error) bool {
	return ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func (o *Orchestrator) cancelled(ctx context.Context, r *run, err error) State {
	r.log.Info("request context done before an answer", zap.Error(err))
	r.err = &Error{Kind: KindCancelled, Reason: "request cancelled", Err: err}
	return o.fail(ctx, r)
}

func (o *Orchestrator) settleContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), o.opts.SettleTimeout)
}

func (o *Orchestrator) release(ctx context.Context, r *run, res models.Reservation, estimate int64) {
	settleCtx, cancel := o.settleContext(ctx)
	defer cancel()
	if err := o.ledger.Release(settleCtx, res); err != nil {
		r.log.Error("release failed; reservation left for the reaper",
			zap.String("reservation", res.ID), zap.Error(err))
		return
	}
	o.metrics.Tokens(ctx, "released", estimate)
}

func (o *Orchestrator) deny(ctx context.Context, r *run, denial *models.Denial) State {
	r.result.Source = models.SourceDenied
	r.result.Denial = denial
	msgs := make([]string, 0, len(denial.Violations))
	for _, v := range denial.Violations {
		o.metrics.Denial(ctx, string(v.Reason))
		msgs = append(msgs, v.Message)
	}
	r.err = &Error{Kind: KindAdmissionDenied, Reason: strings.Join(msgs, "; ")}
	r.log.Info("admission denied", zap.Strings("reasons", reasonStrings(denial)))
	o.finish(ctx, r, models.AnswerRecord{DeniedReason: strings.Join(reasonStrings(denial), ",")})
	return StateDenied
}

func reasonStrings(d *models.Denial) []string {
	reasons := d.Reasons()
	out := make([]string, len(reasons))
	for i, r := range reasons {
		out[i] = string(r)
	}
	return out
}

func (o *Orchestrator) fail(ctx context.Context, r *run) State {
	var e *Error
	if errors.As(r.err, &e) {
		o.finish(ctx, r, models.AnswerRecord{DeniedReason: string(e.Kind)})
	}
	return StateFailed
}

func (o *Orchestrator) populate(ctx context.Context, r *run) State {
	if !r.req.SkipCache {
		if o.exact != nil {
			if err := o.exact.Put(ctx, r.fp, r.result.Text, o.opts.TTL); err != nil {
				o.degrade(ctx, r, "exact", err)
			}
		}
		if o.semantic != nil && r.vec != nil {
			if _, err := o.semantic.Insert(ctx, r.scope, r.req.Query, r.vec, r.result.Text); err != nil {
				o.degrade(ctx, r, "semantic", err)
			}
		}
	}
	o.finish(ctx, r, models.AnswerRecord{})
	return StateDone
}

// finish emits the metric, log line and journal row for a terminal outcome.
// rec carries outcome-specific fields.
func (o *Orchestrator) finish(ctx context.Context, r *run, rec models.AnswerRecord) {
	elapsed := o.now().Sub(r.started)
	source := r.result.Source
	if source == "" {
		source = models.SourceFailed
	} else {
		o.metrics.Answer(ctx, string(source), elapsed)
	}
	r.log.Info("answer",
		zap.String("source", string(source)),
		zap.Int64("tokens", r.result.TokensUsed),
		zap.Float64("similarity", r.result.Similarity),
		zap.Duration("latency", elapsed))

	if o.journal == nil {
		return
	}
	rec.RequestID = r.result.RequestID
	rec.SessionID = r.req.SessionID
	rec.ArticleID = r.req.ArticleID
	rec.Query = r.req.Query
	rec.Response = r.result.Text
	rec.Source = source
	rec.Model = r.result.Model
	rec.Similarity = r.result.Similarity
	rec.TotalTokens = int(r.result.TokensUsed)
	rec.LatencyMs = elapsed.Milliseconds()
	rec.CreatedAt = o.now().UTC()
	if err := o.journal.Record(context.WithoutCancel(ctx), rec); err != nil {
		r.log.Warn("answer log write failed", zap.Error(err))
	}
}

// SearchMemory returns up to q.Limit stored exchanges closest to q.Query in
// the same scope Answer would use, with no similarity threshold.
func (o *Orchestrator) SearchMemory(ctx context.Context, q MemoryQuery) ([]models.SemanticHit, error) {
	query := strings.TrimSpace(q.Query)
	if query == "" {
		return nil, &Error{Kind: KindInvalidRequest, Reason: "query is empty"}
	}
	if o.semantic == nil {
		return nil, ErrNoMemory
	}
	limit := q.Limit
	if limit <= 0 {
		limit = o.opts.MemoryItems
	}
	vec, err := o.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed memory query: %w", err)
	}
	return o.semantic.Recall(ctx, scopeKey(o.fingerprintContext(q.ArticleID, q.SessionID)), vec, limit)
}

// UsageSnapshot reports current consumption.
func (o *Orchestrator) UsageSnapshot(ctx context.Context) (models.UsageSnapshot, error) {
	snap, err := o.ledger.Snapshot(ctx)
	if err != nil {
		return models.UsageSnapshot{}, &Error{Kind: KindLedgerUnavailable, Reason: "quota ledger unavailable", Err: err}
	}
	return snap, nil
}
