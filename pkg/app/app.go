// Package app assembles the answer pipeline from a Config: storage, caches,
// ledger, invoker, orchestrator and the housekeeping job.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	cacheredis "github.com/pario-ai/tiercache/pkg/cache/redis"
	cachesqlite "github.com/pario-ai/tiercache/pkg/cache/sqlite"
	"github.com/pario-ai/tiercache/pkg/config"
	"github.com/pario-ai/tiercache/pkg/embed"
	"github.com/pario-ai/tiercache/pkg/invoker"
	"github.com/pario-ai/tiercache/pkg/ledger"
	"github.com/pario-ai/tiercache/pkg/metrics"
	"github.com/pario-ai/tiercache/pkg/models"
	"github.com/pario-ai/tiercache/pkg/orchestrator"
	"github.com/pario-ai/tiercache/pkg/retention"
	"github.com/pario-ai/tiercache/pkg/semantic"
	"github.com/pario-ai/tiercache/pkg/tokens"
	"github.com/pario-ai/tiercache/pkg/tracker"
	vecmemory "github.com/pario-ai/tiercache/pkg/vectorstore/memory"
	vecsqlite "github.com/pario-ai/tiercache/pkg/vectorstore/sqlite"
	vecweaviate "github.com/pario-ai/tiercache/pkg/vectorstore/weaviate"
)

// ExactStore is an exact cache backend as the surfaces see it.
type ExactStore interface {
	Get(ctx context.Context, fingerprint string) (models.CacheEntry, bool, error)
	Put(ctx context.Context, fingerprint, response string, ttl time.Duration) error
	Stats(ctx context.Context) (models.CacheStats, error)
	Clear(ctx context.Context, expiredOnly bool) (int64, error)
	Close() error
}

// App holds the assembled components. Exact and Semantic are nil when the
// corresponding tier is disabled; Metrics is nil when metrics are disabled.
type App struct {
	Config       *config.Config
	Logger       *zap.Logger
	Ledger       *ledger.Ledger
	Tracker      *tracker.SQLTracker
	Exact        ExactStore
	Semantic     *semantic.Cache
	Orchestrator *orchestrator.Orchestrator
	Retention    *retention.Job
	Metrics      *metrics.Provider

	closers []func() error
}

// Build validates cfg and constructs every component. On error everything
// opened so far is closed again.
func Build(ctx context.Context, cfg *config.Config, logger *zap.Logger) (_ *App, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{Config: cfg, Logger: logger}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	if a.Ledger, err = ledger.Open(cfg.LedgerDSN(), cfg.Quota.Policy); err != nil {
		return nil, err
	}
	a.closers = append(a.closers, a.Ledger.Close)

	if a.Tracker, err = tracker.Open(cfg.DBPath); err != nil {
		return nil, err
	}
	a.closers = append(a.closers, a.Tracker.Close)

	if cfg.Cache.Enabled {
		if a.Exact, err = OpenExact(ctx, cfg); err != nil {
			return nil, err
		}
		a.closers = append(a.closers, a.Exact.Close)
	}

	var embedder embed.Embedder
	if cfg.Semantic.Enabled {
		embedder = NewEmbedder(cfg)
		if a.Semantic, err = OpenSemantic(ctx, cfg); err != nil {
			return nil, err
		}
		a.closers = append(a.closers, a.Semantic.Close)
	}

	recorder := metrics.Nop()
	if cfg.Metrics.Enabled {
		if a.Metrics, err = metrics.NewPrometheus(); err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() error { return a.Metrics.Shutdown(context.Background()) })
		if recorder, err = metrics.New(a.Metrics.Meter()); err != nil {
			return nil, err
		}
	}

	est := tokens.New(cfg.Quota.Estimator.Encoding, tokens.Heuristic{
		CharsPerToken:    cfg.Quota.Estimator.CharsPerToken,
		CompletionTokens: int64(cfg.Model.MaxCompletionTokens),
	})
	if t, ok := est.(*tokens.Tiktoken); ok {
		if terr := t.Err(); terr != nil {
			logger.Warn("tiktoken unavailable, using heuristic", zap.String("encoding", cfg.Quota.Estimator.Encoding), zap.Error(terr))
		}
	}

	deps := orchestrator.Deps{
		Ledger:    a.Ledger,
		Invoker:   invoker.New(cfg, logger.With(zap.String("component", "invoker"))),
		Estimator: est,
		Journal:   a.Tracker,
		Logger:    logger.With(zap.String("component", "orchestrator")),
		Metrics:   recorder,
	}
	if a.Exact != nil {
		deps.Exact = a.Exact
	}
	// A nil *semantic.Cache must not become a non-nil interface.
	if a.Semantic != nil {
		deps.Semantic = a.Semantic
		deps.Embedder = embedder
	}
	a.Orchestrator, err = orchestrator.New(deps, orchestrator.Options{
		Threshold:      cfg.Semantic.Threshold,
		TTL:            cfg.Cache.TTL,
		ScopeBySession: cfg.Cache.Scope == "session",
		MaxAttempts:    cfg.Invoke.MaxAttempts,
		InitialBackoff: cfg.Invoke.InitialBackoff,
		MaxBackoff:     cfg.Invoke.MaxBackoff,
		Multiplier:     cfg.Invoke.Multiplier,
		HistoryTurns:   cfg.Session.HistoryTurns,
		MemoryItems:    cfg.Semantic.MemoryItems,
	})
	if err != nil {
		return nil, err
	}

	targets := retention.Targets{Answers: a.Tracker, Ledger: a.Ledger}
	if a.Exact != nil {
		targets.Exact = a.Exact
	}
	if a.Semantic != nil {
		targets.Embeddings = a.Semantic
	}
	a.Retention = retention.New(targets, cfg.Retention, logger.With(zap.String("component", "retention")))
	return a, nil
}

// OpenExact opens the configured exact cache backend.
func OpenExact(ctx context.Context, cfg *config.Config) (ExactStore, error) {
	switch cfg.Cache.Backend {
	case "redis":
		return cacheredis.New(ctx, cfg.Cache.RedisURL, cfg.Cache.TTL)
	default:
		return cachesqlite.New(cfg.DBPath, cfg.Cache.TTL)
	}
}

// OpenSemantic opens the configured vector store behind a semantic cache.
func OpenSemantic(ctx context.Context, cfg *config.Config) (*semantic.Cache, error) {
	store, err := openVectorStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return semantic.New(store, cfg.Embedder.Dimensions, cfg.Semantic.SearchLimit), nil
}

func openVectorStore(ctx context.Context, cfg *config.Config) (semantic.Store, error) {
	switch cfg.Semantic.Backend {
	case "memory":
		return vecmemory.New(), nil
	case "weaviate":
		w := cfg.Semantic.Weaviate
		return vecweaviate.New(ctx, vecweaviate.Config{Host: w.Host, Scheme: w.Scheme, APIKey: w.APIKey, Class: w.Class})
	default:
		return vecsqlite.New(cfg.DBPath)
	}
}

// NewEmbedder returns the configured query embedder.
func NewEmbedder(cfg *config.Config) embed.Embedder {
	e := cfg.Embedder
	if e.Type == "openai" {
		return embed.NewOpenAI(e.URL, e.APIKey, e.Model, e.Dimensions, e.Timeout)
	}
	return embed.Hashing{Dims: e.Dimensions}
}

// Close releases every component in reverse order of construction.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
