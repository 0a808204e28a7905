// Package retention runs the periodic housekeeping pass: expired exact cache
// entries, aged embeddings and answer-log rows, and reservations stranded by
// a crash.
package retention

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/pario-ai/tiercache/pkg/config"
)

// ExactCache purges expired entries.
type ExactCache interface {
	Clear(ctx context.Context, expiredOnly bool) (int64, error)
}

// Pruner drops rows older than maxAge.
type Pruner interface {
	Prune(ctx context.Context, maxAge time.Duration) (int64, error)
}

// Reaper releases reservations older than maxAge.
type Reaper interface {
	ReapStale(ctx context.Context, maxAge time.Duration) (int, error)
}

// Targets are the stores a Job cleans. Nil targets are skipped.
type Targets struct {
	Exact      ExactCache
	Embeddings Pruner
	Answers    Pruner
	Ledger     Reaper
}

// Report counts what one pass removed.
type Report struct {
	ExpiredEntries       int64 `json:"expired_entries"`
	Embeddings           int64 `json:"embeddings"`
	Answers              int64 `json:"answers"`
	ReleasedReservations int   `json:"released_reservations"`
}

// Job is the housekeeping loop.
type Job struct {
	targets Targets
	cfg     config.RetentionConfig
	logger  *zap.Logger
}

// New creates a Job.
func New(t Targets, cfg config.RetentionConfig, logger *zap.Logger) *Job {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Job{targets: t, cfg: cfg, logger: logger}
}

// RunOnce performs one pass. Every target is attempted; failures are joined.
func (j *Job) RunOnce(ctx context.Context) (Report, error) {
	var rep Report
	var errs []error

	if j.targets.Exact != nil {
		n, err := j.targets.Exact.Clear(ctx, true)
		if err != nil {
			errs = append(errs, fmt.Errorf("purge exact cache: %w", err))
		}
		rep.ExpiredEntries = n
	}
	if j.targets.Embeddings != nil && j.cfg.EmbeddingMaxAge > 0 {
		n, err := j.targets.Embeddings.Prune(ctx, j.cfg.EmbeddingMaxAge)
		if err != nil {
			errs = append(errs, fmt.Errorf("prune embeddings: %w", err))
		}
		rep.Embeddings = n
	}
	if j.targets.Answers != nil && j.cfg.LogMaxAge > 0 {
		n, err := j.targets.Answers.Prune(ctx, j.cfg.LogMaxAge)
		if err != nil {
			errs = append(errs, fmt.Errorf("prune answer log: %w", err))
		}
		rep.Answers = n
	}
	if j.targets.Ledger != nil && j.cfg.ReservationMaxAge > 0 {
		n, err := j.targets.Ledger.ReapStale(ctx, j.cfg.ReservationMaxAge)
		if err != nil {
			errs = append(errs, fmt.Errorf("reap reservations: %w", err))
		}
		rep.ReleasedReservations = n
	}
	return rep, errors.Join(errs...)
}

// Run repeats RunOnce every interval until ctx is done. It runs one pass
// immediately.
func (j *Job) Run(ctx context.Context) error {
	interval := j.cfg.Interval
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		rep, err := j.RunOnce(ctx)
		if err != nil {
			j.logger.Error("retention pass failed", zap.Error(err))
		} else {
			j.logger.Info("retention pass",
				zap.Int64("expired_entries", rep.ExpiredEntries),
				zap.Int64("embeddings", rep.Embeddings),
				zap.Int64("answers", rep.Answers),
				zap.Int("released_reservations", rep.ReleasedReservations))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
