// Package ledger meters token and request consumption per minute, day and
// month, and answers admission questions before a model call is made.
//
// Every mutation runs in a single transaction against keyed counter rows:
// SQLite serializes writers on its one connection, Postgres takes row locks
// with SELECT ... FOR UPDATE. No counter lives in process memory, so several
// replicas sharing a Postgres ledger enforce one budget.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/pario-ai/tiercache/pkg/models"
	"github.com/pario-ai/tiercache/pkg/sqlstore"
)

// ErrReservationUnknown is returned when a reservation was already committed,
// released or reaped.
var ErrReservationUnknown = errors.New("reservation unknown or already settled")

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS usage_counters (
		scope TEXT NOT NULL,
		period_key TEXT NOT NULL,
		tokens_consumed BIGINT NOT NULL DEFAULT 0,
		tokens_reserved BIGINT NOT NULL DEFAULT 0,
		requests BIGINT NOT NULL DEFAULT 0,
		PRIMARY KEY (scope, period_key)
	)`,
	`CREATE TABLE IF NOT EXISTS reservations (
		id TEXT PRIMARY KEY,
		estimated_tokens BIGINT NOT NULL,
		minute_key TEXT NOT NULL,
		day_key TEXT NOT NULL,
		month_key TEXT NOT NULL,
		created_at BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_reservations_created ON reservations(created_at)`,
}

// Ledger is the persistent quota meter.
type Ledger struct {
	db     *sqlstore.DB
	policy atomic.Pointer[models.QuotaPolicy]
	now    func() time.Time
}

// Open connects to dsn (SQLite path or Postgres URL) and migrates it.
func Open(dsn string, policy models.QuotaPolicy) (*Ledger, error) {
	db, err := sqlstore.Open(dsn)
	if err != nil {
		return nil, fmt.Errorf("open ledger db: %w", err)
	}
	l, err := New(db, policy)
	if err != nil {
		db.Close()
		return nil, err
	}
	return l, nil
}

// New wraps an open database and migrates it.
func New(db *sqlstore.DB, policy models.QuotaPolicy) (*Ledger, error) {
	if db.Dialect == sqlstore.DialectSQLite {
		db.SetMaxOpenConns(1)
	}
	for _, m := range migrations {
		if _, err := db.Exec(m); err != nil {
			return nil, fmt.Errorf("migrate ledger db: %w", err)
		}
	}
	l := &Ledger{db: db, now: time.Now}
	l.SetPolicy(policy)
	return l, nil
}

// Policy returns the active policy.
func (l *Ledger) Policy() models.QuotaPolicy {
	return *l.policy.Load()
}

// SetPolicy swaps the active policy. In-flight reservations keep their holds.
func (l *Ledger) SetPolicy(p models.QuotaPolicy) {
	l.policy.Store(&p)
}

type periodKeys struct {
	minute, day, month string
}

func keysAt(t time.Time) periodKeys {
	return periodKeys{
		minute: models.PeriodKey(models.ScopeMinute, t),
		day:    models.PeriodKey(models.ScopeDay, t),
		month:  models.PeriodKey(models.ScopeMonth, t),
	}
}

func (k periodKeys) each(fn func(scope models.Scope, key string) error) error {
	if err := fn(models.ScopeMinute, k.minute); err != nil {
		return err
	}
	if err := fn(models.ScopeDay, k.day); err != nil {
		return err
	}
	return fn(models.ScopeMonth, k.month)
}

type rowQueryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (l *Ledger) readCounter(ctx context.Context, q rowQueryer, scope models.Scope, key string, lock bool) (models.UsageCounter, error) {
	query := `SELECT tokens_consumed, tokens_reserved, requests FROM usage_counters WHERE scope = ? AND period_key = ?`
	if lock {
		query += l.db.ForUpdate()
	}
	c := models.UsageCounter{Scope: scope, PeriodKey: key}
	err := q.QueryRowContext(ctx, l.db.Rebind(query), string(scope), key).
		Scan(&c.TokensConsumed, &c.TokensReserved, &c.Requests)
	if errors.Is(err, sql.ErrNoRows) {
		return c, nil
	}
	if err != nil {
		return c, fmt.Errorf("read %s counter: %w", scope, err)
	}
	return c, nil
}

// Reserve evaluates every ceiling against the current periods. If none is
// violated it provisionally holds estimated tokens and one request on the
// minute, day and month rows and returns the reservation. Otherwise it
// returns a Denial listing all violated ceilings and changes nothing. A
// non-nil error means the ledger itself is unavailable.
func (l *Ledger) Reserve(ctx context.Context, estimated int64) (models.Reservation, *models.Denial, error) {
	if estimated < 0 {
		estimated = 0
	}
	now := l.now().UTC()
	keys := keysAt(now)
	policy := l.Policy()

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return models.Reservation{}, nil, fmt.Errorf("reserve: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	err = keys.each(func(scope models.Scope, key string) error {
		_, err := tx.ExecContext(ctx, l.db.Rebind(
			`INSERT INTO usage_counters (scope, period_key) VALUES (?, ?) ON CONFLICT (scope, period_key) DO NOTHING`),
			string(scope), key)
		return err
	})
	if err != nil {
		return models.Reservation{}, nil, fmt.Errorf("reserve: ensure counters: %w", err)
	}

	minute, err := l.readCounter(ctx, tx, models.ScopeMinute, keys.minute, true)
	if err != nil {
		return models.Reservation{}, nil, fmt.Errorf("reserve: %w", err)
	}
	day, err := l.readCounter(ctx, tx, models.ScopeDay, keys.day, true)
	if err != nil {
		return models.Reservation{}, nil, fmt.Errorf("reserve: %w", err)
	}
	month, err := l.readCounter(ctx, tx, models.ScopeMonth, keys.month, true)
	if err != nil {
		return models.Reservation{}, nil, fmt.Errorf("reserve: %w", err)
	}

	if policy.Enabled {
		if d := evaluate(policy, estimated, minute, day, month); d != nil {
			return models.Reservation{}, d, nil
		}
	}

	err = keys.each(func(scope models.Scope, key string) error {
		_, err := tx.ExecContext(ctx, l.db.Rebind(
			`UPDATE usage_counters SET tokens_reserved = tokens_reserved + ?, requests = requests + 1
			 WHERE scope = ? AND period_key = ?`),
			estimated, string(scope), key)
		return err
	})
	if err != nil {
		return models.Reservation{}, nil, fmt.Errorf("reserve: hold: %w", err)
	}

	res := models.Reservation{
		ID:              uuid.NewString(),
		EstimatedTokens: estimated,
		MinuteKey:       keys.minute,
		DayKey:          keys.day,
		MonthKey:        keys.month,
		CreatedAt:       now,
	}
	_, err = tx.ExecContext(ctx, l.db.Rebind(
		`INSERT INTO reservations (id, estimated_tokens, minute_key, day_key, month_key, created_at) VALUES (?, ?, ?, ?, ?, ?)`),
		res.ID, res.EstimatedTokens, res.MinuteKey, res.DayKey, res.MonthKey, now.UnixNano())
	if err != nil {
		return models.Reservation{}, nil, fmt.Errorf("reserve: record: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return models.Reservation{}, nil, fmt.Errorf("reserve: commit: %w", err)
	}
	return res, nil, nil
}

// settle deletes the reservation row and applies fn to each of its counter
// rows in one transaction. Deleting first makes commit and release
// idempotent: a second settle finds no row and returns ErrReservationUnknown.
func (l *Ledger) settle(ctx context.Context, res models.Reservation, update string, args func() []any) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	r, err := tx.ExecContext(ctx, l.db.Rebind(`DELETE FROM reservations WHERE id = ?`), res.ID)
	if err != nil {
		return fmt.Errorf("delete reservation: %w", err)
	}
	if n, err := r.RowsAffected(); err != nil {
		return fmt.Errorf("delete reservation: %w", err)
	} else if n == 0 {
		return ErrReservationUnknown
	}

	keys := periodKeys{minute: res.MinuteKey, day: res.DayKey, month: res.MonthKey}
	err = keys.each(func(scope models.Scope, key string) error {
		_, err := tx.ExecContext(ctx, l.db.Rebind(update), append(args(), string(scope), key)...)
		return err
	})
	if err != nil {
		return fmt.Errorf("update counters: %w", err)
	}
	return tx.Commit()
}

// Commit converts the reservation into consumed tokens. actual may differ
// from the estimate in either direction.
func (l *Ledger) Commit(ctx context.Context, res models.Reservation, actual int64) error {
	if actual < 0 {
		actual = 0
	}
	err := l.settle(ctx, res,
		`UPDATE usage_counters SET
			tokens_reserved = CASE WHEN tokens_reserved >= ? THEN tokens_reserved - ? ELSE 0 END,
			tokens_consumed = tokens_consumed + ?
		 WHERE scope = ? AND period_key = ?`,
		func() []any { return []any{res.EstimatedTokens, res.EstimatedTokens, actual} },
	)
	if err != nil {
		return fmt.Errorf("commit reservation: %w", err)
	}
	return nil
}

// Release returns the reservation's tokens and request slot.
func (l *Ledger) Release(ctx context.Context, res models.Reservation) error {
	err := l.settle(ctx, res,
		`UPDATE usage_counters SET
			tokens_reserved = CASE WHEN tokens_reserved >= ? THEN tokens_reserved - ? ELSE 0 END,
			requests = CASE WHEN requests > 0 THEN requests - 1 ELSE 0 END
		 WHERE scope = ? AND period_key = ?`,
		func() []any { return []any{res.EstimatedTokens, res.EstimatedTokens} },
	)
	if err != nil {
		return fmt.Errorf("release reservation: %w", err)
	}
	return nil
}

// ReapStale releases reservations older than maxAge, which only exist when a
// process died between Reserve and Commit/Release.
func (l *Ledger) ReapStale(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := l.now().Add(-maxAge).UTC().UnixNano()
	rows, err := l.db.QueryContext(ctx, l.db.Rebind(
		`SELECT id, estimated_tokens, minute_key, day_key, month_key, created_at FROM reservations WHERE created_at < ?`),
		cutoff)
	if err != nil {
		return 0, fmt.Errorf("list stale reservations: %w", err)
	}
	var stale []models.Reservation
	for rows.Next() {
		var r models.Reservation
		var created int64
		if err := rows.Scan(&r.ID, &r.EstimatedTokens, &r.MinuteKey, &r.DayKey, &r.MonthKey, &created); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan reservation: %w", err)
		}
		r.CreatedAt = time.Unix(0, created).UTC()
		stale = append(stale, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("list stale reservations: %w", err)
	}

	reaped := 0
	for _, r := range stale {
		err := l.Release(ctx, r)
		if errors.Is(err, ErrReservationUnknown) {
			continue
		}
		if err != nil {
			return reaped, err
		}
		reaped++
	}
	return reaped, nil
}

// Close releases the database connection.
func (l *Ledger) Close() error {
	return l.db.Close()
}
