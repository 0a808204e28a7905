// Package tracker keeps the answer log: one row per answered or denied
// request, the sessions those requests belong to, and the daily rollups and
// conversation history derived from them.
package tracker

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/pario-ai/tiercache/pkg/models"
	"github.com/pario-ai/tiercache/pkg/sqlstore"
)

const dayLayout = "2006-01-02"

// Tracker records and queries the answer log.
type Tracker interface {
	// Record stores an answer record and updates its session counters.
	Record(ctx context.Context, rec models.AnswerRecord) error
	// DailyStats returns per-day rollups for the last n days, newest first.
	DailyStats(ctx context.Context, days int) ([]models.DailyStats, error)
	// History returns up to limit answered turns of a session, oldest first.
	History(ctx context.Context, sessionID string, limit int) ([]models.ConversationTurn, error)
	// ResolveSession returns a session ID for the given client key, using the
	// explicit session ID if provided, otherwise auto-detecting by time gap.
	ResolveSession(ctx context.Context, clientKey, explicitID string, gapTimeout time.Duration) (string, error)
	// ListSessions returns all sessions, optionally filtered by client key.
	ListSessions(ctx context.Context, clientKey string) ([]models.Session, error)
	// Prune deletes answer records older than maxAge.
	Prune(ctx context.Context, maxAge time.Duration) (int64, error)
	// Close releases resources.
	Close() error
}

// SQLTracker implements Tracker on SQLite or PostgreSQL.
type SQLTracker struct {
	db  *sqlstore.DB
	now func() time.Time
}

func migrations(db *sqlstore.DB) []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS answers (
			id ` + db.SerialKey() + `,
			request_id TEXT NOT NULL,
			session_id TEXT NOT NULL DEFAULT '',
			article_id TEXT NOT NULL DEFAULT '',
			query TEXT NOT NULL,
			response TEXT NOT NULL DEFAULT '',
			source TEXT NOT NULL,
			model TEXT NOT NULL DEFAULT '',
			similarity DOUBLE PRECISION NOT NULL DEFAULT 0,
			total_tokens BIGINT NOT NULL DEFAULT 0,
			latency_ms BIGINT NOT NULL DEFAULT 0,
			denied_reason TEXT NOT NULL DEFAULT '',
			day TEXT NOT NULL,
			created_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_answers_day ON answers(day)`,
		`CREATE INDEX IF NOT EXISTS idx_answers_session ON answers(session_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			client_key TEXT NOT NULL,
			started_at BIGINT NOT NULL,
			last_activity BIGINT NOT NULL,
			request_count BIGINT NOT NULL DEFAULT 0,
			total_tokens BIGINT NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_key ON sessions(client_key, last_activity)`,
	}
}

// Open connects to dsn and runs auto-migration.
func Open(dsn string) (*SQLTracker, error) {
	db, err := sqlstore.Open(dsn)
	if err != nil {
		return nil, fmt.Errorf("open tracker db: %w", err)
	}
	t, err := New(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return t, nil
}

// New wraps an open database and runs auto-migration.
func New(db *sqlstore.DB) (*SQLTracker, error) {
	for _, m := range migrations(db) {
		if _, err := db.Exec(m); err != nil {
			return nil, fmt.Errorf("migrate tracker db: %w", err)
		}
	}
	return &SQLTracker{db: db, now: time.Now}, nil
}

// generateSessionID creates a session ID like sess_20260221_a3f9c2.
func generateSessionID(now time.Time) string {
	b := make([]byte, 3)
	_, _ = rand.Read(b)
	return fmt.Sprintf("sess_%s_%s", now.UTC().Format("20060102"), hex.EncodeToString(b))
}

// Record stores an answer record and updates session counters.
func (t *SQLTracker) Record(ctx context.Context, rec models.AnswerRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = t.now()
	}
	created := rec.CreatedAt.UTC()

	_, err := t.db.ExecContext(ctx, t.db.Rebind(
		`INSERT INTO answers (request_id, session_id, article_id, query, response, source, model,
			similarity, total_tokens, latency_ms, denied_reason, day, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		rec.RequestID, rec.SessionID, rec.ArticleID, rec.Query, rec.Response, string(rec.Source), rec.Model,
		rec.Similarity, rec.TotalTokens, rec.LatencyMs, rec.DeniedReason, created.Format(dayLayout), created.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("record answer: %w", err)
	}

	if rec.SessionID != "" {
		_, err = t.db.ExecContext(ctx, t.db.Rebind(
			`UPDATE sessions SET last_activity = ?, request_count = request_count + 1, total_tokens = total_tokens + ? WHERE id = ?`),
			created.UnixMilli(), rec.TotalTokens, rec.SessionID,
		)
		if err != nil {
			return fmt.Errorf("update session counters: %w", err)
		}
	}
	return nil
}

// DailyStats returns per-day rollups for the last days days (including
// today), newest first. Days without traffic are omitted.
func (t *SQLTracker) DailyStats(ctx context.Context, days int) ([]models.DailyStats, error) {
	if days <= 0 {
		days = 7
	}
	since := t.now().UTC().AddDate(0, 0, -(days - 1)).Format(dayLayout)

	rows, err := t.db.QueryContext(ctx, t.db.Rebind(
		`SELECT day, COUNT(*), COALESCE(SUM(total_tokens), 0),
			SUM(CASE WHEN source = 'exact' THEN 1 ELSE 0 END),
			SUM(CASE WHEN source = 'semantic' THEN 1 ELSE 0 END),
			SUM(CASE WHEN source = 'live' THEN 1 ELSE 0 END),
			SUM(CASE WHEN source IN ('denied', 'failed') THEN 1 ELSE 0 END),
			COALESCE(CAST(AVG(latency_ms) AS DOUBLE PRECISION), 0)
		 FROM answers WHERE day >= ? GROUP BY day ORDER BY day DESC`),
		since,
	)
	if err != nil {
		return nil, fmt.Errorf("daily stats: %w", err)
	}
	defer rows.Close()

	var stats []models.DailyStats
	for rows.Next() {
		var s models.DailyStats
		if err := rows.Scan(&s.Day, &s.TotalQueries, &s.TotalTokens, &s.ExactHits, &s.SemanticHits,
			&s.LiveCalls, &s.Denials, &s.AvgLatencyMs); err != nil {
			return nil, fmt.Errorf("scan daily stats: %w", err)
		}
		stats = append(stats, s)
	}
	return stats, rows.Err()
}

// History returns the most recent limit answered turns of a session in
// chronological order. Denied and failed requests are not part of the
// conversation.
func (t *SQLTracker) History(ctx context.Context, sessionID string, limit int) ([]models.ConversationTurn, error) {
	if sessionID == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 10
	}
	rows, err := t.db.QueryContext(ctx, t.db.Rebind(
		`SELECT query, response, source, created_at FROM answers
		 WHERE session_id = ? AND source IN ('exact', 'semantic', 'live')
		 ORDER BY created_at DESC, id DESC LIMIT ?`),
		sessionID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("session history: %w", err)
	}
	defer rows.Close()

	var turns []models.ConversationTurn
	for rows.Next() {
		var turn models.ConversationTurn
		var source string
		var created int64
		if err := rows.Scan(&turn.Query, &turn.Response, &source, &created); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		turn.Source = models.Source(source)
		turn.CreatedAt = time.UnixMilli(created).UTC()
		turns = append(turns, turn)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return turns, nil
}

// ResolveSession returns a session ID. If explicitID is non-empty, it ensures
// the session row exists and returns it. Otherwise it finds the most recent
// session for the client key and reuses it if within gapTimeout, or creates a
// new one. A non-positive gapTimeout always creates a new session.
func (t *SQLTracker) ResolveSession(ctx context.Context, clientKey, explicitID string, gapTimeout time.Duration) (string, error) {
	now := t.now().UTC()

	if explicitID != "" {
		_, err := t.db.ExecContext(ctx, t.db.Rebind(
			`INSERT INTO sessions (id, client_key, started_at, last_activity) VALUES (?, ?, ?, ?)
			 ON CONFLICT(id) DO NOTHING`),
			explicitID, clientKey, now.UnixMilli(), now.UnixMilli(),
		)
		if err != nil {
			return "", fmt.Errorf("ensure session: %w", err)
		}
		return explicitID, nil
	}

	if gapTimeout > 0 {
		var lastID string
		var lastActivity int64
		err := t.db.QueryRowContext(ctx, t.db.Rebind(
			`SELECT id, last_activity FROM sessions WHERE client_key = ? ORDER BY last_activity DESC LIMIT 1`),
			clientKey,
		).Scan(&lastID, &lastActivity)
		switch {
		case err == nil && now.Sub(time.UnixMilli(lastActivity)) <= gapTimeout:
			return lastID, nil
		case err != nil && !errors.Is(err, sql.ErrNoRows):
			return "", fmt.Errorf("find session: %w", err)
		}
	}

	newID := generateSessionID(now)
	_, err := t.db.ExecContext(ctx, t.db.Rebind(
		`INSERT INTO sessions (id, client_key, started_at, last_activity) VALUES (?, ?, ?, ?)`),
		newID, clientKey, now.UnixMilli(), now.UnixMilli(),
	)
	if err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}
	return newID, nil
}

// ListSessions returns all sessions, optionally filtered by client key.
func (t *SQLTracker) ListSessions(ctx context.Context, clientKey string) ([]models.Session, error) {
	query := `SELECT id, client_key, started_at, last_activity, request_count, total_tokens FROM sessions`
	var args []any
	if clientKey != "" {
		query += ` WHERE client_key = ?`
		args = append(args, clientKey)
	}
	query += ` ORDER BY started_at DESC`

	rows, err := t.db.QueryContext(ctx, t.db.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []models.Session
	for rows.Next() {
		var s models.Session
		var started, last int64
		if err := rows.Scan(&s.ID, &s.ClientKey, &started, &last, &s.RequestCount, &s.TotalTokens); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		s.StartedAt = time.UnixMilli(started).UTC()
		s.LastActivity = time.UnixMilli(last).UTC()
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// Prune deletes answer records older than maxAge. A non-positive maxAge keeps
// everything.
func (t *SQLTracker) Prune(ctx context.Context, maxAge time.Duration) (int64, error) {
	if maxAge <= 0 {
		return 0, nil
	}
	cutoff := t.now().Add(-maxAge).UnixMilli()
	res, err := t.db.ExecContext(ctx, t.db.Rebind(`DELETE FROM answers WHERE created_at < ?`), cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune answers: %w", err)
	}
	return res.RowsAffected()
}

// Close releases the database connection.
func (t *SQLTracker) Close() error {
	return t.db.Close()
}
