package models

import "time"

// Source identifies which tier produced an answer.
type Source string

const (
	SourceExact    Source = "exact"
	SourceSemantic Source = "semantic"
	SourceLive     Source = "live"
	SourceDenied   Source = "denied"
	// SourceFailed marks answer-log rows for requests that produced no answer.
	SourceFailed   Source = "failed"
)

// CacheEntry is a stored answer owned by a single cache tier.
type CacheEntry struct {
	Key       string    `json:"key"`
	Response  string    `json:"response"`
	Source    Source    `json:"source"`
	CreatedAt time.Time `json:"created_at"`
	// ExpiresAt is zero for semantic entries, which are pruned by retention.
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// Expired reports whether the entry is past its expiry at now.
func (e CacheEntry) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && !now.Before(e.ExpiresAt)
}

// CacheStats reports cache performance metrics.
type CacheStats struct {
	Entries int64 `json:"entries"`
	Hits    int64 `json:"hits"`
	Misses  int64 `json:"misses"`
	Errors  int64 `json:"errors"`
}

// HitRate returns hits / (hits + misses), or zero when there were no lookups.
func (s CacheStats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// EmbeddingRecord is an immutable (query embedding, response) pair.
type EmbeddingRecord struct {
	ID         string    `json:"id"`
	Scope      string    `json:"scope"`
	Query      string    `json:"query"`
	Vector     []float32 `json:"-"`
	Response   string    `json:"response"`
	InsertedAt time.Time `json:"inserted_at"`
}

// SemanticHit is the best accepted neighbour for a query embedding.
type SemanticHit struct {
	Record     EmbeddingRecord `json:"record"`
	Similarity float64         `json:"similarity"`
}
