// Package semantic implements the similarity tier of the answer cache.
//
// A query embedding is compared by cosine similarity against stored
// (query embedding, response) pairs. A candidate is accepted when its
// similarity is at or above the threshold; among accepted candidates the
// highest similarity wins and exact ties go to the most recent insert.
package semantic

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/pario-ai/tiercache/pkg/models"
)

// ErrDimensionMismatch is returned when a vector does not have the
// configured dimension.
var ErrDimensionMismatch = errors.New("embedding dimension mismatch")

// Candidate is a stored record scored against a query vector.
type Candidate struct {
	Record     models.EmbeddingRecord
	Similarity float64
	// Seq orders records inserted within the same clock tick. Stores that
	// cannot provide one leave it zero.
	Seq int64
}

// Store is a vector index over embedding records.
type Store interface {
	// Insert persists rec. Records are never updated.
	Insert(ctx context.Context, rec models.EmbeddingRecord) error
	// Nearest returns up to k candidates in scope, most similar first.
	Nearest(ctx context.Context, scope string, vec []float32, k int) ([]Candidate, error)
	// Count returns the number of stored records.
	Count(ctx context.Context) (int64, error)
	// Prune deletes records inserted before cutoff.
	Prune(ctx context.Context, cutoff time.Time) (int64, error)
	Close() error
}

// Cosine returns the cosine similarity of a and b, or 0 when the lengths
// differ or either vector is zero.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// newer reports whether a was inserted after b.
func newer(a, b Candidate) bool {
	if !a.Record.InsertedAt.Equal(b.Record.InsertedAt) {
		return a.Record.InsertedAt.After(b.Record.InsertedAt)
	}
	return a.Seq > b.Seq
}

// Best picks the winning candidate at an inclusive threshold. Candidates
// carrying a vector of the wrong dimension are ignored when dims > 0.
func Best(cands []Candidate, threshold float64, dims int) (Candidate, bool) {
	var best Candidate
	found := false
	for _, c := range cands {
		if dims > 0 && c.Record.Vector != nil && len(c.Record.Vector) != dims {
			continue
		}
		if c.Similarity < threshold {
			continue
		}
		if !found || c.Similarity > best.Similarity || (c.Similarity == best.Similarity && newer(c, best)) {
			best = c
			found = true
		}
	}
	return best, found
}

// Cache is the semantic tier over a Store.
type Cache struct {
	store  Store
	dims   int
	limit  int
	now    func() time.Time
	hits   atomic.Int64
	misses atomic.Int64
	errs   atomic.Int64
}

// New wraps store. dims is the fixed embedding dimension; limit bounds the
// neighbours fetched per search.
func New(store Store, dims, limit int) *Cache {
	if limit <= 0 {
		limit = 8
	}
	return &Cache{store: store, dims: dims, limit: limit, now: time.Now}
}

// Dimensions returns the configured vector dimension.
func (c *Cache) Dimensions() int { return c.dims }

// Search returns the best accepted neighbour of vec within scope.
func (c *Cache) Search(ctx context.Context, scope string, vec []float32, threshold float64) (models.SemanticHit, bool, error) {
	if len(vec) != c.dims {
		c.errs.Add(1)
		return models.SemanticHit{}, false, fmt.Errorf("semantic search: %w: got %d, want %d", ErrDimensionMismatch, len(vec), c.dims)
	}
	cands, err := c.store.Nearest(ctx, scope, vec, c.limit)
	if err != nil {
		c.errs.Add(1)
		return models.SemanticHit{}, false, fmt.Errorf("semantic search: %w", err)
	}
	best, ok := Best(cands, threshold, c.dims)
	if !ok {
		c.misses.Add(1)
		return models.SemanticHit{}, false, nil
	}
	c.hits.Add(1)
	return models.SemanticHit{Record: best.Record, Similarity: best.Similarity}, true, nil
}

// Recall returns up to k records in scope most similar to vec, best first,
// with no threshold. Records pointing away from vec are dropped. Recall does
// not count as a search, so hit and miss counters are untouched. A
// non-positive k uses the search limit.
func (c *Cache) Recall(ctx context.Context, scope string, vec []float32, k int) ([]models.SemanticHit, error) {
	if len(vec) != c.dims {
		return nil, fmt.Errorf("semantic recall: %w: got %d, want %d", ErrDimensionMismatch, len(vec), c.dims)
	}
	if k <= 0 {
		k = c.limit
	}
	cands, err := c.store.Nearest(ctx, scope, vec, k)
	if err != nil {
		c.errs.Add(1)
		return nil, fmt.Errorf("semantic recall: %w", err)
	}
	hits := make([]models.SemanticHit, 0, len(cands))
	for _, cand := range cands {
		if cand.Record.Vector != nil && len(cand.Record.Vector) != c.dims {
			continue
		}
		if cand.Similarity <= 0 {
			continue
		}
		hits = append(hits, models.SemanticHit{Record: cand.Record, Similarity: cand.Similarity})
		if len(hits) == k {
			break
		}
	}
	return hits, nil
}

// Insert stores a new record for query and returns it.
func (c *Cache) Insert(ctx context.Context, scope, query string, vec []float32, response string) (models.EmbeddingRecord, error) {
	if len(vec) != c.dims {
		return models.EmbeddingRecord{}, fmt.Errorf("semantic insert: %w: got %d, want %d", ErrDimensionMismatch, len(vec), c.dims)
	}
	rec := models.EmbeddingRecord{
		ID:         uuid.NewString(),
		Scope:      scope,
		Query:      query,
		Vector:     append([]float32(nil), vec...),
		Response:   response,
		InsertedAt: c.now().UTC(),
	}
	if err := c.store.Insert(ctx, rec); err != nil {
		c.errs.Add(1)
		return models.EmbeddingRecord{}, fmt.Errorf("semantic insert: %w", err)
	}
	return rec, nil
}

// Stats returns semantic tier metrics.
func (c *Cache) Stats(ctx context.Context) (models.CacheStats, error) {
	n, err := c.store.Count(ctx)
	if err != nil {
		return models.CacheStats{}, fmt.Errorf("semantic stats: %w", err)
	}
	return models.CacheStats{
		Entries: n,
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
		Errors:  c.errs.Load(),
	}, nil
}

// Prune drops records older than maxAge.
func (c *Cache) Prune(ctx context.Context, maxAge time.Duration) (int64, error) {
	return c.store.Prune(ctx, c.now().Add(-maxAge))
}

// Close closes the store.
func (c *Cache) Close() error {
	return c.store.Close()
}
