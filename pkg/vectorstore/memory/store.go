// Package memory is an in-process vector store for tests and single-shot CLI use.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pario-ai/tiercache/pkg/models"
	"github.com/pario-ai/tiercache/pkg/semantic"
)

// Store keeps records in a slice guarded by an RWMutex.
type Store struct {
	mu      sync.RWMutex
	records []models.EmbeddingRecord
}

var _ semantic.Store = (*Store)(nil)

// New returns an empty Store.
func New() *Store {
	return &Store{}
}

// Insert appends rec.
func (s *Store) Insert(_ context.Context, rec models.EmbeddingRecord) error {
	s.mu.Lock()
	s.records = append(s.records, rec)
	s.mu.Unlock()
	return nil
}

// Nearest scores all records in scope whose dimension matches vec.
func (s *Store) Nearest(_ context.Context, scope string, vec []float32, k int) ([]semantic.Candidate, error) {
	s.mu.RLock()
	cands := make([]semantic.Candidate, 0, len(s.records))
	for i, r := range s.records {
		if r.Scope != scope || len(r.Vector) != len(vec) {
			continue
		}
		cands = append(cands, semantic.Candidate{
			Record:     r,
			Similarity: semantic.Cosine(vec, r.Vector),
			Seq:        int64(i + 1),
		})
	}
	s.mu.RUnlock()

	sort.Slice(cands, func(i, j int) bool {
		if cands[i].Similarity != cands[j].Similarity {
			return cands[i].Similarity > cands[j].Similarity
		}
		return cands[i].Seq > cands[j].Seq
	})
	if k > 0 && len(cands) > k {
		cands = cands[:k]
	}
	return cands, nil
}

// Count returns the number of records.
func (s *Store) Count(_ context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.records)), nil
}

// Prune drops records inserted before cutoff.
func (s *Store) Prune(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.records[:0]
	var n int64
	for _, r := range s.records {
		if r.InsertedAt.Before(cutoff) {
			n++
			continue
		}
		kept = append(kept, r)
	}
	s.records = kept
	return n, nil
}

// Close is a no-op.
func (s *Store) Close() error { return nil }
