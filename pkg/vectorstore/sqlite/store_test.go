package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pario-ai/tiercache/pkg/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "vectors.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func rec(id, scope string, vec []float32, at time.Time) models.EmbeddingRecord {
	return models.EmbeddingRecord{ID: id, Scope: scope, Query: "q-" + id, Vector: vec, Response: "r-" + id, InsertedAt: at}
}

func TestVectorRoundTrip(t *testing.T) {
	v := []float32{0.25, -1.5, 3, 0}
	assert.Equal(t, v, decodeVector(encodeVector(v)))
}

func TestNearestOrdersBySimilarity(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	now := time.Now().UTC()

	require.NoError(t, s.Insert(ctx, rec("far", "", []float32{0, 1}, now)))
	require.NoError(t, s.Insert(ctx, rec("near", "", []float32{1, 0.1}, now)))
	require.NoError(t, s.Insert(ctx, rec("exact", "", []float32{1, 0}, now)))

	cands, err := s.Nearest(ctx, "", []float32{1, 0}, 2)
	require.NoError(t, err)
	require.Len(t, cands, 2)
	assert.Equal(t, "exact", cands[0].Record.ID)
	assert.Equal(t, "near", cands[1].Record.ID)
	assert.InDelta(t, 1.0, cands[0].Similarity, 1e-9)
	assert.Equal(t, "r-exact", cands[0].Record.Response)
}

func TestNearestFiltersScopeAndDimension(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	now := time.Now().UTC()

	require.NoError(t, s.Insert(ctx, rec("a", "article-1", []float32{1, 0}, now)))
	require.NoError(t, s.Insert(ctx, rec("b", "article-2", []float32{1, 0}, now)))
	require.NoError(t, s.Insert(ctx, rec("c", "article-1", []float32{1, 0, 0}, now)))

	cands, err := s.Nearest(ctx, "article-1", []float32{1, 0}, 10)
	require.NoError(t, err)
	require.Len(t, cands, 1)
	assert.Equal(t, "a", cands[0].Record.ID)
}

func TestTiesCarryInsertOrder(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	now := time.Now().UTC()

	require.NoError(t, s.Insert(ctx, rec("old", "", []float32{1, 0}, now)))
	require.NoError(t, s.Insert(ctx, rec("new", "", []float32{2, 0}, now)))

	cands, err := s.Nearest(ctx, "", []float32{1, 0}, 10)
	require.NoError(t, err)
	require.Len(t, cands, 2)
	assert.Equal(t, "new", cands[0].Record.ID)
	assert.Greater(t, cands[0].Seq, cands[1].Seq)
}

func TestPruneAndCount(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	now := time.Now().UTC()

	require.NoError(t, s.Insert(ctx, rec("old", "", []float32{1}, now.Add(-48*time.Hour))))
	require.NoError(t, s.Insert(ctx, rec("new", "", []float32{1}, now)))

	n, err := s.Prune(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	count, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}
