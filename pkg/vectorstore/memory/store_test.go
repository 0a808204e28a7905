package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pario-ai/tiercache/pkg/models"
)

func TestNearestAndPrune(t *testing.T) {
	ctx := context.Background()
	s := New()
	now := time.Now()

	require.NoError(t, s.Insert(ctx, models.EmbeddingRecord{ID: "old", Vector: []float32{1, 0}, InsertedAt: now.Add(-time.Hour)}))
	require.NoError(t, s.Insert(ctx, models.EmbeddingRecord{ID: "new", Vector: []float32{1, 0}, InsertedAt: now}))
	require.NoError(t, s.Insert(ctx, models.EmbeddingRecord{ID: "other", Scope: "x", Vector: []float32{1, 0}, InsertedAt: now}))

	cands, err := s.Nearest(ctx, "", []float32{1, 0}, 5)
	require.NoError(t, err)
	require.Len(t, cands, 2)
	assert.Equal(t, "new", cands[0].Record.ID, "equal similarity orders newest first")

	n, err := s.Prune(ctx, now.Add(-time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	count, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
}
