package embed

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pario-ai/tiercache/pkg/models"
	"github.com/pario-ai/tiercache/pkg/semantic"
)

func TestOpenAIEmbed(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/embeddings", r.URL.Path)
		assert.Equal(t, "Bearer sk-embed", r.Header.Get("Authorization"))

		var req models.EmbeddingRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, []string{"arctic"}, req.Input)
		assert.Equal(t, 3, req.Dimensions)

		_, _ = w.Write([]byte(`{"data":[{"index":0,"embedding":[0.1,0.2,0.3]}],"model":"text-embedding-3-small"}`))
	}))
	defer upstream.Close()

	e := NewOpenAI(upstream.URL+"/", "sk-embed", "text-embedding-3-small", 3, time.Second)
	vec, err := e.Embed(context.Background(), "arctic")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, vec)
	assert.Equal(t, 3, e.Dimensions())
}

func TestOpenAIEmbedErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
	}{
		{"status", http.StatusInternalServerError, `{"error":{"message":"boom"}}`},
		{"empty", http.StatusOK, `{"data":[]}`},
		{"dims", http.StatusOK, `{"data":[{"embedding":[1,2]}]}`},
		{"garbage", http.StatusOK, `not json`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer upstream.Close()

			_, err := NewOpenAI(upstream.URL, "", "m", 3, time.Second).Embed(context.Background(), "q")
			assert.Error(t, err)
		})
	}
}

func TestHashingIsDeterministicAndNormalized(t *testing.T) {
	h := Hashing{Dims: 256}
	a, err := h.Embed(context.Background(), "What is the Arctic resolution about?")
	require.NoError(t, err)
	b, err := h.Embed(context.Background(), "what is the ARCTIC resolution about")
	require.NoError(t, err)

	assert.Len(t, a, 256)
	assert.InDelta(t, 1.0, semantic.Cosine(a, a), 1e-6)
	assert.InDelta(t, 1.0, semantic.Cosine(a, b), 1e-6, "punctuation and case do not change the vector")
}

func TestHashingSimilarity(t *testing.T) {
	h := Hashing{Dims: 512}
	ctx := context.Background()
	q, _ := h.Embed(ctx, "What is the Arctic resolution about?")
	near, _ := h.Embed(ctx, "What is the Arctic resolution really about?")
	far, _ := h.Embed(ctx, "Explain carbon pricing mechanisms in detail")

	assert.Greater(t, semantic.Cosine(q, near), 0.65)
	assert.Less(t, semantic.Cosine(q, far), semantic.Cosine(q, near))
}

func TestHashingRejectsZeroDims(t *testing.T) {
	_, err := Hashing{}.Embed(context.Background(), "q")
	assert.Error(t, err)
}
