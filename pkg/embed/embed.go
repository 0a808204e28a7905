// Package embed turns query text into fixed-dimension vectors.
package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"io"
	"math"
	"net/http"
	"strings"
	"time"
	"unicode"

	"github.com/pario-ai/tiercache/pkg/fingerprint"
	"github.com/pario-ai/tiercache/pkg/models"
)

// Embedder maps text to a vector of Dimensions() floats.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimensions() int
}

// OpenAI calls an OpenAI-compatible /v1/embeddings endpoint.
type OpenAI struct {
	URL    string
	APIKey string
	Model  string
	Dims   int
	Client *http.Client
}

// NewOpenAI returns an embedder for baseURL (without the /v1 suffix).
func NewOpenAI(baseURL, apiKey, model string, dims int, timeout time.Duration) *OpenAI {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &OpenAI{
		URL:    strings.TrimRight(baseURL, "/"),
		APIKey: apiKey,
		Model:  model,
		Dims:   dims,
		Client: &http.Client{Timeout: timeout},
	}
}

// Dimensions implements Embedder.
func (o *OpenAI) Dimensions() int { return o.Dims }

// Embed implements Embedder.
func (o *OpenAI) Embed(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(models.EmbeddingRequest{Model: o.Model, Input: []string{text}, Dimensions: o.Dims})
	if err != nil {
		return nil, fmt.Errorf("encode embedding request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.URL+"/v1/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if o.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+o.APIKey)
	}

	resp, err := o.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embedding request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("embedding request: status %d: %s", resp.StatusCode, truncate(string(data), 200))
	}

	var er models.EmbeddingResponse
	if err := json.Unmarshal(data, &er); err != nil {
		return nil, fmt.Errorf("decode embedding response: %w", err)
	}
	if len(er.Data) == 0 {
		return nil, fmt.Errorf("embedding response: no data")
	}
	vec := er.Data[0].Embedding
	if o.Dims > 0 && len(vec) != o.Dims {
		return nil, fmt.Errorf("embedding response: got %d dimensions, want %d", len(vec), o.Dims)
	}
	return vec, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// Hashing is a local bag-of-words embedder using the hashing trick over
// word unigrams and bigrams of the normalized query. It needs no network
// and gives lexically similar questions high cosine similarity.
type Hashing struct {
	Dims int
}

// Dimensions implements Embedder.
func (h Hashing) Dimensions() int { return h.Dims }

// Embed implements Embedder.
func (h Hashing) Embed(_ context.Context, text string) ([]float32, error) {
	if h.Dims <= 0 {
		return nil, fmt.Errorf("hashing embedder: dimensions must be positive")
	}
	vec := make([]float32, h.Dims)
	words := strings.FieldsFunc(fingerprint.Normalize(text), func(r rune) bool {
		return !(r == '\'' || r == '-' || unicode.IsLetter(r) || unicode.IsDigit(r))
	})
	add := func(token string, weight float32) {
		f := fnv.New64a()
		f.Write([]byte(token))
		sum := f.Sum64()
		idx := int(sum % uint64(h.Dims))
		if sum&(1<<63) != 0 {
			weight = -weight
		}
		vec[idx] += weight
	}
	for i, w := range words {
		add(w, 1)
		if i > 0 {
			add(words[i-1]+" "+w, 0.5)
		}
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm > 0 {
		inv := float32(1 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= inv
		}
	}
	return vec, nil
}
