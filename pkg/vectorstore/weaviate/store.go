// Package weaviate stores embedding records in a Weaviate class configured
// with cosine distance and no server-side vectorizer.
package weaviate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/weaviate/weaviate-go-client/v4/weaviate"
	"github.com/weaviate/weaviate-go-client/v4/weaviate/auth"
	"github.com/weaviate/weaviate-go-client/v4/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v4/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"

	tcmodels "github.com/pario-ai/tiercache/pkg/models"
	"github.com/pario-ai/tiercache/pkg/semantic"
)

// Config locates the Weaviate instance and class.
type Config struct {
	Host   string
	Scheme string
	APIKey string
	Class  string
}

// Store implements semantic.Store on Weaviate.
type Store struct {
	client *weaviate.Client
	class  string
}

var _ semantic.Store = (*Store)(nil)

// New connects to Weaviate and creates the class if it does not exist.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Class == "" {
		cfg.Class = "TiercacheAnswer"
	}
	if cfg.Scheme == "" {
		cfg.Scheme = "http"
	}
	wcfg := weaviate.Config{
		Host:   cfg.Host,
		Scheme: cfg.Scheme,
	}
	if cfg.APIKey != "" {
		wcfg.AuthConfig = auth.ApiKey{Value: cfg.APIKey}
	}
	client, err := weaviate.NewClient(wcfg)
	if err != nil {
		return nil, fmt.Errorf("create weaviate client: %w", err)
	}
	s := &Store{client: client, class: cfg.Class}
	if err := s.ensureClass(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureClass(ctx context.Context) error {
	exists, err := s.client.Schema().ClassExistenceChecker().WithClassName(s.class).Do(ctx)
	if err != nil {
		return fmt.Errorf("check weaviate class: %w", err)
	}
	if exists {
		return nil
	}
	class := &models.Class{
		Class:       s.class,
		Description: "Cached answers keyed by query embedding",
		Vectorizer:  "none",
		VectorIndexConfig: map[string]interface{}{
			"distance": "cosine",
		},
		Properties: []*models.Property{
			{Name: "recordId", DataType: []string{"text"}},
			{Name: "scope", DataType: []string{"text"}, Tokenization: "field"},
			{Name: "query", DataType: []string{"text"}},
			{Name: "response", DataType: []string{"text"}},
			{Name: "insertedAt", DataType: []string{"date"}},
		},
	}
	if err := s.client.Schema().ClassCreator().WithClass(class).Do(ctx); err != nil {
		return fmt.Errorf("create weaviate class: %w", err)
	}
	return nil
}

// Insert stores rec with its vector. The record id doubles as the object id.
func (s *Store) Insert(ctx context.Context, rec tcmodels.EmbeddingRecord) error {
	_, err := s.client.Data().Creator().
		WithClassName(s.class).
		WithID(rec.ID).
		WithProperties(map[string]interface{}{
			"recordId":   rec.ID,
			"scope":      rec.Scope,
			"query":      rec.Query,
			"response":   rec.Response,
			"insertedAt": rec.InsertedAt.UTC().Format(time.RFC3339Nano),
		}).
		WithVector(rec.Vector).
		Do(ctx)
	if err != nil {
		return fmt.Errorf("insert embedding: %w", err)
	}
	return nil
}

// Nearest runs a nearVector query filtered to scope. Similarity is derived
// from cosine distance as 1 - distance.
func (s *Store) Nearest(ctx context.Context, scope string, vec []float32, k int) ([]semantic.Candidate, error) {
	if k <= 0 {
		k = 8
	}
	near := (&graphql.NearVectorArgumentBuilder{}).WithVector(vec)
	where := filters.Where().
		WithPath([]string{"scope"}).
		WithOperator(filters.Equal).
		WithValueText(scope)

	result, err := s.client.GraphQL().Get().
		WithClassName(s.class).
		WithNearVector(near).
		WithWhere(where).
		WithFields(
			graphql.Field{Name: "recordId"},
			graphql.Field{Name: "query"},
			graphql.Field{Name: "response"},
			graphql.Field{Name: "insertedAt"},
			graphql.Field{Name: "_additional", Fields: []graphql.Field{
				{Name: "id"},
				{Name: "distance"},
			}},
		).
		WithLimit(k).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("weaviate near vector: %w", err)
	}
	if len(result.Errors) > 0 {
		msgs := make([]string, 0, len(result.Errors))
		for _, e := range result.Errors {
			msgs = append(msgs, e.Message)
		}
		return nil, fmt.Errorf("weaviate near vector: %s", strings.Join(msgs, "; "))
	}
	return s.parseGet(result.Data, scope)
}

func (s *Store) parseGet(data map[string]models.JSONObject, scope string) ([]semantic.Candidate, error) {
	get, ok := data["Get"].(map[string]interface{})
	if !ok {
		return nil, errors.New("weaviate near vector: missing Get in response")
	}
	items, _ := get[s.class].([]interface{})

	cands := make([]semantic.Candidate, 0, len(items))
	for _, item := range items {
		obj, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		add, _ := obj["_additional"].(map[string]interface{})
		dist, ok := add["distance"].(float64)
		if !ok {
			continue
		}
		rec := tcmodels.EmbeddingRecord{Scope: scope}
		rec.ID, _ = obj["recordId"].(string)
		rec.Query, _ = obj["query"].(string)
		rec.Response, _ = obj["response"].(string)
		if ts, ok := obj["insertedAt"].(string); ok {
			rec.InsertedAt, _ = time.Parse(time.RFC3339Nano, ts)
		}
		cands = append(cands, semantic.Candidate{Record: rec, Similarity: 1 - dist})
	}
	return cands, nil
}

// Count returns the number of objects in the class.
func (s *Store) Count(ctx context.Context) (int64, error) {
	result, err := s.client.GraphQL().Aggregate().
		WithClassName(s.class).
		WithFields(graphql.Field{Name: "meta", Fields: []graphql.Field{{Name: "count"}}}).
		Do(ctx)
	if err != nil {
		return 0, fmt.Errorf("weaviate count: %w", err)
	}
	agg, _ := result.Data["Aggregate"].(map[string]interface{})
	rows, _ := agg[s.class].([]interface{})
	if len(rows) == 0 {
		return 0, nil
	}
	row, _ := rows[0].(map[string]interface{})
	meta, _ := row["meta"].(map[string]interface{})
	n, _ := meta["count"].(float64)
	return int64(n), nil
}

// Prune batch-deletes objects inserted before cutoff.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	where := filters.Where().
		WithPath([]string{"insertedAt"}).
		WithOperator(filters.LessThan).
		WithValueDate(cutoff.UTC())
	resp, err := s.client.Batch().ObjectsBatchDeleter().
		WithClassName(s.class).
		WithWhere(where).
		WithOutput("minimal").
		Do(ctx)
	if err != nil {
		return 0, fmt.Errorf("weaviate prune: %w", err)
	}
	if resp == nil || resp.Results == nil {
		return 0, nil
	}
	return resp.Results.Successful, nil
}

// Close is a no-op; the client holds no persistent connection.
func (s *Store) Close() error { return nil }
