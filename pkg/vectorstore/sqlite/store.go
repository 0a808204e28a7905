// Package sqlite is a brute-force vector store on SQLite. Vectors are kept as
// little-endian float32 blobs and scored in process, which is adequate for
// the tens of thousands of answers a single deployment accumulates.
package sqlite

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/pario-ai/tiercache/pkg/models"
	"github.com/pario-ai/tiercache/pkg/semantic"
	"github.com/pario-ai/tiercache/pkg/sqlstore"
)

const createEmbeddingsTable = `
CREATE TABLE IF NOT EXISTS embeddings (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	id TEXT NOT NULL UNIQUE,
	scope TEXT NOT NULL,
	query TEXT NOT NULL,
	response TEXT NOT NULL,
	dims INTEGER NOT NULL,
	vector BLOB NOT NULL,
	inserted_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_embeddings_scope ON embeddings(scope, dims);
CREATE INDEX IF NOT EXISTS idx_embeddings_inserted ON embeddings(inserted_at);
`

// Store implements semantic.Store.
type Store struct {
	db *sqlstore.DB
}

var _ semantic.Store = (*Store)(nil)

// New opens (and migrates) the embeddings table at dbPath.
func New(dbPath string) (*Store, error) {
	db, err := sqlstore.OpenSQLite(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open vector db: %w", err)
	}
	if _, err := db.Exec(createEmbeddingsTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate vector db: %w", err)
	}
	return &Store{db: db}, nil
}

func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(b []byte) []float32 {
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v
}

// Insert stores rec.
func (s *Store) Insert(ctx context.Context, rec models.EmbeddingRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO embeddings (id, scope, query, response, dims, vector, inserted_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Scope, rec.Query, rec.Response, len(rec.Vector), encodeVector(rec.Vector), rec.InsertedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("insert embedding: %w", err)
	}
	return nil
}

// Nearest scores every record in scope with the same dimension as vec.
func (s *Store) Nearest(ctx context.Context, scope string, vec []float32, k int) ([]semantic.Candidate, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, id, query, response, vector, inserted_at FROM embeddings WHERE scope = ? AND dims = ?`,
		scope, len(vec),
	)
	if err != nil {
		return nil, fmt.Errorf("scan embeddings: %w", err)
	}
	defer rows.Close()

	var cands []semantic.Candidate
	for rows.Next() {
		var (
			c        semantic.Candidate
			blob     []byte
			inserted int64
		)
		if err := rows.Scan(&c.Seq, &c.Record.ID, &c.Record.Query, &c.Record.Response, &blob, &inserted); err != nil {
			return nil, fmt.Errorf("scan embedding: %w", err)
		}
		c.Record.Scope = scope
		c.Record.Vector = decodeVector(blob)
		c.Record.InsertedAt = time.Unix(0, inserted).UTC()
		c.Similarity = semantic.Cosine(vec, c.Record.Vector)
		cands = append(cands, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("scan embeddings: %w", err)
	}

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

// Count returns the number of stored records.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM embeddings`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count embeddings: %w", err)
	}
	return n, nil
}

// Prune deletes records inserted before cutoff.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM embeddings WHERE inserted_at < ?`, cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("prune embeddings: %w", err)
	}
	return res.RowsAffected()
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}
