package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
	"github.com/seanblong/folio/pkg/models"
)

// ChunkStore is the similarity store the router retrieves from.
type ChunkStore interface {
	Migrate(ctx context.Context, dim int) error
	UpsertChunk(ctx context.Context, c models.Chunk) error
	DeleteByCategory(ctx context.Context, category models.Category) (int64, error)
	SearchByCategory(ctx context.Context, vec []float32, category models.Category, threshold float64, limit int) ([]models.SearchResult, error)
	SearchGlobal(ctx context.Context, vec []float32, threshold float64, limit int) ([]models.SearchResult, error)
	SearchByKeywords(ctx context.Context, keywords []string, limit int) ([]models.SearchResult, error)
	CountByCategory(ctx context.Context) (map[models.Category]int, error)
	Ping(ctx context.Context) error
}

// Store is the Postgres + pgvector ChunkStore.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a new Store instance connected to the given database URL.
func New(ctx context.Context, url string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, err
	}
	p, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &Store{pool: p}, nil
}

func (s *Store) Close() { s.pool.Close() }

// Ledger returns a usage-ledger store sharing this pool.
func (s *Store) Ledger() *LedgerStore { return &LedgerStore{pool: s.pool} }

// Migrate applies necessary database migrations and schema setup.
func (s *Store) Migrate(ctx context.Context, dim int) error {
	q := `
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS chunks (
  id               TEXT PRIMARY KEY,
  category         TEXT NOT NULL,
  subcategory      TEXT NOT NULL DEFAULT '',
  content          TEXT NOT NULL,
  keywords         TEXT[] NOT NULL DEFAULT '{}',
  embedding        vector(%d),
  importance_score DOUBLE PRECISION NOT NULL DEFAULT 1.0,
  token_count      INT NOT NULL DEFAULT 0,
  ord              INT NOT NULL DEFAULT 0,
  created_at       TIMESTAMP WITH TIME ZONE DEFAULT now()
);

CREATE INDEX IF NOT EXISTS chunks_category_idx
  ON chunks (category);
CREATE INDEX IF NOT EXISTS chunks_keywords_gin
  ON chunks USING GIN (keywords);
CREATE INDEX IF NOT EXISTS chunks_embedding_idx
  ON chunks USING hnsw (embedding vector_cosine_ops);

CREATE TABLE IF NOT EXISTS usage_ledger (
  period     TEXT PRIMARY KEY,
  version    BIGINT NOT NULL,
  usage      JSONB NOT NULL,
  updated_at TIMESTAMP WITH TIME ZONE DEFAULT now()
);
`
	_, err := s.pool.Exec(ctx, fmt.Sprintf(q, dim))
	return err
}

// UpsertChunk inserts a chunk, replacing any row with the same id.
func (s *Store) UpsertChunk(ctx context.Context, c models.Chunk) error {
	var vec any = (*pgvector.Vector)(nil)
	if c.Embedding != nil {
		vec = pgvector.NewVector(c.Embedding)
	}
	keywords := NormalizeKeywords(c.Keywords)

	const q = `
		INSERT INTO chunks (
			id, category, subcategory, content, keywords, embedding,
			importance_score, token_count, ord, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9, now())
		ON CONFLICT (id) DO UPDATE SET
			category         = EXCLUDED.category,
			subcategory      = EXCLUDED.subcategory,
			content          = EXCLUDED.content,
			keywords         = EXCLUDED.keywords,
			embedding        = EXCLUDED.embedding,
			importance_score = EXCLUDED.importance_score,
			token_count      = EXCLUDED.token_count,
			ord              = EXCLUDED.ord;`

	_, err := s.pool.Exec(ctx, q,
		c.ID, string(c.Category), c.Subcategory, c.Content, keywords, vec,
		c.ImportanceScore, c.TokenCount, c.Order,
	)
	return err
}

// DeleteByCategory removes every chunk of a category.
func (s *Store) DeleteByCategory(ctx context.Context, category models.Category) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM chunks WHERE category = $1`, string(category))
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

const chunkColumns = `id, category, subcategory, content, keywords, importance_score, token_count, ord, created_at`

// SearchByCategory returns chunks of one category whose cosine similarity
// to vec is at least threshold, best first. Importance weights the ranking.
func (s *Store) SearchByCategory(ctx context.Context, vec []float32, category models.Category, threshold float64, limit int) ([]models.SearchResult, error) {
	return s.searchVector(ctx, vec, string(category), threshold, limit)
}

// SearchGlobal is SearchByCategory across all categories.
func (s *Store) SearchGlobal(ctx context.Context, vec []float32, threshold float64, limit int) ([]models.SearchResult, error) {
	return s.searchVector(ctx, vec, "", threshold, limit)
}

func (s *Store) searchVector(ctx context.Context, vec []float32, category string, threshold float64, limit int) ([]models.SearchResult, error) {
	if IsZero(vec) || limit <= 0 {
		return []models.SearchResult{}, nil
	}

	q := `
WITH cand AS (
  SELECT ` + chunkColumns + `,
         1 - (embedding <=> $1::vector) AS sim
  FROM chunks
  WHERE embedding IS NOT NULL
    AND ($2 = '' OR category = $2)
)
SELECT ` + chunkColumns + `, sim
FROM cand
WHERE sim >= $3
ORDER BY sim * importance_score DESC, ord ASC
LIMIT $4;`

	rows, err := s.pool.Query(ctx, q, pgvector.NewVector(vec), category, threshold, limit)
	if err != nil {
		return nil, err
	}
	return scanResults(rows)
}

// SearchByKeywords ranks chunks by how many of keywords they carry,
// weighted by importance. Similarity is the matched fraction of keywords.
func (s *Store) SearchByKeywords(ctx context.Context, keywords []string, limit int) ([]models.SearchResult, error) {
	keywords = NormalizeKeywords(keywords)
	if len(keywords) == 0 || limit <= 0 {
		return []models.SearchResult{}, nil
	}

	q := `
WITH cand AS (
  SELECT ` + chunkColumns + `,
         cardinality(ARRAY(SELECT unnest(keywords) INTERSECT SELECT unnest($1::text[]))) AS hits
  FROM chunks
  WHERE keywords && $1::text[]
)
SELECT ` + chunkColumns + `, hits::float8 / $2
FROM cand
ORDER BY hits * importance_score DESC, ord ASC
LIMIT $3;`

	rows, err := s.pool.Query(ctx, q, keywords, float64(len(keywords)), limit)
	if err != nil {
		return nil, err
	}
	return scanResults(rows)
}

// CountByCategory returns the number of stored chunks per category.
func (s *Store) CountByCategory(ctx context.Context) (map[models.Category]int, error) {
	rows, err := s.pool.Query(ctx, `SELECT category, count(*) FROM chunks GROUP BY category ORDER BY category`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[models.Category]int)
	for rows.Next() {
		var cat string
		var n int
		if err := rows.Scan(&cat, &n); err != nil {
			return nil, err
		}
		out[models.Category(cat)] = n
	}
	return out, rows.Err()
}

// Ping checks the database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	return s.pool.Ping(ctx)
}

func scanResults(rows pgx.Rows) ([]models.SearchResult, error) {
	defer rows.Close()

	out := []models.SearchResult{}
	for rows.Next() {
		var c models.Chunk
		var cat string
		var sim float64
		if err := rows.Scan(
			&c.ID, &cat, &c.Subcategory, &c.Content, &c.Keywords, &c.ImportanceScore, &c.TokenCount, &c.Order, &c.CreatedAt,
			&sim,
		); err != nil {
			return nil, err
		}
		c.Category = models.Category(cat)
		out = append(out, models.SearchResult{Chunk: c, Similarity: sim})
	}
	return out, rows.Err()
}

// NormalizeKeywords lowercases, trims and de-duplicates keywords.
func NormalizeKeywords(keywords []string) []string {
	seen := make(map[string]struct{}, len(keywords))
	out := make([]string, 0, len(keywords))
	for _, k := range keywords {
		k = strings.ToLower(strings.TrimSpace(k))
		if k == "" {
			continue
		}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out
}

// IsZero reports whether vec has no non-zero component. Cosine similarity
// is undefined for such vectors.
func IsZero(vec []float32) bool {
	for _, v := range vec {
		if v != 0 {
			return false
		}
	}
	return true
}
