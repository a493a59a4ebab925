package store

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/seanblong/folio/pkg/models"
)

// Memory is an in-process ChunkStore using brute-force cosine similarity.
// It serves small corpora and tests without a database.
type Memory struct {
	mu     sync.RWMutex
	chunks map[string]models.Chunk
	dim    int
}

var _ ChunkStore = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{chunks: make(map[string]models.Chunk)}
}

func (m *Memory) Migrate(_ context.Context, dim int) error {
	m.mu.Lock()
	m.dim = dim
	m.mu.Unlock()
	return nil
}

func (m *Memory) UpsertChunk(_ context.Context, c models.Chunk) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	c.Keywords = NormalizeKeywords(c.Keywords)
	if c.Embedding != nil {
		c.Embedding = append([]float32(nil), c.Embedding...)
	}
	m.mu.Lock()
	m.chunks[c.ID] = c
	m.mu.Unlock()
	return nil
}

func (m *Memory) DeleteByCategory(_ context.Context, category models.Category) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, c := range m.chunks {
		if c.Category == category {
			delete(m.chunks, id)
			n++
		}
	}
	return n, nil
}

func (m *Memory) SearchByCategory(_ context.Context, vec []float32, category models.Category, threshold float64, limit int) ([]models.SearchResult, error) {
	return m.searchVector(vec, category, threshold, limit), nil
}

func (m *Memory) SearchGlobal(_ context.Context, vec []float32, threshold float64, limit int) ([]models.SearchResult, error) {
	return m.searchVector(vec, "", threshold, limit), nil
}

func (m *Memory) searchVector(vec []float32, category models.Category, threshold float64, limit int) []models.SearchResult {
	out := []models.SearchResult{}
	if IsZero(vec) || limit <= 0 {
		return out
	}
	m.mu.RLock()
	for _, c := range m.chunks {
		if category != "" && c.Category != category {
			continue
		}
		sim, ok := Cosine(vec, c.Embedding)
		if !ok || sim < threshold {
			continue
		}
		out = append(out, models.SearchResult{Chunk: c, Similarity: sim})
	}
	m.mu.RUnlock()
	return rank(out, limit)
}

func (m *Memory) SearchByKeywords(_ context.Context, keywords []string, limit int) ([]models.SearchResult, error) {
	keywords = NormalizeKeywords(keywords)
	out := []models.SearchResult{}
	if len(keywords) == 0 || limit <= 0 {
		return out, nil
	}
	want := make(map[string]struct{}, len(keywords))
	for _, k := range keywords {
		want[k] = struct{}{}
	}

	m.mu.RLock()
	for _, c := range m.chunks {
		hits := 0
		for _, k := range c.Keywords {
			if _, ok := want[k]; ok {
				hits++
			}
		}
		if hits == 0 {
			continue
		}
		out = append(out, models.SearchResult{Chunk: c, Similarity: float64(hits) / float64(len(keywords))})
	}
	m.mu.RUnlock()
	return rank(out, limit), nil
}

func (m *Memory) CountByCategory(_ context.Context) (map[models.Category]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[models.Category]int)
	for _, c := range m.chunks {
		out[c.Category]++
	}
	return out, nil
}

func (m *Memory) Ping(context.Context) error { return nil }

// Len returns the number of stored chunks.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.chunks)
}

// rank orders by importance-weighted similarity, then corpus order, and
// keeps the first limit results.
func rank(rs []models.SearchResult, limit int) []models.SearchResult {
	sort.SliceStable(rs, func(i, j int) bool {
		si := rs[i].Similarity * rs[i].Chunk.ImportanceScore
		sj := rs[j].Similarity * rs[j].Chunk.ImportanceScore
		if si != sj {
			return si > sj
		}
		if rs[i].Chunk.Order != rs[j].Chunk.Order {
			return rs[i].Chunk.Order < rs[j].Chunk.Order
		}
		return rs[i].Chunk.ID < rs[j].Chunk.ID
	})
	if len(rs) > limit {
		rs = rs[:limit]
	}
	return rs
}

// Cosine returns the cosine similarity of a and b. It reports false when
// the lengths differ or either vector has zero magnitude.
func Cosine(a, b []float32) (float64, bool) {
	if len(a) == 0 || len(a) != len(b) {
		return 0, false
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0, false
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb)), true
}
