package indexer

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/karrick/godirwalk"
	"github.com/rs/zerolog"
	"github.com/seanblong/folio/internal/ai"
	"github.com/seanblong/folio/internal/errs"
	"github.com/seanblong/folio/internal/ledger"
	"github.com/seanblong/folio/internal/retry"
	"github.com/seanblong/folio/internal/segment"
	"github.com/seanblong/folio/internal/store"
	"github.com/seanblong/folio/pkg/models"
)

func init() {
	// Suppress logs during testing
	zerolog.SetGlobalLevel(zerolog.Disabled)
}

const testCorpus = `[BIO]
Marvin is a platform engineer based in Berlin.

[SKILLS]
Python, Go.

[CONTACT]
marvin@example.com
`

// MockAIClient implements ai.Client for testing
type MockAIClient struct {
	mu        sync.Mutex
	calls     int
	EmbedFunc func(ctx context.Context, text string) ([]float32, error)
	DimFunc   func() int
}

func (m *MockAIClient) Embed(ctx context.Context, text string) ([]float32, error) {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
	if m.EmbedFunc != nil {
		return m.EmbedFunc(ctx, text)
	}
	return []float32{0.1, 0.2, 0.3}, nil
}

func (m *MockAIClient) Complete(context.Context, string, int, float32) (string, error) {
	return "", errors.New("not used by the indexer")
}

func (m *MockAIClient) Dim() int {
	if m.DimFunc != nil {
		return m.DimFunc()
	}
	return 3
}

func (m *MockAIClient) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// MockFileSystemWalker implements FileSystemWalker for testing
type MockFileSystemWalker struct {
	FilesToProcess []string
	WalkError      error
}

func (m *MockFileSystemWalker) Walk(root string, options *godirwalk.Options) error {
	if m.WalkError != nil {
		return m.WalkError
	}
	// godirwalk.Dirent cannot be constructed outside the package, so the
	// callback is driven with a nil entry
	for _, p := range m.FilesToProcess {
		if err := options.Callback(p, nil); err != nil {
			return err
		}
	}
	return nil
}

// MockFileReader implements FileReader for testing
type MockFileReader struct {
	ReadFileFunc func(filename string) ([]byte, error)
	Files        map[string]string // path -> content
}

func (m *MockFileReader) ReadFile(filename string) ([]byte, error) {
	if m.ReadFileFunc != nil {
		return m.ReadFileFunc(filename)
	}
	if content, exists := m.Files[filename]; exists {
		return []byte(content), nil
	}
	return nil, errors.New("file not found")
}

func fastPolicy() retry.Policy {
	return retry.Policy{Timeout: time.Second, Retries: 1, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond}
}

func newTestIndexer(root string, files map[string]string, client ai.Client) (*Indexer, *store.Memory) {
	mem := store.NewMemory()
	paths := make([]string, 0, len(files))
	for p := range files {
		paths = append(paths, p)
	}
	ix := NewWithDependencies(mem, root, client, &MockFileSystemWalker{FilesToProcess: paths}, &MockFileReader{Files: files})
	ix.Policy = fastPolicy()
	ix.Workers = 1
	return ix, mem
}

func TestIndexer_Run(t *testing.T) {
	tests := []struct {
		name       string
		root       string
		files      map[string]string
		client     *MockAIClient
		wantErr    bool
		wantStored map[models.Category]int
		validate   func(t *testing.T, rep Report, mem *store.Memory, client *MockAIClient)
	}{
		{
			name:       "single document",
			root:       "/corpus/portfolio.txt",
			files:      map[string]string{"/corpus/portfolio.txt": testCorpus},
			client:     &MockAIClient{},
			wantStored: map[models.Category]int{models.CategoryBio: 1, models.CategorySkills: 1, models.CategoryContact: 1},
			validate: func(t *testing.T, rep Report, mem *store.Memory, client *MockAIClient) {
				if client.Calls() != 3 {
					t.Errorf("Expected 3 embed calls, got %d", client.Calls())
				}
				if mem.Len() != 3 {
					t.Errorf("Expected 3 stored chunks, got %d", mem.Len())
				}
				if rep.Tokens == 0 || rep.Cost <= 0 {
					t.Errorf("Expected tokens and cost to be reported, got %d %f", rep.Tokens, rep.Cost)
				}
				if rep.Digest != HashContent(strings.TrimSpace(testCorpus)) {
					t.Errorf("Unexpected digest %s", rep.Digest)
				}
			},
		},
		{
			name: "directory is read in path order as one corpus",
			root: "/corpus",
			files: map[string]string{
				"/corpus/b.txt":     "[SKILLS]\nPython, Go.\n[CONTACT]\nmarvin@example.com",
				"/corpus/a.txt":     "[BIO]\nMarvin is a platform engineer.",
				"/corpus/README.md": "[INTERESTS]\nnot part of the corpus",
				"/corpus/notes.TXT": "[INTERESTS]\nClimbing.",
			},
			client: &MockAIClient{},
			wantStored: map[models.Category]int{
				models.CategoryBio: 1, models.CategorySkills: 1, models.CategoryContact: 1, models.CategoryInterests: 1,
			},
			validate: func(t *testing.T, rep Report, mem *store.Memory, client *MockAIClient) {
				if len(rep.Files) != 3 {
					t.Fatalf("Expected 3 files, got %v", rep.Files)
				}
				if rep.Files[0] != "/corpus/a.txt" {
					t.Errorf("Expected files sorted, got %v", rep.Files)
				}
				if rep.Chunks[0].Category != models.CategoryBio || rep.Chunks[0].Order != 0 {
					t.Errorf("Expected BIO first, got %s at %d", rep.Chunks[0].Category, rep.Chunks[0].Order)
				}
			},
		},
		{
			name:    "missing required sections aborts before embedding",
			root:    "/corpus/portfolio.txt",
			files:   map[string]string{"/corpus/portfolio.txt": "[BIO]\nJust a bio."},
			client:  &MockAIClient{},
			wantErr: true,
			validate: func(t *testing.T, rep Report, mem *store.Memory, client *MockAIClient) {
				if client.Calls() != 0 {
					t.Errorf("Expected no embed calls, got %d", client.Calls())
				}
				if mem.Len() != 0 {
					t.Errorf("Expected nothing stored, got %d", mem.Len())
				}
			},
		},
		{
			name:    "document without labels",
			root:    "/corpus/portfolio.txt",
			files:   map[string]string{"/corpus/portfolio.txt": "plain text"},
			client:  &MockAIClient{},
			wantErr: true,
		},
		{
			name:   "unknown label is reported and skipped",
			root:   "/corpus/portfolio.txt",
			files:  map[string]string{"/corpus/portfolio.txt": testCorpus + "\n[PUBLICATIONS]\nA paper."},
			client: &MockAIClient{},
			wantStored: map[models.Category]int{
				models.CategoryBio: 1, models.CategorySkills: 1, models.CategoryContact: 1,
			},
			validate: func(t *testing.T, rep Report, mem *store.Memory, client *MockAIClient) {
				if len(rep.SectionErrors) != 1 || !strings.Contains(rep.SectionErrors[0].Error(), "PUBLICATIONS") {
					t.Errorf("Expected one section error naming PUBLICATIONS, got %v", rep.SectionErrors)
				}
			},
		},
		{
			name:  "failed embedding keeps the category out",
			root:  "/corpus/portfolio.txt",
			files: map[string]string{"/corpus/portfolio.txt": testCorpus},
			client: &MockAIClient{EmbedFunc: func(_ context.Context, text string) ([]float32, error) {
				if strings.Contains(text, "Python") {
					return nil, errors.New("provider down")
				}
				return []float32{0.1, 0.2, 0.3}, nil
			}},
			wantErr:    true,
			wantStored: map[models.Category]int{models.CategoryBio: 1, models.CategoryContact: 1},
			validate: func(t *testing.T, rep Report, mem *store.Memory, client *MockAIClient) {
				if _, ok := rep.Skipped[models.CategorySkills]; !ok {
					t.Errorf("Expected SKILLS to be skipped, got %v", rep.Skipped)
				}
			},
		},
		{
			name:  "wrong dimension is rejected",
			root:  "/corpus/portfolio.txt",
			files: map[string]string{"/corpus/portfolio.txt": testCorpus},
			client: &MockAIClient{EmbedFunc: func(context.Context, string) ([]float32, error) {
				return []float32{0.1, 0.2}, nil
			}},
			wantErr:    true,
			wantStored: map[models.Category]int{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ix, mem := newTestIndexer(tt.root, tt.files, tt.client)

			rep, err := ix.Run(context.Background())
			if (err != nil) != tt.wantErr {
				t.Fatalf("Expected error=%v, got %v", tt.wantErr, err)
			}
			if tt.wantStored != nil {
				if len(rep.Stored) != len(tt.wantStored) {
					t.Errorf("Expected stored %v, got %v", tt.wantStored, rep.Stored)
				}
				for cat, n := range tt.wantStored {
					if rep.Stored[cat] != n {
						t.Errorf("Expected %d %s chunks stored, got %d", n, cat, rep.Stored[cat])
					}
				}
			}
			if tt.validate != nil {
				tt.validate(t, rep, mem, tt.client)
			}
		})
	}
}

func TestIndexer_MissingSectionsAreItemized(t *testing.T) {
	ix, _ := newTestIndexer("/c.txt", map[string]string{"/c.txt": "[EDUCATION]\nBSc."}, &MockAIClient{})
	_, err := ix.Run(context.Background())

	var missing *segment.MissingSectionsError
	if !errors.As(err, &missing) {
		t.Fatalf("Expected MissingSectionsError, got %v", err)
	}
	want := []models.Category{models.CategoryBio, models.CategoryContact, models.CategorySkills}
	if len(missing.Missing) != len(want) {
		t.Fatalf("Expected %v, got %v", want, missing.Missing)
	}
	for i := range want {
		if missing.Missing[i] != want[i] {
			t.Errorf("Expected %v, got %v", want, missing.Missing)
		}
	}
}

func TestIndexer_ReplacesCategoryWholesale(t *testing.T) {
	ix, mem := newTestIndexer("/c.txt", map[string]string{"/c.txt": testCorpus}, &MockAIClient{})
	ctx := context.Background()
	_ = mem.UpsertChunk(ctx, models.Chunk{ID: "stale", Category: models.CategorySkills, Content: "COBOL.", Keywords: []string{"cobol"}})
	_ = mem.UpsertChunk(ctx, models.Chunk{ID: "kept", Category: models.CategoryInterests, Content: "Chess.", Keywords: []string{"chess"}})

	if _, err := ix.Run(ctx); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if rs, _ := mem.SearchByKeywords(ctx, []string{"cobol"}, 5); len(rs) != 0 {
		t.Error("Expected stale SKILLS chunk to be replaced")
	}
	if rs, _ := mem.SearchByKeywords(ctx, []string{"chess"}, 5); len(rs) != 1 {
		t.Error("Expected INTERESTS chunk outside the corpus to be untouched")
	}
}

func TestIndexer_DryRun(t *testing.T) {
	client := &MockAIClient{}
	ix, mem := newTestIndexer("/c.txt", map[string]string{"/c.txt": testCorpus}, client)
	ix.DryRun = true

	rep, err := ix.Run(context.Background())
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if len(rep.Chunks) != 3 {
		t.Errorf("Expected 3 chunks reported, got %d", len(rep.Chunks))
	}
	if client.Calls() != 0 || mem.Len() != 0 {
		t.Errorf("Expected no embedding and no writes, got %d calls and %d chunks", client.Calls(), mem.Len())
	}
}

func TestIndexer_LedgerGatesEmbedding(t *testing.T) {
	limits := ledger.DefaultLimits()
	limits.MaxRequestsPerDay = 2
	led := ledger.New(ledger.NewMemoryStore(), limits)

	client := &MockAIClient{}
	ix, _ := newTestIndexer("/c.txt", map[string]string{"/c.txt": testCorpus}, client)
	ix.Ledger = led

	rep, err := ix.Run(context.Background())
	if err == nil {
		t.Fatal("Expected an error once the daily request limit is hit")
	}
	if client.Calls() != 2 {
		t.Errorf("Expected 2 embed calls, got %d", client.Calls())
	}
	// one worker embeds in corpus order, so CONTACT is refused
	skipErr, ok := rep.Skipped[models.CategoryContact]
	if !ok || !IsBudgetError(skipErr) {
		t.Errorf("Expected CONTACT skipped for budget, got %v", rep.Skipped)
	}

	u, err := led.Current(context.Background())
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if u.RequestCount != 2 {
		t.Errorf("Expected 2 recorded requests, got %d", u.RequestCount)
	}
}

func TestIndexer_FailedEmbeddingReleasesReservation(t *testing.T) {
	led := ledger.New(ledger.NewMemoryStore(), ledger.DefaultLimits())
	client := &MockAIClient{EmbedFunc: func(_ context.Context, text string) ([]float32, error) {
		if strings.Contains(text, "Python") {
			return nil, errors.New("provider unavailable")
		}
		return []float32{0.1, 0.2, 0.3}, nil
	}}
	ix, _ := newTestIndexer("/c.txt", map[string]string{"/c.txt": testCorpus}, client)
	ix.Ledger = led

	rep, _ := ix.Run(context.Background())
	if _, ok := rep.Skipped[models.CategorySkills]; !ok {
		t.Fatalf("Expected SKILLS skipped after the failed embedding, got %v", rep.Skipped)
	}

	wantTokens := 0
	for _, c := range rep.Chunks {
		if c.Category != models.CategorySkills {
			wantTokens += c.TokenCount
		}
	}
	st, err := led.Status(context.Background())
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if st.Usage.RequestCount != 2 || st.Today.Requests != 2 {
		t.Errorf("Expected only the 2 successful embeddings counted, got %d monthly and %d today", st.Usage.RequestCount, st.Today.Requests)
	}
	if st.Usage.TotalTokens != wantTokens {
		t.Errorf("Expected %d tokens charged, got %d", wantTokens, st.Usage.TotalTokens)
	}
}

func TestIndexer_LoadErrors(t *testing.T) {
	t.Run("walk error", func(t *testing.T) {
		ix := NewWithDependencies(store.NewMemory(), "/corpus", &MockAIClient{},
			&MockFileSystemWalker{WalkError: errors.New("permission denied")}, &MockFileReader{})
		_, _, err := ix.Load(context.Background())
		if !errs.IsKind(err, errs.KindIngestion) {
			t.Errorf("Expected ingestion error, got %v", err)
		}
	})

	t.Run("no documents", func(t *testing.T) {
		ix := NewWithDependencies(store.NewMemory(), "/corpus", &MockAIClient{},
			&MockFileSystemWalker{FilesToProcess: []string{"/corpus/image.png"}}, &MockFileReader{})
		_, _, err := ix.Load(context.Background())
		if err == nil || !strings.Contains(err.Error(), "no .txt documents") {
			t.Errorf("Expected no documents error, got %v", err)
		}
	})

	t.Run("unreadable file", func(t *testing.T) {
		ix := NewWithDependencies(store.NewMemory(), "/c.txt", &MockAIClient{}, &MockFileSystemWalker{}, &MockFileReader{})
		_, _, err := ix.Load(context.Background())
		if err == nil || !strings.Contains(err.Error(), "read /c.txt") {
			t.Errorf("Expected read error, got %v", err)
		}
	})
}

func TestShouldSkipDir(t *testing.T) {
	tests := []struct {
		path string
		want bool
	}{
		{"/corpus/.git", true},
		{"/corpus/node_modules", true},
		{"/corpus/drafts", false},
		{"/corpus/2024", false},
	}
	for _, tt := range tests {
		if got := shouldSkipDir(tt.path); got != tt.want {
			t.Errorf("shouldSkipDir(%q) = %v, expected %v", tt.path, got, tt.want)
		}
	}
}

func TestNewIndexer(t *testing.T) {
	t.Run("successful creation", func(t *testing.T) {
		s := store.NewMemory()
		ix, err := New(context.Background(), s, "/corpus", &ai.ClientConfig{Provider: ai.ProviderStub, Dim: 8})
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if ix.Store != s {
			t.Error("Store not set correctly")
		}
		if ix.Root != "/corpus" {
			t.Error("Root not set correctly")
		}
		if ix.Options.MaxChunkSize != segment.DefaultMaxChunkSize {
			t.Error("Expected default segment options")
		}
	})

	t.Run("AI client creation failure", func(t *testing.T) {
		ix, err := New(context.Background(), store.NewMemory(), "/corpus", &ai.ClientConfig{Provider: "invalid"})
		if err == nil {
			t.Error("Expected error for invalid client config")
		}
		if ix != nil {
			t.Error("Expected nil indexer on error")
		}
	})
}

func BenchmarkIndexer_HashContent(b *testing.B) {
	content := strings.Repeat("benchmark content ", 1000)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = HashContent(content)
	}
}

// Test interface compliance
func TestInterfaceCompliance(t *testing.T) {
	var _ FileSystemWalker = &MockFileSystemWalker{}
	var _ FileReader = &MockFileReader{}
	var _ ai.Client = &MockAIClient{}
}
