package chat

import (
	"context"
	"errors"
	"math"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/seanblong/folio/internal/ai"
	"github.com/seanblong/folio/internal/classify"
	"github.com/seanblong/folio/internal/errs"
	"github.com/seanblong/folio/internal/ledger"
	"github.com/seanblong/folio/internal/retry"
	"github.com/seanblong/folio/internal/router"
	"github.com/seanblong/folio/internal/segment"
	"github.com/seanblong/folio/internal/store"
	"github.com/seanblong/folio/pkg/models"
)

func init() {
	zerolog.SetGlobalLevel(zerolog.Disabled)
}

const (
	testOwner  = "Marvin Example"
	testCorpus = "[BIO] Short bio text.\n[SKILLS] Python, Go.\n[CONTACT] a@b.com"
)

var testNow = time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)

// MockClient is an ai.Client with overridable calls.
type MockClient struct {
	EmbedFunc    func(ctx context.Context, text string) ([]float32, error)
	CompleteFunc func(ctx context.Context, prompt string, maxTokens int, temperature float32) (string, error)

	mu        sync.Mutex
	embeds    int
	completes int
	prompts   []string
}

func (m *MockClient) Embed(ctx context.Context, text string) ([]float32, error) {
	m.mu.Lock()
	m.embeds++
	m.mu.Unlock()
	if m.EmbedFunc != nil {
		return m.EmbedFunc(ctx, text)
	}
	return []float32{1, 0, 0}, nil
}

func (m *MockClient) Complete(ctx context.Context, prompt string, maxTokens int, temperature float32) (string, error) {
	m.mu.Lock()
	m.completes++
	m.prompts = append(m.prompts, prompt)
	m.mu.Unlock()
	if m.CompleteFunc != nil {
		return m.CompleteFunc(ctx, prompt, maxTokens, temperature)
	}
	return "Marvin works with Python and Go.", nil
}

func (m *MockClient) Dim() int { return 3 }

func (m *MockClient) counts() (int, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.embeds, m.completes
}

// MockStore is a chunk store whose searches can be replaced.
type MockStore struct {
	*store.Memory
	SearchByKeywordsFunc func(ctx context.Context, keywords []string, limit int) ([]models.SearchResult, error)
}

func (m *MockStore) SearchByKeywords(ctx context.Context, keywords []string, limit int) ([]models.SearchResult, error) {
	if m.SearchByKeywordsFunc != nil {
		return m.SearchByKeywordsFunc(ctx, keywords, limit)
	}
	return m.Memory.SearchByKeywords(ctx, keywords, limit)
}

// MockLedgerStore fails compare-and-swap calls after the first failAfter.
type MockLedgerStore struct {
	*ledger.MemoryStore
	failAfter int

	mu    sync.Mutex
	calls int
}

func (m *MockLedgerStore) CompareAndSwap(ctx context.Context, key ledger.PeriodKey, version int64, u ledger.Usage) (bool, error) {
	m.mu.Lock()
	m.calls++
	n := m.calls
	m.mu.Unlock()
	if n > m.failAfter {
		return false, errors.New("connection refused")
	}
	return m.MemoryStore.CompareAndSwap(ctx, key, version, u)
}

// seedCorpus segments testCorpus into s. vector picks each chunk's
// embedding; nil leaves zero vectors, as the stub provider produces.
func seedCorpus(t *testing.T, s store.ChunkStore, vector func(models.Category) []float32) {
	t.Helper()
	seedDocument(t, s, testCorpus, vector)
}

func seedDocument(t *testing.T, s store.ChunkStore, doc string, vector func(models.Category) []float32) {
	t.Helper()
	res, err := segment.Segment(doc, segment.DefaultOptions())
	if err != nil {
		t.Fatalf("Expected no error segmenting, got: %v", err)
	}
	for _, c := range res.Chunks {
		c.Embedding = make([]float32, 3)
		if vector != nil {
			c.Embedding = vector(c.Category)
		}
		if err := s.UpsertChunk(context.Background(), c); err != nil {
			t.Fatalf("Expected no error upserting, got: %v", err)
		}
	}
}

func skillsAxis(c models.Category) []float32 {
	if c == models.CategorySkills {
		return []float32{1, 0, 0}
	}
	return []float32{0, 1, 0}
}

type fixture struct {
	svc    *Service
	ledger *ledger.Ledger
}

func newFixture(t *testing.T, client ai.Client, s store.ChunkStore, ls ledger.Store, tweak func(*Options, *router.Config)) fixture {
	t.Helper()
	if ls == nil {
		ls = ledger.NewMemoryStore()
	}
	opts := DefaultOptions()
	opts.Policy = retry.Policy{Retries: 0, InitialInterval: time.Millisecond}
	rcfg := router.DefaultConfig()
	if tweak != nil {
		tweak(&opts, &rcfg)
	}
	profile := router.Profile{Name: testOwner, Email: "marvin@example.com"}
	l := ledger.New(ls, ledger.DefaultLimits(), ledger.WithClock(func() time.Time { return testNow }))
	svc := NewService(
		client,
		s,
		classify.New(testOwner),
		router.New(rcfg, router.NewTable(router.DefaultEntries(profile))),
		l,
		NewSynthesizer(testOwner),
		opts,
	)
	return fixture{svc: svc, ledger: l}
}

func (f fixture) current(t *testing.T) ledger.Usage {
	t.Helper()
	u, err := f.ledger.Current(context.Background())
	if err != nil {
		t.Fatalf("Expected no error reading usage, got: %v", err)
	}
	return u
}

func ask(t *testing.T, svc *Service, msg string, history ...models.Message) models.ChatResponse {
	t.Helper()
	resp, err := svc.Respond(context.Background(), models.ChatRequest{Message: msg, ConversationHistory: history})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	return resp
}

func TestRespond_StubProviderFallsBackToKeywords(t *testing.T) {
	mem := store.NewMemory()
	seedCorpus(t, mem, nil)
	f := newFixture(t, ai.NewStubClient(3), mem, nil, nil)

	resp := ask(t, f.svc, "what are your skills")

	if !resp.Success {
		t.Errorf("Expected success, got message %q", resp.Message)
	}
	if resp.Metadata.Route != string(models.RouteKeyword) {
		t.Errorf("Expected keyword route, got %s", resp.Metadata.Route)
	}
	if !strings.Contains(resp.Message, "Python") || !strings.Contains(resp.Message, "Go") {
		t.Errorf("Expected reply to mention Python and Go, got %q", resp.Message)
	}
	if len(resp.Metadata.Sources) != 1 || resp.Metadata.Sources[0] != models.CategorySkills {
		t.Errorf("Expected sources [SKILLS], got %v", resp.Metadata.Sources)
	}
	// only the query embedding was spent
	if resp.Metadata.TokensUsed != 5 {
		t.Errorf("Expected 5 tokens used, got %d", resp.Metadata.TokensUsed)
	}

	u := f.current(t)
	if u.RequestCount != 1 {
		t.Errorf("Expected 1 request recorded, got %d", u.RequestCount)
	}
	if u.TotalTokens != 5 {
		t.Errorf("Expected reservation settled to 5 tokens, got %d", u.TotalTokens)
	}
	if math.Abs(u.TotalCost-resp.Metadata.Cost) > 1e-9 {
		t.Errorf("Expected ledger cost %f to match reply cost %f", u.TotalCost, resp.Metadata.Cost)
	}
}

func TestRespond_OutOfScopeIsRejectedForFree(t *testing.T) {
	client := &MockClient{}
	mem := store.NewMemory()
	seedCorpus(t, mem, skillsAxis)
	f := newFixture(t, client, mem, nil, nil)

	for _, q := range []string{"what's the weather forecast today", "who won the football game", "bitcoin price"} {
		t.Run(q, func(t *testing.T) {
			resp := ask(t, f.svc, q)
			if resp.Metadata.Route != string(models.RouteReject) {
				t.Errorf("Expected reject route, got %s", resp.Metadata.Route)
			}
			if resp.Metadata.Cost != 0 || resp.Metadata.TokensUsed != 0 {
				t.Errorf("Expected zero cost, got %f / %d tokens", resp.Metadata.Cost, resp.Metadata.TokensUsed)
			}
			if resp.Message != f.svc.Synth.Rejection() {
				t.Errorf("Expected rejection template, got %q", resp.Message)
			}
		})
	}

	if e, c := client.counts(); e != 0 || c != 0 {
		t.Errorf("Expected no provider calls, got %d embeds and %d completions", e, c)
	}
	if u := f.current(t); u.RequestCount != 0 || u.TotalCost != 0 {
		t.Errorf("Expected untouched ledger, got %+v", u)
	}
}

func TestRespond_ExactMatch(t *testing.T) {
	client := &MockClient{}
	f := newFixture(t, client, store.NewMemory(), nil, nil)

	for _, q := range []string{"how can i contact marvin", "How can I contact Marvin?", "HOW CAN I CONTACT MARVIN!!"} {
		resp := ask(t, f.svc, q)
		if resp.Metadata.Route != string(models.RouteExact) {
			t.Errorf("%q: expected exact route, got %s", q, resp.Metadata.Route)
		}
		if !strings.Contains(resp.Message, "marvin@example.com") {
			t.Errorf("%q: expected contact answer, got %q", q, resp.Message)
		}
		if resp.Metadata.Cost != 0 {
			t.Errorf("%q: expected zero cost, got %f", q, resp.Metadata.Cost)
		}
	}
	if e, _ := client.counts(); e != 0 {
		t.Errorf("Expected no embedding calls, got %d", e)
	}
}

func TestRespond_BudgetExhausted(t *testing.T) {
	client := &MockClient{}
	mem := store.NewMemory()
	seedCorpus(t, mem, skillsAxis)
	ls := ledger.NewMemoryStore()
	limits := ledger.DefaultLimits()
	key := ledger.CurrentPeriod(testNow)
	seeded := ledger.Usage{Period: key, TotalCost: limits.MonthlyBudget - 1e-9, Daily: map[string]ledger.Bucket{}, LastReset: testNow}
	if err := ls.Set(context.Background(), key, seeded); err != nil {
		t.Fatalf("Expected no error seeding ledger, got: %v", err)
	}
	f := newFixture(t, client, mem, ls, nil)

	resp := ask(t, f.svc, "what are your skills")

	if resp.Success {
		t.Error("Expected success=false for a budget refusal")
	}
	if resp.Message != f.svc.Synth.BudgetExceeded() {
		t.Errorf("Expected budget template, got %q", resp.Message)
	}
	if resp.Metadata.Route != string(models.RouteCategory) {
		t.Errorf("Expected the decided category route, got %s", resp.Metadata.Route)
	}
	if resp.Metadata.Cost != 0 || resp.Metadata.TokensUsed != 0 {
		t.Errorf("Expected zero cost, got %f / %d tokens", resp.Metadata.Cost, resp.Metadata.TokensUsed)
	}
	if e, c := client.counts(); e != 0 || c != 0 {
		t.Errorf("Expected no provider calls, got %d embeds and %d completions", e, c)
	}
	u := f.current(t)
	if u.RequestCount != 0 || u.TotalCost != seeded.TotalCost {
		t.Errorf("Expected usage unchanged, got %d requests and %f cost", u.RequestCount, u.TotalCost)
	}
}

func TestRespond_CategoryRouteCompletes(t *testing.T) {
	client := &MockClient{
		CompleteFunc: func(_ context.Context, _ string, _ int, _ float32) (string, error) {
			return "<p class=\"x\">**Python** and `Go`</p>", nil
		},
	}
	mem := store.NewMemory()
	seedCorpus(t, mem, skillsAxis)
	f := newFixture(t, client, mem, nil, func(o *Options, _ *router.Config) { o.HistoryLimit = 2 })

	history := []models.Message{
		{Role: models.RoleUser, Content: "first question"},
		{Role: models.RoleAssistant, Content: "first answer"},
		{Role: models.RoleUser, Content: "second question"},
	}
	resp := ask(t, f.svc, "what are your skills", history...)

	if resp.Metadata.Route != string(models.RouteCategory) {
		t.Fatalf("Expected category route, got %s", resp.Metadata.Route)
	}
	if resp.Message != "Python and Go" {
		t.Errorf("Expected markup stripped, got %q", resp.Message)
	}
	if resp.Metadata.RelevantChunks != 1 {
		t.Errorf("Expected 1 relevant chunk, got %d", resp.Metadata.RelevantChunks)
	}

	prompt := client.prompts[0]
	if !strings.Contains(prompt, "[SKILLS] Python, Go.") {
		t.Errorf("Expected SKILLS context in prompt, got:\n%s", prompt)
	}
	if strings.Contains(prompt, "first question") {
		t.Error("Expected history trimmed to the last 2 messages")
	}
	if !strings.Contains(prompt, "Assistant: first answer") || !strings.Contains(prompt, "User: second question") {
		t.Errorf("Expected recent history in prompt, got:\n%s", prompt)
	}

	u := f.current(t)
	if u.RequestCount != 1 {
		t.Errorf("Expected 1 request, got %d", u.RequestCount)
	}
	if u.TotalTokens != resp.Metadata.TokensUsed {
		t.Errorf("Expected ledger tokens %d to match reply %d", u.TotalTokens, resp.Metadata.TokensUsed)
	}
}

func TestRespond_GenerationFailure(t *testing.T) {
	client := &MockClient{
		CompleteFunc: func(_ context.Context, _ string, _ int, _ float32) (string, error) {
			return "", &ai.StatusError{Code: http.StatusServiceUnavailable, Message: "overloaded"}
		},
	}
	mem := store.NewMemory()
	seedCorpus(t, mem, skillsAxis)
	f := newFixture(t, client, mem, nil, nil)

	resp := ask(t, f.svc, "what are your skills")

	if resp.Success {
		t.Error("Expected success=false")
	}
	if resp.Message != f.svc.Synth.GenerationFailed() {
		t.Errorf("Expected generation failure template, got %q", resp.Message)
	}
	if resp.Metadata.Route != string(models.RouteCategory) {
		t.Errorf("Expected category route, got %s", resp.Metadata.Route)
	}
	// the embedding was spent, the completion was not
	if resp.Metadata.TokensUsed != 5 {
		t.Errorf("Expected 5 tokens, got %d", resp.Metadata.TokensUsed)
	}
	if u := f.current(t); u.TotalTokens != 5 {
		t.Errorf("Expected ledger settled to 5 tokens, got %d", u.TotalTokens)
	}
}

func TestRespond_EmbeddingFailureFallsBackToKeywords(t *testing.T) {
	client := &MockClient{
		EmbedFunc: func(_ context.Context, _ string) ([]float32, error) {
			return nil, errors.New("provider down")
		},
	}
	mem := store.NewMemory()
	seedCorpus(t, mem, skillsAxis)
	f := newFixture(t, client, mem, nil, nil)

	resp := ask(t, f.svc, "what are your skills")

	if resp.Metadata.Route != string(models.RouteKeyword) {
		t.Errorf("Expected keyword fallback, got %s", resp.Metadata.Route)
	}
	if !strings.Contains(resp.Message, "Python, Go.") {
		t.Errorf("Expected the SKILLS chunk quoted, got %q", resp.Message)
	}
	// category and full share one embedding attempt
	if e, c := client.counts(); e != 1 || c != 0 {
		t.Errorf("Expected 1 embed and 0 completions, got %d and %d", e, c)
	}
	if resp.Metadata.Cost != 0 {
		t.Errorf("Expected zero cost, got %f", resp.Metadata.Cost)
	}
}

func TestRespond_NoResults(t *testing.T) {
	mem := store.NewMemory()
	s := &MockStore{
		Memory: mem,
		SearchByKeywordsFunc: func(_ context.Context, _ []string, _ int) ([]models.SearchResult, error) {
			return nil, errors.New("store unavailable")
		},
	}
	f := newFixture(t, &MockClient{}, s, nil, nil)

	resp := ask(t, f.svc, "what are your skills")

	if resp.Message != f.svc.Synth.NoResults() {
		t.Errorf("Expected no-results template, got %q", resp.Message)
	}
	if !resp.Success {
		t.Error("Expected no-results to be a successful reply")
	}
	if resp.Metadata.RelevantChunks != 0 || len(resp.Metadata.Sources) != 0 {
		t.Errorf("Expected no chunks, got %+v", resp.Metadata)
	}
}

func TestRespond_KeywordEscalatesToCategory(t *testing.T) {
	client := &MockClient{}
	mem := store.NewMemory()
	// keywords that never match the query
	_ = mem.UpsertChunk(context.Background(), models.Chunk{
		ID: "s1", Category: models.CategorySkills, Content: "Python, Go.",
		Keywords: []string{"python", "go"}, Embedding: []float32{1, 0, 0}, ImportanceScore: 1,
	})
	f := newFixture(t, client, mem, nil, func(_ *Options, r *router.Config) { r.KeywordCeiling = 1 })

	resp := ask(t, f.svc, "what are your skills")

	if resp.Metadata.Route != string(models.RouteCategory) {
		t.Fatalf("Expected escalation to category, got %s", resp.Metadata.Route)
	}
	if u := f.current(t); u.RequestCount != 1 || u.TotalTokens != resp.Metadata.TokensUsed {
		t.Errorf("Expected one settled reservation, got %+v", u)
	}
}

func TestRespond_LedgerUnavailable(t *testing.T) {
	tests := []struct {
		name        string
		failAfter   int
		strict      bool
		wantMessage func(*Service) string
		wantSuccess bool
		wantFlag    bool
	}{
		{
			name:        "reserve fails, strict",
			failAfter:   0,
			strict:      true,
			wantMessage: func(s *Service) string { return s.Synth.AccountingUnavailable() },
		},
		{
			name:        "reserve fails, permissive",
			failAfter:   0,
			wantMessage: func(*Service) string { return "Python, Go." },
			wantSuccess: true,
			wantFlag:    true,
		},
		{
			name:        "settle fails, strict",
			failAfter:   1,
			strict:      true,
			wantMessage: func(s *Service) string { return s.Synth.AccountingUnavailable() },
		},
		{
			name:        "settle fails, permissive",
			failAfter:   1,
			wantMessage: func(*Service) string { return "Python and Go" },
			wantSuccess: true,
			wantFlag:    true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mem := store.NewMemory()
			seedCorpus(t, mem, skillsAxis)
			ls := &MockLedgerStore{MemoryStore: ledger.NewMemoryStore(), failAfter: tt.failAfter}
			f := newFixture(t, &MockClient{}, mem, ls, func(o *Options, _ *router.Config) { o.StrictAccounting = tt.strict })

			resp := ask(t, f.svc, "what are your skills")

			if want := tt.wantMessage(f.svc); !strings.Contains(resp.Message, want) {
				t.Errorf("Expected message containing %q, got %q", want, resp.Message)
			}
			if resp.Success != tt.wantSuccess {
				t.Errorf("Expected success=%v, got %v", tt.wantSuccess, resp.Success)
			}
			if resp.Metadata.AccountingError != tt.wantFlag {
				t.Errorf("Expected accountingError=%v, got %v", tt.wantFlag, resp.Metadata.AccountingError)
			}
		})
	}
}

func TestRespond_Validation(t *testing.T) {
	f := newFixture(t, &MockClient{}, store.NewMemory(), nil, nil)
	tests := []struct {
		name    string
		message string
		want    error
	}{
		{"empty", "", errs.ErrMessageEmpty},
		{"blank", "  \n\t", errs.ErrMessageEmpty},
		{"too long", strings.Repeat("a", MaxMessageLength+1), errs.ErrMessageTooLong},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Respond(context.Background(), models.ChatRequest{Message: tt.message})
			if !errors.Is(err, tt.want) {
				t.Fatalf("Expected %v, got %v", tt.want, err)
			}
			if errs.StatusOf(err) != http.StatusBadRequest {
				t.Errorf("Expected status 400, got %d", errs.StatusOf(err))
			}
		})
	}

	if err := Validate(strings.Repeat("é", MaxMessageLength)); err != nil {
		t.Errorf("Expected %d multi-byte characters to pass, got %v", MaxMessageLength, err)
	}
}

func TestTrimHistory(t *testing.T) {
	msgs := []models.Message{
		{Role: models.RoleUser, Content: "one"},
		{Role: models.RoleAssistant, Content: " "},
		{Role: models.RoleUser, Content: "two"},
		{Role: models.RoleAssistant, Content: "three"},
	}
	tests := []struct {
		name  string
		limit int
		want  []string
	}{
		{"zero limit", 0, nil},
		{"limit above length", 10, []string{"one", "two", "three"}},
		{"keeps most recent", 2, []string{"two", "three"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := TrimHistory(msgs, tt.limit)
			if len(got) != len(tt.want) {
				t.Fatalf("Expected %d messages, got %d", len(tt.want), len(got))
			}
			for i := range got {
				if got[i].Content != tt.want[i] {
					t.Errorf("Expected %q at %d, got %q", tt.want[i], i, got[i].Content)
				}
			}
		})
	}
}

func TestRespond_PunctuatedTechTermsMatchKeywords(t *testing.T) {
	mem := store.NewMemory()
	seedDocument(t, mem, "[BIO] Short bio text.\n[SKILLS] Node.js services shipped through CI/CD.\n[CONTACT] a@b.com", nil)
	f := newFixture(t, ai.NewStubClient(3), mem, nil, nil)

	for _, q := range []string{"Do you know Node.js?", "Any CI/CD experience?"} {
		t.Run(q, func(t *testing.T) {
			resp := ask(t, f.svc, q)
			if !resp.Success {
				t.Fatalf("Expected success, got message %q", resp.Message)
			}
			if resp.Metadata.Route != string(models.RouteKeyword) {
				t.Errorf("Expected keyword route, got %s", resp.Metadata.Route)
			}
			if !strings.Contains(resp.Message, "Node.js services shipped through CI/CD.") {
				t.Errorf("Expected the SKILLS chunk in the reply, got %q", resp.Message)
			}
		})
	}
}
