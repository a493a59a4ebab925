// Package chat answers portfolio questions. It classifies the query, lets
// the router pick the cheapest route, runs the retrieval cascade behind the
// usage ledger and synthesizes a plain-text reply. Every path ends in a
// reply; only malformed requests come back as errors.
package chat

import (
	"context"
	"errors"
	"math"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog/log"
	"github.com/seanblong/folio/internal/ai"
	"github.com/seanblong/folio/internal/classify"
	"github.com/seanblong/folio/internal/errs"
	"github.com/seanblong/folio/internal/ledger"
	"github.com/seanblong/folio/internal/lexicon"
	"github.com/seanblong/folio/internal/retry"
	"github.com/seanblong/folio/internal/router"
	"github.com/seanblong/folio/internal/store"
	"github.com/seanblong/folio/pkg/models"
)

const (
	// MaxMessageLength is the longest accepted message, in characters.
	MaxMessageLength = 1000

	// OperationChat tags ledger transactions made while answering.
	OperationChat = "chat"

	keywordAnswerChunks = 3
)

// Options tune the service.
type Options struct {
	StrictMode       bool
	StrictAccounting bool
	HistoryLimit     int

	CategoryThreshold float64
	GlobalThreshold   float64
	Temperature       float32

	// Policy bounds store calls.
	Policy retry.Policy
}

// DefaultOptions returns the stock options.
func DefaultOptions() Options {
	return Options{
		StrictMode:        true,
		HistoryLimit:      10,
		CategoryThreshold: 0.7,
		GlobalThreshold:   0.5,
		Temperature:       0.3,
		Policy:            retry.DefaultPolicy(),
	}
}

// Service is the chat orchestrator. It holds no per-request state and is
// safe for concurrent use.
type Service struct {
	Client     ai.Client
	Store      store.ChunkStore
	Classifier *classify.Classifier
	Router     *router.Router
	// Ledger may be nil, in which case paid routes are not gated.
	Ledger  *ledger.Ledger
	Synth   *Synthesizer
	Options Options
}

// NewService wires a Service.
func NewService(client ai.Client, s store.ChunkStore, c *classify.Classifier, r *router.Router, l *ledger.Ledger, synth *Synthesizer, opts Options) *Service {
	return &Service{
		Client:     client,
		Store:      s,
		Classifier: c,
		Router:     r,
		Ledger:     l,
		Synth:      synth,
		Options:    opts,
	}
}

// Validate checks the shape of an incoming message.
func Validate(message string) error {
	message = strings.TrimSpace(message)
	if message == "" {
		return errs.ErrMessageEmpty
	}
	if n := utf8.RuneCountInString(message); n > MaxMessageLength {
		return errs.Wrap(errs.KindValidation, errs.ErrMessageTooLong, "message has %d characters, limit is %d", n, MaxMessageLength)
	}
	return nil
}

// TrimHistory keeps the most recent limit messages. A limit of zero drops
// the history entirely.
func TrimHistory(history []models.Message, limit int) []models.Message {
	if limit <= 0 {
		return nil
	}
	out := make([]models.Message, 0, min(len(history), limit))
	for _, m := range history {
		if strings.TrimSpace(m.Content) == "" {
			continue
		}
		out = append(out, m)
	}
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// Respond answers one chat request. The returned error is always a
// validation error.
func (s *Service) Respond(ctx context.Context, req models.ChatRequest) (models.ChatResponse, error) {
	start := time.Now()
	if err := Validate(req.Message); err != nil {
		return models.ChatResponse{}, err
	}

	t := &turn{
		svc:     s,
		query:   strings.TrimSpace(req.Message),
		history: TrimHistory(req.ConversationHistory, s.Options.HistoryLimit),
	}
	resp := t.run(ctx)
	resp.Metadata.ProcessingTimeMs = time.Since(start).Milliseconds()

	log.Info().
		Str("route", resp.Metadata.Route).
		Bool("success", resp.Success).
		Int("chunks", resp.Metadata.RelevantChunks).
		Int("tokens", resp.Metadata.TokensUsed).
		Float64("cost", resp.Metadata.Cost).
		Int64("ms", resp.Metadata.ProcessingTimeMs).
		Msg("Chat answered")
	return resp, nil
}

// turn is the state of one request.
type turn struct {
	svc      *Service
	query    string
	history  []models.Message
	analysis classify.Analysis
	decision router.Decision

	embedded bool
	vec      []float32
	vecErr   error

	reserved *ledger.Transaction
	tokens   int
	cost     float64
}

func (t *turn) run(ctx context.Context) models.ChatResponse {
	s := t.svc
	t.analysis = s.Classifier.Analyze(t.query, s.Options.StrictMode)
	t.decision = s.Router.Decide(t.query, t.analysis)

	switch t.decision.Route {
	case models.RouteReject:
		return t.reply(models.RouteReject, s.Synth.Rejection(), nil)
	case models.RouteExact:
		return t.reply(models.RouteExact, t.decision.Answer, nil)
	}

	strategies := t.strategies()
	out, err := router.Cascade(ctx, strategies, t.gate)
	switch {
	case err == nil:
		return t.answer(ctx, out)
	case errors.Is(err, router.ErrNoHits):
		return t.finish(ctx, t.decision.Route, s.Synth.NoResults(), nil)
	default:
		return t.refused(ctx, err, strategies)
	}
}

func (t *turn) strategies() []router.Strategy {
	var out []router.Strategy
	for _, r := range router.Chain(t.decision) {
		switch r {
		case models.RouteKeyword:
			out = append(out, router.Strategy{Route: r, Run: t.searchKeywords})
		case models.RouteCategory:
			if t.decision.Category != "" {
				out = append(out, router.Strategy{Route: r, Paid: true, Run: t.searchCategory})
			}
		case models.RouteFull:
			out = append(out, router.Strategy{Route: r, Paid: true, Run: t.searchGlobal})
		}
	}
	return out
}

// gate reserves the projected cost of the request before the first paid
// strategy runs. Later paid strategies ride on the same reservation.
func (t *turn) gate(ctx context.Context, st router.Strategy) error {
	if t.reserved != nil || t.svc.Ledger == nil {
		return nil
	}
	proj := t.decision
	if !proj.Paid() {
		proj = t.svc.Router.Project(t.query, st.Route)
	}
	tx := ledger.Transaction{
		Tokens:    proj.ProjectedTokens,
		Cost:      proj.ProjectedCost,
		Operation: OperationChat,
		Route:     string(st.Route),
	}
	if err := t.svc.Ledger.Reserve(ctx, tx); err != nil {
		return err
	}
	t.reserved = &tx
	return nil
}

// refused handles a cascade stopped by the gate. A budget refusal costs
// nothing. When the ledger itself is unavailable, strict accounting refuses
// the request and permissive accounting falls back to the free strategies.
func (t *turn) refused(ctx context.Context, err error, strategies []router.Strategy) models.ChatResponse {
	s := t.svc
	if errs.IsKind(err, errs.KindBudgetExceeded) {
		log.Info().Err(err).Str("route", string(t.decision.Route)).Msg("Request refused by usage ledger")
		resp := t.reply(t.decision.Route, s.Synth.BudgetExceeded(), nil)
		resp.Success = false
		return resp
	}

	log.Error().Err(err).Str("route", string(t.decision.Route)).Msg("Usage ledger unavailable")
	if s.Options.StrictAccounting {
		resp := t.reply(t.decision.Route, s.Synth.AccountingUnavailable(), nil)
		resp.Success = false
		return resp
	}

	var free []router.Strategy
	for _, st := range strategies {
		if !st.Paid {
			free = append(free, st)
		}
	}
	out, ferr := router.Cascade(ctx, free, nil)
	var resp models.ChatResponse
	if ferr != nil {
		resp = t.reply(t.decision.Route, s.Synth.NoResults(), nil)
	} else {
		resp = t.reply(out.Route, s.Synth.KeywordAnswer(out.Results, keywordAnswerChunks), out.Results)
	}
	resp.Metadata.AccountingError = true
	return resp
}

// answer synthesizes a reply from retrieved chunks. Keyword hits are quoted
// as they are; vector hits go through a completion.
func (t *turn) answer(ctx context.Context, out router.Outcome) models.ChatResponse {
	s := t.svc
	if out.Route == models.RouteKeyword {
		return t.finish(ctx, out.Route, s.Synth.KeywordAnswer(out.Results, keywordAnswerChunks), out.Results)
	}

	cfg := s.Router.Config()
	prompt := s.Synth.Prompt(t.query, out.Results, t.history)
	raw, err := s.Client.Complete(ctx, prompt, cfg.MaxCompletionTokens, s.Options.Temperature)
	if err != nil {
		if errs.KindOf(err) == "" {
			err = errs.Wrap(errs.KindGenerationFailure, err, "complete")
		}
		log.Error().Err(err).Str("route", string(out.Route)).Msg("Completion failed")
		resp := t.finish(ctx, out.Route, s.Synth.GenerationFailed(), out.Results)
		resp.Success = false
		return resp
	}

	promptTokens := PromptTokens(prompt)
	outTokens := lexicon.EstimateTokens(raw)
	t.charge(promptTokens+outTokens, cfg.Pricing.CompletionCost(promptTokens, outTokens))

	text := StripMarkup(raw)
	if text == "" {
		resp := t.finish(ctx, out.Route, s.Synth.GenerationFailed(), out.Results)
		resp.Success = false
		return resp
	}
	return t.finish(ctx, out.Route, text, out.Results)
}

// finish settles the reservation against what was actually spent and
// builds the response.
func (t *turn) finish(ctx context.Context, route models.Route, text string, results []models.SearchResult) models.ChatResponse {
	resp := t.reply(route, text, results)
	if t.reserved == nil {
		return resp
	}

	actual := ledger.Transaction{Tokens: t.tokens, Cost: t.cost, Operation: OperationChat, Route: string(route)}
	// usage already spent is recorded even if the caller has gone away
	if err := t.svc.Ledger.Settle(context.WithoutCancel(ctx), *t.reserved, actual); err != nil {
		if t.svc.Options.StrictAccounting {
			resp.Success = false
			resp.Message = t.svc.Synth.AccountingUnavailable()
			return resp
		}
		resp.Metadata.AccountingError = true
	}
	return resp
}

func (t *turn) reply(route models.Route, text string, results []models.SearchResult) models.ChatResponse {
	return models.ChatResponse{
		Success: true,
		Message: text,
		Metadata: models.ChatMetadata{
			RelevantChunks: len(results),
			Sources:        sources(results),
			Route:          string(route),
			TokensUsed:     t.tokens,
			Cost:           round(t.cost),
		},
	}
}

func (t *turn) charge(tokens int, cost float64) {
	t.tokens += tokens
	t.cost += cost
}

// embed returns the query embedding, calling the provider at most once per
// request.
func (t *turn) embed(ctx context.Context) ([]float32, error) {
	if t.embedded {
		return t.vec, t.vecErr
	}
	t.embedded = true
	t.vec, t.vecErr = t.svc.Client.Embed(ctx, t.query)
	if t.vecErr != nil {
		if errs.KindOf(t.vecErr) == "" {
			t.vecErr = errs.Wrap(errs.KindRetrievalFailure, t.vecErr, "embed query")
		}
		return nil, t.vecErr
	}
	n := lexicon.EstimateTokens(t.query)
	t.charge(n, t.svc.Router.Config().Pricing.EmbeddingCost(n))
	return t.vec, nil
}

func (t *turn) searchKeywords(ctx context.Context) ([]models.SearchResult, error) {
	keywords := t.analysis.ExtractedKeywords
	if len(keywords) == 0 {
		return nil, nil
	}
	limit := t.svc.Router.Config().GlobalLimit
	return retry.Value(ctx, t.svc.Options.Policy, errs.KindRetrievalFailure, "keyword search", func(ctx context.Context) ([]models.SearchResult, error) {
		return t.svc.Store.SearchByKeywords(ctx, keywords, limit)
	})
}

func (t *turn) searchCategory(ctx context.Context) ([]models.SearchResult, error) {
	vec, err := t.embed(ctx)
	if err != nil {
		return nil, err
	}
	cat := t.decision.Category
	limit := t.svc.Router.Config().CategoryLimit
	return retry.Value(ctx, t.svc.Options.Policy, errs.KindRetrievalFailure, "category search", func(ctx context.Context) ([]models.SearchResult, error) {
		return t.svc.Store.SearchByCategory(ctx, vec, cat, t.svc.Options.CategoryThreshold, limit)
	})
}

func (t *turn) searchGlobal(ctx context.Context) ([]models.SearchResult, error) {
	vec, err := t.embed(ctx)
	if err != nil {
		return nil, err
	}
	limit := t.svc.Router.Config().GlobalLimit
	return retry.Value(ctx, t.svc.Options.Policy, errs.KindRetrievalFailure, "global search", func(ctx context.Context) ([]models.SearchResult, error) {
		return t.svc.Store.SearchGlobal(ctx, vec, t.svc.Options.GlobalThreshold, limit)
	})
}

func round(v float64) float64 {
	return math.Round(v*1e8) / 1e8
}
