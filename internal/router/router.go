// Package router picks the cheapest retrieval strategy that can answer a
// query and estimates what it will cost.
package router

import (
	"fmt"
	"math"

	"github.com/rs/zerolog/log"
	"github.com/seanblong/folio/internal/classify"
	"github.com/seanblong/folio/internal/lexicon"
	"github.com/seanblong/folio/pkg/models"
)

// marginEpsilon absorbs float noise when comparing the lead of the top
// category against the configured margin.
const marginEpsilon = 1e-9

// Pricing is the per-1000-token price of each paid call.
type Pricing struct {
	EmbeddingPer1K  float64
	PromptPer1K     float64
	CompletionPer1K float64
}

// EmbeddingCost is the price of embedding tokens tokens.
func (p Pricing) EmbeddingCost(tokens int) float64 {
	return float64(tokens) / 1000 * p.EmbeddingPer1K
}

// CompletionCost is the price of a completion with the given prompt and
// output sizes.
func (p Pricing) CompletionCost(promptTokens, outputTokens int) float64 {
	return float64(promptTokens)/1000*p.PromptPer1K + float64(outputTokens)/1000*p.CompletionPer1K
}

// Config holds the routing thresholds and the sizing used for estimates.
type Config struct {
	CategoryConfidence float64
	CategoryMargin     float64
	KeywordCeiling     float64
	FuzzyThreshold     float64
	KeywordOverlap     float64

	CategoryLimit        int
	GlobalLimit          int
	TokensPerChunk       int
	PromptOverheadTokens int
	MaxCompletionTokens  int

	Pricing Pricing
}

// DefaultConfig returns the stock thresholds.
func DefaultConfig() Config {
	return Config{
		CategoryConfidence:   0.6,
		CategoryMargin:       0.3,
		KeywordCeiling:       0.4,
		FuzzyThreshold:       0.8,
		KeywordOverlap:       0.6,
		CategoryLimit:        5,
		GlobalLimit:          8,
		TokensPerChunk:       150,
		PromptOverheadTokens: 250,
		MaxCompletionTokens:  400,
		Pricing: Pricing{
			EmbeddingPer1K:  0.00002,
			PromptPer1K:     0.00015,
			CompletionPer1K: 0.0006,
		},
	}
}

// Decision is the outcome of Decide. EstimatedCost follows the route's own
// cost (the embedding call for category, embedding plus completion for
// full); ProjectedTokens and ProjectedCost cover the whole request and are
// what the budget gate is asked about.
type Decision struct {
	Route           models.Route
	Category        models.Category
	EstimatedCost   float64
	EstimatedTokens int
	ProjectedCost   float64
	ProjectedTokens int
	Reasoning       string

	// Set on the exact route only.
	Answer string
	Match  MatchKind
}

// Paid reports whether executing the decision costs anything.
func (d Decision) Paid() bool { return d.ProjectedCost > 0 }

// Router implements the ordered gate cascade. It is safe for concurrent use.
type Router struct {
	cfg   Config
	table *Table
}

// New returns a Router over the given exact-match table, which may be nil.
func New(cfg Config, table *Table) *Router {
	return &Router{cfg: cfg, table: table}
}

// Config returns the router's configuration.
func (r *Router) Config() Config { return r.cfg }

// Decide runs the gates in order: reject, exact table, keyword-only,
// clear-winner category, full search.
func (r *Router) Decide(query string, a classify.Analysis) Decision {
	d := r.decide(query, a)
	log.Debug().
		Str("route", string(d.Route)).
		Str("category", string(d.Category)).
		Float64("estimated_cost", d.EstimatedCost).
		Float64("projected_cost", d.ProjectedCost).
		Str("reasoning", d.Reasoning).
		Msg("Routing decision")
	return d
}

func (r *Router) decide(query string, a classify.Analysis) Decision {
	if !a.IsInScope {
		return Decision{Route: models.RouteReject, Reasoning: "query is out of scope"}
	}

	if e, kind, ok := r.table.Lookup(query, r.cfg.FuzzyThreshold, r.cfg.KeywordOverlap); ok {
		return Decision{
			Route:     models.RouteExact,
			Answer:    e.Answer,
			Match:     kind,
			Reasoning: fmt.Sprintf("%s match on %q", kind, e.Question),
		}
	}

	top, hasTop := a.Top()
	if len(a.ExtractedKeywords) > 0 && a.OverallConfidence < r.cfg.KeywordCeiling {
		d := Decision{
			Route:     models.RouteKeyword,
			Reasoning: fmt.Sprintf("low confidence %.2f with %d keywords", a.OverallConfidence, len(a.ExtractedKeywords)),
		}
		if hasTop {
			d.Category = top.Category
		}
		return d
	}

	if hasTop && top.Confidence > r.cfg.CategoryConfidence {
		second := 0.0
		if len(a.DetectedCategories) > 1 {
			second = a.DetectedCategories[1].Confidence
		}
		if top.Confidence-second > r.cfg.CategoryMargin+marginEpsilon {
			return r.estimate(query, Decision{
				Route:     models.RouteCategory,
				Category:  top.Category,
				Reasoning: fmt.Sprintf("clear winner %s at %.2f, lead %.2f", top.Category, top.Confidence, top.Confidence-second),
			})
		}
		return r.estimate(query, Decision{
			Route:     models.RouteFull,
			Reasoning: fmt.Sprintf("%s at %.2f lacks a clear lead over %.2f", top.Category, top.Confidence, second),
		})
	}

	return r.estimate(query, Decision{Route: models.RouteFull, Reasoning: "no confident category"})
}

// Project fills in the cost fields for a paid route. Callers use it when a
// cascade escalates from a free route to a paid one.
func (r *Router) Project(query string, route models.Route) Decision {
	return r.estimate(query, Decision{Route: route})
}

func (r *Router) estimate(query string, d Decision) Decision {
	q := lexicon.EstimateTokens(query)
	embed := r.cfg.Pricing.EmbeddingCost(q)

	limit := r.cfg.GlobalLimit
	if d.Route == models.RouteCategory {
		limit = r.cfg.CategoryLimit
	}
	prompt := q + r.cfg.PromptOverheadTokens + limit*r.cfg.TokensPerChunk
	completion := r.cfg.Pricing.CompletionCost(prompt, r.cfg.MaxCompletionTokens)

	switch d.Route {
	case models.RouteCategory:
		d.EstimatedTokens = q
		d.EstimatedCost = embed
	case models.RouteFull:
		d.EstimatedTokens = q + prompt + r.cfg.MaxCompletionTokens
		d.EstimatedCost = embed + completion
	default:
		return d
	}
	d.ProjectedTokens = q + prompt + r.cfg.MaxCompletionTokens
	d.ProjectedCost = round(embed + completion)
	d.EstimatedCost = round(d.EstimatedCost)
	return d
}

// Chain returns the retrieval routes to try, in order, for a decision.
// Free keyword search is the last resort of the paid chains.
func Chain(d Decision) []models.Route {
	switch d.Route {
	case models.RouteKeyword:
		if d.Category != "" {
			return []models.Route{models.RouteKeyword, models.RouteCategory, models.RouteFull}
		}
		return []models.Route{models.RouteKeyword}
	case models.RouteCategory:
		return []models.Route{models.RouteCategory, models.RouteFull, models.RouteKeyword}
	case models.RouteFull:
		return []models.Route{models.RouteFull, models.RouteKeyword}
	}
	return nil
}

func round(v float64) float64 {
	return math.Round(v*1e8) / 1e8
}
