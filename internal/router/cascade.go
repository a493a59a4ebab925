package router

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"
	"github.com/seanblong/folio/pkg/models"
)

// ErrNoHits is returned by Cascade when every strategy came back empty.
var ErrNoHits = errors.New("no hits")

// Strategy is one retrieval path in a fallback chain.
type Strategy struct {
	Route models.Route
	// Paid strategies pass through the gate before running.
	Paid bool
	Run  func(ctx context.Context) ([]models.SearchResult, error)
}

// Gate is consulted before each paid strategy. A non-nil error stops the
// cascade and is returned unchanged.
type Gate func(ctx context.Context, s Strategy) error

// Outcome is what a cascade produced.
type Outcome struct {
	Route   models.Route
	Results []models.SearchResult
	// Failures holds errors from strategies that were skipped over.
	Failures []error
}

// Cascade runs strategies in order and returns the first non-empty result.
// A failing strategy is logged and the next one tried; only the gate can
// stop the chain early.
func Cascade(ctx context.Context, strategies []Strategy, gate Gate) (Outcome, error) {
	var out Outcome
	for _, s := range strategies {
		if s.Paid && gate != nil {
			if err := gate(ctx, s); err != nil {
				return out, err
			}
		}
		res, err := s.Run(ctx)
		if err != nil {
			log.Warn().Err(err).Str("route", string(s.Route)).Msg("Retrieval strategy failed, falling back")
			out.Failures = append(out.Failures, err)
			continue
		}
		if len(res) > 0 {
			out.Route = s.Route
			out.Results = res
			return out, nil
		}
		log.Debug().Str("route", string(s.Route)).Msg("Retrieval strategy returned no hits")
	}
	return out, ErrNoHits
}
