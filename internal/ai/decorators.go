package ai

import (
	"context"
	"errors"

	"github.com/seanblong/folio/internal/errs"
	"github.com/seanblong/folio/internal/retry"
	"golang.org/x/time/rate"
)

// Retrying bounds every call with a timeout and backoff retries. Embedding
// input is truncated and the output validated; a failure surfaces as a
// retrieval failure, a completion failure as a generation failure.
type Retrying struct {
	next   Client
	policy retry.Policy
}

func NewRetrying(next Client, policy retry.Policy) *Retrying {
	return &Retrying{next: next, policy: policy}
}

func (r *Retrying) Embed(ctx context.Context, text string) ([]float32, error) {
	text = Truncate(text, MaxEmbedChars)
	return retry.Value(ctx, r.policy, errs.KindRetrievalFailure, "embed", func(ctx context.Context) ([]float32, error) {
		vec, err := r.next.Embed(ctx, text)
		if err != nil {
			return nil, classify(err)
		}
		if err := ValidateEmbedding(vec, r.next.Dim()); err != nil {
			return nil, retry.Permanent(err)
		}
		return vec, nil
	})
}

func (r *Retrying) Complete(ctx context.Context, prompt string, maxTokens int, temperature float32) (string, error) {
	return retry.Value(ctx, r.policy, errs.KindGenerationFailure, "complete", func(ctx context.Context) (string, error) {
		out, err := r.next.Complete(ctx, prompt, maxTokens, temperature)
		if err != nil {
			return "", classify(err)
		}
		return out, nil
	})
}

func (r *Retrying) Dim() int { return r.next.Dim() }

// classify marks client errors that will not improve on retry.
func classify(err error) error {
	var se *StatusError
	if errors.As(err, &se) && !se.Retryable() {
		return retry.Permanent(err)
	}
	return err
}

// Throttled paces calls to the provider with a token bucket.
type Throttled struct {
	next    Client
	limiter *rate.Limiter
}

// NewThrottled allows rps calls per second with the given burst. A
// non-positive rps disables pacing.
func NewThrottled(next Client, rps float64, burst int) *Throttled {
	limit := rate.Limit(rps)
	if rps <= 0 {
		limit = rate.Inf
	}
	return &Throttled{next: next, limiter: rate.NewLimiter(limit, max(burst, 1))}
}

func (t *Throttled) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := t.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return t.next.Embed(ctx, text)
}

func (t *Throttled) Complete(ctx context.Context, prompt string, maxTokens int, temperature float32) (string, error) {
	if err := t.limiter.Wait(ctx); err != nil {
		return "", err
	}
	return t.next.Complete(ctx, prompt, maxTokens, temperature)
}

func (t *Throttled) Dim() int { return t.next.Dim() }
