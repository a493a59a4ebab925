// Package retry runs external calls with a per-attempt timeout and a bounded
// number of exponential-backoff retries.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"
	"github.com/seanblong/folio/internal/errs"
)

// Policy bounds a retried call.
type Policy struct {
	// Timeout applies to each attempt. Zero means no per-attempt timeout.
	Timeout time.Duration
	// Retries is the number of attempts after the first.
	Retries         int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultPolicy is three retries of ten-second attempts.
func DefaultPolicy() Policy {
	return Policy{
		Timeout:         10 * time.Second,
		Retries:         3,
		InitialInterval: 200 * time.Millisecond,
		MaxInterval:     2 * time.Second,
	}
}

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// Budget is the longest a call under p can take: every attempt timing out
// plus the longest jittered wait between them. It is zero when attempts are
// unbounded in time.
func (p Policy) Budget() time.Duration {
	if p.Timeout <= 0 {
		return 0
	}
	retries := max(p.Retries, 0)
	wait := p.MaxInterval
	if wait <= 0 {
		wait = backoff.DefaultMaxInterval
	}
	wait = time.Duration(float64(wait) * (1 + backoff.DefaultRandomizationFactor))
	return time.Duration(retries+1)*p.Timeout + time.Duration(retries)*wait
}

// Do calls fn until it succeeds, returns a permanent error, the parent
// context ends or the retries run out. On failure the last error is wrapped
// as kind, so callers can pick a fallback by kind.
func Do(ctx context.Context, p Policy, kind errs.Kind, name string, fn func(ctx context.Context) error) error {
	b := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		b.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		b.MaxInterval = p.MaxInterval
	}
	b.MaxElapsedTime = 0

	var bo backoff.BackOff = backoff.WithMaxRetries(b, uint64(max(p.Retries, 0)))
	bo = backoff.WithContext(bo, ctx)

	attempts := 0
	op := func() error {
		attempts++
		actx := ctx
		if p.Timeout > 0 {
			var cancel context.CancelFunc
			actx, cancel = context.WithTimeout(ctx, p.Timeout)
			defer cancel()
		}
		return fn(actx)
	}
	notify := func(err error, wait time.Duration) {
		log.Warn().Err(err).Str("call", name).Int("attempt", attempts).Dur("wait", wait).Msg("Call failed, retrying")
	}

	err := backoff.RetryNotify(op, bo, notify)
	if err == nil {
		return nil
	}
	return errs.Wrap(kind, err, "%s failed after %d attempts", name, attempts)
}

// Value is Do for calls that return a result.
func Value[T any](ctx context.Context, p Policy, kind errs.Kind, name string, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := Do(ctx, p, kind, name, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}
