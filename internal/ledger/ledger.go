// Package ledger tracks token and cost usage per calendar month and gates
// paid calls against the configured budget.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/seanblong/folio/internal/errs"
)

const (
	periodLayout = "2006-01"
	dayLayout    = "2006-01-02"

	// RetentionDays is how long daily buckets are kept.
	RetentionDays = 31

	defaultMaxAttempts = 32
)

// PeriodKey identifies a calendar month, e.g. "2026-10".
type PeriodKey string

// CurrentPeriod returns the period containing now (UTC).
func CurrentPeriod(now time.Time) PeriodKey {
	return PeriodKey(now.UTC().Format(periodLayout))
}

func previousPeriod(now time.Time) PeriodKey {
	n := now.UTC()
	first := time.Date(n.Year(), n.Month(), 1, 0, 0, 0, 0, time.UTC)
	return CurrentPeriod(first.AddDate(0, -1, 0))
}

// Limits are the budget ceilings.
type Limits struct {
	MonthlyBudget       float64 `json:"monthlyBudget"`
	DailyBudget         float64 `json:"dailyBudget"`
	MaxTokensPerRequest int     `json:"maxTokensPerRequest"`
	MaxRequestsPerDay   int     `json:"maxRequestsPerDay"`
	WarningThreshold    float64 `json:"warningThreshold"`
}

// DefaultLimits returns conservative stock limits.
func DefaultLimits() Limits {
	return Limits{
		MonthlyBudget:       10,
		DailyBudget:         1,
		MaxTokensPerRequest: 4000,
		MaxRequestsPerDay:   500,
		WarningThreshold:    0.8,
	}
}

// Validate checks that all limits are positive, the daily budget fits in
// the monthly one and the warning threshold lies in (0,1].
func (l Limits) Validate() error {
	switch {
	case l.MonthlyBudget <= 0:
		return fmt.Errorf("monthly budget must be positive")
	case l.DailyBudget <= 0:
		return fmt.Errorf("daily budget must be positive")
	case l.DailyBudget > l.MonthlyBudget:
		return fmt.Errorf("daily budget %.4f exceeds monthly budget %.4f", l.DailyBudget, l.MonthlyBudget)
	case l.MaxTokensPerRequest <= 0:
		return fmt.Errorf("max tokens per request must be positive")
	case l.MaxRequestsPerDay <= 0:
		return fmt.Errorf("max requests per day must be positive")
	case l.WarningThreshold <= 0 || l.WarningThreshold > 1:
		return fmt.Errorf("warning threshold must be in (0,1], got %v", l.WarningThreshold)
	}
	return nil
}

// Bucket is one day's usage.
type Bucket struct {
	Tokens   int     `json:"tokens"`
	Cost     float64 `json:"cost"`
	Requests int     `json:"requests"`
}

// Usage is the running total for one period plus the rolling daily window.
type Usage struct {
	Period       PeriodKey         `json:"period"`
	TotalTokens  int               `json:"totalTokens"`
	TotalCost    float64           `json:"totalCost"`
	RequestCount int               `json:"requestCount"`
	Daily        map[string]Bucket `json:"daily"`
	LastReset    time.Time         `json:"lastReset"`
}

// Clone returns a deep copy of u.
func (u Usage) Clone() Usage {
	c := u
	c.Daily = make(map[string]Bucket, len(u.Daily))
	for k, v := range u.Daily {
		c.Daily[k] = v
	}
	return c
}

// Day returns the bucket for the given date, zero if absent.
func (u Usage) Day(t time.Time) Bucket {
	return u.Daily[t.UTC().Format(dayLayout)]
}

// Transaction is one attempted usage increment.
type Transaction struct {
	Tokens    int
	Cost      float64
	Operation string
	Route     string
}

// Status is a read-only summary of current usage against the limits.
type Status struct {
	Usage          Usage   `json:"usage"`
	Today          Bucket  `json:"today"`
	MonthlyPercent float64 `json:"monthlyPercent"`
	DailyPercent   float64 `json:"dailyPercent"`
	Warning        bool    `json:"warning"`
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithMaxAttempts bounds the compare-and-swap retry loop.
func WithMaxAttempts(n int) Option {
	return func(l *Ledger) {
		if n > 0 {
			l.maxAttempts = n
		}
	}
}

// Ledger is the usage ledger. All writes go through compare-and-swap on the
// Store, so concurrent callers never lose increments.
type Ledger struct {
	store       Store
	limits      Limits
	now         func() time.Time
	maxAttempts int

	mu     sync.Mutex
	warned map[PeriodKey]bool
}

// New returns a Ledger backed by store.
func New(store Store, limits Limits, opts ...Option) *Ledger {
	l := &Ledger{
		store:       store,
		limits:      limits,
		now:         time.Now,
		maxAttempts: defaultMaxAttempts,
		warned:      make(map[PeriodKey]bool),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Limits returns the configured limits.
func (l *Ledger) Limits() Limits { return l.limits }

// Current returns the usage for the current period. A period with no
// stored usage reads as zero counters, which is how the monthly reset
// happens.
func (l *Ledger) Current(ctx context.Context) (Usage, error) {
	now := l.now()
	snap, found, err := l.store.Get(ctx, CurrentPeriod(now))
	if err != nil {
		return Usage{}, fmt.Errorf("read usage: %w", err)
	}
	if !found {
		return l.fresh(ctx, now), nil
	}
	return snap.Usage, nil
}

// Check returns nil when a request of the given estimated size fits every
// limit, or a budget error naming the first limit it would breach.
func (l *Ledger) Check(ctx context.Context, tokens int, cost float64) error {
	u, err := l.Current(ctx)
	if err != nil {
		// fail closed
		return errs.Wrap(errs.KindBudgetExceeded, err, "usage unavailable")
	}
	return l.check(u, tokens, cost)
}

// CanAfford reports whether a request of the given estimated size fits
// every limit. Any error reading usage counts as "no".
func (l *Ledger) CanAfford(ctx context.Context, tokens int, cost float64) bool {
	return l.Check(ctx, tokens, cost) == nil
}

func (l *Ledger) check(u Usage, tokens int, cost float64) error {
	day := u.Day(l.now())
	switch {
	case u.TotalCost+cost > l.limits.MonthlyBudget:
		return errs.Wrap(errs.KindBudgetExceeded, errs.ErrBudgetExceeded, "monthly budget of %.4f reached", l.limits.MonthlyBudget)
	case day.Cost+cost > l.limits.DailyBudget:
		return errs.Wrap(errs.KindBudgetExceeded, errs.ErrBudgetExceeded, "daily budget of %.4f reached", l.limits.DailyBudget)
	case day.Requests >= l.limits.MaxRequestsPerDay:
		return errs.Wrap(errs.KindBudgetExceeded, errs.ErrBudgetExceeded, "daily request limit of %d reached", l.limits.MaxRequestsPerDay)
	case tokens > l.limits.MaxTokensPerRequest:
		return errs.Wrap(errs.KindBudgetExceeded, errs.ErrBudgetExceeded, "request estimate of %d tokens exceeds limit of %d", tokens, l.limits.MaxTokensPerRequest)
	}
	return nil
}

// Record adds tx to the monthly totals and today's bucket as one
// read-modify-write, then prunes expired buckets.
func (l *Ledger) Record(ctx context.Context, tx Transaction) error {
	return l.update(ctx, tx, func(u *Usage, day *Bucket) error {
		apply(u, day, tx.Tokens, tx.Cost, 1)
		return nil
	})
}

// Reserve atomically checks the limits for tx and records it as one
// request. The caller later calls Settle with the actual amounts.
func (l *Ledger) Reserve(ctx context.Context, tx Transaction) error {
	return l.update(ctx, tx, func(u *Usage, day *Bucket) error {
		if err := l.check(*u, tx.Tokens, tx.Cost); err != nil {
			return err
		}
		apply(u, day, tx.Tokens, tx.Cost, 1)
		return nil
	})
}

// Settle replaces a reservation with the actual usage without counting
// another request.
func (l *Ledger) Settle(ctx context.Context, reserved, actual Transaction) error {
	dTokens := actual.Tokens - reserved.Tokens
	dCost := actual.Cost - reserved.Cost
	if dTokens == 0 && dCost == 0 {
		return nil
	}
	tx := Transaction{Tokens: dTokens, Cost: dCost, Operation: actual.Operation, Route: actual.Route}
	return l.update(ctx, tx, func(u *Usage, day *Bucket) error {
		apply(u, day, dTokens, dCost, 0)
		return nil
	})
}

// Release undoes a reservation whose call never happened, including the
// request it counted.
func (l *Ledger) Release(ctx context.Context, reserved Transaction) error {
	tx := Transaction{Tokens: -reserved.Tokens, Cost: -reserved.Cost, Operation: reserved.Operation, Route: reserved.Route}
	return l.update(ctx, tx, func(u *Usage, day *Bucket) error {
		apply(u, day, tx.Tokens, tx.Cost, -1)
		return nil
	})
}

// Status summarizes current usage against the limits.
func (l *Ledger) Status(ctx context.Context) (Status, error) {
	u, err := l.Current(ctx)
	if err != nil {
		return Status{}, err
	}
	return l.status(u), nil
}

func (l *Ledger) status(u Usage) Status {
	s := Status{Usage: u, Today: u.Day(l.now())}
	if l.limits.MonthlyBudget > 0 {
		s.MonthlyPercent = u.TotalCost / l.limits.MonthlyBudget * 100
	}
	if l.limits.DailyBudget > 0 {
		s.DailyPercent = s.Today.Cost / l.limits.DailyBudget * 100
	}
	threshold := l.limits.WarningThreshold * 100
	s.Warning = s.MonthlyPercent >= threshold || s.DailyPercent >= threshold
	return s
}

func apply(u *Usage, day *Bucket, tokens int, cost float64, requests int) {
	u.TotalTokens = max(u.TotalTokens+tokens, 0)
	u.TotalCost = max(u.TotalCost+cost, 0)
	u.RequestCount = max(u.RequestCount+requests, 0)
	day.Tokens = max(day.Tokens+tokens, 0)
	day.Cost = max(day.Cost+cost, 0)
	day.Requests = max(day.Requests+requests, 0)
}

func (l *Ledger) update(ctx context.Context, tx Transaction, mutate func(*Usage, *Bucket) error) error {
	now := l.now()
	key := CurrentPeriod(now)
	today := now.UTC().Format(dayLayout)

	var lastErr error
	for attempt := 0; attempt < l.maxAttempts; attempt++ {
		snap, found, err := l.store.Get(ctx, key)
		if err != nil {
			lastErr = err
			break
		}
		u := snap.Usage
		if !found {
			u = l.fresh(ctx, now)
		}
		u = u.Clone()
		day := u.Daily[today]
		if err := mutate(&u, &day); err != nil {
			return err
		}
		u.Daily[today] = day
		prune(&u, now)

		ok, err := l.store.CompareAndSwap(ctx, key, snap.Version, u)
		if err != nil {
			lastErr = err
			break
		}
		if ok {
			l.noteWarning(u)
			return nil
		}
		lastErr = errors.New("concurrent update, retries exhausted")
	}

	log.Error().
		Err(lastErr).
		Int("tokens", tx.Tokens).
		Float64("cost", tx.Cost).
		Str("operation", tx.Operation).
		Str("route", tx.Route).
		Str("period", string(key)).
		Str("day", today).
		Msg("Failed to write usage ledger")
	return errs.Wrap(errs.KindLedgerWrite, errs.ErrLedgerWrite, "record %s usage: %v", tx.Operation, lastErr)
}

// fresh starts a new period. Daily buckets still inside the retention
// window are carried over from the previous period.
func (l *Ledger) fresh(ctx context.Context, now time.Time) Usage {
	u := Usage{Period: CurrentPeriod(now), Daily: make(map[string]Bucket), LastReset: now.UTC()}
	prev, found, err := l.store.Get(ctx, previousPeriod(now))
	if err != nil {
		log.Warn().Err(err).Msg("Could not read previous usage period")
		return u
	}
	if found {
		for k, v := range prev.Usage.Daily {
			u.Daily[k] = v
		}
		prune(&u, now)
	}
	return u
}

func prune(u *Usage, now time.Time) {
	cutoff := now.UTC().AddDate(0, 0, -RetentionDays).Format(dayLayout)
	for k := range u.Daily {
		// dayLayout sorts lexically
		if k < cutoff {
			delete(u.Daily, k)
		}
	}
}

func (l *Ledger) noteWarning(u Usage) {
	s := l.status(u)
	l.mu.Lock()
	defer l.mu.Unlock()
	if s.Warning && !l.warned[u.Period] {
		l.warned[u.Period] = true
		log.Warn().
			Str("period", string(u.Period)).
			Float64("monthly_percent", s.MonthlyPercent).
			Float64("daily_percent", s.DailyPercent).
			Msg("Usage crossed warning threshold")
	}
	if !s.Warning {
		delete(l.warned, u.Period)
	}
}
