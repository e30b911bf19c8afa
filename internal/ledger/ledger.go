// Package ledger owns user token balances: it prices generation requests,
// checks funds, and applies debits and credits with optimistic concurrency
// against an account.Store.
package ledger

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/vnmchuo/nanogen/internal/account"
	"github.com/vnmchuo/nanogen/internal/pricing"
)

const (
	DefaultAttempts     = 3
	DefaultStoreTimeout = 10 * time.Second
)

// DebitResult is the outcome of a debit. OK is false when the balance was
// lower than Cost; BalanceAfter is then the untouched current balance.
type DebitResult struct {
	OK           bool  `json:"ok"`
	Cost         int64 `json:"cost"`
	BalanceAfter int64 `json:"balance_after"`
}

type Ledger struct {
	store    account.Store
	prices   *pricing.Table
	logger   zerolog.Logger
	tracer   trace.Tracer
	attempts int
	timeout  time.Duration
}

type Option func(*Ledger)

func WithLogger(logger zerolog.Logger) Option {
	return func(l *Ledger) {
		l.logger = logger.With().Str("component", "ledger").Logger()
	}
}

func WithTracer(tracer trace.Tracer) Option {
	return func(l *Ledger) {
		l.tracer = tracer
	}
}

// WithAttempts sets how many read-decide-write cycles a mutation may run.
func WithAttempts(n int) Option {
	return func(l *Ledger) {
		if n > 0 {
			l.attempts = n
		}
	}
}

// WithStoreTimeout bounds each individual store call.
func WithStoreTimeout(d time.Duration) Option {
	return func(l *Ledger) {
		if d > 0 {
			l.timeout = d
		}
	}
}

func New(store account.Store, prices *pricing.Table, opts ...Option) *Ledger {
	l := &Ledger{
		store:    store,
		prices:   prices,
		logger:   zerolog.Nop(),
		tracer:   noop.NewTracerProvider().Tracer("ledger"),
		attempts: DefaultAttempts,
		timeout:  DefaultStoreTimeout,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Quote prices p. Unknown models are priced as the table's default model
// and logged, since that usually points at a stale client.
func (l *Ledger) Quote(p pricing.Params) pricing.Quote {
	q := l.prices.Price(p)
	if q.Fallback {
		l.logger.Warn().
			Str("requested_model", p.Model).
			Str("priced_as", q.Model).
			Int64("cost", q.Cost).
			Msg("unknown model, using default pricing")
	}
	return q
}

// PriceOf is Quote without the fallback warning, for callers that already
// quoted the request.
func (l *Ledger) PriceOf(p pricing.Params) int64 {
	return l.prices.Price(p).Cost
}

// GetBalance returns 0 for users without an account.
func (l *Ledger) GetBalance(ctx context.Context, userID int64) (int64, error) {
	ctx, span := l.tracer.Start(ctx, "ledger.get_balance", trace.WithAttributes(attribute.Int64("user_id", userID)))
	defer span.End()

	balance, err := l.read(ctx, userID)
	if err != nil {
		recordError(span, err)
		return 0, err
	}
	return balance, nil
}

// TryDebit charges the price of p. It never drives the balance negative.
func (l *Ledger) TryDebit(ctx context.Context, userID int64, p pricing.Params) (DebitResult, error) {
	cost := l.PriceOf(p)

	ctx, span := l.tracer.Start(ctx, "ledger.try_debit", trace.WithAttributes(
		attribute.Int64("user_id", userID),
		attribute.String("model", p.Model),
		attribute.String("resolution", p.Resolution),
		attribute.Int64("cost", cost),
	))
	defer span.End()

	res, err := l.debit(ctx, userID, cost)
	if err != nil {
		recordError(span, err)
		return res, err
	}
	span.SetAttributes(attribute.Bool("ok", res.OK), attribute.Int64("balance_after", res.BalanceAfter))
	return res, nil
}

// Withdraw removes a fixed amount, with the same rules as TryDebit.
func (l *Ledger) Withdraw(ctx context.Context, userID int64, amount int64) (DebitResult, error) {
	if amount <= 0 {
		return DebitResult{}, fmt.Errorf("%w: withdrawal of %d", ErrInvalidAmount, amount)
	}

	ctx, span := l.tracer.Start(ctx, "ledger.withdraw", trace.WithAttributes(
		attribute.Int64("user_id", userID),
		attribute.Int64("amount", amount),
	))
	defer span.End()

	res, err := l.debit(ctx, userID, amount)
	if err != nil {
		recordError(span, err)
		return res, err
	}
	span.SetAttributes(attribute.Bool("ok", res.OK), attribute.Int64("balance_after", res.BalanceAfter))
	return res, nil
}

func (l *Ledger) debit(ctx context.Context, userID int64, cost int64) (DebitResult, error) {
	current, next, applied, err := l.mutate(ctx, userID, func(current int64) (int64, bool, error) {
		if current < cost {
			return current, false, nil
		}
		return current - cost, true, nil
	})
	if err != nil {
		return DebitResult{Cost: cost}, err
	}
	if !applied {
		return DebitResult{OK: false, Cost: cost, BalanceAfter: current}, nil
	}

	l.logger.Info().Int64("user_id", userID).Int64("cost", cost).Int64("balance", next).Msg("debited")
	return DebitResult{OK: true, Cost: cost, BalanceAfter: next}, nil
}

// Credit adds a positive amount and returns the new balance.
func (l *Ledger) Credit(ctx context.Context, userID int64, amount int64) (int64, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("%w: credit of %d", ErrInvalidAmount, amount)
	}

	ctx, span := l.tracer.Start(ctx, "ledger.credit", trace.WithAttributes(
		attribute.Int64("user_id", userID),
		attribute.Int64("amount", amount),
	))
	defer span.End()

	_, next, _, err := l.mutate(ctx, userID, func(current int64) (int64, bool, error) {
		if current > math.MaxInt64-amount {
			return 0, false, fmt.Errorf("%w: credit of %d overflows balance %d", ErrInvalidAmount, amount, current)
		}
		return current + amount, true, nil
	})
	if err != nil {
		recordError(span, err)
		return 0, err
	}

	span.SetAttributes(attribute.Int64("balance_after", next))
	l.logger.Info().Int64("user_id", userID).Int64("amount", amount).Int64("balance", next).Msg("credited")
	return next, nil
}

// ForceSet overwrites the balance without a compare-and-swap. It is an
// administrative override: a debit in flight at the same moment may be
// clobbered, and the last writer wins. User-facing paths must not use it.
func (l *Ledger) ForceSet(ctx context.Context, userID int64, newBalance int64) (int64, error) {
	if newBalance < 0 {
		return 0, fmt.Errorf("%w: negative balance %d", ErrInvalidAmount, newBalance)
	}

	ctx, span := l.tracer.Start(ctx, "ledger.force_set", trace.WithAttributes(
		attribute.Int64("user_id", userID),
		attribute.Int64("balance", newBalance),
	))
	defer span.End()

	callCtx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	ok, err := l.store.UnconditionalWrite(callCtx, userID, newBalance)
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
		recordError(span, err)
		return 0, err
	}
	if !ok {
		err = fmt.Errorf("%w: override for user %d was not applied", ErrStoreUnavailable, userID)
		recordError(span, err)
		return 0, err
	}

	l.logger.Warn().Int64("user_id", userID).Int64("balance", newBalance).Msg("balance overridden")
	return newBalance, nil
}

// decideFunc maps the current balance to the next one. Returning false
// stops the cycle without writing.
type decideFunc func(current int64) (next int64, write bool, err error)

// mutate runs the read-decide-conditional-write cycle up to l.attempts
// times. Each attempt starts from a fresh read, so retrying a lost
// compare-and-swap is always safe. Store errors are not retried.
func (l *Ledger) mutate(ctx context.Context, userID int64, decide decideFunc) (current, next int64, applied bool, err error) {
	span := trace.SpanFromContext(ctx)

	for attempt := 1; attempt <= l.attempts; attempt++ {
		current, err = l.read(ctx, userID)
		if err != nil {
			return 0, 0, false, err
		}

		var write bool
		next, write, err = decide(current)
		if err != nil {
			return current, current, false, err
		}
		if !write {
			span.SetAttributes(attribute.Int("attempts", attempt))
			return current, current, false, nil
		}

		callCtx, cancel := context.WithTimeout(ctx, l.timeout)
		var swapped bool
		swapped, err = l.store.ConditionalWrite(callCtx, userID, current, next)
		cancel()
		if err != nil {
			return current, current, false, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
		}
		if swapped {
			span.SetAttributes(attribute.Int("attempts", attempt))
			return current, next, true, nil
		}

		l.logger.Debug().
			Int64("user_id", userID).
			Int64("expected", current).
			Int("attempt", attempt).
			Msg("balance changed concurrently, retrying")
	}

	span.SetAttributes(attribute.Int("attempts", l.attempts))
	l.logger.Error().Int64("user_id", userID).Int("attempts", l.attempts).Msg("balance contention retries exhausted")
	return current, current, false, fmt.Errorf("%w: user %d after %d attempts", ErrContentionExhausted, userID, l.attempts)
}

func (l *Ledger) read(ctx context.Context, userID int64) (int64, error) {
	callCtx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	a, ok, err := l.store.Read(callCtx, userID)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	if !ok {
		return 0, nil
	}
	return a.Balance, nil
}

func recordError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
