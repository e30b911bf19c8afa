// Package generation runs one image generation for a user: it checks funds,
// calls the provider, and charges only for a delivered image.
package generation

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/vnmchuo/nanogen/internal/audit"
	"github.com/vnmchuo/nanogen/internal/ledger"
	"github.com/vnmchuo/nanogen/internal/pricing"
	"github.com/vnmchuo/nanogen/internal/provider"
	"github.com/vnmchuo/nanogen/internal/settings"
)

var (
	ErrEmptyPrompt       = errors.New("generation: empty prompt")
	ErrInsufficientFunds = errors.New("generation: insufficient funds")
	ErrGenerationFailed  = errors.New("generation: provider failed")
)

// InsufficientFundsError carries what the user has and what the request costs.
type InsufficientFundsError struct {
	Balance int64
	Cost    int64
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds: balance %d, cost %d", e.Balance, e.Cost)
}

func (e *InsufficientFundsError) Is(target error) bool {
	return target == ErrInsufficientFunds
}

type Ledger interface {
	Quote(p pricing.Params) pricing.Quote
	GetBalance(ctx context.Context, userID int64) (int64, error)
	TryDebit(ctx context.Context, userID int64, p pricing.Params) (ledger.DebitResult, error)
}

type Router interface {
	Route(ctx context.Context, req *provider.Request) (provider.Provider, error)
	Execute(ctx context.Context, req *provider.Request, p provider.Provider) (*provider.Result, error)
}

type Recorder interface {
	EnqueueGeneration(ctx context.Context, rec *audit.GenerationRecord) error
}

type Request struct {
	UserID    int64
	RequestID string
	Prompt    string
	Settings  settings.Settings
	ImageURLs []string
}

type Outcome struct {
	Result       *provider.Result
	Model        string
	Cost         int64
	BalanceAfter int64
}

type Service struct {
	ledger   Ledger
	router   Router
	recorder Recorder
	logger   zerolog.Logger
	tracer   trace.Tracer
}

func NewService(l Ledger, router Router, recorder Recorder, logger zerolog.Logger, tracer trace.Tracer) *Service {
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("generation")
	}
	return &Service{
		ledger:   l,
		router:   router,
		recorder: recorder,
		logger:   logger.With().Str("component", "generation").Logger(),
		tracer:   tracer,
	}
}

func (s *Service) Generate(ctx context.Context, req Request) (*Outcome, error) {
	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		return nil, ErrEmptyPrompt
	}
	cfg := req.Settings
	if cfg == nil {
		cfg = settings.Default()
	}
	params := cfg.Params()
	quote := s.ledger.Quote(params)

	ctx, span := s.tracer.Start(ctx, "generation.generate", trace.WithAttributes(
		attribute.Int64("user_id", req.UserID),
		attribute.String("request_id", req.RequestID),
		attribute.String("model", quote.Model),
		attribute.Int64("cost", quote.Cost),
	))
	defer span.End()

	log := s.logger.With().Int64("user_id", req.UserID).Str("request_id", req.RequestID).Str("model", quote.Model).Logger()

	balance, err := s.ledger.GetBalance(ctx, req.UserID)
	if err != nil {
		return nil, fail(span, err)
	}
	if balance < quote.Cost {
		return nil, fail(span, &InsufficientFundsError{Balance: balance, Cost: quote.Cost})
	}

	preq := &provider.Request{
		Model:     quote.Slug,
		Prompt:    prompt,
		Input:     cfg.Input(),
		ImageURLs: req.ImageURLs,
		UserID:    req.UserID,
		RequestID: req.RequestID,
	}
	p, err := s.router.Route(ctx, preq)
	if err != nil {
		return nil, fail(span, fmt.Errorf("%w: %w", ErrGenerationFailed, err))
	}
	result, err := s.router.Execute(ctx, preq, p)
	if err != nil {
		log.Error().Err(err).Str("provider", p.Name()).Msg("generation failed, nothing charged")
		return nil, fail(span, fmt.Errorf("%w: %w", ErrGenerationFailed, err))
	}

	debit, err := s.ledger.TryDebit(ctx, req.UserID, params)
	if ledger.IsRetryable(err) {
		log.Warn().Msg("debit contention, retrying once")
		debit, err = s.ledger.TryDebit(ctx, req.UserID, params)
	}
	if err != nil {
		log.Error().Err(err).Str("prediction_id", result.ID).Msg("debit failed after generation, image withheld")
		return nil, fail(span, err)
	}
	if !debit.OK {
		// Balance was spent by a concurrent request while this one was generating.
		log.Warn().Int64("balance", debit.BalanceAfter).Int64("cost", debit.Cost).Msg("balance drained during generation, image withheld")
		return nil, fail(span, &InsufficientFundsError{Balance: debit.BalanceAfter, Cost: debit.Cost})
	}

	fields := cfg.Fields()
	rec := &audit.GenerationRecord{
		UserID:       req.UserID,
		RequestID:    req.RequestID,
		Prompt:       prompt,
		ImageURL:     result.ImageURL,
		Model:        quote.Model,
		TokensSpent:  debit.Cost,
		AspectRatio:  fields[settings.FieldAspectRatio],
		Resolution:   fields[settings.FieldResolution],
		OutputFormat: fields[settings.FieldOutputFormat],
		LatencyMs:    result.LatencyMs,
	}
	if err := s.recorder.EnqueueGeneration(ctx, rec); err != nil {
		log.Warn().Err(err).Msg("generation not recorded")
	}

	span.SetAttributes(attribute.Int64("balance_after", debit.BalanceAfter))
	log.Info().Int64("cost", debit.Cost).Int64("balance", debit.BalanceAfter).Int64("latency_ms", result.LatencyMs).Msg("generation delivered")

	return &Outcome{
		Result:       result,
		Model:        quote.Model,
		Cost:         debit.Cost,
		BalanceAfter: debit.BalanceAfter,
	}, nil
}

func fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}
