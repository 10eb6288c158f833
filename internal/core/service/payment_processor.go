package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/rl1809/share-ledger/internal/core/domain"
	"github.com/rl1809/share-ledger/internal/port"
)

const (
	JobClassAllocate = "allocate_shares"
	JobClassReverse  = "reverse_allocation"

	SettingAllowFractionalShares = "allow_fractional_shares"
)

// PaymentProcessor turns confirmed payments into allocations exactly once
// and flags the payment for review when allocation cannot succeed.
type PaymentProcessor struct {
	engine      *AllocationEngine
	idempotency *IdempotencyGuard
	settings    port.SettingsReader
	flagger     port.PaymentFlagger
	maxAttempts int
	logger      zerolog.Logger
}

type ProcessorOption func(*PaymentProcessor)

func WithProcessorLogger(logger zerolog.Logger) ProcessorOption {
	return func(p *PaymentProcessor) {
		p.logger = logger.With().Str("component", "payment_processor").Logger()
	}
}

func WithMaxAttempts(n int) ProcessorOption {
	return func(p *PaymentProcessor) { p.maxAttempts = n }
}

func NewPaymentProcessor(engine *AllocationEngine, idempotency *IdempotencyGuard, settings port.SettingsReader, flagger port.PaymentFlagger, opts ...ProcessorOption) *PaymentProcessor {
	p := &PaymentProcessor{
		engine:      engine,
		idempotency: idempotency,
		settings:    settings,
		flagger:     flagger,
		maxAttempts: DefaultMaxAttempts,
		logger:      zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Process allocates the payment's amount to its user. Repeated calls for
// the same payment return the first successful result.
func (p *PaymentProcessor) Process(ctx context.Context, payment domain.Payment) (*AllocationResult, error) {
	if payment.ID == "" {
		return nil, domain.ValidationError{Field: "payment_id", Message: "is required"}
	}

	var committed func(context.Context)
	result, err := Run(ctx, p.idempotency, "allocate:"+payment.ID, JobClassAllocate, p.maxAttempts,
		func(ctx context.Context, tx port.Tx) (*AllocationResult, error) {
			allow, err := p.settings.Bool(ctx, SettingAllowFractionalShares, false)
			if err != nil {
				return nil, fmt.Errorf("read %s: %w", SettingAllowFractionalShares, err)
			}
			result, hook, err := p.engine.AllocateTx(ctx, tx, AllocationRequest{
				PaymentRef: payment.ID,
				UserRef:    payment.UserRef,
				TotalValue: payment.Amount,
				Source:     domain.SourcePayment,
			}, AllocationPolicy{AllowFractionalShares: allow})
			committed = hook
			return result, err
		})
	if err != nil {
		p.flagIfTerminal(ctx, payment.ID, err)
		return nil, err
	}
	// Nil on a replayed result.
	if committed != nil {
		committed(ctx)
	}
	return result, nil
}

// Reverse undoes the payment's allocations exactly once.
func (p *PaymentProcessor) Reverse(ctx context.Context, paymentRef, reason string) (*ReversalResult, error) {
	if paymentRef == "" {
		return nil, domain.ValidationError{Field: "payment_id", Message: "is required"}
	}
	var committed func(context.Context)
	result, err := Run(ctx, p.idempotency, "reverse:"+paymentRef, JobClassReverse, p.maxAttempts,
		func(ctx context.Context, tx port.Tx) (*ReversalResult, error) {
			result, hook, err := p.engine.ReverseTx(ctx, tx, paymentRef, reason)
			committed = hook
			return result, err
		})
	if err != nil {
		return nil, err
	}
	if committed != nil {
		committed(ctx)
	}
	return result, nil
}

func (p *PaymentProcessor) flagIfTerminal(ctx context.Context, paymentRef string, err error) {
	var reason string
	switch {
	case errors.Is(err, domain.ErrInsufficientInventory):
		reason = "insufficient_inventory"
	case errors.Is(err, domain.ErrConservation):
		reason = "conservation_violation"
	case errors.Is(err, domain.ErrValidation):
		reason = "invalid_payment"
	case errors.Is(err, domain.ErrPermanentJobFailure):
		reason = "allocation_attempts_exhausted"
	default:
		return
	}

	if ferr := p.flagger.FlagPayment(ctx, paymentRef, reason); ferr != nil {
		p.logger.Error().Err(ferr).Str("payment_id", paymentRef).Str("reason", reason).Msg("failed to flag payment")
		return
	}
	p.logger.Warn().Err(err).Str("payment_id", paymentRef).Str("reason", reason).Msg("payment flagged for review")
}
