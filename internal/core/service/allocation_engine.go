package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/rl1809/share-ledger/internal/core/domain"
	"github.com/rl1809/share-ledger/internal/metrics"
	"github.com/rl1809/share-ledger/internal/port"
)

const (
	signalTimeout = 2 * time.Second
	tracerName    = "github.com/rl1809/share-ledger/internal/core/service"
)

type AllocationRequest struct {
	PaymentRef string
	UserRef    string
	TotalValue decimal.Decimal
	Source     domain.AllocationSource
}

type AllocatedSlice struct {
	AllocationRef string          `json:"allocation_id"`
	BatchRef      string          `json:"batch_id"`
	ProductRef    string          `json:"product_id"`
	Units         decimal.Decimal `json:"units"`
	Value         decimal.Decimal `json:"value"`
}

type SkippedBatch struct {
	BatchRef string `json:"batch_id"`
	Outcome  string `json:"outcome"`
}

// AllocationResult is what a committed allocation produced. It is also the
// payload stored by the idempotency guard.
type AllocationResult struct {
	PaymentRef     string           `json:"payment_id"`
	Allocations    []AllocatedSlice `json:"allocations"`
	TotalAllocated decimal.Decimal  `json:"total_allocated"`
	Refunded       decimal.Decimal  `json:"refunded"`
	Skipped        []SkippedBatch   `json:"skipped,omitempty"`
	NoOp           bool             `json:"noop,omitempty"`
}

type ReversalResult struct {
	PaymentRef    string          `json:"payment_id"`
	Reversed      []string        `json:"reversed_ids"`
	Compensations []string        `json:"compensation_ids"`
	Restored      decimal.Decimal `json:"restored"`
}

// AllocationEngine converts payment value into allocation records by
// draining inventory batches oldest first.
type AllocationEngine struct {
	txm       port.TxManager
	guard     *ConservationGuard
	ledger    *Ledger
	audit     port.AuditSink
	signaler  port.InventorySignaler
	threshold decimal.Decimal
	logger    zerolog.Logger
	metrics   *metrics.Recorder
	tracer    trace.Tracer
}

type EngineOption func(*AllocationEngine)

func WithEngineLogger(logger zerolog.Logger) EngineOption {
	return func(e *AllocationEngine) {
		e.logger = logger.With().Str("component", "allocation_engine").Logger()
	}
}

func WithEngineMetrics(m *metrics.Recorder) EngineOption {
	return func(e *AllocationEngine) { e.metrics = m }
}

func WithEngineAudit(sink port.AuditSink) EngineOption {
	return func(e *AllocationEngine) { e.audit = sink }
}

func WithEngineTracerProvider(tp trace.TracerProvider) EngineOption {
	return func(e *AllocationEngine) { e.tracer = tp.Tracer(tracerName) }
}

// WithLowStockSignal publishes remaining value after each allocation and a
// low-stock signal for products left below threshold.
func WithLowStockSignal(signaler port.InventorySignaler, threshold decimal.Decimal) EngineOption {
	return func(e *AllocationEngine) {
		e.signaler = signaler
		e.threshold = threshold
	}
}

func NewAllocationEngine(txm port.TxManager, guard *ConservationGuard, ledger *Ledger, opts ...EngineOption) *AllocationEngine {
	e := &AllocationEngine{
		txm:       txm,
		guard:     guard,
		ledger:    ledger,
		threshold: decimal.Zero,
		logger:    zerolog.Nop(),
		tracer:    otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Allocate fills req.TotalValue from inventory in one transaction. Either
// the full value is allocated (less any fractional refund) or nothing is
// written.
func (e *AllocationEngine) Allocate(ctx context.Context, req AllocationRequest, policy AllocationPolicy) (*AllocationResult, error) {
	var (
		result    *AllocationResult
		committed func(context.Context)
	)
	err := e.txm.WithinTx(ctx, func(ctx context.Context, tx port.Tx) error {
		var err error
		result, committed, err = e.AllocateTx(ctx, tx, req, policy)
		return err
	})
	if err != nil {
		if committed != nil {
			e.recordFailure(ctx, req, err)
			return nil, fmt.Errorf("commit allocation of payment %s: %w", req.PaymentRef, err)
		}
		return nil, err
	}
	committed(ctx)
	return result, nil
}

// AllocateTx runs the allocation inside the caller's transaction. The
// returned hook must be called once tx has committed; it emits the
// allocation's metrics, log line, audit entry and inventory signals.
func (e *AllocationEngine) AllocateTx(ctx context.Context, tx port.Tx, req AllocationRequest, policy AllocationPolicy) (_ *AllocationResult, _ func(context.Context), err error) {
	ctx, span := e.tracer.Start(ctx, "AllocationEngine.Allocate", trace.WithAttributes(
		attribute.String("payment.id", req.PaymentRef),
		attribute.String("allocation.requested", req.TotalValue.String()),
		attribute.Bool("allocation.fractional", policy.AllowFractionalShares),
	))
	defer func() { endSpan(span, err) }()

	if !req.TotalValue.IsPositive() {
		e.logger.Debug().Str("payment_id", req.PaymentRef).Msg("non-positive allocation request ignored")
		noop := &AllocationResult{PaymentRef: req.PaymentRef, Allocations: []AllocatedSlice{}, TotalAllocated: decimal.Zero, Refunded: decimal.Zero, NoOp: true}
		return noop, func(context.Context) {}, nil
	}
	if err := validateRequest(req); err != nil {
		return nil, nil, err
	}
	if req.Source == "" {
		req.Source = domain.SourcePayment
	}

	start := time.Now()
	result, remaining, err := e.allocateTx(ctx, tx, req, policy)
	if err != nil {
		e.recordFailure(ctx, req, err)
		return nil, nil, fmt.Errorf("allocate payment %s: %w", req.PaymentRef, err)
	}
	span.SetAttributes(
		attribute.String("allocation.allocated", result.TotalAllocated.String()),
		attribute.String("allocation.refunded", result.Refunded.String()),
		attribute.Int("allocation.records", len(result.Allocations)),
	)
	return result, func(ctx context.Context) { e.allocated(ctx, req, result, remaining, time.Since(start)) }, nil
}

func (e *AllocationEngine) allocated(ctx context.Context, req AllocationRequest, result *AllocationResult, remaining map[string]decimal.Decimal, took time.Duration) {
	e.metrics.AllocationSucceeded(result.TotalAllocated, result.Refunded, took)
	e.logger.Info().
		Str("payment_id", req.PaymentRef).
		Str("user_id", req.UserRef).
		Int("records", len(result.Allocations)).
		Str("allocated", result.TotalAllocated.StringFixed(domain.MoneyScale)).
		Str("refunded", result.Refunded.StringFixed(domain.MoneyScale)).
		Msg("allocation committed")

	e.record(ctx, domain.AuditAllocationSucceeded, domain.PaymentReference(req.PaymentRef), map[string]any{
		"user_id":   req.UserRef,
		"requested": req.TotalValue.StringFixed(domain.MoneyScale),
		"allocated": result.TotalAllocated.StringFixed(domain.MoneyScale),
		"refunded":  result.Refunded.StringFixed(domain.MoneyScale),
		"records":   len(result.Allocations),
	})
	e.signal(ctx, remaining)
}

func (e *AllocationEngine) allocateTx(ctx context.Context, tx port.Tx, req AllocationRequest, policy AllocationPolicy) (*AllocationResult, map[string]decimal.Decimal, error) {
	slots, err := tx.LockAllocatableBatches(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("lock batches: %w", err)
	}

	available := decimal.Zero
	for _, s := range slots {
		if s.Available() {
			available = available.Add(s.Batch.Remaining)
		}
	}
	if available.LessThan(req.TotalValue) {
		return nil, nil, domain.InsufficientInventoryError{Requested: req.TotalValue, Available: available}
	}

	plan := planAllocation(slots, req.TotalValue, policy)
	if !plan.Unmet.LessThan(domain.MinorUnit) {
		return nil, nil, domain.InsufficientInventoryError{Requested: req.TotalValue, Available: req.TotalValue.Sub(plan.Unmet)}
	}

	for _, product := range plan.Products() {
		if _, err := e.guard.CanAllocate(ctx, tx, product, plan.PerProduct[product]); err != nil {
			return nil, nil, err
		}
	}

	result := &AllocationResult{
		PaymentRef:     req.PaymentRef,
		Allocations:    make([]AllocatedSlice, 0, len(plan.Slices)),
		TotalAllocated: plan.Allocated,
		Refunded:       decimal.Zero,
	}
	now := time.Now().UTC()
	for _, s := range plan.Slices {
		if s.Outcome != domain.OutcomeAllocated {
			e.logger.Warn().
				Str("payment_id", req.PaymentRef).
				Str("batch_id", s.Slot.Batch.ID).
				Str("outcome", s.Outcome.String()).
				Str("face_value", s.Slot.FaceValuePerUnit.String()).
				Msg("batch skipped")
			result.Skipped = append(result.Skipped, SkippedBatch{BatchRef: s.Slot.Batch.ID, Outcome: s.Outcome.String()})
			continue
		}

		b := s.Slot.Batch
		if err := tx.UpdateBatchRemaining(ctx, b.ID, b.Remaining.Sub(s.Actual)); err != nil {
			return nil, nil, fmt.Errorf("decrement batch %s: %w", b.ID, err)
		}
		a := &domain.Allocation{
			ID:             domain.NewID(domain.PrefixAllocation),
			UserRef:        req.UserRef,
			ProductRef:     b.ProductRef,
			PaymentRef:     req.PaymentRef,
			BatchRef:       b.ID,
			Units:          s.Units,
			ValueAllocated: s.Actual,
			Source:         req.Source,
			CreatedAt:      now,
		}
		if err := tx.InsertAllocation(ctx, a); err != nil {
			return nil, nil, fmt.Errorf("insert allocation for batch %s: %w", b.ID, err)
		}
		result.Allocations = append(result.Allocations, AllocatedSlice{
			AllocationRef: a.ID,
			BatchRef:      b.ID,
			ProductRef:    b.ProductRef,
			Units:         a.Units,
			Value:         a.ValueAllocated,
		})
	}

	// Wallet lock comes after every batch lock.
	if !policy.AllowFractionalShares && plan.Refund.IsPositive() {
		refund := domain.Money(plan.Refund)
		if refund.IsPositive() {
			_, err := e.ledger.DepositToUserTx(ctx, tx, req.UserRef, refund, Entry{
				Type:        domain.TxRefund,
				Description: fmt.Sprintf("fractional remainder of payment %s", req.PaymentRef),
				Reference:   domain.PaymentReference(req.PaymentRef),
			})
			if err != nil {
				return nil, nil, fmt.Errorf("refund remainder: %w", err)
			}
			result.Refunded = refund
		}
	}

	remaining := make(map[string]decimal.Decimal, len(plan.PerProduct))
	for _, product := range plan.Products() {
		report, err := e.guard.VerifyTx(ctx, tx, product)
		if err != nil {
			return nil, nil, err
		}
		if !report.Balanced {
			return nil, nil, report.Err()
		}
		remaining[product] = report.Remaining
	}
	return result, remaining, nil
}

// Reverse restores every active allocation of the payment to its batch and
// appends the compensating records, all or nothing.
func (e *AllocationEngine) Reverse(ctx context.Context, paymentRef, reason string) (*ReversalResult, error) {
	var (
		result    *ReversalResult
		committed func(context.Context)
	)
	err := e.txm.WithinTx(ctx, func(ctx context.Context, tx port.Tx) error {
		var err error
		result, committed, err = e.ReverseTx(ctx, tx, paymentRef, reason)
		return err
	})
	if err != nil {
		if committed != nil {
			return nil, fmt.Errorf("commit reversal of payment %s: %w", paymentRef, err)
		}
		return nil, err
	}
	committed(ctx)
	return result, nil
}

// ReverseTx is Reverse inside the caller's transaction. The returned hook
// must be called once tx has committed.
func (e *AllocationEngine) ReverseTx(ctx context.Context, tx port.Tx, paymentRef, reason string) (_ *ReversalResult, _ func(context.Context), err error) {
	ctx, span := e.tracer.Start(ctx, "AllocationEngine.Reverse", trace.WithAttributes(
		attribute.String("payment.id", paymentRef),
	))
	defer func() { endSpan(span, err) }()

	if paymentRef == "" {
		return nil, nil, domain.ValidationError{Field: "payment_id", Message: "is required"}
	}
	if reason == "" {
		return nil, nil, domain.ValidationError{Field: "reason", Message: "is required"}
	}

	result, err := e.reverseTx(ctx, tx, paymentRef, reason)
	if err != nil {
		return nil, nil, fmt.Errorf("reverse payment %s: %w", paymentRef, err)
	}
	return result, func(ctx context.Context) { e.reversed(ctx, reason, result) }, nil
}

func (e *AllocationEngine) reversed(ctx context.Context, reason string, result *ReversalResult) {
	e.metrics.Reversed(len(result.Reversed))
	e.logger.Info().
		Str("payment_id", result.PaymentRef).
		Int("records", len(result.Reversed)).
		Str("restored", result.Restored.StringFixed(domain.MoneyScale)).
		Msg("allocation reversed")
	e.record(ctx, domain.AuditAllocationReversed, domain.PaymentReference(result.PaymentRef), map[string]any{
		"reason":   reason,
		"restored": result.Restored.StringFixed(domain.MoneyScale),
		"records":  len(result.Reversed),
	})
}

func (e *AllocationEngine) reverseTx(ctx context.Context, tx port.Tx, paymentRef, reason string) (*ReversalResult, error) {
	allocations, err := tx.LockActiveAllocations(ctx, paymentRef)
	if err != nil {
		return nil, fmt.Errorf("lock allocations: %w", err)
	}
	if len(allocations) == 0 {
		return nil, domain.ErrNothingToRevert
	}

	products := make(map[string]bool)
	for _, a := range allocations {
		products[a.ProductRef] = true
	}
	touched := make([]string, 0, len(products))
	for p := range products {
		touched = append(touched, p)
	}
	sort.Strings(touched)

	// Every batch of every touched product, in FIFO order, before any
	// other batch access. VerifyTx then only re-locks rows already held.
	batches, err := tx.LockProductsBatches(ctx, touched)
	if err != nil {
		return nil, fmt.Errorf("lock batches: %w", err)
	}
	remaining := make(map[string]decimal.Decimal, len(batches))
	for _, b := range batches {
		remaining[b.ID] = b.Remaining
	}

	result := &ReversalResult{PaymentRef: paymentRef, Restored: decimal.Zero}
	now := time.Now().UTC()
	for _, a := range allocations {
		current, ok := remaining[a.BatchRef]
		if !ok {
			return nil, fmt.Errorf("batch %s of allocation %s: %w", a.BatchRef, a.ID, domain.ErrNotFound)
		}
		remaining[a.BatchRef] = current.Add(a.ValueAllocated)
		if err := tx.UpdateBatchRemaining(ctx, a.BatchRef, remaining[a.BatchRef]); err != nil {
			return nil, fmt.Errorf("restore batch %s: %w", a.BatchRef, err)
		}

		comp := a.Compensation(reason, now)
		if err := tx.InsertAllocation(ctx, &comp); err != nil {
			return nil, fmt.Errorf("insert compensation for %s: %w", a.ID, err)
		}
		if err := tx.MarkAllocationReversed(ctx, a.ID, reason, now); err != nil {
			return nil, fmt.Errorf("mark %s reversed: %w", a.ID, err)
		}

		result.Reversed = append(result.Reversed, a.ID)
		result.Compensations = append(result.Compensations, comp.ID)
		result.Restored = result.Restored.Add(a.ValueAllocated)
	}

	for _, p := range touched {
		report, err := e.guard.VerifyTx(ctx, tx, p)
		if err != nil {
			return nil, err
		}
		if !report.Balanced {
			return nil, report.Err()
		}
	}
	return result, nil
}

func (e *AllocationEngine) recordFailure(ctx context.Context, req AllocationRequest, err error) {
	reason := "error"
	switch {
	case errors.Is(err, domain.ErrInsufficientInventory):
		reason = "insufficient_inventory"
	case errors.Is(err, domain.ErrConservation):
		reason = "conservation_violation"
	}
	e.metrics.AllocationFailed(reason)
	e.logger.Warn().
		Err(err).
		Str("payment_id", req.PaymentRef).
		Str("requested", req.TotalValue.StringFixed(domain.MoneyScale)).
		Str("reason", reason).
		Msg("allocation rolled back")

	e.record(ctx, domain.AuditAllocationFailed, domain.PaymentReference(req.PaymentRef), map[string]any{
		"user_id":   req.UserRef,
		"requested": req.TotalValue.StringFixed(domain.MoneyScale),
		"reason":    reason,
		"error":     err.Error(),
	})
}

func (e *AllocationEngine) record(ctx context.Context, action domain.AuditAction, ref domain.Reference, detail map[string]any) {
	if e.audit == nil {
		return
	}
	if err := e.audit.Record(ctx, domain.NewAuditEntry(action, ref, detail)); err != nil {
		e.logger.Warn().Err(err).Str("action", string(action)).Str("reference", ref.String()).Msg("failed to write audit entry")
	}
}

// signal runs after commit. Failures are logged only.
func (e *AllocationEngine) signal(ctx context.Context, remaining map[string]decimal.Decimal) {
	if e.signaler == nil || len(remaining) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), signalTimeout)
	defer cancel()

	for product, left := range remaining {
		if err := e.signaler.CacheRemaining(ctx, product, left); err != nil {
			e.logger.Warn().Err(err).Str("product_id", product).Msg("failed to cache remaining inventory")
		}
		if !left.LessThan(e.threshold) {
			continue
		}
		err := e.signaler.NotifyLowStock(ctx, port.LowStockSignal{
			ProductRef: product,
			Remaining:  left,
			Threshold:  e.threshold,
			At:         time.Now().UTC(),
		})
		if err != nil {
			e.logger.Warn().Err(err).Str("product_id", product).Msg("failed to publish low stock signal")
		}
	}
}

func validateRequest(req AllocationRequest) error {
	switch {
	case req.PaymentRef == "":
		return domain.ValidationError{Field: "payment_id", Message: "is required"}
	case req.UserRef == "":
		return domain.ValidationError{Field: "user_id", Message: "is required"}
	case !req.TotalValue.Equal(domain.Money(req.TotalValue)):
		return domain.ValidationError{Field: "total_value", Message: fmt.Sprintf("must have at most %d fractional digits", domain.MoneyScale)}
	case req.Source == domain.SourceReversal:
		return domain.ValidationError{Field: "source", Message: "reversal records are created by Reverse only"}
	}
	return nil
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
