package service

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/rl1809/share-ledger/internal/core/domain"
	"github.com/rl1809/share-ledger/internal/metrics"
	"github.com/rl1809/share-ledger/internal/port"
)

const reconcileLockKey = "lock:conservation:reconcile"

// ConservationReport is both sides of received = remaining + active
// allocated for one product.
type ConservationReport struct {
	ProductRef          string          `json:"product_id"`
	Received            decimal.Decimal `json:"received"`
	Remaining           decimal.Decimal `json:"remaining"`
	Allocated           decimal.Decimal `json:"allocated"`
	Discrepancy         decimal.Decimal `json:"discrepancy"`
	InconsistentBatches []string        `json:"inconsistent_batches,omitempty"`
	Balanced            bool            `json:"balanced"`
	CheckedAt           time.Time       `json:"checked_at"`
}

// Err returns the violation carried by an unbalanced report.
func (r ConservationReport) Err() error {
	if r.Balanced {
		return nil
	}
	return domain.ConservationViolationError{
		ProductRef:  r.ProductRef,
		Received:    r.Received,
		Remaining:   r.Remaining,
		Allocated:   r.Allocated,
		Discrepancy: r.Discrepancy,
	}
}

type Direction string

const (
	// DirectionUnderReported: remaining plus allocated is below received.
	DirectionUnderReported Direction = "under_reported"
	// DirectionOverReported: remaining plus allocated exceeds received.
	DirectionOverReported Direction = "over_reported"
)

type Violation struct {
	Report         ConservationReport `json:"report"`
	Direction      Direction          `json:"direction"`
	Recommendation string             `json:"recommendation"`
}

type ReconciliationReport struct {
	CheckedAt       time.Time   `json:"checked_at"`
	ProductsChecked int         `json:"products_checked"`
	Violations      []Violation `json:"violations"`
}

type HealthStatus string

const (
	HealthHealthy  HealthStatus = "healthy"
	HealthWarning  HealthStatus = "warning"
	HealthCritical HealthStatus = "critical"
)

type HealthScore struct {
	Total   int          `json:"total"`
	Passing int          `json:"passing"`
	Ratio   float64      `json:"ratio"`
	Status  HealthStatus `json:"status"`
}

// ConservationGuard proves the conservation law per product. It reports and
// never repairs.
type ConservationGuard struct {
	txm       port.TxManager
	inventory port.InventoryReader
	audit     port.AuditSink
	locker    port.Locker
	logger    zerolog.Logger
	metrics   *metrics.Recorder
}

type GuardOption func(*ConservationGuard)

func WithGuardLogger(logger zerolog.Logger) GuardOption {
	return func(g *ConservationGuard) {
		g.logger = logger.With().Str("component", "conservation_guard").Logger()
	}
}

func WithGuardMetrics(m *metrics.Recorder) GuardOption {
	return func(g *ConservationGuard) { g.metrics = m }
}

func WithGuardAudit(sink port.AuditSink) GuardOption {
	return func(g *ConservationGuard) { g.audit = sink }
}

// WithGuardLocker makes Reconcile run under a cross-process lock.
func WithGuardLocker(locker port.Locker) GuardOption {
	return func(g *ConservationGuard) { g.locker = locker }
}

func NewConservationGuard(txm port.TxManager, inventory port.InventoryReader, opts ...GuardOption) *ConservationGuard {
	g := &ConservationGuard{
		txm:       txm,
		inventory: inventory,
		logger:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Verify locks the product's batches in a short transaction and checks the
// equation.
func (g *ConservationGuard) Verify(ctx context.Context, productRef string) (ConservationReport, error) {
	var report ConservationReport
	err := g.txm.WithinTx(ctx, func(ctx context.Context, tx port.Tx) error {
		var err error
		report, err = g.VerifyTx(ctx, tx, productRef)
		return err
	})
	return report, err
}

// VerifyTx checks the equation inside the caller's transaction, locking the
// product's batches. A violation is logged and returned in the report; the
// error result is reserved for storage failures.
func (g *ConservationGuard) VerifyTx(ctx context.Context, tx port.Tx, productRef string) (ConservationReport, error) {
	batches, err := tx.LockProductBatches(ctx, productRef)
	if err != nil {
		return ConservationReport{}, fmt.Errorf("lock batches of %s: %w", productRef, err)
	}
	allocated, err := tx.SumActiveAllocated(ctx, productRef)
	if err != nil {
		return ConservationReport{}, fmt.Errorf("sum allocations of %s: %w", productRef, err)
	}

	report := ConservationReport{
		ProductRef: productRef,
		Received:   decimal.Zero,
		Remaining:  decimal.Zero,
		Allocated:  allocated,
		CheckedAt:  time.Now().UTC(),
	}
	for _, b := range batches {
		report.Received = report.Received.Add(b.TotalReceived)
		report.Remaining = report.Remaining.Add(b.Remaining)
		if !b.Consistent() {
			report.InconsistentBatches = append(report.InconsistentBatches, b.ID)
		}
	}
	report.Discrepancy = report.Received.Sub(report.Remaining.Add(report.Allocated))
	report.Balanced = !report.Discrepancy.Abs().GreaterThan(domain.MinorUnit) && len(report.InconsistentBatches) == 0

	if !report.Balanced {
		g.reportViolation(ctx, report)
	}
	return report, nil
}

// CanAllocate is the pre-flight check run under the allocation's locks: the
// product must hold enough remaining value and the equation must still hold
// once amount moves from remaining to allocated.
func (g *ConservationGuard) CanAllocate(ctx context.Context, tx port.Tx, productRef string, amount decimal.Decimal) (bool, error) {
	report, err := g.VerifyTx(ctx, tx, productRef)
	if err != nil {
		return false, err
	}
	if !report.Balanced {
		return false, report.Err()
	}
	if report.Remaining.LessThan(amount) {
		return false, domain.InsufficientInventoryError{Requested: amount, Available: report.Remaining}
	}

	simulated := report
	simulated.Remaining = report.Remaining.Sub(amount)
	simulated.Allocated = report.Allocated.Add(amount)
	simulated.Discrepancy = simulated.Received.Sub(simulated.Remaining.Add(simulated.Allocated))
	if simulated.Remaining.IsNegative() || !domain.WithinTolerance(simulated.Received, simulated.Remaining.Add(simulated.Allocated)) {
		simulated.Balanced = false
		g.reportViolation(ctx, simulated)
		return false, simulated.Err()
	}
	return true, nil
}

// Reconcile verifies every product and returns the violations with a
// remediation direction. Read-only.
func (g *ConservationGuard) Reconcile(ctx context.Context) (ReconciliationReport, error) {
	var out ReconciliationReport
	run := func(ctx context.Context) error {
		reports, err := g.sweep(ctx)
		if err != nil {
			return err
		}
		out = ReconciliationReport{
			CheckedAt:       time.Now().UTC(),
			ProductsChecked: len(reports),
			Violations:      []Violation{},
		}
		for _, r := range reports {
			if !r.Balanced {
				out.Violations = append(out.Violations, classify(r))
			}
		}
		return nil
	}

	var err error
	if g.locker != nil {
		err = g.locker.WithLock(ctx, reconcileLockKey, run)
	} else {
		err = run(ctx)
	}
	if err != nil {
		return ReconciliationReport{}, fmt.Errorf("reconcile: %w", err)
	}

	g.logger.Info().
		Int("products_checked", out.ProductsChecked).
		Int("violations", len(out.Violations)).
		Msg("reconciliation sweep finished")
	return out, nil
}

// HealthScore is the fraction of products currently passing verification.
func (g *ConservationGuard) HealthScore(ctx context.Context) (HealthScore, error) {
	reports, err := g.sweep(ctx)
	if err != nil {
		return HealthScore{}, fmt.Errorf("health score: %w", err)
	}

	score := HealthScore{Total: len(reports), Ratio: 1}
	for _, r := range reports {
		if r.Balanced {
			score.Passing++
		}
	}
	if score.Total > 0 {
		score.Ratio = float64(score.Passing) / float64(score.Total)
	}
	score.Status = statusFor(score.Ratio)

	g.metrics.ConservationHealth(score.Ratio)
	return score, nil
}

func (g *ConservationGuard) sweep(ctx context.Context) ([]ConservationReport, error) {
	products, err := g.inventory.ListProductRefs(ctx)
	if err != nil {
		return nil, fmt.Errorf("list products: %w", err)
	}
	reports := make([]ConservationReport, 0, len(products))
	for _, p := range products {
		r, err := g.Verify(ctx, p)
		if err != nil {
			return nil, err
		}
		reports = append(reports, r)
	}
	return reports, nil
}

func (g *ConservationGuard) reportViolation(ctx context.Context, r ConservationReport) {
	g.metrics.ConservationViolation()
	g.logger.Error().
		Str("severity", "critical").
		Str("product_id", r.ProductRef).
		Str("received", r.Received.StringFixed(domain.MoneyScale)).
		Str("remaining", r.Remaining.StringFixed(domain.MoneyScale)).
		Str("allocated", r.Allocated.StringFixed(domain.MoneyScale)).
		Str("discrepancy", r.Discrepancy.StringFixed(domain.MoneyScale)).
		Strs("inconsistent_batches", r.InconsistentBatches).
		Msg("conservation violation detected")

	if g.audit == nil {
		return
	}
	entry := domain.NewAuditEntry(domain.AuditConservationViolation, domain.ProductReference(r.ProductRef), map[string]any{
		"received":    r.Received.StringFixed(domain.MoneyScale),
		"remaining":   r.Remaining.StringFixed(domain.MoneyScale),
		"allocated":   r.Allocated.StringFixed(domain.MoneyScale),
		"discrepancy": r.Discrepancy.StringFixed(domain.MoneyScale),
	})
	if err := g.audit.Record(ctx, entry); err != nil {
		g.logger.Warn().Err(err).Str("product_id", r.ProductRef).Msg("failed to audit conservation violation")
	}
}

func classify(r ConservationReport) Violation {
	v := Violation{Report: r}
	if r.Discrepancy.IsNegative() {
		v.Direction = DirectionOverReported
		v.Recommendation = "remaining plus allocated exceeds received: look for a missing batch decrement or a duplicated allocation row"
	} else {
		v.Direction = DirectionUnderReported
		v.Recommendation = "received exceeds remaining plus allocated: look for a lost batch increment or a missing allocation row"
	}
	if len(r.InconsistentBatches) > 0 && r.Discrepancy.Abs().LessThanOrEqual(domain.MinorUnit) {
		v.Recommendation = "batch remaining is outside [0, total_received]: correct the batch row after manual review"
	}
	return v
}

func statusFor(ratio float64) HealthStatus {
	switch {
	case ratio >= 0.95:
		return HealthHealthy
	case ratio >= 0.90:
		return HealthWarning
	default:
		return HealthCritical
	}
}
