package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rl1809/share-ledger/internal/adapter/storage"
	"github.com/rl1809/share-ledger/internal/core/domain"
	"github.com/rl1809/share-ledger/internal/port"
)

var baseDate = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

type harness struct {
	store     *storage.MemoryStore
	ledger    *Ledger
	guard     *ConservationGuard
	engine    *AllocationEngine
	idem      *IdempotencyGuard
	processor *PaymentProcessor
}

func newHarness(t *testing.T, engineOpts ...EngineOption) *harness {
	t.Helper()
	store := storage.NewMemoryStore()
	ledger := NewLedger(store, store)
	guard := NewConservationGuard(store, store, WithGuardAudit(store))
	engine := NewAllocationEngine(store, guard, ledger, append([]EngineOption{WithEngineAudit(store)}, engineOpts...)...)
	idem := NewIdempotencyGuard(store)
	return &harness{
		store:     store,
		ledger:    ledger,
		guard:     guard,
		engine:    engine,
		idem:      idem,
		processor: NewPaymentProcessor(engine, idem, store, store),
	}
}

func (h *harness) product(id, faceValue string) {
	h.store.PutProduct(domain.Product{ID: id, Name: id, FaceValuePerUnit: decimal.RequireFromString(faceValue), IsActive: true})
}

// batch seeds a batch purchased `day` days after baseDate.
func (h *harness) batch(id, productRef, amount string, day int) {
	v := domain.MustMoney(amount)
	h.store.PutBatch(domain.InventoryBatch{
		ID:            id,
		ProductRef:    productRef,
		TotalReceived: v,
		Remaining:     v,
		PurchaseDate:  baseDate.AddDate(0, 0, day),
		IsActive:      true,
	})
}

func (h *harness) remaining(t *testing.T, batchRef string) decimal.Decimal {
	t.Helper()
	b, ok := h.store.Batch(batchRef)
	require.True(t, ok, "batch %s missing", batchRef)
	return b.Remaining
}

func (h *harness) requireConserved(t *testing.T, productRef string) {
	t.Helper()
	report, err := h.guard.Verify(context.Background(), productRef)
	require.NoError(t, err)
	require.True(t, report.Balanced, "product %s unbalanced: discrepancy %s", productRef, report.Discrepancy)
}

// wallet returns the id of the user's wallet, creating it empty if needed.
func (h *harness) wallet(t *testing.T, userRef string) string {
	t.Helper()
	var id string
	err := h.store.WithinTx(context.Background(), func(ctx context.Context, tx port.Tx) error {
		w, err := tx.LockWalletByUser(ctx, userRef)
		if err != nil {
			return err
		}
		id = w.ID
		return nil
	})
	require.NoError(t, err)
	return id
}

func assertMoney(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	assert.True(t, decimal.RequireFromString(want).Equal(got), "want %s, got %s", want, got.String())
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
