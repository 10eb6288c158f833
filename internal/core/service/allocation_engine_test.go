package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rl1809/share-ledger/internal/core/domain"
	"github.com/rl1809/share-ledger/internal/port"
)

type mockSignaler struct {
	mu        sync.Mutex
	remaining map[string]decimal.Decimal
	low       []port.LowStockSignal
}

func newMockSignaler() *mockSignaler {
	return &mockSignaler{remaining: make(map[string]decimal.Decimal)}
}

func (m *mockSignaler) CacheRemaining(ctx context.Context, productRef string, remaining decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.remaining[productRef] = remaining
	return nil
}

func (m *mockSignaler) NotifyLowStock(ctx context.Context, signal port.LowStockSignal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.low = append(m.low, signal)
	return nil
}

func request(payment, user, total string) AllocationRequest {
	return AllocationRequest{PaymentRef: payment, UserRef: user, TotalValue: domain.MustMoney(total), Source: domain.SourcePayment}
}

var fractional = AllocationPolicy{AllowFractionalShares: true}

func TestAllocate_FIFOAcrossBatches(t *testing.T) {
	h := newHarness(t)
	h.product("p1", "1")
	h.batch("b-new", "p1", "100", 5)
	h.batch("b-old", "p1", "100", 0)

	res, err := h.engine.Allocate(context.Background(), request("pay-1", "user-1", "150"), fractional)
	require.NoError(t, err)

	require.Len(t, res.Allocations, 2)
	assert.Equal(t, "b-old", res.Allocations[0].BatchRef)
	assert.Equal(t, "b-new", res.Allocations[1].BatchRef)
	assertMoney(t, "100", res.Allocations[0].Value)
	assertMoney(t, "50", res.Allocations[1].Value)
	assertMoney(t, "150", res.TotalAllocated)

	assertMoney(t, "0", h.remaining(t, "b-old"))
	assertMoney(t, "50", h.remaining(t, "b-new"))
	assert.Len(t, h.store.Allocations("pay-1"), 2)
	h.requireConserved(t, "p1")
}

func TestAllocate_FractionalFloorRefundsRemainder(t *testing.T) {
	h := newHarness(t)
	h.product("p1", "10")
	h.batch("b1", "p1", "100", 0)

	res, err := h.engine.Allocate(context.Background(), request("pay-1", "user-1", "47"), AllocationPolicy{})
	require.NoError(t, err)

	require.Len(t, res.Allocations, 1)
	assertMoney(t, "4", res.Allocations[0].Units)
	assertMoney(t, "40", res.Allocations[0].Value)
	assertMoney(t, "7", res.Refunded)
	assertMoney(t, "60", h.remaining(t, "b1"))

	w, ok := h.store.WalletByUser("user-1")
	require.True(t, ok)
	assertMoney(t, "7", w.Balance)

	rows, err := h.store.ListLedgerTransactions(context.Background(), w.ID)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, domain.TxRefund, rows[0].Type)
	assert.Equal(t, domain.PaymentReference("pay-1"), rows[0].Reference)
	h.requireConserved(t, "p1")
}

func TestAllocate_InsufficientInventoryWritesNothing(t *testing.T) {
	h := newHarness(t)
	h.product("p1", "1")
	h.batch("b1", "p1", "60", 0)
	h.batch("b2", "p1", "30", 1)

	_, err := h.engine.Allocate(context.Background(), request("pay-1", "user-1", "100"), fractional)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrInsufficientInventory)

	var inv domain.InsufficientInventoryError
	require.True(t, errors.As(err, &inv))
	assertMoney(t, "90", inv.Available)

	assert.Equal(t, 0, h.store.AllocationCount())
	assertMoney(t, "60", h.remaining(t, "b1"))
	assertMoney(t, "30", h.remaining(t, "b2"))

	entries := h.store.AuditEntries()
	require.NotEmpty(t, entries)
	assert.Equal(t, domain.AuditAllocationFailed, entries[len(entries)-1].Action)
}

func TestAllocate_UnmetDemandAfterSkipsAborts(t *testing.T) {
	h := newHarness(t)
	h.product("p1", "10")
	h.batch("b1", "p1", "5", 0)
	h.batch("b2", "p1", "8", 1)

	_, err := h.engine.Allocate(context.Background(), request("pay-1", "user-1", "9"), AllocationPolicy{})
	assert.ErrorIs(t, err, domain.ErrInsufficientInventory)
	assert.Equal(t, 0, h.store.AllocationCount())
	assertMoney(t, "5", h.remaining(t, "b1"))
}

func TestAllocate_NonPositiveIsNoOp(t *testing.T) {
	h := newHarness(t)
	h.product("p1", "1")
	h.batch("b1", "p1", "10", 0)

	for _, v := range []string{"0", "-5"} {
		res, err := h.engine.Allocate(context.Background(), request("pay-1", "user-1", v), fractional)
		require.NoError(t, err)
		assert.True(t, res.NoOp)
	}
	assert.Equal(t, 0, h.store.AllocationCount())
}

func TestAllocate_Validation(t *testing.T) {
	h := newHarness(t)

	_, err := h.engine.Allocate(context.Background(), request("", "user-1", "10"), fractional)
	assert.ErrorIs(t, err, domain.ErrValidation)

	req := request("pay-1", "user-1", "10")
	req.TotalValue = decimal.RequireFromString("10.001")
	_, err = h.engine.Allocate(context.Background(), req, fractional)
	assert.ErrorIs(t, err, domain.ErrValidation)

	req = request("pay-1", "user-1", "10")
	req.Source = domain.SourceReversal
	_, err = h.engine.Allocate(context.Background(), req, fractional)
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestAllocate_SkipsInactiveProducts(t *testing.T) {
	h := newHarness(t)
	h.store.PutProduct(domain.Product{ID: "retired", FaceValuePerUnit: decimal.NewFromInt(1), IsActive: false})
	h.batch("b-retired", "retired", "100", 0)
	h.product("p1", "1")
	h.batch("b1", "p1", "100", 1)

	res, err := h.engine.Allocate(context.Background(), request("pay-1", "user-1", "40"), fractional)
	require.NoError(t, err)
	require.Len(t, res.Allocations, 1)
	assert.Equal(t, "b1", res.Allocations[0].BatchRef)
	assertMoney(t, "100", h.remaining(t, "b-retired"))
}

func TestAllocate_ConcurrentRequestsNeverOverAllocate(t *testing.T) {
	h := newHarness(t)
	h.product("p1", "1")
	h.batch("b1", "p1", "100", 0)

	const workers = 2
	var (
		wg           sync.WaitGroup
		successCount int32
		failCount    int32
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := h.engine.Allocate(context.Background(), request(fmt.Sprintf("pay-%d", i), "user-1", "80"), fractional)
			if err == nil {
				atomic.AddInt32(&successCount, 1)
			} else if errors.Is(err, domain.ErrInsufficientInventory) {
				atomic.AddInt32(&failCount, 1)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), successCount)
	assert.Equal(t, int32(1), failCount)
	assertMoney(t, "20", h.remaining(t, "b1"))
	h.requireConserved(t, "p1")
}

func TestAllocate_ManyConcurrentPaymentsConserve(t *testing.T) {
	h := newHarness(t)
	h.product("p1", "1")
	h.product("p2", "5")
	h.batch("b1", "p1", "500", 0)
	h.batch("b2", "p2", "500", 1)
	h.batch("b3", "p1", "500", 2)

	const workers = 50
	var (
		wg           sync.WaitGroup
		successCount int32
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := h.engine.Allocate(context.Background(), request(fmt.Sprintf("pay-%d", i), "user-1", "37"), AllocationPolicy{}); err == nil {
				atomic.AddInt32(&successCount, 1)
			}
		}(i)
	}
	wg.Wait()

	assert.Greater(t, successCount, int32(0))
	h.requireConserved(t, "p1")
	h.requireConserved(t, "p2")

	w, ok := h.store.WalletByUser("user-1")
	require.True(t, ok)
	require.NoError(t, h.ledger.VerifyHistory(context.Background(), w.ID))
}

func TestAllocate_LowStockSignal(t *testing.T) {
	sig := newMockSignaler()
	h := newHarness(t, WithLowStockSignal(sig, domain.MustMoney("50")))
	h.product("p1", "1")
	h.batch("b1", "p1", "100", 0)

	_, err := h.engine.Allocate(context.Background(), request("pay-1", "user-1", "30"), fractional)
	require.NoError(t, err)
	assertMoney(t, "70", sig.remaining["p1"])
	assert.Empty(t, sig.low)

	_, err = h.engine.Allocate(context.Background(), request("pay-2", "user-1", "30"), fractional)
	require.NoError(t, err)
	require.Len(t, sig.low, 1)
	assert.Equal(t, "p1", sig.low[0].ProductRef)
	assertMoney(t, "40", sig.low[0].Remaining)
}

func TestReverse_RestoresBatchesAndAppendsCompensation(t *testing.T) {
	h := newHarness(t)
	h.product("p1", "1")
	h.batch("b1", "p1", "100", 0)
	h.batch("b2", "p1", "100", 1)

	_, err := h.engine.Allocate(context.Background(), request("pay-1", "user-1", "150"), fractional)
	require.NoError(t, err)
	h.requireConserved(t, "p1")

	res, err := h.engine.Reverse(context.Background(), "pay-1", "chargeback")
	require.NoError(t, err)
	assert.Len(t, res.Reversed, 2)
	assert.Len(t, res.Compensations, 2)
	assertMoney(t, "150", res.Restored)

	assertMoney(t, "100", h.remaining(t, "b1"))
	assertMoney(t, "100", h.remaining(t, "b2"))
	h.requireConserved(t, "p1")

	rows := h.store.Allocations("pay-1")
	require.Len(t, rows, 4)
	for _, original := range rows[:2] {
		assert.True(t, original.IsReversed)
		assert.Equal(t, "chargeback", original.ReversalReason)
		assert.True(t, original.ValueAllocated.IsPositive(), "original values are never edited")
	}
	for i, comp := range rows[2:] {
		assert.Equal(t, domain.SourceReversal, comp.Source)
		assert.Equal(t, rows[i].ID, comp.ReversesRef)
		assert.True(t, comp.ValueAllocated.Equal(rows[i].ValueAllocated.Neg()))
		assert.True(t, comp.Units.Equal(rows[i].Units.Neg()))
	}

	_, err = h.engine.Reverse(context.Background(), "pay-1", "again")
	assert.ErrorIs(t, err, domain.ErrNothingToRevert)
}

func TestReverse_ViolationRollsBack(t *testing.T) {
	h := newHarness(t)
	h.product("p1", "1")
	h.batch("b1", "p1", "100", 0)

	_, err := h.engine.Allocate(context.Background(), request("pay-1", "user-1", "40"), fractional)
	require.NoError(t, err)

	// Out-of-band write pushes remaining past the amount a reversal may restore.
	b, _ := h.store.Batch("b1")
	b.Remaining = domain.MustMoney("90")
	h.store.PutBatch(b)

	_, err = h.engine.Reverse(context.Background(), "pay-1", "refund")
	assert.ErrorIs(t, err, domain.ErrConservation)
	assertMoney(t, "90", h.remaining(t, "b1"))
	for _, a := range h.store.Allocations("pay-1") {
		assert.False(t, a.IsReversed)
	}
}

// pausingTxm stops each transaction right after LockProductsBatches until
// release is closed.
type pausingTxm struct {
	port.TxManager
	locked  chan struct{}
	release chan struct{}
}

func (p *pausingTxm) WithinTx(ctx context.Context, fn func(ctx context.Context, tx port.Tx) error) error {
	return p.TxManager.WithinTx(ctx, func(ctx context.Context, tx port.Tx) error {
		return fn(ctx, &pausingTx{Tx: tx, p: p})
	})
}

type pausingTx struct {
	port.Tx
	p *pausingTxm
}

func (t *pausingTx) LockProductsBatches(ctx context.Context, productRefs []string) ([]domain.InventoryBatch, error) {
	batches, err := t.Tx.LockProductsBatches(ctx, productRefs)
	close(t.p.locked)
	<-t.p.release
	return batches, err
}

func TestReverse_ConcurrentAllocateKeepsLockOrder(t *testing.T) {
	h := newHarness(t)
	h.product("p1", "1")
	h.batch("b-old", "p1", "50", 0)
	h.batch("b-new", "p1", "50", 1)

	_, err := h.engine.Allocate(context.Background(), request("pay-1", "user-1", "50"), fractional)
	require.NoError(t, err)
	_, err = h.engine.Allocate(context.Background(), request("pay-2", "user-1", "30"), fractional)
	require.NoError(t, err)
	assertMoney(t, "0", h.remaining(t, "b-old"))
	assertMoney(t, "20", h.remaining(t, "b-new"))

	txm := &pausingTxm{TxManager: h.store, locked: make(chan struct{}), release: make(chan struct{})}
	reverser := NewAllocationEngine(txm, h.guard, h.ledger)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	reverseErr := make(chan error, 1)
	go func() {
		_, err := reverser.Reverse(ctx, "pay-2", "chargeback")
		reverseErr <- err
	}()
	<-txm.locked

	// pay-2 drew only from b-new, yet the reversal already holds b-old, so
	// the allocation queues behind it instead of taking b-old first.
	allocErr := make(chan error, 1)
	go func() {
		_, err := h.engine.Allocate(ctx, request("pay-3", "user-2", "10"), fractional)
		allocErr <- err
	}()
	time.Sleep(50 * time.Millisecond)
	close(txm.release)

	require.NoError(t, <-reverseErr)
	require.NoError(t, <-allocErr)
	assertMoney(t, "0", h.remaining(t, "b-old"))
	assertMoney(t, "40", h.remaining(t, "b-new"))
	h.requireConserved(t, "p1")
}

func TestReverse_MixedWithAllocationsNeverDeadlocks(t *testing.T) {
	h := newHarness(t)
	h.product("p1", "1")
	h.product("p2", "1")
	for i := 0; i < 6; i++ {
		product := "p1"
		if i%2 == 1 {
			product = "p2"
		}
		h.batch(fmt.Sprintf("b%d", i), product, "40", i)
	}

	const seeded = 10
	for i := 0; i < seeded; i++ {
		_, err := h.engine.Allocate(context.Background(), request(fmt.Sprintf("seed-%d", i), "user-1", "15"), fractional)
		require.NoError(t, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	errs := make(chan error, 2*seeded)
	for i := 0; i < seeded; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			_, err := h.engine.Reverse(ctx, fmt.Sprintf("seed-%d", i), "chargeback")
			errs <- err
		}(i)
		go func(i int) {
			defer wg.Done()
			_, err := h.engine.Allocate(ctx, request(fmt.Sprintf("pay-%d", i), "user-2", "12"), fractional)
			if errors.Is(err, domain.ErrInsufficientInventory) {
				err = nil
			}
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
	h.requireConserved(t, "p1")
	h.requireConserved(t, "p2")
}
