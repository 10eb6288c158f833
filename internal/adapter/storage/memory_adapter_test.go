package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rl1809/share-ledger/internal/core/domain"
	"github.com/rl1809/share-ledger/internal/port"
)

func seedMemory() *MemoryStore {
	s := NewMemoryStore()
	s.PutProduct(domain.Product{ID: "p1", FaceValuePerUnit: domain.MustMoney("1"), IsActive: true})
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"b2", "b1"} {
		v := domain.MustMoney("100")
		s.PutBatch(domain.InventoryBatch{ID: id, ProductRef: "p1", TotalReceived: v, Remaining: v, PurchaseDate: base.AddDate(0, 0, 1-i), IsActive: true})
	}
	return s
}

func TestMemory_LockAllocatableBatchesIsFIFO(t *testing.T) {
	s := seedMemory()
	err := s.WithinTx(context.Background(), func(ctx context.Context, tx port.Tx) error {
		slots, err := tx.LockAllocatableBatches(ctx)
		require.NoError(t, err)
		require.Len(t, slots, 2)
		assert.Equal(t, "b1", slots[0].Batch.ID)
		assert.Equal(t, "b2", slots[1].Batch.ID)
		return nil
	})
	require.NoError(t, err)
}

func TestMemory_LockProductsBatchesInterleavesProductsFIFO(t *testing.T) {
	s := seedMemory()
	s.PutProduct(domain.Product{ID: "p2", FaceValuePerUnit: domain.MustMoney("1"), IsActive: true})
	s.PutProduct(domain.Product{ID: "p3", FaceValuePerUnit: domain.MustMoney("1"), IsActive: true})
	v := domain.MustMoney("10")
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s.PutBatch(domain.InventoryBatch{ID: "c1", ProductRef: "p2", TotalReceived: v, Remaining: v, PurchaseDate: base.AddDate(0, 0, -1), IsActive: true})
	s.PutBatch(domain.InventoryBatch{ID: "d1", ProductRef: "p3", TotalReceived: v, Remaining: v, PurchaseDate: base, IsActive: true})

	err := s.WithinTx(context.Background(), func(ctx context.Context, tx port.Tx) error {
		batches, err := tx.LockProductsBatches(ctx, []string{"p1", "p2"})
		require.NoError(t, err)
		ids := make([]string, 0, len(batches))
		for _, b := range batches {
			ids = append(ids, b.ID)
		}
		assert.Equal(t, []string{"c1", "b1", "b2"}, ids)

		none, err := tx.LockProductsBatches(ctx, nil)
		require.NoError(t, err)
		assert.Empty(t, none)
		return nil
	})
	require.NoError(t, err)
}

func TestMemory_RollbackRestoresRows(t *testing.T) {
	s := seedMemory()
	boom := errors.New("boom")

	err := s.WithinTx(context.Background(), func(ctx context.Context, tx port.Tx) error {
		if _, err := tx.LockProductsBatches(ctx, []string{"p1"}); err != nil {
			return err
		}
		require.NoError(t, tx.UpdateBatchRemaining(ctx, "b1", domain.MustMoney("1")))
		require.NoError(t, tx.InsertAllocation(ctx, &domain.Allocation{ID: "a1", PaymentRef: "pay", ProductRef: "p1", BatchRef: "b1", ValueAllocated: domain.MustMoney("99")}))
		_, err := tx.LockWalletByUser(ctx, "u1")
		require.NoError(t, err)
		return boom
	})
	assert.ErrorIs(t, err, boom)

	b, _ := s.Batch("b1")
	assert.True(t, b.Remaining.Equal(domain.MustMoney("100")))
	assert.Equal(t, 0, s.AllocationCount())
	_, ok := s.WalletByUser("u1")
	assert.False(t, ok)
}

func TestMemory_RowLockBlocksSecondTransaction(t *testing.T) {
	s := seedMemory()
	locked := make(chan struct{})
	release := make(chan struct{})
	done := make(chan struct{})

	go func() {
		defer close(done)
		_ = s.WithinTx(context.Background(), func(ctx context.Context, tx port.Tx) error {
			if _, err := tx.LockProductsBatches(ctx, []string{"p1"}); err != nil {
				return err
			}
			close(locked)
			<-release
			return tx.UpdateBatchRemaining(ctx, "b1", domain.MustMoney("40"))
		})
	}()
	<-locked

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := s.WithinTx(ctx, func(ctx context.Context, tx port.Tx) error {
		_, err := tx.LockProductsBatches(ctx, []string{"p1"})
		return err
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	<-done

	err = s.WithinTx(context.Background(), func(ctx context.Context, tx port.Tx) error {
		batches, err := tx.LockProductsBatches(ctx, []string{"p1"})
		require.NoError(t, err)
		assert.True(t, batches[0].Remaining.Equal(domain.MustMoney("40")))
		return nil
	})
	require.NoError(t, err)
}

func TestMemory_WritesRequireLock(t *testing.T) {
	s := seedMemory()
	err := s.WithinTx(context.Background(), func(ctx context.Context, tx port.Tx) error {
		return tx.UpdateBatchRemaining(ctx, "b1", domain.MustMoney("1"))
	})
	assert.Error(t, err)
}

func TestMemory_Settings(t *testing.T) {
	s := NewMemoryStore()
	v, err := s.Bool(context.Background(), "flag", true)
	require.NoError(t, err)
	assert.True(t, v)

	s.SetSetting("flag", "false")
	v, err = s.Bool(context.Background(), "flag", true)
	require.NoError(t, err)
	assert.False(t, v)
}
