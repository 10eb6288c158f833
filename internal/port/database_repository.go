package port

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rl1809/share-ledger/internal/core/domain"
)

// TxManager runs fn inside one database transaction. The transaction is
// committed when fn returns nil and rolled back otherwise; every row lock
// taken through Tx is held until then.
type TxManager interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// Tx exposes the row-level operations available inside a transaction.
// Lock* methods take exclusive row locks (SELECT ... FOR UPDATE) and must be
// the first access to a row the transaction will mutate.
type Tx interface {
	InventoryTx
	AllocationTx
	WalletTx
	JobTx
}

type InventoryTx interface {
	// LockAllocatableBatches locks every batch of every active product,
	// ordered by purchase date then id, and returns the ones with
	// remaining > 0. Locking the full set keeps one global lock order.
	LockAllocatableBatches(ctx context.Context) ([]domain.BatchSlot, error)

	// LockProductBatches locks all batches of a product in purchase order.
	LockProductBatches(ctx context.Context, productRef string) ([]domain.InventoryBatch, error)

	// LockProductsBatches locks every batch of the given products in one
	// pass, in the same purchase date then id order as
	// LockAllocatableBatches.
	LockProductsBatches(ctx context.Context, productRefs []string) ([]domain.InventoryBatch, error)

	UpdateBatchRemaining(ctx context.Context, batchRef string, remaining decimal.Decimal) error
}

type AllocationTx interface {
	InsertAllocation(ctx context.Context, a *domain.Allocation) error

	// SumActiveAllocated returns the sum of value_allocated over the
	// product's allocations with is_reversed = false.
	SumActiveAllocated(ctx context.Context, productRef string) (decimal.Decimal, error)

	// LockActiveAllocations locks the payment's allocations that are not
	// yet reversed.
	LockActiveAllocations(ctx context.Context, paymentRef string) ([]domain.Allocation, error)

	MarkAllocationReversed(ctx context.Context, allocationRef, reason string, at time.Time) error
}

type WalletTx interface {
	// LockWalletByUser locks the user's wallet, creating an empty one first
	// if none exists.
	LockWalletByUser(ctx context.Context, userRef string) (*domain.Wallet, error)

	LockWallet(ctx context.Context, walletRef string) (*domain.Wallet, error)
	UpdateWalletBalances(ctx context.Context, w *domain.Wallet) error
	InsertLedgerTransaction(ctx context.Context, t *domain.LedgerTransaction) error
}

type JobTx interface {
	// LockJob locks the execution record for (key, jobClass), creating it in
	// pending state first if none exists.
	LockJob(ctx context.Context, key, jobClass string) (*domain.JobExecution, error)

	SaveJob(ctx context.Context, j *domain.JobExecution) error
}

// InventoryReader serves lock-free reads used by sweeps and reports.
type InventoryReader interface {
	ListProductRefs(ctx context.Context) ([]string, error)
}

// LedgerReader serves lock-free reads of wallet history.
type LedgerReader interface {
	GetWallet(ctx context.Context, walletRef string) (*domain.Wallet, error)
	ListLedgerTransactions(ctx context.Context, walletRef string) ([]domain.LedgerTransaction, error)
}
