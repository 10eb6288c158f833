package service

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rl1809/share-ledger/internal/core/domain"
)

func deposit(desc string) Entry {
	return Entry{Type: domain.TxDeposit, Description: desc, Reference: domain.Reference{Kind: domain.RefManual, ID: desc}}
}

func TestLedger_DepositAndWithdraw(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	wallet := h.wallet(t, "user-1")

	row, err := h.ledger.Deposit(ctx, wallet, domain.MustMoney("100.50"), deposit("top-up"))
	require.NoError(t, err)
	assertMoney(t, "0", row.BalanceBefore)
	assertMoney(t, "100.50", row.BalanceAfter)
	assert.Equal(t, domain.TxCompleted, row.Status)

	row, err = h.ledger.Withdraw(ctx, wallet, domain.MustMoney("0.50"), Entry{Type: domain.TxWithdrawal}, false)
	require.NoError(t, err)
	assertMoney(t, "-0.50", row.Amount)
	assertMoney(t, "100", row.BalanceAfter)

	w, err := h.ledger.Balance(ctx, wallet)
	require.NoError(t, err)
	assertMoney(t, "100", w.Balance)
	require.NoError(t, h.ledger.VerifyHistory(ctx, wallet))
}

func TestLedger_InsufficientBalance(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	wallet := h.wallet(t, "user-1")
	_, err := h.ledger.Deposit(ctx, wallet, domain.MustMoney("10"), deposit("seed"))
	require.NoError(t, err)

	_, err = h.ledger.Withdraw(ctx, wallet, domain.MustMoney("10.01"), Entry{Type: domain.TxPurchase}, false)
	require.Error(t, err)

	var ib domain.InsufficientBalanceError
	require.True(t, errors.As(err, &ib))
	assertMoney(t, "10", ib.Actual)
	assertMoney(t, "10.01", ib.Requested)

	w, err := h.ledger.Balance(ctx, wallet)
	require.NoError(t, err)
	assertMoney(t, "10", w.Balance)
}

func TestLedger_RejectsInvalidAmounts(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	wallet := h.wallet(t, "user-1")

	for _, amount := range []decimal.Decimal{decimal.Zero, domain.MustMoney("-1"), decimal.RequireFromString("1.005")} {
		_, err := h.ledger.Deposit(ctx, wallet, amount, deposit("bad"))
		assert.ErrorIs(t, err, domain.ErrValidation, "amount %s", amount)
	}
}

func TestLedger_LockAndUnlockFunds(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	wallet := h.wallet(t, "user-1")
	_, err := h.ledger.Deposit(ctx, wallet, domain.MustMoney("50"), deposit("seed"))
	require.NoError(t, err)

	row, err := h.ledger.Withdraw(ctx, wallet, domain.MustMoney("20"), Entry{Type: domain.TxPurchase}, true)
	require.NoError(t, err)
	assert.Equal(t, domain.TxPending, row.Status)

	w, _ := h.ledger.Balance(ctx, wallet)
	assertMoney(t, "30", w.Balance)
	assertMoney(t, "20", w.LockedBalance)

	_, err = h.ledger.UnlockFunds(ctx, wallet, domain.MustMoney("25"), Entry{Type: domain.TxUnlock})
	assert.ErrorIs(t, err, domain.ErrInsufficientBalance)

	row, err = h.ledger.UnlockFunds(ctx, wallet, domain.MustMoney("20"), Entry{Type: domain.TxUnlock})
	require.NoError(t, err)
	assertMoney(t, "20", row.Amount)

	w, _ = h.ledger.Balance(ctx, wallet)
	assertMoney(t, "50", w.Balance)
	assertMoney(t, "0", w.LockedBalance)
	require.NoError(t, h.ledger.VerifyHistory(ctx, wallet))
}

func TestLedger_UnknownWallet(t *testing.T) {
	h := newHarness(t)
	_, err := h.ledger.Deposit(context.Background(), "wlt_missing", domain.MustMoney("1"), deposit("x"))
	assert.ErrorIs(t, err, domain.ErrWalletNotFound)
}

func TestLedger_ConcurrentMutationsStayExact(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	wallet := h.wallet(t, "user-1")
	_, err := h.ledger.Deposit(ctx, wallet, domain.MustMoney("100"), deposit("seed"))
	require.NoError(t, err)

	const workers = 40
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				_, _ = h.ledger.Deposit(ctx, wallet, domain.MustMoney("0.10"), deposit("tick"))
				return
			}
			_, _ = h.ledger.Withdraw(ctx, wallet, domain.MustMoney("7.30"), Entry{Type: domain.TxWithdrawal}, false)
		}(i)
	}
	wg.Wait()

	w, err := h.ledger.Balance(ctx, wallet)
	require.NoError(t, err)
	assert.False(t, w.Balance.IsNegative())
	require.NoError(t, h.ledger.VerifyHistory(ctx, wallet))

	rows, err := h.store.ListLedgerTransactions(ctx, wallet)
	require.NoError(t, err)
	sum := decimal.Zero
	for _, r := range rows {
		sum = sum.Add(r.Amount)
	}
	assert.True(t, sum.Equal(w.Balance), "sum %s balance %s", sum, w.Balance)
}
