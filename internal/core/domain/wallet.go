package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type Wallet struct {
	ID            string          `db:"id"`
	UserRef       string          `db:"user_id"`
	Balance       decimal.Decimal `db:"balance"`
	LockedBalance decimal.Decimal `db:"locked_balance"`
	CreatedAt     time.Time       `db:"created_at"`
	UpdatedAt     time.Time       `db:"updated_at"`
}

func NewWallet(userRef string) *Wallet {
	now := time.Now().UTC()
	return &Wallet{
		ID:            NewID(PrefixWallet),
		UserRef:       userRef,
		Balance:       decimal.Zero,
		LockedBalance: decimal.Zero,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

type TransactionType string

const (
	TxDeposit    TransactionType = "deposit"
	TxWithdrawal TransactionType = "withdrawal"
	TxPurchase   TransactionType = "purchase"
	TxRefund     TransactionType = "refund"
	TxUnlock     TransactionType = "unlock"
)

type TransactionStatus string

const (
	TxPending   TransactionStatus = "pending"
	TxCompleted TransactionStatus = "completed"
)

// LedgerTransaction is an immutable row recorded for every wallet
// mutation. Amount is signed relative to Wallet.Balance.
type LedgerTransaction struct {
	ID            string            `db:"id"`
	WalletRef     string            `db:"wallet_id"`
	Type          TransactionType   `db:"type"`
	Status        TransactionStatus `db:"status"`
	Amount        decimal.Decimal   `db:"amount"`
	BalanceBefore decimal.Decimal   `db:"balance_before"`
	BalanceAfter  decimal.Decimal   `db:"balance_after"`
	Description   string            `db:"description"`
	Reference     Reference         `db:"-"`
	CreatedAt     time.Time         `db:"created_at"`
}

// Balanced reports whether BalanceAfter = BalanceBefore + Amount exactly.
func (t LedgerTransaction) Balanced() bool {
	return t.BalanceBefore.Add(t.Amount).Equal(t.BalanceAfter)
}
