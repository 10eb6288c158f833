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

// Entry describes the ledger row a wallet mutation records.
type Entry struct {
	Type        domain.TransactionType
	Description string
	Reference   domain.Reference
}

// Ledger mutates wallets. Every mutation runs as lock wallet -> read ->
// validate -> mutate -> append ledger row, inside one transaction, so
// concurrent mutations of one wallet are serialised by the row lock.
type Ledger struct {
	txm     port.TxManager
	reader  port.LedgerReader
	logger  zerolog.Logger
	metrics *metrics.Recorder
}

type LedgerOption func(*Ledger)

func WithLedgerLogger(logger zerolog.Logger) LedgerOption {
	return func(l *Ledger) {
		l.logger = logger.With().Str("component", "ledger").Logger()
	}
}

func WithLedgerMetrics(m *metrics.Recorder) LedgerOption {
	return func(l *Ledger) {
		l.metrics = m
	}
}

func NewLedger(txm port.TxManager, reader port.LedgerReader, opts ...LedgerOption) *Ledger {
	l := &Ledger{
		txm:    txm,
		reader: reader,
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Ledger) Deposit(ctx context.Context, walletRef string, amount decimal.Decimal, e Entry) (*domain.LedgerTransaction, error) {
	if err := validateAmount(amount); err != nil {
		return nil, err
	}

	var out *domain.LedgerTransaction
	err := l.txm.WithinTx(ctx, func(ctx context.Context, tx port.Tx) error {
		w, err := tx.LockWallet(ctx, walletRef)
		if err != nil {
			return err
		}
		out, err = l.credit(ctx, tx, w, amount, e)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("deposit to %s: %w", walletRef, err)
	}
	return out, nil
}

// DepositToUserTx credits the user's wallet inside an existing transaction.
// Callers holding batch locks must call it after acquiring them.
func (l *Ledger) DepositToUserTx(ctx context.Context, tx port.WalletTx, userRef string, amount decimal.Decimal, e Entry) (*domain.LedgerTransaction, error) {
	if err := validateAmount(amount); err != nil {
		return nil, err
	}
	w, err := tx.LockWalletByUser(ctx, userRef)
	if err != nil {
		return nil, err
	}
	return l.credit(ctx, tx, w, amount, e)
}

// Withdraw debits the wallet. With lockBalance the funds move from balance
// to lockedBalance and the row is recorded as pending; UnlockFunds moves
// them back.
func (l *Ledger) Withdraw(ctx context.Context, walletRef string, amount decimal.Decimal, e Entry, lockBalance bool) (*domain.LedgerTransaction, error) {
	if err := validateAmount(amount); err != nil {
		return nil, err
	}

	var out *domain.LedgerTransaction
	err := l.txm.WithinTx(ctx, func(ctx context.Context, tx port.Tx) error {
		w, err := tx.LockWallet(ctx, walletRef)
		if err != nil {
			return err
		}
		if w.Balance.LessThan(amount) {
			return domain.InsufficientBalanceError{Actual: w.Balance, Requested: amount}
		}

		status := domain.TxCompleted
		if lockBalance {
			status = domain.TxPending
			w.LockedBalance = w.LockedBalance.Add(amount)
		}
		out, err = l.apply(ctx, tx, w, amount.Neg(), status, e)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("withdraw from %s: %w", walletRef, err)
	}
	return out, nil
}

func (l *Ledger) UnlockFunds(ctx context.Context, walletRef string, amount decimal.Decimal, e Entry) (*domain.LedgerTransaction, error) {
	if err := validateAmount(amount); err != nil {
		return nil, err
	}

	var out *domain.LedgerTransaction
	err := l.txm.WithinTx(ctx, func(ctx context.Context, tx port.Tx) error {
		w, err := tx.LockWallet(ctx, walletRef)
		if err != nil {
			return err
		}
		if w.LockedBalance.LessThan(amount) {
			return domain.InsufficientBalanceError{Actual: w.LockedBalance, Requested: amount}
		}
		w.LockedBalance = w.LockedBalance.Sub(amount)
		out, err = l.apply(ctx, tx, w, amount, domain.TxCompleted, e)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("unlock funds on %s: %w", walletRef, err)
	}
	return out, nil
}

func (l *Ledger) Balance(ctx context.Context, walletRef string) (*domain.Wallet, error) {
	return l.reader.GetWallet(ctx, walletRef)
}

// VerifyHistory checks that the wallet's ledger rows chain exactly from zero
// to the current balance.
func (l *Ledger) VerifyHistory(ctx context.Context, walletRef string) error {
	w, err := l.reader.GetWallet(ctx, walletRef)
	if err != nil {
		return err
	}
	rows, err := l.reader.ListLedgerTransactions(ctx, walletRef)
	if err != nil {
		return err
	}

	running := decimal.Zero
	for i, row := range rows {
		if !row.Balanced() {
			return fmt.Errorf("ledger row %s: before %s + amount %s != after %s",
				row.ID, row.BalanceBefore, row.Amount, row.BalanceAfter)
		}
		if !row.BalanceBefore.Equal(running) {
			return fmt.Errorf("ledger row %d (%s) starts at %s, expected %s", i, row.ID, row.BalanceBefore, running)
		}
		running = row.BalanceAfter
	}
	if !running.Equal(w.Balance) {
		return fmt.Errorf("wallet %s balance %s differs from ledger sum %s", walletRef, w.Balance, running)
	}
	return nil
}

func (l *Ledger) credit(ctx context.Context, tx port.WalletTx, w *domain.Wallet, amount decimal.Decimal, e Entry) (*domain.LedgerTransaction, error) {
	return l.apply(ctx, tx, w, amount, domain.TxCompleted, e)
}

// apply moves w.Balance by signed amount and appends the matching row. The
// wallet must already be locked by tx.
func (l *Ledger) apply(ctx context.Context, tx port.WalletTx, w *domain.Wallet, amount decimal.Decimal, status domain.TransactionStatus, e Entry) (*domain.LedgerTransaction, error) {
	before := w.Balance
	after := before.Add(amount)
	if after.IsNegative() {
		return nil, domain.InsufficientBalanceError{Actual: before, Requested: amount.Neg()}
	}

	now := time.Now().UTC()
	w.Balance = after
	w.UpdatedAt = now
	if err := tx.UpdateWalletBalances(ctx, w); err != nil {
		return nil, fmt.Errorf("update wallet: %w", err)
	}

	row := &domain.LedgerTransaction{
		ID:            domain.NewID(domain.PrefixLedgerTx),
		WalletRef:     w.ID,
		Type:          e.Type,
		Status:        status,
		Amount:        amount,
		BalanceBefore: before,
		BalanceAfter:  after,
		Description:   e.Description,
		Reference:     e.Reference,
		CreatedAt:     now,
	}
	if err := tx.InsertLedgerTransaction(ctx, row); err != nil {
		return nil, fmt.Errorf("append ledger row: %w", err)
	}

	l.metrics.LedgerTransaction(string(e.Type), string(status))
	l.logger.Debug().
		Str("wallet_id", w.ID).
		Str("type", string(e.Type)).
		Str("amount", amount.StringFixed(domain.MoneyScale)).
		Str("balance_after", after.StringFixed(domain.MoneyScale)).
		Str("reference", e.Reference.String()).
		Msg("ledger row appended")

	return row, nil
}

func validateAmount(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return domain.ValidationError{Field: "amount", Message: "must be greater than zero"}
	}
	if !amount.Equal(domain.Money(amount)) {
		return domain.ValidationError{Field: "amount", Message: fmt.Sprintf("must have at most %d fractional digits", domain.MoneyScale)}
	}
	return nil
}
