package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"github.com/rl1809/share-ledger/internal/core/domain"
	"github.com/rl1809/share-ledger/internal/port"
)

type MySQLAdapter struct {
	db *sqlx.DB
}

func NewMySQLAdapter(db *sqlx.DB) *MySQLAdapter {
	return &MySQLAdapter{db: db}
}

// WithinTx runs fn in a READ COMMITTED transaction so reads taken after a
// row lock see every commit that preceded the lock.
func (m *MySQLAdapter) WithinTx(ctx context.Context, fn func(ctx context.Context, tx port.Tx) error) error {
	tx, err := m.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := fn(ctx, &mysqlTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

type batchRow struct {
	ID            string          `db:"id"`
	ProductID     string          `db:"product_id"`
	TotalReceived decimal.Decimal `db:"total_received"`
	Remaining     decimal.Decimal `db:"remaining"`
	PurchaseDate  time.Time       `db:"purchase_date"`
	IsActive      bool            `db:"is_active"`
	CreatedAt     time.Time       `db:"created_at"`
	UpdatedAt     time.Time       `db:"updated_at"`
}

func (r batchRow) toDomain() domain.InventoryBatch {
	return domain.InventoryBatch{
		ID:            r.ID,
		ProductRef:    r.ProductID,
		TotalReceived: r.TotalReceived,
		Remaining:     r.Remaining,
		PurchaseDate:  r.PurchaseDate,
		IsActive:      r.IsActive,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}
}

type slotRow struct {
	batchRow
	FaceValuePerUnit decimal.Decimal `db:"face_value_per_unit"`
	ProductActive    bool            `db:"product_active"`
}

type allocationRow struct {
	ID             string          `db:"id"`
	UserID         string          `db:"user_id"`
	ProductID      string          `db:"product_id"`
	PaymentID      string          `db:"payment_id"`
	BatchID        string          `db:"batch_id"`
	Units          decimal.Decimal `db:"units"`
	ValueAllocated decimal.Decimal `db:"value_allocated"`
	Source         string          `db:"source"`
	IsReversed     bool            `db:"is_reversed"`
	ReversalReason string          `db:"reversal_reason"`
	ReversedAt     sql.NullTime    `db:"reversed_at"`
	ReversesID     sql.NullString  `db:"reverses_id"`
	CreatedAt      time.Time       `db:"created_at"`
}

func (r allocationRow) toDomain() domain.Allocation {
	a := domain.Allocation{
		ID:             r.ID,
		UserRef:        r.UserID,
		ProductRef:     r.ProductID,
		PaymentRef:     r.PaymentID,
		BatchRef:       r.BatchID,
		Units:          r.Units,
		ValueAllocated: r.ValueAllocated,
		Source:         domain.AllocationSource(r.Source),
		IsReversed:     r.IsReversed,
		ReversalReason: r.ReversalReason,
		ReversesRef:    r.ReversesID.String,
		CreatedAt:      r.CreatedAt,
	}
	if r.ReversedAt.Valid {
		t := r.ReversedAt.Time
		a.ReversedAt = &t
	}
	return a
}

type walletRow struct {
	ID            string          `db:"id"`
	UserID        string          `db:"user_id"`
	Balance       decimal.Decimal `db:"balance"`
	LockedBalance decimal.Decimal `db:"locked_balance"`
	CreatedAt     time.Time       `db:"created_at"`
	UpdatedAt     time.Time       `db:"updated_at"`
}

func (r walletRow) toDomain() *domain.Wallet {
	return &domain.Wallet{
		ID:            r.ID,
		UserRef:       r.UserID,
		Balance:       r.Balance,
		LockedBalance: r.LockedBalance,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}
}

type ledgerRow struct {
	ID            string          `db:"id"`
	WalletID      string          `db:"wallet_id"`
	Type          string          `db:"type"`
	Status        string          `db:"status"`
	Amount        decimal.Decimal `db:"amount"`
	BalanceBefore decimal.Decimal `db:"balance_before"`
	BalanceAfter  decimal.Decimal `db:"balance_after"`
	Description   string          `db:"description"`
	ReferenceKind string          `db:"reference_kind"`
	ReferenceID   string          `db:"reference_id"`
	CreatedAt     time.Time       `db:"created_at"`
}

func (r ledgerRow) toDomain() domain.LedgerTransaction {
	return domain.LedgerTransaction{
		ID:            r.ID,
		WalletRef:     r.WalletID,
		Type:          domain.TransactionType(r.Type),
		Status:        domain.TransactionStatus(r.Status),
		Amount:        r.Amount,
		BalanceBefore: r.BalanceBefore,
		BalanceAfter:  r.BalanceAfter,
		Description:   r.Description,
		Reference:     domain.Reference{Kind: domain.ReferenceKind(r.ReferenceKind), ID: r.ReferenceID},
		CreatedAt:     r.CreatedAt,
	}
}

type jobRow struct {
	ID             string         `db:"id"`
	IdempotencyKey string         `db:"idempotency_key"`
	JobClass       string         `db:"job_class"`
	Status         string         `db:"status"`
	AttemptNumber  int            `db:"attempt_number"`
	Result         []byte         `db:"result"`
	ErrorMessage   sql.NullString `db:"error_message"`
	StartedAt      sql.NullTime   `db:"started_at"`
	CompletedAt    sql.NullTime   `db:"completed_at"`
	FailedAt       sql.NullTime   `db:"failed_at"`
	CreatedAt      time.Time      `db:"created_at"`
	UpdatedAt      time.Time      `db:"updated_at"`
}

func (r jobRow) toDomain() *domain.JobExecution {
	return &domain.JobExecution{
		ID:             r.ID,
		IdempotencyKey: r.IdempotencyKey,
		JobClass:       r.JobClass,
		Status:         domain.JobStatus(r.Status),
		AttemptNumber:  r.AttemptNumber,
		Result:         r.Result,
		ErrorMessage:   r.ErrorMessage.String,
		StartedAt:      timePtr(r.StartedAt),
		CompletedAt:    timePtr(r.CompletedAt),
		FailedAt:       timePtr(r.FailedAt),
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

const batchColumns = `b.id, b.product_id, b.total_received, b.remaining, b.purchase_date, b.is_active, b.created_at, b.updated_at`

type mysqlTx struct {
	tx *sqlx.Tx
}

func (t *mysqlTx) LockAllocatableBatches(ctx context.Context) ([]domain.BatchSlot, error) {
	var rows []slotRow
	// InnoDB locks rows in scan order, so the scan is pinned to the FIFO
	// index. LockProductsBatches uses the same index.
	err := t.tx.SelectContext(ctx, &rows, `
		SELECT STRAIGHT_JOIN `+batchColumns+`, p.face_value_per_unit, p.is_active AS product_active
		FROM inventory_batches b FORCE INDEX (idx_batches_fifo)
		JOIN products p ON p.id = b.product_id
		WHERE p.is_active = TRUE
		ORDER BY b.purchase_date, b.id
		FOR UPDATE OF b`)
	if err != nil {
		return nil, fmt.Errorf("lock allocatable batches: %w", err)
	}

	slots := make([]domain.BatchSlot, 0, len(rows))
	for _, r := range rows {
		if !r.Remaining.IsPositive() {
			continue
		}
		slots = append(slots, domain.BatchSlot{
			Batch:            r.batchRow.toDomain(),
			FaceValuePerUnit: r.FaceValuePerUnit,
			ProductActive:    r.ProductActive,
		})
	}
	return slots, nil
}

func (t *mysqlTx) LockProductBatches(ctx context.Context, productRef string) ([]domain.InventoryBatch, error) {
	var rows []batchRow
	err := t.tx.SelectContext(ctx, &rows, `
		SELECT `+batchColumns+`
		FROM inventory_batches b
		WHERE b.product_id = ?
		ORDER BY b.purchase_date, b.id
		FOR UPDATE`, productRef)
	if err != nil {
		return nil, fmt.Errorf("lock product batches: %w", err)
	}
	return batchesToDomain(rows), nil
}

func (t *mysqlTx) LockProductsBatches(ctx context.Context, productRefs []string) ([]domain.InventoryBatch, error) {
	if len(productRefs) == 0 {
		return nil, nil
	}
	query, args, err := sqlx.In(`
		SELECT `+batchColumns+`
		FROM inventory_batches b FORCE INDEX (idx_batches_fifo)
		WHERE b.product_id IN (?)
		ORDER BY b.purchase_date, b.id
		FOR UPDATE`, productRefs)
	if err != nil {
		return nil, err
	}

	var rows []batchRow
	if err := t.tx.SelectContext(ctx, &rows, t.tx.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("lock batches of products: %w", err)
	}
	return batchesToDomain(rows), nil
}

func (t *mysqlTx) UpdateBatchRemaining(ctx context.Context, batchRef string, remaining decimal.Decimal) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE inventory_batches SET remaining = ?, updated_at = ? WHERE id = ?`,
		remaining, time.Now().UTC(), batchRef)
	if err != nil {
		return fmt.Errorf("update batch remaining: %w", err)
	}
	return requireRow(res, fmt.Errorf("batch %s: %w", batchRef, domain.ErrNotFound))
}

func (t *mysqlTx) InsertAllocation(ctx context.Context, a *domain.Allocation) error {
	reverses := sql.NullString{String: a.ReversesRef, Valid: a.ReversesRef != ""}
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO allocations (id, user_id, product_id, payment_id, batch_id, units, value_allocated,
			source, is_reversed, reversal_reason, reversed_at, reverses_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.UserRef, a.ProductRef, a.PaymentRef, a.BatchRef, a.Units, a.ValueAllocated,
		string(a.Source), a.IsReversed, a.ReversalReason, nullTime(a.ReversedAt), reverses, a.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert allocation: %w", err)
	}
	return nil
}

func (t *mysqlTx) SumActiveAllocated(ctx context.Context, productRef string) (decimal.Decimal, error) {
	var sum decimal.NullDecimal
	err := t.tx.GetContext(ctx, &sum, `
		SELECT SUM(value_allocated) FROM allocations WHERE product_id = ? AND is_reversed = FALSE`, productRef)
	if err != nil {
		return decimal.Zero, fmt.Errorf("sum allocations: %w", err)
	}
	if !sum.Valid {
		return decimal.Zero, nil
	}
	return sum.Decimal, nil
}

func (t *mysqlTx) LockActiveAllocations(ctx context.Context, paymentRef string) ([]domain.Allocation, error) {
	var rows []allocationRow
	err := t.tx.SelectContext(ctx, &rows, `
		SELECT id, user_id, product_id, payment_id, batch_id, units, value_allocated, source,
			is_reversed, reversal_reason, reversed_at, reverses_id, created_at
		FROM allocations
		WHERE payment_id = ? AND is_reversed = FALSE
		ORDER BY seq
		FOR UPDATE`, paymentRef)
	if err != nil {
		return nil, fmt.Errorf("lock allocations: %w", err)
	}
	out := make([]domain.Allocation, len(rows))
	for i, r := range rows {
		out[i] = r.toDomain()
	}
	return out, nil
}

func (t *mysqlTx) MarkAllocationReversed(ctx context.Context, allocationRef, reason string, at time.Time) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE allocations SET is_reversed = TRUE, reversal_reason = ?, reversed_at = ?
		WHERE id = ? AND is_reversed = FALSE`, reason, at, allocationRef)
	if err != nil {
		return fmt.Errorf("mark allocation reversed: %w", err)
	}
	return requireRow(res, fmt.Errorf("allocation %s: %w", allocationRef, domain.ErrNotFound))
}

func (t *mysqlTx) LockWalletByUser(ctx context.Context, userRef string) (*domain.Wallet, error) {
	w := domain.NewWallet(userRef)
	_, err := t.tx.ExecContext(ctx, `
		INSERT IGNORE INTO wallets (id, user_id, balance, locked_balance, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		w.ID, w.UserRef, w.Balance, w.LockedBalance, w.CreatedAt, w.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("ensure wallet: %w", err)
	}

	var row walletRow
	err = t.tx.GetContext(ctx, &row, `
		SELECT id, user_id, balance, locked_balance, created_at, updated_at
		FROM wallets WHERE user_id = ? FOR UPDATE`, userRef)
	if err != nil {
		return nil, fmt.Errorf("lock wallet of %s: %w", userRef, err)
	}
	return row.toDomain(), nil
}

func (t *mysqlTx) LockWallet(ctx context.Context, walletRef string) (*domain.Wallet, error) {
	var row walletRow
	err := t.tx.GetContext(ctx, &row, `
		SELECT id, user_id, balance, locked_balance, created_at, updated_at
		FROM wallets WHERE id = ? FOR UPDATE`, walletRef)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrWalletNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lock wallet: %w", err)
	}
	return row.toDomain(), nil
}

func (t *mysqlTx) UpdateWalletBalances(ctx context.Context, w *domain.Wallet) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE wallets SET balance = ?, locked_balance = ?, updated_at = ? WHERE id = ?`,
		w.Balance, w.LockedBalance, w.UpdatedAt, w.ID)
	if err != nil {
		return fmt.Errorf("update wallet: %w", err)
	}
	return requireRow(res, domain.ErrWalletNotFound)
}

func (t *mysqlTx) InsertLedgerTransaction(ctx context.Context, l *domain.LedgerTransaction) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO ledger_transactions (id, wallet_id, type, status, amount, balance_before, balance_after,
			description, reference_kind, reference_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		l.ID, l.WalletRef, string(l.Type), string(l.Status), l.Amount, l.BalanceBefore, l.BalanceAfter,
		l.Description, string(l.Reference.Kind), l.Reference.ID, l.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert ledger transaction: %w", err)
	}
	return nil
}

func (t *mysqlTx) LockJob(ctx context.Context, key, jobClass string) (*domain.JobExecution, error) {
	j := domain.NewJobExecution(key, jobClass)
	_, err := t.tx.ExecContext(ctx, `
		INSERT IGNORE INTO job_executions (id, idempotency_key, job_class, status, attempt_number, created_at, updated_at)
		VALUES (?, ?, ?, ?, 0, ?, ?)`,
		j.ID, j.IdempotencyKey, j.JobClass, string(j.Status), j.CreatedAt, j.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("ensure job: %w", err)
	}

	var row jobRow
	err = t.tx.GetContext(ctx, &row, `
		SELECT id, idempotency_key, job_class, status, attempt_number, result, error_message,
			started_at, completed_at, failed_at, created_at, updated_at
		FROM job_executions
		WHERE idempotency_key = ? AND job_class = ?
		FOR UPDATE`, key, jobClass)
	if err != nil {
		return nil, fmt.Errorf("lock job: %w", err)
	}
	return row.toDomain(), nil
}

func (t *mysqlTx) SaveJob(ctx context.Context, j *domain.JobExecution) error {
	var result any
	if len(j.Result) > 0 {
		result = []byte(j.Result)
	}
	res, err := t.tx.ExecContext(ctx, `
		UPDATE job_executions
		SET status = ?, attempt_number = ?, result = ?, error_message = ?,
			started_at = ?, completed_at = ?, failed_at = ?, updated_at = ?
		WHERE id = ?`,
		string(j.Status), j.AttemptNumber, result, j.ErrorMessage,
		nullTime(j.StartedAt), nullTime(j.CompletedAt), nullTime(j.FailedAt), j.UpdatedAt, j.ID)
	if err != nil {
		return fmt.Errorf("save job: %w", err)
	}
	return requireRow(res, fmt.Errorf("job %s: %w", j.ID, domain.ErrNotFound))
}

// Lock-free reads and collaborators.

func (m *MySQLAdapter) ListProductRefs(ctx context.Context) ([]string, error) {
	var ids []string
	err := m.db.SelectContext(ctx, &ids, `
		SELECT id FROM products
		UNION
		SELECT DISTINCT product_id FROM inventory_batches
		ORDER BY 1`)
	if err != nil {
		return nil, fmt.Errorf("list products: %w", err)
	}
	return ids, nil
}

func (m *MySQLAdapter) GetWallet(ctx context.Context, walletRef string) (*domain.Wallet, error) {
	var row walletRow
	err := m.db.GetContext(ctx, &row, `
		SELECT id, user_id, balance, locked_balance, created_at, updated_at FROM wallets WHERE id = ?`, walletRef)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrWalletNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get wallet: %w", err)
	}
	return row.toDomain(), nil
}

func (m *MySQLAdapter) ListLedgerTransactions(ctx context.Context, walletRef string) ([]domain.LedgerTransaction, error) {
	if _, err := m.GetWallet(ctx, walletRef); err != nil {
		return nil, err
	}
	var rows []ledgerRow
	err := m.db.SelectContext(ctx, &rows, `
		SELECT id, wallet_id, type, status, amount, balance_before, balance_after,
			description, reference_kind, reference_id, created_at
		FROM ledger_transactions WHERE wallet_id = ? ORDER BY seq`, walletRef)
	if err != nil {
		return nil, fmt.Errorf("list ledger transactions: %w", err)
	}
	out := make([]domain.LedgerTransaction, len(rows))
	for i, r := range rows {
		out[i] = r.toDomain()
	}
	return out, nil
}

func (m *MySQLAdapter) Record(ctx context.Context, entry domain.AuditEntry) error {
	detail, err := json.Marshal(entry.Detail)
	if err != nil {
		return fmt.Errorf("encode audit detail: %w", err)
	}
	_, err = m.db.ExecContext(ctx, `
		INSERT INTO audit_log (id, action, reference_kind, reference_id, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		entry.ID, string(entry.Action), string(entry.Reference.Kind), entry.Reference.ID, detail, entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

func (m *MySQLAdapter) FlagPayment(ctx context.Context, paymentRef, reason string) error {
	res, err := m.db.ExecContext(ctx, `
		UPDATE payments SET is_flagged = TRUE, flag_reason = ? WHERE id = ?`, reason, paymentRef)
	if err != nil {
		return fmt.Errorf("flag payment: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		// Re-flagging with the same reason affects no rows.
		var exists bool
		if err := m.db.GetContext(ctx, &exists, `SELECT EXISTS(SELECT 1 FROM payments WHERE id = ?)`, paymentRef); err != nil {
			return fmt.Errorf("check payment: %w", err)
		}
		if !exists {
			return domain.ErrPaymentNotFound
		}
	}
	return nil
}

func (m *MySQLAdapter) RecordPayment(ctx context.Context, p domain.Payment) error {
	_, err := m.db.ExecContext(ctx, `
		INSERT IGNORE INTO payments (id, user_id, amount, is_flagged, flag_reason) VALUES (?, ?, ?, FALSE, '')`,
		p.ID, p.UserRef, p.Amount)
	if err != nil {
		return fmt.Errorf("record payment: %w", err)
	}
	return nil
}

func (m *MySQLAdapter) GetPayment(ctx context.Context, paymentRef string) (*domain.Payment, error) {
	var p domain.Payment
	err := m.db.GetContext(ctx, &p, `
		SELECT id, user_id, amount, is_flagged, flag_reason FROM payments WHERE id = ?`, paymentRef)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrPaymentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get payment: %w", err)
	}
	return &p, nil
}

func (m *MySQLAdapter) Bool(ctx context.Context, key string, fallback bool) (bool, error) {
	var raw string
	err := m.db.GetContext(ctx, &raw, "SELECT value FROM settings WHERE `key` = ?", key)
	if errors.Is(err, sql.ErrNoRows) {
		return fallback, nil
	}
	if err != nil {
		return fallback, fmt.Errorf("read setting %s: %w", key, err)
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback, fmt.Errorf("setting %s: %w", key, err)
	}
	return v, nil
}

func (m *MySQLAdapter) SetSetting(ctx context.Context, key, value string) error {
	_, err := m.db.ExecContext(ctx,
		"INSERT INTO settings (`key`, value) VALUES (?, ?) ON DUPLICATE KEY UPDATE value = VALUES(value)", key, value)
	return err
}

func (m *MySQLAdapter) UpsertProduct(ctx context.Context, p domain.Product) error {
	_, err := m.db.ExecContext(ctx, `
		INSERT INTO products (id, name, face_value_per_unit, is_active) VALUES (?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE name = VALUES(name), face_value_per_unit = VALUES(face_value_per_unit), is_active = VALUES(is_active)`,
		p.ID, p.Name, p.FaceValuePerUnit, p.IsActive)
	if err != nil {
		return fmt.Errorf("upsert product: %w", err)
	}
	return nil
}

// UpsertBatch seeds or replaces a batch. Operator tooling only: it bypasses
// row locks.
func (m *MySQLAdapter) UpsertBatch(ctx context.Context, b domain.InventoryBatch) error {
	now := time.Now().UTC()
	if b.CreatedAt.IsZero() {
		b.CreatedAt = now
	}
	_, err := m.db.ExecContext(ctx, `
		INSERT INTO inventory_batches (id, product_id, total_received, remaining, purchase_date, is_active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE product_id = VALUES(product_id), total_received = VALUES(total_received),
			remaining = VALUES(remaining), purchase_date = VALUES(purchase_date), is_active = VALUES(is_active),
			updated_at = VALUES(updated_at)`,
		b.ID, b.ProductRef, b.TotalReceived, b.Remaining, b.PurchaseDate, b.IsActive, b.CreatedAt, now)
	if err != nil {
		return fmt.Errorf("upsert batch: %w", err)
	}
	return nil
}

func (m *MySQLAdapter) GetBatch(ctx context.Context, batchRef string) (*domain.InventoryBatch, error) {
	var row batchRow
	err := m.db.GetContext(ctx, &row, `SELECT `+batchColumns+` FROM inventory_batches b WHERE b.id = ?`, batchRef)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("batch %s: %w", batchRef, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get batch: %w", err)
	}
	b := row.toDomain()
	return &b, nil
}

func batchesToDomain(rows []batchRow) []domain.InventoryBatch {
	out := make([]domain.InventoryBatch, len(rows))
	for i, r := range rows {
		out[i] = r.toDomain()
	}
	return out
}

// requireRow turns a zero-row update into notFound. MySQL reports rows
// changed, not rows matched, unless the DSN sets clientFoundRows=true.
func requireRow(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}
