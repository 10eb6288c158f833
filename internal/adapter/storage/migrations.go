package storage

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

type migration struct {
	version int
	name    string
	stmts   []string
}

var migrations = []migration{
	{
		version: 1,
		name:    "inventory",
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS products (
				id                  VARCHAR(64)    NOT NULL PRIMARY KEY,
				name                VARCHAR(255)   NOT NULL,
				face_value_per_unit DECIMAL(20,8)  NOT NULL,
				is_active           BOOLEAN        NOT NULL DEFAULT TRUE
			)`,
			`CREATE TABLE IF NOT EXISTS inventory_batches (
				id             VARCHAR(64)   NOT NULL PRIMARY KEY,
				product_id     VARCHAR(64)   NOT NULL,
				total_received DECIMAL(20,2) NOT NULL,
				remaining      DECIMAL(20,2) NOT NULL,
				purchase_date  DATETIME(6)   NOT NULL,
				is_active      BOOLEAN       NOT NULL DEFAULT TRUE,
				created_at     DATETIME(6)   NOT NULL,
				updated_at     DATETIME(6)   NOT NULL,
				KEY idx_batches_fifo (purchase_date, id),
				KEY idx_batches_product (product_id, purchase_date),
				CONSTRAINT chk_batch_remaining CHECK (remaining >= 0)
			)`,
		},
	},
	{
		version: 2,
		name:    "allocations",
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS allocations (
				seq             BIGINT        NOT NULL AUTO_INCREMENT PRIMARY KEY,
				id              VARCHAR(64)   NOT NULL,
				user_id         VARCHAR(64)   NOT NULL,
				product_id      VARCHAR(64)   NOT NULL,
				payment_id      VARCHAR(64)   NOT NULL,
				batch_id        VARCHAR(64)   NOT NULL,
				units           DECIMAL(28,8) NOT NULL,
				value_allocated DECIMAL(20,2) NOT NULL,
				source          VARCHAR(16)   NOT NULL,
				is_reversed     BOOLEAN       NOT NULL DEFAULT FALSE,
				reversal_reason VARCHAR(255)  NOT NULL DEFAULT '',
				reversed_at     DATETIME(6)   NULL,
				reverses_id     VARCHAR(64)   NULL,
				created_at      DATETIME(6)   NOT NULL,
				UNIQUE KEY uq_allocations_id (id),
				KEY idx_allocations_payment (payment_id, is_reversed),
				KEY idx_allocations_product (product_id, is_reversed)
			)`,
		},
	},
	{
		version: 3,
		name:    "wallets",
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS wallets (
				id             VARCHAR(64)   NOT NULL PRIMARY KEY,
				user_id        VARCHAR(64)   NOT NULL,
				balance        DECIMAL(20,2) NOT NULL DEFAULT 0,
				locked_balance DECIMAL(20,2) NOT NULL DEFAULT 0,
				created_at     DATETIME(6)   NOT NULL,
				updated_at     DATETIME(6)   NOT NULL,
				UNIQUE KEY uq_wallets_user (user_id),
				CONSTRAINT chk_wallet_balance CHECK (balance >= 0 AND locked_balance >= 0)
			)`,
			`CREATE TABLE IF NOT EXISTS ledger_transactions (
				seq            BIGINT        NOT NULL AUTO_INCREMENT PRIMARY KEY,
				id             VARCHAR(64)   NOT NULL,
				wallet_id      VARCHAR(64)   NOT NULL,
				type           VARCHAR(16)   NOT NULL,
				status         VARCHAR(16)   NOT NULL,
				amount         DECIMAL(20,2) NOT NULL,
				balance_before DECIMAL(20,2) NOT NULL,
				balance_after  DECIMAL(20,2) NOT NULL,
				description    VARCHAR(255)  NOT NULL DEFAULT '',
				reference_kind VARCHAR(32)   NOT NULL DEFAULT '',
				reference_id   VARCHAR(64)   NOT NULL DEFAULT '',
				created_at     DATETIME(6)   NOT NULL,
				UNIQUE KEY uq_ledger_id (id),
				KEY idx_ledger_wallet (wallet_id, seq)
			)`,
		},
	},
	{
		version: 4,
		name:    "jobs",
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS job_executions (
				id              VARCHAR(64)  NOT NULL PRIMARY KEY,
				idempotency_key VARCHAR(191) NOT NULL,
				job_class       VARCHAR(64)  NOT NULL,
				status          VARCHAR(16)  NOT NULL,
				attempt_number  INT          NOT NULL DEFAULT 0,
				result          JSON         NULL,
				error_message   TEXT         NULL,
				started_at      DATETIME(6)  NULL,
				completed_at    DATETIME(6)  NULL,
				failed_at       DATETIME(6)  NULL,
				created_at      DATETIME(6)  NOT NULL,
				updated_at      DATETIME(6)  NOT NULL,
				UNIQUE KEY uq_jobs_key_class (idempotency_key, job_class)
			)`,
		},
	},
	{
		version: 5,
		name:    "collaborators",
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS payments (
				id          VARCHAR(64)   NOT NULL PRIMARY KEY,
				user_id     VARCHAR(64)   NOT NULL,
				amount      DECIMAL(20,2) NOT NULL,
				is_flagged  BOOLEAN       NOT NULL DEFAULT FALSE,
				flag_reason VARCHAR(255)  NOT NULL DEFAULT ''
			)`,
			`CREATE TABLE IF NOT EXISTS audit_log (
				id             VARCHAR(64) NOT NULL PRIMARY KEY,
				action         VARCHAR(64) NOT NULL,
				reference_kind VARCHAR(32) NOT NULL DEFAULT '',
				reference_id   VARCHAR(64) NOT NULL DEFAULT '',
				detail         JSON        NULL,
				created_at     DATETIME(6) NOT NULL,
				KEY idx_audit_reference (reference_kind, reference_id)
			)`,
			"CREATE TABLE IF NOT EXISTS settings (`key` VARCHAR(128) NOT NULL PRIMARY KEY, value VARCHAR(255) NOT NULL)",
		},
	},
}

// Migrate applies pending migrations in version order.
func Migrate(ctx context.Context, db *sqlx.DB) error {
	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    INT          NOT NULL PRIMARY KEY,
			name       VARCHAR(64)  NOT NULL,
			applied_at DATETIME(6)  NOT NULL DEFAULT CURRENT_TIMESTAMP(6)
		)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var applied []int
	if err := db.SelectContext(ctx, &applied, `SELECT version FROM schema_migrations`); err != nil {
		return fmt.Errorf("read schema_migrations: %w", err)
	}
	done := make(map[int]bool, len(applied))
	for _, v := range applied {
		done[v] = true
	}

	for _, m := range migrations {
		if done[m.version] {
			continue
		}
		// MySQL commits DDL implicitly, so each statement is idempotent
		// and the version row is written last.
		for _, stmt := range m.stmts {
			if _, err := db.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("migration %d (%s): %w", m.version, m.name, err)
			}
		}
		if _, err := db.ExecContext(ctx,
			`INSERT INTO schema_migrations (version, name) VALUES (?, ?)`, m.version, m.name); err != nil {
			return fmt.Errorf("record migration %d: %w", m.version, err)
		}
	}
	return nil
}
