package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type Product struct {
	ID               string          `db:"id"`
	Name             string          `db:"name"`
	FaceValuePerUnit decimal.Decimal `db:"face_value_per_unit"`
	IsActive         bool            `db:"is_active"`
}

// InventoryBatch is one purchased lot. Remaining is only ever changed by
// allocation (decrement) and reversal (increment), always under a row lock.
type InventoryBatch struct {
	ID            string          `db:"id"`
	ProductRef    string          `db:"product_id"`
	TotalReceived decimal.Decimal `db:"total_received"`
	Remaining     decimal.Decimal `db:"remaining"`
	PurchaseDate  time.Time       `db:"purchase_date"`
	IsActive      bool            `db:"is_active"`
	CreatedAt     time.Time       `db:"created_at"`
	UpdatedAt     time.Time       `db:"updated_at"`
}

// Consistent reports whether 0 <= Remaining <= TotalReceived.
func (b InventoryBatch) Consistent() bool {
	return !b.Remaining.IsNegative() && b.Remaining.LessThanOrEqual(b.TotalReceived)
}

// BatchSlot is a locked batch joined with the product data the FIFO walk
// needs.
type BatchSlot struct {
	Batch            InventoryBatch
	FaceValuePerUnit decimal.Decimal
	ProductActive    bool
}

// Available reports whether the slot can contribute to an allocation.
func (s BatchSlot) Available() bool {
	return s.ProductActive && s.Batch.IsActive && s.Batch.Remaining.IsPositive()
}
