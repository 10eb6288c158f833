package domain

import "github.com/shopspring/decimal"

// Payment is the confirmed payment handed over by the payment lifecycle.
type Payment struct {
	ID         string          `db:"id" json:"id"`
	UserRef    string          `db:"user_id" json:"user_id"`
	Amount     decimal.Decimal `db:"amount" json:"amount"`
	IsFlagged  bool            `db:"is_flagged" json:"is_flagged"`
	FlagReason string          `db:"flag_reason" json:"flag_reason,omitempty"`
}
