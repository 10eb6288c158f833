package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type AllocationSource string

const (
	SourcePayment  AllocationSource = "payment"
	SourceManual   AllocationSource = "manual"
	SourceReversal AllocationSource = "reversal"
)

// Allocation is one slice of ownership granted from one batch to one user
// for one payment. Rows are append-only: the only mutation allowed on an
// existing row is flipping IsReversed.
type Allocation struct {
	ID             string           `db:"id"`
	UserRef        string           `db:"user_id"`
	ProductRef     string           `db:"product_id"`
	PaymentRef     string           `db:"payment_id"`
	BatchRef       string           `db:"batch_id"`
	Units          decimal.Decimal  `db:"units"`
	ValueAllocated decimal.Decimal  `db:"value_allocated"`
	Source         AllocationSource `db:"source"`
	IsReversed     bool             `db:"is_reversed"`
	ReversalReason string           `db:"reversal_reason"`
	ReversedAt     *time.Time       `db:"reversed_at"`
	ReversesRef    string           `db:"reverses_id"`
	CreatedAt      time.Time        `db:"created_at"`
}

// Active reports whether the allocation counts toward the allocated side
// of the conservation equation.
func (a Allocation) Active() bool {
	return !a.IsReversed
}

// Compensation builds the negating record appended when a is reversed.
func (a Allocation) Compensation(reason string, at time.Time) Allocation {
	reversedAt := at
	return Allocation{
		ID:             NewID(PrefixAllocation),
		UserRef:        a.UserRef,
		ProductRef:     a.ProductRef,
		PaymentRef:     a.PaymentRef,
		BatchRef:       a.BatchRef,
		Units:          a.Units.Neg(),
		ValueAllocated: a.ValueAllocated.Neg(),
		Source:         SourceReversal,
		IsReversed:     true,
		ReversalReason: reason,
		ReversedAt:     &reversedAt,
		ReversesRef:    a.ID,
		CreatedAt:      at,
	}
}

// BatchOutcome is the per-batch decision of the FIFO walk.
type BatchOutcome int

const (
	OutcomeAllocated BatchOutcome = iota
	OutcomeSkippedInvalidProduct
	OutcomeSkippedBelowMinimum
)

func (o BatchOutcome) String() string {
	switch o {
	case OutcomeAllocated:
		return "allocated"
	case OutcomeSkippedInvalidProduct:
		return "skipped_invalid_product"
	case OutcomeSkippedBelowMinimum:
		return "skipped_below_minimum"
	default:
		return "unknown"
	}
}
