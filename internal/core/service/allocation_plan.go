package service

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/rl1809/share-ledger/internal/core/domain"
)

// AllocationPolicy carries the per-call toggles read from the settings
// store by the caller.
type AllocationPolicy struct {
	AllowFractionalShares bool
}

type plannedSlice struct {
	Slot    domain.BatchSlot
	Outcome domain.BatchOutcome
	Take    decimal.Decimal
	Actual  decimal.Decimal
	Units   decimal.Decimal
}

type allocationPlan struct {
	Slices     []plannedSlice
	PerProduct map[string]decimal.Decimal
	Allocated  decimal.Decimal
	Refund     decimal.Decimal
	Unmet      decimal.Decimal
}

// Allocations returns the slices that produce allocation records.
func (p allocationPlan) Allocations() []plannedSlice {
	out := make([]plannedSlice, 0, len(p.Slices))
	for _, s := range p.Slices {
		if s.Outcome == domain.OutcomeAllocated {
			out = append(out, s)
		}
	}
	return out
}

// Products returns the touched product ids in sorted order.
func (p allocationPlan) Products() []string {
	out := make([]string, 0, len(p.PerProduct))
	for id := range p.PerProduct {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// planAllocation walks slots in the given (FIFO) order and decides, per
// batch, how much of total it absorbs. It performs no I/O.
//
// With fractional shares disabled only whole units are taken from a batch;
// the uncovered part of each slice accumulates into Refund. A batch whose
// slice does not cover one whole unit is skipped and the demand carries to
// later batches.
func planAllocation(slots []domain.BatchSlot, total decimal.Decimal, policy AllocationPolicy) allocationPlan {
	plan := allocationPlan{
		PerProduct: make(map[string]decimal.Decimal),
		Allocated:  decimal.Zero,
		Refund:     decimal.Zero,
	}
	need := total

	for _, slot := range slots {
		if need.LessThan(domain.MinorUnit) {
			break
		}
		if !slot.Available() {
			continue
		}

		take := decimal.Min(slot.Batch.Remaining, need)
		s := plannedSlice{Slot: slot, Take: take}

		switch {
		case slot.FaceValuePerUnit.Sign() <= 0:
			s.Outcome = domain.OutcomeSkippedInvalidProduct
		case domain.IsNegligible(take):
			s.Outcome = domain.OutcomeSkippedBelowMinimum
		case policy.AllowFractionalShares:
			s.Outcome = domain.OutcomeAllocated
			s.Actual = take
			s.Units = take.DivRound(slot.FaceValuePerUnit, domain.UnitScale)
		default:
			whole, _ := take.QuoRem(slot.FaceValuePerUnit, 0)
			if whole.LessThan(decimal.NewFromInt(1)) {
				s.Outcome = domain.OutcomeSkippedBelowMinimum
				break
			}
			s.Outcome = domain.OutcomeAllocated
			s.Units = whole
			s.Actual = whole.Mul(slot.FaceValuePerUnit)
			plan.Refund = plan.Refund.Add(take.Sub(s.Actual))
		}

		if s.Outcome == domain.OutcomeAllocated {
			need = need.Sub(take)
			plan.Allocated = plan.Allocated.Add(s.Actual)
			prev, ok := plan.PerProduct[slot.Batch.ProductRef]
			if !ok {
				prev = decimal.Zero
			}
			plan.PerProduct[slot.Batch.ProductRef] = prev.Add(s.Actual)
		}
		plan.Slices = append(plan.Slices, s)
	}

	plan.Unmet = need
	return plan
}
