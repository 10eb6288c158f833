package domain

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	ErrValidation            = errors.New("ledger: validation failed")
	ErrInsufficientInventory = errors.New("ledger: insufficient inventory")
	ErrInsufficientBalance   = errors.New("ledger: insufficient balance")
	ErrConservation          = errors.New("ledger: conservation violation")
	ErrIdempotencyConflict   = errors.New("ledger: idempotency conflict")
	ErrPermanentJobFailure   = errors.New("ledger: permanent job failure")

	ErrNotFound        = errors.New("ledger: not found")
	ErrWalletNotFound  = errors.New("ledger: wallet not found")
	ErrPaymentNotFound = errors.New("ledger: payment not found")
	ErrNothingToRevert = errors.New("ledger: no active allocations for payment")
)

// ValidationError rejects a request before any lock is taken.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("ledger: validation failed for %s: %s", e.Field, e.Message)
}

func (e ValidationError) Is(target error) bool { return target == ErrValidation }

type InsufficientInventoryError struct {
	Requested decimal.Decimal
	Available decimal.Decimal
}

func (e InsufficientInventoryError) Error() string {
	return fmt.Sprintf("ledger: insufficient inventory: requested %s, available %s",
		e.Requested.StringFixed(MoneyScale), e.Available.StringFixed(MoneyScale))
}

func (e InsufficientInventoryError) Is(target error) bool { return target == ErrInsufficientInventory }

type InsufficientBalanceError struct {
	Actual    decimal.Decimal
	Requested decimal.Decimal
}

func (e InsufficientBalanceError) Error() string {
	return fmt.Sprintf("ledger: insufficient balance: actual %s, requested %s",
		e.Actual.StringFixed(MoneyScale), e.Requested.StringFixed(MoneyScale))
}

func (e InsufficientBalanceError) Is(target error) bool { return target == ErrInsufficientBalance }

// ConservationViolationError reports a product whose received value does not
// equal remaining plus active allocated value.
type ConservationViolationError struct {
	ProductRef  string
	Received    decimal.Decimal
	Remaining   decimal.Decimal
	Allocated   decimal.Decimal
	Discrepancy decimal.Decimal
}

func (e ConservationViolationError) Error() string {
	return fmt.Sprintf("ledger: conservation violation on product %s: received %s, remaining %s, allocated %s, discrepancy %s",
		e.ProductRef,
		e.Received.StringFixed(MoneyScale),
		e.Remaining.StringFixed(MoneyScale),
		e.Allocated.StringFixed(MoneyScale),
		e.Discrepancy.StringFixed(MoneyScale))
}

func (e ConservationViolationError) Is(target error) bool { return target == ErrConservation }

type IdempotencyConflictError struct {
	Key      string
	JobClass string
}

func (e IdempotencyConflictError) Error() string {
	return fmt.Sprintf("ledger: job %s/%s is already processing", e.JobClass, e.Key)
}

func (e IdempotencyConflictError) Is(target error) bool { return target == ErrIdempotencyConflict }

type PermanentJobFailureError struct {
	Key      string
	JobClass string
	Attempts int
	Message  string
}

func (e PermanentJobFailureError) Error() string {
	return fmt.Sprintf("ledger: job %s/%s failed permanently after %d attempts: %s",
		e.JobClass, e.Key, e.Attempts, e.Message)
}

func (e PermanentJobFailureError) Is(target error) bool { return target == ErrPermanentJobFailure }

// IsRetryable reports whether a job that failed with err may be delivered
// again. Business rejections are final; conflicts and infrastructure errors
// are not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	switch {
	case errors.Is(err, ErrValidation),
		errors.Is(err, ErrInsufficientInventory),
		errors.Is(err, ErrInsufficientBalance),
		errors.Is(err, ErrConservation),
		errors.Is(err, ErrPermanentJobFailure),
		errors.Is(err, ErrNothingToRevert):
		return false
	}
	return true
}
