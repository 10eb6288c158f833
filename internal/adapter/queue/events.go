package queue

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Routing keys on the payment exchange.
const (
	RoutingPaymentConfirmed = "payment.confirmed"
	RoutingPaymentReversed  = "payment.reversed"

	RoutingAllocationCompleted = "allocation.completed"
	RoutingAllocationRejected  = "allocation.rejected"
	RoutingAllocationReversed  = "allocation.reversed"
)

type PaymentConfirmedEvent struct {
	EventID   string          `json:"event_id"`
	PaymentID string          `json:"payment_id"`
	UserID    string          `json:"user_id"`
	Amount    decimal.Decimal `json:"amount"`
	Timestamp time.Time       `json:"timestamp"`
}

type PaymentReversedEvent struct {
	EventID   string    `json:"event_id"`
	PaymentID string    `json:"payment_id"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

// AllocationOutcomeEvent reports what happened to a payment event.
// CorrelationID carries the triggering event's id.
type AllocationOutcomeEvent struct {
	EventID       string          `json:"event_id"`
	CorrelationID string          `json:"correlation_id"`
	PaymentID     string          `json:"payment_id"`
	Allocated     decimal.Decimal `json:"allocated"`
	Refunded      decimal.Decimal `json:"refunded"`
	Restored      decimal.Decimal `json:"restored"`
	Reason        string          `json:"reason,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
}

func newOutcome(correlationID, paymentID string) AllocationOutcomeEvent {
	return AllocationOutcomeEvent{
		EventID:       uuid.New().String(),
		CorrelationID: correlationID,
		PaymentID:     paymentID,
		Timestamp:     time.Now().UTC(),
	}
}
