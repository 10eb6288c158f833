package port

import (
	"context"

	"github.com/rl1809/share-ledger/internal/core/domain"
)

type AuditSink interface {
	Record(ctx context.Context, entry domain.AuditEntry) error
}

type PaymentFlagger interface {
	FlagPayment(ctx context.Context, paymentRef, reason string) error
}

// SettingsReader is the read-only key-value configuration collaborator.
type SettingsReader interface {
	Bool(ctx context.Context, key string, fallback bool) (bool, error)
}

// PaymentRecorder stores a confirmed payment as received, once.
type PaymentRecorder interface {
	RecordPayment(ctx context.Context, p domain.Payment) error
}
