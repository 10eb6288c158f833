package port

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

type IdempotencyCache interface {
	// GetResult returns a cached completed result, false if absent.
	GetResult(ctx context.Context, key, jobClass string) ([]byte, bool, error)

	// PutResult caches a completed result for ttl.
	PutResult(ctx context.Context, key, jobClass string, result []byte, ttl time.Duration) error
}

// LowStockSignal is emitted after an allocation leaves a product below the
// configured threshold.
type LowStockSignal struct {
	ProductRef string          `json:"product_id"`
	Remaining  decimal.Decimal `json:"remaining"`
	Threshold  decimal.Decimal `json:"threshold"`
	At         time.Time       `json:"at"`
}

type InventorySignaler interface {
	// CacheRemaining records the product's remaining value for read paths.
	CacheRemaining(ctx context.Context, productRef string, remaining decimal.Decimal) error

	NotifyLowStock(ctx context.Context, signal LowStockSignal) error
}

// Locker serialises a whole operation across worker processes.
type Locker interface {
	WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error
}
