package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/rl1809/share-ledger/internal/port"
)

const (
	stockKeyPrefix       = "stock:"
	idempotencyKeyPrefix = "idempotency:"
	lowStockKeyPrefix    = "lowstock:"

	LowStockChannel = "inventory:low_stock"

	// One low-stock message per product per window.
	lowStockDedupTTL = 15 * time.Minute
)

// RedisAdapter is the read-side cache and signal bus. Redis never holds the
// source of truth for inventory or job state.
type RedisAdapter struct {
	client *redis.Client
}

func NewRedisAdapter(client *redis.Client) *RedisAdapter {
	return &RedisAdapter{client: client}
}

func (r *RedisAdapter) GetResult(ctx context.Context, key, jobClass string) ([]byte, bool, error) {
	b, err := r.client.Get(ctx, idempotencyKey(key, jobClass)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

func (r *RedisAdapter) PutResult(ctx context.Context, key, jobClass string, result []byte, ttl time.Duration) error {
	return r.client.Set(ctx, idempotencyKey(key, jobClass), result, ttl).Err()
}

func (r *RedisAdapter) CacheRemaining(ctx context.Context, productRef string, remaining decimal.Decimal) error {
	return r.client.Set(ctx, stockKeyPrefix+productRef, remaining.String(), 0).Err()
}

// GetRemaining reads the cached remaining value of a product.
func (r *RedisAdapter) GetRemaining(ctx context.Context, productRef string) (decimal.Decimal, bool, error) {
	s, err := r.client.Get(ctx, stockKeyPrefix+productRef).Result()
	if errors.Is(err, redis.Nil) {
		return decimal.Zero, false, nil
	}
	if err != nil {
		return decimal.Zero, false, err
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("cached stock for %s: %w", productRef, err)
	}
	return d, true, nil
}

// NotifyLowStock publishes the signal unless one was already published for
// the product within the dedup window.
func (r *RedisAdapter) NotifyLowStock(ctx context.Context, signal port.LowStockSignal) error {
	fresh, err := r.client.SetNX(ctx, lowStockKeyPrefix+signal.ProductRef, signal.Remaining.String(), lowStockDedupTTL).Result()
	if err != nil {
		return err
	}
	if !fresh {
		return nil
	}

	payload, err := json.Marshal(signal)
	if err != nil {
		return err
	}
	return r.client.Publish(ctx, LowStockChannel, payload).Err()
}

func idempotencyKey(key, jobClass string) string {
	return idempotencyKeyPrefix + jobClass + ":" + key
}

// RedisLocker serialises whole operations across processes with a redsync
// mutex.
type RedisLocker struct {
	rs         *redsync.Redsync
	expiry     time.Duration
	tries      int
	retryDelay time.Duration
}

func NewRedisLocker(client *redis.Client, expiry time.Duration) *RedisLocker {
	if expiry <= 0 {
		expiry = 30 * time.Second
	}
	return &RedisLocker{
		rs:         redsync.New(goredis.NewPool(client)),
		expiry:     expiry,
		tries:      3,
		retryDelay: 500 * time.Millisecond,
	}
}

// ErrLockHeld is returned when another process holds the lock.
var ErrLockHeld = errors.New("lock held by another process")

func (l *RedisLocker) WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	mutex := l.rs.NewMutex(key,
		redsync.WithExpiry(l.expiry),
		redsync.WithTries(l.tries),
		redsync.WithRetryDelay(l.retryDelay),
	)
	if err := mutex.LockContext(ctx); err != nil {
		var taken *redsync.ErrTaken
		if errors.Is(err, redsync.ErrFailed) || errors.As(err, &taken) {
			return fmt.Errorf("acquire %s: %w", key, ErrLockHeld)
		}
		return fmt.Errorf("acquire %s: %w", key, err)
	}
	defer func() {
		_, _ = mutex.UnlockContext(context.WithoutCancel(ctx))
	}()
	return fn(ctx)
}
