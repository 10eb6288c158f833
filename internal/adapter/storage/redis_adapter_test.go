package storage

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rl1809/share-ledger/internal/core/domain"
	"github.com/rl1809/share-ledger/internal/port"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestIdempotencyResultCache(t *testing.T) {
	mr, client := newTestRedis(t)
	adapter := NewRedisAdapter(client)
	ctx := context.Background()

	_, ok, err := adapter.GetResult(ctx, "pay-1", "allocate_shares")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, adapter.PutResult(ctx, "pay-1", "allocate_shares", []byte(`{"n":1}`), time.Minute))

	b, ok, err := adapter.GetResult(ctx, "pay-1", "allocate_shares")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.JSONEq(t, `{"n":1}`, string(b))

	_, ok, err = adapter.GetResult(ctx, "pay-1", "reverse_allocation")
	require.NoError(t, err)
	assert.False(t, ok)

	mr.FastForward(2 * time.Minute)
	_, ok, err = adapter.GetResult(ctx, "pay-1", "allocate_shares")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCacheRemaining(t *testing.T) {
	mr, client := newTestRedis(t)
	adapter := NewRedisAdapter(client)
	ctx := context.Background()

	require.NoError(t, adapter.CacheRemaining(ctx, "p1", domain.MustMoney("42.50")))
	assert.Equal(t, "42.5", mustGet(t, mr, "stock:p1"))

	v, ok, err := adapter.GetRemaining(ctx, "p1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, v.Equal(domain.MustMoney("42.5")))

	_, ok, err = adapter.GetRemaining(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestNotifyLowStock_PublishesOncePerWindow(t *testing.T) {
	mr, client := newTestRedis(t)
	adapter := NewRedisAdapter(client)
	ctx := context.Background()

	sub := client.Subscribe(ctx, LowStockChannel)
	defer sub.Close()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	signal := port.LowStockSignal{ProductRef: "p1", Remaining: domain.MustMoney("5"), Threshold: domain.MustMoney("10"), At: time.Now().UTC()}
	require.NoError(t, adapter.NotifyLowStock(ctx, signal))
	require.NoError(t, adapter.NotifyLowStock(ctx, signal))

	select {
	case msg := <-sub.Channel():
		var got port.LowStockSignal
		require.NoError(t, json.Unmarshal([]byte(msg.Payload), &got))
		assert.Equal(t, "p1", got.ProductRef)
		assert.True(t, got.Remaining.Equal(signal.Remaining))
	case <-time.After(2 * time.Second):
		t.Fatal("expected low stock message")
	}

	select {
	case msg := <-sub.Channel():
		t.Fatalf("unexpected second message: %s", msg.Payload)
	case <-time.After(100 * time.Millisecond):
	}

	mr.FastForward(lowStockDedupTTL + time.Second)
	assert.False(t, mr.Exists("lowstock:p1"))
}

func TestRedisLocker_SerialisesHolders(t *testing.T) {
	_, client := newTestRedis(t)
	locker := NewRedisLocker(client, 5*time.Second)
	locker.retryDelay = 20 * time.Millisecond
	locker.tries = 200

	var (
		wg      sync.WaitGroup
		inside  int32
		overlap int32
		runs    int32
	)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := locker.WithLock(context.Background(), "lock:test", func(ctx context.Context) error {
				if atomic.AddInt32(&inside, 1) > 1 {
					atomic.AddInt32(&overlap, 1)
				}
				time.Sleep(10 * time.Millisecond)
				atomic.AddInt32(&inside, -1)
				atomic.AddInt32(&runs, 1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(0), overlap)
	assert.Equal(t, int32(5), runs)
}

func TestRedisLocker_ReportsHeldLock(t *testing.T) {
	_, client := newTestRedis(t)
	holder := NewRedisLocker(client, 5*time.Second)
	contender := NewRedisLocker(client, 5*time.Second)
	contender.tries = 1

	release := make(chan struct{})
	acquired := make(chan struct{})
	go func() {
		_ = holder.WithLock(context.Background(), "lock:test", func(ctx context.Context) error {
			close(acquired)
			<-release
			return nil
		})
	}()
	<-acquired

	err := contender.WithLock(context.Background(), "lock:test", func(ctx context.Context) error { return nil })
	close(release)
	assert.Error(t, err)
}

func mustGet(t *testing.T, mr *miniredis.Miniredis, key string) string {
	t.Helper()
	v, err := mr.Get(key)
	require.NoError(t, err)
	return v
}
