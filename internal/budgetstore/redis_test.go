//go:build integration

package budgetstore_test

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ledgerlens/chat-gateway/internal/budgetstore"
)

func newTestClient(t *testing.T) *goredis.Client {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	client := goredis.NewClient(&goredis.Options{Addr: addr})
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Fatalf("redis not available at %s: %v", addr, err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func newTestStore(t *testing.T) *budgetstore.RedisStore {
	t.Helper()
	client := newTestClient(t)
	prefix := "test:" + t.Name() + ":"
	store := budgetstore.NewRedisStore(client, budgetstore.WithKeyPrefix(prefix))
	t.Cleanup(func() {
		ctx := context.Background()
		iter := client.Scan(ctx, 0, prefix+"*", 0).Iterator()
		for iter.Next(ctx) {
			client.Del(ctx, iter.Val())
		}
	})
	return store
}

func TestRedisStore_IncrWithTTL(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	count, resetIn, err := store.IncrWithTTL(ctx, "rate:a", 1, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
	assert.Greater(t, resetIn, 50*time.Second)

	count, _, err = store.IncrWithTTL(ctx, "rate:a", 1, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	count, _, err = store.IncrWithTTL(ctx, "rate:a", 3, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(5), count)
}

func TestRedisStore_ReserveSettleCycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	r := budgetstore.Reservation{ID: "r1", ScopeKey: "cost:c", Amount: 0.5, TTL: time.Minute}
	out, err := store.TryReserve(ctx, r, 1.0, time.Hour)
	require.NoError(t, err)
	require.True(t, out.OK)
	assert.InDelta(t, 0.5, out.Held, 1e-9)

	// Over-limit attempt while the hold is live.
	out, err = store.TryReserve(ctx, budgetstore.Reservation{ID: "r2", ScopeKey: "cost:c", Amount: 0.6, TTL: time.Minute}, 1.0, time.Hour)
	require.NoError(t, err)
	assert.False(t, out.OK)

	require.NoError(t, store.Settle(ctx, r, 0.02, time.Hour))
	consumed, err := store.Read(ctx, "cost:c")
	require.NoError(t, err)
	assert.InDelta(t, 0.02, consumed, 1e-9)

	// Idempotent: repeat settle does not double count.
	require.NoError(t, store.Settle(ctx, r, 0.02, time.Hour))
	consumed, err = store.Read(ctx, "cost:c")
	require.NoError(t, err)
	assert.InDelta(t, 0.02, consumed, 1e-9)
}

func TestRedisStore_ConcurrentReserves(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	const workers = 20
	var wg sync.WaitGroup
	var mu sync.Mutex
	admitted := 0
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r := budgetstore.Reservation{
				ID:       fmt.Sprintf("r%d", i),
				ScopeKey: "cost:c",
				Amount:   0.6,
				TTL:      time.Minute,
			}
			out, err := store.TryReserve(ctx, r, 1.0, time.Hour)
			if err == nil && out.OK {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1, admitted)
}
