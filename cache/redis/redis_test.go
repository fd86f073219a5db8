package redis_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/coin-ledger/cache/redis"
	"github.com/warp/coin-ledger/wallet"
)

// REDIS_ADDR=localhost:6379 go test ./cache/redis/
func newTestCache(t *testing.T) *redis.Cache {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	c := redis.New([]string{addr}, os.Getenv("REDIS_PASSWORD"), time.Minute, nil)
	require.NoError(t, c.Ping(context.Background()))
	t.Cleanup(func() { c.Close() })
	return c
}

func TestCache_SetGetInvalidate(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()
	user := wallet.UserID("redis-test-" + time.Now().Format("150405.000000000"))
	t.Cleanup(func() { c.Invalidate(ctx, user) })

	_, ok := c.Get(ctx, user)
	assert.False(t, ok)

	require.NoError(t, c.Set(ctx, wallet.BalanceSnapshot{UserID: user, Balance: 500, HeldBalance: 100, Version: 3}))
	snap, ok := c.Get(ctx, user)
	require.True(t, ok)
	assert.Equal(t, int64(400), snap.Available())

	// An older version never overwrites a newer one.
	require.NoError(t, c.Set(ctx, wallet.BalanceSnapshot{UserID: user, Balance: 1, Version: 2}))
	snap, ok = c.Get(ctx, user)
	require.True(t, ok)
	assert.Equal(t, int64(500), snap.Balance)

	require.NoError(t, c.Invalidate(ctx, user))
	_, ok = c.Get(ctx, user)
	assert.False(t, ok)
}
