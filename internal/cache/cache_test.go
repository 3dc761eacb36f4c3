package cache

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"posbalance/backend/internal/domain"
	"posbalance/backend/internal/xid"
)

func TestNoopSettlementCacheNeverHits(t *testing.T) {
	var c SettlementCache = NoopSettlementCache{}
	require.NoError(t, c.Set(context.Background(), "k", &domain.SettlementResponse{SettlementID: "stl-1"}, time.Minute))

	got, ok, err := c.Get(context.Background(), "k")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, got)
}

func TestSettlementKeyIsScopedByStore(t *testing.T) {
	assert.NotEqual(t, SettlementKey("store-a", "key-1"), SettlementKey("store-b", "key-1"))
	assert.Equal(t, "posbalance:settlement:store-a:key-1", SettlementKey("store-a", "key-1"))
}

func TestRedisSettlementCacheFirstWriteWins(t *testing.T) {
	addr := os.Getenv("POSBALANCE_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("POSBALANCE_TEST_REDIS_ADDR is not set")
	}
	ctx := context.Background()
	c := NewRedisSettlementCache(addr, os.Getenv("POSBALANCE_TEST_REDIS_PASSWORD"), 0)
	defer c.Close()
	require.NoError(t, c.Ping(ctx))

	key := SettlementKey("it-store", xid.New("idem"))
	first := &domain.SettlementResponse{SettlementID: "stl-1", Tendered: decimal.RequireFromString("100.00")}
	second := &domain.SettlementResponse{SettlementID: "stl-2"}
	require.NoError(t, c.Set(ctx, key, first, time.Minute))
	require.NoError(t, c.Set(ctx, key, second, time.Minute))

	got, ok, err := c.Get(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "stl-1", got.SettlementID)
	assert.True(t, got.Tendered.Equal(decimal.RequireFromString("100")))

	_, ok, err = c.Get(ctx, key+"-missing")
	require.NoError(t, err)
	assert.False(t, ok)
}
