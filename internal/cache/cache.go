package cache

import (
	"context"
	"time"

	"posbalance/backend/internal/domain"
)

// SettlementCache remembers settlement outcomes by idempotency key so a
// retried request can be answered without touching the store.
type SettlementCache interface {
	Get(ctx context.Context, key string) (*domain.SettlementResponse, bool, error)
	Set(ctx context.Context, key string, value *domain.SettlementResponse, ttl time.Duration) error
}

type NoopSettlementCache struct{}

func (NoopSettlementCache) Get(_ context.Context, _ string) (*domain.SettlementResponse, bool, error) {
	return nil, false, nil
}

func (NoopSettlementCache) Set(_ context.Context, _ string, _ *domain.SettlementResponse, _ time.Duration) error {
	return nil
}

func SettlementKey(storeID string, idempotencyKey string) string {
	return "posbalance:settlement:" + storeID + ":" + idempotencyKey
}
