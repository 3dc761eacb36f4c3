package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	redis "github.com/redis/go-redis/v9"

	"posbalance/backend/internal/domain"
)

type RedisSettlementCache struct {
	client redis.UniversalClient
}

func NewRedisSettlementCache(addr string, password string, db int) *RedisSettlementCache {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &RedisSettlementCache{client: client}
}

func NewRedisSettlementCacheFromClient(client redis.UniversalClient) *RedisSettlementCache {
	return &RedisSettlementCache{client: client}
}

func (c *RedisSettlementCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisSettlementCache) Close() error {
	return c.client.Close()
}

func (c *RedisSettlementCache) Get(ctx context.Context, key string) (*domain.SettlementResponse, bool, error) {
	val, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var resp domain.SettlementResponse
	if err := json.Unmarshal(val, &resp); err != nil {
		return nil, false, err
	}
	return &resp, true, nil
}

// Set stores value only when the key is free; the first settlement for a key
// wins.
func (c *RedisSettlementCache) Set(ctx context.Context, key string, value *domain.SettlementResponse, ttl time.Duration) error {
	if value == nil {
		return nil
	}
	payload, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.client.SetNX(ctx, key, payload, ttl).Err()
}
