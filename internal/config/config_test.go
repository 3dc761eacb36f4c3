package config

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDoesNotInjectWeakAuthDefaults(t *testing.T) {
	t.Setenv("AUTH_SECRET", "")
	t.Setenv("MANAGER_PIN", "")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Empty(t, cfg.AuthSecret)
	assert.Empty(t, cfg.ManagerPIN)
}

func TestLoadAppliesDefaults(t *testing.T) {
	t.Setenv("PORT", "")
	t.Setenv("BASE_CURRENCY", "")
	t.Setenv("EXCHANGE_RATES", "")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Address())
	assert.Equal(t, "main-store", cfg.StoreID)
	assert.Equal(t, "SAR", cfg.BaseCurrency)
	assert.Equal(t, 480, cfg.AccessTokenTTLMinutes)
	assert.Equal(t, 86400, cfg.SettlementReplayTTLSeconds)
	assert.Empty(t, cfg.ExchangeRates)
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("DEFAULT_STORE_ID", "branch-2")
	t.Setenv("BASE_CURRENCY", "usd")
	t.Setenv("EXCHANGE_RATES", "EUR=1.08,GBP=1.27")
	t.Setenv("REDIS_DB", "3")
	t.Setenv("RATE_LIMIT_PER_MINUTE", "120")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.Address())
	assert.Equal(t, "branch-2", cfg.StoreID)
	assert.Equal(t, "USD", cfg.BaseCurrency)
	assert.Equal(t, 3, cfg.RedisDB)
	assert.Equal(t, 120, cfg.RateLimitPerMinute)
	require.Len(t, cfg.ExchangeRates, 2)
	assert.True(t, cfg.ExchangeRates["GBP"].Equal(decimal.RequireFromString("1.27")))
}

func TestLoadRejectsMalformedRates(t *testing.T) {
	t.Setenv("EXCHANGE_RATES", "EUR")

	_, err := Load()
	assert.Error(t, err)
}
