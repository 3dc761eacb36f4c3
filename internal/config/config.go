package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"posbalance/backend/internal/fx"
)

type Config struct {
	Port                       string
	AllowedOrigin              string
	DatabaseURL                string
	RedisAddr                  string
	RedisPassword              string
	RedisDB                    int
	StoreID                    string
	AuthSecret                 string
	AccessTokenTTLMinutes      int
	ManagerPIN                 string
	LogLevel                   string
	LogFormat                  string
	BaseCurrency               string
	ExchangeRates              map[string]decimal.Decimal
	SettlementReplayTTLSeconds int
	RateLimitPerMinute         int
}

// Load reads config.toml when present and lets environment variables such as
// DATABASE_URL or MANAGER_PIN override it. Auth secrets get no defaults.
func Load() (Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("toml")
	v.AddConfigPath(".")
	v.AddConfigPath("./backend")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	}
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := Config{
		Port:                       v.GetString("port"),
		AllowedOrigin:              v.GetString("allowed_origin"),
		DatabaseURL:                v.GetString("database_url"),
		RedisAddr:                  v.GetString("redis_addr"),
		RedisPassword:              v.GetString("redis_password"),
		RedisDB:                    v.GetInt("redis_db"),
		StoreID:                    v.GetString("default_store_id"),
		AuthSecret:                 strings.TrimSpace(v.GetString("auth_secret")),
		AccessTokenTTLMinutes:      v.GetInt("access_token_ttl_minutes"),
		ManagerPIN:                 strings.TrimSpace(v.GetString("manager_pin")),
		LogLevel:                   v.GetString("log_level"),
		LogFormat:                  v.GetString("log_format"),
		BaseCurrency:               strings.ToUpper(strings.TrimSpace(v.GetString("base_currency"))),
		SettlementReplayTTLSeconds: v.GetInt("settlement_replay_ttl_seconds"),
		RateLimitPerMinute:         v.GetInt("rate_limit_per_minute"),
	}
	applyDefaults(&cfg)

	rates, err := fx.ParseRates(v.GetString("exchange_rates"))
	if err != nil {
		return Config{}, fmt.Errorf("parse EXCHANGE_RATES: %w", err)
	}
	cfg.ExchangeRates = rates

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Port == "" {
		cfg.Port = "8080"
	}
	if cfg.AllowedOrigin == "" {
		cfg.AllowedOrigin = "http://127.0.0.1:3000"
	}
	if cfg.StoreID == "" {
		cfg.StoreID = "main-store"
	}
	if cfg.AccessTokenTTLMinutes < 1 {
		cfg.AccessTokenTTLMinutes = 480
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.LogFormat == "" {
		cfg.LogFormat = "json"
	}
	if cfg.BaseCurrency == "" {
		cfg.BaseCurrency = "SAR"
	}
	if cfg.SettlementReplayTTLSeconds < 1 {
		cfg.SettlementReplayTTLSeconds = 86400
	}
	if cfg.RateLimitPerMinute < 1 {
		cfg.RateLimitPerMinute = 600
	}
}

func (c Config) validate() error {
	if len(c.BaseCurrency) != 3 {
		return fmt.Errorf("BASE_CURRENCY must be a 3-letter code, got %q", c.BaseCurrency)
	}
	if c.RedisDB < 0 {
		return fmt.Errorf("REDIS_DB must not be negative")
	}
	return nil
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}
