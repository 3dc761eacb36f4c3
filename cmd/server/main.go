package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"posbalance/backend/internal/cache"
	"posbalance/backend/internal/config"
	"posbalance/backend/internal/fx"
	"posbalance/backend/internal/httpapi"
	"posbalance/backend/internal/logger"
	"posbalance/backend/internal/metrics"
	"posbalance/backend/internal/service"
	"posbalance/backend/internal/store"
	"posbalance/backend/internal/store/memory"
	pgstore "posbalance/backend/internal/store/postgres"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "posbalance: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := validateSecurityConfig(cfg); err != nil {
		return fmt.Errorf("invalid security configuration: %w", err)
	}

	logCfg := logger.DefaultConfig()
	logCfg.Level = cfg.LogLevel
	logCfg.Format = cfg.LogFormat
	log, err := logger.New(logCfg)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	repo, closers, err := openRepository(ctx, cfg, log)
	if err != nil {
		return err
	}
	replay, cacheCloser := openReplayCache(ctx, cfg, log)
	if cacheCloser != nil {
		closers = append(closers, cacheCloser)
	}
	defer func() {
		for _, c := range closers {
			if err := c.Close(); err != nil {
				log.Warn("close failed", zap.Error(err))
			}
		}
	}()

	m := metrics.New()
	svc := service.New(repo, replay, fx.NewStaticRates(cfg.BaseCurrency, cfg.ExchangeRates), cfg.StoreID,
		service.WithLogger(log.Named("service")),
		service.WithMetrics(m),
		service.WithReplayTTL(time.Duration(cfg.SettlementReplayTTLSeconds)*time.Second),
	)
	auth := httpapi.NewAuthManager(cfg.AuthSecret, time.Duration(cfg.AccessTokenTTLMinutes)*time.Minute, cfg.ManagerPIN, repo)
	api := httpapi.New(svc, auth, cfg.AllowedOrigin,
		httpapi.WithLogger(log.Named("http")),
		httpapi.WithMetrics(m),
		httpapi.WithRateLimit(cfg.RateLimitPerMinute),
	)

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errs := make(chan error, 1)
	go func() {
		log.Info("listening", zap.String("addr", cfg.Address()), zap.String("base_currency", cfg.BaseCurrency))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- err
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errs:
		return fmt.Errorf("server: %w", err)
	case s := <-sig:
		log.Info("shutting down", zap.String("signal", s.String()))
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("shutdown error", zap.Error(err))
	}
	log.Info("server stopped")
	return nil
}

// openRepository uses postgres when DATABASE_URL is set and refuses to fall
// back to memory if it cannot connect.
func openRepository(ctx context.Context, cfg config.Config, log *zap.Logger) (store.Repository, []io.Closer, error) {
	if cfg.DatabaseURL == "" {
		log.Info("repository: in-memory")
		if memory.UsesDefaultCredentials() {
			log.Warn("memory store seeded with dev credentials; set SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD")
		}
		return memory.NewSeeded(), nil, nil
	}
	pg, err := pgstore.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("postgres unavailable and DATABASE_URL is set: %w", err)
	}
	if err := pg.Migrate(ctx); err != nil {
		_ = pg.Close()
		return nil, nil, fmt.Errorf("migrate: %w", err)
	}
	log.Info("repository: postgres")
	return pg, []io.Closer{pg}, nil
}

// openReplayCache falls back to the no-op cache when redis is unset or down;
// idempotency still holds through the store.
func openReplayCache(ctx context.Context, cfg config.Config, log *zap.Logger) (cache.SettlementCache, io.Closer) {
	if cfg.RedisAddr == "" {
		log.Info("settlement cache: noop")
		return cache.NoopSettlementCache{}, nil
	}
	redisCache := cache.NewRedisSettlementCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err := redisCache.Ping(ctx); err != nil {
		log.Warn("redis unavailable, using noop settlement cache", zap.String("addr", cfg.RedisAddr), zap.Error(err))
		_ = redisCache.Close()
		return cache.NoopSettlementCache{}, nil
	}
	log.Info("settlement cache: redis", zap.String("addr", cfg.RedisAddr))
	return redisCache, redisCache
}

func validateSecurityConfig(cfg config.Config) error {
	if len(cfg.AuthSecret) < 32 {
		return errors.New("AUTH_SECRET must be set and at least 32 characters")
	}
	if len(cfg.ManagerPIN) < 6 {
		return errors.New("MANAGER_PIN must be set and at least 6 digits")
	}
	if err := validatePINStrength(cfg.ManagerPIN); err != nil {
		return fmt.Errorf("MANAGER_PIN is too weak: %w", err)
	}
	return nil
}

var commonPINs = map[string]bool{
	"121212": true, "112233": true, "123123": true, "147258": true, "159753": true,
}

// validatePINStrength rejects common, repeated-digit and sequential PINs.
func validatePINStrength(pin string) error {
	if commonPINs[pin] {
		return errors.New("common PIN not allowed")
	}
	same, up, down := true, true, true
	for i := 1; i < len(pin); i++ {
		step := int(pin[i]) - int(pin[i-1])
		same = same && step == 0
		up = up && step == 1
		down = down && step == -1
	}
	switch {
	case same:
		return errors.New("repeated-digit PIN not allowed")
	case up, down:
		return errors.New("sequential PIN not allowed")
	}
	return nil
}
