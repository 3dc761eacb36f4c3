package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"posbalance/backend/internal/allocation"
	"posbalance/backend/internal/cache"
	"posbalance/backend/internal/domain"
	"posbalance/backend/internal/fx"
	"posbalance/backend/internal/logger"
	"posbalance/backend/internal/metrics"
	"posbalance/backend/internal/store"
	"posbalance/backend/internal/xid"
)

var (
	ErrForbidden        = errors.New("forbidden")
	ErrShiftAlreadyOpen = errors.New("shift already open")
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

type Service struct {
	repo           store.Repository
	replay         cache.SettlementCache
	rates          fx.RateSource
	allocator      *allocation.Allocator
	metrics        *metrics.Metrics
	log            *zap.Logger
	replayTTL      time.Duration
	defaultStoreID string
}

type Option func(*Service)

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

func WithLogger(log *zap.Logger) Option {
	return func(s *Service) {
		if log != nil {
			s.log = log
		}
	}
}

// WithReplayTTL sets how long settlement outcomes stay in the replay cache.
func WithReplayTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.replayTTL = ttl
		}
	}
}

func WithAllocator(a *allocation.Allocator) Option {
	return func(s *Service) {
		if a != nil {
			s.allocator = a
		}
	}
}

func New(repo store.Repository, replay cache.SettlementCache, rates fx.RateSource, defaultStoreID string, opts ...Option) *Service {
	if defaultStoreID == "" {
		defaultStoreID = "main-store"
	}
	if replay == nil {
		replay = cache.NoopSettlementCache{}
	}
	if rates == nil {
		rates = fx.NewStaticRates("SAR", nil)
	}

	s := &Service{
		repo:           repo,
		replay:         replay,
		rates:          rates,
		allocator:      allocation.New(),
		log:            zap.NewNop(),
		replayTTL:      24 * time.Hour,
		defaultStoreID: defaultStoreID,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) storeID(value string) string {
	if strings.TrimSpace(value) == "" {
		return s.defaultStoreID
	}
	return strings.TrimSpace(value)
}

func (s *Service) logAudit(ctx context.Context, storeID string, action string, entityType string, entityID string, detail string) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		actor = domain.Actor{Username: "system", Role: "system"}
	}

	if err := s.repo.CreateAuditLog(ctx, domain.AuditLog{
		ID:            xid.New("audit"),
		StoreID:       s.storeID(storeID),
		ActorUsername: actor.Username,
		ActorRole:     actor.Role,
		Action:        action,
		EntityType:    entityType,
		EntityID:      entityID,
		Detail:        detail,
		CreatedAt:     time.Now().UTC(),
	}); err != nil {
		s.logFor(ctx).Warn("audit log write failed",
			zap.String("action", action),
			zap.String("entity_type", entityType),
			zap.String("entity_id", entityID),
			zap.Error(err),
		)
	}
}

// logFor returns the request-scoped logger when the caller attached one.
func (s *Service) logFor(ctx context.Context) *zap.Logger {
	return logger.FromContextOr(ctx, s.log)
}

func actorName(ctx context.Context) string {
	if actor, ok := ActorFromContext(ctx); ok {
		return actor.Username
	}
	return ""
}

func requireAdmin(ctx context.Context) error {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != "admin" {
		return ErrForbidden
	}
	return nil
}

// parseDay reads a YYYY-MM-DD date; empty means today in UTC.
func parseDay(date string) (time.Time, error) {
	if strings.TrimSpace(date) == "" {
		now := time.Now().UTC()
		return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC), nil
	}
	parsed, err := time.Parse("2006-01-02", strings.TrimSpace(date))
	if err != nil {
		return time.Time{}, store.ErrInvalidTransaction
	}
	return parsed.UTC(), nil
}
