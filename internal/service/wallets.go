package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"posbalance/backend/internal/domain"
	"posbalance/backend/internal/store"
	"posbalance/backend/internal/xid"
)

func (s *Service) GetWallet(ctx context.Context, counterpartyID string, limit int) (domain.WalletResponse, error) {
	counterpartyID = strings.TrimSpace(counterpartyID)
	if counterpartyID == "" {
		return domain.WalletResponse{}, store.ErrInvalidTransaction
	}
	if limit < 1 {
		limit = 50
	}
	wallet, err := s.repo.GetWallet(ctx, counterpartyID, limit)
	if err != nil {
		return domain.WalletResponse{}, err
	}
	return domain.WalletResponse{Wallet: *wallet}, nil
}

// AdjustWallet applies a manual top-up or correction. The caller verifies the
// manager PIN; the service only checks the role.
func (s *Service) AdjustWallet(ctx context.Context, counterpartyID string, req domain.WalletAdjustRequest) (domain.WalletResponse, error) {
	if err := requireAdmin(ctx); err != nil {
		return domain.WalletResponse{}, err
	}
	counterpartyID = strings.TrimSpace(counterpartyID)
	reason := strings.TrimSpace(req.Reason)
	amount := domain.Money(req.Amount)
	if counterpartyID == "" || reason == "" || amount.IsZero() {
		return domain.WalletResponse{}, store.ErrInvalidTransaction
	}

	entry, err := s.repo.AdjustWallet(ctx, domain.WalletEntry{
		ID:             xid.New("wal"),
		CounterpartyID: counterpartyID,
		Type:           domain.WalletEntryAdjustment,
		Amount:         amount,
		Reason:         reason,
		CreatedBy:      actorName(ctx),
		CreatedAt:      time.Now().UTC(),
	})
	if err != nil {
		return domain.WalletResponse{}, err
	}
	if amount.GreaterThan(decimal.Zero) {
		s.metrics.WalletCredited(amount.InexactFloat64())
	}

	s.logAudit(ctx, "", "wallet_adjust", "wallet", counterpartyID,
		fmt.Sprintf("amount=%s,balance_after=%s,reason=%s", amount.StringFixed(2), entry.BalanceAfter.StringFixed(2), reason))
	return s.GetWallet(ctx, counterpartyID, 0)
}
