package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"posbalance/backend/internal/domain"
	"posbalance/backend/internal/store"
	"posbalance/backend/internal/xid"
)

func (s *Service) OpenShift(ctx context.Context, req domain.ShiftOpenRequest) (domain.ShiftResponse, error) {
	req.StoreID = s.storeID(req.StoreID)
	req.TerminalID = strings.TrimSpace(req.TerminalID)
	req.CashierName = strings.TrimSpace(req.CashierName)
	if req.CashierName == "" {
		req.CashierName = actorName(ctx)
	}
	if req.TerminalID == "" || req.CashierName == "" || req.OpeningFloat.IsNegative() {
		return domain.ShiftResponse{}, store.ErrInvalidTransaction
	}

	shift := domain.Shift{
		ID:           xid.New("shift"),
		StoreID:      req.StoreID,
		TerminalID:   req.TerminalID,
		CashierName:  req.CashierName,
		OpeningFloat: domain.Money(req.OpeningFloat),
		Status:       domain.ShiftStatusOpen,
		OpenedAt:     time.Now().UTC(),
	}
	saved, err := s.repo.CreateShift(ctx, shift)
	if err != nil {
		if errors.Is(err, store.ErrInvalidTransaction) {
			return domain.ShiftResponse{}, ErrShiftAlreadyOpen
		}
		return domain.ShiftResponse{}, err
	}

	s.logAudit(ctx, req.StoreID, "shift_open", "shift", saved.ID,
		fmt.Sprintf("cashier=%s,opening_float=%s", req.CashierName, saved.OpeningFloat.StringFixed(2)))
	return domain.ShiftResponse{Shift: *saved}, nil
}

// CloseShift closes the terminal's open register. Expected cash is the
// opening float plus the net cash the shift's settlements moved; variance is
// what was counted minus that. The store computes both while it closes the
// shift.
func (s *Service) CloseShift(ctx context.Context, req domain.ShiftCloseRequest) (domain.ShiftResponse, error) {
	req.StoreID = s.storeID(req.StoreID)
	req.TerminalID = strings.TrimSpace(req.TerminalID)
	if req.TerminalID == "" || req.ClosingCash.IsNegative() {
		return domain.ShiftResponse{}, store.ErrInvalidTransaction
	}

	closedAt := time.Now().UTC()
	closed, err := s.repo.CloseActiveShift(ctx, req.StoreID, req.TerminalID, domain.Shift{
		ClosingCash: domain.Money(req.ClosingCash),
		ClosedAt:    &closedAt,
	})
	if err != nil {
		return domain.ShiftResponse{}, err
	}

	detail := fmt.Sprintf("closing_cash=%s,expected_cash=%s,variance=%s",
		closed.ClosingCash.StringFixed(2), closed.ExpectedCash.StringFixed(2), closed.Variance.StringFixed(2))
	if notes := strings.TrimSpace(req.Notes); notes != "" {
		detail += ",notes=" + notes
	}
	s.logAudit(ctx, req.StoreID, "shift_close", "shift", closed.ID, detail)
	return domain.ShiftResponse{Shift: *closed}, nil
}

func (s *Service) GetActiveShift(ctx context.Context, storeID string, terminalID string) (domain.ShiftResponse, error) {
	terminalID = strings.TrimSpace(terminalID)
	if terminalID == "" {
		return domain.ShiftResponse{}, store.ErrInvalidTransaction
	}

	shift, err := s.repo.GetActiveShift(ctx, s.storeID(storeID), terminalID)
	if err != nil {
		return domain.ShiftResponse{}, err
	}
	return domain.ShiftResponse{Shift: *shift}, nil
}
