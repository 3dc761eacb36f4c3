package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"posbalance/backend/internal/allocation"
	"posbalance/backend/internal/cache"
	"posbalance/backend/internal/domain"
	"posbalance/backend/internal/store"
	"posbalance/backend/internal/xid"
)

// prepared is everything a settlement needs after the documents, the
// counterparty and the register state have been read.
type prepared struct {
	storeID      string
	shiftID      string
	request      allocation.Request
	walletSpend  decimal.Decimal
	counterparty *domain.Counterparty
}

// PreviewSettlement runs the allocation without persisting anything.
func (s *Service) PreviewSettlement(ctx context.Context, req domain.SettlementRequest) (domain.SettlementResponse, error) {
	plan, err := s.prepareSettlement(ctx, req, nil)
	if err != nil {
		return domain.SettlementResponse{}, err
	}
	result, err := s.allocator.Allocate(plan.request)
	if err != nil {
		s.recordRejection(ctx, err, true)
		return domain.SettlementResponse{}, err
	}
	resp := resultToResponse(result, plan)
	resp.Preview = true
	return resp, nil
}

// Settle applies one payment across the requested documents. A request whose
// idempotency key was already settled is answered with the stored outcome.
func (s *Service) Settle(ctx context.Context, req domain.SettlementRequest) (domain.SettlementResponse, error) {
	req.StoreID = s.storeID(req.StoreID)
	req.IdempotencyKey = strings.TrimSpace(req.IdempotencyKey)
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = uuid.NewString()
	}

	if replayed, ok, err := s.replayed(ctx, req.StoreID, req.IdempotencyKey); err != nil {
		return domain.SettlementResponse{}, err
	} else if ok {
		return replayed, nil
	}

	return s.settle(ctx, req, nil)
}

// settle allocates and persists one settlement. created, when set, is a
// document that does not exist yet; it is written in the same step as the
// payments or not at all.
func (s *Service) settle(ctx context.Context, req domain.SettlementRequest, created *domain.Document) (domain.SettlementResponse, error) {
	startedAt := time.Now()
	var docs map[string]domain.Document
	if created != nil {
		docs = map[string]domain.Document{created.ID: *created}
	}
	plan, err := s.prepareSettlement(ctx, req, docs)
	if err != nil {
		return domain.SettlementResponse{}, err
	}
	result, err := s.allocator.Allocate(plan.request)
	if err != nil {
		s.recordRejection(ctx, err, false)
		return domain.SettlementResponse{}, err
	}

	settlement := domain.Settlement{
		ID:             xid.New("stl"),
		StoreID:        plan.storeID,
		TerminalID:     strings.TrimSpace(req.TerminalID),
		ShiftID:        plan.shiftID,
		IdempotencyKey: req.IdempotencyKey,
		Disposition:    result.Disposition,
		Tendered:       result.Tendered,
		Applied:        result.Applied,
		Excess:         result.Excess,
		Change:         result.Change,
		WalletCredit:   decimal.Zero,
		Payments:       result.Payments,
		Items:          result.Items,
		CreatedBy:      actorName(ctx),
		CreatedAt:      time.Now().UTC(),
		Document:       created,
	}
	if plan.counterparty != nil {
		settlement.CounterpartyID = plan.counterparty.ID
	}
	if plan.walletSpend.IsPositive() {
		settlement.WalletEntries = append(settlement.WalletEntries, domain.WalletEntry{
			CounterpartyID: settlement.CounterpartyID,
			Type:           domain.WalletEntryDebit,
			Amount:         plan.walletSpend.Neg(),
			ReferenceID:    result.Payments[0].ID,
			Reason:         "settlement tender",
			CreatedBy:      settlement.CreatedBy,
		})
	}
	if result.WalletCredit != nil {
		settlement.WalletCredit = result.WalletCredit.Amount
		settlement.WalletEntries = append(settlement.WalletEntries, domain.WalletEntry{
			CounterpartyID: result.WalletCredit.CounterpartyID,
			Type:           domain.WalletEntryCredit,
			Amount:         result.WalletCredit.Amount,
			ReferenceID:    result.WalletCredit.ReferencePaymentID,
			Reason:         "settlement excess",
			CreatedBy:      settlement.CreatedBy,
		})
	}

	saved, err := s.repo.ApplySettlement(ctx, settlement)
	if err != nil {
		if errors.Is(err, store.ErrConflict) || errors.Is(err, store.ErrShiftClosed) {
			s.logFor(ctx).Warn("settlement lost a concurrent update",
				zap.String("idempotency_key", req.IdempotencyKey),
				zap.Error(err),
			)
		}
		return domain.SettlementResponse{}, err
	}

	duplicate := saved.ID != settlement.ID
	resp := settlementToResponse(*saved, duplicate)
	s.remember(ctx, saved.StoreID, saved.IdempotencyKey, resp)
	if duplicate {
		s.metrics.SettlementReplayed()
		return resp, nil
	}

	if created != nil {
		s.logAudit(ctx, saved.StoreID, "document_create", "document", created.ID,
			fmt.Sprintf("kind=%s,total=%s,settlement=%s", created.Kind, created.Total.StringFixed(2), saved.ID))
	}
	s.metrics.SettlementAccepted(string(saved.Disposition), time.Since(startedAt))
	for _, payment := range saved.Payments {
		for _, entry := range payment.Breakdown {
			s.metrics.Tendered(string(entry.Method), entry.Amount.InexactFloat64())
		}
	}
	s.metrics.ChangeGiven(saved.Change.InexactFloat64())
	s.metrics.WalletCredited(saved.WalletCredit.InexactFloat64())

	s.logFor(ctx).Info("settlement applied",
		zap.String("settlement_id", saved.ID),
		zap.String("store_id", saved.StoreID),
		zap.String("disposition", string(saved.Disposition)),
		zap.String("tendered", saved.Tendered.StringFixed(2)),
		zap.String("applied", saved.Applied.StringFixed(2)),
		zap.String("excess", saved.Excess.StringFixed(2)),
		zap.Int("documents", len(saved.Payments)),
	)
	s.logAudit(ctx, saved.StoreID, "settlement", "settlement", saved.ID,
		fmt.Sprintf("tendered=%s,applied=%s,excess=%s,disposition=%s,documents=%d",
			saved.Tendered.StringFixed(2), saved.Applied.StringFixed(2), saved.Excess.StringFixed(2),
			saved.Disposition, len(saved.Payments)))
	return resp, nil
}

// prepareSettlement loads everything the allocator needs. docs, when given,
// replaces the repository read.
func (s *Service) prepareSettlement(ctx context.Context, req domain.SettlementRequest, docs map[string]domain.Document) (*prepared, error) {
	storeID := s.storeID(req.StoreID)
	if len(req.DocumentIDs) == 0 || len(req.Tenders) == 0 {
		return nil, store.ErrInvalidTransaction
	}

	ids := make([]string, 0, len(req.DocumentIDs))
	for _, id := range req.DocumentIDs {
		id = strings.TrimSpace(id)
		if id == "" {
			return nil, store.ErrInvalidTransaction
		}
		ids = append(ids, id)
	}
	if docs == nil {
		var err error
		docs, err = s.repo.GetDocuments(ctx, ids)
		if err != nil {
			return nil, err
		}
	}

	targets := make([]domain.Document, 0, len(ids))
	for _, id := range ids {
		doc, ok := docs[id]
		if !ok || doc.StoreID != storeID {
			return nil, fmt.Errorf("document %s: %w", id, store.ErrNotFound)
		}
		targets = append(targets, doc)
	}

	counterparty, err := s.resolveCounterparty(ctx, req.CounterpartyID, targets)
	if err != nil {
		return nil, err
	}

	plan := &prepared{
		storeID:      storeID,
		counterparty: counterparty,
		walletSpend:  decimal.Zero,
		request: allocation.Request{
			TargetDocuments:    targets,
			PerItemAllocations: itemAllocations(req.Allocations, targets),
			Tenders:            req.Tenders,
			WalletRouting:      req.WalletRouting,
			Counterparty:       counterparty,
		},
	}

	if terminalID := strings.TrimSpace(req.TerminalID); terminalID != "" {
		shift, err := s.repo.GetActiveShift(ctx, storeID, terminalID)
		switch {
		case err == nil:
			plan.shiftID = shift.ID
			plan.request.CashSessionOpen = true
		case !errors.Is(err, store.ErrNotFound):
			return nil, err
		}
	}

	for _, tender := range req.Tenders {
		if tender.Method == domain.PaymentMethodWalletCredit {
			plan.walletSpend = plan.walletSpend.Add(domain.Money(tender.Amount))
		}
	}
	if plan.walletSpend.IsPositive() {
		if counterparty == nil || !counterparty.WalletEligible() {
			return nil, fmt.Errorf("%w: wallet tender needs a named counterparty", store.ErrInvalidTransaction)
		}
		wallet, err := s.repo.GetWallet(ctx, counterparty.ID, 1)
		if err != nil {
			return nil, err
		}
		if wallet.Balance.LessThan(plan.walletSpend) {
			return nil, store.ErrInsufficientWalletBalance
		}
	}
	return plan, nil
}

// resolveCounterparty picks the explicit counterparty or, when none is given,
// the one every target document shares. Mixed counterparties are refused.
func (s *Service) resolveCounterparty(ctx context.Context, requested string, targets []domain.Document) (*domain.Counterparty, error) {
	id := strings.TrimSpace(requested)
	for _, doc := range targets {
		if doc.CounterpartyID == "" {
			continue
		}
		if id == "" {
			id = doc.CounterpartyID
			continue
		}
		if doc.CounterpartyID != id {
			return nil, fmt.Errorf("%w: documents belong to different counterparties", store.ErrInvalidTransaction)
		}
	}
	if id == "" {
		return nil, nil
	}
	counterparty, err := s.repo.GetCounterparty(ctx, id)
	if err != nil {
		return nil, err
	}
	return counterparty, nil
}

// itemAllocations converts request allocations; with none given every open
// line item of every target is requested in full.
func itemAllocations(inputs []domain.ItemAllocationInput, targets []domain.Document) []allocation.ItemAllocation {
	if len(inputs) > 0 {
		out := make([]allocation.ItemAllocation, 0, len(inputs))
		for _, input := range inputs {
			out = append(out, allocation.ItemAllocation{
				DocumentID: strings.TrimSpace(input.DocumentID),
				LineItemID: strings.TrimSpace(input.LineItemID),
				Amount:     input.Amount,
			})
		}
		return out
	}

	out := make([]allocation.ItemAllocation, 0, len(targets)*2)
	for _, doc := range targets {
		for _, item := range doc.LineItems {
			remaining := doc.ItemRemaining(item)
			if !remaining.IsPositive() {
				continue
			}
			out = append(out, allocation.ItemAllocation{DocumentID: doc.ID, LineItemID: item.ID, Amount: remaining})
		}
	}
	return out
}

func (s *Service) recordRejection(ctx context.Context, err error, preview bool) {
	rejection, ok := allocation.AsRejection(err)
	if !ok {
		s.logFor(ctx).Error("allocation failed", zap.Bool("preview", preview), zap.Error(err))
		return
	}
	if !preview {
		s.metrics.SettlementRejected(string(rejection.Reason))
	}
	s.logFor(ctx).Warn("settlement rejected",
		zap.Bool("preview", preview),
		zap.String("reason", string(rejection.Reason)),
		zap.String("actor", actorName(ctx)),
		zap.String("message", rejection.Message),
	)
}

// replayed answers a retried idempotency key from the cache, then the store.
func (s *Service) replayed(ctx context.Context, storeID string, key string) (domain.SettlementResponse, bool, error) {
	cacheKey := cache.SettlementKey(storeID, key)
	if cached, ok, err := s.replay.Get(ctx, cacheKey); err != nil {
		s.logFor(ctx).Warn("settlement cache read failed", zap.String("key", cacheKey), zap.Error(err))
	} else if ok {
		resp := *cached
		resp.Duplicate = true
		s.metrics.SettlementReplayed()
		return resp, true, nil
	}

	existing, err := s.repo.FindSettlementByIdempotency(ctx, storeID, key)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.SettlementResponse{}, false, nil
		}
		return domain.SettlementResponse{}, false, err
	}
	resp := settlementToResponse(*existing, true)
	s.remember(ctx, storeID, key, resp)
	s.metrics.SettlementReplayed()
	return resp, true, nil
}

func (s *Service) remember(ctx context.Context, storeID string, key string, resp domain.SettlementResponse) {
	resp.Duplicate = false
	if err := s.replay.Set(ctx, cache.SettlementKey(storeID, key), &resp, s.replayTTL); err != nil {
		s.logFor(ctx).Warn("settlement cache write failed", zap.String("idempotency_key", key), zap.Error(err))
	}
}

func (s *Service) LookupSettlement(ctx context.Context, storeID string, key string) (domain.SettlementLookupResponse, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return domain.SettlementLookupResponse{}, store.ErrInvalidTransaction
	}
	existing, err := s.repo.FindSettlementByIdempotency(ctx, s.storeID(storeID), key)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.SettlementLookupResponse{Found: false}, nil
		}
		return domain.SettlementLookupResponse{}, err
	}
	resp := settlementToResponse(*existing, false)
	return domain.SettlementLookupResponse{Found: true, Settlement: &resp}, nil
}

// Checkout creates a sale or service document and settles it in full in one
// call. The document is written together with its settlement, so a rejected,
// failed or replayed checkout leaves no document behind.
func (s *Service) Checkout(ctx context.Context, req domain.CheckoutRequest) (domain.CheckoutResponse, error) {
	req.StoreID = s.storeID(req.StoreID)
	req.IdempotencyKey = strings.TrimSpace(req.IdempotencyKey)
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = uuid.NewString()
	}
	if req.Kind == "" {
		req.Kind = domain.DocumentKindSale
	}
	if req.Kind != domain.DocumentKindSale && req.Kind != domain.DocumentKindService {
		return domain.CheckoutResponse{}, fmt.Errorf("%w: checkout supports SALE and SERVICE", store.ErrInvalidTransaction)
	}

	if replayed, ok, err := s.replayed(ctx, req.StoreID, req.IdempotencyKey); err != nil {
		return domain.CheckoutResponse{}, err
	} else if ok {
		return s.checkoutResponse(ctx, replayed)
	}

	doc, err := s.buildDocument(ctx, domain.DocumentCreateRequest{
		StoreID:        req.StoreID,
		Kind:           req.Kind,
		CounterpartyID: req.CounterpartyID,
		Currency:       req.Currency,
		LineItems:      req.LineItems,
	})
	if err != nil {
		return domain.CheckoutResponse{}, err
	}

	settlement, err := s.settle(ctx, domain.SettlementRequest{
		StoreID:        req.StoreID,
		TerminalID:     req.TerminalID,
		IdempotencyKey: req.IdempotencyKey,
		CounterpartyID: doc.CounterpartyID,
		DocumentIDs:    []string{doc.ID},
		Tenders:        req.Tenders,
		WalletRouting:  req.WalletRouting,
	}, &doc)
	if err != nil {
		return domain.CheckoutResponse{}, err
	}
	return s.checkoutResponse(ctx, settlement)
}

func (s *Service) checkoutResponse(ctx context.Context, settlement domain.SettlementResponse) (domain.CheckoutResponse, error) {
	if len(settlement.Payments) == 0 {
		return domain.CheckoutResponse{}, store.ErrInvalidTransaction
	}
	doc, err := s.repo.GetDocument(ctx, settlement.Payments[0].DocumentID)
	if err != nil {
		return domain.CheckoutResponse{}, err
	}
	return domain.CheckoutResponse{Document: doc.Summary(), Settlement: settlement}, nil
}

func resultToResponse(result *allocation.Result, plan *prepared) domain.SettlementResponse {
	resp := domain.SettlementResponse{
		ShiftID:      plan.shiftID,
		Disposition:  result.Disposition,
		Tendered:     result.Tendered,
		Applied:      result.Applied,
		Excess:       result.Excess,
		Change:       result.Change,
		WalletCredit: decimal.Zero,
		Payments:     result.Payments,
		Items:        result.Items,
	}
	if plan.counterparty != nil {
		resp.CounterpartyID = plan.counterparty.ID
	}
	if result.WalletCredit != nil {
		resp.WalletCredit = result.WalletCredit.Amount
	}
	return resp
}

func settlementToResponse(settlement domain.Settlement, duplicate bool) domain.SettlementResponse {
	return domain.SettlementResponse{
		SettlementID:   settlement.ID,
		IdempotencyKey: settlement.IdempotencyKey,
		CounterpartyID: settlement.CounterpartyID,
		ShiftID:        settlement.ShiftID,
		Disposition:    settlement.Disposition,
		Tendered:       settlement.Tendered,
		Applied:        settlement.Applied,
		Excess:         settlement.Excess,
		Change:         settlement.Change,
		WalletCredit:   settlement.WalletCredit,
		Payments:       settlement.Payments,
		Items:          settlement.Items,
		Duplicate:      duplicate,
		CreatedAt:      settlement.CreatedAt.Format(time.RFC3339),
	}
}
