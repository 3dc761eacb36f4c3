package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"posbalance/backend/internal/domain"
	"posbalance/backend/internal/fx"
	"posbalance/backend/internal/store"
	"posbalance/backend/internal/xid"
)

// CreateDocument fixes a document's line items and total. Prices quoted in a
// foreign currency are converted to the base currency once, here, and the
// rate is kept on the document.
func (s *Service) CreateDocument(ctx context.Context, req domain.DocumentCreateRequest) (domain.DocumentSummary, error) {
	doc, err := s.buildDocument(ctx, req)
	if err != nil {
		return domain.DocumentSummary{}, err
	}
	saved, err := s.repo.CreateDocument(ctx, doc)
	if err != nil {
		return domain.DocumentSummary{}, err
	}

	s.logAudit(ctx, saved.StoreID, "document_create", "document", saved.ID,
		fmt.Sprintf("kind=%s,total=%s,currency=%s", saved.Kind, saved.Total.StringFixed(2), saved.Currency))
	return saved.Summary(), nil
}

func (s *Service) buildDocument(ctx context.Context, req domain.DocumentCreateRequest) (domain.Document, error) {
	if !req.Kind.IsValid() || len(req.LineItems) == 0 {
		return domain.Document{}, store.ErrInvalidTransaction
	}

	counterpartyID := strings.TrimSpace(req.CounterpartyID)
	if counterpartyID == "" {
		if req.Kind.IsOutgoing() {
			return domain.Document{}, fmt.Errorf("%w: %s requires a supplier", store.ErrInvalidTransaction, req.Kind)
		}
		counterpartyID = domain.WalkInCounterpartyID
	}
	if _, err := s.repo.GetCounterparty(ctx, counterpartyID); err != nil {
		return domain.Document{}, err
	}

	base := s.rates.Base()
	currency := strings.ToUpper(strings.TrimSpace(req.Currency))
	if currency == "" {
		currency = base
	}
	rate := decimal.NewFromInt(1)
	if currency != base {
		var err error
		rate, err = s.rates.Rate(ctx, currency, base)
		if err != nil {
			if errors.Is(err, fx.ErrUnknownCurrency) {
				return domain.Document{}, fmt.Errorf("%w: %v", store.ErrInvalidTransaction, err)
			}
			return domain.Document{}, err
		}
	}

	doc := domain.Document{
		ID:             xid.New("doc"),
		StoreID:        s.storeID(req.StoreID),
		Kind:           req.Kind,
		CounterpartyID: counterpartyID,
		Currency:       base,
		ExchangeRate:   rate,
		Total:          decimal.Zero,
		LineItems:      make([]domain.LineItem, 0, len(req.LineItems)),
		CreatedBy:      actorName(ctx),
		CreatedAt:      time.Now().UTC(),
	}
	if currency != base {
		doc.OriginalCurrency = currency
	}

	for i, input := range req.LineItems {
		description := strings.TrimSpace(input.Description)
		if description == "" || input.UnitPrice.IsNegative() || !input.Quantity.IsPositive() {
			return domain.Document{}, store.ErrInvalidTransaction
		}
		item := domain.LineItem{
			ID:          "line-" + strconv.Itoa(i+1),
			Description: description,
			UnitPrice:   fx.Convert(input.UnitPrice, rate),
			Quantity:    input.Quantity,
		}
		doc.LineItems = append(doc.LineItems, item)
		doc.Total = doc.Total.Add(item.LineTotal())
	}
	if !doc.Total.IsPositive() {
		return domain.Document{}, fmt.Errorf("%w: document total must be positive", store.ErrInvalidTransaction)
	}
	return doc, nil
}

func (s *Service) GetDocument(ctx context.Context, id string) (domain.DocumentSummary, error) {
	if strings.TrimSpace(id) == "" {
		return domain.DocumentSummary{}, store.ErrInvalidTransaction
	}
	doc, err := s.repo.GetDocument(ctx, strings.TrimSpace(id))
	if err != nil {
		return domain.DocumentSummary{}, err
	}
	return doc.Summary(), nil
}

// ListOpenDocuments returns documents that still owe more than the settlement
// tolerance, oldest first.
func (s *Service) ListOpenDocuments(ctx context.Context, filter domain.DocumentFilter) (domain.DocumentListResponse, error) {
	filter.StoreID = s.storeID(filter.StoreID)
	filter.OpenOnly = true
	if filter.Kind != "" && !filter.Kind.IsValid() {
		return domain.DocumentListResponse{}, store.ErrInvalidTransaction
	}
	if filter.Limit < 1 {
		filter.Limit = 50
	}

	docs, err := s.repo.ListDocuments(ctx, filter)
	if err != nil {
		return domain.DocumentListResponse{}, err
	}
	resp := domain.DocumentListResponse{Documents: make([]domain.DocumentSummary, 0, len(docs))}
	for _, doc := range docs {
		resp.Documents = append(resp.Documents, doc.Summary())
	}
	return resp, nil
}

func (s *Service) CreateCounterparty(ctx context.Context, req domain.CounterpartyCreateRequest) (domain.Counterparty, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return domain.Counterparty{}, store.ErrInvalidTransaction
	}
	kind := req.Kind
	if kind == "" {
		kind = domain.CounterpartyCustomer
	}
	if kind != domain.CounterpartyCustomer && kind != domain.CounterpartySupplier {
		return domain.Counterparty{}, store.ErrInvalidTransaction
	}

	saved, err := s.repo.CreateCounterparty(ctx, domain.Counterparty{
		ID:        xid.New("cp"),
		Name:      name,
		Kind:      kind,
		Phone:     strings.TrimSpace(req.Phone),
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		return domain.Counterparty{}, err
	}
	s.logAudit(ctx, "", "counterparty_create", "counterparty", saved.ID, fmt.Sprintf("kind=%s", saved.Kind))
	return *saved, nil
}

func (s *Service) ListCounterparties(ctx context.Context, query string, limit int) (domain.CounterpartyListResponse, error) {
	if limit < 1 {
		limit = 50
	}
	counterparties, err := s.repo.ListCounterparties(ctx, query, limit)
	if err != nil {
		return domain.CounterpartyListResponse{}, err
	}
	return domain.CounterpartyListResponse{Counterparties: counterparties}, nil
}
