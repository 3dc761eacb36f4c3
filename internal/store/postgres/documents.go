package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"posbalance/backend/internal/domain"
	"posbalance/backend/internal/store"
	"posbalance/backend/internal/xid"
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *Store) CreateDocument(ctx context.Context, doc domain.Document) (*domain.Document, error) {
	doc, err := prepareDocument(doc)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if err := insertDocument(ctx, tx, doc); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	doc.PriorPayments = []domain.PaymentRecord{}
	return &doc, nil
}

func prepareDocument(doc domain.Document) (domain.Document, error) {
	if doc.StoreID == "" || !doc.Kind.IsValid() || len(doc.LineItems) == 0 {
		return domain.Document{}, store.ErrInvalidTransaction
	}
	if doc.ID == "" {
		doc.ID = xid.New("doc")
	}
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = time.Now().UTC()
	}
	if doc.ExchangeRate.IsZero() {
		doc.ExchangeRate = decimal.NewFromInt(1)
	}
	return doc, nil
}

// insertDocument writes the document row and its line items through q.
func insertDocument(ctx context.Context, q querier, doc domain.Document) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO documents (
			id, store_id, kind, counterparty_id, currency, original_currency,
			exchange_rate, total, created_by, created_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`, doc.ID, doc.StoreID, doc.Kind, nullIfEmpty(doc.CounterpartyID), doc.Currency, nullIfEmpty(doc.OriginalCurrency),
		doc.ExchangeRate, doc.Total, nullIfEmpty(doc.CreatedBy), doc.CreatedAt)
	if err != nil {
		switch {
		case isForeignKeyViolation(err):
			return store.ErrNotFound
		case isUniqueViolation(err):
			return store.ErrInvalidTransaction
		}
		return err
	}

	for i, item := range doc.LineItems {
		if _, err := q.ExecContext(ctx, `
			INSERT INTO document_items (document_id, id, position, description, unit_price, quantity)
			VALUES ($1,$2,$3,$4,$5,$6)
		`, doc.ID, item.ID, i, item.Description, item.UnitPrice, item.Quantity); err != nil {
			if isUniqueViolation(err) {
				return store.ErrInvalidTransaction
			}
			return err
		}
	}
	return nil
}

func (s *Store) GetDocument(ctx context.Context, id string) (*domain.Document, error) {
	docs, err := loadDocuments(ctx, s.db, []string{id}, false)
	if err != nil {
		return nil, err
	}
	doc, ok := docs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &doc, nil
}

func (s *Store) GetDocuments(ctx context.Context, ids []string) (map[string]domain.Document, error) {
	if len(ids) == 0 {
		return map[string]domain.Document{}, nil
	}
	return loadDocuments(ctx, s.db, ids, false)
}

func (s *Store) ListDocuments(ctx context.Context, filter domain.DocumentFilter) ([]domain.Document, error) {
	conditions := make([]string, 0, 4)
	args := make([]any, 0, 4)
	add := func(clause string, value any) {
		args = append(args, value)
		conditions = append(conditions, fmt.Sprintf(clause, len(args)))
	}
	if filter.StoreID != "" {
		add("d.store_id = $%d", filter.StoreID)
	}
	if filter.Kind != "" {
		add("d.kind = $%d", string(filter.Kind))
	}
	if filter.CounterpartyID != "" {
		add("d.counterparty_id = $%d", filter.CounterpartyID)
	}
	if query := strings.TrimSpace(filter.Query); query != "" {
		args = append(args, "%"+query+"%")
		n := len(args)
		conditions = append(conditions, fmt.Sprintf("(c.name ILIKE $%d OR d.id ILIKE $%d)", n, n))
	}

	sqlText := `
		SELECT d.id
		FROM documents d
		LEFT JOIN counterparties c ON c.id = d.counterparty_id`
	if len(conditions) > 0 {
		sqlText += "\n\t\tWHERE " + strings.Join(conditions, " AND ")
	}
	sqlText += "\n\t\tORDER BY d.created_at ASC, d.id ASC"

	rows, err := s.db.QueryContext(ctx, sqlText, args...)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, 32)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	if len(ids) == 0 {
		return []domain.Document{}, nil
	}
	byID, err := loadDocuments(ctx, s.db, ids, false)
	if err != nil {
		return nil, err
	}

	result := make([]domain.Document, 0, len(ids))
	for _, id := range ids {
		doc, ok := byID[id]
		if !ok {
			continue
		}
		if filter.OpenOnly && doc.IsSettled() {
			continue
		}
		result = append(result, doc)
		if filter.Limit > 0 && len(result) == filter.Limit {
			break
		}
	}
	return result, nil
}

// loadDocuments reads documents with their line items and payments. With
// lock set the document rows are held FOR UPDATE until the transaction ends.
func loadDocuments(ctx context.Context, q querier, ids []string, lock bool) (map[string]domain.Document, error) {
	docQuery := `
		SELECT id, store_id, kind, counterparty_id, currency, original_currency,
			exchange_rate, total, created_by, created_at
		FROM documents
		WHERE id = ANY($1)
		ORDER BY id`
	if lock {
		docQuery += "\n\t\tFOR UPDATE"
	}

	rows, err := q.QueryContext(ctx, docQuery, ids)
	if err != nil {
		return nil, err
	}
	docs := make(map[string]domain.Document, len(ids))
	for rows.Next() {
		var doc domain.Document
		var counterpartyID, originalCurrency, createdBy sql.NullString
		if err := rows.Scan(&doc.ID, &doc.StoreID, &doc.Kind, &counterpartyID, &doc.Currency, &originalCurrency,
			&doc.ExchangeRate, &doc.Total, &createdBy, &doc.CreatedAt); err != nil {
			rows.Close()
			return nil, err
		}
		doc.CounterpartyID = counterpartyID.String
		doc.OriginalCurrency = originalCurrency.String
		doc.CreatedBy = createdBy.String
		doc.CreatedAt = doc.CreatedAt.UTC()
		doc.LineItems = []domain.LineItem{}
		doc.PriorPayments = []domain.PaymentRecord{}
		docs[doc.ID] = doc
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()
	if len(docs) == 0 {
		return docs, nil
	}

	rows, err = q.QueryContext(ctx, `
		SELECT document_id, id, description, unit_price, quantity
		FROM document_items
		WHERE document_id = ANY($1)
		ORDER BY document_id, position
	`, ids)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var documentID string
		var item domain.LineItem
		if err := rows.Scan(&documentID, &item.ID, &item.Description, &item.UnitPrice, &item.Quantity); err != nil {
			rows.Close()
			return nil, err
		}
		if doc, ok := docs[documentID]; ok {
			doc.LineItems = append(doc.LineItems, item)
			docs[documentID] = doc
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	payments, err := queryPayments(ctx, q, "document_id = ANY($1)", ids)
	if err != nil {
		return nil, err
	}
	for _, payment := range payments {
		if doc, ok := docs[payment.DocumentID]; ok {
			doc.PriorPayments = append(doc.PriorPayments, payment)
			docs[payment.DocumentID] = doc
		}
	}
	return docs, nil
}

func queryPayments(ctx context.Context, q querier, where string, arg any) ([]domain.PaymentRecord, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, settlement_id, document_id, shift_id, method, amount, applied_amount,
			reference, source_account_id, breakdown, allocations, created_at
		FROM payments
		WHERE `+where+`
		ORDER BY created_at ASC, id ASC
	`, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	payments := make([]domain.PaymentRecord, 0, 8)
	for rows.Next() {
		var payment domain.PaymentRecord
		var shiftID, reference, sourceAccountID sql.NullString
		var breakdownRaw, allocationsRaw []byte
		if err := rows.Scan(&payment.ID, &payment.SettlementID, &payment.DocumentID, &shiftID, &payment.Method,
			&payment.Amount, &payment.AppliedAmount, &reference, &sourceAccountID,
			&breakdownRaw, &allocationsRaw, &payment.CreatedAt); err != nil {
			return nil, err
		}
		payment.ShiftID = shiftID.String
		payment.Reference = reference.String
		payment.SourceAccountID = sourceAccountID.String
		payment.CreatedAt = payment.CreatedAt.UTC()
		if err := json.Unmarshal(breakdownRaw, &payment.Breakdown); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(allocationsRaw, &payment.Allocations); err != nil {
			return nil, err
		}
		payments = append(payments, payment)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return payments, nil
}

func (s *Store) CreateCounterparty(ctx context.Context, counterparty domain.Counterparty) (*domain.Counterparty, error) {
	counterparty.Name = strings.TrimSpace(counterparty.Name)
	if counterparty.Name == "" {
		return nil, store.ErrInvalidTransaction
	}
	if counterparty.ID == "" {
		counterparty.ID = xid.New("cp")
	}
	if counterparty.Kind == "" {
		counterparty.Kind = domain.CounterpartyCustomer
	}
	if counterparty.CreatedAt.IsZero() {
		counterparty.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO counterparties (id, name, kind, phone, generic, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, counterparty.ID, counterparty.Name, counterparty.Kind, nullIfEmpty(counterparty.Phone), counterparty.Generic, counterparty.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrInvalidTransaction
		}
		return nil, err
	}
	return &counterparty, nil
}

func (s *Store) GetCounterparty(ctx context.Context, id string) (*domain.Counterparty, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, kind, phone, generic, created_at
		FROM counterparties
		WHERE id = $1
	`, id)
	counterparty, err := scanCounterparty(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &counterparty, nil
}

func (s *Store) ListCounterparties(ctx context.Context, query string, limit int) ([]domain.Counterparty, error) {
	if limit < 1 {
		limit = 50
	}
	query = strings.TrimSpace(query)

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, kind, phone, generic, created_at
		FROM counterparties
		WHERE $1 = '' OR name ILIKE '%' || $1 || '%' OR phone LIKE '%' || $1 || '%'
		ORDER BY name ASC
		LIMIT $2
	`, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]domain.Counterparty, 0, limit)
	for rows.Next() {
		counterparty, err := scanCounterparty(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, counterparty)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCounterparty(row rowScanner) (domain.Counterparty, error) {
	var counterparty domain.Counterparty
	var phone sql.NullString
	if err := row.Scan(&counterparty.ID, &counterparty.Name, &counterparty.Kind, &phone, &counterparty.Generic, &counterparty.CreatedAt); err != nil {
		return domain.Counterparty{}, err
	}
	counterparty.Phone = phone.String
	counterparty.CreatedAt = counterparty.CreatedAt.UTC()
	return counterparty, nil
}
