package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"posbalance/backend/internal/domain"
	"posbalance/backend/internal/store"
	"posbalance/backend/internal/xid"
)

func (s *Store) FindSettlementByIdempotency(ctx context.Context, storeID string, key string) (*domain.Settlement, error) {
	return findSettlement(ctx, s.db, storeID, key)
}

func findSettlement(ctx context.Context, q querier, storeID string, key string) (*domain.Settlement, error) {
	var settlement domain.Settlement
	var shiftID, counterpartyID, createdBy sql.NullString
	var itemsRaw []byte
	err := q.QueryRowContext(ctx, `
		SELECT id, store_id, terminal_id, shift_id, idempotency_key, counterparty_id, disposition,
			tendered, applied, excess, change_amount, wallet_credit, items, created_by, created_at
		FROM settlements
		WHERE store_id = $1 AND idempotency_key = $2
	`, storeID, key).Scan(
		&settlement.ID,
		&settlement.StoreID,
		&settlement.TerminalID,
		&shiftID,
		&settlement.IdempotencyKey,
		&counterpartyID,
		&settlement.Disposition,
		&settlement.Tendered,
		&settlement.Applied,
		&settlement.Excess,
		&settlement.Change,
		&settlement.WalletCredit,
		&itemsRaw,
		&createdBy,
		&settlement.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	settlement.ShiftID = shiftID.String
	settlement.CounterpartyID = counterpartyID.String
	settlement.CreatedBy = createdBy.String
	settlement.CreatedAt = settlement.CreatedAt.UTC()
	if err := json.Unmarshal(itemsRaw, &settlement.Items); err != nil {
		return nil, err
	}

	settlement.Payments, err = queryPayments(ctx, q, "settlement_id = $1", settlement.ID)
	if err != nil {
		return nil, err
	}
	settlement.WalletEntries, err = queryWalletEntries(ctx, q, `
		WHERE settlement_id = $1
		ORDER BY created_at ASC, id ASC`, settlement.ID)
	if err != nil {
		return nil, err
	}
	return &settlement, nil
}

func (s *Store) ApplySettlement(ctx context.Context, settlement domain.Settlement) (*domain.Settlement, error) {
	if settlement.IdempotencyKey == "" || settlement.StoreID == "" || len(settlement.Payments) == 0 {
		return nil, store.ErrInvalidTransaction
	}
	if settlement.ID == "" {
		settlement.ID = xid.New("stl")
	}
	if settlement.CreatedAt.IsZero() {
		settlement.CreatedAt = time.Now().UTC()
	}

	saved, err := s.applySettlement(ctx, settlement)
	if err != nil {
		switch {
		case isUniqueViolation(err):
			// Lost the race for the idempotency key; hand back the winner.
			return s.FindSettlementByIdempotency(ctx, settlement.StoreID, settlement.IdempotencyKey)
		case isSerializationFailure(err):
			return nil, store.ErrConflict
		case isForeignKeyViolation(err):
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return saved, nil
}

func (s *Store) applySettlement(ctx context.Context, settlement domain.Settlement) (*domain.Settlement, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	existing, err := findSettlement(ctx, tx, settlement.StoreID, settlement.IdempotencyKey)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	if err := requireOpenShift(ctx, tx, settlement.ShiftID); err != nil {
		return nil, err
	}
	if settlement.Document != nil {
		doc, err := prepareDocument(*settlement.Document)
		if err != nil {
			return nil, err
		}
		if err := insertDocument(ctx, tx, doc); err != nil {
			return nil, err
		}
		settlement.Document = nil
	}

	ids := make([]string, 0, len(settlement.Payments))
	for _, payment := range settlement.Payments {
		ids = append(ids, payment.DocumentID)
	}
	docs, err := loadDocuments(ctx, tx, ids, true)
	if err != nil {
		return nil, err
	}
	if err := checkPaymentsFit(docs, settlement.Payments); err != nil {
		return nil, err
	}

	itemsJSON, err := json.Marshal(settlement.Items)
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO settlements (
			id, store_id, terminal_id, shift_id, idempotency_key, counterparty_id, disposition,
			tendered, applied, excess, change_amount, wallet_credit, items, created_by, created_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
	`, settlement.ID, settlement.StoreID, settlement.TerminalID, nullIfEmpty(settlement.ShiftID), settlement.IdempotencyKey,
		nullIfEmpty(settlement.CounterpartyID), settlement.Disposition, settlement.Tendered, settlement.Applied,
		settlement.Excess, settlement.Change, settlement.WalletCredit, itemsJSON, nullIfEmpty(settlement.CreatedBy),
		settlement.CreatedAt); err != nil {
		return nil, err
	}

	for i := range settlement.Payments {
		payment := &settlement.Payments[i]
		if payment.ID == "" {
			payment.ID = xid.New("pay")
		}
		payment.SettlementID = settlement.ID
		payment.ShiftID = settlement.ShiftID
		if payment.CreatedAt.IsZero() {
			payment.CreatedAt = settlement.CreatedAt
		}
		breakdownJSON, err := json.Marshal(payment.Breakdown)
		if err != nil {
			return nil, err
		}
		allocationsJSON, err := json.Marshal(payment.Allocations)
		if err != nil {
			return nil, err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO payments (
				id, settlement_id, document_id, shift_id, method, amount, applied_amount,
				reference, source_account_id, breakdown, allocations, created_at
			)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		`, payment.ID, payment.SettlementID, payment.DocumentID, nullIfEmpty(payment.ShiftID), payment.Method,
			payment.Amount, payment.AppliedAmount, nullIfEmpty(payment.Reference), nullIfEmpty(payment.SourceAccountID),
			breakdownJSON, allocationsJSON, payment.CreatedAt); err != nil {
			return nil, err
		}
	}

	staged := make([]domain.WalletEntry, 0, len(settlement.WalletEntries))
	for _, entry := range settlement.WalletEntries {
		entry.SettlementID = settlement.ID
		if entry.CreatedAt.IsZero() {
			entry.CreatedAt = settlement.CreatedAt
		}
		saved, err := applyWalletEntry(ctx, tx, entry)
		if err != nil {
			return nil, err
		}
		staged = append(staged, saved)
	}
	settlement.WalletEntries = staged

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &settlement, nil
}

// requireOpenShift holds a share lock on the settlement's shift so it cannot
// close until this transaction ends.
func requireOpenShift(ctx context.Context, tx *sql.Tx, shiftID string) error {
	if shiftID == "" {
		return nil
	}
	var status string
	err := tx.QueryRowContext(ctx, `SELECT status FROM shifts WHERE id = $1 FOR SHARE`, shiftID).Scan(&status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.ErrShiftClosed
		}
		return err
	}
	if status != domain.ShiftStatusOpen {
		return store.ErrShiftClosed
	}
	return nil
}

// checkPaymentsFit rejects payments that would push a document or one of its
// line items past its total given the currently stored payments.
func checkPaymentsFit(docs map[string]domain.Document, payments []domain.PaymentRecord) error {
	for _, payment := range payments {
		doc, ok := docs[payment.DocumentID]
		if !ok {
			return store.ErrNotFound
		}
		if doc.PaidAmount().Add(payment.AppliedAmount).GreaterThan(doc.Total.Add(domain.SettlementEpsilon)) {
			return store.ErrConflict
		}
		for itemID, amount := range payment.Allocations {
			item, ok := doc.LineItem(itemID)
			if !ok {
				return store.ErrInvalidTransaction
			}
			if doc.ItemPaidAmount(itemID).Add(amount).GreaterThan(item.LineTotal().Add(domain.SettlementEpsilon)) {
				return store.ErrConflict
			}
		}
	}
	return nil
}

// applyWalletEntry locks the counterparty's balance row, applies the signed
// amount and appends the ledger entry.
func applyWalletEntry(ctx context.Context, tx *sql.Tx, entry domain.WalletEntry) (domain.WalletEntry, error) {
	if entry.ID == "" {
		entry.ID = xid.New("wal")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO wallets (counterparty_id, balance, updated_at)
		VALUES ($1, 0, now())
		ON CONFLICT (counterparty_id) DO NOTHING
	`, entry.CounterpartyID); err != nil {
		return domain.WalletEntry{}, err
	}

	var balance decimal.Decimal
	if err := tx.QueryRowContext(ctx, `
		SELECT balance FROM wallets WHERE counterparty_id = $1 FOR UPDATE
	`, entry.CounterpartyID).Scan(&balance); err != nil {
		return domain.WalletEntry{}, err
	}
	next := balance.Add(entry.Amount)
	if next.IsNegative() {
		return domain.WalletEntry{}, store.ErrInsufficientWalletBalance
	}
	entry.BalanceAfter = next

	if _, err := tx.ExecContext(ctx, `
		UPDATE wallets SET balance = $2, updated_at = now() WHERE counterparty_id = $1
	`, entry.CounterpartyID, next); err != nil {
		return domain.WalletEntry{}, err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO wallet_entries (
			id, counterparty_id, type, amount, balance_after, settlement_id, reference_id, reason, created_by, created_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`, entry.ID, entry.CounterpartyID, entry.Type, entry.Amount, entry.BalanceAfter, nullIfEmpty(entry.SettlementID),
		nullIfEmpty(entry.ReferenceID), nullIfEmpty(entry.Reason), nullIfEmpty(entry.CreatedBy), entry.CreatedAt); err != nil {
		return domain.WalletEntry{}, err
	}
	return entry, nil
}

func (s *Store) GetWallet(ctx context.Context, counterpartyID string, limit int) (*domain.Wallet, error) {
	if limit < 1 {
		limit = 50
	}

	var balance decimal.Decimal
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(w.balance, 0)
		FROM counterparties c
		LEFT JOIN wallets w ON w.counterparty_id = c.id
		WHERE c.id = $1
	`, counterpartyID).Scan(&balance)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}

	entries, err := queryWalletEntries(ctx, s.db, `
		WHERE counterparty_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2`, counterpartyID, limit)
	if err != nil {
		return nil, err
	}
	return &domain.Wallet{CounterpartyID: counterpartyID, Balance: balance, Entries: entries}, nil
}

func (s *Store) AdjustWallet(ctx context.Context, entry domain.WalletEntry) (*domain.WalletEntry, error) {
	counterparty, err := s.GetCounterparty(ctx, entry.CounterpartyID)
	if err != nil {
		return nil, err
	}
	if !counterparty.WalletEligible() || entry.Amount.IsZero() {
		return nil, store.ErrInvalidTransaction
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	saved, err := applyWalletEntry(ctx, tx, entry)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &saved, nil
}

func queryWalletEntries(ctx context.Context, q querier, tail string, args ...any) ([]domain.WalletEntry, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, counterparty_id, type, amount, balance_after, settlement_id, reference_id, reason, created_by, created_at
		FROM wallet_entries
		`+tail, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := make([]domain.WalletEntry, 0, 8)
	for rows.Next() {
		var entry domain.WalletEntry
		var settlementID, referenceID, reason, createdBy sql.NullString
		if err := rows.Scan(&entry.ID, &entry.CounterpartyID, &entry.Type, &entry.Amount, &entry.BalanceAfter,
			&settlementID, &referenceID, &reason, &createdBy, &entry.CreatedAt); err != nil {
			return nil, err
		}
		entry.SettlementID = settlementID.String
		entry.ReferenceID = referenceID.String
		entry.Reason = reason.String
		entry.CreatedBy = createdBy.String
		entry.CreatedAt = entry.CreatedAt.UTC()
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

func (s *Store) GetShiftCashFlow(ctx context.Context, shiftID string) (decimal.Decimal, error) {
	return shiftCashFlow(ctx, s.db, shiftID)
}

func shiftCashFlow(ctx context.Context, q querier, shiftID string) (decimal.Decimal, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT d.kind, p.breakdown
		FROM payments p
		JOIN documents d ON d.id = p.document_id
		WHERE p.shift_id = $1
	`, shiftID)
	if err != nil {
		return decimal.Zero, err
	}
	defer rows.Close()

	net := decimal.Zero
	for rows.Next() {
		var kind domain.DocumentKind
		var breakdownRaw []byte
		if err := rows.Scan(&kind, &breakdownRaw); err != nil {
			return decimal.Zero, err
		}
		var payment domain.PaymentRecord
		if err := json.Unmarshal(breakdownRaw, &payment.Breakdown); err != nil {
			return decimal.Zero, err
		}
		net = net.Add(store.CashMovement(kind, payment))
	}
	if err := rows.Err(); err != nil {
		return decimal.Zero, err
	}
	return net, nil
}

func (s *Store) GetDailyReport(ctx context.Context, storeID string, from time.Time, to time.Time) (domain.DailyReport, error) {
	report := domain.DailyReport{
		StoreID:  storeID,
		ByMethod: make([]domain.DailyReportMethod, 0, 6),
		ByKind:   make([]domain.DailyReportKind, 0, 5),
	}

	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
			COALESCE(SUM(tendered), 0),
			COALESCE(SUM(applied), 0),
			COALESCE(SUM(change_amount), 0),
			COALESCE(SUM(wallet_credit), 0)
		FROM settlements
		WHERE store_id = $1
			AND created_at >= $2
			AND created_at < $3
	`, storeID, from, to).Scan(&report.Settlements, &report.Tendered, &report.Applied, &report.ChangeGiven, &report.WalletCredited)
	if err != nil {
		return domain.DailyReport{}, err
	}

	methodRows, err := s.db.QueryContext(ctx, `
		SELECT e->>'method' AS method,
			COUNT(*),
			COALESCE(SUM((e->>'amount')::numeric), 0)
		FROM payments p
		JOIN settlements st ON st.id = p.settlement_id
		CROSS JOIN LATERAL jsonb_array_elements(p.breakdown) AS e
		WHERE st.store_id = $1
			AND st.created_at >= $2
			AND st.created_at < $3
		GROUP BY method
		ORDER BY method ASC
	`, storeID, from, to)
	if err != nil {
		return domain.DailyReport{}, err
	}
	for methodRows.Next() {
		var row domain.DailyReportMethod
		if err := methodRows.Scan(&row.Method, &row.Payments, &row.Total); err != nil {
			methodRows.Close()
			return domain.DailyReport{}, err
		}
		report.ByMethod = append(report.ByMethod, row)
	}
	if err := methodRows.Err(); err != nil {
		methodRows.Close()
		return domain.DailyReport{}, err
	}
	methodRows.Close()

	kindRows, err := s.db.QueryContext(ctx, `
		SELECT d.kind,
			COUNT(DISTINCT p.document_id),
			COALESCE(SUM(p.applied_amount), 0)
		FROM payments p
		JOIN settlements st ON st.id = p.settlement_id
		JOIN documents d ON d.id = p.document_id
		WHERE st.store_id = $1
			AND st.created_at >= $2
			AND st.created_at < $3
		GROUP BY d.kind
		ORDER BY d.kind ASC
	`, storeID, from, to)
	if err != nil {
		return domain.DailyReport{}, err
	}
	defer kindRows.Close()
	for kindRows.Next() {
		var row domain.DailyReportKind
		if err := kindRows.Scan(&row.Kind, &row.Documents, &row.Applied); err != nil {
			return domain.DailyReport{}, err
		}
		report.ByKind = append(report.ByKind, row)
	}
	if err := kindRows.Err(); err != nil {
		return domain.DailyReport{}, err
	}
	return report, nil
}
