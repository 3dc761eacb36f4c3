package memory

import (
	"context"
	"fmt"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/crypto/bcrypt"

	"posbalance/backend/internal/domain"
	"posbalance/backend/internal/store"
	"posbalance/backend/internal/xid"
)

type Store struct {
	mu                 sync.RWMutex
	documentsByID      map[string]domain.Document
	paymentsByDocument map[string][]domain.PaymentRecord
	settlementsByID    map[string]domain.Settlement
	settlementsByIdem  map[string]string
	counterpartiesByID map[string]domain.Counterparty
	walletEntries      map[string][]domain.WalletEntry
	auditLogs          []domain.AuditLog
	shiftsByID         map[string]domain.Shift
	activeShiftByKey   map[string]string
	usersByUsername    map[string]domain.UserAccount
}

// seedUsers builds the dev/demo accounts. Passwords come from
// SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD, falling back to dev defaults.
func seedUsers() map[string]domain.UserAccount {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	cashierPwd := envOr("SEED_CASHIER_PASSWORD", "cashier123")

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username string
		password string
		role     string
	}{
		{"admin", adminPwd, "admin"},
		{"cashier", cashierPwd, "cashier"},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			panic(fmt.Sprintf("memory: hash seed password for %s: %v", u.username, err))
		}
		users[u.username] = domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			Active:    true,
			CreatedAt: now,
		}
	}
	return users
}

// UsesDefaultCredentials reports whether the seeded accounts kept their dev
// passwords.
func UsesDefaultCredentials() bool {
	return os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_CASHIER_PASSWORD") == ""
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func NewSeeded() *Store {
	now := time.Now().UTC()
	counterparties := []domain.Counterparty{
		{ID: domain.WalkInCounterpartyID, Name: "Walk-in Customer", Kind: domain.CounterpartyCustomer, Generic: true, CreatedAt: now},
		{ID: "cust-nadia", Name: "Nadia Rahman", Kind: domain.CounterpartyCustomer, Phone: "+966500000001", CreatedAt: now},
		{ID: "sup-alnoor", Name: "Al Noor Trading", Kind: domain.CounterpartySupplier, Phone: "+966500000002", CreatedAt: now},
	}
	byID := make(map[string]domain.Counterparty, len(counterparties))
	for _, c := range counterparties {
		byID[c.ID] = c
	}

	return &Store{
		documentsByID:      make(map[string]domain.Document),
		paymentsByDocument: make(map[string][]domain.PaymentRecord),
		settlementsByID:    make(map[string]domain.Settlement),
		settlementsByIdem:  make(map[string]string),
		counterpartiesByID: byID,
		walletEntries:      make(map[string][]domain.WalletEntry),
		auditLogs:          make([]domain.AuditLog, 0, 128),
		shiftsByID:         make(map[string]domain.Shift),
		activeShiftByKey:   make(map[string]string),
		usersByUsername:    seedUsers(),
	}
}

func (s *Store) CreateDocument(_ context.Context, doc domain.Document) (*domain.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.prepareDocumentLocked(doc)
	if err != nil {
		return nil, err
	}
	s.documentsByID[doc.ID] = cloneDocument(doc)
	saved := s.documentLocked(doc.ID)
	return &saved, nil
}

func (s *Store) prepareDocumentLocked(doc domain.Document) (domain.Document, error) {
	if doc.StoreID == "" || !doc.Kind.IsValid() || len(doc.LineItems) == 0 {
		return domain.Document{}, store.ErrInvalidTransaction
	}
	if doc.CounterpartyID != "" {
		if _, exists := s.counterpartiesByID[doc.CounterpartyID]; !exists {
			return domain.Document{}, store.ErrNotFound
		}
	}
	if doc.ID == "" {
		doc.ID = xid.New("doc")
	}
	if _, exists := s.documentsByID[doc.ID]; exists {
		return domain.Document{}, store.ErrInvalidTransaction
	}
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = time.Now().UTC()
	}
	doc.PriorPayments = nil
	return doc, nil
}

func (s *Store) GetDocument(_ context.Context, id string) (*domain.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, exists := s.documentsByID[id]; !exists {
		return nil, store.ErrNotFound
	}
	doc := s.documentLocked(id)
	return &doc, nil
}

func (s *Store) GetDocuments(_ context.Context, ids []string) (map[string]domain.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make(map[string]domain.Document, len(ids))
	for _, id := range ids {
		if _, exists := s.documentsByID[id]; exists {
			result[id] = s.documentLocked(id)
		}
	}
	return result, nil
}

func (s *Store) ListDocuments(_ context.Context, filter domain.DocumentFilter) ([]domain.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := strings.ToLower(strings.TrimSpace(filter.Query))
	result := make([]domain.Document, 0, 32)
	for id, doc := range s.documentsByID {
		if filter.StoreID != "" && doc.StoreID != filter.StoreID {
			continue
		}
		if filter.Kind != "" && doc.Kind != filter.Kind {
			continue
		}
		if filter.CounterpartyID != "" && doc.CounterpartyID != filter.CounterpartyID {
			continue
		}
		if query != "" {
			name := strings.ToLower(s.counterpartiesByID[doc.CounterpartyID].Name)
			if !strings.Contains(name, query) && !strings.Contains(strings.ToLower(doc.ID), query) {
				continue
			}
		}
		full := s.documentLocked(id)
		if filter.OpenOnly && full.IsSettled() {
			continue
		}
		result = append(result, full)
	}
	slices.SortFunc(result, func(a, b domain.Document) int {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return cmpString(a.ID, b.ID)
		}
		if a.CreatedAt.Before(b.CreatedAt) {
			return -1
		}
		return 1
	})
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

func (s *Store) CreateCounterparty(_ context.Context, counterparty domain.Counterparty) (*domain.Counterparty, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	counterparty.Name = strings.TrimSpace(counterparty.Name)
	if counterparty.Name == "" {
		return nil, store.ErrInvalidTransaction
	}
	if counterparty.ID == "" {
		counterparty.ID = xid.New("cp")
	}
	if _, exists := s.counterpartiesByID[counterparty.ID]; exists {
		return nil, store.ErrInvalidTransaction
	}
	if counterparty.Kind == "" {
		counterparty.Kind = domain.CounterpartyCustomer
	}
	if counterparty.CreatedAt.IsZero() {
		counterparty.CreatedAt = time.Now().UTC()
	}
	s.counterpartiesByID[counterparty.ID] = counterparty
	copyCounterparty := counterparty
	return &copyCounterparty, nil
}

func (s *Store) GetCounterparty(_ context.Context, id string) (*domain.Counterparty, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counterparty, exists := s.counterpartiesByID[id]
	if !exists {
		return nil, store.ErrNotFound
	}
	return &counterparty, nil
}

func (s *Store) ListCounterparties(_ context.Context, query string, limit int) ([]domain.Counterparty, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query = strings.ToLower(strings.TrimSpace(query))
	result := make([]domain.Counterparty, 0, len(s.counterpartiesByID))
	for _, counterparty := range s.counterpartiesByID {
		if query != "" && !strings.Contains(strings.ToLower(counterparty.Name), query) && !strings.Contains(counterparty.Phone, query) {
			continue
		}
		result = append(result, counterparty)
	}
	slices.SortFunc(result, func(a, b domain.Counterparty) int {
		return cmpString(a.Name, b.Name)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) GetWallet(_ context.Context, counterpartyID string, limit int) (*domain.Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, exists := s.counterpartiesByID[counterpartyID]; !exists {
		return nil, store.ErrNotFound
	}
	entries := s.walletEntries[counterpartyID]
	wallet := &domain.Wallet{
		CounterpartyID: counterpartyID,
		Balance:        walletBalance(entries),
		Entries:        make([]domain.WalletEntry, 0, len(entries)),
	}
	for i := len(entries) - 1; i >= 0; i-- {
		wallet.Entries = append(wallet.Entries, entries[i])
		if limit > 0 && len(wallet.Entries) == limit {
			break
		}
	}
	return wallet, nil
}

func (s *Store) AdjustWallet(_ context.Context, entry domain.WalletEntry) (*domain.WalletEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	counterparty, exists := s.counterpartiesByID[entry.CounterpartyID]
	if !exists {
		return nil, store.ErrNotFound
	}
	if !counterparty.WalletEligible() || entry.Amount.IsZero() {
		return nil, store.ErrInvalidTransaction
	}
	balances := map[string]decimal.Decimal{}
	saved, err := s.stageWalletEntryLocked(balances, entry)
	if err != nil {
		return nil, err
	}
	s.walletEntries[saved.CounterpartyID] = append(s.walletEntries[saved.CounterpartyID], saved)
	return &saved, nil
}

func (s *Store) FindSettlementByIdempotency(_ context.Context, storeID string, key string) (*domain.Settlement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, exists := s.settlementsByIdem[idemKey(storeID, key)]
	if !exists {
		return nil, store.ErrNotFound
	}
	settlement := cloneSettlement(s.settlementsByID[id])
	return &settlement, nil
}

func (s *Store) ApplySettlement(_ context.Context, settlement domain.Settlement) (*domain.Settlement, error) {
	if settlement.IdempotencyKey == "" || settlement.StoreID == "" || len(settlement.Payments) == 0 {
		return nil, store.ErrInvalidTransaction
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if id, exists := s.settlementsByIdem[idemKey(settlement.StoreID, settlement.IdempotencyKey)]; exists {
		existing := cloneSettlement(s.settlementsByID[id])
		return &existing, nil
	}
	if settlement.ShiftID != "" {
		if shift, exists := s.shiftsByID[settlement.ShiftID]; !exists || shift.Status != domain.ShiftStatusOpen {
			return nil, store.ErrShiftClosed
		}
	}
	if settlement.ID == "" {
		settlement.ID = xid.New("stl")
	}
	if settlement.CreatedAt.IsZero() {
		settlement.CreatedAt = time.Now().UTC()
	}

	// A new document is staged in place and removed again unless the
	// settlement commits.
	committed := false
	if settlement.Document != nil {
		doc, err := s.prepareDocumentLocked(*settlement.Document)
		if err != nil {
			return nil, err
		}
		s.documentsByID[doc.ID] = cloneDocument(doc)
		defer func() {
			if !committed {
				delete(s.documentsByID, doc.ID)
			}
		}()
		settlement.Document = nil
	}

	for _, payment := range settlement.Payments {
		if _, exists := s.documentsByID[payment.DocumentID]; !exists {
			return nil, store.ErrNotFound
		}
		doc := s.documentLocked(payment.DocumentID)
		if doc.PaidAmount().Add(payment.AppliedAmount).GreaterThan(doc.Total.Add(domain.SettlementEpsilon)) {
			return nil, store.ErrConflict
		}
		for itemID, amount := range payment.Allocations {
			item, ok := doc.LineItem(itemID)
			if !ok {
				return nil, store.ErrInvalidTransaction
			}
			if doc.ItemPaidAmount(itemID).Add(amount).GreaterThan(item.LineTotal().Add(domain.SettlementEpsilon)) {
				return nil, store.ErrConflict
			}
		}
	}

	balances := map[string]decimal.Decimal{}
	staged := make([]domain.WalletEntry, 0, len(settlement.WalletEntries))
	for _, entry := range settlement.WalletEntries {
		if _, exists := s.counterpartiesByID[entry.CounterpartyID]; !exists {
			return nil, store.ErrNotFound
		}
		entry.SettlementID = settlement.ID
		if entry.CreatedAt.IsZero() {
			entry.CreatedAt = settlement.CreatedAt
		}
		saved, err := s.stageWalletEntryLocked(balances, entry)
		if err != nil {
			return nil, err
		}
		staged = append(staged, saved)
	}
	settlement.WalletEntries = staged

	for i := range settlement.Payments {
		settlement.Payments[i].SettlementID = settlement.ID
		settlement.Payments[i].ShiftID = settlement.ShiftID
		if settlement.Payments[i].CreatedAt.IsZero() {
			settlement.Payments[i].CreatedAt = settlement.CreatedAt
		}
		payment := clonePayment(settlement.Payments[i])
		s.paymentsByDocument[payment.DocumentID] = append(s.paymentsByDocument[payment.DocumentID], payment)
	}
	for _, entry := range staged {
		s.walletEntries[entry.CounterpartyID] = append(s.walletEntries[entry.CounterpartyID], entry)
	}
	s.settlementsByID[settlement.ID] = cloneSettlement(settlement)
	s.settlementsByIdem[idemKey(settlement.StoreID, settlement.IdempotencyKey)] = settlement.ID
	committed = true

	saved := cloneSettlement(settlement)
	return &saved, nil
}

func (s *Store) GetShiftCashFlow(_ context.Context, shiftID string) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.shiftCashFlowLocked(shiftID), nil
}

func (s *Store) shiftCashFlowLocked(shiftID string) decimal.Decimal {
	net := decimal.Zero
	for _, settlement := range s.settlementsByID {
		if settlement.ShiftID != shiftID {
			continue
		}
		for _, payment := range settlement.Payments {
			net = net.Add(store.CashMovement(s.documentsByID[payment.DocumentID].Kind, payment))
		}
	}
	return net
}

func (s *Store) GetDailyReport(_ context.Context, storeID string, from time.Time, to time.Time) (domain.DailyReport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	report := domain.DailyReport{
		StoreID:        storeID,
		Tendered:       decimal.Zero,
		Applied:        decimal.Zero,
		ChangeGiven:    decimal.Zero,
		WalletCredited: decimal.Zero,
		ByMethod:       make([]domain.DailyReportMethod, 0, 6),
		ByKind:         make([]domain.DailyReportKind, 0, 5),
	}
	byMethod := map[domain.PaymentMethod]*domain.DailyReportMethod{}
	byKind := map[domain.DocumentKind]*domain.DailyReportKind{}
	documentsSeen := map[domain.DocumentKind]map[string]struct{}{}

	for _, settlement := range s.settlementsByID {
		if settlement.StoreID != storeID {
			continue
		}
		if settlement.CreatedAt.Before(from) || !settlement.CreatedAt.Before(to) {
			continue
		}
		report.Settlements++
		report.Tendered = report.Tendered.Add(settlement.Tendered)
		report.Applied = report.Applied.Add(settlement.Applied)
		report.ChangeGiven = report.ChangeGiven.Add(settlement.Change)
		report.WalletCredited = report.WalletCredited.Add(settlement.WalletCredit)

		for _, payment := range settlement.Payments {
			for _, entry := range payment.Breakdown {
				method := byMethod[entry.Method]
				if method == nil {
					method = &domain.DailyReportMethod{Method: entry.Method, Total: decimal.Zero}
					byMethod[entry.Method] = method
				}
				method.Payments++
				method.Total = method.Total.Add(entry.Amount)
			}

			kind := s.documentsByID[payment.DocumentID].Kind
			entry := byKind[kind]
			if entry == nil {
				entry = &domain.DailyReportKind{Kind: kind, Applied: decimal.Zero}
				byKind[kind] = entry
				documentsSeen[kind] = map[string]struct{}{}
			}
			if _, seen := documentsSeen[kind][payment.DocumentID]; !seen {
				documentsSeen[kind][payment.DocumentID] = struct{}{}
				entry.Documents++
			}
			entry.Applied = entry.Applied.Add(payment.AppliedAmount)
		}
	}

	for _, entry := range byMethod {
		report.ByMethod = append(report.ByMethod, *entry)
	}
	for _, entry := range byKind {
		report.ByKind = append(report.ByKind, *entry)
	}
	slices.SortFunc(report.ByMethod, func(a, b domain.DailyReportMethod) int {
		return cmpString(string(a.Method), string(b.Method))
	})
	slices.SortFunc(report.ByKind, func(a, b domain.DailyReportKind) int {
		return cmpString(string(a.Kind), string(b.Kind))
	})
	return report, nil
}

func (s *Store) CreateAuditLog(_ context.Context, entry domain.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	s.auditLogs = append(s.auditLogs, entry)
	return nil
}

func (s *Store) ListAuditLogs(_ context.Context, storeID string, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.AuditLog, 0, 64)
	for _, entry := range s.auditLogs {
		if storeID != "" && entry.StoreID != storeID {
			continue
		}
		if entry.CreatedAt.Before(from) || !entry.CreatedAt.Before(to) {
			continue
		}
		result = append(result, entry)
	}

	slices.SortFunc(result, func(a, b domain.AuditLog) int {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return cmpString(b.ID, a.ID)
		}
		if a.CreatedAt.After(b.CreatedAt) {
			return -1
		}
		return 1
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) CreateShift(_ context.Context, shift domain.Shift) (*domain.Shift, error) {
	if strings.TrimSpace(shift.StoreID) == "" || strings.TrimSpace(shift.TerminalID) == "" {
		return nil, store.ErrInvalidTransaction
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := shiftMapKey(shift.StoreID, shift.TerminalID)
	if _, exists := s.activeShiftByKey[key]; exists {
		return nil, store.ErrInvalidTransaction
	}
	if shift.ID == "" {
		shift.ID = xid.New("shift")
	}
	if shift.OpenedAt.IsZero() {
		shift.OpenedAt = time.Now().UTC()
	}
	shift.Status = domain.ShiftStatusOpen
	shift.ClosedAt = nil
	shift.ClosingCash = decimal.Zero
	shift.ExpectedCash = decimal.Zero
	shift.Variance = decimal.Zero

	s.shiftsByID[shift.ID] = shift
	s.activeShiftByKey[key] = shift.ID
	copyShift := shift
	return &copyShift, nil
}

func (s *Store) CloseActiveShift(_ context.Context, storeID string, terminalID string, closing domain.Shift) (*domain.Shift, error) {
	if strings.TrimSpace(storeID) == "" || strings.TrimSpace(terminalID) == "" {
		return nil, store.ErrInvalidTransaction
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := shiftMapKey(storeID, terminalID)
	shiftID, exists := s.activeShiftByKey[key]
	if !exists {
		return nil, store.ErrNotFound
	}
	shift, exists := s.shiftsByID[shiftID]
	if !exists || shift.Status != domain.ShiftStatusOpen {
		return nil, store.ErrNotFound
	}
	closedAt := time.Now().UTC()
	if closing.ClosedAt != nil {
		closedAt = *closing.ClosedAt
	}
	expected := domain.Money(shift.OpeningFloat.Add(s.shiftCashFlowLocked(shiftID)))
	shift.Status = domain.ShiftStatusClosed
	shift.ClosingCash = domain.Money(closing.ClosingCash)
	shift.ExpectedCash = expected
	shift.Variance = shift.ClosingCash.Sub(expected)
	shift.ClosedAt = &closedAt

	delete(s.activeShiftByKey, key)
	s.shiftsByID[shiftID] = shift
	copyShift := shift
	return &copyShift, nil
}

func (s *Store) GetActiveShift(_ context.Context, storeID string, terminalID string) (*domain.Shift, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	shiftID, exists := s.activeShiftByKey[shiftMapKey(storeID, terminalID)]
	if !exists {
		return nil, store.ErrNotFound
	}
	shift, exists := s.shiftsByID[shiftID]
	if !exists || shift.Status != domain.ShiftStatusOpen {
		return nil, store.ErrNotFound
	}
	copyShift := shift
	return &copyShift, nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username := strings.ToLower(strings.TrimSpace(user.Username))
	if username == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrInvalidTransaction
	}
	if _, exists := s.usersByUsername[username]; exists {
		return store.ErrInvalidTransaction
	}
	user.Username = username
	if user.Role == "" {
		user.Role = "cashier"
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	user.Active = true
	s.usersByUsername[user.Username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.UserAccount, 0, len(s.usersByUsername))
	for _, user := range s.usersByUsername {
		users = append(users, user)
	}
	slices.SortFunc(users, func(a, b domain.UserAccount) int {
		return cmpString(a.Username, b.Username)
	})
	return users, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrInvalidTransaction
	}
	user, exists := s.usersByUsername[username]
	if !exists {
		return store.ErrNotFound
	}
	user.Password = password
	s.usersByUsername[username] = user
	return nil
}

// documentLocked returns a copy of the stored document with its payments
// attached. Callers hold s.mu.
func (s *Store) documentLocked(id string) domain.Document {
	doc := cloneDocument(s.documentsByID[id])
	payments := s.paymentsByDocument[id]
	doc.PriorPayments = make([]domain.PaymentRecord, 0, len(payments))
	for _, payment := range payments {
		doc.PriorPayments = append(doc.PriorPayments, clonePayment(payment))
	}
	return doc
}

// stageWalletEntryLocked computes BalanceAfter against the stored balance plus
// anything already staged in balances. Callers hold s.mu.
func (s *Store) stageWalletEntryLocked(balances map[string]decimal.Decimal, entry domain.WalletEntry) (domain.WalletEntry, error) {
	balance, staged := balances[entry.CounterpartyID]
	if !staged {
		balance = walletBalance(s.walletEntries[entry.CounterpartyID])
	}
	next := balance.Add(entry.Amount)
	if next.IsNegative() {
		return domain.WalletEntry{}, store.ErrInsufficientWalletBalance
	}
	if entry.ID == "" {
		entry.ID = xid.New("wal")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	entry.BalanceAfter = next
	balances[entry.CounterpartyID] = next
	return entry, nil
}

func walletBalance(entries []domain.WalletEntry) decimal.Decimal {
	balance := decimal.Zero
	for _, entry := range entries {
		balance = balance.Add(entry.Amount)
	}
	return balance
}

func shiftMapKey(storeID string, terminalID string) string {
	return storeID + "::" + terminalID
}

func idemKey(storeID string, key string) string {
	return storeID + "::" + key
}

func cmpString(a string, b string) int {
	return strings.Compare(a, b)
}

func cloneDocument(src domain.Document) domain.Document {
	dup := src
	dup.LineItems = slices.Clone(src.LineItems)
	if src.PriorPayments != nil {
		dup.PriorPayments = make([]domain.PaymentRecord, len(src.PriorPayments))
		for i, payment := range src.PriorPayments {
			dup.PriorPayments[i] = clonePayment(payment)
		}
	}
	return dup
}

func clonePayment(src domain.PaymentRecord) domain.PaymentRecord {
	dup := src
	dup.Breakdown = slices.Clone(src.Breakdown)
	dup.Allocations = make(map[string]decimal.Decimal, len(src.Allocations))
	for itemID, amount := range src.Allocations {
		dup.Allocations[itemID] = amount
	}
	return dup
}

func cloneSettlement(src domain.Settlement) domain.Settlement {
	dup := src
	dup.Payments = make([]domain.PaymentRecord, len(src.Payments))
	for i, payment := range src.Payments {
		dup.Payments[i] = clonePayment(payment)
	}
	dup.WalletEntries = slices.Clone(src.WalletEntries)
	dup.Items = slices.Clone(src.Items)
	return dup
}
