package memory

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"posbalance/backend/internal/domain"
	"posbalance/backend/internal/store"
)

func dec(value string) decimal.Decimal {
	return decimal.RequireFromString(value)
}

func seedDocument(t *testing.T, s *Store, kind domain.DocumentKind, price string) domain.Document {
	t.Helper()
	doc, err := s.CreateDocument(context.Background(), domain.Document{
		StoreID:        "main-store",
		Kind:           kind,
		CounterpartyID: "cust-nadia",
		Currency:       "SAR",
		Total:          dec(price),
		LineItems: []domain.LineItem{
			{ID: "line-1", Description: "Service fee", UnitPrice: dec(price), Quantity: decimal.NewFromInt(1)},
		},
	})
	require.NoError(t, err)
	return *doc
}

// newStoreWithShift returns a seeded store with shift-1 open on terminal T1
// and a float of 100.
func newStoreWithShift(t *testing.T) *Store {
	t.Helper()
	s := NewSeeded()
	_, err := s.CreateShift(context.Background(), domain.Shift{
		ID:           "shift-1",
		StoreID:      "main-store",
		TerminalID:   "T1",
		CashierName:  "cashier",
		OpeningFloat: dec("100"),
	})
	require.NoError(t, err)
	return s
}

func cashTender(amount string) domain.Tender {
	return domain.Tender{Method: domain.PaymentMethodCash, Amount: dec(amount)}
}

func settlementFor(doc domain.Document, key string, amount string, tenders ...domain.Tender) domain.Settlement {
	return domain.Settlement{
		StoreID:        "main-store",
		TerminalID:     "T1",
		ShiftID:        "shift-1",
		IdempotencyKey: key,
		CounterpartyID: doc.CounterpartyID,
		Tendered:       domain.SumTenders(tenders),
		Applied:        dec(amount),
		Payments: []domain.PaymentRecord{{
			ID:            "pay-" + key,
			DocumentID:    doc.ID,
			Method:        tenders[0].Method,
			Amount:        domain.SumTenders(tenders),
			AppliedAmount: dec(amount),
			Breakdown:     tenders,
			Allocations:   map[string]decimal.Decimal{"line-1": dec(amount)},
		}},
	}
}

func TestApplySettlementUpdatesBalancesAndReplaysByKey(t *testing.T) {
	ctx := context.Background()
	s := newStoreWithShift(t)
	doc := seedDocument(t, s, domain.DocumentKindSale, "80.00")

	first, err := s.ApplySettlement(ctx, settlementFor(doc, "k1", "30.00", domain.Tender{Method: domain.PaymentMethodCash, Amount: dec("30.00")}))
	require.NoError(t, err)
	require.NotEmpty(t, first.ID)
	assert.Equal(t, first.ID, first.Payments[0].SettlementID)

	replayed, err := s.ApplySettlement(ctx, settlementFor(doc, "k1", "50.00", domain.Tender{Method: domain.PaymentMethodCash, Amount: dec("50.00")}))
	require.NoError(t, err)
	assert.Equal(t, first.ID, replayed.ID)

	stored, err := s.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	require.Len(t, stored.PriorPayments, 1)
	assert.True(t, stored.RemainingBalance().Equal(dec("50.00")))

	found, err := s.FindSettlementByIdempotency(ctx, "main-store", "k1")
	require.NoError(t, err)
	assert.Equal(t, first.ID, found.ID)

	_, err = s.FindSettlementByIdempotency(ctx, "other-store", "k1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestApplySettlementRejectsStaleOverpayment(t *testing.T) {
	ctx := context.Background()
	s := newStoreWithShift(t)
	doc := seedDocument(t, s, domain.DocumentKindSale, "40.00")

	_, err := s.ApplySettlement(ctx, settlementFor(doc, "k1", "40.00", domain.Tender{Method: domain.PaymentMethodCash, Amount: dec("40.00")}))
	require.NoError(t, err)

	_, err = s.ApplySettlement(ctx, settlementFor(doc, "k2", "40.00", domain.Tender{Method: domain.PaymentMethodCash, Amount: dec("40.00")}))
	assert.ErrorIs(t, err, store.ErrConflict)

	stored, err := s.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.True(t, stored.IsSettled())
	assert.Len(t, stored.PriorPayments, 1)
}

func TestApplySettlementWalletMovementsAreAtomic(t *testing.T) {
	ctx := context.Background()
	s := newStoreWithShift(t)
	doc := seedDocument(t, s, domain.DocumentKindSale, "25.00")

	settlement := settlementFor(doc, "k1", "25.00", domain.Tender{Method: domain.PaymentMethodWalletCredit, Amount: dec("25.00")})
	settlement.WalletEntries = []domain.WalletEntry{{CounterpartyID: "cust-nadia", Type: domain.WalletEntryDebit, Amount: dec("-25.00")}}
	_, err := s.ApplySettlement(ctx, settlement)
	assert.ErrorIs(t, err, store.ErrInsufficientWalletBalance)

	_, err = s.AdjustWallet(ctx, domain.WalletEntry{CounterpartyID: "cust-nadia", Type: domain.WalletEntryAdjustment, Amount: dec("30.00"), Reason: "opening balance"})
	require.NoError(t, err)

	saved, err := s.ApplySettlement(ctx, settlement)
	require.NoError(t, err)
	require.Len(t, saved.WalletEntries, 1)
	assert.True(t, saved.WalletEntries[0].BalanceAfter.Equal(dec("5.00")))

	wallet, err := s.GetWallet(ctx, "cust-nadia", 10)
	require.NoError(t, err)
	assert.True(t, wallet.Balance.Equal(dec("5.00")))
	require.Len(t, wallet.Entries, 2)
	assert.Equal(t, domain.WalletEntryDebit, wallet.Entries[0].Type)
}

func TestAdjustWalletRejectsGenericCounterparty(t *testing.T) {
	_, err := NewSeeded().AdjustWallet(context.Background(), domain.WalletEntry{
		CounterpartyID: domain.WalkInCounterpartyID,
		Amount:         dec("10"),
	})
	assert.ErrorIs(t, err, store.ErrInvalidTransaction)
}

func TestShiftCashFlowNetsOutgoingDocuments(t *testing.T) {
	ctx := context.Background()
	s := newStoreWithShift(t)
	sale := seedDocument(t, s, domain.DocumentKindSale, "60.00")
	purchase := seedDocument(t, s, domain.DocumentKindPurchase, "15.00")

	_, err := s.ApplySettlement(ctx, settlementFor(sale, "k1", "60.00", domain.Tender{Method: domain.PaymentMethodCash, Amount: dec("60.00")}))
	require.NoError(t, err)
	_, err = s.ApplySettlement(ctx, settlementFor(purchase, "k2", "15.00", domain.Tender{Method: domain.PaymentMethodCash, Amount: dec("15.00")}))
	require.NoError(t, err)

	net, err := s.GetShiftCashFlow(ctx, "shift-1")
	require.NoError(t, err)
	assert.True(t, net.Equal(dec("45.00")), "got %s", net)
}

func TestListDocumentsOpenOnly(t *testing.T) {
	ctx := context.Background()
	s := newStoreWithShift(t)
	paid := seedDocument(t, s, domain.DocumentKindSale, "10.00")
	open := seedDocument(t, s, domain.DocumentKindSale, "12.00")

	_, err := s.ApplySettlement(ctx, settlementFor(paid, "k1", "10.00", domain.Tender{Method: domain.PaymentMethodCash, Amount: dec("10.00")}))
	require.NoError(t, err)

	docs, err := s.ListDocuments(ctx, domain.DocumentFilter{StoreID: "main-store", Query: "nadia", OpenOnly: true})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, open.ID, docs[0].ID)
}

func TestShiftLifecycle(t *testing.T) {
	ctx := context.Background()
	s := newStoreWithShift(t)

	_, err := s.CreateShift(ctx, domain.Shift{StoreID: "main-store", TerminalID: "T1"})
	assert.ErrorIs(t, err, store.ErrInvalidTransaction)

	sale := seedDocument(t, s, domain.DocumentKindSale, "60.00")
	_, err = s.ApplySettlement(ctx, settlementFor(sale, "k1", "60.00", cashTender("60.00")))
	require.NoError(t, err)

	closedAt := time.Now().UTC()
	closed, err := s.CloseActiveShift(ctx, "main-store", "T1", domain.Shift{ClosingCash: dec("155"), ClosedAt: &closedAt})
	require.NoError(t, err)
	assert.Equal(t, "shift-1", closed.ID)
	assert.Equal(t, domain.ShiftStatusClosed, closed.Status)
	assert.True(t, closed.ExpectedCash.Equal(dec("160")), "expected %s", closed.ExpectedCash)
	assert.True(t, closed.Variance.Equal(dec("-5")), "variance %s", closed.Variance)

	_, err = s.GetActiveShift(ctx, "main-store", "T1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestApplySettlementRefusesClosedShift(t *testing.T) {
	ctx := context.Background()
	s := newStoreWithShift(t)
	late := seedDocument(t, s, domain.DocumentKindSale, "20.00")

	_, err := s.CloseActiveShift(ctx, "main-store", "T1", domain.Shift{ClosingCash: dec("100")})
	require.NoError(t, err)

	_, err = s.ApplySettlement(ctx, settlementFor(late, "k1", "20.00", cashTender("20.00")))
	assert.ErrorIs(t, err, store.ErrShiftClosed)

	stored, err := s.GetDocument(ctx, late.ID)
	require.NoError(t, err)
	assert.Empty(t, stored.PriorPayments)
	_, err = s.FindSettlementByIdempotency(ctx, "main-store", "k1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestApplySettlementWritesNewDocumentOnlyOnCommit(t *testing.T) {
	ctx := context.Background()
	s := newStoreWithShift(t)
	newDoc := func(id string) domain.Document {
		return domain.Document{
			ID:             id,
			StoreID:        "main-store",
			Kind:           domain.DocumentKindSale,
			CounterpartyID: "cust-nadia",
			Currency:       "SAR",
			Total:          dec("30.00"),
			LineItems: []domain.LineItem{
				{ID: "line-1", Description: "Service fee", UnitPrice: dec("30.00"), Quantity: decimal.NewFromInt(1)},
			},
		}
	}

	first := newDoc("doc-checkout-1")
	settlement := settlementFor(first, "k1", "30.00", cashTender("30.00"))
	settlement.Document = &first
	saved, err := s.ApplySettlement(ctx, settlement)
	require.NoError(t, err)
	assert.Nil(t, saved.Document)

	stored, err := s.GetDocument(ctx, first.ID)
	require.NoError(t, err)
	assert.True(t, stored.IsSettled())

	// Same key, different document: the first settlement wins and the
	// second document is never written.
	second := newDoc("doc-checkout-2")
	replay := settlementFor(second, "k1", "30.00", cashTender("30.00"))
	replay.Document = &second
	replayed, err := s.ApplySettlement(ctx, replay)
	require.NoError(t, err)
	assert.Equal(t, saved.ID, replayed.ID)
	_, err = s.GetDocument(ctx, second.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	// A failed write does not leave the document behind.
	third := newDoc("doc-checkout-3")
	failing := settlementFor(third, "k2", "30.00", domain.Tender{Method: domain.PaymentMethodWalletCredit, Amount: dec("30.00")})
	failing.Document = &third
	failing.WalletEntries = []domain.WalletEntry{{CounterpartyID: "cust-nadia", Type: domain.WalletEntryDebit, Amount: dec("-30.00")}}
	_, err = s.ApplySettlement(ctx, failing)
	assert.ErrorIs(t, err, store.ErrInsufficientWalletBalance)
	_, err = s.GetDocument(ctx, third.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}
