package allocation

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"posbalance/backend/internal/domain"
)

func dec(value string) decimal.Decimal {
	return decimal.RequireFromString(value)
}

func document(id string, items ...domain.LineItem) domain.Document {
	total := decimal.Zero
	for _, item := range items {
		total = total.Add(item.LineTotal())
	}
	return domain.Document{
		ID:        id,
		Kind:      domain.DocumentKindSale,
		Currency:  "SAR",
		Total:     total,
		LineItems: items,
	}
}

func item(id string, price string) domain.LineItem {
	return domain.LineItem{ID: id, Description: id, UnitPrice: dec(price), Quantity: decimal.NewFromInt(1)}
}

func cash(amount string) domain.Tender {
	return domain.Tender{Method: domain.PaymentMethodCash, Amount: dec(amount)}
}

func card(amount string) domain.Tender {
	return domain.Tender{Method: domain.PaymentMethodCard, Amount: dec(amount), SourceAccountID: "acct-card", Reference: "auth-1"}
}

func registered() *domain.Counterparty {
	return &domain.Counterparty{ID: "cust-1", Name: "Nadia", Kind: domain.CounterpartyCustomer}
}

func walkIn() *domain.Counterparty {
	return &domain.Counterparty{ID: domain.WalkInCounterpartyID, Name: "Walk-in", Generic: true}
}

func newTestAllocator() *Allocator {
	seq := 0
	return New(
		WithClock(func() time.Time { return time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC) }),
		WithIDGenerator(func() string {
			seq++
			return fmt.Sprintf("pay-%d", seq)
		}),
	)
}

func requireRejection(t *testing.T, err error, reason Reason) {
	t.Helper()
	rejection, ok := AsRejection(err)
	require.Truef(t, ok, "expected rejection %s, got %v", reason, err)
	assert.Equal(t, reason, rejection.Reason)
}

func TestClampItemAllocationBounds(t *testing.T) {
	doc := document("doc-1", item("a", "50.00"))
	doc.PriorPayments = []domain.PaymentRecord{{
		DocumentID:    "doc-1",
		AppliedAmount: dec("20.00"),
		Allocations:   map[string]decimal.Decimal{"a": dec("20.00")},
	}}
	line := doc.LineItems[0]

	cases := []struct {
		name      string
		requested string
		want      string
	}{
		{name: "negative", requested: "-5", want: "0"},
		{name: "zero", requested: "0", want: "0"},
		{name: "within", requested: "12.50", want: "12.50"},
		{name: "exact", requested: "30.00", want: "30.00"},
		{name: "within epsilon above", requested: "30.0005", want: "30.00"},
		{name: "above", requested: "45.00", want: "30.00"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := ClampItemAllocation(doc, line, dec(tc.requested))
			assert.Truef(t, got.Equal(dec(tc.want)), "got %s want %s", got, tc.want)
			assert.True(t, got.GreaterThanOrEqual(decimal.Zero))
			assert.True(t, got.LessThanOrEqual(doc.ItemRemaining(line)))

			again := ClampItemAllocation(doc, line, got)
			assert.True(t, again.Equal(got), "clamp should be idempotent")
		})
	}
}

func TestAllocateRejectsWhenNothingAllocated(t *testing.T) {
	a := newTestAllocator()
	doc := document("doc-1", item("a", "50.00"))

	_, err := a.Allocate(Request{
		TargetDocuments:    []domain.Document{doc},
		PerItemAllocations: []ItemAllocation{{DocumentID: "doc-1", LineItemID: "a", Amount: dec("0")}},
		Tenders:            []domain.Tender{cash("100")},
		CashSessionOpen:    true,
	})
	requireRejection(t, err, ReasonNoAllocation)
}

func TestAllocateRejectsInsufficientTender(t *testing.T) {
	a := newTestAllocator()
	doc := document("doc-1", item("a", "50.00"))

	_, err := a.Allocate(Request{
		TargetDocuments:    []domain.Document{doc},
		PerItemAllocations: []ItemAllocation{{DocumentID: "doc-1", LineItemID: "a", Amount: dec("50.00")}},
		Tenders:            []domain.Tender{cash("49.99")},
		CashSessionOpen:    true,
	})
	requireRejection(t, err, ReasonInsufficientTender)
}

func TestAllocateRejectsMissingSourceAccount(t *testing.T) {
	a := newTestAllocator()
	doc := document("doc-1", item("a", "50.00"))

	_, err := a.Allocate(Request{
		TargetDocuments:    []domain.Document{doc},
		PerItemAllocations: []ItemAllocation{{DocumentID: "doc-1", LineItemID: "a", Amount: dec("50.00")}},
		Tenders:            []domain.Tender{{Method: domain.PaymentMethodBankTransfer, Amount: dec("50.00")}},
	})
	requireRejection(t, err, ReasonMissingSourceAccount)
}

func TestAllocateRejectsCashWhenRegisterClosed(t *testing.T) {
	a := newTestAllocator()
	doc := document("doc-1", item("a", "50.00"))

	_, err := a.Allocate(Request{
		TargetDocuments:    []domain.Document{doc},
		PerItemAllocations: []ItemAllocation{{DocumentID: "doc-1", LineItemID: "a", Amount: dec("50.00")}},
		Tenders:            []domain.Tender{cash("50.00")},
		CashSessionOpen:    false,
	})
	requireRejection(t, err, ReasonCashRegisterClosed)
}

func TestAllocateRejectsDigitalChangeForWalkIn(t *testing.T) {
	a := newTestAllocator()
	doc := document("doc-1", item("a", "100.00"))

	_, err := a.Allocate(Request{
		TargetDocuments:    []domain.Document{doc},
		PerItemAllocations: []ItemAllocation{{DocumentID: "doc-1", LineItemID: "a", Amount: dec("100.00")}},
		Tenders:            []domain.Tender{card("150.00")},
		WalletRouting:      true,
		Counterparty:       walkIn(),
	})
	requireRejection(t, err, ReasonCannotGiveDigitalChange)
}

func TestAllocateRejectsDigitalChangeWhenCashCannotCoverExcess(t *testing.T) {
	a := newTestAllocator()
	doc := document("doc-1", item("a", "100.00"))

	_, err := a.Allocate(Request{
		TargetDocuments:    []domain.Document{doc},
		PerItemAllocations: []ItemAllocation{{DocumentID: "doc-1", LineItemID: "a", Amount: dec("100.00")}},
		Tenders:            []domain.Tender{card("130.00"), cash("10.00")},
		CashSessionOpen:    true,
	})
	requireRejection(t, err, ReasonCannotGiveDigitalChange)
}

func TestValidateChecksReasonsInOrder(t *testing.T) {
	a := newTestAllocator()
	doc := document("doc-1", item("a", "50.00"))

	// short tender without source account on a closed register
	err := a.Validate(Request{
		TargetDocuments:    []domain.Document{doc},
		PerItemAllocations: []ItemAllocation{{DocumentID: "doc-1", LineItemID: "a", Amount: dec("50.00")}},
		Tenders: []domain.Tender{
			{Method: domain.PaymentMethodDeposit, Amount: dec("10.00")},
			cash("10.00"),
		},
	})
	requireRejection(t, err, ReasonInsufficientTender)

	err = a.Validate(Request{
		TargetDocuments:    []domain.Document{doc},
		PerItemAllocations: []ItemAllocation{{DocumentID: "doc-1", LineItemID: "a", Amount: dec("50.00")}},
		Tenders: []domain.Tender{
			{Method: domain.PaymentMethodDeposit, Amount: dec("40.00")},
			cash("10.00"),
		},
	})
	requireRejection(t, err, ReasonMissingSourceAccount)
}

func TestValidateRejectsUnknownTargets(t *testing.T) {
	a := newTestAllocator()
	doc := document("doc-1", item("a", "50.00"))

	err := a.Validate(Request{
		TargetDocuments:    []domain.Document{doc},
		PerItemAllocations: []ItemAllocation{{DocumentID: "doc-2", LineItemID: "a", Amount: dec("5")}},
		Tenders:            []domain.Tender{cash("5")},
		CashSessionOpen:    true,
	})
	require.ErrorIs(t, err, ErrInvalidRequest)

	err = a.Validate(Request{
		TargetDocuments:    []domain.Document{doc},
		PerItemAllocations: []ItemAllocation{{DocumentID: "doc-1", LineItemID: "zzz", Amount: dec("5")}},
		Tenders:            []domain.Tender{cash("5")},
		CashSessionOpen:    true,
	})
	require.ErrorIs(t, err, ErrInvalidRequest)
}

func TestValidateRejectsRepeatedLineItem(t *testing.T) {
	a := newTestAllocator()
	doc := document("doc-1", item("a", "50.00"), item("b", "10.00"))

	err := a.Validate(Request{
		TargetDocuments: []domain.Document{doc},
		PerItemAllocations: []ItemAllocation{
			{DocumentID: "doc-1", LineItemID: "a", Amount: dec("20")},
			{DocumentID: "doc-1", LineItemID: "b", Amount: dec("10")},
			{DocumentID: "doc-1", LineItemID: "a", Amount: dec("30")},
		},
		Tenders:         []domain.Tender{cash("60")},
		CashSessionOpen: true,
	})
	require.ErrorIs(t, err, ErrInvalidRequest)
	assert.Contains(t, err.Error(), "allocated twice")
}

func TestAllocateExactPaymentHasNoExcess(t *testing.T) {
	a := newTestAllocator()
	doc := document("doc-1", item("a", "30.00"), item("b", "20.00"))

	result, err := a.Allocate(Request{
		TargetDocuments: []domain.Document{doc},
		PerItemAllocations: []ItemAllocation{
			{DocumentID: "doc-1", LineItemID: "a", Amount: dec("30.00")},
			{DocumentID: "doc-1", LineItemID: "b", Amount: dec("20.00")},
		},
		Tenders:         []domain.Tender{card("50.00")},
		CashSessionOpen: false,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.DispositionNone, result.Disposition)
	assert.True(t, result.Excess.IsZero())
	assert.Nil(t, result.WalletCredit)
	require.Len(t, result.Payments, 1)

	payment := result.Payments[0]
	assert.Equal(t, "pay-1", payment.ID)
	assert.Equal(t, domain.PaymentMethodCard, payment.Method)
	assert.Equal(t, "acct-card", payment.SourceAccountID)
	assert.True(t, payment.Amount.Equal(dec("50.00")))
	assert.True(t, payment.Allocations["a"].Equal(dec("30.00")))
	assert.True(t, payment.Allocations["b"].Equal(dec("20.00")))
	require.Len(t, result.Items, 2)
	for _, settled := range result.Items {
		assert.True(t, settled.Remaining.IsZero())
	}
}

func TestAllocateClampsOverRequestedItems(t *testing.T) {
	a := newTestAllocator()
	doc := document("doc-1", item("a", "30.00"))

	result, err := a.Allocate(Request{
		TargetDocuments:    []domain.Document{doc},
		PerItemAllocations: []ItemAllocation{{DocumentID: "doc-1", LineItemID: "a", Amount: dec("45.00")}},
		Tenders:            []domain.Tender{cash("45.00")},
		CashSessionOpen:    true,
	})
	require.NoError(t, err)
	assert.True(t, result.Applied.Equal(dec("30.00")))
	assert.True(t, result.Change.Equal(dec("15.00")))
	assert.True(t, result.Payments[0].Amount.Equal(dec("30.00")))
}

func TestAllocateExcessGoesToLastDocument(t *testing.T) {
	a := newTestAllocator()
	first := document("doc-1", item("a", "40.00"))
	second := document("doc-2", item("b", "25.00"))

	result, err := a.Allocate(Request{
		TargetDocuments: []domain.Document{first, second},
		PerItemAllocations: []ItemAllocation{
			{DocumentID: "doc-1", LineItemID: "a", Amount: dec("40.00")},
			{DocumentID: "doc-2", LineItemID: "b", Amount: dec("25.00")},
		},
		Tenders:       []domain.Tender{{Method: domain.PaymentMethodBankTransfer, Amount: dec("80.00"), SourceAccountID: "iban-1"}},
		WalletRouting: true,
		Counterparty:  registered(),
	})
	require.NoError(t, err)
	require.Len(t, result.Payments, 2)
	assert.True(t, result.Payments[0].Amount.Equal(dec("40.00")))
	assert.True(t, result.Payments[1].Amount.Equal(dec("40.00")))
	assert.True(t, result.Payments[1].AppliedAmount.Equal(dec("25.00")))
	require.NotNil(t, result.WalletCredit)
	assert.True(t, result.WalletCredit.Amount.Equal(dec("15.00")))
	assert.Equal(t, result.Payments[1].ID, result.WalletCredit.ReferencePaymentID)
}

func TestAllocateMultiDocumentCashChange(t *testing.T) {
	a := newTestAllocator()
	first := document("doc-a", item("a1", "80.00"))
	second := document("doc-b", item("b1", "50.00"))

	result, err := a.Allocate(Request{
		TargetDocuments: []domain.Document{first, second},
		PerItemAllocations: []ItemAllocation{
			{DocumentID: "doc-a", LineItemID: "a1", Amount: dec("80.00")},
			{DocumentID: "doc-b", LineItemID: "b1", Amount: dec("50.00")},
		},
		Tenders:         []domain.Tender{cash("140.00")},
		CashSessionOpen: true,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.DispositionCashChange, result.Disposition)
	assert.True(t, result.Change.Equal(dec("10.00")))
	require.Len(t, result.Payments, 2)
	assert.True(t, result.Payments[0].Amount.Equal(dec("80.00")))
	assert.True(t, result.Payments[1].Amount.Equal(dec("50.00")))
	assert.Equal(t, "doc-b", result.Payments[1].DocumentID)
}

func TestAllocateWalletRoutingForRegisteredCounterparty(t *testing.T) {
	a := newTestAllocator()
	doc := document("doc-1", item("a", "60.00"))

	result, err := a.Allocate(Request{
		TargetDocuments:    []domain.Document{doc},
		PerItemAllocations: []ItemAllocation{{DocumentID: "doc-1", LineItemID: "a", Amount: dec("60.00")}},
		Tenders:            []domain.Tender{{Method: domain.PaymentMethodBankTransfer, Amount: dec("100.00"), SourceAccountID: "iban-7"}},
		WalletRouting:      true,
		Counterparty:       registered(),
	})
	require.NoError(t, err)
	assert.Equal(t, domain.DispositionWalletCredit, result.Disposition)
	require.Len(t, result.Payments, 1)
	assert.True(t, result.Payments[0].Amount.Equal(dec("100.00")))
	assert.True(t, result.Payments[0].AppliedAmount.Equal(dec("60.00")))
	require.NotNil(t, result.WalletCredit)
	assert.Equal(t, "cust-1", result.WalletCredit.CounterpartyID)
	assert.True(t, result.WalletCredit.Amount.Equal(dec("40.00")))
	assert.True(t, result.Change.IsZero())
}

func TestAllocateSplitTenderPutsCashOnLastDocument(t *testing.T) {
	a := newTestAllocator()
	first := document("doc-1", item("a", "70.00"))
	second := document("doc-2", item("b", "20.00"))

	result, err := a.Allocate(Request{
		TargetDocuments: []domain.Document{first, second},
		PerItemAllocations: []ItemAllocation{
			{DocumentID: "doc-1", LineItemID: "a", Amount: dec("70.00")},
			{DocumentID: "doc-2", LineItemID: "b", Amount: dec("20.00")},
		},
		Tenders:         []domain.Tender{cash("30.00"), card("65.00")},
		CashSessionOpen: true,
	})
	require.NoError(t, err)
	assert.True(t, result.Change.Equal(dec("5.00")))
	require.Len(t, result.Payments, 2)

	head := result.Payments[0]
	assert.True(t, head.Amount.Equal(dec("70.00")))
	require.Len(t, head.Breakdown, 2)
	assert.Equal(t, domain.PaymentMethodCard, head.Method)

	tail := result.Payments[1]
	assert.True(t, tail.Amount.Equal(dec("20.00")))
	require.Len(t, tail.Breakdown, 1)
	assert.Equal(t, domain.PaymentMethodCash, tail.Method)
}

func TestAllocateCapsDocumentAtOutstandingTotal(t *testing.T) {
	a := newTestAllocator()
	doc := document("doc-1", item("a", "40.00"), item("b", "40.00"))
	doc.Total = dec("60.00")

	result, err := a.Allocate(Request{
		TargetDocuments: []domain.Document{doc},
		PerItemAllocations: []ItemAllocation{
			{DocumentID: "doc-1", LineItemID: "a", Amount: dec("40.00")},
			{DocumentID: "doc-1", LineItemID: "b", Amount: dec("40.00")},
		},
		Tenders:         []domain.Tender{cash("80.00")},
		CashSessionOpen: true,
	})
	require.NoError(t, err)
	assert.True(t, result.Applied.Equal(dec("60.00")))
	assert.True(t, result.Payments[0].Allocations["b"].Equal(dec("20.00")))
}

func TestAllocateReportsOverpaidDocumentAsInvariantViolation(t *testing.T) {
	a := newTestAllocator()
	doc := document("doc-1", item("a", "10.00"))
	doc.PriorPayments = []domain.PaymentRecord{{
		AppliedAmount: dec("25.00"),
		Allocations:   map[string]decimal.Decimal{"a": dec("25.00")},
	}}

	_, err := a.Allocate(Request{
		TargetDocuments:    []domain.Document{doc},
		PerItemAllocations: []ItemAllocation{{DocumentID: "doc-1", LineItemID: "a", Amount: dec("1")}},
		Tenders:            []domain.Tender{cash("1")},
		CashSessionOpen:    true,
	})
	require.True(t, errors.Is(err, ErrInvariantViolation))
}

func TestAllocateConservesTenderedAmount(t *testing.T) {
	docs := []domain.Document{
		document("doc-1", item("a", "12.35"), item("b", "7.65")),
		document("doc-2", item("c", "33.10")),
		document("doc-3", item("d", "4.99")),
	}
	requests := []Request{
		{
			Tenders:         []domain.Tender{cash("100.00")},
			CashSessionOpen: true,
		},
		{
			Tenders:         []domain.Tender{card("40.00"), cash("30.00")},
			CashSessionOpen: true,
		},
		{
			Tenders:       []domain.Tender{card("25.00"), {Method: domain.PaymentMethodMobileWallet, Amount: dec("50.00"), SourceAccountID: "m-1"}},
			WalletRouting: true,
			Counterparty:  registered(),
		},
	}
	for i, req := range requests {
		req.TargetDocuments = docs
		for _, doc := range docs {
			for _, line := range doc.LineItems {
				req.PerItemAllocations = append(req.PerItemAllocations, ItemAllocation{DocumentID: doc.ID, LineItemID: line.ID, Amount: line.LineTotal()})
			}
		}
		t.Run(fmt.Sprintf("case-%d", i), func(t *testing.T) {
			result, err := newTestAllocator().Allocate(req)
			require.NoError(t, err)

			moved := decimal.Zero
			applied := decimal.Zero
			for _, payment := range result.Payments {
				moved = moved.Add(payment.Amount)
				applied = applied.Add(payment.AppliedAmount)
				assert.True(t, payment.Amount.GreaterThan(domain.SettlementEpsilon))
			}
			credited := decimal.Zero
			if result.WalletCredit != nil {
				credited = result.WalletCredit.Amount
			}
			assert.True(t, moved.Add(result.Change).Equal(result.Tendered))
			assert.True(t, applied.Add(credited).Add(result.Change).Equal(result.Tendered))
			assert.True(t, applied.Equal(dec("58.09")))
		})
	}
}
