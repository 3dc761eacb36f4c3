// Package allocation distributes one tendered payment across the line items of
// one or more open documents and decides what happens to any excess.
//
// The allocator holds no state and performs no I/O. Callers load documents,
// run Validate or Allocate, and persist the returned records themselves.
package allocation

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"posbalance/backend/internal/domain"
	"posbalance/backend/internal/xid"
)

var (
	ErrInvalidRequest     = errors.New("invalid allocation request")
	ErrInvariantViolation = errors.New("allocation invariant violated")
)

type Reason string

const (
	ReasonNoAllocation            Reason = "NO_ALLOCATION"
	ReasonInsufficientTender      Reason = "INSUFFICIENT_TENDER"
	ReasonMissingSourceAccount    Reason = "MISSING_SOURCE_ACCOUNT"
	ReasonCashRegisterClosed      Reason = "CASH_REGISTER_CLOSED"
	ReasonCannotGiveDigitalChange Reason = "CANNOT_GIVE_DIGITAL_CHANGE"
)

// Rejection is a business refusal the operator can act on.
type Rejection struct {
	Reason  Reason
	Message string
}

func (r *Rejection) Error() string {
	return r.Message
}

func reject(reason Reason, format string, args ...any) *Rejection {
	return &Rejection{Reason: reason, Message: fmt.Sprintf(format, args...)}
}

// AsRejection unwraps err into a *Rejection when it is one.
func AsRejection(err error) (*Rejection, bool) {
	var rejection *Rejection
	if errors.As(err, &rejection) {
		return rejection, true
	}
	return nil, false
}

type ItemAllocation struct {
	DocumentID string
	LineItemID string
	Amount     decimal.Decimal
}

type Request struct {
	// TargetDocuments are settled in this order; the last one with a
	// positive allocation absorbs any excess.
	TargetDocuments    []domain.Document
	PerItemAllocations []ItemAllocation
	Tenders            []domain.Tender
	WalletRouting      bool
	// Counterparty is nil for anonymous payments.
	Counterparty    *domain.Counterparty
	CashSessionOpen bool
}

func (r Request) TenderedAmount() decimal.Decimal {
	return domain.SumTenders(r.Tenders)
}

type WalletCredit struct {
	CounterpartyID     string
	Amount             decimal.Decimal
	ReferencePaymentID string
}

type Result struct {
	Payments     []domain.PaymentRecord
	Tendered     decimal.Decimal
	Applied      decimal.Decimal
	Excess       decimal.Decimal
	Change       decimal.Decimal
	Disposition  domain.ExcessDisposition
	WalletCredit *WalletCredit
	Items        []domain.ItemSettlement
}

type Option func(*Allocator)

func WithClock(now func() time.Time) Option {
	return func(a *Allocator) {
		a.now = now
	}
}

func WithIDGenerator(newID func() string) Option {
	return func(a *Allocator) {
		a.newID = newID
	}
}

type Allocator struct {
	now   func() time.Time
	newID func() string
}

func New(opts ...Option) *Allocator {
	a := &Allocator{
		now:   func() time.Time { return time.Now().UTC() },
		newID: func() string { return xid.New("pay") },
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// ClampItemAllocation bounds a requested amount to what the line item still
// owes. The result is always within [0, remaining] and clamping twice yields
// the same value.
func ClampItemAllocation(document domain.Document, item domain.LineItem, requested decimal.Decimal) decimal.Decimal {
	if !requested.IsPositive() {
		return decimal.Zero
	}
	remaining := document.ItemRemaining(item)
	if requested.GreaterThan(remaining) {
		return remaining
	}
	return requested
}

// Validate runs every rejection rule without building records. It returns
// nil, a *Rejection, or an error wrapping ErrInvalidRequest or
// ErrInvariantViolation.
func (a *Allocator) Validate(req Request) error {
	req = normalize(req)
	plans, err := planDocuments(req)
	if err != nil {
		return err
	}
	_, err = evaluate(req, plans)
	return err
}

func (a *Allocator) Allocate(req Request) (*Result, error) {
	req = normalize(req)
	plans, err := planDocuments(req)
	if err != nil {
		return nil, err
	}
	outcome, err := evaluate(req, plans)
	if err != nil {
		return nil, err
	}

	createdAt := a.now()
	queue := tenderQueue(req.Tenders)
	payments := make([]domain.PaymentRecord, 0, len(outcome.plans))
	for i, plan := range outcome.plans {
		need := plan.applied
		if i == len(outcome.plans)-1 {
			need = need.Add(outcome.excess)
		}
		breakdown := queue.take(need)
		payment := domain.PaymentRecord{
			ID:            a.newID(),
			DocumentID:    plan.document.ID,
			Amount:        domain.SumTenders(breakdown),
			AppliedAmount: plan.applied,
			Breakdown:     breakdown,
			Allocations:   plan.allocations,
			CreatedAt:     createdAt,
		}
		payments = append(payments, payment)
	}
	if !queue.empty() {
		return nil, fmt.Errorf("%w: tender left unattributed", ErrInvariantViolation)
	}

	result := &Result{
		Tendered:    outcome.tendered,
		Applied:     outcome.applied,
		Excess:      outcome.excess,
		Change:      decimal.Zero,
		Disposition: outcome.disposition,
		Items:       outcome.items,
	}

	switch outcome.disposition {
	case domain.DispositionCashChange:
		payments, err = deductChange(payments, outcome.excess)
		if err != nil {
			return nil, err
		}
		result.Change = outcome.excess
	case domain.DispositionWalletCredit:
		last := payments[len(payments)-1]
		result.WalletCredit = &WalletCredit{
			CounterpartyID:     req.Counterparty.ID,
			Amount:             outcome.excess,
			ReferencePaymentID: last.ID,
		}
	}

	for i := range payments {
		payments[i].Method, payments[i].Reference, payments[i].SourceAccountID = primaryTender(payments[i].Breakdown)
	}
	result.Payments = payments

	if err := checkConservation(result); err != nil {
		return nil, err
	}
	return result, nil
}

func normalize(req Request) Request {
	tenders := make([]domain.Tender, len(req.Tenders))
	for i, tender := range req.Tenders {
		tender.Amount = domain.Money(tender.Amount)
		tenders[i] = tender
	}
	req.Tenders = tenders
	return req
}

type documentPlan struct {
	document    domain.Document
	allocations map[string]decimal.Decimal
	items       []domain.ItemSettlement
	applied     decimal.Decimal
}

// planDocuments clamps every requested item amount and groups the positive
// ones per document in target order.
func planDocuments(req Request) ([]documentPlan, error) {
	targets := make(map[string]int, len(req.TargetDocuments))
	for i, document := range req.TargetDocuments {
		if _, exists := targets[document.ID]; exists {
			return nil, fmt.Errorf("%w: document %s targeted twice", ErrInvalidRequest, document.ID)
		}
		targets[document.ID] = i
	}

	requested := make(map[string]map[string]decimal.Decimal, len(req.TargetDocuments))
	for _, entry := range req.PerItemAllocations {
		idx, ok := targets[entry.DocumentID]
		if !ok {
			return nil, fmt.Errorf("%w: document %s is not a target", ErrInvalidRequest, entry.DocumentID)
		}
		if _, ok := req.TargetDocuments[idx].LineItem(entry.LineItemID); !ok {
			return nil, fmt.Errorf("%w: line item %s not on document %s", ErrInvalidRequest, entry.LineItemID, entry.DocumentID)
		}
		if requested[entry.DocumentID] == nil {
			requested[entry.DocumentID] = map[string]decimal.Decimal{}
		}
		if _, exists := requested[entry.DocumentID][entry.LineItemID]; exists {
			return nil, fmt.Errorf("%w: line item %s on document %s allocated twice", ErrInvalidRequest, entry.LineItemID, entry.DocumentID)
		}
		requested[entry.DocumentID][entry.LineItemID] = domain.Money(entry.Amount)
	}

	plans := make([]documentPlan, 0, len(req.TargetDocuments))
	for _, document := range req.TargetDocuments {
		byItem := requested[document.ID]
		if len(byItem) == 0 {
			continue
		}
		paid := document.PaidAmount()
		if paid.GreaterThan(document.Total.Add(domain.SettlementEpsilon)) {
			return nil, fmt.Errorf("%w: document %s already paid %s of %s", ErrInvariantViolation, document.ID, paid, document.Total)
		}
		headroom := document.Total.Sub(paid)

		plan := documentPlan{
			document:    document,
			allocations: map[string]decimal.Decimal{},
			applied:     decimal.Zero,
		}
		for _, item := range document.LineItems {
			amount, ok := byItem[item.ID]
			if !ok {
				continue
			}
			paidBefore := document.ItemPaidAmount(item.ID)
			if paidBefore.GreaterThan(item.LineTotal().Add(domain.SettlementEpsilon)) {
				return nil, fmt.Errorf("%w: line item %s carries a negative balance", ErrInvariantViolation, item.ID)
			}
			clamped := ClampItemAllocation(document, item, amount)
			if room := headroom.Sub(plan.applied); clamped.GreaterThan(room) {
				clamped = decimal.Max(room, decimal.Zero)
			}
			if !clamped.IsPositive() {
				continue
			}
			paidAfter := paidBefore.Add(clamped)
			if paidAfter.GreaterThan(item.LineTotal().Add(domain.SettlementEpsilon)) {
				return nil, fmt.Errorf("%w: line item %s would be over-paid", ErrInvariantViolation, item.ID)
			}
			plan.allocations[item.ID] = clamped
			plan.applied = plan.applied.Add(clamped)
			plan.items = append(plan.items, domain.ItemSettlement{
				DocumentID: document.ID,
				LineItemID: item.ID,
				LineTotal:  item.LineTotal(),
				PaidBefore: paidBefore,
				Applied:    clamped,
				PaidAfter:  paidAfter,
				Remaining:  decimal.Max(item.LineTotal().Sub(paidAfter), decimal.Zero),
			})
		}
		if plan.applied.IsPositive() {
			plans = append(plans, plan)
		}
	}
	return plans, nil
}

type evaluation struct {
	plans       []documentPlan
	items       []domain.ItemSettlement
	tendered    decimal.Decimal
	applied     decimal.Decimal
	excess      decimal.Decimal
	disposition domain.ExcessDisposition
}

func evaluate(req Request, plans []documentPlan) (*evaluation, error) {
	for _, tender := range req.Tenders {
		if !tender.Method.IsValid() {
			return nil, fmt.Errorf("%w: unknown payment method %q", ErrInvalidRequest, tender.Method)
		}
		if tender.Amount.IsNegative() {
			return nil, fmt.Errorf("%w: negative tender amount", ErrInvalidRequest)
		}
	}

	out := &evaluation{
		plans:       plans,
		tendered:    domain.Money(req.TenderedAmount()),
		applied:     decimal.Zero,
		excess:      decimal.Zero,
		disposition: domain.DispositionNone,
	}
	for _, plan := range plans {
		out.applied = out.applied.Add(plan.applied)
		out.items = append(out.items, plan.items...)
	}

	if !out.applied.IsPositive() {
		return nil, reject(ReasonNoAllocation, "no amount was allocated to any line item")
	}
	if out.tendered.LessThan(out.applied.Sub(domain.ClampEpsilon)) {
		return nil, reject(ReasonInsufficientTender, "tendered %s does not cover allocated %s", out.tendered.StringFixed(2), out.applied.StringFixed(2))
	}
	for _, tender := range req.Tenders {
		if tender.Method.RequiresSourceAccount() && tender.Amount.IsPositive() && tender.SourceAccountID == "" {
			return nil, reject(ReasonMissingSourceAccount, "%s payment requires a source account", tender.Method)
		}
	}
	cash := cashTendered(req.Tenders)
	if cash.IsPositive() && !req.CashSessionOpen {
		return nil, reject(ReasonCashRegisterClosed, "cash register is closed")
	}

	if out.tendered.GreaterThan(out.applied) {
		out.excess = out.tendered.Sub(out.applied)
	}
	if !out.excess.IsPositive() {
		return out, nil
	}
	if req.WalletRouting && req.Counterparty != nil && req.Counterparty.WalletEligible() {
		out.disposition = domain.DispositionWalletCredit
		return out, nil
	}
	if cash.LessThan(out.excess.Sub(domain.ClampEpsilon)) {
		return nil, reject(ReasonCannotGiveDigitalChange, "excess of %s cannot be returned as change from a digital payment", out.excess.StringFixed(2))
	}
	out.disposition = domain.DispositionCashChange
	return out, nil
}

func cashTendered(tenders []domain.Tender) decimal.Decimal {
	cash := decimal.Zero
	for _, tender := range tenders {
		if tender.Method.IsCash() {
			cash = cash.Add(tender.Amount)
		}
	}
	return cash
}

// tenders is a FIFO of what is left of each tender. Non-cash tenders are
// consumed first so cash always lands on the last documents, where change is
// taken back from.
type tenders struct {
	remaining []domain.Tender
}

func tenderQueue(in []domain.Tender) *tenders {
	q := &tenders{}
	for _, tender := range in {
		if !tender.Method.IsCash() && tender.Amount.IsPositive() {
			q.remaining = append(q.remaining, tender)
		}
	}
	for _, tender := range in {
		if tender.Method.IsCash() && tender.Amount.IsPositive() {
			q.remaining = append(q.remaining, tender)
		}
	}
	return q
}

func (q *tenders) take(need decimal.Decimal) []domain.Tender {
	var slices []domain.Tender
	for need.IsPositive() && len(q.remaining) > 0 {
		head := q.remaining[0]
		portion := decimal.Min(head.Amount, need)
		slice := head
		slice.Amount = portion
		slices = append(slices, slice)
		need = need.Sub(portion)
		head.Amount = head.Amount.Sub(portion)
		if head.Amount.IsPositive() {
			q.remaining[0] = head
		} else {
			q.remaining = q.remaining[1:]
		}
	}
	return slices
}

func (q *tenders) empty() bool {
	for _, tender := range q.remaining {
		if tender.Amount.GreaterThan(domain.ClampEpsilon) {
			return false
		}
	}
	return true
}

// deductChange takes change back out of cash breakdown entries, walking the
// records from last to first.
func deductChange(payments []domain.PaymentRecord, change decimal.Decimal) ([]domain.PaymentRecord, error) {
	left := change
	for i := len(payments) - 1; i >= 0 && left.IsPositive(); i-- {
		payment := &payments[i]
		for j := len(payment.Breakdown) - 1; j >= 0 && left.IsPositive(); j-- {
			entry := &payment.Breakdown[j]
			if !entry.Method.IsCash() {
				continue
			}
			portion := decimal.Min(entry.Amount, left)
			entry.Amount = entry.Amount.Sub(portion)
			payment.Amount = payment.Amount.Sub(portion)
			left = left.Sub(portion)
		}
		payment.Breakdown = compactBreakdown(payment.Breakdown)
	}
	if left.GreaterThan(domain.ClampEpsilon) {
		return nil, fmt.Errorf("%w: %s change could not be taken from cash", ErrInvariantViolation, left)
	}

	kept := payments[:0]
	for _, payment := range payments {
		if payment.Amount.LessThanOrEqual(domain.SettlementEpsilon) && !payment.AppliedAmount.IsPositive() {
			continue
		}
		kept = append(kept, payment)
	}
	return kept, nil
}

func compactBreakdown(entries []domain.Tender) []domain.Tender {
	kept := entries[:0]
	for _, entry := range entries {
		if entry.Amount.GreaterThan(domain.ClampEpsilon) {
			kept = append(kept, entry)
		}
	}
	return kept
}

// primaryTender picks the largest slice of a breakdown to describe the record;
// ties keep the earliest.
func primaryTender(breakdown []domain.Tender) (domain.PaymentMethod, string, string) {
	if len(breakdown) == 0 {
		return "", "", ""
	}
	best := breakdown[0]
	for _, entry := range breakdown[1:] {
		if entry.Amount.GreaterThan(best.Amount) {
			best = entry
		}
	}
	return best.Method, best.Reference, best.SourceAccountID
}

func checkConservation(result *Result) error {
	moved := decimal.Zero
	applied := decimal.Zero
	for _, payment := range result.Payments {
		moved = moved.Add(payment.Amount)
		applied = applied.Add(payment.AppliedAmount)
	}
	if !moved.Add(result.Change).Sub(result.Tendered).Abs().LessThanOrEqual(domain.ClampEpsilon) {
		return fmt.Errorf("%w: payments %s plus change %s differ from tendered %s", ErrInvariantViolation, moved, result.Change, result.Tendered)
	}
	credited := decimal.Zero
	if result.WalletCredit != nil {
		credited = result.WalletCredit.Amount
	}
	if !applied.Add(credited).Add(result.Change).Sub(result.Tendered).Abs().LessThanOrEqual(domain.ClampEpsilon) {
		return fmt.Errorf("%w: applied %s plus credit %s plus change %s differ from tendered %s", ErrInvariantViolation, applied, credited, result.Change, result.Tendered)
	}
	return nil
}
