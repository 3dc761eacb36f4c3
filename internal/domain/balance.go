package domain

import "github.com/shopspring/decimal"

var (
	// ClampEpsilon bounds rounding noise when comparing a requested amount
	// against what is still owed.
	ClampEpsilon = decimal.RequireFromString("0.001")
	// SettlementEpsilon is the largest balance still treated as fully paid.
	SettlementEpsilon = decimal.RequireFromString("0.01")
)

// Money rounds an amount to the two places every stored figure uses.
func Money(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}

func (li LineItem) LineTotal() decimal.Decimal {
	return Money(li.UnitPrice.Mul(li.Quantity))
}

func (d Document) LineItem(id string) (LineItem, bool) {
	for _, item := range d.LineItems {
		if item.ID == id {
			return item, true
		}
	}
	return LineItem{}, false
}

// ItemPaidAmount sums what prior payments allocated to one line item.
func (d Document) ItemPaidAmount(itemID string) decimal.Decimal {
	paid := decimal.Zero
	for _, payment := range d.PriorPayments {
		if amount, ok := payment.Allocations[itemID]; ok {
			paid = paid.Add(amount)
		}
	}
	return paid
}

func (d Document) ItemRemaining(item LineItem) decimal.Decimal {
	remaining := item.LineTotal().Sub(d.ItemPaidAmount(item.ID))
	if remaining.IsNegative() {
		return decimal.Zero
	}
	return remaining
}

func (d Document) PaidAmount() decimal.Decimal {
	paid := decimal.Zero
	for _, payment := range d.PriorPayments {
		paid = paid.Add(payment.AppliedAmount)
	}
	return paid
}

func (d Document) RemainingBalance() decimal.Decimal {
	remaining := decimal.Zero
	for _, item := range d.LineItems {
		remaining = remaining.Add(d.ItemRemaining(item))
	}
	return remaining
}

func (d Document) IsSettled() bool {
	return d.RemainingBalance().LessThanOrEqual(SettlementEpsilon)
}

func (d Document) Summary() DocumentSummary {
	items := make([]LineItemBalance, 0, len(d.LineItems))
	for _, item := range d.LineItems {
		items = append(items, LineItemBalance{
			LineItemID: item.ID,
			LineTotal:  item.LineTotal(),
			Paid:       d.ItemPaidAmount(item.ID),
			Remaining:  d.ItemRemaining(item),
		})
	}
	return DocumentSummary{
		Document:         d,
		PaidAmount:       d.PaidAmount(),
		RemainingBalance: d.RemainingBalance(),
		Settled:          d.IsSettled(),
		Items:            items,
	}
}

func SumTenders(tenders []Tender) decimal.Decimal {
	total := decimal.Zero
	for _, tender := range tenders {
		total = total.Add(tender.Amount)
	}
	return total
}
