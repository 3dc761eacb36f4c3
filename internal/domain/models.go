package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type DocumentKind string

const (
	DocumentKindSale       DocumentKind = "SALE"
	DocumentKindService    DocumentKind = "SERVICE"
	DocumentKindPurchase   DocumentKind = "PURCHASE"
	DocumentKindReceivable DocumentKind = "RECEIVABLE"
	DocumentKindPayable    DocumentKind = "PAYABLE"
)

func (k DocumentKind) IsValid() bool {
	switch k {
	case DocumentKindSale, DocumentKindService, DocumentKindPurchase, DocumentKindReceivable, DocumentKindPayable:
		return true
	}
	return false
}

// IsOutgoing reports whether settling a document of this kind pays money out
// of the business rather than collecting it.
func (k DocumentKind) IsOutgoing() bool {
	return k == DocumentKindPurchase || k == DocumentKindPayable
}

type PaymentMethod string

const (
	PaymentMethodCash         PaymentMethod = "CASH"
	PaymentMethodCard         PaymentMethod = "CARD"
	PaymentMethodBankTransfer PaymentMethod = "BANK_TRANSFER"
	PaymentMethodWalletCredit PaymentMethod = "DIGITAL_WALLET_CREDIT"
	PaymentMethodMobileWallet PaymentMethod = "MOBILE_WALLET_PAYMENT"
	PaymentMethodDeposit      PaymentMethod = "DEPOSIT"
)

func (m PaymentMethod) IsValid() bool {
	switch m {
	case PaymentMethodCash, PaymentMethodCard, PaymentMethodBankTransfer,
		PaymentMethodWalletCredit, PaymentMethodMobileWallet, PaymentMethodDeposit:
		return true
	}
	return false
}

// IsCash reports whether the method can hand physical change back.
func (m PaymentMethod) IsCash() bool {
	return m == PaymentMethodCash
}

// RequiresSourceAccount reports whether a tender of this method must name the
// account it is drawn from.
func (m PaymentMethod) RequiresSourceAccount() bool {
	return m != PaymentMethodCash && m != PaymentMethodWalletCredit
}

type ExcessDisposition string

const (
	DispositionNone         ExcessDisposition = "NONE"
	DispositionCashChange   ExcessDisposition = "CASH_CHANGE"
	DispositionWalletCredit ExcessDisposition = "WALLET_CREDIT"
)

type LineItem struct {
	ID          string          `json:"id"`
	Description string          `json:"description"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	Quantity    decimal.Decimal `json:"quantity"`
}

type Tender struct {
	Method          PaymentMethod   `json:"method" validate:"required"`
	Amount          decimal.Decimal `json:"amount"`
	Reference       string          `json:"reference,omitempty" validate:"max=120"`
	SourceAccountID string          `json:"source_account_id,omitempty" validate:"max=120"`
}

// PaymentRecord is money attributed to one document by one settlement.
// Amount is the net money that moved for this record; AppliedAmount is the
// part that reduced the document's balance. They differ only on the record
// that absorbed a wallet-routed excess.
type PaymentRecord struct {
	ID              string                     `json:"id"`
	SettlementID    string                     `json:"settlement_id,omitempty"`
	DocumentID      string                     `json:"document_id"`
	ShiftID         string                     `json:"shift_id,omitempty"`
	Method          PaymentMethod              `json:"method"`
	Amount          decimal.Decimal            `json:"amount"`
	AppliedAmount   decimal.Decimal            `json:"applied_amount"`
	Reference       string                     `json:"reference,omitempty"`
	SourceAccountID string                     `json:"source_account_id,omitempty"`
	Breakdown       []Tender                   `json:"breakdown"`
	Allocations     map[string]decimal.Decimal `json:"allocations"`
	CreatedAt       time.Time                  `json:"created_at"`
}

type Document struct {
	ID               string          `json:"id"`
	StoreID          string          `json:"store_id"`
	Kind             DocumentKind    `json:"kind"`
	CounterpartyID   string          `json:"counterparty_id"`
	Currency         string          `json:"currency"`
	OriginalCurrency string          `json:"original_currency,omitempty"`
	ExchangeRate     decimal.Decimal `json:"exchange_rate"`
	Total            decimal.Decimal `json:"total"`
	LineItems        []LineItem      `json:"line_items"`
	PriorPayments    []PaymentRecord `json:"prior_payments"`
	CreatedBy        string          `json:"created_by,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
}

type LineItemInput struct {
	Description string          `json:"description" validate:"required,max=200"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	Quantity    decimal.Decimal `json:"quantity"`
}

type DocumentCreateRequest struct {
	StoreID        string          `json:"store_id" validate:"max=64"`
	Kind           DocumentKind    `json:"kind" validate:"required"`
	CounterpartyID string          `json:"counterparty_id" validate:"max=64"`
	Currency       string          `json:"currency" validate:"omitempty,len=3"`
	LineItems      []LineItemInput `json:"line_items" validate:"required,min=1,dive"`
}

type LineItemBalance struct {
	LineItemID string          `json:"line_item_id"`
	LineTotal  decimal.Decimal `json:"line_total"`
	Paid       decimal.Decimal `json:"paid"`
	Remaining  decimal.Decimal `json:"remaining"`
}

type DocumentSummary struct {
	Document         Document          `json:"document"`
	PaidAmount       decimal.Decimal   `json:"paid_amount"`
	RemainingBalance decimal.Decimal   `json:"remaining_balance"`
	Settled          bool              `json:"settled"`
	Items            []LineItemBalance `json:"items"`
}

type DocumentListResponse struct {
	Documents []DocumentSummary `json:"documents"`
}

type DocumentFilter struct {
	StoreID        string
	Kind           DocumentKind
	CounterpartyID string
	Query          string
	OpenOnly       bool
	Limit          int
}

type ItemAllocationInput struct {
	DocumentID string          `json:"document_id" validate:"required"`
	LineItemID string          `json:"line_item_id" validate:"required"`
	Amount     decimal.Decimal `json:"amount"`
}

type SettlementRequest struct {
	StoreID        string                `json:"store_id" validate:"max=64"`
	TerminalID     string                `json:"terminal_id" validate:"max=64"`
	IdempotencyKey string                `json:"idempotency_key" validate:"max=128"`
	CounterpartyID string                `json:"counterparty_id" validate:"max=64"`
	DocumentIDs    []string              `json:"document_ids" validate:"required,min=1,dive,required"`
	Allocations    []ItemAllocationInput `json:"allocations" validate:"dive"`
	Tenders        []Tender              `json:"tenders" validate:"required,min=1,dive"`
	WalletRouting  bool                  `json:"wallet_routing"`
}

type ItemSettlement struct {
	DocumentID string          `json:"document_id"`
	LineItemID string          `json:"line_item_id"`
	LineTotal  decimal.Decimal `json:"line_total"`
	PaidBefore decimal.Decimal `json:"paid_before"`
	Applied    decimal.Decimal `json:"applied"`
	PaidAfter  decimal.Decimal `json:"paid_after"`
	Remaining  decimal.Decimal `json:"remaining"`
}

type SettlementResponse struct {
	SettlementID   string            `json:"settlement_id,omitempty"`
	IdempotencyKey string            `json:"idempotency_key,omitempty"`
	CounterpartyID string            `json:"counterparty_id"`
	ShiftID        string            `json:"shift_id,omitempty"`
	Disposition    ExcessDisposition `json:"disposition"`
	Tendered       decimal.Decimal   `json:"tendered"`
	Applied        decimal.Decimal   `json:"applied"`
	Excess         decimal.Decimal   `json:"excess"`
	Change         decimal.Decimal   `json:"change"`
	WalletCredit   decimal.Decimal   `json:"wallet_credit"`
	Payments       []PaymentRecord   `json:"payments"`
	Items          []ItemSettlement  `json:"items"`
	Preview        bool              `json:"preview"`
	Duplicate      bool              `json:"duplicate"`
	CreatedAt      string            `json:"created_at,omitempty"`
}

type SettlementLookupResponse struct {
	Found      bool                `json:"found"`
	Settlement *SettlementResponse `json:"settlement,omitempty"`
}

// Settlement is the persisted outcome of one accepted allocation.
type Settlement struct {
	ID             string
	StoreID        string
	TerminalID     string
	ShiftID        string
	IdempotencyKey string
	CounterpartyID string
	Disposition    ExcessDisposition
	Tendered       decimal.Decimal
	Applied        decimal.Decimal
	Excess         decimal.Decimal
	Change         decimal.Decimal
	WalletCredit   decimal.Decimal
	Payments       []PaymentRecord
	WalletEntries  []WalletEntry
	Items          []ItemSettlement
	CreatedBy      string
	CreatedAt      time.Time

	// Document is written together with the payments when the settlement
	// pays a document that does not exist yet.
	Document *Document
}

type CheckoutRequest struct {
	StoreID        string          `json:"store_id" validate:"max=64"`
	TerminalID     string          `json:"terminal_id" validate:"max=64"`
	IdempotencyKey string          `json:"idempotency_key" validate:"max=128"`
	Kind           DocumentKind    `json:"kind"`
	CounterpartyID string          `json:"counterparty_id" validate:"max=64"`
	Currency       string          `json:"currency" validate:"omitempty,len=3"`
	LineItems      []LineItemInput `json:"line_items" validate:"required,min=1,dive"`
	Tenders        []Tender        `json:"tenders" validate:"required,min=1,dive"`
	WalletRouting  bool            `json:"wallet_routing"`
}

type CheckoutResponse struct {
	Document   DocumentSummary    `json:"document"`
	Settlement SettlementResponse `json:"settlement"`
}

type CounterpartyKind string

const (
	CounterpartyCustomer CounterpartyKind = "CUSTOMER"
	CounterpartySupplier CounterpartyKind = "SUPPLIER"
)

const WalkInCounterpartyID = "walk-in"

type Counterparty struct {
	ID        string           `json:"id"`
	Name      string           `json:"name"`
	Kind      CounterpartyKind `json:"kind"`
	Phone     string           `json:"phone,omitempty"`
	Generic   bool             `json:"generic"`
	CreatedAt time.Time        `json:"created_at"`
}

// WalletEligible reports whether excess may be parked on this counterparty's
// wallet. Generic placeholders such as the walk-in customer never hold a
// balance.
func (c Counterparty) WalletEligible() bool {
	return c.ID != "" && !c.Generic
}

type CounterpartyCreateRequest struct {
	Name  string           `json:"name" validate:"required,max=120"`
	Kind  CounterpartyKind `json:"kind" validate:"omitempty,oneof=CUSTOMER SUPPLIER"`
	Phone string           `json:"phone" validate:"max=32"`
}

type CounterpartyListResponse struct {
	Counterparties []Counterparty `json:"counterparties"`
}

type WalletEntryType string

const (
	WalletEntryCredit     WalletEntryType = "CREDIT"
	WalletEntryDebit      WalletEntryType = "DEBIT"
	WalletEntryAdjustment WalletEntryType = "ADJUSTMENT"
)

// WalletEntry is one signed movement on a counterparty wallet.
type WalletEntry struct {
	ID             string          `json:"id"`
	CounterpartyID string          `json:"counterparty_id"`
	Type           WalletEntryType `json:"type"`
	Amount         decimal.Decimal `json:"amount"`
	BalanceAfter   decimal.Decimal `json:"balance_after"`
	SettlementID   string          `json:"settlement_id,omitempty"`
	ReferenceID    string          `json:"reference_id,omitempty"`
	Reason         string          `json:"reason,omitempty"`
	CreatedBy      string          `json:"created_by,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

type Wallet struct {
	CounterpartyID string          `json:"counterparty_id"`
	Balance        decimal.Decimal `json:"balance"`
	Entries        []WalletEntry   `json:"entries"`
}

type WalletAdjustRequest struct {
	Amount     decimal.Decimal `json:"amount"`
	Reason     string          `json:"reason" validate:"required,max=200"`
	ManagerPIN string          `json:"manager_pin" validate:"required"`
}

type WalletResponse struct {
	Wallet Wallet `json:"wallet"`
}

type LoginRequest struct {
	Username string `json:"username" validate:"required,max=64"`
	Password string `json:"password" validate:"required,max=128"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

type Actor struct {
	Username string
	Role     string
}

type Shift struct {
	ID           string          `json:"id"`
	StoreID      string          `json:"store_id"`
	TerminalID   string          `json:"terminal_id"`
	CashierName  string          `json:"cashier_name"`
	OpeningFloat decimal.Decimal `json:"opening_float"`
	ClosingCash  decimal.Decimal `json:"closing_cash"`
	ExpectedCash decimal.Decimal `json:"expected_cash"`
	Variance     decimal.Decimal `json:"variance"`
	Status       string          `json:"status"`
	OpenedAt     time.Time       `json:"opened_at"`
	ClosedAt     *time.Time      `json:"closed_at,omitempty"`
}

type ShiftOpenRequest struct {
	StoreID      string          `json:"store_id" validate:"max=64"`
	TerminalID   string          `json:"terminal_id" validate:"max=64"`
	CashierName  string          `json:"cashier_name" validate:"max=64"`
	OpeningFloat decimal.Decimal `json:"opening_float"`
}

type ShiftCloseRequest struct {
	StoreID     string          `json:"store_id" validate:"max=64"`
	TerminalID  string          `json:"terminal_id" validate:"max=64"`
	ClosingCash decimal.Decimal `json:"closing_cash"`
	Notes       string          `json:"notes" validate:"max=500"`
}

type ShiftResponse struct {
	Shift Shift `json:"shift"`
}

type CashierCreateRequest struct {
	Username string `json:"username" validate:"required,max=64"`
	Password string `json:"password" validate:"required,max=128"`
}

type CashierUser struct {
	Username  string    `json:"username"`
	Role      string    `json:"role"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// UserAccount is an internal persistence model for auth credentials.
type UserAccount struct {
	Username  string
	Password  string
	Role      string
	Active    bool
	CreatedAt time.Time
}

type DailyReportMethod struct {
	Method   PaymentMethod   `json:"method"`
	Payments int64           `json:"payments"`
	Total    decimal.Decimal `json:"total"`
}

type DailyReportKind struct {
	Kind      DocumentKind    `json:"kind"`
	Documents int64           `json:"documents"`
	Applied   decimal.Decimal `json:"applied"`
}

type DailyReport struct {
	StoreID        string              `json:"store_id"`
	Date           string              `json:"date"`
	Settlements    int64               `json:"settlements"`
	Tendered       decimal.Decimal     `json:"tendered"`
	Applied        decimal.Decimal     `json:"applied"`
	ChangeGiven    decimal.Decimal     `json:"change_given"`
	WalletCredited decimal.Decimal     `json:"wallet_credited"`
	ByMethod       []DailyReportMethod `json:"by_method"`
	ByKind         []DailyReportKind   `json:"by_kind"`
}

type AuditLog struct {
	ID            string    `json:"id"`
	StoreID       string    `json:"store_id"`
	ActorUsername string    `json:"actor_username"`
	ActorRole     string    `json:"actor_role"`
	Action        string    `json:"action"`
	EntityType    string    `json:"entity_type"`
	EntityID      string    `json:"entity_id"`
	Detail        string    `json:"detail"`
	CreatedAt     time.Time `json:"created_at"`
}

const (
	ShiftStatusOpen   = "open"
	ShiftStatusClosed = "closed"
)
