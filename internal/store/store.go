package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"posbalance/backend/internal/domain"
)

var (
	ErrNotFound                  = errors.New("not found")
	ErrInvalidTransaction        = errors.New("invalid transaction")
	ErrConflict                  = errors.New("document changed concurrently")
	ErrInsufficientWalletBalance = errors.New("insufficient wallet balance")
	ErrShiftClosed               = errors.New("shift is no longer open")
)

type Repository interface {
	CreateDocument(ctx context.Context, doc domain.Document) (*domain.Document, error)
	GetDocument(ctx context.Context, id string) (*domain.Document, error)
	GetDocuments(ctx context.Context, ids []string) (map[string]domain.Document, error)
	ListDocuments(ctx context.Context, filter domain.DocumentFilter) ([]domain.Document, error)

	CreateCounterparty(ctx context.Context, counterparty domain.Counterparty) (*domain.Counterparty, error)
	GetCounterparty(ctx context.Context, id string) (*domain.Counterparty, error)
	ListCounterparties(ctx context.Context, query string, limit int) ([]domain.Counterparty, error)

	GetWallet(ctx context.Context, counterpartyID string, limit int) (*domain.Wallet, error)
	// AdjustWallet appends one movement and returns it with BalanceAfter set.
	AdjustWallet(ctx context.Context, entry domain.WalletEntry) (*domain.WalletEntry, error)

	FindSettlementByIdempotency(ctx context.Context, storeID string, key string) (*domain.Settlement, error)
	// ApplySettlement persists payments, wallet movements and, when set, the
	// settlement's new document in one step. If another settlement already
	// holds the idempotency key, that settlement is returned instead and
	// nothing is written. ErrConflict means an allocation no longer fits the
	// stored balances; ErrShiftClosed means the settlement's shift closed
	// after it was read.
	ApplySettlement(ctx context.Context, settlement domain.Settlement) (*domain.Settlement, error)

	GetDailyReport(ctx context.Context, storeID string, from time.Time, to time.Time) (domain.DailyReport, error)
	CreateAuditLog(ctx context.Context, entry domain.AuditLog) error
	ListAuditLogs(ctx context.Context, storeID string, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error)

	CreateShift(ctx context.Context, shift domain.Shift) (*domain.Shift, error)
	// CloseActiveShift closes the terminal's open shift with the counted
	// ClosingCash. Expected cash and variance are computed from the shift's
	// payments in the same step, so no settlement can land in between.
	CloseActiveShift(ctx context.Context, storeID string, terminalID string, closing domain.Shift) (*domain.Shift, error)
	GetActiveShift(ctx context.Context, storeID string, terminalID string) (*domain.Shift, error)

	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}

// CashMovement is the signed cash effect of one payment record: positive when
// cash came into the drawer.
func CashMovement(kind domain.DocumentKind, payment domain.PaymentRecord) decimal.Decimal {
	cash := decimal.Zero
	for _, entry := range payment.Breakdown {
		if entry.Method.IsCash() {
			cash = cash.Add(entry.Amount)
		}
	}
	if kind.IsOutgoing() {
		return cash.Neg()
	}
	return cash
}
