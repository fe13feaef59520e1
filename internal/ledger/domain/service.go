package domain

import (
	"context"
	"errors"
	"time"

	plandomain "github.com/smallbiznis/trustscan/internal/plan/domain"
	"gorm.io/gorm"
)

type Service interface {
	OpenAccount(ctx context.Context, req OpenAccountRequest) (Snapshot, error)
	GetLedger(ctx context.Context, accountID string) (Ledger, error)
	GetSnapshot(ctx context.Context, accountID string) (Snapshot, error)
	TryDebit(ctx context.Context, req DebitRequest) (DebitResult, error)
	Reset(ctx context.Context, req ResetRequest) (ResetResult, error)
	RenewIfDue(ctx context.Context, accountID string) (Snapshot, error)
	MarkReconciled(ctx context.Context, req MarkReconciledRequest) (Snapshot, error)
	Refund(ctx context.Context, transactionID string) (bool, error)
	ListDueForRenewal(ctx context.Context, now time.Time, limit int) ([]string, error)
	ListStaleReconciled(ctx context.Context, before time.Time, limit int) ([]string, error)
}

type OpenAccountRequest struct {
	AccountID    string
	Kind         AccountKind
	ContactEmail string
}

// TxHook runs inside the debit transaction after the debit is applied.
// Returning an error rolls the debit back.
type TxHook func(ctx context.Context, tx *gorm.DB) error

type DebitRequest struct {
	AccountID     string
	Amount        int64
	TransactionID string
	Within        TxHook
}

// DebitResult reports whether the debit landed. Applied is false when the
// account cannot afford the amount; the ledger is then unchanged.
type DebitResult struct {
	Applied  bool
	Replayed bool
	Snapshot Snapshot
}

// ResetRequest starts a new credit period. The reset only applies while the
// ledger still carries ExpectedRenewsAt (and ExpectedPlanID when set), so
// concurrent or repeated resets for the same period apply once.
type ResetRequest struct {
	AccountID         string
	PlanID            plandomain.PlanID
	Grant             int64
	RenewsAt          time.Time
	ExpectedRenewsAt  time.Time
	ExpectedPlanID    plandomain.PlanID
	CarryConsumed     bool
	ReconciledAt      *time.Time
	BillingCustomerID string
	Reason            string
}

type ResetResult struct {
	Applied  bool
	Snapshot Snapshot
}

type MarkReconciledRequest struct {
	AccountID         string
	At                time.Time
	BillingCustomerID string
}

var (
	ErrInvalidAccount       = errors.New("invalid_account")
	ErrInvalidAmount        = errors.New("invalid_amount")
	ErrInvalidTransactionID = errors.New("invalid_transaction_id")
	ErrInvalidRenewal       = errors.New("invalid_renewal")
	ErrAccountNotFound      = errors.New("account_not_found")
	ErrDebitNotFound        = errors.New("debit_not_found")
	ErrTransactionMismatch  = errors.New("transaction_mismatch")
	ErrLedgerContention     = errors.New("ledger_contention")
)

// Repository is the storage contract for ledgers. Every method takes the
// handle to run on so callers can compose them inside one transaction.
type Repository interface {
	FindLedger(ctx context.Context, db *gorm.DB, accountID string) (*Ledger, error)
	InsertLedgerIfAbsent(ctx context.Context, db *gorm.DB, ledger *Ledger) (bool, error)
	UpdateContact(ctx context.Context, db *gorm.DB, accountID, email string, at time.Time) error
	FindDebit(ctx context.Context, db *gorm.DB, transactionID string) (*Debit, error)
	InsertDebit(ctx context.Context, db *gorm.DB, debit *Debit) (bool, error)
	ApplyDebit(ctx context.Context, db *gorm.DB, accountID string, version, amount int64, at time.Time) (bool, error)
	ApplyReset(ctx context.Context, db *gorm.DB, accountID string, version int64, update ResetUpdate) (bool, error)
	MarkRefunded(ctx context.Context, db *gorm.DB, transactionID string, at time.Time) (bool, error)
	ApplyRefund(ctx context.Context, db *gorm.DB, accountID string, version, amount int64, at time.Time) (bool, error)
	TouchReconciled(ctx context.Context, db *gorm.DB, accountID string, at time.Time, customerID string) error
	ListDueForRenewal(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]string, error)
	ListStaleReconciled(ctx context.Context, db *gorm.DB, before time.Time, limit int) ([]string, error)
}

// ResetUpdate carries the columns a reset writes.
type ResetUpdate struct {
	PlanID            plandomain.PlanID
	CreditsGranted    int64
	CreditsConsumed   int64
	RenewsAt          time.Time
	ReconciledAt      *time.Time
	BillingCustomerID string
	UpdatedAt         time.Time
}
