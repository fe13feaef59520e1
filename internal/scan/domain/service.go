package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	ledgerdomain "github.com/smallbiznis/trustscan/internal/ledger/domain"
	plandomain "github.com/smallbiznis/trustscan/internal/plan/domain"
	"gorm.io/gorm"
)

type Service interface {
	// SubmitScan returns a *Denial or *Failure error when no result was
	// produced; neither case charges the account.
	SubmitScan(ctx context.Context, req SubmitRequest) (SubmitResult, error)
	GetResult(ctx context.Context, accountID, requestID string) (Scan, error)
	ListHistory(ctx context.Context, req ListHistoryRequest) (ListHistoryResponse, error)
	GetShared(ctx context.Context, shareID string) (SharedScan, error)
	// RecoverOrphanedDebits refunds scan debits older than before that have
	// no persisted result.
	RecoverOrphanedDebits(ctx context.Context, before time.Time, limit int) (int, error)
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, record *ScanRecord) (bool, error)
	FindByRequest(ctx context.Context, db *gorm.DB, accountID, requestID string) (*ScanRecord, error)
	FindByTransaction(ctx context.Context, db *gorm.DB, transactionID string) (*ScanRecord, error)
	FindByShareID(ctx context.Context, db *gorm.DB, shareID string) (*ScanRecord, error)
	ListByAccount(ctx context.Context, db *gorm.DB, accountID string, beforeID *snowflake.ID, limit int) ([]ScanRecord, error)
	ListOrphanedTransactions(ctx context.Context, db *gorm.DB, before time.Time, limit int) ([]string, error)
}

// Freshener returns a ledger snapshot current enough to admit a scan in the
// given mode, reconciling with billing when needed.
type Freshener interface {
	EnsureFresh(ctx context.Context, accountID string, mode plandomain.Mode) (ledgerdomain.Snapshot, error)
}

// SuspiciousAlert is sent once per committed scan whose tier is suspicious.
type SuspiciousAlert struct {
	AccountID    string
	ContactEmail string
	Scan         Scan
}

type Notifier interface {
	NotifySuspicious(ctx context.Context, alert SuspiciousAlert) error
}

// InflightLock leases a transaction id while its provider call runs.
type InflightLock interface {
	TryLockRequest(ctx context.Context, transactionID string) (string, bool, error)
	ReleaseRequest(ctx context.Context, transactionID, token string) error
}
