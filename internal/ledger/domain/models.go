package domain

import (
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	plandomain "github.com/smallbiznis/trustscan/internal/plan/domain"
)

// AccountKind distinguishes authenticated accounts from the per-device
// allowance used by unauthenticated callers.
type AccountKind string

const (
	AccountKindUser   AccountKind = "user"
	AccountKindDevice AccountKind = "device"
)

// AccountKey builds the ledger key for a caller, e.g. "user:42" or "device:ab12".
func AccountKey(kind AccountKind, id string) string {
	return string(kind) + ":" + strings.TrimSpace(id)
}

// KindFromKey returns the account kind encoded in a ledger key.
func KindFromKey(key string) AccountKind {
	if strings.HasPrefix(key, string(AccountKindDevice)+":") {
		return AccountKindDevice
	}
	return AccountKindUser
}

// Ledger is the per-account credit record. Invariant:
// 0 <= CreditsConsumed <= CreditsGranted.
type Ledger struct {
	AccountID         string            `gorm:"primaryKey;type:text"`
	Kind              AccountKind       `gorm:"type:text;not null"`
	PlanID            plandomain.PlanID `gorm:"type:text;not null"`
	CreditsGranted    int64             `gorm:"not null"`
	CreditsConsumed   int64             `gorm:"not null;default:0"`
	RenewsAt          time.Time         `gorm:"not null;index"`
	Version           int64             `gorm:"not null;default:0"`
	ContactEmail      string            `gorm:"type:text"`
	BillingCustomerID string            `gorm:"type:text"`
	ReconciledAt      *time.Time
	CreatedAt         time.Time `gorm:"not null"`
	UpdatedAt         time.Time `gorm:"not null"`
}

// TableName sets the database table name.
func (Ledger) TableName() string { return "ledgers" }

func (l Ledger) Remaining() int64 {
	remaining := l.CreditsGranted - l.CreditsConsumed
	if remaining < 0 {
		return 0
	}
	return remaining
}

func (l Ledger) Snapshot() Snapshot {
	return Snapshot{
		AccountID:        l.AccountID,
		Kind:             l.Kind,
		PlanID:           l.PlanID,
		CreditsGranted:   l.CreditsGranted,
		CreditsConsumed:  l.CreditsConsumed,
		CreditsRemaining: l.Remaining(),
		RenewsAt:         l.RenewsAt.UTC(),
		ReconciledAt:     l.ReconciledAt,
		Version:          l.Version,
	}
}

// Debit records one applied TryDebit, keyed by the caller's transaction id.
type Debit struct {
	ID             snowflake.ID `gorm:"primaryKey"`
	TransactionID  string       `gorm:"type:text;not null;uniqueIndex"`
	AccountID      string       `gorm:"type:text;not null;index"`
	Amount         int64        `gorm:"not null"`
	GrantedAfter   int64        `gorm:"not null"`
	ConsumedAfter  int64        `gorm:"not null"`
	PeriodRenewsAt time.Time    `gorm:"not null"`
	RefundedAt     *time.Time
	CreatedAt      time.Time `gorm:"not null;index"`
}

// TableName sets the database table name.
func (Debit) TableName() string { return "ledger_debits" }

// Snapshot is a read-only view of a ledger.
type Snapshot struct {
	AccountID        string            `json:"account_id"`
	Kind             AccountKind       `json:"kind"`
	PlanID           plandomain.PlanID `json:"plan_id"`
	CreditsGranted   int64             `json:"credits_granted"`
	CreditsConsumed  int64             `json:"credits_consumed"`
	CreditsRemaining int64             `json:"credits_remaining"`
	RenewsAt         time.Time         `json:"renews_at"`
	ReconciledAt     *time.Time        `json:"reconciled_at,omitempty"`
	Version          int64             `json:"-"`
}

// NormalizeTime pins persisted boundaries to whole UTC seconds so values
// compare equal after a database round trip.
func NormalizeTime(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	return t.UTC().Truncate(time.Second)
}
