package domain

import (
	"encoding/json"
	"time"

	"github.com/bwmarrin/snowflake"
	inferencedomain "github.com/smallbiznis/trustscan/internal/inference/domain"
	ledgerdomain "github.com/smallbiznis/trustscan/internal/ledger/domain"
	plandomain "github.com/smallbiznis/trustscan/internal/plan/domain"
	"github.com/smallbiznis/trustscan/pkg/db/pagination"
	"gorm.io/datatypes"
)

// ScanRecord is a persisted scan result. It is written once, in the same
// transaction as its debit, and never updated.
type ScanRecord struct {
	ID             snowflake.ID         `gorm:"primaryKey"`
	TransactionID  string               `gorm:"type:text;not null;uniqueIndex"`
	RequestID      string               `gorm:"type:text;not null;uniqueIndex:ux_scan_records_account_request"`
	AccountID      string               `gorm:"type:text;not null;uniqueIndex:ux_scan_records_account_request;index:ix_scan_records_account_created"`
	ShareID        string               `gorm:"type:text;not null;uniqueIndex"`
	ProductName    string               `gorm:"type:text;not null"`
	Brand          string               `gorm:"type:text"`
	ProductURL     string               `gorm:"type:text;not null"`
	Mode           plandomain.Mode      `gorm:"type:text;not null"`
	TrustScore     int                  `gorm:"not null"`
	Tier           inferencedomain.Tier `gorm:"type:text;not null"`
	Verdict        string               `gorm:"type:text;not null"`
	Confidence     string               `gorm:"type:text"`
	Breakdown      datatypes.JSON       `gorm:"type:json"`
	Signals        datatypes.JSON       `gorm:"type:json"`
	RiskFactors    datatypes.JSON       `gorm:"type:json"`
	DataSources    datatypes.JSON       `gorm:"type:json"`
	Model          string               `gorm:"type:text"`
	CreditsCharged int64                `gorm:"not null"`
	AnalyzedAt     time.Time            `gorm:"not null"`
	CreatedAt      time.Time            `gorm:"not null;index:ix_scan_records_account_created"`
}

// TableName sets the database table name.
func (ScanRecord) TableName() string { return "scan_records" }

// Scan is the caller-facing view of a persisted result.
type Scan struct {
	RequestID      string                     `json:"request_id"`
	ShareID        string                     `json:"share_id"`
	ShareURL       string                     `json:"share_url,omitempty"`
	Product        inferencedomain.Descriptor `json:"product"`
	Result         inferencedomain.Result     `json:"result"`
	CreditsCharged int64                      `json:"credits_charged"`
	AnalyzedAt     time.Time                  `json:"analyzed_at"`
}

// SharedScan omits everything that ties a result to its account.
type SharedScan struct {
	ShareID    string                     `json:"share_id"`
	Product    inferencedomain.Descriptor `json:"product"`
	Result     inferencedomain.Result     `json:"result"`
	AnalyzedAt time.Time                  `json:"analyzed_at"`
}

// ToScan decodes a record. JSON columns written by this package always
// decode; a corrupt column yields an empty slice rather than an error.
func (r ScanRecord) ToScan() Scan {
	result := inferencedomain.Result{
		Mode:       r.Mode,
		Score:      r.TrustScore,
		Tier:       r.Tier,
		Verdict:    r.Verdict,
		Confidence: inferencedomain.Confidence(r.Confidence),
		Model:      r.Model,
	}
	decodeJSON(r.Breakdown, &result.Breakdown)
	decodeJSON(r.Signals, &result.CommunitySignals)
	decodeJSON(r.RiskFactors, &result.RiskFactors)
	decodeJSON(r.DataSources, &result.DataSources)

	return Scan{
		RequestID: r.RequestID,
		ShareID:   r.ShareID,
		Product: inferencedomain.Descriptor{
			ProductName: r.ProductName,
			Brand:       r.Brand,
			ProductURL:  r.ProductURL,
		},
		Result:         result,
		CreditsCharged: r.CreditsCharged,
		AnalyzedAt:     r.AnalyzedAt.UTC(),
	}
}

func decodeJSON(raw datatypes.JSON, dst any) {
	if len(raw) == 0 {
		return
	}
	_ = json.Unmarshal(raw, dst)
}

// TransactionID is the ledger idempotency key for a scan. Request ids are
// caller-scoped, so the account is part of the key.
func TransactionID(accountID, requestID string) string {
	return "scan:" + accountID + ":" + requestID
}

type SubmitRequest struct {
	AccountID     string
	Authenticated bool
	ContactEmail  string
	RequestID     string
	Descriptor    inferencedomain.Descriptor
	Mode          plandomain.Mode
}

type SubmitResult struct {
	Scan     Scan                  `json:"scan"`
	Ledger   ledgerdomain.Snapshot `json:"ledger"`
	Replayed bool                  `json:"replayed"`
}

type ListHistoryRequest struct {
	AccountID string
	pagination.Pagination
}

type ListHistoryResponse struct {
	Scans         []Scan `json:"scans"`
	NextPageToken string `json:"next_page_token,omitempty"`
	HasMore       bool   `json:"has_more"`
}

// State is a step of one scan's lifecycle.
type State string

const (
	StateIdle       State = "idle"
	StateEvaluating State = "evaluating"
	StateDispatched State = "dispatched"
	StateAwaiting   State = "awaiting"
	StateSucceeded  State = "succeeded"
	StateFailed     State = "failed"
	StateCommitting State = "committing"
	StateDone       State = "done"
)

var transitions = map[State][]State{
	StateIdle:       {StateEvaluating},
	StateEvaluating: {StateDispatched, StateDone},
	StateDispatched: {StateAwaiting},
	StateAwaiting:   {StateAwaiting, StateSucceeded, StateFailed},
	StateSucceeded:  {StateCommitting},
	StateCommitting: {StateDone},
	StateFailed:     {StateDone},
}

// CanTransition reports whether from -> to is a legal lifecycle step.
// Awaiting -> Awaiting is a transport retry.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
