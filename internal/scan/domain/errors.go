package domain

import (
	"errors"
	"fmt"

	ledgerdomain "github.com/smallbiznis/trustscan/internal/ledger/domain"
)

var (
	ErrInvalidRequest = errors.New("invalid_scan_request")
	ErrScanNotFound   = errors.New("scan_not_found")
	ErrScanInFlight   = errors.New("scan_in_flight")

	ErrDenied              = errors.New("scan_denied")
	ErrInsufficientCredits = errors.New("insufficient_credits")
	ErrModeRequiresUpgrade = errors.New("mode_requires_upgrade")
	ErrUnauthenticated     = errors.New("account_unauthenticated")
	ErrLedgerConflict      = errors.New("ledger_conflict")

	ErrAnalysisFailed      = errors.New("analysis_failed")
	ErrProviderUnavailable = errors.New("provider_unavailable")
)

type DenialReason string

const (
	DenialInsufficientCredits DenialReason = "insufficient_credits"
	DenialModeRequiresUpgrade DenialReason = "mode_requires_upgrade"
	DenialUnauthenticated     DenialReason = "account_unauthenticated"
	DenialLedgerConflict      DenialReason = "ledger_conflict"
)

// Denial is a refusal that charged nothing. Ledger is the snapshot the
// decision was made against.
type Denial struct {
	Reason DenialReason
	Ledger ledgerdomain.Snapshot
}

func (d *Denial) Error() string {
	return fmt.Sprintf("scan denied: %s", d.Reason)
}

func (d *Denial) Unwrap() []error {
	return []error{ErrDenied, d.Reason.sentinel()}
}

// Retryable is true when the caller can resubmit as is.
func (d *Denial) Retryable() bool {
	return d.Reason == DenialLedgerConflict
}

func (r DenialReason) sentinel() error {
	switch r {
	case DenialInsufficientCredits:
		return ErrInsufficientCredits
	case DenialModeRequiresUpgrade:
		return ErrModeRequiresUpgrade
	case DenialUnauthenticated:
		return ErrUnauthenticated
	default:
		return ErrLedgerConflict
	}
}

type FailureReason string

const (
	FailureAnalysisFailed      FailureReason = "analysis_failed"
	FailureProviderUnavailable FailureReason = "provider_unavailable"
)

// Failure is a scan that was admitted but produced no result. Nothing was
// charged.
type Failure struct {
	Reason   FailureReason
	Attempts int
	Err      error
}

func (f *Failure) Error() string {
	return fmt.Sprintf("scan failed: %s after %d attempt(s): %v", f.Reason, f.Attempts, f.Err)
}

func (f *Failure) Unwrap() []error {
	sentinel := ErrAnalysisFailed
	if f.Reason == FailureProviderUnavailable {
		sentinel = ErrProviderUnavailable
	}
	return []error{sentinel, f.Err}
}
