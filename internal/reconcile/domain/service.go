package domain

import (
	"context"

	ledgerdomain "github.com/smallbiznis/trustscan/internal/ledger/domain"
	plandomain "github.com/smallbiznis/trustscan/internal/plan/domain"
)

// Service aligns ledger plan state with the billing processor.
type Service interface {
	// Refresh reconciles now. A billing failure is returned together with
	// the local snapshot so callers can degrade.
	Refresh(ctx context.Context, accountID string) (ledgerdomain.Snapshot, error)
	// EnsureFresh reconciles only when the mode or staleness calls for it
	// and never fails on billing errors.
	EnsureFresh(ctx context.Context, accountID string, mode plandomain.Mode) (ledgerdomain.Snapshot, error)
}
