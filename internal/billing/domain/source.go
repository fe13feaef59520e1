package domain

import (
	"context"
	"errors"
	"time"

	plandomain "github.com/smallbiznis/trustscan/internal/plan/domain"
)

// Status is the authoritative subscription state for one identity.
// PeriodStart and PeriodEnd are zero when there is no active subscription.
// Interval is the billing cadence of the price, empty when it has no plan
// equivalent.
type Status struct {
	CustomerID  string
	PlanID      plandomain.PlanID
	PriceID     string
	Interval    plandomain.Renewal
	PeriodStart time.Time
	PeriodEnd   time.Time
	Subscribed  bool
}

// Source is a read-only view of the billing processor.
type Source interface {
	Lookup(ctx context.Context, email string) (Status, error)
	// Invalidate drops any cached status for email.
	Invalidate(email string)
}

var (
	ErrNotConfigured = errors.New("billing_not_configured")
	ErrUnavailable   = errors.New("billing_unavailable")
	ErrNoIdentity    = errors.New("billing_identity_missing")
)
