package domain

import "errors"

// Catalog is a read-only lookup over plan tiers.
type Catalog interface {
	Get(id PlanID) (Plan, error)
	Free() Plan
	List() []Plan
	ByStripePrice(priceID string) (Plan, bool)
}

var (
	ErrPlanNotFound = errors.New("plan_not_found")
	ErrInvalidMode  = errors.New("invalid_mode")
)
