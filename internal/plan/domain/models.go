package domain

import "time"

// PlanID identifies a tier in the closed plan catalog.
type PlanID string

const (
	PlanFree  PlanID = "free"
	PlanBasic PlanID = "basic"
	PlanPro   PlanID = "pro"
)

// Mode is the scan depth; each mode has a fixed credit cost.
type Mode string

const (
	ModeFast Mode = "fast"
	ModeDeep Mode = "deep"
)

func (m Mode) Valid() bool {
	return m == ModeFast || m == ModeDeep
}

// Renewal describes how a plan's credit period rolls over.
type Renewal string

const (
	// RenewalDaily cuts over at 00:00 UTC regardless of account age.
	RenewalDaily   Renewal = "daily"
	RenewalMonthly Renewal = "monthly"
	RenewalYearly  Renewal = "yearly"
)

// Rewind returns the boundary one period before t.
func (r Renewal) Rewind(t time.Time) time.Time {
	switch r {
	case RenewalDaily:
		return t.AddDate(0, 0, -1)
	case RenewalYearly:
		return t.AddDate(-1, 0, 0)
	default:
		return t.AddDate(0, -1, 0)
	}
}

// Plan is an immutable catalog entry.
type Plan struct {
	ID                PlanID
	Name              string
	Credits           int64
	Renewal           Renewal
	Modes             []Mode
	Costs             map[Mode]int64
	MonthlyPriceCents int64
	YearlyPriceCents  int64
	StripePriceIDs    []string
}

func (p Plan) AllowsMode(mode Mode) bool {
	for _, m := range p.Modes {
		if m == mode {
			return true
		}
	}
	return false
}

// Cost returns the credit cost for mode, or false when the mode is unknown.
func (p Plan) Cost(mode Mode) (int64, bool) {
	cost, ok := p.Costs[mode]
	return cost, ok
}

func (p Plan) IsPaid() bool {
	return p.ID != PlanFree
}

// NextRenewal returns the first period boundary strictly after now, stepping
// from the previous boundary. A zero previous boundary starts from now.
func (p Plan) NextRenewal(previous, now time.Time) time.Time {
	now = now.UTC()
	if p.Renewal == RenewalDaily {
		day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
		return day.Add(24 * time.Hour)
	}

	next := previous.UTC()
	if next.IsZero() {
		next = now.Truncate(time.Second)
	}
	for !next.After(now) {
		switch p.Renewal {
		case RenewalYearly:
			next = next.AddDate(1, 0, 0)
		default:
			next = next.AddDate(0, 1, 0)
		}
	}
	return next
}
