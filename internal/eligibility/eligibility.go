// Package eligibility decides whether a scan may be dispatched. It performs no
// I/O; every input is passed in.
package eligibility

import (
	ledgerdomain "github.com/smallbiznis/trustscan/internal/ledger/domain"
	plandomain "github.com/smallbiznis/trustscan/internal/plan/domain"
)

type Decision string

const (
	Admit                      Decision = "admit"
	DenyInsufficientCredits    Decision = "insufficient_credits"
	DenyModeRequiresUpgrade    Decision = "mode_requires_upgrade"
	DenyAccountUnauthenticated Decision = "account_unauthenticated"
)

func (d Decision) Admitted() bool {
	return d == Admit
}

type Input struct {
	Ledger        ledgerdomain.Snapshot
	Plan          plandomain.Plan
	Mode          plandomain.Mode
	Authenticated bool
}

// Evaluate applies the admission rules in order: authentication, tier, then
// balance.
func Evaluate(in Input) Decision {
	if !in.Authenticated {
		if in.Mode != plandomain.ModeFast {
			return DenyAccountUnauthenticated
		}
		// Unauthenticated callers only spend the per-device allowance.
		if in.Ledger.Kind != ledgerdomain.AccountKindDevice {
			return DenyAccountUnauthenticated
		}
	}

	if !in.Plan.AllowsMode(in.Mode) || (in.Plan.ID == plandomain.PlanFree && in.Mode == plandomain.ModeDeep) {
		return DenyModeRequiresUpgrade
	}

	cost, ok := in.Plan.Cost(in.Mode)
	if !ok || cost <= 0 {
		return DenyModeRequiresUpgrade
	}
	if in.Ledger.CreditsGranted-in.Ledger.CreditsConsumed < cost {
		return DenyInsufficientCredits
	}
	return Admit
}
