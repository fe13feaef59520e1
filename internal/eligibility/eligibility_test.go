package eligibility

import (
	"testing"

	"github.com/smallbiznis/trustscan/internal/config"
	ledgerdomain "github.com/smallbiznis/trustscan/internal/ledger/domain"
	plandomain "github.com/smallbiznis/trustscan/internal/plan/domain"
	planservice "github.com/smallbiznis/trustscan/internal/plan/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func plans(t *testing.T) (free, pro plandomain.Plan) {
	t.Helper()
	holder, err := config.NewStaticPlanConfigHolder(config.DefaultPlanConfig())
	require.NoError(t, err)
	catalog := planservice.NewCatalog(holder)
	pro, err = catalog.Get(plandomain.PlanPro)
	require.NoError(t, err)
	return catalog.Free(), pro
}

func ledger(kind ledgerdomain.AccountKind, plan plandomain.PlanID, granted, consumed int64) ledgerdomain.Snapshot {
	return ledgerdomain.Snapshot{
		Kind:             kind,
		PlanID:           plan,
		CreditsGranted:   granted,
		CreditsConsumed:  consumed,
		CreditsRemaining: granted - consumed,
	}
}

func TestEvaluate(t *testing.T) {
	free, pro := plans(t)

	cases := []struct {
		name string
		in   Input
		want Decision
	}{
		{
			name: "device fast with allowance",
			in:   Input{Ledger: ledger(ledgerdomain.AccountKindDevice, free.ID, 10, 5), Plan: free, Mode: plandomain.ModeFast},
			want: Admit,
		},
		{
			name: "device fast exhausted",
			in:   Input{Ledger: ledger(ledgerdomain.AccountKindDevice, free.ID, 10, 10), Plan: free, Mode: plandomain.ModeFast},
			want: DenyInsufficientCredits,
		},
		{
			name: "unauthenticated deep with huge balance",
			in:   Input{Ledger: ledger(ledgerdomain.AccountKindDevice, pro.ID, 1_000_000, 0), Plan: pro, Mode: plandomain.ModeDeep},
			want: DenyAccountUnauthenticated,
		},
		{
			name: "unauthenticated on a user ledger",
			in:   Input{Ledger: ledger(ledgerdomain.AccountKindUser, free.ID, 10, 0), Plan: free, Mode: plandomain.ModeFast},
			want: DenyAccountUnauthenticated,
		},
		{
			name: "free tier deep with balance",
			in:   Input{Ledger: ledger(ledgerdomain.AccountKindUser, free.ID, 500, 0), Plan: free, Mode: plandomain.ModeDeep, Authenticated: true},
			want: DenyModeRequiresUpgrade,
		},
		{
			name: "paid deep short by one",
			in:   Input{Ledger: ledger(ledgerdomain.AccountKindUser, pro.ID, 600, 598), Plan: pro, Mode: plandomain.ModeDeep, Authenticated: true},
			want: DenyInsufficientCredits,
		},
		{
			name: "paid deep exact fit",
			in:   Input{Ledger: ledger(ledgerdomain.AccountKindUser, pro.ID, 600, 597), Plan: pro, Mode: plandomain.ModeDeep, Authenticated: true},
			want: Admit,
		},
		{
			name: "unknown mode",
			in:   Input{Ledger: ledger(ledgerdomain.AccountKindUser, pro.ID, 600, 0), Plan: pro, Mode: "turbo", Authenticated: true},
			want: DenyModeRequiresUpgrade,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Evaluate(tc.in))
		})
	}
}

func TestUnauthenticatedDeepAlwaysDenied(t *testing.T) {
	free, pro := plans(t)
	for _, plan := range []plandomain.Plan{free, pro} {
		for _, granted := range []int64{0, 3, 10, 1 << 40} {
			for _, kind := range []ledgerdomain.AccountKind{ledgerdomain.AccountKindDevice, ledgerdomain.AccountKindUser} {
				got := Evaluate(Input{
					Ledger: ledger(kind, plan.ID, granted, 0),
					Plan:   plan,
					Mode:   plandomain.ModeDeep,
				})
				assert.Equal(t, DenyAccountUnauthenticated, got, "plan=%s granted=%d kind=%s", plan.ID, granted, kind)
			}
		}
	}
}
