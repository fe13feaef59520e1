package billing

import (
	"github.com/smallbiznis/trustscan/internal/billing/stripe"
	"go.uber.org/fx"
)

var Module = fx.Module("billing.source",
	fx.Provide(stripe.NewSource),
)
