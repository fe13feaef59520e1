package plan

import (
	"github.com/smallbiznis/trustscan/internal/plan/service"
	"go.uber.org/fx"
)

var Module = fx.Module("plan.catalog",
	fx.Provide(service.NewCatalog),
)
