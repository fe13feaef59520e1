package reconcile

import (
	"github.com/smallbiznis/trustscan/internal/reconcile/domain"
	"github.com/smallbiznis/trustscan/internal/reconcile/service"
	scandomain "github.com/smallbiznis/trustscan/internal/scan/domain"
	"go.uber.org/fx"
)

var Module = fx.Module("reconcile.service",
	fx.Provide(service.NewService),
	fx.Provide(func(s *service.Service) domain.Service { return s }),
	fx.Provide(func(s *service.Service) scandomain.Freshener { return s }),
)
