package scan

import (
	"github.com/smallbiznis/trustscan/internal/scan/repository"
	"github.com/smallbiznis/trustscan/internal/scan/service"
	"go.uber.org/fx"
)

var Module = fx.Module("scan.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
