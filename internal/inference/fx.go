package inference

import (
	"github.com/smallbiznis/trustscan/internal/inference/provider"
	"github.com/smallbiznis/trustscan/internal/inference/service"
	"go.uber.org/fx"
)

var Module = fx.Module("inference.gateway",
	fx.Provide(provider.NewOpenAIClient),
	fx.Provide(service.NewGateway),
)
