package ratelimit

import (
	scandomain "github.com/smallbiznis/trustscan/internal/scan/domain"
	"go.uber.org/fx"
)

var Module = fx.Module("rate.limit",
	fx.Provide(NewRedisClient),
	fx.Provide(NewScanLimiter),
	fx.Provide(func(l *ScanLimiter) scandomain.InflightLock { return l }),
	fx.Provide(NewJobLease),
)
