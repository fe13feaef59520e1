package scheduler

import (
	"context"

	"github.com/smallbiznis/trustscan/internal/ratelimit"
	reconciledomain "github.com/smallbiznis/trustscan/internal/reconcile/domain"
	"go.uber.org/fx"
)

var Module = fx.Module("scheduler",
	fx.Provide(ProvideConfig),
	fx.Provide(func(s reconciledomain.Service) Reconciler { return s }),
	fx.Provide(func(l *ratelimit.JobLease) Lease { return l }),
	fx.Provide(New),
)

// Background starts the run loop with the application when enabled.
var Background = fx.Invoke(Start)

func Start(lc fx.Lifecycle, cfg Config, sched *Scheduler) {
	if !cfg.Enabled {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go sched.RunForever(ctx)
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			return nil
		},
	})
}
