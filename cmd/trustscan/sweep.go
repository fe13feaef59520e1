package main

import (
	"context"
	"time"

	"github.com/smallbiznis/trustscan/internal/scheduler"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
)

const sweepStartTimeout = 30 * time.Second

func runSweep(cmd *cobra.Command, jobs []string) error {
	var sched *scheduler.Scheduler
	app := fx.New(
		coreModules(),
		fx.Decorate(func(cfg scheduler.Config) scheduler.Config {
			cfg.EnabledJobs = jobs
			return cfg
		}),
		fx.Populate(&sched),
		fx.NopLogger,
	)
	if err := app.Err(); err != nil {
		return err
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	startCtx, cancel := context.WithTimeout(ctx, sweepStartTimeout)
	defer cancel()
	if err := app.Start(startCtx); err != nil {
		return err
	}
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), sweepStartTimeout)
		defer stopCancel()
		_ = app.Stop(stopCtx)
	}()

	return sched.RunOnce(ctx)
}
