package main

import (
	"fmt"
	"os"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/trustscan/internal/billing"
	"github.com/smallbiznis/trustscan/internal/clock"
	"github.com/smallbiznis/trustscan/internal/config"
	"github.com/smallbiznis/trustscan/internal/inference"
	"github.com/smallbiznis/trustscan/internal/ledger"
	"github.com/smallbiznis/trustscan/internal/migration"
	"github.com/smallbiznis/trustscan/internal/notification"
	"github.com/smallbiznis/trustscan/internal/observability"
	"github.com/smallbiznis/trustscan/internal/plan"
	"github.com/smallbiznis/trustscan/internal/ratelimit"
	"github.com/smallbiznis/trustscan/internal/reconcile"
	"github.com/smallbiznis/trustscan/internal/scan"
	"github.com/smallbiznis/trustscan/internal/scheduler"
	"github.com/smallbiznis/trustscan/internal/server"
	"github.com/smallbiznis/trustscan/pkg/db"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
)

// Version is set at build time with -ldflags.
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:     "trustscan",
	Short:   "Product trust score scanner",
	Version: Version,
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveCmd.RunE(cmd, args)
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the background scheduler",
	RunE: func(cmd *cobra.Command, args []string) error {
		app := fx.New(
			coreModules(),
			server.Module,
			scheduler.Background,
		)
		if err := app.Err(); err != nil {
			return err
		}
		app.Run()
		return nil
	},
}

var sweepJobs []string

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run the scheduler jobs once and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSweep(cmd, sweepJobs)
	},
}

func init() {
	sweepCmd.Flags().StringSliceVar(&sweepJobs, "jobs", nil,
		fmt.Sprintf("jobs to run (%s, %s, %s); empty runs all",
			scheduler.JobRecoverOrphanedDebits, scheduler.JobRenewLedgers, scheduler.JobReconcileStale))

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(sweepCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func coreModules() fx.Option {
	return fx.Options(
		// Core Infrastructure
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,
		ratelimit.Module,

		// Functional Domains
		plan.Module,
		ledger.Module,
		inference.Module,
		billing.Module,
		reconcile.Module,
		notification.Module,
		scan.Module,
		scheduler.Module,
	)
}

func RegisterSnowflake() (*snowflake.Node, error) {
	return snowflake.NewNode(1)
}
