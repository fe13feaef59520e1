package scheduler

import (
	"time"

	"github.com/smallbiznis/trustscan/internal/config"
)

const (
	JobRecoverOrphanedDebits = "recover_orphaned_debits"
	JobRenewLedgers          = "renew_ledgers"
	JobReconcileStale        = "reconcile_stale"
)

// Config controls scheduler intervals and batch sizes.
type Config struct {
	Enabled           bool
	RunInterval       time.Duration
	BatchSize         int
	OrphanThreshold   time.Duration
	ReconcileStaleAge time.Duration
	JobTimeout        time.Duration
	// EnabledJobs limits a run to the named jobs. Empty runs all of them.
	EnabledJobs []string
}

func DefaultConfig() Config {
	return Config{
		Enabled:           true,
		RunInterval:       time.Minute,
		BatchSize:         50,
		OrphanThreshold:   5 * time.Minute,
		ReconcileStaleAge: 24 * time.Hour,
		JobTimeout:        30 * time.Second,
	}
}

func ProvideConfig(cfg config.Config) Config {
	return Config{
		Enabled:           cfg.Scheduler.Enabled,
		RunInterval:       cfg.Scheduler.Interval,
		BatchSize:         cfg.Scheduler.BatchSize,
		OrphanThreshold:   cfg.Scheduler.OrphanThreshold,
		ReconcileStaleAge: cfg.Scheduler.ReconcileStaleAge,
	}.withDefaults()
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.RunInterval <= 0 {
		c.RunInterval = defaults.RunInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaults.BatchSize
	}
	if c.OrphanThreshold <= 0 {
		c.OrphanThreshold = defaults.OrphanThreshold
	}
	if c.ReconcileStaleAge <= 0 {
		c.ReconcileStaleAge = defaults.ReconcileStaleAge
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = defaults.JobTimeout
	}
	return c
}
