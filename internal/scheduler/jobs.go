package scheduler

import (
	"context"
	"errors"

	obscontext "github.com/smallbiznis/trustscan/internal/observability/context"
	obsmetrics "github.com/smallbiznis/trustscan/internal/observability/metrics"
	"go.uber.org/zap"
)

// maxBatchesPerRun bounds the drain loops so a persistently failing row
// cannot pin a run.
const maxBatchesPerRun = 20

// RecoverOrphanedDebitsJob refunds debits whose scan result never landed.
func (s *Scheduler) RecoverOrphanedDebitsJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, JobRecoverOrphanedDebits, s.cfg.BatchSize)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}
	before := s.clock.Now().Add(-s.cfg.OrphanThreshold)

	var jobErr error
	for batch := 0; batch < maxBatchesPerRun; batch++ {
		if err := ctx.Err(); err != nil {
			return errors.Join(jobErr, err)
		}
		refunded, err := s.scanSvc.RecoverOrphanedDebits(ctx, before, s.cfg.BatchSize)
		run.AddProcessed(refunded)
		s.metrics.AddBatchProcessed(JobRecoverOrphanedDebits, obsmetrics.ResourceOrphanedDebits, refunded)
		if err != nil {
			s.logSchedulerError(ctx, run, "scheduler.orphan_refund.failed", err)
			jobErr = errors.Join(jobErr, err)
			break
		}
		if refunded < s.cfg.BatchSize {
			break
		}
	}
	return jobErr
}

// RenewLedgersJob rolls over every ledger whose period has elapsed.
func (s *Scheduler) RenewLedgersJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, JobRenewLedgers, s.cfg.BatchSize)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}

	var jobErr error
	for batch := 0; batch < maxBatchesPerRun; batch++ {
		if err := ctx.Err(); err != nil {
			return errors.Join(jobErr, err)
		}
		accountIDs, err := s.ledgerSvc.ListDueForRenewal(ctx, s.clock.Now(), s.cfg.BatchSize)
		if err != nil {
			return errors.Join(jobErr, err)
		}
		if len(accountIDs) == 0 {
			break
		}

		failed := 0
		for _, accountID := range accountIDs {
			accountCtx := obscontext.WithAccountID(ctx, accountID)
			if _, err := s.ledgerSvc.RenewIfDue(accountCtx, accountID); err != nil {
				failed++
				s.logSchedulerError(accountCtx, run, "scheduler.ledger_renewal.failed", err, zap.String("account_id", accountID))
				jobErr = errors.Join(jobErr, err)
				continue
			}
			run.AddProcessed(1)
		}
		s.metrics.AddBatchProcessed(JobRenewLedgers, obsmetrics.ResourceDueLedgers, len(accountIDs)-failed)
		if failed > 0 || len(accountIDs) < s.cfg.BatchSize {
			break
		}
	}
	return jobErr
}

// ReconcileStaleJob refreshes paid ledgers that have not been checked
// against billing recently. One batch per run: accounts whose billing lookup
// fails stay stale and would otherwise be listed again immediately.
func (s *Scheduler) ReconcileStaleJob(ctx context.Context) error {
	if s.reconciler == nil {
		return nil
	}
	ctx, run, owner := s.ensureJobRun(ctx, JobReconcileStale, s.cfg.BatchSize)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}

	before := s.clock.Now().Add(-s.cfg.ReconcileStaleAge)
	accountIDs, err := s.ledgerSvc.ListStaleReconciled(ctx, before, s.cfg.BatchSize)
	if err != nil {
		return err
	}

	var jobErr error
	for _, accountID := range accountIDs {
		if err := ctx.Err(); err != nil {
			return errors.Join(jobErr, err)
		}
		accountCtx := obscontext.WithAccountID(ctx, accountID)
		if _, err := s.reconciler.Refresh(accountCtx, accountID); err != nil {
			s.logSchedulerError(accountCtx, run, "scheduler.reconcile.failed", err, zap.String("account_id", accountID))
			jobErr = errors.Join(jobErr, err)
			continue
		}
		run.AddProcessed(1)
	}
	s.metrics.AddBatchProcessed(JobReconcileStale, obsmetrics.ResourceStaleLedgers, run.processedCount)
	return jobErr
}
