package service

import (
	"context"
	"errors"
	"strings"
	"time"

	billingdomain "github.com/smallbiznis/trustscan/internal/billing/domain"
	"github.com/smallbiznis/trustscan/internal/clock"
	"github.com/smallbiznis/trustscan/internal/config"
	ledgerdomain "github.com/smallbiznis/trustscan/internal/ledger/domain"
	obscontext "github.com/smallbiznis/trustscan/internal/observability/context"
	"github.com/smallbiznis/trustscan/internal/observability/logger"
	plandomain "github.com/smallbiznis/trustscan/internal/plan/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const defaultReconcileTTL = 5 * time.Minute

type Params struct {
	fx.In

	Config  config.Config
	Log     *zap.Logger
	Ledger  ledgerdomain.Service
	Catalog plandomain.Catalog
	Billing billingdomain.Source
	Clock   clock.Clock `optional:"true"`
}

// Service keeps ledger plan state in line with the billing processor.
// Billing is authoritative for plan identity and period anchor; the ledger
// is authoritative for consumption.
type Service struct {
	log     *zap.Logger
	ledger  ledgerdomain.Service
	catalog plandomain.Catalog
	billing billingdomain.Source
	clock   clock.Clock
	ttl     time.Duration
}

func NewService(p Params) *Service {
	clk := p.Clock
	if clk == nil {
		clk = clock.SystemClock{}
	}
	ttl := p.Config.Billing.ReconcileTTL
	if ttl <= 0 {
		ttl = defaultReconcileTTL
	}
	return &Service{
		log:     p.Log.Named("reconcile.service"),
		ledger:  p.Ledger,
		catalog: p.Catalog,
		billing: p.Billing,
		clock:   clk,
		ttl:     ttl,
	}
}

// EnsureFresh returns a snapshot fit for an admission decision. Deep scans
// and ledgers not reconciled within the TTL consult billing first; a billing
// outage falls back to the locally renewed snapshot.
func (s *Service) EnsureFresh(ctx context.Context, accountID string, mode plandomain.Mode) (ledgerdomain.Snapshot, error) {
	snapshot, err := s.ledger.RenewIfDue(ctx, accountID)
	if err != nil {
		return ledgerdomain.Snapshot{}, err
	}
	if snapshot.Kind == ledgerdomain.AccountKindDevice {
		return snapshot, nil
	}

	now := s.clock.Now().UTC()
	stale := snapshot.ReconciledAt == nil || now.Sub(*snapshot.ReconciledAt) >= s.ttl
	if mode != plandomain.ModeDeep && !stale {
		return snapshot, nil
	}

	refreshed, err := s.refresh(ctx, accountID, false)
	if err != nil {
		if isBillingErr(err) {
			return snapshot, nil
		}
		return ledgerdomain.Snapshot{}, err
	}
	return refreshed, nil
}

// Refresh reconciles the account against billing now, bypassing any cached
// billing status. A billing failure is returned alongside the local snapshot.
func (s *Service) Refresh(ctx context.Context, accountID string) (ledgerdomain.Snapshot, error) {
	return s.refresh(ctx, accountID, true)
}

func (s *Service) refresh(ctx context.Context, accountID string, force bool) (ledgerdomain.Snapshot, error) {
	accountID = strings.TrimSpace(accountID)
	ctx = obscontext.WithAccountID(ctx, accountID)
	log := logger.WithContext(ctx, s.log)

	if _, err := s.ledger.RenewIfDue(ctx, accountID); err != nil {
		return ledgerdomain.Snapshot{}, err
	}
	ledger, err := s.ledger.GetLedger(ctx, accountID)
	if err != nil {
		return ledgerdomain.Snapshot{}, err
	}
	if ledger.Kind == ledgerdomain.AccountKindDevice {
		return ledger.Snapshot(), nil
	}

	if force {
		s.billing.Invalidate(ledger.ContactEmail)
	}
	status, err := s.billing.Lookup(ctx, ledger.ContactEmail)
	if err != nil {
		switch {
		case errors.Is(err, billingdomain.ErrNotConfigured), errors.Is(err, billingdomain.ErrNoIdentity):
			log.Debug("plan reconciliation skipped", zap.Error(err))
		default:
			log.Warn("billing lookup failed, using local plan state", zap.Error(err))
		}
		return ledger.Snapshot(), err
	}

	return s.apply(ctx, log, ledger, status)
}

// apply moves the ledger onto the billing plan and anchor.
func (s *Service) apply(ctx context.Context, log *zap.Logger, ledger ledgerdomain.Ledger, status billingdomain.Status) (ledgerdomain.Snapshot, error) {
	now := s.clock.Now().UTC()
	reconciledAt := ledgerdomain.NormalizeTime(now)

	target, err := s.catalog.Get(status.PlanID)
	if err != nil || !status.Subscribed {
		target = s.catalog.Free()
	}
	anchor := s.anchorFor(target, status, ledger, now)

	current, err := s.catalog.Get(ledger.PlanID)
	if err != nil {
		current = s.catalog.Free()
	}

	req := ledgerdomain.ResetRequest{
		AccountID:         ledger.AccountID,
		PlanID:            target.ID,
		Grant:             target.Credits,
		RenewsAt:          anchor,
		ExpectedRenewsAt:  ledger.RenewsAt,
		ExpectedPlanID:    ledger.PlanID,
		ReconciledAt:      &reconciledAt,
		BillingCustomerID: status.CustomerID,
	}
	localAnchor := ledgerdomain.NormalizeTime(ledger.RenewsAt)

	switch {
	case target.ID == ledger.PlanID && anchor.Equal(localAnchor):
		return s.ledger.MarkReconciled(ctx, ledgerdomain.MarkReconciledRequest{
			AccountID:         ledger.AccountID,
			At:                reconciledAt,
			BillingCustomerID: status.CustomerID,
		})
	case target.ID == ledger.PlanID && anchor.After(localAnchor):
		// Billing has started a period the ledger has not seen yet.
		req.Reason = "billing_rollover"
	case target.ID == ledger.PlanID:
		req.CarryConsumed = true
		req.Reason = "anchor_change"
	case current.IsPaid() && target.IsPaid() && anchor.Equal(localAnchor):
		req.CarryConsumed = true
		req.Reason = "plan_change"
	default:
		req.Reason = "plan_change"
	}

	result, err := s.ledger.Reset(ctx, req)
	if err != nil {
		return ledgerdomain.Snapshot{}, err
	}
	if !result.Applied {
		// A concurrent renewal or reconcile moved the ledger; the next
		// refresh works from its state.
		log.Debug("reconcile reset skipped, ledger changed concurrently")
		return result.Snapshot, nil
	}
	log.Info("plan reconciled",
		zap.String("from_plan", string(ledger.PlanID)),
		zap.String("to_plan", string(target.ID)),
		zap.String("reason", req.Reason),
		zap.Bool("carry_consumed", req.CarryConsumed),
		zap.Time("renews_at", anchor),
	)
	return result.Snapshot, nil
}

// anchorFor picks the end of the target plan's current period. Paid credits
// renew on the plan's cadence: a billing period of the same length supplies
// the boundary directly, a longer one is split into plan periods counted
// from its start.
func (s *Service) anchorFor(target plandomain.Plan, status billingdomain.Status, ledger ledgerdomain.Ledger, now time.Time) time.Time {
	if target.IsPaid() && !status.PeriodEnd.IsZero() {
		start := periodStart(status)
		if start.IsZero() || status.Interval == target.Renewal ||
			(status.Interval == "" && target.NextRenewal(start, start).Equal(status.PeriodEnd)) {
			if status.PeriodEnd.After(now) {
				return ledgerdomain.NormalizeTime(status.PeriodEnd)
			}
			return ledgerdomain.NormalizeTime(target.NextRenewal(status.PeriodEnd, now))
		}
		from := now
		if start.After(now) {
			from = start
		}
		return ledgerdomain.NormalizeTime(target.NextRenewal(start, from))
	}
	if target.ID == ledger.PlanID {
		return ledgerdomain.NormalizeTime(ledger.RenewsAt)
	}
	return ledgerdomain.NormalizeTime(target.NextRenewal(time.Time{}, now))
}

// periodStart is the last payment date, derived from the period end when
// billing did not report it.
func periodStart(status billingdomain.Status) time.Time {
	if !status.PeriodStart.IsZero() && status.PeriodStart.Before(status.PeriodEnd) {
		return status.PeriodStart
	}
	if status.Interval != "" {
		return status.Interval.Rewind(status.PeriodEnd)
	}
	return time.Time{}
}

func isBillingErr(err error) bool {
	return errors.Is(err, billingdomain.ErrUnavailable) ||
		errors.Is(err, billingdomain.ErrNotConfigured) ||
		errors.Is(err, billingdomain.ErrNoIdentity)
}
