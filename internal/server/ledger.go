package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	billingdomain "github.com/smallbiznis/trustscan/internal/billing/domain"
	ledgerdomain "github.com/smallbiznis/trustscan/internal/ledger/domain"
	"github.com/smallbiznis/trustscan/internal/observability/logger"
	plandomain "github.com/smallbiznis/trustscan/internal/plan/domain"
	"go.uber.org/zap"
)

type planView struct {
	ID                string           `json:"id"`
	Name              string           `json:"name"`
	Credits           int64            `json:"credits"`
	Renewal           string           `json:"renewal"`
	Modes             []string         `json:"modes"`
	Costs             map[string]int64 `json:"costs"`
	MonthlyPriceCents int64            `json:"monthly_price_cents"`
	YearlyPriceCents  int64            `json:"yearly_price_cents"`
}

type ledgerView struct {
	ledgerdomain.Snapshot
	Plan       *planView `json:"plan,omitempty"`
	Reconciled bool      `json:"reconciled"`
}

func toPlanView(p plandomain.Plan) planView {
	view := planView{
		ID:                string(p.ID),
		Name:              p.Name,
		Credits:           p.Credits,
		Renewal:           string(p.Renewal),
		Costs:             make(map[string]int64, len(p.Costs)),
		MonthlyPriceCents: p.MonthlyPriceCents,
		YearlyPriceCents:  p.YearlyPriceCents,
	}
	for _, m := range p.Modes {
		view.Modes = append(view.Modes, string(m))
	}
	for m, cost := range p.Costs {
		view.Costs[string(m)] = cost
	}
	return view
}

func (s *Server) ledgerView(snapshot ledgerdomain.Snapshot) ledgerView {
	view := ledgerView{Snapshot: snapshot}
	if plan, err := s.catalog.Get(snapshot.PlanID); err == nil {
		pv := toPlanView(plan)
		view.Plan = &pv
	}
	return view
}

// GetLedger opens the caller's ledger on first use and returns its current
// period. User ledgers are reconciled when stale.
func (s *Server) GetLedger(c *gin.Context) {
	id := identityFrom(c)
	ctx := c.Request.Context()

	if _, err := s.ledgerSvc.OpenAccount(ctx, ledgerdomain.OpenAccountRequest{
		AccountID:    id.AccountID,
		Kind:         id.Kind,
		ContactEmail: id.Email,
	}); err != nil {
		AbortWithError(c, err)
		return
	}

	var (
		snapshot ledgerdomain.Snapshot
		err      error
	)
	if id.Kind == ledgerdomain.AccountKindUser {
		snapshot, err = s.reconcileSvc.EnsureFresh(ctx, id.AccountID, plandomain.ModeFast)
	} else {
		snapshot, err = s.ledgerSvc.RenewIfDue(ctx, id.AccountID)
	}
	if err != nil {
		AbortWithError(c, err)
		return
	}

	view := s.ledgerView(snapshot)
	view.Reconciled = snapshot.ReconciledAt != nil
	c.JSON(http.StatusOK, gin.H{"data": view})
}

// RefreshLedger reconciles the signed in user against billing now. A billing
// outage still answers with the local ledger, flagged as not reconciled.
func (s *Server) RefreshLedger(c *gin.Context) {
	id := identityFrom(c)
	if id.Kind != ledgerdomain.AccountKindUser {
		AbortWithError(c, ErrForbidden)
		return
	}
	ctx := c.Request.Context()

	if _, err := s.ledgerSvc.OpenAccount(ctx, ledgerdomain.OpenAccountRequest{
		AccountID:    id.AccountID,
		Kind:         id.Kind,
		ContactEmail: id.Email,
	}); err != nil {
		AbortWithError(c, err)
		return
	}

	snapshot, err := s.reconcileSvc.Refresh(ctx, id.AccountID)
	reconciled := err == nil
	if err != nil {
		if !isBillingError(err) {
			AbortWithError(c, err)
			return
		}
		logger.FromContext(ctx).Warn("plan refresh served from local ledger", zap.Error(err))
	}

	view := s.ledgerView(snapshot)
	view.Reconciled = reconciled
	c.JSON(http.StatusOK, gin.H{"data": view})
}

func (s *Server) ListPlans(c *gin.Context) {
	plans := s.catalog.List()
	out := make([]planView, 0, len(plans))
	for _, p := range plans {
		out = append(out, toPlanView(p))
	}
	c.JSON(http.StatusOK, gin.H{"data": out})
}

func isBillingError(err error) bool {
	return errors.Is(err, billingdomain.ErrUnavailable) ||
		errors.Is(err, billingdomain.ErrNotConfigured) ||
		errors.Is(err, billingdomain.ErrNoIdentity)
}
