package service

import (
	"sort"
	"strings"

	"github.com/smallbiznis/trustscan/internal/config"
	"github.com/smallbiznis/trustscan/internal/plan/domain"
)

// Catalog resolves plans from the current config snapshot. Each reload builds
// a fresh table, so readers never observe a partially updated plan.
type Catalog struct {
	holder *config.PlanConfigHolder
}

func NewCatalog(holder *config.PlanConfigHolder) domain.Catalog {
	return &Catalog{holder: holder}
}

func (c *Catalog) Get(id domain.PlanID) (domain.Plan, error) {
	for _, p := range c.table() {
		if p.ID == id {
			return p, nil
		}
	}
	return domain.Plan{}, domain.ErrPlanNotFound
}

func (c *Catalog) Free() domain.Plan {
	p, err := c.Get(domain.PlanFree)
	if err != nil {
		// validated on load; unreachable with a valid holder
		return domain.Plan{ID: domain.PlanFree, Renewal: domain.RenewalDaily, Modes: []domain.Mode{domain.ModeFast}}
	}
	return p
}

func (c *Catalog) List() []domain.Plan {
	return c.table()
}

func (c *Catalog) ByStripePrice(priceID string) (domain.Plan, bool) {
	priceID = strings.TrimSpace(priceID)
	if priceID == "" {
		return domain.Plan{}, false
	}
	for _, p := range c.table() {
		for _, id := range p.StripePriceIDs {
			if id == priceID {
				return p, true
			}
		}
	}
	return domain.Plan{}, false
}

func (c *Catalog) table() []domain.Plan {
	return buildPlans(c.holder.Get())
}

func buildPlans(cfg config.PlanConfig) []domain.Plan {
	costs := make(map[domain.Mode]int64, len(cfg.Costs))
	for mode, cost := range cfg.Costs {
		costs[domain.Mode(strings.ToLower(strings.TrimSpace(mode)))] = cost
	}

	plans := make([]domain.Plan, 0, len(cfg.Plans))
	for _, entry := range cfg.Plans {
		modes := make([]domain.Mode, 0, len(entry.Modes))
		for _, m := range entry.Modes {
			modes = append(modes, domain.Mode(strings.ToLower(strings.TrimSpace(m))))
		}
		planCosts := make(map[domain.Mode]int64, len(costs))
		for k, v := range costs {
			planCosts[k] = v
		}
		plans = append(plans, domain.Plan{
			ID:                domain.PlanID(strings.ToLower(strings.TrimSpace(entry.ID))),
			Name:              entry.Name,
			Credits:           entry.Credits,
			Renewal:           domain.Renewal(strings.ToLower(strings.TrimSpace(entry.Renewal))),
			Modes:             modes,
			Costs:             planCosts,
			MonthlyPriceCents: entry.MonthlyPriceCents,
			YearlyPriceCents:  entry.YearlyPriceCents,
			StripePriceIDs:    append([]string(nil), entry.StripePriceIDs...),
		})
	}
	sort.SliceStable(plans, func(i, j int) bool { return plans[i].Credits < plans[j].Credits })
	return plans
}
