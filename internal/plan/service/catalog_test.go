package service

import (
	"testing"
	"time"

	"github.com/smallbiznis/trustscan/internal/config"
	"github.com/smallbiznis/trustscan/internal/plan/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCatalog(t *testing.T) domain.Catalog {
	t.Helper()
	holder, err := config.NewStaticPlanConfigHolder(config.DefaultPlanConfig())
	require.NoError(t, err)
	return NewCatalog(holder)
}

func TestDefaultCatalog(t *testing.T) {
	catalog := newTestCatalog(t)

	free := catalog.Free()
	assert.Equal(t, domain.PlanFree, free.ID)
	assert.Equal(t, int64(10), free.Credits)
	assert.False(t, free.AllowsMode(domain.ModeDeep))
	assert.True(t, free.AllowsMode(domain.ModeFast))

	pro, err := catalog.Get(domain.PlanPro)
	require.NoError(t, err)
	assert.Equal(t, int64(600), pro.Credits)
	cost, ok := pro.Cost(domain.ModeDeep)
	require.True(t, ok)
	assert.Equal(t, int64(3), cost)

	_, err = catalog.Get("enterprise")
	assert.ErrorIs(t, err, domain.ErrPlanNotFound)
}

func TestByStripePrice(t *testing.T) {
	catalog := newTestCatalog(t)

	p, ok := catalog.ByStripePrice("price_1SmCD6Ah61tDVg3ipH9QYrp0")
	require.True(t, ok)
	assert.Equal(t, domain.PlanPro, p.ID)

	_, ok = catalog.ByStripePrice("price_unknown")
	assert.False(t, ok)
}

func TestNextRenewal(t *testing.T) {
	catalog := newTestCatalog(t)
	now := time.Date(2026, 3, 14, 15, 4, 5, 0, time.UTC)

	free := catalog.Free()
	assert.Equal(t, time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC), free.NextRenewal(time.Time{}, now))
	// A daily boundary does not depend on the previous anchor.
	assert.Equal(t, time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC), free.NextRenewal(now.AddDate(0, 0, -9), now))

	basic, err := catalog.Get(domain.PlanBasic)
	require.NoError(t, err)
	anchor := time.Date(2026, 1, 10, 8, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 4, 10, 8, 0, 0, 0, time.UTC), basic.NextRenewal(anchor, now))
}

func TestValidatePlanConfigRejectsDeepFree(t *testing.T) {
	cfg := config.DefaultPlanConfig()
	cfg.Plans[0].Modes = []string{"fast", "deep"}
	_, err := config.NewStaticPlanConfigHolder(cfg)
	assert.Error(t, err)
}
