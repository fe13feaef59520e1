package stripe

import (
	"context"
	"errors"
	"testing"
	"time"

	billingdomain "github.com/smallbiznis/trustscan/internal/billing/domain"
	"github.com/smallbiznis/trustscan/internal/config"
	plandomain "github.com/smallbiznis/trustscan/internal/plan/domain"
	planservice "github.com/smallbiznis/trustscan/internal/plan/service"
	stripego "github.com/stripe/stripe-go/v79"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeAPI struct {
	customer     *stripego.Customer
	subscription *stripego.Subscription
	err          error
	calls        int
}

func (f *fakeAPI) FindCustomerByEmail(ctx context.Context, email string) (*stripego.Customer, error) {
	f.calls++
	return f.customer, f.err
}

func (f *fakeAPI) ActiveSubscription(ctx context.Context, customerID string) (*stripego.Subscription, error) {
	return f.subscription, nil
}

func newTestSource(t *testing.T, a api) *Source {
	t.Helper()
	holder, err := config.NewStaticPlanConfigHolder(config.DefaultPlanConfig())
	require.NoError(t, err)
	return newSource(a, planservice.NewCatalog(holder), zap.NewNop())
}

func subscriptionWithPrice(priceID string, periodEnd time.Time) *stripego.Subscription {
	return &stripego.Subscription{
		ID:               "sub_1",
		CurrentPeriodEnd: periodEnd.Unix(),
		Items: &stripego.SubscriptionItemList{
			Data: []*stripego.SubscriptionItem{{Price: &stripego.Price{ID: priceID}}},
		},
	}
}

func TestLookupMapsKnownPriceToPlan(t *testing.T) {
	catalogPro := config.DefaultPlanConfig()
	var proPrice string
	for _, p := range catalogPro.Plans {
		if p.ID == string(plandomain.PlanPro) && len(p.StripePriceIDs) > 0 {
			proPrice = p.StripePriceIDs[0]
		}
	}
	require.NotEmpty(t, proPrice)

	periodEnd := time.Date(2026, 4, 14, 10, 0, 0, 0, time.UTC)
	src := newTestSource(t, &fakeAPI{
		customer:     &stripego.Customer{ID: "cus_1"},
		subscription: subscriptionWithPrice(proPrice, periodEnd),
	})

	status, err := src.Lookup(context.Background(), " Owner@Example.com ")
	require.NoError(t, err)
	assert.True(t, status.Subscribed)
	assert.Equal(t, plandomain.PlanPro, status.PlanID)
	assert.Equal(t, "cus_1", status.CustomerID)
	assert.True(t, status.PeriodEnd.Equal(periodEnd))
}

func TestLookupReportsBillingCadence(t *testing.T) {
	var yearlyPrice string
	for _, p := range config.DefaultPlanConfig().Plans {
		if p.ID == string(plandomain.PlanPro) && len(p.StripePriceIDs) > 1 {
			yearlyPrice = p.StripePriceIDs[1]
		}
	}
	require.NotEmpty(t, yearlyPrice)

	start := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	sub := subscriptionWithPrice(yearlyPrice, start.AddDate(1, 0, 0))
	sub.CurrentPeriodStart = start.Unix()
	sub.Items.Data[0].Price.Recurring = &stripego.PriceRecurring{
		Interval:      stripego.PriceRecurringIntervalYear,
		IntervalCount: 1,
	}
	src := newTestSource(t, &fakeAPI{customer: &stripego.Customer{ID: "cus_y"}, subscription: sub})

	status, err := src.Lookup(context.Background(), "yearly@example.com")
	require.NoError(t, err)
	assert.Equal(t, plandomain.PlanPro, status.PlanID)
	assert.Equal(t, plandomain.RenewalYearly, status.Interval)
	assert.True(t, status.PeriodStart.Equal(start))
}

func TestBillingInterval(t *testing.T) {
	cases := []struct {
		name string
		in   *stripego.PriceRecurring
		want plandomain.Renewal
	}{
		{"missing", nil, ""},
		{"monthly", &stripego.PriceRecurring{Interval: stripego.PriceRecurringIntervalMonth, IntervalCount: 1}, plandomain.RenewalMonthly},
		{"yearly", &stripego.PriceRecurring{Interval: stripego.PriceRecurringIntervalYear}, plandomain.RenewalYearly},
		{"quarterly", &stripego.PriceRecurring{Interval: stripego.PriceRecurringIntervalMonth, IntervalCount: 3}, ""},
		{"weekly", &stripego.PriceRecurring{Interval: stripego.PriceRecurringIntervalWeek, IntervalCount: 1}, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, billingInterval(tc.in))
		})
	}
}

func TestLookupUnknownPriceFallsBackToBasic(t *testing.T) {
	src := newTestSource(t, &fakeAPI{
		customer:     &stripego.Customer{ID: "cus_2"},
		subscription: subscriptionWithPrice("price_unknown", time.Now().Add(24*time.Hour)),
	})
	status, err := src.Lookup(context.Background(), "a@example.com")
	require.NoError(t, err)
	assert.Equal(t, plandomain.PlanBasic, status.PlanID)
}

func TestLookupWithoutSubscriptionIsFree(t *testing.T) {
	src := newTestSource(t, &fakeAPI{customer: &stripego.Customer{ID: "cus_3"}})
	status, err := src.Lookup(context.Background(), "a@example.com")
	require.NoError(t, err)
	assert.False(t, status.Subscribed)
	assert.Equal(t, plandomain.PlanFree, status.PlanID)
	assert.True(t, status.PeriodEnd.IsZero())

	src = newTestSource(t, &fakeAPI{})
	status, err = src.Lookup(context.Background(), "nobody@example.com")
	require.NoError(t, err)
	assert.Equal(t, plandomain.PlanFree, status.PlanID)
	assert.Empty(t, status.CustomerID)
}

func TestLookupCachesAndInvalidates(t *testing.T) {
	fake := &fakeAPI{customer: &stripego.Customer{ID: "cus_4"}}
	src := newTestSource(t, fake)

	_, err := src.Lookup(context.Background(), "a@example.com")
	require.NoError(t, err)
	_, err = src.Lookup(context.Background(), "A@example.com")
	require.NoError(t, err)
	assert.Equal(t, 1, fake.calls)

	src.Invalidate("a@example.com")
	_, err = src.Lookup(context.Background(), "a@example.com")
	require.NoError(t, err)
	assert.Equal(t, 2, fake.calls)
}

func TestLookupErrors(t *testing.T) {
	src := newTestSource(t, &fakeAPI{err: errors.New("stripe down")})
	_, err := src.Lookup(context.Background(), "a@example.com")
	assert.ErrorIs(t, err, billingdomain.ErrUnavailable)

	_, err = src.Lookup(context.Background(), "  ")
	assert.ErrorIs(t, err, billingdomain.ErrNoIdentity)

	_, err = disabledSource{}.Lookup(context.Background(), "a@example.com")
	assert.ErrorIs(t, err, billingdomain.ErrNotConfigured)
}
