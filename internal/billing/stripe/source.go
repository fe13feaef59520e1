package stripe

import (
	"context"
	"fmt"
	"strings"
	"time"

	billingdomain "github.com/smallbiznis/trustscan/internal/billing/domain"
	"github.com/smallbiznis/trustscan/internal/cache"
	"github.com/smallbiznis/trustscan/internal/config"
	plandomain "github.com/smallbiznis/trustscan/internal/plan/domain"
	stripego "github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/client"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const statusCacheTTL = 30 * time.Second

// api is the slice of the Stripe client the source needs.
type api interface {
	FindCustomerByEmail(ctx context.Context, email string) (*stripego.Customer, error)
	ActiveSubscription(ctx context.Context, customerID string) (*stripego.Subscription, error)
}

type Params struct {
	fx.In

	Config  config.Config
	Log     *zap.Logger
	Catalog plandomain.Catalog
}

type Source struct {
	api     api
	catalog plandomain.Catalog
	log     *zap.Logger
	cache   cache.Cache[string, billingdomain.Status]
}

// NewSource returns a Stripe-backed billing source, or a source that always
// reports ErrNotConfigured when no secret key is set.
func NewSource(p Params) billingdomain.Source {
	log := p.Log.Named("billing.stripe")
	key := strings.TrimSpace(p.Config.Billing.StripeSecretKey)
	if key == "" {
		log.Info("stripe secret key not set, plan reconciliation disabled")
		return disabledSource{}
	}
	return newSource(&clientAPI{sc: client.New(key, nil)}, p.Catalog, log)
}

func newSource(a api, catalog plandomain.Catalog, log *zap.Logger) *Source {
	return &Source{
		api:     a,
		catalog: catalog,
		log:     log,
		cache:   cache.NewTTLCache[string, billingdomain.Status](),
	}
}

func (s *Source) Lookup(ctx context.Context, email string) (billingdomain.Status, error) {
	key := normalizeEmail(email)
	if key == "" {
		return billingdomain.Status{}, billingdomain.ErrNoIdentity
	}
	if status, ok := s.cache.Get(key); ok {
		return status, nil
	}

	cust, err := s.api.FindCustomerByEmail(ctx, key)
	if err != nil {
		return billingdomain.Status{}, fmt.Errorf("%w: list customers: %w", billingdomain.ErrUnavailable, err)
	}
	if cust == nil {
		status := billingdomain.Status{PlanID: plandomain.PlanFree}
		s.cache.Set(key, status, statusCacheTTL)
		return status, nil
	}

	sub, err := s.api.ActiveSubscription(ctx, cust.ID)
	if err != nil {
		return billingdomain.Status{}, fmt.Errorf("%w: list subscriptions: %w", billingdomain.ErrUnavailable, err)
	}
	status := s.statusFor(cust.ID, sub)
	s.cache.Set(key, status, statusCacheTTL)
	return status, nil
}

func (s *Source) Invalidate(email string) {
	s.cache.Delete(normalizeEmail(email))
}

// statusFor maps a subscription onto a plan tier. A price the catalog does
// not know is treated as the basic tier.
func (s *Source) statusFor(customerID string, sub *stripego.Subscription) billingdomain.Status {
	status := billingdomain.Status{CustomerID: customerID, PlanID: plandomain.PlanFree}
	if sub == nil {
		return status
	}

	priceID := ""
	var interval plandomain.Renewal
	if sub.Items != nil && len(sub.Items.Data) > 0 && sub.Items.Data[0].Price != nil {
		price := sub.Items.Data[0].Price
		priceID = price.ID
		interval = billingInterval(price.Recurring)
	}
	planID := plandomain.PlanBasic
	if plan, ok := s.catalog.ByStripePrice(priceID); ok {
		planID = plan.ID
	} else {
		s.log.Warn("unknown stripe price, assuming basic tier",
			zap.String("customer_id", customerID),
			zap.String("price_id", priceID),
		)
	}

	status.PlanID = planID
	status.PriceID = priceID
	status.Interval = interval
	status.Subscribed = true
	if sub.CurrentPeriodStart > 0 {
		status.PeriodStart = time.Unix(sub.CurrentPeriodStart, 0).UTC()
	}
	if sub.CurrentPeriodEnd > 0 {
		status.PeriodEnd = time.Unix(sub.CurrentPeriodEnd, 0).UTC()
	}
	return status
}

// billingInterval maps a single-unit recurring price onto a plan cadence.
func billingInterval(r *stripego.PriceRecurring) plandomain.Renewal {
	if r == nil || r.IntervalCount > 1 {
		return ""
	}
	switch r.Interval {
	case stripego.PriceRecurringIntervalDay:
		return plandomain.RenewalDaily
	case stripego.PriceRecurringIntervalMonth:
		return plandomain.RenewalMonthly
	case stripego.PriceRecurringIntervalYear:
		return plandomain.RenewalYearly
	default:
		return ""
	}
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

type clientAPI struct {
	sc *client.API
}

func (c *clientAPI) FindCustomerByEmail(ctx context.Context, email string) (*stripego.Customer, error) {
	params := &stripego.CustomerListParams{Email: stripego.String(email)}
	params.Context = ctx
	params.Limit = stripego.Int64(1)
	params.Single = true

	iter := c.sc.Customers.List(params)
	if iter.Next() {
		return iter.Customer(), nil
	}
	return nil, iter.Err()
}

func (c *clientAPI) ActiveSubscription(ctx context.Context, customerID string) (*stripego.Subscription, error) {
	params := &stripego.SubscriptionListParams{
		Customer: stripego.String(customerID),
		Status:   stripego.String(string(stripego.SubscriptionStatusActive)),
	}
	params.Context = ctx
	params.Limit = stripego.Int64(1)
	params.Single = true

	iter := c.sc.Subscriptions.List(params)
	if iter.Next() {
		return iter.Subscription(), nil
	}
	return nil, iter.Err()
}

type disabledSource struct{}

func (disabledSource) Lookup(context.Context, string) (billingdomain.Status, error) {
	return billingdomain.Status{}, billingdomain.ErrNotConfigured
}

func (disabledSource) Invalidate(string) {}
