package billing

import (
	"context"
	"errors"
	"fmt"

	"github.com/stripe/stripe-go/v81"

	"github.com/clinscale/clinscale/internal/logging"
	"github.com/clinscale/clinscale/internal/plan"
	"github.com/clinscale/clinscale/internal/team"
)

var (
	// ErrInvalidPlan is returned when checkout targets an unknown plan or
	// the free plan.
	ErrInvalidPlan = errors.New("plan cannot be purchased")
	// ErrInvalidInterval is returned for an unknown billing interval.
	ErrInvalidInterval = errors.New("invalid billing interval")
	// ErrInvalidPrice is returned when the configured price id does not
	// exist at the provider.
	ErrInvalidPrice = errors.New("configured price rejected by provider")
)

// CheckoutSession is the result of a checkout initiation: the provider's
// session id plus the hosted payment page the caller redirects the user to.
type CheckoutSession struct {
	SessionID string `json:"sessionId"`
	URL       string `json:"url"`
}

// Service initiates checkout sessions and manages the team→customer link.
type Service struct {
	store      Store
	teams      team.Store
	client     ProviderClient
	registry   *plan.Registry
	prices     *plan.PriceTable
	successURL string
	cancelURL  string
}

// NewService creates a checkout service.
func NewService(store Store, teams team.Store, client ProviderClient, registry *plan.Registry, prices *plan.PriceTable, successURL, cancelURL string) *Service {
	return &Service{
		store:      store,
		teams:      teams,
		client:     client,
		registry:   registry,
		prices:     prices,
		successURL: successURL,
		cancelURL:  cancelURL,
	}
}

// StartCheckout creates a subscription-mode checkout session for a team
// targeting a paid plan. The team and target plan ride along as session
// metadata so the completion webhook can attribute the purchase without
// any other correlation state.
func (s *Service) StartCheckout(ctx context.Context, teamID string, target plan.ID, interval plan.BillingInterval) (*CheckoutSession, error) {
	logger := logging.L(ctx)

	if !s.registry.Valid(target) || target == plan.Free {
		return nil, ErrInvalidPlan
	}
	if !plan.ValidInterval(interval) {
		return nil, ErrInvalidInterval
	}

	t, err := s.teams.Get(ctx, teamID)
	if err != nil {
		return nil, err
	}

	priceID, err := s.prices.PriceID(target, interval)
	if err != nil {
		return nil, err
	}
	// Preflight the price so a misconfigured id fails here, loudly, instead
	// of surfacing as a broken payment page.
	if _, err := s.client.GetPrice(ctx, priceID); err != nil {
		if IsResourceMissing(err) {
			logger.Error("configured price missing at provider", "price_id", priceID, "plan", target)
			return nil, ErrInvalidPrice
		}
		return nil, fmt.Errorf("price lookup: %w", err)
	}

	customerID, err := s.ensureCustomer(ctx, t)
	if err != nil {
		return nil, err
	}

	params := &stripe.CheckoutSessionParams{
		Mode:       stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		Customer:   stripe.String(customerID),
		SuccessURL: stripe.String(s.successURL),
		CancelURL:  stripe.String(s.cancelURL),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Price:    stripe.String(priceID),
				Quantity: stripe.Int64(1),
			},
		},
		SubscriptionData: &stripe.CheckoutSessionSubscriptionDataParams{
			Metadata: map[string]string{
				"team_id":  t.ID,
				"plan":     string(target),
				"interval": string(interval),
			},
		},
	}
	params.AddMetadata("team_id", t.ID)
	params.AddMetadata("plan", string(target))
	params.AddMetadata("interval", string(interval))

	session, err := s.client.CreateCheckoutSession(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("create checkout session: %w", err)
	}

	logger.Info("checkout session created",
		"team_id", t.ID,
		"plan", target,
		"interval", interval,
		"session_id", session.ID,
	)
	return &CheckoutSession{SessionID: session.ID, URL: session.URL}, nil
}

// ensureCustomer returns the team's provider customer id, creating one if
// the team has none. A stored id the provider no longer recognizes (deleted
// in the dashboard, wrong environment) is replaced rather than surfaced as
// an error.
func (s *Service) ensureCustomer(ctx context.Context, t *team.Team) (string, error) {
	logger := logging.L(ctx)

	tb, err := s.store.Ensure(ctx, t.ID)
	if err != nil {
		return "", err
	}

	if tb.CustomerID != "" {
		if _, err := s.client.GetCustomer(ctx, tb.CustomerID); err == nil {
			return tb.CustomerID, nil
		} else if !IsResourceMissing(err) {
			return "", fmt.Errorf("customer lookup: %w", err)
		}
		logger.Warn("stored billing customer missing at provider, recreating",
			"team_id", t.ID,
			"customer_id", tb.CustomerID,
		)
	}

	params := &stripe.CustomerParams{
		Name: stripe.String(t.Name),
	}
	params.AddMetadata("team_id", t.ID)
	params.AddMetadata("team_slug", t.Slug)

	customer, err := s.client.CreateCustomer(ctx, params)
	if err != nil {
		return "", fmt.Errorf("create customer: %w", err)
	}

	tb.CustomerID = customer.ID
	if err := s.store.Update(ctx, tb); err != nil {
		return "", fmt.Errorf("persist customer id: %w", err)
	}
	logger.Info("billing customer created", "team_id", t.ID, "customer_id", customer.ID)
	return customer.ID, nil
}
