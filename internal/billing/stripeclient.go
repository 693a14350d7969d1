package billing

import (
	"context"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"
)

// ProviderClient is the slice of the payment provider's API the billing
// package needs. Production uses the Stripe client; tests substitute a fake.
type ProviderClient interface {
	CreateCustomer(ctx context.Context, params *stripe.CustomerParams) (*stripe.Customer, error)
	GetCustomer(ctx context.Context, id string) (*stripe.Customer, error)
	CreateCheckoutSession(ctx context.Context, params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
	GetSubscription(ctx context.Context, id string) (*stripe.Subscription, error)
	GetPrice(ctx context.Context, id string) (*stripe.Price, error)
}

// StripeClient implements ProviderClient over the official Stripe API client.
type StripeClient struct {
	api *client.API
}

// NewStripeClient creates a client authenticated with the given secret key.
func NewStripeClient(secretKey string) *StripeClient {
	api := &client.API{}
	api.Init(secretKey, nil)
	return &StripeClient{api: api}
}

func (s *StripeClient) CreateCustomer(ctx context.Context, params *stripe.CustomerParams) (*stripe.Customer, error) {
	params.Context = ctx
	return s.api.Customers.New(params)
}

func (s *StripeClient) GetCustomer(ctx context.Context, id string) (*stripe.Customer, error) {
	return s.api.Customers.Get(id, &stripe.CustomerParams{Params: stripe.Params{Context: ctx}})
}

func (s *StripeClient) CreateCheckoutSession(ctx context.Context, params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
	params.Context = ctx
	return s.api.CheckoutSessions.New(params)
}

func (s *StripeClient) GetSubscription(ctx context.Context, id string) (*stripe.Subscription, error) {
	return s.api.Subscriptions.Get(id, &stripe.SubscriptionParams{Params: stripe.Params{Context: ctx}})
}

func (s *StripeClient) GetPrice(ctx context.Context, id string) (*stripe.Price, error) {
	return s.api.Prices.Get(id, &stripe.PriceParams{Params: stripe.Params{Context: ctx}})
}

// IsResourceMissing reports whether err is the provider telling us the
// referenced object does not exist (stale customer id, deleted price).
func IsResourceMissing(err error) bool {
	if stripeErr, ok := err.(*stripe.Error); ok {
		return stripeErr.Code == stripe.ErrorCodeResourceMissing
	}
	return false
}

var _ ProviderClient = (*StripeClient)(nil)
