package billing

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/stripe/stripe-go/v81"

	"github.com/clinscale/clinscale/internal/circuitbreaker"
	"github.com/clinscale/clinscale/internal/retry"
)

// ErrProviderUnavailable is returned when the payment provider circuit is
// open and calls are being rejected without hitting the network.
var ErrProviderUnavailable = errors.New("payment provider unavailable")

const providerBreakerKey = "stripe"

// ResilientProvider wraps a ProviderClient with retries and a circuit
// breaker. Transient failures (5xx, 429, transport errors) are retried with
// backoff and counted against the breaker; client errors pass through
// immediately and do not trip it.
type ResilientProvider struct {
	inner       ProviderClient
	breaker     *circuitbreaker.Breaker
	maxAttempts int
	baseDelay   time.Duration
}

// NewResilientProvider wraps inner with default retry and breaker settings.
func NewResilientProvider(inner ProviderClient) *ResilientProvider {
	return &ResilientProvider{
		inner:       inner,
		breaker:     circuitbreaker.New(5, 30*time.Second),
		maxAttempts: 3,
		baseDelay:   200 * time.Millisecond,
	}
}

// Healthy reports whether the provider circuit is accepting calls.
func (r *ResilientProvider) Healthy() bool {
	return r.breaker.State(providerBreakerKey) != circuitbreaker.StateOpen
}

func (r *ResilientProvider) call(ctx context.Context, fn func() error) error {
	if !r.breaker.Allow(providerBreakerKey) {
		return ErrProviderUnavailable
	}

	err := retry.Do(ctx, r.maxAttempts, r.baseDelay, func() error {
		if err := fn(); err != nil {
			if retryable(err) {
				return err
			}
			return retry.Permanent(err)
		}
		return nil
	})
	if err != nil {
		// Only availability failures count toward tripping the circuit.
		if retryable(err) {
			r.breaker.RecordFailure(providerBreakerKey)
		}
		return err
	}

	r.breaker.RecordSuccess(providerBreakerKey)
	return nil
}

// retryable reports whether err indicates a transient provider or transport
// failure. Stripe client errors (4xx other than 429) reflect the request
// itself and will not succeed on retry.
func retryable(err error) bool {
	var se *stripe.Error
	if errors.As(err, &se) {
		return se.HTTPStatusCode >= http.StatusInternalServerError ||
			se.HTTPStatusCode == http.StatusTooManyRequests
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return true
}

func (r *ResilientProvider) CreateCustomer(ctx context.Context, params *stripe.CustomerParams) (*stripe.Customer, error) {
	var out *stripe.Customer
	err := r.call(ctx, func() error {
		var err error
		out, err = r.inner.CreateCustomer(ctx, params)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *ResilientProvider) GetCustomer(ctx context.Context, id string) (*stripe.Customer, error) {
	var out *stripe.Customer
	err := r.call(ctx, func() error {
		var err error
		out, err = r.inner.GetCustomer(ctx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *ResilientProvider) CreateCheckoutSession(ctx context.Context, params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
	var out *stripe.CheckoutSession
	err := r.call(ctx, func() error {
		var err error
		out, err = r.inner.CreateCheckoutSession(ctx, params)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *ResilientProvider) GetSubscription(ctx context.Context, id string) (*stripe.Subscription, error) {
	var out *stripe.Subscription
	err := r.call(ctx, func() error {
		var err error
		out, err = r.inner.GetSubscription(ctx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *ResilientProvider) GetPrice(ctx context.Context, id string) (*stripe.Price, error) {
	var out *stripe.Price
	err := r.call(ctx, func() error {
		var err error
		out, err = r.inner.GetPrice(ctx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

var _ ProviderClient = (*ResilientProvider)(nil)
