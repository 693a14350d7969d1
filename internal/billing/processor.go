package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/webhook"

	"github.com/clinscale/clinscale/internal/logging"
	"github.com/clinscale/clinscale/internal/plan"
	"github.com/clinscale/clinscale/internal/syncutil"
)

// ErrInvalidSignature is returned when the webhook payload fails signature
// verification. The HTTP layer maps it to 400 so the provider retries.
var ErrInvalidSignature = errors.New("invalid webhook signature")

// ErrSecretNotConfigured is returned when the processor has no webhook
// secret to verify against. That is a local configuration fault, not a bad
// payload, so the HTTP layer maps it to 500.
var ErrSecretNotConfigured = errors.New("webhook secret not configured")

// Outcome classifies what the processor did with an event. Every outcome
// except a returned error is acknowledged to the provider.
type Outcome string

const (
	// OutcomeProcessed means the event mutated (or deliberately confirmed)
	// billing state.
	OutcomeProcessed Outcome = "processed"
	// OutcomeDuplicate means the event id was already in the ledger.
	OutcomeDuplicate Outcome = "duplicate"
	// OutcomeIgnored means the event type is not one we act on.
	OutcomeIgnored Outcome = "ignored"
	// OutcomeUnknownCustomer means the event referenced a customer no team
	// owns. Acknowledged so the provider stops retrying.
	OutcomeUnknownCustomer Outcome = "unknown_customer"
	// OutcomeStale means an out-of-order event would have regressed the
	// record and was dropped.
	OutcomeStale Outcome = "stale"
)

// Transition describes a billing state change, for listeners (websocket
// broadcast, logging).
type Transition struct {
	TeamID    string    `json:"teamId"`
	Plan      plan.ID   `json:"plan"`
	Status    Status    `json:"status"`
	EventType string    `json:"eventType"`
	At        time.Time `json:"at"`
}

// Processor verifies, deduplicates, and applies provider webhook events.
//
// Events for the same customer are serialized through an in-process key
// mutex; combined with the unique event ledger this assumes a single
// processor instance owns webhook ingestion.
type Processor struct {
	store        Store
	client       ProviderClient
	prices       *plan.PriceTable
	secret       string
	locks        *syncutil.CtxKeyMutex
	onTransition func(Transition)
}

// NewProcessor creates a webhook processor.
func NewProcessor(store Store, client ProviderClient, prices *plan.PriceTable, webhookSecret string) *Processor {
	return &Processor{
		store:  store,
		client: client,
		prices: prices,
		secret: webhookSecret,
		locks:  &syncutil.CtxKeyMutex{},
	}
}

// OnTransition registers a listener called after each applied state change.
// Must be set before the processor starts receiving events.
func (p *Processor) OnTransition(fn func(Transition)) {
	p.onTransition = fn
}

// Result is what the processor did with an event.
type Result struct {
	Outcome   Outcome
	EventType string
}

// Handle verifies the payload signature and applies the event. The returned
// Result is meaningful only when err is nil, except that EventType is set
// whenever the signature verified.
func (p *Processor) Handle(ctx context.Context, payload []byte, sigHeader string) (Result, error) {
	if p.secret == "" {
		return Result{}, ErrSecretNotConfigured
	}
	event, err := webhook.ConstructEventWithOptions(payload, sigHeader, p.secret, webhook.ConstructEventOptions{
		// An endpoint pinned to a different API version still signs
		// correctly; version skew must not read as a forged payload.
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	outcome, err := p.process(ctx, event)
	return Result{Outcome: outcome, EventType: string(event.Type)}, err
}

func (p *Processor) process(ctx context.Context, event stripe.Event) (Outcome, error) {
	logger := logging.L(ctx).With("event_id", event.ID, "event_type", event.Type)

	var (
		session stripe.CheckoutSession
		sub     stripe.Subscription
		inv     stripe.Invoice
		apply   func(ctx context.Context) (Outcome, error)
		cusID   string
	)

	switch event.Type {
	case "checkout.session.completed":
		if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
			return "", fmt.Errorf("parse checkout session: %w", err)
		}
		if session.Customer != nil {
			cusID = session.Customer.ID
		}
		apply = func(ctx context.Context) (Outcome, error) {
			return p.applyCheckoutCompleted(ctx, &session, string(event.Type))
		}

	case "customer.subscription.created", "customer.subscription.updated":
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return "", fmt.Errorf("parse subscription: %w", err)
		}
		if sub.Customer != nil {
			cusID = sub.Customer.ID
		}
		apply = func(ctx context.Context) (Outcome, error) {
			return p.applySubscriptionUpdate(ctx, &sub, string(event.Type))
		}

	case "customer.subscription.deleted":
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return "", fmt.Errorf("parse subscription: %w", err)
		}
		if sub.Customer != nil {
			cusID = sub.Customer.ID
		}
		apply = func(ctx context.Context) (Outcome, error) {
			return p.applySubscriptionDeleted(ctx, &sub, string(event.Type))
		}

	case "invoice.payment_succeeded":
		if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
			return "", fmt.Errorf("parse invoice: %w", err)
		}
		if inv.Customer != nil {
			cusID = inv.Customer.ID
		}
		apply = p.applyPaymentSucceeded(&inv)

	case "invoice.payment_failed":
		if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
			return "", fmt.Errorf("parse invoice: %w", err)
		}
		if inv.Customer != nil {
			cusID = inv.Customer.ID
		}
		apply = p.applyPaymentFailed(&inv)

	default:
		logger.Debug("unrecognized webhook event ignored")
		return OutcomeIgnored, nil
	}

	// Serialize per customer so two near-simultaneous events for the same
	// team cannot interleave their read-modify-write cycles.
	lockKey := cusID
	if lockKey == "" {
		lockKey = event.ID
	}
	unlock, err := p.locks.Lock(ctx, lockKey)
	if err != nil {
		return "", err
	}
	defer unlock()

	if err := p.store.MarkEventProcessed(ctx, event.ID, string(event.Type)); err != nil {
		if errors.Is(err, ErrEventProcessed) {
			logger.Info("duplicate webhook event skipped")
			return OutcomeDuplicate, nil
		}
		return "", fmt.Errorf("event ledger: %w", err)
	}

	outcome, err := apply(ctx)
	if err != nil {
		return "", err
	}
	logger.Info("webhook event handled", "outcome", outcome)
	return outcome, nil
}

// applyCheckoutCompleted attributes a completed purchase to a team via the
// session metadata stamped at checkout creation, falling back to the
// customer mapping for sessions created out of band.
func (p *Processor) applyCheckoutCompleted(ctx context.Context, session *stripe.CheckoutSession, eventType string) (Outcome, error) {
	logger := logging.L(ctx)

	var tb *TeamBilling
	var err error
	if teamID := session.Metadata["team_id"]; teamID != "" {
		tb, err = p.store.Ensure(ctx, teamID)
	} else if session.Customer != nil {
		tb, err = p.store.GetByCustomer(ctx, session.Customer.ID)
		if errors.Is(err, ErrCustomerNotFound) {
			logger.Warn("checkout completed for unknown customer", "customer_id", session.Customer.ID)
			return OutcomeUnknownCustomer, nil
		}
	} else {
		logger.Warn("checkout completed with no team metadata and no customer")
		return OutcomeUnknownCustomer, nil
	}
	if err != nil {
		return "", err
	}

	target := plan.ID(session.Metadata["plan"])
	status := StatusActive
	if session.Subscription != nil {
		// The event payload carries only the subscription id; fetch the
		// full object for the period end and the authoritative status.
		sub, err := p.client.GetSubscription(ctx, session.Subscription.ID)
		if err != nil {
			return "", fmt.Errorf("fetch subscription %s: %w", session.Subscription.ID, err)
		}
		tb.SubscriptionID = sub.ID
		tb.PeriodEnd = time.Unix(sub.CurrentPeriodEnd, 0).UTC()
		status = Status(sub.Status)
		if target == "" {
			if len(sub.Items.Data) > 0 && sub.Items.Data[0].Price != nil {
				if pl, err := p.prices.PlanForPrice(sub.Items.Data[0].Price.ID); err == nil {
					target = pl.Plan
				}
			}
		}
	}
	if target == "" {
		logger.Warn("checkout completed without a resolvable plan", "session_id", session.ID)
		return OutcomeIgnored, nil
	}

	if session.Customer != nil {
		tb.CustomerID = session.Customer.ID
	}
	tb.Plan = target
	tb.Status = status
	if err := p.store.Update(ctx, tb); err != nil {
		return "", err
	}
	p.emit(tb, eventType)
	return OutcomeProcessed, nil
}

func (p *Processor) applySubscriptionUpdate(ctx context.Context, sub *stripe.Subscription, eventType string) (Outcome, error) {
	logger := logging.L(ctx)

	tb, err := p.store.GetByCustomer(ctx, sub.Customer.ID)
	if errors.Is(err, ErrCustomerNotFound) {
		logger.Warn("subscription event for unknown customer", "customer_id", sub.Customer.ID)
		return OutcomeUnknownCustomer, nil
	}
	if err != nil {
		return "", err
	}

	if len(sub.Items.Data) == 0 || sub.Items.Data[0].Price == nil {
		logger.Warn("subscription event without line items", "subscription_id", sub.ID)
		return OutcomeIgnored, nil
	}
	ref, err := p.prices.PlanForPrice(sub.Items.Data[0].Price.ID)
	if err != nil {
		logger.Warn("subscription price not in the price table",
			"subscription_id", sub.ID,
			"price_id", sub.Items.Data[0].Price.ID,
		)
		return OutcomeIgnored, nil
	}

	periodEnd := time.Unix(sub.CurrentPeriodEnd, 0).UTC()
	if tb.SubscriptionID == sub.ID && !tb.PeriodEnd.IsZero() && periodEnd.Before(tb.PeriodEnd) {
		// Out-of-order delivery: an older snapshot of the same
		// subscription must not regress the record.
		logger.Warn("stale subscription event dropped",
			"subscription_id", sub.ID,
			"event_period_end", periodEnd,
			"stored_period_end", tb.PeriodEnd,
		)
		return OutcomeStale, nil
	}

	tb.SubscriptionID = sub.ID
	tb.Plan = ref.Plan
	tb.Status = Status(sub.Status)
	tb.PeriodEnd = periodEnd
	if err := p.store.Update(ctx, tb); err != nil {
		return "", err
	}
	p.emit(tb, eventType)
	return OutcomeProcessed, nil
}

func (p *Processor) applySubscriptionDeleted(ctx context.Context, sub *stripe.Subscription, eventType string) (Outcome, error) {
	logger := logging.L(ctx)

	tb, err := p.store.GetByCustomer(ctx, sub.Customer.ID)
	if errors.Is(err, ErrCustomerNotFound) {
		logger.Warn("subscription deleted for unknown customer", "customer_id", sub.Customer.ID)
		return OutcomeUnknownCustomer, nil
	}
	if err != nil {
		return "", err
	}

	tb.Plan = plan.Free
	tb.Status = StatusNone
	tb.SubscriptionID = ""
	tb.PeriodEnd = time.Time{}
	if err := p.store.Update(ctx, tb); err != nil {
		return "", err
	}
	logger.Info("subscription ended, team reverted to free", "team_id", tb.TeamID)
	p.emit(tb, eventType)
	return OutcomeProcessed, nil
}

// applyPaymentSucceeded extends the billing period after a renewal charge.
// This is what keeps a renewing team entitled month over month. The invoice
// does not carry the subscription's next window, so the subscription is
// fetched fresh from the provider.
func (p *Processor) applyPaymentSucceeded(inv *stripe.Invoice) func(ctx context.Context) (Outcome, error) {
	return func(ctx context.Context) (Outcome, error) {
		logger := logging.L(ctx)

		tb, err := p.store.GetByCustomer(ctx, inv.Customer.ID)
		if errors.Is(err, ErrCustomerNotFound) {
			logger.Warn("payment success for unknown customer", "customer_id", inv.Customer.ID)
			return OutcomeUnknownCustomer, nil
		}
		if err != nil {
			return "", err
		}

		subID := tb.SubscriptionID
		if inv.Subscription != nil && inv.Subscription.ID != "" {
			subID = inv.Subscription.ID
		}
		if subID == "" {
			// One-off invoice, nothing to extend.
			logger.Debug("payment success without a subscription", "invoice_id", inv.ID)
			return OutcomeIgnored, nil
		}

		sub, err := p.client.GetSubscription(ctx, subID)
		if err != nil {
			return "", fmt.Errorf("fetch subscription %s: %w", subID, err)
		}

		periodEnd := time.Unix(sub.CurrentPeriodEnd, 0).UTC()
		if !tb.PeriodEnd.IsZero() && periodEnd.Before(tb.PeriodEnd) {
			logger.Warn("stale renewal dropped",
				"subscription_id", sub.ID,
				"event_period_end", periodEnd,
				"stored_period_end", tb.PeriodEnd,
			)
			return OutcomeStale, nil
		}

		tb.SubscriptionID = sub.ID
		tb.Status = Status(sub.Status)
		tb.PeriodEnd = periodEnd
		if err := p.store.Update(ctx, tb); err != nil {
			return "", err
		}
		logger.Info("renewal extended billing period",
			"team_id", tb.TeamID,
			"period_end", periodEnd,
		)
		return OutcomeProcessed, nil
	}
}

// applyPaymentFailed only surfaces the failure; entitlement changes wait for
// the subscription-updated event the provider sends when its retry schedule
// gives up. Mutating here too would race that event.
func (p *Processor) applyPaymentFailed(inv *stripe.Invoice) func(ctx context.Context) (Outcome, error) {
	return func(ctx context.Context) (Outcome, error) {
		logger := logging.L(ctx)

		tb, err := p.store.GetByCustomer(ctx, inv.Customer.ID)
		if errors.Is(err, ErrCustomerNotFound) {
			logger.Warn("payment failure for unknown customer", "customer_id", inv.Customer.ID)
			return OutcomeUnknownCustomer, nil
		}
		if err != nil {
			return "", err
		}

		logger.Warn("invoice payment failed",
			"team_id", tb.TeamID,
			"customer_id", tb.CustomerID,
			"invoice_id", inv.ID,
		)
		return OutcomeProcessed, nil
	}
}

func (p *Processor) emit(tb *TeamBilling, eventType string) {
	if p.onTransition == nil {
		return
	}
	p.onTransition(Transition{
		TeamID:    tb.TeamID,
		Plan:      tb.Plan,
		Status:    tb.Status,
		EventType: eventType,
		At:        time.Now().UTC(),
	})
}
