package billing

import (
	"context"
	"encoding/hex"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/webhook"

	"github.com/clinscale/clinscale/internal/plan"
)

const testWebhookSecret = "whsec_test_secret"

// fakeProvider implements ProviderClient in memory.
type fakeProvider struct {
	mu               sync.Mutex
	customers        map[string]*stripe.Customer
	subs             map[string]*stripe.Subscription
	prices           map[string]*stripe.Price
	createdCustomers int
	sessionParams    []*stripe.CheckoutSessionParams
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		customers: make(map[string]*stripe.Customer),
		subs:      make(map[string]*stripe.Subscription),
		prices:    make(map[string]*stripe.Price),
	}
}

func resourceMissing() error {
	return &stripe.Error{Code: stripe.ErrorCodeResourceMissing}
}

func (f *fakeProvider) CreateCustomer(ctx context.Context, params *stripe.CustomerParams) (*stripe.Customer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createdCustomers++
	cus := &stripe.Customer{ID: fmt.Sprintf("cus_fake_%d", f.createdCustomers)}
	f.customers[cus.ID] = cus
	return cus, nil
}

func (f *fakeProvider) GetCustomer(ctx context.Context, id string) (*stripe.Customer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if cus, ok := f.customers[id]; ok {
		return cus, nil
	}
	return nil, resourceMissing()
}

func (f *fakeProvider) CreateCheckoutSession(ctx context.Context, params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessionParams = append(f.sessionParams, params)
	return &stripe.CheckoutSession{
		ID:  fmt.Sprintf("cs_fake_%d", len(f.sessionParams)),
		URL: "https://checkout.example.com/pay",
	}, nil
}

func (f *fakeProvider) GetSubscription(ctx context.Context, id string) (*stripe.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if sub, ok := f.subs[id]; ok {
		return sub, nil
	}
	return nil, resourceMissing()
}

func (f *fakeProvider) GetPrice(ctx context.Context, id string) (*stripe.Price, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if pr, ok := f.prices[id]; ok {
		return pr, nil
	}
	return nil, resourceMissing()
}

func (f *fakeProvider) addPrice(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prices[id] = &stripe.Price{ID: id}
}

func (f *fakeProvider) addSubscription(id, customerID, priceID, status string, periodEnd int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs[id] = &stripe.Subscription{
		ID:               id,
		Status:           stripe.SubscriptionStatus(status),
		CurrentPeriodEnd: periodEnd,
		Customer:         &stripe.Customer{ID: customerID},
		Items: &stripe.SubscriptionItemList{
			Data: []*stripe.SubscriptionItem{
				{Price: &stripe.Price{ID: priceID}},
			},
		},
	}
}

func testPriceTable(t *testing.T) *plan.PriceTable {
	t.Helper()
	table, err := plan.NewPriceTable(map[plan.PriceRef]string{
		{Plan: plan.Starter, Interval: plan.IntervalMonth}:    "price_starter_m",
		{Plan: plan.Starter, Interval: plan.IntervalYear}:     "price_starter_y",
		{Plan: plan.Enterprise, Interval: plan.IntervalMonth}: "price_ent_m",
		{Plan: plan.Enterprise, Interval: plan.IntervalYear}:  "price_ent_y",
	})
	require.NoError(t, err)
	return table
}

// signedPayload wraps a raw event body in a valid Stripe-Signature header.
func signedPayload(body string) ([]byte, string) {
	payload := []byte(body)
	ts := time.Now()
	sig := webhook.ComputeSignature(ts, payload, testWebhookSecret)
	header := fmt.Sprintf("t=%d,v1=%s", ts.Unix(), hex.EncodeToString(sig))
	return payload, header
}

func subscriptionEvent(eventID, eventType, subID, customerID, priceID, status string, periodEnd int64) string {
	return fmt.Sprintf(`{
		"id": %q,
		"type": %q,
		"data": {
			"object": {
				"id": %q,
				"object": "subscription",
				"customer": %q,
				"status": %q,
				"current_period_end": %d,
				"items": {"object": "list", "data": [{"object": "subscription_item", "price": {"id": %q, "object": "price"}}]}
			}
		}
	}`, eventID, eventType, subID, customerID, status, periodEnd, priceID)
}

func checkoutCompletedEvent(eventID, sessionID, customerID, subID, teamID, planID string) string {
	return fmt.Sprintf(`{
		"id": %q,
		"type": "checkout.session.completed",
		"data": {
			"object": {
				"id": %q,
				"object": "checkout.session",
				"customer": %q,
				"subscription": %q,
				"metadata": {"team_id": %q, "plan": %q}
			}
		}
	}`, eventID, sessionID, customerID, subID, teamID, planID)
}

func invoicePaidEvent(eventID, customerID, subID string) string {
	return fmt.Sprintf(`{
		"id": %q,
		"type": "invoice.payment_succeeded",
		"data": {
			"object": {"id": "in_1", "object": "invoice", "customer": %q, "subscription": %q}
		}
	}`, eventID, customerID, subID)
}

func invoiceFailedEvent(eventID, customerID string) string {
	return fmt.Sprintf(`{
		"id": %q,
		"type": "invoice.payment_failed",
		"data": {
			"object": {"id": "in_1", "object": "invoice", "customer": %q}
		}
	}`, eventID, customerID)
}

func newTestProcessor(t *testing.T) (*Processor, *MemoryStore, *fakeProvider) {
	t.Helper()
	store := NewMemoryStore()
	provider := newFakeProvider()
	proc := NewProcessor(store, provider, testPriceTable(t), testWebhookSecret)
	return proc, store, provider
}

// linkCustomer gives a team an established billing record pointing at a
// provider customer.
func linkCustomer(t *testing.T, store *MemoryStore, teamID, customerID string) {
	t.Helper()
	ctx := context.Background()
	tb, err := store.Ensure(ctx, teamID)
	require.NoError(t, err)
	tb.CustomerID = customerID
	require.NoError(t, store.Update(ctx, tb))
}

func TestHandle_InvalidSignature(t *testing.T) {
	proc, _, _ := newTestProcessor(t)

	_, err := proc.Handle(context.Background(), []byte(`{"id":"evt_1"}`), "t=1,v1=deadbeef")
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestHandle_MissingSecretIsServerError(t *testing.T) {
	proc := NewProcessor(NewMemoryStore(), newFakeProvider(), testPriceTable(t), "")

	_, err := proc.Handle(context.Background(), []byte(`{"id":"evt_1"}`), "t=1,v1=deadbeef")
	assert.ErrorIs(t, err, ErrSecretNotConfigured)
	assert.NotErrorIs(t, err, ErrInvalidSignature, "a missing secret is our fault, not a forged payload")
}

func TestHandle_ToleratesOtherAPIVersions(t *testing.T) {
	proc, _, _ := newTestProcessor(t)

	// An endpoint pinned to an older Stripe API version signs the same
	// way; the version header alone must not fail verification.
	payload, header := signedPayload(`{
		"id": "evt_1",
		"api_version": "2023-10-16",
		"type": "customer.updated",
		"data": {"object": {"id": "cus_1", "object": "customer"}}
	}`)
	result, err := proc.Handle(context.Background(), payload, header)
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, result.Outcome)
}

func TestHandle_CheckoutCompleted(t *testing.T) {
	proc, store, provider := newTestProcessor(t)
	ctx := context.Background()

	periodEnd := time.Now().Add(30 * 24 * time.Hour).Unix()
	provider.addSubscription("sub_1", "cus_1", "price_starter_m", "active", periodEnd)

	payload, header := signedPayload(checkoutCompletedEvent("evt_1", "cs_1", "cus_1", "sub_1", "team_1", "starter"))
	result, err := proc.Handle(ctx, payload, header)
	require.NoError(t, err)
	assert.Equal(t, OutcomeProcessed, result.Outcome)
	assert.Equal(t, "checkout.session.completed", result.EventType)

	tb, err := store.GetByTeam(ctx, "team_1")
	require.NoError(t, err)
	assert.Equal(t, plan.Starter, tb.Plan)
	assert.Equal(t, StatusActive, tb.Status)
	assert.Equal(t, "cus_1", tb.CustomerID)
	assert.Equal(t, "sub_1", tb.SubscriptionID)
	assert.Equal(t, time.Unix(periodEnd, 0).UTC(), tb.PeriodEnd)
	assert.Equal(t, plan.Starter, tb.EffectivePlan())
}

func TestHandle_DuplicateEventIsNoOp(t *testing.T) {
	proc, store, provider := newTestProcessor(t)
	ctx := context.Background()

	periodEnd := time.Now().Add(30 * 24 * time.Hour).Unix()
	provider.addSubscription("sub_1", "cus_1", "price_starter_m", "active", periodEnd)

	body := checkoutCompletedEvent("evt_1", "cs_1", "cus_1", "sub_1", "team_1", "starter")
	payload, header := signedPayload(body)
	result, err := proc.Handle(ctx, payload, header)
	require.NoError(t, err)
	require.Equal(t, OutcomeProcessed, result.Outcome)

	before, err := store.GetByTeam(ctx, "team_1")
	require.NoError(t, err)

	// Same event id delivered again.
	payload, header = signedPayload(body)
	result, err = proc.Handle(ctx, payload, header)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, result.Outcome)

	after, err := store.GetByTeam(ctx, "team_1")
	require.NoError(t, err)
	assert.Equal(t, before.Plan, after.Plan)
	assert.Equal(t, before.Status, after.Status)
	assert.Equal(t, before.PeriodEnd, after.PeriodEnd)
}

func TestHandle_SubscriptionUpdated(t *testing.T) {
	proc, store, _ := newTestProcessor(t)
	ctx := context.Background()
	linkCustomer(t, store, "team_1", "cus_1")

	periodEnd := time.Now().Add(30 * 24 * time.Hour).Unix()
	payload, header := signedPayload(subscriptionEvent("evt_1", "customer.subscription.updated",
		"sub_1", "cus_1", "price_ent_y", "active", periodEnd))
	result, err := proc.Handle(ctx, payload, header)
	require.NoError(t, err)
	assert.Equal(t, OutcomeProcessed, result.Outcome)

	tb, err := store.GetByTeam(ctx, "team_1")
	require.NoError(t, err)
	assert.Equal(t, plan.Enterprise, tb.Plan)
	assert.Equal(t, StatusActive, tb.Status)
	assert.Equal(t, "sub_1", tb.SubscriptionID)
}

func TestHandle_SubscriptionUpdated_PastDueCollapsesEntitlement(t *testing.T) {
	proc, store, _ := newTestProcessor(t)
	ctx := context.Background()
	linkCustomer(t, store, "team_1", "cus_1")

	periodEnd := time.Now().Add(30 * 24 * time.Hour).Unix()
	payload, header := signedPayload(subscriptionEvent("evt_1", "customer.subscription.updated",
		"sub_1", "cus_1", "price_starter_m", "past_due", periodEnd))
	_, err := proc.Handle(ctx, payload, header)
	require.NoError(t, err)

	tb, err := store.GetByTeam(ctx, "team_1")
	require.NoError(t, err)
	assert.Equal(t, plan.Starter, tb.Plan, "raw plan is kept for display")
	assert.Equal(t, StatusPastDue, tb.Status)
	assert.Equal(t, plan.Free, tb.EffectivePlan(), "past_due grants nothing")
}

func TestHandle_SubscriptionUpdated_UnknownCustomer(t *testing.T) {
	proc, _, _ := newTestProcessor(t)

	payload, header := signedPayload(subscriptionEvent("evt_1", "customer.subscription.updated",
		"sub_1", "cus_ghost", "price_starter_m", "active", time.Now().Unix()))
	result, err := proc.Handle(context.Background(), payload, header)
	require.NoError(t, err)
	assert.Equal(t, OutcomeUnknownCustomer, result.Outcome)
}

func TestHandle_SubscriptionUpdated_UnknownPriceIgnored(t *testing.T) {
	proc, store, _ := newTestProcessor(t)
	ctx := context.Background()
	linkCustomer(t, store, "team_1", "cus_1")

	payload, header := signedPayload(subscriptionEvent("evt_1", "customer.subscription.updated",
		"sub_1", "cus_1", "price_mystery", "active", time.Now().Unix()))
	result, err := proc.Handle(ctx, payload, header)
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, result.Outcome)

	tb, err := store.GetByTeam(ctx, "team_1")
	require.NoError(t, err)
	assert.Equal(t, plan.Free, tb.Plan, "unmapped price must not change state")
}

func TestHandle_OutOfOrderEventDropped(t *testing.T) {
	proc, store, _ := newTestProcessor(t)
	ctx := context.Background()
	linkCustomer(t, store, "team_1", "cus_1")

	newer := time.Now().Add(60 * 24 * time.Hour).Unix()
	older := time.Now().Add(30 * 24 * time.Hour).Unix()

	payload, header := signedPayload(subscriptionEvent("evt_1", "customer.subscription.updated",
		"sub_1", "cus_1", "price_starter_m", "active", newer))
	_, err := proc.Handle(ctx, payload, header)
	require.NoError(t, err)

	// A delayed older snapshot of the same subscription arrives afterwards.
	payload, header = signedPayload(subscriptionEvent("evt_2", "customer.subscription.updated",
		"sub_1", "cus_1", "price_starter_m", "active", older))
	result, err := proc.Handle(ctx, payload, header)
	require.NoError(t, err)
	assert.Equal(t, OutcomeStale, result.Outcome)

	tb, err := store.GetByTeam(ctx, "team_1")
	require.NoError(t, err)
	assert.Equal(t, time.Unix(newer, 0).UTC(), tb.PeriodEnd)
}

func TestHandle_SubscriptionDeleted(t *testing.T) {
	proc, store, _ := newTestProcessor(t)
	ctx := context.Background()
	linkCustomer(t, store, "team_1", "cus_1")

	// Subscribe, then delete.
	payload, header := signedPayload(subscriptionEvent("evt_1", "customer.subscription.created",
		"sub_1", "cus_1", "price_starter_m", "active", time.Now().Add(30*24*time.Hour).Unix()))
	_, err := proc.Handle(ctx, payload, header)
	require.NoError(t, err)

	payload, header = signedPayload(subscriptionEvent("evt_2", "customer.subscription.deleted",
		"sub_1", "cus_1", "price_starter_m", "canceled", 0))
	result, err := proc.Handle(ctx, payload, header)
	require.NoError(t, err)
	assert.Equal(t, OutcomeProcessed, result.Outcome)

	tb, err := store.GetByTeam(ctx, "team_1")
	require.NoError(t, err)
	assert.Equal(t, plan.Free, tb.Plan)
	assert.Equal(t, StatusNone, tb.Status)
	assert.Empty(t, tb.SubscriptionID)
	assert.True(t, tb.PeriodEnd.IsZero())
	assert.Equal(t, plan.Free, tb.EffectivePlan())
}

func TestHandle_InvoicePaymentSucceeded_ExtendsPeriod(t *testing.T) {
	proc, store, provider := newTestProcessor(t)
	ctx := context.Background()
	linkCustomer(t, store, "team_1", "cus_1")

	firstEnd := time.Now().Add(24 * time.Hour).Unix()
	payload, header := signedPayload(subscriptionEvent("evt_1", "customer.subscription.created",
		"sub_1", "cus_1", "price_starter_m", "active", firstEnd))
	_, err := proc.Handle(ctx, payload, header)
	require.NoError(t, err)

	// The renewal charge lands; the provider now reports the next window.
	renewedEnd := time.Now().Add(31 * 24 * time.Hour).Unix()
	provider.addSubscription("sub_1", "cus_1", "price_starter_m", "active", renewedEnd)

	payload, header = signedPayload(invoicePaidEvent("evt_2", "cus_1", "sub_1"))
	result, err := proc.Handle(ctx, payload, header)
	require.NoError(t, err)
	assert.Equal(t, OutcomeProcessed, result.Outcome)

	tb, err := store.GetByTeam(ctx, "team_1")
	require.NoError(t, err)
	assert.Equal(t, time.Unix(renewedEnd, 0).UTC(), tb.PeriodEnd, "renewal must extend the period")
	assert.Equal(t, StatusActive, tb.Status)
	assert.Equal(t, plan.Starter, tb.Plan, "plan is untouched by a renewal")
}

func TestHandle_InvoicePaymentSucceeded_UsesStoredSubscription(t *testing.T) {
	proc, store, provider := newTestProcessor(t)
	ctx := context.Background()
	linkCustomer(t, store, "team_1", "cus_1")

	payload, header := signedPayload(subscriptionEvent("evt_1", "customer.subscription.created",
		"sub_1", "cus_1", "price_starter_m", "active", time.Now().Add(24*time.Hour).Unix()))
	_, err := proc.Handle(ctx, payload, header)
	require.NoError(t, err)

	renewedEnd := time.Now().Add(31 * 24 * time.Hour).Unix()
	provider.addSubscription("sub_1", "cus_1", "price_starter_m", "active", renewedEnd)

	// The invoice omits the subscription reference; the stored id fills in.
	payload, header = signedPayload(invoicePaidEvent("evt_2", "cus_1", ""))
	result, err := proc.Handle(ctx, payload, header)
	require.NoError(t, err)
	assert.Equal(t, OutcomeProcessed, result.Outcome)

	tb, err := store.GetByTeam(ctx, "team_1")
	require.NoError(t, err)
	assert.Equal(t, time.Unix(renewedEnd, 0).UTC(), tb.PeriodEnd)
}

func TestHandle_InvoicePaymentSucceeded_StaleSnapshotDropped(t *testing.T) {
	proc, store, provider := newTestProcessor(t)
	ctx := context.Background()
	linkCustomer(t, store, "team_1", "cus_1")

	storedEnd := time.Now().Add(31 * 24 * time.Hour).Unix()
	payload, header := signedPayload(subscriptionEvent("evt_1", "customer.subscription.created",
		"sub_1", "cus_1", "price_starter_m", "active", storedEnd))
	_, err := proc.Handle(ctx, payload, header)
	require.NoError(t, err)

	// The provider still serves a window older than the stored one.
	provider.addSubscription("sub_1", "cus_1", "price_starter_m", "active", time.Now().Add(24*time.Hour).Unix())

	payload, header = signedPayload(invoicePaidEvent("evt_2", "cus_1", "sub_1"))
	result, err := proc.Handle(ctx, payload, header)
	require.NoError(t, err)
	assert.Equal(t, OutcomeStale, result.Outcome)

	tb, err := store.GetByTeam(ctx, "team_1")
	require.NoError(t, err)
	assert.Equal(t, time.Unix(storedEnd, 0).UTC(), tb.PeriodEnd, "period must never regress")
}

func TestHandle_InvoicePaymentFailed_NoStateChange(t *testing.T) {
	proc, store, _ := newTestProcessor(t)
	ctx := context.Background()
	linkCustomer(t, store, "team_1", "cus_1")

	payload, header := signedPayload(subscriptionEvent("evt_1", "customer.subscription.created",
		"sub_1", "cus_1", "price_starter_m", "active", time.Now().Add(30*24*time.Hour).Unix()))
	_, err := proc.Handle(ctx, payload, header)
	require.NoError(t, err)

	payload, header = signedPayload(invoiceFailedEvent("evt_2", "cus_1"))
	result, err := proc.Handle(ctx, payload, header)
	require.NoError(t, err)
	assert.Equal(t, OutcomeProcessed, result.Outcome)

	tb, err := store.GetByTeam(ctx, "team_1")
	require.NoError(t, err)
	assert.Equal(t, StatusActive, tb.Status, "payment failure alone must not change status")
}

func TestHandle_InvoiceForUnknownCustomerAccepted(t *testing.T) {
	proc, _, _ := newTestProcessor(t)

	payload, header := signedPayload(invoiceFailedEvent("evt_1", "cus_ghost"))
	result, err := proc.Handle(context.Background(), payload, header)
	require.NoError(t, err)
	assert.Equal(t, OutcomeUnknownCustomer, result.Outcome)
}

func TestHandle_UnrecognizedEventIgnored(t *testing.T) {
	proc, _, _ := newTestProcessor(t)

	payload, header := signedPayload(`{
		"id": "evt_1",
		"type": "customer.updated",
		"data": {"object": {"id": "cus_1", "object": "customer"}}
	}`)
	result, err := proc.Handle(context.Background(), payload, header)
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, result.Outcome)
}

func TestHandle_SubscribeThenDeleteRoundTrip(t *testing.T) {
	proc, store, _ := newTestProcessor(t)
	ctx := context.Background()
	linkCustomer(t, store, "team_1", "cus_1")

	fresh, err := store.Ensure(ctx, "team_fresh")
	require.NoError(t, err)

	payload, header := signedPayload(subscriptionEvent("evt_1", "customer.subscription.created",
		"sub_1", "cus_1", "price_ent_m", "active", time.Now().Add(30*24*time.Hour).Unix()))
	_, err = proc.Handle(ctx, payload, header)
	require.NoError(t, err)

	payload, header = signedPayload(subscriptionEvent("evt_2", "customer.subscription.deleted",
		"sub_1", "cus_1", "price_ent_m", "canceled", 0))
	_, err = proc.Handle(ctx, payload, header)
	require.NoError(t, err)

	tb, err := store.GetByTeam(ctx, "team_1")
	require.NoError(t, err)
	assert.Equal(t, fresh.Plan, tb.Plan)
	assert.Equal(t, fresh.Status, tb.Status)
	assert.Equal(t, fresh.EffectivePlan(), tb.EffectivePlan())
}

func TestHandle_EmitsTransitions(t *testing.T) {
	proc, store, _ := newTestProcessor(t)
	ctx := context.Background()
	linkCustomer(t, store, "team_1", "cus_1")

	var transitions []Transition
	proc.OnTransition(func(tr Transition) { transitions = append(transitions, tr) })

	payload, header := signedPayload(subscriptionEvent("evt_1", "customer.subscription.updated",
		"sub_1", "cus_1", "price_starter_m", "active", time.Now().Add(30*24*time.Hour).Unix()))
	_, err := proc.Handle(ctx, payload, header)
	require.NoError(t, err)

	require.Len(t, transitions, 1)
	assert.Equal(t, "team_1", transitions[0].TeamID)
	assert.Equal(t, plan.Starter, transitions[0].Plan)
	assert.Equal(t, StatusActive, transitions[0].Status)
	assert.Equal(t, "customer.subscription.updated", transitions[0].EventType)
}
