// Package billing owns the link between teams and the payment provider:
// per-team billing records, checkout session creation, and the webhook
// processor that keeps the records in sync with provider events.
//
// The billing record is the only durable subscription state in the system.
// Entitlement decisions read it; only the webhook processor writes the
// subscription fields.
package billing

import (
	"errors"
	"time"

	"github.com/clinscale/clinscale/internal/plan"
)

var (
	// ErrNotFound is returned when no billing record exists for a team.
	ErrNotFound = errors.New("billing record not found")
	// ErrCustomerNotFound is returned when no team maps to an external
	// customer id.
	ErrCustomerNotFound = errors.New("no team for billing customer")
	// ErrEventProcessed is returned when a webhook event id was already
	// recorded in the processed-event ledger.
	ErrEventProcessed = errors.New("event already processed")
)

// Status is the subscription status of a team, mirroring the provider's
// vocabulary. Only StatusActive and StatusTrialing grant paid entitlements.
type Status string

const (
	StatusNone     Status = "none"
	StatusTrialing Status = "trialing"
	StatusActive   Status = "active"
	StatusPastDue  Status = "past_due"
	StatusCanceled Status = "canceled"
)

// Entitled reports whether the status grants the paid plan's entitlements.
func (s Status) Entitled() bool {
	return s == StatusActive || s == StatusTrialing
}

// TeamBilling is the billing record of a single team.
type TeamBilling struct {
	TeamID         string    `json:"teamId"`
	CustomerID     string    `json:"customerId,omitempty"`
	SubscriptionID string    `json:"subscriptionId,omitempty"`
	Plan           plan.ID   `json:"plan"`
	Status         Status    `json:"status"`
	PeriodEnd      time.Time `json:"periodEnd,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// EffectivePlan is the plan entitlement checks must use. A team whose status
// does not grant entitlements resolves to free no matter what plan the
// record still carries; a delayed or lost webhook can therefore never leave
// paid access open.
func (tb *TeamBilling) EffectivePlan() plan.ID {
	if tb == nil || !tb.Status.Entitled() {
		return plan.Free
	}
	return tb.Plan
}

// NewRecord is a zero-value billing record for a team that never subscribed.
func NewRecord(teamID string) *TeamBilling {
	now := time.Now().UTC()
	return &TeamBilling{
		TeamID:    teamID,
		Plan:      plan.Free,
		Status:    StatusNone,
		CreatedAt: now,
		UpdatedAt: now,
	}
}
