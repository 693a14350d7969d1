// Package entitlement answers the one question the rest of the platform
// asks: may this team use this feature right now? It combines the billing
// record (payment state), the plan catalogue (what the plan grants), and the
// quota tracker (how much has been used this month).
package entitlement

import (
	"context"
	"errors"

	"github.com/clinscale/clinscale/internal/billing"
	"github.com/clinscale/clinscale/internal/plan"
	"github.com/clinscale/clinscale/internal/quota"
)

// Denial reasons reported in access decisions.
const (
	ReasonFeatureNotInPlan = "feature_not_in_plan"
	ReasonQuotaExhausted   = "quota_exhausted"
)

// Decision is the result of an access check or a quota consumption.
type Decision struct {
	Allowed bool            `json:"allowed"`
	Feature plan.FeatureKey `json:"feature"`
	Plan    plan.ID         `json:"plan"`
	// Reason is set when Allowed is false.
	Reason string `json:"reason,omitempty"`
	// RequiredPlan is the cheapest plan that would grant the feature, set
	// when the denial reason is the plan itself.
	RequiredPlan plan.ID `json:"requiredPlan,omitempty"`
	// Remaining is the quota left this period; nil means unlimited.
	Remaining *int64 `json:"remaining,omitempty"`
}

// FeatureUsage is one row of a team's usage summary.
type FeatureUsage struct {
	Feature   plan.FeatureKey `json:"feature"`
	Granted   bool            `json:"granted"`
	Used      int64           `json:"used"`
	Limit     *int64          `json:"limit,omitempty"`
	Remaining *int64          `json:"remaining,omitempty"`
}

// Resolver resolves teams to their current entitlements.
type Resolver struct {
	billing  billing.Store
	registry *plan.Registry
	tracker  *quota.Tracker
}

// NewResolver creates a resolver.
func NewResolver(store billing.Store, registry *plan.Registry, tracker *quota.Tracker) *Resolver {
	return &Resolver{billing: store, registry: registry, tracker: tracker}
}

// EffectivePlan returns the plan entitlement decisions use for a team. A
// team without a billing record, or whose subscription status grants
// nothing, resolves to free.
func (r *Resolver) EffectivePlan(ctx context.Context, teamID string) (plan.ID, error) {
	tb, err := r.billing.GetByTeam(ctx, teamID)
	if errors.Is(err, billing.ErrNotFound) {
		return plan.Free, nil
	}
	if err != nil {
		return "", err
	}
	id := tb.EffectivePlan()
	// A plan id the catalogue no longer knows (removed tier) degrades to
	// free rather than panicking the read path.
	if !r.registry.Valid(id) {
		return plan.Free, nil
	}
	return id, nil
}

// HasFeature reports whether the team's effective plan grants a feature.
// Quota is not consulted; an exhausted feature still "has" the feature.
func (r *Resolver) HasFeature(ctx context.Context, teamID string, feature plan.FeatureKey) (bool, error) {
	id, err := r.EffectivePlan(ctx, teamID)
	if err != nil {
		return false, err
	}
	return r.registry.Plan(id).HasFeature(feature), nil
}

// RequiredPlanFor returns the cheapest plan granting a feature.
func (r *Resolver) RequiredPlanFor(feature plan.FeatureKey) (plan.ID, bool) {
	return r.registry.RequiredPlanFor(feature)
}

// CheckAccess decides whether the team may use a feature right now, without
// consuming anything. The decision carries enough context for the caller to
// render an upgrade prompt or a quota message.
func (r *Resolver) CheckAccess(ctx context.Context, teamID string, feature plan.FeatureKey) (*Decision, error) {
	id, err := r.EffectivePlan(ctx, teamID)
	if err != nil {
		return nil, err
	}
	def := r.registry.Plan(id)

	if !def.HasFeature(feature) {
		d := &Decision{Feature: feature, Plan: id, Reason: ReasonFeatureNotInPlan}
		if required, ok := r.registry.RequiredPlanFor(feature); ok {
			d.RequiredPlan = required
		}
		return d, nil
	}

	limit := def.Quota(feature)
	if limit.Unlimited {
		return &Decision{Allowed: true, Feature: feature, Plan: id}, nil
	}

	used, err := r.tracker.CurrentCount(ctx, teamID, feature)
	if err != nil {
		return nil, err
	}
	remaining := limit.N - used
	if remaining < 0 {
		remaining = 0
	}
	if remaining == 0 {
		return &Decision{Feature: feature, Plan: id, Reason: ReasonQuotaExhausted, Remaining: &remaining}, nil
	}
	return &Decision{Allowed: true, Feature: feature, Plan: id, Remaining: &remaining}, nil
}

// Consume atomically consumes quota for a feature. The grant/deny decision
// and the counter increment are one step in the tracker, so concurrent
// consumers can never jointly overshoot a limit.
func (r *Resolver) Consume(ctx context.Context, teamID string, feature plan.FeatureKey, amount int64) (*Decision, error) {
	id, err := r.EffectivePlan(ctx, teamID)
	if err != nil {
		return nil, err
	}
	def := r.registry.Plan(id)

	if !def.HasFeature(feature) {
		d := &Decision{Feature: feature, Plan: id, Reason: ReasonFeatureNotInPlan}
		if required, ok := r.registry.RequiredPlanFor(feature); ok {
			d.RequiredPlan = required
		}
		return d, nil
	}

	limit := def.Quota(feature)
	ok, err := r.tracker.TryConsume(ctx, teamID, feature, limit, amount)
	if err != nil {
		return nil, err
	}

	d := &Decision{Allowed: ok, Feature: feature, Plan: id}
	if !ok {
		d.Reason = ReasonQuotaExhausted
	}
	if !limit.Unlimited {
		used, err := r.tracker.CurrentCount(ctx, teamID, feature)
		if err != nil {
			return nil, err
		}
		remaining := limit.N - used
		if remaining < 0 {
			remaining = 0
		}
		d.Remaining = &remaining
	}
	return d, nil
}

// Usage returns the team's per-feature usage for the current period, one
// row per feature the catalogue knows about.
func (r *Resolver) Usage(ctx context.Context, teamID string) ([]FeatureUsage, error) {
	id, err := r.EffectivePlan(ctx, teamID)
	if err != nil {
		return nil, err
	}
	def := r.registry.Plan(id)

	rows := make([]FeatureUsage, 0, len(plan.AllFeatures))
	for _, feature := range plan.AllFeatures {
		row := FeatureUsage{Feature: feature, Granted: def.HasFeature(feature)}
		if !row.Granted {
			rows = append(rows, row)
			continue
		}
		used, err := r.tracker.CurrentCount(ctx, teamID, feature)
		if err != nil {
			return nil, err
		}
		row.Used = used
		if limit := def.Quota(feature); !limit.Unlimited {
			n := limit.N
			row.Limit = &n
			remaining := n - used
			if remaining < 0 {
				remaining = 0
			}
			row.Remaining = &remaining
		}
		rows = append(rows, row)
	}
	return rows, nil
}
