// Package quota tracks per-team, per-feature usage counters over calendar
// months. The tracker owns the counters exclusively; plan limits are decided
// by the caller (the entitlement resolver) and passed in.
package quota

import (
	"context"
	"errors"
	"time"

	"github.com/clinscale/clinscale/internal/plan"
)

// ErrInvalidAmount is returned for non-positive consume amounts.
var ErrInvalidAmount = errors.New("quota: amount must be positive")

// PeriodKey derives the counter period for a point in time. A new calendar
// month implicitly starts a fresh counter; no reset job exists.
func PeriodKey(t time.Time) string {
	return t.UTC().Format("2006-01")
}

// Store persists usage counters.
type Store interface {
	// Increment adds amount unconditionally (unlimited quotas).
	Increment(ctx context.Context, teamID string, feature plan.FeatureKey, period string, amount int64) error
	// IncrementWithCeiling adds amount only if the result stays at or under
	// ceiling, atomically. Returns false without mutating when it would not.
	IncrementWithCeiling(ctx context.Context, teamID string, feature plan.FeatureKey, period string, amount, ceiling int64) (bool, error)
	// Count returns the current counter value for a period.
	Count(ctx context.Context, teamID string, feature plan.FeatureKey, period string) (int64, error)
}

// Tracker is the usage quota tracker.
type Tracker struct {
	store Store
	nowFn func() time.Time
}

// NewTracker creates a tracker over a store.
func NewTracker(store Store) *Tracker {
	return &Tracker{store: store, nowFn: time.Now}
}

// WithNow overrides the clock (tests).
func (t *Tracker) WithNow(fn func() time.Time) *Tracker {
	t.nowFn = fn
	return t
}

// TryConsume atomically consumes amount units against the current period's
// counter under the given limit. Returns false (and no mutation) when the
// consumption would exceed the limit. Two concurrent calls against the same
// counter never both succeed past the limit; that guarantee lives in the
// store's conditional increment.
func (t *Tracker) TryConsume(ctx context.Context, teamID string, feature plan.FeatureKey, limit plan.Limit, amount int64) (bool, error) {
	if amount <= 0 {
		return false, ErrInvalidAmount
	}
	period := PeriodKey(t.nowFn())

	if limit.Unlimited {
		if err := t.store.Increment(ctx, teamID, feature, period, amount); err != nil {
			return false, err
		}
		return true, nil
	}
	if amount > limit.N {
		// Can never fit regardless of the current count.
		return false, nil
	}
	return t.store.IncrementWithCeiling(ctx, teamID, feature, period, amount, limit.N)
}

// Count returns the counter for an explicit period. Read-only; eventually
// consistent with concurrent TryConsume calls, so it serves display, not
// gating.
func (t *Tracker) Count(ctx context.Context, teamID string, feature plan.FeatureKey, period string) (int64, error) {
	return t.store.Count(ctx, teamID, feature, period)
}

// CurrentCount returns the counter for the current period.
func (t *Tracker) CurrentCount(ctx context.Context, teamID string, feature plan.FeatureKey) (int64, error) {
	return t.store.Count(ctx, teamID, feature, PeriodKey(t.nowFn()))
}
