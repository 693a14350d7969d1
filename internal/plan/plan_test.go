package plan

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_Catalogue(t *testing.T) {
	r := NewRegistry()

	assert.True(t, r.Valid(Free))
	assert.True(t, r.Valid(Starter))
	assert.True(t, r.Valid(Enterprise))
	assert.False(t, r.Valid(ID("growth")))

	assert.True(t, r.IsUpgrade(Free, Starter))
	assert.True(t, r.IsUpgrade(Starter, Enterprise))
	assert.False(t, r.IsUpgrade(Enterprise, Starter))
	assert.False(t, r.IsUpgrade(Starter, Starter))
}

func TestRegistry_UnknownPlanPanics(t *testing.T) {
	r := NewRegistry()
	assert.Panics(t, func() { r.Plan(ID("premium")) })
}

func TestRegistry_RequiredPlanFor(t *testing.T) {
	r := NewRegistry()

	id, ok := r.RequiredPlanFor(FeatureCopyrightTicket)
	require.True(t, ok)
	assert.Equal(t, Enterprise, id)

	id, ok = r.RequiredPlanFor(FeatureScaleDownload)
	require.True(t, ok)
	assert.Equal(t, Starter, id)

	id, ok = r.RequiredPlanFor(FeatureScalePreview)
	require.True(t, ok)
	assert.Equal(t, Free, id)

	_, ok = r.RequiredPlanFor(FeatureKey("nonexistent"))
	assert.False(t, ok)
}

// Every feature gated anywhere in the catalogue must be granted by at least
// one plan, and RequiredPlanFor must return the lowest such level.
func TestRegistry_EveryFeatureGranted(t *testing.T) {
	r := NewRegistry()

	for _, def := range r.All() {
		for f := range def.Features {
			required, ok := r.RequiredPlanFor(f)
			require.True(t, ok, "feature %s granted by no plan", f)
			// No lower-level plan may also grant it.
			for _, other := range r.All() {
				if other.Level < r.Level(required) {
					assert.False(t, other.HasFeature(f),
						"plan %s grants %s below required plan %s", other.ID, f, required)
				}
			}
		}
	}
}

func TestRegistry_StarterQuotas(t *testing.T) {
	r := NewRegistry()
	starter := r.Plan(Starter)

	q := starter.Quota(FeatureScalePreview)
	assert.False(t, q.Unlimited)
	assert.Equal(t, int64(2000), q.N)

	assert.True(t, starter.Quota(FeatureAPIAccess).Unlimited)
	// Ungated feature defaults to unlimited.
	assert.True(t, starter.Quota(FeatureKey("unmetered")).Unlimited)
}

func TestPriceTable_RoundTrip(t *testing.T) {
	table, err := NewPriceTable(map[PriceRef]string{
		{Plan: Starter, Interval: IntervalMonth}:    "price_starter_m",
		{Plan: Starter, Interval: IntervalYear}:     "price_starter_y",
		{Plan: Enterprise, Interval: IntervalMonth}: "price_ent_m",
		{Plan: Enterprise, Interval: IntervalYear}:  "", // unavailable
	})
	require.NoError(t, err)

	id, err := table.PriceID(Starter, IntervalMonth)
	require.NoError(t, err)
	assert.Equal(t, "price_starter_m", id)

	ref, err := table.PlanForPrice("price_ent_m")
	require.NoError(t, err)
	assert.Equal(t, Enterprise, ref.Plan)
	assert.Equal(t, IntervalMonth, ref.Interval)

	_, err = table.PriceID(Enterprise, IntervalYear)
	assert.ErrorIs(t, err, ErrPriceNotConfigured)

	_, err = table.PlanForPrice("price_unknown")
	assert.ErrorIs(t, err, ErrUnknownPrice)
}

func TestPriceTable_RejectsAmbiguousMapping(t *testing.T) {
	_, err := NewPriceTable(map[PriceRef]string{
		{Plan: Starter, Interval: IntervalMonth}:    "price_dup",
		{Plan: Enterprise, Interval: IntervalMonth}: "price_dup",
	})
	assert.Error(t, err)
}
