// Package plan defines the static plan catalogue for the Clinscale platform.
package plan

// ID identifies a pricing tier.
type ID string

const (
	Free       ID = "free"
	Starter    ID = "starter"
	Enterprise ID = "enterprise"
)

// FeatureKey names a gated platform capability.
type FeatureKey string

const (
	FeatureScalePreview    FeatureKey = "scale_preview"
	FeatureScaleDownload   FeatureKey = "scale_download"
	FeatureAPIAccess       FeatureKey = "api_access"
	FeatureCopyrightTicket FeatureKey = "copyright_ticket"
)

// AllFeatures lists every gated capability, in display order.
var AllFeatures = []FeatureKey{
	FeatureScalePreview,
	FeatureScaleDownload,
	FeatureAPIAccess,
	FeatureCopyrightTicket,
}

// BillingInterval is the subscription billing cadence.
type BillingInterval string

const (
	IntervalMonth BillingInterval = "month"
	IntervalYear  BillingInterval = "year"
)

// ValidInterval reports whether the interval is recognised.
func ValidInterval(i BillingInterval) bool {
	return i == IntervalMonth || i == IntervalYear
}

// Limit is a per-period usage ceiling for a feature.
type Limit struct {
	N         int64
	Unlimited bool
}

// Limited returns a bounded limit.
func Limited(n int64) Limit { return Limit{N: n} }

// NoLimit returns an unbounded limit.
func NoLimit() Limit { return Limit{Unlimited: true} }

// Definition describes one plan tier. Immutable after registry construction.
type Definition struct {
	ID       ID
	Level    int // higher means more expensive; used for upgrade comparison
	Features map[FeatureKey]bool
	Quotas   map[FeatureKey]Limit
}

// HasFeature reports whether the plan grants the feature.
func (d *Definition) HasFeature(f FeatureKey) bool {
	return d.Features[f]
}

// Quota returns the plan's limit for a feature. Features the plan grants
// but does not meter default to unlimited.
func (d *Definition) Quota(f FeatureKey) Limit {
	if l, ok := d.Quotas[f]; ok {
		return l
	}
	return NoLimit()
}
