package plan

import "fmt"

// Registry is the plan catalogue. Built once at startup and injected into
// the components that need it; never mutated afterwards.
type Registry struct {
	plans map[ID]*Definition
	order []ID // ascending by level
}

// NewRegistry builds the standard Clinscale catalogue.
func NewRegistry() *Registry {
	return newRegistry(
		&Definition{
			ID:    Free,
			Level: 0,
			Features: map[FeatureKey]bool{
				FeatureScalePreview: true,
			},
			Quotas: map[FeatureKey]Limit{
				FeatureScalePreview: Limited(100),
			},
		},
		&Definition{
			ID:    Starter,
			Level: 1,
			Features: map[FeatureKey]bool{
				FeatureScalePreview:  true,
				FeatureScaleDownload: true,
				FeatureAPIAccess:     true,
			},
			Quotas: map[FeatureKey]Limit{
				FeatureScalePreview:  Limited(2000),
				FeatureScaleDownload: Limited(200),
				FeatureAPIAccess:     NoLimit(),
			},
		},
		&Definition{
			ID:    Enterprise,
			Level: 2,
			Features: map[FeatureKey]bool{
				FeatureScalePreview:    true,
				FeatureScaleDownload:   true,
				FeatureAPIAccess:       true,
				FeatureCopyrightTicket: true,
			},
			Quotas: map[FeatureKey]Limit{
				FeatureScalePreview:    NoLimit(),
				FeatureScaleDownload:   NoLimit(),
				FeatureAPIAccess:       NoLimit(),
				FeatureCopyrightTicket: NoLimit(),
			},
		},
	)
}

func newRegistry(defs ...*Definition) *Registry {
	r := &Registry{plans: make(map[ID]*Definition, len(defs))}
	for _, d := range defs {
		r.plans[d.ID] = d
		r.order = append(r.order, d.ID)
	}
	// Keep order sorted by level (insertion sort; the catalogue is tiny).
	for i := 1; i < len(r.order); i++ {
		for j := i; j > 0 && r.plans[r.order[j]].Level < r.plans[r.order[j-1]].Level; j-- {
			r.order[j], r.order[j-1] = r.order[j-1], r.order[j]
		}
	}
	return r
}

// Valid reports whether the plan id is in the catalogue.
func (r *Registry) Valid(id ID) bool {
	_, ok := r.plans[id]
	return ok
}

// Plan returns the definition for a plan id. An unknown id is a programming
// error, not user input: callers validate ids at the boundary.
func (r *Registry) Plan(id ID) *Definition {
	d, ok := r.plans[id]
	if !ok {
		panic(fmt.Sprintf("plan: unknown plan id %q", id))
	}
	return d
}

// Level returns the ordering level of a plan.
func (r *Registry) Level(id ID) int {
	return r.Plan(id).Level
}

// IsUpgrade reports whether moving from one plan to another is an upgrade.
func (r *Registry) IsUpgrade(from, to ID) bool {
	return r.Level(to) > r.Level(from)
}

// RequiredPlanFor returns the lowest-level plan that grants the feature.
// ok is false when no plan grants it.
func (r *Registry) RequiredPlanFor(f FeatureKey) (ID, bool) {
	for _, id := range r.order {
		if r.plans[id].HasFeature(f) {
			return id, true
		}
	}
	return "", false
}

// All returns the plan definitions in ascending level order.
func (r *Registry) All() []*Definition {
	out := make([]*Definition, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.plans[id])
	}
	return out
}
