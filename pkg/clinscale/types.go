// Package clinscale implements a Go client for the Clinscale billing and
// entitlement API. This is the foundation for the Clinscale SDK.
package clinscale

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Denial reasons returned in access and consume decisions.
const (
	ReasonFeatureNotInPlan = "feature_not_in_plan"
	ReasonQuotaExhausted   = "quota_exhausted"
)

// Decision is the result of an access check or a quota consumption.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Feature string `json:"feature"`
	Plan    string `json:"plan"`
	// Reason is set when Allowed is false.
	Reason string `json:"reason,omitempty"`
	// RequiredPlan is the cheapest plan that would grant the feature, set
	// when the denial reason is the plan itself.
	RequiredPlan string `json:"requiredPlan,omitempty"`
	// Remaining is the quota left this period; nil means unlimited.
	Remaining *int64 `json:"remaining,omitempty"`
}

// FeatureUsage is one row of a team's usage summary.
type FeatureUsage struct {
	Feature   string `json:"feature"`
	Granted   bool   `json:"granted"`
	Used      int64  `json:"used"`
	Limit     *int64 `json:"limit,omitempty"`
	Remaining *int64 `json:"remaining,omitempty"`
}

// TeamBilling is a team's billing state.
type TeamBilling struct {
	TeamID        string     `json:"teamId"`
	Plan          string     `json:"plan"`
	EffectivePlan string     `json:"effectivePlan"`
	Status        string     `json:"status"`
	PeriodEnd     *time.Time `json:"periodEnd,omitempty"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}

// Plan is a published plan definition.
type Plan struct {
	ID       string           `json:"id"`
	Level    int              `json:"level"`
	Features []string         `json:"features"`
	Quotas   map[string]int64 `json:"quotas"`
}

// CheckoutSession is a hosted checkout session handed back to the caller.
type CheckoutSession struct {
	SessionID string `json:"sessionId"`
	URL       string `json:"url"`
}

// Error represents a Clinscale API error response
type Error struct {
	Code    string `json:"error"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// parseError turns a non-2xx response into an *Error, falling back to the
// HTTP status when the body is not the standard error shape.
func parseError(resp *http.Response) error {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("api error: status %d", resp.StatusCode)
	}

	var apiErr Error
	if err := json.Unmarshal(body, &apiErr); err != nil || apiErr.Code == "" {
		return fmt.Errorf("api error: status %d", resp.StatusCode)
	}
	return &apiErr
}
