package entitlement

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/clinscale/clinscale/internal/logging"
	"github.com/clinscale/clinscale/internal/metrics"
	"github.com/clinscale/clinscale/internal/plan"
)

// teamIDFrom extracts the acting team from the request: the :id route param
// when present, otherwise the X-Team-ID header set by the API gateway.
func teamIDFrom(c *gin.Context) string {
	if id := c.Param("id"); id != "" {
		return id
	}
	return c.GetHeader("X-Team-ID")
}

// RequireFeature returns a middleware that rejects requests from teams whose
// plan does not grant the feature. The 403 body names the cheapest plan that
// would, so clients can render an upgrade prompt.
func RequireFeature(resolver *Resolver, feature plan.FeatureKey) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()

		teamID := teamIDFrom(c)
		if teamID == "" {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "missing_team",
				"message": "No team id on request",
			})
			return
		}

		ok, err := resolver.HasFeature(ctx, teamID, feature)
		if err != nil {
			logging.L(ctx).Error("feature check failed", "error", err, "team_id", teamID)
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
				"error":   "internal_error",
				"message": "Failed to resolve entitlements",
			})
			return
		}
		if !ok {
			metrics.AccessDecisionsTotal.WithLabelValues(string(feature), "denied").Inc()
			resp := gin.H{
				"error":   "feature_not_available",
				"message": "Your plan does not include this feature",
				"feature": feature,
			}
			if required, found := resolver.RequiredPlanFor(feature); found {
				resp["requiredPlan"] = required
			}
			c.AbortWithStatusJSON(http.StatusForbidden, resp)
			return
		}

		metrics.AccessDecisionsTotal.WithLabelValues(string(feature), "allowed").Inc()
		c.Next()
	}
}

// ConsumeQuota returns a middleware that consumes one unit of a metered
// feature before letting the request through. Denials are 429s carrying the
// remaining balance (always zero) so clients can back off until the next
// period.
func ConsumeQuota(resolver *Resolver, feature plan.FeatureKey) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()

		teamID := teamIDFrom(c)
		if teamID == "" {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "missing_team",
				"message": "No team id on request",
			})
			return
		}

		decision, err := resolver.Consume(ctx, teamID, feature, 1)
		if err != nil {
			logging.L(ctx).Error("quota consume failed", "error", err, "team_id", teamID)
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
				"error":   "internal_error",
				"message": "Failed to consume quota",
			})
			return
		}
		if !decision.Allowed {
			result := "denied"
			status := http.StatusTooManyRequests
			errCode := "quota_exceeded"
			if decision.Reason == ReasonFeatureNotInPlan {
				status = http.StatusForbidden
				errCode = "feature_not_available"
			}
			metrics.QuotaDecisionsTotal.WithLabelValues(string(feature), result).Inc()
			resp := gin.H{
				"error":   errCode,
				"message": "Request denied by plan limits",
				"feature": feature,
			}
			if decision.RequiredPlan != "" {
				resp["requiredPlan"] = decision.RequiredPlan
			}
			if decision.Remaining != nil {
				resp["remaining"] = *decision.Remaining
			}
			c.AbortWithStatusJSON(status, resp)
			return
		}

		metrics.QuotaDecisionsTotal.WithLabelValues(string(feature), "granted").Inc()
		c.Next()
	}
}
