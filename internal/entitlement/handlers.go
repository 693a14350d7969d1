package entitlement

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/clinscale/clinscale/internal/logging"
	"github.com/clinscale/clinscale/internal/metrics"
	"github.com/clinscale/clinscale/internal/plan"
)

// Handler provides HTTP handlers for entitlement queries and quota
// consumption.
type Handler struct {
	resolver *Resolver
	registry *plan.Registry

	onExhausted func(teamID string, feature plan.FeatureKey)
}

// NewHandler creates a new entitlement handler.
func NewHandler(resolver *Resolver, registry *plan.Registry) *Handler {
	return &Handler{resolver: resolver, registry: registry}
}

// OnQuotaExhausted registers a callback fired when a consume request is
// denied because the quota ran out. Used for outbound notifications.
func (h *Handler) OnQuotaExhausted(fn func(teamID string, feature plan.FeatureKey)) {
	h.onExhausted = fn
}

// RegisterRoutes sets up the entitlement routes. Quota consumption is
// recorded by platform services, so it lives on the internal group; reads
// are public.
func (h *Handler) RegisterRoutes(internal, public *gin.RouterGroup) {
	public.GET("/plans", h.ListPlans)
	public.GET("/teams/:id/access", h.CheckAccess)
	public.GET("/teams/:id/usage", h.GetUsage)
	internal.POST("/teams/:id/usage/:feature/consume", h.ConsumeUsage)
}

// planView is the public shape of a plan definition.
type planView struct {
	ID       plan.ID                   `json:"id"`
	Level    int                       `json:"level"`
	Features []plan.FeatureKey         `json:"features"`
	Quotas   map[plan.FeatureKey]int64 `json:"quotas"`
}

// ListPlans handles GET /plans
func (h *Handler) ListPlans(c *gin.Context) {
	defs := h.registry.All()
	plans := make([]planView, 0, len(defs))
	for _, def := range defs {
		view := planView{
			ID:       def.ID,
			Level:    def.Level,
			Features: make([]plan.FeatureKey, 0, len(def.Features)),
			Quotas:   make(map[plan.FeatureKey]int64),
		}
		for _, f := range plan.AllFeatures {
			if !def.HasFeature(f) {
				continue
			}
			view.Features = append(view.Features, f)
			if limit := def.Quota(f); !limit.Unlimited {
				view.Quotas[f] = limit.N
			}
		}
		plans = append(plans, view)
	}
	c.JSON(http.StatusOK, gin.H{"plans": plans})
}

// CheckAccess handles GET /teams/:id/access?feature=...
func (h *Handler) CheckAccess(c *gin.Context) {
	ctx := c.Request.Context()
	teamID := c.Param("id")

	feature := plan.FeatureKey(c.Query("feature"))
	if feature == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "missing_feature",
			"message": "The feature query parameter is required",
		})
		return
	}

	decision, err := h.resolver.CheckAccess(ctx, teamID, feature)
	if err != nil {
		logging.L(ctx).Error("access check failed", "error", err, "team_id", teamID)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to check access",
		})
		return
	}

	result := "denied"
	if decision.Allowed {
		result = "allowed"
	}
	metrics.AccessDecisionsTotal.WithLabelValues(string(feature), result).Inc()
	c.JSON(http.StatusOK, decision)
}

// GetUsage handles GET /teams/:id/usage
func (h *Handler) GetUsage(c *gin.Context) {
	ctx := c.Request.Context()
	teamID := c.Param("id")

	usage, err := h.resolver.Usage(ctx, teamID)
	if err != nil {
		logging.L(ctx).Error("usage summary failed", "error", err, "team_id", teamID)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to load usage",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"teamId": teamID,
		"usage":  usage,
	})
}

// ConsumeUsageRequest is the payload for consuming quota units.
type ConsumeUsageRequest struct {
	Amount int64 `json:"amount"`
}

// ConsumeUsage handles POST /teams/:id/usage/:feature/consume
//
// Grant and increment are one atomic step; a denial leaves the counter
// untouched.
func (h *Handler) ConsumeUsage(c *gin.Context) {
	ctx := c.Request.Context()
	teamID := c.Param("id")
	feature := plan.FeatureKey(c.Param("feature"))

	req := ConsumeUsageRequest{Amount: 1}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "Invalid request body",
			})
			return
		}
	}
	if req.Amount <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_amount",
			"message": "Amount must be positive",
		})
		return
	}

	decision, err := h.resolver.Consume(ctx, teamID, feature, req.Amount)
	if err != nil {
		logging.L(ctx).Error("quota consume failed", "error", err, "team_id", teamID, "feature", feature)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to consume quota",
		})
		return
	}

	if !decision.Allowed {
		metrics.QuotaDecisionsTotal.WithLabelValues(string(feature), "denied").Inc()
		status := http.StatusTooManyRequests
		errCode := "quota_exceeded"
		if decision.Reason == ReasonFeatureNotInPlan {
			status = http.StatusForbidden
			errCode = "feature_not_available"
		} else if h.onExhausted != nil {
			h.onExhausted(teamID, feature)
		}
		resp := gin.H{
			"error":    errCode,
			"feature":  feature,
			"decision": decision,
		}
		c.JSON(status, resp)
		return
	}

	metrics.QuotaDecisionsTotal.WithLabelValues(string(feature), "granted").Inc()
	c.JSON(http.StatusOK, decision)
}
