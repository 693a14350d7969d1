package billing

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/clinscale/clinscale/internal/logging"
	"github.com/clinscale/clinscale/internal/metrics"
	"github.com/clinscale/clinscale/internal/plan"
	"github.com/clinscale/clinscale/internal/team"
)

// maxWebhookBody caps the webhook payload we are willing to read.
const maxWebhookBody = 1 << 20

// Handler provides HTTP handlers for the billing API.
type Handler struct {
	service   *Service
	processor *Processor
	store     Store
}

// NewHandler creates a new billing handler.
func NewHandler(service *Service, processor *Processor, store Store) *Handler {
	return &Handler{service: service, processor: processor, store: store}
}

// RegisterRoutes sets up the billing routes. Checkout initiation requires
// the caller to be an internal service; the webhook is authenticated by its
// signature; auth for both is applied by the server at the route group.
func (h *Handler) RegisterRoutes(internal, public *gin.RouterGroup) {
	internal.POST("/billing/checkout", h.StartCheckout)
	public.POST("/billing/webhook", h.Webhook)
	public.GET("/teams/:id/billing", h.GetTeamBilling)
}

// StartCheckoutRequest is the payload for initiating a checkout session.
type StartCheckoutRequest struct {
	TeamID   string `json:"teamId" binding:"required"`
	Plan     string `json:"plan" binding:"required"`
	Interval string `json:"interval"`
}

// StartCheckout handles POST /billing/checkout
func (h *Handler) StartCheckout(c *gin.Context) {
	ctx := c.Request.Context()
	logger := logging.L(ctx)

	var req StartCheckoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	interval := plan.BillingInterval(req.Interval)
	if req.Interval == "" {
		interval = plan.IntervalMonth
	}

	session, err := h.service.StartCheckout(ctx, req.TeamID, plan.ID(req.Plan), interval)
	if err != nil {
		switch {
		case errors.Is(err, ErrInvalidPlan):
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_plan",
				"message": "Plan does not exist or cannot be purchased",
			})
		case errors.Is(err, ErrInvalidInterval):
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_billing_interval",
				"message": "Billing interval must be month or year",
			})
		case errors.Is(err, team.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "team_not_found",
				"message": "Team not found",
			})
		case errors.Is(err, plan.ErrPriceNotConfigured):
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "price_not_configured",
				"message": "No price is configured for this plan and interval",
			})
		case errors.Is(err, ErrInvalidPrice):
			c.JSON(http.StatusBadGateway, gin.H{
				"error":   "invalid_price",
				"message": "The configured price was rejected by the payment provider",
			})
		case errors.Is(err, ErrProviderUnavailable):
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"error":   "provider_unavailable",
				"message": "The payment provider is temporarily unavailable, try again shortly",
			})
		default:
			logger.Error("checkout initiation failed", "error", err, "team_id", req.TeamID)
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "internal_error",
				"message": "Failed to start checkout",
			})
		}
		return
	}

	metrics.CheckoutSessionsTotal.WithLabelValues(req.Plan).Inc()
	c.JSON(http.StatusOK, session)
}

// Webhook handles POST /billing/webhook
//
// Returns 400 only for unverifiable payloads (the provider will not fix
// those by retrying) and 500 for transient processing failures (it will).
func (h *Handler) Webhook(c *gin.Context) {
	ctx := c.Request.Context()
	logger := logging.L(ctx)

	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_payload",
			"message": "Could not read request body",
		})
		return
	}

	result, err := h.processor.Handle(ctx, payload, c.GetHeader("Stripe-Signature"))
	if err != nil {
		if errors.Is(err, ErrInvalidSignature) {
			logger.Warn("webhook signature verification failed", "error", err)
			metrics.WebhookEventsTotal.WithLabelValues("unknown", "rejected").Inc()
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_signature",
				"message": "Webhook signature verification failed",
			})
			return
		}
		logger.Error("webhook processing failed", "error", err, "event_type", result.EventType)
		metrics.WebhookEventsTotal.WithLabelValues(result.EventType, "error").Inc()
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to process event",
		})
		return
	}

	metrics.WebhookEventsTotal.WithLabelValues(result.EventType, string(result.Outcome)).Inc()
	if result.EventType == "invoice.payment_failed" && result.Outcome == OutcomeProcessed {
		metrics.PaymentFailuresTotal.Inc()
	}
	c.JSON(http.StatusOK, gin.H{"received": true})
}

// GetTeamBilling handles GET /teams/:id/billing
func (h *Handler) GetTeamBilling(c *gin.Context) {
	ctx := c.Request.Context()
	teamID := c.Param("id")

	tb, err := h.store.GetByTeam(ctx, teamID)
	if errors.Is(err, ErrNotFound) {
		// A team that never touched billing reads as free/none.
		tb = NewRecord(teamID)
	} else if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to load billing record",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"teamId":        tb.TeamID,
		"plan":          tb.Plan,
		"effectivePlan": tb.EffectivePlan(),
		"status":        tb.Status,
		"periodEnd":     tb.PeriodEnd,
		"updatedAt":     tb.UpdatedAt,
	})
}
