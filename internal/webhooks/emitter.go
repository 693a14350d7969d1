package webhooks

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/clinscale/clinscale/internal/idgen"
)

var (
	webhookEmitTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "clinscale",
		Subsystem: "webhook",
		Name:      "emit_total",
		Help:      "Total webhook emit attempts by event type.",
	}, []string{"event_type"})

	webhookEmitErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "clinscale",
		Subsystem: "webhook",
		Name:      "emit_errors_total",
		Help:      "Total webhook emit failures by event type.",
	}, []string{"event_type"})
)

func init() {
	prometheus.MustRegister(webhookEmitTotal, webhookEmitErrors)
}

// Emitter wraps a Dispatcher to emit lifecycle events across subsystems.
// All methods are fire-and-forget: errors are logged but never returned.
type Emitter struct {
	d      *Dispatcher
	logger *slog.Logger
}

// NewEmitter creates a new webhook emitter.
func NewEmitter(d *Dispatcher, logger *slog.Logger) *Emitter {
	return &Emitter{d: d, logger: logger}
}

func (e *Emitter) emit(teamID string, eventType EventType, data map[string]interface{}) {
	if e == nil || e.d == nil {
		return
	}
	webhookEmitTotal.WithLabelValues(string(eventType)).Inc()
	event := &Event{
		ID:        idgen.WithPrefix("evt_"),
		Type:      eventType,
		Timestamp: time.Now(),
		Data:      data,
	}
	// Bounds only the subscription lookup; deliveries run in the
	// background under the dispatcher's own timeout.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.d.DispatchToTeam(ctx, teamID, event); err != nil {
		webhookEmitErrors.WithLabelValues(string(eventType)).Inc()
		e.logger.Warn("webhook emit failed", "event", eventType, "team", teamID, "error", err)
	}
}

// --- Billing events ---

// EmitPlanChanged emits a billing.plan_changed event.
func (e *Emitter) EmitPlanChanged(teamID, plan, status, providerEvent string) {
	e.emit(teamID, EventPlanChanged, map[string]interface{}{
		"teamId":        teamID,
		"plan":          plan,
		"status":        status,
		"providerEvent": providerEvent,
	})
}

// EmitPaymentFailed emits a billing.payment_failed event.
func (e *Emitter) EmitPaymentFailed(teamID, plan string) {
	e.emit(teamID, EventPaymentFailed, map[string]interface{}{
		"teamId": teamID,
		"plan":   plan,
	})
}

// EmitSubscriptionCanceled emits a billing.subscription_canceled event.
func (e *Emitter) EmitSubscriptionCanceled(teamID, plan string) {
	e.emit(teamID, EventSubscriptionCanceled, map[string]interface{}{
		"teamId": teamID,
		"plan":   plan,
	})
}

// --- Quota events ---

// EmitQuotaExhausted emits a quota.exhausted event.
func (e *Emitter) EmitQuotaExhausted(teamID, feature string) {
	e.emit(teamID, EventQuotaExhausted, map[string]interface{}{
		"teamId":  teamID,
		"feature": feature,
	})
}
