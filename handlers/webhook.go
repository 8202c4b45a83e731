package handlers

import (
	"errors"
	"net/http"

	"donation-svc/payments"
	"donation-svc/refunds"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

type WebhookHandler struct {
	registry   *payments.Registry
	reconciler *payments.Reconciler
	refunds    *refunds.Processor
	logger     *zap.Logger
}

func NewWebhookHandler(registry *payments.Registry, reconciler *payments.Reconciler, refundProcessor *refunds.Processor, logger *zap.Logger) *WebhookHandler {
	return &WebhookHandler{registry: registry, reconciler: reconciler, refunds: refundProcessor, logger: logger}
}

// HandleCallback receives asynchronous provider confirmations. Providers
// deliver at least once, possibly out of order; replays resolve to the
// original outcome with 200 so the provider stops retrying. A callback that
// races the checkout commit gets 409 to request redelivery.
func (h *WebhookHandler) HandleCallback(c *gin.Context) {
	ctx, span := otel.Tracer("donation-service").Start(c.Request.Context(), "HandleCallback")
	defer span.End()

	providerName := c.Param("provider")
	provider, err := h.registry.Get(providerName)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Unknown payment provider"})
		return
	}

	var cb payments.Callback
	if err := c.ShouldBindJSON(&cb); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	span.SetAttributes(
		attribute.String("provider", providerName),
		attribute.String("callback.event", cb.Kind()),
		attribute.String("callback.status", cb.Status),
		attribute.String("external_reference", cb.ExternalReference),
	)

	var outcome *payments.Outcome
	switch cb.Kind() {
	case payments.EventKindRefund:
		outcome, err = h.refunds.ConfirmRefund(ctx, provider, &cb)
	default:
		outcome, err = h.reconciler.ReconcilePayment(ctx, provider, &cb)
	}

	if err != nil {
		span.RecordError(err)
		switch {
		case errors.Is(err, payments.ErrInvalidSignature):
			h.logger.Warn("Rejected callback with bad signature",
				zap.String("provider", providerName),
				zap.String("external_reference", cb.ExternalReference),
			)
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid signature"})
		case errors.Is(err, payments.ErrOrderNotVisible):
			// The donation rows are not committed yet; ask for redelivery.
			c.JSON(http.StatusConflict, gin.H{"error": "Order not ready, retry"})
		case errors.Is(err, payments.ErrAmountMismatch):
			h.logger.Error("Callback amount mismatch",
				zap.String("provider", providerName),
				zap.String("external_reference", cb.ExternalReference),
				zap.Float64("callback_amount", cb.Amount),
			)
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "Amount mismatch"})
		default:
			h.logger.Error("Failed to process callback", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		}
		return
	}

	c.JSON(http.StatusOK, outcome)
}
