package handlers

import (
	"errors"
	"net/http"

	"donation-svc/models"
	"donation-svc/refunds"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

type RefundHandler struct {
	processor *refunds.Processor
	logger    *zap.Logger
}

func NewRefundHandler(processor *refunds.Processor, logger *zap.Logger) *RefundHandler {
	return &RefundHandler{processor: processor, logger: logger}
}

// InitiateRefund starts a donor-requested refund for the eligible lines of
// an order. The requester email must match the order; mismatches are
// indistinguishable from unknown references.
func (h *RefundHandler) InitiateRefund(c *gin.Context) {
	ctx, span := otel.Tracer("donation-service").Start(c.Request.Context(), "InitiateRefund")
	defer span.End()

	reference := c.Param("reference")
	var req models.RefundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	span.SetAttributes(attribute.String("order.reference", reference))

	intent, err := h.processor.InitiateRefund(ctx, reference, req.Email)
	if err != nil {
		span.RecordError(err)
		switch {
		case errors.Is(err, refunds.ErrOrderNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "Order not found"})
		case errors.Is(err, refunds.ErrCannotRefundCompleted):
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "cannot_refund_completed"})
		case errors.Is(err, refunds.ErrNothingRefundable):
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "nothing_refundable"})
		default:
			respondProviderError(c, err)
		}
		return
	}

	h.logger.Info("Refund requested",
		zap.String("order_reference", reference),
		zap.Float64("amount", intent.Amount),
	)
	c.JSON(http.StatusAccepted, intent)
}
