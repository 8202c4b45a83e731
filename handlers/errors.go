package handlers

import (
	"errors"
	"net/http"

	"donation-svc/circuitbreaker"
	"donation-svc/ledger"
	"donation-svc/middleware"
	"donation-svc/payments"

	"github.com/gin-gonic/gin"
)

// respondLedgerError maps capacity errors to responses the checkout UI can
// act on: exceeded errors carry the maximum still satisfiable so the donor
// can be re-prompted with an adjusted quantity or amount.
func respondLedgerError(c *gin.Context, err error) {
	var qe *ledger.QuantityExceededError
	if errors.As(err, &qe) {
		middleware.RecordCapacityRejection("quantity")
		c.JSON(http.StatusConflict, gin.H{
			"error": "quantity_exceeded",
			"max":   qe.Max,
		})
		return
	}

	var ae *ledger.AmountLimitExceededError
	if errors.As(err, &ae) {
		middleware.RecordCapacityRejection("amount")
		c.JSON(http.StatusConflict, gin.H{
			"error": "amount_limit_exceeded",
			"max":   ae.Max,
		})
		return
	}

	switch {
	case errors.Is(err, ledger.ErrProjectNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "project_not_found"})
	case errors.Is(err, ledger.ErrProjectNotActive):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "project_not_active"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
	}
}

func respondProviderError(c *gin.Context, err error) {
	var be *payments.BelowMinimumError
	if errors.As(err, &be) {
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":   "amount_below_minimum",
			"minimum": be.Minimum,
		})
		return
	}

	var apiErr *payments.APIError
	if errors.As(err, &apiErr) || errors.Is(err, circuitbreaker.ErrCircuitOpen) {
		c.JSON(http.StatusBadGateway, gin.H{"error": "api_error"})
		return
	}

	c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
}
