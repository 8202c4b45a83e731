package handlers

import (
	"database/sql"
	"net/http"

	"donation-svc/models"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

type LookupHandler struct {
	db     *sql.DB
	logger *zap.Logger
}

func NewLookupHandler(db *sql.DB, logger *zap.Logger) *LookupHandler {
	return &LookupHandler{db: db, logger: logger}
}

// LookupDonations is the donor self-service view. Both the email and the
// donation or order id must match; nothing is returned otherwise, so the
// endpoint cannot be used to enumerate donations.
func (h *LookupHandler) LookupDonations(c *gin.Context) {
	ctx, span := otel.Tracer("donation-service").Start(c.Request.Context(), "LookupDonations")
	defer span.End()

	email := c.Query("email")
	id := c.Query("id")
	if email == "" || id == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "email and id are required"})
		return
	}

	rows, err := h.db.QueryContext(ctx,
		"SELECT "+donationColumns+" FROM donations WHERE donor_email = $1 AND (public_id = $2 OR order_reference = $2) ORDER BY line_no",
		email, id,
	)
	if err != nil {
		span.RecordError(err)
		h.logger.Error("Failed to look up donations", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}
	donations, err := scanDonations(rows)
	if err != nil {
		h.logger.Error("Failed to scan donations", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}
	if len(donations) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "No donations found"})
		return
	}

	histories := make(map[string][]models.StatusHistoryEntry, len(donations))
	for _, d := range donations {
		history, err := h.loadHistory(c, d.ID)
		if err != nil {
			h.logger.Error("Failed to load status history", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
			return
		}
		histories[d.PublicID] = history
	}

	span.SetAttributes(attribute.Int("donations.count", len(donations)))
	c.JSON(http.StatusOK, gin.H{
		"donations": donations,
		"history":   histories,
	})
}

func (h *LookupHandler) loadHistory(c *gin.Context, donationID int) ([]models.StatusHistoryEntry, error) {
	rows, err := h.db.QueryContext(c.Request.Context(),
		"SELECT id, donation_id, from_status, to_status, actor, created_at FROM status_history WHERE donation_id = $1 ORDER BY created_at, id",
		donationID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	history := []models.StatusHistoryEntry{}
	for rows.Next() {
		var e models.StatusHistoryEntry
		if err := rows.Scan(&e.ID, &e.DonationID, &e.FromStatus, &e.ToStatus, &e.Actor, &e.CreatedAt); err != nil {
			return nil, err
		}
		history = append(history, e)
	}
	return history, rows.Err()
}
