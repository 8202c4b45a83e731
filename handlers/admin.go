package handlers

import (
	"context"
	"database/sql"
	"errors"
	"net/http"

	"donation-svc/middleware"
	"donation-svc/models"
	"donation-svc/proofs"
	"donation-svc/statemachine"

	"github.com/gin-gonic/gin"
	"github.com/lib/pq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// Statuses staff may drive. Payment and refund statuses belong to the
// reconciliation paths and are rejected here as illegal transitions.
var staffTargets = map[models.DonationStatus]bool{
	models.DonationStatusConfirmed:  true,
	models.DonationStatusDelivering: true,
	models.DonationStatusCompleted:  true,
}

type AdminHandler struct {
	db      *sql.DB
	machine *statemachine.Machine
	proofs  *proofs.Store
	events  EventPublisher
	logger  *zap.Logger
}

func NewAdminHandler(db *sql.DB, machine *statemachine.Machine, proofStore *proofs.Store, events EventPublisher, logger *zap.Logger) *AdminHandler {
	return &AdminHandler{db: db, machine: machine, proofs: proofStore, events: events, logger: logger}
}

// UpdateStatus drives one staff transition: confirmed, delivering or
// completed. Completion additionally requires an attached delivery proof,
// enforced inside the state machine.
func (h *AdminHandler) UpdateStatus(c *gin.Context) {
	ctx, span := otel.Tracer("donation-service").Start(c.Request.Context(), "UpdateStatus")
	defer span.End()

	publicID := c.Param("id")
	var req models.StatusUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	actor := middleware.GetActor(c)

	span.SetAttributes(
		attribute.String("donation.id", publicID),
		attribute.String("target_status", string(req.TargetStatus)),
	)

	if !staffTargets[req.TargetStatus] {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "illegal_transition"})
		return
	}

	tx, err := h.db.BeginTx(ctx, nil)
	if err != nil {
		h.logger.Error("Failed to begin transaction", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}
	defer tx.Rollback()

	d, err := lockDonationByPublicID(ctx, tx, publicID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Donation not found"})
			return
		}
		h.logger.Error("Failed to load donation", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	if err := h.machine.Transition(ctx, tx, d, req.TargetStatus, actor); err != nil {
		span.RecordError(err)
		respondTransitionError(c, err)
		return
	}

	if err := tx.Commit(); err != nil {
		h.logger.Error("Failed to commit transition", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	if req.TargetStatus == models.DonationStatusCompleted && h.events != nil {
		event := models.DonationEvent{
			OrderReference: d.OrderReference,
			DonationIDs:    []string{d.PublicID},
			DonorEmail:     d.DonorEmail,
			Amount:         d.Amount,
			Currency:       d.Currency,
			EventType:      models.EventDonationCompleted,
		}
		if err := h.events.Publish(ctx, event); err != nil {
			h.logger.Error("Failed to publish completion event", zap.Error(err))
		}
	}

	h.logger.Info("Donation status updated",
		zap.String("donation_id", publicID),
		zap.String("status", string(req.TargetStatus)),
		zap.String("actor", actor),
	)
	c.JSON(http.StatusOK, d)
}

// BatchUpdateStatus applies one transition to several donations atomically.
// The state machine requires a single shared current status and refuses
// batches out of delivering, since completion needs per-donation proof.
func (h *AdminHandler) BatchUpdateStatus(c *gin.Context) {
	ctx, span := otel.Tracer("donation-service").Start(c.Request.Context(), "BatchUpdateStatus")
	defer span.End()

	var req models.BatchStatusUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	actor := middleware.GetActor(c)

	span.SetAttributes(
		attribute.Int("batch.size", len(req.DonationIDs)),
		attribute.String("target_status", string(req.TargetStatus)),
	)

	if !staffTargets[req.TargetStatus] {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "illegal_transition"})
		return
	}

	tx, err := h.db.BeginTx(ctx, nil)
	if err != nil {
		h.logger.Error("Failed to begin transaction", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		"SELECT "+donationColumns+" FROM donations WHERE public_id = ANY($1) ORDER BY id FOR UPDATE",
		pq.Array(req.DonationIDs),
	)
	if err != nil {
		h.logger.Error("Failed to load donations", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}
	donations, err := scanDonations(rows)
	if err != nil {
		h.logger.Error("Failed to scan donations", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}
	if len(donations) != len(req.DonationIDs) {
		c.JSON(http.StatusNotFound, gin.H{"error": "One or more donations not found"})
		return
	}

	batch := make([]*models.Donation, len(donations))
	for i := range donations {
		batch[i] = &donations[i]
	}
	if err := h.machine.BatchTransition(ctx, tx, batch, req.TargetStatus, actor); err != nil {
		span.RecordError(err)
		respondTransitionError(c, err)
		return
	}

	if err := tx.Commit(); err != nil {
		h.logger.Error("Failed to commit batch transition", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	h.logger.Info("Batch status updated",
		zap.Int("count", len(donations)),
		zap.String("status", string(req.TargetStatus)),
		zap.String("actor", actor),
	)
	c.JSON(http.StatusOK, donations)
}

func (h *AdminHandler) UploadProof(c *gin.Context) {
	ctx, span := otel.Tracer("donation-service").Start(c.Request.Context(), "UploadProof")
	defer span.End()

	publicID := c.Param("id")
	var req models.ProofUploadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	donationID, err := h.donationID(ctx, publicID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Donation not found"})
			return
		}
		h.logger.Error("Failed to resolve donation", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	proof, err := h.proofs.Attach(ctx, donationID, req.FileName, req.FileURL, middleware.GetActor(c))
	if err != nil {
		span.RecordError(err)
		h.logger.Error("Failed to attach proof", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	c.JSON(http.StatusCreated, proof)
}

func (h *AdminHandler) ListProofs(c *gin.Context) {
	ctx, span := otel.Tracer("donation-service").Start(c.Request.Context(), "ListProofs")
	defer span.End()

	publicID := c.Param("id")
	donationID, err := h.donationID(ctx, publicID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Donation not found"})
			return
		}
		h.logger.Error("Failed to resolve donation", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	proofList, err := h.proofs.ListProofFiles(ctx, donationID)
	if err != nil {
		span.RecordError(err)
		h.logger.Error("Failed to list proofs", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}
	if proofList == nil {
		proofList = []models.DeliveryProof{}
	}

	c.JSON(http.StatusOK, proofList)
}

// GetOrder returns all lines of an order with their status history.
func (h *AdminHandler) GetOrder(c *gin.Context) {
	ctx, span := otel.Tracer("donation-service").Start(c.Request.Context(), "GetOrder")
	defer span.End()

	reference := c.Param("reference")
	rows, err := h.db.QueryContext(ctx,
		"SELECT "+donationColumns+" FROM donations WHERE order_reference = $1 ORDER BY line_no",
		reference,
	)
	if err != nil {
		h.logger.Error("Failed to load order", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}
	donations, err := scanDonations(rows)
	if err != nil {
		h.logger.Error("Failed to scan order", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}
	if len(donations) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "Order not found"})
		return
	}

	order := models.Order{
		Reference:  reference,
		DonorEmail: donations[0].DonorEmail,
		Currency:   donations[0].Currency,
		Provider:   donations[0].Provider,
		Lines:      donations,
	}
	span.SetAttributes(attribute.Int("order.lines", len(donations)))
	c.JSON(http.StatusOK, gin.H{
		"order":             order,
		"total":             order.Total(),
		"refundable_amount": refundableAmount(donations),
	})
}

func (h *AdminHandler) donationID(ctx context.Context, publicID string) (int, error) {
	var id int
	err := h.db.QueryRowContext(ctx, "SELECT id FROM donations WHERE public_id = $1", publicID).Scan(&id)
	return id, err
}

func respondTransitionError(c *gin.Context, err error) {
	var ite *statemachine.IllegalTransitionError
	switch {
	case errors.As(err, &ite):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "illegal_transition", "from": ite.From, "to": ite.To})
	case errors.Is(err, statemachine.ErrDeliveryProofMissing):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "delivery_proof_required"})
	case errors.Is(err, statemachine.ErrBatchMixedStatus), errors.Is(err, statemachine.ErrBatchFromDelivering):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	case errors.Is(err, statemachine.ErrStatusConflict):
		c.JSON(http.StatusConflict, gin.H{"error": "Donation changed concurrently, reload and retry"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
	}
}
