package handlers

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"time"

	"donation-svc/cache"
	"donation-svc/ledger"
	"donation-svc/middleware"
	"donation-svc/models"
	"donation-svc/payments"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

const projectCacheTTL = 5 * time.Minute

// EventPublisher emits donation lifecycle events after commit.
type EventPublisher interface {
	Publish(ctx context.Context, event models.DonationEvent) error
}

type CheckoutHandler struct {
	db       *sql.DB
	rdb      *redis.Client
	registry *payments.Registry
	events   EventPublisher
	logger   *zap.Logger
}

func NewCheckoutHandler(db *sql.DB, rdb *redis.Client, registry *payments.Registry, events EventPublisher, logger *zap.Logger) *CheckoutHandler {
	return &CheckoutHandler{db: db, rdb: rdb, registry: registry, events: events, logger: logger}
}

// CreateCheckout is the whole checkout flow: validate lines against project
// capacity, register a payment intent with the provider, then commit one
// pending donation row per line under a shared order reference. The
// reservation and the rows commit in a single transaction; the provider
// intent is created first so an api_error never leaves partial state behind.
func (h *CheckoutHandler) CreateCheckout(c *gin.Context) {
	ctx, span := otel.Tracer("donation-service").Start(c.Request.Context(), "CreateCheckout")
	defer span.End()

	var req models.CheckoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	span.SetAttributes(
		attribute.String("provider", req.Provider),
		attribute.Int("lines", len(req.Lines)),
	)

	provider, err := h.registry.Get(req.Provider)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Unknown payment provider"})
		return
	}

	// Price the order from a fresh project read. The intent amount must equal
	// the committed line sum or reconciliation rejects every callback, so this
	// pass never uses the cache. The authoritative capacity check still
	// happens later under the row lock.
	total := req.TipAmount
	var totalUnits int
	for _, line := range req.Lines {
		p, err := h.loadProject(ctx, line.ProjectID)
		if err != nil {
			respondLedgerError(c, err)
			return
		}
		if p.Status != models.ProjectStatusActive {
			respondLedgerError(c, ledger.ErrProjectNotActive)
			return
		}
		if p.AggregateDonations {
			total += line.Amount
		} else if p.UnitPrice != nil {
			total += float64(line.Quantity) * *p.UnitPrice
			totalUnits += line.Quantity
		}
	}

	// Per-order ceilings apply to the whole order, not per line.
	if totalUnits > ledger.MaxUnitsPerOrder {
		respondLedgerError(c, &ledger.QuantityExceededError{Requested: totalUnits, Max: ledger.MaxUnitsPerOrder})
		return
	}
	if total > ledger.MaxAmountPerOrder {
		respondLedgerError(c, &ledger.AmountLimitExceededError{Requested: total, Max: ledger.MaxAmountPerOrder})
		return
	}

	// Crypto charges below the per-currency minimum fail fast, before any
	// capacity is reserved.
	minimum, err := provider.MinimumAmount(ctx, req.Currency)
	if err != nil {
		respondProviderError(c, err)
		return
	}
	if minimum > 0 && total < minimum {
		respondProviderError(c, &payments.BelowMinimumError{Currency: req.Currency, Minimum: minimum})
		return
	}

	orderRef := uuid.NewString()
	order := &models.Order{
		Reference:  orderRef,
		DonorEmail: req.DonorEmail,
		Currency:   req.Currency,
		Provider:   req.Provider,
		Lines:      []models.Donation{{Amount: total, Currency: req.Currency}},
	}
	intent, err := provider.CreateIntent(ctx, order)
	if err != nil {
		span.RecordError(err)
		respondProviderError(c, err)
		return
	}

	tx, err := h.db.BeginTx(ctx, nil)
	if err != nil {
		h.logger.Error("Failed to begin checkout transaction", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}
	defer tx.Rollback()

	var created []models.Donation
	for i, line := range req.Lines {
		grant, err := ledger.Reserve(ctx, tx, line.ProjectID, line.Quantity, line.Amount)
		if err != nil {
			span.RecordError(err)
			respondLedgerError(c, err)
			return
		}

		projectID := line.ProjectID
		d, err := h.insertDonation(ctx, tx, &models.Donation{
			PublicID:          uuid.NewString(),
			OrderReference:    orderRef,
			ProjectID:         &projectID,
			LineNo:            i + 1,
			Quantity:          grant.Quantity,
			Amount:            grant.Amount,
			Currency:          req.Currency,
			DonorEmail:        req.DonorEmail,
			Provider:          req.Provider,
			ExternalReference: intent.ExternalReference,
		})
		if err != nil {
			h.logger.Error("Failed to create donation", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
			return
		}
		created = append(created, *d)
	}

	if req.TipAmount > 0 {
		d, err := h.insertDonation(ctx, tx, &models.Donation{
			PublicID:          uuid.NewString(),
			OrderReference:    orderRef,
			ProjectID:         nil,
			LineNo:            len(req.Lines) + 1,
			Quantity:          1,
			Amount:            req.TipAmount,
			Currency:          req.Currency,
			DonorEmail:        req.DonorEmail,
			Provider:          req.Provider,
			ExternalReference: intent.ExternalReference,
		})
		if err != nil {
			h.logger.Error("Failed to create tip line", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
			return
		}
		created = append(created, *d)
	}

	if err := tx.Commit(); err != nil {
		h.logger.Error("Failed to commit checkout", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	var committed float64
	for _, line := range req.Lines {
		if err := cache.DeleteProject(ctx, h.rdb, line.ProjectID); err != nil {
			h.logger.Warn("Failed to invalidate project cache", zap.Int("project_id", line.ProjectID), zap.Error(err))
		}
	}
	for _, d := range created {
		committed += d.Amount
		middleware.RecordDonationCreated(req.Provider)
	}

	if h.events != nil {
		event := models.DonationEvent{
			OrderReference: orderRef,
			DonorEmail:     req.DonorEmail,
			Amount:         committed,
			Currency:       req.Currency,
			Provider:       req.Provider,
			EventType:      models.EventDonationCreated,
		}
		if err := h.events.Publish(ctx, event); err != nil {
			h.logger.Error("Failed to publish checkout event", zap.Error(err))
		}
	}

	span.SetAttributes(attribute.String("order.reference", orderRef))
	h.logger.Info("Checkout created",
		zap.String("order_reference", orderRef),
		zap.String("provider", req.Provider),
		zap.Int("lines", len(created)),
		zap.Float64("total", committed),
	)
	c.JSON(http.StatusCreated, models.CheckoutResponse{
		OrderReference:    orderRef,
		ExternalReference: intent.ExternalReference,
		ProviderPayload:   intent.Payload,
		Lines:             created,
		Total:             committed,
	})
}

func (h *CheckoutHandler) insertDonation(ctx context.Context, tx *sql.Tx, d *models.Donation) (*models.Donation, error) {
	err := tx.QueryRowContext(ctx,
		"INSERT INTO donations (public_id, order_reference, project_id, line_no, quantity, amount, currency, donor_email, status, provider, external_reference) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11) RETURNING id, status, donated_at, updated_at",
		d.PublicID, d.OrderReference, d.ProjectID, d.LineNo, d.Quantity, d.Amount, d.Currency, d.DonorEmail, models.DonationStatusPending, d.Provider, d.ExternalReference,
	).Scan(&d.ID, &d.Status, &d.DonatedAt, &d.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return d, nil
}

// loadProject reads the project directly from the database. Checkout pricing
// deliberately skips the read-through cache: a stale cached unit price would
// make the intent amount diverge from the committed line sum. The fresh row
// still refreshes the cache for the public project reads.
func (h *CheckoutHandler) loadProject(ctx context.Context, id int) (*models.Project, error) {
	var p models.Project
	err := h.db.QueryRowContext(ctx,
		"SELECT id, name, unit_price, target_units, target_amount, current_units, current_amount, aggregate_donations, status, created_at, updated_at FROM projects WHERE id = $1",
		id,
	).Scan(&p.ID, &p.Name, &p.UnitPrice, &p.TargetUnits, &p.TargetAmount, &p.CurrentUnits, &p.CurrentAmount, &p.AggregateDonations, &p.Status, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ledger.ErrProjectNotFound
		}
		return nil, err
	}

	if err := cache.SetProject(ctx, h.rdb, id, p, projectCacheTTL); err != nil {
		h.logger.Warn("Failed to cache project", zap.Int("project_id", id), zap.Error(err))
	}
	return &p, nil
}
