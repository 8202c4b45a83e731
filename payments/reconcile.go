package payments

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"

	"donation-svc/ledger"
	"donation-svc/middleware"
	"donation-svc/models"
	"donation-svc/statemachine"

	"go.uber.org/zap"
)

var (
	// ErrOrderNotVisible means the callback raced the checkout transaction
	// and the donation rows are not committed yet. The webhook route signals
	// the provider to retry instead of failing permanently.
	ErrOrderNotVisible = errors.New("order not yet visible for reconciliation")
	ErrAmountMismatch  = errors.New("callback amount does not match order total")
)

// EventPublisher emits post-transition events. Failures are logged, never
// propagated: a lost notification must not roll back a reconciliation.
type EventPublisher interface {
	Publish(ctx context.Context, event models.DonationEvent) error
}

// Outcome is the result of reconciling one callback. Replays resolve to the
// original outcome with Duplicate set and no side effects re-applied.
type Outcome struct {
	OrderReference string                `json:"order_reference"`
	Status         models.DonationStatus `json:"status"`
	Amount         float64               `json:"amount"`
	Duplicate      bool                  `json:"duplicate"`
}

// Reconciler matches asynchronous provider confirmations to locally pending
// donations and advances each exactly once.
type Reconciler struct {
	db      *sql.DB
	machine *statemachine.Machine
	events  EventPublisher
	logger  *zap.Logger
}

func NewReconciler(db *sql.DB, machine *statemachine.Machine, events EventPublisher, logger *zap.Logger) *Reconciler {
	return &Reconciler{db: db, machine: machine, events: events, logger: logger}
}

// ClaimCallback inserts the callback into the idempotency ledger. When the
// (provider, external_reference, kind) triple was already recorded it reports
// a duplicate together with the original outcome, and the caller must apply
// no further side effects.
func ClaimCallback(ctx context.Context, tx *sql.Tx, provider, externalReference, kind string, outcome models.DonationStatus, amount float64) (bool, models.DonationStatus, error) {
	var id int
	err := tx.QueryRowContext(ctx,
		"INSERT INTO provider_callbacks (provider, external_reference, event_kind, outcome, amount) VALUES ($1, $2, $3, $4, $5) ON CONFLICT (provider, external_reference, event_kind) DO NOTHING RETURNING id",
		provider, externalReference, kind, outcome, amount,
	).Scan(&id)
	if err == nil {
		return false, "", nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return false, "", fmt.Errorf("failed to record callback: %w", err)
	}

	var prior models.DonationStatus
	err = tx.QueryRowContext(ctx,
		"SELECT outcome FROM provider_callbacks WHERE provider = $1 AND external_reference = $2 AND event_kind = $3",
		provider, externalReference, kind,
	).Scan(&prior)
	if err != nil {
		return false, "", fmt.Errorf("failed to load prior callback outcome: %w", err)
	}
	return true, prior, nil
}

// OrderReferenceFor resolves the order behind an external reference so a
// replayed callback answers with the same body as the original delivery.
// Returns empty when no committed line carries the reference.
func OrderReferenceFor(ctx context.Context, tx *sql.Tx, externalReference string) (string, error) {
	var ref string
	err := tx.QueryRowContext(ctx,
		"SELECT order_reference FROM donations WHERE external_reference = $1 LIMIT 1",
		externalReference,
	).Scan(&ref)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to resolve order reference: %w", err)
	}
	return ref, nil
}

// ReconcilePayment verifies and applies one payment callback: pending lines
// move to paid or failed, failed lines hand their reserved capacity back,
// and the status change plus capacity mutation commit in one transaction.
func (r *Reconciler) ReconcilePayment(ctx context.Context, provider Provider, cb *Callback) (*Outcome, error) {
	if err := provider.VerifyCallback(cb); err != nil {
		return nil, err
	}
	target, err := provider.MapStatus(cb)
	if err != nil {
		return nil, err
	}
	if target != models.DonationStatusPaid && target != models.DonationStatusFailed {
		return nil, fmt.Errorf("payment callback mapped to non-payment status %q", target)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	duplicate, prior, err := ClaimCallback(ctx, tx, provider.Name(), cb.ExternalReference, EventKindPayment, target, cb.Amount)
	if err != nil {
		return nil, err
	}
	if duplicate {
		orderRef, err := OrderReferenceFor(ctx, tx, cb.ExternalReference)
		if err != nil {
			return nil, err
		}
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("failed to commit: %w", err)
		}
		r.logger.Info("Duplicate payment callback ignored",
			zap.String("provider", provider.Name()),
			zap.String("external_reference", cb.ExternalReference),
		)
		middleware.RecordReconciliation(provider.Name(), "duplicate")
		return &Outcome{OrderReference: orderRef, Status: prior, Amount: cb.Amount, Duplicate: true}, nil
	}

	lines, err := lockOrderLines(ctx, tx, cb.ExternalReference)
	if err != nil {
		return nil, err
	}
	if len(lines) == 0 {
		return nil, ErrOrderNotVisible
	}

	var total float64
	for i := range lines {
		total += lines[i].Amount
	}
	if math.Abs(total-cb.Amount) > 0.01 {
		return nil, ErrAmountMismatch
	}

	var publicIDs []string
	for i := range lines {
		d := &lines[i]
		if d.Status != models.DonationStatusPending {
			// Already advanced, nothing to re-apply for this line.
			continue
		}
		if err := r.machine.Transition(ctx, tx, d, target, statemachine.ActorSystem); err != nil {
			return nil, err
		}
		if target == models.DonationStatusFailed && d.ProjectID != nil {
			if err := ledger.Release(ctx, tx, *d.ProjectID, d.Quantity, d.Amount); err != nil {
				return nil, err
			}
		}
		publicIDs = append(publicIDs, d.PublicID)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}

	orderRef := lines[0].OrderReference
	eventType := models.EventPaymentConfirmed
	if target == models.DonationStatusFailed {
		eventType = models.EventPaymentFailed
	}
	if r.events != nil {
		event := models.DonationEvent{
			OrderReference: orderRef,
			DonationIDs:    publicIDs,
			DonorEmail:     lines[0].DonorEmail,
			Amount:         total,
			Currency:       lines[0].Currency,
			Provider:       provider.Name(),
			EventType:      eventType,
		}
		if err := r.events.Publish(ctx, event); err != nil {
			r.logger.Error("Failed to publish reconciliation event", zap.Error(err))
		}
	}

	middleware.RecordReconciliation(provider.Name(), string(target))
	r.logger.Info("Payment reconciled",
		zap.String("provider", provider.Name()),
		zap.String("order_reference", orderRef),
		zap.String("status", string(target)),
	)
	return &Outcome{OrderReference: orderRef, Status: target, Amount: total}, nil
}

func lockOrderLines(ctx context.Context, tx *sql.Tx, externalReference string) ([]models.Donation, error) {
	rows, err := tx.QueryContext(ctx,
		"SELECT id, public_id, order_reference, project_id, line_no, quantity, amount, currency, donor_email, status, provider, external_reference, donated_at, updated_at FROM donations WHERE external_reference = $1 ORDER BY line_no FOR UPDATE",
		externalReference,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to lock order lines: %w", err)
	}
	defer rows.Close()

	var lines []models.Donation
	for rows.Next() {
		var d models.Donation
		if err := rows.Scan(&d.ID, &d.PublicID, &d.OrderReference, &d.ProjectID, &d.LineNo, &d.Quantity, &d.Amount, &d.Currency, &d.DonorEmail, &d.Status, &d.Provider, &d.ExternalReference, &d.DonatedAt, &d.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan donation: %w", err)
		}
		lines = append(lines, d)
	}
	return lines, rows.Err()
}
