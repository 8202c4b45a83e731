// Package refunds computes refund eligibility across the lines of an order
// and drives the refunding branch of the donation lifecycle.
package refunds

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"donation-svc/ledger"
	"donation-svc/middleware"
	"donation-svc/models"
	"donation-svc/payments"
	"donation-svc/statemachine"

	"go.uber.org/zap"
)

var (
	// ErrOrderNotFound is returned both for unknown references and for
	// requester emails that do not match the order, so the endpoint cannot
	// be used to enumerate orders.
	ErrOrderNotFound = errors.New("order not found")
	// ErrCannotRefundCompleted rejects refunds of fully delivered aid. It is
	// a business-rule outcome, not a system error.
	ErrCannotRefundCompleted = errors.New("cannot_refund_completed")
	ErrNothingRefundable     = errors.New("order has no refundable donations")
)

// Eligible returns the donations of an order whose value has not been fully
// delivered: status paid, confirmed or delivering. Completed lines are
// excluded, as are lines already on the refund branch.
func Eligible(lines []models.Donation) []models.Donation {
	var eligible []models.Donation
	for _, d := range lines {
		switch d.Status {
		case models.DonationStatusPaid, models.DonationStatusConfirmed, models.DonationStatusDelivering:
			eligible = append(eligible, d)
		}
	}
	return eligible
}

// RefundableAmount sums only the eligible subset, never the order total.
func RefundableAmount(lines []models.Donation) float64 {
	var total float64
	for _, d := range Eligible(lines) {
		total += d.Amount
	}
	return total
}

// Intent describes a refund reserved with the provider.
type Intent struct {
	OrderReference string            `json:"order_reference"`
	Amount         float64           `json:"amount"`
	Currency       string            `json:"currency"`
	Lines          []models.Donation `json:"lines"`
}

type Processor struct {
	db       *sql.DB
	machine  *statemachine.Machine
	registry *payments.Registry
	events   payments.EventPublisher
	logger   *zap.Logger
}

func NewProcessor(db *sql.DB, machine *statemachine.Machine, registry *payments.Registry, events payments.EventPublisher, logger *zap.Logger) *Processor {
	return &Processor{db: db, machine: machine, registry: registry, events: events, logger: logger}
}

// InitiateRefund moves every eligible line of the order to refunding and
// reserves the refund with the payment provider. If the provider call fails,
// the lines are rolled back to their pre-refund status; the persisted status
// is the source of truth any optimistic client state must re-read.
func (p *Processor) InitiateRefund(ctx context.Context, orderReference, requesterEmail string) (*Intent, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	lines, err := lockLinesByOrder(ctx, tx, orderReference)
	if err != nil {
		return nil, err
	}
	if len(lines) == 0 || lines[0].DonorEmail != requesterEmail {
		return nil, ErrOrderNotFound
	}

	eligible := Eligible(lines)
	if len(eligible) == 0 {
		for _, d := range lines {
			if d.Status == models.DonationStatusCompleted {
				return nil, ErrCannotRefundCompleted
			}
		}
		return nil, ErrNothingRefundable
	}

	prior := make(map[int]models.DonationStatus, len(eligible))
	var amount float64
	for i := range eligible {
		d := &eligible[i]
		prior[d.ID] = d.Status
		amount += d.Amount
		if err := p.machine.Transition(ctx, tx, d, models.DonationStatusRefunding, statemachine.ActorDonor); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}

	provider, err := p.registry.Get(lines[0].Provider)
	if err != nil {
		p.rollbackRefunding(ctx, prior)
		return nil, err
	}
	if err := provider.InitiateRefund(ctx, lines[0].ExternalReference, amount, lines[0].Currency); err != nil {
		p.rollbackRefunding(ctx, prior)
		return nil, err
	}

	middleware.RecordRefund("initiated")
	p.logger.Info("Refund initiated",
		zap.String("order_reference", orderReference),
		zap.Float64("amount", amount),
		zap.Int("lines", len(eligible)),
	)
	return &Intent{
		OrderReference: orderReference,
		Amount:         amount,
		Currency:       lines[0].Currency,
		Lines:          eligible,
	}, nil
}

// rollbackRefunding restores lines to their pre-refund status after a failed
// provider call. There is no declared edge back out of refunding, so this is
// a compensating write recorded in history under the system actor.
func (p *Processor) rollbackRefunding(ctx context.Context, prior map[int]models.DonationStatus) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		p.logger.Error("Failed to begin refund rollback", zap.Error(err))
		return
	}
	defer tx.Rollback()

	for id, status := range prior {
		res, err := tx.ExecContext(ctx,
			"UPDATE donations SET status = $1, updated_at = CURRENT_TIMESTAMP WHERE id = $2 AND status = $3",
			status, id, models.DonationStatusRefunding,
		)
		if err != nil {
			p.logger.Error("Failed to roll back donation", zap.Int("donation_id", id), zap.Error(err))
			return
		}
		if n, _ := res.RowsAffected(); n == 0 {
			continue
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO status_history (donation_id, from_status, to_status, actor) VALUES ($1, $2, $3, $4)",
			id, models.DonationStatusRefunding, status, statemachine.ActorSystem,
		); err != nil {
			p.logger.Error("Failed to record rollback history", zap.Int("donation_id", id), zap.Error(err))
			return
		}
	}

	if err := tx.Commit(); err != nil {
		p.logger.Error("Failed to commit refund rollback", zap.Error(err))
	}
	middleware.RecordRefund("rolled_back")
}

// ConfirmRefund applies a provider refund callback under the same idempotent
// discipline as payment reconciliation. Capacity is handed back exactly once
// per line: the status compare-and-swap inside Transition gates the release.
func (p *Processor) ConfirmRefund(ctx context.Context, provider payments.Provider, cb *payments.Callback) (*payments.Outcome, error) {
	if err := provider.VerifyCallback(cb); err != nil {
		return nil, err
	}
	target, err := provider.MapStatus(cb)
	if err != nil {
		return nil, err
	}
	if target != models.DonationStatusRefunded && target != models.DonationStatusRefundProcessing {
		return nil, fmt.Errorf("refund callback mapped to non-refund status %q", target)
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// The processing and final confirmations are distinct callbacks, so the
	// target status is part of the idempotency key.
	kind := payments.EventKindRefund + ":" + string(target)
	duplicate, priorOutcome, err := payments.ClaimCallback(ctx, tx, provider.Name(), cb.ExternalReference, kind, target, cb.Amount)
	if err != nil {
		return nil, err
	}
	if duplicate {
		orderRef, err := payments.OrderReferenceFor(ctx, tx, cb.ExternalReference)
		if err != nil {
			return nil, err
		}
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("failed to commit: %w", err)
		}
		p.logger.Info("Duplicate refund callback ignored",
			zap.String("provider", provider.Name()),
			zap.String("external_reference", cb.ExternalReference),
		)
		return &payments.Outcome{OrderReference: orderRef, Status: priorOutcome, Amount: cb.Amount, Duplicate: true}, nil
	}

	lines, err := lockLinesByExternalRef(ctx, tx, cb.ExternalReference)
	if err != nil {
		return nil, err
	}
	if len(lines) == 0 {
		return nil, payments.ErrOrderNotVisible
	}

	var publicIDs []string
	var refunded float64
	for i := range lines {
		d := &lines[i]
		if !statemachine.CanTransition(d.Status, target) {
			// Completed and still-pending lines are untouched by refund
			// confirmations.
			continue
		}
		if err := p.machine.Transition(ctx, tx, d, target, statemachine.ActorSystem); err != nil {
			return nil, err
		}
		if target == models.DonationStatusRefunded {
			if d.ProjectID != nil {
				if err := ledger.Release(ctx, tx, *d.ProjectID, d.Quantity, d.Amount); err != nil {
					return nil, err
				}
			}
			refunded += d.Amount
		}
		publicIDs = append(publicIDs, d.PublicID)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}

	orderRef := lines[0].OrderReference
	if target == models.DonationStatusRefunded && p.events != nil {
		event := models.DonationEvent{
			OrderReference: orderRef,
			DonationIDs:    publicIDs,
			DonorEmail:     lines[0].DonorEmail,
			Amount:         refunded,
			Currency:       lines[0].Currency,
			Provider:       provider.Name(),
			EventType:      models.EventRefundCompleted,
		}
		if err := p.events.Publish(ctx, event); err != nil {
			p.logger.Error("Failed to publish refund event", zap.Error(err))
		}
	}

	middleware.RecordRefund(string(target))
	p.logger.Info("Refund callback applied",
		zap.String("provider", provider.Name()),
		zap.String("order_reference", orderRef),
		zap.String("status", string(target)),
	)
	return &payments.Outcome{OrderReference: orderRef, Status: target, Amount: refunded}, nil
}

const lineColumns = "id, public_id, order_reference, project_id, line_no, quantity, amount, currency, donor_email, status, provider, external_reference, donated_at, updated_at"

func lockLinesByOrder(ctx context.Context, tx *sql.Tx, orderReference string) ([]models.Donation, error) {
	return lockLines(ctx, tx,
		"SELECT "+lineColumns+" FROM donations WHERE order_reference = $1 ORDER BY line_no FOR UPDATE",
		orderReference)
}

func lockLinesByExternalRef(ctx context.Context, tx *sql.Tx, externalReference string) ([]models.Donation, error) {
	return lockLines(ctx, tx,
		"SELECT "+lineColumns+" FROM donations WHERE external_reference = $1 ORDER BY line_no FOR UPDATE",
		externalReference)
}

func lockLines(ctx context.Context, tx *sql.Tx, query, arg string) ([]models.Donation, error) {
	rows, err := tx.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("failed to lock donations: %w", err)
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
