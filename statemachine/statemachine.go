// Package statemachine enforces the donation status lifecycle. Every
// successful transition appends one status_history row in the same
// transaction, so history is always a walk along declared edges.
package statemachine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"donation-svc/models"
)

// Actor identities recorded in status history.
const (
	ActorSystem = "system"
	ActorDonor  = "donor"
)

var (
	ErrDeliveryProofMissing = errors.New("delivery proof required before completion")
	// ErrStatusConflict means the row's status changed under us between read
	// and update; the caller should re-read and retry with fresh state.
	ErrStatusConflict      = errors.New("donation status changed concurrently")
	ErrBatchMixedStatus    = errors.New("batch transition requires a single shared current status")
	ErrBatchFromDelivering = errors.New("batch transition from delivering is not allowed")
)

type IllegalTransitionError struct {
	From models.DonationStatus
	To   models.DonationStatus
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("illegal_transition: %s -> %s", e.From, e.To)
}

// edges is the full set of legal status moves. Anything absent is terminal
// for forward movement.
var edges = map[models.DonationStatus][]models.DonationStatus{
	models.DonationStatusPending:          {models.DonationStatusPaid, models.DonationStatusFailed},
	models.DonationStatusPaid:             {models.DonationStatusConfirmed, models.DonationStatusRefunding},
	models.DonationStatusConfirmed:        {models.DonationStatusDelivering, models.DonationStatusRefunding},
	models.DonationStatusDelivering:       {models.DonationStatusCompleted, models.DonationStatusRefunding},
	models.DonationStatusRefunding:        {models.DonationStatusRefundProcessing, models.DonationStatusRefunded},
	models.DonationStatusRefundProcessing: {models.DonationStatusRefunded},
}

// CanTransition reports whether from -> to is a declared edge.
func CanTransition(from, to models.DonationStatus) bool {
	for _, t := range edges[from] {
		if t == to {
			return true
		}
	}
	return false
}

// ProofStore is the external file-store collaborator consulted before a
// donation may complete.
type ProofStore interface {
	HasDeliveryProof(ctx context.Context, donationID int) (bool, error)
}

type Machine struct {
	proofs ProofStore
}

func New(proofs ProofStore) *Machine {
	return &Machine{proofs: proofs}
}

// Transition moves d to target inside tx, rejecting edges not in the declared
// set without side effects. The update is a compare-and-swap on the current
// status, so a concurrent writer surfaces as ErrStatusConflict rather than a
// silently skipped state.
func (m *Machine) Transition(ctx context.Context, tx *sql.Tx, d *models.Donation, target models.DonationStatus, actor string) error {
	if !CanTransition(d.Status, target) {
		return &IllegalTransitionError{From: d.Status, To: target}
	}

	if target == models.DonationStatusCompleted {
		has, err := m.proofs.HasDeliveryProof(ctx, d.ID)
		if err != nil {
			return fmt.Errorf("failed to check delivery proof: %w", err)
		}
		if !has {
			return ErrDeliveryProofMissing
		}
	}

	res, err := tx.ExecContext(ctx,
		"UPDATE donations SET status = $1, updated_at = CURRENT_TIMESTAMP WHERE id = $2 AND status = $3",
		target, d.ID, d.Status,
	)
	if err != nil {
		return fmt.Errorf("failed to update donation status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if affected == 0 {
		return ErrStatusConflict
	}

	_, err = tx.ExecContext(ctx,
		"INSERT INTO status_history (donation_id, from_status, to_status, actor) VALUES ($1, $2, $3, $4)",
		d.ID, d.Status, target, actor,
	)
	if err != nil {
		return fmt.Errorf("failed to append status history: %w", err)
	}

	d.Status = target
	return nil
}

// BatchTransition applies one shared transition to every donation, or none.
// All donations must share the same current status, and batch moves out of
// delivering are rejected because completion needs per-donation proof. The
// caller owns tx and rolls it back on error.
func (m *Machine) BatchTransition(ctx context.Context, tx *sql.Tx, donations []*models.Donation, target models.DonationStatus, actor string) error {
	if len(donations) == 0 {
		return nil
	}

	current := donations[0].Status
	for _, d := range donations {
		if d.Status != current {
			return ErrBatchMixedStatus
		}
	}
	if current == models.DonationStatusDelivering {
		return ErrBatchFromDelivering
	}
	if !CanTransition(current, target) {
		return &IllegalTransitionError{From: current, To: target}
	}

	for _, d := range donations {
		if err := m.Transition(ctx, tx, d, target, actor); err != nil {
			return err
		}
	}
	return nil
}
