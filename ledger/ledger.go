// Package ledger tracks per-project funding capacity. All mutations run inside
// the caller's transaction and lock the project row, so two concurrent
// checkouts against the same project can never jointly exceed its target.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"donation-svc/models"
)

// Per-order ceilings, enforced independently of project capacity.
const (
	MaxUnitsPerOrder  = 10
	MaxAmountPerOrder = 10000.0
)

var (
	ErrProjectNotFound  = errors.New("project_not_found")
	ErrProjectNotActive = errors.New("project_not_active")
)

// QuantityExceededError reports that fewer units than requested can be
// granted. Max is the largest satisfiable quantity; the checkout flow offers
// it to the donor instead of failing outright.
type QuantityExceededError struct {
	Requested int
	Max       int
}

func (e *QuantityExceededError) Error() string {
	return fmt.Sprintf("quantity_exceeded: requested %d, max %d", e.Requested, e.Max)
}

// AmountLimitExceededError is the monetary analog for aggregate projects.
type AmountLimitExceededError struct {
	Requested float64
	Max       float64
}

func (e *AmountLimitExceededError) Error() string {
	return fmt.Sprintf("amount_limit_exceeded: requested %.2f, max %.2f", e.Requested, e.Max)
}

// Grant is the outcome of a successful reservation.
type Grant struct {
	Project   *models.Project
	Quantity  int
	Amount    float64
	Remaining float64
}

// Reserve atomically checks and increments the project's capacity counters
// inside tx. For unit projects quantity drives the reservation and Amount is
// quantity * unit price; for aggregate projects amount drives it and Quantity
// is 1. The project row stays locked until tx commits or rolls back.
func Reserve(ctx context.Context, tx *sql.Tx, projectID, quantity int, amount float64) (*Grant, error) {
	p, err := lockProject(ctx, tx, projectID)
	if err != nil {
		return nil, err
	}
	if p.Status != models.ProjectStatusActive {
		return nil, ErrProjectNotActive
	}

	if p.AggregateDonations {
		return reserveAmount(ctx, tx, p, amount)
	}
	return reserveUnits(ctx, tx, p, quantity)
}

func reserveUnits(ctx context.Context, tx *sql.Tx, p *models.Project, quantity int) (*Grant, error) {
	if quantity <= 0 {
		return nil, &QuantityExceededError{Requested: quantity, Max: 0}
	}
	if p.UnitPrice == nil || p.TargetUnits == nil {
		return nil, ErrProjectNotActive
	}

	max := p.RemainingUnits()
	if max > MaxUnitsPerOrder {
		max = MaxUnitsPerOrder
	}
	if quantity > max {
		return nil, &QuantityExceededError{Requested: quantity, Max: max}
	}

	amount := float64(quantity) * *p.UnitPrice
	_, err := tx.ExecContext(ctx,
		"UPDATE projects SET current_units = current_units + $1, current_amount = current_amount + $2, updated_at = CURRENT_TIMESTAMP WHERE id = $3",
		quantity, amount, p.ID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to reserve units: %w", err)
	}

	p.CurrentUnits += quantity
	p.CurrentAmount += amount
	return &Grant{
		Project:   p,
		Quantity:  quantity,
		Amount:    amount,
		Remaining: float64(p.RemainingUnits()),
	}, nil
}

func reserveAmount(ctx context.Context, tx *sql.Tx, p *models.Project, amount float64) (*Grant, error) {
	if amount <= 0 {
		return nil, &AmountLimitExceededError{Requested: amount, Max: 0}
	}

	max := MaxAmountPerOrder
	if remaining, capped := p.RemainingAmount(); capped && remaining < max {
		max = remaining
	}
	if amount > max {
		return nil, &AmountLimitExceededError{Requested: amount, Max: max}
	}

	_, err := tx.ExecContext(ctx,
		"UPDATE projects SET current_amount = current_amount + $1, updated_at = CURRENT_TIMESTAMP WHERE id = $2",
		amount, p.ID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to reserve amount: %w", err)
	}

	p.CurrentAmount += amount
	remaining, _ := p.RemainingAmount()
	return &Grant{
		Project:   p,
		Quantity:  1,
		Amount:    amount,
		Remaining: remaining,
	}, nil
}

// Release returns previously reserved capacity to the project, used when a
// payment fails or a refund is confirmed. Callers guard it with the donation
// status compare-and-swap so each line releases at most once.
func Release(ctx context.Context, tx *sql.Tx, projectID, quantity int, amount float64) error {
	p, err := lockProject(ctx, tx, projectID)
	if err != nil {
		return err
	}

	units := quantity
	if p.AggregateDonations {
		units = 0
	}
	if units > p.CurrentUnits {
		units = p.CurrentUnits
	}
	if amount > p.CurrentAmount {
		amount = p.CurrentAmount
	}

	_, err = tx.ExecContext(ctx,
		"UPDATE projects SET current_units = current_units - $1, current_amount = current_amount - $2, updated_at = CURRENT_TIMESTAMP WHERE id = $3",
		units, amount, p.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to release capacity: %w", err)
	}
	return nil
}

func lockProject(ctx context.Context, tx *sql.Tx, projectID int) (*models.Project, error) {
	var p models.Project
	err := tx.QueryRowContext(ctx,
		"SELECT id, name, unit_price, target_units, target_amount, current_units, current_amount, aggregate_donations, status, created_at, updated_at FROM projects WHERE id = $1 FOR UPDATE",
		projectID,
	).Scan(&p.ID, &p.Name, &p.UnitPrice, &p.TargetUnits, &p.TargetAmount, &p.CurrentUnits, &p.CurrentAmount, &p.AggregateDonations, &p.Status, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrProjectNotFound
		}
		return nil, fmt.Errorf("failed to lock project: %w", err)
	}
	return &p, nil
}
