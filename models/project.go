package models

import "time"

type ProjectStatus string

const (
	ProjectStatusPlanned   ProjectStatus = "planned"
	ProjectStatusActive    ProjectStatus = "active"
	ProjectStatusCompleted ProjectStatus = "completed"
	ProjectStatusPaused    ProjectStatus = "paused"
)

// Project is a fundable aid project. Unit-based projects sell discrete units at
// UnitPrice up to TargetUnits; aggregate projects accept arbitrary amounts up to
// TargetAmount (nil TargetAmount means open-ended, only the per-order ceiling
// applies). CurrentUnits/CurrentAmount count committed reservations and are
// decremented on refund or payment failure.
type Project struct {
	ID                 int           `json:"id"`
	Name               string        `json:"name"`
	UnitPrice          *float64      `json:"unit_price,omitempty"`
	TargetUnits        *int          `json:"target_units,omitempty"`
	TargetAmount       *float64      `json:"target_amount,omitempty"`
	CurrentUnits       int           `json:"current_units"`
	CurrentAmount      float64       `json:"current_amount"`
	AggregateDonations bool          `json:"aggregate_donations"`
	Status             ProjectStatus `json:"status"`
	CreatedAt          time.Time     `json:"created_at"`
	UpdatedAt          time.Time     `json:"updated_at"`
}

// RemainingUnits reports how many units the project can still accept.
func (p *Project) RemainingUnits() int {
	if p.TargetUnits == nil {
		return 0
	}
	remaining := *p.TargetUnits - p.CurrentUnits
	if remaining < 0 {
		return 0
	}
	return remaining
}

// RemainingAmount reports the monetary capacity left. The second return value
// is false when the project has no amount target (open-ended).
func (p *Project) RemainingAmount() (float64, bool) {
	if p.TargetAmount == nil {
		return 0, false
	}
	remaining := *p.TargetAmount - p.CurrentAmount
	if remaining < 0 {
		remaining = 0
	}
	return remaining, true
}
