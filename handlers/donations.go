package handlers

import (
	"context"
	"database/sql"

	"donation-svc/models"
	"donation-svc/refunds"
)

const donationColumns = "id, public_id, order_reference, project_id, line_no, quantity, amount, currency, donor_email, status, provider, external_reference, donated_at, updated_at"

func scanDonation(row interface{ Scan(...interface{}) error }, d *models.Donation) error {
	return row.Scan(&d.ID, &d.PublicID, &d.OrderReference, &d.ProjectID, &d.LineNo, &d.Quantity, &d.Amount, &d.Currency, &d.DonorEmail, &d.Status, &d.Provider, &d.ExternalReference, &d.DonatedAt, &d.UpdatedAt)
}

func scanDonations(rows *sql.Rows) ([]models.Donation, error) {
	defer rows.Close()

	var donations []models.Donation
	for rows.Next() {
		var d models.Donation
		if err := scanDonation(rows, &d); err != nil {
			return nil, err
		}
		donations = append(donations, d)
	}
	return donations, rows.Err()
}

func lockDonationByPublicID(ctx context.Context, tx *sql.Tx, publicID string) (*models.Donation, error) {
	var d models.Donation
	row := tx.QueryRowContext(ctx,
		"SELECT "+donationColumns+" FROM donations WHERE public_id = $1 FOR UPDATE",
		publicID,
	)
	if err := scanDonation(row, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

func refundableAmount(lines []models.Donation) float64 {
	return refunds.RefundableAmount(lines)
}
