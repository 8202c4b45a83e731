// Package proofs tracks delivery-proof artifacts. Files themselves live in
// the external file store; this keeps the per-donation pointers the state
// machine consults before allowing completion.
package proofs

import (
	"context"
	"database/sql"
	"fmt"

	"donation-svc/models"
)

type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// HasDeliveryProof reports whether at least one proof artifact is attached.
// It is the precondition for the delivering -> completed transition.
func (s *Store) HasDeliveryProof(ctx context.Context, donationID int) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM delivery_proofs WHERE donation_id = $1",
		donationID,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to count delivery proofs: %w", err)
	}
	return count > 0, nil
}

func (s *Store) Attach(ctx context.Context, donationID int, fileName, fileURL, uploadedBy string) (*models.DeliveryProof, error) {
	var proof models.DeliveryProof
	err := s.db.QueryRowContext(ctx,
		"INSERT INTO delivery_proofs (donation_id, file_name, file_url, uploaded_by) VALUES ($1, $2, $3, $4) RETURNING id, donation_id, file_name, file_url, uploaded_by, uploaded_at",
		donationID, fileName, fileURL, uploadedBy,
	).Scan(&proof.ID, &proof.DonationID, &proof.FileName, &proof.FileURL, &proof.UploadedBy, &proof.UploadedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to attach delivery proof: %w", err)
	}
	return &proof, nil
}

func (s *Store) ListProofFiles(ctx context.Context, donationID int) ([]models.DeliveryProof, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, donation_id, file_name, file_url, uploaded_by, uploaded_at FROM delivery_proofs WHERE donation_id = $1 ORDER BY uploaded_at",
		donationID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list delivery proofs: %w", err)
	}
	defer rows.Close()

	var proofs []models.DeliveryProof
	for rows.Next() {
		var p models.DeliveryProof
		if err := rows.Scan(&p.ID, &p.DonationID, &p.FileName, &p.FileURL, &p.UploadedBy, &p.UploadedAt); err != nil {
			return nil, fmt.Errorf("failed to scan delivery proof: %w", err)
		}
		proofs = append(proofs, p)
	}
	return proofs, rows.Err()
}
