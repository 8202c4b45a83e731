package models

import "time"

type DonationStatus string

const (
	DonationStatusPending          DonationStatus = "pending"
	DonationStatusPaid             DonationStatus = "paid"
	DonationStatusConfirmed        DonationStatus = "confirmed"
	DonationStatusDelivering       DonationStatus = "delivering"
	DonationStatusCompleted        DonationStatus = "completed"
	DonationStatusRefunding        DonationStatus = "refunding"
	DonationStatusRefundProcessing DonationStatus = "refund_processing"
	DonationStatusRefunded         DonationStatus = "refunded"
	DonationStatusFailed           DonationStatus = "failed"
)

// Donation is one checkout line item. Rows are created once in pending and
// never deleted; only status and updated_at mutate afterwards. A nil ProjectID
// marks a tip pseudo-line that carries no project capacity.
type Donation struct {
	ID                int            `json:"-"`
	PublicID          string         `json:"donation_id"`
	OrderReference    string         `json:"order_reference"`
	ProjectID         *int           `json:"project_id,omitempty"`
	LineNo            int            `json:"line_no"`
	Quantity          int            `json:"quantity"`
	Amount            float64        `json:"amount"`
	Currency          string         `json:"currency"`
	DonorEmail        string         `json:"donor_email"`
	Status            DonationStatus `json:"status"`
	Provider          string         `json:"provider"`
	ExternalReference string         `json:"-"`
	DonatedAt         time.Time      `json:"donated_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
}

// IsTip reports whether the line is the optional tip pseudo-donation.
func (d *Donation) IsTip() bool { return d.ProjectID == nil }

// Order is the logical grouping of all donation lines created by one checkout,
// derived purely from a shared order reference. Lines keep insertion order.
type Order struct {
	Reference  string     `json:"order_reference"`
	DonorEmail string     `json:"donor_email"`
	Currency   string     `json:"currency"`
	Provider   string     `json:"provider"`
	Lines      []Donation `json:"lines"`
}

// Total is the monetary sum of every line in the order.
func (o *Order) Total() float64 {
	var total float64
	for i := range o.Lines {
		total += o.Lines[i].Amount
	}
	return total
}

// StatusHistoryEntry is one append-only audit record of a status transition.
type StatusHistoryEntry struct {
	ID         int            `json:"id"`
	DonationID int            `json:"-"`
	FromStatus DonationStatus `json:"from_status"`
	ToStatus   DonationStatus `json:"to_status"`
	Actor      string         `json:"actor"`
	CreatedAt  time.Time      `json:"created_at"`
}

// DeliveryProof is the stored metadata of one uploaded proof artifact. The
// binary itself lives in the external file store; only the pointer is kept.
type DeliveryProof struct {
	ID         int       `json:"id"`
	DonationID int       `json:"-"`
	FileName   string    `json:"file_name"`
	FileURL    string    `json:"file_url"`
	UploadedBy string    `json:"uploaded_by"`
	UploadedAt time.Time `json:"uploaded_at"`
}

type CheckoutLine struct {
	ProjectID int     `json:"project_id" binding:"required"`
	Quantity  int     `json:"quantity"`
	Amount    float64 `json:"amount"`
}

type CheckoutRequest struct {
	DonorEmail string         `json:"donor_email" binding:"required,email"`
	Currency   string         `json:"currency" binding:"required,len=3"`
	Provider   string         `json:"provider" binding:"required"`
	Lines      []CheckoutLine `json:"lines" binding:"required,min=1,dive"`
	TipAmount  float64        `json:"tip_amount" binding:"omitempty,gt=0"`
}

type CheckoutResponse struct {
	OrderReference    string            `json:"order_reference"`
	ExternalReference string            `json:"external_reference"`
	ProviderPayload   map[string]string `json:"provider_payload"`
	Lines             []Donation        `json:"lines"`
	Total             float64           `json:"total"`
}

type StatusUpdateRequest struct {
	TargetStatus DonationStatus `json:"target_status" binding:"required"`
}

type BatchStatusUpdateRequest struct {
	DonationIDs  []string       `json:"donation_ids" binding:"required,min=1"`
	TargetStatus DonationStatus `json:"target_status" binding:"required"`
}

type RefundRequest struct {
	Email string `json:"email" binding:"required,email"`
}

type ProofUploadRequest struct {
	FileName string `json:"file_name" binding:"required"`
	FileURL  string `json:"file_url" binding:"required,url"`
}
