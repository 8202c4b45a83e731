package models

// Event types published to the donation_events topic after a successful
// status transition. Publishing is fire-and-forget: a failed publish is
// logged and never rolls back the transition that produced it.
const (
	EventDonationCreated   = "donation_created"
	EventPaymentConfirmed  = "payment_confirmed"
	EventPaymentFailed     = "payment_failed"
	EventDonationCompleted = "donation_completed"
	EventRefundCompleted   = "refund_completed"
)

type DonationEvent struct {
	OrderReference string   `json:"order_reference"`
	DonationIDs    []string `json:"donation_ids,omitempty"`
	DonorEmail     string   `json:"donor_email"`
	Amount         float64  `json:"amount"`
	Currency       string   `json:"currency"`
	Provider       string   `json:"provider,omitempty"`
	EventType      string   `json:"event_type"`
}
