package payments

import (
	"errors"
	"testing"

	"donation-svc/models"
)

func TestVerifyCallback_Signature(t *testing.T) {
	p := &CardProvider{secret: []byte("test-secret")}

	cb := &Callback{
		ExternalReference: "pi_abc123",
		Status:            "succeeded",
		Amount:            75.0,
		Currency:          "USD",
	}
	cb.Signature = signCallback(p.secret, cb)

	if err := p.VerifyCallback(cb); err != nil {
		t.Fatalf("Expected valid signature to verify, got %v", err)
	}

	// A tampered amount must invalidate the signature.
	cb.Amount = 750.0
	if err := p.VerifyCallback(cb); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("Expected ErrInvalidSignature after tampering, got %v", err)
	}
}

func TestVerifyCallback_WrongSecret(t *testing.T) {
	cb := &Callback{
		ExternalReference: "pi_abc123",
		Status:            "succeeded",
		Amount:            75.0,
		Currency:          "USD",
	}
	cb.Signature = signCallback([]byte("other-secret"), cb)

	p := &CardProvider{secret: []byte("test-secret")}
	if err := p.VerifyCallback(cb); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("Expected ErrInvalidSignature, got %v", err)
	}
}

func TestCallback_KindDefaultsToPayment(t *testing.T) {
	cb := &Callback{Status: "succeeded"}
	if cb.Kind() != EventKindPayment {
		t.Errorf("Expected default kind %q, got %q", EventKindPayment, cb.Kind())
	}
	cb.Event = EventKindRefund
	if cb.Kind() != EventKindRefund {
		t.Errorf("Expected kind %q, got %q", EventKindRefund, cb.Kind())
	}
}

func TestCardProvider_MapStatus(t *testing.T) {
	p := &CardProvider{}
	tests := []struct {
		event   string
		status  string
		want    models.DonationStatus
		wantErr bool
	}{
		{EventKindPayment, "succeeded", models.DonationStatusPaid, false},
		{EventKindPayment, "failed", models.DonationStatusFailed, false},
		{EventKindPayment, "canceled", models.DonationStatusFailed, false},
		{EventKindPayment, "expired", models.DonationStatusFailed, false},
		{EventKindRefund, "refunded", models.DonationStatusRefunded, false},
		{EventKindRefund, "processing", models.DonationStatusRefundProcessing, false},
		{EventKindRefund, "refund_pending", models.DonationStatusRefundProcessing, false},
		{EventKindPayment, "sideways", "", true},
	}

	for _, tt := range tests {
		got, err := p.MapStatus(&Callback{Event: tt.event, Status: tt.status})
		if tt.wantErr {
			if err == nil {
				t.Errorf("MapStatus(%s/%s): expected error", tt.event, tt.status)
			}
			continue
		}
		if err != nil {
			t.Errorf("MapStatus(%s/%s): unexpected error %v", tt.event, tt.status, err)
			continue
		}
		if got != tt.want {
			t.Errorf("MapStatus(%s/%s) = %s, want %s", tt.event, tt.status, got, tt.want)
		}
	}
}

func TestCryptoProvider_MapStatus(t *testing.T) {
	p := &CryptoProvider{}
	tests := []struct {
		event   string
		status  string
		want    models.DonationStatus
		wantErr bool
	}{
		{EventKindPayment, "confirmed", models.DonationStatusPaid, false},
		{EventKindPayment, "expired", models.DonationStatusFailed, false},
		{EventKindPayment, "invalid", models.DonationStatusFailed, false},
		{EventKindPayment, "underpaid", models.DonationStatusFailed, false},
		{EventKindRefund, "refunded", models.DonationStatusRefunded, false},
		{EventKindRefund, "processing", models.DonationStatusRefundProcessing, false},
		{EventKindPayment, "mempool", "", true},
	}

	for _, tt := range tests {
		got, err := p.MapStatus(&Callback{Event: tt.event, Status: tt.status})
		if tt.wantErr {
			if err == nil {
				t.Errorf("MapStatus(%s/%s): expected error", tt.event, tt.status)
			}
			continue
		}
		if err != nil {
			t.Errorf("MapStatus(%s/%s): unexpected error %v", tt.event, tt.status, err)
			continue
		}
		if got != tt.want {
			t.Errorf("MapStatus(%s/%s) = %s, want %s", tt.event, tt.status, got, tt.want)
		}
	}
}

func TestRegistry_Get(t *testing.T) {
	card := &CardProvider{}
	r := NewRegistry(card)

	p, err := r.Get(ProviderCard)
	if err != nil {
		t.Fatalf("Get(card) failed: %v", err)
	}
	if p.Name() != ProviderCard {
		t.Errorf("Expected provider %q, got %q", ProviderCard, p.Name())
	}

	if _, err := r.Get("paypal"); !errors.Is(err, ErrUnknownProvider) {
		t.Fatalf("Expected ErrUnknownProvider, got %v", err)
	}
}
