// Package payments adapts the external card and crypto payment processors
// behind one polymorphic interface. Callback payloads are never trusted
// before their signature verifies, and reconciliation is idempotent under
// the providers' at-least-once delivery.
package payments

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"donation-svc/models"
)

// Callback event kinds. A provider posts payment confirmations and refund
// confirmations through the same webhook endpoint.
const (
	EventKindPayment = "payment"
	EventKindRefund  = "refund"
)

var (
	ErrInvalidSignature = errors.New("invalid callback signature")
	ErrUnknownProvider  = errors.New("unknown payment provider")
)

// APIError wraps a failed provider call after retries are exhausted. It is
// recoverable: the caller may retry the whole operation.
type APIError struct {
	Provider string
	Err      error
}

func (e *APIError) Error() string { return fmt.Sprintf("api_error: %s: %v", e.Provider, e.Err) }
func (e *APIError) Unwrap() error { return e.Err }

// BelowMinimumError rejects a crypto charge smaller than the provider's
// minimum payable amount for the currency, before any capacity is reserved.
type BelowMinimumError struct {
	Currency string
	Minimum  float64
}

func (e *BelowMinimumError) Error() string {
	return fmt.Sprintf("amount below provider minimum of %.2f %s", e.Minimum, e.Currency)
}

// Intent is the provider-side payment created for one order. Payload is
// opaque material for the provider's checkout widget.
type Intent struct {
	ExternalReference string            `json:"external_reference"`
	Payload           map[string]string `json:"payload"`
}

// Callback is the asynchronous confirmation a provider posts to our webhook.
// Exact provider wire shapes are normalized to this by the route.
type Callback struct {
	ExternalReference string  `json:"external_reference" binding:"required"`
	Event             string  `json:"event"`
	Status            string  `json:"status" binding:"required"`
	Amount            float64 `json:"amount"`
	Currency          string  `json:"currency"`
	Signature         string  `json:"signature" binding:"required"`
}

// Kind returns the callback's event kind, defaulting to payment for
// providers that omit the field.
func (cb *Callback) Kind() string {
	if cb.Event == EventKindRefund {
		return EventKindRefund
	}
	return EventKindPayment
}

// Provider is the adapter contract shared by the card and crypto variants.
type Provider interface {
	Name() string
	// CreateIntent registers the order with the provider and returns the
	// external reference later echoed back in callbacks.
	CreateIntent(ctx context.Context, order *models.Order) (*Intent, error)
	// VerifyCallback authenticates the payload before any field is trusted.
	VerifyCallback(cb *Callback) error
	// MapStatus maps the provider's status vocabulary onto the internal
	// state machine; it never invents states outside it.
	MapStatus(cb *Callback) (models.DonationStatus, error)
	// MinimumAmount is the smallest chargeable amount for a currency;
	// zero means the provider imposes no minimum.
	MinimumAmount(ctx context.Context, currency string) (float64, error)
	InitiateRefund(ctx context.Context, externalReference string, amount float64, currency string) error
}

// Registry selects a provider by name, keeping dispatch out of the business
// logic.
type Registry struct {
	providers map[string]Provider
}

func NewRegistry(providers ...Provider) *Registry {
	r := &Registry{providers: make(map[string]Provider)}
	for _, p := range providers {
		r.providers[p.Name()] = p
	}
	return r
}

func (r *Registry) Get(name string) (Provider, error) {
	p, ok := r.providers[name]
	if !ok {
		return nil, ErrUnknownProvider
	}
	return p, nil
}

// signCallback computes the HMAC-SHA256 signature both providers use over
// the callback's canonical fields.
func signCallback(secret []byte, cb *Callback) string {
	mac := hmac.New(sha256.New, secret)
	fmt.Fprintf(mac, "%s|%s|%s|%.2f|%s", cb.ExternalReference, cb.Kind(), cb.Status, cb.Amount, cb.Currency)
	return hex.EncodeToString(mac.Sum(nil))
}

func verifySignature(secret []byte, cb *Callback) error {
	expected := signCallback(secret, cb)
	if !hmac.Equal([]byte(expected), []byte(cb.Signature)) {
		return ErrInvalidSignature
	}
	return nil
}

func postJSON(ctx context.Context, client *http.Client, url string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("provider returned %d: %s", resp.StatusCode, string(data))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func getJSON(ctx context.Context, client *http.Client, url string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("provider returned %d: %s", resp.StatusCode, string(data))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
