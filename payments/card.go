package payments

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"donation-svc/circuitbreaker"
	"donation-svc/models"

	"go.uber.org/zap"
)

const ProviderCard = "card"

// CardProvider talks to the hosted card processor. All outbound calls run
// behind a circuit breaker with bounded retries and a request timeout, so a
// degraded processor surfaces as api_error instead of a hung checkout.
type CardProvider struct {
	baseURL string
	secret  []byte
	client  *http.Client
	breaker *circuitbreaker.CircuitBreaker
	logger  *zap.Logger
}

func NewCardProvider(logger *zap.Logger) *CardProvider {
	return &CardProvider{
		baseURL: getEnv("CARD_PROVIDER_URL", "http://localhost:9091"),
		secret:  []byte(getEnv("CARD_PROVIDER_SECRET", "card-webhook-secret")),
		client:  &http.Client{Timeout: 10 * time.Second},
		breaker: circuitbreaker.NewCircuitBreaker(5, 30*time.Second),
		logger:  logger,
	}
}

func (p *CardProvider) Name() string { return ProviderCard }

func (p *CardProvider) CreateIntent(ctx context.Context, order *models.Order) (*Intent, error) {
	reqBody := map[string]interface{}{
		"order_reference": order.Reference,
		"amount":          order.Total(),
		"currency":        order.Currency,
		"description":     fmt.Sprintf("donation order %s", order.Reference),
	}

	var resp struct {
		ExternalReference string `json:"external_reference"`
		CheckoutToken     string `json:"checkout_token"`
	}
	err := p.breaker.ExecuteWithRetry(ctx, 3, 500*time.Millisecond, func() error {
		return postJSON(ctx, p.client, p.baseURL+"/v1/intents", reqBody, &resp)
	})
	if err != nil {
		p.logger.Error("Card intent creation failed", zap.String("order_reference", order.Reference), zap.Error(err))
		return nil, &APIError{Provider: ProviderCard, Err: err}
	}

	return &Intent{
		ExternalReference: resp.ExternalReference,
		Payload:           map[string]string{"checkout_token": resp.CheckoutToken},
	}, nil
}

func (p *CardProvider) VerifyCallback(cb *Callback) error {
	return verifySignature(p.secret, cb)
}

func (p *CardProvider) MapStatus(cb *Callback) (models.DonationStatus, error) {
	switch cb.Kind() {
	case EventKindPayment:
		switch cb.Status {
		case "succeeded":
			return models.DonationStatusPaid, nil
		case "failed", "canceled", "expired":
			return models.DonationStatusFailed, nil
		}
	case EventKindRefund:
		switch cb.Status {
		case "refunded":
			return models.DonationStatusRefunded, nil
		case "processing", "refund_pending":
			return models.DonationStatusRefundProcessing, nil
		}
	}
	return "", fmt.Errorf("unmapped card status %q for event %q", cb.Status, cb.Kind())
}

// Card charges have no provider-side minimum.
func (p *CardProvider) MinimumAmount(ctx context.Context, currency string) (float64, error) {
	return 0, nil
}

func (p *CardProvider) InitiateRefund(ctx context.Context, externalReference string, amount float64, currency string) error {
	reqBody := map[string]interface{}{
		"external_reference": externalReference,
		"amount":             amount,
		"currency":           currency,
	}
	err := p.breaker.ExecuteWithRetry(ctx, 3, 500*time.Millisecond, func() error {
		return postJSON(ctx, p.client, p.baseURL+"/v1/refunds", reqBody, nil)
	})
	if err != nil {
		p.logger.Error("Card refund initiation failed", zap.String("external_reference", externalReference), zap.Error(err))
		return &APIError{Provider: ProviderCard, Err: err}
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
