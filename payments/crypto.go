package payments

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"donation-svc/cache"
	"donation-svc/circuitbreaker"
	"donation-svc/models"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const ProviderCrypto = "crypto"

const minimumAmountTTL = 10 * time.Minute

// CryptoProvider talks to the cryptocurrency processor. It differs from the
// card variant in one business rule: each currency has a minimum payable
// amount that must be checked before any capacity is reserved.
type CryptoProvider struct {
	baseURL string
	secret  []byte
	client  *http.Client
	breaker *circuitbreaker.CircuitBreaker
	rdb     *redis.Client
	logger  *zap.Logger
}

func NewCryptoProvider(rdb *redis.Client, logger *zap.Logger) *CryptoProvider {
	return &CryptoProvider{
		baseURL: getEnv("CRYPTO_PROVIDER_URL", "http://localhost:9092"),
		secret:  []byte(getEnv("CRYPTO_PROVIDER_SECRET", "crypto-webhook-secret")),
		client:  &http.Client{Timeout: 10 * time.Second},
		breaker: circuitbreaker.NewCircuitBreaker(5, 30*time.Second),
		rdb:     rdb,
		logger:  logger,
	}
}

func (p *CryptoProvider) Name() string { return ProviderCrypto }

func (p *CryptoProvider) CreateIntent(ctx context.Context, order *models.Order) (*Intent, error) {
	reqBody := map[string]interface{}{
		"order_reference": order.Reference,
		"amount":          order.Total(),
		"currency":        order.Currency,
	}

	var resp struct {
		ExternalReference string `json:"external_reference"`
		PaymentAddress    string `json:"payment_address"`
		PaymentURI        string `json:"payment_uri"`
	}
	err := p.breaker.ExecuteWithRetry(ctx, 3, 500*time.Millisecond, func() error {
		return postJSON(ctx, p.client, p.baseURL+"/v1/charges", reqBody, &resp)
	})
	if err != nil {
		p.logger.Error("Crypto charge creation failed", zap.String("order_reference", order.Reference), zap.Error(err))
		return nil, &APIError{Provider: ProviderCrypto, Err: err}
	}

	return &Intent{
		ExternalReference: resp.ExternalReference,
		Payload: map[string]string{
			"payment_address": resp.PaymentAddress,
			"payment_uri":     resp.PaymentURI,
		},
	}, nil
}

func (p *CryptoProvider) VerifyCallback(cb *Callback) error {
	return verifySignature(p.secret, cb)
}

func (p *CryptoProvider) MapStatus(cb *Callback) (models.DonationStatus, error) {
	switch cb.Kind() {
	case EventKindPayment:
		switch cb.Status {
		case "confirmed":
			return models.DonationStatusPaid, nil
		case "expired", "invalid", "underpaid":
			return models.DonationStatusFailed, nil
		}
	case EventKindRefund:
		switch cb.Status {
		case "refunded":
			return models.DonationStatusRefunded, nil
		case "processing":
			return models.DonationStatusRefundProcessing, nil
		}
	}
	return "", fmt.Errorf("unmapped crypto status %q for event %q", cb.Status, cb.Kind())
}

// MinimumAmount fetches the provider's minimum payable amount for the
// currency, cached in Redis so checkout validation stays off the provider's
// hot path. A cache miss falls through to the provider with the usual
// breaker/retry bounds.
func (p *CryptoProvider) MinimumAmount(ctx context.Context, currency string) (float64, error) {
	if cached, err := cache.GetMinimumAmount(ctx, p.rdb, ProviderCrypto, currency); err == nil {
		return cached, nil
	}

	var resp struct {
		Currency string  `json:"currency"`
		Minimum  float64 `json:"minimum"`
	}
	err := p.breaker.ExecuteWithRetry(ctx, 3, 500*time.Millisecond, func() error {
		return getJSON(ctx, p.client, p.baseURL+"/v1/minimums/"+url.PathEscape(currency), &resp)
	})
	if err != nil {
		p.logger.Error("Crypto minimum lookup failed", zap.String("currency", currency), zap.Error(err))
		return 0, &APIError{Provider: ProviderCrypto, Err: err}
	}

	if cacheErr := cache.SetMinimumAmount(ctx, p.rdb, ProviderCrypto, currency, resp.Minimum, minimumAmountTTL); cacheErr != nil {
		p.logger.Warn("Failed to cache provider minimum", zap.Error(cacheErr))
	}
	return resp.Minimum, nil
}

func (p *CryptoProvider) InitiateRefund(ctx context.Context, externalReference string, amount float64, currency string) error {
	reqBody := map[string]interface{}{
		"external_reference": externalReference,
		"amount":             amount,
		"currency":           currency,
	}
	err := p.breaker.ExecuteWithRetry(ctx, 3, 500*time.Millisecond, func() error {
		return postJSON(ctx, p.client, p.baseURL+"/v1/refunds", reqBody, nil)
	})
	if err != nil {
		p.logger.Error("Crypto refund initiation failed", zap.String("external_reference", externalReference), zap.Error(err))
		return &APIError{Provider: ProviderCrypto, Err: err}
	}
	return nil
}
