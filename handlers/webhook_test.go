package handlers

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"donation-svc/models"
	"donation-svc/payments"
	"donation-svc/refunds"
	"donation-svc/statemachine"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap/zaptest"
)

type stubProofStore struct{}

func (stubProofStore) HasDeliveryProof(ctx context.Context, donationID int) (bool, error) {
	return true, nil
}

func newWebhookRouter(t *testing.T, db *sql.DB, provider payments.Provider) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := zaptest.NewLogger(t)
	machine := statemachine.New(stubProofStore{})
	registry := payments.NewRegistry(provider)
	reconciler := payments.NewReconciler(db, machine, nil, logger)
	refundProcessor := refunds.NewProcessor(db, machine, registry, nil, logger)
	h := NewWebhookHandler(registry, reconciler, refundProcessor, logger)
	router := gin.New()
	router.POST("/webhooks/:provider", h.HandleCallback)
	return router
}

func postCallback(router *gin.Engine, provider string, cb interface{}) *httptest.ResponseRecorder {
	payload, _ := json.Marshal(cb)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/"+provider, bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestHandleCallback_UnknownProvider(t *testing.T) {
	db, _, err := sqlmock.New()
	if err != nil {
		t.Fatalf("Failed to create mock database: %v", err)
	}
	defer db.Close()

	router := newWebhookRouter(t, db, &fakeProvider{name: "card"})
	w := postCallback(router, "paypal", gin.H{
		"external_reference": "pi_123",
		"status":             "succeeded",
		"signature":          "sig",
	})

	if w.Code != http.StatusNotFound {
		t.Fatalf("Expected status 404, got %d: %s", w.Code, w.Body.String())
	}
}

func TestHandleCallback_BadSignatureRejected(t *testing.T) {
	db, _, err := sqlmock.New()
	if err != nil {
		t.Fatalf("Failed to create mock database: %v", err)
	}
	defer db.Close()

	// The real card provider verifies signatures before anything else.
	router := newWebhookRouter(t, db, payments.NewCardProvider(zaptest.NewLogger(t)))
	w := postCallback(router, "card", gin.H{
		"external_reference": "pi_123",
		"status":             "succeeded",
		"amount":             75.0,
		"currency":           "USD",
		"signature":          "forged",
	})

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("Expected status 401, got %d: %s", w.Code, w.Body.String())
	}
}

func TestHandleCallback_RetryWhileOrderUncommitted(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("Failed to create mock database: %v", err)
	}
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO provider_callbacks").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))
	mock.ExpectQuery("SELECT (.+) FROM donations WHERE external_reference").
		WillReturnRows(sqlmock.NewRows(donationTestColumns))
	mock.ExpectRollback()

	router := newWebhookRouter(t, db, &fakeProvider{name: "card", status: models.DonationStatusPaid})
	w := postCallback(router, "card", gin.H{
		"external_reference": "pi_123",
		"status":             "succeeded",
		"amount":             75.0,
		"currency":           "USD",
		"signature":          "sig",
	})

	if w.Code != http.StatusConflict {
		t.Fatalf("Expected status 409, got %d: %s", w.Code, w.Body.String())
	}
}

func TestHandleCallback_ReplayReturnsOriginalOutcome(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("Failed to create mock database: %v", err)
	}
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO provider_callbacks").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery("SELECT outcome FROM provider_callbacks").
		WillReturnRows(sqlmock.NewRows([]string{"outcome"}).AddRow(models.DonationStatusPaid))
	mock.ExpectQuery("SELECT order_reference FROM donations").
		WillReturnRows(sqlmock.NewRows([]string{"order_reference"}).AddRow("ord_1"))
	mock.ExpectCommit()

	router := newWebhookRouter(t, db, &fakeProvider{name: "card", status: models.DonationStatusPaid})
	w := postCallback(router, "card", gin.H{
		"external_reference": "pi_123",
		"status":             "succeeded",
		"amount":             75.0,
		"currency":           "USD",
		"signature":          "sig",
	})

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
	}

	var outcome payments.Outcome
	if err := json.Unmarshal(w.Body.Bytes(), &outcome); err != nil {
		t.Fatalf("Failed to unmarshal response: %v", err)
	}
	if !outcome.Duplicate {
		t.Error("Expected replay to be marked duplicate")
	}
	if outcome.Status != models.DonationStatusPaid {
		t.Errorf("Expected original outcome paid, got %s", outcome.Status)
	}
	if outcome.OrderReference != "ord_1" {
		t.Errorf("Expected replay body to carry the order reference, got %q", outcome.OrderReference)
	}
}
