package handlers

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"donation-svc/models"
	"donation-svc/proofs"
	"donation-svc/statemachine"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap/zaptest"
)

func newAdminRouter(t *testing.T, db *sql.DB) (*gin.Engine, *stubPublisher) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	publisher := &stubPublisher{}
	proofStore := proofs.NewStore(db)
	machine := statemachine.New(proofStore)
	h := NewAdminHandler(db, machine, proofStore, publisher, zaptest.NewLogger(t))
	router := gin.New()
	router.POST("/admin/donations/:id/status", h.UpdateStatus)
	router.POST("/admin/donations/status/batch", h.BatchUpdateStatus)
	router.POST("/admin/donations/:id/proofs", h.UploadProof)
	router.GET("/admin/orders/:reference", h.GetOrder)
	return router, publisher
}

func postJSON(router *gin.Engine, path string, body interface{}) *httptest.ResponseRecorder {
	payload, _ := json.Marshal(body)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func donationRow(id int, publicID string, status models.DonationStatus) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows(donationTestColumns).
		AddRow(id, publicID, "ord_1", 1, 1, 1, 25.0, "USD", "donor@example.com", status, "card", "pi_123", now, now)
}

func TestUpdateStatus_PaidToConfirmed(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("Failed to create mock database: %v", err)
	}
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT (.+) FROM donations WHERE public_id = (.+) FOR UPDATE").
		WithArgs("don_aaa").
		WillReturnRows(donationRow(1, "don_aaa", models.DonationStatusPaid))
	mock.ExpectExec("UPDATE donations SET status").
		WithArgs(models.DonationStatusConfirmed, 1, models.DonationStatusPaid).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO status_history").
		WithArgs(1, models.DonationStatusPaid, models.DonationStatusConfirmed, "staff:unknown").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	router, _ := newAdminRouter(t, db)
	w := postJSON(router, "/admin/donations/don_aaa/status", gin.H{"target_status": "confirmed"})

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
	}

	var d models.Donation
	if err := json.Unmarshal(w.Body.Bytes(), &d); err != nil {
		t.Fatalf("Failed to unmarshal response: %v", err)
	}
	if d.Status != models.DonationStatusConfirmed {
		t.Errorf("Expected status confirmed, got %s", d.Status)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Database expectations were not met: %v", err)
	}
}

func TestUpdateStatus_NonStaffTargetRejected(t *testing.T) {
	db, _, err := sqlmock.New()
	if err != nil {
		t.Fatalf("Failed to create mock database: %v", err)
	}
	defer db.Close()

	router, _ := newAdminRouter(t, db)

	// Payment and refund statuses belong to the reconciliation paths.
	for _, target := range []string{"paid", "failed", "refunding", "refunded", "pending"} {
		w := postJSON(router, "/admin/donations/don_aaa/status", gin.H{"target_status": target})
		if w.Code != http.StatusUnprocessableEntity {
			t.Errorf("Expected status 422 for target %q, got %d", target, w.Code)
		}
	}
}

func TestUpdateStatus_IllegalEdge(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("Failed to create mock database: %v", err)
	}
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT (.+) FROM donations WHERE public_id = (.+) FOR UPDATE").
		WithArgs("don_aaa").
		WillReturnRows(donationRow(1, "don_aaa", models.DonationStatusPending))
	mock.ExpectRollback()

	router, _ := newAdminRouter(t, db)
	w := postJSON(router, "/admin/donations/don_aaa/status", gin.H{"target_status": "confirmed"})

	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("Expected status 422, got %d: %s", w.Code, w.Body.String())
	}

	var resp map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to unmarshal response: %v", err)
	}
	if resp["error"] != "illegal_transition" {
		t.Errorf("Expected illegal_transition, got %v", resp["error"])
	}
	if resp["from"] != "pending" || resp["to"] != "confirmed" {
		t.Errorf("Expected from/to in response, got %v", resp)
	}
}

func TestUpdateStatus_CompletionRequiresProof(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("Failed to create mock database: %v", err)
	}
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT (.+) FROM donations WHERE public_id = (.+) FOR UPDATE").
		WithArgs("don_aaa").
		WillReturnRows(donationRow(1, "don_aaa", models.DonationStatusDelivering))
	mock.ExpectQuery("SELECT COUNT(.+) FROM delivery_proofs").
		WithArgs(1).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectRollback()

	router, _ := newAdminRouter(t, db)
	w := postJSON(router, "/admin/donations/don_aaa/status", gin.H{"target_status": "completed"})

	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("Expected status 422, got %d: %s", w.Code, w.Body.String())
	}

	var resp map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to unmarshal response: %v", err)
	}
	if resp["error"] != "delivery_proof_required" {
		t.Errorf("Expected delivery_proof_required, got %v", resp["error"])
	}
}

func TestUpdateStatus_CompletionWithProofEmitsEvent(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("Failed to create mock database: %v", err)
	}
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT (.+) FROM donations WHERE public_id = (.+) FOR UPDATE").
		WithArgs("don_aaa").
		WillReturnRows(donationRow(1, "don_aaa", models.DonationStatusDelivering))
	mock.ExpectQuery("SELECT COUNT(.+) FROM delivery_proofs").
		WithArgs(1).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(2))
	mock.ExpectExec("UPDATE donations SET status").
		WithArgs(models.DonationStatusCompleted, 1, models.DonationStatusDelivering).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO status_history").
		WithArgs(1, models.DonationStatusDelivering, models.DonationStatusCompleted, "staff:unknown").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	router, publisher := newAdminRouter(t, db)
	w := postJSON(router, "/admin/donations/don_aaa/status", gin.H{"target_status": "completed"})

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	if len(publisher.events) != 1 || publisher.events[0].EventType != models.EventDonationCompleted {
		t.Errorf("Expected one donation_completed event, got %+v", publisher.events)
	}
}

func TestBatchUpdateStatus_MixedStatusRejected(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("Failed to create mock database: %v", err)
	}
	defer db.Close()

	now := time.Now()
	rows := sqlmock.NewRows(donationTestColumns).
		AddRow(1, "don_aaa", "ord_1", 1, 1, 1, 25.0, "USD", "donor@example.com", models.DonationStatusPaid, "card", "pi_123", now, now).
		AddRow(2, "don_bbb", "ord_2", 1, 1, 1, 25.0, "USD", "donor@example.com", models.DonationStatusConfirmed, "card", "pi_456", now, now)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT (.+) FROM donations WHERE public_id = ANY").
		WillReturnRows(rows)
	mock.ExpectRollback()

	router, _ := newAdminRouter(t, db)
	w := postJSON(router, "/admin/donations/status/batch", gin.H{
		"donation_ids":  []string{"don_aaa", "don_bbb"},
		"target_status": "confirmed",
	})

	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("Expected status 422, got %d: %s", w.Code, w.Body.String())
	}
}

func TestBatchUpdateStatus_MissingDonation(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("Failed to create mock database: %v", err)
	}
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT (.+) FROM donations WHERE public_id = ANY").
		WillReturnRows(donationRow(1, "don_aaa", models.DonationStatusPaid))
	mock.ExpectRollback()

	router, _ := newAdminRouter(t, db)
	w := postJSON(router, "/admin/donations/status/batch", gin.H{
		"donation_ids":  []string{"don_aaa", "don_missing"},
		"target_status": "confirmed",
	})

	if w.Code != http.StatusNotFound {
		t.Fatalf("Expected status 404, got %d: %s", w.Code, w.Body.String())
	}
}

func TestBatchUpdateStatus_Success(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("Failed to create mock database: %v", err)
	}
	defer db.Close()

	now := time.Now()
	rows := sqlmock.NewRows(donationTestColumns).
		AddRow(1, "don_aaa", "ord_1", 1, 1, 1, 25.0, "USD", "donor@example.com", models.DonationStatusPaid, "card", "pi_123", now, now).
		AddRow(2, "don_bbb", "ord_2", 1, 1, 1, 25.0, "USD", "donor@example.com", models.DonationStatusPaid, "card", "pi_456", now, now)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT (.+) FROM donations WHERE public_id = ANY").
		WillReturnRows(rows)
	for _, id := range []int{1, 2} {
		mock.ExpectExec("UPDATE donations SET status").
			WithArgs(models.DonationStatusConfirmed, id, models.DonationStatusPaid).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("INSERT INTO status_history").
			WithArgs(id, models.DonationStatusPaid, models.DonationStatusConfirmed, "staff:unknown").
			WillReturnResult(sqlmock.NewResult(1, 1))
	}
	mock.ExpectCommit()

	router, _ := newAdminRouter(t, db)
	w := postJSON(router, "/admin/donations/status/batch", gin.H{
		"donation_ids":  []string{"don_aaa", "don_bbb"},
		"target_status": "confirmed",
	})

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
	}

	var donations []models.Donation
	if err := json.Unmarshal(w.Body.Bytes(), &donations); err != nil {
		t.Fatalf("Failed to unmarshal response: %v", err)
	}
	for _, d := range donations {
		if d.Status != models.DonationStatusConfirmed {
			t.Errorf("Expected donation %s confirmed, got %s", d.PublicID, d.Status)
		}
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Database expectations were not met: %v", err)
	}
}

func TestGetOrder_TotalsAndRefundable(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("Failed to create mock database: %v", err)
	}
	defer db.Close()

	now := time.Now()
	rows := sqlmock.NewRows(donationTestColumns).
		AddRow(1, "don_aaa", "ord_1", 1, 1, 1, 50.0, "USD", "donor@example.com", models.DonationStatusPaid, "card", "pi_123", now, now).
		AddRow(2, "don_bbb", "ord_1", nil, 2, 1, 5.0, "USD", "donor@example.com", models.DonationStatusCompleted, "card", "pi_123", now, now)

	mock.ExpectQuery("SELECT (.+) FROM donations WHERE order_reference = ").
		WithArgs("ord_1").
		WillReturnRows(rows)

	router, _ := newAdminRouter(t, db)
	req := httptest.NewRequest(http.MethodGet, "/admin/orders/ord_1", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp struct {
		Total            float64 `json:"total"`
		RefundableAmount float64 `json:"refundable_amount"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to unmarshal response: %v", err)
	}
	if resp.Total != 55.0 {
		t.Errorf("Expected total 55.0, got %.2f", resp.Total)
	}
	// Completed lines are out of the refundable sum.
	if resp.RefundableAmount != 50.0 {
		t.Errorf("Expected refundable 50.0, got %.2f", resp.RefundableAmount)
	}
}
