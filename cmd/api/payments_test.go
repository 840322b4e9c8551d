package main

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/safar/go-storefront/internal/checkout"
	"github.com/safar/go-storefront/internal/config"
	"github.com/safar/go-storefront/internal/payment"
	"github.com/stripe/stripe-go/v72/webhook"
)

const testWebhookSecret = "whsec_test_secret"

func newTestHandlers(t *testing.T) (*paymentHandlers, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	gateway := payment.NewGateway(config.StripeConfig{
		SecretKey:     "sk_test_123",
		WebhookSecret: testWebhookSecret,
	})
	return &paymentHandlers{
		gateway:    gateway,
		builder:    checkout.NewBuilder(db, gateway, "http://localhost:3000"),
		reconciler: checkout.NewReconciler(db, gateway, nil, nil, nil),
	}, mock
}

// signedHeader produces a Stripe-Signature header the verifier accepts.
func signedHeader(payload []byte) string {
	ts := time.Now()
	sig := webhook.ComputeSignature(ts, payload, testWebhookSecret)
	return fmt.Sprintf("t=%d,v1=%s", ts.Unix(), hex.EncodeToString(sig))
}

func TestWebhookRejectsMissingSignature(t *testing.T) {
	h, mock := newTestHandlers(t)

	payload := []byte(`{"id":"evt_1","type":"checkout.session.completed","data":{"object":{}}}`)
	req := httptest.NewRequest(http.MethodPost, "/payment/webhook", strings.NewReader(string(payload)))
	rec := httptest.NewRecorder()

	h.handleWebhook(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("Expected 400, got %d: %s", rec.Code, rec.Body)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Unverified event must not reach the database: %v", err)
	}
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	h, mock := newTestHandlers(t)

	payload := []byte(`{"id":"evt_1","type":"checkout.session.completed","data":{"object":{}}}`)
	req := httptest.NewRequest(http.MethodPost, "/payment/webhook", strings.NewReader(string(payload)))
	req.Header.Set("Stripe-Signature", fmt.Sprintf("t=%d,v1=deadbeef", time.Now().Unix()))
	rec := httptest.NewRecorder()

	h.handleWebhook(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("Expected 400, got %d: %s", rec.Code, rec.Body)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Unverified event must not reach the database: %v", err)
	}
}

func TestWebhookAcceptsSignedUnknownEvent(t *testing.T) {
	h, _ := newTestHandlers(t)

	payload := []byte(`{"id":"evt_1","type":"customer.created","data":{"object":{}}}`)
	req := httptest.NewRequest(http.MethodPost, "/payment/webhook", strings.NewReader(string(payload)))
	req.Header.Set("Stripe-Signature", signedHeader(payload))
	rec := httptest.NewRecorder()

	h.handleWebhook(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body)
	}
	var body map[string]bool
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if !body["received"] {
		t.Errorf("Expected received acknowledgement, got %v", body)
	}
}

func TestWebhookRejectsNonPost(t *testing.T) {
	h, _ := newTestHandlers(t)

	req := httptest.NewRequest(http.MethodGet, "/payment/webhook", nil)
	rec := httptest.NewRecorder()

	h.handleWebhook(rec, req)

	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("Expected 405, got %d", rec.Code)
	}
}

func TestCreateCheckoutSessionUnconfigured(t *testing.T) {
	db, _, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	gateway := payment.NewGateway(config.StripeConfig{})
	h := &paymentHandlers{
		gateway:    gateway,
		builder:    checkout.NewBuilder(db, gateway, "http://localhost:3000"),
		reconciler: checkout.NewReconciler(db, gateway, nil, nil, nil),
	}

	req := httptest.NewRequest(http.MethodPost, "/payment/create-checkout-session",
		strings.NewReader(`{"items":[{"productId":1,"quantity":1}]}`))
	rec := httptest.NewRecorder()

	h.handleCreateCheckoutSession(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("Expected 503, got %d: %s", rec.Code, rec.Body)
	}
}

func TestRetryPaymentRequiresOrderID(t *testing.T) {
	h, _ := newTestHandlers(t)

	req := httptest.NewRequest(http.MethodPost, "/payment/retry-payment", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()

	h.handleRetryPayment(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("Expected 400, got %d: %s", rec.Code, rec.Body)
	}
}

func TestPaymentHealth(t *testing.T) {
	h, _ := newTestHandlers(t)

	req := httptest.NewRequest(http.MethodGet, "/payment/health", nil)
	rec := httptest.NewRecorder()

	h.handleHealth(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	var body map[string]bool
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if !body["gateway_configured"] || !body["webhook_configured"] {
		t.Errorf("Expected configured gateway, got %v", body)
	}
}
