package main

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"

	"github.com/safar/go-storefront/internal/checkout"
	"github.com/safar/go-storefront/internal/database"
	"github.com/safar/go-storefront/internal/models"
	"github.com/safar/go-storefront/internal/payment"
	"github.com/shopspring/decimal"
)

// Stripe truncates webhook bodies it sends well below this; anything larger
// is not a legitimate event.
const maxWebhookBody = 65536

type paymentHandlers struct {
	gateway    *payment.Gateway
	builder    *checkout.Builder
	reconciler *checkout.Reconciler
}

type checkoutSessionRequest struct {
	OrderID int64 `json:"orderId"`
	Items   []struct {
		ProductID int64 `json:"productId"`
		Quantity  int   `json:"quantity"`
	} `json:"items"`
	OrderData *struct {
		UserID          *int64          `json:"userId"`
		GuestEmail      string          `json:"guestEmail"`
		ShippingAddress *models.Address `json:"shippingAddress"`
		DiscountAmount  float64         `json:"discountAmount"`
	} `json:"orderData"`
	SelectedShippingRate *struct {
		RateID  string  `json:"rateId"`
		Carrier string  `json:"carrier"`
		Service string  `json:"serviceName"`
		Amount  float64 `json:"amount"`
	} `json:"selectedShippingRate"`
	SuccessURL string `json:"successUrl"`
	CancelURL  string `json:"cancelUrl"`
}

func (h *paymentHandlers) handleCreateCheckoutSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if !h.gateway.Configured() {
		respondError(w, http.StatusServiceUnavailable, "Stripe not configured")
		return
	}

	var req checkoutSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	sessionReq := checkout.SessionRequest{
		OrderID:    req.OrderID,
		SuccessURL: req.SuccessURL,
		CancelURL:  req.CancelURL,
	}

	if req.OrderID == 0 {
		intent := &checkout.Intent{}
		for _, item := range req.Items {
			intent.Lines = append(intent.Lines, checkout.CartLine{
				ProductID: item.ProductID,
				Quantity:  item.Quantity,
			})
		}
		if req.OrderData != nil {
			intent.UserID = req.OrderData.UserID
			intent.GuestEmail = req.OrderData.GuestEmail
			intent.Address = req.OrderData.ShippingAddress
			intent.Discount = decimal.NewFromFloat(req.OrderData.DiscountAmount)
		}
		if req.SelectedShippingRate != nil {
			intent.Rate = &checkout.RateChoice{
				RateID:  req.SelectedShippingRate.RateID,
				Carrier: req.SelectedShippingRate.Carrier,
				Service: req.SelectedShippingRate.Service,
				Amount:  decimal.NewFromFloat(req.SelectedShippingRate.Amount),
			}
		}
		sessionReq.Intent = intent
	}

	h.createSession(w, r, sessionReq)
}

func (h *paymentHandlers) handleRetryPayment(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if !h.gateway.Configured() {
		respondError(w, http.StatusServiceUnavailable, "Stripe not configured")
		return
	}

	var req struct {
		OrderID    int64  `json:"orderId"`
		SuccessURL string `json:"successUrl"`
		CancelURL  string `json:"cancelUrl"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.OrderID == 0 {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	h.createSession(w, r, checkout.SessionRequest{
		OrderID:    req.OrderID,
		SuccessURL: req.SuccessURL,
		CancelURL:  req.CancelURL,
	})
}

func (h *paymentHandlers) createSession(w http.ResponseWriter, r *http.Request, req checkout.SessionRequest) {
	url, err := h.builder.BuildSession(r.Context(), req)
	if err != nil {
		var retryErr *checkout.RetryStateError
		switch {
		case errors.As(err, &retryErr):
			respondError(w, http.StatusBadRequest, retryErr.Error())
		case errors.Is(err, database.ErrOrderNotFound):
			respondError(w, http.StatusNotFound, "Order not found")
		case errors.Is(err, database.ErrProductNotFound):
			respondError(w, http.StatusNotFound, "Product not found")
		case errors.Is(err, database.ErrInsufficientStock):
			respondError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, checkout.ErrMetadataTooLarge):
			respondError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, checkout.ErrInvalidSessionRequest):
			respondError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, payment.ErrNotConfigured):
			respondError(w, http.StatusServiceUnavailable, "Stripe not configured")
		default:
			log.Printf("Create checkout session: %v", err)
			respondError(w, http.StatusInternalServerError, "Failed to create checkout session")
		}
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{"url": url})
}

// handleWebhook is the security boundary for payment events: the raw body is
// verified against the shared secret before any business logic runs.
func (h *paymentHandlers) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		respondError(w, http.StatusBadRequest, "Unable to read request body")
		return
	}

	event, err := h.gateway.VerifyWebhook(payload, r.Header.Get("Stripe-Signature"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "Webhook signature verification failed")
		return
	}

	if err := h.reconciler.HandleEvent(r.Context(), event); err != nil {
		switch {
		case errors.Is(err, database.ErrOrderNotFound):
			respondError(w, http.StatusNotFound, "Order not found")
		case errors.Is(err, checkout.ErrBadEventPayload):
			respondError(w, http.StatusBadRequest, err.Error())
		default:
			// 500 lets the gateway redeliver; the reconciler's idempotency
			// guards make the retry safe.
			log.Printf("Webhook %s (%s): %v", event.ID, event.Type, err)
			respondError(w, http.StatusInternalServerError, "Webhook processing failed")
		}
		return
	}

	respondJSON(w, http.StatusOK, map[string]bool{"received": true})
}

func (h *paymentHandlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]bool{
		"gateway_configured": h.gateway.Configured(),
		"webhook_configured": h.gateway.WebhookConfigured(),
	})
}
