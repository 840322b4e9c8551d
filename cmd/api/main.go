package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/safar/go-storefront/internal/checkout"
	"github.com/safar/go-storefront/internal/config"
	"github.com/safar/go-storefront/internal/database"
	"github.com/safar/go-storefront/internal/models"
	"github.com/safar/go-storefront/internal/notify"
	"github.com/safar/go-storefront/internal/payment"
	"github.com/safar/go-storefront/internal/shipping"
	"github.com/safar/go-storefront/internal/store"
	"github.com/shopspring/decimal"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Load config: %v", err)
	}

	db, err := database.NewConnection(&cfg.Database)
	if err != nil {
		log.Fatalf("Connect to database: %v", err)
	}
	defer db.Close()

	log.Printf("Connected to database successfully")

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	gateway := payment.NewGateway(cfg.Stripe)
	if !gateway.Configured() {
		log.Printf("Warning: Stripe not configured, payment endpoints degraded to 503")
	}

	var shippingClient checkout.ShippingClient
	if shippo := shipping.NewShippo(cfg.Shipping); shippo.Configured() {
		shippingClient = shippo
	} else {
		log.Printf("Warning: Shippo not configured, label purchase disabled")
	}

	var notifier checkout.Notifier
	if mailer := notify.NewSendGrid(cfg.Notify); mailer.Configured() {
		notifier = sendGridNotifier{mailer}
	} else {
		log.Printf("Warning: SendGrid not configured, confirmation email disabled")
	}

	builder := checkout.NewBuilder(db, gateway, cfg.Server.FrontendURL)
	reconciler := checkout.NewReconciler(db, gateway, shippingClient, notifier, logger)

	payments := &paymentHandlers{
		gateway:    gateway,
		builder:    builder,
		reconciler: reconciler,
	}

	mux := http.NewServeMux()

	mux.HandleFunc("/users", handleUsers(db))
	mux.HandleFunc("/users/", handleUserByID(db))
	mux.HandleFunc("/products", handleProducts(db))
	mux.HandleFunc("/products/", handleProductByID(db))
	mux.HandleFunc("/orders", handleOrders(db))
	mux.HandleFunc("/orders/", handleOrderByID(db))
	mux.HandleFunc("/payment/create-checkout-session", payments.handleCreateCheckoutSession)
	mux.HandleFunc("/payment/retry-payment", payments.handleRetryPayment)
	mux.HandleFunc("/payment/webhook", payments.handleWebhook)
	mux.HandleFunc("/payment/health", payments.handleHealth)

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      mux,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	log.Printf("Server starting on port %s", cfg.Server.Port)
	if err := server.ListenAndServe(); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}

// sendGridNotifier adapts the SendGrid mailer to the reconciler interface.
type sendGridNotifier struct {
	mailer *notify.SendGrid
}

func (n sendGridNotifier) SendOrderConfirmation(ctx context.Context, to string, order *models.Order) error {
	return n.mailer.SendOrderConfirmation(ctx, to, order)
}

func handleUsers(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		switch r.Method {
		case http.MethodPost:
			var req struct {
				Email string `json:"email"`
				Name  string `json:"name"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				respondError(w, http.StatusBadRequest, "Invalid request body")
				return
			}

			user, err := store.CreateUser(ctx, db, req.Email, req.Name)
			if err != nil {
				respondError(w, http.StatusInternalServerError, err.Error())
				return
			}

			respondJSON(w, http.StatusCreated, user)

		case http.MethodGet:
			page, pageSize := pageParams(r)

			result, err := store.ListUsers(ctx, db, page, pageSize)
			if err != nil {
				respondError(w, http.StatusInternalServerError, err.Error())
				return
			}

			respondJSON(w, http.StatusOK, result)

		default:
			respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		}
	}
}

func handleUserByID(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		idStr := r.URL.Path[len("/users/"):]
		id, err := strconv.ParseInt(idStr, 10, 64)
		if err != nil {
			respondError(w, http.StatusBadRequest, "Invalid user ID")
			return
		}

		user, err := store.GetUser(ctx, db, id)
		if err != nil {
			respondError(w, http.StatusNotFound, err.Error())
			return
		}

		respondJSON(w, http.StatusOK, user)
	}
}

func handleProducts(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		switch r.Method {
		case http.MethodPost:
			var req struct {
				SKU         string  `json:"sku"`
				Name        string  `json:"name"`
				Description string  `json:"description"`
				Price       float64 `json:"price"`
				Stock       int     `json:"stock"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				respondError(w, http.StatusBadRequest, "Invalid request body")
				return
			}

			price := decimal.NewFromFloat(req.Price)
			product, err := store.CreateProduct(ctx, db, req.SKU, req.Name, req.Description, price, req.Stock)
			if err != nil {
				respondError(w, http.StatusInternalServerError, err.Error())
				return
			}

			respondJSON(w, http.StatusCreated, product)

		case http.MethodGet:
			page, pageSize := pageParams(r)

			result, err := store.ListProducts(ctx, db, page, pageSize)
			if err != nil {
				respondError(w, http.StatusInternalServerError, err.Error())
				return
			}

			respondJSON(w, http.StatusOK, result)

		default:
			respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		}
	}
}

func handleProductByID(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		idStr := strings.TrimPrefix(r.URL.Path, "/products/")

		if rest, ok := strings.CutSuffix(idStr, "/stock"); ok && r.Method == http.MethodPut {
			id, err := strconv.ParseInt(rest, 10, 64)
			if err != nil {
				respondError(w, http.StatusBadRequest, "Invalid product ID")
				return
			}

			var req struct {
				Stock   int `json:"stock"`
				Version int `json:"version"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				respondError(w, http.StatusBadRequest, "Invalid request body")
				return
			}

			if err := store.UpdateStockOptimistic(ctx, db, id, req.Stock, req.Version); err != nil {
				if errors.Is(err, database.ErrOptimisticLockFailed) {
					respondError(w, http.StatusConflict, err.Error())
					return
				}
				respondError(w, http.StatusInternalServerError, err.Error())
				return
			}

			product, err := store.GetProduct(ctx, db, id)
			if err != nil {
				respondError(w, http.StatusInternalServerError, err.Error())
				return
			}
			respondJSON(w, http.StatusOK, product)
			return
		}

		id, err := strconv.ParseInt(idStr, 10, 64)
		if err != nil {
			respondError(w, http.StatusBadRequest, "Invalid product ID")
			return
		}

		product, err := store.GetProduct(ctx, db, id)
		if err != nil {
			respondError(w, http.StatusNotFound, err.Error())
			return
		}

		respondJSON(w, http.StatusOK, product)
	}
}

func handleOrders(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		if r.Method != http.MethodGet {
			respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
			return
		}

		userID, err := strconv.ParseInt(r.URL.Query().Get("user_id"), 10, 64)
		if err != nil {
			respondError(w, http.StatusBadRequest, "Invalid user_id")
			return
		}

		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		if limit < 1 || limit > 100 {
			limit = 20
		}

		result, err := store.ListOrdersCursor(ctx, db, userID, r.URL.Query().Get("cursor"), limit)
		if err != nil {
			respondError(w, http.StatusInternalServerError, err.Error())
			return
		}

		respondJSON(w, http.StatusOK, result)
	}
}

func handleOrderByID(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		idStr := r.URL.Path[len("/orders/"):]
		id, err := strconv.ParseInt(idStr, 10, 64)
		if err != nil {
			respondError(w, http.StatusBadRequest, "Invalid order ID")
			return
		}

		order, err := store.GetOrder(ctx, db, id)
		if err != nil {
			respondError(w, http.StatusNotFound, err.Error())
			return
		}

		respondJSON(w, http.StatusOK, order)
	}
}

func pageParams(r *http.Request) (int, int) {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	if page < 1 {
		page = 1
	}
	pageSize, _ := strconv.Atoi(r.URL.Query().Get("page_size"))
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}
	return page, pageSize
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("Error encoding JSON response: %v", err)
	}
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
