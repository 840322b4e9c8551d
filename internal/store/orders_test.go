package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/safar/go-storefront/internal/database"
	"github.com/safar/go-storefront/internal/models"
	"github.com/shopspring/decimal"
)

func newMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	return db, mock
}

var orderCols = []string{
	"id", "order_number", "user_id", "guest_email", "status", "payment_status",
	"payment_intent_id", "subtotal", "shipping_amount", "discount_amount", "total_amount",
	"ship_name", "ship_street", "ship_unit", "ship_city", "ship_state", "ship_zip", "ship_country",
	"carrier", "tracking_number", "tracking_url", "label_url",
	"created_at", "updated_at", "version",
}

func orderRow(id int64, paymentStatus, status, paymentIntentID string) []driver.Value {
	now := time.Now()
	return []driver.Value{
		id, "ORD-1756700000-abcd1234", nil, "jane.doe@example.com", status, paymentStatus,
		paymentIntentID, "9.98", "0.00", "0.00", "9.98",
		"Jane Doe", "1 Main St", "", "Springfield", "IL", "62701", "US",
		"", "", "", "",
		now, now, 1,
	}
}

var itemCols = []string{
	"id", "order_id", "product_id", "product_name", "quantity", "unit_price", "subtotal", "created_at",
}

func TestGetOrderLoadsItems(t *testing.T) {
	db, mock := newMockDB(t)
	defer db.Close()

	mock.ExpectQuery("FROM orders WHERE id").
		WillReturnRows(sqlmock.NewRows(orderCols).
			AddRow(orderRow(5, "completed", "confirmed", "pi_123")...))
	mock.ExpectQuery("FROM order_items").
		WillReturnRows(sqlmock.NewRows(itemCols).
			AddRow(1, 5, 1, "Widget", 2, "4.99", "9.98", time.Now()))

	order, err := GetOrder(context.Background(), db, 5)
	if err != nil {
		t.Fatalf("GetOrder: %v", err)
	}

	if order.PaymentIntentID != "pi_123" {
		t.Errorf("Expected payment intent pi_123, got %q", order.PaymentIntentID)
	}
	if order.UserID != nil {
		t.Errorf("Expected guest order, got user id %d", *order.UserID)
	}
	if len(order.Items) != 1 || order.Items[0].ProductName != "Widget" {
		t.Errorf("Expected one Widget item, got %+v", order.Items)
	}
	if !order.TotalAmount.Equal(decimal.RequireFromString("9.98")) {
		t.Errorf("Expected total 9.98, got %s", order.TotalAmount)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Unmet expectations: %v", err)
	}
}

func TestGetOrderNotFound(t *testing.T) {
	db, mock := newMockDB(t)
	defer db.Close()

	mock.ExpectQuery("FROM orders WHERE id").
		WillReturnRows(sqlmock.NewRows(orderCols))

	if _, err := GetOrder(context.Background(), db, 404); err != database.ErrOrderNotFound {
		t.Fatalf("Expected ErrOrderNotFound, got %v", err)
	}
}

func TestGetOrderByPaymentIntentNotFound(t *testing.T) {
	db, mock := newMockDB(t)
	defer db.Close()

	mock.ExpectQuery("FROM orders WHERE payment_intent_id").
		WillReturnRows(sqlmock.NewRows(orderCols))

	if _, err := GetOrderByPaymentIntent(context.Background(), db, "pi_missing"); err != database.ErrOrderNotFound {
		t.Fatalf("Expected ErrOrderNotFound, got %v", err)
	}
}

func TestMarkOrderPaidReturnsSettledState(t *testing.T) {
	db, mock := newMockDB(t)
	defer db.Close()

	// Zero rows updated means a redelivery; the settled row is still returned.
	mock.ExpectExec("UPDATE orders").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("FROM orders WHERE id").
		WillReturnRows(sqlmock.NewRows(orderCols).
			AddRow(orderRow(5, "completed", "confirmed", "pi_123")...))
	mock.ExpectQuery("FROM order_items").
		WillReturnRows(sqlmock.NewRows(itemCols))

	order, err := MarkOrderPaid(context.Background(), db, 5, "pi_123", decimal.RequireFromString("9.98"))
	if err != nil {
		t.Fatalf("MarkOrderPaid: %v", err)
	}
	if order.PaymentStatus != models.PaymentStatusCompleted {
		t.Errorf("Expected completed payment status, got %q", order.PaymentStatus)
	}
	if order.Status != models.OrderStatusConfirmed {
		t.Errorf("Expected confirmed status, got %q", order.Status)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Unmet expectations: %v", err)
	}
}

func TestCreatePaidOrderMapsDuplicate(t *testing.T) {
	db, mock := newMockDB(t)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO orders").
		WillReturnError(&pq.Error{Code: "23505", Constraint: "orders_payment_intent_id_key"})
	mock.ExpectRollback()

	_, err := CreatePaidOrder(context.Background(), db, PaidOrderRequest{
		GuestEmail:      "jane.doe@example.com",
		PaymentIntentID: "pi_123",
		Items: []PaidOrderItem{
			{ProductID: 1, ProductName: "Widget", Quantity: 2, UnitPrice: decimal.RequireFromString("4.99")},
		},
		Subtotal:    decimal.RequireFromString("9.98"),
		TotalAmount: decimal.RequireFromString("9.98"),
	})
	if err != database.ErrDuplicateOrder {
		t.Fatalf("Expected ErrDuplicateOrder, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Unmet expectations: %v", err)
	}
}

func TestCreatePaidOrderCommitsItemsAndStock(t *testing.T) {
	db, mock := newMockDB(t)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO orders").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(9))
	mock.ExpectExec("INSERT INTO order_items").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO order_items").
		WillReturnResult(sqlmock.NewResult(2, 1))
	mock.ExpectExec("UPDATE products").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE products").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("FROM orders WHERE id").
		WillReturnRows(sqlmock.NewRows(orderCols).
			AddRow(orderRow(9, "completed", "confirmed", "pi_123")...))
	mock.ExpectCommit()

	order, err := CreatePaidOrder(context.Background(), db, PaidOrderRequest{
		GuestEmail:      "jane.doe@example.com",
		PaymentIntentID: "pi_123",
		Items: []PaidOrderItem{
			{ProductID: 1, ProductName: "Widget", Quantity: 2, UnitPrice: decimal.RequireFromString("4.99")},
			{ProductID: 2, ProductName: "Gadget", Quantity: 1, UnitPrice: decimal.RequireFromString("19.99")},
		},
		Subtotal:    decimal.RequireFromString("29.97"),
		TotalAmount: decimal.RequireFromString("29.97"),
	})
	if err != nil {
		t.Fatalf("CreatePaidOrder: %v", err)
	}
	if order.ID != 9 {
		t.Errorf("Expected order id 9, got %d", order.ID)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Unmet expectations: %v", err)
	}
}

func TestAttachShipmentUnknownOrder(t *testing.T) {
	db, mock := newMockDB(t)
	defer db.Close()

	mock.ExpectExec("UPDATE orders").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := AttachShipment(context.Background(), db, 404, "usps", "tn", "", "")
	if err != database.ErrOrderNotFound {
		t.Fatalf("Expected ErrOrderNotFound, got %v", err)
	}
}
