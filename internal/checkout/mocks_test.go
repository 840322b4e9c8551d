package checkout

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/safar/go-storefront/internal/models"
	"github.com/safar/go-storefront/internal/shipping"
	"github.com/stripe/stripe-go/v72"
)

func newMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
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

// orderRow builds a full orders row; only the fields tests care about vary.
func orderRow(id int64, paymentStatus, status, paymentIntentID, total string) []driver.Value {
	now := time.Now()
	return []driver.Value{
		id, "ORD-1756700000-abcd1234", nil, "jane.doe@example.com", status, paymentStatus,
		paymentIntentID, total, "0.00", "0.00", total,
		"Jane Doe", "1 Main St", "", "X", "NY", "10001", "US",
		"", "", "", "",
		now, now, 1,
	}
}

var itemCols = []string{
	"id", "order_id", "product_id", "product_name", "quantity", "unit_price", "subtotal", "created_at",
}

func expectGetOrder(mock sqlmock.Sqlmock, row []driver.Value, items ...[]driver.Value) {
	mock.ExpectQuery("FROM orders WHERE id").
		WillReturnRows(sqlmock.NewRows(orderCols).AddRow(row...))
	itemRows := sqlmock.NewRows(itemCols)
	for _, item := range items {
		itemRows.AddRow(item...)
	}
	mock.ExpectQuery("FROM order_items").WillReturnRows(itemRows)
}

var productCols = []string{
	"id", "sku", "name", "description", "price", "stock_quantity", "created_at", "updated_at", "version",
}

func productRow(id int64, name, price string, stock int) []driver.Value {
	now := time.Now()
	return []driver.Value{id, "SKU", name, "", price, stock, now, now, 1}
}

type stubGateway struct {
	sess    *stripe.CheckoutSession
	sessErr error
	created []*stripe.CheckoutSessionParams
}

func (g *stubGateway) CreateCheckoutSession(ctx context.Context, params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
	g.created = append(g.created, params)
	return &stripe.CheckoutSession{ID: "cs_test", URL: "https://checkout.example/cs_test"}, nil
}

func (g *stubGateway) CheckoutSession(ctx context.Context, id string, expand ...string) (*stripe.CheckoutSession, error) {
	if g.sessErr != nil {
		return nil, g.sessErr
	}
	return g.sess, nil
}

func (g *stubGateway) VerifyWebhook(payload []byte, sigHeader string) (stripe.Event, error) {
	return stripe.Event{}, nil
}

func (g *stubGateway) Configured() bool { return true }

type fakeShipping struct {
	quotes      []shipping.Rate
	quoteErr    error
	purchaseErr error

	quoteCalls    int
	purchasedRate string
}

func (f *fakeShipping) Quote(ctx context.Context, to models.Address, parcels []shipping.Parcel) ([]shipping.Rate, error) {
	f.quoteCalls++
	return f.quotes, f.quoteErr
}

func (f *fakeShipping) Purchase(ctx context.Context, rateID string) (*shipping.Label, error) {
	f.purchasedRate = rateID
	if f.purchaseErr != nil {
		return nil, f.purchaseErr
	}
	return &shipping.Label{
		TrackingNumber: "1Z999AA10000000001",
		TrackingURL:    "https://track.example/1Z999AA10000000001",
		LabelURL:       "https://labels.example/1.pdf",
	}, nil
}

type fakeNotifier struct {
	sent []string
	err  error
}

func (f *fakeNotifier) SendOrderConfirmation(ctx context.Context, to string, order *models.Order) error {
	f.sent = append(f.sent, to)
	return f.err
}
