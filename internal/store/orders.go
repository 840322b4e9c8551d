package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/safar/go-storefront/internal/database"
	"github.com/safar/go-storefront/internal/models"
	"github.com/shopspring/decimal"
)

// PaidOrderRequest materializes a gateway-confirmed checkout into an order.
// The order is born confirmed/completed; there is no pending row to promote.
type PaidOrderRequest struct {
	UserID          *int64
	GuestEmail      string
	PaymentIntentID string
	Items           []PaidOrderItem
	Subtotal        decimal.Decimal
	ShippingAmount  decimal.Decimal
	DiscountAmount  decimal.Decimal
	TotalAmount     decimal.Decimal
	ShippingAddress models.Address
}

type PaidOrderItem struct {
	ProductID   int64
	ProductName string
	Quantity    int
	UnitPrice   decimal.Decimal
}

func generateOrderNumber() string {
	return fmt.Sprintf("ORD-%d-%s", time.Now().Unix(), uuid.NewString()[:8])
}

const orderColumns = `id, order_number, user_id, guest_email, status, payment_status,
	COALESCE(payment_intent_id, ''), subtotal, shipping_amount, discount_amount, total_amount,
	ship_name, ship_street, ship_unit, ship_city, ship_state, ship_zip, ship_country,
	carrier, tracking_number, tracking_url, label_url,
	created_at, updated_at, version`

func scanOrder(row interface{ Scan(...interface{}) error }) (*models.Order, error) {
	order := &models.Order{}
	err := row.Scan(
		&order.ID,
		&order.OrderNumber,
		&order.UserID,
		&order.GuestEmail,
		&order.Status,
		&order.PaymentStatus,
		&order.PaymentIntentID,
		&order.Subtotal,
		&order.ShippingAmount,
		&order.DiscountAmount,
		&order.TotalAmount,
		&order.ShippingAddress.Name,
		&order.ShippingAddress.Street,
		&order.ShippingAddress.Unit,
		&order.ShippingAddress.City,
		&order.ShippingAddress.State,
		&order.ShippingAddress.Zip,
		&order.ShippingAddress.Country,
		&order.Carrier,
		&order.TrackingNumber,
		&order.TrackingURL,
		&order.LabelURL,
		&order.CreatedAt,
		&order.UpdatedAt,
		&order.Version,
	)
	if err != nil {
		return nil, err
	}
	return order, nil
}

// CreatePaidOrder inserts an order with its items in a single transaction.
// The unique index on payment_intent_id makes a duplicate webhook delivery
// surface as ErrDuplicateOrder instead of a second order row.
func CreatePaidOrder(ctx context.Context, db *sql.DB, req PaidOrderRequest) (*models.Order, error) {
	var order *models.Order

	err := database.WithRetry(ctx, db, database.TxOptions{
		IsolationLevel: sql.LevelSerializable,
		MaxRetries:     3,
	}, func(tx *sql.Tx) error {
		orderNumber := generateOrderNumber()

		var orderID int64
		err := tx.QueryRowContext(ctx,
			`INSERT INTO orders (order_number, user_id, guest_email, status, payment_status, payment_intent_id,
			                     subtotal, shipping_amount, discount_amount, total_amount,
			                     ship_name, ship_street, ship_unit, ship_city, ship_state, ship_zip, ship_country,
			                     created_at, updated_at, version)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, NOW(), NOW(), 1)
			 RETURNING id`,
			orderNumber, req.UserID, req.GuestEmail,
			models.OrderStatusConfirmed, models.PaymentStatusCompleted, req.PaymentIntentID,
			req.Subtotal, req.ShippingAmount, req.DiscountAmount, req.TotalAmount,
			req.ShippingAddress.Name, req.ShippingAddress.Street, req.ShippingAddress.Unit,
			req.ShippingAddress.City, req.ShippingAddress.State, req.ShippingAddress.Zip,
			req.ShippingAddress.Country).Scan(&orderID)
		if err != nil {
			return fmt.Errorf("create order: %w", err)
		}

		for _, item := range req.Items {
			subtotal := item.UnitPrice.Mul(decimal.NewFromInt(int64(item.Quantity)))

			_, err = tx.ExecContext(ctx,
				`INSERT INTO order_items (order_id, product_id, product_name, quantity, unit_price, subtotal, created_at)
				 VALUES ($1, $2, $3, $4, $5, $6, NOW())`,
				orderID, item.ProductID, item.ProductName, item.Quantity, item.UnitPrice, subtotal)
			if err != nil {
				return fmt.Errorf("create order item: %w", err)
			}
		}

		// Payment is already captured, so stock going negative must not fail
		// the webhook. Floor at zero and let fulfilment reconcile oversell.
		for _, item := range req.Items {
			_, err = tx.ExecContext(ctx,
				`UPDATE products
				 SET stock_quantity = GREATEST(stock_quantity - $1, 0),
				     updated_at = NOW()
				 WHERE id = $2`,
				item.Quantity, item.ProductID)
			if err != nil {
				return fmt.Errorf("decrement stock: %w", err)
			}
		}

		row := tx.QueryRowContext(ctx,
			`SELECT `+orderColumns+` FROM orders WHERE id = $1`, orderID)
		order, err = scanOrder(row)
		if err != nil {
			return fmt.Errorf("fetch created order: %w", err)
		}

		return nil
	})

	if err != nil {
		if database.IsUniqueViolation(err) {
			return nil, database.ErrDuplicateOrder
		}
		return nil, err
	}

	return order, nil
}

func GetOrder(ctx context.Context, db *sql.DB, id int64) (*models.Order, error) {
	row := db.QueryRowContext(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)

	order, err := scanOrder(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, database.ErrOrderNotFound
		}
		return nil, fmt.Errorf("get order: %w", err)
	}

	items, err := getOrderItems(ctx, db, id)
	if err != nil {
		return nil, err
	}
	order.Items = items

	return order, nil
}

// GetOrderByPaymentIntent is the existence check that keeps at-least-once
// webhook delivery from creating two orders for the same payment.
func GetOrderByPaymentIntent(ctx context.Context, db *sql.DB, paymentIntentID string) (*models.Order, error) {
	row := db.QueryRowContext(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE payment_intent_id = $1`, paymentIntentID)

	order, err := scanOrder(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, database.ErrOrderNotFound
		}
		return nil, fmt.Errorf("get order by payment intent: %w", err)
	}

	return order, nil
}

func getOrderItems(ctx context.Context, db *sql.DB, orderID int64) ([]models.OrderItem, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT id, order_id, product_id, product_name, quantity, unit_price, subtotal, created_at
		 FROM order_items
		 WHERE order_id = $1`, orderID)
	if err != nil {
		return nil, fmt.Errorf("get order items: %w", err)
	}
	defer rows.Close()

	var items []models.OrderItem
	for rows.Next() {
		var item models.OrderItem
		err := rows.Scan(
			&item.ID,
			&item.OrderID,
			&item.ProductID,
			&item.ProductName,
			&item.Quantity,
			&item.UnitPrice,
			&item.Subtotal,
			&item.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan order item: %w", err)
		}
		items = append(items, item)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return items, nil
}

// MarkOrderPaid applies the paid transition to an existing order. The update
// is predicated on payment_status so a redelivered webhook affects zero rows
// and the call still reports the settled state.
func MarkOrderPaid(ctx context.Context, db *sql.DB, orderID int64, paymentIntentID string, capturedTotal decimal.Decimal) (*models.Order, error) {
	_, err := db.ExecContext(ctx,
		`UPDATE orders
		 SET payment_status = $2,
		     status = $3,
		     payment_intent_id = $4,
		     total_amount = $5,
		     updated_at = NOW(),
		     version = version + 1
		 WHERE id = $1
		   AND payment_status <> $2`,
		orderID, models.PaymentStatusCompleted, models.OrderStatusConfirmed,
		paymentIntentID, capturedTotal)
	if err != nil {
		return nil, fmt.Errorf("mark order paid: %w", err)
	}

	return GetOrder(ctx, db, orderID)
}

// MarkPaymentFailed cancels an order whose payment attempt failed. A late
// failure event for an order that already completed is ignored.
func MarkPaymentFailed(ctx context.Context, db *sql.DB, orderID int64) (*models.Order, error) {
	_, err := db.ExecContext(ctx,
		`UPDATE orders
		 SET payment_status = $2,
		     status = $3,
		     updated_at = NOW(),
		     version = version + 1
		 WHERE id = $1
		   AND payment_status NOT IN ($4, $5)`,
		orderID, models.PaymentStatusFailed, models.OrderStatusCancelled,
		models.PaymentStatusCompleted, models.PaymentStatusRefunded)
	if err != nil {
		return nil, fmt.Errorf("mark payment failed: %w", err)
	}

	return GetOrder(ctx, db, orderID)
}

// MarkRefundedByPaymentIntent transitions the order owning the given payment
// intent to refunded.
func MarkRefundedByPaymentIntent(ctx context.Context, db *sql.DB, paymentIntentID string) (*models.Order, error) {
	_, err := db.ExecContext(ctx,
		`UPDATE orders
		 SET payment_status = $2,
		     status = $3,
		     updated_at = NOW(),
		     version = version + 1
		 WHERE payment_intent_id = $1
		   AND payment_status <> $2`,
		paymentIntentID, models.PaymentStatusRefunded, models.OrderStatusRefunded)
	if err != nil {
		return nil, fmt.Errorf("mark refunded: %w", err)
	}

	return GetOrderByPaymentIntent(ctx, db, paymentIntentID)
}

// AttachShipment records a purchased label and moves the order into
// fulfilment.
func AttachShipment(ctx context.Context, db *sql.DB, orderID int64, carrier, trackingNumber, trackingURL, labelURL string) error {
	result, err := db.ExecContext(ctx,
		`UPDATE orders
		 SET carrier = $2,
		     tracking_number = $3,
		     tracking_url = $4,
		     label_url = $5,
		     status = $6,
		     updated_at = NOW(),
		     version = version + 1
		 WHERE id = $1`,
		orderID, carrier, trackingNumber, trackingURL, labelURL,
		models.OrderStatusProcessing)
	if err != nil {
		return fmt.Errorf("attach shipment: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return database.ErrOrderNotFound
	}

	return nil
}

func ListOrdersCursor(ctx context.Context, db *sql.DB, userID int64, cursor string, limit int) (*CursorPage, error) {
	cursorData, err := DecodeCursor(cursor)
	if err != nil {
		return nil, fmt.Errorf("decode cursor: %w", err)
	}

	query := `
		SELECT ` + orderColumns + `
		FROM orders
		WHERE user_id = $1
		  AND (created_at, id) < ($2, $3)
		ORDER BY created_at DESC, id DESC
		LIMIT $4`

	rows, err := db.QueryContext(ctx, query, userID, cursorData.CreatedAt, cursorData.ID, limit+1)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	defer rows.Close()

	var orders []models.Order
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		orders = append(orders, *order)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	hasMore := len(orders) > limit
	if hasMore {
		orders = orders[:limit]
	}

	var nextCursor string
	if hasMore && len(orders) > 0 {
		lastOrder := orders[len(orders)-1]
		nextCursor = EncodeCursor(OrderCursor{
			CreatedAt: lastOrder.CreatedAt,
			ID:        lastOrder.ID,
		})
	}

	return &CursorPage{
		Items:      orders,
		NextCursor: nextCursor,
		HasMore:    hasMore,
	}, nil
}
