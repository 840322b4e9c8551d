package checkout

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/safar/go-storefront/internal/database"
	"github.com/safar/go-storefront/internal/models"
	"github.com/safar/go-storefront/internal/shipping"
	"github.com/safar/go-storefront/internal/store"
	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v72"
)

// Gateway event types consumed by the reconciler.
const (
	eventCheckoutCompleted = "checkout.session.completed"
	eventPaymentFailed     = "payment_intent.payment_failed"
	eventChargeRefunded    = "charge.refunded"
)

// ErrBadEventPayload marks events whose body cannot be interpreted. The
// webhook endpoint answers these with 400 so the gateway stops redelivering.
var ErrBadEventPayload = errors.New("malformed event payload")

// ShippingClient is the slice of the shipping provider the reconciler needs
// for its best-effort fulfilment step.
type ShippingClient interface {
	Quote(ctx context.Context, to models.Address, parcels []shipping.Parcel) ([]shipping.Rate, error)
	Purchase(ctx context.Context, rateID string) (*shipping.Label, error)
}

type Notifier interface {
	SendOrderConfirmation(ctx context.Context, to string, order *models.Order) error
}

// Reconciler applies payment-lifecycle events to the order store. It is the
// only place where checkout intents become orders and where payment status
// transitions commit, and it must stay safe under at-least-once delivery.
type Reconciler struct {
	db       *sql.DB
	gateway  Gateway
	shipping ShippingClient
	notifier Notifier
	logger   *slog.Logger
}

// NewReconciler wires the reconciler. shippingClient and notifier may be nil;
// the corresponding side effects are then skipped.
func NewReconciler(db *sql.DB, gateway Gateway, shippingClient ShippingClient, notifier Notifier, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		db:       db,
		gateway:  gateway,
		shipping: shippingClient,
		notifier: notifier,
		logger:   logger,
	}
}

// HandleEvent dispatches an authenticated gateway event. Unknown event types
// are acknowledged without action.
func (r *Reconciler) HandleEvent(ctx context.Context, event stripe.Event) error {
	switch event.Type {
	case eventCheckoutCompleted:
		return r.handleCheckoutCompleted(ctx, event)
	case eventPaymentFailed:
		return r.handlePaymentFailed(ctx, event)
	case eventChargeRefunded:
		return r.handleChargeRefunded(ctx, event)
	default:
		r.logger.Debug("ignoring event", "type", event.Type, "event_id", event.ID)
		return nil
	}
}

func (r *Reconciler) handleCheckoutCompleted(ctx context.Context, event stripe.Event) error {
	var shell stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &shell); err != nil {
		return fmt.Errorf("%w: %v", ErrBadEventPayload, err)
	}
	if shell.ID == "" {
		return fmt.Errorf("%w: session id missing", ErrBadEventPayload)
	}

	// Webhook payloads may be partial; the session is re-fetched with the
	// payment intent and line items expanded before anything is trusted.
	sess, err := r.gateway.CheckoutSession(ctx, shell.ID, "payment_intent", "line_items")
	if err != nil {
		return fmt.Errorf("retrieve session %s: %w", shell.ID, err)
	}

	ref, err := DecodeSessionMetadata(sess.Metadata)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrBadEventPayload, err)
	}

	paymentIntentID := sess.ID
	captured := decimalFromCents(sess.AmountTotal)
	if sess.PaymentIntent != nil && sess.PaymentIntent.ID != "" {
		paymentIntentID = sess.PaymentIntent.ID
		if sess.PaymentIntent.AmountReceived > 0 {
			captured = decimalFromCents(sess.PaymentIntent.AmountReceived)
		}
	}

	if ref.OrderID > 0 {
		return r.finalizeExisting(ctx, ref.OrderID, paymentIntentID, captured)
	}
	return r.finalizeNew(ctx, sess, ref.Intent, paymentIntentID, captured)
}

// finalizeExisting applies the paid transition to an order created before
// checkout (the retry-payment path). Re-applying it is a no-op.
func (r *Reconciler) finalizeExisting(ctx context.Context, orderID int64, paymentIntentID string, captured decimal.Decimal) error {
	order, err := store.GetOrder(ctx, r.db, orderID)
	if err != nil {
		return err
	}

	alreadyPaid := order.PaymentStatus == models.PaymentStatusCompleted

	// The gateway's captured amount wins only when it actually differs,
	// absorbing rounding or last-minute shipping adjustments.
	total := order.TotalAmount
	if captured.IsPositive() && !captured.Equal(total) {
		r.logger.Warn("captured amount differs from stored total",
			"order_id", orderID,
			"stored", total.String(),
			"captured", captured.String())
		total = captured
	}

	updated, err := store.MarkOrderPaid(ctx, r.db, orderID, paymentIntentID, total)
	if err != nil {
		return fmt.Errorf("mark order paid: %w", err)
	}

	if alreadyPaid {
		r.logger.Info("payment already reconciled", "order_id", orderID, "payment_intent", paymentIntentID)
		return nil
	}

	r.logger.Info("order payment confirmed", "order_id", orderID, "order_number", updated.OrderNumber)
	r.finalizeSideEffects(ctx, updated, nil)
	return nil
}

// finalizeNew materializes an order from a checkout intent. The existence
// check plus the unique index on payment_intent_id keep duplicate deliveries
// from creating a second order.
func (r *Reconciler) finalizeNew(ctx context.Context, sess *stripe.CheckoutSession, intent *Intent, paymentIntentID string, captured decimal.Decimal) error {
	existing, err := store.GetOrderByPaymentIntent(ctx, r.db, paymentIntentID)
	if err == nil {
		r.logger.Info("payment already reconciled",
			"order_id", existing.ID, "payment_intent", paymentIntentID)
		return nil
	}
	if !errors.Is(err, database.ErrOrderNotFound) {
		return err
	}

	shippingAmount := decimal.Zero
	if intent.Rate != nil {
		shippingAmount = intent.Rate.Amount
	}
	subtotal := intent.Subtotal()
	total := subtotal.Add(shippingAmount).Sub(intent.Discount)
	if captured.IsPositive() && !captured.Equal(total) {
		r.logger.Warn("captured amount differs from computed total",
			"payment_intent", paymentIntentID,
			"computed", total.String(),
			"captured", captured.String())
		total = captured
	}

	guestEmail := intent.GuestEmail
	if guestEmail == "" && intent.UserID == nil && sess.CustomerDetails != nil {
		guestEmail = sess.CustomerDetails.Email
	}

	order, err := store.CreatePaidOrder(ctx, r.db, store.PaidOrderRequest{
		UserID:          intent.UserID,
		GuestEmail:      guestEmail,
		PaymentIntentID: paymentIntentID,
		Items:           r.orderItems(ctx, intent),
		Subtotal:        subtotal,
		ShippingAmount:  shippingAmount,
		DiscountAmount:  intent.Discount,
		TotalAmount:     total,
		ShippingAddress: shippingAddress(intent, sess),
	})
	if errors.Is(err, database.ErrDuplicateOrder) {
		// A concurrent delivery won the insert race.
		r.logger.Info("payment already reconciled", "payment_intent", paymentIntentID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("create order: %w", err)
	}

	r.logger.Info("order created from checkout intent",
		"order_id", order.ID,
		"order_number", order.OrderNumber,
		"payment_intent", paymentIntentID)
	r.finalizeSideEffects(ctx, order, intent.Rate)
	return nil
}

// orderItems resolves product-name snapshots for the intent's cart lines.
// Payment is already captured, so a vanished product degrades to a generic
// name rather than failing the webhook.
func (r *Reconciler) orderItems(ctx context.Context, intent *Intent) []store.PaidOrderItem {
	ids := make([]int64, 0, len(intent.Lines))
	for _, line := range intent.Lines {
		ids = append(ids, line.ProductID)
	}

	products, err := store.GetProducts(ctx, r.db, ids)
	if err != nil {
		r.logger.Warn("resolve product names", "error", err)
		products = nil
	}

	items := make([]store.PaidOrderItem, 0, len(intent.Lines))
	for _, line := range intent.Lines {
		name := fmt.Sprintf("Product %d", line.ProductID)
		if p := products[line.ProductID]; p != nil {
			name = p.Name
		}
		items = append(items, store.PaidOrderItem{
			ProductID:   line.ProductID,
			ProductName: name,
			Quantity:    line.Quantity,
			UnitPrice:   line.UnitPrice,
		})
	}
	return items
}

// shippingAddress prefers the address collected at checkout time; the
// gateway-collected one is used only when the intent omitted it.
func shippingAddress(intent *Intent, sess *stripe.CheckoutSession) models.Address {
	if intent.Address != nil && !intent.Address.IsZero() {
		return *intent.Address
	}
	if sess.Shipping != nil && sess.Shipping.Address != nil {
		a := sess.Shipping.Address
		return models.Address{
			Name:    sess.Shipping.Name,
			Street:  a.Line1,
			Unit:    a.Line2,
			City:    a.City,
			State:   a.State,
			Zip:     a.PostalCode,
			Country: a.Country,
		}
	}
	return models.Address{}
}

func (r *Reconciler) handlePaymentFailed(ctx context.Context, event stripe.Event) error {
	var pi stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
		return fmt.Errorf("%w: %v", ErrBadEventPayload, err)
	}

	raw := pi.Metadata[metadataKeyOrderID]
	if raw == "" {
		// New-order checkouts have no row to mark; nothing to do.
		r.logger.Debug("payment failure without order reference", "payment_intent", pi.ID)
		return nil
	}
	orderID, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: order id metadata %q", ErrBadEventPayload, raw)
	}

	order, err := store.MarkPaymentFailed(ctx, r.db, orderID)
	if err != nil {
		if errors.Is(err, database.ErrOrderNotFound) {
			r.logger.Warn("payment failure for unknown order", "order_id", orderID)
			return nil
		}
		return err
	}

	r.logger.Info("order payment failed",
		"order_id", order.ID, "status", order.Status, "payment_status", order.PaymentStatus)
	return nil
}

func (r *Reconciler) handleChargeRefunded(ctx context.Context, event stripe.Event) error {
	var charge stripe.Charge
	if err := json.Unmarshal(event.Data.Raw, &charge); err != nil {
		return fmt.Errorf("%w: %v", ErrBadEventPayload, err)
	}
	if charge.PaymentIntent == nil || charge.PaymentIntent.ID == "" {
		r.logger.Warn("refund without payment intent", "charge", charge.ID)
		return nil
	}

	order, err := store.MarkRefundedByPaymentIntent(ctx, r.db, charge.PaymentIntent.ID)
	if err != nil {
		if errors.Is(err, database.ErrOrderNotFound) {
			r.logger.Warn("refund for unknown payment intent", "payment_intent", charge.PaymentIntent.ID)
			return nil
		}
		return err
	}

	r.logger.Info("order refunded", "order_id", order.ID, "payment_intent", charge.PaymentIntent.ID)
	return nil
}

// finalizeSideEffects runs the best-effort fulfilment steps after the order
// mutation has committed. Failures here are logged, never returned: failing
// the webhook now would trigger redelivery of an already-applied transition.
func (r *Reconciler) finalizeSideEffects(ctx context.Context, order *models.Order, rate *RateChoice) {
	if r.shipping != nil && !order.ShippingAddress.IsZero() {
		r.purchaseLabel(ctx, order, rate)
	}

	if r.notifier != nil {
		to := order.GuestEmail
		if to == "" && order.UserID != nil {
			email, err := store.GetUserEmail(ctx, r.db, *order.UserID)
			if err != nil {
				r.logger.Warn("resolve confirmation recipient", "order_id", order.ID, "error", err)
			} else {
				to = email
			}
		}
		if to == "" {
			r.logger.Warn("no recipient for order confirmation", "order_id", order.ID)
			return
		}
		if err := r.notifier.SendOrderConfirmation(ctx, to, order); err != nil {
			r.logger.Error("send order confirmation", "order_id", order.ID, "error", err)
		}
	}
}

// purchaseLabel buys the customer-selected rate when one was carried through
// the intent; requoting is a fallback only, since a different rate would
// change what the customer was charged for shipping.
func (r *Reconciler) purchaseLabel(ctx context.Context, order *models.Order, rate *RateChoice) {
	var rateID, carrier string
	if rate != nil && rate.RateID != "" {
		rateID, carrier = rate.RateID, rate.Carrier
	} else {
		rates, err := r.shipping.Quote(ctx, order.ShippingAddress, nil)
		if err != nil {
			r.logger.Error("quote shipping", "order_id", order.ID, "error", err)
			return
		}
		if len(rates) == 0 {
			r.logger.Error("no shipping rates available", "order_id", order.ID)
			return
		}
		rateID, carrier = rates[0].RateID, rates[0].Carrier
	}

	label, err := r.shipping.Purchase(ctx, rateID)
	if err != nil {
		r.logger.Error("purchase shipping label", "order_id", order.ID, "rate_id", rateID, "error", err)
		return
	}

	if err := store.AttachShipment(ctx, r.db, order.ID, carrier, label.TrackingNumber, label.TrackingURL, label.LabelURL); err != nil {
		r.logger.Error("attach shipment", "order_id", order.ID, "error", err)
		return
	}

	order.Carrier = carrier
	order.TrackingNumber = label.TrackingNumber
	order.TrackingURL = label.TrackingURL
	order.LabelURL = label.LabelURL
	order.Status = models.OrderStatusProcessing
	r.logger.Info("shipping label purchased",
		"order_id", order.ID, "carrier", carrier, "tracking", label.TrackingNumber)
}
