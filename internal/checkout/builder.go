package checkout

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"

	"github.com/safar/go-storefront/internal/database"
	"github.com/safar/go-storefront/internal/models"
	"github.com/safar/go-storefront/internal/store"
	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v72"
)

// Gateway is the slice of the payment processor the checkout flow needs.
// internal/payment provides the real implementation.
type Gateway interface {
	CreateCheckoutSession(ctx context.Context, params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
	CheckoutSession(ctx context.Context, id string, expand ...string) (*stripe.CheckoutSession, error)
	VerifyWebhook(payload []byte, sigHeader string) (stripe.Event, error)
	Configured() bool
}

var ErrInvalidSessionRequest = errors.New("exactly one of order id or checkout intent must be supplied")

// RetryStateError reports a retry-payment request against an order that is
// not in a retryable payment state. The current status is surfaced to the
// caller.
type RetryStateError struct {
	PaymentStatus string
}

func (e *RetryStateError) Error() string {
	return fmt.Sprintf("order payment status is %q, only failed payments can be retried", e.PaymentStatus)
}

// Builder turns a cart or an existing failed order into a hosted checkout
// session. It never writes a row: a new order exists only after the gateway
// confirms payment.
type Builder struct {
	db          *sql.DB
	gateway     Gateway
	frontendURL string
}

func NewBuilder(db *sql.DB, gateway Gateway, frontendURL string) *Builder {
	return &Builder{db: db, gateway: gateway, frontendURL: frontendURL}
}

// SessionRequest carries either OrderID (retry path) or Intent (new-order
// path), plus optional redirect overrides.
type SessionRequest struct {
	OrderID    int64
	Intent     *Intent
	SuccessURL string
	CancelURL  string
}

// BuildSession creates the checkout session and returns the hosted-page
// redirect URL.
func (b *Builder) BuildSession(ctx context.Context, req SessionRequest) (string, error) {
	if (req.OrderID > 0) == (req.Intent != nil) {
		return "", ErrInvalidSessionRequest
	}

	params := &stripe.CheckoutSessionParams{
		Mode:               stripe.String(string(stripe.CheckoutSessionModePayment)),
		PaymentMethodTypes: stripe.StringSlice([]string{"card"}),
		SuccessURL:         stripe.String(b.redirectURL(req.SuccessURL, "/checkout/success?session_id={CHECKOUT_SESSION_ID}")),
		CancelURL:          stripe.String(b.redirectURL(req.CancelURL, "/checkout/cancel")),
	}

	var err error
	if req.OrderID > 0 {
		err = b.buildRetrySession(ctx, params, req.OrderID)
	} else {
		err = b.buildNewOrderSession(ctx, params, req.Intent)
	}
	if err != nil {
		return "", err
	}

	sess, err := b.gateway.CreateCheckoutSession(ctx, params)
	if err != nil {
		return "", fmt.Errorf("create checkout session: %w", err)
	}

	return sess.URL, nil
}

// buildRetrySession rebuilds line items from the persisted order, never from
// client input, so a retry cannot tamper with prices.
func (b *Builder) buildRetrySession(ctx context.Context, params *stripe.CheckoutSessionParams, orderID int64) error {
	order, err := store.GetOrder(ctx, b.db, orderID)
	if err != nil {
		return err
	}
	if order.PaymentStatus != models.PaymentStatusFailed {
		return &RetryStateError{PaymentStatus: order.PaymentStatus}
	}

	for _, item := range order.Items {
		params.LineItems = append(params.LineItems, lineItem(item.ProductName, item.UnitPrice, int64(item.Quantity)))
	}
	if order.ShippingAmount.IsPositive() {
		params.LineItems = append(params.LineItems, lineItem("Shipping", order.ShippingAmount, 1))
	}

	if order.GuestEmail != "" {
		params.CustomerEmail = stripe.String(order.GuestEmail)
	}

	ref := strconv.FormatInt(order.ID, 10)
	params.AddMetadata(metadataKeyOrderID, ref)
	params.PaymentIntentData = &stripe.CheckoutSessionPaymentIntentDataParams{
		Metadata: map[string]string{metadataKeyOrderID: ref},
	}

	return nil
}

// buildNewOrderSession resolves authoritative prices from the catalog,
// verifies stock, and encodes the intent into session metadata. No database
// row is created here.
func (b *Builder) buildNewOrderSession(ctx context.Context, params *stripe.CheckoutSessionParams, intent *Intent) error {
	if len(intent.Lines) == 0 {
		return fmt.Errorf("%w: checkout intent has no cart lines", ErrInvalidSessionRequest)
	}

	ids := make([]int64, 0, len(intent.Lines))
	for _, line := range intent.Lines {
		ids = append(ids, line.ProductID)
	}
	products, err := store.GetProducts(ctx, b.db, ids)
	if err != nil {
		return err
	}

	for i, line := range intent.Lines {
		product := products[line.ProductID]
		if product.StockQuantity < line.Quantity {
			return database.ErrInsufficientStock
		}
		// Client-sent prices are advisory only.
		intent.Lines[i].UnitPrice = product.Price
		params.LineItems = append(params.LineItems, lineItem(product.Name, product.Price, int64(line.Quantity)))
	}

	if intent.Rate != nil && intent.Rate.Amount.IsPositive() {
		params.LineItems = append(params.LineItems,
			lineItem(fmt.Sprintf("Shipping (%s %s)", intent.Rate.Carrier, intent.Rate.Service), intent.Rate.Amount, 1))
	}

	if intent.GuestEmail != "" {
		params.CustomerEmail = stripe.String(intent.GuestEmail)
	}
	if intent.Address == nil || intent.Address.IsZero() {
		// No pre-collected address: let the gateway collect one.
		params.ShippingAddressCollection = &stripe.CheckoutSessionShippingAddressCollectionParams{
			AllowedCountries: stripe.StringSlice([]string{"US", "CA"}),
		}
	}

	encoded, err := intent.Encode()
	if err != nil {
		return err
	}
	params.AddMetadata(metadataKeyIntent, encoded)

	return nil
}

func lineItem(name string, unitPrice decimal.Decimal, quantity int64) *stripe.CheckoutSessionLineItemParams {
	return &stripe.CheckoutSessionLineItemParams{
		Quantity: stripe.Int64(quantity),
		PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
			Currency:   stripe.String("usd"),
			UnitAmount: stripe.Int64(centsFromDecimal(unitPrice)),
			ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
				Name: stripe.String(name),
			},
		},
	}
}

func (b *Builder) redirectURL(override, fallbackPath string) string {
	if override != "" {
		return override
	}
	return b.frontendURL + fallbackPath
}
