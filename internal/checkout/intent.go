// Package checkout implements the order-finalization workflow: building
// hosted checkout sessions and reconciling the asynchronous payment webhooks
// that turn a paid session into a durable order.
package checkout

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/safar/go-storefront/internal/models"
	"github.com/shopspring/decimal"
)

// MetadataBudget is the hard character limit Stripe imposes on a metadata
// value. An intent that does not fit is rejected outright; truncation would
// corrupt order reconstruction at webhook time.
const MetadataBudget = 500

const (
	metadataKeyOrderID = "order_id"
	metadataKeyIntent  = "intent"
)

var (
	ErrMetadataTooLarge   = errors.New("checkout intent exceeds metadata budget")
	ErrNoCheckoutMetadata = errors.New("session metadata carries no checkout reference")
)

// CartLine is one purchasable line of a not-yet-persisted order. UnitPrice
// is the authoritative price resolved by the builder, not client input.
type CartLine struct {
	ProductID int64
	Quantity  int
	UnitPrice decimal.Decimal
}

// RateChoice is the shipping rate the customer selected at checkout. It is
// carried through session metadata so fulfilment purchases the rate the
// customer actually paid for instead of requoting.
type RateChoice struct {
	RateID  string
	Carrier string
	Service string
	Amount  decimal.Decimal
}

// Intent describes an order that does not exist yet. It lives only inside
// the payment gateway's metadata channel: encoded when the session is built,
// decoded exactly once when the completion webhook arrives.
type Intent struct {
	UserID     *int64
	GuestEmail string
	Lines      []CartLine
	Address    *models.Address
	Rate       *RateChoice
	Discount   decimal.Decimal
}

func (in *Intent) Subtotal() decimal.Decimal {
	var sum decimal.Decimal
	for _, line := range in.Lines {
		sum = sum.Add(line.UnitPrice.Mul(decimal.NewFromInt(int64(line.Quantity))))
	}
	return sum
}

// SessionRef is the decoded metadata of a completed session: either a
// reference to an existing order (retry path) or an Intent to materialize.
// Exactly one side is set.
type SessionRef struct {
	OrderID int64
	Intent  *Intent
}

// wireIntent is the compact JSON form of an Intent. Field names are one
// character and cart lines collapse to "productID:qty:unitCents" so a
// realistic cart fits the metadata budget.
type wireIntent struct {
	V int      `json:"v"`
	U int64    `json:"u,omitempty"`
	E string   `json:"e,omitempty"`
	I []string `json:"i"`
	A []string `json:"a,omitempty"`
	R []string `json:"r,omitempty"`
	D int64    `json:"d,omitempty"`
}

func centsFromDecimal(d decimal.Decimal) int64 {
	return d.Shift(2).Round(0).IntPart()
}

func decimalFromCents(c int64) decimal.Decimal {
	return decimal.New(c, -2)
}

// Encode serializes the intent into its metadata form, failing with
// ErrMetadataTooLarge instead of truncating.
func (in *Intent) Encode() (string, error) {
	w := wireIntent{V: 1, E: in.GuestEmail}
	if in.UserID != nil {
		w.U = *in.UserID
	}
	for _, line := range in.Lines {
		w.I = append(w.I, fmt.Sprintf("%d:%d:%d",
			line.ProductID, line.Quantity, centsFromDecimal(line.UnitPrice)))
	}
	if in.Address != nil && !in.Address.IsZero() {
		a := in.Address
		w.A = []string{a.Name, a.Street, a.Unit, a.City, a.State, a.Zip, a.Country}
	}
	if in.Rate != nil {
		w.R = []string{in.Rate.RateID, in.Rate.Carrier, in.Rate.Service,
			strconv.FormatInt(centsFromDecimal(in.Rate.Amount), 10)}
	}
	if !in.Discount.IsZero() {
		w.D = centsFromDecimal(in.Discount)
	}

	data, err := json.Marshal(w)
	if err != nil {
		return "", fmt.Errorf("encode intent: %w", err)
	}
	if len(data) > MetadataBudget {
		return "", ErrMetadataTooLarge
	}
	return string(data), nil
}

// DecodeIntent parses the metadata form back into an Intent.
func DecodeIntent(encoded string) (*Intent, error) {
	var w wireIntent
	if err := json.Unmarshal([]byte(encoded), &w); err != nil {
		return nil, fmt.Errorf("decode intent: %w", err)
	}
	if w.V != 1 {
		return nil, fmt.Errorf("decode intent: unsupported version %d", w.V)
	}
	if len(w.I) == 0 {
		return nil, errors.New("decode intent: no cart lines")
	}

	in := &Intent{GuestEmail: w.E, Discount: decimalFromCents(w.D)}
	if w.U != 0 {
		uid := w.U
		in.UserID = &uid
	}

	for _, raw := range w.I {
		parts := strings.Split(raw, ":")
		if len(parts) != 3 {
			return nil, fmt.Errorf("decode intent: malformed cart line %q", raw)
		}
		productID, err := strconv.ParseInt(parts[0], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("decode intent: cart line product id: %w", err)
		}
		qty, err := strconv.Atoi(parts[1])
		if err != nil || qty <= 0 {
			return nil, fmt.Errorf("decode intent: cart line quantity %q", parts[1])
		}
		cents, err := strconv.ParseInt(parts[2], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("decode intent: cart line price: %w", err)
		}
		in.Lines = append(in.Lines, CartLine{
			ProductID: productID,
			Quantity:  qty,
			UnitPrice: decimalFromCents(cents),
		})
	}

	if len(w.A) == 7 {
		in.Address = &models.Address{
			Name:    w.A[0],
			Street:  w.A[1],
			Unit:    w.A[2],
			City:    w.A[3],
			State:   w.A[4],
			Zip:     w.A[5],
			Country: w.A[6],
		}
	} else if len(w.A) != 0 {
		return nil, fmt.Errorf("decode intent: malformed address (%d fields)", len(w.A))
	}

	if len(w.R) == 4 {
		cents, err := strconv.ParseInt(w.R[3], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("decode intent: rate amount: %w", err)
		}
		in.Rate = &RateChoice{
			RateID:  w.R[0],
			Carrier: w.R[1],
			Service: w.R[2],
			Amount:  decimalFromCents(cents),
		}
	} else if len(w.R) != 0 {
		return nil, fmt.Errorf("decode intent: malformed rate (%d fields)", len(w.R))
	}

	return in, nil
}

// DecodeSessionMetadata resolves a session's metadata into the tagged union
// the reconciler branches on, decoding exactly once at the top.
func DecodeSessionMetadata(metadata map[string]string) (SessionRef, error) {
	if raw, ok := metadata[metadataKeyOrderID]; ok && raw != "" {
		orderID, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || orderID <= 0 {
			return SessionRef{}, fmt.Errorf("malformed order id metadata %q", raw)
		}
		return SessionRef{OrderID: orderID}, nil
	}
	if raw, ok := metadata[metadataKeyIntent]; ok && raw != "" {
		intent, err := DecodeIntent(raw)
		if err != nil {
			return SessionRef{}, err
		}
		return SessionRef{Intent: intent}, nil
	}
	return SessionRef{}, ErrNoCheckoutMetadata
}
