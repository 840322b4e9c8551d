// Package payment wraps the Stripe API behind an explicitly constructed
// client so the checkout components can be wired with a test double.
package payment

import (
	"context"
	"errors"

	"github.com/safar/go-storefront/internal/config"
	"github.com/stripe/stripe-go/v72"
	"github.com/stripe/stripe-go/v72/client"
	"github.com/stripe/stripe-go/v72/webhook"
)

var (
	ErrNotConfigured   = errors.New("payment gateway not configured")
	ErrNoWebhookSecret = errors.New("webhook secret not configured")
)

// Gateway talks to Stripe. A Gateway built without credentials is still
// usable: every call reports ErrNotConfigured so the HTTP layer can answer
// 503 instead of the process crashing at startup.
type Gateway struct {
	api           *client.API
	webhookSecret string
}

func NewGateway(cfg config.StripeConfig) *Gateway {
	g := &Gateway{webhookSecret: cfg.WebhookSecret}
	if cfg.SecretKey != "" {
		api := &client.API{}
		api.Init(cfg.SecretKey, nil)
		g.api = api
	}
	return g
}

func (g *Gateway) Configured() bool { return g.api != nil }

func (g *Gateway) WebhookConfigured() bool { return g.webhookSecret != "" }

func (g *Gateway) CreateCheckoutSession(ctx context.Context, params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
	if g.api == nil {
		return nil, ErrNotConfigured
	}
	params.Context = ctx
	return g.api.CheckoutSessions.New(params)
}

// CheckoutSession retrieves a session with the given fields expanded. The
// reconciler re-fetches sessions this way because webhook payloads may be
// partial.
func (g *Gateway) CheckoutSession(ctx context.Context, id string, expand ...string) (*stripe.CheckoutSession, error) {
	if g.api == nil {
		return nil, ErrNotConfigured
	}
	params := &stripe.CheckoutSessionParams{}
	params.Context = ctx
	for _, e := range expand {
		params.AddExpand(e)
	}
	return g.api.CheckoutSessions.Get(id, params)
}

// VerifyWebhook authenticates a raw webhook body against the shared secret.
// An absent secret is a hard failure, never a bypass.
func (g *Gateway) VerifyWebhook(payload []byte, sigHeader string) (stripe.Event, error) {
	if g.webhookSecret == "" {
		return stripe.Event{}, ErrNoWebhookSecret
	}
	return webhook.ConstructEvent(payload, sigHeader, g.webhookSecret)
}
