// Package notify sends transactional email through the SendGrid API.
// Delivery is best effort; callers decide whether a failure matters.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/safar/go-storefront/internal/config"
	"github.com/safar/go-storefront/internal/models"
)

var ErrNotConfigured = errors.New("notifier not configured")

type SendGrid struct {
	key       string
	baseURL   string
	fromEmail string
	fromName  string
	client    *http.Client
}

func NewSendGrid(cfg config.NotifyConfig) *SendGrid {
	return &SendGrid{
		key:       cfg.APIKey,
		baseURL:   strings.TrimRight(cfg.APIURL, "/"),
		fromEmail: cfg.FromEmail,
		fromName:  cfg.FromName,
		client:    &http.Client{Timeout: 10 * time.Second},
	}
}

func (s *SendGrid) Configured() bool { return s.key != "" }

type mailAddress struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

type mailRequest struct {
	Personalizations []struct {
		To []mailAddress `json:"to"`
	} `json:"personalizations"`
	From    mailAddress `json:"from"`
	Subject string      `json:"subject"`
	Content []struct {
		Type  string `json:"type"`
		Value string `json:"value"`
	} `json:"content"`
}

// SendOrderConfirmation emails the customer a summary of their confirmed
// order, including tracking details when a label has been purchased.
func (s *SendGrid) SendOrderConfirmation(ctx context.Context, to string, order *models.Order) error {
	if s.key == "" {
		return ErrNotConfigured
	}
	if to == "" {
		return errors.New("no recipient address")
	}

	var body strings.Builder
	fmt.Fprintf(&body, "Thanks for your order %s!\n\n", order.OrderNumber)
	for _, item := range order.Items {
		fmt.Fprintf(&body, "  %d x %s - %s\n", item.Quantity, item.ProductName, item.Subtotal.StringFixed(2))
	}
	fmt.Fprintf(&body, "\nShipping: %s\n", order.ShippingAmount.StringFixed(2))
	if order.DiscountAmount.IsPositive() {
		fmt.Fprintf(&body, "Discount: -%s\n", order.DiscountAmount.StringFixed(2))
	}
	fmt.Fprintf(&body, "Total: %s\n", order.TotalAmount.StringFixed(2))
	if order.TrackingNumber != "" {
		fmt.Fprintf(&body, "\nTracking (%s): %s\n%s\n", order.Carrier, order.TrackingNumber, order.TrackingURL)
	}

	req := mailRequest{
		From:    mailAddress{Email: s.fromEmail, Name: s.fromName},
		Subject: fmt.Sprintf("Order confirmation %s", order.OrderNumber),
	}
	req.Personalizations = append(req.Personalizations, struct {
		To []mailAddress `json:"to"`
	}{To: []mailAddress{{Email: to}}})
	req.Content = append(req.Content, struct {
		Type  string `json:"type"`
		Value string `json:"value"`
	}{Type: "text/plain", Value: body.String()})

	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal mail: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/v3/mail/send", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+s.key)
	httpReq.Header.Set("Content-Type", "application/json")

	res, err := s.client.Do(httpReq)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(res.Body, 1024))
		return fmt.Errorf("sendgrid mail/send: %s: %s", res.Status, msg)
	}

	return nil
}
