// Package shipping quotes rates and purchases labels through the Shippo API.
package shipping

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
	"github.com/shopspring/decimal"
)

var ErrNotConfigured = errors.New("shipping client not configured")

type Parcel struct {
	Length       string `json:"length"`
	Width        string `json:"width"`
	Height       string `json:"height"`
	DistanceUnit string `json:"distance_unit"`
	Weight       string `json:"weight"`
	MassUnit     string `json:"mass_unit"`
}

// DefaultParcel is used when no product carries its own dimensions.
var DefaultParcel = Parcel{
	Length:       "10",
	Width:        "8",
	Height:       "4",
	DistanceUnit: "in",
	Weight:       "2",
	MassUnit:     "lb",
}

type Rate struct {
	RateID  string
	Carrier string
	Service string
	Amount  decimal.Decimal
}

type Label struct {
	TrackingNumber string
	TrackingURL    string
	LabelURL       string
}

type Shippo struct {
	token   string
	baseURL string
	origin  config.OriginAddress
	client  *http.Client
}

func NewShippo(cfg config.ShippingConfig) *Shippo {
	return &Shippo{
		token:   cfg.APIToken,
		baseURL: strings.TrimRight(cfg.APIURL, "/"),
		origin:  cfg.Origin,
		client:  &http.Client{Timeout: 15 * time.Second},
	}
}

func (s *Shippo) Configured() bool { return s.token != "" }

type shippoAddress struct {
	Name    string `json:"name"`
	Street1 string `json:"street1"`
	Street2 string `json:"street2,omitempty"`
	City    string `json:"city"`
	State   string `json:"state"`
	Zip     string `json:"zip"`
	Country string `json:"country"`
}

type shippoRate struct {
	ObjectID     string `json:"object_id"`
	Amount       string `json:"amount"`
	Provider     string `json:"provider"`
	ServiceLevel struct {
		Name string `json:"name"`
	} `json:"servicelevel"`
}

// Quote creates a shipment and returns the available rates, cheapest first
// as Shippo orders them.
func (s *Shippo) Quote(ctx context.Context, to models.Address, parcels []Parcel) ([]Rate, error) {
	if s.token == "" {
		return nil, ErrNotConfigured
	}
	if len(parcels) == 0 {
		parcels = []Parcel{DefaultParcel}
	}

	body := map[string]interface{}{
		"address_from": shippoAddress{
			Name:    s.origin.Name,
			Street1: s.origin.Street,
			City:    s.origin.City,
			State:   s.origin.State,
			Zip:     s.origin.Zip,
			Country: s.origin.Country,
		},
		"address_to": shippoAddress{
			Name:    to.Name,
			Street1: to.Street,
			Street2: to.Unit,
			City:    to.City,
			State:   to.State,
			Zip:     to.Zip,
			Country: to.Country,
		},
		"parcels": parcels,
		"async":   false,
	}

	var resp struct {
		Rates []shippoRate `json:"rates"`
	}
	if err := s.post(ctx, "/shipments/", body, &resp); err != nil {
		return nil, fmt.Errorf("quote shipment: %w", err)
	}

	rates := make([]Rate, 0, len(resp.Rates))
	for _, r := range resp.Rates {
		amount, err := decimal.NewFromString(r.Amount)
		if err != nil {
			return nil, fmt.Errorf("parse rate amount %q: %w", r.Amount, err)
		}
		rates = append(rates, Rate{
			RateID:  r.ObjectID,
			Carrier: r.Provider,
			Service: r.ServiceLevel.Name,
			Amount:  amount,
		})
	}

	return rates, nil
}

// Purchase buys a label for a previously quoted rate.
func (s *Shippo) Purchase(ctx context.Context, rateID string) (*Label, error) {
	if s.token == "" {
		return nil, ErrNotConfigured
	}

	body := map[string]interface{}{
		"rate":            rateID,
		"label_file_type": "PDF_4x6",
		"async":           false,
	}

	var resp struct {
		Status         string `json:"status"`
		TrackingNumber string `json:"tracking_number"`
		TrackingURL    string `json:"tracking_url_provider"`
		LabelURL       string `json:"label_url"`
		Messages       []struct {
			Text string `json:"text"`
		} `json:"messages"`
	}
	if err := s.post(ctx, "/transactions/", body, &resp); err != nil {
		return nil, fmt.Errorf("purchase label: %w", err)
	}

	if resp.Status != "SUCCESS" {
		var texts []string
		for _, m := range resp.Messages {
			texts = append(texts, m.Text)
		}
		return nil, fmt.Errorf("purchase label: transaction status %s: %s",
			resp.Status, strings.Join(texts, "; "))
	}

	return &Label{
		TrackingNumber: resp.TrackingNumber,
		TrackingURL:    resp.TrackingURL,
		LabelURL:       resp.LabelURL,
	}, nil
}

func (s *Shippo) post(ctx context.Context, path string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "ShippoToken "+s.token)
	req.Header.Set("Content-Type", "application/json")

	res, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(res.Body, 1024))
		return fmt.Errorf("shippo %s: %s: %s", path, res.Status, msg)
	}

	return json.NewDecoder(res.Body).Decode(out)
}
