package payment

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

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

type PayPalConfig struct {
	BaseURL      string // https://api-m.sandbox.paypal.com or https://api-m.paypal.com
	ClientID     string
	ClientSecret string
	WebhookID    string
	ReturnURL    string
	CancelURL    string
	Timeout      time.Duration
}

// PayPalGateway implements the Orders v2 flow. The "intent" id is the PayPal order id and
// the client secret handed to the frontend is the approval link.
type PayPalGateway struct {
	cfg    PayPalConfig
	client *http.Client
}

func NewPayPalGateway(cfg PayPalConfig) *PayPalGateway {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api-m.sandbox.paypal.com"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	cc := clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     cfg.BaseURL + "/v1/oauth2/token",
		AuthStyle:    oauth2.AuthStyleInHeader,
	}
	base := &http.Client{Timeout: cfg.Timeout}
	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, base)
	client := cc.Client(ctx)
	client.Timeout = cfg.Timeout
	return &PayPalGateway{cfg: cfg, client: client}
}

func (g *PayPalGateway) Name() string { return "paypal" }

type paypalAmount struct {
	CurrencyCode string `json:"currency_code"`
	Value        string `json:"value"`
}

type paypalLink struct {
	Href string `json:"href"`
	Rel  string `json:"rel"`
}

type paypalOrder struct {
	ID            string       `json:"id"`
	Status        string       `json:"status"`
	Links         []paypalLink `json:"links"`
	PurchaseUnits []struct {
		Payments struct {
			Captures []struct {
				ID           string `json:"id"`
				Status       string `json:"status"`
				StatusDetail *struct {
					Reason string `json:"reason"`
				} `json:"status_details"`
			} `json:"captures"`
		} `json:"payments"`
	} `json:"purchase_units"`
}

func (g *PayPalGateway) CreateIntent(ctx context.Context, req IntentRequest) (*Intent, error) {
	unit := map[string]any{
		"amount": paypalAmount{CurrencyCode: strings.ToUpper(req.Currency), Value: FormatMinorUnits(req.AmountCents)},
	}
	if txID := req.Metadata["transaction_id"]; txID != "" {
		unit["custom_id"] = txID
		unit["reference_id"] = txID
	}
	if req.Description != "" {
		unit["description"] = req.Description
	}
	body := map[string]any{
		"intent":         "CAPTURE",
		"purchase_units": []any{unit},
	}
	if g.cfg.ReturnURL != "" || g.cfg.CancelURL != "" {
		body["application_context"] = map[string]string{
			"return_url": g.cfg.ReturnURL,
			"cancel_url": g.cfg.CancelURL,
		}
	}
	var order paypalOrder
	if err := g.do(ctx, http.MethodPost, "/v2/checkout/orders", body, &order); err != nil {
		return nil, err
	}
	approve := ""
	for _, l := range order.Links {
		if l.Rel == "approve" || l.Rel == "payer-action" {
			approve = l.Href
			break
		}
	}
	return &Intent{ID: order.ID, ClientSecret: approve, Status: paypalOrderStatus(&order)}, nil
}

func (g *PayPalGateway) RetrieveIntent(ctx context.Context, intentID string) (*IntentStatus, error) {
	var order paypalOrder
	if err := g.do(ctx, http.MethodGet, "/v2/checkout/orders/"+intentID, nil, &order); err != nil {
		return nil, err
	}
	return orderToStatus(&order), nil
}

// CaptureIntent captures an approved order.
func (g *PayPalGateway) CaptureIntent(ctx context.Context, intentID string) (*IntentStatus, error) {
	var order paypalOrder
	if err := g.do(ctx, http.MethodPost, "/v2/checkout/orders/"+intentID+"/capture", map[string]any{}, &order); err != nil {
		return nil, err
	}
	return orderToStatus(&order), nil
}

func orderToStatus(o *paypalOrder) *IntentStatus {
	out := &IntentStatus{ID: o.ID, Status: paypalOrderStatus(o)}
	for _, pu := range o.PurchaseUnits {
		for _, c := range pu.Payments.Captures {
			if c.StatusDetail != nil && c.StatusDetail.Reason != "" {
				out.FailureReason = c.StatusDetail.Reason
			}
		}
	}
	return out
}

func paypalOrderStatus(o *paypalOrder) string {
	switch o.Status {
	case "COMPLETED":
		for _, pu := range o.PurchaseUnits {
			for _, c := range pu.Payments.Captures {
				switch c.Status {
				case "DECLINED", "FAILED":
					return IntentFailed
				case "PENDING":
					return IntentProcessing
				}
			}
		}
		return IntentSucceeded
	case "APPROVED":
		return IntentRequiresCapture
	case "VOIDED":
		return IntentCancelled
	default: // CREATED, SAVED, PAYER_ACTION_REQUIRED
		return IntentRequiresAction
	}
}

type paypalWebhookEvent struct {
	ID        string          `json:"id"`
	EventType string          `json:"event_type"`
	Resource  json.RawMessage `json:"resource"`
}

type paypalResource struct {
	ID                string        `json:"id"`
	Amount            *paypalAmount `json:"amount"`
	SupplementaryData struct {
		RelatedIDs struct {
			OrderID string `json:"order_id"`
		} `json:"related_ids"`
	} `json:"supplementary_data"`
	StatusDetails *struct {
		Reason string `json:"reason"`
	} `json:"status_details"`
}

var paypalEventTypes = map[string]string{
	"CHECKOUT.ORDER.COMPLETED":  EventPaymentSucceeded,
	"PAYMENT.CAPTURE.COMPLETED": EventPaymentSucceeded,
	"PAYMENT.CAPTURE.DENIED":    EventPaymentFailed,
	"PAYMENT.CAPTURE.DECLINED":  EventPaymentFailed,
	"PAYMENT.CAPTURE.REFUNDED":  EventChargeRefunded,
}

// VerifyWebhook asks PayPal to validate the transmission signature, then maps the event.
func (g *PayPalGateway) VerifyWebhook(header http.Header, payload []byte) (*Event, error) {
	transmissionID := header.Get("Paypal-Transmission-Id")
	if transmissionID == "" || header.Get("Paypal-Transmission-Sig") == "" {
		return nil, fmt.Errorf("%w: missing transmission headers", ErrInvalidSignature)
	}
	// the body is embedded verbatim in the verify request
	if !json.Valid(payload) {
		return nil, fmt.Errorf("%w: body is not valid JSON", ErrMalformedEvent)
	}
	ctx, cancel := context.WithTimeout(context.Background(), g.cfg.Timeout)
	defer cancel()
	req := map[string]any{
		"auth_algo":         header.Get("Paypal-Auth-Algo"),
		"cert_url":          header.Get("Paypal-Cert-Url"),
		"transmission_id":   transmissionID,
		"transmission_sig":  header.Get("Paypal-Transmission-Sig"),
		"transmission_time": header.Get("Paypal-Transmission-Time"),
		"webhook_id":        g.cfg.WebhookID,
		"webhook_event":     json.RawMessage(payload),
	}
	var resp struct {
		VerificationStatus string `json:"verification_status"`
	}
	if err := g.do(ctx, http.MethodPost, "/v1/notifications/verify-webhook-signature", req, &resp); err != nil {
		if errors.Is(err, ErrGatewayRejected) {
			return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
		}
		return nil, err
	}
	if resp.VerificationStatus != "SUCCESS" {
		return nil, fmt.Errorf("%w: verification_status=%s", ErrInvalidSignature, resp.VerificationStatus)
	}
	return parsePayPalEvent(payload)
}

func parsePayPalEvent(payload []byte) (*Event, error) {
	var ev paypalWebhookEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	out := &Event{ID: ev.ID, Type: ev.EventType, Raw: payload}
	mapped, known := paypalEventTypes[ev.EventType]
	if !known {
		return out, nil
	}
	out.Type = mapped
	var res paypalResource
	if len(ev.Resource) > 0 {
		if err := json.Unmarshal(ev.Resource, &res); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
		}
	}
	out.IntentID = res.SupplementaryData.RelatedIDs.OrderID
	if ev.EventType == "CHECKOUT.ORDER.COMPLETED" {
		out.IntentID = res.ID
	}
	if res.StatusDetails != nil {
		out.FailureReason = res.StatusDetails.Reason
	}
	if mapped == EventChargeRefunded && res.Amount != nil {
		cents, err := ParseMinorUnits(res.Amount.Value)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
		}
		out.AmountRefundedCents = cents
	}
	return out, nil
}

func (g *PayPalGateway) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, g.cfg.BaseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s %s", ErrIntentNotFound, method, path)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("%w: paypal %d", ErrGatewayUnavailable, resp.StatusCode)
	case resp.StatusCode >= 400:
		return fmt.Errorf("%w: paypal %d %s", ErrGatewayRejected, resp.StatusCode, truncate(string(respBody), 200))
	}
	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("%w: decode paypal response: %v", ErrGatewayUnavailable, err)
	}
	return nil
}

func truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	return s[:n]
}
