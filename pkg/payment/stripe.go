package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
	"github.com/stripe/stripe-go/v76/webhook"
)

const StripeSignatureHeader = "Stripe-Signature"

type StripeConfig struct {
	SecretKey     string
	WebhookSecret string
	Timeout       time.Duration
	// BaseURL overrides the API endpoint (stripe-mock, tests).
	BaseURL string
}

// StripeGateway wraps the Stripe PaymentIntents API.
type StripeGateway struct {
	api           *client.API
	webhookSecret string
	timeout       time.Duration
}

func NewStripeGateway(cfg StripeConfig) *StripeGateway {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	backendCfg := &stripe.BackendConfig{
		HTTPClient:        &http.Client{Timeout: cfg.Timeout},
		MaxNetworkRetries: stripe.Int64(1),
		LeveledLogger:     &stripe.LeveledLogger{Level: stripe.LevelError},
	}
	if cfg.BaseURL != "" {
		backendCfg.URL = stripe.String(cfg.BaseURL)
	}
	api := &client.API{}
	api.Init(cfg.SecretKey, &stripe.Backends{
		API:     stripe.GetBackendWithConfig(stripe.APIBackend, backendCfg),
		Connect: stripe.GetBackend(stripe.ConnectBackend),
		Uploads: stripe.GetBackend(stripe.UploadsBackend),
	})
	return &StripeGateway{api: api, webhookSecret: cfg.WebhookSecret, timeout: cfg.Timeout}
}

func (g *StripeGateway) Name() string { return "stripe" }

func (g *StripeGateway) CreateIntent(ctx context.Context, req IntentRequest) (*Intent, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(req.AmountCents),
		Currency: stripe.String(strings.ToLower(req.Currency)),
	}
	if req.Description != "" {
		params.Description = stripe.String(req.Description)
	}
	if req.PaymentMethod == "wallet" {
		// Apple Pay / Google Pay ride on the card rails
		params.PaymentMethodTypes = stripe.StringSlice([]string{"card"})
	} else {
		params.AutomaticPaymentMethods = &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		}
	}
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}
	params.Context = ctx
	pi, err := g.api.PaymentIntents.New(params)
	if err != nil {
		return nil, translateStripeError(err)
	}
	return &Intent{ID: pi.ID, ClientSecret: pi.ClientSecret, Status: stripeIntentStatus(pi.Status)}, nil
}

func (g *StripeGateway) RetrieveIntent(ctx context.Context, intentID string) (*IntentStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	pi, err := g.api.PaymentIntents.Get(intentID, params)
	if err != nil {
		return nil, translateStripeError(err)
	}
	out := &IntentStatus{ID: pi.ID, Status: stripeIntentStatus(pi.Status)}
	if pi.LastPaymentError != nil {
		out.FailureReason = pi.LastPaymentError.Msg
		// a declined attempt returns the intent to requires_payment_method
		if out.Status == IntentRequiresAction {
			out.Status = IntentFailed
		}
	}
	return out, nil
}

type stripeIntentObject struct {
	ID               string `json:"id"`
	LastPaymentError *struct {
		Message string `json:"message"`
		Code    string `json:"code"`
	} `json:"last_payment_error"`
}

type stripeChargeObject struct {
	ID             string `json:"id"`
	PaymentIntent  string `json:"payment_intent"`
	Amount         int64  `json:"amount"`
	AmountRefunded int64  `json:"amount_refunded"`
}

func (g *StripeGateway) VerifyWebhook(header http.Header, payload []byte) (*Event, error) {
	ev, err := webhook.ConstructEventWithOptions(payload, header.Get(StripeSignatureHeader), g.webhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		if errors.Is(err, webhook.ErrNotSigned) || errors.Is(err, webhook.ErrInvalidHeader) ||
			errors.Is(err, webhook.ErrNoValidSignature) || errors.Is(err, webhook.ErrTooOld) {
			return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	out := &Event{ID: ev.ID, Type: string(ev.Type), Raw: payload}
	if ev.Data == nil {
		return out, nil
	}
	switch out.Type {
	case EventPaymentSucceeded, EventPaymentFailed:
		var obj stripeIntentObject
		if err := json.Unmarshal(ev.Data.Raw, &obj); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
		}
		out.IntentID = obj.ID
		if obj.LastPaymentError != nil {
			out.FailureReason = obj.LastPaymentError.Message
			if out.FailureReason == "" {
				out.FailureReason = obj.LastPaymentError.Code
			}
		}
	case EventChargeRefunded:
		var obj stripeChargeObject
		if err := json.Unmarshal(ev.Data.Raw, &obj); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
		}
		out.IntentID = obj.PaymentIntent
		out.AmountRefundedCents = obj.AmountRefunded
		out.RefundCumulative = true
	}
	return out, nil
}

func stripeIntentStatus(s stripe.PaymentIntentStatus) string {
	switch s {
	case stripe.PaymentIntentStatusSucceeded:
		return IntentSucceeded
	case stripe.PaymentIntentStatusProcessing:
		return IntentProcessing
	case stripe.PaymentIntentStatusRequiresCapture:
		return IntentRequiresCapture
	case stripe.PaymentIntentStatusCanceled:
		return IntentCancelled
	default:
		return IntentRequiresAction
	}
}

// translateStripeError maps stripe-go errors onto the package sentinels.
func translateStripeError(err error) error {
	var se *stripe.Error
	if !errors.As(err, &se) {
		return fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}
	switch {
	case se.HTTPStatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrIntentNotFound, se.Msg)
	case se.HTTPStatusCode == http.StatusTooManyRequests || se.HTTPStatusCode >= 500 || se.HTTPStatusCode == 0:
		return fmt.Errorf("%w: %s", ErrGatewayUnavailable, se.Msg)
	default:
		return fmt.Errorf("%w: %s", ErrGatewayRejected, se.Msg)
	}
}
