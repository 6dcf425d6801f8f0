package payment

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/shopspring/decimal"
)

// Normalized intent statuses returned by RetrieveIntent.
const (
	IntentSucceeded       = "succeeded"
	IntentProcessing      = "processing"
	IntentRequiresAction  = "requires_action"
	IntentRequiresCapture = "requires_capture"
	IntentFailed          = "failed"
	IntentCancelled       = "cancelled"
)

// Normalized webhook event types. Provider adapters translate their own names onto these;
// anything else is passed through verbatim and treated as unknown by the caller.
const (
	EventPaymentSucceeded = "payment_intent.succeeded"
	EventPaymentFailed    = "payment_intent.payment_failed"
	EventChargeRefunded   = "charge.refunded"
)

var (
	// ErrGatewayUnavailable is retryable: network failure, timeout, 5xx or rate limiting.
	ErrGatewayUnavailable = errors.New("payment gateway unavailable")
	// ErrGatewayRejected means the gateway refused the request as malformed or not allowed.
	ErrGatewayRejected = errors.New("payment gateway rejected request")
	// ErrInvalidSignature means the webhook must not be processed.
	ErrInvalidSignature = errors.New("invalid webhook signature")
	// ErrMalformedEvent means the signature was valid but the body could not be parsed.
	ErrMalformedEvent   = errors.New("malformed webhook event")
	ErrIntentNotFound   = errors.New("payment intent not found at gateway")
	ErrUnknownProvider  = errors.New("unknown payment provider")
)

type IntentRequest struct {
	AmountCents   int64
	Currency      string
	PaymentMethod string
	Description   string
	// Metadata is attached to the gateway object; values must be strings.
	Metadata map[string]string
}

type Intent struct {
	ID           string
	ClientSecret string
	Status       string
}

type IntentStatus struct {
	ID            string
	Status        string
	FailureReason string
}

type Event struct {
	ID       string
	Type     string
	IntentID string
	// AmountRefundedCents is set for charge.refunded. When RefundCumulative is true it is the
	// total refunded so far on the intent, otherwise the amount of this refund only.
	AmountRefundedCents int64
	RefundCumulative    bool
	FailureReason       string
	Raw                 []byte
}

// Gateway isolates the external charge API.
type Gateway interface {
	Name() string
	CreateIntent(ctx context.Context, req IntentRequest) (*Intent, error)
	RetrieveIntent(ctx context.Context, intentID string) (*IntentStatus, error)
	// VerifyWebhook checks the delivery signature then parses the event. Signature failures
	// return an error wrapping ErrInvalidSignature.
	VerifyWebhook(header http.Header, payload []byte) (*Event, error)
}

// Capturer is implemented by gateways whose approved intents need an explicit capture.
type Capturer interface {
	CaptureIntent(ctx context.Context, intentID string) (*IntentStatus, error)
}

// Registry resolves gateways by provider name.
type Registry struct {
	mu       sync.RWMutex
	gateways map[string]Gateway
	fallback string
}

func NewRegistry(defaultProvider string) *Registry {
	return &Registry{gateways: make(map[string]Gateway), fallback: defaultProvider}
}

func (r *Registry) Register(g Gateway) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gateways[g.Name()] = g
}

// Get returns the named gateway, or the default one when name is empty.
func (r *Registry) Get(name string) (Gateway, error) {
	if name == "" {
		name = r.fallback
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.gateways[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, name)
	}
	return g, nil
}

func (r *Registry) Default() string { return r.fallback }

// FormatMinorUnits renders cents as a decimal string, e.g. 1050 -> "10.50".
func FormatMinorUnits(cents int64) string {
	return decimal.NewFromInt(cents).Shift(-2).StringFixed(2)
}

// ParseMinorUnits parses a decimal amount string such as "10.5" or "10.50" into cents.
func ParseMinorUnits(s string) (int64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	cents := d.Shift(2)
	if !cents.IsInteger() {
		return 0, fmt.Errorf("amount %q has more than two decimals", s)
	}
	return cents.IntPart(), nil
}
