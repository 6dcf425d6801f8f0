package payment

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/google/uuid"
)

// StubSignatureHeader carries the hex HMAC-SHA256 of the raw body.
const StubSignatureHeader = "X-Webhook-Signature"

// StubGateway is an in-process gateway for development and tests. Intents succeed on
// retrieval unless SetStatus says otherwise.
type StubGateway struct {
	WebhookSecret string

	mu       sync.Mutex
	intents  map[string]*IntentStatus
	createFn func(IntentRequest) error
	fetchErr error
}

func NewStubGateway(webhookSecret string) *StubGateway {
	return &StubGateway{WebhookSecret: webhookSecret, intents: make(map[string]*IntentStatus)}
}

func (s *StubGateway) Name() string { return "stub" }

// FailCreate makes CreateIntent return the error produced by fn (nil fn clears it).
func (s *StubGateway) FailCreate(fn func(IntentRequest) error) {
	s.mu.Lock()
	s.createFn = fn
	s.mu.Unlock()
}

// FailRetrieve makes RetrieveIntent return err (nil clears it).
func (s *StubGateway) FailRetrieve(err error) {
	s.mu.Lock()
	s.fetchErr = err
	s.mu.Unlock()
}

// SetStatus overrides what RetrieveIntent reports for an intent.
func (s *StubGateway) SetStatus(intentID, status, failureReason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.intents[intentID] = &IntentStatus{ID: intentID, Status: status, FailureReason: failureReason}
}

func (s *StubGateway) CreateIntent(ctx context.Context, req IntentRequest) (*Intent, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createFn != nil {
		if err := s.createFn(req); err != nil {
			return nil, err
		}
	}
	if req.AmountCents <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", ErrGatewayRejected)
	}
	id := "stub_pi_" + uuid.NewString()
	s.intents[id] = &IntentStatus{ID: id, Status: IntentSucceeded}
	return &Intent{ID: id, ClientSecret: id + "_secret", Status: IntentRequiresAction}, nil
}

func (s *StubGateway) RetrieveIntent(ctx context.Context, intentID string) (*IntentStatus, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fetchErr != nil {
		return nil, s.fetchErr
	}
	st, ok := s.intents[intentID]
	if !ok {
		return nil, ErrIntentNotFound
	}
	out := *st
	return &out, nil
}

type stubEnvelope struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		IntentID       string `json:"intent_id"`
		AmountRefunded int64  `json:"amount_refunded"`
		FailureReason  string `json:"failure_reason"`
	} `json:"data"`
}

func (s *StubGateway) VerifyWebhook(header http.Header, payload []byte) (*Event, error) {
	if s.WebhookSecret == "" {
		return nil, fmt.Errorf("%w: no webhook secret configured", ErrInvalidSignature)
	}
	if !hmac.Equal([]byte(header.Get(StubSignatureHeader)), []byte(s.Sign(payload))) {
		return nil, ErrInvalidSignature
	}
	var env stubEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	return &Event{
		ID:                  env.ID,
		Type:                env.Type,
		IntentID:            env.Data.IntentID,
		AmountRefundedCents: env.Data.AmountRefunded,
		RefundCumulative:    true,
		FailureReason:       env.Data.FailureReason,
		Raw:                 payload,
	}, nil
}

// Sign returns the signature header value for payload.
func (s *StubGateway) Sign(payload []byte) string {
	mac := hmac.New(sha256.New, []byte(s.WebhookSecret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
