package handler

import (
	"errors"
	"io"
	"net/http"

	"learnhub/internal/service"
	"learnhub/pkg/payment"

	"github.com/gin-gonic/gin"
)

const maxWebhookBody = 1 << 20

type WebhookHandler struct {
	svc             *service.WebhookService
	defaultProvider string
}

func NewWebhookHandler(svc *service.WebhookService, defaultProvider string) *WebhookHandler {
	return &WebhookHandler{svc: svc, defaultProvider: defaultProvider}
}

// Handle serves POST /payments/webhook and /payments/webhook/:provider. The body must be
// read raw: signatures are computed over the exact bytes.
func (h *WebhookHandler) Handle(c *gin.Context) {
	provider := c.Param("provider")
	if provider == "" {
		provider = h.defaultProvider
	}
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body", "code": "invalid"})
		return
	}
	err = h.svc.Handle(c.Request.Context(), provider, c.Request.Header, body)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"received": true})
	case errors.Is(err, payment.ErrInvalidSignature):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid signature", "code": "invalid_signature"})
	case errors.Is(err, payment.ErrMalformedEvent):
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed event", "code": "invalid"})
	default:
		respondError(c, err)
	}
}
