package handler

import (
	"net/http"
	"strconv"

	"learnhub/internal/apperr"
	"learnhub/internal/middleware"
	"learnhub/internal/models"
	"learnhub/internal/service"
	"learnhub/pkg/payment"

	"github.com/gin-gonic/gin"
)

type PaymentHandler struct {
	svc *service.PaymentService
}

func NewPaymentHandler(svc *service.PaymentService) *PaymentHandler {
	return &PaymentHandler{svc: svc}
}

type paymentView struct {
	ID                uint    `json:"id"`
	TransactionID     string  `json:"transaction_id"`
	CourseID          uint    `json:"course_id"`
	Amount            string  `json:"amount"`
	AmountCents       int64   `json:"amount_cents"`
	Currency          string  `json:"currency"`
	PaymentMethod     string  `json:"payment_method"`
	Provider          string  `json:"provider"`
	ProviderPaymentID *string `json:"provider_payment_id"`
	Status            string  `json:"status"`
	EnrollmentID      *uint   `json:"enrollment_id"`
	RefundAmount      string  `json:"refund_amount,omitempty"`
	FailureReason     *string `json:"failure_reason,omitempty"`
	ExpiresAt         string  `json:"expires_at,omitempty"`
	PaidAt            string  `json:"paid_at,omitempty"`
	CreatedAt         string  `json:"created_at"`
}

func toPaymentView(p *models.Payment) paymentView {
	v := paymentView{
		ID:                p.ID,
		TransactionID:     p.TransactionID,
		CourseID:          p.CourseID,
		Amount:            payment.FormatMinorUnits(p.AmountCents),
		AmountCents:       p.AmountCents,
		Currency:          p.Currency,
		PaymentMethod:     p.PaymentMethod,
		Provider:          p.PaymentProvider,
		ProviderPaymentID: p.ProviderPaymentID,
		Status:            p.Status,
		EnrollmentID:      p.EnrollmentID,
		FailureReason:     p.FailureReason,
		CreatedAt:         p.CreatedAt.UTC().Format(timeLayout),
	}
	if p.RefundAmountCents > 0 {
		v.RefundAmount = payment.FormatMinorUnits(p.RefundAmountCents)
	}
	if p.ExpiresAt != nil {
		v.ExpiresAt = p.ExpiresAt.UTC().Format(timeLayout)
	}
	if p.PaidAt != nil {
		v.PaidAt = p.PaidAt.UTC().Format(timeLayout)
	}
	return v
}

const timeLayout = "2006-01-02T15:04:05Z07:00"

// CreateIntent handles POST /payments/intent/:courseId.
func (h *PaymentHandler) CreateIntent(c *gin.Context) {
	courseID, err := strconv.ParseUint(c.Param("courseId"), 10, 64)
	if err != nil || courseID == 0 {
		respondError(c, apperr.InvalidErr("invalid course id", map[string]string{"course_id": "must be a positive integer"}))
		return
	}
	var req struct {
		PaymentMethod string `json:"payment_method" binding:"omitempty,oneof=card paypal wallet"`
		Provider      string `json:"provider" binding:"omitempty,oneof=stripe paypal stub"`
	}
	// body is optional
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			respondError(c, bindError(err))
			return
		}
	}
	res, err := h.svc.CreateIntent(c.Request.Context(), service.CreateIntentInput{
		UserID:        middleware.GetUserID(c),
		CourseID:      uint(courseID),
		PaymentMethod: req.PaymentMethod,
		Provider:      req.Provider,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	p := res.Payment
	c.JSON(http.StatusCreated, gin.H{
		"client_secret":  res.ClientSecret,
		"payment_id":     p.ID,
		"transaction_id": p.TransactionID,
		"amount":         payment.FormatMinorUnits(p.AmountCents),
		"currency":       p.Currency,
		"provider":       p.PaymentProvider,
		"status":         p.Status,
	})
}

// Confirm handles POST /payments/confirm.
func (h *PaymentHandler) Confirm(c *gin.Context) {
	var req struct {
		PaymentID        uint   `json:"payment_id" binding:"required"`
		ProviderIntentID string `json:"provider_intent_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, bindError(err))
		return
	}
	res, err := h.svc.Confirm(c.Request.Context(), middleware.GetUserID(c), req.PaymentID, req.ProviderIntentID)
	if err != nil {
		respondError(c, err)
		return
	}
	if res.Pending {
		c.JSON(http.StatusAccepted, gin.H{"status": res.Payment.Status, "payment_id": res.Payment.ID})
		return
	}
	enrollmentID := res.Payment.EnrollmentID
	if res.Enrollment != nil {
		enrollmentID = &res.Enrollment.ID
	}
	c.JSON(http.StatusOK, gin.H{
		"enrollment_id":     enrollmentID,
		"payment_id":        res.Payment.ID,
		"status":            res.Payment.Status,
		"already_completed": res.AlreadyCompleted,
	})
}

// Get handles GET /payments/:id.
func (h *PaymentHandler) Get(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		respondError(c, service.ErrPaymentNotFound)
		return
	}
	p, err := h.svc.Get(middleware.GetUserID(c), middleware.GetRole(c), uint(id))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payment": toPaymentView(p)})
}

// ListMine handles GET /me/payments.
func (h *PaymentHandler) ListMine(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	list, err := h.svc.ListMine(middleware.GetUserID(c), limit, offset)
	if err != nil {
		respondError(c, err)
		return
	}
	views := make([]paymentView, 0, len(list))
	for i := range list {
		views = append(views, toPaymentView(&list[i]))
	}
	c.JSON(http.StatusOK, gin.H{"payments": views})
}
