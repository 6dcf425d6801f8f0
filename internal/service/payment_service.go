package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"learnhub/config"
	"learnhub/internal/apperr"
	"learnhub/internal/domain"
	"learnhub/internal/models"
	"learnhub/internal/repository"
	"learnhub/pkg/payment"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type PaymentService struct {
	payments    *repository.PaymentRepository
	courses     *repository.CourseRepository
	enrollments *repository.EnrollmentRepository
	gateways    *payment.Registry
	recon       *ReconciliationService
	notify      *NotificationService
	cfg         *config.PaymentConfig
	log         *slog.Logger
}

func NewPaymentService(
	payments *repository.PaymentRepository,
	courses *repository.CourseRepository,
	enrollments *repository.EnrollmentRepository,
	gateways *payment.Registry,
	recon *ReconciliationService,
	notify *NotificationService,
	cfg *config.PaymentConfig,
	log *slog.Logger,
) *PaymentService {
	if log == nil {
		log = slog.Default()
	}
	return &PaymentService{
		payments:    payments,
		courses:     courses,
		enrollments: enrollments,
		gateways:    gateways,
		recon:       recon,
		notify:      notify,
		cfg:         cfg,
		log:         log,
	}
}

type CreateIntentInput struct {
	UserID        uint
	CourseID      uint
	PaymentMethod string
	Provider      string
}

type CreateIntentResult struct {
	Payment      *models.Payment
	ClientSecret string
}

// CreateIntent opens a payment for a course and asks the gateway for an intent. The payment
// is persisted as pending before the gateway call and moves to processing once the intent id
// is attached; if the gateway is unreachable it stays pending until it expires.
func (s *PaymentService) CreateIntent(ctx context.Context, in CreateIntentInput) (*CreateIntentResult, error) {
	course, err := s.courses.GetByID(in.CourseID)
	if errors.Is(err, gorm.ErrRecordNotFound) || (err == nil && !course.Published) {
		return nil, ErrCourseNotFound
	}
	if err != nil {
		return nil, err
	}
	if course.PriceCents <= 0 {
		return nil, apperr.InvalidErr("course is free and does not require payment", nil)
	}
	active, err := s.enrollments.IsActive(in.UserID, course.ID)
	if err != nil {
		return nil, err
	}
	if active {
		return nil, ErrAlreadyEnrolled
	}
	if !course.HasFreeSeat() {
		return nil, ErrCourseFull
	}

	method, provider, err := s.resolveProvider(in.PaymentMethod, in.Provider)
	if err != nil {
		return nil, err
	}
	gw, err := s.gateways.Get(provider)
	if err != nil {
		return nil, apperr.InvalidErr("payment provider is not available", map[string]string{"provider": "unsupported"})
	}

	currency := course.Currency
	if currency == "" {
		currency = s.cfg.Currency
	}
	now := time.Now().UTC()
	expires := now.Add(s.cfg.PaymentExpiry)
	p := &models.Payment{
		TransactionID:   "TXN-" + strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")),
		UserID:          in.UserID,
		CourseID:        course.ID,
		AmountCents:     course.PriceCents,
		Currency:        currency,
		PaymentMethod:   method,
		PaymentProvider: gw.Name(),
		Status:          domain.PaymentStatusPending,
		Metadata: map[string]interface{}{
			"course_title": course.Title,
			"course_type":  course.CourseType,
		},
		ExpiresAt: &expires,
	}
	if err := s.payments.Create(p); err != nil {
		return nil, fmt.Errorf("create payment: %w", err)
	}

	intent, err := gw.CreateIntent(ctx, payment.IntentRequest{
		AmountCents:   p.AmountCents,
		Currency:      p.Currency,
		PaymentMethod: method,
		Description:   course.Title,
		Metadata: map[string]string{
			"transaction_id": p.TransactionID,
			"payment_id":     strconv.FormatUint(uint64(p.ID), 10),
			"course_id":      strconv.FormatUint(uint64(course.ID), 10),
			"user_id":        strconv.FormatUint(uint64(in.UserID), 10),
		},
	})
	if err != nil {
		s.log.WarnContext(ctx, "create intent failed",
			slog.Uint64("payment_id", uint64(p.ID)),
			slog.String("provider", gw.Name()),
			slog.Any("err", err))
		return nil, err
	}

	err = s.payments.UpdateFields(p.ID, map[string]interface{}{
		"provider_payment_id": intent.ID,
		"status":              domain.PaymentStatusProcessing,
	})
	if err != nil {
		return nil, fmt.Errorf("attach intent: %w", err)
	}
	p.ProviderPaymentID = &intent.ID
	p.Status = domain.PaymentStatusProcessing

	s.log.InfoContext(ctx, "payment intent created",
		slog.Uint64("payment_id", uint64(p.ID)),
		slog.String("transaction_id", p.TransactionID),
		slog.String("provider", gw.Name()),
		slog.String("provider_payment_id", intent.ID))
	if s.notify != nil {
		s.notify.PushPaymentStatus(p)
	}
	return &CreateIntentResult{Payment: p, ClientSecret: intent.ClientSecret}, nil
}

// resolveProvider fills in defaults and rejects method/provider pairs that cannot work.
func (s *PaymentService) resolveProvider(method, provider string) (string, string, error) {
	method = strings.ToLower(strings.TrimSpace(method))
	provider = strings.ToLower(strings.TrimSpace(provider))
	if method == "" {
		method = domain.PaymentMethodCard
		if provider == domain.ProviderPayPal {
			method = domain.PaymentMethodPayPal
		}
	}
	switch method {
	case domain.PaymentMethodCard, domain.PaymentMethodWallet, domain.PaymentMethodPayPal:
	default:
		return "", "", apperr.InvalidErr("unsupported payment method", map[string]string{"payment_method": "must be one of card, paypal, wallet"})
	}
	if provider == "" {
		provider = s.gateways.Default()
		if method == domain.PaymentMethodPayPal {
			provider = domain.ProviderPayPal
		} else if provider == domain.ProviderPayPal {
			provider = domain.ProviderStripe
		}
	}
	switch {
	case provider == domain.ProviderStub:
	case method == domain.PaymentMethodPayPal && provider != domain.ProviderPayPal,
		method != domain.PaymentMethodPayPal && provider == domain.ProviderPayPal:
		return "", "", apperr.InvalidErr("payment method is not supported by this provider",
			map[string]string{"provider": fmt.Sprintf("%s cannot process %s payments", provider, method)})
	}
	return method, provider, nil
}

type ConfirmResult struct {
	Payment          *models.Payment
	Enrollment       *models.Enrollment
	AlreadyCompleted bool
	// Pending is true when the gateway has not settled yet; the webhook or sweeper finishes it.
	Pending bool
}

// Confirm is the synchronous completion path: the client reports it has paid and the
// gateway is asked directly for the intent status.
func (s *PaymentService) Confirm(ctx context.Context, userID, paymentID uint, providerIntentID string) (*ConfirmResult, error) {
	p, err := s.payments.GetByID(paymentID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrPaymentNotFound
	}
	if err != nil {
		return nil, err
	}
	if p.UserID != userID {
		return nil, apperr.ForbiddenErr("payment belongs to another user")
	}
	if p.ProviderPaymentID == nil || *p.ProviderPaymentID != providerIntentID {
		return nil, apperr.InvalidErr("provider intent does not match payment", map[string]string{"provider_intent_id": "mismatch"})
	}
	if p.IsCompleted() {
		res, err := s.recon.Reconcile(ctx, p.PaymentProvider, providerIntentID, domain.SourceConfirm)
		if err != nil {
			return nil, err
		}
		return &ConfirmResult{Payment: res.Payment, Enrollment: res.Enrollment, AlreadyCompleted: true}, nil
	}
	if p.IsTerminal() {
		return nil, fmt.Errorf("%w: payment is %s", ErrPaymentNotPayable, p.Status)
	}

	gw, err := s.gateways.Get(p.PaymentProvider)
	if err != nil {
		return nil, err
	}
	st, err := gw.RetrieveIntent(ctx, providerIntentID)
	if err != nil {
		s.log.WarnContext(ctx, "retrieve intent failed",
			slog.Uint64("payment_id", uint64(p.ID)),
			slog.Any("err", err))
		return nil, err
	}
	if st.Status == payment.IntentRequiresCapture {
		if c, ok := gw.(payment.Capturer); ok {
			st, err = c.CaptureIntent(ctx, providerIntentID)
			if err != nil {
				return nil, err
			}
		}
	}

	switch st.Status {
	case payment.IntentSucceeded:
		res, err := s.recon.Reconcile(ctx, p.PaymentProvider, providerIntentID, domain.SourceConfirm)
		if err != nil {
			return nil, err
		}
		return &ConfirmResult{Payment: res.Payment, Enrollment: res.Enrollment, AlreadyCompleted: res.AlreadyCompleted}, nil
	case payment.IntentFailed:
		reason := st.FailureReason
		if reason == "" {
			reason = domain.FailureGatewayFailed
		}
		if _, err := s.recon.MarkFailed(ctx, p.PaymentProvider, providerIntentID, reason, domain.SourceConfirm); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s", ErrPaymentDeclined, reason)
	case payment.IntentCancelled:
		if _, err := s.recon.MarkCancelled(ctx, p.ID, domain.FailureIntentCanceled, domain.SourceConfirm); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: intent cancelled", ErrPaymentDeclined)
	default:
		return &ConfirmResult{Payment: p, Pending: true}, nil
	}
}

// Get returns a payment to its owner or an admin.
func (s *PaymentService) Get(userID uint, role string, paymentID uint) (*models.Payment, error) {
	p, err := s.payments.GetByID(paymentID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrPaymentNotFound
	}
	if err != nil {
		return nil, err
	}
	if p.UserID != userID && role != domain.RoleAdmin {
		// do not reveal other users' payment ids
		return nil, ErrPaymentNotFound
	}
	return p, nil
}

func (s *PaymentService) ListMine(userID uint, limit, offset int) ([]models.Payment, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	return s.payments.ListByUser(userID, limit, offset)
}
