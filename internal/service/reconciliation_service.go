package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"learnhub/internal/domain"
	"learnhub/internal/models"
	"learnhub/internal/repository"

	"gorm.io/gorm"
)

// ReconcileResult is the outcome of a successful Reconcile. AlreadyCompleted means an
// earlier call did the work and nothing was changed.
type ReconcileResult struct {
	Payment          *models.Payment
	Enrollment       *models.Enrollment
	AlreadyCompleted bool
}

// ReconciliationService owns every payment status transition after intent creation and
// the enrollment and course counters that go with them. Confirm, webhook, sweeper and CLI
// all converge here.
type ReconciliationService struct {
	db          *gorm.DB
	payments    *repository.PaymentRepository
	enrollments *repository.EnrollmentRepository
	courses     *repository.CourseRepository
	audit       *repository.AuditLogRepository
	notify      *NotificationService
	log         *slog.Logger
}

func NewReconciliationService(
	db *gorm.DB,
	payments *repository.PaymentRepository,
	enrollments *repository.EnrollmentRepository,
	courses *repository.CourseRepository,
	audit *repository.AuditLogRepository,
	notify *NotificationService,
	log *slog.Logger,
) *ReconciliationService {
	if log == nil {
		log = slog.Default()
	}
	return &ReconciliationService{
		db:          db,
		payments:    payments,
		enrollments: enrollments,
		courses:     courses,
		audit:       audit,
		notify:      notify,
		log:         log,
	}
}

// lookup finds the payment behind a gateway intent. The intent must belong to provider: a
// signal from one gateway never settles a payment made through another.
func (s *ReconciliationService) lookup(ctx context.Context, provider, providerPaymentID string) (*models.Payment, error) {
	if providerPaymentID == "" {
		return nil, ErrPaymentNotFound
	}
	p, err := s.payments.WithTx(s.db.WithContext(ctx)).GetByProviderPaymentID(providerPaymentID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrPaymentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load payment %s: %w", providerPaymentID, err)
	}
	if p.PaymentProvider != provider {
		s.log.WarnContext(ctx, "payment signal from wrong provider",
			slog.Uint64("payment_id", uint64(p.ID)),
			slog.String("payment_provider", p.PaymentProvider),
			slog.String("signal_provider", provider))
		return nil, fmt.Errorf("%w: intent %s is not a %s payment", ErrPaymentNotFound, providerPaymentID, provider)
	}
	return p, nil
}

// Reconcile marks the payment behind providerPaymentID completed and activates the
// student's enrollment, exactly once however many times it is called.
func (s *ReconciliationService) Reconcile(ctx context.Context, provider, providerPaymentID, source string) (*ReconcileResult, error) {
	p, err := s.lookup(ctx, provider, providerPaymentID)
	if err != nil {
		return nil, err
	}
	if p.IsCompleted() {
		return s.alreadyCompleted(ctx, p)
	}

	var (
		res    ReconcileResult
		course *models.Course
	)
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		payments := s.payments.WithTx(tx)
		enrollments := s.enrollments.WithTx(tx)
		courses := s.courses.WithTx(tx)

		locked, err := payments.LockByID(p.ID)
		if err != nil {
			return err
		}
		if locked.IsCompleted() {
			res.Payment = locked
			res.AlreadyCompleted = true
			if locked.EnrollmentID != nil {
				e, err := enrollments.GetByID(*locked.EnrollmentID)
				if err != nil {
					return fmt.Errorf("load enrollment %d: %w", *locked.EnrollmentID, err)
				}
				res.Enrollment = e
			}
			return nil
		}
		if !models.CanTransition(locked.Status, domain.PaymentStatusCompleted) {
			return fmt.Errorf("%w: payment %d is %s", ErrPaymentNotPayable, locked.ID, locked.Status)
		}

		course, err = courses.LockByID(locked.CourseID)
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: %d", ErrCourseNotFound, locked.CourseID)
		}
		if err != nil {
			return err
		}

		enrollment, activated, err := enrollments.UpsertActive(locked.UserID, locked.CourseID, locked.AmountCents)
		if err != nil {
			return fmt.Errorf("upsert enrollment: %w", err)
		}
		if course.IsLive() && activated {
			ok, err := courses.TakeSeat(course.ID)
			if err != nil {
				return err
			}
			if !ok {
				return ErrSeatRaceLost
			}
		}

		now := time.Now().UTC()
		err = payments.UpdateFields(locked.ID, map[string]interface{}{
			"status":         domain.PaymentStatusCompleted,
			"paid_at":        now,
			"enrollment_id":  enrollment.ID,
			"failure_reason": nil,
		})
		if err != nil {
			return err
		}
		if _, err := courses.RecountStudents(course.ID); err != nil {
			return err
		}
		locked.Status = domain.PaymentStatusCompleted
		locked.PaidAt = &now
		locked.EnrollmentID = &enrollment.ID
		locked.FailureReason = nil
		res.Payment = locked
		res.Enrollment = enrollment
		return nil
	})
	if errors.Is(err, ErrSeatRaceLost) {
		s.log.WarnContext(ctx, "seat race lost",
			slog.Uint64("payment_id", uint64(p.ID)),
			slog.Uint64("course_id", uint64(p.CourseID)),
			slog.String("source", source))
		if _, ferr := s.fail(ctx, p.ID, domain.FailureSeatRaceLost, source); ferr != nil {
			return nil, errors.Join(ErrSeatRaceLost, ferr)
		}
		return nil, ErrSeatRaceLost
	}
	if err != nil {
		return nil, err
	}
	if res.AlreadyCompleted {
		return &res, nil
	}

	s.log.InfoContext(ctx, "payment reconciled",
		slog.Uint64("payment_id", uint64(res.Payment.ID)),
		slog.String("provider_payment_id", providerPaymentID),
		slog.Uint64("enrollment_id", uint64(res.Enrollment.ID)),
		slog.String("source", source))
	s.recordAudit(ctx, res.Payment, domain.AuditPaymentCompleted, source, map[string]interface{}{
		"enrollment_id": res.Enrollment.ID,
		"amount_cents":  res.Payment.AmountCents,
	})
	if s.notify != nil {
		s.notify.PushPaymentStatus(res.Payment)
		if err := s.notify.NotifyEnrollmentActivated(res.Payment, course.Title); err != nil {
			s.log.ErrorContext(ctx, "notify enrollment activated", slog.Any("err", err))
		}
	}
	return &res, nil
}

func (s *ReconciliationService) alreadyCompleted(ctx context.Context, p *models.Payment) (*ReconcileResult, error) {
	res := &ReconcileResult{Payment: p, AlreadyCompleted: true}
	if p.EnrollmentID != nil {
		e, err := s.enrollments.WithTx(s.db.WithContext(ctx)).GetByID(*p.EnrollmentID)
		if err != nil {
			return nil, fmt.Errorf("load enrollment %d: %w", *p.EnrollmentID, err)
		}
		res.Enrollment = e
	}
	return res, nil
}

// MarkFailed records a gateway failure. Payments that already completed, or are already
// failed or cancelled, are left untouched.
func (s *ReconciliationService) MarkFailed(ctx context.Context, provider, providerPaymentID, reason, source string) (*models.Payment, error) {
	p, err := s.lookup(ctx, provider, providerPaymentID)
	if err != nil {
		return nil, err
	}
	if reason == "" {
		reason = domain.FailureGatewayFailed
	}
	return s.fail(ctx, p.ID, reason, source)
}

func (s *ReconciliationService) fail(ctx context.Context, paymentID uint, reason, source string) (*models.Payment, error) {
	return s.closeOpen(ctx, paymentID, domain.PaymentStatusFailed, reason, source)
}

// MarkCancelled closes an open payment that will never be paid (expired or cancelled at the gateway).
func (s *ReconciliationService) MarkCancelled(ctx context.Context, paymentID uint, reason, source string) (*models.Payment, error) {
	return s.closeOpen(ctx, paymentID, domain.PaymentStatusCancelled, reason, source)
}

func (s *ReconciliationService) closeOpen(ctx context.Context, paymentID uint, status, reason, source string) (*models.Payment, error) {
	var (
		out     *models.Payment
		changed bool
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		payments := s.payments.WithTx(tx)
		locked, err := payments.LockByID(paymentID)
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrPaymentNotFound
		}
		if err != nil {
			return err
		}
		out = locked
		if !models.CanTransition(locked.Status, status) {
			if locked.IsCompleted() || locked.Status == domain.PaymentStatusRefunded {
				s.log.WarnContext(ctx, "ignoring late status change for settled payment",
					slog.Uint64("payment_id", uint64(locked.ID)),
					slog.String("status", locked.Status),
					slog.String("requested", status),
					slog.String("reason", reason),
					slog.String("source", source))
			}
			return nil
		}
		now := time.Now().UTC()
		fields := map[string]interface{}{"status": status, "failure_reason": reason}
		if status == domain.PaymentStatusFailed {
			fields["failed_at"] = now
			locked.FailedAt = &now
		}
		if err := payments.UpdateFields(locked.ID, fields); err != nil {
			return err
		}
		locked.Status = status
		locked.FailureReason = &reason
		changed = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !changed {
		return out, nil
	}

	action := domain.AuditPaymentFailed
	if status == domain.PaymentStatusCancelled {
		action = domain.AuditPaymentCancelled
	}
	s.log.InfoContext(ctx, "payment closed",
		slog.Uint64("payment_id", uint64(out.ID)),
		slog.String("status", status),
		slog.String("reason", reason),
		slog.String("source", source))
	s.recordAudit(ctx, out, action, source, map[string]interface{}{"reason": reason})
	if s.notify != nil {
		s.notify.PushPaymentStatus(out)
		if status == domain.PaymentStatusFailed {
			if err := s.notify.NotifyPaymentFailed(out); err != nil {
				s.log.ErrorContext(ctx, "notify payment failed", slog.Any("err", err))
			}
		}
	}
	return out, nil
}

// Refund applies a gateway refund. When cumulative is true amountCents is the total refunded
// so far, otherwise the amount of this refund alone. A zero amount is read as a full refund.
// Once the refunded total covers the payment the enrollment is cancelled and its seat released.
func (s *ReconciliationService) Refund(ctx context.Context, provider, providerPaymentID string, amountCents int64, cumulative bool, source string) (*models.Payment, error) {
	p, err := s.lookup(ctx, provider, providerPaymentID)
	if err != nil {
		return nil, err
	}

	var (
		out                *models.Payment
		changed, cancelled bool
	)
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		payments := s.payments.WithTx(tx)
		enrollments := s.enrollments.WithTx(tx)
		courses := s.courses.WithTx(tx)

		locked, err := payments.LockByID(p.ID)
		if err != nil {
			return err
		}
		out = locked
		if !models.CanTransition(locked.Status, domain.PaymentStatusRefunded) {
			s.log.WarnContext(ctx, "refund for unsettled payment ignored",
				slog.Uint64("payment_id", uint64(locked.ID)),
				slog.String("status", locked.Status),
				slog.String("source", source))
			return nil
		}

		var total int64
		switch {
		case amountCents <= 0:
			total = locked.AmountCents
		case cumulative:
			total = max(locked.RefundAmountCents, amountCents)
		default:
			total = locked.RefundAmountCents + amountCents
		}
		total = min(total, locked.AmountCents)
		if locked.Status == domain.PaymentStatusRefunded && total <= locked.RefundAmountCents {
			return nil
		}

		now := time.Now().UTC()
		err = payments.UpdateFields(locked.ID, map[string]interface{}{
			"status":              domain.PaymentStatusRefunded,
			"refund_amount_cents": total,
			"refunded_at":         now,
		})
		if err != nil {
			return err
		}
		locked.Status = domain.PaymentStatusRefunded
		locked.RefundAmountCents = total
		locked.RefundedAt = &now
		changed = true

		if total < locked.AmountCents {
			return nil
		}
		course, err := courses.LockByID(locked.CourseID)
		if err != nil {
			return err
		}
		_, cancelled, err = enrollments.Cancel(locked.UserID, locked.CourseID)
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if cancelled && course.IsLive() {
			if err := courses.ReleaseSeat(course.ID); err != nil {
				return err
			}
		}
		_, err = courses.RecountStudents(course.ID)
		return err
	})
	if err != nil {
		return nil, err
	}
	if !changed {
		return out, nil
	}

	s.log.InfoContext(ctx, "payment refunded",
		slog.Uint64("payment_id", uint64(out.ID)),
		slog.Int64("refund_amount_cents", out.RefundAmountCents),
		slog.Bool("enrollment_cancelled", cancelled),
		slog.String("source", source))
	s.recordAudit(ctx, out, domain.AuditPaymentRefunded, source, map[string]interface{}{
		"refund_amount_cents":  out.RefundAmountCents,
		"enrollment_cancelled": cancelled,
	})
	if s.notify != nil {
		s.notify.PushPaymentStatus(out)
		if cancelled {
			if err := s.notify.NotifyEnrollmentCancelled(out); err != nil {
				s.log.ErrorContext(ctx, "notify enrollment cancelled", slog.Any("err", err))
			}
		}
	}
	return out, nil
}

// RecountCourse recomputes students_count from active enrollments under the course lock.
func (s *ReconciliationService) RecountCourse(ctx context.Context, courseID uint, source string) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		courses := s.courses.WithTx(tx)
		if _, err := courses.LockByID(courseID); err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrCourseNotFound
			}
			return err
		}
		var err error
		n, err = courses.RecountStudents(courseID)
		return err
	})
	if err != nil {
		return 0, err
	}
	if s.audit != nil {
		err := s.audit.Create(&models.AuditLog{
			Action:     domain.AuditCourseRecount,
			Resource:   "course",
			ResourceID: strconv.FormatUint(uint64(courseID), 10),
			Source:     source,
			Metadata:   map[string]interface{}{"students_count": n},
		})
		if err != nil {
			s.log.ErrorContext(ctx, "audit log", slog.Any("err", err))
		}
	}
	return n, nil
}

func (s *ReconciliationService) recordAudit(ctx context.Context, p *models.Payment, action, source string, meta map[string]interface{}) {
	if s.audit == nil {
		return
	}
	uid := p.UserID
	err := s.audit.Create(&models.AuditLog{
		UserID:     &uid,
		Action:     action,
		Resource:   "payment",
		ResourceID: strconv.FormatUint(uint64(p.ID), 10),
		Source:     source,
		Metadata:   meta,
	})
	if err != nil {
		s.log.ErrorContext(ctx, "audit log", slog.String("action", action), slog.Any("err", err))
	}
}
