package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"testing"
	"time"

	"learnhub/config"
	"learnhub/internal/database"
	"learnhub/internal/domain"
	"learnhub/internal/models"
	"learnhub/internal/repository"
	"learnhub/pkg/payment"

	"gorm.io/gorm"
)

type recordingPusher struct {
	mu   sync.Mutex
	msgs map[uint][]interface{}
}

func (p *recordingPusher) BroadcastToUser(userID uint, payload interface{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.msgs == nil {
		p.msgs = make(map[uint][]interface{})
	}
	p.msgs[userID] = append(p.msgs[userID], payload)
}

func (p *recordingPusher) statuses(userID uint) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, m := range p.msgs[userID] {
		if st, ok := m.(PaymentStatusMessage); ok {
			out = append(out, st.Status)
		}
	}
	return out
}

type testEnv struct {
	db          *gorm.DB
	payments    *repository.PaymentRepository
	courses     *repository.CourseRepository
	enrollments *repository.EnrollmentRepository
	events      *repository.WebhookEventRepository
	audit       *repository.AuditLogRepository
	stub        *payment.StubGateway
	pusher      *recordingPusher
	recon       *ReconciliationService
	paymentSvc  *PaymentService
	webhooks    *WebhookService
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return newTestEnvOn(t, &config.DatabaseConfig{Driver: "sqlite", DSN: ":memory:"})
}

func newTestEnvOn(t *testing.T, cfg *config.DatabaseConfig) *testEnv {
	t.Helper()
	db, err := database.NewDB(cfg)
	if err != nil {
		t.Fatalf("open %s: %v", cfg.Driver, err)
	}
	if err := database.AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	env := &testEnv{
		db:          db,
		payments:    repository.NewPaymentRepository(db),
		courses:     repository.NewCourseRepository(db),
		enrollments: repository.NewEnrollmentRepository(db),
		events:      repository.NewWebhookEventRepository(db),
		audit:       repository.NewAuditLogRepository(db),
		stub:        payment.NewStubGateway("whsec_test"),
		pusher:      &recordingPusher{},
	}
	registry := payment.NewRegistry(domain.ProviderStub)
	registry.Register(env.stub)
	notify := NewNotificationService(repository.NewNotificationRepository(db), env.pusher)
	env.recon = NewReconciliationService(db, env.payments, env.enrollments, env.courses, env.audit, notify, log)
	env.paymentSvc = NewPaymentService(env.payments, env.courses, env.enrollments, registry, env.recon, notify,
		&config.PaymentConfig{Currency: "USD", PaymentExpiry: 30 * time.Minute}, log)
	env.webhooks = NewWebhookService(env.events, registry, env.recon, log)
	return env
}

func (e *testEnv) course(t *testing.T, c models.Course) *models.Course {
	t.Helper()
	if c.Title == "" {
		c.Title = "Course"
	}
	if c.CourseType == "" {
		c.CourseType = domain.CourseTypeRecorded
	}
	if c.Currency == "" {
		c.Currency = "USD"
	}
	c.Published = true
	if err := e.courses.Create(&c); err != nil {
		t.Fatalf("create course: %v", err)
	}
	return &c
}

func (e *testEnv) processingPayment(t *testing.T, id, userID, courseID uint, amount int64, ref string) *models.Payment {
	t.Helper()
	p := &models.Payment{
		ID:                id,
		TransactionID:     "TXN-" + ref,
		UserID:            userID,
		CourseID:          courseID,
		AmountCents:       amount,
		Currency:          "USD",
		PaymentMethod:     domain.PaymentMethodCard,
		PaymentProvider:   domain.ProviderStub,
		ProviderPaymentID: &ref,
		Status:            domain.PaymentStatusProcessing,
	}
	if err := e.payments.Create(p); err != nil {
		t.Fatalf("create payment: %v", err)
	}
	return p
}

func (e *testEnv) reloadCourse(t *testing.T, id uint) *models.Course {
	t.Helper()
	c, err := e.courses.GetByID(id)
	if err != nil {
		t.Fatalf("reload course: %v", err)
	}
	return c
}

func (e *testEnv) reloadPayment(t *testing.T, id uint) *models.Payment {
	t.Helper()
	p, err := e.payments.GetByID(id)
	if err != nil {
		t.Fatalf("reload payment: %v", err)
	}
	return p
}

func (e *testEnv) countEnrollments(t *testing.T, courseID uint) int64 {
	t.Helper()
	var n int64
	if err := e.db.Model(&models.Enrollment{}).Where("course_id = ?", courseID).Count(&n).Error; err != nil {
		t.Fatal(err)
	}
	return n
}

func (e *testEnv) signedHeader(body []byte) http.Header {
	h := http.Header{}
	h.Set(payment.StubSignatureHeader, e.stub.Sign(body))
	return h
}

func TestConfirmThenDuplicateWebhook(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	course := env.course(t, models.Course{ID: 7, CourseType: domain.CourseTypeLive, PriceCents: 5000, MaxSeats: 30, EnrolledSeats: 29})
	env.processingPayment(t, 42, 5, course.ID, 5000, "pi_abc")
	env.stub.SetStatus("pi_abc", payment.IntentSucceeded, "")

	res, err := env.paymentSvc.Confirm(ctx, 5, 42, "pi_abc")
	if err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	if res.AlreadyCompleted || res.Pending || res.Enrollment == nil {
		t.Fatalf("unexpected confirm result %+v", res)
	}
	if res.Enrollment.StudentID != 5 || res.Enrollment.CourseID != 7 || res.Enrollment.Status != domain.EnrollmentStatusActive {
		t.Fatalf("unexpected enrollment %+v", res.Enrollment)
	}
	p := env.reloadPayment(t, 42)
	if p.Status != domain.PaymentStatusCompleted || p.PaidAt == nil || p.EnrollmentID == nil || *p.EnrollmentID != res.Enrollment.ID {
		t.Fatalf("unexpected payment %+v", p)
	}
	c := env.reloadCourse(t, 7)
	if c.EnrolledSeats != 30 || c.StudentsCount != 1 {
		t.Fatalf("after confirm seats=%d students=%d", c.EnrolledSeats, c.StudentsCount)
	}

	body := []byte(`{"id":"evt_dup","type":"payment_intent.succeeded","data":{"intent_id":"pi_abc"}}`)
	if err := env.webhooks.Handle(ctx, domain.ProviderStub, env.signedHeader(body), body); err != nil {
		t.Fatalf("webhook: %v", err)
	}
	c = env.reloadCourse(t, 7)
	if c.EnrolledSeats != 30 || c.StudentsCount != 1 {
		t.Fatalf("after webhook seats=%d students=%d", c.EnrolledSeats, c.StudentsCount)
	}
	if n := env.countEnrollments(t, 7); n != 1 {
		t.Fatalf("enrollments = %d", n)
	}
	ev, err := env.events.GetByProviderEvent(domain.ProviderStub, "evt_dup")
	if err != nil || ev.Status != domain.WebhookEventProcessed {
		t.Fatalf("stored event %+v, %v", ev, err)
	}
	if got := env.pusher.statuses(5); len(got) != 1 || got[0] != domain.PaymentStatusCompleted {
		t.Fatalf("pushed statuses %v", got)
	}
}

func TestReconcileIdempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	course := env.course(t, models.Course{PriceCents: 1000})
	env.processingPayment(t, 1, 9, course.ID, 1000, "pi_once")

	first, err := env.recon.Reconcile(ctx, domain.ProviderStub, "pi_once", domain.SourceWebhook)
	if err != nil || first.AlreadyCompleted {
		t.Fatalf("first reconcile: %+v %v", first, err)
	}
	second, err := env.recon.Reconcile(ctx, domain.ProviderStub, "pi_once", domain.SourceConfirm)
	if err != nil || !second.AlreadyCompleted {
		t.Fatalf("second reconcile: %+v %v", second, err)
	}
	if second.Enrollment == nil || second.Enrollment.ID != first.Enrollment.ID {
		t.Fatalf("second result should carry the same enrollment: %+v", second.Enrollment)
	}
	logs, _ := env.audit.ListByResource("payment", "1")
	if len(logs) != 1 || logs[0].Action != domain.AuditPaymentCompleted {
		t.Fatalf("audit entries %v", logs)
	}
	if c := env.reloadCourse(t, course.ID); c.StudentsCount != 1 || c.EnrolledSeats != 0 {
		t.Fatalf("recorded course counters seats=%d students=%d", c.EnrolledSeats, c.StudentsCount)
	}
}

func TestReconcileReportsMissingEnrollment(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	course := env.course(t, models.Course{PriceCents: 1000})
	env.processingPayment(t, 1, 9, course.ID, 1000, "pi_orphaned")
	if err := env.payments.UpdateFields(1, map[string]interface{}{
		"status":        domain.PaymentStatusCompleted,
		"enrollment_id": 404,
	}); err != nil {
		t.Fatal(err)
	}

	res, err := env.recon.Reconcile(ctx, domain.ProviderStub, "pi_orphaned", domain.SourceConfirm)
	if !errors.Is(err, gorm.ErrRecordNotFound) || res != nil {
		t.Fatalf("expected enrollment lookup error, got %+v %v", res, err)
	}
}

// sqlite runs with a single connection and has no FOR UPDATE, so here the callers are
// serialized by the pool rather than by row locks. service_integration_test.go runs the
// same race against MySQL or Postgres.
func TestReconcileConcurrentSamePayment(t *testing.T) {
	reconcileConcurrently(t, newTestEnv(t))
}

func reconcileConcurrently(t *testing.T, env *testEnv) {
	t.Helper()
	course := env.course(t, models.Course{CourseType: domain.CourseTypeLive, PriceCents: 1000, MaxSeats: 10})
	env.processingPayment(t, 1, 3, course.ID, 1000, "pi_race")

	const workers = 8
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		fresh    int
		failures []error
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			source := domain.SourceWebhook
			if i%2 == 0 {
				source = domain.SourceConfirm
			}
			res, err := env.recon.Reconcile(context.Background(), domain.ProviderStub, "pi_race", source)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failures = append(failures, err)
				return
			}
			if !res.AlreadyCompleted {
				fresh++
			}
		}(i)
	}
	wg.Wait()

	if len(failures) != 0 {
		t.Fatalf("unexpected errors: %v", failures)
	}
	if fresh != 1 {
		t.Fatalf("%d calls did the work, want 1", fresh)
	}
	if n := env.countEnrollments(t, course.ID); n != 1 {
		t.Fatalf("enrollments = %d", n)
	}
	c := env.reloadCourse(t, course.ID)
	if c.EnrolledSeats != 1 || c.StudentsCount != 1 {
		t.Fatalf("seats=%d students=%d", c.EnrolledSeats, c.StudentsCount)
	}
}

func TestSeatCapTwoStudents(t *testing.T) {
	env := newTestEnv(t)
	course := env.course(t, models.Course{CourseType: domain.CourseTypeLive, PriceCents: 1000, MaxSeats: 1})
	env.processingPayment(t, 1, 1, course.ID, 1000, "pi_s1")
	env.processingPayment(t, 2, 2, course.ID, 1000, "pi_s2")

	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i, ref := range []string{"pi_s1", "pi_s2"} {
		wg.Add(1)
		go func(i int, ref string) {
			defer wg.Done()
			_, errs[i] = env.recon.Reconcile(context.Background(), domain.ProviderStub, ref, domain.SourceWebhook)
		}(i, ref)
	}
	wg.Wait()

	var won, lost int
	for _, err := range errs {
		switch {
		case err == nil:
			won++
		case errors.Is(err, ErrSeatRaceLost):
			lost++
		default:
			t.Fatalf("unexpected error %v", err)
		}
	}
	if won != 1 || lost != 1 {
		t.Fatalf("won=%d lost=%d", won, lost)
	}

	var completed, failed int
	for _, id := range []uint{1, 2} {
		p := env.reloadPayment(t, id)
		switch p.Status {
		case domain.PaymentStatusCompleted:
			completed++
			if p.EnrollmentID == nil {
				t.Fatal("completed payment without enrollment")
			}
		case domain.PaymentStatusFailed:
			failed++
			if p.EnrollmentID != nil || p.FailureReason == nil || *p.FailureReason != domain.FailureSeatRaceLost {
				t.Fatalf("failed payment %+v", p)
			}
		}
	}
	if completed != 1 || failed != 1 {
		t.Fatalf("completed=%d failed=%d", completed, failed)
	}
	if n := env.countEnrollments(t, course.ID); n != 1 {
		t.Fatalf("enrollments = %d", n)
	}
	c := env.reloadCourse(t, course.ID)
	if c.EnrolledSeats != 1 || c.StudentsCount != 1 {
		t.Fatalf("seats=%d students=%d", c.EnrolledSeats, c.StudentsCount)
	}
}

func TestRefundCancelsEnrollment(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	course := env.course(t, models.Course{CourseType: domain.CourseTypeLive, PriceCents: 100, MaxSeats: 5})
	env.processingPayment(t, 1, 4, course.ID, 100, "pi_ref")
	if _, err := env.recon.Reconcile(ctx, domain.ProviderStub, "pi_ref", domain.SourceConfirm); err != nil {
		t.Fatal(err)
	}

	p, err := env.recon.Refund(ctx, domain.ProviderStub, "pi_ref", 40, true, domain.SourceWebhook)
	if err != nil {
		t.Fatalf("partial refund: %v", err)
	}
	if p.Status != domain.PaymentStatusRefunded || p.RefundAmountCents != 40 {
		t.Fatalf("after partial refund %+v", p)
	}
	if e, _ := env.enrollments.Get(4, course.ID); e.Status != domain.EnrollmentStatusActive {
		t.Fatalf("partial refund must keep enrollment active, got %s", e.Status)
	}

	body := []byte(`{"id":"evt_refund","type":"charge.refunded","data":{"intent_id":"pi_ref","amount_refunded":100}}`)
	if err := env.webhooks.Handle(ctx, domain.ProviderStub, env.signedHeader(body), body); err != nil {
		t.Fatalf("refund webhook: %v", err)
	}
	p = env.reloadPayment(t, 1)
	if p.Status != domain.PaymentStatusRefunded || p.RefundAmountCents != 100 || p.EnrollmentID == nil {
		t.Fatalf("after full refund %+v", p)
	}
	e, _ := env.enrollments.Get(4, course.ID)
	if e.Status != domain.EnrollmentStatusCancelled || e.CancelledAt == nil {
		t.Fatalf("enrollment %+v", e)
	}
	c := env.reloadCourse(t, course.ID)
	if c.StudentsCount != 0 || c.EnrolledSeats != 0 {
		t.Fatalf("seats=%d students=%d", c.EnrolledSeats, c.StudentsCount)
	}

	// redelivery of a smaller cumulative total changes nothing
	if _, err := env.recon.Refund(ctx, domain.ProviderStub, "pi_ref", 40, true, domain.SourceWebhook); err != nil {
		t.Fatal(err)
	}
	if p := env.reloadPayment(t, 1); p.RefundAmountCents != 100 {
		t.Fatalf("refund amount regressed to %d", p.RefundAmountCents)
	}
	if c := env.reloadCourse(t, course.ID); c.EnrolledSeats != 0 {
		t.Fatalf("seat released twice: %d", c.EnrolledSeats)
	}
}

func TestMarkFailed(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	course := env.course(t, models.Course{PriceCents: 100})
	env.processingPayment(t, 1, 1, course.ID, 100, "pi_fail")
	env.processingPayment(t, 2, 2, course.ID, 100, "pi_done")

	p, err := env.recon.MarkFailed(ctx, domain.ProviderStub, "pi_fail", "card_declined", domain.SourceWebhook)
	if err != nil || p.Status != domain.PaymentStatusFailed || p.FailedAt == nil {
		t.Fatalf("MarkFailed: %+v %v", p, err)
	}
	if _, err := env.recon.Reconcile(ctx, domain.ProviderStub, "pi_fail", domain.SourceWebhook); !errors.Is(err, ErrPaymentNotPayable) {
		t.Fatalf("reconcile after failure: %v", err)
	}

	if _, err := env.recon.Reconcile(ctx, domain.ProviderStub, "pi_done", domain.SourceConfirm); err != nil {
		t.Fatal(err)
	}
	p, err = env.recon.MarkFailed(ctx, domain.ProviderStub, "pi_done", "late", domain.SourceWebhook)
	if err != nil || p.Status != domain.PaymentStatusCompleted {
		t.Fatalf("late failure must be a no-op: %+v %v", p, err)
	}
	if got := env.reloadPayment(t, 2); got.Status != domain.PaymentStatusCompleted || got.FailureReason != nil {
		t.Fatalf("stored payment %+v", got)
	}

	if _, err := env.recon.MarkFailed(ctx, domain.ProviderStub, "pi_unknown", "", domain.SourceWebhook); !errors.Is(err, ErrPaymentNotFound) {
		t.Fatalf("expected ErrPaymentNotFound, got %v", err)
	}
}

func TestSignalFromOtherProviderIsRejected(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	course := env.course(t, models.Course{PriceCents: 100})
	p := env.processingPayment(t, 1, 1, course.ID, 100, "pi_real_stripe")
	if err := env.payments.UpdateFields(p.ID, map[string]interface{}{"payment_provider": domain.ProviderStripe}); err != nil {
		t.Fatal(err)
	}

	if _, err := env.recon.Reconcile(ctx, domain.ProviderStub, "pi_real_stripe", domain.SourceWebhook); !errors.Is(err, ErrPaymentNotFound) {
		t.Fatalf("Reconcile: expected ErrPaymentNotFound, got %v", err)
	}
	if _, err := env.recon.MarkFailed(ctx, domain.ProviderStub, "pi_real_stripe", "forged", domain.SourceWebhook); !errors.Is(err, ErrPaymentNotFound) {
		t.Fatalf("MarkFailed: expected ErrPaymentNotFound, got %v", err)
	}

	body := []byte(`{"id":"evt_cross","type":"payment_intent.succeeded","data":{"intent_id":"pi_real_stripe"}}`)
	if err := env.webhooks.Handle(ctx, domain.ProviderStub, env.signedHeader(body), body); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	ev, err := env.events.GetByProviderEvent(domain.ProviderStub, "evt_cross")
	if err != nil || ev.Status != domain.WebhookEventFailed {
		t.Fatalf("stored event %+v (%v)", ev, err)
	}
	if got := env.reloadPayment(t, 1); got.Status != domain.PaymentStatusProcessing || got.EnrollmentID != nil {
		t.Fatalf("payment settled by another provider: %+v", got)
	}
	if n := env.countEnrollments(t, course.ID); n != 0 {
		t.Fatalf("enrollments = %d", n)
	}
}

func TestCancelledEnrollmentIsReactivated(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	course := env.course(t, models.Course{CourseType: domain.CourseTypeLive, PriceCents: 100, MaxSeats: 1})
	env.processingPayment(t, 1, 8, course.ID, 100, "pi_first")
	if _, err := env.recon.Reconcile(ctx, domain.ProviderStub, "pi_first", domain.SourceConfirm); err != nil {
		t.Fatal(err)
	}
	if _, err := env.recon.Refund(ctx, domain.ProviderStub, "pi_first", 100, true, domain.SourceWebhook); err != nil {
		t.Fatal(err)
	}

	env.processingPayment(t, 2, 8, course.ID, 100, "pi_second")
	res, err := env.recon.Reconcile(ctx, domain.ProviderStub, "pi_second", domain.SourceConfirm)
	if err != nil {
		t.Fatalf("reactivation: %v", err)
	}
	if res.Enrollment.Status != domain.EnrollmentStatusActive {
		t.Fatalf("enrollment %+v", res.Enrollment)
	}
	if n := env.countEnrollments(t, course.ID); n != 1 {
		t.Fatalf("enrollments = %d", n)
	}
	c := env.reloadCourse(t, course.ID)
	if c.EnrolledSeats != 1 || c.StudentsCount != 1 {
		t.Fatalf("seats=%d students=%d", c.EnrolledSeats, c.StudentsCount)
	}
}

func TestWebhookUnknownEventIsIgnored(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	course := env.course(t, models.Course{CourseType: domain.CourseTypeLive, PriceCents: 100, MaxSeats: 3})
	env.processingPayment(t, 1, 1, course.ID, 100, "pi_quiet")

	body := []byte(`{"id":"evt_unknown","type":"customer.created","data":{"intent_id":"pi_quiet"}}`)
	if err := env.webhooks.Handle(ctx, domain.ProviderStub, env.signedHeader(body), body); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	ev, err := env.events.GetByProviderEvent(domain.ProviderStub, "evt_unknown")
	if err != nil || ev.Status != domain.WebhookEventIgnored {
		t.Fatalf("stored event %+v %v", ev, err)
	}
	if p := env.reloadPayment(t, 1); p.Status != domain.PaymentStatusProcessing {
		t.Fatalf("payment mutated: %s", p.Status)
	}
	if n := env.countEnrollments(t, course.ID); n != 0 {
		t.Fatalf("enrollments = %d", n)
	}
	if c := env.reloadCourse(t, course.ID); c.EnrolledSeats != 0 || c.StudentsCount != 0 {
		t.Fatalf("course mutated: %+v", c)
	}
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	env := newTestEnv(t)
	body := []byte(`{"id":"evt_forged","type":"payment_intent.succeeded","data":{"intent_id":"pi_x"}}`)
	h := http.Header{}
	h.Set(payment.StubSignatureHeader, "forged")

	err := env.webhooks.Handle(context.Background(), domain.ProviderStub, h, body)
	if !errors.Is(err, payment.ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}
	var n int64
	env.db.Model(&models.WebhookEvent{}).Count(&n)
	if n != 0 {
		t.Fatalf("rejected delivery was stored")
	}
}

func TestWebhookUnknownPaymentAndReplay(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	body := []byte(`{"id":"evt_early","type":"payment_intent.succeeded","data":{"intent_id":"pi_later"}}`)
	if err := env.webhooks.Handle(ctx, domain.ProviderStub, env.signedHeader(body), body); err != nil {
		t.Fatalf("unknown payment must not fail the delivery: %v", err)
	}
	ev, _ := env.events.GetByProviderEvent(domain.ProviderStub, "evt_early")
	if ev.Status != domain.WebhookEventFailed || ev.Error == nil {
		t.Fatalf("stored event %+v", ev)
	}

	course := env.course(t, models.Course{PriceCents: 100})
	env.processingPayment(t, 1, 1, course.ID, 100, "pi_later")
	if err := env.webhooks.Replay(ctx, ev.ID); err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if p := env.reloadPayment(t, 1); p.Status != domain.PaymentStatusCompleted {
		t.Fatalf("payment after replay: %s", p.Status)
	}
	ev, _ = env.events.GetByID(ev.ID)
	if ev.Status != domain.WebhookEventProcessed {
		t.Fatalf("event after replay: %s", ev.Status)
	}
	if err := env.webhooks.Replay(ctx, 999); !errors.Is(err, ErrWebhookEventNotFound) {
		t.Fatalf("expected ErrWebhookEventNotFound, got %v", err)
	}
}

func TestCreateIntent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	course := env.course(t, models.Course{Title: "Go 101", PriceCents: 2500})

	res, err := env.paymentSvc.CreateIntent(ctx, CreateIntentInput{UserID: 1, CourseID: course.ID})
	if err != nil {
		t.Fatalf("CreateIntent: %v", err)
	}
	p := env.reloadPayment(t, res.Payment.ID)
	if p.Status != domain.PaymentStatusProcessing || p.ProviderPaymentID == nil || p.AmountCents != 2500 {
		t.Fatalf("stored payment %+v", p)
	}
	if p.PaymentMethod != domain.PaymentMethodCard || p.PaymentProvider != domain.ProviderStub || p.ExpiresAt == nil {
		t.Fatalf("stored payment %+v", p)
	}
	if res.ClientSecret == "" {
		t.Fatal("missing client secret")
	}

	// the stub reports succeeded on retrieval
	confirmed, err := env.paymentSvc.Confirm(ctx, 1, p.ID, *p.ProviderPaymentID)
	if err != nil || confirmed.Enrollment == nil {
		t.Fatalf("Confirm: %+v %v", confirmed, err)
	}
	if _, err := env.paymentSvc.CreateIntent(ctx, CreateIntentInput{UserID: 1, CourseID: course.ID}); !errors.Is(err, ErrAlreadyEnrolled) {
		t.Fatalf("expected ErrAlreadyEnrolled, got %v", err)
	}
}

func TestCreateIntentValidation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	full := env.course(t, models.Course{CourseType: domain.CourseTypeLive, PriceCents: 100, MaxSeats: 1, EnrolledSeats: 1})
	open := env.course(t, models.Course{PriceCents: 100})
	hidden := env.course(t, models.Course{PriceCents: 100})
	env.db.Model(&models.Course{}).Where("id = ?", hidden.ID).Update("published", false)

	if _, err := env.paymentSvc.CreateIntent(ctx, CreateIntentInput{UserID: 1, CourseID: full.ID}); !errors.Is(err, ErrCourseFull) {
		t.Fatalf("expected ErrCourseFull, got %v", err)
	}
	if _, err := env.paymentSvc.CreateIntent(ctx, CreateIntentInput{UserID: 1, CourseID: hidden.ID}); !errors.Is(err, ErrCourseNotFound) {
		t.Fatalf("expected ErrCourseNotFound, got %v", err)
	}
	if _, err := env.paymentSvc.CreateIntent(ctx, CreateIntentInput{UserID: 1, CourseID: 9999}); !errors.Is(err, ErrCourseNotFound) {
		t.Fatalf("expected ErrCourseNotFound, got %v", err)
	}
	if _, err := env.paymentSvc.CreateIntent(ctx, CreateIntentInput{UserID: 1, CourseID: open.ID, PaymentMethod: "cheque"}); err == nil {
		t.Fatal("expected invalid payment method")
	}
	if _, err := env.paymentSvc.CreateIntent(ctx, CreateIntentInput{UserID: 1, CourseID: open.ID, Provider: domain.ProviderPayPal}); err == nil {
		t.Fatal("expected unavailable provider")
	}

	env.stub.FailCreate(func(payment.IntentRequest) error { return payment.ErrGatewayUnavailable })
	_, err := env.paymentSvc.CreateIntent(ctx, CreateIntentInput{UserID: 2, CourseID: open.ID})
	if !errors.Is(err, payment.ErrGatewayUnavailable) {
		t.Fatalf("expected ErrGatewayUnavailable, got %v", err)
	}
	var pending []models.Payment
	env.db.Where("user_id = ?", 2).Find(&pending)
	if len(pending) != 1 || pending[0].Status != domain.PaymentStatusPending || pending[0].ProviderPaymentID != nil {
		t.Fatalf("payment after gateway outage %+v", pending)
	}
}

func TestConfirmPendingAndDeclined(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	course := env.course(t, models.Course{PriceCents: 100})
	env.processingPayment(t, 1, 1, course.ID, 100, "pi_slow")
	env.processingPayment(t, 2, 1, course.ID, 100, "pi_declined")

	env.stub.SetStatus("pi_slow", payment.IntentProcessing, "")
	res, err := env.paymentSvc.Confirm(ctx, 1, 1, "pi_slow")
	if err != nil || !res.Pending {
		t.Fatalf("expected pending result, got %+v %v", res, err)
	}
	if p := env.reloadPayment(t, 1); p.Status != domain.PaymentStatusProcessing {
		t.Fatalf("payment status %s", p.Status)
	}

	env.stub.SetStatus("pi_declined", payment.IntentFailed, "card_declined")
	if _, err := env.paymentSvc.Confirm(ctx, 1, 2, "pi_declined"); !errors.Is(err, ErrPaymentDeclined) {
		t.Fatalf("expected ErrPaymentDeclined, got %v", err)
	}
	p := env.reloadPayment(t, 2)
	if p.Status != domain.PaymentStatusFailed || p.FailureReason == nil || *p.FailureReason != "card_declined" {
		t.Fatalf("declined payment %+v", p)
	}

	if _, err := env.paymentSvc.Confirm(ctx, 99, 1, "pi_slow"); err == nil {
		t.Fatal("confirm by another user must fail")
	}
	if _, err := env.paymentSvc.Confirm(ctx, 1, 1, "pi_other"); err == nil {
		t.Fatal("mismatched intent must fail")
	}

	env.stub.FailRetrieve(payment.ErrGatewayUnavailable)
	if _, err := env.paymentSvc.Confirm(ctx, 1, 1, "pi_slow"); !errors.Is(err, payment.ErrGatewayUnavailable) {
		t.Fatalf("expected ErrGatewayUnavailable, got %v", err)
	}
	if p := env.reloadPayment(t, 1); p.Status != domain.PaymentStatusProcessing {
		t.Fatalf("gateway outage changed payment to %s", p.Status)
	}
}

func TestRecountCourse(t *testing.T) {
	env := newTestEnv(t)
	course := env.course(t, models.Course{PriceCents: 100, StudentsCount: 12})
	if _, _, err := env.enrollments.UpsertActive(1, course.ID, 100); err != nil {
		t.Fatal(err)
	}
	n, err := env.recon.RecountCourse(context.Background(), course.ID, domain.SourceCLI)
	if err != nil || n != 1 {
		t.Fatalf("RecountCourse = %d, %v", n, err)
	}
	if _, err := env.recon.RecountCourse(context.Background(), 999, domain.SourceCLI); !errors.Is(err, ErrCourseNotFound) {
		t.Fatalf("expected ErrCourseNotFound, got %v", err)
	}
}
