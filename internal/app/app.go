package app

import (
	"io"
	"log/slog"

	"learnhub/config"
	"learnhub/internal/jobs"
	"learnhub/internal/repository"
	"learnhub/internal/service"
	"learnhub/internal/ws"
	"learnhub/pkg/payment"

	"gorm.io/gorm"
)

// App holds the wired services shared by the HTTP server and enrollctl.
type App struct {
	Cfg *config.Config
	DB  *gorm.DB
	Log *slog.Logger

	Payments      *repository.PaymentRepository
	Notifications *repository.NotificationRepository
	Events        *repository.WebhookEventRepository
	Gateways      *payment.Registry
	Hub           *ws.Hub

	Recon    *service.ReconciliationService
	Checkout *service.PaymentService
	Webhooks *service.WebhookService
	Sweeper  *jobs.Sweeper
}

func New(cfg *config.Config, db *gorm.DB, log *slog.Logger) *App {
	payments := repository.NewPaymentRepository(db)
	enrollments := repository.NewEnrollmentRepository(db)
	courses := repository.NewCourseRepository(db)
	events := repository.NewWebhookEventRepository(db)
	audit := repository.NewAuditLogRepository(db)
	notifications := repository.NewNotificationRepository(db)

	gateways := NewGatewayRegistry(cfg, log)
	hub := ws.NewHub(log)
	notify := service.NewNotificationService(notifications, hub)
	recon := service.NewReconciliationService(db, payments, enrollments, courses, audit, notify, log)

	return &App{
		Cfg:           cfg,
		DB:            db,
		Log:           log,
		Payments:      payments,
		Notifications: notifications,
		Events:        events,
		Gateways:      gateways,
		Hub:           hub,
		Recon:         recon,
		Checkout:      service.NewPaymentService(payments, courses, enrollments, gateways, recon, notify, &cfg.Payment, log),
		Webhooks:      service.NewWebhookService(events, gateways, recon, log),
		Sweeper:       jobs.NewSweeper(payments, gateways, recon, cfg.Jobs, log),
	}
}

// NewGatewayRegistry registers every gateway that has credentials. The stub settles
// intents without charging anyone, so it is only registered outside production and only
// with a webhook secret.
func NewGatewayRegistry(cfg *config.Config, log *slog.Logger) *payment.Registry {
	r := payment.NewRegistry(cfg.Payment.DefaultProvider)
	switch {
	case cfg.IsProduction():
		if cfg.Payment.StubWebhookSecret != "" {
			log.Warn("stub gateway is disabled in production", slog.String("env", cfg.Server.Env))
		}
	case cfg.Payment.StubWebhookSecret == "":
		log.Info("stub gateway disabled: STUB_WEBHOOK_SECRET is not set")
	default:
		r.Register(payment.NewStubGateway(cfg.Payment.StubWebhookSecret))
	}
	if cfg.Stripe.SecretKey != "" {
		r.Register(payment.NewStripeGateway(payment.StripeConfig{
			SecretKey:     cfg.Stripe.SecretKey,
			WebhookSecret: cfg.Stripe.WebhookSecret,
			Timeout:       cfg.Payment.GatewayTimeout,
			BaseURL:       cfg.Stripe.BaseURL,
		}))
	}
	if cfg.PayPal.ClientID != "" {
		r.Register(payment.NewPayPalGateway(payment.PayPalConfig{
			BaseURL:      cfg.PayPal.BaseURL,
			ClientID:     cfg.PayPal.ClientID,
			ClientSecret: cfg.PayPal.ClientSecret,
			WebhookID:    cfg.PayPal.WebhookID,
			ReturnURL:    cfg.PayPal.ReturnURL,
			CancelURL:    cfg.PayPal.CancelURL,
			Timeout:      cfg.Payment.GatewayTimeout,
		}))
	}
	if _, err := r.Get(""); err != nil {
		log.Warn("default payment provider is not configured", slog.String("provider", cfg.Payment.DefaultProvider))
	}
	return r
}

// Logger builds the process logger from config.
func Logger(cfg config.LogConfig, w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	if cfg.Format == "text" {
		h = slog.NewTextHandler(w, opts)
	} else {
		h = slog.NewJSONHandler(w, opts)
	}
	return slog.New(h)
}

// Close releases the database pool.
func (a *App) Close() error {
	sqlDB, err := a.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
