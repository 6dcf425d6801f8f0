package router

import (
	"log/slog"

	"learnhub/internal/app"
	"learnhub/internal/domain"
	"learnhub/internal/handler"
	"learnhub/internal/middleware"
	"learnhub/internal/ws"

	"github.com/gin-gonic/gin"
)

// Setup builds the engine. limiter may be nil to disable rate limiting.
func Setup(a *app.App, limiter middleware.Limiter) *gin.Engine {
	cfg := a.Cfg
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	log := a.Log
	if log == nil {
		log = slog.Default()
	}

	r := gin.New()
	r.Use(middleware.RequestID())
	r.Use(middleware.Recovery(log))
	r.Use(middleware.Logger(log))

	healthHandler := handler.NewHealthHandler(a.DB)
	paymentHandler := handler.NewPaymentHandler(a.Checkout)
	webhookHandler := handler.NewWebhookHandler(a.Webhooks, a.Gateways.Default())
	notificationHandler := handler.NewNotificationHandler(a.Notifications)
	adminHandler := handler.NewAdminHandler(a.Recon, a.Webhooks)

	r.GET("/healthz", healthHandler.Healthz)

	// Gateways retry on any non-2xx, so webhooks are never rate limited.
	hooks := r.Group("/api/v1/payments/webhook")
	hooks.POST("", webhookHandler.Handle)
	hooks.POST("/:provider", webhookHandler.Handle)

	api := r.Group("/api/v1")
	if limiter != nil {
		api.Use(middleware.RateLimit(limiter, log))
	}

	authed := api.Group("")
	authed.Use(middleware.AuthRequired(&cfg.JWT))

	payments := authed.Group("/payments")
	payments.POST("/intent/:courseId", middleware.RequireRole(domain.StudentRoles...), paymentHandler.CreateIntent)
	payments.POST("/confirm", middleware.RequireRole(domain.StudentRoles...), paymentHandler.Confirm)
	payments.GET("/:id", paymentHandler.Get)

	me := authed.Group("/me")
	me.GET("/payments", paymentHandler.ListMine)
	me.GET("/notifications", notificationHandler.List)
	me.PATCH("/notifications/:id/read", notificationHandler.MarkRead)

	admin := authed.Group("/admin")
	admin.Use(middleware.AdminRequired())
	admin.POST("/courses/:id/recount", adminHandler.RecountCourse)
	admin.POST("/webhook-events/:id/replay", adminHandler.ReplayWebhook)

	r.GET("/ws/payments", ws.UpgradePaymentsWS(&cfg.JWT, a.Hub))

	return r
}
