package handler

import (
	"net/http"
	"strconv"

	"learnhub/internal/apperr"
	"learnhub/internal/domain"
	"learnhub/internal/service"

	"github.com/gin-gonic/gin"
)

type AdminHandler struct {
	recon    *service.ReconciliationService
	webhooks *service.WebhookService
}

func NewAdminHandler(recon *service.ReconciliationService, webhooks *service.WebhookService) *AdminHandler {
	return &AdminHandler{recon: recon, webhooks: webhooks}
}

// RecountCourse handles POST /admin/courses/:id/recount.
func (h *AdminHandler) RecountCourse(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		respondError(c, apperr.InvalidErr("invalid course id", nil))
		return
	}
	count, err := h.recon.RecountCourse(c.Request.Context(), uint(id), domain.SourceAdmin)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"course_id": id, "students_count": count})
}

// ReplayWebhook handles POST /admin/webhook-events/:id/replay.
func (h *AdminHandler) ReplayWebhook(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		respondError(c, apperr.InvalidErr("invalid event id", nil))
		return
	}
	if err := h.webhooks.Replay(c.Request.Context(), uint(id)); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "replayed"})
}
