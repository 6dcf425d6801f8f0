package repository

import (
	"errors"
	"time"
	"unicode/utf8"

	"learnhub/internal/domain"
	"learnhub/internal/models"

	"gorm.io/gorm"
)

type WebhookEventRepository struct {
	db *gorm.DB
}

func NewWebhookEventRepository(db *gorm.DB) *WebhookEventRepository {
	return &WebhookEventRepository{db: db}
}

// Record stores a delivery. When (provider, event_id) already exists the stored row is
// returned with Attempts incremented and duplicate set.
func (r *WebhookEventRepository) Record(ev *models.WebhookEvent) (stored *models.WebhookEvent, duplicate bool, err error) {
	ev.Attempts = 1
	if ev.Status == "" {
		ev.Status = domain.WebhookEventReceived
	}
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = time.Now().UTC()
	}
	err = r.db.Create(ev).Error
	if err == nil {
		return ev, false, nil
	}
	if !errors.Is(err, gorm.ErrDuplicatedKey) {
		return nil, false, err
	}
	existing, err := r.GetByProviderEvent(ev.Provider, ev.EventID)
	if err != nil {
		return nil, false, err
	}
	err = r.db.Model(&models.WebhookEvent{}).Where("id = ?", existing.ID).
		UpdateColumn("attempts", gorm.Expr("attempts + 1")).Error
	if err != nil {
		return nil, false, err
	}
	existing.Attempts++
	return existing, true, nil
}

func (r *WebhookEventRepository) GetByID(id uint) (*models.WebhookEvent, error) {
	var ev models.WebhookEvent
	err := r.db.First(&ev, id).Error
	if err != nil {
		return nil, err
	}
	return &ev, nil
}

func (r *WebhookEventRepository) GetByProviderEvent(provider, eventID string) (*models.WebhookEvent, error) {
	var ev models.WebhookEvent
	err := r.db.Where("provider = ? AND event_id = ?", provider, eventID).First(&ev).Error
	if err != nil {
		return nil, err
	}
	return &ev, nil
}

// MarkStatus records the dispatch outcome; an empty errMsg clears the stored error.
func (r *WebhookEventRepository) MarkStatus(id uint, status, errMsg string) error {
	fields := map[string]interface{}{"status": status, "error": nil}
	if errMsg != "" {
		fields["error"] = truncateUTF8(errMsg, 255)
	}
	if status == domain.WebhookEventProcessed || status == domain.WebhookEventIgnored {
		fields["processed_at"] = time.Now().UTC()
	}
	return r.db.Model(&models.WebhookEvent{}).Where("id = ?", id).Updates(fields).Error
}

// truncateUTF8 cuts s to at most n bytes without splitting a rune.
func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func (r *WebhookEventRepository) ListFailed(limit int) ([]models.WebhookEvent, error) {
	var list []models.WebhookEvent
	err := r.db.Where("status = ?", domain.WebhookEventFailed).Order("id ASC").Limit(limit).Find(&list).Error
	return list, err
}
