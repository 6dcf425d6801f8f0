package repository

import (
	"time"

	"learnhub/internal/domain"
	"learnhub/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type PaymentRepository struct {
	db *gorm.DB
}

func NewPaymentRepository(db *gorm.DB) *PaymentRepository {
	return &PaymentRepository{db: db}
}

// WithTx returns a copy bound to tx.
func (r *PaymentRepository) WithTx(tx *gorm.DB) *PaymentRepository {
	return &PaymentRepository{db: tx}
}

func (r *PaymentRepository) Create(p *models.Payment) error {
	return r.db.Create(p).Error
}

func (r *PaymentRepository) GetByID(id uint) (*models.Payment, error) {
	var p models.Payment
	err := r.db.First(&p, id).Error
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *PaymentRepository) GetByProviderPaymentID(ref string) (*models.Payment, error) {
	var p models.Payment
	err := r.db.Where("provider_payment_id = ?", ref).First(&p).Error
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// LockByID reads the payment row with SELECT ... FOR UPDATE. Only meaningful inside a transaction.
func (r *PaymentRepository) LockByID(id uint) (*models.Payment, error) {
	var p models.Payment
	err := r.db.Clauses(clause.Locking{Strength: "UPDATE"}).First(&p, id).Error
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// UpdateFields writes only the given columns.
func (r *PaymentRepository) UpdateFields(id uint, fields map[string]interface{}) error {
	return r.db.Model(&models.Payment{}).Where("id = ?", id).Updates(fields).Error
}

func (r *PaymentRepository) ListByUser(userID uint, limit, offset int) ([]models.Payment, error) {
	var list []models.Payment
	err := r.db.Where("user_id = ?", userID).Order("created_at DESC, id DESC").Limit(limit).Offset(offset).Find(&list).Error
	return list, err
}

// ListStaleProcessing returns processing payments not touched since before, ordered by
// id and starting after afterID so callers can page through the whole stale set.
func (r *PaymentRepository) ListStaleProcessing(before time.Time, afterID uint, limit int) ([]models.Payment, error) {
	var list []models.Payment
	err := r.db.Where("status = ? AND updated_at < ? AND provider_payment_id IS NOT NULL AND id > ?", domain.PaymentStatusProcessing, before, afterID).
		Order("id ASC").Limit(limit).Find(&list).Error
	return list, err
}

// ListExpiredPending returns pending payments whose expires_at has passed, paged by id
// like ListStaleProcessing.
func (r *PaymentRepository) ListExpiredPending(now time.Time, afterID uint, limit int) ([]models.Payment, error) {
	var list []models.Payment
	err := r.db.Where("status = ? AND expires_at IS NOT NULL AND expires_at < ? AND id > ?", domain.PaymentStatusPending, now, afterID).
		Order("id ASC").Limit(limit).Find(&list).Error
	return list, err
}
