package repository

import (
	"errors"
	"time"

	"learnhub/internal/domain"
	"learnhub/internal/models"

	"gorm.io/gorm"
)

type EnrollmentRepository struct {
	db *gorm.DB
}

func NewEnrollmentRepository(db *gorm.DB) *EnrollmentRepository {
	return &EnrollmentRepository{db: db}
}

func (r *EnrollmentRepository) WithTx(tx *gorm.DB) *EnrollmentRepository {
	return &EnrollmentRepository{db: tx}
}

func (r *EnrollmentRepository) GetByID(id uint) (*models.Enrollment, error) {
	var e models.Enrollment
	err := r.db.First(&e, id).Error
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (r *EnrollmentRepository) Get(studentID, courseID uint) (*models.Enrollment, error) {
	var e models.Enrollment
	err := r.db.Where("student_id = ? AND course_id = ?", studentID, courseID).First(&e).Error
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// IsActive reports whether the student currently holds an active enrollment in the course.
func (r *EnrollmentRepository) IsActive(studentID, courseID uint) (bool, error) {
	var c int64
	err := r.db.Model(&models.Enrollment{}).
		Where("student_id = ? AND course_id = ? AND status = ?", studentID, courseID, domain.EnrollmentStatusActive).
		Count(&c).Error
	return c > 0, err
}

// UpsertActive makes sure (student, course) has an active or completed enrollment.
// A missing row is created, a cancelled one is reactivated; activated is true only in
// those two cases. Callers must hold the course row lock so two writers for the same
// pair cannot both insert.
func (r *EnrollmentRepository) UpsertActive(studentID, courseID uint, pricePaidCents int64) (*models.Enrollment, bool, error) {
	now := time.Now().UTC()
	e, err := r.Get(studentID, courseID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		e = &models.Enrollment{
			StudentID:      studentID,
			CourseID:       courseID,
			PricePaidCents: pricePaidCents,
			Status:         domain.EnrollmentStatusActive,
			EnrolledAt:     now,
		}
		if err := r.db.Create(e).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				// lost an insert race to a writer that skipped the course lock
				existing, gerr := r.Get(studentID, courseID)
				if gerr != nil {
					return nil, false, gerr
				}
				return existing, false, nil
			}
			return nil, false, err
		}
		return e, true, nil
	}
	if err != nil {
		return nil, false, err
	}
	if e.Status != domain.EnrollmentStatusCancelled {
		return e, false, nil
	}
	err = r.db.Model(e).Updates(map[string]interface{}{
		"status":           domain.EnrollmentStatusActive,
		"price_paid_cents": pricePaidCents,
		"enrolled_at":      now,
		"cancelled_at":     nil,
		"progress":         0,
	}).Error
	if err != nil {
		return nil, false, err
	}
	e.Status = domain.EnrollmentStatusActive
	e.PricePaidCents = pricePaidCents
	e.EnrolledAt = now
	e.CancelledAt = nil
	e.Progress = 0
	return e, true, nil
}

// Cancel moves an active enrollment to cancelled. cancelled is false when there was
// nothing active to cancel (missing, already cancelled, or completed).
func (r *EnrollmentRepository) Cancel(studentID, courseID uint) (*models.Enrollment, bool, error) {
	e, err := r.Get(studentID, courseID)
	if err != nil {
		return nil, false, err
	}
	if e.Status != domain.EnrollmentStatusActive {
		return e, false, nil
	}
	now := time.Now().UTC()
	res := r.db.Model(&models.Enrollment{}).
		Where("id = ? AND status = ?", e.ID, domain.EnrollmentStatusActive).
		Updates(map[string]interface{}{"status": domain.EnrollmentStatusCancelled, "cancelled_at": now})
	if res.Error != nil {
		return nil, false, res.Error
	}
	if res.RowsAffected == 0 {
		return e, false, nil
	}
	e.Status = domain.EnrollmentStatusCancelled
	e.CancelledAt = &now
	return e, true, nil
}

func (r *EnrollmentRepository) CountActive(courseID uint) (int64, error) {
	var c int64
	err := r.db.Model(&models.Enrollment{}).
		Where("course_id = ? AND status = ?", courseID, domain.EnrollmentStatusActive).
		Count(&c).Error
	return c, err
}
