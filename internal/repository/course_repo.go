package repository

import (
	"learnhub/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type CourseRepository struct {
	db *gorm.DB
}

func NewCourseRepository(db *gorm.DB) *CourseRepository {
	return &CourseRepository{db: db}
}

func (r *CourseRepository) WithTx(tx *gorm.DB) *CourseRepository {
	return &CourseRepository{db: tx}
}

func (r *CourseRepository) Create(c *models.Course) error {
	return r.db.Create(c).Error
}

func (r *CourseRepository) GetByID(id uint) (*models.Course, error) {
	var c models.Course
	err := r.db.First(&c, id).Error
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// LockByID reads the course row with SELECT ... FOR UPDATE.
func (r *CourseRepository) LockByID(id uint) (*models.Course, error) {
	var c models.Course
	err := r.db.Clauses(clause.Locking{Strength: "UPDATE"}).First(&c, id).Error
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// TakeSeat increments enrolled_seats if a seat is free. ok is false when the course is full.
func (r *CourseRepository) TakeSeat(id uint) (bool, error) {
	res := r.db.Model(&models.Course{}).
		Where("id = ? AND enrolled_seats < max_seats", id).
		UpdateColumn("enrolled_seats", gorm.Expr("enrolled_seats + 1"))
	return res.RowsAffected == 1, res.Error
}

// ReleaseSeat decrements enrolled_seats, never below zero.
func (r *CourseRepository) ReleaseSeat(id uint) error {
	return r.db.Model(&models.Course{}).
		Where("id = ? AND enrolled_seats > 0", id).
		UpdateColumn("enrolled_seats", gorm.Expr("enrolled_seats - 1")).Error
}

// RecountStudents sets students_count to the number of active enrollments and returns it.
func (r *CourseRepository) RecountStudents(id uint) (int64, error) {
	n, err := NewEnrollmentRepository(r.db).CountActive(id)
	if err != nil {
		return 0, err
	}
	err = r.db.Model(&models.Course{}).Where("id = ?", id).UpdateColumn("students_count", n).Error
	return n, err
}
