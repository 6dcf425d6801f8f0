package models

import (
	"time"

	"learnhub/internal/domain"
)

type Enrollment struct {
	ID             uint       `gorm:"primaryKey" json:"id"`
	StudentID      uint       `gorm:"not null;uniqueIndex:idx_enrollment_student_course" json:"student_id"`
	CourseID       uint       `gorm:"not null;uniqueIndex:idx_enrollment_student_course;index" json:"course_id"`
	PricePaidCents int64      `gorm:"not null;default:0" json:"price_paid_cents"`
	Status         string     `gorm:"size:20;not null;index" json:"status"`
	Progress       int        `gorm:"not null;default:0" json:"progress"` // 0-100
	EnrolledAt     time.Time  `json:"enrolled_at"`
	CompletedAt    *time.Time `json:"completed_at"`
	CancelledAt    *time.Time `json:"cancelled_at"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

func (Enrollment) TableName() string {
	return "course_enrollments"
}

func (e *Enrollment) IsActive() bool { return e.Status == domain.EnrollmentStatusActive }
