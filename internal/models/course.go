package models

import (
	"time"

	"learnhub/internal/domain"
)

// Course carries only the columns the payment flow reads or maintains.
type Course struct {
	ID            uint      `gorm:"primaryKey" json:"id"`
	Title         string    `gorm:"size:255;not null" json:"title"`
	CourseType    string    `gorm:"size:20;not null;default:'recorded'" json:"course_type"`
	PriceCents    int64     `gorm:"not null;default:0" json:"price_cents"`
	Currency      string    `gorm:"size:3;not null;default:'USD'" json:"currency"`
	MaxSeats      int       `gorm:"not null;default:0" json:"max_seats"`
	EnrolledSeats int       `gorm:"not null;default:0" json:"enrolled_seats"`
	StudentsCount int       `gorm:"not null;default:0" json:"students_count"`
	Published     bool      `gorm:"not null;default:true" json:"published"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func (Course) TableName() string {
	return "courses"
}

func (c *Course) IsLive() bool { return c.CourseType == domain.CourseTypeLive }

// HasFreeSeat is always true for recorded courses.
func (c *Course) HasFreeSeat() bool {
	if !c.IsLive() {
		return true
	}
	return c.EnrolledSeats < c.MaxSeats
}
