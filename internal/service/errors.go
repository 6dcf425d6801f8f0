package service

import "errors"

var (
	ErrPaymentNotFound   = errors.New("payment not found")
	ErrPaymentNotPayable = errors.New("payment can no longer be completed")
	ErrPaymentDeclined   = errors.New("payment declined by gateway")
	// ErrSeatRaceLost means the last seat went to another payment between intent and confirmation.
	ErrSeatRaceLost    = errors.New("seat race lost")
	ErrCourseNotFound  = errors.New("course not found")
	ErrCourseFull      = errors.New("course is full")
	ErrAlreadyEnrolled = errors.New("already enrolled in course")
)
