package service

import (
	"fmt"

	"learnhub/internal/domain"
	"learnhub/internal/models"
	"learnhub/internal/repository"
)

// Pusher delivers a JSON payload to a user's live connections. ws.Hub implements it.
type Pusher interface {
	BroadcastToUser(userID uint, payload interface{})
}

type NotificationService struct {
	repo   *repository.NotificationRepository
	pusher Pusher
}

func NewNotificationService(repo *repository.NotificationRepository, pusher Pusher) *NotificationService {
	return &NotificationService{repo: repo, pusher: pusher}
}

// PaymentStatusMessage is pushed on /ws/payments whenever a payment changes status.
type PaymentStatusMessage struct {
	Type          string `json:"type"`
	PaymentID     uint   `json:"payment_id"`
	TransactionID string `json:"transaction_id"`
	Status        string `json:"status"`
	EnrollmentID  *uint  `json:"enrollment_id,omitempty"`
	Reason        string `json:"reason,omitempty"`
}

func (s *NotificationService) Notify(userID uint, notifType, title, body string, data map[string]interface{}) error {
	n := &models.Notification{
		UserID: userID,
		Type:   notifType,
		Title:  title,
		Body:   body,
		Data:   data,
	}
	if err := s.repo.Create(n); err != nil {
		return err
	}
	s.push(userID, map[string]interface{}{"type": "notification", "notification": n})
	return nil
}

func (s *NotificationService) PushPaymentStatus(p *models.Payment) {
	msg := PaymentStatusMessage{
		Type:          "payment_status",
		PaymentID:     p.ID,
		TransactionID: p.TransactionID,
		Status:        p.Status,
		EnrollmentID:  p.EnrollmentID,
	}
	if p.FailureReason != nil {
		msg.Reason = *p.FailureReason
	}
	s.push(p.UserID, msg)
}

func (s *NotificationService) push(userID uint, payload interface{}) {
	if s.pusher == nil {
		return
	}
	s.pusher.BroadcastToUser(userID, payload)
}

func (s *NotificationService) NotifyEnrollmentActivated(p *models.Payment, courseTitle string) error {
	return s.Notify(p.UserID, domain.NotificationEnrollmentActivated, "Enrollment confirmed",
		fmt.Sprintf("Your payment was received. You are now enrolled in %s.", courseTitle),
		map[string]interface{}{"payment_id": p.ID, "course_id": p.CourseID, "enrollment_id": p.EnrollmentID})
}

func (s *NotificationService) NotifyPaymentFailed(p *models.Payment) error {
	body := "Your payment could not be completed. No charge was applied to your enrollment."
	reason := ""
	if p.FailureReason != nil {
		reason = *p.FailureReason
	}
	if reason == domain.FailureSeatRaceLost {
		body = "The last seat in this course was taken before your payment completed. Please try again or choose another session."
	}
	return s.Notify(p.UserID, domain.NotificationPaymentFailed, "Payment failed", body,
		map[string]interface{}{"payment_id": p.ID, "course_id": p.CourseID, "reason": reason})
}

func (s *NotificationService) NotifyEnrollmentCancelled(p *models.Payment) error {
	return s.Notify(p.UserID, domain.NotificationEnrollmentCancelled, "Enrollment cancelled",
		"Your payment was refunded and the enrollment has been cancelled.",
		map[string]interface{}{"payment_id": p.ID, "course_id": p.CourseID})
}
