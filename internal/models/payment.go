package models

import (
	"time"

	"learnhub/internal/domain"

	"gorm.io/datatypes"
)

type Payment struct {
	ID                uint              `gorm:"primaryKey" json:"id"`
	TransactionID     string            `gorm:"size:64;not null;uniqueIndex" json:"transaction_id"`
	UserID            uint              `gorm:"not null;index" json:"user_id"`
	CourseID          uint              `gorm:"not null;index" json:"course_id"`
	AmountCents       int64             `gorm:"not null" json:"amount_cents"`
	Currency          string            `gorm:"size:3;not null;default:'USD'" json:"currency"`
	PaymentMethod     string            `gorm:"size:20;not null" json:"payment_method"`
	PaymentProvider   string            `gorm:"size:20;not null" json:"payment_provider"`
	ProviderPaymentID *string           `gorm:"size:255;uniqueIndex" json:"provider_payment_id"`
	Status            string            `gorm:"size:20;not null;index" json:"status"`
	EnrollmentID      *uint             `gorm:"index" json:"enrollment_id"`
	RefundAmountCents int64             `gorm:"not null;default:0" json:"refund_amount_cents"`
	FailureReason     *string           `gorm:"size:255" json:"failure_reason,omitempty"`
	Metadata          datatypes.JSONMap `json:"metadata,omitempty"`
	ExpiresAt         *time.Time        `json:"expires_at"`
	PaidAt            *time.Time        `json:"paid_at"`
	FailedAt          *time.Time        `json:"failed_at"`
	RefundedAt        *time.Time        `json:"refunded_at"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
}

func (Payment) TableName() string {
	return "payments"
}

func (p *Payment) IsCompleted() bool { return p.Status == domain.PaymentStatusCompleted }

// IsTerminal reports whether the payment can no longer reach completed.
func (p *Payment) IsTerminal() bool {
	switch p.Status {
	case domain.PaymentStatusFailed, domain.PaymentStatusCancelled, domain.PaymentStatusRefunded:
		return true
	}
	return false
}

var paymentTransitions = map[string][]string{
	domain.PaymentStatusPending:    {domain.PaymentStatusProcessing, domain.PaymentStatusFailed, domain.PaymentStatusCancelled},
	domain.PaymentStatusProcessing: {domain.PaymentStatusCompleted, domain.PaymentStatusFailed, domain.PaymentStatusCancelled},
	domain.PaymentStatusCompleted:  {domain.PaymentStatusRefunded},
	domain.PaymentStatusRefunded:   {domain.PaymentStatusRefunded},
}

// CanTransition reports whether a payment may move from one status to another.
// Nothing returns to pending; failed and cancelled are terminal.
func CanTransition(from, to string) bool {
	for _, s := range paymentTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
