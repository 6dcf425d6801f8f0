package models

import (
	"time"

	"gorm.io/datatypes"
)

// WebhookEvent is one inbound gateway delivery. A provider may redeliver the same
// event id; the row is reused and Attempts incremented. The normalized event fields
// (type, intent, refund amount, failure reason) are stored so an event can be replayed
// without its signature.
type WebhookEvent struct {
	ID                uint           `gorm:"primaryKey" json:"id"`
	Provider          string         `gorm:"size:20;not null;uniqueIndex:idx_webhook_provider_event" json:"provider"`
	EventID           string         `gorm:"size:255;not null;uniqueIndex:idx_webhook_provider_event" json:"event_id"`
	EventType         string         `gorm:"size:100;not null;index" json:"event_type"`
	ProviderPaymentID string         `gorm:"size:255;index" json:"provider_payment_id"`
	RefundAmountCents int64          `gorm:"not null;default:0" json:"refund_amount_cents"`
	RefundCumulative  bool           `gorm:"not null;default:false" json:"refund_cumulative"`
	FailureReason     string         `gorm:"size:255" json:"failure_reason,omitempty"`
	Payload           datatypes.JSON `json:"-"`
	Status            string         `gorm:"size:20;not null;index" json:"status"`
	Error             *string        `gorm:"size:255" json:"error,omitempty"`
	Attempts          int            `gorm:"not null;default:0" json:"attempts"`
	ReceivedAt        time.Time      `json:"received_at"`
	ProcessedAt       *time.Time     `json:"processed_at"`
}

func (WebhookEvent) TableName() string {
	return "payment_webhook_events"
}
