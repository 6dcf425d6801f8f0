package models

import (
	"time"

	"gorm.io/datatypes"
)

type AuditLog struct {
	ID         uint              `gorm:"primaryKey" json:"id"`
	UserID     *uint             `gorm:"index" json:"user_id"`
	Action     string            `gorm:"size:100;not null;index" json:"action"`
	Resource   string            `gorm:"size:100;index" json:"resource"`
	ResourceID string            `gorm:"size:100;index" json:"resource_id"`
	Source     string            `gorm:"size:20" json:"source"` // confirm | webhook | sweeper | cli | admin
	Metadata   datatypes.JSONMap `json:"metadata,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
}

func (AuditLog) TableName() string {
	return "audit_logs"
}
