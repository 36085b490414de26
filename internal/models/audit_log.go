package models

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/charlesng35/sentinel/internal/ids"
)

// AuditLog is an append-only record of a security relevant action.
type AuditLog struct {
	ID             string         `gorm:"primaryKey;size:26" json:"id"`
	UserID         *string        `gorm:"type:uuid;index" json:"user_id"`
	OrganizationID string         `gorm:"type:uuid;not null;index" json:"organization_id"`
	Action         string         `gorm:"not null;index" json:"action"`
	ResourceType   string         `gorm:"index" json:"resource_type"`
	ResourceID     string         `json:"resource_id"`
	Details        datatypes.JSON `json:"details"`
	IPAddress      string         `json:"ip_address"`
	UserAgent      string         `json:"user_agent"`
	CreatedAt      time.Time      `gorm:"index" json:"created_at"`
}

func (a *AuditLog) BeforeCreate(tx *gorm.DB) error {
	if a.ID == "" {
		if a.CreatedAt.IsZero() {
			a.ID = ids.New()
		} else {
			a.ID = ids.NewAt(a.CreatedAt)
		}
	}
	return nil
}
