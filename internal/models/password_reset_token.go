package models

import "time"

type PasswordResetToken struct {
	BaseModel

	IdentityID string     `gorm:"type:uuid;not null;index" json:"identity_id"`
	TokenHash  string     `gorm:"uniqueIndex;not null" json:"-"`
	ExpiresAt  time.Time  `gorm:"index" json:"expires_at"`
	UsedAt     *time.Time `json:"used_at"`
}
