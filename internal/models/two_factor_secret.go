package models

import (
	"time"

	"gorm.io/datatypes"
)

// TwoFactorSecret stores the encrypted TOTP seed and hashed backup codes for an identity.
type TwoFactorSecret struct {
	BaseModel

	IdentityID  string         `gorm:"type:uuid;uniqueIndex;not null" json:"identity_id"`
	Secret      string         `gorm:"not null" json:"-"`
	BackupCodes datatypes.JSON `json:"-"`
	LastUsedAt  *time.Time     `json:"last_used_at"`
}
