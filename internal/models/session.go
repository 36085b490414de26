package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Session is one refresh-token backed sign-in. Only the SHA-256 digest of the refresh
// token is stored. A session with MFAVerified false is provisional: the password was
// accepted but the second factor has not been checked yet.
type Session struct {
	ID               string     `gorm:"primaryKey;type:uuid" json:"id"`
	IdentityID       string     `gorm:"type:uuid;not null;index" json:"identity_id"`
	Identity         *Identity  `gorm:"foreignKey:IdentityID;constraint:OnDelete:CASCADE" json:"-"`
	RefreshTokenHash string     `gorm:"column:refresh_token_hash;size:64;uniqueIndex;not null" json:"-"`
	IPAddress        string     `gorm:"size:64" json:"ip_address"`
	UserAgent        string     `json:"user_agent"`
	MFAVerified      bool       `gorm:"default:false" json:"mfa_verified"`
	ExpiresAt        time.Time  `gorm:"index" json:"expires_at"`
	LastUsedAt       time.Time  `json:"last_used_at"`
	CreatedAt        time.Time  `json:"created_at"`
	RevokedAt        *time.Time `gorm:"index" json:"revoked_at,omitempty"`
}

// BeforeCreate assigns the session id.
func (s *Session) BeforeCreate(*gorm.DB) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	return nil
}

// Expired reports whether the refresh window has closed at now.
func (s *Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.After(now)
}

// Active reports whether the session is neither revoked nor expired at now.
func (s *Session) Active(now time.Time) bool {
	return s != nil && s.RevokedAt == nil && !s.Expired(now)
}
