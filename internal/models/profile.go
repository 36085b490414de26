package models

import "time"

// Profile is the authorization-relevant view of an identity. It is provisioned asynchronously
// after signup, so readers must tolerate it being absent for a short while.
type Profile struct {
	BaseModel

	IdentityID           string        `gorm:"type:uuid;uniqueIndex;not null" json:"identity_id"`
	Email                string        `gorm:"index" json:"email"`
	FullName             string        `json:"full_name"`
	OrganizationID       *string       `gorm:"type:uuid;index" json:"organization_id,omitempty"`
	Organization         *Organization `gorm:"foreignKey:OrganizationID" json:"organization,omitempty"`
	Role                 string        `gorm:"not null;default:user" json:"role"`
	Department           string        `json:"department,omitempty"`
	TwoFactorEnabled     bool          `gorm:"default:false" json:"two_factor_enabled"`
	BackupCodesRemaining int           `gorm:"default:0" json:"backup_codes_remaining"`
	FailedLoginAttempts  int           `gorm:"default:0" json:"failed_login_attempts"`
	AccountLockedUntil   *time.Time    `json:"account_locked_until,omitempty"`
	LastLogin            *time.Time    `json:"last_login,omitempty"`
}

// OrgID returns the organization id or an empty string when the profile has none.
func (p *Profile) OrgID() string {
	if p == nil || p.OrganizationID == nil {
		return ""
	}
	return *p.OrganizationID
}
