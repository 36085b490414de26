package models

import "time"

// Identity is the authentication principal owned by the identity backend. Its id and email
// never change once created.
type Identity struct {
	BaseModel

	Email               string     `gorm:"uniqueIndex;not null" json:"email"`
	PasswordHash        string     `gorm:"not null" json:"-"`
	FullName            string     `json:"full_name"`
	IsActive            bool       `gorm:"default:true" json:"is_active"`
	FailedLoginAttempts int        `gorm:"default:0" json:"-"`
	AccountLockedUntil  *time.Time `json:"account_locked_until,omitempty"`
	LastLogin           *time.Time `json:"last_login,omitempty"`
	LastLoginIP         string     `json:"last_login_ip,omitempty"`
}

// IsLocked reports whether the lockout window is still open at now.
func (i *Identity) IsLocked(now time.Time) bool {
	return i != nil && i.AccountLockedUntil != nil && i.AccountLockedUntil.After(now)
}
