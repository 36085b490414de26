package models

import "time"

// Invitation status values. Status only ever moves from pending to accepted or expired.
const (
	InvitationPending  = "pending"
	InvitationAccepted = "accepted"
	InvitationExpired  = "expired"
)

// Invitation grants a role in an organization to whoever redeems the code first.
type Invitation struct {
	BaseModel

	CodeHash       string        `gorm:"uniqueIndex;not null" json:"-"`
	OrganizationID string        `gorm:"type:uuid;not null;index" json:"organization_id"`
	Organization   *Organization `gorm:"foreignKey:OrganizationID" json:"organization,omitempty"`
	InvitedEmail   string        `gorm:"index" json:"invited_email,omitempty"`
	Role           string        `gorm:"not null" json:"role"`
	Status         string        `gorm:"not null;default:pending;index" json:"status"`
	InvitedBy      *string       `gorm:"type:uuid" json:"invited_by,omitempty"`
	ExpiresAt      time.Time     `gorm:"index" json:"expires_at"`
	AcceptedBy     *string       `gorm:"type:uuid" json:"accepted_by,omitempty"`
	AcceptedAt     *time.Time    `json:"accepted_at,omitempty"`
}
