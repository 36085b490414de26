package audit

// Actions recorded by the identity core.
const (
	ActionLogin              = "auth.login"
	ActionLogout             = "auth.logout"
	ActionSignup             = "auth.signup"
	ActionPasswordChanged    = "auth.password_changed"
	ActionTwoFactorEnabled   = "two_factor.enabled"
	ActionTwoFactorDisabled  = "two_factor.disabled"
	ActionTwoFactorVerified  = "two_factor.verified"
	ActionBackupCodeUsed     = "two_factor.backup_code_used"
	ActionInvitationCreated  = "invitation.created"
	ActionInvitationAccepted = "invitation.accepted"
)

// Event describes one audit entry before enrichment with network metadata.
type Event struct {
	Action         string
	UserID         string
	OrganizationID string
	ResourceType   string
	ResourceID     string
	Details        map[string]any

	// IPAddress and UserAgent override the values taken from the request actor or lookup.
	IPAddress string
	UserAgent string
}
