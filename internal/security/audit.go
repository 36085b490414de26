// Package security evaluates the security posture of a deployment: signing secrets, key
// material, session lifetimes and whether any tenant can still be administered.
package security

import (
	"context"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/charlesng35/sentinel/internal/app"
	"github.com/charlesng35/sentinel/internal/models"
	"github.com/charlesng35/sentinel/internal/permissions"
)

// CheckStatus captures the outcome of a posture check.
type CheckStatus string

const (
	StatusPass CheckStatus = "pass"
	StatusWarn CheckStatus = "warn"
	StatusFail CheckStatus = "fail"
)

const (
	CheckAdminPresent   = "admin_profile_present"
	CheckJWTSecret      = "jwt_secret_strength"
	CheckTwoFactorKey   = "two_factor_encryption_key"
	CheckRefreshTTL     = "session_refresh_ttl"
	CheckAccountLockout = "account_lockout"

	maxRecommendedRefreshTTL = 30 * 24 * time.Hour
)

// Check contains the result of a single verification.
type Check struct {
	ID          string      `json:"id"`
	Status      CheckStatus `json:"status"`
	Message     string      `json:"message"`
	Remediation string      `json:"remediation,omitempty"`
	Details     any         `json:"details,omitempty"`
}

// Result aggregates all checks with a status summary.
type Result struct {
	CheckedAt time.Time      `json:"checked_at"`
	Checks    []Check        `json:"checks"`
	Summary   map[string]int `json:"summary"`
}

// Failed reports whether any check failed.
func (r Result) Failed() bool {
	return r.Summary[string(StatusFail)] > 0
}

// AuditService evaluates core security controls and configuration.
type AuditService struct {
	db  *gorm.DB
	cfg *app.Config
	now func() time.Time
}

// NewAuditService constructs the audit service. Both dependencies are optional; missing
// inputs degrade the affected checks to warnings.
func NewAuditService(db *gorm.DB, cfg *app.Config) *AuditService {
	return &AuditService{db: db, cfg: cfg, now: time.Now}
}

// WithClock overrides the clock used in results.
func (s *AuditService) WithClock(clock func() time.Time) {
	if clock != nil {
		s.now = clock
	}
}

// Run executes every check.
func (s *AuditService) Run(ctx context.Context) Result {
	if ctx == nil {
		ctx = context.Background()
	}

	checks := []Check{
		s.checkAdminPresent(ctx),
		s.checkJWTSecret(),
		s.checkTwoFactorKey(),
		s.checkRefreshTTL(),
		s.checkAccountLockout(),
	}

	summary := map[string]int{
		string(StatusPass): 0,
		string(StatusWarn): 0,
		string(StatusFail): 0,
	}
	for _, check := range checks {
		summary[string(check.Status)]++
	}

	return Result{
		CheckedAt: s.now().UTC(),
		Checks:    checks,
		Summary:   summary,
	}
}

func configMissing(id string) Check {
	return Check{
		ID:          id,
		Status:      StatusWarn,
		Message:     "Configuration not loaded; check skipped.",
		Remediation: "Load configuration before running the security audit.",
	}
}

func (s *AuditService) checkAdminPresent(ctx context.Context) Check {
	if s.db == nil {
		return Check{
			ID:          CheckAdminPresent,
			Status:      StatusWarn,
			Message:     "Database unavailable; unable to confirm an administrator exists.",
			Remediation: "Ensure database connectivity before running the audit.",
		}
	}

	var count int64
	err := s.db.WithContext(ctx).
		Model(&models.Profile{}).
		Where("role IN ?", []string{string(permissions.RoleAdmin), string(permissions.RoleSuperAdmin)}).
		Count(&count).Error
	if err != nil {
		return Check{
			ID:          CheckAdminPresent,
			Status:      StatusWarn,
			Message:     fmt.Sprintf("Could not count administrators: %v", err),
			Remediation: "Retry after resolving database errors.",
		}
	}

	if count == 0 {
		return Check{
			ID:          CheckAdminPresent,
			Status:      StatusFail,
			Message:     "No profile holds the admin or super_admin role.",
			Remediation: "Promote a trusted profile so invitations and audit logs can be managed.",
		}
	}

	return Check{
		ID:      CheckAdminPresent,
		Status:  StatusPass,
		Message: "Administrator present.",
		Details: map[string]any{"count": count},
	}
}

func (s *AuditService) checkJWTSecret() Check {
	if s.cfg == nil {
		return configMissing(CheckJWTSecret)
	}

	length := len(strings.TrimSpace(s.cfg.Auth.JWT.Secret))
	switch {
	case length == 0:
		return Check{
			ID:          CheckJWTSecret,
			Status:      StatusFail,
			Message:     "Missing JWT signing secret.",
			Remediation: "Provide a cryptographically secure signing secret (>= 32 bytes).",
		}
	case length < 32:
		return Check{
			ID:          CheckJWTSecret,
			Status:      StatusFail,
			Message:     fmt.Sprintf("JWT signing secret is too short (%d bytes).", length),
			Remediation: "Use a randomly generated secret of at least 32 bytes.",
		}
	case length < 48:
		return Check{
			ID:          CheckJWTSecret,
			Status:      StatusWarn,
			Message:     fmt.Sprintf("JWT signing secret is %d bytes. Consider increasing to 48+ bytes.", length),
			Remediation: "Increase the length of SENTINEL_AUTH_JWT_SECRET to at least 48 bytes.",
			Details:     map[string]any{"length": length},
		}
	default:
		return Check{
			ID:      CheckJWTSecret,
			Status:  StatusPass,
			Message: fmt.Sprintf("JWT signing secret length is %d bytes.", length),
			Details: map[string]any{"length": length},
		}
	}
}

func (s *AuditService) checkTwoFactorKey() Check {
	if s.cfg == nil {
		return configMissing(CheckTwoFactorKey)
	}

	key, err := s.cfg.TwoFactor.Key()
	if err != nil {
		return Check{
			ID:          CheckTwoFactorKey,
			Status:      StatusFail,
			Message:     err.Error(),
			Remediation: "Set SENTINEL_TWO_FACTOR_ENCRYPTION_KEY to 32 random bytes, hex or base64 encoded.",
		}
	}
	if len(key) < 32 {
		return Check{
			ID:          CheckTwoFactorKey,
			Status:      StatusWarn,
			Message:     fmt.Sprintf("Two-factor secrets are sealed with AES-%d.", len(key)*8),
			Remediation: "Use a 32 byte key for AES-256-GCM.",
			Details:     map[string]any{"length": len(key)},
		}
	}

	return Check{
		ID:      CheckTwoFactorKey,
		Status:  StatusPass,
		Message: "Two-factor encryption key configured.",
		Details: map[string]any{"length": len(key)},
	}
}

func (s *AuditService) checkRefreshTTL() Check {
	if s.cfg == nil {
		return configMissing(CheckRefreshTTL)
	}

	ttl := s.cfg.Auth.Session.RefreshTTL
	if ttl <= 0 {
		return Check{
			ID:          CheckRefreshTTL,
			Status:      StatusWarn,
			Message:     "Refresh token TTL is not configured; using default duration.",
			Remediation: "Set SENTINEL_AUTH_SESSION_REFRESH_TOKEN_TTL to control session lifetime.",
		}
	}

	if ttl > maxRecommendedRefreshTTL {
		return Check{
			ID:          CheckRefreshTTL,
			Status:      StatusWarn,
			Message:     fmt.Sprintf("Refresh token TTL (%s) exceeds recommended maximum (%s).", ttl, maxRecommendedRefreshTTL),
			Remediation: "Reduce refresh token TTL to 30 days or lower.",
			Details:     map[string]any{"ttl": ttl.String()},
		}
	}

	return Check{
		ID:      CheckRefreshTTL,
		Status:  StatusPass,
		Message: fmt.Sprintf("Refresh token TTL is %s.", ttl),
		Details: map[string]any{"ttl": ttl.String()},
	}
}

func (s *AuditService) checkAccountLockout() Check {
	if s.cfg == nil {
		return configMissing(CheckAccountLockout)
	}

	local := s.cfg.Auth.Local
	if local.LockoutThreshold <= 0 || local.LockoutDuration <= 0 {
		return Check{
			ID:          CheckAccountLockout,
			Status:      StatusWarn,
			Message:     "Account lockout is disabled; password guessing is only rate limited.",
			Remediation: "Set auth.local.lockout_threshold and auth.local.lockout_duration.",
		}
	}

	return Check{
		ID:      CheckAccountLockout,
		Status:  StatusPass,
		Message: fmt.Sprintf("Accounts lock for %s after %d failed attempts.", local.LockoutDuration, local.LockoutThreshold),
	}
}
