package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/charlesng35/sentinel/internal/models"
	apperrors "github.com/charlesng35/sentinel/pkg/errors"
	"github.com/charlesng35/sentinel/pkg/crypto"
)

// ErrAccountDisabled signals that the identity has been deactivated.
var ErrAccountDisabled = errors.New("identity: account disabled")

// LocalConfig defines tunable behaviour for the local password provider.
type LocalConfig struct {
	LockoutThreshold int
	LockoutDuration  time.Duration
	Clock            func() time.Time
}

// AuthenticateInput contains the credentials and client metadata of a sign-in attempt.
type AuthenticateInput struct {
	Email     string
	Password  string
	IPAddress string
	UserAgent string
}

// RegisterInput captures the details required to register a new identity.
type RegisterInput struct {
	Email    string
	Password string
	FullName string
}

// LocalProvider implements email/password authentication with account lockout controls.
// Lockout state lives on the identity and is mirrored onto the profile when one exists; a
// lock written directly to the profile is honoured as well.
type LocalProvider struct {
	db        *gorm.DB
	clock     func() time.Time
	threshold int
	duration  time.Duration
}

// NewLocalProvider builds a provider with sane defaults.
func NewLocalProvider(db *gorm.DB, cfg LocalConfig) (*LocalProvider, error) {
	if db == nil {
		return nil, errors.New("local provider: db is required")
	}

	threshold := cfg.LockoutThreshold
	if threshold <= 0 {
		threshold = 5
	}

	duration := cfg.LockoutDuration
	if duration <= 0 {
		duration = 15 * time.Minute
	}

	clock := time.Now
	if cfg.Clock != nil {
		clock = cfg.Clock
	}

	return &LocalProvider{
		db:        db,
		clock:     clock,
		threshold: threshold,
		duration:  duration,
	}, nil
}

// Authenticate verifies the supplied credentials and returns the identity when successful.
// A lock that is still in force rejects the attempt before the password is checked.
func (p *LocalProvider) Authenticate(ctx context.Context, input AuthenticateInput) (*models.Identity, error) {
	email := normalizeEmail(input.Email)
	if email == "" || input.Password == "" {
		return nil, apperrors.ErrInvalidCredentials
	}

	var identity models.Identity
	err := p.db.WithContext(ctx).Where("email = ?", email).Take(&identity).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperrors.ErrInvalidCredentials
	}
	if err != nil {
		return nil, apperrors.ErrBackendUnavailable.WithInternal(fmt.Errorf("local provider: query identity: %w", err))
	}

	now := p.clock()

	if !identity.IsActive {
		return nil, ErrAccountDisabled
	}

	// A lock may be set on either row; the later one wins.
	profileLock, err := p.profileLock(ctx, identity.ID)
	if err != nil {
		return nil, apperrors.ErrBackendUnavailable.WithInternal(fmt.Errorf("local provider: query profile lock: %w", err))
	}
	if profileLock != nil && (identity.AccountLockedUntil == nil || profileLock.After(*identity.AccountLockedUntil)) {
		identity.AccountLockedUntil = profileLock
	}

	if identity.IsLocked(now) {
		return nil, apperrors.ErrAccountLocked
	}

	if identity.AccountLockedUntil != nil {
		identity.AccountLockedUntil = nil
		identity.FailedLoginAttempts = 0
		if err := p.updateLockState(ctx, &identity, map[string]any{
			"account_locked_until":  nil,
			"failed_login_attempts": 0,
		}); err != nil {
			return nil, fmt.Errorf("local provider: reset lock state: %w", err)
		}
	}

	if !crypto.VerifyPassword(identity.PasswordHash, input.Password) {
		return nil, p.handleFailedAttempt(ctx, &identity, now)
	}

	identity.FailedLoginAttempts = 0
	identity.LastLogin = &now
	identity.LastLoginIP = strings.TrimSpace(input.IPAddress)

	if err := p.db.WithContext(ctx).Model(&identity).Updates(map[string]any{
		"failed_login_attempts": 0,
		"account_locked_until":  nil,
		"last_login":            now,
		"last_login_ip":         identity.LastLoginIP,
	}).Error; err != nil {
		return nil, fmt.Errorf("local provider: update identity: %w", err)
	}
	if err := p.db.WithContext(ctx).Model(&models.Profile{}).
		Where("identity_id = ?", identity.ID).
		Updates(map[string]any{
			"failed_login_attempts": 0,
			"account_locked_until":  nil,
			"last_login":            now,
		}).Error; err != nil {
		return nil, fmt.Errorf("local provider: update profile: %w", err)
	}

	return &identity, nil
}

// profileLock returns the profile's account_locked_until. A missing profile has no lock.
func (p *LocalProvider) profileLock(ctx context.Context, identityID string) (*time.Time, error) {
	var rows []models.Profile
	err := p.db.WithContext(ctx).
		Select("account_locked_until").
		Where("identity_id = ?", identityID).
		Limit(1).
		Find(&rows).Error
	if err != nil || len(rows) == 0 {
		return nil, err
	}
	return rows[0].AccountLockedUntil, nil
}

func (p *LocalProvider) handleFailedAttempt(ctx context.Context, identity *models.Identity, now time.Time) error {
	identity.FailedLoginAttempts++

	updates := map[string]any{
		"failed_login_attempts": identity.FailedLoginAttempts,
	}

	if identity.FailedLoginAttempts >= p.threshold {
		lockUntil := now.Add(p.duration)
		identity.AccountLockedUntil = &lockUntil
		updates["account_locked_until"] = lockUntil
	}

	if err := p.updateLockState(ctx, identity, updates); err != nil {
		return fmt.Errorf("local provider: update failed attempts: %w", err)
	}

	if identity.IsLocked(now) {
		return apperrors.ErrAccountLocked
	}
	return apperrors.ErrInvalidCredentials
}

func (p *LocalProvider) updateLockState(ctx context.Context, identity *models.Identity, updates map[string]any) error {
	return p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(identity).Updates(updates).Error; err != nil {
			return err
		}
		return tx.Model(&models.Profile{}).Where("identity_id = ?", identity.ID).Updates(updates).Error
	})
}

// Register creates a new identity with a hashed password.
func (p *LocalProvider) Register(ctx context.Context, input RegisterInput) (*models.Identity, error) {
	email := normalizeEmail(input.Email)
	if email == "" || input.Password == "" {
		return nil, apperrors.NewBadRequest("email and password are required")
	}

	var existing int64
	if err := p.db.WithContext(ctx).Model(&models.Identity{}).Where("email = ?", email).Count(&existing).Error; err != nil {
		return nil, apperrors.ErrBackendUnavailable.WithInternal(err)
	}
	if existing > 0 {
		return nil, apperrors.New("auth.email_taken", "An account with this email already exists", 409)
	}

	hashed, err := crypto.HashPassword(input.Password)
	if err != nil {
		return nil, fmt.Errorf("local provider: hash password: %w", err)
	}

	identity := &models.Identity{
		Email:        email,
		PasswordHash: hashed,
		FullName:     strings.TrimSpace(input.FullName),
		IsActive:     true,
	}

	if err := p.db.WithContext(ctx).Create(identity).Error; err != nil {
		return nil, fmt.Errorf("local provider: create identity: %w", err)
	}

	return identity, nil
}

// VerifyPassword checks password against identityID without touching lockout counters.
func (p *LocalProvider) VerifyPassword(ctx context.Context, identityID, password string) error {
	var identity models.Identity
	if err := p.db.WithContext(ctx).Take(&identity, "id = ?", identityID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return apperrors.ErrInvalidCredentials
		}
		return apperrors.ErrBackendUnavailable.WithInternal(err)
	}
	if !crypto.VerifyPassword(identity.PasswordHash, password) {
		return apperrors.ErrInvalidCredentials
	}
	return nil
}

// SetPassword replaces the password hash of identityID.
func (p *LocalProvider) SetPassword(ctx context.Context, identityID, newPassword string) error {
	if strings.TrimSpace(identityID) == "" || newPassword == "" {
		return apperrors.NewBadRequest("identity id and new password are required")
	}

	hashed, err := crypto.HashPassword(newPassword)
	if err != nil {
		return fmt.Errorf("local provider: hash password: %w", err)
	}

	result := p.db.WithContext(ctx).Model(&models.Identity{}).
		Where("id = ?", identityID).
		Update("password_hash", hashed)
	if result.Error != nil {
		return fmt.Errorf("local provider: update password: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}

// UpdateFullName changes the display name of identityID.
func (p *LocalProvider) UpdateFullName(ctx context.Context, identityID, fullName string) error {
	return p.db.WithContext(ctx).Model(&models.Identity{}).
		Where("id = ?", identityID).
		Update("full_name", strings.TrimSpace(fullName)).Error
}

// FindByID loads an identity.
func (p *LocalProvider) FindByID(ctx context.Context, identityID string) (*models.Identity, error) {
	var identity models.Identity
	if err := p.db.WithContext(ctx).Take(&identity, "id = ?", identityID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.ErrNotFound
		}
		return nil, apperrors.ErrBackendUnavailable.WithInternal(err)
	}
	return &identity, nil
}

// FindByEmail loads an identity by its normalised email.
func (p *LocalProvider) FindByEmail(ctx context.Context, email string) (*models.Identity, error) {
	var identity models.Identity
	if err := p.db.WithContext(ctx).Take(&identity, "email = ?", normalizeEmail(email)).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.ErrNotFound
		}
		return nil, apperrors.ErrBackendUnavailable.WithInternal(err)
	}
	return &identity, nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
