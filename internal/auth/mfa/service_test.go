package mfa

import (
	"context"
	"testing"
	"time"

	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	"github.com/charlesng35/sentinel/internal/cache"
	testutil "github.com/charlesng35/sentinel/internal/database/testutil"
	"github.com/charlesng35/sentinel/internal/models"
	apperrors "github.com/charlesng35/sentinel/pkg/errors"
	"github.com/charlesng35/sentinel/pkg/crypto"
)

var testKey = []byte("0123456789abcdef0123456789abcdef")

func newTestService(t *testing.T, now time.Time) (*Service, *gorm.DB) {
	t.Helper()

	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())
	svc, err := NewService(db, cache.NewMemoryStore(time.Minute), testKey,
		WithClock(func() time.Time { return now }),
		WithBackupCodeCount(3),
		WithHashCost(bcrypt.MinCost),
	)
	require.NoError(t, err)
	return svc, db
}

func createIdentity(t *testing.T, db *gorm.DB, email, password string) *models.Identity {
	t.Helper()

	hash, err := crypto.HashPasswordCost(password, bcrypt.MinCost)
	require.NoError(t, err)

	identity := &models.Identity{Email: email, PasswordHash: hash, IsActive: true}
	require.NoError(t, db.Create(identity).Error)
	require.NoError(t, db.Create(&models.Profile{IdentityID: identity.ID, Email: email, Role: "user"}).Error)
	return identity
}

func enable(t *testing.T, svc *Service, identityID string, now time.Time) (*Enrollment, []string) {
	t.Helper()

	enrollment, err := svc.Setup(context.Background(), identityID, "user@example.com")
	require.NoError(t, err)

	code, err := totp.GenerateCode(enrollment.Secret, now)
	require.NoError(t, err)

	codes, err := svc.Enable(context.Background(), identityID, code)
	require.NoError(t, err)
	return enrollment, codes
}

func TestSetupDoesNotPersist(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	svc, db := newTestService(t, now)
	identity := createIdentity(t, db, "user@example.com", "Password123!")

	enrollment, err := svc.Setup(context.Background(), identity.ID, "user@example.com")
	require.NoError(t, err)
	require.NotEmpty(t, enrollment.Secret)
	require.Contains(t, enrollment.URI, "otpauth://totp/")
	require.NotEmpty(t, enrollment.QRCode)
	require.Len(t, enrollment.BackupCodes, 3)
	require.Equal(t, now.Add(defaultEnrollmentTTL), enrollment.ExpiresAt)

	var count int64
	require.NoError(t, db.Model(&models.TwoFactorSecret{}).Count(&count).Error)
	require.Zero(t, count)

	status, err := svc.Status(context.Background(), identity.ID)
	require.NoError(t, err)
	require.False(t, status.Enabled)
}

func TestEnableRequiresPendingEnrollment(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	svc, db := newTestService(t, now)
	identity := createIdentity(t, db, "user@example.com", "Password123!")

	_, err := svc.Enable(context.Background(), identity.ID, "123456")
	require.ErrorIs(t, err, ErrNoPendingEnrollment)
}

func TestEnableRejectsWrongCode(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	svc, db := newTestService(t, now)
	identity := createIdentity(t, db, "user@example.com", "Password123!")

	enrollment, err := svc.Setup(context.Background(), identity.ID, "user@example.com")
	require.NoError(t, err)

	stale, err := totp.GenerateCode(enrollment.Secret, now.Add(-5*time.Minute))
	require.NoError(t, err)

	_, err = svc.Enable(context.Background(), identity.ID, stale)
	require.ErrorIs(t, err, apperrors.ErrInvalidTwoFactorCode)

	var profile models.Profile
	require.NoError(t, db.First(&profile, "identity_id = ?", identity.ID).Error)
	require.False(t, profile.TwoFactorEnabled)
}

func TestEnablePersistsSecretAndFlag(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	svc, db := newTestService(t, now)
	identity := createIdentity(t, db, "user@example.com", "Password123!")

	enrollment, codes := enable(t, svc, identity.ID, now)
	require.Equal(t, enrollment.BackupCodes, codes)

	var record models.TwoFactorSecret
	require.NoError(t, db.First(&record, "identity_id = ?", identity.ID).Error)
	require.NotEqual(t, enrollment.Secret, record.Secret)
	for _, code := range codes {
		require.NotContains(t, string(record.BackupCodes), code)
	}

	var profile models.Profile
	require.NoError(t, db.First(&profile, "identity_id = ?", identity.ID).Error)
	require.True(t, profile.TwoFactorEnabled)
	require.Equal(t, 3, profile.BackupCodesRemaining)

	_, err := svc.Enable(context.Background(), identity.ID, "000000")
	require.ErrorIs(t, err, ErrNoPendingEnrollment)
}

func TestVerifyAtLoginAcceptsSkewedCode(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	svc, db := newTestService(t, now)
	identity := createIdentity(t, db, "user@example.com", "Password123!")
	enrollment, _ := enable(t, svc, identity.ID, now)

	previous, err := totp.GenerateCode(enrollment.Secret, now.Add(-30*time.Second))
	require.NoError(t, err)

	usedBackup, err := svc.VerifyAtLogin(context.Background(), identity.ID, previous)
	require.NoError(t, err)
	require.False(t, usedBackup)

	tooOld, err := totp.GenerateCode(enrollment.Secret, now.Add(-2*time.Minute))
	require.NoError(t, err)
	_, err = svc.VerifyAtLogin(context.Background(), identity.ID, tooOld)
	require.ErrorIs(t, err, apperrors.ErrInvalidTwoFactorCode)
}

func TestVerifyAtLoginConsumesBackupCode(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	svc, db := newTestService(t, now)
	identity := createIdentity(t, db, "user@example.com", "Password123!")
	_, codes := enable(t, svc, identity.ID, now)

	usedBackup, err := svc.VerifyAtLogin(context.Background(), identity.ID, codes[1])
	require.NoError(t, err)
	require.True(t, usedBackup)

	_, err = svc.VerifyAtLogin(context.Background(), identity.ID, codes[1])
	require.ErrorIs(t, err, apperrors.ErrInvalidTwoFactorCode)

	remaining, err := svc.RemainingBackupCodes(context.Background(), identity.ID)
	require.NoError(t, err)
	require.Equal(t, 2, remaining)

	var profile models.Profile
	require.NoError(t, db.First(&profile, "identity_id = ?", identity.ID).Error)
	require.Equal(t, 2, profile.BackupCodesRemaining)
}

func TestVerifyAtLoginWithoutEnrollment(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	svc, db := newTestService(t, now)
	identity := createIdentity(t, db, "user@example.com", "Password123!")

	_, err := svc.VerifyAtLogin(context.Background(), identity.ID, "123456")
	require.ErrorIs(t, err, ErrNotEnabled)
}

func TestDisableWithWrongPasswordChangesNothing(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	svc, db := newTestService(t, now)
	identity := createIdentity(t, db, "user@example.com", "Password123!")
	enable(t, svc, identity.ID, now)

	err := svc.Disable(context.Background(), identity.ID, "wrong-password")
	require.ErrorIs(t, err, apperrors.ErrInvalidCredentials)

	status, err := svc.Status(context.Background(), identity.ID)
	require.NoError(t, err)
	require.True(t, status.Enabled)
	require.Equal(t, 3, status.BackupCodesRemaining)

	var profile models.Profile
	require.NoError(t, db.First(&profile, "identity_id = ?", identity.ID).Error)
	require.True(t, profile.TwoFactorEnabled)
}

func TestDisableRemovesSecret(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	svc, db := newTestService(t, now)
	identity := createIdentity(t, db, "user@example.com", "Password123!")
	enable(t, svc, identity.ID, now)

	require.NoError(t, svc.Disable(context.Background(), identity.ID, "Password123!"))

	var count int64
	require.NoError(t, db.Model(&models.TwoFactorSecret{}).Count(&count).Error)
	require.Zero(t, count)

	var profile models.Profile
	require.NoError(t, db.First(&profile, "identity_id = ?", identity.ID).Error)
	require.False(t, profile.TwoFactorEnabled)
	require.Zero(t, profile.BackupCodesRemaining)
}

func TestCustomPasswordVerifier(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())

	var gotIdentity, gotPassword string
	svc, err := NewService(db, cache.NewMemoryStore(time.Minute), testKey,
		WithClock(func() time.Time { return now }),
		WithPasswordVerifier(func(_ context.Context, identityID, password string) error {
			gotIdentity, gotPassword = identityID, password
			return apperrors.ErrInvalidCredentials
		}),
	)
	require.NoError(t, err)

	err = svc.Disable(context.Background(), "identity-1", "secret")
	require.ErrorIs(t, err, apperrors.ErrInvalidCredentials)
	require.Equal(t, "identity-1", gotIdentity)
	require.Equal(t, "secret", gotPassword)
}

func TestNewServiceValidatesKey(t *testing.T) {
	db := testutil.MustOpenTestDB(t)
	_, err := NewService(db, cache.NewMemoryStore(time.Minute), []byte("short"))
	require.Error(t, err)
}

func TestNormalizeBackupCode(t *testing.T) {
	require.Equal(t, "ABCD2345", normalizeBackupCode(" abcd-2345 "))
}
