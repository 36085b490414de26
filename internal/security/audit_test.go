package security

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/charlesng35/sentinel/internal/app"
	testutil "github.com/charlesng35/sentinel/internal/database/testutil"
	"github.com/charlesng35/sentinel/internal/models"
)

func findCheck(t *testing.T, result Result, id string) Check {
	t.Helper()
	for _, check := range result.Checks {
		if check.ID == id {
			return check
		}
	}
	t.Fatalf("check %s not found", id)
	return Check{}
}

func hardenedConfig() *app.Config {
	cfg := &app.Config{}
	cfg.Auth.JWT.Secret = "0123456789abcdef0123456789abcdef0123456789abcdef"
	cfg.Auth.Session.RefreshTTL = 720 * time.Hour
	cfg.Auth.Local.LockoutThreshold = 5
	cfg.Auth.Local.LockoutDuration = 15 * time.Minute
	cfg.TwoFactor.EncryptionKey = "00112233445566778899aabbccddeeff00112233445566778899aabbccddeeff"
	return cfg
}

func TestAuditServiceRun(t *testing.T) {
	db := testutil.MustOpenTestDB(t, testutil.WithRecords(&models.Profile{
		IdentityID: "6f1c2b8e-4a57-4a51-9d1e-5f3f0e3a9c11",
		Email:      "admin@example.com",
		Role:       "admin",
	}))

	svc := NewAuditService(db, hardenedConfig())
	fixed := time.Date(2024, 7, 1, 12, 0, 0, 0, time.UTC)
	svc.WithClock(func() time.Time { return fixed })

	result := svc.Run(context.Background())
	require.Equal(t, fixed, result.CheckedAt)
	require.Len(t, result.Checks, 5)
	require.Equal(t, 5, result.Summary[string(StatusPass)], result.Checks)
	require.False(t, result.Failed())
}

func TestAuditServiceDetectsWeakDeployment(t *testing.T) {
	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())

	cfg := &app.Config{}
	cfg.Auth.JWT.Secret = "short"
	cfg.Auth.Session.RefreshTTL = 90 * 24 * time.Hour
	cfg.TwoFactor.EncryptionKey = "00112233445566778899aabbccddeeff"

	result := NewAuditService(db, cfg).Run(context.Background())
	require.True(t, result.Failed())

	require.Equal(t, StatusFail, findCheck(t, result, CheckAdminPresent).Status)
	require.Equal(t, StatusFail, findCheck(t, result, CheckJWTSecret).Status)
	require.Equal(t, StatusWarn, findCheck(t, result, CheckTwoFactorKey).Status)
	require.Equal(t, StatusWarn, findCheck(t, result, CheckRefreshTTL).Status)
	require.Equal(t, StatusWarn, findCheck(t, result, CheckAccountLockout).Status)
}

func TestAuditServiceWithoutDependencies(t *testing.T) {
	result := NewAuditService(nil, nil).Run(context.Background())
	require.Equal(t, 5, result.Summary[string(StatusWarn)])
	require.False(t, result.Failed())
}
