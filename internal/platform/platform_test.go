package platform

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/charlesng35/sentinel/internal/app"
	testutil "github.com/charlesng35/sentinel/internal/database/testutil"
	"github.com/charlesng35/sentinel/internal/identity"
	"github.com/charlesng35/sentinel/pkg/mail"
)

func testConfig() *app.Config {
	cfg := &app.Config{}
	cfg.Auth.JWT.Secret = "platform-secret"
	cfg.TwoFactor.EncryptionKey = "00112233445566778899aabbccddeeff00112233445566778899aabbccddeeff"
	cfg.Audit.RetentionDays = 30
	cfg.Maintenance.SessionCleanup = "@every 1h"
	return cfg
}

func TestOpenBuildsServices(t *testing.T) {
	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())
	recorder := &mail.Recorder{}

	svc, err := Open(context.Background(), testConfig(), WithDatabase(db), WithMailer(recorder))
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, svc.Close()) })

	require.Same(t, svc.DBCache, svc.Cache)
	require.Nil(t, svc.Redis)
	require.Same(t, recorder, svc.Mailer)

	ctx := context.Background()
	registered, err := svc.Identity.Register(ctx, identity.RegisterInput{Email: "platform@example.com", Password: "Sup3rSecret!"})
	require.NoError(t, err)

	resolved, err := svc.Resolver.Resolve(ctx, registered.ID)
	require.NoError(t, err)
	require.Equal(t, "user", resolved.Role)

	require.NoError(t, svc.Cleaner.RunOnce(ctx))
	names := make([]string, 0)
	for _, job := range svc.Cleaner.Jobs() {
		names = append(names, job.Job)
	}
	require.ElementsMatch(t, []string{"audit_retention", "cache_purge", "invitation_sweep", "reset_token_cleanup", "session_cleanup"}, names)

	require.NoError(t, svc.StartMaintenance())
}

func TestOpenRejectsInvalidTwoFactorKey(t *testing.T) {
	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())
	cfg := testConfig()
	cfg.TwoFactor.EncryptionKey = "short"

	_, err := Open(context.Background(), cfg, WithDatabase(db))
	require.Error(t, err)
	require.Contains(t, err.Error(), "two-factor")
}

func TestOpenRequiresConfig(t *testing.T) {
	_, err := Open(context.Background(), nil)
	require.Error(t, err)
}
