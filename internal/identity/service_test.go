package identity

import (
	"context"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/charlesng35/sentinel/internal/auth"
	"github.com/charlesng35/sentinel/internal/cache"
	testutil "github.com/charlesng35/sentinel/internal/database/testutil"
	"github.com/charlesng35/sentinel/internal/models"
	apperrors "github.com/charlesng35/sentinel/pkg/errors"
	"github.com/charlesng35/sentinel/pkg/mail"
)

type testClock struct {
	mu      sync.Mutex
	current time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.current = c.current.Add(d)
	c.mu.Unlock()
}

type fakeSecondFactor struct {
	mu    sync.Mutex
	valid map[string]bool
	calls int
}

func (f *fakeSecondFactor) VerifyAtLogin(_ context.Context, _ string, code string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	backup, ok := f.valid[code]
	if !ok {
		return false, apperrors.ErrInvalidTwoFactorCode
	}
	if backup {
		delete(f.valid, code)
	}
	return backup, nil
}

type fixture struct {
	db     *gorm.DB
	svc    *Service
	clock  *testClock
	mailer *mail.Recorder
	second *fakeSecondFactor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())
	clock := &testClock{current: time.Now().UTC().Truncate(time.Second)}
	mailer := &mail.Recorder{}
	second := &fakeSecondFactor{valid: map[string]bool{"123456": false, "BACKUP-01": true}}

	svc, err := NewService(db, cache.NewMemoryStore(time.Minute), Config{
		JWT:             JWTConfig{Secret: "identity-test-secret", Issuer: "sentinel-test"},
		RefreshTokenTTL: time.Hour,
		Reset:           ResetConfig{From: "no-reply@example.com", ResetURL: "https://app.example.com/reset"},
	},
		WithClock(clock.Now),
		WithMailer(mailer),
		WithSecondFactor(second),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })

	return &fixture{db: db, svc: svc, clock: clock, mailer: mailer, second: second}
}

func (f *fixture) register(t *testing.T, email, password string) *models.Identity {
	t.Helper()
	identity, err := f.svc.Register(context.Background(), RegisterInput{Email: email, Password: password, FullName: "Test User"})
	require.NoError(t, err)
	return identity
}

func TestRegisterProvisionsProfile(t *testing.T) {
	f := newFixture(t)
	identity := f.register(t, " Alice@Example.com ", "Password123!")
	require.Equal(t, "alice@example.com", identity.Email)

	var profile models.Profile
	require.NoError(t, f.db.First(&profile, "identity_id = ?", identity.ID).Error)
	require.Equal(t, "user", profile.Role)
	require.Equal(t, "alice@example.com", profile.Email)

	_, err := f.svc.Register(context.Background(), RegisterInput{Email: "alice@example.com", Password: "x"})
	require.Error(t, err)
}

func TestDelayedProvisioning(t *testing.T) {
	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())
	provisioner := NewProfileProvisioner(db, 20*time.Millisecond, nil)

	identity := &models.Identity{Email: "late@example.com", PasswordHash: "x"}
	require.NoError(t, db.Create(identity).Error)
	require.NoError(t, provisioner.Provision(identity))

	var count int64
	require.NoError(t, db.Model(&models.Profile{}).Count(&count).Error)
	require.Zero(t, count)

	provisioner.Wait()
	require.NoError(t, db.Model(&models.Profile{}).Count(&count).Error)
	require.Equal(t, int64(1), count)
}

func TestSignInLockout(t *testing.T) {
	f := newFixture(t)
	identity := f.register(t, "bob@example.com", "correct-horse")
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_, _, err := f.svc.SignIn(ctx, AuthenticateInput{Email: "bob@example.com", Password: "wrong"})
		require.ErrorIs(t, err, apperrors.ErrInvalidCredentials)
	}
	_, _, err := f.svc.SignIn(ctx, AuthenticateInput{Email: "bob@example.com", Password: "wrong"})
	require.ErrorIs(t, err, apperrors.ErrAccountLocked)

	// The correct password is rejected while the lock holds.
	_, _, err = f.svc.SignIn(ctx, AuthenticateInput{Email: "bob@example.com", Password: "correct-horse"})
	require.ErrorIs(t, err, apperrors.ErrAccountLocked)

	var profile models.Profile
	require.NoError(t, f.db.First(&profile, "identity_id = ?", identity.ID).Error)
	require.Equal(t, 5, profile.FailedLoginAttempts)
	require.NotNil(t, profile.AccountLockedUntil)

	f.clock.Advance(16 * time.Minute)
	issued, _, err := f.svc.SignIn(ctx, AuthenticateInput{Email: "bob@example.com", Password: "correct-horse", IPAddress: "10.0.0.9"})
	require.NoError(t, err)
	require.False(t, issued.Session.MFAVerified)

	var reloaded models.Identity
	require.NoError(t, f.db.First(&reloaded, "id = ?", identity.ID).Error)
	require.Zero(t, reloaded.FailedLoginAttempts)
	require.Nil(t, reloaded.AccountLockedUntil)
	require.Equal(t, "10.0.0.9", reloaded.LastLoginIP)
}

func TestSignInHonoursProfileLock(t *testing.T) {
	f := newFixture(t)
	identity := f.register(t, "dana@example.com", "correct-horse")
	ctx := context.Background()

	lockedUntil := f.clock.Now().Add(10 * time.Minute)
	require.NoError(t, f.db.Model(&models.Profile{}).
		Where("identity_id = ?", identity.ID).
		Update("account_locked_until", lockedUntil).Error)

	issued, _, err := f.svc.SignIn(ctx, AuthenticateInput{Email: "dana@example.com", Password: "correct-horse"})
	require.ErrorIs(t, err, apperrors.ErrAccountLocked)
	require.Nil(t, issued)

	var profile models.Profile
	require.NoError(t, f.db.First(&profile, "identity_id = ?", identity.ID).Error)
	require.NotNil(t, profile.AccountLockedUntil, "a rejected attempt leaves the lock in place")
	require.True(t, profile.AccountLockedUntil.Equal(lockedUntil))

	f.clock.Advance(11 * time.Minute)
	_, _, err = f.svc.SignIn(ctx, AuthenticateInput{Email: "dana@example.com", Password: "correct-horse"})
	require.NoError(t, err)

	require.NoError(t, f.db.First(&profile, "identity_id = ?", identity.ID).Error)
	require.Nil(t, profile.AccountLockedUntil)
}

func TestUnknownEmailIsInvalidCredentials(t *testing.T) {
	f := newFixture(t)
	_, _, err := f.svc.SignIn(context.Background(), AuthenticateInput{Email: "nobody@example.com", Password: "x"})
	require.ErrorIs(t, err, apperrors.ErrInvalidCredentials)
}

func TestTwoFactorChallengeFlow(t *testing.T) {
	f := newFixture(t)
	f.register(t, "carol@example.com", "Password123!")
	ctx := context.Background()

	issued, _, err := f.svc.SignIn(ctx, AuthenticateInput{Email: "carol@example.com", Password: "Password123!"})
	require.NoError(t, err)

	challenge, err := f.svc.BeginTwoFactor(ctx, issued.Session.ID)
	require.NoError(t, err)

	// The provisional session is no longer usable.
	_, err = f.svc.Authorize(ctx, issued.AccessToken)
	require.ErrorIs(t, err, apperrors.ErrUnauthorized)

	_, _, _, err = f.svc.CompleteTwoFactor(ctx, challenge.ID, "000000")
	require.ErrorIs(t, err, apperrors.ErrInvalidTwoFactorCode)

	verified, _, usedBackup, err := f.svc.CompleteTwoFactor(ctx, challenge.ID, "123456")
	require.NoError(t, err)
	require.False(t, usedBackup)
	require.True(t, verified.Session.MFAVerified)

	principal, err := f.svc.Authorize(ctx, verified.AccessToken)
	require.NoError(t, err)
	require.True(t, principal.MFAVerified)
	require.Equal(t, "carol@example.com", principal.Email)

	_, _, _, err = f.svc.CompleteTwoFactor(ctx, challenge.ID, "123456")
	require.ErrorIs(t, err, apperrors.ErrTwoFactorNotPending)
}

func TestChallengeAttemptBudget(t *testing.T) {
	f := newFixture(t)
	f.register(t, "dave@example.com", "Password123!")
	ctx := context.Background()

	issued, _, err := f.svc.SignIn(ctx, AuthenticateInput{Email: "dave@example.com", Password: "Password123!"})
	require.NoError(t, err)
	challenge, err := f.svc.BeginTwoFactor(ctx, issued.Session.ID)
	require.NoError(t, err)

	for i := 0; i < defaultChallengeMaxAttempts; i++ {
		_, _, _, err = f.svc.CompleteTwoFactor(ctx, challenge.ID, "000000")
		require.ErrorIs(t, err, apperrors.ErrInvalidTwoFactorCode)
	}
	_, _, _, err = f.svc.CompleteTwoFactor(ctx, challenge.ID, "123456")
	require.ErrorIs(t, err, apperrors.ErrTwoFactorNotPending)
}

func TestChallengeExpires(t *testing.T) {
	f := newFixture(t)
	f.register(t, "erin@example.com", "Password123!")
	ctx := context.Background()

	issued, _, err := f.svc.SignIn(ctx, AuthenticateInput{Email: "erin@example.com", Password: "Password123!"})
	require.NoError(t, err)
	challenge, err := f.svc.BeginTwoFactor(ctx, issued.Session.ID)
	require.NoError(t, err)

	f.clock.Advance(6 * time.Minute)
	_, _, _, err = f.svc.CompleteTwoFactor(ctx, challenge.ID, "123456")
	require.ErrorIs(t, err, apperrors.ErrTwoFactorNotPending)
}

func TestRefreshRotatesToken(t *testing.T) {
	f := newFixture(t)
	f.register(t, "frank@example.com", "Password123!")
	ctx := context.Background()

	issued, _, err := f.svc.SignIn(ctx, AuthenticateInput{Email: "frank@example.com", Password: "Password123!"})
	require.NoError(t, err)

	f.clock.Advance(time.Minute)
	refreshed, identity, err := f.svc.Refresh(ctx, issued.RefreshToken)
	require.NoError(t, err)
	require.Equal(t, "frank@example.com", identity.Email)
	require.Equal(t, issued.Session.ID, refreshed.Session.ID)
	require.NotEqual(t, issued.RefreshToken, refreshed.RefreshToken)

	_, _, err = f.svc.Refresh(ctx, issued.RefreshToken)
	require.ErrorIs(t, err, apperrors.ErrSessionRequired)
}

func TestPasswordResetFlow(t *testing.T) {
	f := newFixture(t)
	identity := f.register(t, "gina@example.com", "old-password")
	ctx := context.Background()

	require.NoError(t, f.svc.RequestPasswordReset(ctx, "unknown@example.com"))
	require.Empty(t, f.mailer.Sent())

	require.NoError(t, f.svc.RequestPasswordReset(ctx, "gina@example.com"))
	sent := f.mailer.Sent()
	require.Len(t, sent, 1)
	require.Equal(t, []string{"gina@example.com"}, sent[0].To)

	token := extractToken(t, sent[0].Body)
	require.NoError(t, f.svc.ConfirmPasswordReset(ctx, token, "new-password"))
	require.ErrorIs(t, f.svc.ConfirmPasswordReset(ctx, token, "again"), ErrResetTokenInvalid)

	require.NoError(t, f.svc.Reauthenticate(ctx, identity.ID, "new-password"))
	require.ErrorIs(t, f.svc.Reauthenticate(ctx, identity.ID, "old-password"), apperrors.ErrInvalidCredentials)
}

func TestCleanupExpiredAnnouncesSessions(t *testing.T) {
	f := newFixture(t)
	f.register(t, "hank@example.com", "Password123!")
	ctx := context.Background()

	events, unsubscribe := f.svc.Subscribe()
	defer unsubscribe()

	issued, _, err := f.svc.SignIn(ctx, AuthenticateInput{Email: "hank@example.com", Password: "Password123!"})
	require.NoError(t, err)

	f.clock.Advance(2 * time.Hour)
	removed, err := f.svc.CleanupExpired(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), removed)

	select {
	case ev := <-events:
		require.Equal(t, auth.EventSessionExpired, ev.Event)
		require.Equal(t, issued.Session.ID, ev.SessionID)
	case <-time.After(time.Second):
		t.Fatal("expected expiry event")
	}
}

func TestClientGetSessionNoneWhileTwoFactorPending(t *testing.T) {
	f := newFixture(t)
	f.register(t, "ivy@example.com", "Password123!")
	ctx := context.Background()

	client := NewClient(f.svc, SessionMetadata{IPAddress: "192.0.2.1", UserAgent: "test"})
	defer client.Close()

	session, err := client.SignInWithPassword(ctx, "ivy@example.com", "Password123!")
	require.NoError(t, err)
	require.False(t, session.MFAVerified)

	challengeID, err := client.BeginTwoFactor(ctx)
	require.NoError(t, err)

	current, err := client.GetSession(ctx)
	require.NoError(t, err)
	require.Nil(t, current)

	verified, usedBackup, err := client.CompleteTwoFactor(ctx, challengeID, "BACKUP-01")
	require.NoError(t, err)
	require.True(t, usedBackup)
	require.True(t, verified.MFAVerified)

	current, err = client.GetSession(ctx)
	require.NoError(t, err)
	require.NotNil(t, current)
	require.Equal(t, verified.ID, current.ID)
}

func TestClientForwardsExternalRevocation(t *testing.T) {
	f := newFixture(t)
	identity := f.register(t, "jack@example.com", "Password123!")
	ctx := context.Background()

	client := NewClient(f.svc, SessionMetadata{})
	defer client.Close()

	events, unsubscribe := client.Subscribe()
	defer unsubscribe()

	session, err := client.SignInWithPassword(ctx, "jack@example.com", "Password123!")
	require.NoError(t, err)

	ev := <-events
	require.Equal(t, auth.EventSignedIn, ev.Event)

	require.NoError(t, f.svc.RevokeAll(ctx, identity.ID, ""))

	select {
	case ev = <-events:
		require.Equal(t, auth.EventSignedOut, ev.Event)
		require.Equal(t, session.ID, ev.SessionID)
	case <-time.After(time.Second):
		t.Fatal("expected revocation to be forwarded")
	}

	current, err := client.GetSession(ctx)
	require.NoError(t, err)
	require.Nil(t, current)
}

func TestClientSignInRevokesReplacedSession(t *testing.T) {
	f := newFixture(t)
	f.register(t, "lena@example.com", "Password123!")
	ctx := context.Background()

	client := NewClient(f.svc, SessionMetadata{})
	defer client.Close()

	first, err := client.SignInWithPassword(ctx, "lena@example.com", "Password123!")
	require.NoError(t, err)
	second, err := client.SignInWithPassword(ctx, "lena@example.com", "Password123!")
	require.NoError(t, err)
	require.NotEqual(t, first.ID, second.ID)

	var stored models.Session
	require.NoError(t, f.db.Take(&stored, "id = ?", first.ID).Error)
	require.NotNil(t, stored.RevokedAt)

	current, err := client.GetSession(ctx)
	require.NoError(t, err)
	require.NotNil(t, current)
	require.Equal(t, second.ID, current.ID)
}

func TestClientGetSessionRefreshesExpiredAccessToken(t *testing.T) {
	f := newFixture(t)
	f.register(t, "kate@example.com", "Password123!")
	ctx := context.Background()

	client := NewClient(f.svc, SessionMetadata{})
	defer client.Close()

	session, err := client.SignInWithPassword(ctx, "kate@example.com", "Password123!")
	require.NoError(t, err)

	f.clock.Advance(DefaultAccessTokenTTL + time.Minute)
	current, err := client.GetSession(ctx)
	require.NoError(t, err)
	require.NotNil(t, current)
	require.Equal(t, session.ID, current.ID)
	require.NotEqual(t, session.AccessToken, current.AccessToken)
}

func extractToken(t *testing.T, body string) string {
	t.Helper()
	for _, line := range strings.Split(body, "\n") {
		if strings.HasPrefix(line, "https://") {
			u, err := url.Parse(strings.TrimSpace(line))
			require.NoError(t, err)
			return u.Query().Get("token")
		}
	}
	t.Fatal("reset link not found")
	return ""
}
