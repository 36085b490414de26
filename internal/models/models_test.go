package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/charlesng35/sentinel/internal/ids"
)

func TestBaseModelBeforeCreateGeneratesID(t *testing.T) {
	var base BaseModel
	require.NoError(t, base.BeforeCreate(nil))
	require.NotEmpty(t, base.ID)
}

func TestEmbeddedModelsUseBaseBeforeCreate(t *testing.T) {
	cases := []struct {
		name  string
		model func() *BaseModel
	}{
		{"identity", func() *BaseModel { m := &Identity{}; return &m.BaseModel }},
		{"profile", func() *BaseModel { m := &Profile{}; return &m.BaseModel }},
		{"organization", func() *BaseModel { m := &Organization{}; return &m.BaseModel }},
		{"invitation", func() *BaseModel { m := &Invitation{}; return &m.BaseModel }},
		{"two_factor_secret", func() *BaseModel { m := &TwoFactorSecret{}; return &m.BaseModel }},
		{"password_reset_token", func() *BaseModel { m := &PasswordResetToken{}; return &m.BaseModel }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			base := tc.model()
			require.NoError(t, base.BeforeCreate(nil))
			require.NotEmpty(t, base.ID)
		})
	}
}

func TestAuditLogUsesSortableIDs(t *testing.T) {
	at := time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)
	entry := &AuditLog{CreatedAt: at}
	require.NoError(t, entry.BeforeCreate(nil))
	require.Len(t, entry.ID, 26)

	ts, err := ids.Time(entry.ID)
	require.NoError(t, err)
	require.True(t, ts.Equal(at))

	preset := &AuditLog{ID: "fixed"}
	require.NoError(t, preset.BeforeCreate(nil))
	require.Equal(t, "fixed", preset.ID)
}

func TestSessionActive(t *testing.T) {
	now := time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)
	s := &Session{ExpiresAt: now.Add(time.Hour)}
	require.True(t, s.Active(now))
	require.False(t, s.Active(now.Add(2*time.Hour)))

	revoked := now
	s.RevokedAt = &revoked
	require.False(t, s.Active(now))

	var nilSession *Session
	require.False(t, nilSession.Active(now))
}

func TestIdentityIsLocked(t *testing.T) {
	now := time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)
	until := now.Add(15 * time.Minute)
	identity := &Identity{AccountLockedUntil: &until}
	require.True(t, identity.IsLocked(now))
	require.False(t, identity.IsLocked(until.Add(time.Second)))
	require.False(t, (&Identity{}).IsLocked(now))
}

func TestOrganizationSettingsRoundTrip(t *testing.T) {
	org := &Organization{}
	settings, err := org.DecodeSettings()
	require.NoError(t, err)
	require.Empty(t, settings.Departments)

	require.NoError(t, org.EncodeSettings(OrganizationSettings{Departments: []string{"Security", "Operations"}}))
	settings, err = org.DecodeSettings()
	require.NoError(t, err)
	require.Equal(t, []string{"Security", "Operations"}, settings.Departments)
}

func TestProfileOrgID(t *testing.T) {
	var p *Profile
	require.Equal(t, "", p.OrgID())

	org := "org-1"
	p = &Profile{OrganizationID: &org}
	require.Equal(t, "org-1", p.OrgID())
}

func TestCacheEntryExpired(t *testing.T) {
	now := time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)
	require.False(t, CacheEntry{}.Expired(now), "zero expiry never expires")
	require.False(t, CacheEntry{ExpiresAt: now.Add(time.Second)}.Expired(now))
	require.True(t, CacheEntry{ExpiresAt: now}.Expired(now))
}

func TestBaseModelStoresCreatedAtInUTC(t *testing.T) {
	local := time.Date(2024, 6, 1, 10, 0, 0, 0, time.FixedZone("CEST", 2*60*60))
	base := BaseModel{CreatedAt: local}
	require.NoError(t, base.BeforeCreate(nil))
	require.Equal(t, time.UTC, base.CreatedAt.Location())
	require.True(t, base.CreatedAt.Equal(local))
}
