package store

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	testutil "github.com/charlesng35/sentinel/internal/database/testutil"
	"github.com/charlesng35/sentinel/internal/models"
	"github.com/charlesng35/sentinel/internal/profile"
	apperrors "github.com/charlesng35/sentinel/pkg/errors"
)

func TestFindProfileByIdentity(t *testing.T) {
	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())
	s, err := New(db)
	require.NoError(t, err)
	ctx := context.Background()

	_, err = s.FindProfileByIdentity(ctx, "missing")
	require.ErrorIs(t, err, profile.ErrNotFound)

	org, err := s.CreateOrganization(ctx, OrganizationInput{Name: "Acme", Departments: []string{"Security"}})
	require.NoError(t, err)
	require.Equal(t, "starter", org.PlanType)

	orgID := org.ID
	require.NoError(t, db.Create(&models.Profile{IdentityID: "id-1", Role: "manager", OrganizationID: &orgID}).Error)

	p, err := s.FindProfileByIdentity(ctx, "id-1")
	require.NoError(t, err)
	require.Equal(t, "manager", p.Role)

	found, err := s.FindOrganization(ctx, orgID)
	require.NoError(t, err)
	settings, err := found.DecodeSettings()
	require.NoError(t, err)
	require.Equal(t, []string{"Security"}, settings.Departments)

	_, err = s.FindOrganization(ctx, "nope")
	require.ErrorIs(t, err, profile.ErrNotFound)
}

func TestCreateOrganizationValidates(t *testing.T) {
	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())
	s, err := New(db)
	require.NoError(t, err)

	_, err = s.CreateOrganization(context.Background(), OrganizationInput{Name: "  "})
	require.ErrorIs(t, err, apperrors.ErrBadRequest)

	_, err = s.CreateOrganization(context.Background(), OrganizationInput{Name: "Zeta", PlanType: "enterprise"})
	require.NoError(t, err)
	_, err = s.CreateOrganization(context.Background(), OrganizationInput{Name: "Alpha"})
	require.NoError(t, err)

	orgs, err := s.ListOrganizations(context.Background())
	require.NoError(t, err)
	require.Len(t, orgs, 2)
	require.Equal(t, "Alpha", orgs[0].Name)
}

func TestUpdateProfile(t *testing.T) {
	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())
	s, err := New(db)
	require.NoError(t, err)
	ctx := context.Background()

	department := "Operations"
	require.ErrorIs(t, s.UpdateProfile(ctx, "id-1", ProfileUpdate{Department: &department}), profile.ErrNotFound)
	require.NoError(t, s.UpdateProfile(ctx, "id-1", ProfileUpdate{}))

	require.NoError(t, db.Create(&models.Profile{IdentityID: "id-1", Role: "user"}).Error)
	require.NoError(t, s.UpdateProfile(ctx, "id-1", ProfileUpdate{Department: &department}))

	p, err := s.FindProfileByIdentity(ctx, "id-1")
	require.NoError(t, err)
	require.Equal(t, "Operations", p.Department)
}

func TestFindProfileReportsBackendFailure(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	db, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	mock.ExpectQuery(`SELECT \* FROM "profiles"`).WillReturnError(errors.New("connection reset by peer"))

	s, err := New(db)
	require.NoError(t, err)

	_, err = s.FindProfileByIdentity(context.Background(), "id-1")
	require.ErrorIs(t, err, apperrors.ErrBackendUnavailable)
	require.NotErrorIs(t, err, profile.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestResolverOverStore(t *testing.T) {
	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())
	s, err := New(db)
	require.NoError(t, err)
	require.NoError(t, db.Create(&models.Profile{IdentityID: "id-9", Role: "admin"}).Error)

	resolver, err := profile.NewResolver(s)
	require.NoError(t, err)
	p, err := resolver.Resolve(context.Background(), "id-9")
	require.NoError(t, err)
	require.Equal(t, "admin", p.Role)
}

func TestNewRequiresDB(t *testing.T) {
	_, err := New(nil)
	require.Error(t, err)
}
