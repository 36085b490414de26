package database

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/charlesng35/sentinel/internal/models"
)

func TestOpenSQLiteMemory(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, db.Exec("SELECT 1").Error)
	require.NoError(t, Ping(context.Background(), db))
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open(Config{Driver: "oracle"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "unsupported database driver")
}

func TestAutoMigrateCreatesTables(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, AutoMigrate(db))

	migrator := db.Migrator()
	for _, model := range []any{
		&models.Identity{},
		&models.Profile{},
		&models.Organization{},
		&models.Session{},
		&models.AuditLog{},
		&models.Invitation{},
		&models.TwoFactorSecret{},
		&models.PasswordResetToken{},
		&models.CacheEntry{},
	} {
		require.True(t, migrator.HasTable(model), "expected table for %T", model)
	}
	require.True(t, migrator.HasColumn(&models.Session{}, "mfa_verified"))
	require.True(t, migrator.HasIndex(&models.Profile{}, "idx_profiles_identity_id"))
}

func TestAutoMigrateNilHandle(t *testing.T) {
	require.Error(t, AutoMigrate(nil))
}

func TestProfileIdentityIsUnique(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, AutoMigrate(db))

	require.NoError(t, db.Create(&models.Profile{IdentityID: "a4f5c1de-0000-4000-8000-000000000001", Role: "user"}).Error)
	err := db.Create(&models.Profile{IdentityID: "a4f5c1de-0000-4000-8000-000000000001", Role: "admin"}).Error
	require.Error(t, err)
}

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := Open(Config{Driver: "sqlite", DSN: "file:" + t.Name() + "?mode=memory&cache=shared&_foreign_keys=1"})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = Close(db)
	})
	return db
}
