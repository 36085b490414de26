// Package testutil opens throwaway databases for package tests.
package testutil

import (
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/charlesng35/sentinel/internal/database"
)

// TestDBOption customises MustOpenTestDB.
type TestDBOption func(*testDBConfig)

type testDBConfig struct {
	autoMigrate bool
	records     []any
}

// WithAutoMigrate creates the full schema.
func WithAutoMigrate() TestDBOption {
	return func(cfg *testDBConfig) { cfg.autoMigrate = true }
}

// WithRecords migrates and inserts records in order, so later records may reference
// earlier ones.
func WithRecords(records ...any) TestDBOption {
	return func(cfg *testDBConfig) {
		cfg.autoMigrate = true
		cfg.records = append(cfg.records, records...)
	}
}

// MustOpenTestDB opens a private in-memory SQLite database named after a fresh UUID, so
// tests never share state. One open connection keeps SQLite from reporting table locks
// when goroutines in a test write concurrently. The handle is closed on cleanup.
func MustOpenTestDB(t *testing.T, opts ...TestDBOption) *gorm.DB {
	t.Helper()

	var cfg testDBConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	db, err := database.Open(database.Config{
		Driver:       "sqlite",
		DSN:          fmt.Sprintf("file:%s?mode=memory&cache=shared&_foreign_keys=1", uuid.NewString()),
		MaxOpenConns: 1,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close(db) })

	if cfg.autoMigrate {
		require.NoError(t, database.AutoMigrate(db))
	}
	for i, record := range cfg.records {
		require.NoError(t, db.Create(record).Error, "seed record %d (%T)", i, record)
	}
	return db
}
