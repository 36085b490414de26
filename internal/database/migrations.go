package database

import (
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/charlesng35/sentinel/internal/models"
)

// AutoMigrate creates or updates the database schema for all models.
func AutoMigrate(db *gorm.DB) error {
	if db == nil {
		return errors.New("nil database handle")
	}
	if err := db.AutoMigrate(
		&models.Identity{},
		&models.Organization{},
		&models.Profile{},
		&models.Session{},
		&models.AuditLog{},
		&models.Invitation{},
		&models.TwoFactorSecret{},
		&models.PasswordResetToken{},
		&models.CacheEntry{},
	); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}
