package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/charlesng35/sentinel/internal/models"
)

// Sink persists enriched audit entries.
type Sink interface {
	Write(ctx context.Context, entry *models.AuditLog) error
}

// GormSink appends audit entries to the audit_logs table.
type GormSink struct {
	db *gorm.DB
}

// NewGormSink constructs a GormSink.
func NewGormSink(db *gorm.DB) (*GormSink, error) {
	if db == nil {
		return nil, errors.New("audit sink: db is required")
	}
	return &GormSink{db: db}, nil
}

// Write inserts entry. Existing rows are never updated.
func (s *GormSink) Write(ctx context.Context, entry *models.AuditLog) error {
	if entry == nil {
		return errors.New("audit sink: entry is required")
	}
	if strings.TrimSpace(entry.Action) == "" {
		return errors.New("audit sink: action is required")
	}
	return s.db.WithContext(ctx).Create(entry).Error
}

// Filters narrows List queries.
type Filters struct {
	OrganizationID string
	UserID         string
	Action         string
	Since          *time.Time
	Until          *time.Time
	// Before is a keyset cursor: only entries with a smaller id are returned.
	Before string
}

// List returns entries newest first, bounded by limit (default 50, max 200). Ids are ULIDs
// derived from created_at, so id order is time order.
func (s *GormSink) List(ctx context.Context, filters Filters, limit int) ([]models.AuditLog, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var logs []models.AuditLog
	query := applyFilters(s.db.WithContext(ctx).Model(&models.AuditLog{}), filters)
	if err := query.Order("id DESC").Limit(limit).Find(&logs).Error; err != nil {
		return nil, fmt.Errorf("audit sink: list logs: %w", err)
	}
	return logs, nil
}

// CleanupOlderThan removes entries created before now minus retentionDays.
func (s *GormSink) CleanupOlderThan(ctx context.Context, now time.Time, retentionDays int) (int64, error) {
	if retentionDays <= 0 {
		return 0, errors.New("audit sink: retentionDays must be positive")
	}
	cutoff := now.AddDate(0, 0, -retentionDays)
	result := s.db.WithContext(ctx).Where("created_at < ?", cutoff).Delete(&models.AuditLog{})
	if result.Error != nil {
		return 0, fmt.Errorf("audit sink: cleanup logs: %w", result.Error)
	}
	return result.RowsAffected, nil
}

func applyFilters(query *gorm.DB, filters Filters) *gorm.DB {
	if filters.OrganizationID != "" {
		query = query.Where("organization_id = ?", filters.OrganizationID)
	}
	if filters.UserID != "" {
		query = query.Where("user_id = ?", filters.UserID)
	}
	if filters.Action != "" {
		query = query.Where("action = ?", filters.Action)
	}
	if filters.Since != nil {
		query = query.Where("created_at >= ?", *filters.Since)
	}
	if filters.Until != nil {
		query = query.Where("created_at <= ?", *filters.Until)
	}
	if filters.Before != "" {
		query = query.Where("id < ?", filters.Before)
	}
	return query
}

func encodeDetails(details map[string]any) (datatypes.JSON, error) {
	if len(details) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(details)
	if err != nil {
		return nil, fmt.Errorf("audit: marshal details: %w", err)
	}
	return datatypes.JSON(raw), nil
}
