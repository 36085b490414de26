package cache

import (
	"context"
	"errors"
	"strconv"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/charlesng35/sentinel/internal/models"
)

var errNoDatabase = errors.New("cache: database store not initialised")

// DatabaseStore keeps cache entries in the cache_entries table. It is the fallback when
// Redis is not configured, so every instance sharing the database sees the same keys.
type DatabaseStore struct {
	db  *gorm.DB
	now func() time.Time
}

// DatabaseOption customises a DatabaseStore.
type DatabaseOption func(*DatabaseStore)

// WithDatabaseClock overrides the clock used for expiry bookkeeping.
func WithDatabaseClock(now func() time.Time) DatabaseOption {
	return func(s *DatabaseStore) {
		if now != nil {
			s.now = now
		}
	}
}

// NewDatabaseStore returns nil when db is nil.
func NewDatabaseStore(db *gorm.DB, opts ...DatabaseOption) *DatabaseStore {
	if db == nil {
		return nil
	}
	s := &DatabaseStore{db: db, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *DatabaseStore) session(ctx context.Context) (*gorm.DB, error) {
	if s == nil || s.db == nil {
		return nil, errNoDatabase
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return s.db.WithContext(ctx), nil
}

func (s *DatabaseStore) expiryFor(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return s.now().Add(ttl)
}

// Get returns the value for key. Expired rows are removed on read.
func (s *DatabaseStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	db, err := s.session(ctx)
	if err != nil {
		return nil, false, err
	}

	var entry models.CacheEntry
	switch err := db.Take(&entry, "key = ?", key).Error; {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return nil, false, nil
	case err != nil:
		return nil, false, err
	}

	if entry.Expired(s.now()) {
		_ = db.Delete(&models.CacheEntry{}, "key = ?", key).Error
		return nil, false, nil
	}
	return entry.Value, true, nil
}

// Set writes value under key, replacing any previous value and expiry.
func (s *DatabaseStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	db, err := s.session(ctx)
	if err != nil {
		return err
	}
	entry := models.CacheEntry{Key: key, Value: value, ExpiresAt: s.expiryFor(ttl)}
	return db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "expires_at", "updated_at"}),
	}).Create(&entry).Error
}

// IncrementWithTTL bumps a fixed-window counter inside a transaction. A missing or expired
// counter starts again at 1; each increment pushes the window out by window.
func (s *DatabaseStore) IncrementWithTTL(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	db, err := s.session(ctx)
	if err != nil {
		return 0, 0, err
	}
	if window <= 0 {
		window = time.Minute
	}
	now := s.now()
	expiry := now.Add(window)

	var count int64
	err = db.Transaction(func(tx *gorm.DB) error {
		var entry models.CacheEntry
		lookup := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Take(&entry, "key = ?", key).Error
		fresh := errors.Is(lookup, gorm.ErrRecordNotFound)
		if lookup != nil && !fresh {
			return lookup
		}

		count = 1
		if !fresh && !entry.Expired(now) {
			current, _ := strconv.ParseInt(string(entry.Value), 10, 64)
			count = current + 1
		}
		entry.Key = key
		entry.Value = []byte(strconv.FormatInt(count, 10))
		entry.ExpiresAt = expiry

		if fresh {
			return tx.Create(&entry).Error
		}
		return tx.Save(&entry).Error
	})
	if err != nil {
		return 0, 0, err
	}
	return count, window, nil
}

// Delete removes keys. Unknown keys are ignored.
func (s *DatabaseStore) Delete(ctx context.Context, keys ...string) error {
	db, err := s.session(ctx)
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	return db.Where("key IN ?", keys).Delete(&models.CacheEntry{}).Error
}

// Purge deletes every expired row and reports how many went. Entries without an expiry
// stay.
func (s *DatabaseStore) Purge(ctx context.Context) (int64, error) {
	db, err := s.session(ctx)
	if err != nil {
		return 0, err
	}
	result := db.Where("expires_at > ? AND expires_at <= ?", time.Time{}, s.now()).
		Delete(&models.CacheEntry{})
	return result.RowsAffected, result.Error
}
