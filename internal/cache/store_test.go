package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	testutil "github.com/charlesng35/sentinel/internal/database/testutil"
	"github.com/charlesng35/sentinel/internal/models"
)

func storeContract(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()

	_, ok, err := store.Get(ctx, "missing")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, store.Set(ctx, "mfa:enroll:1", []byte("secret"), time.Minute))
	value, ok, err := store.Get(ctx, "mfa:enroll:1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("secret"), value)

	require.NoError(t, store.Set(ctx, "mfa:enroll:1", []byte("rotated"), time.Minute))
	value, _, err = store.Get(ctx, "mfa:enroll:1")
	require.NoError(t, err)
	require.Equal(t, []byte("rotated"), value)

	count, ttl, err := store.IncrementWithTTL(ctx, "rl:login", time.Minute)
	require.NoError(t, err)
	require.Equal(t, int64(1), count)
	require.Greater(t, ttl, time.Duration(0))

	count, _, err = store.IncrementWithTTL(ctx, "rl:login", time.Minute)
	require.NoError(t, err)
	require.Equal(t, int64(2), count)

	require.NoError(t, store.Delete(ctx, "mfa:enroll:1", "rl:login"))
	_, ok, err = store.Get(ctx, "mfa:enroll:1")
	require.NoError(t, err)
	require.False(t, ok)
	require.NoError(t, store.Delete(ctx))
}

func TestDatabaseStoreContract(t *testing.T) {
	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())
	storeContract(t, NewDatabaseStore(db))
}

func TestDatabaseStoreExpiry(t *testing.T) {
	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())
	now := time.Date(2024, 4, 1, 10, 0, 0, 0, time.UTC)
	store := NewDatabaseStore(db, WithDatabaseClock(func() time.Time { return now }))
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "short", []byte("v"), time.Minute))
	require.NoError(t, store.Set(ctx, "forever", []byte("v"), 0))

	count, _, err := store.IncrementWithTTL(ctx, "counter", time.Minute)
	require.NoError(t, err)
	require.Equal(t, int64(1), count)

	now = now.Add(2 * time.Minute)

	_, ok, err := store.Get(ctx, "short")
	require.NoError(t, err)
	require.False(t, ok)

	_, ok, err = store.Get(ctx, "forever")
	require.NoError(t, err)
	require.True(t, ok)

	count, _, err = store.IncrementWithTTL(ctx, "counter", time.Minute)
	require.NoError(t, err)
	require.Equal(t, int64(1), count, "expired window restarts the counter")

	require.NoError(t, store.Set(ctx, "stale", []byte("v"), time.Second))
	now = now.Add(time.Minute)
	purged, err := store.Purge(ctx)
	require.NoError(t, err)
	require.GreaterOrEqual(t, purged, int64(1))

	var remaining int64
	require.NoError(t, db.Model(&models.CacheEntry{}).Where("key = ?", "forever").Count(&remaining).Error)
	require.Equal(t, int64(1), remaining)
}

func TestNilDatabaseStore(t *testing.T) {
	require.Nil(t, NewDatabaseStore(nil))

	var store *DatabaseStore
	_, _, err := store.Get(context.Background(), "k")
	require.Error(t, err)
}

func TestRedisStoreContract(t *testing.T) {
	mr := miniredis.RunT(t)
	store, err := NewRedisStore(context.Background(), RedisConfig{Address: mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	storeContract(t, store)
}

func TestRedisStorePrefixesAndExpires(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := NewRedisStoreFromClient(client, "tenant:")
	t.Cleanup(func() { _ = store.Close() })
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "::challenge::abc", []byte("1"), time.Minute))
	require.True(t, mr.Exists("tenant:challenge:abc"))

	mr.FastForward(2 * time.Minute)
	_, ok, err := store.Get(ctx, "challenge:abc")
	require.NoError(t, err)
	require.False(t, ok)

	_, _, err = store.IncrementWithTTL(ctx, "rl", 30*time.Second)
	require.NoError(t, err)
	ttl := mr.TTL("tenant:rl")
	require.Equal(t, 30*time.Second, ttl)
}

func TestRedisStoreRequiresAddress(t *testing.T) {
	_, err := NewRedisStore(context.Background(), RedisConfig{})
	require.Error(t, err)
}

func TestMemoryStoreContract(t *testing.T) {
	storeContract(t, NewMemoryStore(time.Minute))
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	store := NewMemoryStore(time.Minute)
	ctx := context.Background()

	value := []byte("abc")
	require.NoError(t, store.Set(ctx, "k", value, time.Minute))
	value[0] = 'z'

	got, ok, err := store.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("abc"), got)
}

func TestNormalizeKey(t *testing.T) {
	require.Equal(t, "a:b:c", normalizeKey("a::b:::c"))
	require.Equal(t, "", normalizeKey(""))
}
