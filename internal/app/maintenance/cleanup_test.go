package maintenance

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/stretchr/testify/require"

	"github.com/charlesng35/sentinel/internal/audit"
	"github.com/charlesng35/sentinel/internal/cache"
	"github.com/charlesng35/sentinel/internal/database/testutil"
	"github.com/charlesng35/sentinel/internal/invitations"
	"github.com/charlesng35/sentinel/internal/models"
	"github.com/charlesng35/sentinel/internal/permissions"
	"github.com/charlesng35/sentinel/internal/store"
)

type countingJob struct {
	calls   int
	removed int64
	err     error
}

func (j *countingJob) CleanupExpired(context.Context) (int64, error) {
	j.calls++
	return j.removed, j.err
}

func (j *countingJob) CleanupResetTokens(context.Context) (int64, error) {
	j.calls++
	return j.removed, j.err
}

func TestCleanerRunOnce(t *testing.T) {
	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())
	ctx := context.Background()
	now := time.Date(2024, 2, 10, 15, 0, 0, 0, time.UTC)

	st, err := store.New(db)
	require.NoError(t, err)
	org, err := st.CreateOrganization(ctx, store.OrganizationInput{Name: "Acme"})
	require.NoError(t, err)

	past, err := invitations.NewService(db, invitations.WithClock(func() time.Time { return now.Add(-30 * 24 * time.Hour) }))
	require.NoError(t, err)
	_, err = past.Create(ctx, invitations.CreateInput{OrganizationID: org.ID, Email: "old@example.com", Role: permissions.RoleUser})
	require.NoError(t, err)

	invites, err := invitations.NewService(db, invitations.WithClock(func() time.Time { return now }))
	require.NoError(t, err)
	_, err = invites.Create(ctx, invitations.CreateInput{OrganizationID: org.ID, Email: "new@example.com", Role: permissions.RoleUser})
	require.NoError(t, err)

	sink, err := audit.NewGormSink(db)
	require.NoError(t, err)
	require.NoError(t, sink.Write(ctx, &models.AuditLog{OrganizationID: org.ID, Action: audit.ActionLogin, CreatedAt: now.AddDate(0, 0, -120)}))
	require.NoError(t, sink.Write(ctx, &models.AuditLog{OrganizationID: org.ID, Action: audit.ActionLogin, CreatedAt: now.AddDate(0, 0, -1)}))

	cacheStore := cache.NewDatabaseStore(db, cache.WithDatabaseClock(func() time.Time { return now.Add(-time.Hour) }))
	require.NoError(t, cacheStore.Set(ctx, "stale", []byte("v"), time.Minute))
	require.NoError(t, cacheStore.Set(ctx, "fresh", []byte("v"), 24*time.Hour))
	purger := cache.NewDatabaseStore(db, cache.WithDatabaseClock(func() time.Time { return now }))

	sessions := &countingJob{removed: 2}
	cleaner := NewCleaner(
		WithNow(func() time.Time { return now }),
		WithSessionCleanup(sessions, "@every 15m"),
		WithInvitationSweep(invites, "@every 1h"),
		WithAuditRetention(sink, 90, "@daily"),
		WithCachePurge(purger, ""),
	)

	require.NoError(t, cleaner.RunOnce(ctx))
	require.Equal(t, 1, sessions.calls)

	var expired int64
	require.NoError(t, db.Model(&models.Invitation{}).Where("status = ?", models.InvitationExpired).Count(&expired).Error)
	require.Equal(t, int64(1), expired)

	logs, err := sink.List(ctx, audit.Filters{OrganizationID: org.ID}, 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)

	_, ok, err := purger.Get(ctx, "fresh")
	require.NoError(t, err)
	require.True(t, ok)
	var entries int64
	require.NoError(t, db.Model(&models.CacheEntry{}).Count(&entries).Error)
	require.Equal(t, int64(1), entries)

	jobs := cleaner.Jobs()
	require.Len(t, jobs, 4)
	for _, job := range jobs {
		require.Equal(t, uint64(1), job.TotalRuns, job.Job)
		require.Zero(t, job.ConsecutiveFailures, job.Job)
		require.Equal(t, now, job.LastSuccessAt, job.Job)
	}
	require.Equal(t, JobAuditRetention, jobs[0].Job)
	require.Equal(t, int64(1), jobs[0].LastRemoved)
}

func TestCleanerRunOnceCollectsErrors(t *testing.T) {
	sessions := &countingJob{err: errors.New("database locked")}
	resets := &countingJob{err: errors.New("timeout")}
	cleaner := NewCleaner(
		WithSessionCleanup(sessions, "@hourly"),
		WithResetTokenCleanup(resets, "@hourly"),
	)

	err := cleaner.RunOnce(context.Background())
	require.Error(t, err)
	require.ErrorContains(t, err, "session_cleanup: database locked")
	require.ErrorContains(t, err, "reset_token_cleanup: timeout")
	require.Equal(t, 1, sessions.calls)
	require.Equal(t, 1, resets.calls)

	sessions.err = nil
	require.Error(t, cleaner.RunOnce(context.Background()))

	for _, job := range cleaner.Jobs() {
		switch job.Job {
		case JobSessionCleanup:
			require.Zero(t, job.ConsecutiveFailures)
			require.Empty(t, job.LastError)
		case JobResetTokenCleanup:
			require.Equal(t, uint64(2), job.ConsecutiveFailures)
			require.Contains(t, job.LastError, "timeout")
		}
	}
}

func TestCleanerStartSchedulesJobs(t *testing.T) {
	c := cron.New(cron.WithLogger(cron.DiscardLogger))
	cleaner := NewCleaner(
		WithCron(c),
		WithSessionCleanup(&countingJob{}, "@every 1h"),
		WithResetTokenCleanup(&countingJob{}, ""),
		WithAuditRetention(nil, 90, "@daily"),
	)

	require.NoError(t, cleaner.Start())
	defer cleaner.Stop()
	require.Len(t, c.Entries(), 1)
}

func TestCleanerStartRejectsInvalidSchedule(t *testing.T) {
	cleaner := NewCleaner(WithSessionCleanup(&countingJob{}, "not a schedule"))
	err := cleaner.Start()
	require.Error(t, err)
	require.ErrorContains(t, err, JobSessionCleanup)
}

func TestAuditRetentionRequiresPositiveDays(t *testing.T) {
	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())
	sink, err := audit.NewGormSink(db)
	require.NoError(t, err)

	cleaner := NewCleaner(WithAuditRetention(sink, 0, "@daily"))
	require.Empty(t, cleaner.Jobs())
}
