package monitoring_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/charlesng35/sentinel/internal/database/testutil"
	"github.com/charlesng35/sentinel/internal/monitoring"
	"github.com/charlesng35/sentinel/internal/monitoring/checks"
)

type staticJobs []monitoring.JobStatus

func (s staticJobs) Jobs() []monitoring.JobStatus { return s }

type pinger struct{ err error }

func (p pinger) Ping(context.Context) error { return p.err }

func TestHealthManagerEvaluate(t *testing.T) {
	t.Parallel()

	manager := monitoring.NewHealthManager()
	manager.RegisterReadiness(monitoring.NewCheck("database", func(ctx context.Context) monitoring.ProbeResult {
		return monitoring.ProbeResult{Status: monitoring.StatusUp}
	}))
	manager.RegisterReadiness(monitoring.NewCheck("redis", func(ctx context.Context) monitoring.ProbeResult {
		return monitoring.ProbeResult{Status: monitoring.StatusDown, Details: "connection refused"}
	}))

	report := manager.EvaluateReadiness(context.Background())
	require.False(t, report.Success)
	require.Equal(t, monitoring.StatusDown, report.Status)
	require.Len(t, report.Checks, 2)
	require.Equal(t, "redis", report.Checks[1].Component)

	live := manager.EvaluateLiveness(context.Background())
	require.True(t, live.Success)
	require.Empty(t, live.Checks)
}

func TestHealthManagerRecoversPanics(t *testing.T) {
	t.Parallel()

	manager := monitoring.NewHealthManager()
	manager.RegisterLiveness(monitoring.NewCheck("boom", func(context.Context) monitoring.ProbeResult {
		panic("exploded")
	}))

	report := manager.EvaluateLiveness(context.Background())
	require.Equal(t, monitoring.StatusDown, report.Status)
	require.Equal(t, "exploded", report.Checks[0].Details)
	require.Equal(t, "boom", report.Checks[0].Component)
}

func TestResultFromError(t *testing.T) {
	t.Parallel()

	require.Equal(t, monitoring.StatusUp, monitoring.ResultFromError("x", nil, time.Second).Status)
	require.Equal(t, monitoring.StatusDown, monitoring.ResultFromError("x", errors.New("refused"), 0).Status)
	require.Equal(t, monitoring.StatusDegraded, monitoring.ResultFromError("x", context.DeadlineExceeded, 0).Status)
}

func TestDatabaseCheck(t *testing.T) {
	db := testutil.MustOpenTestDB(t)

	result := checks.Database(db, time.Second).Run(context.Background())
	require.Equal(t, monitoring.StatusUp, result.Status)

	result = checks.Database(nil, time.Second).Run(context.Background())
	require.Equal(t, monitoring.StatusDown, result.Status)
}

func TestRedisCheck(t *testing.T) {
	t.Parallel()

	require.Equal(t, monitoring.StatusUp, checks.Redis(nil, false, 0).Run(context.Background()).Status)
	require.Equal(t, monitoring.StatusDegraded, checks.Redis(nil, true, 0).Run(context.Background()).Status)
	require.Equal(t, monitoring.StatusDown, checks.Redis(pinger{err: errors.New("refused")}, true, 0).Run(context.Background()).Status)
	require.Equal(t, monitoring.StatusUp, checks.Redis(pinger{}, true, 0).Run(context.Background()).Status)
}

func TestMaintenanceCheck(t *testing.T) {
	t.Parallel()

	now := time.Now()
	jobs := staticJobs{
		{Job: "session_cleanup", TotalRuns: 3, LastRunAt: now, LastSuccessAt: now},
		{Job: "audit_retention", TotalRuns: 1, ConsecutiveFailures: 1, LastRunAt: now, LastError: "timeout"},
	}

	result := checks.Maintenance(jobs, 0).Run(context.Background())
	require.Equal(t, monitoring.StatusDown, result.Status)
	require.Contains(t, result.Details, "audit_retention: timeout")

	stale := staticJobs{{Job: "invitation_sweep", TotalRuns: 1, LastRunAt: now.Add(-2 * time.Hour)}}
	result = checks.Maintenance(stale, time.Hour).Run(context.Background())
	require.Equal(t, monitoring.StatusDegraded, result.Status)

	pending := staticJobs{{Job: "cache_purge"}}
	result = checks.Maintenance(pending, time.Hour).Run(context.Background())
	require.Equal(t, monitoring.StatusUp, result.Status)
}
