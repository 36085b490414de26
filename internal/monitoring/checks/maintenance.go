package checks

import (
	"context"
	"strings"
	"time"

	"github.com/charlesng35/sentinel/internal/monitoring"
)

const defaultMaintenanceMaxAge = 6 * time.Hour

// JobReporter is satisfied by maintenance.Cleaner.
type JobReporter interface {
	Jobs() []monitoring.JobStatus
}

// Maintenance reports down while a job keeps failing and degraded when a job has not run
// within maxAge.
func Maintenance(reporter JobReporter, maxAge time.Duration) monitoring.Check {
	if maxAge <= 0 {
		maxAge = defaultMaintenanceMaxAge
	}

	return monitoring.NewCheck("maintenance", func(ctx context.Context) monitoring.ProbeResult {
		if reporter == nil {
			return monitoring.ProbeResult{Status: monitoring.StatusUp, Details: "maintenance disabled"}
		}
		jobs := reporter.Jobs()
		if len(jobs) == 0 {
			return monitoring.ProbeResult{Status: monitoring.StatusUp, Details: "no maintenance jobs registered"}
		}

		now := time.Now()
		status := monitoring.StatusUp
		var problems []string
		for _, job := range jobs {
			if job.TotalRuns == 0 {
				continue
			}
			if job.ConsecutiveFailures > 0 {
				status = monitoring.Worst(status, monitoring.StatusDown)
				problems = append(problems, job.Job+": "+job.LastError)
				continue
			}
			if now.Sub(job.LastRunAt) > maxAge {
				status = monitoring.Worst(status, monitoring.StatusDegraded)
				problems = append(problems, job.Job+": stale run "+job.LastRunAt.UTC().Format(time.RFC3339))
			}
		}

		return monitoring.ProbeResult{Status: status, Details: strings.Join(problems, "; ")}
	})
}
