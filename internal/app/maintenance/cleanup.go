package maintenance

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/charlesng35/sentinel/internal/monitoring"
	"github.com/charlesng35/sentinel/pkg/logger"
	"github.com/charlesng35/sentinel/pkg/metrics"
)

const (
	JobSessionCleanup    = "session_cleanup"
	JobResetTokenCleanup = "reset_token_cleanup"
	JobInvitationSweep   = "invitation_sweep"
	JobAuditRetention    = "audit_retention"
	JobCachePurge        = "cache_purge"

	defaultJobTimeout = 2 * time.Minute
)

// SessionCleaner purges expired and revoked sessions. Satisfied by identity.Service.
type SessionCleaner interface {
	CleanupExpired(ctx context.Context) (int64, error)
}

// ResetTokenCleaner is satisfied by identity.Service.
type ResetTokenCleaner interface {
	CleanupResetTokens(ctx context.Context) (int64, error)
}

// InvitationExpirer is satisfied by invitations.Service.
type InvitationExpirer interface {
	Expire(ctx context.Context) (int64, error)
}

// AuditPruner is satisfied by audit.GormSink.
type AuditPruner interface {
	CleanupOlderThan(ctx context.Context, now time.Time, retentionDays int) (int64, error)
}

// CachePurger is satisfied by cache.DatabaseStore.
type CachePurger interface {
	Purge(ctx context.Context) (int64, error)
}

// Job is one unit of background maintenance. A job with an empty Schedule is never
// scheduled but still runs from RunOnce.
type Job struct {
	Name     string
	Schedule string
	Run      func(ctx context.Context) (int64, error)
}

// Cleaner runs the maintenance jobs on their cron schedules.
type Cleaner struct {
	cron    *cron.Cron
	now     func() time.Time
	log     *zap.Logger
	timeout time.Duration

	jobs []Job

	mu     sync.Mutex
	status map[string]*monitoring.JobStatus
}

// Option customises the Cleaner.
type Option func(*Cleaner)

// WithCron injects a preconfigured cron instance, primarily for testing.
func WithCron(c *cron.Cron) Option {
	return func(cleaner *Cleaner) {
		if c != nil {
			cleaner.cron = c
		}
	}
}

// WithNow overrides the clock used for retention cutoffs and run bookkeeping.
func WithNow(now func() time.Time) Option {
	return func(cleaner *Cleaner) {
		if now != nil {
			cleaner.now = now
		}
	}
}

// WithLogger overrides the module logger.
func WithLogger(log *zap.Logger) Option {
	return func(cleaner *Cleaner) {
		if log != nil {
			cleaner.log = log
		}
	}
}

// WithJobTimeout bounds each job run.
func WithJobTimeout(d time.Duration) Option {
	return func(cleaner *Cleaner) {
		if d > 0 {
			cleaner.timeout = d
		}
	}
}

// WithJob registers an arbitrary job.
func WithJob(job Job) Option {
	return func(cleaner *Cleaner) {
		if job.Name != "" && job.Run != nil {
			cleaner.jobs = append(cleaner.jobs, job)
		}
	}
}

// WithSessionCleanup purges expired sessions on schedule.
func WithSessionCleanup(s SessionCleaner, schedule string) Option {
	if s == nil {
		return func(*Cleaner) {}
	}
	return WithJob(Job{Name: JobSessionCleanup, Schedule: schedule, Run: s.CleanupExpired})
}

// WithResetTokenCleanup removes used or expired password reset tokens on schedule.
func WithResetTokenCleanup(r ResetTokenCleaner, schedule string) Option {
	if r == nil {
		return func(*Cleaner) {}
	}
	return WithJob(Job{Name: JobResetTokenCleanup, Schedule: schedule, Run: r.CleanupResetTokens})
}

// WithInvitationSweep marks pending invitations past their expiry as expired on schedule.
func WithInvitationSweep(i InvitationExpirer, schedule string) Option {
	if i == nil {
		return func(*Cleaner) {}
	}
	return WithJob(Job{Name: JobInvitationSweep, Schedule: schedule, Run: i.Expire})
}

// WithAuditRetention deletes audit entries older than retentionDays on schedule.
func WithAuditRetention(a AuditPruner, retentionDays int, schedule string) Option {
	if a == nil || retentionDays <= 0 {
		return func(*Cleaner) {}
	}
	return func(cleaner *Cleaner) {
		WithJob(Job{
			Name:     JobAuditRetention,
			Schedule: schedule,
			Run: func(ctx context.Context) (int64, error) {
				return a.CleanupOlderThan(ctx, cleaner.now(), retentionDays)
			},
		})(cleaner)
	}
}

// WithCachePurge drops expired rows of the database cache on schedule.
func WithCachePurge(p CachePurger, schedule string) Option {
	if p == nil {
		return func(*Cleaner) {}
	}
	return WithJob(Job{Name: JobCachePurge, Schedule: schedule, Run: p.Purge})
}

// NewCleaner constructs a Cleaner from the supplied jobs.
func NewCleaner(opts ...Option) *Cleaner {
	cleaner := &Cleaner{
		now:     time.Now,
		timeout: defaultJobTimeout,
		log:     logger.WithModule("maintenance"),
		status:  make(map[string]*monitoring.JobStatus),
	}

	for _, opt := range opts {
		opt(cleaner)
	}

	if cleaner.cron == nil {
		cleaner.cron = cron.New(cron.WithLogger(cron.DiscardLogger))
	}
	for _, job := range cleaner.jobs {
		cleaner.status[job.Name] = &monitoring.JobStatus{Job: job.Name, Schedule: job.Schedule}
	}

	return cleaner
}

// Start registers every scheduled job and launches the scheduler.
func (c *Cleaner) Start() error {
	scheduled := 0
	for _, job := range c.jobs {
		if job.Schedule == "" {
			continue
		}
		job := job
		if _, err := c.cron.AddFunc(job.Schedule, func() {
			_ = c.execute(context.Background(), job)
		}); err != nil {
			return fmt.Errorf("maintenance: schedule %s: %w", job.Name, err)
		}
		scheduled++
	}
	if scheduled == 0 {
		return nil
	}

	c.cron.Start()
	c.log.Info("maintenance scheduler started", zap.Int("jobs", scheduled))
	return nil
}

// Stop halts the scheduler. The returned context is done once running jobs complete.
func (c *Cleaner) Stop() context.Context {
	return c.cron.Stop()
}

// RunOnce executes every registered job in order, scheduled or not.
func (c *Cleaner) RunOnce(ctx context.Context) error {
	var errs error
	for _, job := range c.jobs {
		errs = multierr.Append(errs, c.execute(ctx, job))
	}
	return errs
}

// Jobs reports the run history of every registered job, ordered by name.
func (c *Cleaner) Jobs() []monitoring.JobStatus {
	c.mu.Lock()
	defer c.mu.Unlock()

	jobs := make([]monitoring.JobStatus, 0, len(c.status))
	for _, status := range c.status {
		jobs = append(jobs, *status)
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].Job < jobs[j].Job })
	return jobs
}

func (c *Cleaner) execute(ctx context.Context, job Job) error {
	runCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	started := time.Now()
	removed, err := job.Run(runCtx)
	elapsed := time.Since(started)

	result := "success"
	if err != nil {
		result = "failure"
	}
	metrics.MaintenanceRuns.WithLabelValues(job.Name, result).Inc()
	metrics.MaintenanceDuration.WithLabelValues(job.Name).Observe(elapsed.Seconds())
	if err == nil {
		metrics.MaintenanceLastSuccess.WithLabelValues(job.Name).SetToCurrentTime()
	}
	c.record(job.Name, removed, err)

	if err != nil {
		c.log.Warn("maintenance job failed", zap.String("job", job.Name), zap.Error(err))
		return fmt.Errorf("maintenance: %s: %w", job.Name, err)
	}
	if removed > 0 {
		c.log.Info("maintenance job completed",
			zap.String("job", job.Name),
			zap.Int64("removed", removed),
			zap.Duration("elapsed", elapsed))
	}
	return nil
}

func (c *Cleaner) record(name string, removed int64, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	status, ok := c.status[name]
	if !ok {
		status = &monitoring.JobStatus{Job: name}
		c.status[name] = status
	}
	now := c.now()
	status.TotalRuns++
	status.LastRunAt = now
	status.LastRemoved = removed
	if err != nil {
		status.ConsecutiveFailures++
		status.LastError = err.Error()
		return
	}
	status.ConsecutiveFailures = 0
	status.LastError = ""
	status.LastSuccessAt = now
}
