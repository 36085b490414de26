package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// AuthAttempts records authentication attempts by result (success|failure|locked|mfa_required).
	AuthAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_auth_attempts_total",
			Help: "Total number of authentication attempts",
		},
		[]string{"result"},
	)

	// TwoFactorVerifications counts second factor checks by method (totp|backup) and result.
	TwoFactorVerifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_two_factor_verifications_total",
			Help: "Total number of two-factor verifications",
		},
		[]string{"method", "result"},
	)

	// PermissionChecks counts permission evaluations and their outcome (allow|deny).
	PermissionChecks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_permission_checks_total",
			Help: "Total number of permission checks",
		},
		[]string{"permission", "result"},
	)

	// ActiveSessions tracks active sessions (not expired/revoked).
	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sentinel_active_sessions",
			Help: "Number of active sessions",
		},
	)

	// ProfileResolveAttempts counts individual profile fetch attempts by outcome
	// (found|not_found|timeout|error).
	ProfileResolveAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_profile_resolve_attempts_total",
			Help: "Total number of profile fetch attempts",
		},
		[]string{"outcome"},
	)

	// ProfileResolutions counts completed resolutions by result (resolved|unavailable|failed|cancelled).
	ProfileResolutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_profile_resolutions_total",
			Help: "Total number of profile resolutions",
		},
		[]string{"result"},
	)

	// AuditEvents counts audit events by result (emitted|dropped|skipped|failed).
	AuditEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_audit_events_total",
			Help: "Total number of audit events",
		},
		[]string{"result"},
	)

	// InvitationAccepts counts invitation acceptance attempts by result.
	InvitationAccepts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_invitation_accepts_total",
			Help: "Total number of invitation acceptance attempts",
		},
		[]string{"result"},
	)

	// APILatency measures HTTP request latencies.
	APILatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sentinel_api_latency_seconds",
			Help:    "API endpoint latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	// HTTPInFlight is the number of requests being served.
	HTTPInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sentinel_http_in_flight_requests",
			Help: "Requests currently being served",
		},
	)

	// HTTPPanics counts handler panics turned into 500 responses, by route.
	HTTPPanics = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_http_panics_total",
			Help: "Handler panics recovered by the HTTP stack",
		},
		[]string{"path"},
	)

	// MaintenanceRuns counts background job executions by job and result (success|failure).
	MaintenanceRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_maintenance_runs_total",
			Help: "Maintenance job executions",
		},
		[]string{"job", "result"},
	)

	MaintenanceDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sentinel_maintenance_duration_seconds",
			Help:    "Maintenance job duration",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"job"},
	)

	// MaintenanceLastSuccess is the unix time of the last successful run of each job.
	MaintenanceLastSuccess = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sentinel_maintenance_last_success_timestamp",
			Help: "Timestamp of the last successful maintenance run (seconds since epoch)",
		},
		[]string{"job"},
	)

	// RateLimited counts requests rejected by the rate limiter, by route.
	RateLimited = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_rate_limited_total",
			Help: "Requests rejected by the rate limiter",
		},
		[]string{"path"},
	)
)
