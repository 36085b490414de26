package api

import (
	"errors"
	"math"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/charlesng35/sentinel/internal/app"
	"github.com/charlesng35/sentinel/internal/audit"
	"github.com/charlesng35/sentinel/internal/auth/mfa"
	"github.com/charlesng35/sentinel/internal/handlers"
	"github.com/charlesng35/sentinel/internal/identity"
	"github.com/charlesng35/sentinel/internal/invitations"
	"github.com/charlesng35/sentinel/internal/middleware"
	"github.com/charlesng35/sentinel/internal/monitoring"
	"github.com/charlesng35/sentinel/internal/realtime"
)

// Dependencies are the services the HTTP API is built on.
type Dependencies struct {
	Config      *app.Config
	Identity    *identity.Service
	TwoFactor   *mfa.Service
	Invitations *invitations.Service
	Profiles    middleware.ProfileFinder
	AuditSink   *audit.GormSink
	Auditor     handlers.Auditor
	Health      *monitoring.HealthManager
	// RateCounter shares rate limit windows between instances. Nil limits per process.
	RateCounter middleware.Counter
	// Realtime enables GET /api/auth/events when set.
	Realtime *realtime.Hub
}

func (d Dependencies) validate() error {
	switch {
	case d.Config == nil:
		return errors.New("api: config must be provided")
	case d.Identity == nil:
		return errors.New("api: identity service must be provided")
	case d.TwoFactor == nil:
		return errors.New("api: two-factor service must be provided")
	case d.Invitations == nil:
		return errors.New("api: invitation service must be provided")
	case d.Profiles == nil:
		return errors.New("api: profile finder must be provided")
	case d.AuditSink == nil:
		return errors.New("api: audit sink must be provided")
	}
	return nil
}

// NewRouter builds the Gin engine, wires middleware and registers every route.
func NewRouter(deps Dependencies) (*gin.Engine, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}

	r := gin.New()
	r.Use(middleware.Recovery())
	r.Use(middleware.RequestID())
	r.Use(middleware.Logger())
	r.Use(middleware.Metrics())
	r.Use(middleware.SecurityHeaders())

	registerHealthRoutes(r, deps)

	if deps.Config.Monitoring.Prometheus.Enabled {
		endpoint := deps.Config.Monitoring.Prometheus.Endpoint
		if endpoint == "" {
			endpoint = "/metrics"
		}
		r.GET(endpoint, gin.WrapH(promhttp.Handler()))
	}

	limited := rateLimiter(deps)
	requireAuth := middleware.Auth(deps.Identity)

	registerAuthRoutes(r, limited, requireAuth, deps)
	registerInvitationRoutes(r, limited, requireAuth, deps)
	registerAuditRoutes(r, requireAuth, deps)

	r.NoRoute(middleware.NotFoundHandler)
	return r, nil
}

func rateLimiter(deps Dependencies) gin.HandlerFunc {
	cfg := deps.Config.Server.RateLimit
	if !cfg.Enabled {
		return func(c *gin.Context) { c.Next() }
	}
	if deps.RateCounter != nil {
		perMinute := int(math.Ceil(cfg.RequestsPerSecond * 60))
		return middleware.SharedRateLimit(deps.RateCounter, max(perMinute, cfg.Burst), time.Minute)
	}
	return middleware.RateLimit(cfg.RequestsPerSecond, cfg.Burst)
}
