package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/charlesng35/sentinel/internal/api"
	"github.com/charlesng35/sentinel/internal/app"
	"github.com/charlesng35/sentinel/internal/middleware"
	"github.com/charlesng35/sentinel/internal/monitoring"
	"github.com/charlesng35/sentinel/internal/monitoring/checks"
	"github.com/charlesng35/sentinel/internal/platform"
	"github.com/charlesng35/sentinel/internal/realtime"
)

const (
	defaultShutdownTimeout = 15 * time.Second
	probeTimeout           = 2 * time.Second
)

// runtimeStack bundles long-lived services used by the HTTP server.
type runtimeStack struct {
	Services *platform.Services
	Health   *monitoring.HealthManager
	Router   *gin.Engine
	Server   *http.Server
	Realtime *realtime.Hub

	unsubscribe     func()
	shutdownTimeout time.Duration
}

// bootstrapRuntime initialises databases, caches, services, and the HTTP router.
func bootstrapRuntime(ctx context.Context, cfg *app.Config, log *zap.Logger) (*runtimeStack, error) {
	stack := &runtimeStack{shutdownTimeout: cfg.Server.ShutdownTimeout}
	if stack.shutdownTimeout <= 0 {
		stack.shutdownTimeout = defaultShutdownTimeout
	}
	success := false

	defer func() {
		if !success {
			stack.Shutdown(log)
		}
	}()

	// enable gin debug mod
	if debug, _ := os.LookupEnv("GIN_DEBUG"); debug != "true" {
		gin.SetMode(gin.ReleaseMode)
	}

	var err error
	stack.Services, err = platform.Open(ctx, cfg)
	if err != nil {
		return nil, err
	}
	svc := stack.Services

	if err := svc.StartMaintenance(); err != nil {
		return nil, err
	}

	stack.Health = monitoring.NewHealthManager()
	stack.Health.RegisterLiveness(monitoring.NewCheck("process", func(context.Context) monitoring.ProbeResult {
		return monitoring.ProbeResult{Component: "process", Status: monitoring.StatusUp}
	}))
	stack.Health.RegisterReadiness(checks.Database(svc.DB, probeTimeout))
	if svc.Redis != nil {
		stack.Health.RegisterReadiness(checks.Redis(svc.Redis, true, probeTimeout))
	} else {
		stack.Health.RegisterReadiness(checks.Redis(nil, cfg.Cache.Redis.Enabled, probeTimeout))
	}
	if cfg.Maintenance.Enabled {
		stack.Health.RegisterReadiness(checks.Maintenance(svc.Cleaner, 24*time.Hour))
	}

	stack.Realtime = realtime.NewHub()
	events, unsubscribe := svc.Identity.Subscribe()
	stack.unsubscribe = unsubscribe
	go realtime.ForwardSessions(events, stack.Realtime)

	var counter middleware.Counter
	if svc.Redis != nil {
		counter = svc.Redis
	}

	stack.Router, err = api.NewRouter(api.Dependencies{
		Config:      cfg,
		Identity:    svc.Identity,
		TwoFactor:   svc.TwoFactor,
		Invitations: svc.Invitations,
		Profiles:    svc.Store,
		AuditSink:   svc.AuditSink,
		Auditor:     svc.Auditor,
		Health:      stack.Health,
		RateCounter: counter,
		Realtime:    stack.Realtime,
	})
	if err != nil {
		return nil, fmt.Errorf("build api router: %w", err)
	}

	stack.Server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           stack.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	success = true
	return stack, nil
}

// Serve runs the HTTP server until ctx is cancelled, then drains it.
func (s *runtimeStack) Serve(ctx context.Context, log *zap.Logger) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info("server listening", zap.String("addr", s.Server.Addr))
		if err := s.Server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutdown signal received")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		if err := s.Server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("graceful shutdown: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info("server stopped gracefully")
	return nil
}

// Shutdown gracefully stops background jobs and releases resources.
func (s *runtimeStack) Shutdown(log *zap.Logger) {
	if s == nil {
		return
	}
	if s.unsubscribe != nil {
		s.unsubscribe()
		s.unsubscribe = nil
	}
	if s.Realtime != nil {
		// Hijacked connections are not drained by http.Server.Shutdown.
		s.Realtime.Close()
	}
	if s.Services == nil {
		return
	}
	if err := s.Services.Close(); err != nil {
		log.Warn("shutdown", zap.Error(err))
	}
	s.Services = nil
}
