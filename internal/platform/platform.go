// Package platform assembles the long-lived services shared by the server and the
// administrative CLI from the application configuration.
package platform

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/charlesng35/sentinel/internal/app"
	"github.com/charlesng35/sentinel/internal/app/maintenance"
	"github.com/charlesng35/sentinel/internal/audit"
	"github.com/charlesng35/sentinel/internal/auth/mfa"
	"github.com/charlesng35/sentinel/internal/cache"
	"github.com/charlesng35/sentinel/internal/database"
	"github.com/charlesng35/sentinel/internal/identity"
	"github.com/charlesng35/sentinel/internal/invitations"
	"github.com/charlesng35/sentinel/internal/profile"
	"github.com/charlesng35/sentinel/internal/store"
	"github.com/charlesng35/sentinel/pkg/logger"
	"github.com/charlesng35/sentinel/pkg/mail"
)

// Services bundles everything built from one configuration.
type Services struct {
	Config *app.Config
	DB     *gorm.DB

	// Cache is Redis when configured and reachable, otherwise DBCache.
	Cache   cache.Store
	Redis   *cache.RedisStore
	DBCache *cache.DatabaseStore

	Mailer      mail.Mailer
	AuditSink   *audit.GormSink
	Auditor     *audit.Emitter
	Store       *store.Store
	Resolver    *profile.Resolver
	TwoFactor   *mfa.Service
	Identity    *identity.Service
	Invitations *invitations.Service
	Cleaner     *maintenance.Cleaner

	ownsDB bool
	log    *zap.Logger
}

// Option customises Open.
type Option func(*options)

type options struct {
	db     *gorm.DB
	mailer mail.Mailer
}

// WithDatabase reuses an already opened and migrated database instead of connecting. Close
// leaves it open.
func WithDatabase(db *gorm.DB) Option {
	return func(o *options) { o.db = db }
}

// WithMailer overrides the SMTP mailer derived from configuration.
func WithMailer(m mail.Mailer) Option {
	return func(o *options) { o.mailer = m }
}

// Open connects to the database, migrates it and builds every service. On failure the
// partially built services are released.
func Open(ctx context.Context, cfg *app.Config, opts ...Option) (svc *Services, err error) {
	if cfg == nil {
		return nil, errors.New("platform: config is nil")
	}
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}

	s := &Services{Config: cfg, log: logger.WithModule("platform")}
	defer func() {
		if err != nil {
			_ = s.Close()
		}
	}()

	if o.db != nil {
		s.DB = o.db
	} else {
		if s.DB, err = openDatabase(cfg); err != nil {
			return nil, err
		}
		s.ownsDB = true
	}

	s.DBCache = cache.NewDatabaseStore(s.DB)
	s.Cache = s.DBCache
	if cfg.Cache.Redis.Enabled {
		redisStore, redisErr := cache.NewRedisStore(ctx, cfg.Cache.RedisClientConfig())
		if redisErr != nil {
			s.log.Warn("redis unavailable; falling back to database-backed cache", zap.Error(redisErr))
		} else {
			s.Redis = redisStore
			s.Cache = redisStore
			s.log.Info("redis connected", zap.String("addr", cfg.Cache.Redis.Address))
		}
	}

	s.Mailer = o.mailer
	if s.Mailer == nil && cfg.Email.SMTP.Enabled {
		if s.Mailer, err = mail.NewSMTPMailer(cfg.Email.SMTPSettings()); err != nil {
			return nil, fmt.Errorf("initialise mailer: %w", err)
		}
	}

	if s.AuditSink, err = audit.NewGormSink(s.DB); err != nil {
		return nil, fmt.Errorf("initialise audit sink: %w", err)
	}
	var emitterOpts []audit.Option
	if cfg.Audit.IPLookupURL != "" {
		lookup, lookupErr := audit.NewHTTPLookup(cfg.Audit.IPLookupURL, cfg.Audit.IPLookupTimeout, cfg.Audit.IPCacheTTL)
		if lookupErr != nil {
			return nil, fmt.Errorf("initialise ip lookup: %w", lookupErr)
		}
		emitterOpts = append(emitterOpts, audit.WithIPLookup(lookup))
	}
	s.Auditor = audit.NewEmitter(audit.Config{
		BufferSize:    cfg.Audit.BufferSize,
		LookupTimeout: cfg.Audit.IPLookupTimeout,
		WriteTimeout:  cfg.Audit.WriteTimeout,
	}, s.AuditSink, emitterOpts...)

	if s.Store, err = store.New(s.DB); err != nil {
		return nil, err
	}
	if s.Resolver, err = profile.NewResolver(s.Store, profile.WithPolicy(cfg.Resolver.Policy())); err != nil {
		return nil, fmt.Errorf("initialise profile resolver: %w", err)
	}

	key, err := cfg.TwoFactor.Key()
	if err != nil {
		return nil, fmt.Errorf("decode two-factor encryption key: %w", err)
	}
	if s.TwoFactor, err = mfa.NewService(s.DB, s.Cache, key,
		mfa.WithIssuer(cfg.TwoFactor.Issuer),
		mfa.WithBackupCodeCount(cfg.TwoFactor.BackupCodeCount),
		mfa.WithEnrollmentTTL(cfg.TwoFactor.EnrollmentTTL),
	); err != nil {
		return nil, fmt.Errorf("initialise two-factor service: %w", err)
	}

	identityOpts := []identity.Option{identity.WithSecondFactor(s.TwoFactor)}
	if s.Mailer != nil {
		identityOpts = append(identityOpts, identity.WithMailer(s.Mailer))
	}
	if s.Identity, err = identity.NewService(s.DB, s.Cache, cfg.Auth.IdentityConfig(cfg.Email.SMTP.From), identityOpts...); err != nil {
		return nil, fmt.Errorf("initialise identity service: %w", err)
	}

	inviteOpts := []invitations.Option{
		invitations.WithAuditor(s.Auditor),
		invitations.WithJoinURL(cfg.Invitations.JoinURL),
		invitations.WithExpiry(cfg.Invitations.Expiry),
	}
	if s.Mailer != nil {
		inviteOpts = append(inviteOpts, invitations.WithMailer(s.Mailer, cfg.Invitations.From))
	}
	if s.Invitations, err = invitations.NewService(s.DB, inviteOpts...); err != nil {
		return nil, fmt.Errorf("initialise invitation service: %w", err)
	}

	s.Cleaner = maintenance.NewCleaner(s.maintenanceOptions()...)
	return s, nil
}

func (s *Services) maintenanceOptions() []maintenance.Option {
	sched := s.Config.Maintenance
	return []maintenance.Option{
		maintenance.WithLogger(logger.WithModule("maintenance")),
		maintenance.WithSessionCleanup(s.Identity, sched.SessionCleanup),
		maintenance.WithResetTokenCleanup(s.Identity, sched.ResetTokenPurge),
		maintenance.WithInvitationSweep(s.Invitations, sched.InvitationSweep),
		maintenance.WithAuditRetention(s.AuditSink, s.Config.Audit.RetentionDays, sched.AuditRetention),
		maintenance.WithCachePurge(s.DBCache, sched.CachePurge),
	}
}

// StartMaintenance schedules the background jobs when maintenance is enabled.
func (s *Services) StartMaintenance() error {
	if !s.Config.Maintenance.Enabled {
		s.log.Info("maintenance jobs disabled")
		return nil
	}
	if err := s.Cleaner.Start(); err != nil {
		return fmt.Errorf("start maintenance jobs: %w", err)
	}
	return nil
}

// Close stops background work and releases connections. It is safe on a partially built
// Services.
func (s *Services) Close() error {
	if s == nil {
		return nil
	}
	var err error
	if s.Cleaner != nil {
		stopCtx := s.Cleaner.Stop()
		select {
		case <-stopCtx.Done():
		case <-time.After(30 * time.Second):
			s.log.Warn("maintenance jobs did not stop in time")
		}
	}
	if s.Identity != nil {
		err = multierr.Append(err, s.Identity.Close())
	}
	if s.Auditor != nil {
		s.Auditor.Close()
	}
	if s.Redis != nil {
		err = multierr.Append(err, s.Redis.Close())
	}
	if s.DB != nil && s.ownsDB {
		err = multierr.Append(err, database.Close(s.DB))
	}
	return err
}

func openDatabase(cfg *app.Config) (*gorm.DB, error) {
	dbCfg := cfg.Database.ConnectionConfig()
	db, err := database.Open(dbCfg)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := database.AutoMigrate(db); err != nil {
		_ = database.Close(db)
		return nil, fmt.Errorf("auto-migrate database: %w", err)
	}
	logger.WithModule("database").Info("database connected", zap.String("driver", dbCfg.Driver))
	return db, nil
}
