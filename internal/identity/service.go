package identity

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/charlesng35/sentinel/internal/auth"
	"github.com/charlesng35/sentinel/internal/cache"
	"github.com/charlesng35/sentinel/internal/models"
	apperrors "github.com/charlesng35/sentinel/pkg/errors"
	"github.com/charlesng35/sentinel/pkg/logger"
	"github.com/charlesng35/sentinel/pkg/mail"
	"github.com/charlesng35/sentinel/pkg/metrics"
)

// SecondFactor verifies a login code for an identity with two-factor authentication enabled.
type SecondFactor interface {
	VerifyAtLogin(ctx context.Context, identityID, code string) (bool, error)
}

// Config collects the tunables of the identity service.
type Config struct {
	JWT                  JWTConfig
	Local                LocalConfig
	RefreshTokenTTL      time.Duration
	RefreshTokenLength   int
	ChallengeTTL         time.Duration
	ChallengeMaxAttempts int
	ProvisionDelay       time.Duration
	Reset                ResetConfig
}

// Principal is the verified owner of an access token.
type Principal struct {
	IdentityID  string
	SessionID   string
	Email       string
	MFAVerified bool
}

// Service is the server side of the identity backend. It owns credentials, sessions and
// second factor challenges and publishes revocations on its hub.
type Service struct {
	local       *LocalProvider
	jwt         *JWTService
	sessions    *SessionManager
	challenges  *ChallengeStore
	provisioner *ProfileProvisioner
	resets      *PasswordResets
	hub         *Hub
	twoFactor   SecondFactor
	log         *zap.Logger
}

// Option configures the Service.
type Option func(*serviceOptions)

type serviceOptions struct {
	twoFactor SecondFactor
	mailer    mail.Mailer
	log       *zap.Logger
	clock     func() time.Time
}

// WithSecondFactor enables two-factor challenges.
func WithSecondFactor(sf SecondFactor) Option {
	return func(o *serviceOptions) { o.twoFactor = sf }
}

// WithMailer sets the mailer used for password reset links.
func WithMailer(m mail.Mailer) Option {
	return func(o *serviceOptions) { o.mailer = m }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *serviceOptions) {
		if l != nil {
			o.log = l
		}
	}
}

// WithClock overrides the clock of every component that does not set its own.
func WithClock(now func() time.Time) Option {
	return func(o *serviceOptions) { o.clock = now }
}

// NewService wires the identity components together.
func NewService(db *gorm.DB, store cache.Store, cfg Config, opts ...Option) (*Service, error) {
	if db == nil {
		return nil, errors.New("identity: db is required")
	}
	if store == nil {
		return nil, errors.New("identity: cache store is required")
	}

	o := serviceOptions{log: logger.WithModule("identity")}
	for _, opt := range opts {
		opt(&o)
	}
	if o.clock != nil {
		if cfg.JWT.Clock == nil {
			cfg.JWT.Clock = o.clock
		}
		if cfg.Local.Clock == nil {
			cfg.Local.Clock = o.clock
		}
		if cfg.Reset.Clock == nil {
			cfg.Reset.Clock = o.clock
		}
	}

	jwtSvc, err := NewJWTService(cfg.JWT)
	if err != nil {
		return nil, err
	}
	local, err := NewLocalProvider(db, cfg.Local)
	if err != nil {
		return nil, err
	}
	sessions, err := NewSessionManager(db, jwtSvc, SessionConfig{
		RefreshTokenTTL: cfg.RefreshTokenTTL,
		RefreshLength:   cfg.RefreshTokenLength,
		Clock:           o.clock,
		Cache:           store,
	})
	if err != nil {
		return nil, err
	}

	return &Service{
		local:       local,
		jwt:         jwtSvc,
		sessions:    sessions,
		challenges:  NewChallengeStore(store, cfg.ChallengeTTL, cfg.ChallengeMaxAttempts, o.clock),
		provisioner: NewProfileProvisioner(db, cfg.ProvisionDelay, o.log),
		resets:      NewPasswordResets(db, o.mailer, cfg.Reset, o.log),
		hub:         NewHub(0, o.log),
		twoFactor:   o.twoFactor,
		log:         o.log,
	}, nil
}

// SignIn checks credentials and issues a session that has not passed a second factor.
func (s *Service) SignIn(ctx context.Context, input AuthenticateInput) (*IssuedSession, *models.Identity, error) {
	identity, err := s.local.Authenticate(ctx, input)
	if err != nil {
		switch {
		case errors.Is(err, apperrors.ErrAccountLocked):
			metrics.AuthAttempts.WithLabelValues("locked").Inc()
		default:
			metrics.AuthAttempts.WithLabelValues("failure").Inc()
		}
		if errors.Is(err, ErrAccountDisabled) {
			return nil, nil, apperrors.ErrInvalidCredentials.WithInternal(err)
		}
		return nil, nil, err
	}

	issued, err := s.sessions.Create(ctx, identity, SessionMetadata{IPAddress: input.IPAddress, UserAgent: input.UserAgent}, false)
	if err != nil {
		return nil, nil, apperrors.ErrBackendUnavailable.WithInternal(err)
	}
	metrics.AuthAttempts.WithLabelValues("success").Inc()
	return issued, identity, nil
}

// BeginTwoFactor revokes the provisional session and opens a challenge for its owner.
func (s *Service) BeginTwoFactor(ctx context.Context, sessionID string) (*Challenge, error) {
	if s.twoFactor == nil {
		return nil, errors.New("identity: two-factor authentication is not configured")
	}
	session, err := s.sessions.Lookup(ctx, sessionID)
	if err != nil {
		return nil, apperrors.ErrSessionRequired.WithInternal(err)
	}
	if session.MFAVerified {
		return nil, apperrors.ErrTwoFactorNotPending
	}

	var stored models.Session
	meta := SessionMetadata{}
	if err := s.sessions.db.WithContext(ctx).Select("ip_address", "user_agent").Take(&stored, "id = ?", sessionID).Error; err == nil {
		meta = SessionMetadata{IPAddress: stored.IPAddress, UserAgent: stored.UserAgent}
	}

	if err := s.sessions.Revoke(ctx, sessionID); err != nil && !errors.Is(err, ErrSessionNotFound) {
		return nil, apperrors.ErrBackendUnavailable.WithInternal(err)
	}
	metrics.AuthAttempts.WithLabelValues("mfa_required").Inc()
	return s.challenges.Open(ctx, session.IdentityID, meta)
}

// CompleteTwoFactor verifies code against challengeID and issues a verified session. An
// invalid code leaves the challenge open until its attempt budget is spent.
func (s *Service) CompleteTwoFactor(ctx context.Context, challengeID, code string) (*IssuedSession, *models.Identity, bool, error) {
	if s.twoFactor == nil {
		return nil, nil, false, apperrors.ErrTwoFactorNotPending
	}
	challenge, err := s.challenges.Attempt(ctx, challengeID)
	if err != nil {
		return nil, nil, false, err
	}

	usedBackup, err := s.twoFactor.VerifyAtLogin(ctx, challenge.IdentityID, code)
	if err != nil {
		if errors.Is(err, apperrors.ErrInvalidTwoFactorCode) {
			return nil, nil, false, err
		}
		return nil, nil, false, apperrors.ErrBackendUnavailable.WithInternal(err)
	}
	s.challenges.Close(ctx, challengeID)

	identity, err := s.local.FindByID(ctx, challenge.IdentityID)
	if err != nil {
		return nil, nil, false, err
	}
	issued, err := s.sessions.Create(ctx, identity, challenge.Meta, true)
	if err != nil {
		return nil, nil, false, apperrors.ErrBackendUnavailable.WithInternal(err)
	}
	return issued, identity, usedBackup, nil
}

// Refresh rotates a refresh token.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (*IssuedSession, *models.Identity, error) {
	issued, err := s.sessions.Refresh(ctx, refreshToken, "")
	if err != nil {
		return nil, nil, apperrors.ErrSessionRequired.WithInternal(err)
	}
	identity, err := s.local.FindByID(ctx, issued.Session.IdentityID)
	if err != nil {
		return nil, nil, err
	}
	// Reissue with the email claim now that the identity is known.
	access, expiry, err := s.jwt.GenerateAccessToken(AccessTokenInput{
		IdentityID:  identity.ID,
		SessionID:   issued.Session.ID,
		Email:       identity.Email,
		MFAVerified: issued.Session.MFAVerified,
	})
	if err != nil {
		return nil, nil, err
	}
	issued.AccessToken, issued.AccessExpiresAt = access, expiry
	return issued, identity, nil
}

// Authorize validates an access token and the session behind it.
func (s *Service) Authorize(ctx context.Context, accessToken string) (*Principal, error) {
	claims, err := s.jwt.ValidateAccessToken(strings.TrimSpace(accessToken))
	if err != nil {
		return nil, apperrors.ErrUnauthorized.WithInternal(err)
	}
	session, err := s.sessions.Lookup(ctx, claims.SessionID)
	if err != nil {
		return nil, apperrors.ErrUnauthorized.WithInternal(err)
	}
	if session.IdentityID != claims.IdentityID {
		return nil, apperrors.ErrUnauthorized
	}
	return &Principal{
		IdentityID:  claims.IdentityID,
		SessionID:   claims.SessionID,
		Email:       claims.Email,
		MFAVerified: session.MFAVerified,
	}, nil
}

// SignOut revokes sessionID and notifies subscribers.
func (s *Service) SignOut(ctx context.Context, sessionID string) error {
	session, lookupErr := s.sessions.Lookup(ctx, sessionID)
	if err := s.sessions.Revoke(ctx, sessionID); err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			return nil
		}
		return apperrors.ErrBackendUnavailable.WithInternal(err)
	}
	ev := auth.SessionChanged{Event: auth.EventSignedOut, SessionID: sessionID}
	if lookupErr == nil {
		ev.IdentityID = session.IdentityID
	}
	s.hub.Publish(ev)
	return nil
}

// RevokeAll signs identityID out everywhere except keep.
func (s *Service) RevokeAll(ctx context.Context, identityID, keep string) error {
	ids, err := s.sessions.RevokeIdentity(ctx, identityID, keep)
	if err != nil {
		return apperrors.ErrBackendUnavailable.WithInternal(err)
	}
	for _, id := range ids {
		s.hub.Publish(auth.SessionChanged{Event: auth.EventSignedOut, SessionID: id, IdentityID: identityID})
	}
	return nil
}

// Register creates an identity and schedules its profile.
func (s *Service) Register(ctx context.Context, input RegisterInput) (*models.Identity, error) {
	identity, err := s.local.Register(ctx, input)
	if err != nil {
		return nil, err
	}
	if err := s.provisioner.Provision(identity); err != nil {
		s.log.Error("profile provisioning failed", zap.String("identity_id", identity.ID), zap.Error(err))
	}
	return identity, nil
}

// RequestPasswordReset emails a reset link. Unknown addresses succeed silently.
func (s *Service) RequestPasswordReset(ctx context.Context, email string) error {
	identity, err := s.local.FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return nil
		}
		return err
	}
	if _, err := s.resets.Issue(ctx, identity); err != nil {
		return apperrors.ErrBackendUnavailable.WithInternal(err)
	}
	return nil
}

// ConfirmPasswordReset sets a new password from a reset token and signs the identity out everywhere.
func (s *Service) ConfirmPasswordReset(ctx context.Context, token, newPassword string) error {
	identityID, err := s.resets.Redeem(ctx, token)
	if err != nil {
		return err
	}
	if err := s.local.SetPassword(ctx, identityID, newPassword); err != nil {
		return err
	}
	return s.RevokeAll(ctx, identityID, "")
}

// UpdatePassword changes the password of identityID and revokes its other sessions.
func (s *Service) UpdatePassword(ctx context.Context, identityID, sessionID, newPassword string) error {
	if err := s.local.SetPassword(ctx, identityID, newPassword); err != nil {
		return err
	}
	return s.RevokeAll(ctx, identityID, sessionID)
}

// UpdateFullName changes the display name of identityID.
func (s *Service) UpdateFullName(ctx context.Context, identityID, fullName string) error {
	if err := s.local.UpdateFullName(ctx, identityID, fullName); err != nil {
		return apperrors.ErrBackendUnavailable.WithInternal(err)
	}
	s.hub.Publish(auth.SessionChanged{Event: auth.EventUserUpdated, IdentityID: identityID})
	return nil
}

// Reauthenticate confirms password for identityID without affecting lockout counters.
func (s *Service) Reauthenticate(ctx context.Context, identityID, password string) error {
	return s.local.VerifyPassword(ctx, identityID, password)
}

// FindIdentity loads an identity by id.
func (s *Service) FindIdentity(ctx context.Context, identityID string) (*models.Identity, error) {
	return s.local.FindByID(ctx, identityID)
}

// Subscribe listens for server side session changes.
func (s *Service) Subscribe() (<-chan auth.SessionChanged, func()) {
	return s.hub.Subscribe()
}

// CleanupExpired purges dead sessions and announces the ones that expired.
func (s *Service) CleanupExpired(ctx context.Context) (int64, error) {
	expired, removed, err := s.sessions.CleanupExpired(ctx)
	if err != nil {
		return 0, err
	}
	for _, id := range expired {
		s.hub.Publish(auth.SessionChanged{Event: auth.EventSessionExpired, SessionID: id})
	}
	return removed, nil
}

// CleanupResetTokens removes expired or used password reset tokens.
func (s *Service) CleanupResetTokens(ctx context.Context) (int64, error) {
	return s.resets.Cleanup(ctx)
}

// Close waits for pending profile provisioning and closes every subscription.
func (s *Service) Close() error {
	s.provisioner.Wait()
	s.hub.Close()
	return nil
}

func toAuthSession(issued *IssuedSession, identity *models.Identity) *auth.Session {
	if issued == nil || identity == nil {
		return nil
	}
	return &auth.Session{
		ID:           issued.Session.ID,
		AccessToken:  issued.AccessToken,
		RefreshToken: issued.RefreshToken,
		ExpiresAt:    issued.AccessExpiresAt,
		MFAVerified:  issued.Session.MFAVerified,
		Identity: auth.Identity{
			ID:       identity.ID,
			Email:    identity.Email,
			FullName: identity.FullName,
		},
	}
}
