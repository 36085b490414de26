package auth

import (
	"context"
	"errors"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/charlesng35/sentinel/internal/audit"
	"github.com/charlesng35/sentinel/internal/auth/mfa"
	"github.com/charlesng35/sentinel/internal/invitations"
	"github.com/charlesng35/sentinel/internal/models"
	"github.com/charlesng35/sentinel/internal/permissions"
	apperrors "github.com/charlesng35/sentinel/pkg/errors"
	"github.com/charlesng35/sentinel/pkg/logger"
	"github.com/charlesng35/sentinel/pkg/metrics"
)

const subscriberBuffer = 8

// ProfileResolver loads the profile and organization of a signed in identity.
type ProfileResolver interface {
	Resolve(ctx context.Context, identityID string) (*models.Profile, error)
	ResolveOrganization(ctx context.Context, organizationID string) (*models.Organization, error)
}

// TwoFactor manages second factor enrollment for the signed in identity.
type TwoFactor interface {
	Setup(ctx context.Context, identityID, accountName string) (*mfa.Enrollment, error)
	Enable(ctx context.Context, identityID, code string) ([]string, error)
	Disable(ctx context.Context, identityID, password string) error
}

// JoinFlow redeems invitation codes.
type JoinFlow interface {
	CheckCode(ctx context.Context, code, callerEmail string) (*invitations.Details, error)
	Accept(ctx context.Context, code, bearerToken string) (*invitations.Details, error)
}

// Auditor records audit events.
type Auditor interface {
	Emit(ctx context.Context, event audit.Event)
}

// Store holds the authentication state of one logical session: who is signed in, their
// profile and organization, and where they are in the login flow. All reads return copies.
type Store struct {
	backend   IdentityBackend
	resolver  ProfileResolver
	twoFactor TwoFactor
	join      JoinFlow
	auditor   Auditor
	log       *zap.Logger

	refreshes singleflight.Group

	mu            sync.RWMutex
	state         State
	identity      *Identity
	session       *Session
	profile       *models.Profile
	org           *models.Organization
	loading       bool
	challengeID   string
	pendingInvite string
	generation    uint64
	cancelPass    context.CancelFunc

	subsMu  sync.Mutex
	subs    map[int]chan Snapshot
	nextSub int
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithTwoFactor enables the second factor management operations.
func WithTwoFactor(tf TwoFactor) StoreOption {
	return func(s *Store) { s.twoFactor = tf }
}

// WithJoinFlow enables invitation redemption.
func WithJoinFlow(j JoinFlow) StoreOption {
	return func(s *Store) { s.join = j }
}

// WithAuditor records login transitions.
func WithAuditor(a Auditor) StoreOption {
	return func(s *Store) { s.auditor = a }
}

// WithStoreLogger overrides the logger.
func WithStoreLogger(l *zap.Logger) StoreOption {
	return func(s *Store) {
		if l != nil {
			s.log = l
		}
	}
}

// NewStore builds a Store in the Unauthenticated state.
func NewStore(backend IdentityBackend, resolver ProfileResolver, opts ...StoreOption) (*Store, error) {
	if backend == nil {
		return nil, errors.New("auth store: identity backend is required")
	}
	if resolver == nil {
		return nil, errors.New("auth store: profile resolver is required")
	}
	s := &Store{
		backend:  backend,
		resolver: resolver,
		log:      logger.WithModule("auth"),
		state:    StateUnauthenticated,
		subs:     make(map[int]chan Snapshot),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Run consumes session changes from the backend until ctx is done or the backend closes its
// channel. Each change starts a resolution pass that supersedes the previous one.
func (s *Store) Run(ctx context.Context) error {
	events, unsubscribe := s.backend.Subscribe()
	defer unsubscribe()
	defer s.cancelInFlight()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			s.handle(ctx, ev)
		}
	}
}

func (s *Store) handle(ctx context.Context, ev SessionChanged) {
	s.log.Debug("session change",
		zap.String("event", string(ev.Event)),
		zap.String("session_id", ev.SessionID),
	)

	switch ev.Event {
	case EventSignedOut, EventSessionExpired:
		s.mu.Lock()
		if s.state != StateAuthenticated || s.session == nil || (ev.SessionID != "" && ev.SessionID != s.session.ID) {
			s.mu.Unlock()
			return
		}
		s.resetLocked()
		s.mu.Unlock()
		metrics.ActiveSessions.Dec()
		s.notify()

	case EventSignedIn, EventTokenRefreshed, EventUserUpdated:
		s.startPass(ctx)
	}
}

// startPass supersedes any running pass with a fresh one.
func (s *Store) startPass(parent context.Context) {
	passCtx, cancel := context.WithCancel(parent)

	s.mu.Lock()
	s.supersedeLocked()
	gen := s.generation
	s.cancelPass = cancel
	s.loading = true
	s.mu.Unlock()
	s.notify()

	go s.resolvePass(passCtx, cancel, gen)
}

// resolvePass reads the backend's current session and its profile, then commits the result
// unless a newer pass or a local transition superseded it.
func (s *Store) resolvePass(ctx context.Context, cancel context.CancelFunc, gen uint64) {
	defer cancel()

	session, err := s.backend.GetSession(ctx)
	var (
		profile *models.Profile
		org     *models.Organization
	)
	if err == nil && session != nil {
		profile, org, err = s.resolve(ctx, session.Identity.ID)
	}

	s.mu.Lock()
	if s.generation != gen {
		s.mu.Unlock()
		s.log.Debug("discarding stale resolution", zap.Uint64("generation", gen))
		return
	}
	s.loading = false
	s.cancelPass = nil
	if err != nil || session == nil {
		s.mu.Unlock()
		if err != nil && ctx.Err() == nil {
			s.log.Warn("session resolution failed", zap.Error(err))
		}
		s.notify()
		return
	}

	sameIdentity := s.identity != nil && s.identity.ID == session.Identity.ID
	promoted := false
	switch {
	case profile != nil && profile.TwoFactorEnabled && !session.MFAVerified:
		// A provisional session is never promoted while a second factor is required.
	case profile == nil && s.state == StateAuthenticated && sameIdentity:
		s.session = copySession(session)
		s.identity = copyIdentity(&session.Identity)
	case profile == nil:
		// Without a profile the second factor requirement cannot be checked.
	default:
		promoted = s.state != StateAuthenticated
		s.commitLocked(session, profile, org)
	}
	s.mu.Unlock()
	s.notify()

	if promoted {
		metrics.ActiveSessions.Inc()
		s.redeemPendingInvitation(ctx)
	}
}

// SignIn authenticates with email and password. When the profile requires a second factor
// the provisional session is traded for a challenge and the store enters TwoFactorPending.
// A session that is already authenticated is signed out first.
func (s *Store) SignIn(ctx context.Context, email, password string) (SignInResult, error) {
	if s.State() == StateAuthenticated {
		if err := s.SignOut(ctx); err != nil {
			return SignInResult{State: StateUnauthenticated}, err
		}
	}
	s.transition(StateCredentialsSubmitted)

	session, err := s.backend.SignInWithPassword(ctx, strings.TrimSpace(email), password)
	if err != nil {
		if errors.Is(err, apperrors.ErrAccountLocked) {
			s.transition(StateLocked)
			return SignInResult{State: StateLocked}, err
		}
		s.transition(StateUnauthenticated)
		return SignInResult{State: StateUnauthenticated}, err
	}

	profile, org, err := s.resolve(ctx, session.Identity.ID)
	if err != nil {
		s.abandon(ctx)
		return SignInResult{State: StateUnauthenticated}, err
	}
	if profile == nil {
		s.abandon(ctx)
		return SignInResult{State: StateUnauthenticated}, apperrors.ErrProfileUnavailable
	}

	if profile.TwoFactorEnabled && !session.MFAVerified {
		challengeID, err := s.backend.BeginTwoFactor(ctx)
		if err != nil {
			s.abandon(ctx)
			return SignInResult{State: StateUnauthenticated}, err
		}
		s.mu.Lock()
		s.supersedeLocked()
		s.clearLocked()
		s.identity = copyIdentity(&session.Identity)
		s.challengeID = challengeID
		s.state = StateTwoFactorPending
		s.mu.Unlock()
		s.notify()
		return SignInResult{State: StateTwoFactorPending, RequiresTwoFactor: true}, nil
	}

	s.complete(ctx, session, profile, org)
	return SignInResult{State: StateAuthenticated}, nil
}

// VerifyTwoFactor completes a pending login with a TOTP or backup code. A wrong code leaves
// the store in TwoFactorPending.
func (s *Store) VerifyTwoFactor(ctx context.Context, code string) error {
	s.mu.RLock()
	state, challengeID := s.state, s.challengeID
	s.mu.RUnlock()
	if state != StateTwoFactorPending || challengeID == "" {
		return apperrors.ErrTwoFactorNotPending
	}

	session, usedBackup, err := s.backend.CompleteTwoFactor(ctx, challengeID, strings.TrimSpace(code))
	if err != nil {
		if errors.Is(err, apperrors.ErrTwoFactorNotPending) {
			s.transition(StateUnauthenticated)
		}
		return err
	}

	profile, org, err := s.resolve(ctx, session.Identity.ID)
	if err != nil {
		s.abandon(ctx)
		return err
	}
	if profile == nil {
		s.abandon(ctx)
		return apperrors.ErrProfileUnavailable
	}

	method := "totp"
	if usedBackup {
		method = "backup_code"
	}
	s.emit(ctx, session.Identity.ID, profile.OrgID(), audit.ActionTwoFactorVerified, map[string]any{"method": method})
	if usedBackup {
		s.emit(ctx, session.Identity.ID, profile.OrgID(), audit.ActionBackupCodeUsed, nil)
	}
	s.complete(ctx, session, profile, org)
	return nil
}

// SignOut records the logout, tears the local state down and revokes the session.
func (s *Store) SignOut(ctx context.Context) error {
	s.mu.Lock()
	identity, profile := copyIdentity(s.identity), copyProfile(s.profile)
	wasAuthenticated := s.state == StateAuthenticated
	s.mu.Unlock()

	if wasAuthenticated && identity != nil && profile != nil {
		s.emit(ctx, identity.ID, profile.OrgID(), audit.ActionLogout, nil)
	}

	s.mu.Lock()
	s.resetLocked()
	s.mu.Unlock()
	if wasAuthenticated {
		metrics.ActiveSessions.Dec()
	}
	s.notify()

	return s.backend.SignOut(ctx)
}

// SignUp registers a new identity. The caller signs in separately.
func (s *Store) SignUp(ctx context.Context, input SignUpInput) (*Identity, error) {
	input.Email = strings.TrimSpace(input.Email)
	if input.Email == "" || input.Password == "" {
		return nil, apperrors.NewBadRequest("email and password are required")
	}
	return s.backend.SignUp(ctx, input)
}

// ResetPassword asks the backend to send a reset link.
func (s *Store) ResetPassword(ctx context.Context, email string) error {
	email = strings.TrimSpace(email)
	if email == "" {
		return apperrors.NewBadRequest("email is required")
	}
	return s.backend.ResetPasswordForEmail(ctx, email)
}

// UpdatePassword changes the password of the signed in identity.
func (s *Store) UpdatePassword(ctx context.Context, newPassword string) error {
	identity, profile, err := s.requireAuthenticated()
	if err != nil {
		return err
	}
	if newPassword == "" {
		return apperrors.NewBadRequest("password is required")
	}
	if err := s.backend.UpdateUser(ctx, UserAttributes{Password: newPassword}); err != nil {
		return err
	}
	s.emit(ctx, identity.ID, profile.OrgID(), audit.ActionPasswordChanged, nil)
	return nil
}

// HasPermission evaluates perm against the current profile. It is false while not signed in.
func (s *Store) HasPermission(perm permissions.Permission) bool {
	return permissions.HasPermission(s.authenticatedProfile(), perm)
}

// HasRole reports whether the current profile holds any of roles.
func (s *Store) HasRole(roles ...permissions.Role) bool {
	return permissions.HasRole(s.authenticatedProfile(), roles...)
}

// RefreshProfile re-reads profile and organization. Concurrent calls share one lookup.
func (s *Store) RefreshProfile(ctx context.Context) error {
	s.mu.RLock()
	identity := copyIdentity(s.identity)
	authenticated := s.state == StateAuthenticated
	s.mu.RUnlock()
	if identity == nil || !authenticated {
		return apperrors.ErrSessionRequired
	}

	_, err, _ := s.refreshes.Do(identity.ID, func() (any, error) {
		profile, org, err := s.resolve(ctx, identity.ID)
		if err != nil {
			return nil, err
		}
		if profile == nil {
			return nil, apperrors.ErrProfileUnavailable
		}
		s.mu.Lock()
		if s.state == StateAuthenticated && s.identity != nil && s.identity.ID == identity.ID {
			s.profile = copyProfile(profile)
			s.org = copyOrganization(org)
		}
		s.mu.Unlock()
		s.notify()
		return nil, nil
	})
	return err
}

// SetupTwoFactor starts enrollment for the signed in identity.
func (s *Store) SetupTwoFactor(ctx context.Context) (*mfa.Enrollment, error) {
	if s.twoFactor == nil {
		return nil, errors.New("auth store: two-factor is not configured")
	}
	identity, _, err := s.requireAuthenticated()
	if err != nil {
		return nil, err
	}
	return s.twoFactor.Setup(ctx, identity.ID, identity.Email)
}

// EnableTwoFactor confirms enrollment with a code and returns the backup codes.
func (s *Store) EnableTwoFactor(ctx context.Context, code string) ([]string, error) {
	if s.twoFactor == nil {
		return nil, errors.New("auth store: two-factor is not configured")
	}
	identity, profile, err := s.requireAuthenticated()
	if err != nil {
		return nil, err
	}
	codes, err := s.twoFactor.Enable(ctx, identity.ID, strings.TrimSpace(code))
	if err != nil {
		return nil, err
	}
	s.emit(ctx, identity.ID, profile.OrgID(), audit.ActionTwoFactorEnabled, nil)
	if err := s.RefreshProfile(ctx); err != nil {
		s.log.Warn("profile refresh after enabling two-factor failed", zap.Error(err))
	}
	return codes, nil
}

// DisableTwoFactor removes the second factor after confirming the password.
func (s *Store) DisableTwoFactor(ctx context.Context, password string) error {
	if s.twoFactor == nil {
		return errors.New("auth store: two-factor is not configured")
	}
	identity, profile, err := s.requireAuthenticated()
	if err != nil {
		return err
	}
	if err := s.twoFactor.Disable(ctx, identity.ID, password); err != nil {
		return err
	}
	s.emit(ctx, identity.ID, profile.OrgID(), audit.ActionTwoFactorDisabled, nil)
	if err := s.RefreshProfile(ctx); err != nil {
		s.log.Warn("profile refresh after disabling two-factor failed", zap.Error(err))
	}
	return nil
}

// JoinOrganization redeems an invitation code and reloads the profile on success.
func (s *Store) JoinOrganization(ctx context.Context, code string) (*invitations.Details, error) {
	if s.join == nil {
		return nil, errors.New("auth store: join flow is not configured")
	}
	s.mu.RLock()
	session := copySession(s.session)
	authenticated := s.state == StateAuthenticated
	s.mu.RUnlock()
	if session == nil || !authenticated {
		return nil, apperrors.ErrSessionRequired
	}

	details, err := s.join.Accept(ctx, code, session.AccessToken)
	if err != nil {
		return nil, err
	}
	if err := s.RefreshProfile(ctx); err != nil {
		s.log.Warn("profile refresh after joining organization failed", zap.Error(err))
	}
	return details, nil
}

// GetInvitationDetails looks a code up on behalf of the current identity, if any.
func (s *Store) GetInvitationDetails(ctx context.Context, code string) (*invitations.Details, error) {
	if s.join == nil {
		return nil, errors.New("auth store: join flow is not configured")
	}
	var email string
	if identity := s.Identity(); identity != nil {
		email = identity.Email
	}
	return s.join.CheckCode(ctx, code, email)
}

// SetPendingInvitation remembers code to be redeemed once the next login completes.
func (s *Store) SetPendingInvitation(code string) {
	s.mu.Lock()
	s.pendingInvite = strings.TrimSpace(code)
	s.mu.Unlock()
}

// Subscribe returns a channel receiving a Snapshot after every committed change. Slow
// consumers only see the latest snapshot.
func (s *Store) Subscribe() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, subscriberBuffer)

	s.subsMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch
	s.subsMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.subsMu.Lock()
			if _, ok := s.subs[id]; ok {
				delete(s.subs, id)
				close(ch)
			}
			s.subsMu.Unlock()
		})
	}
}

// Snapshot returns the current state.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}

// State returns the login state.
func (s *Store) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Identity returns the signed in identity, or the identity awaiting its second factor.
func (s *Store) Identity() *Identity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return copyIdentity(s.identity)
}

// Session returns the active session. It is nil unless authenticated.
func (s *Store) Session() *Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return copySession(s.session)
}

// Profile returns the profile of the signed in identity.
func (s *Store) Profile() *models.Profile {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return copyProfile(s.profile)
}

// Organization returns the organization of the signed in identity.
func (s *Store) Organization() *models.Organization {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return copyOrganization(s.org)
}

// Loading reports whether a resolution pass is running.
func (s *Store) Loading() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loading
}

// complete commits an authenticated session, audits the login and redeems a pending
// invitation.
func (s *Store) complete(ctx context.Context, session *Session, profile *models.Profile, org *models.Organization) {
	s.mu.Lock()
	s.supersedeLocked()
	wasAuthenticated := s.state == StateAuthenticated
	s.commitLocked(session, profile, org)
	s.mu.Unlock()
	s.notify()

	if !wasAuthenticated {
		metrics.ActiveSessions.Inc()
	}
	s.emit(ctx, session.Identity.ID, profile.OrgID(), audit.ActionLogin, map[string]any{"mfa_verified": session.MFAVerified})
	s.redeemPendingInvitation(ctx)
}

// abandon signs the backend out after a login that cannot complete.
func (s *Store) abandon(ctx context.Context) {
	s.transition(StateUnauthenticated)
	if err := s.backend.SignOut(ctx); err != nil {
		s.log.Warn("sign out after failed login", zap.Error(err))
	}
}

func (s *Store) redeemPendingInvitation(ctx context.Context) {
	s.mu.Lock()
	code := s.pendingInvite
	s.pendingInvite = ""
	s.mu.Unlock()
	if code == "" || s.join == nil {
		return
	}
	if _, err := s.JoinOrganization(ctx, code); err != nil {
		s.log.Warn("pending invitation not redeemed", zap.Error(err))
	}
}

// resolve loads profile and organization. Only cancellation is reported as an error; an
// organization that cannot be read is logged and left nil.
func (s *Store) resolve(ctx context.Context, identityID string) (*models.Profile, *models.Organization, error) {
	profile, err := s.resolver.Resolve(ctx, identityID)
	if err != nil {
		return nil, nil, err
	}
	if profile == nil || profile.OrgID() == "" {
		return profile, nil, nil
	}
	org, err := s.resolver.ResolveOrganization(ctx, profile.OrgID())
	if err != nil {
		if ctx.Err() != nil {
			return nil, nil, ctx.Err()
		}
		s.log.Warn("organization unavailable", zap.String("organization_id", profile.OrgID()), zap.Error(err))
		return profile, nil, nil
	}
	return profile, org, nil
}

func (s *Store) emit(ctx context.Context, identityID, organizationID, action string, details map[string]any) {
	if s.auditor == nil {
		return
	}
	s.auditor.Emit(ctx, audit.Event{
		Action:         action,
		UserID:         identityID,
		OrganizationID: organizationID,
		ResourceType:   "session",
		Details:        details,
	})
}

func (s *Store) requireAuthenticated() (*Identity, *models.Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state != StateAuthenticated || s.identity == nil || s.profile == nil {
		return nil, nil, apperrors.ErrSessionRequired
	}
	return copyIdentity(s.identity), copyProfile(s.profile), nil
}

func (s *Store) authenticatedProfile() *models.Profile {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state != StateAuthenticated {
		return nil
	}
	return s.profile
}

// transition moves to state, dropping everything but the pending invitation.
func (s *Store) transition(state State) {
	s.mu.Lock()
	s.supersedeLocked()
	s.clearLocked()
	s.state = state
	s.mu.Unlock()
	s.notify()
}

func (s *Store) commitLocked(session *Session, profile *models.Profile, org *models.Organization) {
	s.identity = copyIdentity(&session.Identity)
	s.session = copySession(session)
	s.profile = copyProfile(profile)
	s.org = copyOrganization(org)
	s.challengeID = ""
	s.loading = false
	s.state = StateAuthenticated
}

func (s *Store) resetLocked() {
	s.supersedeLocked()
	s.clearLocked()
	s.state = StateUnauthenticated
}

func (s *Store) clearLocked() {
	s.identity = nil
	s.session = nil
	s.profile = nil
	s.org = nil
	s.challengeID = ""
	s.loading = false
}

// supersedeLocked invalidates the running pass, if any.
func (s *Store) supersedeLocked() {
	s.generation++
	if s.cancelPass != nil {
		s.cancelPass()
		s.cancelPass = nil
	}
}

func (s *Store) cancelInFlight() {
	s.mu.Lock()
	if s.cancelPass != nil {
		s.cancelPass()
		s.cancelPass = nil
	}
	s.loading = false
	s.mu.Unlock()
}

func (s *Store) snapshotLocked() Snapshot {
	return Snapshot{
		State:        s.state,
		Identity:     copyIdentity(s.identity),
		Profile:      copyProfile(s.profile),
		Organization: copyOrganization(s.org),
		Loading:      s.loading,
	}
}

func (s *Store) notify() {
	snap := s.Snapshot()

	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- snap:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- snap:
			default:
			}
		}
	}
}

func copySession(session *Session) *Session {
	if session == nil {
		return nil
	}
	cpy := *session
	return &cpy
}
