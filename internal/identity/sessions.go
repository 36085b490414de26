package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/charlesng35/sentinel/internal/cache"
	"github.com/charlesng35/sentinel/internal/models"
	"github.com/charlesng35/sentinel/pkg/crypto"
	"github.com/charlesng35/sentinel/pkg/logger"
	"github.com/charlesng35/sentinel/pkg/metrics"
)

// DefaultRefreshTokenTTL is the fallback refresh token lifetime.
const DefaultRefreshTokenTTL = 30 * 24 * time.Hour

const sessionCacheKeyPrefix = "identity:sessions:"

var (
	// ErrSessionNotFound indicates that no session matches the provided token or identifier.
	ErrSessionNotFound = errors.New("session: not found")
	// ErrSessionRevoked marks a session that has been revoked.
	ErrSessionRevoked = errors.New("session: revoked")
	// ErrSessionExpired signals that a refresh token has reached its expiry.
	ErrSessionExpired = errors.New("session: expired")
	// ErrSessionInvalidToken is returned when the supplied refresh token is malformed.
	ErrSessionInvalidToken = errors.New("session: invalid token")
)

// SessionConfig describes tunable behaviour for the SessionManager.
type SessionConfig struct {
	RefreshTokenTTL time.Duration
	RefreshLength   int
	Clock           func() time.Time
	Cache           cache.Store
}

// SessionMetadata captures contextual information about the client.
type SessionMetadata struct {
	IPAddress string
	UserAgent string
}

// IssuedSession pairs the stored session with freshly minted tokens.
type IssuedSession struct {
	Session          *models.Session
	AccessToken      string
	AccessExpiresAt  time.Time
	RefreshToken     string
	RefreshExpiresAt time.Time
}

// cachedSession is the subset of a session needed to authorise access tokens.
type cachedSession struct {
	ID          string     `json:"id"`
	IdentityID  string     `json:"identity_id"`
	MFAVerified bool       `json:"mfa_verified"`
	ExpiresAt   time.Time  `json:"expires_at"`
	RevokedAt   *time.Time `json:"revoked_at,omitempty"`
}

// SessionManager manages creation, rotation, and revocation of refresh-token sessions.
type SessionManager struct {
	db         *gorm.DB
	jwt        *JWTService
	refreshTTL time.Duration
	tokenLen   int
	now        func() time.Time
	cache      cache.Store
	log        *zap.Logger
}

// NewSessionManager constructs a session manager backed by the provided database and JWT service.
func NewSessionManager(db *gorm.DB, jwtService *JWTService, cfg SessionConfig) (*SessionManager, error) {
	if db == nil {
		return nil, errors.New("session manager: db is required")
	}
	if jwtService == nil {
		return nil, errors.New("session manager: jwt service is required")
	}

	ttl := cfg.RefreshTokenTTL
	if ttl <= 0 {
		ttl = DefaultRefreshTokenTTL
	}

	length := cfg.RefreshLength
	if length <= 0 {
		length = 48
	}

	clock := time.Now
	if cfg.Clock != nil {
		clock = cfg.Clock
	}

	return &SessionManager{
		db:         db,
		jwt:        jwtService,
		refreshTTL: ttl,
		tokenLen:   length,
		now:        clock,
		cache:      cfg.Cache,
		log:        logger.WithModule("sessions"),
	}, nil
}

// Create stores a new session for identity and issues a token pair. mfaVerified marks the
// session as having passed the second factor.
func (m *SessionManager) Create(ctx context.Context, identity *models.Identity, meta SessionMetadata, mfaVerified bool) (*IssuedSession, error) {
	if identity == nil || strings.TrimSpace(identity.ID) == "" {
		return nil, errors.New("session manager: identity is required")
	}

	refreshToken, err := crypto.GenerateToken(m.tokenLen)
	if err != nil {
		return nil, fmt.Errorf("session manager: generate refresh token: %w", err)
	}

	now := m.now()
	session := &models.Session{
		IdentityID:       identity.ID,
		RefreshTokenHash: crypto.HashToken(refreshToken),
		IPAddress:        strings.TrimSpace(meta.IPAddress),
		UserAgent:        strings.TrimSpace(meta.UserAgent),
		MFAVerified:      mfaVerified,
		ExpiresAt:        now.Add(m.refreshTTL),
		LastUsedAt:       now,
		CreatedAt:        now,
	}
	if err := m.db.WithContext(ctx).Create(session).Error; err != nil {
		return nil, fmt.Errorf("session manager: create session: %w", err)
	}
	metrics.ActiveSessions.Inc()

	access, accessExpiry, err := m.jwt.GenerateAccessToken(AccessTokenInput{
		IdentityID:  identity.ID,
		SessionID:   session.ID,
		Email:       identity.Email,
		MFAVerified: mfaVerified,
	})
	if err != nil {
		return nil, fmt.Errorf("session manager: generate access token: %w", err)
	}

	m.storeCache(ctx, session)

	return &IssuedSession{
		Session:          session,
		AccessToken:      access,
		AccessExpiresAt:  accessExpiry,
		RefreshToken:     refreshToken,
		RefreshExpiresAt: session.ExpiresAt,
	}, nil
}

// Refresh rotates the refresh token and issues a new access token.
func (m *SessionManager) Refresh(ctx context.Context, refreshToken, email string) (*IssuedSession, error) {
	refreshToken = strings.TrimSpace(refreshToken)
	if refreshToken == "" {
		return nil, ErrSessionInvalidToken
	}

	var session models.Session
	err := m.db.WithContext(ctx).Where("refresh_token_hash = ?", crypto.HashToken(refreshToken)).Take(&session).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("session manager: find session: %w", err)
	}

	now := m.now()
	if session.RevokedAt != nil {
		return nil, ErrSessionRevoked
	}
	if session.Expired(now) {
		return nil, ErrSessionExpired
	}

	newRefresh, err := crypto.GenerateToken(m.tokenLen)
	if err != nil {
		return nil, fmt.Errorf("session manager: generate refresh token: %w", err)
	}

	expiresAt := now.Add(m.refreshTTL)
	result := m.db.WithContext(ctx).Model(&models.Session{}).
		Where("id = ? AND refresh_token_hash = ? AND revoked_at IS NULL", session.ID, session.RefreshTokenHash).
		Updates(map[string]any{
			"refresh_token_hash": crypto.HashToken(newRefresh),
			"expires_at":         expiresAt,
			"last_used_at":       now,
		})
	if result.Error != nil {
		return nil, fmt.Errorf("session manager: update session: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		// A concurrent refresh already rotated this token.
		return nil, ErrSessionRevoked
	}

	session.RefreshTokenHash = crypto.HashToken(newRefresh)
	session.ExpiresAt = expiresAt
	session.LastUsedAt = now

	access, accessExpiry, err := m.jwt.GenerateAccessToken(AccessTokenInput{
		IdentityID:  session.IdentityID,
		SessionID:   session.ID,
		Email:       email,
		MFAVerified: session.MFAVerified,
	})
	if err != nil {
		return nil, fmt.Errorf("session manager: generate access token: %w", err)
	}

	m.storeCache(ctx, &session)

	return &IssuedSession{
		Session:          &session,
		AccessToken:      access,
		AccessExpiresAt:  accessExpiry,
		RefreshToken:     newRefresh,
		RefreshExpiresAt: expiresAt,
	}, nil
}

// Lookup returns the session with id when it is still active.
func (m *SessionManager) Lookup(ctx context.Context, id string) (*models.Session, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, ErrSessionNotFound
	}

	if cached := m.loadCache(ctx, id); cached != nil {
		session := &models.Session{
			ID:          cached.ID,
			IdentityID:  cached.IdentityID,
			MFAVerified: cached.MFAVerified,
			ExpiresAt:   cached.ExpiresAt,
			RevokedAt:   cached.RevokedAt,
		}
		return m.checkActive(session)
	}

	var session models.Session
	err := m.db.WithContext(ctx).Take(&session, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("session manager: find session: %w", err)
	}
	m.storeCache(ctx, &session)
	return m.checkActive(&session)
}

// Revoke marks a session as revoked, preventing further use.
func (m *SessionManager) Revoke(ctx context.Context, id string) error {
	if strings.TrimSpace(id) == "" {
		return ErrSessionInvalidToken
	}

	result := m.db.WithContext(ctx).Model(&models.Session{}).
		Where("id = ? AND revoked_at IS NULL", id).
		Update("revoked_at", m.now())
	if result.Error != nil {
		return fmt.Errorf("session manager: revoke session: %w", result.Error)
	}
	m.dropCache(ctx, id)

	if result.RowsAffected == 0 {
		return ErrSessionNotFound
	}
	metrics.ActiveSessions.Sub(float64(result.RowsAffected))
	return nil
}

// RevokeIdentity revokes every active session of identityID except the one named by keep.
// It returns the ids of the revoked sessions.
func (m *SessionManager) RevokeIdentity(ctx context.Context, identityID, keep string) ([]string, error) {
	if strings.TrimSpace(identityID) == "" {
		return nil, ErrSessionInvalidToken
	}

	query := m.db.WithContext(ctx).Model(&models.Session{}).
		Where("identity_id = ? AND revoked_at IS NULL", identityID)
	if keep != "" {
		query = query.Where("id <> ?", keep)
	}

	var ids []string
	if err := query.Pluck("id", &ids).Error; err != nil {
		return nil, fmt.Errorf("session manager: list sessions: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	result := m.db.WithContext(ctx).Model(&models.Session{}).
		Where("id IN ? AND revoked_at IS NULL", ids).
		Update("revoked_at", m.now())
	if result.Error != nil {
		return nil, fmt.Errorf("session manager: revoke sessions: %w", result.Error)
	}
	for _, id := range ids {
		m.dropCache(ctx, id)
	}
	metrics.ActiveSessions.Sub(float64(result.RowsAffected))
	return ids, nil
}

// CleanupExpired removes expired and revoked sessions and returns the ids of sessions that
// expired while still active.
func (m *SessionManager) CleanupExpired(ctx context.Context) ([]string, int64, error) {
	now := m.now()

	var expired []string
	if err := m.db.WithContext(ctx).
		Model(&models.Session{}).
		Where("expires_at < ? AND revoked_at IS NULL", now).
		Pluck("id", &expired).Error; err != nil {
		return nil, 0, fmt.Errorf("session manager: list expired sessions: %w", err)
	}

	result := m.db.WithContext(ctx).
		Where("expires_at < ?", now).
		Or("revoked_at IS NOT NULL").
		Delete(&models.Session{})
	if result.Error != nil {
		return nil, 0, fmt.Errorf("session manager: cleanup sessions: %w", result.Error)
	}

	for _, id := range expired {
		m.dropCache(ctx, id)
	}
	if len(expired) > 0 {
		metrics.ActiveSessions.Sub(float64(len(expired)))
	}
	return expired, result.RowsAffected, nil
}

func (m *SessionManager) checkActive(session *models.Session) (*models.Session, error) {
	if session.RevokedAt != nil {
		return nil, ErrSessionRevoked
	}
	if !session.ExpiresAt.After(m.now()) {
		return nil, ErrSessionExpired
	}
	return session, nil
}

func (m *SessionManager) storeCache(ctx context.Context, session *models.Session) {
	if m.cache == nil || session == nil {
		return
	}
	ttl := session.ExpiresAt.Sub(m.now())
	if ttl <= 0 {
		return
	}
	payload, err := json.Marshal(cachedSession{
		ID:          session.ID,
		IdentityID:  session.IdentityID,
		MFAVerified: session.MFAVerified,
		ExpiresAt:   session.ExpiresAt,
		RevokedAt:   session.RevokedAt,
	})
	if err != nil {
		return
	}
	if err := m.cache.Set(ctx, sessionCacheKeyPrefix+session.ID, payload, ttl); err != nil {
		m.log.Debug("session cache write failed", zap.String("session_id", session.ID), zap.Error(err))
	}
}

func (m *SessionManager) loadCache(ctx context.Context, id string) *cachedSession {
	if m.cache == nil {
		return nil
	}
	data, ok, err := m.cache.Get(ctx, sessionCacheKeyPrefix+id)
	if err != nil || !ok {
		return nil
	}
	var cached cachedSession
	if err := json.Unmarshal(data, &cached); err != nil {
		return nil
	}
	return &cached
}

func (m *SessionManager) dropCache(ctx context.Context, id string) {
	if m.cache == nil {
		return
	}
	if err := m.cache.Delete(ctx, sessionCacheKeyPrefix+id); err != nil {
		m.log.Debug("session cache delete failed", zap.String("session_id", id), zap.Error(err))
	}
}
