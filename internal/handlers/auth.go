package handlers

import (
	"context"
	stdErrors "errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/charlesng35/sentinel/internal/audit"
	"github.com/charlesng35/sentinel/internal/auditctx"
	"github.com/charlesng35/sentinel/internal/identity"
	"github.com/charlesng35/sentinel/internal/middleware"
	"github.com/charlesng35/sentinel/internal/models"
	"github.com/charlesng35/sentinel/internal/permissions"
	"github.com/charlesng35/sentinel/internal/profile"
	"github.com/charlesng35/sentinel/pkg/errors"
	"github.com/charlesng35/sentinel/pkg/logger"
	"github.com/charlesng35/sentinel/pkg/response"
)

// Auditor records audit events. Satisfied by audit.Emitter.
type Auditor interface {
	Emit(ctx context.Context, event audit.Event)
}

// AuthHandler exposes sign in, the second factor step, refresh and sign out.
type AuthHandler struct {
	identity *identity.Service
	profiles middleware.ProfileFinder
	auditor  Auditor
	log      *zap.Logger
}

func NewAuthHandler(svc *identity.Service, profiles middleware.ProfileFinder, auditor Auditor) *AuthHandler {
	return &AuthHandler{identity: svc, profiles: profiles, auditor: auditor, log: logger.WithModule("handlers.auth")}
}

type loginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

type verifyTwoFactorRequest struct {
	ChallengeID string `json:"challenge_id" validate:"required"`
	Code        string `json:"code" validate:"required,max=32"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token" validate:"required"`
}

type resetRequest struct {
	Email string `json:"email" validate:"required,email"`
}

type resetConfirmRequest struct {
	Token    string `json:"token" validate:"required"`
	Password string `json:"password" validate:"required,min=8"`
}

type tokenResponse struct {
	AccessToken      string    `json:"access_token"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshToken     string    `json:"refresh_token"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
}

type challengeResponse struct {
	RequiresTwoFactor bool      `json:"requires_two_factor"`
	ChallengeID       string    `json:"challenge_id"`
	ExpiresAt         time.Time `json:"expires_at"`
}

type identityDTO struct {
	ID       string `json:"id"`
	Email    string `json:"email"`
	FullName string `json:"full_name"`
}

type sessionResponse struct {
	Tokens      tokenResponse            `json:"tokens"`
	Identity    identityDTO              `json:"identity"`
	Profile     *models.Profile          `json:"profile,omitempty"`
	Permissions []permissions.Permission `json:"permissions"`
}

// POST /api/auth/login
func (h *AuthHandler) Login(c *gin.Context) {
	var req loginRequest
	if !bindAndValidate(c, &req) {
		return
	}
	ctx := requestContext(c)

	issued, ident, err := h.identity.SignIn(ctx, identity.AuthenticateInput{
		Email:     strings.TrimSpace(req.Email),
		Password:  req.Password,
		IPAddress: c.ClientIP(),
		UserAgent: c.Request.UserAgent(),
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	ctx = h.withActor(c, ident)

	current, err := h.loadProfile(ctx, ident.ID)
	if err != nil {
		// Without the profile the second factor requirement is unknown.
		h.revoke(ctx, issued.Session.ID)
		response.Error(c, err)
		return
	}

	if current != nil && current.TwoFactorEnabled {
		challenge, err := h.identity.BeginTwoFactor(ctx, issued.Session.ID)
		if err != nil {
			h.revoke(ctx, issued.Session.ID)
			response.Error(c, err)
			return
		}
		response.Success(c, http.StatusOK, challengeResponse{
			RequiresTwoFactor: true,
			ChallengeID:       challenge.ID,
			ExpiresAt:         challenge.ExpiresAt,
		})
		return
	}

	h.emit(ctx, ident.ID, current, issued.Session.ID, audit.ActionLogin, map[string]any{"mfa_verified": false})
	response.Success(c, http.StatusOK, newSessionResponse(issued, ident, current))
}

// POST /api/auth/mfa/verify
func (h *AuthHandler) VerifyTwoFactor(c *gin.Context) {
	var req verifyTwoFactorRequest
	if !bindAndValidate(c, &req) {
		return
	}
	ctx := requestContext(c)

	issued, ident, usedBackup, err := h.identity.CompleteTwoFactor(ctx, req.ChallengeID, strings.TrimSpace(req.Code))
	if err != nil {
		response.Error(c, err)
		return
	}
	ctx = h.withActor(c, ident)

	current, err := h.loadProfile(ctx, ident.ID)
	if err != nil {
		h.revoke(ctx, issued.Session.ID)
		response.Error(c, err)
		return
	}

	method := "totp"
	if usedBackup {
		method = "backup_code"
	}
	h.emit(ctx, ident.ID, current, issued.Session.ID, audit.ActionTwoFactorVerified, map[string]any{"method": method})
	if usedBackup {
		h.emit(ctx, ident.ID, current, issued.Session.ID, audit.ActionBackupCodeUsed, nil)
	}
	h.emit(ctx, ident.ID, current, issued.Session.ID, audit.ActionLogin, map[string]any{"mfa_verified": true})

	response.Success(c, http.StatusOK, newSessionResponse(issued, ident, current))
}

// POST /api/auth/refresh
func (h *AuthHandler) Refresh(c *gin.Context) {
	var req refreshRequest
	if !bindAndValidate(c, &req) {
		return
	}
	ctx := requestContext(c)

	issued, ident, err := h.identity.Refresh(ctx, strings.TrimSpace(req.RefreshToken))
	if err != nil {
		response.Error(c, errors.ErrUnauthorized)
		return
	}
	current, err := h.loadProfile(ctx, ident.ID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, newSessionResponse(issued, ident, current))
}

// POST /api/auth/logout
func (h *AuthHandler) Logout(c *gin.Context) {
	principal, ok := middleware.PrincipalFrom(c)
	if !ok {
		response.Error(c, errors.ErrUnauthorized)
		return
	}
	ctx := requestContext(c)

	current, _ := h.loadProfile(ctx, principal.IdentityID)
	h.emit(ctx, principal.IdentityID, current, principal.SessionID, audit.ActionLogout, nil)

	if err := h.identity.SignOut(ctx, principal.SessionID); err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"revoked": true})
}

// GET /api/auth/me
func (h *AuthHandler) Me(c *gin.Context) {
	principal, ok := middleware.PrincipalFrom(c)
	if !ok {
		response.Error(c, errors.ErrUnauthorized)
		return
	}
	ctx := requestContext(c)

	ident, err := h.identity.FindIdentity(ctx, principal.IdentityID)
	if err != nil {
		response.Error(c, err)
		return
	}
	current, err := h.loadProfile(ctx, principal.IdentityID)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"identity":     toIdentityDTO(ident),
		"profile":      current,
		"permissions":  grantedPermissions(current),
		"mfa_verified": principal.MFAVerified,
	})
}

// POST /api/auth/password/reset
func (h *AuthHandler) RequestPasswordReset(c *gin.Context) {
	var req resetRequest
	if !bindAndValidate(c, &req) {
		return
	}
	if err := h.identity.RequestPasswordReset(requestContext(c), req.Email); err != nil {
		response.Error(c, err)
		return
	}
	// Same answer whether or not the address is known.
	response.Success(c, http.StatusAccepted, gin.H{"sent": true})
}

// POST /api/auth/password/confirm
func (h *AuthHandler) ConfirmPasswordReset(c *gin.Context) {
	var req resetConfirmRequest
	if !bindAndValidate(c, &req) {
		return
	}
	if err := h.identity.ConfirmPasswordReset(requestContext(c), strings.TrimSpace(req.Token), req.Password); err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"updated": true})
}

// loadProfile returns nil without error while the profile is still being provisioned.
func (h *AuthHandler) loadProfile(ctx context.Context, identityID string) (*models.Profile, error) {
	current, err := h.profiles.FindProfileByIdentity(ctx, identityID)
	switch {
	case stdErrors.Is(err, profile.ErrNotFound):
		return nil, nil
	case err != nil:
		return nil, errors.ErrBackendUnavailable.WithInternal(err)
	}
	return current, nil
}

func (h *AuthHandler) revoke(ctx context.Context, sessionID string) {
	if err := h.identity.SignOut(ctx, sessionID); err != nil {
		h.log.Warn("failed to revoke abandoned session", zap.String("session_id", sessionID), zap.Error(err))
	}
}

func (h *AuthHandler) withActor(c *gin.Context, ident *models.Identity) context.Context {
	return auditctx.WithActor(requestContext(c), auditctx.Actor{
		IdentityID: ident.ID,
		Email:      ident.Email,
		IPAddress:  c.ClientIP(),
		UserAgent:  c.Request.UserAgent(),
	})
}

func (h *AuthHandler) emit(ctx context.Context, identityID string, current *models.Profile, sessionID, action string, details map[string]any) {
	if h.auditor == nil {
		return
	}
	h.auditor.Emit(ctx, audit.Event{
		Action:         action,
		UserID:         identityID,
		OrganizationID: current.OrgID(),
		ResourceType:   "session",
		ResourceID:     sessionID,
		Details:        details,
	})
}

func newSessionResponse(issued *identity.IssuedSession, ident *models.Identity, current *models.Profile) sessionResponse {
	return sessionResponse{
		Tokens: tokenResponse{
			AccessToken:      issued.AccessToken,
			AccessExpiresAt:  issued.AccessExpiresAt,
			RefreshToken:     issued.RefreshToken,
			RefreshExpiresAt: issued.RefreshExpiresAt,
		},
		Identity:    toIdentityDTO(ident),
		Profile:     current,
		Permissions: grantedPermissions(current),
	}
}

func toIdentityDTO(ident *models.Identity) identityDTO {
	return identityDTO{ID: ident.ID, Email: ident.Email, FullName: ident.FullName}
}

func grantedPermissions(current *models.Profile) []permissions.Permission {
	granted := permissions.Granted(current)
	if granted == nil {
		return []permissions.Permission{}
	}
	return granted
}
