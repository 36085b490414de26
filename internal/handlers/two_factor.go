package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/charlesng35/sentinel/internal/audit"
	"github.com/charlesng35/sentinel/internal/auth/mfa"
	"github.com/charlesng35/sentinel/internal/middleware"
	"github.com/charlesng35/sentinel/pkg/errors"
	"github.com/charlesng35/sentinel/pkg/response"
)

// TwoFactorHandler manages enrollment of an authenticator app for the signed in identity.
type TwoFactorHandler struct {
	mfa      *mfa.Service
	profiles middleware.ProfileFinder
	auditor  Auditor
}

func NewTwoFactorHandler(svc *mfa.Service, profiles middleware.ProfileFinder, auditor Auditor) *TwoFactorHandler {
	return &TwoFactorHandler{mfa: svc, profiles: profiles, auditor: auditor}
}

type enableTwoFactorRequest struct {
	Code string `json:"code" validate:"required,len=6,numeric"`
}

type disableTwoFactorRequest struct {
	Password string `json:"password" validate:"required"`
}

// GET /api/auth/mfa
func (h *TwoFactorHandler) Status(c *gin.Context) {
	principal, ok := middleware.PrincipalFrom(c)
	if !ok {
		response.Error(c, errors.ErrUnauthorized)
		return
	}
	status, err := h.mfa.Status(requestContext(c), principal.IdentityID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{
		"enabled":                status.Enabled,
		"backup_codes_remaining": status.BackupCodesRemaining,
	})
}

// POST /api/auth/mfa/setup
func (h *TwoFactorHandler) Setup(c *gin.Context) {
	principal, ok := middleware.PrincipalFrom(c)
	if !ok {
		response.Error(c, errors.ErrUnauthorized)
		return
	}
	enrollment, err := h.mfa.Setup(requestContext(c), principal.IdentityID, principal.Email)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, enrollment)
}

// POST /api/auth/mfa/enable
func (h *TwoFactorHandler) Enable(c *gin.Context) {
	principal, ok := middleware.PrincipalFrom(c)
	if !ok {
		response.Error(c, errors.ErrUnauthorized)
		return
	}
	var req enableTwoFactorRequest
	if !bindAndValidate(c, &req) {
		return
	}
	ctx := requestContext(c)

	codes, err := h.mfa.Enable(ctx, principal.IdentityID, strings.TrimSpace(req.Code))
	if err != nil {
		response.Error(c, err)
		return
	}
	h.emit(c, principal.IdentityID, audit.ActionTwoFactorEnabled)
	response.Success(c, http.StatusOK, gin.H{"enabled": true, "backup_codes": codes})
}

// POST /api/auth/mfa/disable
func (h *TwoFactorHandler) Disable(c *gin.Context) {
	principal, ok := middleware.PrincipalFrom(c)
	if !ok {
		response.Error(c, errors.ErrUnauthorized)
		return
	}
	var req disableTwoFactorRequest
	if !bindAndValidate(c, &req) {
		return
	}

	if err := h.mfa.Disable(requestContext(c), principal.IdentityID, req.Password); err != nil {
		response.Error(c, err)
		return
	}
	h.emit(c, principal.IdentityID, audit.ActionTwoFactorDisabled)
	response.Success(c, http.StatusOK, gin.H{"enabled": false})
}

func (h *TwoFactorHandler) emit(c *gin.Context, identityID, action string) {
	if h.auditor == nil {
		return
	}
	ctx := requestContext(c)
	current, err := h.profiles.FindProfileByIdentity(ctx, identityID)
	if err != nil {
		return
	}
	h.auditor.Emit(ctx, audit.Event{
		Action:         action,
		UserID:         identityID,
		OrganizationID: current.OrgID(),
		ResourceType:   "two_factor",
		ResourceID:     identityID,
	})
}
