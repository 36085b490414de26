package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/charlesng35/sentinel/internal/invitations"
	"github.com/charlesng35/sentinel/internal/middleware"
	"github.com/charlesng35/sentinel/internal/models"
	"github.com/charlesng35/sentinel/internal/permissions"
	"github.com/charlesng35/sentinel/pkg/errors"
	"github.com/charlesng35/sentinel/pkg/response"
)

// InvitationHandler serves code checks and the privileged acceptance used by the join flow,
// plus issuance for organization administrators.
type InvitationHandler struct {
	invitations *invitations.Service
}

func NewInvitationHandler(svc *invitations.Service) *InvitationHandler {
	return &InvitationHandler{invitations: svc}
}

type acceptInvitationRequest struct {
	Code string `json:"code" validate:"required"`
}

type createInvitationRequest struct {
	Email string `json:"email" validate:"omitempty,email"`
	Role  string `json:"role" validate:"required"`
}

type createdInvitationResponse struct {
	Invitation *models.Invitation `json:"invitation"`
	Code       string             `json:"code"`
	Link       string             `json:"link,omitempty"`
}

// GET /api/invitations/:code
func (h *InvitationHandler) Check(c *gin.Context) {
	code := strings.TrimSpace(c.Param("code"))
	if code == "" {
		response.Error(c, errors.ErrInvitationInvalid)
		return
	}
	details, err := h.invitations.CheckCode(requestContext(c), code, c.Query("email"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, details)
}

// POST /api/invitations/accept
func (h *InvitationHandler) Accept(c *gin.Context) {
	principal, ok := middleware.PrincipalFrom(c)
	if !ok {
		response.Error(c, errors.ErrUnauthorized)
		return
	}
	var req acceptInvitationRequest
	if !bindAndValidate(c, &req) {
		return
	}

	details, err := h.invitations.Accept(requestContext(c), strings.TrimSpace(req.Code), principal.IdentityID, principal.Email)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, details)
}

// POST /api/organizations/:id/invitations
func (h *InvitationHandler) Create(c *gin.Context) {
	inviter, ok := h.organizationMember(c)
	if !ok {
		return
	}
	var req createInvitationRequest
	if !bindAndValidate(c, &req) {
		return
	}

	role, valid := permissions.ParseRole(req.Role)
	if !valid {
		response.Error(c, errors.NewBadRequest("role is invalid"))
		return
	}
	if role != permissions.RoleUser && !permissions.HasPermission(inviter, permissions.RolesAssign) {
		response.Error(c, errors.ErrForbidden)
		return
	}

	created, err := h.invitations.Create(requestContext(c), invitations.CreateInput{
		OrganizationID: c.Param("id"),
		Email:          req.Email,
		Role:           role,
		InvitedBy:      inviter.IdentityID,
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusCreated, createdInvitationResponse{
		Invitation: created.Invitation,
		Code:       created.Code,
		Link:       created.Link,
	})
}

// GET /api/organizations/:id/invitations
func (h *InvitationHandler) List(c *gin.Context) {
	if _, ok := h.organizationMember(c); !ok {
		return
	}
	list, err := h.invitations.List(requestContext(c), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, list)
}

// organizationMember returns the caller's profile when it belongs to the organization in
// the path. Super admins may act on any organization.
func (h *InvitationHandler) organizationMember(c *gin.Context) (*models.Profile, bool) {
	current, ok := middleware.ProfileFrom(c)
	if !ok {
		response.Error(c, errors.ErrForbidden)
		return nil, false
	}
	if current.OrgID() != c.Param("id") && !permissions.HasRole(current, permissions.RoleSuperAdmin) {
		response.Error(c, errors.ErrForbidden)
		return nil, false
	}
	return current, true
}
