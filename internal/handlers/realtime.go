package handlers

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/charlesng35/sentinel/internal/middleware"
	"github.com/charlesng35/sentinel/internal/realtime"
	"github.com/charlesng35/sentinel/pkg/errors"
	"github.com/charlesng35/sentinel/pkg/response"
)

// RealtimeHandler upgrades authenticated requests into session event streams.
type RealtimeHandler struct {
	hub   *realtime.Hub
	authz middleware.Authorizer
}

func NewRealtimeHandler(hub *realtime.Hub, authz middleware.Authorizer) *RealtimeHandler {
	return &RealtimeHandler{hub: hub, authz: authz}
}

// GET /api/auth/events
//
// Browsers cannot set headers on WebSocket requests, so the access token is also accepted
// as the token or access_token query parameter.
func (h *RealtimeHandler) Stream(c *gin.Context) {
	if h.hub == nil || h.authz == nil {
		response.Error(c, errors.ErrNotFound)
		return
	}

	token := strings.TrimSpace(c.Query("token"))
	if token == "" {
		token = strings.TrimSpace(c.Query("access_token"))
	}
	if token == "" {
		token, _ = middleware.BearerToken(c)
	}
	if token == "" {
		c.Header("WWW-Authenticate", "Bearer")
		response.Error(c, errors.ErrUnauthorized)
		return
	}

	principal, err := h.authz.Authorize(requestContext(c), token)
	if err != nil || strings.TrimSpace(principal.IdentityID) == "" {
		response.Error(c, errors.ErrUnauthorized)
		return
	}

	h.hub.Serve(principal.IdentityID, c.Writer, c.Request)
}
