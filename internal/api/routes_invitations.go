package api

import (
	"github.com/gin-gonic/gin"

	"github.com/charlesng35/sentinel/internal/handlers"
	"github.com/charlesng35/sentinel/internal/middleware"
	"github.com/charlesng35/sentinel/internal/permissions"
)

func registerInvitationRoutes(r *gin.Engine, limited, requireAuth gin.HandlerFunc, deps Dependencies) {
	handler := handlers.NewInvitationHandler(deps.Invitations)

	invites := r.Group("/api/invitations", limited)
	{
		invites.GET("/:code", handler.Check)
		invites.POST("/accept", requireAuth, handler.Accept)
	}

	orgs := r.Group("/api/organizations/:id/invitations", requireAuth)
	{
		orgs.GET("", middleware.RequirePermission(deps.Profiles, permissions.On(permissions.ResourceInvitations, permissions.ActionView)), handler.List)
		orgs.POST("", middleware.RequirePermission(deps.Profiles, permissions.On(permissions.ResourceInvitations, permissions.ActionCreate)), handler.Create)
	}
}
