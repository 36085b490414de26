package api

import (
	"github.com/gin-gonic/gin"

	"github.com/charlesng35/sentinel/internal/handlers"
	"github.com/charlesng35/sentinel/internal/middleware"
	"github.com/charlesng35/sentinel/internal/permissions"
)

func registerAuditRoutes(r *gin.Engine, requireAuth gin.HandlerFunc, deps Dependencies) {
	handler := handlers.NewAuditHandler(deps.AuditSink)
	r.GET("/api/audit", requireAuth,
		middleware.RequirePermission(deps.Profiles, permissions.On(permissions.ResourceAuditLogs, permissions.ActionView)),
		handler.List)
}
