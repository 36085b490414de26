package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/charlesng35/sentinel/internal/handlers"
)

func registerHealthRoutes(r *gin.Engine, deps Dependencies) {
	if !deps.Config.Monitoring.Health.Enabled {
		r.GET("/health", disabledHealthHandler)
		r.GET("/health/live", disabledHealthHandler)
		r.GET("/health/ready", disabledHealthHandler)
		return
	}

	handler := handlers.NewHealthHandler(deps.Health)
	r.GET("/health", handler.Readiness)
	r.GET("/health/live", handler.Liveness)
	r.GET("/health/ready", handler.Readiness)
}

func disabledHealthHandler(c *gin.Context) {
	c.JSON(http.StatusNotFound, gin.H{"success": false, "status": "disabled"})
}
