package api

import (
	"github.com/gin-gonic/gin"

	"github.com/charlesng35/sentinel/internal/handlers"
)

func registerAuthRoutes(r *gin.Engine, limited, requireAuth gin.HandlerFunc, deps Dependencies) {
	authHandler := handlers.NewAuthHandler(deps.Identity, deps.Profiles, deps.Auditor)
	twoFactor := handlers.NewTwoFactorHandler(deps.TwoFactor, deps.Profiles, deps.Auditor)

	public := r.Group("/api/auth", limited)
	{
		public.POST("/login", authHandler.Login)
		public.POST("/mfa/verify", authHandler.VerifyTwoFactor)
		public.POST("/refresh", authHandler.Refresh)
		public.POST("/password/reset", authHandler.RequestPasswordReset)
		public.POST("/password/confirm", authHandler.ConfirmPasswordReset)
	}

	private := r.Group("/api/auth", requireAuth)
	{
		private.GET("/me", authHandler.Me)
		private.POST("/logout", authHandler.Logout)
		private.GET("/mfa", twoFactor.Status)
		private.POST("/mfa/setup", twoFactor.Setup)
		private.POST("/mfa/enable", twoFactor.Enable)
		private.POST("/mfa/disable", twoFactor.Disable)
	}

	if deps.Realtime != nil {
		events := handlers.NewRealtimeHandler(deps.Realtime, deps.Identity)
		r.GET("/api/auth/events", limited, events.Stream)
	}
}
