package middleware

import (
	"context"
	stdErrors "errors"

	"github.com/gin-gonic/gin"

	"github.com/charlesng35/sentinel/internal/models"
	"github.com/charlesng35/sentinel/internal/permissions"
	"github.com/charlesng35/sentinel/internal/profile"
	"github.com/charlesng35/sentinel/pkg/errors"
	"github.com/charlesng35/sentinel/pkg/response"
)

const CtxProfileKey = "profile"

// ProfileFinder loads the profile of an identity. Satisfied by store.Store.
type ProfileFinder interface {
	FindProfileByIdentity(ctx context.Context, identityID string) (*models.Profile, error)
}

// RequirePermission admits the request only when the caller's profile grants perm. It must
// run after Auth.
func RequirePermission(profiles ProfileFinder, perm permissions.Permission) gin.HandlerFunc {
	return requireProfile(profiles, func(p *models.Profile) bool {
		return permissions.HasPermission(p, perm)
	})
}

// RequireRole admits the request only when the caller holds one of roles.
func RequireRole(profiles ProfileFinder, roles ...permissions.Role) gin.HandlerFunc {
	return requireProfile(profiles, func(p *models.Profile) bool {
		return permissions.HasRole(p, roles...)
	})
}

func requireProfile(profiles ProfileFinder, allowed func(*models.Profile) bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		identityID := c.GetString(CtxIdentityIDKey)
		if identityID == "" {
			response.Error(c, errors.ErrUnauthorized)
			c.Abort()
			return
		}

		current, cached := ProfileFrom(c)
		var err error
		if !cached {
			current, err = profiles.FindProfileByIdentity(c.Request.Context(), identityID)
		}
		switch {
		case stdErrors.Is(err, profile.ErrNotFound):
			response.Error(c, errors.ErrForbidden)
			c.Abort()
			return
		case err != nil:
			response.Error(c, errors.ErrBackendUnavailable.WithInternal(err))
			c.Abort()
			return
		}

		c.Set(CtxProfileKey, current)
		if !allowed(current) {
			response.Error(c, errors.ErrForbidden)
			c.Abort()
			return
		}
		c.Next()
	}
}

// ProfileFrom returns the profile cached on the request by a permission check, if any.
func ProfileFrom(c *gin.Context) (*models.Profile, bool) {
	v, ok := c.Get(CtxProfileKey)
	if !ok {
		return nil, false
	}
	p, ok := v.(*models.Profile)
	return p, ok && p != nil
}
