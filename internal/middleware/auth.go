package middleware

import (
	"context"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/charlesng35/sentinel/internal/auditctx"
	"github.com/charlesng35/sentinel/internal/identity"
	"github.com/charlesng35/sentinel/pkg/errors"
	"github.com/charlesng35/sentinel/pkg/response"
)

const (
	CtxPrincipalKey   = "principal"
	CtxIdentityIDKey  = "identityID"
	CtxSessionIDKey   = "sessionID"
	CtxAccessTokenKey = "accessToken"
)

// Authorizer verifies bearer tokens. Satisfied by identity.Service.
type Authorizer interface {
	Authorize(ctx context.Context, accessToken string) (*identity.Principal, error)
}

// Auth rejects requests without a valid bearer token for a live session.
func Auth(authz Authorizer) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := BearerToken(c)
		if !ok {
			c.Header("WWW-Authenticate", "Bearer")
			response.Error(c, errors.ErrUnauthorized)
			c.Abort()
			return
		}

		principal, err := authz.Authorize(c.Request.Context(), token)
		if err != nil {
			// Normalise all validation failures to 401
			c.Header("WWW-Authenticate", "Bearer")
			response.Error(c, errors.ErrUnauthorized)
			c.Abort()
			return
		}

		c.Set(CtxPrincipalKey, principal)
		c.Set(CtxIdentityIDKey, principal.IdentityID)
		c.Set(CtxSessionIDKey, principal.SessionID)
		c.Set(CtxAccessTokenKey, token)

		actor := auditctx.Actor{
			IdentityID: principal.IdentityID,
			SessionID:  principal.SessionID,
			Email:      principal.Email,
			IPAddress:  c.ClientIP(),
			UserAgent:  c.Request.UserAgent(),
		}
		c.Request = c.Request.WithContext(auditctx.WithActor(c.Request.Context(), actor))

		c.Next()
	}
}

// BearerToken extracts the token of an Authorization: Bearer header.
func BearerToken(c *gin.Context) (string, bool) {
	authz := c.GetHeader("Authorization")
	if len(authz) < 8 || !strings.EqualFold(authz[:7], "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(authz[7:])
	return token, token != ""
}

// PrincipalFrom returns the principal stored by Auth.
func PrincipalFrom(c *gin.Context) (*identity.Principal, bool) {
	v, ok := c.Get(CtxPrincipalKey)
	if !ok {
		return nil, false
	}
	principal, ok := v.(*identity.Principal)
	return principal, ok && principal != nil
}
