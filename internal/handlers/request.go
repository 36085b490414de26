package handlers

import (
	"context"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	apperrors "github.com/charlesng35/sentinel/pkg/errors"
	"github.com/charlesng35/sentinel/pkg/response"
	"github.com/charlesng35/sentinel/pkg/validator"
)

// requestContext returns the request context, or Background for contexts built in tests.
func requestContext(c *gin.Context) context.Context {
	if c == nil || c.Request == nil {
		return context.Background()
	}
	return c.Request.Context()
}

// bindAndValidate decodes the JSON body into dest and validates it. On failure the error
// envelope is already written and false is returned.
func bindAndValidate[T any](c *gin.Context, dest *T) bool {
	if err := c.ShouldBindJSON(dest); err != nil {
		response.Error(c, apperrors.NewBadRequest("invalid JSON payload"))
		return false
	}
	if err := validator.Struct(dest); err != nil {
		response.Error(c, err)
		return false
	}
	return true
}

func parseIntQuery(c *gin.Context, key string, fallback int) int {
	parsed, err := strconv.Atoi(strings.TrimSpace(c.Query(key)))
	if err != nil {
		return fallback
	}
	return parsed
}
