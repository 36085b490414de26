package handlers

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/charlesng35/sentinel/internal/audit"
	"github.com/charlesng35/sentinel/internal/middleware"
	"github.com/charlesng35/sentinel/pkg/errors"
	"github.com/charlesng35/sentinel/pkg/response"
)

const (
	defaultAuditPageSize = 50
	maxAuditPageSize     = 200
)

// AuditHandler lists the audit trail of the caller's organization.
type AuditHandler struct {
	sink *audit.GormSink
}

func NewAuditHandler(sink *audit.GormSink) *AuditHandler {
	return &AuditHandler{sink: sink}
}

// GET /api/audit
func (h *AuditHandler) List(c *gin.Context) {
	current, ok := middleware.ProfileFrom(c)
	if !ok || current.OrgID() == "" {
		response.Error(c, errors.ErrForbidden)
		return
	}

	filters := audit.Filters{
		OrganizationID: current.OrgID(),
		UserID:         c.Query("user_id"),
		Action:         c.Query("action"),
		Before:         c.Query("cursor"),
	}
	if since, ok := parseTimeQuery(c, "since"); ok {
		filters.Since = &since
	}
	if until, ok := parseTimeQuery(c, "until"); ok {
		filters.Until = &until
	}

	limit := parseIntQuery(c, "limit", defaultAuditPageSize)
	if limit <= 0 || limit > maxAuditPageSize {
		limit = defaultAuditPageSize
	}
	logs, err := h.sink.List(requestContext(c), filters, limit)
	if err != nil {
		response.Error(c, errors.ErrBackendUnavailable.WithInternal(err))
		return
	}

	meta := response.Meta{Count: len(logs), Limit: limit}
	if len(logs) == limit {
		meta.NextCursor = logs[len(logs)-1].ID
	}
	response.Page(c, logs, meta)
}

func parseTimeQuery(c *gin.Context, key string) (time.Time, bool) {
	raw := c.Query(key)
	if raw == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, raw)
	return t, err == nil
}
