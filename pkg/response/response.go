package response

import (
	stdErrors "errors"
	"net/http"

	"github.com/gin-gonic/gin"

	appErrors "github.com/charlesng35/sentinel/pkg/errors"
	"github.com/charlesng35/sentinel/pkg/validator"
)

// ContextRequestIDKey is the gin context key holding the request id echoed in errors.
const ContextRequestIDKey = "requestID"

// Response is the envelope of every API reply.
type Response struct {
	Success bool       `json:"success"`
	Data    any        `json:"data,omitempty"`
	Error   *ErrorInfo `json:"error,omitempty"`
	Meta    *Meta      `json:"meta,omitempty"`
}

// ErrorInfo is the client-facing part of a failure. Internal causes are never included.
type ErrorInfo struct {
	Code      string                 `json:"code"`
	Message   string                 `json:"message"`
	Fields    []validator.FieldError `json:"fields,omitempty"`
	RequestID string                 `json:"request_id,omitempty"`
}

// Meta describes a page of a keyset-paginated listing.
type Meta struct {
	Count      int    `json:"count"`
	Limit      int    `json:"limit"`
	NextCursor string `json:"next_cursor,omitempty"`
}

// Success writes data with statusCode.
func Success(c *gin.Context, statusCode int, data any) {
	c.JSON(statusCode, Response{Success: true, Data: data})
}

// Page writes one page of a listing with its cursor metadata.
func Page(c *gin.Context, data any, meta Meta) {
	c.JSON(http.StatusOK, Response{Success: true, Data: data, Meta: &meta})
}

// Error writes err as an envelope. Validation failures become 400 with per-field details;
// anything that is not an AppError is reported as an internal error.
func Error(c *gin.Context, err error) {
	var fields validator.Errors
	if stdErrors.As(err, &fields) {
		write(c, appErrors.NewBadRequest(fields.Error()), fields)
		return
	}
	if err == nil {
		err = appErrors.ErrInternalServer
	}
	write(c, appErrors.FromError(err), nil)
}

func write(c *gin.Context, appErr *appErrors.AppError, fields validator.Errors) {
	status := appErr.StatusCode
	if status == 0 {
		status = http.StatusInternalServerError
	}
	c.JSON(status, Response{
		Success: false,
		Error: &ErrorInfo{
			Code:      appErr.Code,
			Message:   appErr.Message,
			Fields:    fields,
			RequestID: c.GetString(ContextRequestIDKey),
		},
	})
}
