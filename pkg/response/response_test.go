package response

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	appErrors "github.com/charlesng35/sentinel/pkg/errors"
	"github.com/charlesng35/sentinel/pkg/validator"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func record(t *testing.T, write func(*gin.Context)) (*httptest.ResponseRecorder, Response) {
	t.Helper()
	rec := httptest.NewRecorder()
	ctx, _ := gin.CreateTestContext(rec)
	ctx.Set(ContextRequestIDKey, "req-42")
	write(ctx)

	var resp Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return rec, resp
}

func TestSuccess(t *testing.T) {
	rec, resp := record(t, func(c *gin.Context) { Success(c, http.StatusCreated, gin.H{"code": "abc"}) })
	require.Equal(t, http.StatusCreated, rec.Code)
	require.True(t, resp.Success)
	require.Nil(t, resp.Error)
	require.Nil(t, resp.Meta)
}

func TestPage(t *testing.T) {
	_, resp := record(t, func(c *gin.Context) {
		Page(c, []string{"a", "b"}, Meta{Count: 2, Limit: 2, NextCursor: "01HZX"})
	})
	require.NotNil(t, resp.Meta)
	require.Equal(t, 2, resp.Meta.Count)
	require.Equal(t, "01HZX", resp.Meta.NextCursor)
}

func TestErrorUsesAppErrorStatusAndCode(t *testing.T) {
	rec, resp := record(t, func(c *gin.Context) { Error(c, appErrors.ErrInvitationAlreadyUsed) })
	require.Equal(t, http.StatusConflict, rec.Code)
	require.False(t, resp.Success)
	require.Equal(t, "invitation.already_used", resp.Error.Code)
	require.Equal(t, "req-42", resp.Error.RequestID)
}

func TestErrorHidesInternalCause(t *testing.T) {
	rec, resp := record(t, func(c *gin.Context) { Error(c, errors.New("dial tcp 10.0.0.5:5432: refused")) })
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.NotContains(t, rec.Body.String(), "10.0.0.5")
	require.Equal(t, appErrors.ErrInternalServer.Code, resp.Error.Code)
}

func TestErrorReportsValidationFields(t *testing.T) {
	err := validator.Errors{{Field: "email", Rule: "required", Message: "email is required"}}
	rec, resp := record(t, func(c *gin.Context) { Error(c, err) })
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "email is required", resp.Error.Message)
	require.Len(t, resp.Error.Fields, 1)
	require.Equal(t, "email", resp.Error.Fields[0].Field)
}

func TestErrorWithNil(t *testing.T) {
	rec, _ := record(t, func(c *gin.Context) { Error(c, nil) })
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}
