package errors

import (
	stdErrors "errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWithInternalKeepsSentinelIdentity(t *testing.T) {
	cause := stdErrors.New("record not found")
	err := ErrInvitationInvalid.WithInternal(cause)

	require.NotSame(t, ErrInvitationInvalid, err)
	require.Nil(t, ErrInvitationInvalid.Internal)
	require.ErrorIs(t, err, ErrInvitationInvalid)
	require.ErrorIs(t, err, cause)
	require.NotErrorIs(t, err, ErrInvitationExpired)
	require.Equal(t, "Invitation code is invalid: record not found", err.Error())
}

func TestIsMatchesThroughWrapping(t *testing.T) {
	wrapped := fmt.Errorf("accept invitation: %w", ErrInvitationAlreadyUsed.WithInternal(stdErrors.New("0 rows")))
	require.ErrorIs(t, wrapped, ErrInvitationAlreadyUsed)

	var appErr *AppError
	require.ErrorAs(t, wrapped, &appErr)
	require.Equal(t, http.StatusConflict, appErr.StatusCode)
}

func TestFromErrorDefaultsToInternal(t *testing.T) {
	require.Same(t, ErrAccountLocked, FromError(ErrAccountLocked))
	require.Nil(t, FromError(nil))

	out := FromError(stdErrors.New("raw"))
	require.Equal(t, ErrInternalServer.Code, out.Code)
	require.Error(t, out.Internal)
}

func TestFromCodeResolvesRegisteredSentinels(t *testing.T) {
	for _, sentinel := range []*AppError{
		ErrInvalidCredentials, ErrInvalidTwoFactorCode, ErrProfileUnavailable,
		ErrInvitationEmailMismatch, ErrBackendUnavailable, ErrUnauthorized,
	} {
		require.Same(t, sentinel, FromCode(sentinel.Code), sentinel.Code)
	}
	require.Nil(t, FromCode("nope"))
}

func TestAuthenticationFailuresAreDistinct(t *testing.T) {
	require.Equal(t, http.StatusUnauthorized, ErrInvalidCredentials.StatusCode)
	require.Equal(t, http.StatusLocked, ErrAccountLocked.StatusCode)
	require.NotErrorIs(t, ErrInvalidCredentials, ErrInvalidTwoFactorCode)
}

func TestNewBadRequest(t *testing.T) {
	err := NewBadRequest("role is invalid")
	require.ErrorIs(t, err, ErrBadRequest)
	require.Equal(t, "role is invalid", err.Message)
	require.Equal(t, http.StatusBadRequest, err.StatusCode)
}
