package apierror

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCodeOf(t *testing.T) {
	assert.Equal(t, ErrNotFound, CodeOf(NewAPIError(ErrNotFound, "missing", nil)))
	assert.Equal(t, ErrInternalServer, CodeOf(errors.New("plain error")))

	wrapped := fmt.Errorf("context: %w", NewAPIError(ErrConflict, "late", nil))
	assert.Equal(t, ErrConflict, CodeOf(wrapped))
}

func TestIsRecoverable(t *testing.T) {
	assert.True(t, IsRecoverable(NewAPIError(ErrProviderUnavailable, "down", nil)))
	assert.True(t, IsRecoverable(NewAPIError(ErrProviderTimeout, "slow", nil)))

	assert.False(t, IsRecoverable(NewAPIError(ErrProviderRejected, "no", nil)))
	assert.False(t, IsRecoverable(NewAPIError(ErrPaymentDeclined, "no funds", nil)))
	assert.False(t, IsRecoverable(NewAPIError(ErrValidation, "bad input", nil)))
	assert.False(t, IsRecoverable(errors.New("plain error")))
}

func TestMapErrorToHTTPStatus(t *testing.T) {
	cases := []struct {
		code   ErrorCode
		status int
	}{
		{ErrNotFound, http.StatusNotFound},
		{ErrConflict, http.StatusConflict},
		{ErrForbidden, http.StatusForbidden},
		{ErrValidation, http.StatusBadRequest},
		{ErrPaymentMethodInvalid, http.StatusBadRequest},
		{ErrPaymentDeclined, http.StatusPaymentRequired},
		{ErrProviderUnavailable, http.StatusServiceUnavailable},
		{ErrProviderTimeout, http.StatusServiceUnavailable},
		{ErrProviderRejected, http.StatusUnprocessableEntity},
		{ErrInternalServer, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		err := NewAPIError(tc.code, "test", nil)
		assert.Equal(t, tc.status, MapErrorToHTTPStatus(err), string(tc.code))
	}

	assert.Equal(t, http.StatusInternalServerError, MapErrorToHTTPStatus(errors.New("plain")))
}
