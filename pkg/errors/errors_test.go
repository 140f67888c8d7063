package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppError_Error(t *testing.T) {
	err := NewAppError(ErrCodeInvalidInput, "test error", http.StatusBadRequest)
	assert.Equal(t, "INVALID_INPUT: test error", err.Error())
}

func TestAppError_WithCause(t *testing.T) {
	cause := errors.New("original error")
	err := WrapError(cause, ErrCodeInternal, "wrapped error", http.StatusInternalServerError)

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "original error")
}

func TestAppError_WithContext(t *testing.T) {
	err := NewNotFoundError("room").WithContext("room_id", "x8k29a").WithContext("limit", 4)

	assert.Equal(t, http.StatusNotFound, err.HTTPStatus)
	assert.Equal(t, "x8k29a", err.Context["room_id"])
	assert.Equal(t, 4, err.Context["limit"])
}

func TestConstructors(t *testing.T) {
	cases := []struct {
		err    *AppError
		code   ErrorCode
		status int
	}{
		{NewInvalidInputError("bad"), ErrCodeInvalidInput, http.StatusBadRequest},
		{NewNotFoundError("room"), ErrCodeNotFound, http.StatusNotFound},
		{NewRateLimitError(), ErrCodeRateLimit, http.StatusTooManyRequests},
		{NewInternalError("oops"), ErrCodeInternal, http.StatusInternalServerError},
		{NewServiceUnavailableError("redis"), ErrCodeServiceUnavailable, http.StatusServiceUnavailable},
	}
	for _, tc := range cases {
		t.Run(string(tc.code), func(t *testing.T) {
			assert.Equal(t, tc.code, tc.err.Code)
			assert.Equal(t, tc.status, tc.err.HTTPStatus)
		})
	}
	assert.Equal(t, "room not found", NewNotFoundError("room").Message)
}

func TestGetAppError(t *testing.T) {
	assert.Nil(t, GetAppError(nil))
	assert.Nil(t, GetAppError(errors.New("plain")))

	appErr := NewNotFoundError("room")
	wrapped := fmt.Errorf("handler: %w", appErr)

	got := GetAppError(wrapped)
	require.NotNil(t, got)
	assert.Same(t, appErr, got)
}
