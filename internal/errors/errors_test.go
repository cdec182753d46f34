package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAppError(t *testing.T) {
	t.Run("Error returns formatted string", func(t *testing.T) {
		err := New(ErrCodeNotFound, "Call not found")
		assert.Equal(t, "NOT_FOUND: Call not found", err.Error())
	})

	t.Run("Error with cause includes cause", func(t *testing.T) {
		cause := errors.New("database connection failed")
		err := Wrap(ErrCodeDatabase, "Database error", cause)
		assert.Contains(t, err.Error(), "DATABASE_ERROR")
		assert.Contains(t, err.Error(), "Database error")
		assert.Contains(t, err.Error(), "database connection failed")
	})

	t.Run("WithCause adds cause to error", func(t *testing.T) {
		cause := errors.New("original error")
		err := New(ErrCodeInternal, "Something went wrong").WithCause(cause)
		assert.Equal(t, cause, err.Unwrap())
	})

	t.Run("WithDetails adds details to error", func(t *testing.T) {
		details := map[string]string{"callId": "call-abc"}
		err := New(ErrCodeInvalidTransition, "Transition failed").WithDetails(details)
		assert.Equal(t, details, err.Details)
	})
}

func TestErrorConstructors(t *testing.T) {
	tests := []struct {
		name         string
		constructor  func() *AppError
		expectedCode ErrorCode
	}{
		{"Unauthorized", func() *AppError { return Unauthorized("test") }, ErrCodeUnauthorized},
		{"Forbidden", func() *AppError { return Forbidden("test") }, ErrCodeForbidden},
		{"NotFound", func() *AppError { return NotFound("Call") }, ErrCodeNotFound},
		{"ValidationError", func() *AppError { return ValidationError("test") }, ErrCodeValidation},
		{"InvalidInput", func() *AppError { return InvalidInput("callType", "unknown") }, ErrCodeInvalidInput},
		{"MissingRequired", func() *AppError { return MissingRequired("offer") }, ErrCodeMissingRequired},
		{"InvalidTransition", func() *AppError { return InvalidTransition("ended", "active") }, ErrCodeInvalidTransition},
		{"CallInProgress", func() *AppError { return CallInProgress("call-1") }, ErrCodeCallInProgress},
		{"DeliveryUnavailable", func() *AppError { return DeliveryUnavailable("user-1") }, ErrCodeDeliveryUnavailable},
		{"MediaAcquisitionFailed", func() *AppError { return MediaAcquisitionFailed("permission denied") }, ErrCodeMediaAcquisition},
		{"RateLimitExceeded", func() *AppError { return RateLimitExceeded() }, ErrCodeRateLimitExceeded},
		{"Internal", func() *AppError { return Internal("test") }, ErrCodeInternal},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.constructor()
			assert.Equal(t, tc.expectedCode, err.Code)
			assert.NotEmpty(t, err.Message)
		})
	}
}

func TestDatabase(t *testing.T) {
	t.Run("wraps database error", func(t *testing.T) {
		cause := errors.New("connection refused")
		err := Database(cause)
		assert.Equal(t, ErrCodeDatabase, err.Code)
		assert.Equal(t, cause, err.Unwrap())
	})
}

func TestIsCode(t *testing.T) {
	t.Run("matches direct AppError", func(t *testing.T) {
		err := InvalidTransition("rejected", "active")
		assert.True(t, IsCode(err, ErrCodeInvalidTransition))
		assert.False(t, IsCode(err, ErrCodeNotFound))
	})

	t.Run("matches wrapped AppError", func(t *testing.T) {
		err := fmt.Errorf("answer call: %w", NotFound("Call"))
		assert.True(t, IsCode(err, ErrCodeNotFound))
	})

	t.Run("plain error matches nothing", func(t *testing.T) {
		assert.False(t, IsCode(errors.New("boom"), ErrCodeNotFound))
	})
}

func TestGetCode(t *testing.T) {
	assert.Equal(t, ErrCodeNotFound, GetCode(NotFound("Call")))
	assert.Equal(t, ErrCodeInternal, GetCode(errors.New("plain")))
}
