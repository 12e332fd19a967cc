package apperrors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestStatusMapping(t *testing.T) {
	cases := map[ErrorType]int{
		ErrBanned:          http.StatusForbidden,
		ErrRateLimited:     http.StatusTooManyRequests,
		ErrNoActiveBroker:  http.StatusConflict,
		ErrUpstream:        http.StatusBadGateway,
		ErrTimeout:         http.StatusGatewayTimeout,
		ErrVaultUnavailable: http.StatusServiceUnavailable,
		ErrPayloadInvalid:  http.StatusBadRequest,
		ErrInternal:        http.StatusInternalServerError,
	}
	for errType, status := range cases {
		assert.Equal(t, status, New(errType, "x", nil).HTTPStatus, string(errType))
	}
}

func TestWrapPreservesAppError(t *testing.T) {
	original := New(ErrNoActiveBroker, "none", nil)
	wrapped := Wrap(fmt.Errorf("context: %w", original))
	assert.Equal(t, ErrNoActiveBroker, wrapped.Type)

	plain := Wrap(errors.New("boom"))
	assert.Equal(t, ErrInternal, plain.Type)

	assert.Nil(t, Wrap(nil))
}

func TestIsMatchesThroughWrapping(t *testing.T) {
	err := fmt.Errorf("outer: %w", New(ErrAuthTagMismatch, "tag", nil))
	assert.True(t, Is(err, ErrAuthTagMismatch))
	assert.False(t, Is(err, ErrTimeout))
	assert.False(t, Is(errors.New("plain"), ErrTimeout))
}

func TestRateLimitedCarriesRetryAfter(t *testing.T) {
	err := NewRateLimited("slow down", 36*time.Second)
	assert.Equal(t, "36s", err.RetryAfter)
}

func TestErrorStringIncludesCause(t *testing.T) {
	cause := errors.New("io failure")
	err := New(ErrCryptoFailure, "seal failed", cause)
	assert.Contains(t, err.Error(), "seal failed")
	assert.Contains(t, err.Error(), "io failure")
	assert.Equal(t, cause, errors.Unwrap(err))
}
