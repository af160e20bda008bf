package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	pkgerrors "github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSentinelsMatchByCode(t *testing.T) {
	err := LockConflict("wallet:abc")
	require.ErrorIs(t, err, ErrLockConflict)
	require.NotErrorIs(t, err, ErrNotFound)
	require.Equal(t, "[3001] wallet:abc already in flight", err.Error())

	wrapped := fmt.Errorf("signing: %w", NotFound("seed"))
	require.ErrorIs(t, wrapped, ErrNotFound)
	require.Equal(t, CodeNotFound, Code(wrapped))
}

func TestAuthenticationMessageIsFixed(t *testing.T) {
	require.Equal(t, "[2001] authentication failed", Authentication().Error())
	require.Equal(t, Authentication().Error(), ErrAuthentication.Error())
}

func TestWrapKeepsCustodyCode(t *testing.T) {
	require.Nil(t, Wrap(nil, CodeInternal, "nothing"))

	cause := errors.New("connection refused")
	wrapped := Wrap(cause, CodeStoreUnavailable, "redis")
	require.ErrorIs(t, wrapped, ErrStoreUnavailable)
	require.ErrorIs(t, wrapped, cause)
	require.Equal(t, "[1003] redis: connection refused", wrapped.Error())

	// An existing custody error passes through with its own code.
	conflict := LockConflict("request k")
	require.Same(t, conflict, Wrap(conflict, CodeStoreUnavailable, "ignored"))

	// pkg/errors wrapping inside stores keeps the chain intact.
	stored := StoreUnavailable(pkgerrors.Wrap(cause, "badger get"))
	require.ErrorIs(t, stored, ErrStoreUnavailable)
	require.ErrorIs(t, stored, cause)
	require.Contains(t, stored.Error(), "badger get: connection refused")
}

func TestCode(t *testing.T) {
	assert.Equal(t, 0, Code(nil))
	assert.Equal(t, CodeInternal, Code(errors.New("foreign")))
	assert.Equal(t, CodeExpired, Code(Expired("secret x")))
	assert.Equal(t, CodeRevoked, Code(Revoked()))
}

func TestRetryable(t *testing.T) {
	assert.True(t, Retryable(LockConflict("op")))
	assert.False(t, Retryable(Authentication()))
	assert.False(t, Retryable(StoreUnavailable(errors.New("down"))))
	assert.False(t, Retryable(nil))
}

func TestHTTPStatus(t *testing.T) {
	testCases := []struct {
		err    error
		status int
	}{
		{nil, http.StatusOK},
		{LockConflict("x"), http.StatusConflict},
		{NotFound("x"), http.StatusNotFound},
		{Expired("x"), http.StatusGone},
		{Revoked(), http.StatusUnauthorized},
		{Authentication(), http.StatusUnprocessableEntity},
		{InvalidArgument("x"), http.StatusBadRequest},
		{UnsupportedFormat("x"), http.StatusBadRequest},
		{StoreUnavailable(errors.New("x")), http.StatusServiceUnavailable},
		{Configuration("x"), http.StatusInternalServerError},
		{errors.New("foreign"), http.StatusInternalServerError},
	}

	for _, tc := range testCases {
		assert.Equal(t, tc.status, HTTPStatus(tc.err), "%v", tc.err)
	}
}

func TestAs(t *testing.T) {
	var cErr *CustodyError
	require.True(t, As(fmt.Errorf("ctx: %w", Expired("secret x")), &cErr))
	require.Equal(t, CodeExpired, cErr.Code)
	require.False(t, cErr.Timestamp.IsZero())
}
