package domain

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDomainErrorUnwrapsToSentinel(t *testing.T) {
	err := NewDomainError("Dispatcher.Call", ErrRequestTimeout, "svc.echo after 30s")

	assert.ErrorIs(t, err, ErrRequestTimeout)
	assert.Contains(t, err.Error(), "Dispatcher.Call")
	assert.Contains(t, err.Error(), "svc.echo after 30s")

	var de *DomainError
	require.True(t, errors.As(err, &de))
	assert.Equal(t, "Dispatcher.Call", de.Op)
}

func TestDomainErrorWithoutDetail(t *testing.T) {
	err := NewDomainError("Session.Close", ErrSessionClosed, "")
	assert.Equal(t, "Session.Close: session closed", err.Error())
}

func TestWrapOp(t *testing.T) {
	assert.NoError(t, WrapOp("op", nil))

	err := WrapOp("Server.Listen", ErrConnectionLost)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConnectionLost)
	assert.Contains(t, err.Error(), "Server.Listen")
}

func TestIsTransient(t *testing.T) {
	transient := []error{ErrUpstreamTimeout, ErrUpstreamThrottle, ErrUpstreamServer}
	for _, err := range transient {
		assert.True(t, IsTransient(err), "%v must be transient", err)
		assert.True(t, IsTransient(NewDomainError("op", err, "wrapped")), "wrapped %v must stay transient", err)
	}

	permanent := []error{ErrUpstreamBadInput, ErrUpstreamAuth, ErrExecutorFailure,
		ErrRateLimited, ErrCircuitOpen, ErrMethodNotFound, fmt.Errorf("plain")}
	for _, err := range permanent {
		assert.False(t, IsTransient(err), "%v must not be transient", err)
	}
}

func TestUpstreamErrorsWrapExecutorFailure(t *testing.T) {
	for _, err := range []error{ErrUpstreamTimeout, ErrUpstreamThrottle,
		ErrUpstreamServer, ErrUpstreamBadInput, ErrUpstreamAuth} {
		assert.ErrorIs(t, err, ErrExecutorFailure)
	}
}

func TestErrorCodeOf(t *testing.T) {
	cases := []struct {
		err  error
		code ErrorCode
	}{
		{ErrFraming, CodeFraming},
		{ErrFrameTooLarge, CodeFraming},
		{ErrConnectionLost, CodeConnectionLost},
		{ErrServiceUnavailable, CodeServiceUnavailable},
		{ErrMethodNotFound, CodeMethodNotFound},
		{ErrRateLimited, CodeRateLimited},
		{ErrCircuitOpen, CodeCircuitOpen},
		{ErrUpstreamTimeout, CodeUpstreamTimeout},
		{ErrUpstreamBadInput, CodeUpstreamBadInput},
		{ErrExecutorFailure, CodeExecutorFailure},
		{NewDomainError("op", ErrRequestTimeout, "detail"), CodeRequestTimeout},
		{fmt.Errorf("anonymous"), CodeUnknown},
	}

	for _, tc := range cases {
		assert.Equal(t, tc.code, ErrorCodeOf(tc.err), "%v", tc.err)
	}
}
