// SPDX-License-Identifier: LGPL-3.0-or-later

package errs

import (
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindStatusAndRetryable(t *testing.T) {
	cases := []struct {
		kind      Kind
		status    int
		retryable bool
	}{
		{KindValidation, http.StatusBadRequest, false},
		{KindAuth, http.StatusUnauthorized, false},
		{KindNotFound, http.StatusNotFound, false},
		{KindConflict, http.StatusConflict, false},
		{KindRateLimit, http.StatusTooManyRequests, true},
		{KindTransient, http.StatusServiceUnavailable, true},
		{KindCrypto, http.StatusBadRequest, false},
		{KindQueueFull, http.StatusServiceUnavailable, true},
		{KindExpired, http.StatusGone, false},
		{KindInternal, http.StatusInternalServerError, false},
	}
	for _, c := range cases {
		e := New(c.kind, "x")
		assert.Equal(t, c.status, e.HTTPStatus())
		assert.Equal(t, c.retryable, e.Retryable())
	}
}

func TestWrapUnwrap(t *testing.T) {
	cause := errors.New("boom")
	e := Transient(cause, "relay unreachable")
	require.ErrorIs(t, e, cause)
	assert.Contains(t, e.Error(), "boom")
}

func TestAs(t *testing.T) {
	err := RateLimited("too many contact requests")
	e, ok := As(err)
	require.True(t, ok)
	assert.Equal(t, KindRateLimit, e.Kind)

	_, ok = As(errors.New("plain"))
	assert.False(t, ok)
}

func TestToEnvelope(t *testing.T) {
	env, status := ToEnvelope(NotFound("agent %s", "alice"))
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, KindNotFound, env.Error.Kind)

	env, status = ToEnvelope(errors.New("unexpected"))
	assert.Equal(t, http.StatusInternalServerError, status)
	assert.Equal(t, KindInternal, env.Error.Kind)
	assert.Equal(t, "internal error", env.Error.Message)
}
