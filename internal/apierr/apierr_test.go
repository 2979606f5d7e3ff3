package apierr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorMessage(t *testing.T) {
	e := Validation("field x is required")
	assert.Equal(t, "VALIDATION: field x is required", e.Error())

	bare := &Error{Code: CodeInternal}
	assert.Equal(t, "INTERNAL", bare.Error())
}

func TestWithCauseAndUnwrap(t *testing.T) {
	cause := errors.New("dial tcp: connection refused")
	e := Unavailable("browser pool exhausted").WithCause(cause)

	assert.Same(t, cause, errors.Unwrap(e))
	assert.True(t, errors.Is(e, cause))
}

func TestWithCauseDoesNotMutateOriginal(t *testing.T) {
	orig := NotFound("page not found")
	wrapped := orig.WithCause(errors.New("boom"))

	assert.Nil(t, orig.Unwrap())
	assert.NotNil(t, wrapped.Unwrap())
}

func TestWithRequestID(t *testing.T) {
	orig := Forbidden("nope")
	tagged := orig.WithRequestID("req-123")

	assert.Empty(t, orig.RequestID)
	assert.Equal(t, "req-123", tagged.RequestID)
}

func TestAsUnwrapsWrappedError(t *testing.T) {
	inner := Timeout("navigation timed out")
	wrapped := fmt.Errorf("dispatch: %w", inner)

	got, ok := As(wrapped)
	require.True(t, ok)
	assert.Equal(t, CodeTimeout, got.Code)
}

func TestAsFailsOnPlainError(t *testing.T) {
	_, ok := As(errors.New("plain"))
	assert.False(t, ok)
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(RateLimited("too fast")))
	assert.False(t, IsRetryable(Validation("bad field")))
	assert.False(t, IsRetryable(errors.New("not an apierr")))
}

func TestRetryConfigAttachedWhereExpected(t *testing.T) {
	require.NotNil(t, RateLimited("x").RetryConfig)
	require.NotNil(t, Unavailable("x").RetryConfig)
	require.NotNil(t, Timeout("x").RetryConfig)
	require.NotNil(t, BrowserLaunchFailed("x").RetryConfig)
	require.NotNil(t, NavigationFailed("x").RetryConfig)
	assert.Nil(t, Validation("x").RetryConfig)
	assert.Nil(t, NotFound("x").RetryConfig)
}

func TestHTTPStatusMapping(t *testing.T) {
	cases := []struct {
		err  *Error
		want int
	}{
		{Validation("x"), 400},
		{BadArgument("x"), 400},
		{Unsupported("x"), 400},
		{Unauthenticated("x"), 401},
		{TokenExpired("x"), 401},
		{SessionExpired("x"), 401},
		{Forbidden("x"), 403},
		{NotFound("x"), 404},
		{Conflict("x"), 409},
		{Duplicate("x"), 409},
		{Locked("x"), 409},
		{RateLimited("x"), 429},
		{Unavailable("x"), 503},
		{StoreUnavailable("x"), 503},
		{Timeout("x"), 504},
		{Canceled("x"), 504},
		{BrowserLaunchFailed("x"), 502},
		{BrowserCrashed("x"), 502},
		{PageClosed("x"), 502},
		{NavigationFailed("x"), 502},
		{Internal("x"), 500},
		{Serialization("x"), 500},
	}
	for _, c := range cases {
		t.Run(string(c.err.Code), func(t *testing.T) {
			assert.Equal(t, c.want, HTTPStatus(c.err))
		})
	}
}

func TestGRPCCodeDerivesFromHTTPStatus(t *testing.T) {
	assert.Equal(t, 3, GRPCCode(Validation("x")))
	assert.Equal(t, 16, GRPCCode(Unauthenticated("x")))
	assert.Equal(t, 7, GRPCCode(Forbidden("x")))
	assert.Equal(t, 5, GRPCCode(NotFound("x")))
	assert.Equal(t, 6, GRPCCode(Conflict("x")))
	assert.Equal(t, 8, GRPCCode(RateLimited("x")))
	assert.Equal(t, 14, GRPCCode(Unavailable("x")))
	assert.Equal(t, 4, GRPCCode(Timeout("x")))
	assert.Equal(t, 13, GRPCCode(Internal("x")))
}

func TestSanitizeRedactsSensitiveKeysAtAnyDepth(t *testing.T) {
	in := map[string]any{
		"username": "alice",
		"password": "hunter2",
		"nested": map[string]any{
			"authToken": "abc123",
			"ok":        true,
		},
		"list": []any{
			map[string]any{"apiKey": "sekret"},
			"plain string",
		},
	}

	out := Sanitize(in).(map[string]any)
	assert.Equal(t, "alice", out["username"])
	assert.Equal(t, redactedPlaceholder, out["password"])

	nested := out["nested"].(map[string]any)
	assert.Equal(t, redactedPlaceholder, nested["authToken"])
	assert.Equal(t, true, nested["ok"])

	list := out["list"].([]any)
	first := list[0].(map[string]any)
	assert.Equal(t, redactedPlaceholder, first["apiKey"])
	assert.Equal(t, "plain string", list[1])
}

func TestSanitizeDoesNotMutateInput(t *testing.T) {
	in := map[string]any{"secret": "s3cr3t"}
	_ = Sanitize(in)
	assert.Equal(t, "s3cr3t", in["secret"])
}
