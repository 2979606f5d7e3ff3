package main

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExitCodeForUsageErr(t *testing.T) {
	assert.Equal(t, 2, exitCodeFor(usageErr{errors.New("missing JWT_SECRET")}))
}

func TestExitCodeForWrappedUsageErr(t *testing.T) {
	wrapped := fmt.Errorf("loading config: %w", usageErr{errors.New("bad value")})
	assert.Equal(t, 2, exitCodeFor(wrapped))
}

func TestExitCodeForCobraUsageErrors(t *testing.T) {
	assert.Equal(t, 64, exitCodeFor(errors.New(`unknown command "bogus" for "browserctl"`)))
	assert.Equal(t, 64, exitCodeFor(errors.New("unknown flag: --nope")))
}

func TestExitCodeForGenericError(t *testing.T) {
	assert.Equal(t, 1, exitCodeFor(errors.New("listen tcp :8080: address already in use")))
}

func TestAsUsageErrFindsWrappedUsageErr(t *testing.T) {
	inner := usageErr{errors.New("bad config")}
	wrapped := fmt.Errorf("outer: %w", inner)

	var got usageErr
	require := assert.New(t)
	require.True(asUsageErr(wrapped, &got))
	require.Equal(inner.Error(), got.Error())
}

func TestAsUsageErrReturnsFalseForUnrelatedError(t *testing.T) {
	var got usageErr
	assert.False(t, asUsageErr(errors.New("plain error"), &got))
}

func TestUsageErrUnwrap(t *testing.T) {
	inner := errors.New("root cause")
	u := usageErr{inner}
	assert.Equal(t, inner, u.Unwrap())
	assert.Equal(t, inner.Error(), u.Error())
}
