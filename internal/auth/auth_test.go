package auth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/muqo16/browserctl/internal/apierr"
	"github.com/muqo16/browserctl/internal/session"
)

func newTestGate(t *testing.T) (*Gate, session.Store) {
	t.Helper()
	store := session.NewMemoryStore()
	g := New(Config{HMACSecret: "test-secret-test-secret-test-se"}, store, nil, nil)
	return g, store
}

func TestAuthenticateRejectsNoCredentials(t *testing.T) {
	g, _ := newTestGate(t)
	_, err := g.Authenticate(context.Background(), Credentials{})
	apiErr, ok := apierr.As(err)
	require.True(t, ok)
	assert.Equal(t, apierr.CodeUnauthenticated, apiErr.Code)
}

func TestAuthenticateFromSessionSucceeds(t *testing.T) {
	g, store := newTestGate(t)
	sess, err := store.Create(context.Background(), session.CreateInput{UserID: "u1", Roles: []string{"admin"}, TTL: time.Hour})
	require.NoError(t, err)

	p, err := g.Authenticate(context.Background(), Credentials{SessionID: sess.ID})
	require.NoError(t, err)
	assert.Equal(t, "u1", p.UserID)
	assert.True(t, p.HasRole("admin"))
}

func TestAuthenticateFromUnknownSessionFails(t *testing.T) {
	g, _ := newTestGate(t)
	_, err := g.Authenticate(context.Background(), Credentials{SessionID: "nope"})
	apiErr, ok := apierr.As(err)
	require.True(t, ok)
	assert.Equal(t, apierr.CodeUnauthenticated, apiErr.Code)
}

func TestAuthenticateFromExpiredSessionFails(t *testing.T) {
	g, store := newTestGate(t)
	sess, err := store.Create(context.Background(), session.CreateInput{UserID: "u1", TTL: time.Nanosecond})
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)

	_, err = g.Authenticate(context.Background(), Credentials{SessionID: sess.ID})
	apiErr, ok := apierr.As(err)
	require.True(t, ok)
	assert.Equal(t, apierr.CodeSessionExpired, apiErr.Code)
}

func TestIssueAndAuthenticateBearerTokenRoundTrips(t *testing.T) {
	g, _ := newTestGate(t)
	token, err := g.IssueBearerToken("u1", []string{"user"}, []string{"pages:write"}, time.Hour)
	require.NoError(t, err)

	p, err := g.Authenticate(context.Background(), Credentials{BearerToken: token})
	require.NoError(t, err)
	assert.Equal(t, "u1", p.UserID)
	assert.True(t, p.HasRole("user"))
	assert.Equal(t, []string{"pages:write"}, p.Scopes)
}

func TestAuthenticateExpiredBearerTokenFails(t *testing.T) {
	g, _ := newTestGate(t)
	token, err := g.IssueBearerToken("u1", []string{"user"}, nil, -time.Hour)
	require.NoError(t, err)

	_, err = g.Authenticate(context.Background(), Credentials{BearerToken: token})
	apiErr, ok := apierr.As(err)
	require.True(t, ok)
	assert.Equal(t, apierr.CodeTokenExpired, apiErr.Code)
}

func TestAuthenticateTamperedBearerTokenFails(t *testing.T) {
	g, _ := newTestGate(t)
	token, err := g.IssueBearerToken("u1", []string{"admin"}, nil, time.Hour)
	require.NoError(t, err)
	tampered := token[:len(token)-1] + "x"

	_, err = g.Authenticate(context.Background(), Credentials{BearerToken: tampered})
	apiErr, ok := apierr.As(err)
	require.True(t, ok)
	assert.Equal(t, apierr.CodeUnauthenticated, apiErr.Code)
}

func TestAuthenticateMalformedBearerTokenFails(t *testing.T) {
	g, _ := newTestGate(t)
	_, err := g.Authenticate(context.Background(), Credentials{BearerToken: "not-a-valid-token"})
	assert.Error(t, err)
}

func TestAPIKeySignatureRoundTrips(t *testing.T) {
	g, _ := newTestGate(t)
	sig := g.sign("u1")
	p, err := g.Authenticate(context.Background(), Credentials{APIKey: "u1:" + sig})
	require.NoError(t, err)
	assert.Equal(t, "u1", p.UserID)
	assert.True(t, p.HasRole("user"))
}

func TestAPIKeyBadSignatureFails(t *testing.T) {
	g, _ := newTestGate(t)
	_, err := g.Authenticate(context.Background(), Credentials{APIKey: "u1:totally-wrong"})
	apiErr, ok := apierr.As(err)
	require.True(t, ok)
	assert.Equal(t, apierr.CodeUnauthenticated, apiErr.Code)
}

func TestAuthorizeEnforcesCapabilityMatrix(t *testing.T) {
	g, _ := newTestGate(t)

	require.NoError(t, g.Authorize(context.Background(), Principal{Roles: []string{"readonly"}}, ActionRead))

	err := g.Authorize(context.Background(), Principal{Roles: []string{"readonly"}}, ActionMutate)
	apiErr, ok := apierr.As(err)
	require.True(t, ok)
	assert.Equal(t, apierr.CodeForbidden, apiErr.Code)

	require.NoError(t, g.Authorize(context.Background(), Principal{Roles: []string{"admin"}}, ActionAdmin))
}

func TestIsPublicChecksConfiguredPaths(t *testing.T) {
	store := session.NewMemoryStore()
	g := New(Config{HMACSecret: "test-secret-test-secret-test-se", PublicPaths: []string{"/healthz"}}, store, nil, nil)
	assert.True(t, g.IsPublic("/healthz"))
	assert.False(t, g.IsPublic("/v1/pages"))
}
