// Package auth implements AuthGate (spec.md 4.H): verifies a bearer
// token, API key, or session id from caller metadata, resolves it to a
// Principal, and enforces a (role, action) capability matrix. Token
// verification is stdlib crypto/hmac rather than a corpus JWT library,
// since none of the example repositories import one (see DESIGN.md).
package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/muqo16/browserctl/internal/apierr"
	"github.com/muqo16/browserctl/internal/audit"
	"github.com/muqo16/browserctl/internal/metrics"
	"github.com/muqo16/browserctl/internal/session"
)

// Principal is the authenticated identity bound to one request.
type Principal struct {
	UserID    string
	Roles     []string
	Scopes    []string
	SessionID string
}

// HasRole reports whether the principal carries role.
func (p Principal) HasRole(role string) bool {
	for _, r := range p.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Credentials is what a protocol adapter extracts from transport
// metadata before calling Authenticate.
type Credentials struct {
	BearerToken string
	APIKey      string
	SessionID   string
}

// Action is the capability-matrix verb a Principal wants to perform.
type Action string

const (
	ActionRead    Action = "read"
	ActionMutate  Action = "mutate"
	ActionAdmin   Action = "admin"
)

// capabilityMatrix maps role -> allowed actions, per spec.md 4.H:
// admin has all, user can mutate owned resources, readonly can only
// read.
var capabilityMatrix = map[string]map[Action]bool{
	"admin":    {ActionRead: true, ActionMutate: true, ActionAdmin: true},
	"user":     {ActionRead: true, ActionMutate: true},
	"readonly": {ActionRead: true},
}

// Gate is AuthGate.
type Gate struct {
	sessions      session.Store
	apiKeyHMACKey []byte
	publicPaths   map[string]bool
	sink          audit.Sink
	metrics       *metrics.Collector
}

// Config configures a Gate.
type Config struct {
	HMACSecret  string
	PublicPaths []string
}

// New constructs a Gate.
func New(cfg Config, sessions session.Store, sink audit.Sink, mc *metrics.Collector) *Gate {
	public := make(map[string]bool, len(cfg.PublicPaths))
	for _, p := range cfg.PublicPaths {
		public[p] = true
	}
	return &Gate{
		sessions:      sessions,
		apiKeyHMACKey: []byte(cfg.HMACSecret),
		publicPaths:   public,
		sink:          sink,
		metrics:       mc,
	}
}

// IsPublic reports whether path bypasses authentication, e.g. health
// checks and capability discovery.
func (g *Gate) IsPublic(path string) bool { return g.publicPaths[path] }

// Authenticate resolves creds to a Principal, trying session id first,
// then bearer token, then API key. Every attempt emits AUTH_ATTEMPT and
// AUTH_SUCCESS/AUTH_FAILURE.
func (g *Gate) Authenticate(ctx context.Context, creds Credentials) (Principal, error) {
	g.audit(ctx, audit.EventAuthAttempt, "", nil)

	switch {
	case creds.SessionID != "":
		p, err := g.fromSession(ctx, creds.SessionID)
		return g.finish(ctx, p, err)
	case creds.BearerToken != "":
		p, err := g.fromBearerToken(creds.BearerToken)
		return g.finish(ctx, p, err)
	case creds.APIKey != "":
		p, err := g.fromAPIKey(creds.APIKey)
		return g.finish(ctx, p, err)
	default:
		return g.finish(ctx, Principal{}, apierr.Unauthenticated("no credentials supplied"))
	}
}

func (g *Gate) finish(ctx context.Context, p Principal, err error) (Principal, error) {
	if g.metrics != nil {
		g.metrics.RecordAuth(err == nil)
	}
	if err != nil {
		g.audit(ctx, audit.EventAuthFailure, p.SessionID, map[string]any{"error": err.Error()})
		return Principal{}, err
	}
	g.audit(ctx, audit.EventAuthSuccess, p.SessionID, nil)
	return p, nil
}

func (g *Gate) fromSession(ctx context.Context, sessionID string) (Principal, error) {
	sess, err := g.sessions.Get(ctx, sessionID)
	if err != nil {
		return Principal{}, apierr.StoreUnavailable(err.Error())
	}
	if sess == nil {
		return Principal{}, apierr.Unauthenticated("unknown session")
	}
	if sess.Expired(time.Now()) {
		return Principal{}, apierr.SessionExpired("session has expired")
	}
	_ = g.sessions.Touch(ctx, sessionID)
	return Principal{UserID: sess.UserID, Roles: sess.Roles, SessionID: sess.ID}, nil
}

// bearerClaims is the payload signed into a bearer token: base64(json
// claims) + "." + base64(hmac-sha256(claims, secret)).
type bearerClaims struct {
	UserID    string    `json:"userId"`
	Roles     []string  `json:"roles"`
	Scopes    []string  `json:"scopes"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// IssueBearerToken signs claims with the gate's HMAC secret, producing a
// token that Authenticate accepts as a bearer credential.
func (g *Gate) IssueBearerToken(userID string, roles, scopes []string, ttl time.Duration) (string, error) {
	claims := bearerClaims{UserID: userID, Roles: roles, Scopes: scopes, ExpiresAt: time.Now().Add(ttl)}
	payload, err := json.Marshal(claims)
	if err != nil {
		return "", err
	}
	encodedPayload := base64.RawURLEncoding.EncodeToString(payload)
	sig := g.sign(encodedPayload)
	return encodedPayload + "." + sig, nil
}

func (g *Gate) fromBearerToken(token string) (Principal, error) {
	parts := strings.SplitN(token, ".", 2)
	if len(parts) != 2 {
		return Principal{}, apierr.Unauthenticated("malformed bearer token")
	}
	expectedSig := g.sign(parts[0])
	if !hmac.Equal([]byte(expectedSig), []byte(parts[1])) {
		return Principal{}, apierr.Unauthenticated("bearer token signature mismatch")
	}
	payload, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return Principal{}, apierr.Unauthenticated("malformed bearer token payload")
	}
	var claims bearerClaims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return Principal{}, apierr.Unauthenticated("malformed bearer token claims")
	}
	if time.Now().After(claims.ExpiresAt) {
		return Principal{}, apierr.TokenExpired("bearer token has expired")
	}
	return Principal{UserID: claims.UserID, Roles: claims.Roles, Scopes: claims.Scopes}, nil
}

func (g *Gate) sign(data string) string {
	mac := hmac.New(sha256.New, g.apiKeyHMACKey)
	mac.Write([]byte(data))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

// fromAPIKey treats the key itself as an HMAC-signed "userId:signature"
// pair minted out-of-band by an operator; this control plane does not
// implement an API key issuance/storage backend (none of the example
// repositories model one), so verification is signature-only.
func (g *Gate) fromAPIKey(key string) (Principal, error) {
	parts := strings.SplitN(key, ":", 2)
	if len(parts) != 2 {
		return Principal{}, apierr.Unauthenticated("malformed api key")
	}
	userID, sig := parts[0], parts[1]
	expected := g.sign(userID)
	if !hmac.Equal([]byte(expected), []byte(sig)) {
		return Principal{}, apierr.Unauthenticated("api key signature mismatch")
	}
	return Principal{UserID: userID, Roles: []string{"user"}}, nil
}

// Authorize enforces the (role, action) capability matrix, emitting
// ACCESS_DENIED on a violation.
func (g *Gate) Authorize(ctx context.Context, p Principal, act Action) error {
	for _, role := range p.Roles {
		if capabilityMatrix[role][act] {
			return nil
		}
	}
	g.audit(ctx, audit.EventAccessDenied, p.SessionID, map[string]any{"action": string(act), "roles": p.Roles})
	return apierr.Forbidden("principal lacks capability for action " + string(act))
}

func (g *Gate) audit(ctx context.Context, evt audit.EventType, sessionID string, detail any) {
	if g.sink == nil {
		return
	}
	g.sink.Emit(ctx, audit.Event{Type: evt, SessionID: sessionID, Metadata: map[string]any{"detail": detail}})
}

// ErrNoCredentials is exported for adapters that want to special-case
// the no-credentials path before calling Gate. Authenticate itself does
// not return it; it returns an apierr Unauthenticated error instead.
var ErrNoCredentials = errors.New("auth: no credentials supplied")
