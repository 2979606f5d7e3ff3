// Package session implements the SessionStore capability (spec.md 4.A):
// a map from session id to (user, roles, expiry, metadata) with
// create/get/update/delete/list/touch/TTL-sweep operations, backed by
// an in-memory store or a networked store (see Store for where the two
// differ). The
// in-memory map and reader-preferred locking are adapted from the
// teacher's internal/session.SessionManager; the data modeled is
// different (authenticated principal sessions, not browser cookie
// jars).
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned by Update/Touch when the session id is
// unknown. Delete reports an unknown id as (false, nil) instead.
var ErrNotFound = errors.New("session: not found")

// Session is the persisted record for one authenticated session.
type Session struct {
	ID             string
	UserID         string
	Username       string
	Roles          []string
	Metadata       map[string]string
	CreatedAt      time.Time
	ExpiresAt      time.Time
	LastActivityAt time.Time
}

// Expired reports whether s has passed its expiry as of now.
func (s Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !s.ExpiresAt.After(now)
}

// HasRole reports whether the session carries the given role.
func (s Session) HasRole(role string) bool {
	for _, r := range s.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// CreateInput is the payload for Create.
type CreateInput struct {
	UserID   string
	Username string
	Roles    []string
	Metadata map[string]string
	TTL      time.Duration
}

// UpdatePartial describes a partial update; nil fields are left
// unchanged.
type UpdatePartial struct {
	Roles    []string
	Metadata map[string]string
	ExtendTTL *time.Duration
}

// Store is the SessionStore capability contract, implemented by the
// in-memory and the networked (Redis) backend. The Redis backend's List
// requires a non-empty userID and returns an error for an empty one,
// and its DeleteExpired removes nothing, since Redis key TTLs expire
// sessions on their own.
type Store interface {
	Create(ctx context.Context, in CreateInput) (*Session, error)
	Get(ctx context.Context, id string) (*Session, error)
	Update(ctx context.Context, id string, partial UpdatePartial) (*Session, error)
	Delete(ctx context.Context, id string) (bool, error)
	List(ctx context.Context, userID string) ([]*Session, error)
	Touch(ctx context.Context, id string) error
	DeleteExpired(ctx context.Context) (int, error)
	Close() error
}

// MemoryStore is a reader-preferred, mutex-guarded in-memory Store.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	now      func() time.Time
}

// NewMemoryStore constructs an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*Session), now: time.Now}
}

func (m *MemoryStore) Create(ctx context.Context, in CreateInput) (*Session, error) {
	now := m.now()
	ttl := in.TTL
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	s := &Session{
		ID:             uuid.NewString(),
		UserID:         in.UserID,
		Username:       in.Username,
		Roles:          append([]string(nil), in.Roles...),
		Metadata:       copyMeta(in.Metadata),
		CreatedAt:      now,
		ExpiresAt:      now.Add(ttl),
		LastActivityAt: now,
	}
	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()
	cp := *s
	return &cp, nil
}

// Get returns (nil, nil) for a missing id, per spec.md 4.A failure
// semantics.
func (m *MemoryStore) Get(ctx context.Context, id string) (*Session, error) {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	cp := *s
	return &cp, nil
}

func (m *MemoryStore) Update(ctx context.Context, id string, partial UpdatePartial) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	if partial.Roles != nil {
		s.Roles = append([]string(nil), partial.Roles...)
	}
	if partial.Metadata != nil {
		s.Metadata = copyMeta(partial.Metadata)
	}
	if partial.ExtendTTL != nil {
		s.ExpiresAt = m.now().Add(*partial.ExtendTTL)
	}
	s.LastActivityAt = m.now()
	cp := *s
	return &cp, nil
}

func (m *MemoryStore) Delete(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; !ok {
		return false, nil
	}
	delete(m.sessions, id)
	return true, nil
}

func (m *MemoryStore) List(ctx context.Context, userID string) ([]*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	// Iteration uses a snapshot, per spec.md section 5's shared-resource
	// policy, so callers never observe a map mutated mid-range.
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		if userID != "" && s.UserID != userID {
			continue
		}
		cp := *s
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MemoryStore) Touch(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	s.LastActivityAt = m.now()
	return nil
}

func (m *MemoryStore) DeleteExpired(ctx context.Context) (int, error) {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, s := range m.sessions {
		if s.Expired(now) {
			delete(m.sessions, id)
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) Close() error { return nil }

func copyMeta(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
