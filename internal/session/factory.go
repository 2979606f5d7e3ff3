package session

import (
	"context"

	"github.com/muqo16/browserctl/internal/logging"
)

// RemoteDialer opens a networked Store (e.g. Redis-backed). It is
// injected rather than imported directly so this package stays free of
// the redisstore package's client dependency.
type RemoteDialer func(ctx context.Context, url string) (Store, error)

// Open selects the SessionStore backend named by storeType, dialing via
// dial when remote is requested. If the networked backend is
// unreachable at startup, Open logs a warning and falls back to an
// in-memory store rather than failing, per spec.md section 4.A.
func Open(ctx context.Context, storeType, redisURL string, dial RemoteDialer, log *logging.Logger) Store {
	if storeType != "remote" {
		return NewMemoryStore()
	}
	store, err := dial(ctx, redisURL)
	if err != nil {
		log.Warn("remote session store unreachable at startup, falling back to memory: " + err.Error())
		return NewMemoryStore()
	}
	return store
}
