package session

import (
	"context"
	"time"

	"github.com/muqo16/browserctl/internal/logging"
)

// Sweeper runs DeleteExpired on an interval, implementing spec.md 4.A's
// "background sweep at SESSION_CLEANUP_INTERVAL purges entries with
// expiresAt <= now".
type Sweeper struct {
	store    Store
	interval time.Duration
	log      *logging.Logger
	stop     chan struct{}
}

// NewSweeper constructs a Sweeper; call Run in a goroutine to start it.
func NewSweeper(store Store, interval time.Duration, log *logging.Logger) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{store: store, interval: interval, log: log, stop: make(chan struct{})}
}

// Run blocks, sweeping expired sessions until ctx is canceled or Stop
// is called.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			n, err := s.store.DeleteExpired(ctx)
			if err != nil {
				s.log.Warn("session sweep failed: " + err.Error())
				continue
			}
			if n > 0 {
				s.log.Debug("session sweep removed expired sessions")
			}
		}
	}
}

// Stop halts the sweeper.
func (s *Sweeper) Stop() { close(s.stop) }
