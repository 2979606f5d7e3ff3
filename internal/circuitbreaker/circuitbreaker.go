// Package circuitbreaker implements the CircuitBreaker state machine
// from spec.md's shared-types section: closed/open/half_open, keyed by
// caller-chosen strings so both BrowserPool (keyed by "launch") and the
// action executor (keyed "actionKind|pageId") can share one
// implementation. Grounded on the teacher's retry/backoff conventions
// in pkg/browser.BrowserPool, generalized into a standalone type since
// the teacher has no dedicated breaker.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"
)

// ErrOpen is returned by Allow when the breaker is open and has not yet
// reached nextProbeAt.
var ErrOpen = errors.New("circuitbreaker: open")

type state int

const (
	closed state = iota
	open
	halfOpen
)

// Config holds the thresholds from spec.md's CircuitBreaker invariant.
type Config struct {
	FailureThreshold int
	RollingWindow    time.Duration
	OpenDuration     time.Duration
}

// DefaultConfig returns reasonable breaker thresholds.
func DefaultConfig() Config {
	return Config{FailureThreshold: 5, RollingWindow: time.Minute, OpenDuration: 30 * time.Second}
}

// Breaker is one CircuitBreaker instance, keyed externally by the
// caller (one Breaker per protected key).
type Breaker struct {
	cfg Config

	mu           sync.Mutex
	st           state
	failures     []time.Time
	successCount int64
	openedAt     time.Time
	nextProbeAt  time.Time
	probing      bool
}

// New constructs a closed Breaker.
func New(cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.RollingWindow <= 0 {
		cfg.RollingWindow = time.Minute
	}
	if cfg.OpenDuration <= 0 {
		cfg.OpenDuration = 30 * time.Second
	}
	return &Breaker{cfg: cfg, st: closed}
}

// Allow reports whether a call may proceed. In open state it fails fast
// with ErrOpen until nextProbeAt, at which point exactly one caller is
// let through as the half-open probe.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.st {
	case closed:
		return nil
	case open:
		if time.Now().Before(b.nextProbeAt) {
			return ErrOpen
		}
		if b.probing {
			return ErrOpen
		}
		b.st = halfOpen
		b.probing = true
		return nil
	case halfOpen:
		if b.probing {
			return ErrOpen
		}
		b.probing = true
		return nil
	}
	return nil
}

// RecordSuccess closes the breaker (from half-open) or simply resets
// the failure window (from closed).
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.successCount++
	b.probing = false
	if b.st != closed {
		b.st = closed
		b.failures = nil
	}
}

// RecordFailure registers a failure; from half-open it re-opens
// immediately, from closed it opens once failureThreshold failures land
// within rollingWindow.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.probing = false
	now := time.Now()

	if b.st == halfOpen {
		b.trip(now)
		return
	}

	b.failures = append(b.failures, now)
	cutoff := now.Add(-b.cfg.RollingWindow)
	kept := b.failures[:0]
	for _, t := range b.failures {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	b.failures = kept
	if len(b.failures) >= b.cfg.FailureThreshold {
		b.trip(now)
	}
}

func (b *Breaker) trip(now time.Time) {
	b.st = open
	b.openedAt = now
	b.nextProbeAt = now.Add(b.cfg.OpenDuration)
	b.failures = nil
}

// State returns a human-readable breaker state for metrics export.
func (b *Breaker) State() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.st {
	case open:
		return "open"
	case halfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// Registry hands out one Breaker per key, creating it lazily.
type Registry struct {
	cfg Config
	mu  sync.Mutex
	m   map[string]*Breaker
}

// NewRegistry constructs a Registry whose breakers all share cfg.
func NewRegistry(cfg Config) *Registry {
	return &Registry{cfg: cfg, m: make(map[string]*Breaker)}
}

// Get returns the Breaker for key, creating it on first use.
func (r *Registry) Get(key string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.m[key]
	if !ok {
		b = New(r.cfg)
		r.m[key] = b
	}
	return b
}
