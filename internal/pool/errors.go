package pool

import "errors"

var (
	// ErrShuttingDown is returned by Acquire once Shutdown has started.
	ErrShuttingDown = errors.New("pool: shutting down")
	// ErrTimeout is returned when a waiter's deadline elapses before an
	// instance becomes available.
	ErrTimeout = errors.New("pool: acquire timeout")
	// ErrUnavailable is returned when the launch circuit breaker is open.
	ErrUnavailable = errors.New("pool: unavailable, circuit open")
	// ErrNotFound is returned by Release/Recycle for an unknown browser id.
	ErrNotFound = errors.New("pool: browser not found")
	// ErrNotOwner is returned by Release when sessionId does not match
	// the session the instance was acquired by.
	ErrNotOwner = errors.New("pool: session does not own this browser")
)
