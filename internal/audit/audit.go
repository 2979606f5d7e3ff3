// Package audit implements the AuditSink capability: an append-only,
// asynchronous, bounded-queue writer of structured security events, one
// file per day under AUDIT_LOG_PATH. The queue/broadcast shape is
// adapted from the teacher's server.Hub (non-blocking channel fan-out,
// slow consumers dropped) applied to a single persistent sink instead of
// many WebSocket subscribers.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/muqo16/browserctl/internal/apierr"
	"github.com/muqo16/browserctl/internal/logging"
)

// EventType enumerates the audit event names referenced by spec.md.
type EventType string

const (
	EventAuthAttempt       EventType = "AUTH_ATTEMPT"
	EventAuthSuccess       EventType = "AUTH_SUCCESS"
	EventAuthFailure       EventType = "AUTH_FAILURE"
	EventAccessDenied      EventType = "ACCESS_DENIED"
	EventValidationFailure EventType = "VALIDATION_FAILURE"
	EventCommandExecuted   EventType = "COMMAND_EXECUTED"
	EventSuspiciousActivity EventType = "SUSPICIOUS_ACTIVITY"
)

// Event is one structured audit record.
type Event struct {
	Type       EventType      `json:"type"`
	Timestamp  time.Time      `json:"timestamp"`
	RequestID  string         `json:"requestId,omitempty"`
	SessionID  string         `json:"sessionId,omitempty"`
	UserID     string         `json:"userId,omitempty"`
	Resource   string         `json:"resource,omitempty"`
	Action     string         `json:"action,omitempty"`
	Phase      string         `json:"phase,omitempty"`
	Success    bool           `json:"success"`
	DurationMS int64          `json:"durationMs,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Sink is the AuditSink capability contract.
type Sink interface {
	Emit(ctx context.Context, ev Event)
	Close() error
}

// Config configures the file-backed sink.
type Config struct {
	Enabled   bool
	Dir       string
	QueueSize int
}

// DefaultConfig returns sane defaults; Enabled is false unless the
// caller turns it on (AUDIT_LOG_ENABLED).
func DefaultConfig() Config {
	return Config{Enabled: false, Dir: "./audit", QueueSize: 4096}
}

// FileSink appends JSON lines to audit-YYYY-MM-DD.log, rotating the
// underlying file as the wall-clock date changes. Writes are
// asynchronous through a bounded channel; overflow increments
// DroppedCount rather than blocking the producer, per spec.md section 5.
type FileSink struct {
	cfg     Config
	log     *logging.Logger
	queue   chan Event
	done    chan struct{}
	wg      sync.WaitGroup
	dropped int64

	mu        sync.Mutex
	curDate   string
	curFile   *os.File
}

// NewFileSink constructs and starts a FileSink. If cfg.Enabled is
// false, the returned sink discards every event (still honoring the
// Sink interface) so callers never need a nil check.
func NewFileSink(cfg Config, log *logging.Logger) (*FileSink, error) {
	if log == nil {
		log = logging.Default()
	}
	s := &FileSink{cfg: cfg, log: log, queue: make(chan Event, cfg.QueueSize), done: make(chan struct{})}
	if !cfg.Enabled {
		return s, nil
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("audit: create dir: %w", err)
	}
	s.wg.Add(1)
	go s.run()
	return s, nil
}

// Emit enqueues ev for asynchronous persistence. Never blocks.
func (s *FileSink) Emit(ctx context.Context, ev Event) {
	if !s.cfg.Enabled {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	select {
	case s.queue <- ev:
	default:
		atomic.AddInt64(&s.dropped, 1)
		s.log.Warn("audit queue full, dropping event", zap.String("event_type", string(ev.Type)))
	}
}

// DroppedCount reports how many events were dropped due to queue
// overflow since startup.
func (s *FileSink) DroppedCount() int64 { return atomic.LoadInt64(&s.dropped) }

// Close drains the queue and closes the current file.
func (s *FileSink) Close() error {
	if !s.cfg.Enabled {
		return nil
	}
	close(s.done)
	s.wg.Wait()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.curFile != nil {
		return s.curFile.Close()
	}
	return nil
}

func (s *FileSink) run() {
	defer s.wg.Done()
	for {
		select {
		case ev := <-s.queue:
			s.write(ev)
		case <-s.done:
			for {
				select {
				case ev := <-s.queue:
					s.write(ev)
				default:
					return
				}
			}
		}
	}
}

func (s *FileSink) write(ev Event) {
	f, err := s.fileFor(ev.Timestamp)
	if err != nil {
		s.log.Error("audit: open file failed", zap.String("event_type", string(ev.Type)), zap.Error(err))
		return
	}
	ev.Metadata = sanitizeMetadata(ev.Metadata)
	enc := json.NewEncoder(f)
	if err := enc.Encode(ev); err != nil {
		s.log.Error("audit: encode failed")
	}
}

func (s *FileSink) fileFor(ts time.Time) (*os.File, error) {
	date := ts.Format("2006-01-02")
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.curFile != nil && s.curDate == date {
		return s.curFile, nil
	}
	if s.curFile != nil {
		_ = s.curFile.Close()
	}
	path := filepath.Join(s.cfg.Dir, fmt.Sprintf("audit-%s.log", date))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	s.curFile = f
	s.curDate = date
	return f, nil
}

func sanitizeMetadata(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := apierr.Sanitize(toAnyMap(m))
	if asMap, ok := out.(map[string]any); ok {
		return asMap
	}
	return m
}

func toAnyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
