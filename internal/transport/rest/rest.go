// Package rest implements the REST protocol adapter (spec.md 4.I / 6):
// JSON body/query/headers over net/http, status codes from the
// Error→HTTP table, and the request id echoed via x-request-id. Routing
// is a manual path-segment switch in the teacher's style (server.go has
// no router dependency either), and rate limiting reuses
// golang.org/x/time/rate the way the teacher's Server gates apiLimiter.
package rest

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/muqo16/browserctl/internal/action"
	"github.com/muqo16/browserctl/internal/action/exec"
	"github.com/muqo16/browserctl/internal/apierr"
	"github.com/muqo16/browserctl/internal/auth"
	"github.com/muqo16/browserctl/internal/logging"
	"github.com/muqo16/browserctl/internal/metrics"
	"github.com/muqo16/browserctl/internal/page"
	"github.com/muqo16/browserctl/internal/session"
)

// Config configures the REST adapter.
type Config struct {
	Addr                 string
	MaxRequestsPerMinute int
}

// Server is the REST protocol adapter.
type Server struct {
	cfg       Config
	gate      *auth.Gate
	sessions  session.Store
	pages     *page.Manager
	executor  *exec.Executor
	metrics   *metrics.Collector
	log       *logging.Logger
	startedAt time.Time

	limitersMu sync.Mutex
	limiters   map[string]*rate.Limiter

	mux  *http.ServeMux
	http *http.Server
}

// New constructs a REST Server wired to its dependencies.
func New(cfg Config, gate *auth.Gate, sessions session.Store, pages *page.Manager, executor *exec.Executor, mc *metrics.Collector, log *logging.Logger) *Server {
	if cfg.MaxRequestsPerMinute <= 0 {
		cfg.MaxRequestsPerMinute = 600
	}
	s := &Server{
		cfg: cfg, gate: gate, sessions: sessions, pages: pages, executor: executor,
		metrics: mc, log: log, startedAt: time.Now(), limiters: make(map[string]*rate.Limiter),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/health/live", s.handleLive)
	mux.HandleFunc("/health/ready", s.handleReady)
	if mc != nil {
		mux.Handle("/metrics", mc.Handler())
	}
	mux.HandleFunc("/api/v1/metrics", s.handleMetricsSnapshot)
	mux.HandleFunc("/api/v1/sessions", s.withMiddleware(s.handleSessionsCollection))
	mux.HandleFunc("/api/v1/sessions/", s.withMiddleware(s.handleSessionsItem))
	mux.HandleFunc("/api/v1/contexts", s.withMiddleware(s.handleContextsCollection))
	mux.HandleFunc("/api/v1/contexts/", s.withMiddleware(s.handleContextsItem))
	s.mux = mux
	s.http = &http.Server{Addr: cfg.Addr, Handler: mux}
	return s
}

// Mux exposes the underlying router so other adapters sharing this
// listener (the WebSocket upgrade endpoint) can register onto it.
func (s *Server) Mux() *http.ServeMux { return s.mux }

// ListenAndServe blocks serving REST traffic until the server is
// shut down or encounters a fatal error.
func (s *Server) ListenAndServe() error {
	s.log.Info("rest adapter listening", zap.String("addr", s.cfg.Addr))
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully stops the REST adapter.
func (s *Server) Shutdown(ctx context.Context) error { return s.http.Shutdown(ctx) }

// withMiddleware assigns or echoes the request id, authenticates the
// caller (public paths skip this and the rate limit), applies the
// per-principal rate limit, dispatches, and logs the request once the
// handler returns. The request body is not validated here.
func (s *Server) withMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		reqID := r.Header.Get("x-request-id")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		w.Header().Set("x-request-id", reqID)

		creds := auth.Credentials{
			BearerToken: strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "),
			APIKey:      r.Header.Get("x-api-key"),
			SessionID:   r.Header.Get("x-session-id"),
		}
		if s.gate.IsPublic(r.URL.Path) {
			next(w, r)
			return
		}
		principal, err := s.gate.Authenticate(r.Context(), creds)
		if err != nil {
			s.writeError(w, reqID, err)
			return
		}

		if !s.allow(principal.SessionID) {
			s.writeError(w, reqID, apierr.RateLimited("too many requests"))
			return
		}

		ctx := context.WithValue(r.Context(), principalKey{}, principal)
		r = r.WithContext(ctx)
		next(w, r)
		s.log.Info("rest request", zap.String("path", r.URL.Path), zap.String("method", r.Method), zap.String("request_id", reqID), zap.Duration("duration", time.Since(start)))
	}
}

// SetMaxRequestsPerMinute updates the per-principal rate limit applied
// to limiters created from here on, for a config watcher to apply
// without a restart. Limiters already issued keep their original rate.
func (s *Server) SetMaxRequestsPerMinute(n int) {
	if n <= 0 {
		return
	}
	s.limitersMu.Lock()
	s.cfg.MaxRequestsPerMinute = n
	s.limitersMu.Unlock()
}

func (s *Server) allow(sessionID string) bool {
	key := sessionID
	if key == "" {
		key = "anonymous"
	}
	s.limitersMu.Lock()
	lim, ok := s.limiters[key]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(float64(s.cfg.MaxRequestsPerMinute)/60.0), s.cfg.MaxRequestsPerMinute)
		s.limiters[key] = lim
	}
	s.limitersMu.Unlock()
	if !lim.Allow() {
		if s.metrics != nil {
			s.metrics.RateLimited.Inc()
		}
		return false
	}
	return true
}

type principalKey struct{}

func principalFrom(r *http.Request) auth.Principal {
	p, _ := r.Context().Value(principalKey{}).(auth.Principal)
	return p
}

// errorEnvelope is the REST error body shape named in spec.md section 6.
type errorEnvelope struct {
	Error struct {
		Code                string             `json:"code"`
		Message             string             `json:"message"`
		UserMessage         string             `json:"userMessage"`
		Category            string             `json:"category"`
		Severity            string             `json:"severity"`
		RecoverySuggestions []string           `json:"recoverySuggestions,omitempty"`
		RetryConfig         *apierr.RetryConfig `json:"retryConfig,omitempty"`
		Timestamp           time.Time          `json:"timestamp"`
		RequestID           string             `json:"requestId"`
	} `json:"error"`
}

func (s *Server) writeError(w http.ResponseWriter, reqID string, err error) {
	e, ok := apierr.As(err)
	if !ok {
		e = apierr.Internal(err.Error())
	}
	e = e.WithRequestID(reqID)
	env := errorEnvelope{}
	env.Error.Code = string(e.Code)
	env.Error.Message = e.Message
	env.Error.UserMessage = e.UserMessage
	env.Error.Category = string(e.Category)
	env.Error.Severity = string(e.Severity)
	env.Error.RecoverySuggestions = e.RecoverySuggestions
	env.Error.RetryConfig = e.RetryConfig
	env.Error.Timestamp = e.Timestamp
	env.Error.RequestID = reqID
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(apierr.HTTPStatus(e))
	_ = json.NewEncoder(w).Encode(env)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "uptimeSeconds": int(time.Since(s.startedAt).Seconds())})
}

func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{"status": "live"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

// handleMetricsSnapshot is a JSON counterpart to the Prometheus /metrics
// endpoint, for callers that want a point-in-time pool snapshot without
// scraping and parsing the exposition format.
func (s *Server) handleMetricsSnapshot(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.pages.Stats())
}

func (s *Server) handleSessionsCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var in struct {
			UserID   string            `json:"userId"`
			Username string            `json:"username"`
			Roles    []string          `json:"roles"`
			Metadata map[string]string `json:"metadata"`
			TTLSec   int               `json:"ttlSeconds"`
		}
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			s.writeError(w, r.Header.Get("x-request-id"), apierr.BadArgument("malformed request body"))
			return
		}
		sess, err := s.sessions.Create(r.Context(), session.CreateInput{
			UserID: in.UserID, Username: in.Username, Roles: in.Roles, Metadata: in.Metadata,
			TTL: time.Duration(in.TTLSec) * time.Second,
		})
		if err != nil {
			s.writeError(w, r.Header.Get("x-request-id"), apierr.Internal(err.Error()))
			return
		}
		s.writeJSON(w, http.StatusCreated, sess)
	default:
		s.writeError(w, r.Header.Get("x-request-id"), apierr.Unsupported("method not allowed"))
	}
}

func (s *Server) handleSessionsItem(w http.ResponseWriter, r *http.Request) {
	id, rest := shiftPath(strings.TrimPrefix(r.URL.Path, "/api/v1/sessions/"))
	if id == "" {
		s.writeError(w, r.Header.Get("x-request-id"), apierr.BadArgument("session id is required"))
		return
	}
	if rest == "refresh" && r.Method == http.MethodPost {
		sess, err := s.sessions.Update(r.Context(), id, session.UpdatePartial{})
		if err != nil {
			s.writeError(w, r.Header.Get("x-request-id"), translateStoreErr(err))
			return
		}
		_ = s.sessions.Touch(r.Context(), id)
		s.writeJSON(w, http.StatusOK, sess)
		return
	}
	switch r.Method {
	case http.MethodGet:
		sess, err := s.sessions.Get(r.Context(), id)
		if err != nil {
			s.writeError(w, r.Header.Get("x-request-id"), apierr.StoreUnavailable(err.Error()))
			return
		}
		if sess == nil {
			s.writeError(w, r.Header.Get("x-request-id"), apierr.NotFound("session not found"))
			return
		}
		s.writeJSON(w, http.StatusOK, sess)
	case http.MethodDelete:
		ok, err := s.sessions.Delete(r.Context(), id)
		if err != nil {
			s.writeError(w, r.Header.Get("x-request-id"), apierr.StoreUnavailable(err.Error()))
			return
		}
		if !ok {
			s.writeError(w, r.Header.Get("x-request-id"), apierr.NotFound("session not found"))
			return
		}
		_ = s.pages.ClosePagesForSession(r.Context(), id)
		w.WriteHeader(http.StatusNoContent)
	default:
		s.writeError(w, r.Header.Get("x-request-id"), apierr.Unsupported("method not allowed"))
	}
}

func (s *Server) handleContextsCollection(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, r.Header.Get("x-request-id"), apierr.Unsupported("method not allowed"))
		return
	}
	principal := principalFrom(r)
	var in struct {
		SessionID string        `json:"sessionId"`
		ContextID string        `json:"contextId"`
		Options   page.Options  `json:"options"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		s.writeError(w, r.Header.Get("x-request-id"), apierr.BadArgument("malformed request body"))
		return
	}
	if in.SessionID == "" {
		in.SessionID = principal.SessionID
	}
	info, err := s.pages.CreatePage(r.Context(), in.SessionID, in.ContextID, in.Options)
	if err != nil {
		s.writeError(w, r.Header.Get("x-request-id"), err)
		return
	}
	s.writeJSON(w, http.StatusCreated, info)
}

func (s *Server) handleContextsItem(w http.ResponseWriter, r *http.Request) {
	id, rest := shiftPath(strings.TrimPrefix(r.URL.Path, "/api/v1/contexts/"))
	if id == "" {
		s.writeError(w, r.Header.Get("x-request-id"), apierr.BadArgument("context id is required"))
		return
	}
	caller := principalFrom(r)
	principal := page.Principal{SessionID: caller.SessionID, UserID: caller.UserID, Roles: caller.Roles}

	if rest == "execute" && r.Method == http.MethodPost {
		var a action.Action
		if err := json.NewDecoder(r.Body).Decode(&a); err != nil {
			s.writeError(w, r.Header.Get("x-request-id"), apierr.BadArgument("malformed action body"))
			return
		}
		a.PageID = id
		res, err := s.executor.Execute(r.Context(), a, principal)
		if err != nil {
			s.writeError(w, r.Header.Get("x-request-id"), err)
			return
		}
		s.writeJSON(w, http.StatusOK, res)
		return
	}

	switch r.Method {
	case http.MethodGet:
		info, _, err := s.pages.GetPage(id, principal)
		if err != nil {
			s.writeError(w, r.Header.Get("x-request-id"), err)
			return
		}
		s.writeJSON(w, http.StatusOK, info)
	case http.MethodDelete:
		if err := s.pages.ClosePage(r.Context(), id, principal); err != nil {
			s.writeError(w, r.Header.Get("x-request-id"), err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		s.writeError(w, r.Header.Get("x-request-id"), apierr.Unsupported("method not allowed"))
	}
}

func translateStoreErr(err error) error {
	if err == session.ErrNotFound {
		return apierr.NotFound("session not found")
	}
	return apierr.StoreUnavailable(err.Error())
}

// shiftPath splits "id/rest" into its first segment and remainder.
func shiftPath(p string) (id, rest string) {
	p = strings.Trim(p, "/")
	if p == "" {
		return "", ""
	}
	parts := strings.SplitN(p, "/", 2)
	if len(parts) == 1 {
		return parts[0], ""
	}
	return parts[0], parts[1]
}

