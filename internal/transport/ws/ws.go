// Package ws implements the WebSocket protocol adapter (spec.md 4.I / 6):
// an envelope protocol {type,id,timestamp,...} with subscribe/
// unsubscribe/send/broadcast, heartbeats, and a payload-size limit.
// The connection registry and broadcast fan-out are adapted from the
// teacher's server.Hub and MetricsHub (non-blocking per-connection
// channel, slow consumers dropped rather than blocking the producer),
// generalized from a fixed metrics-event set to named, filterable
// subscription topics with TTL auto-cleanup.
package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/muqo16/browserctl/internal/action"
	"github.com/muqo16/browserctl/internal/action/exec"
	"github.com/muqo16/browserctl/internal/apierr"
	"github.com/muqo16/browserctl/internal/auth"
	"github.com/muqo16/browserctl/internal/logging"
	"github.com/muqo16/browserctl/internal/page"
)

// MessageType enumerates the envelope's type field, per spec.md section 6.
type MessageType string

const (
	TypeAuth        MessageType = "auth"
	TypePing        MessageType = "ping"
	TypePong        MessageType = "pong"
	TypeRequest     MessageType = "request"
	TypeResponse    MessageType = "response"
	TypeSubscribe   MessageType = "subscribe"
	TypeUnsubscribe MessageType = "unsubscribe"
	TypeEvent       MessageType = "event"
	TypeError       MessageType = "error"
)

// Envelope is the wire format every frame uses.
type Envelope struct {
	Type      MessageType    `json:"type"`
	ID        string         `json:"id,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Method    string         `json:"method,omitempty"`
	Path      string         `json:"path,omitempty"`
	Topic     string         `json:"topic,omitempty"`
	Filters   map[string]any `json:"filters,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Config configures the WS adapter.
type Config struct {
	Path              string
	HeartbeatInterval time.Duration
	MaxPayloadBytes   int64
}

// subscription is one topic a connection is listening to, with an
// optional filter set and an expiry for TTL auto-cleanup.
type subscription struct {
	filters map[string]any
	expires time.Time
}

type conn struct {
	ws            *websocket.Conn
	send          chan Envelope
	principal     auth.Principal
	mu            sync.Mutex
	subscriptions map[string]subscription
}

// Hub tracks live connections and their topic subscriptions, and
// broadcasts events to whichever connections are currently subscribed.
type Hub struct {
	mu    sync.RWMutex
	conns map[*conn]bool
}

func newHub() *Hub { return &Hub{conns: make(map[*conn]bool)} }

func (h *Hub) register(c *conn) {
	h.mu.Lock()
	h.conns[c] = true
	h.mu.Unlock()
}

func (h *Hub) unregister(c *conn) {
	h.mu.Lock()
	if _, ok := h.conns[c]; ok {
		delete(h.conns, c)
		close(c.send)
	}
	h.mu.Unlock()
}

// Broadcast emits data under topic to every connection subscribed to it
// whose filters (if any) are satisfied. Slow consumers are dropped
// rather than blocking the broadcaster, matching the teacher's Hub.
func (h *Hub) Broadcast(topic string, data any) {
	payload, err := json.Marshal(data)
	if err != nil {
		return
	}
	env := Envelope{Type: TypeEvent, ID: uuid.NewString(), Timestamp: time.Now(), Topic: topic, Data: payload}

	h.mu.RLock()
	defer h.mu.RUnlock()
	now := time.Now()
	for c := range h.conns {
		c.mu.Lock()
		sub, ok := c.subscriptions[topic]
		expired := ok && !sub.expires.IsZero() && now.After(sub.expires)
		c.mu.Unlock()
		if !ok || expired || !matchesFilters(sub.filters, data) {
			continue
		}
		select {
		case c.send <- env:
		default:
		}
	}
}

func matchesFilters(filters map[string]any, data any) bool {
	if len(filters) == 0 {
		return true
	}
	m, ok := data.(map[string]any)
	if !ok {
		return true
	}
	for k, v := range filters {
		if m[k] != v {
			return false
		}
	}
	return true
}

// Server is the WebSocket protocol adapter.
type Server struct {
	cfg      Config
	gate     *auth.Gate
	pages    *page.Manager
	executor *exec.Executor
	log      *logging.Logger
	hub      *Hub
	upgrader websocket.Upgrader
}

// New constructs a WS Server wired to its dependencies.
func New(cfg Config, gate *auth.Gate, pages *page.Manager, executor *exec.Executor, log *logging.Logger) *Server {
	if cfg.Path == "" {
		cfg.Path = "/ws"
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.MaxPayloadBytes <= 0 {
		cfg.MaxPayloadBytes = 1 << 20
	}
	return &Server{
		cfg: cfg, gate: gate, pages: pages, executor: executor, log: log, hub: newHub(),
		upgrader: websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096},
	}
}

// Broadcast exposes the hub's broadcast to callers outside the adapter
// (e.g. the pool/page layers publishing state-transition events).
func (s *Server) Broadcast(topic string, data any) { s.hub.Broadcast(topic, data) }

// Handler returns the http.HandlerFunc to mount at cfg.Path.
func (s *Server) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		creds := auth.Credentials{
			BearerToken: strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "),
			APIKey:      r.URL.Query().Get("apiKey"),
			SessionID:   r.URL.Query().Get("sessionId"),
		}
		principal, err := s.gate.Authenticate(r.Context(), creds)
		if err != nil && !s.gate.IsPublic(r.URL.Path) {
			http.Error(w, "unauthenticated", http.StatusUnauthorized)
			return
		}

		wsConn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		wsConn.SetReadLimit(s.cfg.MaxPayloadBytes)

		c := &conn{ws: wsConn, send: make(chan Envelope, 64), principal: principal, subscriptions: make(map[string]subscription)}
		s.hub.register(c)
		defer s.hub.unregister(c)

		done := make(chan struct{})
		go s.writePump(c, done)
		s.readPump(c)
		<-done
	}
}

func (s *Server) writePump(c *conn, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case env, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.ws.WriteJSON(env); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteJSON(Envelope{Type: TypePing, Timestamp: time.Now()}); err != nil {
				return
			}
		}
	}
}

func (s *Server) readPump(c *conn) {
	for {
		var env Envelope
		if err := c.ws.ReadJSON(&env); err != nil {
			return
		}
		s.handle(c, env)
	}
}

func (s *Server) handle(c *conn, env Envelope) {
	ctx := context.Background()
	switch env.Type {
	case TypePing:
		c.send <- Envelope{Type: TypePong, ID: env.ID, Timestamp: time.Now()}
	case TypePong:
		// no-op; liveness already inferred from the read succeeding
	case TypeSubscribe:
		ttl := 0 * time.Second
		var expires time.Time
		if v, ok := env.Filters["ttlSeconds"].(float64); ok {
			ttl = time.Duration(v) * time.Second
		}
		if ttl > 0 {
			expires = time.Now().Add(ttl)
		}
		c.mu.Lock()
		c.subscriptions[env.Topic] = subscription{filters: env.Filters, expires: expires}
		c.mu.Unlock()
		c.send <- Envelope{Type: TypeResponse, ID: env.ID, Timestamp: time.Now(), Topic: env.Topic}
	case TypeUnsubscribe:
		c.mu.Lock()
		delete(c.subscriptions, env.Topic)
		c.mu.Unlock()
		c.send <- Envelope{Type: TypeResponse, ID: env.ID, Timestamp: time.Now(), Topic: env.Topic}
	case TypeRequest:
		s.handleRequest(ctx, c, env)
	default:
		c.send <- s.errorEnvelope(env.ID, apierr.BadArgument("unsupported envelope type"))
	}
}

// handleRequest dispatches method "execute" (an Action against a page)
// over the socket, the WS equivalent of POST /contexts/:id/execute.
func (s *Server) handleRequest(ctx context.Context, c *conn, env Envelope) {
	if env.Method != "execute" {
		c.send <- s.errorEnvelope(env.ID, apierr.Unsupported("unknown method: "+env.Method))
		return
	}
	var a action.Action
	if err := json.Unmarshal(env.Data, &a); err != nil {
		c.send <- s.errorEnvelope(env.ID, apierr.BadArgument("malformed action payload"))
		return
	}
	principal := page.Principal{SessionID: c.principal.SessionID, UserID: c.principal.UserID, Roles: c.principal.Roles}
	res, err := s.executor.Execute(ctx, a, principal)
	if err != nil {
		c.send <- s.errorEnvelope(env.ID, err)
		return
	}
	payload, _ := json.Marshal(res)
	c.send <- Envelope{Type: TypeResponse, ID: env.ID, Timestamp: time.Now(), Data: payload}
}

func (s *Server) errorEnvelope(id string, err error) Envelope {
	e, ok := apierr.As(err)
	if !ok {
		e = apierr.Internal(err.Error())
	}
	payload, _ := json.Marshal(map[string]any{
		"code": e.Code, "message": e.Message, "category": e.Category, "severity": e.Severity,
	})
	return Envelope{Type: TypeError, ID: id, Timestamp: time.Now(), Data: payload}
}
