// Package mcp implements the JSON-RPC 2.0 tool protocol adapter
// (spec.md 4.I / 6): initialize, notifications/initialized, tools/list,
// tools/call, resources/list, resources/read, over stdio or HTTP. The
// advertised tool set is create-session, list-sessions, delete-session,
// create-browser-context, execute-in-context, execute-api, and the
// resource catalog carries at least api://health and api://catalog.
// Over HTTP every frame is authenticated through the same AuthGate the
// REST/gRPC/WS adapters use rather than a mock token, per spec.md
// section 7's resolved open question on authenticating the tool
// protocol. Over stdio frames carry no credentials: they are not
// authenticated and are dispatched with an empty principal.
package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/muqo16/browserctl/internal/action"
	"github.com/muqo16/browserctl/internal/action/exec"
	"github.com/muqo16/browserctl/internal/apierr"
	"github.com/muqo16/browserctl/internal/auth"
	"github.com/muqo16/browserctl/internal/logging"
	"github.com/muqo16/browserctl/internal/page"
	"github.com/muqo16/browserctl/internal/session"
)

// rpcRequest/rpcResponse are the JSON-RPC 2.0 envelope shapes.
type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// tool describes one entry in tools/list's advertised set.
type tool struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	InputSchema any    `json:"inputSchema"`
}

// resource describes one entry in resources/list's catalog.
type resource struct {
	URI         string `json:"uri"`
	Name        string `json:"name"`
	Description string `json:"description"`
	MIMEType    string `json:"mimeType"`
}

var toolCatalog = []tool{
	{Name: "create-session", Description: "Create an authenticated session", InputSchema: map[string]any{
		"type": "object", "properties": map[string]any{"userId": map[string]any{"type": "string"}, "roles": map[string]any{"type": "array"}},
	}},
	{Name: "list-sessions", Description: "List sessions for a user", InputSchema: map[string]any{
		"type": "object", "properties": map[string]any{"userId": map[string]any{"type": "string"}},
	}},
	{Name: "delete-session", Description: "Delete a session and its contexts", InputSchema: map[string]any{
		"type": "object", "properties": map[string]any{"sessionId": map[string]any{"type": "string"}}, "required": []string{"sessionId"},
	}},
	{Name: "create-browser-context", Description: "Open a browser context (page) under a session", InputSchema: map[string]any{
		"type": "object", "properties": map[string]any{"sessionId": map[string]any{"type": "string"}}, "required": []string{"sessionId"},
	}},
	{Name: "execute-in-context", Description: "Execute a browser action within a context", InputSchema: map[string]any{
		"type": "object", "properties": map[string]any{
			"contextId": map[string]any{"type": "string"},
			"kind":      map[string]any{"type": "string"},
		}, "required": []string{"contextId", "kind"},
	}},
	{Name: "execute-api", Description: "List the REST endpoints this control plane exposes", InputSchema: map[string]any{"type": "object"}},
}

var resourceCatalog = []resource{
	{URI: "api://health", Name: "health", Description: "Liveness/readiness snapshot", MIMEType: "application/json"},
	{URI: "api://catalog", Name: "catalog", Description: "Tool and endpoint catalog", MIMEType: "application/json"},
}

// Server is the JSON-RPC tool protocol adapter.
type Server struct {
	gate     *auth.Gate
	sessions session.Store
	pages    *page.Manager
	executor *exec.Executor
	log      *logging.Logger
}

// New constructs an MCP Server wired to its dependencies.
func New(gate *auth.Gate, sessions session.Store, pages *page.Manager, executor *exec.Executor, log *logging.Logger) *Server {
	return &Server{gate: gate, sessions: sessions, pages: pages, executor: executor, log: log}
}

// ServeStdio runs the JSON-RPC loop over stdin/stdout, one frame per
// line, until the reader returns EOF.
func (s *Server) ServeStdio(ctx context.Context, r io.Reader, w io.Writer) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	enc := json.NewEncoder(w)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		resp := s.dispatch(ctx, line, auth.Principal{})
		if resp == nil {
			continue // notification: no response frame
		}
		if err := enc.Encode(resp); err != nil {
			return err
		}
	}
	return scanner.Err()
}

// Handler returns an http.HandlerFunc for MCP_TRANSPORT=http, one frame
// per request body, authenticated the same way the REST adapter is.
func (s *Server) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "bad request body", http.StatusBadRequest)
			return
		}
		creds := auth.Credentials{
			BearerToken: strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "),
			APIKey:      r.Header.Get("x-api-key"),
			SessionID:   r.Header.Get("x-session-id"),
		}
		principal, err := s.gate.Authenticate(r.Context(), creds)
		if err != nil && !s.gate.IsPublic(r.URL.Path) {
			http.Error(w, "unauthenticated", http.StatusUnauthorized)
			return
		}
		resp := s.dispatch(r.Context(), body, principal)
		w.Header().Set("Content-Type", "application/json")
		if resp == nil {
			w.WriteHeader(http.StatusAccepted)
			return
		}
		_ = json.NewEncoder(w).Encode(resp)
	}
}

func (s *Server) dispatch(ctx context.Context, raw []byte, principal auth.Principal) *rpcResponse {
	var req rpcRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return &rpcResponse{JSONRPC: "2.0", Error: &rpcError{Code: -32700, Message: "parse error"}}
	}

	var result any
	var rpcErr *rpcError

	switch req.Method {
	case "initialize":
		result = map[string]any{
			"protocolVersion": "2024-11-05",
			"serverInfo":      map[string]any{"name": "browserctl", "version": "1"},
			"capabilities":    map[string]any{"tools": map[string]any{}, "resources": map[string]any{}},
		}
	case "notifications/initialized":
		return nil // notification: no response frame
	case "tools/list":
		result = map[string]any{"tools": toolCatalog}
	case "resources/list":
		result = map[string]any{"resources": resourceCatalog}
	case "resources/read":
		result, rpcErr = s.readResource(req.Params)
	case "tools/call":
		result, rpcErr = s.callTool(ctx, req.Params, principal)
	default:
		rpcErr = &rpcError{Code: -32601, Message: "method not found: " + req.Method}
	}

	resp := &rpcResponse{JSONRPC: "2.0", ID: req.ID, Result: result, Error: rpcErr}
	return resp
}

func (s *Server) readResource(params json.RawMessage) (any, *rpcError) {
	var p struct {
		URI string `json:"uri"`
	}
	_ = json.Unmarshal(params, &p)
	switch p.URI {
	case "api://health":
		return map[string]any{"status": "ok"}, nil
	case "api://catalog":
		return map[string]any{"tools": toolCatalog, "resources": resourceCatalog}, nil
	default:
		return nil, &rpcError{Code: -32602, Message: "unknown resource: " + p.URI}
	}
}

type toolCallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

func (s *Server) callTool(ctx context.Context, params json.RawMessage, principal auth.Principal) (any, *rpcError) {
	var call toolCallParams
	if err := json.Unmarshal(params, &call); err != nil {
		return nil, &rpcError{Code: -32602, Message: "invalid params"}
	}

	switch call.Name {
	case "create-session":
		var args struct {
			UserID   string   `json:"userId"`
			Username string   `json:"username"`
			Roles    []string `json:"roles"`
		}
		_ = json.Unmarshal(call.Arguments, &args)
		sess, err := s.sessions.Create(ctx, session.CreateInput{UserID: args.UserID, Username: args.Username, Roles: args.Roles})
		if err != nil {
			return nil, errFrom(apierr.Internal(err.Error()))
		}
		return map[string]any{"sessionId": sess.ID}, nil

	case "list-sessions":
		var args struct {
			UserID string `json:"userId"`
		}
		_ = json.Unmarshal(call.Arguments, &args)
		sessions, err := s.sessions.List(ctx, args.UserID)
		if err != nil {
			return nil, errFrom(apierr.StoreUnavailable(err.Error()))
		}
		ids := make([]string, 0, len(sessions))
		for _, sess := range sessions {
			ids = append(ids, sess.ID)
		}
		return map[string]any{"sessionIds": ids}, nil

	case "delete-session":
		var args struct {
			SessionID string `json:"sessionId"`
		}
		if err := json.Unmarshal(call.Arguments, &args); err != nil || args.SessionID == "" {
			return nil, &rpcError{Code: -32602, Message: "sessionId is required"}
		}
		_ = s.pages.ClosePagesForSession(ctx, args.SessionID)
		ok, err := s.sessions.Delete(ctx, args.SessionID)
		if err != nil {
			return nil, errFrom(apierr.StoreUnavailable(err.Error()))
		}
		return map[string]any{"deleted": ok}, nil

	case "create-browser-context":
		var args struct {
			SessionID string       `json:"sessionId"`
			Options   page.Options `json:"options"`
		}
		if err := json.Unmarshal(call.Arguments, &args); err != nil || args.SessionID == "" {
			return nil, &rpcError{Code: -32602, Message: "sessionId is required"}
		}
		info, err := s.pages.CreatePage(ctx, args.SessionID, "", args.Options)
		if err != nil {
			return nil, errFromErr(err)
		}
		return map[string]any{"contextId": info.ID}, nil

	case "execute-in-context":
		var args struct {
			ContextID string        `json:"contextId"`
			Action    action.Action `json:"action"`
		}
		if err := json.Unmarshal(call.Arguments, &args); err != nil || args.ContextID == "" {
			return nil, &rpcError{Code: -32602, Message: "contextId is required"}
		}
		args.Action.PageID = args.ContextID
		res, err := s.executor.Execute(ctx, args.Action, page.Principal{SessionID: principal.SessionID, UserID: principal.UserID, Roles: principal.Roles})
		if err != nil {
			return nil, errFromErr(err)
		}
		return res, nil

	case "execute-api":
		return map[string]any{"endpoints": []string{
			"POST /api/v1/sessions", "GET /api/v1/sessions/:id", "DELETE /api/v1/sessions/:id",
			"POST /api/v1/sessions/:id/refresh", "POST /api/v1/contexts", "POST /api/v1/contexts/:id/execute",
			"GET /health", "GET /health/live", "GET /health/ready",
		}}, nil

	default:
		return nil, &rpcError{Code: -32601, Message: "unknown tool: " + call.Name}
	}
}

func errFrom(e *apierr.Error) *rpcError {
	return &rpcError{Code: jsonRPCCodeFor(e), Message: e.Message, Data: map[string]any{"category": e.Category, "severity": e.Severity}}
}

func errFromErr(err error) *rpcError {
	e, ok := apierr.As(err)
	if !ok {
		e = apierr.Internal(err.Error())
	}
	return errFrom(e)
}

// jsonRPCCodeFor reuses the REST status mapping: the code is -32000
// minus the HTTP status (404 becomes -32404, 500 becomes -32500), so
// these codes lie below the JSON-RPC server-error range -32000..-32099.
func jsonRPCCodeFor(e *apierr.Error) int {
	return -32000 - apierr.HTTPStatus(e)
}
