// Package grpc implements the gRPC protocol adapter (spec.md 4.I / 6):
// SessionService, ContextService, and HealthService, each unary-only
// over a hand-registered JSON codec rather than protoc-generated
// protobuf bindings, since no toolchain invocation that could run
// protoc is available in this environment. The ServiceDesc/Handler
// wiring below is the same shape protoc-gen-go-grpc would emit; only
// the marshaling differs. Errors map to the canonical status codes in
// spec.md section 6's table via apierr.GRPCCode.
package grpc

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/muqo16/browserctl/internal/action"
	"github.com/muqo16/browserctl/internal/action/exec"
	"github.com/muqo16/browserctl/internal/apierr"
	"github.com/muqo16/browserctl/internal/auth"
	"github.com/muqo16/browserctl/internal/logging"
	"github.com/muqo16/browserctl/internal/page"
	"github.com/muqo16/browserctl/internal/session"
)

// jsonCodec implements encoding.Codec over plain Go structs, standing
// in for the protobuf wire codec a generated stub would use.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error  { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                        { return "json" }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// Request/response messages, hand-written in place of protoc output.

type CreateSessionRequest struct {
	UserID   string            `json:"userId"`
	Username string            `json:"username"`
	Roles    []string          `json:"roles"`
	Metadata map[string]string `json:"metadata"`
	TTLSec   int64             `json:"ttlSeconds"`
}
type SessionMessage struct {
	ID             string            `json:"id"`
	UserID         string            `json:"userId"`
	Username       string            `json:"username"`
	Roles          []string          `json:"roles"`
	Metadata       map[string]string `json:"metadata"`
	CreatedAt      time.Time         `json:"createdAt"`
	ExpiresAt      time.Time         `json:"expiresAt"`
	LastActivityAt time.Time         `json:"lastActivityAt"`
}
type GetSessionRequest struct{ ID string `json:"id"` }
type DeleteSessionRequest struct{ ID string `json:"id"` }
type DeleteSessionResponse struct{ Deleted bool `json:"deleted"` }
type ListSessionsRequest struct{ UserID string `json:"userId"` }
type ListSessionsResponse struct{ Sessions []SessionMessage `json:"sessions"` }
type RefreshSessionRequest struct{ ID string `json:"id"` }

// UpdateSessionRequest carries field-mask semantics: only fields named
// in UpdateMask are applied, per spec.md section 6.
type UpdateSessionRequest struct {
	ID         string            `json:"id"`
	Roles      []string          `json:"roles"`
	Metadata   map[string]string `json:"metadata"`
	UpdateMask []string          `json:"updateMask"`
}
type ValidateSessionRequest struct{ ID string `json:"id"` }
type ValidateSessionResponse struct{ Valid bool `json:"valid"` }

type CreateContextRequest struct {
	SessionID string       `json:"sessionId"`
	ContextID string       `json:"contextId"`
	Options   page.Options `json:"options"`
}
type ContextMessage = page.Info
type ExecuteRequest struct {
	ContextID string        `json:"contextId"`
	Action    action.Action `json:"action"`
}
type ExecuteResponse struct{ Result action.Result `json:"result"` }

type HealthRequest struct{}
type HealthResponse struct {
	Status string `json:"status"`
}

// SessionService implements spec.md 6's gRPC SessionService.
type SessionService struct {
	sessions session.Store
}

func (s *SessionService) Create(ctx context.Context, req *CreateSessionRequest) (*SessionMessage, error) {
	sess, err := s.sessions.Create(ctx, session.CreateInput{
		UserID: req.UserID, Username: req.Username, Roles: req.Roles, Metadata: req.Metadata,
		TTL: time.Duration(req.TTLSec) * time.Second,
	})
	if err != nil {
		return nil, toStatus(apierr.Internal(err.Error()))
	}
	return toMessage(sess), nil
}

func (s *SessionService) Get(ctx context.Context, req *GetSessionRequest) (*SessionMessage, error) {
	sess, err := s.sessions.Get(ctx, req.ID)
	if err != nil {
		return nil, toStatus(apierr.StoreUnavailable(err.Error()))
	}
	if sess == nil {
		return nil, toStatus(apierr.NotFound("session not found"))
	}
	return toMessage(sess), nil
}

func (s *SessionService) Update(ctx context.Context, req *UpdateSessionRequest) (*SessionMessage, error) {
	partial := session.UpdatePartial{}
	for _, f := range req.UpdateMask {
		switch f {
		case "roles":
			partial.Roles = req.Roles
		case "metadata":
			partial.Metadata = req.Metadata
		}
	}
	sess, err := s.sessions.Update(ctx, req.ID, partial)
	if err != nil {
		return nil, toStatus(translateStoreErr(err))
	}
	return toMessage(sess), nil
}

func (s *SessionService) Delete(ctx context.Context, req *DeleteSessionRequest) (*DeleteSessionResponse, error) {
	ok, err := s.sessions.Delete(ctx, req.ID)
	if err != nil {
		return nil, toStatus(apierr.StoreUnavailable(err.Error()))
	}
	return &DeleteSessionResponse{Deleted: ok}, nil
}

func (s *SessionService) List(ctx context.Context, req *ListSessionsRequest) (*ListSessionsResponse, error) {
	sessions, err := s.sessions.List(ctx, req.UserID)
	if err != nil {
		return nil, toStatus(apierr.StoreUnavailable(err.Error()))
	}
	out := make([]SessionMessage, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, *toMessage(sess))
	}
	return &ListSessionsResponse{Sessions: out}, nil
}

func (s *SessionService) Refresh(ctx context.Context, req *RefreshSessionRequest) (*SessionMessage, error) {
	if err := s.sessions.Touch(ctx, req.ID); err != nil {
		return nil, toStatus(translateStoreErr(err))
	}
	sess, err := s.sessions.Get(ctx, req.ID)
	if err != nil || sess == nil {
		return nil, toStatus(apierr.NotFound("session not found"))
	}
	return toMessage(sess), nil
}

func (s *SessionService) Validate(ctx context.Context, req *ValidateSessionRequest) (*ValidateSessionResponse, error) {
	sess, err := s.sessions.Get(ctx, req.ID)
	if err != nil || sess == nil {
		return &ValidateSessionResponse{Valid: false}, nil
	}
	return &ValidateSessionResponse{Valid: !sess.Expired(time.Now())}, nil
}

// ContextService implements spec.md 6's gRPC ContextService (browser
// contexts/pages and action execution).
type ContextService struct {
	pages    *page.Manager
	executor *exec.Executor
}

func (c *ContextService) Create(ctx context.Context, req *CreateContextRequest) (*ContextMessage, error) {
	info, err := c.pages.CreatePage(ctx, req.SessionID, req.ContextID, req.Options)
	if err != nil {
		return nil, toStatus(err)
	}
	return &info, nil
}

func (c *ContextService) Execute(ctx context.Context, req *ExecuteRequest) (*ExecuteResponse, error) {
	principal := principalFromContext(ctx)
	req.Action.PageID = req.ContextID
	res, err := c.executor.Execute(ctx, req.Action, principal)
	if err != nil {
		return nil, toStatus(err)
	}
	return &ExecuteResponse{Result: res}, nil
}

// HealthService implements spec.md 6's gRPC HealthService.
type HealthService struct{ startedAt time.Time }

func (h *HealthService) Check(ctx context.Context, req *HealthRequest) (*HealthResponse, error) {
	return &HealthResponse{Status: "ok"}, nil
}

// Server owns the three services plus the underlying *grpc.Server.
type Server struct {
	grpc    *grpc.Server
	gate    *auth.Gate
	log     *logging.Logger
	sess    *SessionService
	ctxSvc  *ContextService
	health  *HealthService
	addr    string
}

// New constructs a gRPC Server wired to its dependencies.
func New(addr string, gate *auth.Gate, sessions session.Store, pages *page.Manager, executor *exec.Executor, log *logging.Logger) *Server {
	s := &Server{
		gate: gate, log: log, addr: addr,
		sess:   &SessionService{sessions: sessions},
		ctxSvc: &ContextService{pages: pages, executor: executor},
		health: &HealthService{startedAt: time.Now()},
	}
	s.grpc = grpc.NewServer(
		grpc.ForceServerCodec(jsonCodec{}),
		grpc.UnaryInterceptor(s.authInterceptor),
	)
	s.grpc.RegisterService(&sessionServiceDesc, s.sess)
	s.grpc.RegisterService(&contextServiceDesc, s.ctxSvc)
	s.grpc.RegisterService(&healthServiceDesc, s.health)
	return s
}

// authInterceptor reads credentials from the call's gRPC metadata,
// authenticates the caller through the AuthGate, and attaches the
// resulting principal to the context before dispatching. It applies no
// rate limiting and does not log calls.
func (s *Server) authInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	md, _ := metadata.FromIncomingContext(ctx)
	creds := auth.Credentials{}
	if v := md.Get("authorization"); len(v) > 0 {
		creds.BearerToken = v[0]
	}
	if v := md.Get("x-api-key"); len(v) > 0 {
		creds.APIKey = v[0]
	}
	if v := md.Get("x-session-id"); len(v) > 0 {
		creds.SessionID = v[0]
	}
	if s.gate.IsPublic(info.FullMethod) {
		return handler(ctx, req)
	}
	principal, err := s.gate.Authenticate(ctx, creds)
	if err != nil {
		return nil, toStatus(err)
	}
	ctx = context.WithValue(ctx, principalCtxKey{}, principal)
	return handler(ctx, req)
}

type principalCtxKey struct{}

func principalFromContext(ctx context.Context) page.Principal {
	p, _ := ctx.Value(principalCtxKey{}).(auth.Principal)
	return page.Principal{SessionID: p.SessionID, UserID: p.UserID, Roles: p.Roles}
}

// Serve blocks accepting gRPC connections on addr.
func (s *Server) Serve() error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("grpc: listen %s: %w", s.addr, err)
	}
	s.log.Info("grpc adapter listening")
	return s.grpc.Serve(lis)
}

// Stop gracefully drains in-flight calls.
func (s *Server) Stop() { s.grpc.GracefulStop() }

func toStatus(err error) error {
	e, ok := apierr.As(err)
	if !ok {
		e = apierr.Internal(err.Error())
	}
	return status.Error(codes.Code(apierr.GRPCCode(e)), e.Message)
}

func translateStoreErr(err error) error {
	if err == session.ErrNotFound {
		return apierr.NotFound("session not found")
	}
	return apierr.StoreUnavailable(err.Error())
}

func toMessage(s *session.Session) *SessionMessage {
	return &SessionMessage{
		ID: s.ID, UserID: s.UserID, Username: s.Username, Roles: s.Roles, Metadata: s.Metadata,
		CreatedAt: s.CreatedAt, ExpiresAt: s.ExpiresAt, LastActivityAt: s.LastActivityAt,
	}
}

// Hand-written ServiceDesc tables, the part protoc-gen-go-grpc would
// normally generate from a .proto file.

var sessionServiceDesc = grpc.ServiceDesc{
	ServiceName: "browserctl.v1.SessionService",
	HandlerType: (*any)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Create", Handler: unaryHandler(func(s any, ctx context.Context, r any) (any, error) {
			return s.(*SessionService).Create(ctx, r.(*CreateSessionRequest))
		}, func() any { return new(CreateSessionRequest) })},
		{MethodName: "Get", Handler: unaryHandler(func(s any, ctx context.Context, r any) (any, error) {
			return s.(*SessionService).Get(ctx, r.(*GetSessionRequest))
		}, func() any { return new(GetSessionRequest) })},
		{MethodName: "Update", Handler: unaryHandler(func(s any, ctx context.Context, r any) (any, error) {
			return s.(*SessionService).Update(ctx, r.(*UpdateSessionRequest))
		}, func() any { return new(UpdateSessionRequest) })},
		{MethodName: "Delete", Handler: unaryHandler(func(s any, ctx context.Context, r any) (any, error) {
			return s.(*SessionService).Delete(ctx, r.(*DeleteSessionRequest))
		}, func() any { return new(DeleteSessionRequest) })},
		{MethodName: "List", Handler: unaryHandler(func(s any, ctx context.Context, r any) (any, error) {
			return s.(*SessionService).List(ctx, r.(*ListSessionsRequest))
		}, func() any { return new(ListSessionsRequest) })},
		{MethodName: "Refresh", Handler: unaryHandler(func(s any, ctx context.Context, r any) (any, error) {
			return s.(*SessionService).Refresh(ctx, r.(*RefreshSessionRequest))
		}, func() any { return new(RefreshSessionRequest) })},
		{MethodName: "Validate", Handler: unaryHandler(func(s any, ctx context.Context, r any) (any, error) {
			return s.(*SessionService).Validate(ctx, r.(*ValidateSessionRequest))
		}, func() any { return new(ValidateSessionRequest) })},
	},
	Metadata: "browserctl/v1/session.proto",
}

var contextServiceDesc = grpc.ServiceDesc{
	ServiceName: "browserctl.v1.ContextService",
	HandlerType: (*any)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Create", Handler: unaryHandler(func(s any, ctx context.Context, r any) (any, error) {
			return s.(*ContextService).Create(ctx, r.(*CreateContextRequest))
		}, func() any { return new(CreateContextRequest) })},
		{MethodName: "Execute", Handler: unaryHandler(func(s any, ctx context.Context, r any) (any, error) {
			return s.(*ContextService).Execute(ctx, r.(*ExecuteRequest))
		}, func() any { return new(ExecuteRequest) })},
	},
	Metadata: "browserctl/v1/context.proto",
}

var healthServiceDesc = grpc.ServiceDesc{
	ServiceName: "browserctl.v1.HealthService",
	HandlerType: (*any)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Check", Handler: unaryHandler(func(s any, ctx context.Context, r any) (any, error) {
			return s.(*HealthService).Check(ctx, r.(*HealthRequest))
		}, func() any { return new(HealthRequest) })},
	},
	Metadata: "browserctl/v1/health.proto",
}

// unaryHandler adapts a (service, ctx, request) -> (response, error)
// call into the grpc.methodHandler signature every ServiceDesc.Method
// needs, decoding the request with whatever codec the server was
// configured with (jsonCodec here) instead of protobuf.
func unaryHandler(call func(srv any, ctx context.Context, req any) (any, error), newReq func() any) func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		req := newReq()
		if err := dec(req); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv, ctx, req)
		}
		info := &grpc.UnaryServerInfo{Server: srv}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv, ctx, req)
		}
		return interceptor(ctx, req, info, handler)
	}
}
