// Package server wires every capability into a running process:
// config, logging, the session store and sweeper, the browser pool,
// page manager, action pipeline, auth gate, and the four protocol
// adapters, plus graceful shutdown. Singleton factories in the teacher
// (config/pool/strategy factories) map here to explicit constructor
// injection of one root Services record, per spec.md section 9 — there
// are no process-wide mutable globals except the audit sink's file
// handle and the metrics registry, both owned by Services and torn
// down in Close.
package server

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/muqo16/browserctl/internal/action/dispatch"
	"github.com/muqo16/browserctl/internal/action/exec"
	"github.com/muqo16/browserctl/internal/action/validate"
	"github.com/muqo16/browserctl/internal/audit"
	"github.com/muqo16/browserctl/internal/auth"
	"github.com/muqo16/browserctl/internal/config"
	chromedpdriver "github.com/muqo16/browserctl/internal/driver/chromedp"
	"github.com/muqo16/browserctl/internal/logging"
	"github.com/muqo16/browserctl/internal/metrics"
	"github.com/muqo16/browserctl/internal/page"
	"github.com/muqo16/browserctl/internal/pool"
	"github.com/muqo16/browserctl/internal/session"
	"github.com/muqo16/browserctl/internal/session/redisstore"
	"github.com/muqo16/browserctl/internal/transport/grpc"
	"github.com/muqo16/browserctl/internal/transport/mcp"
	"github.com/muqo16/browserctl/internal/transport/rest"
	"github.com/muqo16/browserctl/internal/transport/ws"
)

// Services is the root object graph. Every subsystem is constructed
// once here and handed to whichever adapters need it; nothing below
// reaches back into global state.
type Services struct {
	Config   config.Config
	Log      *logging.Logger
	Metrics  *metrics.Collector
	Audit    audit.Sink
	Sessions session.Store
	Sweeper  *session.Sweeper
	Browsers *pool.Pool
	Pages    *page.Manager
	Executor *exec.Executor
	Gate     *auth.Gate

	REST *rest.Server
	GRPC *grpc.Server
	WS   *ws.Server
	MCP  *mcp.Server

	watcher *config.Watcher
	cancel  context.CancelFunc
}

// Build constructs every subsystem in dependency order from cfg. The
// browser pool starts its own health, maintenance, and scaling loops
// when constructed; the session sweeper, idle page sweep, and adapter
// listeners are not started — call Run for that. configPath, if non-empty, is
// watched for changes and reapplies the pool bounds, log level, and
// rate limit without a restart.
func Build(ctx context.Context, cfg config.Config, configPath string) (*Services, error) {
	log, err := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat, Output: "stdout"})
	if err != nil {
		return nil, fmt.Errorf("server: build logger: %w", err)
	}
	mc := metrics.New()

	sink, err := audit.NewFileSink(audit.Config{Enabled: cfg.AuditLogEnabled, Dir: cfg.AuditLogPath, QueueSize: 4096}, log)
	if err != nil {
		return nil, fmt.Errorf("server: build audit sink: %w", err)
	}

	sessions := session.Open(ctx, string(cfg.SessionStoreType), cfg.RedisURL, dialRedis, log)
	sweeper := session.NewSweeper(sessions, cfg.SessionCleanupInterval, log)

	launcher := chromedpdriver.NewLauncher(ctx)
	poolCfg := pool.DefaultConfig()
	poolCfg.MinSize = cfg.BrowserPoolMinSize
	poolCfg.MaxSize = cfg.BrowserPoolMaxSize
	poolCfg.MaxIdleTime = cfg.BrowserIdleTimeout
	browsers := pool.New(ctx, poolCfg, launcher, log, mc)

	pages := page.New(browsers, cfg.BrowserIdleTimeout, sink)
	validator := validate.New(validate.DefaultConfig())
	dispatcher := dispatch.New()
	executor := exec.New(pages, validator, dispatcher, mc, sink)

	gate := auth.New(auth.Config{
		HMACSecret:  cfg.JWTSecret,
		PublicPaths: []string{"/health", "/health/live", "/health/ready", "/api/v1/health"},
	}, sessions, sink, mc)

	restSrv := rest.New(rest.Config{Addr: cfg.RESTAddr, MaxRequestsPerMinute: cfg.MaxRequestsPerMinute}, gate, sessions, pages, executor, mc, log)
	grpcSrv := grpc.New(cfg.GRPCAddr, gate, sessions, pages, executor, log)
	wsSrv := ws.New(ws.Config{Path: cfg.WSPath, HeartbeatInterval: cfg.WSHeartbeatInterval, MaxPayloadBytes: cfg.WSMaxPayloadBytes}, gate, pages, executor, log)
	mcpSrv := mcp.New(gate, sessions, pages, executor, log)

	watcher, err := config.NewWatcher(configPath, log)
	if err != nil {
		return nil, fmt.Errorf("server: build config watcher: %w", err)
	}

	return &Services{
		Config: cfg, Log: log, Metrics: mc, Audit: sink,
		Sessions: sessions, Sweeper: sweeper, Browsers: browsers, Pages: pages, Executor: executor, Gate: gate,
		REST: restSrv, GRPC: grpcSrv, WS: wsSrv, MCP: mcpSrv,
		watcher: watcher,
	}, nil
}

// dialRedis adapts redisstore.New to session.RemoteDialer.
func dialRedis(ctx context.Context, url string) (session.Store, error) {
	return redisstore.New(ctx, url)
}

// Run starts every background loop and adapter listener configured in
// cfg, and blocks until ctx is canceled or a fatal listener error
// occurs. It always attempts a graceful Close before returning.
func (s *Services) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	defer s.Close()

	var wg sync.WaitGroup
	errCh := make(chan error, 4)

	wg.Add(1)
	go func() { defer wg.Done(); s.Sweeper.Run(runCtx) }()

	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				n := s.Pages.SweepIdle(runCtx)
				if n > 0 {
					s.Log.Info("idle page sweep closed pages")
				}
			}
		}
	}()

	if s.Config.WSEnabled {
		s.REST.Mux().HandleFunc(s.Config.WSPath, s.WS.Handler())
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		reloads := s.watcher.Subscribe()
		for {
			select {
			case <-runCtx.Done():
				return
			case r := <-reloads:
				s.Browsers.SetBounds(r.BrowserPoolMinSize, r.BrowserPoolMaxSize)
				s.REST.SetMaxRequestsPerMinute(r.MaxRequestsPerMinute)
				if err := s.Log.SetLevel(r.LogLevel); err != nil {
					s.Log.Warn("config reload: invalid log level, keeping previous")
				}
				s.Log.Info("config reload applied")
			}
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := s.REST.ListenAndServe(); err != nil {
			errCh <- fmt.Errorf("rest: %w", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := s.GRPC.Serve(); err != nil {
			errCh <- fmt.Errorf("grpc: %w", err)
		}
	}()

	if s.Config.MCPTransport == config.MCPTransportHTTP {
		wg.Add(1)
		go func() {
			defer wg.Done()
			mux := http.NewServeMux()
			mux.HandleFunc("/mcp", s.MCP.Handler())
			srv := &http.Server{Addr: ":9999", Handler: mux}
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- fmt.Errorf("mcp: %w", err)
			}
		}()
	} else {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.MCP.ServeStdio(runCtx, os.Stdin, os.Stdout); err != nil {
				errCh <- fmt.Errorf("mcp stdio: %w", err)
			}
		}()
	}

	select {
	case <-runCtx.Done():
	case err := <-errCh:
		s.Log.Error("server: fatal listener error: " + err.Error())
		cancel()
		wg.Wait()
		return err
	}
	wg.Wait()
	return nil
}

// WaitForSignal blocks until SIGINT/SIGTERM, then cancels ctx.
func WaitForSignal(cancel context.CancelFunc) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	cancel()
}

// Close tears down every subsystem that owns a resource: the browser
// pool, the audit sink (flushed), and the session store.
func (s *Services) Close() error {
	if s.cancel != nil {
		s.cancel()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = s.REST.Shutdown(ctx)
	s.GRPC.Stop()
	_ = s.Browsers.Shutdown(false)
	_ = s.Audit.Close()
	if s.watcher != nil {
		_ = s.watcher.Close()
	}
	return s.Sessions.Close()
}
