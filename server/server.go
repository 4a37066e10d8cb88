// Package server assembles the dispatcher, transports and middleware into a
// runnable HTTP server.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mnehpets/instantapi/endpoint"
	"github.com/mnehpets/instantapi/jsonrpc"
	"github.com/mnehpets/instantapi/metrics"
	"github.com/mnehpets/instantapi/middleware"
	"github.com/mnehpets/instantapi/transport"
)

// UserCookieName is the cookie read by the user processor.
const UserCookieName = "instantapi_user"

const shutdownTimeout = 5 * time.Second

// Server serves JSON-RPC at "/" over HTTP and WebSocket, metrics at
// "/metrics" and a health check at "/healthz".
type Server struct {
	cfg        Config
	logger     *slog.Logger
	rpc        *jsonrpc.Server
	metrics    *metrics.Collector
	userCookie *middleware.SealedCookie
	handler    http.Handler

	shutdown    context.Context
	stopSockets context.CancelFunc
	httpServer  *http.Server
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger for the server and everything it creates.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// New validates cfg and exposes each module under its map key. The built-in
// rpc.methods and rpc.ping are exposed after the modules.
func New(cfg Config, modules map[string]jsonrpc.Module, opts ...Option) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Server{
		cfg:     cfg,
		logger:  slog.Default(),
		metrics: metrics.New(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.rpc = jsonrpc.NewServer(jsonrpc.WithLogger(s.logger), jsonrpc.WithObserver(s.metrics))

	names := make([]string, 0, len(modules))
	for name := range modules {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := s.rpc.ExposeModule(name, modules[name]); err != nil {
			return nil, fmt.Errorf("exposing module %q: %w", name, err)
		}
	}
	builtins, err := jsonrpc.Methods(&builtinMethods{registry: s.rpc.Registry()})
	if err != nil {
		return nil, err
	}
	if err := s.rpc.ExposeModule("rpc", builtins); err != nil {
		return nil, err
	}

	if cfg.UserKey != "" {
		key, err := cfg.userKey()
		if err != nil {
			return nil, err
		}
		s.userCookie, err = middleware.NewSealedCookie(UserCookieName, "k1", map[string][]byte{"k1": key}, cfg.Production())
		if err != nil {
			return nil, err
		}
	}

	s.shutdown, s.stopSockets = context.WithCancel(context.Background())
	s.handler = s.routes()
	s.httpServer = &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.httpServer.RegisterOnShutdown(s.stopSockets)
	return s, nil
}

func (s *Server) routes() http.Handler {
	ws := &transport.WebSocket{
		RPC:          s.rpc,
		PingInterval: s.cfg.PingInterval,
		Timeout:      s.cfg.Timeout,
		ReadLimit:    s.cfg.BodyLimit,
		BaseContext:  s.shutdown,
		Observer:     s.metrics,
		Logger:       s.logger,
	}
	if len(s.cfg.AllowedOrigins) > 0 {
		allowed := make(map[string]bool, len(s.cfg.AllowedOrigins))
		for _, o := range s.cfg.AllowedOrigins {
			allowed[o] = true
		}
		ws.CheckOrigin = func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || allowed[origin]
		}
	}
	rpcHTTP := &transport.HTTP{RPC: s.rpc, WebSocket: ws, Logger: s.logger}

	processors := []endpoint.Processor{
		middleware.ClientIP{TrustProxy: s.cfg.TrustProxy},
		&middleware.RequestLogger{Logger: s.logger, Quiet: s.cfg.Production()},
		middleware.NewCORS(s.cfg.AllowedOrigins...),
		middleware.APISecurityHeaders(),
		middleware.NewRateLimit(s.cfg.RateLimitRPS, s.cfg.RateLimitBurst),
		&middleware.UserProcessor{Cookie: s.userCookie, Logger: s.logger},
		middleware.Timeout{Duration: s.cfg.Timeout},
		middleware.BodyLimit{Bytes: s.cfg.BodyLimit},
	}

	mux := http.NewServeMux()
	mux.Handle("/{$}", rpcHTTP.Handler(processors...))
	mux.Handle("GET /metrics", s.metrics.Handler())
	mux.Handle("GET /healthz", endpoint.HandleFunc(s.health))
	return mux
}

func (s *Server) health(_ http.ResponseWriter, _ *http.Request, _ struct{}) (endpoint.Renderer, error) {
	return &endpoint.JSONRenderer{Value: map[string]any{
		"status":  "ok",
		"methods": s.rpc.Registry().Len(),
	}}, nil
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.handler }

// RPC returns the dispatcher, for exposing more methods before Run.
func (s *Server) RPC() *jsonrpc.Server { return s.rpc }

// UserCookie returns the sealed user cookie codec, or nil when no user key
// is configured.
func (s *Server) UserCookie() *middleware.SealedCookie { return s.userCookie }

// Run listens on the configured address and serves until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr())
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is done, then shuts down gracefully. Open
// WebSocket connections are closed with "going away".
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info("server listening", "addr", ln.Addr().String(), "methods", s.rpc.Registry().Len())
		if err := s.httpServer.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		s.logger.Info("server shutting down")
		return s.httpServer.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

type builtinMethods struct {
	registry *jsonrpc.Registry
}

// Methods lists every exposed method name.
func (b *builtinMethods) Methods(ctx context.Context, _ struct{}) ([]string, error) {
	return b.registry.Methods(), nil
}

func (b *builtinMethods) Ping(ctx context.Context, _ struct{}) (string, error) {
	return "pong", nil
}
