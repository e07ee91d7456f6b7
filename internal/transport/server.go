// Package transport provides the hub and agent's shared HTTP
// listener: an H2C server with optional CORS and bearer-token
// authentication, started and stopped the same way any other
// internal/transport.Listener is (see transport.go's Serve).
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"connectrpc.com/authn"
	connectcors "connectrpc.com/cors"
	"github.com/rs/cors"
)

// MountFunc registers handlers onto the provided ServeMux. Accepting
// *http.ServeMux lets the caller mount more than one route group
// (e.g. hubapi's WS endpoint alongside /healthz and /metrics).
type MountFunc func(mux *http.ServeMux) error

// ServerOption configures a Server.
type ServerOption func(*Server)

// Server is the hub's and agent's HTTP front door: it multiplexes the
// routes mount registers behind CORS and, when configured, bearer-token
// auth, and implements the Listener interface so it can be driven by
// Serve alongside the other daemons in a process (e.g. exporterd's
// Gateway).
type Server struct {
	inner          *http.Server
	address        string
	listener       net.Listener
	mount          MountFunc
	authMiddleware *authn.Middleware
	publicPaths    map[string]struct{}
	allowedOrigins []string
	log            *slog.Logger
}

// WithAddress configures the listen address (e.g. ":2092").
func WithAddress(address string) ServerOption {
	return func(s *Server) { s.address = address }
}

// WithListener provides an external net.Listener for the server to
// use, bypassing the address-based net.Listen call in NewServer. Tests
// use this to drive the server over an in-memory internal/transport/pipe.Listener
// instead of a real TCP socket.
func WithListener(ln net.Listener) ServerOption {
	return func(s *Server) { s.listener = ln }
}

// WithMount configures the function that registers route handlers.
func WithMount(mount MountFunc) ServerOption {
	return func(s *Server) { s.mount = mount }
}

// WithAuthMiddleware configures the bearer-token authentication
// middleware the hub uses to authorize reservation/session RPCs.
func WithAuthMiddleware(m *authn.Middleware) ServerOption {
	return func(s *Server) { s.authMiddleware = m }
}

// WithPublicPaths configures paths that bypass authentication (e.g.
// /healthz for a load balancer's liveness probe). Paths are
// normalized to always carry a leading "/".
func WithPublicPaths(paths []string) ServerOption {
	return func(s *Server) {
		if len(paths) == 0 {
			return
		}
		if s.publicPaths == nil {
			s.publicPaths = make(map[string]struct{}, len(paths))
		}
		for _, p := range paths {
			if p == "" {
				continue
			}
			if p[0] != '/' {
				p = "/" + p
			}
			s.publicPaths[p] = struct{}{}
		}
	}
}

// WithAllowedOrigins configures the allowed origins for CORS.
func WithAllowedOrigins(origins []string) ServerOption {
	return func(s *Server) { s.allowedOrigins = origins }
}

// WithHTTPLogger configures a structured logger. Defaults to
// slog.Default with a "component" attribute.
func WithHTTPLogger(log *slog.Logger) ServerOption {
	return func(s *Server) { s.log = log }
}

// NewServer builds an HTTP server from opts. It fails fast if auth is
// enabled without any allowed origins configured, since that
// combination would serve authenticated responses to any origin.
func NewServer(opts ...ServerOption) (*Server, error) {
	s := &Server{
		address: ":8299",
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = slog.Default().With("component", "http-server")
	}
	if s.authMiddleware != nil && len(s.allowedOrigins) == 0 {
		return nil, fmt.Errorf("transport: allowed origins must be configured when authentication is enabled; " +
			"set --allowed-origins or NOTMYBOARD_HUB_ALLOWED_ORIGINS")
	}
	if s.listener == nil {
		ln, err := net.Listen("tcp", s.address)
		if err != nil {
			return nil, fmt.Errorf("transport listen %q: %w", s.address, err)
		}
		s.listener = ln
	}

	handler, err := s.buildHandler()
	if err != nil {
		return nil, err
	}

	protocols := new(http.Protocols)
	protocols.SetHTTP1(true)
	protocols.SetUnencryptedHTTP2(true)

	s.inner = &http.Server{
		Addr:              s.address,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       5 * time.Minute,
		WriteTimeout:      5 * time.Minute,
		MaxHeaderBytes:    8 * 1024, // 8 KiB
		Protocols:         protocols,
	}

	return s, nil
}

// Handler returns the server's top-level HTTP handler, for exercising
// the CORS/auth middleware chain with httptest without a real listener.
func (s *Server) Handler() http.Handler {
	return s.inner.Handler
}

// Start begins accepting connections and blocks until ctx is
// cancelled or Stop is called, implementing internal/transport.Listener.
func (s *Server) Start(ctx context.Context) error {
	s.inner.BaseContext = func(net.Listener) context.Context {
		return ctx
	}

	s.log.Info("starting",
		"address", s.listener.Addr().String(),
		"auth", s.authMiddleware != nil,
		"public_paths", len(s.publicPaths),
		"allowed_origins", s.allowedOrigins,
	)

	if err := s.inner.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("transport serve: %w", err)
	}

	return nil
}

// Stop gracefully drains in-flight requests, forcing an immediate
// close if ctx expires first.
func (s *Server) Stop(ctx context.Context) error {
	s.log.Info("shutting down")
	if err := s.inner.Shutdown(ctx); err != nil {
		s.log.Error("graceful shutdown failed, forcing close", "error", err)
		return s.inner.Close()
	}
	return nil
}

// buildHandler assembles the middleware stack: CORS wraps auth, which
// wraps the mounted mux.
func (s *Server) buildHandler() (http.Handler, error) {
	mux := http.NewServeMux()
	if s.mount != nil {
		if err := s.mount(mux); err != nil {
			return nil, fmt.Errorf("mount routes: %w", err)
		}
	}

	var handler http.Handler = mux
	if s.authMiddleware != nil {
		handler = s.wrapAuth(mux, handler)
	}
	handler = s.wrapCORS(handler)

	return handler, nil
}

// wrapAuth applies the authn middleware, routing publicPaths straight
// to mux instead.
func (s *Server) wrapAuth(mux *http.ServeMux, next http.Handler) http.Handler {
	protected := s.authMiddleware.Wrap(next)
	if len(s.publicPaths) == 0 {
		return protected
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := s.publicPaths[r.URL.Path]; ok {
			mux.ServeHTTP(w, r)
			return
		}
		protected.ServeHTTP(w, r)
	})
}

// wrapCORS applies CORS headers. With no allowedOrigins configured it
// allows every origin (agent mode, where there is no bearer-token
// auth to protect); NewServer's startup check ensures this branch
// never runs while auth is enabled.
func (s *Server) wrapCORS(next http.Handler) http.Handler {
	if len(s.allowedOrigins) == 0 {
		return cors.AllowAll().Handler(next)
	}
	c := cors.New(cors.Options{
		AllowedOrigins:   s.allowedOrigins,
		AllowedMethods:   connectcors.AllowedMethods(),
		AllowedHeaders:   connectcors.AllowedHeaders(),
		ExposedHeaders:   connectcors.ExposedHeaders(),
		AllowCredentials: true,
		MaxAge:           7200,
	})
	return c.Handler(next)
}
