// Package httpserver wires the pkgforge HTTP API onto a single listener.
package httpserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"

	"git.home.luguber.info/inful/pkgforge/internal/config"
	derrors "git.home.luguber.info/inful/pkgforge/internal/foundation/errors"
	handlers "git.home.luguber.info/inful/pkgforge/internal/server/handlers"
	smw "git.home.luguber.info/inful/pkgforge/internal/server/middleware"
)

// Server manages the API endpoints.
type Server struct {
	cfg          *config.Config
	opts         Options
	errorAdapter *derrors.HTTPErrorAdapter

	// Handler modules
	monitoringHandlers *handlers.MonitoringHandlers
	buildHandlers      *handlers.BuildHandlers
	authHandlers       *handlers.AuthHandlers

	// middleware chain
	mchain func(http.Handler) http.Handler

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
}

// New constructs a new HTTP server wiring instance.
func New(cfg *config.Config, opts Options) *Server {
	s := &Server{
		cfg:          cfg,
		opts:         opts,
		errorAdapter: derrors.NewHTTPErrorAdapter(slog.Default()),
	}

	s.monitoringHandlers = handlers.NewMonitoringHandlers(opts.Runtime, s.errorAdapter)
	s.buildHandlers = handlers.NewBuildHandlers(opts.Registry, opts.Ingress, opts.Events, cfg.Ingress.MaxUploadBytes, s.errorAdapter)
	s.authHandlers = handlers.NewAuthHandlers(opts.Exchanger, s.errorAdapter)

	s.mchain = smw.Chain(slog.Default(), s.errorAdapter)
	return s
}

// Handler returns the fully wrapped route table.
func (s *Server) Handler() http.Handler {
	authed := smw.RequireIdentity(s.opts.Authenticator, s.errorAdapter)
	admin := func(h http.Handler) http.Handler {
		return authed(smw.RequireAdmin(s.errorAdapter)(h))
	}
	protect := func(fn http.HandlerFunc) http.Handler { return authed(fn) }

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.monitoringHandlers.HandleHealthCheck)

	mux.HandleFunc("POST /api/auth/exchange", s.authHandlers.HandleExchange)
	mux.Handle("DELETE /api/auth/credential", protect(s.authHandlers.HandleRevoke))

	mux.Handle("POST /api/builds", protect(s.buildHandlers.HandleCreate))
	mux.Handle("GET /api/builds", protect(s.buildHandlers.HandleList))
	mux.Handle("GET /api/builds/{id}", protect(s.buildHandlers.HandleGet))
	mux.Handle("DELETE /api/builds/{id}", protect(s.buildHandlers.HandleCancel))
	mux.Handle("GET /api/builds/{id}/logs", protect(s.buildHandlers.HandleLogs))
	mux.Handle("GET /api/builds/{id}/events", protect(s.buildHandlers.HandleEvents))
	mux.Handle("GET /api/builds/{id}/artifact", protect(s.buildHandlers.HandleArtifact))
	mux.Handle("POST /api/builds/{id}/cancel", protect(s.buildHandlers.HandleCancel))

	mux.Handle("GET /api/queue", admin(http.HandlerFunc(s.monitoringHandlers.HandleQueue)))
	mux.Handle("GET /api/stats", admin(http.HandlerFunc(s.monitoringHandlers.HandleStats)))
	if s.opts.PrometheusHandler != nil {
		mux.Handle("GET /metrics", admin(s.opts.PrometheusHandler))
	}

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		s.errorAdapter.WriteErrorResponse(w, r, derrors.NotFoundError("no such endpoint").Build())
	})

	return s.mchain(mux)
}

// Start binds the listener and serves in the background. A bind failure is
// returned synchronously.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server != nil {
		return errors.New("http server already started")
	}

	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", s.cfg.Server.Addr)
	if err != nil {
		return fmt.Errorf("http startup failed: listen %s: %w", s.cfg.Server.Addr, err)
	}

	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadTimeout:       s.cfg.Server.ReadTimeout,
		ReadHeaderTimeout: s.cfg.Server.ReadTimeout,
		WriteTimeout:      s.cfg.Server.WriteTimeout,
		IdleTimeout:       s.cfg.Server.IdleTimeout,
	}
	s.listener = ln

	srv := s.server
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("API server error", "error", err)
		}
	}()
	slog.Info("HTTP server started", slog.String("addr", ln.Addr().String()))
	return nil
}

// Addr returns the bound address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.server
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("api server shutdown: %w", err)
	}
	slog.Info("HTTP server stopped")
	return nil
}
