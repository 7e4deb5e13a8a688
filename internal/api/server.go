// Package api serves the meshlink REST API and the WebSocket event stream.
//
//	srv, err := api.New(deps)
//	if err := srv.Start(ctx); err != nil { ... }
//	defer srv.Close()
package api

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/nerrad567/meshlink-core/internal/auth"
	"github.com/nerrad567/meshlink-core/internal/infrastructure/config"
	"github.com/nerrad567/meshlink-core/internal/infrastructure/logging"
	"github.com/nerrad567/meshlink-core/internal/manager"
)

// gracefulShutdownTimeout bounds how long Close waits for in-flight requests.
const gracefulShutdownTimeout = 10 * time.Second

// messageRelayBuffer is the processor subscription buffer feeding the hub.
const messageRelayBuffer = 256

// WebSocket event channels.
const (
	// EventMessage carries processed mesh messages.
	EventMessage = "mesh.message"
	// EventBridged carries envelopes other bridges published to a gateway's broker.
	EventBridged = "mesh.bridged"
)

// ResetStore clears persisted state on a directory reset.
type ResetStore interface {
	ClearNodes(ctx context.Context) (int64, error)
	ClearMessages(ctx context.Context) (int64, error)
}

// PoolStats reports database connection pool usage.
type PoolStats interface {
	Stats() sql.DBStats
}

// Deps wires the server to the rest of the process.
type Deps struct {
	Config   config.APIConfig
	WS       config.WebSocketConfig
	Logger   *logging.Logger
	Manager  *manager.Manager
	Auth     *auth.Authenticator // nil leaves every route open
	Database PoolStats           // optional, reported by /metrics
	Store    ResetStore          // optional, cleared by the directory reset

	ExternalHub *Hub // shared hub; Start creates one when nil
	Version     string
}

// Server owns the HTTP listener, the router and the WebSocket hub.
type Server struct {
	cfg       config.APIConfig
	wsCfg     config.WebSocketConfig
	logger    *logging.Logger
	manager   *manager.Manager
	auth      *auth.Authenticator
	db        PoolStats
	store     ResetStore
	version   string
	startTime time.Time

	server      *http.Server
	hub         *Hub
	tickets     *ticketStore
	cancel      context.CancelFunc
	unsubscribe func()
}

// New validates deps and returns an unstarted Server.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Manager == nil {
		return nil, fmt.Errorf("manager is required")
	}

	s := &Server{
		cfg:       deps.Config,
		wsCfg:     deps.WS,
		logger:    deps.Logger,
		manager:   deps.Manager,
		auth:      deps.Auth,
		db:        deps.Database,
		store:     deps.Store,
		version:   deps.Version,
		startTime: time.Now(),
		tickets:   newTicketStore(),
	}

	if deps.ExternalHub != nil {
		s.hub = deps.ExternalHub
	}

	return s, nil
}

// Handler returns the routed handler without binding a listener.
func (s *Server) Handler() http.Handler {
	return s.buildRouter()
}

// Start binds the listen address, then serves in the background. A bind
// failure is returned rather than logged so the caller can abort startup.
func (s *Server) Start(ctx context.Context) error {
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	ln, err := (&net.ListenConfig{}).Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}

	srvCtx := s.startBackground(ctx)
	seconds := func(n int) time.Duration { return time.Duration(n) * time.Second }
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.buildRouter(),
		ReadTimeout:       seconds(s.cfg.Timeouts.Read),
		ReadHeaderTimeout: seconds(s.cfg.Timeouts.Read),
		WriteTimeout:      seconds(s.cfg.Timeouts.Write),
		IdleTimeout:       seconds(s.cfg.Timeouts.Idle),
		BaseContext:       func(net.Listener) context.Context { return srvCtx },
		ErrorLog:          slog.NewLogLogger(s.logger.Handler(), slog.LevelWarn),
	}

	tlsCfg := s.cfg.TLS
	s.logger.Info("api listening", "address", addr, "tls", tlsCfg.Enabled)
	go func() {
		var serveErr error
		if tlsCfg.Enabled {
			serveErr = s.server.ServeTLS(ln, tlsCfg.CertFile, tlsCfg.KeyFile)
		} else {
			serveErr = s.server.Serve(ln)
		}
		if !errors.Is(serveErr, http.ErrServerClosed) {
			s.logger.Error("api server stopped", "error", serveErr)
		}
	}()
	return nil
}

// startBackground launches the hub (unless one was injected), the ticket
// sweeper and the message relay under a context Close cancels.
func (s *Server) startBackground(ctx context.Context) context.Context {
	srvCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	if s.hub == nil {
		s.hub = NewHub(s.wsCfg, s.logger)
		go s.hub.Run(srvCtx)
	}
	go s.cleanTicketsLoop(srvCtx)

	messages, unsubscribe := s.manager.Processor().Subscribe(messageRelayBuffer)
	s.unsubscribe = unsubscribe
	go s.relayMessages(srvCtx, messages)

	s.manager.Gateways().SetOnEnvelope(s.relayEnvelope)
	return srvCtx
}

// Close stops background work and drains in-flight requests, giving up
// after gracefulShutdownTimeout.
func (s *Server) Close() error {
	if s.unsubscribe != nil {
		s.unsubscribe()
		s.manager.Gateways().SetOnEnvelope(nil)
	}
	if s.cancel != nil {
		s.cancel()
	}
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down api server: %w", err)
	}
	s.logger.Info("api server stopped")
	return nil
}

// HealthCheck fails until Start has bound the listener.
func (s *Server) HealthCheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("api health check: %w", err)
	}
	if s.server == nil {
		return errors.New("api server not started")
	}
	return nil
}
