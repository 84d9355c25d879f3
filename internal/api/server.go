package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/viktordrukker/TG-ERP/internal/audit"
	"github.com/viktordrukker/TG-ERP/internal/auth"
	"github.com/viktordrukker/TG-ERP/internal/infrastructure/config"
	"github.com/viktordrukker/TG-ERP/internal/infrastructure/database"
	"github.com/viktordrukker/TG-ERP/internal/infrastructure/logging"
	"github.com/viktordrukker/TG-ERP/internal/session"
)

// gracefulShutdownTimeout bounds how long Close waits for in-flight requests.
const gracefulShutdownTimeout = 10 * time.Second

// BrokerStatus reports the event channel state for health and metrics.
type BrokerStatus interface {
	Connected() bool
	Transport() string
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config    config.APIConfig
	WS        config.WebSocketConfig
	RateLimit config.RateLimitConfig
	Logger    *logging.Logger
	Sessions  *session.Orchestrator
	Admin     *auth.Admin
	Engine    *auth.Engine
	Audit     audit.Repository // optional: GET /audit answers 503 without it
	Broker    BrokerStatus     // optional
	DB        *database.DB     // optional: pool stats in system metrics
	Version   string
}

// Server is the HTTP API server for the IAM core.
//
// It manages the HTTP listener, routes, middleware, and the event WebSocket
// hub. The server is created with New() and started with Start().
type Server struct {
	cfg       config.APIConfig
	wsCfg     config.WebSocketConfig
	rateCfg   config.RateLimitConfig
	logger    *logging.Logger
	sessions  *session.Orchestrator
	admin     *auth.Admin
	engine    *auth.Engine
	auditRepo audit.Repository
	broker    BrokerStatus
	db        *database.DB
	version   string
	startTime time.Time

	hub     *Hub
	tickets *ticketStore
	relayed *recentIDs
	limiter *clientLimiter

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
	cancel   context.CancelFunc
}

// New creates a new API server. Nothing listens until Start.
func New(deps Deps) (*Server, error) {
	switch {
	case deps.Logger == nil:
		return nil, errors.New("logger is required")
	case deps.Sessions == nil:
		return nil, errors.New("session orchestrator is required")
	case deps.Admin == nil:
		return nil, errors.New("rbac admin is required")
	case deps.Engine == nil:
		return nil, errors.New("authorization engine is required")
	}

	s := &Server{
		cfg:       deps.Config,
		wsCfg:     deps.WS,
		rateCfg:   deps.RateLimit,
		logger:    deps.Logger,
		sessions:  deps.Sessions,
		admin:     deps.Admin,
		engine:    deps.Engine,
		auditRepo: deps.Audit,
		broker:    deps.Broker,
		db:        deps.DB,
		version:   deps.Version,
		startTime: time.Now(),
		hub:       NewHub(deps.WS, deps.Logger),
		tickets:   newTicketStore(),
		relayed:   newRecentIDs(relayWindow),
	}
	if deps.RateLimit.Enabled {
		s.limiter = newClientLimiter(deps.RateLimit.RequestsPerMinute, deps.RateLimit.Burst)
	}
	return s, nil
}

// Hub returns the event WebSocket hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Start begins listening for HTTP connections in the background. Background
// loops (hub, ticket and limiter sweeps) stop when ctx is cancelled or Close
// is called.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server != nil {
		return errors.New("api server already started")
	}

	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}

	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)

	go s.hub.Run(srvCtx)
	go s.tickets.sweepLoop(srvCtx)
	if s.limiter != nil {
		go s.limiter.sweepLoop(srvCtx)
	}

	s.listener = ln
	s.server = &http.Server{
		Handler:           s.buildRouter(),
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	srv := s.server
	go func() {
		var err error
		if s.cfg.TLS.Enabled {
			s.logger.Info("API server starting with TLS", "address", ln.Addr().String(), "cert", s.cfg.TLS.CertFile)
			err = srv.ServeTLS(ln, s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
		} else {
			s.logger.Info("API server starting", "address", ln.Addr().String())
			err = srv.Serve(ln)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// Addr returns the bound listener address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Close gracefully shuts down the API server.
func (s *Server) Close() error {
	s.mu.Lock()
	srv, cancel := s.server, s.cancel
	s.mu.Unlock()

	if srv == nil {
		return nil
	}
	if cancel != nil {
		cancel()
	}

	ctx, done := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer done()

	s.logger.Info("API server shutting down")
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// HealthCheck verifies the API server is running.
func (s *Server) HealthCheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("api health check: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server == nil {
		return errors.New("api server not started")
	}
	return nil
}
