// Package server exposes the scheduler engine over HTTP: JSON control routes,
// the notification inbox, and live job events over SSE and websockets.
//
// The caller is identified by the X-Owner-ID header; authentication is the
// job of whatever sits in front of this server.
package server

import (
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/teranos/cadence/am"
	"github.com/teranos/cadence/engine"
)

const (
	// ShutdownTimeout is how long in-flight requests get to finish on shutdown
	ShutdownTimeout = 15 * time.Second
	// ReadHeaderTimeout bounds slow clients
	ReadHeaderTimeout = 10 * time.Second
	// DefaultForecastWindow applies when /api/jobs/forecast has no "to"
	DefaultForecastWindow = 7 * 24 * time.Hour
)

// ServerState is the lifecycle state reported by /health
type ServerState int32

const (
	ServerStateRunning  ServerState = iota // Normal operation
	ServerStateDraining                    // Graceful shutdown in progress
	ServerStateStopped                     // Shutdown complete
)

func (s ServerState) String() string {
	switch s {
	case ServerStateRunning:
		return "running"
	case ServerStateDraining:
		return "draining"
	case ServerStateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Server serves the engine's control surface
type Server struct {
	engine   *engine.Engine
	logger   *zap.SugaredLogger
	mux      *http.ServeMux
	handler  http.Handler
	upgrader websocket.Upgrader
	started  time.Time

	mu      sync.RWMutex
	origins []string

	state      atomic.Int32
	httpServer *http.Server
}

// New builds a server over e. Routes are installed immediately so Handler
// can be used with httptest.
func New(e *engine.Engine, cfg *am.Config, log *zap.SugaredLogger) *Server {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	s := &Server{
		engine:  e,
		logger:  log.Named("server"),
		mux:     http.NewServeMux(),
		started: time.Now(),
		origins: cfg.GetAllowedOrigins(),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	s.setupHTTPRoutes()
	s.handler = s.logRequests(s.corsMiddleware(s.mux))
	return s
}

// Handler returns the root handler with middleware applied
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Reconfigure applies a reloaded config. Only allowed origins take effect
// without a restart.
func (s *Server) Reconfigure(cfg *am.Config) error {
	origins := cfg.GetAllowedOrigins()
	s.mu.Lock()
	s.origins = origins
	s.mu.Unlock()
	s.logger.Infow("Allowed origins reloaded", "origins", origins)
	return nil
}

// checkOrigin validates the Origin header against server.allowed_origins.
// Prefix matching allows any port. Requests without an Origin are allowed.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, allowed := range s.origins {
		if allowed == "*" || strings.HasPrefix(origin, allowed) {
			return true
		}
	}
	return false
}

func (s *Server) getState() ServerState {
	return ServerState(s.state.Load())
}

func (s *Server) setState(state ServerState) {
	s.state.Store(int32(state))
	s.logger.Infow("Server state changed", "new_state", state.String())
}
