package ws

import (
	"context"
	"net/http"
	"time"

	"m-sync-go/internal/platform/logging"
)

// ServerConfig stores the settings required to expose the websocket transport.
type ServerConfig struct {
	Path             string
	LivenessInterval time.Duration
}

// Server coordinates the websocket router, hub and liveness sweeper. The
// HTTP listener belongs to the caller, which mounts Handler at Path.
type Server struct {
	cfg     ServerConfig
	hub     *Hub
	router  *Router
	sweeper *Sweeper
	logger  *logging.Logger
}

// NewServer builds a websocket transport server.
func NewServer(cfg ServerConfig, router *Router, hub *Hub, logger *logging.Logger) *Server {
	if cfg.Path == "" {
		cfg.Path = "/ws"
	}
	if logger == nil {
		logger = logging.Discard()
	}

	return &Server{
		cfg:     cfg,
		router:  router,
		hub:     hub,
		sweeper: NewSweeper(hub, cfg.LivenessInterval, logger),
		logger:  logger,
	}
}

// Path is where Handler must be mounted.
func (s *Server) Path() string {
	return s.cfg.Path
}

// Handler returns the upgrade handler.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.router.Handle)
}

// Hub exposes the connection registry.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Run drives the liveness sweeper until ctx is done, then closes every
// session.
func (s *Server) Run(ctx context.Context) error {
	s.logger.InfoTag(logging.TagWS, "accepting upgrades on %s, liveness every %s", s.cfg.Path, s.cfg.LivenessInterval)
	err := s.sweeper.Run(ctx)
	s.hub.CloseAll(ErrSessionShutdown)
	return err
}

// Counts exposes active account and connection counts.
func (s *Server) Counts() (int, int) {
	return s.hub.Counts()
}
