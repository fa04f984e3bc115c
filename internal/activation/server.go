package activation

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/zjrosen/servhost/internal/catalog"
	"github.com/zjrosen/servhost/internal/lifecycle"
	"github.com/zjrosen/servhost/internal/log"
)

// ServerConfig configures the activation server.
type ServerConfig struct {
	// Addr is the TCP address to listen on. Port 0 picks a free port.
	Addr    string
	Catalog *catalog.Catalog
	Holds   *lifecycle.Coordinator
	Tracer  trace.Tracer
	// ReadTimeout bounds reading a whole request. Zero means 30s.
	ReadTimeout time.Duration
}

// Server owns the listener and HTTP server for a Handler.
type Server struct {
	handler  *Handler
	server   *http.Server
	listener net.Listener
}

// NewServer binds the listen address. Serving starts with Start.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Catalog == nil || cfg.Holds == nil {
		return nil, errors.New("activation: catalog and holds are required")
	}
	readTimeout := cfg.ReadTimeout
	if readTimeout == 0 {
		readTimeout = 30 * time.Second
	}

	listener, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("activation: listen on %s: %w", cfg.Addr, err)
	}

	h := NewHandler(cfg.Catalog, cfg.Holds, cfg.Tracer)
	return &Server{
		handler:  h,
		listener: listener,
		server: &http.Server{
			Handler:           h.Routes(),
			ReadTimeout:       readTimeout,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}, nil
}

// Addr returns the bound address.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Handler returns the API handler.
func (s *Server) Handler() *Handler {
	return s.handler
}

// Start serves requests until Stop. It blocks and returns nil after a
// clean stop.
func (s *Server) Start() error {
	log.Info(log.CatActivation, "activation server listening", "addr", s.Addr(), "classes", s.handler.catalog.Len())
	if err := s.server.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("activation: serve: %w", err)
	}
	return nil
}

// Stop detaches from remote callers: no new activations are accepted, the
// HTTP server shuts down and leftover instances are released.
func (s *Server) Stop(ctx context.Context) error {
	log.Info(log.CatActivation, "stopping activation server")
	s.handler.detached.Store(true)

	err := s.server.Shutdown(ctx)
	s.handler.Detach()
	return err
}
