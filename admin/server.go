package admin

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/maxpert/redoflow/cfg"
	"github.com/rs/zerolog/log"
)

const shutdownTimeout = 5 * time.Second

// Server serves the admin router on its own listener
type Server struct {
	http     *http.Server
	listener net.Listener
	done     chan struct{}
}

// NewServer binds the configured admin address
func NewServer(config cfg.AdminConfiguration, handlers *AdminHandlers) (*Server, error) {
	addr := net.JoinHostPort(config.Address, fmt.Sprint(config.Port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("admin listen on %s: %w", addr, err)
	}

	return &Server{
		http: &http.Server{
			Handler:           NewRouter(handlers, config.Secret),
			ReadHeaderTimeout: 10 * time.Second,
		},
		listener: listener,
		done:     make(chan struct{}),
	}, nil
}

// Addr returns the bound address
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Start serves requests in the background
func (s *Server) Start() {
	log.Info().Str("address", s.Addr()).Msg("Admin server listening")
	go func() {
		defer close(s.done)
		if err := s.http.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("Admin server failed")
		}
	}()
}

// Stop shuts the server down, waiting briefly for in-flight requests
func (s *Server) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.http.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("Admin server shutdown")
	}
	<-s.done
}
