package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/rs/cors"
	"go.uber.org/zap"
)

type Config struct {
	Port          int
	AllowedOrigin string
}

// Server is the node's HTTP listener.
type Server struct {
	cfg    Config
	http   *http.Server
	ln     net.Listener
	logger *zap.Logger
	done   chan struct{}
}

// New wires the drive handler behind CORS. Requests the handler declines get
// a plain 404.
func New(cfg Config, reader Reader, logger *zap.Logger, recorder Recorder) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}

	c := cors.AllowAll()
	if cfg.AllowedOrigin != "" {
		c = cors.New(cors.Options{
			AllowedOrigins: []string{cfg.AllowedOrigin},
			AllowedMethods: []string{http.MethodGet, http.MethodHead},
		})
	}

	handler := c.Handler(Handler(reader, logger, recorder)(http.NotFoundHandler()))

	return &Server{
		cfg:    cfg,
		http:   &http.Server{Handler: handler},
		logger: logger,
		done:   make(chan struct{}),
	}
}

// Start binds the port and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.cfg.Port))
	if err != nil {
		return fmt.Errorf("failed to listen on port %d: %w", s.cfg.Port, err)
	}
	s.ln = ln

	go func() {
		defer close(s.done)
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP server failed", zap.Error(err))
		}
	}()

	return nil
}

// Addr returns the bound address. Only valid after Start.
func (s *Server) Addr() net.Addr {
	return s.ln.Addr()
}

// Port returns the bound port, which differs from the configured one when
// that was 0.
func (s *Server) Port() int {
	if tcp, ok := s.Addr().(*net.TCPAddr); ok {
		return tcp.Port
	}
	return s.cfg.Port
}

// Close stops accepting requests and waits for in-flight ones until ctx is
// done.
func (s *Server) Close(ctx context.Context) error {
	if s.ln == nil {
		return nil
	}
	err := s.http.Shutdown(ctx)
	select {
	case <-s.done:
	case <-ctx.Done():
	}
	if err != nil {
		return fmt.Errorf("failed to shut down HTTP server: %w", err)
	}
	return nil
}
