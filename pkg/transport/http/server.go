package http

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sitzung-dev/sitzung/pkg/config"
)

// shutdownTimeout bounds graceful shutdown; in-flight streams past it are
// cut off.
const shutdownTimeout = 30 * time.Second

// Server wraps an http.Server around the adapter and manages the full
// lifecycle including graceful shutdown.
type Server struct {
	httpServer *http.Server
	addr       string
	logger     *slog.Logger
}

// NewServer creates a server listening on the configured port.
func NewServer(handler http.Handler, cfg config.ServerConfig, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	addr := fmt.Sprintf(":%d", cfg.Port)
	return &Server{
		httpServer: &http.Server{
			Addr:    addr,
			Handler: handler,
			// Streaming responses stay open far longer than any
			// sane write timeout, so only reads are bounded.
			ReadHeaderTimeout: cfg.ReadTimeout,
			IdleTimeout:       cfg.IdleTimeout,
		},
		addr:   addr,
		logger: logger,
	}
}

// ListenAndServe starts the server and blocks until a shutdown signal
// (SIGINT or SIGTERM) is received, then drains gracefully.
func (s *Server) ListenAndServe() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server starting", "addr", s.addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		s.logger.Info("shutdown signal received")
	}

	return s.drain()
}

// ServeOn starts the server on the given listener. Used for testing.
func (s *Server) ServeOn(ln net.Listener) error {
	if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) drain() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	s.logger.Info("shutting down gracefully", "timeout", shutdownTimeout)
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}
	s.logger.Info("server stopped")
	return nil
}

// Shutdown gracefully shuts down the server with the given context.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
