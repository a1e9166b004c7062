package server

import (
	"context"
	"fmt"
	"net"
	"net/http"

	"github.com/teranos/cadence/errors"
)

// ListenAndServe serves on port until ctx is cancelled, then drains
// in-flight requests for up to ShutdownTimeout.
func (s *Server) ListenAndServe(ctx context.Context, port int) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return errors.Wrapf(err, "failed to listen on port %d", port)
	}
	return s.Serve(ctx, ln)
}

// Serve is ListenAndServe over an existing listener
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.httpServer = &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: ReadHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	s.setState(ServerStateRunning)
	s.logger.Infow("HTTP server listening", "address", ln.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.httpServer.Serve(ln)
	}()

	select {
	case err := <-errCh:
		s.setState(ServerStateStopped)
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.Wrap(err, "http server failed")
	case <-ctx.Done():
	}

	s.setState(ServerStateDraining)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()

	// Streams only end when their request context does, which BaseContext ties to ctx
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Warnw("Graceful shutdown timed out, closing connections",
			"timeout", ShutdownTimeout,
			"error", err,
		)
		s.httpServer.Close()
	}
	<-errCh

	s.setState(ServerStateStopped)
	s.logger.Infow("HTTP server stopped")
	return nil
}
