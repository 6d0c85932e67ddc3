package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"fluttermcp/internal/domain"
)

const httpShutdownTimeout = 5 * time.Second

// Serve runs the MCP server over the configured transport until ctx is done.
func (s *Server) Serve(ctx context.Context, cfg domain.TransportConfig) error {
	switch cfg.Kind {
	case "", domain.TransportStdio:
		s.logger.Info("gateway starting (stdio transport)")
		err := s.server.Run(ctx, &mcp.StdioTransport{})
		if ctx.Err() != nil {
			return nil
		}
		return err
	case domain.TransportStreamableHTTP:
		listener, err := net.Listen("tcp", cfg.HTTPAddr)
		if err != nil {
			return fmt.Errorf("listen %s: %w", cfg.HTTPAddr, err)
		}
		return s.ServeHTTP(ctx, listener, cfg.HTTPPath)
	default:
		return fmt.Errorf("unsupported transport %q", cfg.Kind)
	}
}

// ServeHTTP serves the streamable HTTP transport on listener.
func (s *Server) ServeHTTP(ctx context.Context, listener net.Listener, path string) error {
	if path == "" {
		path = domain.DefaultHTTPPath
	}
	handler := mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
		return s.server
	}, nil)

	mux := http.NewServeMux()
	mux.Handle(path, handler)
	server := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("gateway starting (streamable http transport)",
			zap.String("addr", listener.Addr().String()),
			zap.String("path", path),
		)
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("gateway http server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("gateway http shutdown error", zap.Error(err))
			return err
		}
		return nil
	}
}
