package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/neves/zen-gateway/internal/logging"
)

const shutdownTimeout = 5 * time.Second

// Gateway owns the HTTP listener and its lifecycle
type Gateway struct {
	server  *http.Server
	logger  *logging.Logger
	mu      sync.RWMutex
	running bool
	addr    net.Addr
}

// NewGateway creates a new gateway instance serving srv on addr
func NewGateway(addr string, srv *Server, logger *logging.Logger) *Gateway {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Gateway{
		server: &http.Server{
			Addr:              addr,
			Handler:           srv.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		},
		logger: logger,
	}
}

// Start serves until ctx is done or SIGINT/SIGTERM arrives, then shuts down
// gracefully. In-flight streams get shutdownTimeout to finish.
func (g *Gateway) Start(ctx context.Context) error {
	g.mu.Lock()
	if g.running {
		g.mu.Unlock()
		return fmt.Errorf("gateway already running")
	}
	ln, err := net.Listen("tcp", g.server.Addr)
	if err != nil {
		g.mu.Unlock()
		return fmt.Errorf("listen on %s: %w", g.server.Addr, err)
	}
	g.running = true
	g.addr = ln.Addr()
	g.mu.Unlock()

	serveErr := make(chan error, 1)
	go func() {
		g.logger.Info("[Gateway] Listening on %s", ln.Addr())
		if err := g.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	err = g.waitForShutdown(ctx, serveErr)

	g.mu.Lock()
	g.running = false
	g.mu.Unlock()
	return err
}

// Addr reports the bound address once Start is listening
func (g *Gateway) Addr() net.Addr {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.addr
}

// Status returns the gateway status
func (g *Gateway) Status() string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if g.running {
		return "running"
	}
	return "stopped"
}

// waitForShutdown waits for a signal, ctx cancellation or a serve failure
func (g *Gateway) waitForShutdown(ctx context.Context, serveErr <-chan error) error {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case sig := <-sigChan:
		g.logger.Info("[Gateway] Shutdown signal received: %v", sig)
	case <-ctx.Done():
		g.logger.Info("[Gateway] Context done, shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := g.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}
	g.logger.Info("[Gateway] Stopped")
	return nil
}
