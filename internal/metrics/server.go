package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server exposes a Prometheus /metrics endpoint with a
// Start(ctx)/Stop(ctx)/Port() lifecycle.
type Server struct {
	port       int
	registry   *prometheus.Registry
	httpServer *http.Server
}

// NewServer builds a metrics HTTP server bound to port, serving registry.
func NewServer(port int, registry *prometheus.Registry) *Server {
	return &Server{port: port, registry: registry}
}

// Start starts the HTTP server and blocks until ctx is cancelled or the
// server errors for a reason other than a clean shutdown.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))

	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.port),
		Handler: mux,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// Stop initiates graceful shutdown of the metrics server.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}

// Port returns the TCP port the server is listening on.
func (s *Server) Port() int {
	return s.port
}
