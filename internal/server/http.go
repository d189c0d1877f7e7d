// Package server exposes the control plane over HTTP: the recipe/job/
// dashboard/preferences control surface plus a websocket push stream of
// engine events and a Prometheus scrape endpoint.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ktr0328/orchestrator-core/internal/controlplane"
	"github.com/ktr0328/orchestrator-core/pkg/metrics"
)

// Version is the server version exposed via /health.
const Version = "1.0.0"

// Server is the HTTP front door onto a ControlPlane.
type Server struct {
	mux        *http.ServeMux
	startedAt  time.Time
	version    string
	httpServer *http.Server
}

// NewServer wires every HTTP route around cp.
func NewServer(cp *controlplane.ControlPlane) *Server {
	started := time.Now().UTC()
	mux := http.NewServeMux()
	handler := NewHandler(cp, started, Version)
	handler.Register(mux)
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	return &Server{mux: mux, startedAt: started, version: Version}
}

// ListenAndServe starts listening on addr. It blocks until the server stops.
func (s *Server) ListenAndServe(addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.mux}
	s.httpServer = srv
	return srv.ListenAndServe()
}

// Handler exposes the underlying mux, e.g. for use with httptest.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Shutdown gracefully stops the underlying HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
