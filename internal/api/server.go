// Package api exposes the gateway's external HTTP surface: tool-call
// proposal/approval/denial, read queries over runs and decisions, and
// tool-server registration and catalog sync.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/felixkwasisarpong/sentinel/internal/pipeline"
)

// Server wraps an http.Server bound to the Decision Pipeline.
type Server struct {
	addr     string
	pipeline *pipeline.Pipeline
	logger   *slog.Logger

	httpServer *http.Server
	listener   net.Listener
}

// New builds a Server listening on addr ("host:port").
func New(addr string, p *pipeline.Pipeline) *Server {
	return &Server{
		addr:     addr,
		pipeline: p,
		logger:   slog.Default().With("component", "api"),
	}
}

func (s *Server) mux() *http.ServeMux {
	mux := http.NewServeMux()

	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", s.handleHealthz)

	mux.HandleFunc("POST /v1/tool-calls", s.handlePropose)
	mux.HandleFunc("POST /v1/tool-calls/{id}/approve", s.handleApprove)
	mux.HandleFunc("POST /v1/tool-calls/{id}/deny", s.handleDeny)
	mux.HandleFunc("GET /v1/tool-calls/{id}/decisions", s.handleDecisions)

	mux.HandleFunc("GET /v1/runs", s.handleListRuns)
	mux.HandleFunc("GET /v1/runs/{id}", s.handleGetRun)
	mux.HandleFunc("GET /v1/pending-approvals", s.handlePendingApprovals)

	mux.HandleFunc("POST /v1/servers", s.handleRegisterServer)
	mux.HandleFunc("GET /v1/servers", s.handleListServers)
	mux.HandleFunc("DELETE /v1/servers/{name}", s.handleDeregisterServer)
	mux.HandleFunc("POST /v1/servers/{name}/sync", s.handleSyncCatalog)
	mux.HandleFunc("GET /v1/servers/{name}/tools", s.handleListCatalog)

	return mux
}

// Start binds the listener and serves in the background. Call Shutdown
// to stop it.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("api listen: %w", err)
	}
	s.listener = listener

	s.httpServer = &http.Server{
		Handler:           s.mux(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("api server error", "error", err)
		}
	}()

	s.logger.Info("starting api server", "addr", s.addr)
	return nil
}

// Shutdown gracefully stops the server, honoring ctx's deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("api shutdown: %w", err)
	}
	return nil
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Default().With("component", "api").Error("encode response failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{"error": err.Error()})
}
