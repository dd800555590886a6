// Package api serves the wpfleet HTTP API: package jobs and actions, the
// uploaded package registry, scans, the live event stream and metrics.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/luccadibe/wpfleet/internal/events"
	"github.com/luccadibe/wpfleet/internal/metrics"
	"github.com/luccadibe/wpfleet/internal/packages"
	"github.com/luccadibe/wpfleet/internal/queue"
	"github.com/luccadibe/wpfleet/internal/scan"
	"github.com/luccadibe/wpfleet/internal/store"
)

// Deps are the components the API drives.
type Deps struct {
	Store     *store.Store
	Queue     *queue.Queue
	Executor  *packages.Executor
	Uploads   *packages.Uploads
	Inventory *packages.Inventory
	Scanner   *scan.Scanner
	Events    *events.Broadcaster
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
}

// Server is the HTTP server.
type Server struct {
	Deps
	httpServer *http.Server
	// background scans outlive the request that started them
	baseCtx context.Context
}

// New builds a server listening on addr. Background work started by
// requests is bound to ctx.
func New(ctx context.Context, addr string, deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	s := &Server{Deps: deps, baseCtx: ctx}
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the API routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/packages/jobs", s.handleEnqueue)
	mux.HandleFunc("GET /api/packages/jobs", s.handleSnapshot)
	mux.HandleFunc("POST /api/packages/actions", s.handleAction)
	mux.HandleFunc("GET /api/packages/installed", s.handleInstalled)
	mux.HandleFunc("POST /api/packages/upload", s.handleUpload)
	mux.HandleFunc("GET /api/uploads", s.handleListUploads)
	mux.HandleFunc("DELETE /api/uploads/{id}", s.handleDeleteUpload)
	mux.HandleFunc("GET /api/servers", s.handleServers)
	mux.HandleFunc("GET /api/servers/{id}/installations", s.handleInstallations)
	mux.HandleFunc("POST /api/servers/{id}/scan", s.handleScan)
	mux.HandleFunc("GET /api/installations/{id}", s.handleInstallation)
	mux.HandleFunc("GET /api/events", s.handleEvents)
	mux.Handle("GET /metrics", s.Metrics.Handler())
	return mux
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	serverErr := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()
	s.Logger.Info("api listening", "addr", s.httpServer.Addr)

	select {
	case err := <-serverErr:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeStoreError maps store sentinels to status codes.
func (s *Server) writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeJSONError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, store.ErrDuplicate):
		writeJSONError(w, http.StatusConflict, err.Error())
	default:
		s.Logger.Error("request failed", "error", err)
		writeJSONError(w, http.StatusInternalServerError, err.Error())
	}
}
